package controlplane

// BroadcastRequest propagates a 64-bit value from the root rank to all
// workers. The engine uses it once to agree on a session id.
type BroadcastRequest struct {
	Value      uint64
	Rank       uint16
	NumWorkers uint16
	Root       uint16
}

// BroadcastResponse carries the root's value back to every caller.
type BroadcastResponse struct {
	Value uint64
}

// BarrierRequest blocks the caller until NumWorkers workers have arrived.
type BarrierRequest struct {
	NumWorkers uint16
}

// BarrierResponse releases a barrier waiter.
type BarrierResponse struct{}

// UdpSessionRequest asks the controller to install switch state for a UDP
// session and announces this worker's addressing.
type UdpSessionRequest struct {
	SessionID  uint64
	Rank       uint16
	NumWorkers uint16
	Mac        uint64
	Ipv4       uint32
	UdpPort    uint16
	// PacketNumel is the number of elements per packet, which determines
	// the switch's packet size category.
	PacketNumel uint32
}

// UdpSessionResponse tells the worker where to send switch traffic.
type UdpSessionResponse struct {
	SessionID uint64
	Mac       uint64
	Ipv4      uint32
	UdpPort   uint16
}

// RdmaSessionRequest asks the controller to install switch state for an RDMA
// session: this worker's addressing, its memory region key, and the queue
// pairs it created.
type RdmaSessionRequest struct {
	SessionID   uint64
	Rank        uint16
	NumWorkers  uint16
	Mac         uint64
	Ipv4        uint32
	Rkey        uint32
	PacketNumel uint32
	MessageSize uint32
	Qpns        []uint32
	Psns        []uint32
}

// RdmaSessionResponse carries the switch-side addressing and queue-pair
// state back to the worker.
type RdmaSessionResponse struct {
	SessionID uint64
	Mac       uint64
	Ipv4      uint32
	UdpPort   uint16
	Rkey      uint32
	Qpns      []uint32
	Psns      []uint32
}
