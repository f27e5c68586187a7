package rdma

import (
	"context"
	"encoding/binary"
	"net"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/switchml/switchml/config"
	"github.com/switchml/switchml/internal/controlplane"
	"github.com/switchml/switchml/internal/hostmem"
)

// regionBaseAddr is the fixed virtual address every worker maps its
// registered buffer at. Using the same address on all workers lets the
// switch use a single remote address for the whole fleet.
const regionBaseAddr = uintptr(1) << 44

// loopbackDevice selects in-process emulation: no sysfs device lookup, no
// NUMA pinning, sockets bound to the loopback interface.
const loopbackDevice = "lo"

// connection owns everything shared between this worker's threads: the
// registered region, one completion queue per worker thread, and the queue
// pairs spread across them.
type connection struct {
	cfg *config.Config

	region   *hostmem.Region
	numaCPUs []int

	// Queue pairs in thread order: thread 0 has QPs [0, n), thread 1 has
	// [n, 2n), and so on.
	completionQueues []*CompletionQueue
	queuePairs       []*QueuePair
	conns            []*net.UDPConn

	numQueuePairs uint32
	switchRkey    uint32
}

func newConnection(cfg *config.Config) (*connection, error) {
	g := &cfg.General
	r := &cfg.Backend.Rdma
	pktsPerMsg := uint64(r.MsgNumel) / g.PacketNumel

	c := &connection{
		cfg:           cfg,
		numQueuePairs: g.MaxOutstandingPackets / uint32(pktsPerMsg),
	}

	// Buffer big enough for all outstanding data, mapped at the same
	// address on every node.
	regionBytes := int(g.PacketNumel) * int(g.MaxOutstandingPackets) * 4
	region, err := hostmem.MapFixed(regionBaseAddr, regionBytes)
	if err != nil {
		return nil, errors.Wrap(err, "allocating registered region")
	}
	c.region = region
	klog.V(1).Infof("Allocated %dB buffer at address 0x%x", regionBytes, region.Addr())

	if r.DeviceName != loopbackDevice {
		node, err := hostmem.DeviceNUMANode(r.DeviceName)
		if err != nil {
			region.Free()
			return nil, err
		}
		cpus, err := hostmem.NodeCPUs(node)
		if err != nil {
			region.Free()
			return nil, err
		}
		if len(cpus) < int(g.NumWorkerThreads) {
			region.Free()
			return nil, errors.Errorf("NUMA node %d of device %s has %d cores for %d worker threads",
				node, r.DeviceName, len(cpus), g.NumWorkerThreads)
		}
		c.numaCPUs = cpus
	}

	return c, nil
}

// connect creates the completion queues and queue pairs, exchanges
// connection state with the controller, and moves every pair to a
// ready-to-send state.
func (c *connection) connect() error {
	g := &c.cfg.General

	bindIP := net.IPv4zero
	if c.cfg.Backend.Rdma.DeviceName == loopbackDevice {
		bindIP = net.IPv4(127, 0, 0, 1)
	}

	pktPayloadBytes := int(g.PacketNumel) * 4
	qpsPerThread := c.numQueuePairs / uint32(g.NumWorkerThreads)

	// One completion queue (and socket) per worker thread; queue pairs are
	// spread across threads in contiguous blocks.
	c.completionQueues = make([]*CompletionQueue, g.NumWorkerThreads)
	c.conns = make([]*net.UDPConn, g.NumWorkerThreads)
	c.queuePairs = make([]*QueuePair, c.numQueuePairs)
	for tid := 0; tid < int(g.NumWorkerThreads); tid++ {
		conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: bindIP, Port: 0})
		if err != nil {
			return errors.Wrapf(err, "binding RoCE socket for worker thread %d", tid)
		}
		c.conns[tid] = conn
		c.completionQueues[tid] = newCompletionQueue(conn, c.region.Buf, uint64(c.region.Addr()), pktPayloadBytes)
		klog.V(1).Infof("Created completion queue %d", tid)
	}
	for i := uint32(0); i < c.numQueuePairs; i++ {
		cq := c.completionQueues[i/qpsPerThread]
		// Queue pair numbers only need to be unique per worker; the
		// controller hands the switch the full list.
		c.queuePairs[i] = cq.createQueuePair(0x1000 + i)
		klog.V(1).Infof("Created queue pair %d:0x%x", i, c.queuePairs[i].Num)
	}

	resp, err := c.exchangeConnectionInfo()
	if err != nil {
		return err
	}
	c.switchRkey = resp.Rkey

	switchAddr := &net.UDPAddr{IP: uint32ToIPv4(resp.Ipv4), Port: int(resp.UdpPort)}
	for tid := range c.completionQueues {
		c.completionQueues[tid].switchAddr = switchAddr
	}
	for i, qp := range c.queuePairs {
		qp.Connect(resp.Qpns[i], resp.Psns[i])
	}
	klog.V(0).Infof("RDMA connection established with switch at %s", switchAddr)
	return nil
}

// exchangeConnectionInfo runs the control-plane sequence: broadcast the
// session id from rank 0, install switch state in rank order, and barrier
// until every worker's state is in place.
func (c *connection) exchangeConnectionInfo() (*controlplane.RdmaSessionResponse, error) {
	g := &c.cfg.General
	klog.V(1).Infof("Worker %d/%d requesting connection to switch", g.Rank, g.NumWorkers)

	client, err := controlplane.Dial(g.ControllerIP, g.ControllerPort)
	if err != nil {
		return nil, err
	}
	defer client.Close()
	ctx := context.Background()

	var sessionID uint64
	if g.Rank == 0 {
		sessionID = uint64(time.Now().UnixNano())
		klog.V(1).Infof("Session id is 0x%x", sessionID)
	}
	bcast, err := client.Broadcast(ctx, &controlplane.BroadcastRequest{
		Value:      sessionID,
		Rank:       g.Rank,
		NumWorkers: g.NumWorkers,
		Root:       0,
	})
	if err != nil {
		return nil, err
	}
	sessionID = bcast.Value

	req := &controlplane.RdmaSessionRequest{
		SessionID:   sessionID,
		Rank:        g.Rank,
		NumWorkers:  g.NumWorkers,
		Rkey:        uint32(c.region.Addr() >> 32),
		PacketNumel: uint32(g.PacketNumel),
		MessageSize: c.cfg.Backend.Rdma.MsgNumel * 4,
	}
	for _, qp := range c.queuePairs {
		req.Qpns = append(req.Qpns, qp.Num)
		req.Psns = append(req.Psns, qp.Num/2)
	}

	barrier := &controlplane.BarrierRequest{NumWorkers: g.NumWorkers}
	var resp *controlplane.RdmaSessionResponse
	if g.Rank == 0 {
		// The first worker clears switch state before the others add theirs.
		if resp, err = client.CreateRdmaSession(ctx, req); err != nil {
			return nil, err
		}
		if err = client.Barrier(ctx, barrier); err != nil {
			return nil, err
		}
	} else {
		if err = client.Barrier(ctx, barrier); err != nil {
			return nil, err
		}
		if resp, err = client.CreateRdmaSession(ctx, req); err != nil {
			return nil, err
		}
	}
	// Ensure the switch has every worker's state before traffic begins.
	if err = client.Barrier(ctx, barrier); err != nil {
		return nil, err
	}
	if len(resp.Qpns) != len(c.queuePairs) || len(resp.Psns) != len(c.queuePairs) {
		return nil, errors.Errorf("controller returned %d switch queue pairs for %d local ones", len(resp.Qpns), len(c.queuePairs))
	}
	return resp, nil
}

func (c *connection) close() {
	for _, conn := range c.conns {
		conn.Close()
	}
	if c.region != nil {
		c.region.Free()
	}
}

// workerThreadQueuePairs returns the queue pairs owned by one worker thread.
func (c *connection) workerThreadQueuePairs(tid int) []*QueuePair {
	qpsPerThread := int(c.numQueuePairs) / int(c.cfg.General.NumWorkerThreads)
	return c.queuePairs[qpsPerThread*tid : qpsPerThread*(tid+1)]
}

// workerThreadRegion returns the slice of the registered region owned by one
// worker thread and the virtual address it starts at.
func (c *connection) workerThreadRegion(tid int) ([]byte, uint64) {
	bytesPerThread := len(c.region.Buf) / int(c.cfg.General.NumWorkerThreads)
	offset := tid * bytesPerThread
	return c.region.Buf[offset : offset+bytesPerThread], uint64(c.region.Addr()) + uint64(offset)
}

func uint32ToIPv4(v uint32) net.IP {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, v)
	return ip
}
