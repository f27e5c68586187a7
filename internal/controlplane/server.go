package controlplane

import (
	"context"
	"net"
	"sync"

	"google.golang.org/grpc"
	"k8s.io/klog/v2"
)

// SwitchInfo is the switch addressing a Controller hands out in session
// responses.
type SwitchInfo struct {
	Mac     uint64
	Ipv4    uint32
	UdpPort uint16
	Rkey    uint32
}

// Controller is an in-process implementation of the controller RPCs. The
// production controller runs on the switch's control CPU; this one exists so
// single-machine deployments and tests can bring sessions up against an
// emulated switch.
type Controller struct {
	Switch SwitchInfo

	mu   sync.Mutex
	cond *sync.Cond

	bcastSet   bool
	bcastValue uint64
	bcastSeen  uint16

	barrierCount      uint16
	barrierGeneration uint64

	udpSessions  []*UdpSessionRequest
	rdmaSessions []*RdmaSessionRequest
}

// NewController creates a controller that hands out the given switch
// addressing.
func NewController(sw SwitchInfo) *Controller {
	c := &Controller{Switch: sw}
	c.cond = sync.NewCond(&c.mu)
	return c
}

// Broadcast implements the session-id broadcast: the root rank's value is
// returned to every caller once it arrives.
func (c *Controller) Broadcast(_ context.Context, req *BroadcastRequest) (*BroadcastResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if req.Rank == req.Root {
		c.bcastValue = req.Value
		c.bcastSet = true
		c.cond.Broadcast()
	}
	for !c.bcastSet {
		c.cond.Wait()
	}
	c.bcastSeen++
	if c.bcastSeen == req.NumWorkers {
		// Reset so a later session can broadcast again.
		c.bcastSet = false
		c.bcastSeen = 0
		return &BroadcastResponse{Value: c.bcastValue}, nil
	}
	return &BroadcastResponse{Value: c.bcastValue}, nil
}

// Barrier implements the worker rendezvous.
func (c *Controller) Barrier(_ context.Context, req *BarrierRequest) (*BarrierResponse, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	generation := c.barrierGeneration
	c.barrierCount++
	if c.barrierCount == req.NumWorkers {
		c.barrierCount = 0
		c.barrierGeneration++
		c.cond.Broadcast()
		return &BarrierResponse{}, nil
	}
	for generation == c.barrierGeneration {
		c.cond.Wait()
	}
	return &BarrierResponse{}, nil
}

// UdpSession records the worker's addressing and returns the switch's.
func (c *Controller) UdpSession(_ context.Context, req *UdpSessionRequest) (*UdpSessionResponse, error) {
	c.mu.Lock()
	c.udpSessions = append(c.udpSessions, req)
	c.mu.Unlock()
	klog.V(1).Infof("Installed UDP session 0x%x for rank %d", req.SessionID, req.Rank)
	return &UdpSessionResponse{
		SessionID: req.SessionID,
		Mac:       c.Switch.Mac,
		Ipv4:      c.Switch.Ipv4,
		UdpPort:   c.Switch.UdpPort,
	}, nil
}

// RdmaSession records the worker's queue-pair state and returns the
// switch's. The switch mirrors the worker's queue pairs one to one, so the
// response carries the same qpns with psns derived the same way the worker
// derives its own.
func (c *Controller) RdmaSession(_ context.Context, req *RdmaSessionRequest) (*RdmaSessionResponse, error) {
	c.mu.Lock()
	c.rdmaSessions = append(c.rdmaSessions, req)
	c.mu.Unlock()
	klog.V(1).Infof("Installed RDMA session 0x%x for rank %d with %d queue pairs", req.SessionID, req.Rank, len(req.Qpns))
	psns := make([]uint32, len(req.Qpns))
	for i, qpn := range req.Qpns {
		psns[i] = qpn / 2
	}
	return &RdmaSessionResponse{
		SessionID: req.SessionID,
		Mac:       c.Switch.Mac,
		Ipv4:      c.Switch.Ipv4,
		UdpPort:   c.Switch.UdpPort,
		Rkey:      c.Switch.Rkey,
		Qpns:      append([]uint32(nil), req.Qpns...),
		Psns:      psns,
	}, nil
}

// UdpSessions returns the recorded UDP session requests.
func (c *Controller) UdpSessions() []*UdpSessionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*UdpSessionRequest(nil), c.udpSessions...)
}

// RdmaSessions returns the recorded RDMA session requests.
func (c *Controller) RdmaSessions() []*RdmaSessionRequest {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*RdmaSessionRequest(nil), c.rdmaSessions...)
}

// Service descriptors, hand-built: the protocol is gob-framed so there is no
// generated code to provide them.

var syncServiceDesc = grpc.ServiceDesc{
	ServiceName: "switchml.Sync",
	HandlerType: (*syncService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Broadcast", Handler: broadcastHandler},
		{MethodName: "Barrier", Handler: barrierHandler},
	},
}

var sessionServiceDesc = grpc.ServiceDesc{
	ServiceName: "switchml.Session",
	HandlerType: (*sessionService)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "UdpSession", Handler: udpSessionHandler},
		{MethodName: "RdmaSession", Handler: rdmaSessionHandler},
	},
}

type syncService interface {
	Broadcast(context.Context, *BroadcastRequest) (*BroadcastResponse, error)
	Barrier(context.Context, *BarrierRequest) (*BarrierResponse, error)
}

type sessionService interface {
	UdpSession(context.Context, *UdpSessionRequest) (*UdpSessionResponse, error)
	RdmaSession(context.Context, *RdmaSessionRequest) (*RdmaSessionResponse, error)
}

func broadcastHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(BroadcastRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(syncService).Broadcast(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodBroadcast}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(syncService).Broadcast(ctx, req.(*BroadcastRequest))
	})
}

func barrierHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(BarrierRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(syncService).Barrier(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodBarrier}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(syncService).Barrier(ctx, req.(*BarrierRequest))
	})
}

func udpSessionHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(UdpSessionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(sessionService).UdpSession(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodUdpSession}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(sessionService).UdpSession(ctx, req.(*UdpSessionRequest))
	})
}

func rdmaSessionHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(RdmaSessionRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(sessionService).RdmaSession(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: methodRdmaSession}
	return interceptor(ctx, in, info, func(ctx context.Context, req any) (any, error) {
		return srv.(sessionService).RdmaSession(ctx, req.(*RdmaSessionRequest))
	})
}

// Server hosts a Controller over gRPC.
type Server struct {
	Controller *Controller
	grpcServer *grpc.Server
	lis        net.Listener
}

// NewServer creates a controller server. Call Start to begin serving.
func NewServer(sw SwitchInfo) *Server {
	s := &Server{
		Controller: NewController(sw),
		grpcServer: grpc.NewServer(),
	}
	s.grpcServer.RegisterService(&syncServiceDesc, s.Controller)
	s.grpcServer.RegisterService(&sessionServiceDesc, s.Controller)
	return s
}

// Start listens on addr (e.g. "127.0.0.1:0") and serves in the background.
// It returns the bound address.
func (s *Server) Start(addr string) (string, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return "", err
	}
	s.lis = lis
	go func() {
		if err := s.grpcServer.Serve(lis); err != nil {
			klog.V(1).Infof("Controller server stopped: %v", err)
		}
	}()
	klog.V(0).Infof("Controller serving on %s", lis.Addr())
	return lis.Addr().String(), nil
}

// Stop shuts the server down.
func (s *Server) Stop() {
	s.grpcServer.Stop()
}

// Port returns the server's bound TCP port.
func (s *Server) Port() uint16 {
	return uint16(s.lis.Addr().(*net.TCPAddr).Port)
}
