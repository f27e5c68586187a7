package controlplane

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"k8s.io/klog/v2"
)

// Method names served by the controller.
const (
	methodBroadcast   = "/switchml.Sync/Broadcast"
	methodBarrier     = "/switchml.Sync/Barrier"
	methodUdpSession  = "/switchml.Session/UdpSession"
	methodRdmaSession = "/switchml.Session/RdmaSession"
)

// Client talks to the controller during worker setup.
type Client struct {
	conn *grpc.ClientConn
}

// Dial connects to the controller at ip:port.
func Dial(ip string, port uint16) (*Client, error) {
	target := fmt.Sprintf("%s:%d", ip, port)
	conn, err := grpc.NewClient(target,
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.CallContentSubtype(CodecName),
			grpc.UseCompressor("zstd"),
		),
	)
	if err != nil {
		return nil, errors.Wrapf(err, "connecting to controller at %s", target)
	}
	return &Client{conn: conn}, nil
}

// Close tears the controller channel down.
func (c *Client) Close() error { return c.conn.Close() }

// Broadcast propagates a value from the root rank to all workers and
// returns it.
func (c *Client) Broadcast(ctx context.Context, req *BroadcastRequest) (*BroadcastResponse, error) {
	klog.V(1).Infof("Sending broadcast value=0x%x rank=%d numWorkers=%d root=%d", req.Value, req.Rank, req.NumWorkers, req.Root)
	resp := new(BroadcastResponse)
	if err := c.conn.Invoke(ctx, methodBroadcast, req, resp); err != nil {
		return nil, errors.Wrap(err, "error contacting controller")
	}
	klog.V(1).Infof("Received broadcast value=0x%x", resp.Value)
	return resp, nil
}

// Barrier blocks until all workers have arrived at the controller.
func (c *Client) Barrier(ctx context.Context, req *BarrierRequest) error {
	klog.V(1).Infof("Sending barrier numWorkers=%d", req.NumWorkers)
	resp := new(BarrierResponse)
	if err := c.conn.Invoke(ctx, methodBarrier, req, resp); err != nil {
		return errors.Wrap(err, "error contacting controller")
	}
	klog.V(1).Info("Barrier released")
	return nil
}

// CreateUdpSession installs switch state for a UDP session and returns the
// switch addressing.
func (c *Client) CreateUdpSession(ctx context.Context, req *UdpSessionRequest) (*UdpSessionResponse, error) {
	klog.V(1).Infof("Sending UDP session request sessionId=0x%x rank=%d", req.SessionID, req.Rank)
	resp := new(UdpSessionResponse)
	if err := c.conn.Invoke(ctx, methodUdpSession, req, resp); err != nil {
		return nil, errors.Wrap(err, "error contacting controller")
	}
	klog.V(1).Infof("Received UDP session response ipv4=0x%x port=%d", resp.Ipv4, resp.UdpPort)
	return resp, nil
}

// CreateRdmaSession installs switch state for an RDMA session and returns
// the switch addressing and queue-pair state.
func (c *Client) CreateRdmaSession(ctx context.Context, req *RdmaSessionRequest) (*RdmaSessionResponse, error) {
	klog.V(1).Infof("Sending RDMA session request sessionId=0x%x rank=%d rkey=0x%x qps=%d",
		req.SessionID, req.Rank, req.Rkey, len(req.Qpns))
	resp := new(RdmaSessionResponse)
	if err := c.conn.Invoke(ctx, methodRdmaSession, req, resp); err != nil {
		return nil, errors.Wrap(err, "error contacting controller")
	}
	klog.V(1).Infof("Received RDMA session response ipv4=0x%x rkey=0x%x qps=%d", resp.Ipv4, resp.Rkey, len(resp.Qpns))
	return resp, nil
}
