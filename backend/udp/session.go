package udp

import (
	"context"
	"encoding/binary"
	"net"
	"time"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/switchml/switchml/config"
	"github.com/switchml/switchml/internal/controlplane"
)

// establishSession runs the one-shot control-plane sequence: rank 0 mints a
// session id and broadcasts it; rank 0 installs switch state then barriers
// while the others barrier first; a final barrier guarantees all state is in
// place before any data-plane traffic starts. It returns the switch address
// to send packets to.
func establishSession(cfg *config.Config, workerIP net.IP) (*net.UDPAddr, error) {
	g := &cfg.General
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

	req := &controlplane.UdpSessionRequest{
		SessionID:   sessionID,
		Rank:        g.Rank,
		NumWorkers:  g.NumWorkers,
		Mac:         macOf(workerIP),
		Ipv4:        ipv4ToUint32(workerIP),
		UdpPort:     cfg.Backend.Udp.WorkerPort,
		PacketNumel: uint32(g.PacketNumel),
	}
	barrier := &controlplane.BarrierRequest{NumWorkers: g.NumWorkers}

	var resp *controlplane.UdpSessionResponse
	if g.Rank == 0 {
		// The first worker clears switch state before the others add theirs.
		if resp, err = client.CreateUdpSession(ctx, req); err != nil {
			return nil, err
		}
		if err = client.Barrier(ctx, barrier); err != nil {
			return nil, err
		}
	} else {
		if err = client.Barrier(ctx, barrier); err != nil {
			return nil, err
		}
		if resp, err = client.CreateUdpSession(ctx, req); err != nil {
			return nil, err
		}
	}
	// Make sure the switch has every worker's state before traffic begins.
	if err = client.Barrier(ctx, barrier); err != nil {
		return nil, err
	}

	return &net.UDPAddr{IP: uint32ToIPv4(resp.Ipv4), Port: int(resp.UdpPort)}, nil
}

func ipv4ToUint32(ip net.IP) uint32 {
	v4 := ip.To4()
	if v4 == nil {
		return 0
	}
	return binary.BigEndian.Uint32(v4)
}

func uint32ToIPv4(v uint32) net.IP {
	ip := make(net.IP, 4)
	binary.BigEndian.PutUint32(ip, v)
	return ip
}

// macOf returns the hardware address of the interface carrying ip, packed
// into the low 48 bits, or zero if no interface matches (loopback setups).
func macOf(ip net.IP) uint64 {
	ifaces, err := net.Interfaces()
	if err != nil {
		return 0
	}
	for _, iface := range ifaces {
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || !ipNet.IP.Equal(ip) {
				continue
			}
			var mac uint64
			for _, b := range iface.HardwareAddr {
				mac = mac<<8 | uint64(b)
			}
			return mac
		}
	}
	return 0
}

// parseWorkerIP resolves the configured worker address.
func parseWorkerIP(cfg *config.Config) (net.IP, error) {
	ip := net.ParseIP(cfg.Backend.Udp.WorkerIP)
	if ip == nil {
		return nil, errors.Errorf("invalid udp.workerIp %q", cfg.Backend.Udp.WorkerIP)
	}
	return ip, nil
}
