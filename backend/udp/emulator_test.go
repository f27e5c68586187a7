package udp

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/switchml/switchml/internal/controlplane"
)

// switchEmulator stands in for the programmable switch on the loopback
// interface: it multiplies every int32 payload entry by the worker count
// (the sum of identical contributions from every worker) and echoes the
// packet back. Drops and duplicates can be injected per packet id.
type switchEmulator struct {
	t          *testing.T
	conn       *net.UDPConn
	numWorkers int32

	mu       sync.Mutex
	dropOnce map[uint32]bool
	dupOnce  map[uint32]bool
	wg       sync.WaitGroup
}

func startSwitchEmulator(t *testing.T, numWorkers int) *switchEmulator {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	e := &switchEmulator{
		t:          t,
		conn:       conn,
		numWorkers: int32(numWorkers),
		dropOnce:   make(map[uint32]bool),
		dupOnce:    make(map[uint32]bool),
	}
	e.wg.Add(1)
	go e.loop()
	t.Cleanup(e.stop)
	return e
}

func (e *switchEmulator) stop() {
	e.conn.Close()
	e.wg.Wait()
}

func (e *switchEmulator) port() uint16 {
	return uint16(e.conn.LocalAddr().(*net.UDPAddr).Port)
}

// dropPacketOnce makes the emulator swallow the first response for pktID.
func (e *switchEmulator) dropPacketOnce(pktID uint32) {
	e.mu.Lock()
	e.dropOnce[pktID] = true
	e.mu.Unlock()
}

// duplicatePacketOnce makes the emulator respond twice for pktID once.
func (e *switchEmulator) duplicatePacketOnce(pktID uint32) {
	e.mu.Lock()
	e.dupOnce[pktID] = true
	e.mu.Unlock()
}

func (e *switchEmulator) loop() {
	defer e.wg.Done()
	buf := make([]byte, 65536)
	for {
		n, src, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			return // socket closed
		}
		if n < headerBytes+sideChannelBytes {
			continue
		}
		pkt := make([]byte, n)
		copy(pkt, buf[:n])
		hdr := parseHeader(pkt)

		// Aggregate: every worker contributes the same values, so the sum
		// is a multiplication. The exponent side channel is the max across
		// workers, which for identical contributions is an echo.
		payload := pkt[headerBytes+sideChannelBytes:]
		for i := 0; i+4 <= len(payload); i += 4 {
			v := int32(binary.BigEndian.Uint32(payload[i:]))
			binary.BigEndian.PutUint32(payload[i:], uint32(v*e.numWorkers))
		}

		e.mu.Lock()
		drop := e.dropOnce[hdr.pktID]
		if drop {
			delete(e.dropOnce, hdr.pktID)
		}
		dup := e.dupOnce[hdr.pktID]
		if dup {
			delete(e.dupOnce, hdr.pktID)
		}
		e.mu.Unlock()

		if drop {
			continue
		}
		if _, err := e.conn.WriteToUDP(pkt, src); err != nil {
			return
		}
		if dup {
			if _, err := e.conn.WriteToUDP(pkt, src); err != nil {
				return
			}
		}
	}
}

// runPeerControlPlane mimics the control-plane sequence of another worker
// node so barriers release: broadcast, then barrier/create-session in rank
// order, then the final barrier.
func runPeerControlPlane(t *testing.T, controllerPort uint16, rank, numWorkers uint16) {
	t.Helper()
	go func() {
		client, err := controlplane.Dial("127.0.0.1", controllerPort)
		if err != nil {
			t.Errorf("peer %d dial: %v", rank, err)
			return
		}
		defer client.Close()
		ctx := context.Background()

		if _, err := client.Broadcast(ctx, &controlplane.BroadcastRequest{
			Rank: rank, NumWorkers: numWorkers, Root: 0,
		}); err != nil {
			t.Errorf("peer %d broadcast: %v", rank, err)
			return
		}
		barrier := &controlplane.BarrierRequest{NumWorkers: numWorkers}
		if err := client.Barrier(ctx, barrier); err != nil {
			t.Errorf("peer %d barrier: %v", rank, err)
			return
		}
		if _, err := client.CreateUdpSession(ctx, &controlplane.UdpSessionRequest{
			Rank: rank, NumWorkers: numWorkers, PacketNumel: 64,
		}); err != nil {
			t.Errorf("peer %d session: %v", rank, err)
			return
		}
		if err := client.Barrier(ctx, barrier); err != nil {
			t.Errorf("peer %d final barrier: %v", rank, err)
		}
	}()
}

// freePortBase finds a base port with n consecutive free UDP ports.
func freePortBase(t *testing.T, n int) uint16 {
	t.Helper()
	for attempt := 0; attempt < 16; attempt++ {
		probe, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
		require.NoError(t, err)
		base := probe.LocalAddr().(*net.UDPAddr).Port
		probe.Close()

		ok := true
		var held []*net.UDPConn
		for i := 0; i < n; i++ {
			c, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: base + i})
			if err != nil {
				ok = false
				break
			}
			held = append(held, c)
		}
		for _, c := range held {
			c.Close()
		}
		if ok {
			return uint16(base)
		}
	}
	t.Fatal("could not find consecutive free UDP ports")
	return 0
}
