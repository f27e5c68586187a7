package rdma

import (
	"context"
	"encoding/binary"
	"net"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchml/switchml"
	"github.com/switchml/switchml/config"
	"github.com/switchml/switchml/internal/controlplane"
)

// roceEmulator stands in for the switch on the RoCE path: it reassembles
// write-with-immediate messages per destination queue pair, multiplies every
// int32 entry by the worker count, and writes the aggregate back to the
// sender with the same immediate (the max of identical worker exponents is
// an echo).
type roceEmulator struct {
	t          *testing.T
	conn       *net.UDPConn
	numWorkers int32

	// Reassembly state per destination queue pair.
	partial map[uint32]*roceMessage
	wg      sync.WaitGroup
}

type roceMessage struct {
	vaddr   uint64
	rkey    uint32
	payload []byte
}

func startRoceEmulator(t *testing.T, numWorkers int) *roceEmulator {
	t.Helper()
	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0})
	require.NoError(t, err)
	e := &roceEmulator{
		t:          t,
		conn:       conn,
		numWorkers: int32(numWorkers),
		partial:    make(map[uint32]*roceMessage),
	}
	e.wg.Add(1)
	go e.loop()
	t.Cleanup(func() {
		conn.Close()
		e.wg.Wait()
	})
	return e
}

func (e *roceEmulator) port() uint16 {
	return uint16(e.conn.LocalAddr().(*net.UDPAddr).Port)
}

func (e *roceEmulator) loop() {
	defer e.wg.Done()
	buf := make([]byte, 65536)
	for {
		n, src, err := e.conn.ReadFromUDP(buf)
		if err != nil {
			return
		}
		if n < bthBytes {
			continue
		}
		hdr := parseBth(buf[:n])
		rest := buf[bthBytes:n]

		var imm uint32
		complete := false
		switch hdr.opcode {
		case opUCWriteOnlyImm:
			r := parseReth(rest)
			imm = binary.BigEndian.Uint32(rest[rethBytes : rethBytes+immBytes])
			e.partial[hdr.destQP] = &roceMessage{vaddr: r.vaddr, rkey: r.rkey,
				payload: append([]byte(nil), rest[rethBytes+immBytes:]...)}
			complete = true
		case opUCWriteFirst:
			r := parseReth(rest)
			e.partial[hdr.destQP] = &roceMessage{vaddr: r.vaddr, rkey: r.rkey,
				payload: append([]byte(nil), rest[rethBytes:]...)}
		case opUCWriteMiddle:
			if m := e.partial[hdr.destQP]; m != nil {
				m.payload = append(m.payload, rest...)
			}
		case opUCWriteLastImm:
			imm = binary.BigEndian.Uint32(rest[:immBytes])
			if m := e.partial[hdr.destQP]; m != nil {
				m.payload = append(m.payload, rest[immBytes:]...)
				complete = true
			}
		}
		if !complete {
			continue
		}

		m := e.partial[hdr.destQP]
		delete(e.partial, hdr.destQP)
		for i := 0; i+4 <= len(m.payload); i += 4 {
			v := int32(binary.BigEndian.Uint32(m.payload[i:]))
			binary.BigEndian.PutUint32(m.payload[i:], uint32(v*e.numWorkers))
		}
		e.reply(src, hdr.destQP, m, imm)
	}
}

// reply writes the aggregated message back as the switch would: same queue
// pair, same remote address, pool bit as received.
func (e *roceEmulator) reply(dst *net.UDPAddr, destQP uint32, m *roceMessage, imm uint32) {
	// Matches the 64-element packets the tests configure.
	const pktPayload = 256
	total := len(m.payload)
	numPkts := (total + pktPayload - 1) / pktPayload
	psn := uint32(0)
	for i := 0; i < numPkts; i++ {
		chunk := m.payload[i*pktPayload : min((i+1)*pktPayload, total)]
		var opcode uint8
		switch {
		case numPkts == 1:
			opcode = opUCWriteOnlyImm
		case i == 0:
			opcode = opUCWriteFirst
		case i == numPkts-1:
			opcode = opUCWriteLastImm
		default:
			opcode = opUCWriteMiddle
		}
		pkt := make([]byte, 0, bthBytes+rethBytes+immBytes+len(chunk))
		var hdrBuf [bthBytes]byte
		hdr := bth{opcode: opcode, destQP: destQP, psn: psn}
		psn++
		hdr.marshal(hdrBuf[:])
		pkt = append(pkt, hdrBuf[:]...)
		if i == 0 {
			var rethBuf [rethBytes]byte
			r := reth{vaddr: m.vaddr, rkey: m.rkey, dlen: uint32(total)}
			r.marshal(rethBuf[:])
			pkt = append(pkt, rethBuf[:]...)
		}
		if opcode == opUCWriteOnlyImm || opcode == opUCWriteLastImm {
			var immBuf [immBytes]byte
			binary.BigEndian.PutUint32(immBuf[:], imm)
			pkt = append(pkt, immBuf[:]...)
		}
		pkt = append(pkt, chunk...)
		if _, err := e.conn.WriteToUDP(pkt, dst); err != nil {
			return
		}
	}
}

// runPeerControlPlane mimics another worker node's control-plane sequence so
// barriers release.
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
		if _, err := client.CreateRdmaSession(ctx, &controlplane.RdmaSessionRequest{
			Rank: rank, NumWorkers: numWorkers,
			Qpns: []uint32{0x9000}, Psns: []uint32{0x4800},
		}); err != nil {
			t.Errorf("peer %d session: %v", rank, err)
			return
		}
		if err := client.Barrier(ctx, barrier); err != nil {
			t.Errorf("peer %d final barrier: %v", rank, err)
		}
	}()
}

func startRdmaEnv(t *testing.T, emu *roceEmulator, numWorkers, numThreads uint16, packetNumel uint64, msgNumel, maxOutstanding uint32) *switchml.Context {
	t.Helper()

	srv := controlplane.NewServer(controlplane.SwitchInfo{
		Ipv4:    0x7f000001,
		UdpPort: emu.port(),
		Rkey:    0x77,
	})
	_, err := srv.Start("127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(srv.Stop)

	for rank := uint16(1); rank < numWorkers; rank++ {
		runPeerControlPlane(t, srv.Port(), rank, numWorkers)
	}

	cfg := config.Default()
	cfg.General.NumWorkers = numWorkers
	cfg.General.NumWorkerThreads = numThreads
	cfg.General.Backend = "rdma"
	cfg.General.PacketNumel = packetNumel
	cfg.General.MaxOutstandingPackets = maxOutstanding
	cfg.General.ControllerIP = "127.0.0.1"
	cfg.General.ControllerPort = srv.Port()
	cfg.General.TimeoutMs = 500
	cfg.Backend.Rdma.MsgNumel = msgNumel
	cfg.Backend.Rdma.DeviceName = loopbackDevice

	ctx := switchml.NewContext()
	require.NoError(t, ctx.Start(cfg))
	t.Cleanup(ctx.Stop)
	return ctx
}

func TestInt32AllReduceOverRdma(t *testing.T) {
	// 2 packets per message, 4 outstanding messages on one worker thread.
	emu := startRoceEmulator(t, 2)
	ctx := startRdmaEnv(t, emu, 2, 1, 64, 128, 8)

	in := make([]int32, 1024)
	out := make([]int32, 1024)
	for i := range in {
		in[i] = int32(i) - 512
	}

	job, err := ctx.AllReduce(switchml.NewInt32Tensor(in, out), switchml.SumOp)
	require.NoError(t, err)
	require.Equal(t, switchml.JobFinished, job.Status())

	for i := range in {
		require.Equal(t, in[i]*2, out[i], "element %d", i)
	}

	// 8 messages of 2 packets each.
	sent, correct, _, timeouts := ctx.GetStats().Snapshot()
	assert.Equal(t, []uint64{16}, sent)
	assert.Equal(t, []uint64{16}, correct)
	assert.Equal(t, []uint64{0}, timeouts)
}

func TestFloat32AllReduceOverRdma(t *testing.T) {
	emu := startRoceEmulator(t, 4)
	ctx := startRdmaEnv(t, emu, 4, 2, 64, 128, 16)

	in := make([]float32, 2048)
	out := make([]float32, 2048)
	for i := range in {
		in[i] = (float32(i) - 1024) * 0.0625
	}

	job, err := ctx.AllReduce(switchml.NewFloat32Tensor(in, out), switchml.SumOp)
	require.NoError(t, err)
	require.Equal(t, switchml.JobFinished, job.Status())

	for i := range in {
		want := in[i] * 4
		if want == 0 {
			assert.InDelta(t, 0, out[i], 1e-3, "element %d", i)
			continue
		}
		assert.InEpsilon(t, want, out[i], 0.01, "element %d", i)
	}
}

func TestBackToBackJobsOverRdma(t *testing.T) {
	emu := startRoceEmulator(t, 1)
	ctx := startRdmaEnv(t, emu, 1, 1, 64, 64, 4)

	for round := 0; round < 3; round++ {
		in := make([]int32, 512)
		out := make([]int32, 512)
		for i := range in {
			in[i] = int32(i * (round + 1))
		}
		job, err := ctx.AllReduce(switchml.NewInt32Tensor(in, out), switchml.SumOp)
		require.NoError(t, err)
		require.Equal(t, switchml.JobFinished, job.Status(), "round %d", round)
		require.Equal(t, in, out, "round %d", round)
	}
}
