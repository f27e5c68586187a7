package udp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/switchml/switchml"
	"github.com/switchml/switchml/config"
	"github.com/switchml/switchml/internal/controlplane"
)

// startUdpEnv brings up the full loopback environment: a switch emulator, a
// controller handing out its address, fake control-plane peers for the other
// worker ranks, and a running context on the UDP backend.
func startUdpEnv(t *testing.T, emu *switchEmulator, numWorkers, numThreads uint16, packetNumel uint64, timeoutMs float64) *switchml.Context {
	t.Helper()

	srv := controlplane.NewServer(controlplane.SwitchInfo{
		Ipv4:    0x7f000001, // 127.0.0.1
		UdpPort: emu.port(),
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
	cfg.General.Backend = "udp"
	cfg.General.PacketNumel = packetNumel
	cfg.General.MaxOutstandingPackets = 256
	cfg.General.ControllerIP = "127.0.0.1"
	cfg.General.ControllerPort = srv.Port()
	cfg.General.TimeoutMs = timeoutMs
	cfg.Backend.Udp.WorkerIP = "127.0.0.1"
	cfg.Backend.Udp.WorkerPort = freePortBase(t, int(numThreads))

	ctx := switchml.NewContext()
	require.NoError(t, ctx.Start(cfg))
	t.Cleanup(ctx.Stop)
	return ctx
}

func TestInt32SmallAllReduce(t *testing.T) {
	// One worker thread, two workers, 256 elements in 64-element packets:
	// four packets out, four accepted back, no duplicates.
	emu := startSwitchEmulator(t, 2)
	ctx := startUdpEnv(t, emu, 2, 1, 64, 500)

	in := make([]int32, 256)
	out := make([]int32, 256)
	for i := range in {
		in[i] = int32(i)
	}

	job, err := ctx.AllReduce(switchml.NewInt32Tensor(in, out), switchml.SumOp)
	require.NoError(t, err)
	require.Equal(t, switchml.JobFinished, job.Status())

	for i := range in {
		require.Equal(t, int32(i)*2, out[i], "element %d", i)
	}

	sent, correct, wrong, timeouts := ctx.GetStats().Snapshot()
	assert.Equal(t, []uint64{4}, sent)
	assert.Equal(t, []uint64{4}, correct)
	assert.Equal(t, []uint64{0}, wrong)
	assert.Equal(t, []uint64{0}, timeouts)
}

func TestFloat32RangeAllReduce(t *testing.T) {
	// Two worker threads, four workers, 1024 elements in 256-element
	// packets. Each thread primes its slots with an exponent-only batch
	// before the quantized payload.
	emu := startSwitchEmulator(t, 4)
	ctx := startUdpEnv(t, emu, 4, 2, 256, 500)

	in := make([]float32, 1024)
	out := make([]float32, 1024)
	for i := range in {
		in[i] = (float32(i) - 512) * 0.125
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

	// Per thread: 2 payload packets plus a priming batch of 2.
	sent, correct, _, _ := ctx.GetStats().Snapshot()
	assert.Equal(t, []uint64{4, 4}, sent)
	assert.Equal(t, []uint64{4, 4}, correct)
}

func TestDuplicateSuppression(t *testing.T) {
	emu := startSwitchEmulator(t, 1)
	// Duplicate the first packet; the copies arrive while the remaining
	// packets are still outstanding, so the worker loop sees them.
	emu.duplicatePacketOnce(0)
	ctx := startUdpEnv(t, emu, 1, 1, 64, 500)

	in := make([]int32, 256)
	out := make([]int32, 256)
	for i := range in {
		in[i] = int32(i) * 3
	}

	job, err := ctx.AllReduce(switchml.NewInt32Tensor(in, out), switchml.SumOp)
	require.NoError(t, err)
	require.Equal(t, switchml.JobFinished, job.Status())

	// The duplicate is counted and discarded; the result is unchanged.
	assert.Equal(t, in, out)
	_, correct, wrong, _ := ctx.GetStats().Snapshot()
	assert.Equal(t, []uint64{4}, correct)
	assert.Equal(t, []uint64{1}, wrong)
}

func TestTimeoutRetransmit(t *testing.T) {
	emu := startSwitchEmulator(t, 1)
	emu.dropPacketOnce(2)
	ctx := startUdpEnv(t, emu, 1, 1, 64, 30)

	in := make([]int32, 256)
	out := make([]int32, 256)
	for i := range in {
		in[i] = int32(i) - 128
	}

	job, err := ctx.AllReduce(switchml.NewInt32Tensor(in, out), switchml.SumOp)
	require.NoError(t, err)
	require.Equal(t, switchml.JobFinished, job.Status())
	assert.Equal(t, in, out)

	// The dropped packet times out exactly once and is re-sent, so the
	// total is one over the packet count.
	sent, correct, _, timeouts := ctx.GetStats().Snapshot()
	assert.Equal(t, []uint64{5}, sent)
	assert.Equal(t, []uint64{4}, correct)
	assert.Equal(t, []uint64{1}, timeouts)
}

func TestBackToBackJobsAdvanceSlotShift(t *testing.T) {
	// Two jobs through the same worker thread; the second must complete
	// correctly with the slot window shifted, never replaying indices.
	emu := startSwitchEmulator(t, 1)
	ctx := startUdpEnv(t, emu, 1, 1, 64, 500)

	for round := 0; round < 3; round++ {
		in := make([]int32, 192)
		out := make([]int32, 192)
		for i := range in {
			in[i] = int32(i * (round + 1))
		}
		job, err := ctx.AllReduce(switchml.NewInt32Tensor(in, out), switchml.SumOp)
		require.NoError(t, err)
		require.Equal(t, switchml.JobFinished, job.Status(), "round %d", round)
		require.Equal(t, in, out, "round %d", round)
	}
}
