package switchml

import (
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/switchml/switchml/config"
)

// dummyBackend completes jobs in-process without touching the network. It
// paces itself against a configured bandwidth and, when processPackets is
// set, computes what the tensor values would be after real switch
// aggregation: every element multiplied by the number of workers. It is the
// backend used by tests and by deployments that want to exercise the full
// job pipeline without a switch.
type dummyBackend struct {
	handle *Handle
	cfg    *config.Config
	wg     sync.WaitGroup
}

func init() {
	RegisterBackend("dummy", func(h *Handle, cfg *config.Config) (Backend, error) {
		return &dummyBackend{handle: h, cfg: cfg}, nil
	})
}

func (b *dummyBackend) SetupWorker() error {
	klog.V(0).Info("Setting up dummy worker")
	for tid := 0; tid < int(b.cfg.General.NumWorkerThreads); tid++ {
		b.wg.Add(1)
		go b.workerLoop(tid)
	}
	return nil
}

func (b *dummyBackend) CleanupWorker() {
	klog.V(0).Info("Cleaning up dummy worker")
	b.wg.Wait()
}

func (b *dummyBackend) workerLoop(tid int) {
	defer b.wg.Done()
	klog.V(0).Infof("Worker thread %d starting", tid)

	h := b.handle
	genconf := &b.cfg.General
	dummyconf := &b.cfg.Backend.Dummy
	outstandingPkts := uint64(genconf.MaxOutstandingPackets) / uint64(genconf.NumWorkerThreads)

	for h.Running() {
		slice, ok := h.GetJobSlice(tid)
		if !ok {
			continue
		}
		klog.V(2).Infof("Worker thread %d received slice of job %d numel=%d", tid, slice.Job.ID, slice.Slice.Numel())

		if genconf.InstantJobCompletion || slice.Slice.Numel() == 0 {
			if h.Running() {
				h.NotifyJobSliceCompletion(tid, slice)
			}
			continue
		}

		totalPkts := (slice.Slice.Numel() + genconf.PacketNumel - 1) / genconf.PacketNumel
		klog.V(3).Infof("Worker thread %d will exchange %d packets of up to %d elements", tid, totalPkts, genconf.PacketNumel)

		// Walk the slice in bursts of the outstanding window, simulating a
		// round trip per burst.
		var pktsDone uint64
		cancelled := false
		for pktsDone < totalPkts {
			if !h.Running() {
				cancelled = true
				break
			}
			burst := min(outstandingPkts, totalPkts-pktsDone)
			burstNumel := min(burst*genconf.PacketNumel, slice.Slice.Numel()-pktsDone*genconf.PacketNumel)
			if !b.sleepForBandwidth(dummyconf.Bandwidth, burstNumel*slice.Slice.DType().Size()) {
				cancelled = true
				break
			}
			if dummyconf.ProcessPackets {
				aggregate(slice.Slice, pktsDone*genconf.PacketNumel, burstNumel, genconf.NumWorkers)
			}
			h.Stats().AddTotalPktsSent(tid, burst)
			h.Stats().AddCorrectPktsReceived(tid, burst)
			pktsDone += burst
			klog.V(3).Infof("Worker thread %d exchanged %d/%d packets", tid, pktsDone, totalPkts)
		}

		if !cancelled && h.Running() {
			h.NotifyJobSliceCompletion(tid, slice)
		}
	}

	klog.V(0).Infof("Worker thread %d exiting", tid)
}

// sleepForBandwidth paces the fake exchange of numBytes against the
// configured bandwidth in Mbps. It sleeps in short steps so a concurrent
// Stop is observed promptly, returning false if the context left RUNNING.
func (b *dummyBackend) sleepForBandwidth(mbps float64, numBytes uint64) bool {
	if mbps <= 0 {
		return true
	}
	total := time.Duration(float64(numBytes*8) / (mbps * 1e6) * float64(time.Second))
	const step = time.Millisecond
	for total > 0 {
		if !b.handle.Running() {
			return false
		}
		d := min(total, step)
		time.Sleep(d)
		total -= d
	}
	return b.handle.Running()
}

// aggregate simulates the switch summing identical contributions from every
// worker: out = in * numWorkers over the given element range.
func aggregate(t Tensor, offset, numel uint64, numWorkers uint16) {
	switch t.DType() {
	case Float32:
		in, out := t.Float32()
		for i := offset; i < offset+numel; i++ {
			out[i] = in[i] * float32(numWorkers)
		}
	case Int32:
		in, out := t.Int32()
		for i := offset; i < offset+numel; i++ {
			out[i] = in[i] * int32(numWorkers)
		}
	}
}
