package rdma

import (
	"sync"
	"time"

	"k8s.io/klog/v2"

	"github.com/switchml/switchml"
	"github.com/switchml/switchml/config"
	"github.com/switchml/switchml/internal/hostmem"
	"github.com/switchml/switchml/internal/timeoutq"
)

func init() {
	switchml.RegisterBackend("rdma", New)
}

// backend drives the RDMA transport: a shared connection plus one worker
// goroutine per configured worker thread.
type backend struct {
	handle *switchml.Handle
	cfg    *config.Config

	conn *connection
	wg   sync.WaitGroup
}

// New constructs the RDMA backend.
func New(h *switchml.Handle, cfg *config.Config) (switchml.Backend, error) {
	return &backend{handle: h, cfg: cfg}, nil
}

func (b *backend) SetupWorker() error {
	klog.V(0).Info("Setting up RDMA worker")

	conn, err := newConnection(b.cfg)
	if err != nil {
		return err
	}
	if err := conn.connect(); err != nil {
		conn.close()
		return err
	}
	b.conn = conn

	for tid := 0; tid < int(b.cfg.General.NumWorkerThreads); tid++ {
		b.wg.Add(1)
		go func(tid int) {
			defer b.wg.Done()
			newWorker(b, tid).run()
		}(tid)
	}
	return nil
}

func (b *backend) CleanupWorker() {
	klog.V(0).Info("Cleaning up RDMA worker")
	b.wg.Wait()
	b.conn.close()
}

// worker is the per-thread state of the RDMA send/receive loop.
type worker struct {
	tid     int
	backend *backend
	handle  *switchml.Handle
	cfg     *config.Config
	cq      *CompletionQueue
	qps     []*QueuePair
	ppp     switchml.PrePostProcessor

	pktsPerMsg         uint64
	maxOutstandingMsgs uint64
	msgBytes           uint64

	// The slice of the registered region this thread owns and its fixed
	// virtual address; queue pair i stages its message at offset i*msgBytes.
	region     []byte
	regionAddr uint64

	sendWRs []SendWR
	msgIDs  []uint64
	// Writes are only occasionally signaled; this counts posts per queue
	// pair to decide when.
	writePostedCount []uint64
}

// signaledWriteInterval is how many posts go by between signaled writes.
// Signaling reclaims send-queue resources without per-post completion
// overhead.
const signaledWriteInterval = 1024

func newWorker(b *backend, tid int) *worker {
	g := &b.cfg.General
	r := &b.cfg.Backend.Rdma

	pktsPerMsg := uint64(r.MsgNumel) / g.PacketNumel
	maxOutstandingMsgs := uint64(g.MaxOutstandingPackets) / pktsPerMsg / uint64(g.NumWorkerThreads)
	msgBytes := uint64(r.MsgNumel) * 4

	ppp, err := switchml.NewPrePostProcessor(b.cfg, tid, uint64(r.MsgNumel), maxOutstandingMsgs)
	if err != nil {
		klog.Fatalf("Worker thread %d: %v", tid, err)
	}

	region, regionAddr := b.conn.workerThreadRegion(tid)
	qps := b.conn.workerThreadQueuePairs(tid)
	if uint64(len(qps)) != maxOutstandingMsgs {
		klog.Fatalf("Worker thread %d has %d queue pairs for %d outstanding messages", tid, len(qps), maxOutstandingMsgs)
	}

	w := &worker{
		tid:                tid,
		backend:            b,
		handle:             b.handle,
		cfg:                b.cfg,
		cq:                 b.conn.completionQueues[tid],
		qps:                qps,
		ppp:                ppp,
		pktsPerMsg:         pktsPerMsg,
		maxOutstandingMsgs: maxOutstandingMsgs,
		msgBytes:           msgBytes,
		region:             region,
		regionAddr:         regionAddr,
		sendWRs:            make([]SendWR, len(qps)),
		msgIDs:             make([]uint64, len(qps)),
		writePostedCount:   make([]uint64, len(qps)),
	}

	for qpn := range w.sendWRs {
		wrID := uint64(tid)<<16 | uint64(qpn)
		start := uint64(qpn) * msgBytes
		// The message is written to the same virtual address it is staged
		// at; the switch sends its aggregate back to that address.
		w.sendWRs[qpn] = SendWR{
			WrID:       wrID,
			LocalBuf:   region[start : start+msgBytes],
			RemoteAddr: regionAddr + start,
			// The rkey carries the switch pool index, shifted to
			// packet-sized units with room for the pool bit in the LSB.
			// The bit starts at 1 and is flipped to 0 on the first post.
			Rkey: (uint32(len(qps))*uint32(tid) + uint32(qpn)) * uint32(pktsPerMsg) * 2 | 1,
		}
		klog.V(2).Infof("Worker %d QP %d:0x%x using rkey 0x%x", tid, qpn, qps[qpn].Num, w.sendWRs[qpn].Rkey)
	}
	return w
}

func (w *worker) run() {
	// Stay on a core of the NUMA node the device hangs off of.
	if cpus := w.backend.conn.numaCPUs; cpus != nil {
		if err := hostmem.PinToCPU(cpus[w.tid]); err != nil {
			klog.Fatalf("Worker thread %d: %v", w.tid, err)
		}
	}
	klog.V(0).Infof("Worker thread %d starting", w.tid)

	h := w.handle
	for h.Running() {
		slice, ok := h.GetJobSlice(w.tid)
		if !ok {
			continue
		}
		klog.V(2).Infof("Worker thread %d received slice of job %d numel=%d", w.tid, slice.Job.ID, slice.Slice.Numel())

		if slice.Slice.Numel() == 0 || w.cfg.General.InstantJobCompletion {
			if h.Running() {
				h.NotifyJobSliceCompletion(w.tid, slice)
			}
			continue
		}

		w.runSlice(&slice)
	}

	klog.V(0).Infof("Worker thread %d exiting", w.tid)
}

func (w *worker) runSlice(slice *switchml.JobSlice) {
	h := w.handle
	g := &w.cfg.General

	totalMsgs := w.ppp.SetupJobSlice(slice)
	batchMsgs := min(w.maxOutstandingMsgs, totalMsgs)
	if w.ppp.NeedsExtraBatch() {
		totalMsgs += batchMsgs
	}
	klog.V(3).Infof("Worker thread %d will send a total of %d messages of %d elements", w.tid, totalMsgs, w.cfg.Backend.Rdma.MsgNumel)

	// Message ids start one window apart: queue pair q carries messages
	// q, q+batch, q+2*batch, ...
	for qpn := uint64(0); qpn < batchMsgs; qpn++ {
		w.msgIDs[qpn] = qpn
	}

	tq := timeoutq.New(int(batchMsgs),
		time.Duration(g.TimeoutMs*float64(time.Millisecond)),
		g.TimeoutThreshold, g.TimeoutThresholdIncrement)

	var statsSent, statsCorrect, statsWrong, statsTimeouts uint64

	// First batch: one message per queue pair.
	klog.V(3).Infof("Worker thread %d sending the first %d messages", w.tid, batchMsgs)
	for qpn := uint64(0); qpn < batchMsgs; qpn++ {
		w.postRecv(uint16(qpn))
		w.postSend(uint16(qpn), true, tq)
	}
	statsSent += w.pktsPerMsg * batchMsgs

	completions := make([]WorkCompletion, len(w.qps))
	var numReceived uint64
	for numReceived < totalMsgs && h.Running() {
		n := w.cq.Poll(completions)

		var iterationReceived uint64
		for i := 0; i < n; i++ {
			wc := &completions[i]
			switch wc.Opcode {
			case WCRecvRdmaWithImm:
				qpn := uint16(wc.WrID & 0xffff)

				// The low 16 immediate bits carry the short message id; it
				// would allow an extra duplicate check here, but per-QP
				// ordering already guarantees the expected message.
				exponent := int8(wc.ImmData >> 16)
				w.ppp.PostprocessSingle(w.msgIDs[qpn], w.messageBuf(qpn), exponent)

				w.msgIDs[qpn] += batchMsgs
				tq.Remove(int(qpn))
				iterationReceived++

				if w.msgIDs[qpn] < totalMsgs {
					w.postRecv(qpn)
					w.postSend(qpn, true, tq)
					statsSent += w.pktsPerMsg
				}

			case WCRdmaWrite:
				// A signaled transmit completed; bookkeeping only.
				klog.V(3).Infof("Worker thread %d received WRITE completion for %#x on QP 0x%x", w.tid, wc.WrID, wc.QPNum)

			default:
				klog.Fatalf("Worker thread %d received unknown completion with id %#x on QP 0x%x", w.tid, wc.WrID, wc.QPNum)
			}
		}

		numReceived += iterationReceived
		statsCorrect += w.pktsPerMsg * iterationReceived
		if iterationReceived > 0 {
			klog.V(3).Infof("Worker thread %d received %d messages %d/%d", w.tid, iterationReceived, numReceived, totalMsgs)
		}

		// A slot timed out: retransmit its message as-is, with no new
		// receive and no preprocessing.
		if qpn := tq.Check(time.Now()); qpn >= 0 {
			statsTimeouts += w.pktsPerMsg
			w.postSend(uint16(qpn), false, tq)
			statsSent += w.pktsPerMsg
		}
	}

	w.ppp.CleanupJobSlice()

	stats := h.Stats()
	stats.AddTotalPktsSent(w.tid, statsSent)
	stats.AddCorrectPktsReceived(w.tid, statsCorrect)
	stats.AddWrongPktsReceived(w.tid, statsWrong)
	stats.AddTimeouts(w.tid, statsTimeouts)

	if numReceived == totalMsgs && h.Running() {
		klog.V(2).Infof("Worker thread %d notifying completion of job %d", w.tid, slice.Job.ID)
		h.NotifyJobSliceCompletion(w.tid, *slice)
	}
}

func (w *worker) messageBuf(qpn uint16) []byte {
	start := uint64(qpn) * w.msgBytes
	return w.region[start : start+w.msgBytes]
}

func (w *worker) postRecv(qpn uint16) {
	w.cq.PostRecv(w.qps[qpn], RecvWR{WrID: uint64(w.tid)<<16 | uint64(qpn)})
}

// postSend stages and transmits the current message of queue pair qpn. When
// preprocess is false the staged bytes are re-sent untouched, which is the
// retransmission path.
func (w *worker) postSend(qpn uint16, preprocess bool, tq *timeoutq.TimeoutQueue) {
	wr := &w.sendWRs[qpn]

	// Writes must be occasionally signaled so send-queue resources get
	// reclaimed.
	wr.Signaled = w.writePostedCount[qpn]%signaledWriteInterval == 0

	// Flip the pool flag so this transmission lands on the shadow copy of
	// the previous one.
	wr.Rkey ^= 1

	// The first 16 immediate bits carry the short message id for
	// duplicate filtering; the next 8 carry the exponent.
	wr.ImmData = uint32(w.msgIDs[qpn] & 0xffff)

	if preprocess {
		exponent := w.ppp.PreprocessSingle(w.msgIDs[qpn], wr.LocalBuf)
		wr.ImmData |= uint32(uint8(exponent)) << 16
	}

	klog.V(3).Infof("Worker thread %d QP %d:0x%x posting write of %dB rkey/slot 0x%x",
		w.tid, qpn, w.qps[qpn].Num, len(wr.LocalBuf), wr.Rkey)
	if err := w.cq.PostSend(w.qps[qpn], wr); err != nil {
		klog.Fatalf("Worker thread %d: %v", w.tid, err)
	}

	tq.Push(int(qpn), time.Now())
	w.writePostedCount[qpn]++
}