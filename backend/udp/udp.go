package udp

import (
	"net"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/net/ipv4"
	"k8s.io/klog/v2"

	"github.com/switchml/switchml"
	"github.com/switchml/switchml/config"
	"github.com/switchml/switchml/internal/hostmem"
	"github.com/switchml/switchml/internal/timeoutq"
)

func init() {
	switchml.RegisterBackend("udp", New)
}

// backend runs one worker goroutine per configured worker thread, each with
// its own socket bound to workerPort+tid.
type backend struct {
	handle *switchml.Handle
	cfg    *config.Config

	switchAddr *net.UDPAddr
	conns      []batchConn
	cores      []int
	wg         sync.WaitGroup
}

// New constructs the UDP backend.
func New(h *switchml.Handle, cfg *config.Config) (switchml.Backend, error) {
	return &backend{handle: h, cfg: cfg}, nil
}

func (b *backend) SetupWorker() error {
	klog.V(0).Info("Setting up UDP worker")
	g := &b.cfg.General
	u := &b.cfg.Backend.Udp

	workerIP, err := parseWorkerIP(b.cfg)
	if err != nil {
		return err
	}

	if u.Cores != "" {
		cores, err := hostmem.ParseCPUList(u.Cores)
		if err != nil {
			return errors.Wrapf(err, "parsing udp.cores %q", u.Cores)
		}
		if len(cores) < int(g.NumWorkerThreads) {
			return errors.Errorf("udp.cores %q provides %d cores for %d worker threads", u.Cores, len(cores), g.NumWorkerThreads)
		}
		b.cores = cores
	}

	switchAddr, err := establishSession(b.cfg, workerIP)
	if err != nil {
		return err
	}
	b.switchAddr = switchAddr
	klog.V(0).Infof("Switch address is %s", switchAddr)

	b.conns = make([]batchConn, g.NumWorkerThreads)
	for tid := 0; tid < int(g.NumWorkerThreads); tid++ {
		conn, err := listenBatch(workerIP, u.WorkerPort+uint16(tid))
		if err != nil {
			for _, c := range b.conns[:tid] {
				c.Close()
			}
			return err
		}
		b.conns[tid] = conn
	}

	for tid := 0; tid < int(g.NumWorkerThreads); tid++ {
		b.wg.Add(1)
		go func(tid int) {
			defer b.wg.Done()
			w := newWorker(b, tid)
			w.run()
		}(tid)
	}
	return nil
}

func (b *backend) CleanupWorker() {
	klog.V(0).Info("Cleaning up UDP worker")
	b.wg.Wait()
	for _, c := range b.conns {
		c.Close()
	}
}

// worker is the per-thread state of the UDP send/receive loop.
type worker struct {
	tid     int
	backend *backend
	handle  *switchml.Handle
	cfg     *config.Config
	conn    batchConn
	ppp     switchml.PrePostProcessor

	// maxOutstanding is this thread's share of the worker's packet budget.
	maxOutstanding uint64
	// slotBase is the first switch pool index this thread owns.
	slotBase uint32
	// slotShift advances by the packet count of every slice so the switch
	// never sees a pool index sequence restart.
	slotShift uint32

	datagramBytes int

	// txBufs holds one retained datagram buffer per window slot, reused
	// across packets and job slices to avoid per-packet allocation.
	txBufs [][]byte
	// txPending buffers built packets until a burst is flushed.
	txPending []ipv4.Message
	lastFlush time.Time
}

func newWorker(b *backend, tid int) *worker {
	g := &b.cfg.General
	maxOutstanding := uint64(g.MaxOutstandingPackets) / uint64(g.NumWorkerThreads)
	datagramBytes := headerBytes + sideChannelBytes + int(g.PacketNumel)*4

	ppp, err := switchml.NewPrePostProcessor(b.cfg, tid, g.PacketNumel, maxOutstanding)
	if err != nil {
		// The name was validated at Start; reaching this is a programming
		// error.
		klog.Fatalf("Worker thread %d: %v", tid, err)
	}

	w := &worker{
		tid:            tid,
		backend:        b,
		handle:         b.handle,
		cfg:            b.cfg,
		conn:           b.conns[tid],
		ppp:            ppp,
		maxOutstanding: maxOutstanding,
		slotBase:       2 * uint32(maxOutstanding) * uint32(tid),
		datagramBytes:  datagramBytes,
		txBufs:         make([][]byte, maxOutstanding),
	}
	for i := range w.txBufs {
		w.txBufs[i] = make([]byte, datagramBytes)
	}
	return w
}

func (w *worker) run() {
	if w.backend.cores != nil {
		if err := hostmem.PinToCPU(w.backend.cores[w.tid]); err != nil {
			klog.Warningf("Worker thread %d could not pin to cpu %d: %v", w.tid, w.backend.cores[w.tid], err)
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

// runSlice drives one job slice through the SETUP, PRIME, STEADY, and DRAIN
// stages.
func (w *worker) runSlice(slice *switchml.JobSlice) {
	h := w.handle
	g := &w.cfg.General
	u := &w.cfg.Backend.Udp

	// SETUP.
	totalPkts := w.ppp.SetupJobSlice(slice)
	batchPkts := min(w.maxOutstanding, totalPkts)
	if w.ppp.NeedsExtraBatch() {
		// The priming batch carries exponents only and precedes the payload.
		totalPkts += batchPkts
	}
	klog.V(3).Infof("Worker thread %d will send a total of %d packets", w.tid, totalPkts)

	received := newBitmap(totalPkts)
	tq := timeoutq.New(int(batchPkts),
		time.Duration(g.TimeoutMs*float64(time.Millisecond)),
		g.TimeoutThreshold, g.TimeoutThresholdIncrement)
	drainInterval := time.Duration(u.BulkDrainTxUs) * time.Microsecond

	var statsSent, statsCorrect, statsWrong, statsTimeouts uint64

	// PRIME and the initial window of STEADY: build and send the first
	// batch. For FLOAT32 these packets carry only exponents.
	for pktID := uint64(0); pktID < batchPkts; pktID++ {
		windowSlot := pktID % batchPkts
		w.buildPacket(w.txBufs[windowSlot], slice.Job.ShortID(), pktID, batchPkts)
		w.enqueue(w.txBufs[windowSlot])
		tq.Push(int(windowSlot), time.Now())
	}
	statsSent += w.flush()

	// STEADY: receive, post-process, reuse the buffer for the next packet
	// of the same slot, until every packet id is accounted for.
	rxMsgs := make([]ipv4.Message, u.BurstRx)
	for i := range rxMsgs {
		rxMsgs[i].Buffers = [][]byte{make([]byte, w.datagramBytes)}
	}

	var numReceived uint64
	for numReceived < totalPkts && h.Running() {
		n, err := w.conn.ReadBatch(rxMsgs)
		if err != nil {
			klog.Fatalf("Worker thread %d receive failed: %v", w.tid, err)
		}

		if n == 0 {
			// Nothing arrived: consider flushing the transmit buffer and
			// servicing timers. Received packets always take priority.
			now := time.Now()
			if len(w.txPending) > 0 && now.Sub(w.lastFlush) > drainInterval {
				statsSent += w.flush()
			}
			if idx := tq.Check(now); idx >= 0 {
				// Re-emit the retained datagram for the timed-out slot.
				klog.V(3).Infof("Worker thread %d timeout on window slot %d, retransmitting", w.tid, idx)
				statsTimeouts++
				w.enqueue(w.txBufs[idx])
				statsSent += w.flush()
				tq.Push(idx, time.Now())
			}
			continue
		}

		for i := 0; i < n; i++ {
			buf := rxMsgs[i].Buffers[0]
			if rxMsgs[i].N < headerBytes+sideChannelBytes {
				statsWrong++
				continue
			}
			hdr := parseHeader(buf)
			pktID := uint64(hdr.pktID)

			// Duplicate or stray id?
			if pktID >= totalPkts || received.get(pktID) {
				klog.V(3).Infof("Worker thread %d discarded duplicate packet shortJobId=%d pktId=%d", w.tid, hdr.shortJobID, pktID)
				statsWrong++
				continue
			}
			// A packet from a previous job?
			if hdr.shortJobID != slice.Job.ShortID() {
				klog.V(3).Infof("Worker thread %d discarded packet from wrong job shortJobId=%d pktId=%d", w.tid, hdr.shortJobID, pktID)
				statsWrong++
				continue
			}

			exponent := int8(buf[headerBytes])
			w.ppp.PostprocessSingle(pktID, buf[headerBytes+sideChannelBytes:], exponent)
			received.set(pktID)
			numReceived++
			statsCorrect++

			windowSlot := pktID % batchPkts
			tq.Remove(int(windowSlot))

			// Reuse the retained buffer to send the next packet of this
			// slot, if there is one.
			nextID := pktID + batchPkts
			if nextID >= totalPkts {
				continue
			}
			klog.V(3).Infof("Worker thread %d reusing buffer to send pktId=%d", w.tid, nextID)
			w.buildPacket(w.txBufs[windowSlot], slice.Job.ShortID(), nextID, batchPkts)
			w.enqueue(w.txBufs[windowSlot])
			tq.Push(int(windowSlot), time.Now())
			if len(w.txPending) >= int(u.BurstTx) {
				statsSent += w.flush()
			}
		}
	}
	// DRAIN is complete once every bit of the received bitmap is set.

	// The switch requires the pool index sequence to keep incrementing
	// across job slices.
	w.slotShift = uint32((uint64(w.slotShift) + totalPkts) % (2 * w.maxOutstanding))

	w.txPending = nil
	w.ppp.CleanupJobSlice()

	stats := h.Stats()
	stats.AddTotalPktsSent(w.tid, statsSent)
	stats.AddCorrectPktsReceived(w.tid, statsCorrect)
	stats.AddWrongPktsReceived(w.tid, statsWrong)
	stats.AddTimeouts(w.tid, statsTimeouts)

	if numReceived == totalPkts && h.Running() {
		klog.V(2).Infof("Worker thread %d notifying completion of job %d", w.tid, slice.Job.ID)
		h.NotifyJobSliceCompletion(w.tid, *slice)
	}
}

// buildPacket fills buf with the full datagram for pktID: header, exponent
// side channel, and pre-processed payload. Priming packets get a zero
// payload.
func (w *worker) buildPacket(buf []byte, shortJobID uint8, pktID uint64, batchPkts uint64) {
	slot, poolBit := slotFor(pktID, w.slotBase, w.slotShift, w.maxOutstanding)
	hdr := header{
		jobType:    jobTypeAllReduce,
		sizeCat:    sizeCategory(w.cfg.General.PacketNumel),
		shortJobID: shortJobID,
		pktID:      uint32(pktID),
		slot:       slot,
		poolBit:    poolBit,
	}
	hdr.marshal(buf)

	payload := buf[headerBytes+sideChannelBytes:]
	if w.ppp.NeedsExtraBatch() && pktID < batchPkts {
		// Priming packet: exponent only, no payload.
		clear(payload)
	}
	exponent := w.ppp.PreprocessSingle(pktID, payload)
	buf[headerBytes] = byte(exponent)
	buf[headerBytes+1] = 0
}

func (w *worker) enqueue(buf []byte) {
	w.txPending = append(w.txPending, ipv4.Message{
		Buffers: [][]byte{buf},
		Addr:    w.backend.switchAddr,
	})
}

// flush pushes the pending burst onto the socket and returns how many
// packets went out.
func (w *worker) flush() uint64 {
	var sent uint64
	for len(w.txPending) > 0 {
		n, err := w.conn.WriteBatch(w.txPending)
		if err != nil {
			klog.Fatalf("Worker thread %d transmit failed: %v", w.tid, err)
		}
		sent += uint64(n)
		w.txPending = w.txPending[n:]
	}
	w.txPending = w.txPending[:0]
	w.lastFlush = time.Now()
	return sent
}
