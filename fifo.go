package switchml

import (
	"sync"

	"k8s.io/klog/v2"

	"github.com/switchml/switchml/config"
)

// fifoScheduler dispatches jobs from a single FIFO queue with a static
// mapping between job slices and worker threads: worker thread i always gets
// the i-th slice of every job. The static mapping keeps each worker thread on
// the same switch slots for corresponding elements across all worker nodes,
// which is what lets the switch aggregate them.
//
// Worker threads rendezvous on a barrier before taking a slice so that all of
// them always work on the same job; slots are only disjoint within one job.
type fifoScheduler struct {
	numWorkerThreads int

	mu           sync.Mutex
	jobSubmitted sync.Cond
	stopped      bool

	queue []*Job

	// Per-job completion bookkeeping, kept from enqueue until the last
	// slice is acknowledged.
	progress map[JobID]*jobProgress

	barrier *Barrier
}

type jobProgress struct {
	job *Job
	// Slices finished so far; the job is done when this reaches the worker
	// thread count.
	finishedSlices int
	// Slices not yet handed out.
	undispatchedSlices int
}

func newFifoScheduler(cfg *config.Config) *fifoScheduler {
	s := &fifoScheduler{
		numWorkerThreads: int(cfg.General.NumWorkerThreads),
		progress:         make(map[JobID]*jobProgress),
		barrier:          NewBarrier(int(cfg.General.NumWorkerThreads)),
	}
	s.jobSubmitted.L = &s.mu
	return s
}

func (s *fifoScheduler) EnqueueJob(job *Job) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	job.setStatus(JobQueued)
	s.progress[job.ID] = &jobProgress{
		job:                job,
		undispatchedSlices: s.numWorkerThreads,
	}
	s.queue = append(s.queue, job)
	klog.V(2).Infof("Queued job %d numel=%d dtype=%v", job.ID, job.Tensor.Numel(), job.Tensor.DType())
	s.jobSubmitted.Broadcast()
	return true
}

func (s *fifoScheduler) GetJobSlice(tid int) (JobSlice, bool) {
	klog.V(2).Infof("Worker thread %d is asking for a job slice", tid)
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return JobSlice{}, false
	}
	s.mu.Unlock()

	// Wait for the other worker threads so nobody runs ahead to a new job
	// while slots of the previous one are still in flight elsewhere.
	if !s.barrier.Wait() {
		return JobSlice{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for !s.stopped && len(s.queue) == 0 {
		s.jobSubmitted.Wait()
	}
	if s.stopped {
		return JobSlice{}, false
	}

	job := s.queue[0]
	p := s.progress[job.ID]
	p.undispatchedSlices--
	if p.undispatchedSlices == 0 {
		// Last slice of the job handed out; drop it from the queue.
		s.queue = s.queue[1:]
	}

	// Slice size is numel/T. The first numel%T worker threads take one
	// extra element so the partition covers the tensor exactly.
	numel := job.Tensor.Numel() / uint64(s.numWorkerThreads)
	remainder := job.Tensor.Numel() % uint64(s.numWorkerThreads)
	var offset uint64
	if uint64(tid) < remainder {
		numel++
		// Every previous worker thread also got an extra element.
		offset = uint64(tid) * numel
	} else {
		// The remainder elements were absorbed by previous threads.
		offset = uint64(tid)*numel + remainder
	}

	job.setStatus(JobRunning)
	klog.V(2).Infof("Job %d slice offset=%d numel=%d given to worker thread %d", job.ID, offset, numel, tid)
	return JobSlice{Job: job, Slice: job.Tensor.Slice(offset, numel), Offset: offset}, true
}

func (s *fifoScheduler) NotifyJobSliceCompletion(tid int, slice JobSlice) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return false
	}
	p := s.progress[slice.Job.ID]
	p.finishedSlices++
	klog.V(2).Infof("Worker thread %d finished its slice of job %d", tid, slice.Job.ID)
	finished := p.finishedSlices == s.numWorkerThreads
	if finished {
		delete(s.progress, slice.Job.ID)
	}
	return finished
}

func (s *fifoScheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	// Fail every job that has not finished, queued and mid-flight alike.
	// This also wakes goroutines waiting on any one of them.
	for _, p := range s.progress {
		p.job.setStatus(JobFailed)
	}
	s.queue = nil
	s.progress = make(map[JobID]*jobProgress)
	s.mu.Unlock()

	s.barrier.Destroy()
	s.jobSubmitted.Broadcast()
}
