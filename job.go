package switchml

import (
	"sync"
	"sync/atomic"

	"k8s.io/klog/v2"
)

// JobID identifies a job. IDs are assigned monotonically at submission.
type JobID uint64

// AllReduceOp is the reduction applied across workers.
type AllReduceOp uint8

// SumOp reduces tensors by element-wise summation. It is the only reduction
// the switch program implements.
const SumOp AllReduceOp = 0

// JobStatus describes where a job is in its lifecycle. A job's status only
// ever advances.
type JobStatus int32

const (
	// JobInit means the job was just created.
	JobInit JobStatus = iota
	// JobQueued means the job is in the scheduler's queue.
	JobQueued
	// JobRunning means worker threads are working on slices of the job.
	JobRunning
	// JobFinished means all slices completed and the output is valid.
	JobFinished
	// JobFailed means the job was dropped, typically because Stop was called.
	JobFailed
)

func (s JobStatus) String() string {
	switch s {
	case JobInit:
		return "INIT"
	case JobQueued:
		return "QUEUED"
	case JobRunning:
		return "RUNNING"
	case JobFinished:
		return "FINISHED"
	case JobFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Terminal reports whether the status is final.
func (s JobStatus) Terminal() bool { return s == JobFinished || s == JobFailed }

// Job represents one submitted collective operation. It is created by the
// Context on submission; the scheduler slices it across worker threads. The
// caller must not mutate the input buffer while the status is QUEUED or
// RUNNING.
type Job struct {
	// ID is the job's unique identifier.
	ID JobID
	// Tensor holds the input and output buffers the job operates on.
	Tensor Tensor
	// Op is the reduction operation.
	Op AllReduceOp

	status atomic.Int32

	mu       sync.Mutex
	finished sync.Cond
}

var nextJobID atomic.Uint64

func newJob(tensor Tensor, op AllReduceOp) *Job {
	j := &Job{
		ID:     JobID(nextJobID.Add(1) - 1),
		Tensor: tensor,
		Op:     op,
	}
	j.finished.L = &j.mu
	return j
}

// ShortID returns the low 8 bits of the job id, the form carried in packet
// headers for duplicate and out-of-job filtering.
func (j *Job) ShortID() uint8 { return uint8(j.ID) }

// Status returns the job's current status.
func (j *Job) Status() JobStatus { return JobStatus(j.status.Load()) }

// WaitToComplete blocks the calling goroutine until the job reaches a
// terminal status and returns it. A FAILED status means the job was dropped;
// the output buffer contents are undefined in that case.
func (j *Job) WaitToComplete() JobStatus {
	j.mu.Lock()
	defer j.mu.Unlock()
	for !j.Status().Terminal() {
		j.finished.Wait()
	}
	return j.Status()
}

// setStatus advances the job's status and wakes waiters on terminal states.
// Status must progress in increasing order.
func (j *Job) setStatus(s JobStatus) {
	j.mu.Lock()
	if s < j.Status() {
		klog.Fatalf("illegal job status change from %v to %v", j.Status(), s)
	}
	j.status.Store(int32(s))
	j.mu.Unlock()
	if s.Terminal() {
		j.finished.Broadcast()
	}
}

// JobSlice is the part of a job handed to one worker thread: the job handle
// plus a sub-range view of its tensor. The union of all slices of a job
// covers the full tensor exactly, with no gaps and no overlaps.
type JobSlice struct {
	// Job is the job this slice came from.
	Job *Job
	// Slice is the tensor sub-range this worker thread owns.
	Slice Tensor
	// Offset is the slice's element offset into the job tensor.
	Offset uint64
}
