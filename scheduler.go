package switchml

import (
	"github.com/pkg/errors"

	"github.com/switchml/switchml/config"
)

// Scheduler serializes submitted jobs, slices each job across all worker
// threads, and tracks slice completion.
type Scheduler interface {
	// EnqueueJob moves the job to QUEUED and wakes worker threads. It
	// returns false if the scheduler was stopped.
	EnqueueJob(job *Job) bool

	// GetJobSlice blocks the calling worker thread until a job slice is
	// available and returns the deterministic slice assigned to tid. It
	// returns ok=false if the worker was woken by a stop instead.
	GetJobSlice(tid int) (slice JobSlice, ok bool)

	// NotifyJobSliceCompletion records that tid finished its slice. It
	// returns true when this was the last outstanding slice of its job.
	NotifyJobSliceCompletion(tid int, slice JobSlice) bool

	// Stop drops all unfinished jobs to FAILED and wakes every waiter.
	Stop()
}

// newScheduler constructs the scheduler selected by the configuration.
func newScheduler(cfg *config.Config) (Scheduler, error) {
	switch cfg.General.Scheduler {
	case "fifo":
		return newFifoScheduler(cfg), nil
	default:
		return nil, errors.Wrapf(ErrConfig, "unknown scheduler %q", cfg.General.Scheduler)
	}
}
