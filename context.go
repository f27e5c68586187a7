package switchml

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"

	"github.com/switchml/switchml/config"
)

// ContextState describes the context's lifecycle. The context moves through
// all states sequentially during its lifetime.
type ContextState int32

const (
	// StateCreated means the context was just constructed; call Start.
	StateCreated ContextState = iota
	// StateStarting means initialization is in progress.
	StateStarting
	// StateRunning means the context accepts job submissions.
	StateRunning
	// StateStopping means shutdown is in progress.
	StateStopping
	// StateStopped means shutdown completed.
	StateStopped
)

func (s ContextState) String() string {
	switch s {
	case StateCreated:
		return "CREATED"
	case StateStarting:
		return "STARTING"
	case StateRunning:
		return "RUNNING"
	case StateStopping:
		return "STOPPING"
	case StateStopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Context is the engine's entry point. Create one, start it, submit jobs,
// stop it. All methods are safe for concurrent use.
type Context struct {
	state atomic.Int32

	// lifecycleMu serializes Start and Stop.
	lifecycleMu sync.Mutex

	cfg       *config.Config
	stats     Stats
	scheduler Scheduler
	backend   Backend

	// jobsMu guards currentJobs and backs allJobsFinished. It is never held
	// across a worker join so completion notifications cannot deadlock
	// against Stop.
	jobsMu          sync.Mutex
	allJobsFinished sync.Cond
	currentJobs     int

	stopSignals func()
}

var (
	defaultContext     *Context
	defaultContextOnce sync.Once
)

// GetContext returns the process-wide context, creating it on first use.
func GetContext() *Context {
	defaultContextOnce.Do(func() {
		defaultContext = NewContext()
	})
	return defaultContext
}

// NewContext returns a context in the CREATED state.
func NewContext() *Context {
	c := &Context{}
	c.allJobsFinished.L = &c.jobsMu
	return c
}

// State returns the current lifecycle state.
func (c *Context) State() ContextState { return ContextState(c.state.Load()) }

// Start initializes the engine and launches worker threads. If cfg is nil
// the configuration is loaded from the default file locations. Start fails
// with ErrConfig for invalid configuration and ErrTransportSetup for
// unrecoverable backend setup failures.
func (c *Context) Start(cfg *config.Config) error {
	klog.V(0).Info("Starting switchml context")
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.State() != StateCreated {
		return errors.Wrapf(ErrState, "cannot start the context in the %v state", c.State())
	}
	c.state.Store(int32(StateStarting))

	if cfg == nil {
		loaded, err := config.Load("")
		if err != nil {
			c.state.Store(int32(StateCreated))
			return errors.Wrap(ErrConfig, err.Error())
		}
		cfg = loaded
	}
	if err := cfg.Validate(); err != nil {
		c.state.Store(int32(StateCreated))
		return errors.Wrap(ErrConfig, err.Error())
	}
	cfg.Print()
	c.cfg = cfg

	c.stats.Init(cfg.General.NumWorkerThreads)

	scheduler, err := newScheduler(cfg)
	if err != nil {
		c.state.Store(int32(StateCreated))
		return err
	}
	c.scheduler = scheduler

	backend, err := newBackend(&Handle{ctx: c}, cfg)
	if err != nil {
		c.state.Store(int32(StateCreated))
		return err
	}
	c.backend = backend

	// Worker threads observe the state on every loop iteration, so it must
	// already be RUNNING when they launch.
	c.state.Store(int32(StateRunning))
	if err := c.backend.SetupWorker(); err != nil {
		c.state.Store(int32(StateStopping))
		c.scheduler.Stop()
		c.backend.CleanupWorker()
		c.state.Store(int32(StateStopped))
		return errors.Wrap(ErrTransportSetup, err.Error())
	}

	c.stopSignals = c.watchSignals()

	klog.V(0).Info("Switchml context started successfully")
	return nil
}

// Stop shuts the engine down: pending jobs transition to FAILED, their
// waiters are woken, and worker threads are joined. Calling Stop on an
// already stopped context is a no-op.
func (c *Context) Stop() {
	c.lifecycleMu.Lock()
	defer c.lifecycleMu.Unlock()

	if c.State() != StateRunning {
		klog.Warningf("Ignoring stop of a context in the %v state", c.State())
		return
	}
	klog.V(0).Info("Stopping switchml context")
	c.state.Store(int32(StateStopping))

	// Stopping the scheduler fails all unfinished jobs and wakes worker
	// threads blocked on the barrier or the queue.
	c.scheduler.Stop()

	c.backend.CleanupWorker()

	c.stats.Log()

	if c.stopSignals != nil {
		c.stopSignals()
		c.stopSignals = nil
	}

	c.state.Store(int32(StateStopped))

	// Jobs were dropped; anyone waiting for all jobs must be woken.
	c.jobsMu.Lock()
	c.currentJobs = 0
	c.jobsMu.Unlock()
	c.allJobsFinished.Broadcast()

	klog.V(0).Info("Stopped switchml context")
}

// AllReduceAsync submits an AllReduce job over the tensor and returns its
// handle without waiting. The caller must keep the input buffer unchanged
// until the job reaches a terminal status.
func (c *Context) AllReduceAsync(tensor Tensor, op AllReduceOp) (*Job, error) {
	if c.State() != StateRunning {
		return nil, errors.Wrapf(ErrState, "cannot submit a job to a context in the %v state", c.State())
	}

	job := newJob(tensor, op)

	c.jobsMu.Lock()
	c.currentJobs++
	c.jobsMu.Unlock()

	if !c.scheduler.EnqueueJob(job) {
		// Lost the race with Stop; the scheduler refused the job.
		c.jobsMu.Lock()
		c.currentJobs--
		c.jobsMu.Unlock()
		job.setStatus(JobFailed)
		return job, errors.Wrap(ErrJobCancelled, "context stopped during submission")
	}

	c.stats.IncJobsSubmitted(tensor.Numel())
	return job, nil
}

// AllReduce is the blocking variant of AllReduceAsync: it waits for the job
// to reach a terminal status before returning its handle.
func (c *Context) AllReduce(tensor Tensor, op AllReduceOp) (*Job, error) {
	job, err := c.AllReduceAsync(tensor, op)
	if err != nil {
		return job, err
	}
	job.WaitToComplete()
	return job, nil
}

// WaitForAllJobs blocks until the number of unfinished jobs reaches zero.
func (c *Context) WaitForAllJobs() error {
	if c.State() != StateRunning {
		return errors.Wrapf(ErrState, "cannot wait for jobs on a context in the %v state", c.State())
	}
	c.jobsMu.Lock()
	defer c.jobsMu.Unlock()
	for c.currentJobs > 0 {
		c.allJobsFinished.Wait()
	}
	return nil
}

// Config returns the active configuration.
func (c *Context) Config() *config.Config { return c.cfg }

// GetStats returns the engine statistics.
func (c *Context) GetStats() *Stats { return &c.stats }

// notifyJobSliceCompletion is the worker-thread side of job completion,
// reached through the capability Handle.
func (c *Context) notifyJobSliceCompletion(tid int, slice JobSlice) {
	if c.State() != StateRunning {
		return
	}
	if !c.scheduler.NotifyJobSliceCompletion(tid, slice) {
		return
	}

	slice.Job.setStatus(JobFinished)

	c.jobsMu.Lock()
	c.currentJobs--
	remaining := c.currentJobs
	c.jobsMu.Unlock()

	c.stats.IncJobsFinished()
	klog.V(1).Infof("Finished job %d status=%v; currently running jobs: %d", slice.Job.ID, slice.Job.Status(), remaining)
	if remaining == 0 {
		c.allJobsFinished.Broadcast()
	}
}
