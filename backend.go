package switchml

import (
	"github.com/pkg/errors"

	"github.com/switchml/switchml/config"
)

// Backend is a transport implementation: it owns the worker threads that
// move job slices through the network.
type Backend interface {
	// SetupWorker performs transport setup (sessions, devices, memory) and
	// launches the worker threads. The context is already RUNNING when this
	// is called.
	SetupWorker() error

	// CleanupWorker waits for all worker threads to exit and releases
	// transport resources. It is called during Stop after the scheduler has
	// been stopped.
	CleanupWorker()
}

// Handle is the narrow capability surface the context exposes to backend
// worker threads: observe the lifecycle, fetch and complete job slices, and
// record statistics. Backends hold a Handle instead of the Context itself.
type Handle struct {
	ctx *Context
}

// Running reports whether the context is in the RUNNING state. Worker loops
// check this on every iteration and exit once it turns false.
func (h *Handle) Running() bool { return h.ctx.State() == StateRunning }

// GetJobSlice blocks until a job slice for worker thread tid is available.
// ok is false when the worker was woken by a stop and should re-check
// Running.
func (h *Handle) GetJobSlice(tid int) (slice JobSlice, ok bool) {
	if !h.Running() {
		return JobSlice{}, false
	}
	return h.ctx.scheduler.GetJobSlice(tid)
}

// NotifyJobSliceCompletion reports that worker thread tid finished its slice.
// When this was the job's last slice the job is marked FINISHED and
// submitters are woken.
func (h *Handle) NotifyJobSliceCompletion(tid int, slice JobSlice) {
	h.ctx.notifyJobSliceCompletion(tid, slice)
}

// Stats returns the engine statistics sink.
func (h *Handle) Stats() *Stats { return &h.ctx.stats }

// BackendConstructor builds a backend from the capability handle and the
// validated configuration.
type BackendConstructor func(h *Handle, cfg *config.Config) (Backend, error)

var backendRegistry = make(map[string]BackendConstructor)

// RegisterBackend makes a backend available under the given configuration
// name. Transport packages call this from an init function; importing the
// package is what makes the backend selectable:
//
//	import _ "github.com/switchml/switchml/backend/udp"
func RegisterBackend(name string, c BackendConstructor) {
	backendRegistry[name] = c
}

func newBackend(h *Handle, cfg *config.Config) (Backend, error) {
	name := cfg.General.Backend
	constructor, ok := backendRegistry[name]
	if !ok {
		return nil, errors.Wrapf(ErrConfig,
			"backend %q is not registered; transports must be imported to be selectable (e.g. import _ \"github.com/switchml/switchml/backend/%s\")",
			name, name)
	}
	return constructor(h, cfg)
}
