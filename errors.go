package switchml

import "github.com/pkg/errors"

// The engine's error taxonomy. Timeouts and duplicates are handled locally by
// the worker loops and show up only in stats; protocol violations are fatal
// because they cannot be recovered without re-establishing session state.
var (
	// ErrConfig marks an invalid or out-of-range configuration option.
	// Fatal at Start.
	ErrConfig = errors.New("invalid configuration")

	// ErrState marks an API call made in the wrong lifecycle state.
	ErrState = errors.New("wrong context state")

	// ErrTransportSetup marks a device, address, or permission failure
	// during backend setup. Fatal at Start.
	ErrTransportSetup = errors.New("transport setup failed")

	// ErrTransportPost marks a failure posting a send or receive work
	// request. It indicates resource exhaustion or a programming error.
	ErrTransportPost = errors.New("transport post failed")

	// ErrProtocol marks a well-formed but unexpected completion, such as an
	// unknown opcode.
	ErrProtocol = errors.New("protocol violation")

	// ErrJobCancelled marks a job that transitioned to FAILED because Stop
	// was called. It is surfaced through the job status.
	ErrJobCancelled = errors.New("job cancelled")
)
