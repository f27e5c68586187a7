package switchml

import (
	"github.com/pkg/errors"

	"github.com/switchml/switchml/config"
)

// PrePostProcessor converts between the client's tensor representation and
// the on-wire payload form. Backends call PreprocessSingle to fill a send
// buffer from the tensor and PostprocessSingle to unload a received buffer
// into the tensor.
//
// LTU ids are counted over the whole slice, including the extra priming
// batch when NeedsExtraBatch is true: ids [0, batch) belong to the priming
// batch and carry only side-channel metadata, id batch+i refers to main
// payload unit i.
type PrePostProcessor interface {
	// SetupJobSlice prepares per-slice state and returns the number of main
	// (payload-carrying) LTUs needed for the slice, excluding any priming
	// batch.
	SetupJobSlice(slice *JobSlice) (totalMainLTUs uint64)

	// NeedsExtraBatch reports whether an extra priming batch must precede
	// the payload, which is the case for FLOAT32 under quantization.
	NeedsExtraBatch() bool

	// PreprocessSingle loads LTU ltuID into payload and returns the
	// side-channel exponent to send with it (0 when unused).
	PreprocessSingle(ltuID uint64, payload []byte) (exponent int8)

	// PostprocessSingle unloads a received LTU from payload into the
	// tensor, consuming the side-channel exponent that arrived with it.
	PostprocessSingle(ltuID uint64, payload []byte, exponent int8)

	// CleanupJobSlice releases per-slice state.
	CleanupJobSlice()
}

// NewPrePostProcessor constructs the prepostprocessor selected by the
// configuration for one worker thread. ltuNumel is the number of elements in
// one transmission unit (a packet for UDP, a message for RDMA) and
// maxOutstanding is the per-thread window in those units.
func NewPrePostProcessor(cfg *config.Config, tid int, ltuNumel, maxOutstanding uint64) (PrePostProcessor, error) {
	switch cfg.General.PrePostProcessor {
	case "bypass":
		return newBypassPPP(tid, ltuNumel), nil
	case "cpu_exponent_quantizer":
		return newExponentQuantizerPPP(tid, ltuNumel, maxOutstanding, cfg.General.NumWorkers), nil
	default:
		return nil, errors.Wrapf(ErrConfig, "unknown prepostprocessor %q", cfg.General.PrePostProcessor)
	}
}
