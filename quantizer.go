package switchml

import (
	"encoding/binary"
	"math"

	"k8s.io/klog/v2"
)

// exponentQuantizerPPP is the production prepostprocessor. INT32 tensors are
// byte-swapped to big-endian on the way out and back on the way in. FLOAT32
// tensors are quantized to int32 with a per-LTU scaling factor derived from a
// block exponent: each outgoing LTU carries the exponent of the LTU that will
// next occupy its switch slot, the switch maxes exponents across workers, and
// the returned global exponent fixes the scaling factor used when that next
// LTU is actually sent. An extra priming batch carrying only exponents runs
// ahead of the payload so every slot starts with a valid scaling factor.
type exponentQuantizerPPP struct {
	tid        int
	ltuNumel   uint64
	maxOutst   uint64
	numWorkers uint16

	slice         *JobSlice
	scalingFactor []float32
	batchLTUs     uint64
	totalMainLTUs uint64
}

func newExponentQuantizerPPP(tid int, ltuNumel, maxOutstanding uint64, numWorkers uint16) *exponentQuantizerPPP {
	return &exponentQuantizerPPP{
		tid:        tid,
		ltuNumel:   ltuNumel,
		maxOutst:   maxOutstanding,
		numWorkers: numWorkers,
	}
}

func (q *exponentQuantizerPPP) SetupJobSlice(slice *JobSlice) uint64 {
	q.slice = slice
	numel := slice.Slice.Numel()
	q.totalMainLTUs = (numel + q.ltuNumel - 1) / q.ltuNumel
	q.batchLTUs = min(q.maxOutst, q.totalMainLTUs)
	if slice.Slice.DType() == Float32 {
		// One scaling factor per main LTU, filled in as global exponents
		// arrive.
		q.scalingFactor = make([]float32, q.totalMainLTUs)
	}
	return q.totalMainLTUs
}

func (q *exponentQuantizerPPP) NeedsExtraBatch() bool {
	return q.slice.Slice.DType() == Float32
}

func (q *exponentQuantizerPPP) PreprocessSingle(ltuID uint64, payload []byte) int8 {
	switch q.slice.Slice.DType() {
	case Float32:
		in, _ := q.slice.Slice.Float32()
		if ltuID >= q.batchLTUs {
			// A payload-carrying LTU: quantize with the scaling factor
			// received for it and store big-endian.
			mainID := ltuID - q.batchLTUs
			offset := mainID * q.ltuNumel
			n := min(q.ltuNumel, q.slice.Slice.Numel()-offset)
			s := float64(q.scalingFactor[mainID])
			klog.V(3).Infof("Worker thread %d quantizing/loading ltu=%d [%d-%d]", q.tid, ltuID, offset, offset+n-1)
			for i := uint64(0); i < n; i++ {
				v := int32(math.Round(float64(in[offset+i]) * s))
				binary.BigEndian.PutUint32(payload[i*4:], uint32(v))
			}
		}
		// Whether this is a priming LTU or not, compute the exponent of the
		// LTU that will occupy this slot next. In priming id space that is
		// main LTU ltuID itself.
		if ltuID < q.totalMainLTUs {
			offset := ltuID * q.ltuNumel
			n := min(q.ltuNumel, q.slice.Slice.Numel()-offset)
			var maxAbs float32
			for i := uint64(0); i < n; i++ {
				v := in[offset+i]
				if v < 0 {
					v = -v
				}
				if v > maxAbs {
					maxAbs = v
				}
			}
			return exponentOf(maxAbs)
		}
		return 0

	case Int32:
		in, _ := q.slice.Slice.Int32()
		offset := ltuID * q.ltuNumel
		n := min(q.ltuNumel, q.slice.Slice.Numel()-offset)
		klog.V(3).Infof("Worker thread %d converting endianness/loading ltu=%d [%d-%d]", q.tid, ltuID, offset, offset+n-1)
		for i := uint64(0); i < n; i++ {
			binary.BigEndian.PutUint32(payload[i*4:], uint32(in[offset+i]))
		}
		return 0

	default:
		klog.Fatalf("Worker thread %d: %v is not a supported data type", q.tid, q.slice.Slice.DType())
		return 0
	}
}

func (q *exponentQuantizerPPP) PostprocessSingle(ltuID uint64, payload []byte, exponent int8) {
	switch q.slice.Slice.DType() {
	case Float32:
		_, out := q.slice.Slice.Float32()
		if ltuID >= q.batchLTUs {
			// Dequantize with the scaling factor this LTU was quantized
			// under and store back to the client's buffer.
			mainID := ltuID - q.batchLTUs
			offset := mainID * q.ltuNumel
			n := min(q.ltuNumel, q.slice.Slice.Numel()-offset)
			s := q.scalingFactor[mainID]
			klog.V(3).Infof("Worker thread %d dequantizing/unloading ltu=%d [%d-%d]", q.tid, ltuID, offset, offset+n-1)
			for i := uint64(0); i < n; i++ {
				v := int32(binary.BigEndian.Uint32(payload[i*4:]))
				out[offset+i] = float32(v) / s
			}
		}
		// Store the scaling factor for the LTU that occupies this slot
		// next, computed from the global exponent the switch reduced.
		if ltuID < q.totalMainLTUs {
			q.scalingFactor[ltuID] = float32(
				float64(math.MaxInt32) / (float64(q.numWorkers) * math.Pow(2, float64(exponent))))
			klog.V(3).Infof("Worker thread %d scaling factor for ltu=%d is %g from global exponent %d",
				q.tid, ltuID, q.scalingFactor[ltuID], exponent)
		}

	case Int32:
		_, out := q.slice.Slice.Int32()
		offset := ltuID * q.ltuNumel
		n := min(q.ltuNumel, q.slice.Slice.Numel()-offset)
		klog.V(3).Infof("Worker thread %d converting endianness/unloading ltu=%d [%d-%d]", q.tid, ltuID, offset, offset+n-1)
		for i := uint64(0); i < n; i++ {
			out[offset+i] = int32(binary.BigEndian.Uint32(payload[i*4:]))
		}

	default:
		klog.Fatalf("Worker thread %d: %v is not a supported data type", q.tid, q.slice.Slice.DType())
	}
}

func (q *exponentQuantizerPPP) CleanupJobSlice() {
	q.scalingFactor = nil
	q.slice = nil
}

// exponentOf returns an exponent e such that 2^e >= v, strictly, for any
// finite non-negative v below 2^127. It selects the 8 exponent bits of the
// IEEE-754 representation, removes the 127 bias, and adds 1. For v >= 2^127
// the result is 128, which does not fit in an int8 and wraps to -128.
func exponentOf(v float32) int8 {
	return int8(int((math.Float32bits(v)>>23)&0xff) - 126)
}
