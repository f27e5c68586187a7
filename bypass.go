package switchml

import (
	"encoding/binary"
	"math"
)

// bypassPPP moves raw host-order bytes in and out of the wire buffers with no
// quantization and no endianness conversion. It exists to measure pure
// transport overhead; the switch cannot meaningfully aggregate its payloads.
type bypassPPP struct {
	tid      int
	ltuNumel uint64
	slice    *JobSlice
}

func newBypassPPP(tid int, ltuNumel uint64) *bypassPPP {
	return &bypassPPP{tid: tid, ltuNumel: ltuNumel}
}

func (b *bypassPPP) SetupJobSlice(slice *JobSlice) uint64 {
	b.slice = slice
	sliceBytes := slice.Slice.Numel() * slice.Slice.DType().Size()
	ltuBytes := b.ltuNumel * slice.Slice.DType().Size()
	return (sliceBytes + ltuBytes - 1) / ltuBytes
}

func (b *bypassPPP) NeedsExtraBatch() bool { return false }

func (b *bypassPPP) PreprocessSingle(ltuID uint64, payload []byte) int8 {
	offset := ltuID * b.ltuNumel
	n := min(b.ltuNumel, b.slice.Slice.Numel()-offset)
	switch b.slice.Slice.DType() {
	case Float32:
		in, _ := b.slice.Slice.Float32()
		for i := uint64(0); i < n; i++ {
			binary.LittleEndian.PutUint32(payload[i*4:], math.Float32bits(in[offset+i]))
		}
	case Int32:
		in, _ := b.slice.Slice.Int32()
		for i := uint64(0); i < n; i++ {
			binary.LittleEndian.PutUint32(payload[i*4:], uint32(in[offset+i]))
		}
	}
	return 0
}

func (b *bypassPPP) PostprocessSingle(ltuID uint64, payload []byte, _ int8) {
	offset := ltuID * b.ltuNumel
	n := min(b.ltuNumel, b.slice.Slice.Numel()-offset)
	switch b.slice.Slice.DType() {
	case Float32:
		_, out := b.slice.Slice.Float32()
		for i := uint64(0); i < n; i++ {
			out[offset+i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[i*4:]))
		}
	case Int32:
		_, out := b.slice.Slice.Int32()
		for i := uint64(0); i < n; i++ {
			out[offset+i] = int32(binary.LittleEndian.Uint32(payload[i*4:]))
		}
	}
}

func (b *bypassPPP) CleanupJobSlice() { b.slice = nil }
