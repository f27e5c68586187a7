package switchml

import "k8s.io/klog/v2"

// DataType is the numerical type of tensor elements.
type DataType uint8

const (
	// Float32 is IEEE-754 single precision.
	Float32 DataType = iota
	// Int32 is a 32-bit signed integer.
	Int32
)

// Size returns the size in bytes of one element of this data type.
func (d DataType) Size() uint64 {
	switch d {
	case Float32, Int32:
		return 4
	default:
		klog.Fatalf("%d is not a valid tensor data type", d)
		return 0
	}
}

func (d DataType) String() string {
	switch d {
	case Float32:
		return "float32"
	case Int32:
		return "int32"
	default:
		return "invalid"
	}
}

// Tensor is a view over caller-owned input and output buffers. The input is
// only ever read from; results are always written to the output. The output
// may alias the input for an in-place reduction.
type Tensor struct {
	dtype  DataType
	f32In  []float32
	f32Out []float32
	i32In  []int32
	i32Out []int32
}

// NewFloat32Tensor wraps float32 input and output buffers. in and out must
// have equal length; out may be the same slice as in.
func NewFloat32Tensor(in, out []float32) Tensor {
	if len(in) != len(out) {
		klog.Fatalf("tensor input length %d does not match output length %d", len(in), len(out))
	}
	return Tensor{dtype: Float32, f32In: in, f32Out: out}
}

// NewInt32Tensor wraps int32 input and output buffers. in and out must have
// equal length; out may be the same slice as in.
func NewInt32Tensor(in, out []int32) Tensor {
	if len(in) != len(out) {
		klog.Fatalf("tensor input length %d does not match output length %d", len(in), len(out))
	}
	return Tensor{dtype: Int32, i32In: in, i32Out: out}
}

// DType returns the tensor's data type.
func (t Tensor) DType() DataType { return t.dtype }

// Numel returns the number of elements (not bytes) in the tensor.
func (t Tensor) Numel() uint64 {
	if t.dtype == Float32 {
		return uint64(len(t.f32In))
	}
	return uint64(len(t.i32In))
}

// Slice returns a view over numel elements starting at offset.
func (t Tensor) Slice(offset, numel uint64) Tensor {
	s := Tensor{dtype: t.dtype}
	switch t.dtype {
	case Float32:
		s.f32In = t.f32In[offset : offset+numel]
		s.f32Out = t.f32Out[offset : offset+numel]
	case Int32:
		s.i32In = t.i32In[offset : offset+numel]
		s.i32Out = t.i32Out[offset : offset+numel]
	}
	return s
}

// Float32 returns the input and output buffers of a Float32 tensor.
func (t Tensor) Float32() (in, out []float32) { return t.f32In, t.f32Out }

// Int32 returns the input and output buffers of an Int32 tensor.
func (t Tensor) Int32() (in, out []int32) { return t.i32In, t.i32Out }
