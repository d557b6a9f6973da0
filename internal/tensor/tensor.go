// Package tensor describes tensors that live in arena memory.
package tensor

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"github.com/x448/float16"

	"github.com/born-ml/opgraph/internal/dtype"
)

// Desc is a named tensor: element type, shape and raw bytes.
// Data aliases arena memory; Desc never owns it.
type Desc struct {
	Name  string
	Type  dtype.Type
	Shape Shape
	Data  []byte
}

// ByteSize returns the storage size implied by Type and Shape.
func (d *Desc) ByteSize() int {
	return d.Type.ByteSize(d.Shape.NumElements())
}

// String returns a short description.
func (d *Desc) String() string {
	return fmt.Sprintf("%s %s%s", d.Name, d.Type, d.Shape)
}

// Float32s interprets b as []float32.
func Float32s(b []byte) []float32 {
	if len(b) < 4 {
		return nil
	}
	//nolint:gosec // unsafe.Slice for zero-copy arena views, length derived from len(b).
	return unsafe.Slice((*float32)(unsafe.Pointer(&b[0])), len(b)/4)
}

// Float16s interprets b as []float16.Float16.
func Float16s(b []byte) []float16.Float16 {
	if len(b) < 2 {
		return nil
	}
	//nolint:gosec // unsafe.Slice for zero-copy arena views, length derived from len(b).
	return unsafe.Slice((*float16.Float16)(unsafe.Pointer(&b[0])), len(b)/2)
}

// AsFloat32 returns the tensor data as float32 values.
// Panics if the tensor's type is not F32.
func (d *Desc) AsFloat32() []float32 {
	if d.Type != dtype.F32 {
		panic(fmt.Sprintf("tensor %s is %s, not f32", d.Name, d.Type))
	}
	return Float32s(d.Data)[:d.Shape.NumElements()]
}

// AsFloat16 returns the tensor data as float16 values.
// Panics if the tensor's type is not F16.
func (d *Desc) AsFloat16() []float16.Float16 {
	if d.Type != dtype.F16 {
		panic(fmt.Sprintf("tensor %s is %s, not f16", d.Name, d.Type))
	}
	return Float16s(d.Data)[:d.Shape.NumElements()]
}

// Float32Values copies the tensor into a new float32 slice, decoding f16,
// q8_0 blocks and the small integer types.
func (d *Desc) Float32Values() ([]float32, error) {
	n := d.Shape.NumElements()
	if need := d.ByteSize(); len(d.Data) < need {
		return nil, fmt.Errorf("tensor %s: %d bytes, %s needs %d", d.Name, len(d.Data), d.Type, need)
	}
	out := make([]float32, n)
	switch d.Type {
	case dtype.F32:
		copy(out, d.AsFloat32())
	case dtype.F16:
		for i, v := range d.AsFloat16() {
			out[i] = v.Float32()
		}
	case dtype.Q8_0:
		decodeQ8(out, d.Data)
	case dtype.I8:
		for i := range out {
			out[i] = float32(int8(d.Data[i]))
		}
	case dtype.I16:
		for i := range out {
			out[i] = float32(int16(binary.LittleEndian.Uint16(d.Data[2*i:]))) //nolint:gosec // reinterpreting signed data
		}
	case dtype.I32:
		for i := range out {
			out[i] = float32(int32(binary.LittleEndian.Uint32(d.Data[4*i:]))) //nolint:gosec // reinterpreting signed data
		}
	default:
		return nil, fmt.Errorf("tensor %s: no float32 view for %s", d.Name, d.Type)
	}
	return out, nil
}

// decodeQ8 expands q8_0 blocks: an f16 scale followed by 32 int8 values,
// x[i] = scale * q[i]. The last block may be partially used.
func decodeQ8(dst []float32, src []byte) {
	const blockBytes = 2 + dtype.Q8BlockSize
	for b := 0; b*dtype.Q8BlockSize < len(dst); b++ {
		block := src[b*blockBytes : (b+1)*blockBytes]
		scale := float16.Frombits(binary.LittleEndian.Uint16(block)).Float32()
		base := b * dtype.Q8BlockSize
		for i, q := range block[2:] {
			if base+i >= len(dst) {
				break
			}
			dst[base+i] = scale * float32(int8(q))
		}
	}
}
