package gguf

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/born-ml/opgraph/internal/tensor"
)

// KV is one metadata entry for Write.
type KV struct {
	Key   string
	Value any
}

// Write encodes a little-endian version 3 file holding meta and tensors.
// Tensor data is aligned to DefaultAlignment.
func Write(w io.Writer, meta []KV, tensors []tensor.Desc) error {
	bw := bufio.NewWriter(w)
	e := &encoder{w: bw}

	e.put(MagicGGUFLE)
	e.put(Version3)
	e.put(uint64(len(tensors)))
	e.put(uint64(len(meta)))
	for _, kv := range meta {
		e.str(kv.Key)
		e.value(kv.Key, kv.Value)
	}

	offset := uint64(0)
	for i := range tensors {
		t := &tensors[i]
		dims := trimDims(t.Shape)
		e.str(t.Name)
		e.put(uint32(len(dims)))
		e.put(dims)
		e.put(uint32(t.Type))
		e.put(offset)
		offset = uint64(alignOffset(int64(offset)+int64(t.ByteSize()), DefaultAlignment)) //nolint:gosec // sizes are small
	}
	e.pad(DefaultAlignment)

	for i := range tensors {
		t := &tensors[i]
		if len(t.Data) < t.ByteSize() && e.err == nil {
			e.err = fmt.Errorf("tensor %s: %d bytes, needs %d", t.Name, len(t.Data), t.ByteSize())
		}
		e.bytes(t.Data[:min(len(t.Data), t.ByteSize())])
		e.pad(DefaultAlignment)
	}
	if e.err != nil {
		return e.err
	}
	return bw.Flush()
}

// trimDims drops trailing unit dimensions, keeping at least one.
func trimDims(s tensor.Shape) []uint64 {
	n := tensor.MaxDims
	for n > 1 && s[n-1] == 1 {
		n--
	}
	dims := make([]uint64, n)
	for i := range dims {
		dims[i] = uint64(s[i]) //nolint:gosec // dimensions are positive
	}
	return dims
}

type encoder struct {
	w   io.Writer
	n   int64
	err error
}

func (e *encoder) put(v any) {
	if e.err != nil {
		return
	}
	e.err = binary.Write(e.w, binary.LittleEndian, v)
	e.n += int64(binary.Size(v))
}

func (e *encoder) bytes(b []byte) {
	if e.err != nil {
		return
	}
	var n int
	n, e.err = e.w.Write(b)
	e.n += int64(n)
}

func (e *encoder) str(s string) {
	e.put(uint64(len(s)))
	e.bytes([]byte(s))
}

func (e *encoder) pad(align int) {
	if fill := alignOffset(e.n, align) - e.n; fill > 0 {
		e.bytes(make([]byte, fill))
	}
}

func (e *encoder) value(key string, v any) {
	switch x := v.(type) {
	case uint8:
		e.typed(ValueTypeUint8, x)
	case int8:
		e.typed(ValueTypeInt8, x)
	case uint16:
		e.typed(ValueTypeUint16, x)
	case int16:
		e.typed(ValueTypeInt16, x)
	case uint32:
		e.typed(ValueTypeUint32, x)
	case int32:
		e.typed(ValueTypeInt32, x)
	case float32:
		e.typed(ValueTypeFloat32, x)
	case uint64:
		e.typed(ValueTypeUint64, x)
	case int64:
		e.typed(ValueTypeInt64, x)
	case float64:
		e.typed(ValueTypeFloat64, x)
	case bool:
		b := uint8(0)
		if x {
			b = 1
		}
		e.typed(ValueTypeBool, b)
	case string:
		e.put(uint32(ValueTypeString))
		e.str(x)
	case []uint32:
		e.array(ValueTypeUint32, len(x), x)
	case []int32:
		e.array(ValueTypeInt32, len(x), x)
	case []float32:
		e.array(ValueTypeFloat32, len(x), x)
	case []uint64:
		e.array(ValueTypeUint64, len(x), x)
	case []int64:
		e.array(ValueTypeInt64, len(x), x)
	case []string:
		e.put(uint32(ValueTypeArray))
		e.put(uint32(ValueTypeString))
		e.put(uint64(len(x)))
		for _, s := range x {
			e.str(s)
		}
	default:
		if e.err == nil {
			e.err = fmt.Errorf("gguf: %s: unsupported metadata type %T", key, v)
		}
	}
}

func (e *encoder) typed(t ValueType, v any) {
	e.put(uint32(t))
	e.put(v)
}

func (e *encoder) array(elem ValueType, n int, v any) {
	e.put(uint32(ValueTypeArray))
	e.put(uint32(elem))
	e.put(uint64(n))
	e.put(v)
}
