// Package gguf reads GGUF model files: the header, the metadata key/value
// section, the tensor directory, and the tensor data that follows it.
//
// Format: https://github.com/ggerganov/ggml/blob/master/docs/gguf.md
package gguf

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/born-ml/opgraph/internal/dtype"
	"github.com/born-ml/opgraph/internal/errpolicy"
	"github.com/born-ml/opgraph/internal/tensor"
)

// Magic bytes for GGUF format.
const (
	MagicGGUFLE uint32 = 0x46554747 // "GGUF" little-endian.
	MagicGGUFBE uint32 = 0x47475546 // "GGUF" big-endian (reversed).
)

// Version constants.
const (
	Version1 uint32 = 1
	Version2 uint32 = 2
	Version3 uint32 = 3 // Current version.
)

// DefaultAlignment is the default alignment for tensor data.
const DefaultAlignment = 32

// Limits applied while parsing. Anything larger is treated as corruption.
const (
	MaxTensorCount   = 100_000
	MaxMetadataCount = 10_000
	MaxStringLength  = 100 << 20
	MaxArrayLength   = 1 << 20
	MaxFileDims      = 8
	MaxDimSize       = 1 << 32
)

// ValueType represents the type of a metadata value.
type ValueType uint32

// Metadata value types of the GGUF format.
const (
	ValueTypeUint8   ValueType = 0
	ValueTypeInt8    ValueType = 1
	ValueTypeUint16  ValueType = 2
	ValueTypeInt16   ValueType = 3
	ValueTypeUint32  ValueType = 4
	ValueTypeInt32   ValueType = 5
	ValueTypeFloat32 ValueType = 6
	ValueTypeBool    ValueType = 7
	ValueTypeString  ValueType = 8
	ValueTypeArray   ValueType = 9
	ValueTypeUint64  ValueType = 10
	ValueTypeInt64   ValueType = 11
	ValueTypeFloat64 ValueType = 12
)

var valueTypeNames = [...]string{
	ValueTypeUint8:   "uint8",
	ValueTypeInt8:    "int8",
	ValueTypeUint16:  "uint16",
	ValueTypeInt16:   "int16",
	ValueTypeUint32:  "uint32",
	ValueTypeInt32:   "int32",
	ValueTypeFloat32: "float32",
	ValueTypeBool:    "bool",
	ValueTypeString:  "string",
	ValueTypeArray:   "array",
	ValueTypeUint64:  "uint64",
	ValueTypeInt64:   "int64",
	ValueTypeFloat64: "float64",
}

// String returns the string representation of the value type.
func (t ValueType) String() string {
	if int(t) < len(valueTypeNames) {
		return valueTypeNames[t]
	}
	return fmt.Sprintf("unknown(%d)", uint32(t))
}

// Header represents the GGUF file header.
type Header struct {
	Magic           uint32
	Version         uint32
	TensorCount     uint64
	MetadataKVCount uint64
}

// TensorInfo is one entry of the tensor directory.
type TensorInfo struct {
	Name       string
	Dimensions []uint64
	Type       dtype.Type
	Offset     uint64 // Offset from start of tensor data section.
}

// Shape returns the dimensions padded to four. Tensors with more than four
// dimensions cannot be represented.
func (t *TensorInfo) Shape() (tensor.Shape, error) {
	if len(t.Dimensions) > tensor.MaxDims {
		return tensor.Shape{}, fmt.Errorf("%w: tensor %s has %d dimensions (max %d)",
			errpolicy.ErrInvalidGraph, t.Name, len(t.Dimensions), tensor.MaxDims)
	}
	dims := make([]int, len(t.Dimensions))
	for i, d := range t.Dimensions {
		dims[i] = int(d) //nolint:gosec // bounded by MaxDimSize at parse time
	}
	s, err := tensor.NewShape(dims...)
	if err != nil {
		return s, fmt.Errorf("tensor %s: %w", t.Name, err)
	}
	return s, nil
}

// Size returns the size in bytes of the tensor data, or an error when the
// element type or the shape is not supported.
func (t *TensorInfo) Size() (int, error) {
	if !t.Type.Valid() {
		return 0, fmt.Errorf("tensor %s: unsupported type %s", t.Name, t.Type)
	}
	s, err := t.Shape()
	if err != nil {
		return 0, err
	}
	return t.Type.ByteSize(s.NumElements()), nil
}

// File represents a parsed GGUF file.
type File struct {
	Header     Header
	Metadata   map[string]any
	TensorInfo []TensorInfo
	Alignment  int

	// Absolute offset of the tensor data section.
	TensorDataOffset int64

	FilePath string
	FileSize int64
}

// GetTensor finds a tensor by name.
func (f *File) GetTensor(name string) *TensorInfo {
	for i := range f.TensorInfo {
		if f.TensorInfo[i].Name == name {
			return &f.TensorInfo[i]
		}
	}
	return nil
}

// TotalTensorBytes sums the data size of every tensor, which is the
// parameter arena capacity the file needs.
func (f *File) TotalTensorBytes() (int, error) {
	total := 0
	for i := range f.TensorInfo {
		n, err := f.TensorInfo[i].Size()
		if err != nil {
			return 0, err
		}
		if n > math.MaxInt-total {
			return 0, fmt.Errorf("%w: tensor data exceeds %d bytes", errpolicy.ErrInvalidGraph, math.MaxInt)
		}
		total += n
	}
	return total, nil
}

// layerIndex returns the first run of digits in name, or -1.
func layerIndex(name string) int {
	start := strings.IndexAny(name, "0123456789")
	if start < 0 {
		return -1
	}
	end := start
	for end < len(name) && name[end] >= '0' && name[end] <= '9' {
		end++
	}
	n, err := strconv.Atoi(name[start:end])
	if err != nil {
		return -1
	}
	return n
}

// alignOffset calculates the aligned offset.
func alignOffset(offset int64, alignment int) int64 {
	if alignment <= 0 {
		alignment = DefaultAlignment
	}
	return offset + int64((alignment-int(offset%int64(alignment)))%alignment)
}
