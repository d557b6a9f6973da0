package gguf

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"

	"github.com/born-ml/opgraph/internal/dtype"
	"github.com/born-ml/opgraph/internal/tensor"
)

// Parse reads the header, metadata and tensor directory from r.
// Tensor data is left in place; see Load.
func Parse(r io.ReadSeeker) (*File, error) {
	p := &parser{
		r:     r,
		order: binary.LittleEndian,
	}
	return p.parse()
}

// ParseFile parses a GGUF file from disk.
//
//nolint:gosec // G304: path comes from trusted caller, not user input.
func ParseFile(path string) (*File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	stat, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}

	gguf, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	gguf.FilePath = path
	gguf.FileSize = stat.Size()
	return gguf, nil
}

type parser struct {
	r     io.ReadSeeker
	order binary.ByteOrder
}

func (p *parser) read(v any) error {
	return binary.Read(p.r, p.order, v)
}

func (p *parser) parse() (*File, error) {
	file := &File{
		Metadata:  make(map[string]any),
		Alignment: DefaultAlignment,
	}

	if err := p.parseHeader(&file.Header); err != nil {
		return nil, fmt.Errorf("parse header: %w", err)
	}

	for i := uint64(0); i < file.Header.MetadataKVCount; i++ {
		key, value, err := p.parseMetadataKV()
		if err != nil {
			return nil, fmt.Errorf("parse metadata kv %d: %w", i, err)
		}
		file.Metadata[key] = value
	}
	if align, err := file.Uint("general.alignment"); err == nil && align > 0 {
		file.Alignment = int(align) //nolint:gosec // small positive value
	}

	file.TensorInfo = make([]TensorInfo, file.Header.TensorCount)
	for i := range file.TensorInfo {
		if err := p.parseTensorInfo(&file.TensorInfo[i]); err != nil {
			return nil, fmt.Errorf("parse tensor info %d: %w", i, err)
		}
	}

	pos, err := p.r.Seek(0, io.SeekCurrent)
	if err != nil {
		return nil, fmt.Errorf("get position: %w", err)
	}
	file.TensorDataOffset = alignOffset(pos, file.Alignment)
	return file, nil
}

func (p *parser) parseHeader(h *Header) error {
	if err := p.read(&h.Magic); err != nil {
		return fmt.Errorf("read magic: %w", err)
	}
	switch h.Magic {
	case MagicGGUFLE:
		p.order = binary.LittleEndian
	case MagicGGUFBE:
		p.order = binary.BigEndian
	default:
		return fmt.Errorf("invalid magic: 0x%08X (expected GGUF)", h.Magic)
	}

	if err := p.read(&h.Version); err != nil {
		return fmt.Errorf("read version: %w", err)
	}
	if h.Version < Version1 || h.Version > Version3 {
		return fmt.Errorf("unsupported version: %d (supported: 1-3)", h.Version)
	}
	if err := p.read(&h.TensorCount); err != nil {
		return fmt.Errorf("read tensor count: %w", err)
	}
	if err := p.read(&h.MetadataKVCount); err != nil {
		return fmt.Errorf("read metadata kv count: %w", err)
	}

	if h.TensorCount > MaxTensorCount {
		return fmt.Errorf("tensor count %d exceeds %d", h.TensorCount, MaxTensorCount)
	}
	if h.MetadataKVCount > MaxMetadataCount {
		return fmt.Errorf("metadata count %d exceeds %d", h.MetadataKVCount, MaxMetadataCount)
	}
	return nil
}

func (p *parser) parseMetadataKV() (string, any, error) {
	key, err := p.readString()
	if err != nil {
		return "", nil, fmt.Errorf("read key: %w", err)
	}
	var vt uint32
	if err := p.read(&vt); err != nil {
		return "", nil, fmt.Errorf("%s: read value type: %w", key, err)
	}
	value, err := p.parseValue(ValueType(vt))
	if err != nil {
		return "", nil, fmt.Errorf("%s: read value: %w", key, err)
	}
	return key, value, nil
}

// parseValue reads a metadata value of the given type. Scalars come back as
// their Go type, arrays as slices of it.
func (p *parser) parseValue(t ValueType) (any, error) {
	switch t {
	case ValueTypeUint8:
		return readScalar[uint8](p)
	case ValueTypeInt8:
		return readScalar[int8](p)
	case ValueTypeUint16:
		return readScalar[uint16](p)
	case ValueTypeInt16:
		return readScalar[int16](p)
	case ValueTypeUint32:
		return readScalar[uint32](p)
	case ValueTypeInt32:
		return readScalar[int32](p)
	case ValueTypeFloat32:
		return readScalar[float32](p)
	case ValueTypeUint64:
		return readScalar[uint64](p)
	case ValueTypeInt64:
		return readScalar[int64](p)
	case ValueTypeFloat64:
		return readScalar[float64](p)
	case ValueTypeBool:
		v, err := readScalar[uint8](p)
		return v != 0, err
	case ValueTypeString:
		return p.readString()
	case ValueTypeArray:
		return p.parseArray()
	default:
		return nil, fmt.Errorf("unknown value type: %d", uint32(t))
	}
}

func (p *parser) parseArray() (any, error) {
	var elemType uint32
	if err := p.read(&elemType); err != nil {
		return nil, fmt.Errorf("read array element type: %w", err)
	}
	var length uint64
	if err := p.read(&length); err != nil {
		return nil, fmt.Errorf("read array length: %w", err)
	}
	if length > MaxArrayLength {
		return nil, fmt.Errorf("array too large: %d elements (max %d)", length, MaxArrayLength)
	}
	n := int(length) //nolint:gosec // bounded above

	switch vt := ValueType(elemType); vt {
	case ValueTypeUint8:
		return readArray[uint8](p, n)
	case ValueTypeInt8:
		return readArray[int8](p, n)
	case ValueTypeUint16:
		return readArray[uint16](p, n)
	case ValueTypeInt16:
		return readArray[int16](p, n)
	case ValueTypeUint32:
		return readArray[uint32](p, n)
	case ValueTypeInt32:
		return readArray[int32](p, n)
	case ValueTypeFloat32:
		return readArray[float32](p, n)
	case ValueTypeUint64:
		return readArray[uint64](p, n)
	case ValueTypeInt64:
		return readArray[int64](p, n)
	case ValueTypeFloat64:
		return readArray[float64](p, n)
	case ValueTypeBool:
		raw, err := readArray[uint8](p, n)
		if err != nil {
			return nil, err
		}
		out := make([]bool, n)
		for i, v := range raw {
			out[i] = v != 0
		}
		return out, nil
	case ValueTypeString:
		out := make([]string, n)
		for i := range out {
			s, err := p.readString()
			if err != nil {
				return nil, fmt.Errorf("string %d: %w", i, err)
			}
			out[i] = s
		}
		return out, nil
	default:
		return nil, fmt.Errorf("unsupported array element type: %s", vt)
	}
}

type fixed interface {
	~uint8 | ~int8 | ~uint16 | ~int16 | ~uint32 | ~int32 | ~uint64 | ~int64 | ~float32 | ~float64
}

func readScalar[T fixed](p *parser) (T, error) {
	var v T
	err := p.read(&v)
	return v, err
}

func readArray[T fixed](p *parser, n int) ([]T, error) {
	arr := make([]T, n)
	if err := p.read(arr); err != nil {
		return nil, err
	}
	return arr, nil
}

// readString reads a GGUF string (length-prefixed, NOT null-terminated).
func (p *parser) readString() (string, error) {
	var length uint64
	if err := p.read(&length); err != nil {
		return "", fmt.Errorf("read string length: %w", err)
	}
	if length > MaxStringLength {
		return "", fmt.Errorf("string too long: %d bytes", length)
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(p.r, data); err != nil {
		return "", fmt.Errorf("read string data: %w", err)
	}
	return string(data), nil
}

func (p *parser) parseTensorInfo(t *TensorInfo) error {
	name, err := p.readString()
	if err != nil {
		return fmt.Errorf("read tensor name: %w", err)
	}
	t.Name = name

	var ndims uint32
	if err := p.read(&ndims); err != nil {
		return fmt.Errorf("%s: read ndims: %w", name, err)
	}
	if ndims > MaxFileDims {
		return fmt.Errorf("%s: too many dimensions: %d", name, ndims)
	}
	t.Dimensions = make([]uint64, ndims)
	if err := p.read(t.Dimensions); err != nil {
		return fmt.Errorf("%s: read dimensions: %w", name, err)
	}
	elems := uint64(1)
	for i, d := range t.Dimensions {
		if d > MaxDimSize {
			return fmt.Errorf("%s: dimension %d too large: %d", name, i, d)
		}
		if d != 0 && elems > uint64(tensor.MaxElements)/d {
			return fmt.Errorf("%s: %v holds too many elements", name, t.Dimensions)
		}
		elems *= d
	}

	var typ uint32
	if err := p.read(&typ); err != nil {
		return fmt.Errorf("%s: read type: %w", name, err)
	}
	t.Type = dtype.Type(typ)

	if err := p.read(&t.Offset); err != nil {
		return fmt.Errorf("%s: read offset: %w", name, err)
	}
	return nil
}
