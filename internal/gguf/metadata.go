package gguf

import (
	"errors"
	"fmt"
	"math"
)

// ErrKeyNotFound is returned by the typed metadata accessors.
var ErrKeyNotFound = errors.New("gguf: metadata key not found")

// Uint returns an integer metadata value. Any integer width is accepted;
// negative values are an error.
func (f *File) Uint(key string) (uint64, error) {
	v, ok := f.Metadata[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	switch n := v.(type) {
	case uint8:
		return uint64(n), nil
	case uint16:
		return uint64(n), nil
	case uint32:
		return uint64(n), nil
	case uint64:
		return n, nil
	case int8, int16, int32, int64:
		i, _ := asInt64(n)
		if i < 0 {
			return 0, fmt.Errorf("gguf: %s is negative (%d)", key, i)
		}
		return uint64(i), nil
	default:
		return 0, fmt.Errorf("gguf: %s is %T, not an integer", key, v)
	}
}

// Int returns an integer metadata value as int64.
func (f *File) Int(key string) (int64, error) {
	v, ok := f.Metadata[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	if i, ok := asInt64(v); ok {
		return i, nil
	}
	if u, ok := v.(uint64); ok {
		if u > math.MaxInt64 {
			return 0, fmt.Errorf("gguf: %s overflows int64", key)
		}
		return int64(u), nil
	}
	return 0, fmt.Errorf("gguf: %s is %T, not an integer", key, v)
}

func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case uint8:
		return int64(n), true
	case uint16:
		return int64(n), true
	case uint32:
		return int64(n), true
	default:
		return 0, false
	}
}

// Float returns a floating point metadata value.
func (f *File) Float(key string) (float64, error) {
	v, ok := f.Metadata[key]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	switch n := v.(type) {
	case float32:
		return float64(n), nil
	case float64:
		return n, nil
	default:
		return 0, fmt.Errorf("gguf: %s is %T, not a float", key, v)
	}
}

// String returns a string metadata value.
func (f *File) String(key string) (string, error) {
	v, ok := f.Metadata[key]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("gguf: %s is %T, not a string", key, v)
	}
	return s, nil
}

// Strings returns a string array metadata value.
func (f *File) Strings(key string) ([]string, error) {
	v, ok := f.Metadata[key]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, key)
	}
	s, ok := v.([]string)
	if !ok {
		return nil, fmt.Errorf("gguf: %s is %T, not a string array", key, v)
	}
	return s, nil
}

// Architecture returns the model architecture (e.g., "llama", "gpt2").
func (f *File) Architecture() string {
	arch, _ := f.String("general.architecture")
	return arch
}

// Name returns the model name.
func (f *File) Name() string {
	name, _ := f.String("general.name")
	return name
}

// HParams are the architecture hyperparameters a graph description
// typically needs. Missing keys stay zero.
type HParams struct {
	Architecture        string
	BlockCount          uint64
	ContextLength       uint64
	EmbeddingLength     uint64
	FeedForwardLength   uint64
	HeadCount           uint64
	HeadCountKV         uint64
	RopeDimensionCount  uint64
	VocabSize           uint64
	FileType            uint64
	QuantizationVersion uint64
	RMSNormEpsilon      float64
	RopeFreqBase        float64
}

// HParams collects the well-known hyperparameters of the file's
// architecture. Absent keys are left at zero; keys of the wrong type are
// an error.
func (f *File) HParams() (HParams, error) {
	arch := f.Architecture()
	h := HParams{Architecture: arch}

	uints := []struct {
		key string
		dst *uint64
	}{
		{arch + ".block_count", &h.BlockCount},
		{arch + ".context_length", &h.ContextLength},
		{arch + ".embedding_length", &h.EmbeddingLength},
		{arch + ".feed_forward_length", &h.FeedForwardLength},
		{arch + ".attention.head_count", &h.HeadCount},
		{arch + ".attention.head_count_kv", &h.HeadCountKV},
		{arch + ".rope.dimension_count", &h.RopeDimensionCount},
		{arch + ".vocab_size", &h.VocabSize},
		{arch + ".quantization_version", &h.QuantizationVersion},
		{"general.file_type", &h.FileType},
	}
	for _, u := range uints {
		v, err := f.Uint(u.key)
		if errors.Is(err, ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return h, err
		}
		*u.dst = v
	}

	floats := []struct {
		key string
		dst *float64
	}{
		{arch + ".attention.layer_norm_rms_epsilon", &h.RMSNormEpsilon},
		{arch + ".rope.freq_base", &h.RopeFreqBase},
	}
	for _, fl := range floats {
		v, err := f.Float(fl.key)
		if errors.Is(err, ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return h, err
		}
		*fl.dst = v
	}

	if h.HeadCountKV == 0 {
		h.HeadCountKV = h.HeadCount
	}
	if h.VocabSize == 0 {
		if tokens, err := f.Strings("tokenizer.ggml.tokens"); err == nil {
			h.VocabSize = uint64(len(tokens))
		}
	}
	return h, nil
}
