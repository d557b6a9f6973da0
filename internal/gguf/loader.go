package gguf

import (
	"cmp"
	"context"
	"fmt"
	"io"
	"os"
	"runtime"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/born-ml/opgraph/internal/ctxlog"
	"github.com/born-ml/opgraph/internal/tensor"
)

// Claimer hands out memory for tensor data. *arena.Buffer implements it.
type Claimer interface {
	Claim(n int) ([]byte, error)
}

// SortedTensors returns the directory ordered by layer: names with a number
// sort by their first number, then by name; names without one come last,
// by name.
func (f *File) SortedTensors() []TensorInfo {
	infos := slices.Clone(f.TensorInfo)
	slices.SortStableFunc(infos, func(a, b TensorInfo) int {
		la, lb := layerIndex(a.Name), layerIndex(b.Name)
		if (la < 0) != (lb < 0) {
			if la < 0 {
				return 1
			}
			return -1
		}
		return cmp.Or(cmp.Compare(la, lb), cmp.Compare(a.Name, b.Name))
	})
	return infos
}

// Load reads every tensor of f from r into memory claimed from dst.
//
// Claims happen up front on the calling goroutine, in layer order; the reads
// then run concurrently, each into its own region. A claim that returns no
// memory without an error leaves that tensor's Data nil.
func Load(ctx context.Context, f *File, r io.ReaderAt, dst Claimer) ([]tensor.Desc, error) {
	logger := ctxlog.FromContext(ctx)
	infos := f.SortedTensors()
	descs := make([]tensor.Desc, len(infos))
	offsets := make([]int64, len(infos))

	for i := range infos {
		info := &infos[i]
		shape, err := info.Shape()
		if err != nil {
			return nil, err
		}
		size, err := info.Size()
		if err != nil {
			return nil, err
		}
		offsets[i] = f.TensorDataOffset + int64(info.Offset) //nolint:gosec // bounded by file size below
		if f.FileSize > 0 && (info.Offset > uint64(f.FileSize) || offsets[i]+int64(size) > f.FileSize) {
			return nil, fmt.Errorf("tensor %s: data [%d, %d) past end of file (%d bytes)",
				info.Name, offsets[i], offsets[i]+int64(size), f.FileSize)
		}

		data, err := dst.Claim(size)
		if err != nil {
			return nil, fmt.Errorf("tensor %s: %w", info.Name, err)
		}
		if data == nil && size > 0 {
			logger.Warn("tensor skipped", "tensor", info.Name, "bytes", size)
		}
		descs[i] = tensor.Desc{Name: info.Name, Type: info.Type, Shape: shape, Data: data}
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(runtime.NumCPU())
	for i := range descs {
		if descs[i].Data == nil {
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			if _, err := r.ReadAt(descs[i].Data, offsets[i]); err != nil {
				return fmt.Errorf("read tensor %s: %w", descs[i].Name, err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	logger.Debug("tensors loaded", "count", len(descs), "file", f.FilePath)
	return descs, nil
}

// LoadFile parses path and loads all of its tensors into dst.
//
//nolint:gosec // G304: path comes from trusted caller, not user input.
func LoadFile(ctx context.Context, path string, dst Claimer) (*File, []tensor.Desc, error) {
	f, err := ParseFile(path)
	if err != nil {
		return nil, nil, err
	}
	fd, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open file: %w", err)
	}
	defer func() {
		_ = fd.Close()
	}()

	descs, err := Load(ctx, f, fd, dst)
	if err != nil {
		return nil, nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, descs, nil
}
