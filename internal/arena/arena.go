// Package arena implements bump-pointer memory regions.
//
// A Buffer performs exactly one allocation when initialized and hands out
// non-overlapping sub-slices of it. Nothing is freed until the whole buffer
// is released. Claims are not safe for concurrent use; they belong to the
// single-threaded graph build phase, and kernels only read or write the
// claimed regions afterwards.
package arena

import (
	"fmt"
	"log/slog"
	"unsafe"

	"github.com/born-ml/opgraph/internal/errpolicy"
)

// CacheLineSize is the alignment of the base allocation.
const CacheLineSize = 64

// Buffer is a single contiguous allocation with a monotonically increasing cursor.
type Buffer struct {
	name   string
	data   []byte
	offset int
	policy errpolicy.Policy
	logger *slog.Logger
}

// New returns an uninitialized buffer. Call Init before claiming.
func New(name string, policy errpolicy.Policy, logger *slog.Logger) *Buffer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Buffer{name: name, policy: policy, logger: logger}
}

// Init allocates capacity bytes and resets the cursor to zero.
// The base allocation never moves afterwards, so Init may only be called once.
func (b *Buffer) Init(capacity int) error {
	if b.data != nil {
		return fmt.Errorf("arena %s: already initialized with %d bytes", b.name, len(b.data))
	}
	if capacity < 0 {
		return fmt.Errorf("arena %s: negative capacity %d", b.name, capacity)
	}
	b.data = alignedBytes(capacity)
	b.offset = 0
	return nil
}

// Claim returns n contiguous unused bytes and advances the cursor by n.
//
// When the claim does not fit, FailFast returns an error wrapping
// errpolicy.ErrOutOfMemory and BestEffort logs the condition and returns a
// nil slice with a nil error. A failed claim never moves the cursor.
func (b *Buffer) Claim(n int) ([]byte, error) {
	return b.claim(n, 1)
}

// ClaimAligned is Claim with the start of the region rounded up to align bytes.
// align must be a power of two.
func (b *Buffer) ClaimAligned(n, align int) ([]byte, error) {
	if align <= 0 || align&(align-1) != 0 {
		return nil, fmt.Errorf("arena %s: alignment %d is not a power of two", b.name, align)
	}
	return b.claim(n, align)
}

func (b *Buffer) claim(n, align int) ([]byte, error) {
	if n < 0 {
		return nil, b.policy.Report(b.logger,
			fmt.Errorf("arena %s: negative claim %d", b.name, n), "arena", b.name)
	}
	// Compared as remaining space so huge requests cannot wrap.
	pad := -b.offset & (align - 1)
	if pad > len(b.data)-b.offset || n > len(b.data)-b.offset-pad {
		err := fmt.Errorf("arena %s: claim %d bytes at offset %d exceeds capacity %d: %w",
			b.name, n, b.offset, len(b.data), errpolicy.ErrOutOfMemory)
		return nil, b.policy.Report(b.logger, err,
			"arena", b.name, "requested", n, "offset", b.offset, "capacity", len(b.data))
	}
	start := b.offset + pad
	end := start + n
	b.offset = end
	return b.data[start:end:end], nil
}

// Offset returns the cursor position.
func (b *Buffer) Offset() int { return b.offset }

// Capacity returns the size of the base allocation.
func (b *Buffer) Capacity() int { return len(b.data) }

// Remaining returns the number of bytes after the cursor.
func (b *Buffer) Remaining() int { return len(b.data) - b.offset }

// Name returns the buffer name.
func (b *Buffer) Name() string { return b.name }

// Contains reports whether p lies entirely inside the claimed part of the buffer.
func (b *Buffer) Contains(p []byte) bool {
	if len(p) == 0 || len(b.data) == 0 {
		return false
	}
	base := uintptr(unsafe.Pointer(&b.data[0]))
	addr := uintptr(unsafe.Pointer(&p[0]))
	return addr >= base && addr+uintptr(len(p)) <= base+uintptr(b.offset)
}

// Release drops the base allocation. Every slice previously claimed must be
// unused by then.
func (b *Buffer) Release() {
	b.data = nil
	b.offset = 0
}

// alignedBytes allocates size bytes whose first element sits on a cache line.
func alignedBytes(size int) []byte {
	if size == 0 {
		return []byte{}
	}
	buf := make([]byte, size+CacheLineSize-1)
	ptr := uintptr(unsafe.Pointer(&buf[0]))
	offset := 0
	if mod := int(ptr % CacheLineSize); mod != 0 {
		offset = CacheLineSize - mod
	}
	return buf[offset : offset+size : offset+size]
}
