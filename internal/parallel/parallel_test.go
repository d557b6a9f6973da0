package parallel

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRowsCoversRangeOnce(t *testing.T) {
	for _, n := range []int{0, 1, 15, 31, 32, 100, 1000} {
		cfg := Config{Workers: 4, MinRows: 16}
		hits := make([]atomic.Int32, n)
		Rows(n, cfg, func(lo, hi int) {
			for i := lo; i < hi; i++ {
				hits[i].Add(1)
			}
		})
		for i := range hits {
			assert.Equal(t, int32(1), hits[i].Load(), "n=%d row=%d", n, i)
		}
	}
}

func TestRowsSequentialFallback(t *testing.T) {
	var calls int
	Rows(10, DefaultConfig(), func(lo, hi int) {
		calls++
		assert.Equal(t, 0, lo)
		assert.Equal(t, 10, hi)
	})
	assert.Equal(t, 1, calls)

	calls = 0
	Rows(1000, Config{Workers: 1}, func(_, _ int) { calls++ })
	assert.Equal(t, 1, calls)
}

func TestRowsChunkRespectsMinimum(t *testing.T) {
	var mu sync.Mutex
	var sizes []int
	Rows(100, Config{Workers: 50, MinRows: 20}, func(lo, hi int) {
		mu.Lock()
		sizes = append(sizes, hi-lo)
		mu.Unlock()
	})
	assert.Len(t, sizes, 5)
	for _, s := range sizes {
		assert.Equal(t, 20, s)
	}
}

func BenchmarkRows(b *testing.B) {
	cfg := DefaultConfig()
	data := make([]float32, 1<<16)
	for i := 0; i < b.N; i++ {
		Rows(len(data)/64, cfg, func(lo, hi int) {
			for r := lo; r < hi; r++ {
				row := data[r*64 : (r+1)*64]
				for j := range row {
					row[j]++
				}
			}
		})
	}
}

func TestRowsPanicReachesCaller(t *testing.T) {
	for name, failAt := range map[string]int{"spawned chunk": 16, "caller chunk": 0} {
		t.Run(name, func(t *testing.T) {
			var finished atomic.Int32
			assert.PanicsWithValue(t, "chunk failed", func() {
				Rows(64, Config{Workers: 4, MinRows: 1}, func(lo, hi int) {
					if lo == failAt {
						panic("chunk failed")
					}
					finished.Add(int32(hi - lo))
				})
			})
			// The other chunks ran to completion before the panic surfaced.
			assert.Equal(t, int32(48), finished.Load())
		})
	}
}
