// Package cpuinfo detects the instruction-set tier of the host CPU.
package cpuinfo

import (
	"fmt"
	"runtime"
	"sync"

	"golang.org/x/sys/cpu"
)

// Tier is a coarse capability level used to pick a kernel set.
type Tier int

// Capability tiers, from the portable baseline up.
const (
	TierBase   Tier = iota // Portable scalar code.
	TierVector             // AVX2+FMA on amd64, ASIMD on arm64.
	TierWide               // AVX-512F on amd64, SVE on arm64.
	tierCount
)

// Tiers lists every tier in ascending order.
func Tiers() []Tier {
	return []Tier{TierBase, TierVector, TierWide}
}

// String returns the tier name.
func (t Tier) String() string {
	switch t {
	case TierBase:
		return "base"
	case TierVector:
		return "vector"
	case TierWide:
		return "wide"
	default:
		return fmt.Sprintf("tier(%d)", int(t))
	}
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool { return t >= TierBase && t < tierCount }

// ParseTier converts a tier name into a Tier.
func ParseTier(s string) (Tier, error) {
	for _, t := range Tiers() {
		if t.String() == s {
			return t, nil
		}
	}
	return TierBase, fmt.Errorf("unknown cpu tier %q", s)
}

// Resolve maps a tier name to a Tier. An empty name or "auto" selects the
// detected tier.
func Resolve(name string) (Tier, error) {
	if name == "" || name == "auto" {
		return Detect(), nil
	}
	return ParseTier(name)
}

// Detect returns the highest tier the host supports. The result is computed
// once per process.
var Detect = sync.OnceValue(func() Tier {
	return detect(runtime.GOARCH)
})

func detect(arch string) Tier {
	switch arch {
	case "amd64":
		if cpu.X86.HasAVX512F && cpu.X86.HasAVX512BW {
			return TierWide
		}
		if cpu.X86.HasAVX2 && cpu.X86.HasFMA {
			return TierVector
		}
	case "arm64":
		if cpu.ARM64.HasSVE {
			return TierWide
		}
		if cpu.ARM64.HasASIMD {
			return TierVector
		}
	}
	return TierBase
}
