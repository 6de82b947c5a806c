package threads

import "math"

import "github.com/jbarham/primegen"

// NumberRange describes the numeric interval a set of partitions covers,
// split by residue class.
type NumberRange struct {
	Start      uint64
	End        uint64
	Partitions int
}

// UniformWorkload estimates every partition as equally expensive.
func UniformWorkload(partition int, ctx any) uint64 {
	return 1000
}

// PrimeCountWorkload estimates a partition's share of the primes in ctx's
// interval with the prime-counting approximation pi(x) ~ x/ln(x), divided
// evenly across the residue classes. ctx must be a NumberRange.
func PrimeCountWorkload(partition int, ctx any) uint64 {
	r, ok := ctx.(NumberRange)
	if !ok || r.End <= r.Start || r.Partitions < 1 {
		return UniformWorkload(partition, ctx)
	}
	total := primeCountApprox(r.End) - primeCountApprox(r.Start)
	if total < 1 {
		total = 1
	}
	return uint64(total / float64(r.Partitions))
}

func primeCountApprox(x uint64) float64 {
	if x < 2 {
		return 0
	}
	return float64(x) / math.Log(float64(x))
}

// MeasurePrimeWorkloads counts, exactly, the primes up to limit in each
// residue class mod partitions. Slower than PrimeCountWorkload but exact;
// suited to one-off calibration before a long run.
func MeasurePrimeWorkloads(limit uint64, partitions int) []uint64 {
	counts := make([]uint64, partitions)
	if partitions < 1 || limit < 2 {
		return counts
	}
	gen := primegen.New()
	for {
		p := gen.Next()
		if p > limit {
			break
		}
		counts[p%uint64(partitions)]++
	}
	return counts
}
