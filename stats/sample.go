package stats

import (
	"math/rand/v2"
	"sort"
)

// SampleSeed fixes subsampling so repeated analyses agree.
const SampleSeed = 42

// SampleIndices returns k ascending row indices drawn without replacement
// from [0, n), or all of them when n <= k.
func SampleIndices(n, k int) []int {
	if n <= k {
		idx := make([]int, n)
		for i := range idx {
			idx[i] = i
		}
		return idx
	}
	r := rand.New(rand.NewPCG(SampleSeed, 0))
	idx := r.Perm(n)[:k]
	sort.Ints(idx)
	return idx
}
