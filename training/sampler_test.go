package training

import (
	"sort"
	"testing"
)

func TestSamplerShardsPartitionPermutation(t *testing.T) {
	const n, world = 20, 4
	seen := make(map[int]int)
	for rank := 0; rank < world; rank++ {
		s, err := NewDistributedSampler(n, world, rank, 72, true)
		if err != nil {
			t.Fatalf("sampler: %v", err)
		}
		s.SetEpoch(3)
		for _, idx := range s.Indices() {
			seen[idx]++
		}
	}
	if len(seen) != n {
		t.Fatalf("shards cover %d distinct indices, want %d", len(seen), n)
	}
	for idx, count := range seen {
		if count != 1 {
			t.Errorf("index %d appears %d times across shards", idx, count)
		}
	}
}

func TestSamplerDropLastEqualizesShards(t *testing.T) {
	// 22 items over 4 ranks: drop-last truncates every shard to 5.
	for rank := 0; rank < 4; rank++ {
		s, err := NewDistributedSampler(22, 4, rank, 1, true)
		if err != nil {
			t.Fatalf("sampler: %v", err)
		}
		if got := s.ShardLen(); got != 5 {
			t.Errorf("rank %d shard length %d, want 5", rank, got)
		}
		if got := len(s.Indices()); got != 5 {
			t.Errorf("rank %d yields %d indices, want 5", rank, got)
		}
	}
}

func TestSamplerPadsWithoutDropLast(t *testing.T) {
	// 10 items over 4 ranks: every shard pads to 3 by wrapping around.
	covered := make(map[int]bool)
	for rank := 0; rank < 4; rank++ {
		s, err := NewDistributedSampler(10, 4, rank, 1, false)
		if err != nil {
			t.Fatalf("sampler: %v", err)
		}
		idxs := s.Indices()
		if len(idxs) != 3 {
			t.Fatalf("rank %d yields %d indices, want 3", rank, len(idxs))
		}
		for _, idx := range idxs {
			if idx < 0 || idx >= 10 {
				t.Errorf("rank %d produced out-of-range index %d", rank, idx)
			}
			covered[idx] = true
		}
	}
	if len(covered) != 10 {
		t.Errorf("padded shards cover %d distinct indices, want all 10", len(covered))
	}
}

func TestSamplerEpochsReshuffleDeterministically(t *testing.T) {
	s, err := NewDistributedSampler(50, 1, 0, 7, false)
	if err != nil {
		t.Fatalf("sampler: %v", err)
	}

	s.SetEpoch(1)
	first := s.Indices()
	s.SetEpoch(2)
	second := s.Indices()
	s.SetEpoch(1)
	firstAgain := s.Indices()

	if !equalInts(first, firstAgain) {
		t.Error("same epoch produced different permutations")
	}
	if equalInts(first, second) {
		t.Error("different epochs produced identical permutations")
	}

	sorted := append([]int(nil), second...)
	sort.Ints(sorted)
	for i, v := range sorted {
		if v != i {
			t.Fatalf("epoch order is not a permutation, got %v", sorted)
		}
	}
}

func TestSamplerValidation(t *testing.T) {
	if _, err := NewDistributedSampler(-1, 2, 0, 0, true); err == nil {
		t.Error("negative length accepted")
	}
	if _, err := NewDistributedSampler(10, 0, 0, 0, true); err == nil {
		t.Error("zero world size accepted")
	}
	if _, err := NewDistributedSampler(10, 2, 2, 0, true); err == nil {
		t.Error("rank outside world accepted")
	}
}

func equalInts(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
