package training

import (
	"fmt"
	"math/rand"
)

// DistributedSampler shards a dataset across the processes of a run.
// Every process derives the same epoch permutation from the shared seed
// and takes its own rank-strided slice, so the shards are disjoint and
// together cover the permutation.
//
// With dropLast the shard length is truncated to len/world on every
// rank; without it the permutation is extended by wrapping around so
// all shards reach ceil(len/world). Either way every rank sees the same
// number of indices, which keeps collective calls aligned.
type DistributedSampler struct {
	n        int
	world    int
	rank     int
	seed     int64
	dropLast bool
	epoch    int
}

// NewDistributedSampler creates a sampler for a dataset of n items.
func NewDistributedSampler(n, world, rank int, seed int64, dropLast bool) (*DistributedSampler, error) {
	if n < 0 {
		return nil, fmt.Errorf("dataset length must not be negative, got %d", n)
	}
	if world <= 0 {
		return nil, fmt.Errorf("world size must be positive, got %d", world)
	}
	if rank < 0 || rank >= world {
		return nil, fmt.Errorf("rank %d out of range for world size %d", rank, world)
	}
	return &DistributedSampler{n: n, world: world, rank: rank, seed: seed, dropLast: dropLast}, nil
}

// SetEpoch reseeds the permutation. Every rank must pass the same epoch
// or the shards stop being a partition.
func (s *DistributedSampler) SetEpoch(epoch int) {
	s.epoch = epoch
}

// ShardLen reports how many indices Indices will return.
func (s *DistributedSampler) ShardLen() int {
	if s.n == 0 {
		return 0
	}
	if s.dropLast {
		return s.n / s.world
	}
	return (s.n + s.world - 1) / s.world
}

// Indices returns this rank's shard of the epoch permutation.
func (s *DistributedSampler) Indices() []int {
	perm := rand.New(rand.NewSource(s.seed + int64(s.epoch))).Perm(s.n)

	per := s.ShardLen()
	out := make([]int, 0, per)
	for i := s.rank; len(out) < per; i += s.world {
		// Wrap-around pads the short shards when dropLast is off.
		out = append(out, perm[i%s.n])
	}
	return out
}
