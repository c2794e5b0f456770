package dist

import (
	"fmt"
	"sync"
)

// InprocNetwork is an in-process collective fabric: W goroutines act as the
// W ranks of a job inside one OS process. It backs single-host runs and the
// package tests, where real multi-rank collective behavior matters but
// separate processes do not.
type InprocNetwork struct {
	world int

	mu     sync.Mutex
	rounds map[uint64]*inprocRound
	joined int
	closed bool
}

type inprocRound struct {
	contributions int
	reads         int
	sum           []float64
	ready         chan struct{}
}

// NewInprocNetwork creates a fabric for the given world size.
func NewInprocNetwork(world int) (*InprocNetwork, error) {
	if world < 1 {
		return nil, fmt.Errorf("world size must be >= 1, got %d", world)
	}
	return &InprocNetwork{
		world:  world,
		rounds: make(map[uint64]*inprocRound),
	}, nil
}

// Join returns the backend handle for one rank. Each rank must Join exactly
// once.
func (n *InprocNetwork) Join(rank int) (Backend, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if rank < 0 || rank >= n.world {
		return nil, fmt.Errorf("rank %d out of range [0, %d)", rank, n.world)
	}
	if n.joined >= n.world {
		return nil, fmt.Errorf("all %d ranks have already joined", n.world)
	}
	n.joined++
	return &inprocBackend{network: n, rank: rank}, nil
}

// Group is a convenience that joins a rank and wraps it in a Group.
func (n *InprocNetwork) Group(rank int) (*Group, error) {
	backend, err := n.Join(rank)
	if err != nil {
		return nil, err
	}
	return NewGroup(rank, n.world, rank, backend), nil
}

func (n *InprocNetwork) contribute(seq uint64, values []float64) (*inprocRound, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return nil, fmt.Errorf("network is closed")
	}

	round, ok := n.rounds[seq]
	if !ok {
		round = &inprocRound{
			sum:   make([]float64, len(values)),
			ready: make(chan struct{}),
		}
		n.rounds[seq] = round
	}
	if len(round.sum) != len(values) {
		return nil, fmt.Errorf("collective size mismatch at seq %d: %d vs %d elements", seq, len(round.sum), len(values))
	}
	for i, v := range values {
		round.sum[i] += v
	}
	round.contributions++
	if round.contributions == n.world {
		close(round.ready)
	}
	return round, nil
}

func (n *InprocNetwork) finishRead(seq uint64, round *inprocRound) {
	n.mu.Lock()
	defer n.mu.Unlock()
	round.reads++
	if round.reads == n.world {
		delete(n.rounds, seq)
	}
}

type inprocBackend struct {
	network *InprocNetwork
	rank    int
	seq     uint64
}

func (b *inprocBackend) AllReduce(values []float64) ([]float64, error) {
	seq := b.seq
	b.seq++

	round, err := b.network.contribute(seq, values)
	if err != nil {
		return nil, err
	}
	<-round.ready

	// The sum is immutable once ready is closed.
	out := make([]float64, len(round.sum))
	copy(out, round.sum)
	b.network.finishRead(seq, round)
	return out, nil
}

func (b *inprocBackend) Close() error {
	b.network.mu.Lock()
	defer b.network.mu.Unlock()
	b.network.closed = true
	return nil
}
