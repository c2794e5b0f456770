// Package dist establishes the collective-communication group for
// data-parallel training: one process per device, a fixed world size known
// at job launch, and blocking sum all-reduces that double as barriers.
//
// Every rank must issue the same sequence of collective calls each epoch.
// A rank that skips one leaves its peers blocked forever; that hazard is
// documented here and mitigated by keeping the training control flow
// data-independent, not by timeouts.
package dist

import (
	"fmt"
	"os"
	"strconv"
)

// Defaults for the rendezvous endpoint, matching the environment variables
// common to launcher scripts.
const (
	DefaultMasterAddr = "127.0.0.1"
	DefaultMasterPort = 29500
)

// Config describes the job topology for one process.
type Config struct {
	WorldSize   int
	Rank        int
	LocalDevice int

	// Rendezvous endpoint for the tcp backend. Ignored by inproc groups.
	MasterAddr string
	MasterPort int
}

// ConfigFromEnv discovers the topology from the environment. Two discovery
// modes are supported: a SLURM-provided triple (SLURM_NTASKS, SLURM_PROCID,
// with the local device derived from deviceCount), or explicit WORLD_SIZE /
// RANK / LOCAL_RANK variables. deviceCount is the size of the local
// accelerator pool.
func ConfigFromEnv(deviceCount int) (Config, error) {
	var cfg Config

	if _, ok := os.LookupEnv("SLURM_PROCID"); ok {
		world, err := envInt("SLURM_NTASKS")
		if err != nil {
			return cfg, err
		}
		rank, err := envInt("SLURM_PROCID")
		if err != nil {
			return cfg, err
		}
		if deviceCount <= 0 {
			return cfg, fmt.Errorf("SLURM discovery requires a non-empty device pool, got %d", deviceCount)
		}
		cfg.WorldSize = world
		cfg.Rank = rank
		cfg.LocalDevice = rank % deviceCount
	} else if _, ok := os.LookupEnv("WORLD_SIZE"); ok {
		world, err := envInt("WORLD_SIZE")
		if err != nil {
			return cfg, err
		}
		rank, err := envInt("RANK")
		if err != nil {
			return cfg, err
		}
		local, err := envInt("LOCAL_RANK")
		if err != nil {
			return cfg, err
		}
		cfg.WorldSize = world
		cfg.Rank = rank
		cfg.LocalDevice = local
	} else {
		return cfg, fmt.Errorf("no topology in environment: set SLURM_PROCID/SLURM_NTASKS or WORLD_SIZE/RANK/LOCAL_RANK")
	}

	cfg.MasterAddr = os.Getenv("MASTER_ADDR")
	if cfg.MasterAddr == "" {
		cfg.MasterAddr = DefaultMasterAddr
	}
	cfg.MasterPort = DefaultMasterPort
	if port := os.Getenv("MASTER_PORT"); port != "" {
		p, err := strconv.Atoi(port)
		if err != nil {
			return cfg, fmt.Errorf("invalid MASTER_PORT %q: %v", port, err)
		}
		cfg.MasterPort = p
	}

	if err := cfg.Validate(deviceCount); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// Validate checks the topology invariants: rank in [0, world) and a device
// pool large enough for the local device index.
func (c Config) Validate(deviceCount int) error {
	if c.WorldSize < 1 {
		return fmt.Errorf("world size must be >= 1, got %d", c.WorldSize)
	}
	if c.Rank < 0 || c.Rank >= c.WorldSize {
		return fmt.Errorf("rank %d out of range [0, %d)", c.Rank, c.WorldSize)
	}
	if deviceCount > 0 && c.LocalDevice >= deviceCount {
		return fmt.Errorf("local device %d exceeds device pool of size %d", c.LocalDevice, deviceCount)
	}
	if c.LocalDevice < 0 {
		return fmt.Errorf("local device must be >= 0, got %d", c.LocalDevice)
	}
	return nil
}

func envInt(key string) (int, error) {
	raw, ok := os.LookupEnv(key)
	if !ok {
		return 0, fmt.Errorf("required environment variable %s is not set", key)
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("environment variable %s=%q is not an integer: %v", key, raw, err)
	}
	return v, nil
}

// Backend moves collective payloads between ranks. Implementations block
// inside AllReduce until every rank of the group has contributed.
type Backend interface {
	// AllReduce sums values element-wise across all ranks and returns the
	// identical combined slice to every caller.
	AllReduce(values []float64) ([]float64, error)
	Close() error
}

// Group binds a process to its rank, device, and backend. It is torn down
// exactly once via Close; collective calls after Close fail.
type Group struct {
	rank    int
	world   int
	device  int
	backend Backend
	closed  bool
}

// Init establishes the process group over the tcp backend. Rank 0 listens
// on the rendezvous endpoint; the remaining ranks dial in. The call blocks
// until the whole world has joined.
func Init(cfg Config) (*Group, error) {
	if err := cfg.Validate(0); err != nil {
		return nil, err
	}
	backend, err := newTCPBackend(cfg)
	if err != nil {
		return nil, fmt.Errorf("tcp backend init failed: %v", err)
	}
	return &Group{
		rank:    cfg.Rank,
		world:   cfg.WorldSize,
		device:  cfg.LocalDevice,
		backend: backend,
	}, nil
}

// NewGroup wraps an already-connected backend. Used for inproc groups and
// by tests.
func NewGroup(rank, world, device int, backend Backend) *Group {
	return &Group{rank: rank, world: world, device: device, backend: backend}
}

// Rank returns the 0-indexed process id.
func (g *Group) Rank() int { return g.rank }

// WorldSize returns the number of cooperating processes.
func (g *Group) WorldSize() int { return g.world }

// LocalDevice returns the accelerator index this process is bound to.
func (g *Group) LocalDevice() int { return g.device }

// IsLeader reports whether this process is the coordinating rank.
func (g *Group) IsLeader() bool { return g.rank == 0 }

// AllReduce sums values across all ranks in place. This is a hard barrier:
// it returns only once every rank has contributed, and every rank receives
// the identical result.
func (g *Group) AllReduce(values []float64) error {
	if g.closed {
		return fmt.Errorf("collective call on closed group")
	}
	reduced, err := g.backend.AllReduce(values)
	if err != nil {
		return fmt.Errorf("all-reduce failed: %v", err)
	}
	copy(values, reduced)
	return nil
}

// AllReduceScalar sums a single value across all ranks.
func (g *Group) AllReduceScalar(v float64) (float64, error) {
	buf := []float64{v}
	if err := g.AllReduce(buf); err != nil {
		return 0, err
	}
	return buf[0], nil
}

// Barrier blocks until every rank has reached it.
func (g *Group) Barrier() error {
	_, err := g.AllReduceScalar(0)
	return err
}

// Close releases the group. It must be called exactly once, at job end,
// after the last collective has completed.
func (g *Group) Close() error {
	if g.closed {
		return fmt.Errorf("group already closed")
	}
	g.closed = true
	return g.backend.Close()
}
