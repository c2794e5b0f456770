package dist

import (
	"bufio"
	"fmt"
	"net"
	"sync"
	"time"
)

// tcpBackend implements the collective group over a star topology: rank 0
// hosts the coordinator on the rendezvous endpoint, every other rank holds
// one long-lived connection to it. A sum all-reduce is one gather at the
// coordinator followed by one broadcast, which matches the blocking-barrier
// contract exactly: nobody receives a result before everyone contributed.
type tcpBackend struct {
	rank  int
	world int

	coord *tcpCoordinator // rank 0 only
	peer  *tcpPeer        // ranks > 0 only
}

const (
	dialTimeout   = 60 * time.Second
	dialBackoff   = 250 * time.Millisecond
	acceptTimeout = 60 * time.Second
)

func newTCPBackend(cfg Config) (*tcpBackend, error) {
	addr := fmt.Sprintf("%s:%d", cfg.MasterAddr, cfg.MasterPort)
	b := &tcpBackend{rank: cfg.Rank, world: cfg.WorldSize}

	if cfg.Rank == 0 {
		coord, err := newTCPCoordinator(addr, cfg.WorldSize)
		if err != nil {
			return nil, err
		}
		b.coord = coord
		return b, nil
	}

	peer, err := newTCPPeer(addr, cfg.Rank)
	if err != nil {
		return nil, err
	}
	b.peer = peer
	return b, nil
}

func (b *tcpBackend) AllReduce(values []float64) ([]float64, error) {
	if b.coord != nil {
		return b.coord.allReduceLocal(values)
	}
	return b.peer.allReduce(values)
}

func (b *tcpBackend) Close() error {
	if b.coord != nil {
		return b.coord.close()
	}
	return b.peer.close()
}

// tcpCoordinator is the rank-0 side: it owns the listener, one reader
// goroutine per peer, and the per-sequence aggregation state.
type tcpCoordinator struct {
	world int
	ln    net.Listener

	mu           sync.Mutex
	rounds       map[uint64]*tcpRound
	peers        map[int]*peerConn
	nextLocalSeq uint64
	closed       bool
}

type tcpRound struct {
	contributions int
	sum           []float64
	ready         chan struct{}
}

type peerConn struct {
	conn net.Conn
	r    *bufio.Reader
	wmu  sync.Mutex
}

func (p *peerConn) send(f frame) error {
	p.wmu.Lock()
	defer p.wmu.Unlock()
	return writeFrame(p.conn, f)
}

func newTCPCoordinator(addr string, world int) (*tcpCoordinator, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("rendezvous listen on %s failed: %v", addr, err)
	}

	c := &tcpCoordinator{
		world:  world,
		ln:     ln,
		rounds: make(map[uint64]*tcpRound),
		peers:  make(map[int]*peerConn),
	}

	deadline := time.Now().Add(acceptTimeout)
	for len(c.peers) < world-1 {
		if tcpLn, ok := ln.(*net.TCPListener); ok {
			tcpLn.SetDeadline(deadline)
		}
		conn, err := ln.Accept()
		if err != nil {
			ln.Close()
			c.closeConns()
			return nil, fmt.Errorf("rendezvous accept failed with %d/%d peers joined: %v", len(c.peers), world-1, err)
		}

		r := bufio.NewReader(conn)
		join, err := readFrame(r)
		if err != nil || join.Kind != frameJoin {
			conn.Close()
			ln.Close()
			c.closeConns()
			return nil, fmt.Errorf("rendezvous handshake failed: %v", err)
		}
		if join.Rank <= 0 || join.Rank >= world {
			conn.Close()
			ln.Close()
			c.closeConns()
			return nil, fmt.Errorf("peer announced invalid rank %d for world size %d", join.Rank, world)
		}
		if _, dup := c.peers[join.Rank]; dup {
			conn.Close()
			ln.Close()
			c.closeConns()
			return nil, fmt.Errorf("rank %d joined twice", join.Rank)
		}
		c.peers[join.Rank] = &peerConn{conn: conn, r: r}
	}

	for rank, pc := range c.peers {
		go c.readLoop(rank, pc)
	}
	return c, nil
}

// readLoop consumes contribute frames from one peer for the lifetime of
// the group.
func (c *tcpCoordinator) readLoop(rank int, pc *peerConn) {
	for {
		f, err := readFrame(pc.r)
		if err != nil {
			// Reads fail once the group is torn down; anything
			// earlier is a lost peer, which surfaces to the
			// remaining ranks as the documented hang.
			return
		}
		if f.Kind != frameContribute {
			continue
		}
		if _, err := c.contribute(f.Seq, f.Values); err != nil {
			// A malformed contribution must not corrupt the round.
			// Dropping the connection surfaces at the offending peer;
			// the rest of the world sees the documented lost-peer hang.
			pc.conn.Close()
			return
		}
	}
}

// contribute folds one rank's values into the round and broadcasts the sum
// once the whole world has arrived. Every contribution of a round must
// carry the same number of values as the first one.
func (c *tcpCoordinator) contribute(seq uint64, values []float64) (*tcpRound, error) {
	c.mu.Lock()
	round, ok := c.rounds[seq]
	if !ok {
		round = &tcpRound{
			sum:   make([]float64, len(values)),
			ready: make(chan struct{}),
		}
		c.rounds[seq] = round
	}
	if len(values) != len(round.sum) {
		c.mu.Unlock()
		return nil, fmt.Errorf("round %d value count mismatch: got %d, round carries %d",
			seq, len(values), len(round.sum))
	}
	for i, v := range values {
		round.sum[i] += v
	}
	round.contributions++
	complete := round.contributions == c.world
	if complete {
		delete(c.rounds, seq)
	}
	peers := c.peers
	c.mu.Unlock()

	if complete {
		for _, pc := range peers {
			pc.send(frame{Kind: frameResult, Seq: seq, Values: round.sum})
		}
		close(round.ready)
	}
	return round, nil
}

func (c *tcpCoordinator) allReduceLocal(values []float64) ([]float64, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("coordinator is closed")
	}
	seq := c.nextLocalSeq
	c.nextLocalSeq++
	c.mu.Unlock()

	round, err := c.contribute(seq, values)
	if err != nil {
		return nil, err
	}
	<-round.ready

	out := make([]float64, len(round.sum))
	copy(out, round.sum)
	return out, nil
}

func (c *tcpCoordinator) closeConns() {
	for _, pc := range c.peers {
		pc.conn.Close()
	}
}

func (c *tcpCoordinator) close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return fmt.Errorf("coordinator already closed")
	}
	c.closed = true
	c.mu.Unlock()

	err := c.ln.Close()
	c.closeConns()
	if err != nil {
		return fmt.Errorf("listener close failed: %v", err)
	}
	return nil
}

// tcpPeer is the non-leader side of the star.
type tcpPeer struct {
	rank int
	conn net.Conn
	r    *bufio.Reader
	seq  uint64
}

func newTCPPeer(addr string, rank int) (*tcpPeer, error) {
	var conn net.Conn
	var err error

	// The coordinator may come up after this rank; retry until the
	// rendezvous window closes.
	deadline := time.Now().Add(dialTimeout)
	for {
		conn, err = net.DialTimeout("tcp", addr, dialBackoff)
		if err == nil {
			break
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("rendezvous dial to %s failed: %v", addr, err)
		}
		time.Sleep(dialBackoff)
	}

	if err := writeFrame(conn, frame{Kind: frameJoin, Rank: rank}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("rendezvous join failed: %v", err)
	}
	return &tcpPeer{rank: rank, conn: conn, r: bufio.NewReader(conn)}, nil
}

func (p *tcpPeer) allReduce(values []float64) ([]float64, error) {
	seq := p.seq
	p.seq++

	if err := writeFrame(p.conn, frame{Kind: frameContribute, Rank: p.rank, Seq: seq, Values: values}); err != nil {
		return nil, err
	}

	// One collective is in flight at a time, so the next result frame
	// must answer this sequence.
	f, err := readFrame(p.r)
	if err != nil {
		return nil, fmt.Errorf("result read failed: %v", err)
	}
	if f.Kind != frameResult || f.Seq != seq {
		return nil, fmt.Errorf("unexpected frame kind %d seq %d while waiting for seq %d", f.Kind, f.Seq, seq)
	}
	return f.Values, nil
}

func (p *tcpPeer) close() error {
	if err := p.conn.Close(); err != nil {
		return fmt.Errorf("connection close failed: %v", err)
	}
	return nil
}
