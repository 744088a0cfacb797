package bridge

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/matst80/bridgeproxy/internal/obs"
)

// PoolConn is a pre-accepted auxiliary socket. It counts as connected until
// its peer hangs up, a read fails, or it is closed.
type PoolConn struct {
	net.Conn
	dead atomic.Bool
	once sync.Once
}

// Connected reports whether the socket is still usable as a sink.
func (c *PoolConn) Connected() bool { return !c.dead.Load() }

func (c *PoolConn) Close() error {
	c.dead.Store(true)
	var err error
	c.once.Do(func() { err = c.Conn.Close() })
	return err
}

// drain discards anything the auxiliary peer sends; its only purpose is to
// notice the peer going away.
func (c *PoolConn) drain(pool string) {
	buf := make([]byte, 4096)
	for {
		if _, err := c.Conn.Read(buf); err != nil {
			if c.dead.CompareAndSwap(false, true) {
				obs.Debug("pool.conn.gone", obs.Fields{"pool": pool, "remote": c.RemoteAddr().String(), "err": err.Error()})
			}
			return
		}
	}
}

// Pool is an unordered, concurrency-safe collection of auxiliary sockets
// accepted on one auxiliary listener.
type Pool struct {
	name  string
	mu    sync.Mutex
	conns []*PoolConn
}

func NewPool(name string) *Pool { return &Pool{name: name} }

func (p *Pool) Name() string { return p.name }

// Add takes ownership of c and starts watching it for disconnects.
func (p *Pool) Add(c net.Conn) *PoolConn {
	pc := &PoolConn{Conn: c}
	p.mu.Lock()
	p.conns = append(p.conns, pc)
	n := len(p.conns)
	p.mu.Unlock()
	obs.PoolSockets.WithLabelValues(p.name).Set(float64(n))
	go pc.drain(p.name)
	return pc
}

// Prune drops and closes sockets that are no longer connected. It returns how
// many were removed.
func (p *Pool) Prune() int {
	p.mu.Lock()
	kept := p.conns[:0]
	var dropped []*PoolConn
	for _, c := range p.conns {
		if c.Connected() {
			kept = append(kept, c)
		} else {
			dropped = append(dropped, c)
		}
	}
	for i := len(kept); i < len(p.conns); i++ {
		p.conns[i] = nil
	}
	p.conns = kept
	n := len(kept)
	p.mu.Unlock()
	for _, c := range dropped {
		_ = c.Close()
	}
	obs.PoolSockets.WithLabelValues(p.name).Set(float64(n))
	return len(dropped)
}

// Snapshot returns a copy of the current members.
func (p *Pool) Snapshot() []*PoolConn {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*PoolConn(nil), p.conns...)
}

func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.conns)
}

// Close closes every member and empties the pool.
func (p *Pool) Close() {
	p.mu.Lock()
	conns := p.conns
	p.conns = nil
	p.mu.Unlock()
	for _, c := range conns {
		_ = c.Close()
	}
	obs.PoolSockets.WithLabelValues(p.name).Set(0)
}
