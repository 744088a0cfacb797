package bridge

import (
	"context"
	"maps"
	"net"
	"slices"
	"sync"

	"github.com/matst80/bridgeproxy/internal/obs"
)

// sinkSet is the per-bridge registry of auxiliary sinks: distinct fan-out
// addresses with lazily dialed sockets, and the working set of pre-accepted pool
// sockets. A failing sink is reset or dropped on its own; it never takes the
// bridge down.
type sinkSet struct {
	mu     sync.Mutex
	addrs  []string
	conns  map[string]net.Conn // nil value: not connected yet
	pool   []*PoolConn
	plain  []*PoolConn // consumed by this bridge, closed with it
	closed bool
}

func newSinkSet(addrs []string, plain, reuse []*PoolConn) *sinkSet {
	s := &sinkSet{
		conns: make(map[string]net.Conn, len(addrs)),
		plain: append([]*PoolConn(nil), plain...),
	}
	for _, a := range addrs {
		if _, dup := s.conns[a]; dup {
			continue
		}
		s.addrs = append(s.addrs, a)
		s.conns[a] = nil
	}
	s.pool = make([]*PoolConn, 0, len(plain)+len(reuse))
	s.pool = append(s.pool, plain...)
	s.pool = append(s.pool, reuse...)
	return s
}

// fanOut sends chunk to every configured address in order, dialing the ones
// that are not connected yet.
func (s *sinkSet) fanOut(ctx context.Context, d Dialer, tries int, chunk []byte, f obs.Fields) {
	for _, addr := range s.addrs {
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		c := s.conns[addr]
		s.mu.Unlock()

		if c == nil {
			var err error
			for attempt := 0; attempt < tries; attempt++ {
				if c, err = d.DialContext(ctx, "tcp", addr); err == nil {
					break
				}
			}
			if err != nil {
				obs.Error("bridge.additional.connect", withFields(f, obs.Fields{"addr": addr, "attempts": tries, "err": err.Error()}))
				obs.ErrorsTotal.WithLabelValues("additional_connect").Inc()
				continue
			}
			s.mu.Lock()
			if s.closed {
				s.mu.Unlock()
				_ = c.Close()
				return
			}
			s.conns[addr] = c
			s.mu.Unlock()
		}

		if _, err := c.Write(chunk); err != nil {
			obs.Error("bridge.additional.send", withFields(f, obs.Fields{"addr": addr, "err": err.Error()}))
			obs.ErrorsTotal.WithLabelValues("additional_send").Inc()
			s.mu.Lock()
			if s.conns[addr] == c {
				s.conns[addr] = nil
			}
			s.mu.Unlock()
			_ = c.Close()
			continue
		}
		obs.BytesForwardedTotal.WithLabelValues("additional").Add(float64(len(chunk)))
	}
}

// fanOutPool sends chunk to every pre-accepted socket in the working set.
// Failed sockets leave the working set; closing them is the pool's job.
func (s *sinkSet) fanOutPool(chunk []byte, f obs.Fields) {
	s.mu.Lock()
	if s.closed || len(s.pool) == 0 {
		s.mu.Unlock()
		return
	}
	members := append([]*PoolConn(nil), s.pool...)
	s.mu.Unlock()

	var failed []*PoolConn
	for _, c := range members {
		if _, err := c.Write(chunk); err != nil {
			obs.Warn("bridge.pool.send", withFields(f, obs.Fields{"aux": c.RemoteAddr().String(), "err": err.Error()}))
			obs.ErrorsTotal.WithLabelValues("pool_send").Inc()
			failed = append(failed, c)
			continue
		}
		obs.BytesForwardedTotal.WithLabelValues("pool").Add(float64(len(chunk)))
	}
	if len(failed) == 0 {
		return
	}
	s.mu.Lock()
	kept := s.pool[:0]
	for _, c := range s.pool {
		if !slices.Contains(failed, c) {
			kept = append(kept, c)
		}
	}
	s.pool = kept
	s.mu.Unlock()
}

// members returns the current working set of pool sockets.
func (s *sinkSet) members() []*PoolConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*PoolConn(nil), s.pool...)
}

// connected reports whether addr currently has a live socket.
func (s *sinkSet) connected(addr string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conns[addr] != nil
}

// close releases every sink. Dialed sockets and consumed plain-pool sockets
// are closed; reuse-pool sockets are only forgotten.
func (s *sinkSet) close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	var toClose []net.Conn
	for a, c := range s.conns {
		if c != nil {
			toClose = append(toClose, c)
		}
		delete(s.conns, a)
	}
	for _, c := range s.plain {
		toClose = append(toClose, c)
	}
	s.plain = nil
	s.pool = nil
	s.mu.Unlock()
	for _, c := range toClose {
		_ = c.Close()
	}
}

func withFields(base, extra obs.Fields) obs.Fields {
	out := make(obs.Fields, len(base)+len(extra))
	maps.Copy(out, base)
	maps.Copy(out, extra)
	return out
}
