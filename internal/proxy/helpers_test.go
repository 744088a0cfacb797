package proxy

import (
	"bytes"
	"context"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/matst80/bridgeproxy/internal/config"
	"github.com/matst80/bridgeproxy/internal/state"
)

const loopback = "127.0.0.1:0"

func startInstance(t *testing.T, name string, s config.Settings, store state.Store) *Instance {
	t.Helper()
	i := New(name, s, store)
	ctx, cancel := context.WithCancel(context.Background())
	if err := i.Start(ctx); err != nil {
		cancel()
		t.Fatalf("start %s: %v", name, err)
	}
	t.Cleanup(func() {
		cancel()
		i.Close()
		i.wg.Wait()
	})
	return i
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func dial(t *testing.T, a net.Addr) net.Conn {
	t.Helper()
	if a == nil {
		t.Fatal("listener not bound")
	}
	c, err := net.Dial("tcp", a.String())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func readN(t *testing.T, c net.Conn, n int) []byte {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	defer c.SetReadDeadline(time.Time{})
	p := make([]byte, n)
	if _, err := io.ReadFull(c, p); err != nil {
		t.Fatalf("read %d bytes: %v", n, err)
	}
	return p
}

// expectClosed fails unless the peer closes c.
func expectClosed(t *testing.T, c net.Conn) {
	t.Helper()
	_ = c.SetReadDeadline(time.Now().Add(3 * time.Second))
	p := make([]byte, 16)
	for {
		_, err := c.Read(p)
		if err == nil {
			continue
		}
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			t.Fatal("connection still open")
		}
		return
	}
}

// recorder is a TCP server that keeps every accepted connection and what it
// received. With echo set it writes received bytes back.
type recorder struct {
	ln    net.Listener
	echo  bool
	mu    sync.Mutex
	buf   bytes.Buffer
	conns []net.Conn
}

func newRecorder(t *testing.T, echo bool) *recorder {
	t.Helper()
	ln, err := net.Listen("tcp", loopback)
	if err != nil {
		t.Fatal(err)
	}
	r := &recorder{ln: ln, echo: echo}
	t.Cleanup(r.close)
	go r.serve()
	return r
}

func (r *recorder) serve() {
	for {
		c, err := r.ln.Accept()
		if err != nil {
			return
		}
		r.mu.Lock()
		r.conns = append(r.conns, c)
		r.mu.Unlock()
		go func() {
			p := make([]byte, 1024)
			for {
				n, err := c.Read(p)
				if n > 0 {
					r.mu.Lock()
					r.buf.Write(p[:n])
					r.mu.Unlock()
					if r.echo {
						_, _ = c.Write(p[:n])
					}
				}
				if err != nil {
					return
				}
			}
		}()
	}
}

func (r *recorder) addr() string { return r.ln.Addr().String() }

func (r *recorder) received() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.buf.String()
}

func (r *recorder) accepted() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

func (r *recorder) conn(n int) net.Conn {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.conns[n]
}

func (r *recorder) close() {
	_ = r.ln.Close()
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, c := range r.conns {
		_ = c.Close()
	}
}
