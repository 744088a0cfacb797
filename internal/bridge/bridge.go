// Package bridge relays one accepted or dialed source socket to an optional
// destination socket and fans the forward byte stream out to mirror, raw log
// file, auxiliary addresses and pre-accepted auxiliary sockets.
package bridge

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/matst80/bridgeproxy/internal/obs"
)

const readBufferSize = 64 << 10

// Dialer opens outbound connections. *net.Dialer satisfies it.
type Dialer interface {
	DialContext(ctx context.Context, network, address string) (net.Conn, error)
}

// Options selects the sinks of a bridge.
type Options struct {
	// RedirectAddress, when set, is dialed on the first received chunk if
	// the bridge has no destination yet.
	RedirectAddress string
	// AdditionalAddresses receive a copy of every forward chunk.
	AdditionalAddresses []string
	// AdditionalConnectTryCount is the number of dial attempts per chunk for
	// a fan-out address that is not connected. Values below 1 mean 1.
	AdditionalConnectTryCount int
	MirrorMode                bool
	LogMode                   bool
	LogFileNameFormat         string
	Dialer                    Dialer
}

// Bridge is one full-duplex relay between a source socket and at most one
// destination socket, plus its fan-out sinks.
type Bridge struct {
	id      string
	created time.Time
	source  net.Conn
	opts    Options
	sinks   *sinkSet
	logName string

	mu        sync.Mutex
	dest      net.Conn
	observers []func(*Bridge)

	disposed atomic.Bool
	once     sync.Once
	done     chan struct{}
}

// New wraps source. plain and reuse are snapshots of the auxiliary pools;
// plain sockets are closed when the bridge is disposed, reuse sockets are
// left to their pool.
func New(source net.Conn, opts Options, plain, reuse []*PoolConn) *Bridge {
	if opts.Dialer == nil {
		opts.Dialer = &net.Dialer{}
	}
	if opts.AdditionalConnectTryCount < 1 {
		opts.AdditionalConnectTryCount = 1
	}
	b := &Bridge{
		id:      instanceID(source),
		created: time.Now(),
		source:  source,
		opts:    opts,
		sinks:   newSinkSet(opts.AdditionalAddresses, plain, reuse),
		done:    make(chan struct{}),
	}
	if opts.LogMode {
		b.logName = FormatLogName(opts.LogFileNameFormat, b.created, b.id)
	}
	return b
}

// instanceID builds a file-name safe identifier from the socket endpoints
// plus a random suffix.
func instanceID(c net.Conn) string {
	parts := []string{addrString(c.RemoteAddr()), addrString(c.LocalAddr()), uuid.NewString()[:8]}
	r := strings.NewReplacer(".", "_", ":", "_", "[", "_", "]", "_", "/", "_")
	return r.Replace(strings.Join(parts, "_"))
}

func addrString(a net.Addr) string {
	if a == nil {
		return "none"
	}
	return a.String()
}

func (b *Bridge) ID() string            { return b.id }
func (b *Bridge) Created() time.Time    { return b.created }
func (b *Bridge) LogFileName() string   { return b.logName }
func (b *Bridge) Disposed() bool        { return b.disposed.Load() }
func (b *Bridge) Done() <-chan struct{} { return b.done }
func (b *Bridge) Destination() net.Conn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dest
}

// OnDisposed registers fn to run once when the bridge is disposed. If the
// bridge is already disposed fn runs immediately.
func (b *Bridge) OnDisposed(fn func(*Bridge)) {
	b.mu.Lock()
	if b.disposed.Load() {
		b.mu.Unlock()
		fn(b)
		return
	}
	b.observers = append(b.observers, fn)
	b.mu.Unlock()
}

// Start launches the relay goroutines and returns immediately. A non-nil
// dest becomes the destination and is relayed back to the source.
func (b *Bridge) Start(ctx context.Context, dest net.Conn) {
	if dest != nil {
		if !b.attach(dest) {
			return
		}
		go b.reverse(dest)
	}
	f := b.fields(nil)
	if b.opts.LogMode {
		f["log"] = b.LogFileName()
	}
	obs.Info("bridge.start", f)
	go b.forward(ctx)
}

// attach sets the destination once. It closes dest and reports false if the
// bridge was disposed in the meantime.
func (b *Bridge) attach(dest net.Conn) bool {
	b.mu.Lock()
	if b.disposed.Load() {
		b.mu.Unlock()
		_ = dest.Close()
		return false
	}
	b.dest = dest
	b.mu.Unlock()
	return true
}

// Dispose closes every owned socket and notifies observers. It is idempotent
// and safe to call from any goroutine.
func (b *Bridge) Dispose() {
	b.once.Do(func() {
		b.disposed.Store(true)
		b.mu.Lock()
		dest := b.dest
		observers := b.observers
		b.observers = nil
		b.mu.Unlock()

		_ = b.source.Close()
		if dest != nil {
			_ = dest.Close()
		}
		b.sinks.close()
		close(b.done)
		obs.BridgeDurationSeconds.Observe(time.Since(b.created).Seconds())
		obs.Debug("bridge.disposed", b.fields(nil))
		for _, fn := range observers {
			fn(b)
		}
	})
}

func (b *Bridge) forward(ctx context.Context) {
	buf := make([]byte, readBufferSize)
	for !b.disposed.Load() {
		n, err := b.source.Read(buf)
		if n > 0 && !b.relay(ctx, buf[:n]) {
			return
		}
		if err != nil {
			b.disconnect("source", err)
			return
		}
		if n == 0 {
			b.disconnect("source", nil)
			return
		}
	}
}

// relay delivers one chunk to every sink in order. It reports false once the
// bridge has been disposed.
func (b *Bridge) relay(ctx context.Context, chunk []byte) bool {
	if obs.DebugEnabled() {
		obs.Debug("bridge.data", b.fields(obs.Fields{"bytes": len(chunk)}))
	}

	dest := b.Destination()
	if b.opts.RedirectAddress != "" && dest == nil {
		c, err := b.opts.Dialer.DialContext(ctx, "tcp", b.opts.RedirectAddress)
		if err != nil {
			b.fail("bridge.redirect.connect", "redirect_connect", err, obs.Fields{"addr": b.opts.RedirectAddress})
			return false
		}
		if !b.attach(c) {
			return false
		}
		obs.Info("bridge.redirect.connected", b.fields(obs.Fields{"addr": b.opts.RedirectAddress}))
		dest = c
		go b.reverse(c)
	}

	if dest != nil {
		if _, err := dest.Write(chunk); err != nil {
			b.fail("bridge.destination.write", "destination_write", err, nil)
			return false
		}
		obs.BytesForwardedTotal.WithLabelValues("destination").Add(float64(len(chunk)))
	}

	if b.opts.MirrorMode {
		if _, err := b.source.Write(chunk); err != nil {
			b.fail("bridge.mirror.write", "mirror_write", err, nil)
			return false
		}
		obs.BytesForwardedTotal.WithLabelValues("mirror").Add(float64(len(chunk)))
	}

	if b.opts.LogMode {
		if err := b.appendLog(chunk); err != nil {
			b.fail("bridge.log.write", "log_write", err, obs.Fields{"file": b.logName})
			return false
		}
		obs.BytesForwardedTotal.WithLabelValues("log").Add(float64(len(chunk)))
	}

	f := b.fields(nil)
	b.sinks.fanOut(ctx, b.opts.Dialer, b.opts.AdditionalConnectTryCount, chunk, f)
	b.sinks.fanOutPool(chunk, f)
	return !b.disposed.Load()
}

// reverse copies destination bytes straight back to the source.
func (b *Bridge) reverse(dest net.Conn) {
	buf := make([]byte, readBufferSize)
	for !b.disposed.Load() {
		n, err := dest.Read(buf)
		if n > 0 {
			if _, werr := b.source.Write(buf[:n]); werr != nil {
				b.fail("bridge.source.write", "source_write", werr, nil)
				return
			}
			obs.BytesForwardedTotal.WithLabelValues("reverse").Add(float64(n))
		}
		if err != nil {
			b.disconnect("destination", err)
			return
		}
		if n == 0 {
			b.disconnect("destination", nil)
			return
		}
	}
}

func (b *Bridge) appendLog(chunk []byte) error {
	if dir := filepath.Dir(b.logName); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(b.logName, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	_, err = f.Write(chunk)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	return err
}

// disconnect handles a zero read or read error on one side of the bridge.
func (b *Bridge) disconnect(side string, err error) {
	if b.disposed.Load() {
		return
	}
	f := b.fields(obs.Fields{"side": side})
	if err == nil || errors.Is(err, io.EOF) {
		obs.Info("bridge.disconnect", f)
	} else {
		f["err"] = err.Error()
		obs.Error("bridge.receive", f)
		obs.ErrorsTotal.WithLabelValues(side + "_read").Inc()
	}
	b.Dispose()
}

// fail logs a bridge-fatal error and disposes the bridge. Errors caused by a
// concurrent disposal are not reported.
func (b *Bridge) fail(event, kind string, err error, extra obs.Fields) {
	if b.disposed.Load() {
		return
	}
	f := b.fields(extra)
	f["err"] = err.Error()
	obs.Error(event, f)
	obs.ErrorsTotal.WithLabelValues(kind).Inc()
	b.Dispose()
}

func (b *Bridge) fields(extra obs.Fields) obs.Fields {
	f := obs.Fields{
		"id":     b.id,
		"remote": addrString(b.source.RemoteAddr()),
		"local":  addrString(b.source.LocalAddr()),
	}
	if d := b.Destination(); d != nil {
		f["dest"] = addrString(d.RemoteAddr())
	}
	for k, v := range extra {
		f[k] = v
	}
	return f
}
