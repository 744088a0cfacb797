// Package proxy runs one configured proxy definition: its listeners, its
// outbound control-channel loop, and the construction of bridges for every
// socket they produce.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/matst80/bridgeproxy/internal/bridge"
	"github.com/matst80/bridgeproxy/internal/config"
	"github.com/matst80/bridgeproxy/internal/obs"
	"github.com/matst80/bridgeproxy/internal/ratelimit"
	"github.com/matst80/bridgeproxy/internal/rendezvous"
	"github.com/matst80/bridgeproxy/internal/state"
)

// Listener kinds reported by Addr.
const (
	Primary          = "primary"
	Additional       = "additional"
	AdditionalReuse  = "additional_reuse"
	RendezvousListen = "rendezvous"
)

// Instance is one proxy definition at runtime.
type Instance struct {
	name     string
	settings config.Settings
	store    state.Store
	dialer   bridge.Dialer

	plain *bridge.Pool
	reuse *bridge.Pool
	queue *rendezvous.Queue

	// reconnect paces restarts of the outbound control loop.
	reconnect *ratelimit.TokenBucket

	mu        sync.Mutex
	manager   net.Conn
	listeners map[string]net.Listener
	started   bool
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an instance. store may be nil.
func New(name string, s config.Settings, store state.Store) *Instance {
	if store == nil {
		store = state.NewMemory()
	}
	return &Instance{
		name:      name,
		settings:  s,
		store:     store,
		dialer:    &net.Dialer{},
		plain:     bridge.NewPool(name + "/" + Additional),
		reuse:     bridge.NewPool(name + "/" + AdditionalReuse),
		queue:     rendezvous.NewQueue(),
		reconnect: ratelimit.NewTokenBucket(1, 3),
		listeners: make(map[string]net.Listener),
	}
}

func (i *Instance) Name() string { return i.name }

// Addr returns the bound address of a listener kind, or nil when that
// listener is not configured or not started.
func (i *Instance) Addr(kind string) net.Addr {
	i.mu.Lock()
	defer i.mu.Unlock()
	if ln, ok := i.listeners[kind]; ok {
		return ln.Addr()
	}
	return nil
}

// PendingSlots returns the number of bridges waiting for a rendezvous data
// connection.
func (i *Instance) PendingSlots() int { return i.queue.Len() }

// Start binds every configured listener, then launches the accept and
// connect loops and returns. A bind failure closes what was already bound.
func (i *Instance) Start(ctx context.Context) error {
	i.mu.Lock()
	if i.started || i.closed {
		i.mu.Unlock()
		return errors.New("instance already started")
	}
	i.started = true
	i.ctx, i.cancel = context.WithCancel(ctx)
	i.mu.Unlock()

	binds := []struct {
		kind string
		addr string
	}{
		{Primary, i.settings.Listen},
		{Additional, i.settings.AdditionalListen},
		{AdditionalReuse, i.settings.AdditionalListenReuse},
		{RendezvousListen, i.settings.RendezvousListen},
	}
	for _, b := range binds {
		if b.addr == "" {
			continue
		}
		ln, err := net.Listen("tcp", b.addr)
		if err != nil {
			obs.Error("listen."+b.kind, obs.Fields{"err": err.Error(), "addr": b.addr, "proxy": i.name})
			i.Close()
			return fmt.Errorf("%s: listen %s %s: %w", i.name, b.kind, b.addr, err)
		}
		i.mu.Lock()
		i.listeners[b.kind] = ln
		i.mu.Unlock()
		obs.Info("listen."+b.kind, obs.Fields{"addr": ln.Addr().String(), "proxy": i.name})
	}

	i.mu.Lock()
	lns := make(map[string]net.Listener, len(i.listeners))
	for k, ln := range i.listeners {
		lns[k] = ln
	}
	i.mu.Unlock()

	if ln, ok := lns[Primary]; ok {
		i.spawn(func() { i.acceptPrimary(ln) })
	}
	if ln, ok := lns[Additional]; ok {
		i.spawn(func() { i.acceptAuxiliary(ln, i.plain) })
	}
	if ln, ok := lns[AdditionalReuse]; ok {
		i.spawn(func() { i.acceptAuxiliary(ln, i.reuse) })
	}
	if i.settings.Connect != "" {
		i.spawn(i.connectLoop)
	}
	if ln, ok := lns[RendezvousListen]; ok {
		i.spawn(func() { i.acceptRendezvous(ln) })
	}
	go func() {
		<-i.ctx.Done()
		i.Close()
	}()
	return nil
}

// Run starts the instance and blocks until ctx is done.
func (i *Instance) Run(ctx context.Context) error {
	if err := i.Start(ctx); err != nil {
		return err
	}
	i.Wait()
	return nil
}

// Wait blocks until a started instance is stopped by its context or Close,
// then waits for the accept and connect loops to return.
func (i *Instance) Wait() {
	i.mu.Lock()
	ctx := i.ctx
	i.mu.Unlock()
	if ctx == nil {
		return
	}
	<-ctx.Done()
	i.Close()
	i.wg.Wait()
}

// Close stops the loops: listeners and the control channel are closed,
// pending rendezvous slots are invalidated and the auxiliary pools emptied.
// Live bridges are not drained.
func (i *Instance) Close() {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		return
	}
	i.closed = true
	if i.cancel != nil {
		i.cancel()
	}
	lns := i.listeners
	mgr := i.manager
	i.manager = nil
	i.mu.Unlock()

	for _, ln := range lns {
		_ = ln.Close()
	}
	if mgr != nil {
		_ = mgr.Close()
	}
	if n := i.queue.Clear(); n > 0 {
		obs.Info("rendezvous.queue.cleared", obs.Fields{"proxy": i.name, "pending": n})
	}
	i.plain.Close()
	i.reuse.Close()
}

func (i *Instance) spawn(fn func()) {
	i.wg.Add(1)
	go func() {
		defer i.wg.Done()
		fn()
	}()
}

// accept wraps ln.Accept and reports false once the listener is closed for
// good. Other errors are logged and retried.
func (i *Instance) accept(ln net.Listener, kind string) (net.Conn, bool) {
	for {
		c, err := ln.Accept()
		if err == nil {
			return c, true
		}
		if i.ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
			return nil, false
		}
		obs.Error("accept."+kind, obs.Fields{"err": err.Error(), "proxy": i.name})
		obs.ErrorsTotal.WithLabelValues("accept_" + kind).Inc()
		select {
		case <-i.ctx.Done():
			return nil, false
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func (i *Instance) acceptPrimary(ln net.Listener) {
	for {
		c, ok := i.accept(ln, Primary)
		if !ok {
			return
		}
		obs.Info("accept.primary", obs.Fields{"proxy": i.name, "listener": ln.Addr().String(), "remote": c.RemoteAddr().String()})
		go i.createBridge(c)
	}
}

func (i *Instance) acceptAuxiliary(ln net.Listener, pool *bridge.Pool) {
	for {
		c, ok := i.accept(ln, pool.Name())
		if !ok {
			return
		}
		obs.Info("accept.auxiliary", obs.Fields{"pool": pool.Name(), "listener": ln.Addr().String(), "remote": c.RemoteAddr().String()})
		pool.Add(c)
	}
}

// createBridge is the shared construction procedure for every new inbound
// connection. It may block waiting for a rendezvous data connection, so
// callers run it on its own goroutine.
func (i *Instance) createBridge(c net.Conn) *bridge.Bridge {
	i.plain.Prune()
	i.reuse.Prune()

	s := i.settings
	b := bridge.New(c, bridge.Options{
		RedirectAddress:           s.Redirect,
		AdditionalAddresses:       s.AdditionalAddresses,
		AdditionalConnectTryCount: s.AdditionalConnectTryCount,
		MirrorMode:                s.MirrorMode,
		LogMode:                   s.LogMode,
		LogFileNameFormat:         s.LogFileNameFormat,
		Dialer:                    i.dialer,
	}, i.plain.Snapshot(), i.reuse.Snapshot())

	sess := state.Session{
		ID:       b.ID(),
		Instance: i.name,
		Remote:   c.RemoteAddr().String(),
		Local:    c.LocalAddr().String(),
		Created:  b.Created(),
	}
	if err := i.store.Register(sess); err != nil {
		obs.Error("state.register", obs.Fields{"err": err.Error(), "id": b.ID()})
	}
	b.OnDisposed(func(b *bridge.Bridge) { i.store.Unregister(b.ID()) })

	mgr, rendezvousBound := i.rendezvousRoute()
	switch {
	case mgr != nil && rendezvousBound:
		dest, err := i.requestDataConn(mgr)
		if err != nil {
			obs.Error("rendezvous.request", obs.Fields{"err": err.Error(), "proxy": i.name, "id": b.ID()})
			obs.ErrorsTotal.WithLabelValues("rendezvous").Inc()
			b.Dispose()
			return b
		}
		b.Start(i.ctx, dest)
	case s.RendezvousListen != "":
		obs.Warn("rendezvous.no_manager", obs.Fields{"proxy": i.name, "remote": sess.Remote})
		obs.ErrorsTotal.WithLabelValues("no_manager").Inc()
		b.Dispose()
	default:
		b.Start(i.ctx, nil)
	}
	return b
}
