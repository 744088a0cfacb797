package proxy

import (
	"fmt"
	"net"

	"github.com/matst80/bridgeproxy/internal/obs"
	"github.com/matst80/bridgeproxy/internal/proto"
)

// rendezvousRoute reports the current manager and whether this instance
// accepts rendezvous data connections.
func (i *Instance) rendezvousRoute() (net.Conn, bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	_, bound := i.listeners[RendezvousListen]
	return i.manager, bound
}

// requestDataConn asks the manager for one data connection and waits for it
// to arrive on the rendezvous listener. The slot is enqueued before the
// request is sent so the answer can never be mistaken for a new manager.
func (i *Instance) requestDataConn(mgr net.Conn) (net.Conn, error) {
	slot := i.queue.Enqueue()
	obs.RendezvousRequests.Inc()
	if err := proto.WriteRequest(mgr, 1); err != nil {
		i.queue.Cancel(slot)
		return nil, fmt.Errorf("send request to manager %s: %w", mgr.RemoteAddr(), err)
	}
	c, err := slot.Wait(i.ctx)
	if err != nil {
		i.queue.Cancel(slot)
		return nil, err
	}
	return c, nil
}

// acceptRendezvous pairs each accepted socket with the oldest pending slot.
// With nothing pending the socket becomes the new manager.
func (i *Instance) acceptRendezvous(ln net.Listener) {
	for {
		c, ok := i.accept(ln, RendezvousListen)
		if !ok {
			return
		}
		if i.queue.Fulfill(c) {
			obs.Info("rendezvous.fulfilled", obs.Fields{"proxy": i.name, "remote": c.RemoteAddr().String(), "pending": i.queue.Len()})
			continue
		}
		i.replaceManager(c, true)
	}
}

// replaceManager installs c as the control channel and closes the previous
// one. With watch set, c is monitored and dropped when its peer goes away.
func (i *Instance) replaceManager(c net.Conn, watch bool) {
	i.mu.Lock()
	if i.closed {
		i.mu.Unlock()
		_ = c.Close()
		return
	}
	old := i.manager
	i.manager = c
	i.mu.Unlock()

	if old != nil {
		obs.Info("rendezvous.manager.replaced", obs.Fields{"proxy": i.name, "old": old.RemoteAddr().String(), "new": c.RemoteAddr().String()})
		obs.ManagerReplacedTotal.Inc()
		_ = old.Close()
	}
	obs.Info("rendezvous.manager.created", obs.Fields{"proxy": i.name, "remote": c.RemoteAddr().String()})
	if watch {
		go i.watchManager(c)
	}
}

// dropManager clears the manager reference if it still points at c. It
// reports whether it did.
func (i *Instance) dropManager(c net.Conn) bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.manager != c {
		return false
	}
	i.manager = nil
	return true
}

// watchManager waits for the manager's peer to hang up. Requests sent to a
// dead manager are never answered, so the slots behind them are invalidated.
func (i *Instance) watchManager(c net.Conn) {
	buf := make([]byte, 256)
	var err error
	for err == nil {
		_, err = c.Read(buf)
	}
	_ = c.Close()
	if !i.dropManager(c) {
		return
	}
	n := i.queue.Clear()
	obs.Warn("rendezvous.manager.lost", obs.Fields{"proxy": i.name, "remote": c.RemoteAddr().String(), "err": err.Error(), "invalidated": n})
}

// connectLoop keeps a control channel open to the connect address and opens
// data connections on request. Any failure restarts it from the top.
func (i *Instance) connectLoop() {
	addr := i.settings.Connect
	buf := make([]byte, 4096)
	for {
		if err := i.reconnect.Wait(i.ctx); err != nil {
			return
		}
		obs.Info("control.connecting", obs.Fields{"proxy": i.name, "addr": addr})
		c, err := i.dialer.DialContext(i.ctx, "tcp", addr)
		if err != nil {
			if i.ctx.Err() != nil {
				return
			}
			obs.Error("control.connect", obs.Fields{"proxy": i.name, "addr": addr, "err": err.Error()})
			obs.ErrorsTotal.WithLabelValues("control_connect").Inc()
			continue
		}
		obs.Info("control.connected", obs.Fields{"proxy": i.name, "remote": c.RemoteAddr().String()})
		i.replaceManager(c, false)

		err = i.serveControl(c, buf)
		i.dropManager(c)
		_ = c.Close()
		if i.ctx.Err() != nil {
			return
		}
		obs.Error("control.error", obs.Fields{"proxy": i.name, "addr": addr, "err": err.Error()})
		obs.ErrorsTotal.WithLabelValues("control").Inc()
	}
}

// serveControl reads request units from c and opens one data connection per
// unit, each becoming a bridge with no preset destination.
func (i *Instance) serveControl(c net.Conn, buf []byte) error {
	addr := i.settings.Connect
	for {
		n, err := proto.ReadRequest(c, buf)
		if err != nil {
			return err
		}
		obs.Info("control.request", obs.Fields{"proxy": i.name, "count": n})
		for k := 0; k < n; k++ {
			d, err := i.dialer.DialContext(i.ctx, "tcp", addr)
			if err != nil {
				return fmt.Errorf("open data connection: %w", err)
			}
			obs.Debug("control.data.connected", obs.Fields{"proxy": i.name, "remote": d.RemoteAddr().String()})
			go i.createBridge(d)
		}
	}
}
