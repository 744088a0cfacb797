package proxy

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/matst80/bridgeproxy/internal/config"
	"github.com/matst80/bridgeproxy/internal/state"
)

func TestRedirectRoundTrip(t *testing.T) {
	echo := newRecorder(t, true)
	i := startInstance(t, "redirect", config.Settings{Listen: loopback, Redirect: echo.addr()}, nil)

	c := dial(t, i.Addr(Primary))
	if _, err := c.Write([]byte("PING")); err != nil {
		t.Fatal(err)
	}
	if got := string(readN(t, c, 4)); got != "PING" {
		t.Fatalf("reply = %q, want PING", got)
	}
}

func TestMirrorWithoutDestination(t *testing.T) {
	i := startInstance(t, "mirror", config.Settings{Listen: loopback, MirrorMode: true}, nil)

	c := dial(t, i.Addr(Primary))
	if _, err := c.Write([]byte("hello")); err != nil {
		t.Fatal(err)
	}
	if got := string(readN(t, c, 5)); got != "hello" {
		t.Fatalf("mirror = %q", got)
	}
}

func TestStartBindFailure(t *testing.T) {
	busy, err := net.Listen("tcp", loopback)
	if err != nil {
		t.Fatal(err)
	}
	defer busy.Close()

	i := New("busy", config.Settings{Listen: busy.Addr().String()}, nil)
	if err := i.Start(t.Context()); err == nil {
		t.Fatal("expected bind error")
	}
	if i.Addr(Primary) != nil {
		t.Error("listener recorded after failed bind")
	}
	if err := i.Start(t.Context()); err == nil {
		t.Error("second Start after failure should error")
	}
}

func TestStartTwice(t *testing.T) {
	i := startInstance(t, "twice", config.Settings{Listen: loopback}, nil)
	if err := i.Start(t.Context()); err == nil {
		t.Fatal("second Start should error")
	}
}

func TestAuxiliaryPlainPoolReceivesCopiesAndIsClosed(t *testing.T) {
	sink := newRecorder(t, false)
	i := startInstance(t, "aux", config.Settings{
		Listen:           loopback,
		AdditionalListen: loopback,
		Redirect:         sink.addr(),
	}, nil)

	aux := dial(t, i.Addr(Additional))
	eventually(t, "aux socket in pool", func() bool { return i.plain.Len() == 1 })

	c := dial(t, i.Addr(Primary))
	if _, err := c.Write([]byte("DATA")); err != nil {
		t.Fatal(err)
	}
	if got := string(readN(t, aux, 4)); got != "DATA" {
		t.Fatalf("aux got %q", got)
	}
	eventually(t, "redirect copy", func() bool { return sink.received() == "DATA" })

	c.Close()
	expectClosed(t, aux)
}

func TestAuxiliaryReusePoolSurvivesBridge(t *testing.T) {
	i := startInstance(t, "reuse", config.Settings{
		Listen:                loopback,
		AdditionalListenReuse: loopback,
		MirrorMode:            true,
	}, nil)

	aux := dial(t, i.Addr(AdditionalReuse))
	eventually(t, "aux socket in pool", func() bool { return i.reuse.Len() == 1 })

	for _, msg := range []string{"one", "two"} {
		c := dial(t, i.Addr(Primary))
		if _, err := c.Write([]byte(msg)); err != nil {
			t.Fatal(err)
		}
		if got := string(readN(t, aux, len(msg))); got != msg {
			t.Fatalf("aux got %q, want %q", got, msg)
		}
		readN(t, c, len(msg))
		c.Close()
	}
}

func TestSessionsTracked(t *testing.T) {
	store := state.NewMemory()
	i := startInstance(t, "sessions", config.Settings{Listen: loopback, MirrorMode: true}, store)

	c := dial(t, i.Addr(Primary))
	_, _ = c.Write([]byte("x"))
	readN(t, c, 1)
	eventually(t, "session registered", func() bool { return len(store.Sessions()) == 1 })
	if s := store.Sessions()[0]; s.Instance != "sessions" {
		t.Errorf("session instance = %q", s.Instance)
	}

	c.Close()
	eventually(t, "session removed", func() bool { return len(store.Sessions()) == 0 })
}

func TestRunReturnsOnCancel(t *testing.T) {
	i := New("run", config.Settings{Listen: loopback}, nil)
	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- i.Run(ctx) }()
	eventually(t, "listener bound", func() bool { return i.Addr(Primary) != nil })

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("Run did not return")
	}
	if _, err := net.Dial("tcp", i.Addr(Primary).String()); err == nil {
		t.Error("listener still accepting after Run returned")
	}
}
