// Command bridgeproxy runs every proxy definition from a config file until
// "exit" is typed on stdin or the process is signalled.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/matst80/bridgeproxy/internal/config"
	"github.com/matst80/bridgeproxy/internal/obs"
	"github.com/matst80/bridgeproxy/internal/proxy"
	"github.com/matst80/bridgeproxy/internal/state"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stdin, os.Stdout, os.Stderr))
}

func run(args []string, stdin io.Reader, stdout, stderr io.Writer) int {
	cfg, err := parseFlags(args, stderr)
	if errors.Is(err, pflag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	obs.Configure(obs.Options{Debug: cfg.Debug, Format: cfg.LogFormat})
	defer obs.Sync()

	fmt.Fprint(stdout, consoleHelp)

	obs.Info("config.load", obs.Fields{"file": cfg.ConfigPath})
	settings, err := config.Load(cfg.ConfigPath)
	if err != nil {
		obs.Error("config.load", obs.Fields{"err": err.Error(), "file": cfg.ConfigPath})
		return 1
	}

	store, err := state.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		obs.Error("state.init", obs.Fields{"err": err.Error()})
		return 1
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	insts := make([]*proxy.Instance, 0, len(settings))
	for _, s := range settings {
		inst := proxy.New(s.Name, s, store)
		if err := inst.Start(gctx); err != nil {
			obs.Error("proxy.start", obs.Fields{"err": err.Error(), "proxy": s.Name})
			stop()
			_ = g.Wait()
			return 1
		}
		insts = append(insts, inst)
		g.Go(func() error {
			inst.Wait()
			return nil
		})
	}

	if cfg.MetricsAddr != "" {
		h := newHTTPHandler(store, insts)
		g.Go(func() error { return serveHTTP(gctx, cfg.MetricsAddr, h) })
	}

	store.SetReady(true)
	obs.Info("proxy.ready", obs.Fields{"proxies": len(insts)})
	fmt.Fprintln(stdout, "Enter command")

	go func() {
		if runConsole(stdin, stdout) {
			obs.Info("console.exit", nil)
			stop()
		}
	}()

	<-gctx.Done()
	store.SetClosing(true)
	obs.Info("shutdown.signal", nil)
	err = g.Wait()
	obs.Info("shutdown.complete", nil)
	if err != nil {
		obs.Error("shutdown", obs.Fields{"err": err.Error()})
		return 1
	}
	return 0
}
