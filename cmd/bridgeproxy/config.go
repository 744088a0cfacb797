package main

import (
	"fmt"
	"io"

	"github.com/spf13/pflag"
)

const defaultConfigFile = "proxyconfig.json"

// Config holds the process settings taken from the command line. Proxy
// definitions live in the file named by ConfigPath.
type Config struct {
	ConfigPath    string
	MetricsAddr   string
	Debug         bool
	LogFormat     string
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// parseFlags reads args (without the program name). The first positional
// argument names the config file unless --config was given.
func parseFlags(args []string, stderr io.Writer) (Config, error) {
	var cfg Config
	fs := pflag.NewFlagSet("bridgeproxy", pflag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVarP(&cfg.ConfigPath, "config", "c", defaultConfigFile, "proxy definition file (JSON with comments, or YAML by extension)")
	fs.StringVar(&cfg.MetricsAddr, "metrics", "", "listen address for /metrics, /healthz, /readyz, /api/state and /dashboard (empty disables)")
	fs.BoolVar(&cfg.Debug, "debug", false, "log every relayed chunk")
	fs.StringVar(&cfg.LogFormat, "log-format", "json", "log encoding: json or console")
	fs.StringVar(&cfg.RedisAddr, "redis", "", "Redis address for the shared session registry (empty keeps sessions in memory)")
	fs.StringVar(&cfg.RedisPassword, "redis-password", "", "Redis password")
	fs.IntVar(&cfg.RedisDB, "redis-db", 0, "Redis database number")
	if err := fs.Parse(args); err != nil {
		return cfg, err
	}
	if !fs.Changed("config") && fs.NArg() > 0 {
		cfg.ConfigPath = fs.Arg(0)
	}
	switch cfg.LogFormat {
	case "json", "console":
	default:
		return cfg, fmt.Errorf("unknown log format %q", cfg.LogFormat)
	}
	return cfg, nil
}
