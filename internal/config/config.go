package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/tidwall/jsonc"
	"gopkg.in/yaml.v3"
)

// ErrNoProxies is returned when a definition file contains no proxies.
var ErrNoProxies = errors.New("no proxy definitions")

// Settings is the validated runtime configuration of one proxy instance.
// Empty address fields disable the corresponding loop.
type Settings struct {
	Name                      string
	Listen                    string
	AdditionalListen          string
	AdditionalListenReuse     string
	Redirect                  string
	Connect                   string
	RendezvousListen          string
	AdditionalAddresses       []string
	AdditionalConnectTryCount int
	MirrorMode                bool
	LogMode                   bool
	LogFileNameFormat         string
}

// Definition is one proxy entry as written in the definition file. JSON keys
// follow the original PascalCase format, YAML keys are snake_case.
type Definition struct {
	Name                         string   `json:"Name" yaml:"name"`
	ListenAddress                string   `json:"ListenAddress" yaml:"listen_address"`
	AdditionalListenAddress      string   `json:"AdditionalListenAddress" yaml:"additional_listen_address"`
	AdditionalListenAddressReuse string   `json:"AdditionalListenAddressReuse" yaml:"additional_listen_address_reuse"`
	RedirectAddress              string   `json:"RedirectAddress" yaml:"redirect_address"`
	ConnectAddress               string   `json:"ConnectAddress" yaml:"connect_address"`
	TwoWayConnectListenAddress   string   `json:"TwoWayConnectListenAddress" yaml:"two_way_connect_listen_address"`
	AdditionalAddresses          []string `json:"AdditionalAddresses" yaml:"additional_addresses"`
	AdditionalConnectTryCount    *int     `json:"AdditionalConnectTryCount" yaml:"additional_connect_try_count"`
	MirrorMode                   bool     `json:"MirrorMode" yaml:"mirror_mode"`
	LogMode                      bool     `json:"LogMode" yaml:"log_mode"`
	LogFileNameFormat            string   `json:"LogFileNameFormat" yaml:"log_file_name_format"`
}

// Load reads a proxy definition file. Files ending in .yaml or .yml are
// decoded as YAML, anything else as JSON (comments and trailing commas are
// tolerated).
func Load(path string) ([]Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var defs []Definition
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &defs)
	default:
		err = json.Unmarshal(jsonc.ToJSON(data), &defs)
	}
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return Parse(defs)
}

// Parse validates definitions and converts them to runtime settings.
func Parse(defs []Definition) ([]Settings, error) {
	if len(defs) == 0 {
		return nil, ErrNoProxies
	}
	out := make([]Settings, 0, len(defs))
	for i, d := range defs {
		s, err := d.settings()
		if err != nil {
			return nil, fmt.Errorf("proxy[%d]: %w", i, err)
		}
		if s.Name == "" {
			s.Name = fmt.Sprintf("proxy-%d", i)
		}
		out = append(out, s)
	}
	return out, nil
}

func (d Definition) settings() (Settings, error) {
	s := Settings{
		Name:                      strings.TrimSpace(d.Name),
		AdditionalConnectTryCount: 1,
		MirrorMode:                d.MirrorMode,
		LogMode:                   d.LogMode,
		LogFileNameFormat:         d.LogFileNameFormat,
	}
	if d.AdditionalConnectTryCount != nil {
		if *d.AdditionalConnectTryCount < 1 {
			return Settings{}, fmt.Errorf("AdditionalConnectTryCount must be at least 1, got %d", *d.AdditionalConnectTryCount)
		}
		s.AdditionalConnectTryCount = *d.AdditionalConnectTryCount
	}
	fields := []struct {
		key string
		in  string
		out *string
	}{
		{"ListenAddress", d.ListenAddress, &s.Listen},
		{"AdditionalListenAddress", d.AdditionalListenAddress, &s.AdditionalListen},
		{"AdditionalListenAddressReuse", d.AdditionalListenAddressReuse, &s.AdditionalListenReuse},
		{"RedirectAddress", d.RedirectAddress, &s.Redirect},
		{"ConnectAddress", d.ConnectAddress, &s.Connect},
		{"TwoWayConnectListenAddress", d.TwoWayConnectListenAddress, &s.RendezvousListen},
	}
	for _, f := range fields {
		ep, err := ParseEndpoint(f.in)
		if err != nil {
			return Settings{}, fmt.Errorf("%s: %w", f.key, err)
		}
		*f.out = ep
	}
	for j, a := range d.AdditionalAddresses {
		ep, err := ParseEndpoint(a)
		if err != nil {
			return Settings{}, fmt.Errorf("AdditionalAddresses[%d]: %w", j, err)
		}
		if ep == "" || slices.Contains(s.AdditionalAddresses, ep) {
			continue
		}
		s.AdditionalAddresses = append(s.AdditionalAddresses, ep)
	}
	return s, nil
}
