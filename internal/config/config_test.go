package config

import (
	"errors"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestParseEndpoint(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"", "", false},
		{"   ", "", false},
		{"127.0.0.1:9000", "127.0.0.1:9000", false},
		{" 10.0.0.1:80 ", "10.0.0.1:80", false},
		{":9000", ":9000", false},
		{"localhost:0", "localhost:0", false},
		{"[::1]:443", "[::1]:443", false},
		{"127.0.0.1", "", true},
		{"127.0.0.1:http", "", true},
		{"127.0.0.1:70000", "", true},
		{"a b:1", "", true},
	}
	for _, tt := range tests {
		got, err := ParseEndpoint(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseEndpoint(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseEndpoint(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLoad(t *testing.T) {
	tests := []struct {
		name     string
		file     string
		content  string
		wantErr  bool
		validate func(t *testing.T, got []Settings, err error)
	}{
		{
			name: "json with comments",
			file: "proxyconfig.json",
			content: `[
  // reachable side
  {
    "ListenAddress": "0.0.0.0:8000",
    "TwoWayConnectListenAddress": "0.0.0.0:8001",
    "AdditionalAddresses": ["127.0.0.1:7000", ""],
    "MirrorMode": true,
    "LogMode": true,
    "LogFileNameFormat": "logs/{1}.bin",
  },
  { "Name": "inner", "ConnectAddress": "203.0.113.5:8001", "RedirectAddress": "127.0.0.1:22", "AdditionalConnectTryCount": 3 }
]`,
			validate: func(t *testing.T, got []Settings, err error) {
				if len(got) != 2 {
					t.Fatalf("got %d settings, want 2", len(got))
				}
				want := Settings{
					Name:                      "proxy-0",
					Listen:                    "0.0.0.0:8000",
					RendezvousListen:          "0.0.0.0:8001",
					AdditionalAddresses:       []string{"127.0.0.1:7000"},
					AdditionalConnectTryCount: 1,
					MirrorMode:                true,
					LogMode:                   true,
					LogFileNameFormat:         "logs/{1}.bin",
				}
				if !reflect.DeepEqual(got[0], want) {
					t.Errorf("settings[0] = %+v, want %+v", got[0], want)
				}
				if got[1].Name != "inner" || got[1].Connect != "203.0.113.5:8001" || got[1].Redirect != "127.0.0.1:22" {
					t.Errorf("settings[1] = %+v", got[1])
				}
				if got[1].AdditionalConnectTryCount != 3 {
					t.Errorf("AdditionalConnectTryCount = %d, want 3", got[1].AdditionalConnectTryCount)
				}
			},
		},
		{
			name: "yaml",
			file: "proxies.yaml",
			content: `- name: edge
  listen_address: "127.0.0.1:9000"
  additional_listen_address: "127.0.0.1:9100"
  additional_listen_address_reuse: "127.0.0.1:9101"
  redirect_address: "127.0.0.1:9200"
`,
			validate: func(t *testing.T, got []Settings, err error) {
				if len(got) != 1 {
					t.Fatalf("got %d settings, want 1", len(got))
				}
				s := got[0]
				if s.Name != "edge" || s.Listen != "127.0.0.1:9000" || s.AdditionalListen != "127.0.0.1:9100" ||
					s.AdditionalListenReuse != "127.0.0.1:9101" || s.Redirect != "127.0.0.1:9200" {
					t.Errorf("unexpected settings %+v", s)
				}
			},
		},
		{
			name:    "duplicate additional addresses collapse",
			file:    "dup.json",
			content: `[{"ListenAddress": ":1", "AdditionalAddresses": ["127.0.0.1:7000", " 127.0.0.1:7000", "127.0.0.1:7001", "127.0.0.1:7000"]}]`,
			validate: func(t *testing.T, got []Settings, err error) {
				want := []string{"127.0.0.1:7000", "127.0.0.1:7001"}
				if !reflect.DeepEqual(got[0].AdditionalAddresses, want) {
					t.Errorf("AdditionalAddresses = %v, want %v", got[0].AdditionalAddresses, want)
				}
			},
		},
		{
			name:    "malformed address fails",
			file:    "bad.json",
			content: `[{"ListenAddress": "127.0.0.1"}]`,
			wantErr: true,
			validate: func(t *testing.T, got []Settings, err error) {
				if !strings.Contains(err.Error(), "ListenAddress") {
					t.Errorf("error %q does not name the field", err)
				}
			},
		},
		{
			name:    "zero retry count fails",
			file:    "bad.json",
			content: `[{"ListenAddress": ":1", "AdditionalConnectTryCount": 0}]`,
			wantErr: true,
		},
		{
			name:    "empty list",
			file:    "empty.json",
			content: `[]`,
			wantErr: true,
			validate: func(t *testing.T, got []Settings, err error) {
				if !errors.Is(err, ErrNoProxies) {
					t.Errorf("error = %v, want ErrNoProxies", err)
				}
			},
		},
		{
			name:    "null document",
			file:    "null.json",
			content: `null`,
			wantErr: true,
		},
		{
			name:    "unparsable",
			file:    "broken.json",
			content: `[{`,
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), tt.file)
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatal(err)
			}
			got, err := Load(path)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Load() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.validate != nil {
				tt.validate(t, got, err)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if !os.IsNotExist(err) {
		t.Errorf("Load(missing) = %v, want not-exist error", err)
	}
}
