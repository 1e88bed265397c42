package config_test

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lumenmesh/meshproto/internal/config"
)

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()

	if cfg.HTTP.Addr != ":8765" {
		t.Errorf("HTTP.Addr = %q, want %q", cfg.HTTP.Addr, ":8765")
	}
	if cfg.Metrics.Addr != ":9100" {
		t.Errorf("Metrics.Addr = %q, want %q", cfg.Metrics.Addr, ":9100")
	}
	if cfg.Mesh.TrickleIMin != 125*time.Millisecond {
		t.Errorf("Mesh.TrickleIMin = %v, want %v", cfg.Mesh.TrickleIMin, 125*time.Millisecond)
	}
	if cfg.Mesh.TrickleIMax != 6 {
		t.Errorf("Mesh.TrickleIMax = %d, want 6", cfg.Mesh.TrickleIMax)
	}
	if cfg.Mesh.TrickleK != 3 {
		t.Errorf("Mesh.TrickleK = %d, want 3", cfg.Mesh.TrickleK)
	}
	if cfg.Mesh.BDCPort != 1520 {
		t.Errorf("Mesh.BDCPort = %d, want 1520", cfg.Mesh.BDCPort)
	}

	if err := config.Validate(cfg); err != nil {
		t.Errorf("DefaultConfig() failed validation: %v", err)
	}
}

func TestLoadFromYAML(t *testing.T) {
	t.Parallel()

	yamlContent := `
http:
  addr: ":9999"
mesh:
  multicast_group: "239.1.1.1"
  multicast_port: 6000
  trickle_k: 5
items:
  - data_id: 1
    initial: "hello"
`
	dir := t.TempDir()
	path := filepath.Join(dir, "meshd.yaml")
	if err := os.WriteFile(path, []byte(yamlContent), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.HTTP.Addr != ":9999" {
		t.Errorf("HTTP.Addr = %q, want %q", cfg.HTTP.Addr, ":9999")
	}
	if cfg.Mesh.MulticastGroup != "239.1.1.1" {
		t.Errorf("Mesh.MulticastGroup = %q, want %q", cfg.Mesh.MulticastGroup, "239.1.1.1")
	}
	if cfg.Mesh.TrickleK != 5 {
		t.Errorf("Mesh.TrickleK = %d, want 5", cfg.Mesh.TrickleK)
	}
	// Fields absent from the YAML must retain their defaults.
	if cfg.Metrics.Addr != ":9100" {
		t.Errorf("Metrics.Addr = %q, want default %q", cfg.Metrics.Addr, ":9100")
	}
	if len(cfg.Items) != 1 || cfg.Items[0].DataID != 1 || cfg.Items[0].Initial != "hello" {
		t.Errorf("Items = %+v, want one item {DataID:1, Initial:hello}", cfg.Items)
	}
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("MESHD_HTTP_ADDR", ":7777")

	dir := t.TempDir()
	path := filepath.Join(dir, "meshd.yaml")
	if err := os.WriteFile(path, []byte("{}"), 0o600); err != nil {
		t.Fatalf("write temp config: %v", err)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.HTTP.Addr != ":7777" {
		t.Errorf("HTTP.Addr = %q, want env override %q", cfg.HTTP.Addr, ":7777")
	}
}

func TestValidate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		mutate  func(*config.Config)
		wantErr error
	}{
		{
			name:    "empty http addr",
			mutate:  func(c *config.Config) { c.HTTP.Addr = "" },
			wantErr: config.ErrEmptyHTTPAddr,
		},
		{
			name:    "empty multicast group",
			mutate:  func(c *config.Config) { c.Mesh.MulticastGroup = "" },
			wantErr: config.ErrEmptyMulticastGroup,
		},
		{
			name:    "invalid multicast group",
			mutate:  func(c *config.Config) { c.Mesh.MulticastGroup = "not-an-address" },
			wantErr: config.ErrInvalidMulticastGroup,
		},
		{
			name:    "zero trickle k",
			mutate:  func(c *config.Config) { c.Mesh.TrickleK = 0 },
			wantErr: config.ErrInvalidTrickleK,
		},
		{
			name:    "zero trickle i_min",
			mutate:  func(c *config.Config) { c.Mesh.TrickleIMin = 0 },
			wantErr: config.ErrInvalidTrickleIMin,
		},
		{
			name:    "fault rate out of range",
			mutate:  func(c *config.Config) { c.Mesh.BDCFaultRate = 1.5 },
			wantErr: config.ErrInvalidFaultRate,
		},
		{
			name: "duplicate item data_id",
			mutate: func(c *config.Config) {
				c.Items = []config.ItemConfig{{DataID: 1}, {DataID: 1}}
			},
			wantErr: config.ErrDuplicateItemDataID,
		},
		{
			name: "zero item data_id",
			mutate: func(c *config.Config) {
				c.Items = []config.ItemConfig{{DataID: 0}}
			},
			wantErr: config.ErrInvalidItemDataID,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := config.DefaultConfig()
			tt.mutate(cfg)

			err := config.Validate(cfg)
			if !errors.Is(err, tt.wantErr) {
				t.Errorf("Validate() error = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestParseLogLevel(t *testing.T) {
	t.Parallel()

	tests := map[string]string{
		"debug": "DEBUG",
		"INFO":  "INFO",
		"warn":  "WARN",
		"error": "ERROR",
		"huh":   "INFO",
	}

	for input, want := range tests {
		if got := config.ParseLogLevel(input).String(); got != want {
			t.Errorf("ParseLogLevel(%q) = %s, want %s", input, got, want)
		}
	}
}
