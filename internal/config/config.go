// Package config manages meshd daemon configuration using koanf/v2.
//
// Supports YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete meshd configuration.
type Config struct {
	HTTP    HTTPConfig      `koanf:"http"`
	Metrics MetricsConfig   `koanf:"metrics"`
	Log     LogConfig       `koanf:"log"`
	Mesh    MeshConfig      `koanf:"mesh"`
	Items   []ItemConfig    `koanf:"items"`
}

// HTTPConfig holds the control-plane HTTP server configuration.
type HTTPConfig struct {
	// Addr is the HTTP listen address (e.g., ":8765").
	Addr string `koanf:"addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9100").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// MeshConfig holds the network-wide BSS and BDC parameters.
type MeshConfig struct {
	// MulticastGroup is the BSS broadcast group address, an IPv4 multicast
	// address (e.g., "239.0.0.1").
	MulticastGroup string `koanf:"multicast_group"`

	// MulticastPort is the UDP port for BSS frames.
	MulticastPort uint16 `koanf:"multicast_port"`

	// Interface is the network interface used for the multicast group join.
	Interface string `koanf:"interface"`

	// BDCPort is the unicast UDP port for BDC signal/request/sub-packet
	// frames, fixed at 1520 per the wire format unless overridden.
	BDCPort uint16 `koanf:"bdc_port"`

	// TrickleIMin is i_min, the minimum Trickle interval.
	TrickleIMin time.Duration `koanf:"trickle_i_min"`

	// TrickleIMax is i_max, the Trickle doubling-count cap (max interval =
	// TrickleIMin * 2^TrickleIMax).
	TrickleIMax uint `koanf:"trickle_i_max"`

	// TrickleK is the Trickle redundancy constant.
	TrickleK int `koanf:"trickle_k"`

	// BDCPeriodMS paces BDC sub-packet emission and retransmission
	// requests, in milliseconds.
	BDCPeriodMS uint16 `koanf:"bdc_period_ms"`

	// BDCFaultRate is the probability, in [0, 1), that an arriving BDC
	// sub-packet is discarded by the receiver, simulating a lossy link.
	// Test/demo only.
	BDCFaultRate float64 `koanf:"bdc_fault_rate"`
}

// ItemConfig describes a declarative BSS item from the configuration file.
// Each entry registers a broadcast item on daemon startup.
type ItemConfig struct {
	// DataID identifies the item, unique within this node.
	DataID uint32 `koanf:"data_id"`

	// Initial is the item's initial value, as a UTF-8 string. Binary
	// values should be set via the control-plane API instead.
	Initial string `koanf:"initial"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults. The
// Trickle defaults (i_min = 125ms, i_max = 6, k = 3) match the worker's
// configuration for the broadcast state synchronisation timer.
func DefaultConfig() *Config {
	return &Config{
		HTTP: HTTPConfig{
			Addr: ":8765",
		},
		Metrics: MetricsConfig{
			Addr: ":9100",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Mesh: MeshConfig{
			MulticastGroup: "239.0.1.1",
			MulticastPort:  5683,
			BDCPort:        1520,
			TrickleIMin:    125 * time.Millisecond,
			TrickleIMax:    6,
			TrickleK:       3,
			BDCPeriodMS:    100,
			BDCFaultRate:   0,
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for meshd configuration.
// Variables are named MESHD_<section>_<key>, e.g., MESHD_HTTP_ADDR.
const envPrefix = "MESHD_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (MESHD_ prefix), and merges on top of DefaultConfig().
// Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	MESHD_HTTP_ADDR            -> http.addr
//	MESHD_METRICS_ADDR         -> metrics.addr
//	MESHD_METRICS_PATH         -> metrics.path
//	MESHD_LOG_LEVEL            -> log.level
//	MESHD_LOG_FORMAT           -> log.format
//	MESHD_MESH_MULTICAST_GROUP -> mesh.multicast_group
//
// Uses koanf/v2 with file + env providers and YAML parser.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	defaults := DefaultConfig()
	if err := loadDefaults(k, defaults); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms MESHD_MESH_MULTICAST_GROUP -> mesh.multicast_group.
// Strips the MESHD_ prefix, lowercases, and replaces the first _ (the
// section separator) with .
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.Replace(s, "_", ".", 1)
}

// loadDefaults marshals the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"http.addr":                defaults.HTTP.Addr,
		"metrics.addr":             defaults.Metrics.Addr,
		"metrics.path":             defaults.Metrics.Path,
		"log.level":                defaults.Log.Level,
		"log.format":               defaults.Log.Format,
		"mesh.multicast_group":     defaults.Mesh.MulticastGroup,
		"mesh.multicast_port":      defaults.Mesh.MulticastPort,
		"mesh.interface":           defaults.Mesh.Interface,
		"mesh.bdc_port":            defaults.Mesh.BDCPort,
		"mesh.trickle_i_min":       defaults.Mesh.TrickleIMin.String(),
		"mesh.trickle_i_max":       defaults.Mesh.TrickleIMax,
		"mesh.trickle_k":           defaults.Mesh.TrickleK,
		"mesh.bdc_period_ms":       defaults.Mesh.BDCPeriodMS,
		"mesh.bdc_fault_rate":      defaults.Mesh.BDCFaultRate,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyHTTPAddr indicates the control-plane HTTP listen address is empty.
	ErrEmptyHTTPAddr = errors.New("http.addr must not be empty")

	// ErrEmptyMulticastGroup indicates the BSS multicast group is empty.
	ErrEmptyMulticastGroup = errors.New("mesh.multicast_group must not be empty")

	// ErrInvalidMulticastGroup indicates the BSS multicast group does not parse.
	ErrInvalidMulticastGroup = errors.New("mesh.multicast_group is not a valid address")

	// ErrInvalidTrickleK indicates the Trickle redundancy constant is invalid.
	ErrInvalidTrickleK = errors.New("mesh.trickle_k must be >= 1")

	// ErrInvalidTrickleIMin indicates i_min is non-positive.
	ErrInvalidTrickleIMin = errors.New("mesh.trickle_i_min must be > 0")

	// ErrInvalidItemDataID indicates a declarative item is missing its data_id.
	ErrInvalidItemDataID = errors.New("item data_id must be nonzero")

	// ErrDuplicateItemDataID indicates two declarative items share a data_id.
	ErrDuplicateItemDataID = errors.New("duplicate item data_id")

	// ErrInvalidFaultRate indicates mesh.bdc_fault_rate is out of [0, 1).
	ErrInvalidFaultRate = errors.New("mesh.bdc_fault_rate must be in [0, 1)")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.HTTP.Addr == "" {
		return ErrEmptyHTTPAddr
	}

	if cfg.Mesh.MulticastGroup == "" {
		return ErrEmptyMulticastGroup
	}
	host := cfg.Mesh.MulticastGroup
	if idx := strings.IndexByte(host, '%'); idx >= 0 {
		host = host[:idx]
	}
	if _, err := netip.ParseAddr(host); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidMulticastGroup, err)
	}

	if cfg.Mesh.TrickleK < 1 {
		return ErrInvalidTrickleK
	}
	if cfg.Mesh.TrickleIMin <= 0 {
		return ErrInvalidTrickleIMin
	}
	if cfg.Mesh.BDCFaultRate < 0 || cfg.Mesh.BDCFaultRate >= 1 {
		return ErrInvalidFaultRate
	}

	return validateItems(cfg.Items)
}

// validateItems checks each declarative item entry for correctness.
func validateItems(items []ItemConfig) error {
	seen := make(map[uint32]struct{}, len(items))

	for i, it := range items {
		if it.DataID == 0 {
			return fmt.Errorf("items[%d]: %w", i, ErrInvalidItemDataID)
		}
		if _, dup := seen[it.DataID]; dup {
			return fmt.Errorf("items[%d] data_id %d: %w", i, it.DataID, ErrDuplicateItemDataID)
		}
		seen[it.DataID] = struct{}{}
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
