// Package config provides YAML configuration loading and validation for the
// bpfmand daemon.
package config

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration structure for bpfmand.
type Config struct {
	// GRPC holds the daemon's local command endpoint configuration.
	GRPC GRPCConfig `yaml:"grpc"`

	// Signing controls bytecode image signature verification.
	Signing SigningConfig `yaml:"signing"`

	// StorePath is the file path of the bbolt persistent store (C1).
	// Defaults to "/var/lib/bpfmand/store.db" when omitted.
	StorePath string `yaml:"store_path"`

	// BpffsDir is the directory under which the daemon mounts (or expects
	// mounted) bpffs and pins every program, map, and link (C5). Defaults
	// to "/run/bpfmand/fs" when omitted.
	BpffsDir string `yaml:"bpffs_dir"`

	// StaticProgramsPath, if set, points to a YAML manifest of programs the
	// daemon loads and attaches at startup, applied through the normal Load
	// path once recovery (C7) has finished. Optional.
	StaticProgramsPath string `yaml:"static_programs_path"`

	// CSISupport is parsed from csi_support. Optional, defaults to false.
	// Nothing in the daemon reads it; no CSI node-plugin surface is
	// served.
	CSISupport bool `yaml:"csi_support"`

	// LogLevel sets the minimum log severity: "debug", "info", "warn", or
	// "error". Defaults to "info" when omitted.
	LogLevel string `yaml:"log_level"`

	// MetricsAddr is the listen address for the Prometheus /metrics HTTP
	// server (e.g. "127.0.0.1:9100"). Defaults to "127.0.0.1:9100" when
	// omitted.
	MetricsAddr string `yaml:"metrics_addr"`

	// AuditLogPath, if set, points to the hash-chained audit log file every
	// Load/Unload mutation is appended to. Optional; audit logging is
	// disabled when empty.
	AuditLogPath string `yaml:"audit_log_path"`
}

// GRPCConfig describes the daemon's local command surface.
type GRPCConfig struct {
	// Unix is the Unix domain socket the daemon listens on. Required.
	Unix UnixSocketConfig `yaml:"unix"`
}

// UnixSocketConfig describes a single Unix domain socket listener.
type UnixSocketConfig struct {
	// Path is the filesystem path of the socket (e.g.
	// "/run/bpfmand/bpfmand.sock"). Required when Enabled is true.
	Path string `yaml:"path"`

	// Enabled toggles the listener. Defaults to true when omitted.
	Enabled *bool `yaml:"enabled"`

	// Mode is the octal permission mode applied to the socket file after
	// bind (e.g. "0660"). Defaults to "0660" when omitted.
	Mode string `yaml:"mode"`
}

// SigningConfig controls whether unsigned bytecode images may be loaded.
type SigningConfig struct {
	// AllowUnsigned permits loading OCI images with no attached signature.
	// Defaults to true when omitted, since signature verification is not
	// grounded in this build (see DESIGN.md).
	AllowUnsigned *bool `yaml:"allow_unsigned"`
}

// validLogLevels is the set of accepted log level strings.
var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// LoadConfig reads the YAML file at path, unmarshals it into Config, applies
// defaults, and validates all required fields. It returns a typed error
// describing every validation failure encountered.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: cannot read %q: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: cannot parse %q: %w", path, err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config: validation failed for %q: %w", path, err)
	}

	return &cfg, nil
}

func boolPtr(b bool) *bool { return &b }

// applyDefaults fills in zero-value optional fields with sensible defaults.
func applyDefaults(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.MetricsAddr == "" {
		cfg.MetricsAddr = "127.0.0.1:9100"
	}
	if cfg.StorePath == "" {
		cfg.StorePath = "/var/lib/bpfmand/store.db"
	}
	if cfg.BpffsDir == "" {
		cfg.BpffsDir = "/run/bpfmand/fs"
	}
	if cfg.GRPC.Unix.Enabled == nil {
		cfg.GRPC.Unix.Enabled = boolPtr(true)
	}
	if cfg.GRPC.Unix.Mode == "" {
		cfg.GRPC.Unix.Mode = "0660"
	}
	if cfg.Signing.AllowUnsigned == nil {
		cfg.Signing.AllowUnsigned = boolPtr(true)
	}
}

// validate checks that all required fields are populated and that
// enumerated fields contain only valid values.
func validate(cfg *Config) error {
	var errs []error

	if *cfg.GRPC.Unix.Enabled && cfg.GRPC.Unix.Path == "" {
		errs = append(errs, errors.New("grpc.unix.path is required when grpc.unix.enabled is true"))
	}
	if !validLogLevels[cfg.LogLevel] {
		errs = append(errs, fmt.Errorf("log_level %q must be one of: debug, info, warn, error", cfg.LogLevel))
	}
	if len(cfg.GRPC.Unix.Mode) > 0 {
		var mode uint32
		if _, err := fmt.Sscanf(cfg.GRPC.Unix.Mode, "%o", &mode); err != nil {
			errs = append(errs, fmt.Errorf("grpc.unix.mode %q is not a valid octal permission", cfg.GRPC.Unix.Mode))
		}
	}

	return errors.Join(errs...)
}
