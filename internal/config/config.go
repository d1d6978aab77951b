// Package config loads the daemon's runtime configuration from an optional
// TOML file, overridable by the environment variables spec.md §6 names.
//
// Grounded on pkg/katautils/config.go's tomlConfig-struct-plus-env-override
// idiom: a small struct decoded with github.com/BurntSushi/toml, with every
// path field subsequently overridable by an environment variable so
// operators never have to touch the file for a one-off path change. The
// drain timeout is set by the file only.
package config

import (
	"os"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

// DefaultConfigPath is where the daemon looks for its TOML config file if
// -config is not given. Absence of the file is not an error; compiled-in
// defaults and environment variables still apply.
const DefaultConfigPath = "/etc/mmvmm/mmvmm.toml"

// Config is the daemon's fully-resolved runtime configuration, per spec.md
// §6 ("Environment: SOCKET_DIR, QEMU_PATH, IP_PATH, DATABASE_URI configure
// paths").
type Config struct {
	SocketDir     string `toml:"socket_dir"`
	QEMUPath      string `toml:"qemu_path"`
	IPPath        string `toml:"ip_path"`
	DatabaseURI   string `toml:"database_uri"`
	DrainTimeoutS int    `toml:"drain_timeout_seconds"`
}

// tomlConfig is the on-disk shape; identical to Config today but kept
// separate so the wire format can drift from the in-memory type without
// disturbing callers, matching katautils' tomlConfig/oci.RuntimeConfig split.
type tomlConfig struct {
	SocketDir     string `toml:"socket_dir"`
	QEMUPath      string `toml:"qemu_path"`
	IPPath        string `toml:"ip_path"`
	DatabaseURI   string `toml:"database_uri"`
	DrainTimeoutS int    `toml:"drain_timeout_seconds"`
}

// Defaults returns the compiled-in configuration used when no file and no
// environment variable override a field.
func Defaults() Config {
	return Config{
		SocketDir:     "/run/mmvmm",
		QEMUPath:      "qemu-system-x86_64",
		IPPath:        "ip",
		DatabaseURI:   "/var/lib/mmvmm/mmvmm.db",
		DrainTimeoutS: 60,
	}
}

// Load resolves the daemon configuration: compiled-in defaults, overridden
// by path (if it exists), overridden by environment variables. path may be
// empty, in which case DefaultConfigPath is tried and silently skipped if
// absent.
func Load(path string) (Config, error) {
	cfg := Defaults()

	if path == "" {
		path = DefaultConfigPath
	}
	if data, err := os.ReadFile(path); err == nil {
		var t tomlConfig
		if _, err := toml.Decode(string(data), &t); err != nil {
			return Config{}, errors.Wrapf(err, "decoding config file %s", path)
		}
		applyTOML(&cfg, t)
	} else if !os.IsNotExist(err) {
		return Config{}, errors.Wrapf(err, "reading config file %s", path)
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyTOML(cfg *Config, t tomlConfig) {
	if t.SocketDir != "" {
		cfg.SocketDir = t.SocketDir
	}
	if t.QEMUPath != "" {
		cfg.QEMUPath = t.QEMUPath
	}
	if t.IPPath != "" {
		cfg.IPPath = t.IPPath
	}
	if t.DatabaseURI != "" {
		cfg.DatabaseURI = t.DatabaseURI
	}
	if t.DrainTimeoutS != 0 {
		cfg.DrainTimeoutS = t.DrainTimeoutS
	}
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("SOCKET_DIR"); v != "" {
		cfg.SocketDir = v
	}
	if v := os.Getenv("QEMU_PATH"); v != "" {
		cfg.QEMUPath = v
	}
	if v := os.Getenv("IP_PATH"); v != "" {
		cfg.IPPath = v
	}
	if v := os.Getenv("DATABASE_URI"); v != "" {
		cfg.DatabaseURI = v
	}
}

// InternalSocketDir is $SOCKET_DIR/internal, where QMP sockets live
// (spec.md §6).
func (c Config) InternalSocketDir() string {
	return c.SocketDir + "/internal"
}

// ControlSocketPath is $SOCKET_DIR/control.sock, the Control RPC endpoint.
func (c Config) ControlSocketPath() string {
	return c.SocketDir + "/control.sock"
}
