// Package config parses libsync's configuration collaborator: a plain
// key=value file recognizing the keys spec.md §6 names. Grounded on the
// teacher's internal/config.Manager (internal/config/config.go): a Load
// step, typed accessors, and defaults-merging, generalized from JSON to the
// line-oriented format spec.md actually specifies.
//
// An optional YAML overrides file (in the shape of the teacher's
// internal/config/wing.go) can seed defaults before the key=value file is
// parsed; any key present in both is resolved in favor of the key=value
// file, matching the teacher's "project overrides user" precedence rule.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/libsync/libsync/internal/xerrors"
)

// Config holds every recognized key, client and server keys coexisting
// (a process only reads the subset it needs).
type Config struct {
	// Client keys
	Conn      string // conn={sock}: parsed and stored only; the client always dials conn_host:conn_port
	ConnHost  string
	ConnPort  int
	ConnUser  string
	ConnPass  string
	SyncDir   string
	CipherKey string // optional shared secret enabling the AEAD payload stream

	// Server keys
	BindHost string
	BindPort int
	StoreDir string
	AuditDB  string // optional; when empty, no audit trail is kept

	// Shared keys
	LogFile  string
	LogLevel string
}

// Overrides is the optional YAML seed file's shape; any zero field is left
// for the key=value file (or the Defaults below) to fill in.
type Overrides struct {
	ConnHost string `yaml:"conn_host,omitempty"`
	ConnPort int    `yaml:"conn_port,omitempty"`
	SyncDir  string `yaml:"sync_dir,omitempty"`
	BindHost string `yaml:"bind_host,omitempty"`
	BindPort int    `yaml:"bind_port,omitempty"`
	StoreDir string `yaml:"store_dir,omitempty"`
	LogLevel string `yaml:"log_level,omitempty"`
}

// Defaults returns the baseline configuration applied before any file is read.
func Defaults() Config {
	return Config{
		ConnPort: 9876,
		BindHost: "0.0.0.0",
		BindPort: 9876,
		LogLevel: "info",
	}
}

// LoadOverrides reads a YAML overrides file if path is non-empty and
// exists; a missing file is not an error (matches the teacher's
// loadConfig: os.IsNotExist is tolerated).
func LoadOverrides(path string) (Overrides, error) {
	var o Overrides
	if path == "" {
		return o, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return o, nil
		}
		return o, fmt.Errorf("%w: read overrides %s: %v", xerrors.ErrConfig, path, err)
	}
	if err := yaml.Unmarshal(data, &o); err != nil {
		return o, fmt.Errorf("%w: parse overrides %s: %v", xerrors.ErrConfig, path, err)
	}
	return o, nil
}

func applyOverrides(c *Config, o Overrides) {
	if o.ConnHost != "" {
		c.ConnHost = o.ConnHost
	}
	if o.ConnPort != 0 {
		c.ConnPort = o.ConnPort
	}
	if o.SyncDir != "" {
		c.SyncDir = o.SyncDir
	}
	if o.BindHost != "" {
		c.BindHost = o.BindHost
	}
	if o.BindPort != 0 {
		c.BindPort = o.BindPort
	}
	if o.StoreDir != "" {
		c.StoreDir = o.StoreDir
	}
	if o.LogLevel != "" {
		c.LogLevel = o.LogLevel
	}
}

// Load parses a key=value config file (# starts a comment; blank lines
// ignored) on top of Defaults() and, if overridesPath is non-empty, a YAML
// overrides seed applied before the key=value file so the latter always
// wins ties.
func Load(path, overridesPath string) (*Config, error) {
	cfg := Defaults()

	overrides, err := LoadOverrides(overridesPath)
	if err != nil {
		return nil, err
	}
	applyOverrides(&cfg, overrides)

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return &cfg, nil
		}
		return nil, fmt.Errorf("%w: open %s: %v", xerrors.ErrConfig, path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return nil, fmt.Errorf("%w: %s:%d: missing '=' in %q", xerrors.ErrConfig, path, lineNo, line)
		}
		key = strings.TrimSpace(key)
		value = strings.TrimSpace(value)
		if err := assign(&cfg, key, value); err != nil {
			return nil, fmt.Errorf("%w: %s:%d: %v", xerrors.ErrConfig, path, lineNo, err)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: scan %s: %v", xerrors.ErrConfig, path, err)
	}
	return &cfg, nil
}

func assign(cfg *Config, key, value string) error {
	switch key {
	case "conn":
		cfg.Conn = value
	case "conn_host":
		cfg.ConnHost = value
	case "conn_port":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("conn_port: %w", err)
		}
		cfg.ConnPort = n
	case "conn_user":
		cfg.ConnUser = value
	case "conn_pass":
		cfg.ConnPass = value
	case "sync_dir":
		cfg.SyncDir = value
	case "cipher_key":
		cfg.CipherKey = value
	case "bind_host":
		cfg.BindHost = value
	case "bind_port":
		n, err := strconv.Atoi(value)
		if err != nil {
			return fmt.Errorf("bind_port: %w", err)
		}
		cfg.BindPort = n
	case "store_dir":
		cfg.StoreDir = value
	case "audit_db":
		cfg.AuditDB = value
	case "log_file":
		cfg.LogFile = value
	case "log_level":
		cfg.LogLevel = value
	default:
		return fmt.Errorf("unrecognized key %q", key)
	}
	return nil
}
