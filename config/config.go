// Package config loads the INI configuration recognized by the sync
// daemon and server.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/ini.v1"
)

// HomeEnv names the environment variable pointing at the installation
// root (configuration, keys and log directories). When unset, the
// current working directory is used.
const HomeEnv = "MIGBOX_HOME"

// Config is the daemon and server configuration.
type Config struct {
	Sync struct {
		Source      string `ini:"source"`
		Destination string `ini:"destination"`
	} `ini:"Sync"`
	Connection struct {
		Host string `ini:"host"`
		Port int    `ini:"port"`
	} `ini:"Connection"`
	KeyAuth struct {
		Hostkey string `ini:"hostkey"`
		Userkey string `ini:"userkey"`
	} `ini:"KeyAuth"`
	Logging struct {
		Logfile  string `ini:"logfile"`
		Loglevel string `ini:"loglevel"`
	} `ini:"Logging"`
	Mount struct {
		Mountpath string `ini:"mountpath"`
	} `ini:"Mount"`
}

// Default returns a configuration with defaults applied.
func Default() *Config {
	cfg := &Config{}
	cfg.Connection.Port = 50007
	cfg.Logging.Loglevel = "INFO"
	return cfg
}

// Home returns the installation root.
func Home() string {
	if home := os.Getenv(HomeEnv); home != "" {
		return home
	}
	wd, err := os.Getwd()
	if err != nil {
		return "."
	}
	return wd
}

// DefaultPath returns the default configuration file location under the
// installation root.
func DefaultPath() string {
	return filepath.Join(Home(), "config", "migbox.cfg")
}

// StatePath returns the default journal database location.
func StatePath() string {
	return filepath.Join(Home(), "state", "migbox.db")
}

// Load reads the configuration file at path. A missing file yields the
// defaults so that command-line flags can stand alone.
func Load(path string) (*Config, error) {
	cfg := Default()
	f, err := ini.Load(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := f.MapTo(cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

// ValidateLocal checks the fields needed for local-to-local sync.
func (c *Config) ValidateLocal() error {
	if c.Sync.Source == "" || c.Sync.Destination == "" {
		return fmt.Errorf("source and destination are required")
	}
	for _, p := range []string{c.Sync.Source, c.Sync.Destination} {
		info, err := os.Stat(p)
		if err != nil || !info.IsDir() {
			return fmt.Errorf("invalid sync path %q", p)
		}
	}
	return nil
}

// ValidateRemote checks the fields needed for sync against a remote host.
func (c *Config) ValidateRemote() error {
	if c.Sync.Source == "" {
		return fmt.Errorf("source is required")
	}
	if info, err := os.Stat(c.Sync.Source); err != nil || !info.IsDir() {
		return fmt.Errorf("invalid source path %q", c.Sync.Source)
	}
	if c.Connection.Host == "" {
		return fmt.Errorf("host is required")
	}
	if c.Connection.Port <= 0 || c.Connection.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Connection.Port)
	}
	for _, p := range []string{c.KeyAuth.Hostkey, c.KeyAuth.Userkey} {
		if p == "" {
			return fmt.Errorf("hostkey and userkey are required")
		}
		if info, err := os.Stat(p); err != nil || info.IsDir() {
			return fmt.Errorf("invalid key file %q", p)
		}
	}
	return nil
}

// LogLevelDebug reports whether debug logging is configured.
func (c *Config) LogLevelDebug() bool {
	return strings.EqualFold(c.Logging.Loglevel, "DEBUG")
}
