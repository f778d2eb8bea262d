// Package rsyncdconfig loads the TOML configuration file for the rsync
// daemon front-end: the listen address and the module list. It mirrors
// rsyncd.conf's module concept (name, path, ACL, writability) in a
// gokrazy-style single TOML file rather than the stock rsync INI-like
// format.
package rsyncdconfig

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/BurntSushi/toml"
)

// Module mirrors rsyncd.Module's fields without importing package rsyncd,
// so that this package stays a leaf the CLI front-end can load before it
// constructs a server.
type Module struct {
	Name     string   `toml:"name"`
	Path     string   `toml:"path"`
	ACL      []string `toml:"acl"`
	Writable bool     `toml:"writable"`
}

// Config is the top-level shape of the TOML config file.
type Config struct {
	Listen           string   `toml:"listen"`
	MonitoringListen string   `toml:"monitoring_listen"`
	Modules          []Module `toml:"module"`
}

// FromFile reads and parses the config file at path.
func FromFile(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("rsyncdconfig: %w", err)
	}
	return &cfg, nil
}

// DefaultPath returns the conventional config file location
// (os.UserConfigDir()/gokr-rsyncd.toml).
func DefaultPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "gokr-rsyncd.toml"), nil
}

// FromDefaultFiles reads the config file at DefaultPath, returning an empty
// Config (not an error) if the file does not exist.
func FromDefaultFiles() (*Config, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return &Config{}, nil
	}
	return FromFile(path)
}
