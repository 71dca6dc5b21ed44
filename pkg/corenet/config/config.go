// Package config loads the stack's startup configuration from a TOML
// file layered over hardcoded defaults.
package config

import (
	"os"

	"github.com/BurntSushi/toml"
)

// StackConfig is init_stack's tunable surface: defaults for the loopback
// interface, the buffer engine's default header space, FIFO byte caps, and the
// accept-queue backlog ceiling.
type StackConfig struct {
	Loopback struct {
		Enabled bool   `toml:"enabled"`
		Name    string `toml:"name"`
		Address string `toml:"address"`
		MTU     uint32 `toml:"mtu"`
	} `toml:"loopback"`

	Buffer struct {
		DefaultHeaderSpace int `toml:"default_header_space"`
	} `toml:"buffer"`

	Fifo struct {
		DeviceMaxBytes int `toml:"device_max_bytes"`
		SocketMaxBytes int `toml:"socket_max_bytes"`
	} `toml:"fifo"`

	Socket struct {
		MaxBacklog int `toml:"max_backlog"`
	} `toml:"socket"`
}

// Default returns the configuration init_stack falls back to when no file
// is supplied.
func Default() *StackConfig {
	cfg := &StackConfig{}
	cfg.Loopback.Enabled = true
	cfg.Loopback.Name = "lo0"
	cfg.Loopback.Address = "127.0.0.1"
	cfg.Loopback.MTU = 16384
	cfg.Buffer.DefaultHeaderSpace = 64
	cfg.Fifo.DeviceMaxBytes = 1 << 20
	cfg.Fifo.SocketMaxBytes = 1 << 20
	cfg.Socket.MaxBacklog = 16
	return cfg
}

// Load decodes path over the defaults, so a config file only needs to name
// the fields it overrides.
func Load(path string) (*StackConfig, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if _, err := toml.Decode(string(data), cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}
