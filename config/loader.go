package config

import (
	"os"

	"github.com/pkg/errors"
	"github.com/spf13/cast"
	"gopkg.in/yaml.v2"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "SWITCHBOARD_"

// LoadConfig reads file, applies environment overrides and fills defaults.
// An empty file name skips the file.
func LoadConfig(file string) (*Config, error) {
	cfg := &Config{}

	if file != "" {
		data, err := os.ReadFile(file)
		if err != nil {
			return nil, errors.Wrap(err, "read config")
		}
		if err = yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse config %s", file)
		}
	}

	if err := ApplyEnv(cfg, os.LookupEnv); err != nil {
		return nil, err
	}

	ApplyDefaults(cfg)
	return cfg, nil
}

// ApplyDefaults fills zero values.
func ApplyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" && cfg.Server.DatagramAddr == "" && cfg.Server.HTTPAddr == "" {
		cfg.Server.Addr = ":7000"
	}
	if cfg.Server.HTTPAddr != "" && cfg.Server.WebSocket == "" {
		cfg.Server.WebSocket = "/ws"
	}
	if cfg.Server.BufferSize == 0 {
		cfg.Server.BufferSize = 16
	}
	if cfg.Server.MaxMessageSize == 0 {
		cfg.Server.MaxMessageSize = 1024 * 1024
	}
	if cfg.Server.AckTimeoutMillis == 0 {
		cfg.Server.AckTimeoutMillis = 2000
	}
	if cfg.Server.ReceiveTimeoutMillis == 0 {
		cfg.Server.ReceiveTimeoutMillis = 1000
	}

	if cfg.Client.Addr == "" && cfg.Client.DatagramAddr == "" {
		cfg.Client.Addr = "127.0.0.1:7000"
	}
	if cfg.Client.Transport == "" {
		cfg.Client.Transport = "stream"
	}
	if cfg.Client.MaxMessageSize == 0 {
		cfg.Client.MaxMessageSize = cfg.Server.MaxMessageSize
	}
	if cfg.Client.DialTimeoutSeconds == 0 {
		cfg.Client.DialTimeoutSeconds = 10
	}
	if cfg.Client.AckTimeoutMillis == 0 {
		cfg.Client.AckTimeoutMillis = cfg.Server.AckTimeoutMillis
	}
	if cfg.Client.ReceiveTimeoutMillis == 0 {
		cfg.Client.ReceiveTimeoutMillis = cfg.Server.ReceiveTimeoutMillis
	}

	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// LookupFunc looks up an environment variable, like os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides cfg from SWITCHBOARD_* variables found by lookup.
// Numeric variables that do not parse are reported.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	strs := map[string]*string{
		"SERVER_ADDR":           &cfg.Server.Addr,
		"SERVER_DATAGRAM_ADDR":  &cfg.Server.DatagramAddr,
		"SERVER_HTTP_ADDR":      &cfg.Server.HTTPAddr,
		"SERVER_WEBSOCKET_PATH": &cfg.Server.WebSocket,
		"CLIENT_ADDR":           &cfg.Client.Addr,
		"CLIENT_DATAGRAM_ADDR":  &cfg.Client.DatagramAddr,
		"CLIENT_TRANSPORT":      &cfg.Client.Transport,
		"LOG_LEVEL":             &cfg.Log.Level,
	}
	for name, field := range strs {
		if v, ok := lookup(EnvPrefix + name); ok {
			*field = v
		}
	}

	ints := map[string]*int{
		"SERVER_BUFFER_SIZE":              &cfg.Server.BufferSize,
		"SERVER_MAX_MESSAGE_SIZE":         &cfg.Server.MaxMessageSize,
		"SERVER_HEARTBEAT_SECONDS":        &cfg.Server.HeartbeatSeconds,
		"SERVER_ACK_TIMEOUT_MS":           &cfg.Server.AckTimeoutMillis,
		"SERVER_RECEIVE_TIMEOUT_MS":       &cfg.Server.ReceiveTimeoutMillis,
		"SERVER_SHUTDOWN_TIMEOUT_SECONDS": &cfg.Server.ShutdownTimeoutSeconds,
		"CLIENT_MAX_MESSAGE_SIZE":         &cfg.Client.MaxMessageSize,
		"CLIENT_HEARTBEAT_SECONDS":        &cfg.Client.HeartbeatSeconds,
		"CLIENT_DIAL_TIMEOUT_SECONDS":     &cfg.Client.DialTimeoutSeconds,
		"CLIENT_ACK_TIMEOUT_MS":           &cfg.Client.AckTimeoutMillis,
		"CLIENT_RECEIVE_TIMEOUT_MS":       &cfg.Client.ReceiveTimeoutMillis,
	}
	for name, field := range ints {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			continue
		}
		n, err := cast.ToIntE(v)
		if err != nil {
			return errors.Wrapf(err, "%s%s", EnvPrefix, name)
		}
		*field = n
	}

	return nil
}
