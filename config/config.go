// Package config loads server and client settings from a YAML file and
// SWITCHBOARD_* environment variables and turns them into options.
package config

import (
	"log/slog"
	"time"

	"github.com/pkg/errors"

	"github.com/Zereker/switchboard"
	"github.com/Zereker/switchboard/transport"
)

// Config is the top-level configuration.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Client ClientConfig `yaml:"client"`
	Log    LogConfig    `yaml:"log"`
}

// ServerConfig configures a switchboard.Server.
type ServerConfig struct {
	Addr         string `yaml:"addr"`          // TCP stream address, empty disables it
	DatagramAddr string `yaml:"datagram_addr"` // UDP address, empty disables it
	HTTPAddr     string `yaml:"http_addr"`     // WebSocket endpoint address, empty disables it
	WebSocket    string `yaml:"websocket_path"`

	BufferSize             int `yaml:"buffer_size"`
	MaxMessageSize         int `yaml:"max_message_size"`
	HeartbeatSeconds       int `yaml:"heartbeat_seconds"` // zero disables the idle timeout
	AckTimeoutMillis       int `yaml:"ack_timeout_ms"`
	ReceiveTimeoutMillis   int `yaml:"receive_timeout_ms"`
	ShutdownTimeoutSeconds int `yaml:"shutdown_timeout_seconds"`
}

// ClientConfig configures a switchboard.Client.
type ClientConfig struct {
	Addr         string `yaml:"addr"`
	DatagramAddr string `yaml:"datagram_addr"`
	Transport    string `yaml:"transport"` // "stream" or "websocket"

	MaxMessageSize       int `yaml:"max_message_size"`
	HeartbeatSeconds     int `yaml:"heartbeat_seconds"`
	DialTimeoutSeconds   int `yaml:"dial_timeout_seconds"`
	AckTimeoutMillis     int `yaml:"ack_timeout_ms"`
	ReceiveTimeoutMillis int `yaml:"receive_timeout_ms"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level string `yaml:"level"` // debug, info, warn or error
}

// SlogLevel returns the configured level, or slog.LevelInfo if it does not parse.
func (c LogConfig) SlogLevel() slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(c.Level)); err != nil {
		return slog.LevelInfo
	}
	return level
}

// Options converts the server configuration into server options.
func (c ServerConfig) Options(logger switchboard.Logger) []switchboard.Option {
	opts := []switchboard.Option{
		switchboard.BufferSizeOption(c.BufferSize),
		switchboard.MessageMaxSize(c.MaxMessageSize),
		switchboard.HeartbeatOption(time.Duration(c.HeartbeatSeconds) * time.Second),
		switchboard.AckTimeoutOption(time.Duration(c.AckTimeoutMillis) * time.Millisecond),
		switchboard.ReceiveTimeoutOption(time.Duration(c.ReceiveTimeoutMillis) * time.Millisecond),
		switchboard.ShutdownTimeoutOption(time.Duration(c.ShutdownTimeoutSeconds) * time.Second),
	}
	if c.DatagramAddr != "" {
		opts = append(opts, switchboard.DatagramOption(c.DatagramAddr))
	}
	if logger != nil {
		opts = append(opts, switchboard.LoggerOption(logger))
	}
	return opts
}

// Options converts the client configuration into client options.
func (c ClientConfig) Options(logger switchboard.Logger) ([]switchboard.Option, error) {
	kind, err := transport.ParseKind(c.Transport)
	if err != nil {
		return nil, err
	}
	if !kind.IsStream() {
		return nil, errors.Wrapf(transport.ErrUnsupportedKind, "client stream transport %q", c.Transport)
	}

	opts := []switchboard.Option{
		switchboard.StreamKindOption(kind),
		switchboard.MessageMaxSize(c.MaxMessageSize),
		switchboard.HeartbeatOption(time.Duration(c.HeartbeatSeconds) * time.Second),
		switchboard.DialTimeoutOption(time.Duration(c.DialTimeoutSeconds) * time.Second),
		switchboard.AckTimeoutOption(time.Duration(c.AckTimeoutMillis) * time.Millisecond),
		switchboard.ReceiveTimeoutOption(time.Duration(c.ReceiveTimeoutMillis) * time.Millisecond),
	}
	if c.DatagramAddr != "" {
		opts = append(opts, switchboard.DatagramOption(c.DatagramAddr))
	}
	if logger != nil {
		opts = append(opts, switchboard.LoggerOption(logger))
	}
	return opts, nil
}
