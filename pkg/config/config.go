// Package config loads the server's YAML configuration file.
//
// Copyright (C) 2026  axi-server authors
//
// This file may be distributed under the terms of the GNU GPLv3 license.

package config

import (
	"bytes"
	stderrors "errors"
	"io"
	"io/fs"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/joeysapp/axi-server-sub001/pkg/device"
	"github.com/joeysapp/axi-server-sub001/pkg/errors"
	"github.com/joeysapp/axi-server-sub001/pkg/log"
	"github.com/joeysapp/axi-server-sub001/pkg/motion"
	"github.com/joeysapp/axi-server-sub001/pkg/queue"
	"github.com/joeysapp/axi-server-sub001/pkg/servo"
	"github.com/joeysapp/axi-server-sub001/pkg/spatial"
)

// Config is the whole configuration file.
type Config struct {
	Server  ServerConfig   `yaml:"server"`
	Device  DeviceConfig   `yaml:"device"`
	Servo   servo.Config   `yaml:"servo"`
	Speed   motion.Speeds  `yaml:"speed"`
	Queue   QueueConfig    `yaml:"queue"`
	Spatial spatial.Config `yaml:"spatial"`
	Log     LogConfig      `yaml:"log"`
}

// ServerConfig is the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	// AllowedOrigins limits websocket upgrades. Empty allows any origin.
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// DeviceConfig selects and describes the controller board.
type DeviceConfig struct {
	// Port is a device path, tcp://host:port, or empty for discovery.
	Port         string            `yaml:"port"`
	Model        string            `yaml:"model"`
	Resolution   motion.Resolution `yaml:"resolution"`
	Heartbeat    time.Duration     `yaml:"heartbeat"`
	HistorySize  int               `yaml:"history_size"`
	ProbeTimeout time.Duration     `yaml:"probe_timeout"`
	ReadTimeout  time.Duration     `yaml:"read_timeout"`
}

// QueueConfig sizes job history and optionally moves it to Redis.
type QueueConfig struct {
	HistorySize int         `yaml:"history_size"`
	Redis       RedisConfig `yaml:"redis"`
}

// RedisConfig is used only when Addr is set.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Key      string `yaml:"key"`
}

// LogConfig overrides the environment defaults of the root logger.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Caller bool   `yaml:"caller"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	dev := device.DefaultConfig()
	return Config{
		Server: ServerConfig{
			Addr:            ":9700",
			ShutdownTimeout: 10 * time.Second,
		},
		Device: DeviceConfig{
			Model:        dev.Model,
			Resolution:   dev.Resolution,
			Heartbeat:    dev.Heartbeat,
			HistorySize:  dev.HistorySize,
			ProbeTimeout: 2 * time.Second,
			ReadTimeout:  250 * time.Millisecond,
		},
		Servo:   dev.Servo,
		Speed:   dev.Speeds,
		Queue:   QueueConfig{HistorySize: queue.DefaultHistorySize, Redis: RedisConfig{Key: queue.DefaultRedisKey}},
		Spatial: spatial.DefaultConfig(),
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

// Load reads path over the defaults. A missing file yields the defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if stderrors.Is(err, fs.ErrNotExist) {
		cfg := Default()
		return cfg, cfg.Validate()
	}
	if err != nil {
		return Config{}, errors.Wrap(err, errors.ErrConfig, "unable to read "+path)
	}
	return Parse(data)
}

// Parse decodes YAML over the defaults. Unknown keys are errors.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !stderrors.Is(err, io.EOF) {
		return Config{}, errors.Wrap(err, errors.ErrConfig, "invalid yaml")
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks every section and returns the first *ConfigError.
func (c Config) Validate() error {
	if c.Server.Addr == "" {
		return NewConfigError("server", "addr", "must be specified")
	}
	if c.Server.ShutdownTimeout < 0 {
		return ErrOutOfRange("server", "shutdown_timeout", c.Server.ShutdownTimeout.Seconds(), "must not be negative")
	}

	d := c.Device
	if _, err := motion.ModelFor(d.Model); err != nil {
		names := make([]string, 0, len(motion.Models()))
		for _, m := range motion.Models() {
			names = append(names, m.Name)
		}
		return ErrInvalidChoice("device", "model", d.Model, names)
	}
	if !d.Resolution.Valid() {
		return ErrOutOfRange("device", "resolution", float64(d.Resolution), "outside 1..5")
	}
	if d.Heartbeat < 0 {
		return ErrOutOfRange("device", "heartbeat", d.Heartbeat.Seconds(), "must not be negative")
	}
	if d.HistorySize <= 0 {
		return ErrOutOfRange("device", "history_size", float64(d.HistorySize), "must be positive")
	}
	if d.ProbeTimeout <= 0 {
		return ErrOutOfRange("device", "probe_timeout", d.ProbeTimeout.Seconds(), "must be positive")
	}
	if d.ReadTimeout <= 0 {
		return ErrOutOfRange("device", "read_timeout", d.ReadTimeout.Seconds(), "must be positive")
	}

	if err := c.Servo.Validate(); err != nil {
		return WrapError("servo", fieldOf("servo", err), err)
	}
	if err := c.Speed.Validate(d.Resolution); err != nil {
		return WrapError("speed", fieldOf("speed", err), err)
	}

	if c.Queue.HistorySize <= 0 {
		return ErrOutOfRange("queue", "history_size", float64(c.Queue.HistorySize), "must be positive")
	}
	if c.Queue.Redis.DB < 0 {
		return ErrOutOfRange("queue", "redis.db", float64(c.Queue.Redis.DB), "must not be negative")
	}

	if err := c.Spatial.Validate(); err != nil {
		return WrapError("spatial", fieldOf("spatial", err), err)
	}

	switch c.Log.Format {
	case "", "text", "json":
	default:
		return ErrInvalidChoice("log", "format", c.Log.Format, []string{"text", "json"})
	}
	return nil
}

// fieldOf recovers the option name carried by a validation error.
func fieldOf(section string, err error) string {
	var he *errors.HostError
	if stderrors.As(err, &he) {
		if f, ok := he.Context["field"].(string); ok {
			return strings.TrimPrefix(f, section+".")
		}
	}
	return ""
}

// DeviceConfig assembles the controller's config.
func (c Config) DeviceConfig() device.Config {
	return device.Config{
		Port:        c.Device.Port,
		Model:       c.Device.Model,
		Resolution:  c.Device.Resolution,
		Heartbeat:   c.Device.Heartbeat,
		HistorySize: c.Device.HistorySize,
		Servo:       c.Servo,
		Speeds:      c.Speed,
	}
}

// Apply configures l from the log section. Empty fields keep what the
// environment set.
func (c LogConfig) Apply(l *log.Logger) {
	if c.Level != "" {
		l.SetLevel(log.ParseLevel(c.Level))
	}
	if c.Format != "" {
		l.SetFormat(log.ParseFormat(c.Format))
	}
	if c.Caller {
		l.SetCaller(true)
	}
}
