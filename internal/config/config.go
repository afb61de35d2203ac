// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Package config loads the pathfinder server configuration. Sources are
// applied in order: built-in defaults, an optional YAML file, ROUTER_*
// environment variables, then command-line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "ROUTER_"

var ErrInvalid = errors.New("config: invalid")

type Config struct {
	LogLevel  string `yaml:"logLevel" env:"LOG_LEVEL"`
	LogFormat string `yaml:"logFormat" env:"LOG_FORMAT"`

	// AbortAck answers resolved aborts with an Aborted outcome.
	AbortAck bool `yaml:"abortAck" env:"ABORT_ACK"`
	// Workers bounds concurrent handler computations. Zero means GOMAXPROCS.
	Workers int `yaml:"workers" env:"WORKERS"`

	MetricsAddr     string        `yaml:"metricsAddr" env:"METRICS_ADDR"`
	ShutdownTimeout time.Duration `yaml:"shutdownTimeout" env:"SHUTDOWN_TIMEOUT"`

	Storage StorageConfig `yaml:"storage" envPrefix:"STORAGE_"`
	TCP     TCPConfig     `yaml:"tcp" envPrefix:"TCP_"`
	WS      WSConfig      `yaml:"ws" envPrefix:"WS_"`
	GRPC    GRPCConfig    `yaml:"grpc" envPrefix:"GRPC_"`
	JSONRPC JSONRPCConfig `yaml:"jsonrpc" envPrefix:"JSONRPC_"`
	AMQP    AMQPConfig    `yaml:"amqp" envPrefix:"AMQP_"`
}

type StorageConfig struct {
	// Driver is "memory", "sqlite" or "none".
	Driver string `yaml:"driver" env:"DRIVER"`
	Path   string `yaml:"path" env:"PATH"`
}

type TCPConfig struct {
	Addr         string        `yaml:"addr" env:"ADDR"`
	WriteTimeout time.Duration `yaml:"writeTimeout" env:"WRITE_TIMEOUT"`
}

type WSConfig struct {
	Addr string `yaml:"addr" env:"ADDR"`
	Path string `yaml:"path" env:"PATH"`
	// RateLimit is requests per second per connection; zero disables it.
	RateLimit       float64 `yaml:"rateLimit" env:"RATE_LIMIT"`
	Burst           int     `yaml:"burst" env:"BURST"`
	MaxDecodeErrors int     `yaml:"maxDecodeErrors" env:"MAX_DECODE_ERRORS"`
}

type GRPCConfig struct {
	Addr string `yaml:"addr" env:"ADDR"`
}

type JSONRPCConfig struct {
	Addr        string        `yaml:"addr" env:"ADDR"`
	Path        string        `yaml:"path" env:"PATH"`
	CallTimeout time.Duration `yaml:"callTimeout" env:"CALL_TIMEOUT"`
}

type AMQPConfig struct {
	URL      string `yaml:"url" env:"URL"`
	Queue    string `yaml:"queue" env:"QUEUE"`
	Prefetch int    `yaml:"prefetch" env:"PREFETCH"`
}

// Default returns the built-in configuration: every TCP-based listener on
// localhost, AMQP off, in-memory storage.
func Default() Config {
	return Config{
		LogLevel:        "info",
		LogFormat:       "text",
		MetricsAddr:     "127.0.0.1:9090",
		ShutdownTimeout: 10 * time.Second,
		Storage:         StorageConfig{Driver: "memory"},
		TCP:             TCPConfig{Addr: "127.0.0.1:9650", WriteTimeout: 30 * time.Second},
		WS:              WSConfig{Addr: "127.0.0.1:9651", Path: "/rpc", MaxDecodeErrors: 3},
		GRPC:            GRPCConfig{Addr: "127.0.0.1:9652"},
		JSONRPC:         JSONRPCConfig{Addr: "127.0.0.1:9653", Path: "/rpc", CallTimeout: 30 * time.Second},
		AMQP:            AMQPConfig{Queue: "router.requests", Prefetch: 64},
	}
}

// Load applies the YAML file at path, when path is not empty, and then the
// environment on top of Default.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config %s: %w", path, err)
		}
	}
	if err := ParseEnv(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ParseEnv overrides target with the ROUTER_* variables that are set.
func ParseEnv(target any) error {
	if err := env.ParseWithOptions(target, env.Options{Prefix: EnvPrefix}); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// Parse builds the configuration for a command invoked with args. The
// -config flag, or ROUTER_CONFIG, names the YAML file; any other flag given
// explicitly wins over the file and the environment.
func Parse(name string, args []string) (Config, error) {
	scratch := Default()
	pre := flag.NewFlagSet(name, flag.ContinueOnError)
	pre.SetOutput(io.Discard)
	path := pre.String("config", os.Getenv(EnvPrefix+"CONFIG"), "")
	scratch.Bind(pre)
	if err := pre.Parse(args); err != nil {
		return Config{}, err
	}

	cfg, err := Load(*path)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.String("config", *path, "YAML configuration file")
	cfg.Bind(fs)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

// Bind registers a flag for each setting, defaulting to the current value.
func (c *Config) Bind(fs *flag.FlagSet) {
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")
	fs.StringVar(&c.LogFormat, "log-format", c.LogFormat, "text or json")
	fs.BoolVar(&c.AbortAck, "abort-ack", c.AbortAck, "answer aborts with an Aborted outcome")
	fs.IntVar(&c.Workers, "workers", c.Workers, "concurrent computations (0 = GOMAXPROCS)")
	fs.StringVar(&c.MetricsAddr, "metrics-addr", c.MetricsAddr, "Prometheus listen address, empty to disable")
	fs.DurationVar(&c.ShutdownTimeout, "shutdown-timeout", c.ShutdownTimeout, "graceful shutdown bound")
	fs.StringVar(&c.Storage.Driver, "storage", c.Storage.Driver, "result cache: memory, sqlite or none")
	fs.StringVar(&c.Storage.Path, "storage-path", c.Storage.Path, "sqlite database file")
	fs.StringVar(&c.TCP.Addr, "tcp-addr", c.TCP.Addr, "TCP listen address, empty to disable")
	fs.StringVar(&c.WS.Addr, "ws-addr", c.WS.Addr, "websocket listen address, empty to disable")
	fs.Float64Var(&c.WS.RateLimit, "ws-rate-limit", c.WS.RateLimit, "websocket requests per second per connection")
	fs.StringVar(&c.GRPC.Addr, "grpc-addr", c.GRPC.Addr, "gRPC listen address, empty to disable")
	fs.StringVar(&c.JSONRPC.Addr, "jsonrpc-addr", c.JSONRPC.Addr, "JSON-RPC listen address, empty to disable")
	fs.StringVar(&c.AMQP.URL, "amqp-url", c.AMQP.URL, "AMQP broker URL, empty to disable")
	fs.StringVar(&c.AMQP.Queue, "amqp-queue", c.AMQP.Queue, "AMQP request queue")
}

// Validate reports settings no server could start with.
func (c Config) Validate() error {
	var errs []error
	if _, err := c.Level(); err != nil {
		errs = append(errs, err)
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		errs = append(errs, fmt.Errorf("log format %q", c.LogFormat))
	}
	switch c.Storage.Driver {
	case "memory", "none":
	case "sqlite":
		if c.Storage.Path == "" {
			errs = append(errs, errors.New("sqlite storage needs a path"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage driver %q", c.Storage.Driver))
	}
	if c.Workers < 0 {
		errs = append(errs, fmt.Errorf("workers %d", c.Workers))
	}
	if c.TCP.Addr == "" && c.WS.Addr == "" && c.GRPC.Addr == "" && c.JSONRPC.Addr == "" && c.AMQP.URL == "" {
		errs = append(errs, errors.New("no transport enabled"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
	}
	return nil
}

// Level parses LogLevel.
func (c Config) Level() (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(c.LogLevel)); err != nil {
		return 0, fmt.Errorf("log level: %w", err)
	}
	return l, nil
}

// Logger builds the process logger writing to w.
func (c Config) Logger(w io.Writer) *slog.Logger {
	level, err := c.Level()
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.LogFormat == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
