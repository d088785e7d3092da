// Package config loads the service configuration from a TOML file.
//
// Keys missing from the file keep their defaults:
//
//	select_timeout = "10s"
//	queue_strategy = "auto"     # auto, transactional, counter, mutex
//	queue_node_limit = 0        # zero is unbounded
//	readiness_backend = "auto"  # auto, epoll, kqueue, poll, events
//	max_events = 256
//
//	[log]
//	level = "info"
//
//	[echo]
//	tcp = "127.0.0.1:7007"      # empty disables
//	udp = ""
//
//	[status]
//	interval = "1m"             # negative disables
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joeycumines/go-stcbase/reactor"
	"github.com/joeycumines/go-stcbase/readiness"
	"github.com/joeycumines/go-stcbase/workqueue"
	"github.com/joeycumines/logiface"
)

var (
	ErrUnknownKey   = errors.New("config: unknown key")
	ErrInvalidValue = errors.New("config: invalid value")
)

// Config is the resolved configuration.
type Config struct {
	EchoTCP          string
	EchoUDP          string
	SelectTimeout    time.Duration
	StatusInterval   time.Duration
	QueueNodeLimit   int
	MaxEvents        int
	QueueStrategy    workqueue.Strategy
	ReadinessBackend readiness.Backend
	LogLevel         logiface.Level
}

// Default returns the configuration used when no file is given.
func Default() Config {
	return Config{
		SelectTimeout:    reactor.DefaultSelectTimeout,
		StatusInterval:   time.Minute,
		MaxEvents:        256,
		QueueStrategy:    workqueue.StrategyAuto,
		ReadinessBackend: readiness.BackendAuto,
		LogLevel:         logiface.LevelInformational,
	}
}

type fileConfig struct {
	SelectTimeout    string             `toml:"select_timeout"`
	QueueStrategy    workqueue.Strategy `toml:"queue_strategy"`
	QueueNodeLimit   int                `toml:"queue_node_limit"`
	ReadinessBackend readiness.Backend  `toml:"readiness_backend"`
	MaxEvents        int                `toml:"max_events"`
	Log              struct {
		Level string `toml:"level"`
	} `toml:"log"`
	Echo struct {
		TCP string `toml:"tcp"`
		UDP string `toml:"udp"`
	} `toml:"echo"`
	Status struct {
		Interval string `toml:"interval"`
	} `toml:"status"`
}

// Load reads path on top of Default.
func Load(path string) (Config, error) {
	var raw fileConfig
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	cfg, err := resolve(meta, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes TOML text on top of Default.
func Parse(data string) (Config, error) {
	var raw fileConfig
	meta, err := toml.Decode(data, &raw)
	if err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return resolve(meta, &raw)
}

func resolve(meta toml.MetaData, raw *fileConfig) (Config, error) {
	if undecoded := meta.Undecoded(); len(undecoded) != 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return Config{}, fmt.Errorf("%w: %s", ErrUnknownKey, strings.Join(keys, ", "))
	}

	cfg := Default()

	if meta.IsDefined("select_timeout") {
		d, err := parseDuration("select_timeout", raw.SelectTimeout)
		if err != nil {
			return Config{}, err
		}
		if d <= 0 {
			return Config{}, fmt.Errorf("%w: select_timeout must be positive", ErrInvalidValue)
		}
		cfg.SelectTimeout = d
	}

	if meta.IsDefined("queue_strategy") {
		cfg.QueueStrategy = raw.QueueStrategy
	}

	if meta.IsDefined("queue_node_limit") {
		if raw.QueueNodeLimit < 0 {
			return Config{}, fmt.Errorf("%w: queue_node_limit %d", ErrInvalidValue, raw.QueueNodeLimit)
		}
		cfg.QueueNodeLimit = raw.QueueNodeLimit
	}

	if meta.IsDefined("readiness_backend") {
		cfg.ReadinessBackend = raw.ReadinessBackend
	}

	if meta.IsDefined("max_events") {
		if raw.MaxEvents <= 0 {
			return Config{}, fmt.Errorf("%w: max_events %d", ErrInvalidValue, raw.MaxEvents)
		}
		cfg.MaxEvents = raw.MaxEvents
	}

	if meta.IsDefined("log", "level") {
		level, err := ParseLevel(raw.Log.Level)
		if err != nil {
			return Config{}, err
		}
		cfg.LogLevel = level
	}

	if meta.IsDefined("echo", "tcp") {
		cfg.EchoTCP = strings.TrimSpace(raw.Echo.TCP)
	}

	if meta.IsDefined("echo", "udp") {
		cfg.EchoUDP = strings.TrimSpace(raw.Echo.UDP)
	}

	if meta.IsDefined("status", "interval") {
		d, err := parseDuration("status.interval", raw.Status.Interval)
		if err != nil {
			return Config{}, err
		}
		cfg.StatusInterval = d
	}

	return cfg, nil
}

func parseDuration(key, s string) (time.Duration, error) {
	d, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %w", ErrInvalidValue, key, err)
	}
	return d, nil
}

// ParseLevel accepts the logiface level keywords, plus a few common aliases.
func ParseLevel(s string) (logiface.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "disabled", "off", "none":
		return logiface.LevelDisabled, nil
	case "emerg", "emergency":
		return logiface.LevelEmergency, nil
	case "alert":
		return logiface.LevelAlert, nil
	case "crit", "critical":
		return logiface.LevelCritical, nil
	case "err", "error":
		return logiface.LevelError, nil
	case "warning", "warn":
		return logiface.LevelWarning, nil
	case "notice":
		return logiface.LevelNotice, nil
	case "info", "informational", "":
		return logiface.LevelInformational, nil
	case "debug":
		return logiface.LevelDebug, nil
	case "trace":
		return logiface.LevelTrace, nil
	default:
		return 0, fmt.Errorf("%w: log level %q", ErrInvalidValue, s)
	}
}

// ReactorOptions returns the reactor options for c, using logger for the
// reactor's own logging.
func (c Config) ReactorOptions(logger *logiface.Logger[logiface.Event]) []reactor.Option {
	return []reactor.Option{
		reactor.WithLogger(logger),
		reactor.WithSelectTimeout(c.SelectTimeout),
		reactor.WithQueueOptions(
			workqueue.WithStrategy(c.QueueStrategy),
			workqueue.WithNodeLimit(c.QueueNodeLimit),
		),
		reactor.WithReadinessOptions(
			readiness.WithBackend(c.ReadinessBackend),
			readiness.WithMaxEvents(c.MaxEvents),
		),
	}
}
