// Package config loads and validates mirror configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Slots    SlotsConfig    `mapstructure:"slots"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	History  HistoryConfig  `mapstructure:"history"`
	Dispatch DispatchConfig `mapstructure:"dispatch"`
	Watchdog WatchdogConfig `mapstructure:"watchdog"`
	Search   SearchConfig   `mapstructure:"search"`
	Store    StoreConfig    `mapstructure:"store"`
	Notify   NotifyConfig   `mapstructure:"notify"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig controls the operational HTTP server.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// GatewayConfig sets the minimum spacing between remote calls per category.
type GatewayConfig struct {
	ResolveInterval time.Duration `mapstructure:"resolve_interval"`
	JoinInterval    time.Duration `mapstructure:"join_interval"`
	FetchInterval   time.Duration `mapstructure:"fetch_interval"`
	ResendInterval  time.Duration `mapstructure:"resend_interval"`
}

// SlotsConfig governs subscription-slot reconciliation and rotation.
type SlotsConfig struct {
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	RotationInterval  time.Duration `mapstructure:"rotation_interval"`
	EvictAfterRotate  bool          `mapstructure:"evict_after_rotate"`
}

// PipelineConfig governs the reference classification pipeline.
type PipelineConfig struct {
	BatchSize    int           `mapstructure:"batch_size"`
	ScanInterval time.Duration `mapstructure:"scan_interval"`
}

// HistoryConfig governs history backfill workers.
type HistoryConfig struct {
	Ceiling int `mapstructure:"ceiling"`
	Workers int `mapstructure:"workers"`
	Depth   int `mapstructure:"queue_depth"`
}

// DispatchConfig sizes the per-consumer fan-out buffers.
type DispatchConfig struct {
	BufferSize int `mapstructure:"buffer_size"`
}

// WatchdogConfig controls liveness probing of search agents.
type WatchdogConfig struct {
	Timeout     time.Duration `mapstructure:"timeout"`
	Tick        time.Duration `mapstructure:"tick"`
	SendInitial bool          `mapstructure:"send_initial"`
}

// AgentConfig declares one standing search activation.
type AgentConfig struct {
	Agent         string `mapstructure:"agent"`
	DestinationID int64  `mapstructure:"destination_id"`
	Keyword       string `mapstructure:"keyword"`
}

// SearchConfig lists the standing search activations.
type SearchConfig struct {
	Agents []AgentConfig `mapstructure:"agents"`
}

// StoreConfig selects and configures the persistence backend.
type StoreConfig struct {
	Provider string `mapstructure:"provider"`
	DSN      string `mapstructure:"dsn"`
	MaxConns int32  `mapstructure:"max_conns"`
	MinConns int32  `mapstructure:"min_conns"`
}

// NotifyConfig selects and configures the archive notifier.
type NotifyConfig struct {
	Provider  string `mapstructure:"provider"`
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("TELEMIRROR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("gateway.resolve_interval", "30s")
	v.SetDefault("gateway.join_interval", "300s")
	v.SetDefault("gateway.fetch_interval", "20ms")
	v.SetDefault("gateway.resend_interval", "30s")
	v.SetDefault("slots.reconcile_interval", "15m")
	v.SetDefault("slots.rotation_interval", "30m")
	v.SetDefault("slots.evict_after_rotate", true)
	v.SetDefault("pipeline.batch_size", 512)
	v.SetDefault("pipeline.scan_interval", "10s")
	v.SetDefault("history.ceiling", 100000)
	v.SetDefault("history.workers", 1)
	v.SetDefault("history.queue_depth", 64)
	v.SetDefault("dispatch.buffer_size", 256)
	v.SetDefault("watchdog.timeout", "60s")
	v.SetDefault("watchdog.tick", "1s")
	v.SetDefault("watchdog.send_initial", true)
	v.SetDefault("store.provider", "memory")
	v.SetDefault("notify.provider", "noop")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Gateway.ResolveInterval < 0 || c.Gateway.JoinInterval < 0 ||
		c.Gateway.FetchInterval < 0 || c.Gateway.ResendInterval < 0 {
		return fmt.Errorf("gateway intervals must be >= 0")
	}
	if c.Pipeline.BatchSize <= 0 {
		return fmt.Errorf("pipeline.batch_size must be > 0")
	}
	if c.Pipeline.ScanInterval <= 0 {
		return fmt.Errorf("pipeline.scan_interval must be > 0")
	}
	if c.History.Workers <= 0 {
		return fmt.Errorf("history.workers must be > 0")
	}
	if c.History.Depth <= 0 {
		return fmt.Errorf("history.queue_depth must be > 0")
	}
	if c.Dispatch.BufferSize <= 0 {
		return fmt.Errorf("dispatch.buffer_size must be > 0")
	}
	if c.Watchdog.Timeout <= 0 || c.Watchdog.Tick <= 0 {
		return fmt.Errorf("watchdog.timeout and watchdog.tick must be > 0")
	}
	switch c.Store.Provider {
	case "memory":
	case "postgres":
		if c.Store.DSN == "" {
			return fmt.Errorf("store.dsn is required when store.provider=postgres")
		}
	default:
		return fmt.Errorf("store.provider must be memory or postgres, got %q", c.Store.Provider)
	}
	switch c.Notify.Provider {
	case "noop", "memory":
	case "pubsub":
		if c.Notify.ProjectID == "" || c.Notify.TopicName == "" {
			return fmt.Errorf("notify.project_id and notify.topic_name are required when notify.provider=pubsub")
		}
	default:
		return fmt.Errorf("notify.provider must be noop, memory or pubsub, got %q", c.Notify.Provider)
	}
	for i, a := range c.Search.Agents {
		if a.Agent == "" || a.Keyword == "" || a.DestinationID == 0 {
			return fmt.Errorf("search.agents[%d] requires agent, keyword and destination_id", i)
		}
	}
	return nil
}
