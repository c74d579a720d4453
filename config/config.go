package config

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

const envPrefix = "DISPATCH"

type Config struct {
	Service    ServiceConfig    `mapstructure:"service"`
	Log        LogConfig        `mapstructure:"log"`
	HTTP       HTTPConfig       `mapstructure:"http"`
	GRPC       GRPCConfig       `mapstructure:"grpc"`
	Store      StoreConfig      `mapstructure:"store"`
	Hub        HubConfig        `mapstructure:"hub"`
	Cases      CasesConfig      `mapstructure:"cases"`
	Assignment AssignmentConfig `mapstructure:"assignment"`
	AMQP       AMQPConfig       `mapstructure:"amqp"`
	Redis      RedisConfig      `mapstructure:"redis"`
	MQTT       MQTTConfig       `mapstructure:"mqtt"`
	Tracing    TracingConfig    `mapstructure:"tracing"`

	v         *viper.Viper
	mu        sync.Mutex
	listeners []func(*Config)
}

type ServiceConfig struct {
	ID      string `mapstructure:"id"`
	Version string `mapstructure:"version"`
}

type LogConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // json | text
	File       string `mapstructure:"file"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	OTel       bool   `mapstructure:"otel"`
}

type HTTPConfig struct {
	Addr         string        `mapstructure:"addr"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	PollTimeout  time.Duration `mapstructure:"poll_timeout"`
}

type GRPCConfig struct {
	Addr string `mapstructure:"addr"`
}

type StoreConfig struct {
	Driver    string        `mapstructure:"driver"` // memory | postgres | sqlite
	DSN       string        `mapstructure:"dsn"`
	CacheSize int           `mapstructure:"cache_size"`
	Breaker   BreakerConfig `mapstructure:"breaker"`
}

type BreakerConfig struct {
	MaxFailures uint32        `mapstructure:"max_failures"`
	OpenTimeout time.Duration `mapstructure:"open_timeout"`
}

type HubConfig struct {
	Retention        int           `mapstructure:"retention"`
	SubscriberBuffer int           `mapstructure:"subscriber_buffer"`
	EvictionInterval time.Duration `mapstructure:"eviction_interval"`
	IdleTimeout      time.Duration `mapstructure:"idle_timeout"`
}

type CasesConfig struct {
	LockTimeout time.Duration `mapstructure:"lock_timeout"`
}

type AssignmentConfig struct {
	StarvationThreshold  time.Duration `mapstructure:"starvation_threshold"`
	CaseBudget           time.Duration `mapstructure:"case_budget"`
	RetryAttempts        uint          `mapstructure:"retry_attempts"`
	RetryInitialInterval time.Duration `mapstructure:"retry_initial_interval"`
	ReevaluateInterval   time.Duration `mapstructure:"reevaluate_interval"`
	MaxCandidates        int           `mapstructure:"max_candidates"`
}

type AMQPConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	URL      string `mapstructure:"url"`
	Exchange string `mapstructure:"exchange"`
}

type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Stream   string `mapstructure:"stream"`
	Group    string `mapstructure:"group"`
	Consumer string `mapstructure:"consumer"`
}

type MQTTConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Broker   string `mapstructure:"broker"`
	ClientID string `mapstructure:"client_id"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Topic    string `mapstructure:"topic"`
	QoS      byte   `mapstructure:"qos"`
}

type TracingConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("service.id", "dispatch-1")
	v.SetDefault("service.version", "dev")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("log.max_size_mb", 100)
	v.SetDefault("log.max_backups", 5)

	v.SetDefault("http.addr", ":8080")
	v.SetDefault("http.read_timeout", 10*time.Second)
	v.SetDefault("http.write_timeout", 0) // websocket and long-poll handlers own their deadlines
	v.SetDefault("http.poll_timeout", 30*time.Second)

	v.SetDefault("grpc.addr", ":9090")

	v.SetDefault("store.driver", "memory")
	v.SetDefault("store.cache_size", 4096)
	v.SetDefault("store.breaker.max_failures", 5)
	v.SetDefault("store.breaker.open_timeout", 10*time.Second)

	v.SetDefault("hub.retention", 256)
	v.SetDefault("hub.subscriber_buffer", 1024)
	v.SetDefault("hub.eviction_interval", 5*time.Minute)
	v.SetDefault("hub.idle_timeout", 15*time.Minute)

	v.SetDefault("cases.lock_timeout", 2*time.Second)

	v.SetDefault("assignment.starvation_threshold", 10*time.Minute)
	v.SetDefault("assignment.case_budget", 3*time.Second)
	v.SetDefault("assignment.retry_attempts", 3)
	v.SetDefault("assignment.retry_initial_interval", 50*time.Millisecond)
	v.SetDefault("assignment.reevaluate_interval", 30*time.Second)
	v.SetDefault("assignment.max_candidates", 5)

	v.SetDefault("amqp.exchange", "dispatch.events")

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.stream", "dispatch:telemetry:ambulance")
	v.SetDefault("redis.group", "dispatch-service")

	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "dispatch-service")
	v.SetDefault("mqtt.topic", "dispatch/hospital/+/capacity")
	v.SetDefault("mqtt.qos", 1)

	v.SetDefault("tracing.sample_ratio", 1.0)
}

// NewFlagSet declares the command-line overrides understood by LoadConfig.
// Keys mirror the configuration tree, e.g. --http.addr=:8081.
func NewFlagSet() *pflag.FlagSet {
	fs := pflag.NewFlagSet("dispatch", pflag.ContinueOnError)
	fs.String("log.level", "", "log level (debug, info, warn, error)")
	fs.String("http.addr", "", "HTTP listen address")
	fs.String("grpc.addr", "", "gRPC listen address")
	fs.String("store.driver", "", "store driver (memory, postgres, sqlite)")
	fs.String("store.dsn", "", "store connection string")
	fs.Bool("amqp.enabled", false, "export events and consume commands over AMQP")
	fs.Bool("redis.enabled", false, "consume ambulance telemetry from Redis Streams")
	fs.Bool("mqtt.enabled", false, "consume hospital capacity over MQTT")
	return fs
}

// LoadConfig resolves configuration from defaults, an optional file,
// DISPATCH_* environment variables and command-line overrides, in that order.
func LoadConfig(configFile string, args []string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", configFile, err)
		}
	}

	fs := NewFlagSet()
	if err := fs.Parse(args); err != nil {
		return nil, fmt.Errorf("parse flags: %w", err)
	}
	// Only explicitly passed flags override; pflag defaults would mask the file.
	fs.Visit(func(f *pflag.Flag) {
		_ = v.BindPFlag(f.Name, f)
	})

	cfg := &Config{v: v}
	if err := cfg.decode(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode() error {
	if err := c.v.Unmarshal(c); err != nil {
		return fmt.Errorf("decode config: %w", err)
	}
	return c.Validate()
}

func (c *Config) Validate() error {
	var errs []error
	switch c.Store.Driver {
	case "memory":
	case "postgres", "sqlite":
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for driver %q", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown store.driver %q", c.Store.Driver))
	}
	if c.Hub.Retention <= 0 {
		errs = append(errs, errors.New("hub.retention must be positive"))
	}
	if c.Cases.LockTimeout <= 0 {
		errs = append(errs, errors.New("cases.lock_timeout must be positive"))
	}
	if c.Assignment.CaseBudget <= 0 {
		errs = append(errs, errors.New("assignment.case_budget must be positive"))
	}
	if c.Assignment.RetryAttempts == 0 {
		errs = append(errs, errors.New("assignment.retry_attempts must be at least 1"))
	}
	if c.AMQP.Enabled && c.AMQP.URL == "" {
		errs = append(errs, errors.New("amqp.url is required when amqp is enabled"))
	}
	if c.Redis.Enabled && (c.Redis.Stream == "" || c.Redis.Group == "") {
		errs = append(errs, errors.New("redis.stream and redis.group are required when redis is enabled"))
	}
	if c.MQTT.Enabled && (c.MQTT.Broker == "" || c.MQTT.Topic == "") {
		errs = append(errs, errors.New("mqtt.broker and mqtt.topic are required when mqtt is enabled"))
	}
	if c.MQTT.QoS > 2 {
		errs = append(errs, fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", c.MQTT.QoS))
	}
	return errors.Join(errs...)
}

// OnChange registers fn to run after the config file changes on disk and the
// new values decode and validate. Only reloadable sections are applied.
func (c *Config) OnChange(fn func(*Config)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Watch starts watching the config file, if one was loaded.
func (c *Config) Watch(onError func(error)) {
	if c.v == nil || c.v.ConfigFileUsed() == "" {
		return
	}
	c.v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		next := &Config{v: c.v}
		if err := next.decode(); err != nil {
			if onError != nil {
				onError(err)
			}
			return
		}

		c.mu.Lock()
		c.Log.Level = next.Log.Level
		c.Assignment = next.Assignment
		listeners := append([]func(*Config){}, c.listeners...)
		c.mu.Unlock()

		for _, fn := range listeners {
			fn(c)
		}
	})
	c.v.WatchConfig()
}
