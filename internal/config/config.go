// Package config resolves the layered run configuration into one validated
// struct: struct defaults, the YAML file, .env and RETUNE_* environment
// overrides, then validation. Command flags are applied by the caller
// before Validate.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/creasty/defaults"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/sawpanic/retune/internal/backtest"
	"github.com/sawpanic/retune/internal/gates"
	"github.com/sawpanic/retune/internal/infrastructure/db"
	"github.com/sawpanic/retune/internal/lock"
	applog "github.com/sawpanic/retune/internal/log"
	"github.com/sawpanic/retune/internal/metrics"
	"github.com/sawpanic/retune/internal/notify"
	"github.com/sawpanic/retune/internal/report/perf"
	"github.com/sawpanic/retune/internal/rollout"
	"github.com/sawpanic/retune/internal/runtime"
	"github.com/sawpanic/retune/internal/tune/montecarlo"
	"github.com/sawpanic/retune/internal/tune/oos"
	"github.com/sawpanic/retune/internal/tune/opt"
	"github.com/sawpanic/retune/internal/tune/segment"
	"github.com/sawpanic/retune/internal/tune/space"
)

// EnvPrefix prefixes every environment override
const EnvPrefix = "RETUNE_"

// Config is the complete run configuration
type Config struct {
	Log        applog.Config          `yaml:"log" json:"log"`
	Data       DataConfig             `yaml:"data" json:"data"`
	Windows    WindowsConfig          `yaml:"windows" json:"windows"`
	Space      []space.Dimension      `yaml:"space" json:"space" validate:"required,min=1,dive"`
	Search     opt.Config             `yaml:"search" json:"search"`
	OOS        OOSConfig              `yaml:"oos" json:"oos"`
	MonteCarlo montecarlo.Config      `yaml:"montecarlo" json:"montecarlo"`
	Gate       gates.DeployGateConfig `yaml:"gate" json:"gate"`
	Rollout    rollout.Config         `yaml:"rollout" json:"rollout"`
	Deploy     DeployConfig           `yaml:"deploy" json:"deploy"`
	Storage    StorageConfig          `yaml:"storage" json:"storage"`
	Redis      RedisConfig            `yaml:"redis" json:"redis"`
	Kafka      KafkaConfig            `yaml:"kafka" json:"kafka"`
	Metrics    metrics.Config         `yaml:"metrics" json:"metrics"`
	Backtest   BacktestConfig         `yaml:"backtest" json:"backtest"`
	Runtime    runtime.ClientConfig   `yaml:"runtime" json:"runtime"`
	HTTP       HTTPConfig             `yaml:"http" json:"http"`
	Notify     notify.Config          `yaml:"notify" json:"notify"`
	Timeout    time.Duration          `yaml:"timeout" json:"timeout" default:"6h" validate:"gt=0"`
}

// DataConfig locates the historical series
type DataConfig struct {
	Symbol    string    `yaml:"symbol" json:"symbol" validate:"required"`
	Timeframe string    `yaml:"timeframe" json:"timeframe" default:"1h" validate:"required"`
	Dir       string    `yaml:"dir" json:"dir" default:"data/ohlcv"`
	From      time.Time `yaml:"from" json:"from"`
	To        time.Time `yaml:"to" json:"to"`
}

// WindowsConfig holds walk-forward window lengths
type WindowsConfig struct {
	TrainLen   time.Duration `yaml:"train" json:"train" default:"2160h" validate:"gt=0"`
	EmbargoLen time.Duration `yaml:"embargo" json:"embargo" default:"24h" validate:"gte=0"`
	MinEmbargo time.Duration `yaml:"min_embargo" json:"min_embargo" default:"24h" validate:"gte=0"`
	OOSLen     time.Duration `yaml:"oos" json:"oos" default:"720h" validate:"gt=0"`
	MaxOOSLen  time.Duration `yaml:"max_oos" json:"max_oos" default:"1080h"`
	WidenFinal bool          `yaml:"widen_final" json:"widen_final" default:"true"`
}

// Segmenter converts the windows for the segmenter
func (w WindowsConfig) Segmenter() segment.Config {
	return segment.Config{
		TrainLen:   w.TrainLen,
		EmbargoLen: w.EmbargoLen,
		MinEmbargo: w.MinEmbargo,
		OOSLen:     w.OOSLen,
		MaxOOSLen:  w.MaxOOSLen,
		WidenFinal: w.WidenFinal,
	}
}

// OOSConfig holds the sample-size floors and candidate selection weight
type OOSConfig struct {
	oos.Thresholds `yaml:",inline"`

	// Final candidate score is mean Sharpe minus this times its stddev
	StabilityPenalty float64 `yaml:"stability_penalty" json:"stability_penalty" default:"0.5" validate:"gte=0"`
}

// DeployConfig controls the irreversible part of a run
type DeployConfig struct {
	Enabled bool `yaml:"enabled" json:"enabled"`

	// Guard deployment with the Redis lease when Redis is configured
	Lock bool `yaml:"lock" json:"lock" default:"true"`
}

// StorageConfig locates the trial database and the version directory
type StorageConfig struct {
	DB          db.Config `yaml:"db" json:"db"`
	VersionsDir string    `yaml:"versions_dir" json:"versions_dir" default:"data/versions" validate:"required"`
}

// RedisConfig configures the shared Redis client
type RedisConfig struct {
	Addr     string             `yaml:"addr" json:"addr"`
	Password string             `yaml:"password" json:"-"`
	DB       int                `yaml:"db" json:"db" validate:"gte=0"`
	Lock     lock.Config        `yaml:"lock" json:"lock"`
	Stream   notify.RedisConfig `yaml:"stream" json:"stream"`

	// Publish events to the stream as well as using Redis for the lease
	Events bool `yaml:"events" json:"events"`
}

// Enabled reports whether a Redis address is configured
func (r RedisConfig) Enabled() bool { return r.Addr != "" }

// KafkaConfig enables the Kafka notification sink
type KafkaConfig struct {
	notify.KafkaConfig `yaml:",inline"`

	Enabled bool `yaml:"enabled" json:"enabled"`
}

// BacktestConfig configures the external engine and metric calculation
type BacktestConfig struct {
	backtest.ExecConfig `yaml:",inline"`

	Perf perf.CalculatorConfig `yaml:"perf" json:"perf"`
}

// HTTPConfig configures the query API
type HTTPConfig struct {
	Addr         string        `yaml:"addr" json:"addr" default:":8090"`
	ReadTimeout  time.Duration `yaml:"read_timeout" json:"read_timeout" default:"10s"`
	WriteTimeout time.Duration `yaml:"write_timeout" json:"write_timeout" default:"30s"`
}

// Default returns a config holding only struct defaults
func Default() (*Config, error) {
	var c Config
	if err := defaults.Set(&c); err != nil {
		return nil, fmt.Errorf("apply defaults: %w", err)
	}
	return &c, nil
}

// Load resolves defaults, the YAML file at path (optional when empty) and
// environment overrides. The result is not validated yet so callers can
// layer flags on top.
func Load(path string) (*Config, error) {
	c, err := Default()
	if err != nil {
		return nil, err
	}

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		if err := yaml.Unmarshal(b, c); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	// a missing .env is fine, a broken one is not
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	if err := c.applyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	return c, nil
}

// LoadAndValidate is Load followed by Validate
func LoadAndValidate(path string) (*Config, error) {
	c, err := Load(path)
	if err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

type lookupFunc func(string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	boolean := func(key string, dst *bool) {
		if v, ok := lookup(EnvPrefix + key); ok && v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("%s%s: %w", EnvPrefix, key, err))
				return
			}
			*dst = b
		}
	}

	str("LOG_LEVEL", &c.Log.Level)
	str("DB_DRIVER", &c.Storage.DB.Driver)
	str("DB_DSN", &c.Storage.DB.DSN)
	str("VERSIONS_DIR", &c.Storage.VersionsDir)
	str("DATA_DIR", &c.Data.Dir)
	str("SYMBOL", &c.Data.Symbol)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_PASSWORD", &c.Redis.Password)
	str("RUNTIME_URL", &c.Runtime.BaseURL)
	str("RUNTIME_TOKEN", &c.Runtime.Token)
	str("PUSHGATEWAY_URL", &c.Metrics.PushURL)
	str("BACKTEST_COMMAND", &c.Backtest.Command)
	str("HTTP_ADDR", &c.HTTP.Addr)
	boolean("DEPLOY", &c.Deploy.Enabled)
	boolean("KAFKA_ENABLED", &c.Kafka.Enabled)

	if v, ok := lookup(EnvPrefix + "KAFKA_BROKERS"); ok && v != "" {
		c.Kafka.Brokers = splitAndTrim(v)
		c.Kafka.Enabled = true
	}
	if v, ok := lookup(EnvPrefix + "TIMEOUT"); ok && v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("%sTIMEOUT: %w", EnvPrefix, err))
		} else {
			c.Timeout = d
		}
	}
	return errors.Join(errs...)
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	return out
}

// ParameterSpace builds the declared space
func (c *Config) ParameterSpace() (*space.Space, error) {
	return space.New(c.Space)
}
