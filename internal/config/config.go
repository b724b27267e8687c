package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	App     AppConfig     `mapstructure:"app"`
	Server  ServerConfig  `mapstructure:"server"`
	Log     LogConfig     `mapstructure:"log"`
	DB      DBConfig      `mapstructure:"db"`
	Cron    CronConfig    `mapstructure:"cron"`
	Metrics MetricsConfig `mapstructure:"metrics"`

	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Features  FeaturesConfig  `mapstructure:"features"`
	Detectors DetectorsConfig `mapstructure:"detectors"`
	Policy    PolicyConfig    `mapstructure:"policy"`
	Alerting  AlertingConfig  `mapstructure:"alerting"`

	Lock    LockConfig    `mapstructure:"lock"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Kafka   KafkaConfig   `mapstructure:"kafka"`
	Archive ArchiveConfig `mapstructure:"archive"`
}

type AppConfig struct {
	Env string `mapstructure:"env"`
}

type ServerConfig struct {
	HTTPAddr string `mapstructure:"http_addr"`
	// APIToken guards /api/ with a bearer token when set.
	APIToken string `mapstructure:"api_token"`
}

type LogConfig struct {
	Level             string `mapstructure:"level"`
	Encoding          string `mapstructure:"encoding"`
	Development       bool   `mapstructure:"development"`
	Sampling          bool   `mapstructure:"sampling"`
	DisableCaller     bool   `mapstructure:"disable_caller"`
	DisableStacktrace bool   `mapstructure:"disable_stacktrace"`
	// Service is attached to every entry as the "service" field.
	Service string `mapstructure:"service"`
	// Outputs are zap sink URLs or file paths; stdout when empty.
	Outputs []string `mapstructure:"outputs"`
}

type DBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	Timezone        string        `mapstructure:"timezone"`
	// LogLevel is the gorm log level: silent, error, warn or info.
	LogLevel  string        `mapstructure:"log_level"`
	SlowQuery time.Duration `mapstructure:"slow_query"`
}

type CronConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Pipeline is the schedule that triggers a run over the most recently closed window.
	Pipeline string `mapstructure:"pipeline"`
}

type MetricsConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	Namespace string `mapstructure:"namespace"`
}

type PipelineConfig struct {
	Window          time.Duration `mapstructure:"window"`
	Lookback        time.Duration `mapstructure:"lookback"`
	Workers         int           `mapstructure:"workers"`
	DetectorRetries int           `mapstructure:"detector_retries"`
	RetryBaseDelay  time.Duration `mapstructure:"retry_base_delay"`
	RetryMaxDelay   time.Duration `mapstructure:"retry_max_delay"`
	LockTTL         time.Duration `mapstructure:"lock_ttl"`
	TrackedWallets  []string      `mapstructure:"tracked_wallets"`
}

type FeaturesConfig struct {
	Lookbacks         []time.Duration `mapstructure:"lookbacks"`
	MinBaselineTrades int             `mapstructure:"min_baseline_trades"`
	SharePercentile   float64         `mapstructure:"share_percentile"`
	GroupWindow       time.Duration   `mapstructure:"group_window"`
	EventLeadHorizon  time.Duration   `mapstructure:"event_lead_horizon"`
	Workers           int             `mapstructure:"workers"`
}

type DetectorsConfig struct {
	Enabled []string       `mapstructure:"enabled"`
	Params  map[string]any `mapstructure:"params"`
}

type KindPolicyConfig struct {
	Weight    float64 `mapstructure:"weight"`
	Transform string  `mapstructure:"transform"`
}

type PolicyConfig struct {
	Combine    string                      `mapstructure:"combine"`
	Decay      float64                     `mapstructure:"decay"`
	Saturation float64                     `mapstructure:"saturation"`
	Scale      float64                     `mapstructure:"scale"`
	Kinds      map[string]KindPolicyConfig `mapstructure:"kinds"`
}

type SeverityBandsConfig struct {
	Medium   float64 `mapstructure:"medium"`
	High     float64 `mapstructure:"high"`
	Critical float64 `mapstructure:"critical"`
}

type AlertingConfig struct {
	Threshold          float64             `mapstructure:"threshold"`
	StaleConfirmations int                 `mapstructure:"stale_confirmations"`
	EscalationDelta    float64             `mapstructure:"escalation_delta"`
	SeverityBands      SeverityBandsConfig `mapstructure:"severity_bands"`
	MinTradeUSD        float64             `mapstructure:"min_trade_usd"`
	MaxTradeEvidence   int                 `mapstructure:"max_trade_evidence"`
}

type LockConfig struct {
	// Backend is "memory" or "redis".
	Backend string `mapstructure:"backend"`
	Prefix  string `mapstructure:"prefix"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type KafkaConfig struct {
	Enabled  bool     `mapstructure:"enabled"`
	Brokers  []string `mapstructure:"brokers"`
	Topic    string   `mapstructure:"topic"`
	ClientID string   `mapstructure:"client_id"`
}

type ArchiveConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Database string `mapstructure:"database"`
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
}

func Load(path string, envOnly bool) (Config, error) {
	// A local .env is optional; real environment variables win over it.
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("IT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.SetConfigFile(path)
	v.SetConfigType("yaml")
	v.AutomaticEnv()
	setDefaults(v)

	if !envOnly {
		if err := v.ReadInConfig(); err != nil {
			return Config{}, err
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.env", "dev")
	v.SetDefault("server.http_addr", ":8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.encoding", "console")
	v.SetDefault("log.development", true)
	v.SetDefault("log.sampling", false)
	v.SetDefault("log.disable_caller", false)
	v.SetDefault("log.disable_stacktrace", false)
	v.SetDefault("log.service", "insider-tracker")
	v.SetDefault("log.outputs", []string{"stdout"})
	v.SetDefault("db.max_open_conns", 20)
	v.SetDefault("db.max_idle_conns", 5)
	v.SetDefault("db.conn_max_lifetime", "30m")
	v.SetDefault("db.conn_max_idle_time", "5m")
	v.SetDefault("db.timezone", "UTC")
	v.SetDefault("db.log_level", "silent")
	v.SetDefault("db.slow_query", "200ms")
	v.SetDefault("cron.enabled", true)
	v.SetDefault("cron.pipeline", "0 */15 * * * *")
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.namespace", "insider_tracker")

	v.SetDefault("pipeline.window", "1h")
	v.SetDefault("pipeline.lookback", "720h")
	v.SetDefault("pipeline.workers", 8)
	v.SetDefault("pipeline.detector_retries", 2)
	v.SetDefault("pipeline.retry_base_delay", "50ms")
	v.SetDefault("pipeline.retry_max_delay", "1s")
	v.SetDefault("pipeline.lock_ttl", "10m")

	v.SetDefault("features.lookbacks", []string{"1h", "24h", "168h"})
	v.SetDefault("features.min_baseline_trades", 3)
	v.SetDefault("features.share_percentile", 95)
	v.SetDefault("features.group_window", "5m")
	v.SetDefault("features.event_lead_horizon", "168h")
	v.SetDefault("features.workers", 8)

	v.SetDefault("detectors.enabled", []string{
		"whale_concentration",
		"timing_asymmetry",
		"pre_resolution_accumulation",
		"coordinated_actors",
		"asymmetric_risk_exposure",
		"cross_market_correlation",
	})

	v.SetDefault("policy.combine", "max")
	v.SetDefault("policy.decay", 0.5)
	v.SetDefault("policy.saturation", 1.0)
	v.SetDefault("policy.scale", 100)
	v.SetDefault("policy.kinds", map[string]any{
		"WHALE_CONCENTRATION":         map[string]any{"weight": 1.0, "transform": "linear"},
		"COORDINATED_ACTORS":          map[string]any{"weight": 1.0, "transform": "linear"},
		"TIMING_ASYMMETRY":            map[string]any{"weight": 1.2, "transform": "linear"},
		"PRE_RESOLUTION_ACCUMULATION": map[string]any{"weight": 1.1, "transform": "sqrt"},
		"ASYMMETRIC_RISK_EXPOSURE":    map[string]any{"weight": 0.9, "transform": "linear"},
		"CROSS_MARKET_CORRELATION":    map[string]any{"weight": 1.3, "transform": "linear"},
	})

	v.SetDefault("alerting.threshold", 60)
	v.SetDefault("alerting.stale_confirmations", 2)
	v.SetDefault("alerting.escalation_delta", 10)
	v.SetDefault("alerting.severity_bands.medium", 70)
	v.SetDefault("alerting.severity_bands.high", 80)
	v.SetDefault("alerting.severity_bands.critical", 90)
	v.SetDefault("alerting.min_trade_usd", 0)
	v.SetDefault("alerting.max_trade_evidence", 50)

	v.SetDefault("lock.backend", "memory")
	v.SetDefault("lock.prefix", "insider-tracker:run:")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.topic", "insider-alert-events")
	v.SetDefault("kafka.client_id", "insider-tracker")
	v.SetDefault("archive.enabled", false)
	v.SetDefault("archive.database", "default")
}

// Validate rejects configurations the pipeline cannot run with. Policy weights are
// validated separately when the aggregator is built.
func (c Config) Validate() error {
	var errs []error
	switch c.Log.Encoding {
	case "json", "console":
	default:
		errs = append(errs, fmt.Errorf("log.encoding %q not supported", c.Log.Encoding))
	}
	if c.DB.Timezone != "" {
		if _, err := time.LoadLocation(c.DB.Timezone); err != nil {
			errs = append(errs, fmt.Errorf("db.timezone: %w", err))
		}
	}
	if c.Pipeline.Window <= 0 {
		errs = append(errs, errors.New("pipeline.window must be positive"))
	}
	if c.Pipeline.Lookback < 0 {
		errs = append(errs, errors.New("pipeline.lookback must not be negative"))
	}
	if c.Pipeline.Workers <= 0 {
		errs = append(errs, errors.New("pipeline.workers must be positive"))
	}
	if c.Pipeline.DetectorRetries < 0 {
		errs = append(errs, errors.New("pipeline.detector_retries must not be negative"))
	}
	if c.Alerting.StaleConfirmations <= 0 {
		errs = append(errs, errors.New("alerting.stale_confirmations must be positive"))
	}
	if c.Alerting.EscalationDelta < 0 {
		errs = append(errs, errors.New("alerting.escalation_delta must not be negative"))
	}
	b := c.Alerting.SeverityBands
	if !(b.Medium <= b.High && b.High <= b.Critical) {
		errs = append(errs, errors.New("alerting.severity_bands must be ascending"))
	}
	switch c.Lock.Backend {
	case "memory", "redis":
	default:
		errs = append(errs, fmt.Errorf("lock.backend %q not supported", c.Lock.Backend))
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		errs = append(errs, errors.New("kafka.brokers required when kafka is enabled"))
	}
	return errors.Join(errs...)
}
