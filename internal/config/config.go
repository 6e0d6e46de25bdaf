package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store        StoreConfig        `yaml:"store" mapstructure:"store"`
	Redis        RedisConfig        `yaml:"redis" mapstructure:"redis"`
	Kafka        KafkaConfig        `yaml:"kafka" mapstructure:"kafka"`
	Anthropic    AnthropicConfig    `yaml:"anthropic" mapstructure:"anthropic"`
	Gemini       GeminiConfig       `yaml:"gemini" mapstructure:"gemini"`
	Reasoning    ReasoningConfig    `yaml:"reasoning" mapstructure:"reasoning"`
	Vision       VisionConfig       `yaml:"vision" mapstructure:"vision"`
	Pricing      PricingConfig      `yaml:"pricing" mapstructure:"pricing"`
	Authenticity AuthenticityConfig `yaml:"authenticity" mapstructure:"authenticity"`
	Workflow     WorkflowConfig     `yaml:"workflow" mapstructure:"workflow"`
	Temporal     TemporalConfig     `yaml:"temporal" mapstructure:"temporal"`
	Server       ServerConfig       `yaml:"server" mapstructure:"server"`
	Monitoring   MonitoringConfig   `yaml:"monitoring" mapstructure:"monitoring"`
	Log          LogConfig          `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	// SnapshotBackend selects where pricing snapshots live: "store" or "redis".
	SnapshotBackend string `yaml:"snapshot_backend" mapstructure:"snapshot_backend"`
}

// RedisConfig configures the pricing snapshot cache.
type RedisConfig struct {
	Addr      string `yaml:"addr" mapstructure:"addr"`
	Password  string `yaml:"password" mapstructure:"password"`
	DB        int    `yaml:"db" mapstructure:"db"`
	KeyPrefix string `yaml:"key_prefix" mapstructure:"key_prefix"`
}

// KafkaConfig configures the dead-letter topic.
type KafkaConfig struct {
	Brokers          []string `yaml:"brokers" mapstructure:"brokers"`
	DeadLetterTopic  string   `yaml:"dead_letter_topic" mapstructure:"dead_letter_topic"`
	WriteTimeoutSecs int      `yaml:"write_timeout_secs" mapstructure:"write_timeout_secs"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int    `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// GeminiConfig holds Gemini API settings.
type GeminiConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// ReasoningConfig selects and bounds the reasoning provider.
type ReasoningConfig struct {
	// Provider is "anthropic", "gemini" or "none".
	Provider        string `yaml:"provider" mapstructure:"provider"`
	TimeoutSecs     int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxContextChars int    `yaml:"max_context_chars" mapstructure:"max_context_chars"`
}

// VisionConfig configures the feature extraction service.
type VisionConfig struct {
	BaseURL     string `yaml:"base_url" mapstructure:"base_url"`
	Key         string `yaml:"key" mapstructure:"key"`
	TimeoutSecs int    `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// PriceSourceConfig describes one comparable-sales source.
type PriceSourceConfig struct {
	Name       string  `yaml:"name" mapstructure:"name"`
	BaseURL    string  `yaml:"base_url" mapstructure:"base_url"`
	Key        string  `yaml:"key" mapstructure:"key"`
	RatePerSec float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	Burst      int     `yaml:"burst" mapstructure:"burst"`
}

// PricingConfig configures comp fetching and fusion.
type PricingConfig struct {
	BaseCurrency        string              `yaml:"base_currency" mapstructure:"base_currency"`
	WindowDays          int                 `yaml:"window_days" mapstructure:"window_days"`
	SnapshotTTLSecs     int                 `yaml:"snapshot_ttl_secs" mapstructure:"snapshot_ttl_secs"`
	IQRMinComps         int                 `yaml:"iqr_min_comps" mapstructure:"iqr_min_comps"`
	IQRMultiplier       float64             `yaml:"iqr_multiplier" mapstructure:"iqr_multiplier"`
	LowPercentile       float64             `yaml:"low_percentile" mapstructure:"low_percentile"`
	HighPercentile      float64             `yaml:"high_percentile" mapstructure:"high_percentile"`
	CountScale          float64             `yaml:"count_scale" mapstructure:"count_scale"`
	VolatilityWeight    float64             `yaml:"volatility_weight" mapstructure:"volatility_weight"`
	FXRates             map[string]float64  `yaml:"fx_rates" mapstructure:"fx_rates"`
	Sources             []PriceSourceConfig `yaml:"sources" mapstructure:"sources"`
	RegistryPath        string              `yaml:"registry_path" mapstructure:"registry_path"`
	SourceTimeoutSecs   int                 `yaml:"source_timeout_secs" mapstructure:"source_timeout_secs"`
	CircuitThreshold    int                 `yaml:"circuit_threshold" mapstructure:"circuit_threshold"`
	CircuitCooldownSecs int                 `yaml:"circuit_cooldown_secs" mapstructure:"circuit_cooldown_secs"`
	Retry               RetryPolicy         `yaml:"retry" mapstructure:"retry"`
}

// SignalWeights are the fallback authenticity weights.
type SignalWeights struct {
	Visual float64 `yaml:"visual" mapstructure:"visual"`
	Text   float64 `yaml:"text" mapstructure:"text"`
	Holo   float64 `yaml:"holo" mapstructure:"holo"`
	Border float64 `yaml:"border" mapstructure:"border"`
	Font   float64 `yaml:"font" mapstructure:"font"`
}

// AuthenticityConfig configures signal scoring.
type AuthenticityConfig struct {
	FakeThreshold float64       `yaml:"fake_threshold" mapstructure:"fake_threshold"`
	Weights       SignalWeights `yaml:"weights" mapstructure:"weights"`
	HoloMin       float64       `yaml:"holo_min" mapstructure:"holo_min"`
	HoloMax       float64       `yaml:"holo_max" mapstructure:"holo_max"`
	NonHoloMax    float64       `yaml:"non_holo_max" mapstructure:"non_holo_max"`
	// ReferenceHashes maps a card name to hex-encoded 64-bit perceptual hashes.
	ReferenceHashes map[string][]string `yaml:"reference_hashes" mapstructure:"reference_hashes"`
}

// RetryPolicy configures one workflow task.
type RetryPolicy struct {
	MaxAttempts      int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier       float64 `yaml:"multiplier" mapstructure:"multiplier"`
	TimeoutSecs      int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
}

// WorkflowConfig configures per-task policies.
type WorkflowConfig struct {
	Extract      RetryPolicy `yaml:"extract" mapstructure:"extract"`
	Pricing      RetryPolicy `yaml:"pricing" mapstructure:"pricing"`
	Authenticity RetryPolicy `yaml:"authenticity" mapstructure:"authenticity"`
	Aggregate    RetryPolicy `yaml:"aggregate" mapstructure:"aggregate"`
	// Runner is "local" (in-process) or "temporal".
	Runner string `yaml:"runner" mapstructure:"runner"`
}

// TemporalConfig configures the durable workflow client.
type TemporalConfig struct {
	HostPort  string `yaml:"host_port" mapstructure:"host_port"`
	Namespace string `yaml:"namespace" mapstructure:"namespace"`
	TaskQueue string `yaml:"task_queue" mapstructure:"task_queue"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port        int      `yaml:"port" mapstructure:"port"`
	CORSOrigins []string `yaml:"cors_origins" mapstructure:"cors_origins"`
}

// MonitoringConfig configures the background gauge collector and alerting.
type MonitoringConfig struct {
	CheckIntervalSecs int `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	// WebhookURL receives JSON alerts. Alerting is off when empty.
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url"`
	// DLQDepthThreshold raises an alert once the dead-letter backlog exceeds it.
	DLQDepthThreshold int `yaml:"dlq_depth_threshold" mapstructure:"dlq_depth_threshold"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("CARDS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.snapshot_backend", "store")
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.key_prefix", "cards:snapshot:")
	v.SetDefault("kafka.dead_letter_topic", "card-appraisal-dlq")
	v.SetDefault("kafka.write_timeout_secs", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("gemini.model", "gemini-2.5-flash")
	v.SetDefault("reasoning.provider", "anthropic")
	v.SetDefault("reasoning.timeout_secs", 20)
	v.SetDefault("reasoning.max_context_chars", 4000)

	v.SetDefault("vision.timeout_secs", 15)

	v.SetDefault("pricing.base_currency", "USD")
	v.SetDefault("pricing.window_days", 90)
	v.SetDefault("pricing.snapshot_ttl_secs", 300)
	v.SetDefault("pricing.iqr_min_comps", 8)
	v.SetDefault("pricing.iqr_multiplier", 1.5)
	v.SetDefault("pricing.low_percentile", 10.0)
	v.SetDefault("pricing.high_percentile", 90.0)
	v.SetDefault("pricing.count_scale", 8.0)
	v.SetDefault("pricing.volatility_weight", 1.0)
	v.SetDefault("pricing.fx_rates", map[string]float64{"USD": 1.0, "EUR": 1.08, "GBP": 1.27, "JPY": 0.0067, "CAD": 0.73})
	v.SetDefault("pricing.source_timeout_secs", 10)
	v.SetDefault("pricing.circuit_threshold", 5)
	v.SetDefault("pricing.circuit_cooldown_secs", 30)
	v.SetDefault("pricing.retry.max_attempts", 3)
	v.SetDefault("pricing.retry.initial_backoff_ms", 500)
	v.SetDefault("pricing.retry.max_backoff_ms", 4000)
	v.SetDefault("pricing.retry.multiplier", 2.0)

	v.SetDefault("authenticity.fake_threshold", 0.5)
	v.SetDefault("authenticity.weights.visual", 0.30)
	v.SetDefault("authenticity.weights.text", 0.20)
	v.SetDefault("authenticity.weights.holo", 0.20)
	v.SetDefault("authenticity.weights.border", 0.15)
	v.SetDefault("authenticity.weights.font", 0.15)
	v.SetDefault("authenticity.holo_min", 0.35)
	v.SetDefault("authenticity.holo_max", 1.0)
	v.SetDefault("authenticity.non_holo_max", 0.2)

	v.SetDefault("workflow.runner", "local")
	v.SetDefault("workflow.extract.max_attempts", 4)
	v.SetDefault("workflow.extract.initial_backoff_ms", 2000)
	v.SetDefault("workflow.extract.max_backoff_ms", 8000)
	v.SetDefault("workflow.extract.multiplier", 2.0)
	v.SetDefault("workflow.extract.timeout_secs", 30)
	v.SetDefault("workflow.pricing.max_attempts", 2)
	v.SetDefault("workflow.pricing.initial_backoff_ms", 1000)
	v.SetDefault("workflow.pricing.max_backoff_ms", 4000)
	v.SetDefault("workflow.pricing.multiplier", 2.0)
	v.SetDefault("workflow.pricing.timeout_secs", 60)
	v.SetDefault("workflow.authenticity.max_attempts", 2)
	v.SetDefault("workflow.authenticity.initial_backoff_ms", 1000)
	v.SetDefault("workflow.authenticity.max_backoff_ms", 4000)
	v.SetDefault("workflow.authenticity.multiplier", 2.0)
	v.SetDefault("workflow.authenticity.timeout_secs", 45)
	v.SetDefault("workflow.aggregate.max_attempts", 3)
	v.SetDefault("workflow.aggregate.initial_backoff_ms", 500)
	v.SetDefault("workflow.aggregate.max_backoff_ms", 2000)
	v.SetDefault("workflow.aggregate.multiplier", 2.0)
	v.SetDefault("workflow.aggregate.timeout_secs", 15)

	v.SetDefault("temporal.host_port", "localhost:7233")
	v.SetDefault("temporal.namespace", "default")
	v.SetDefault("temporal.task_queue", "card-appraisal")

	v.SetDefault("monitoring.check_interval_secs", 60)
	v.SetDefault("monitoring.dlq_depth_threshold", 25)
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
