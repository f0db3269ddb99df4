package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/sells-group/outreach-cli/internal/ratelimit"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig        `yaml:"store" mapstructure:"store"`
	Redis      RedisConfig        `yaml:"redis" mapstructure:"redis"`
	Serper     SerperConfig       `yaml:"serper" mapstructure:"serper"`
	Hunter     HunterConfig       `yaml:"hunter" mapstructure:"hunter"`
	Anthropic  AnthropicConfig    `yaml:"anthropic" mapstructure:"anthropic"`
	Resend     ResendConfig       `yaml:"resend" mapstructure:"resend"`
	Pipeline   PipelineConfig     `yaml:"pipeline" mapstructure:"pipeline"`
	Budgets    []ratelimit.Budget `yaml:"budgets" mapstructure:"budgets"`
	Server     ServerConfig       `yaml:"server" mapstructure:"server"`
	Log        LogConfig          `yaml:"log" mapstructure:"log"`
	Monitoring MonitoringConfig   `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int    `yaml:"max_conns" mapstructure:"max_conns"`
}

// RedisConfig configures the optional Redis rate limit backend.
// When Addr is empty the limiter falls back to in-process counters.
type RedisConfig struct {
	Addr     string `yaml:"addr" mapstructure:"addr"`
	Password string `yaml:"password" mapstructure:"password"`
	DB       int    `yaml:"db" mapstructure:"db"`
}

// SerperConfig holds Serper search API settings.
type SerperConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// HunterConfig holds Hunter contact lookup settings.
type HunterConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
}

// AnthropicConfig holds Anthropic API settings.
type AnthropicConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	Model     string `yaml:"model" mapstructure:"model"`
	MaxTokens int    `yaml:"max_tokens" mapstructure:"max_tokens"`
}

// ResendConfig holds Resend email delivery settings.
type ResendConfig struct {
	Key     string `yaml:"key" mapstructure:"key"`
	BaseURL string `yaml:"base_url" mapstructure:"base_url"`
	From    string `yaml:"from" mapstructure:"from"`
}

// PipelineConfig configures job execution behavior.
type PipelineConfig struct {
	BatchSize                 int     `yaml:"batch_size" mapstructure:"batch_size"`
	MaxExecutionMinutes       int     `yaml:"max_execution_minutes" mapstructure:"max_execution_minutes"`
	ItemDelayMS               int     `yaml:"item_delay_ms" mapstructure:"item_delay_ms"`
	FollowUpDays              int     `yaml:"follow_up_days" mapstructure:"follow_up_days"`
	WorkerSlots               int     `yaml:"worker_slots" mapstructure:"worker_slots"`
	MaxDiscoveryResults       int     `yaml:"max_discovery_results" mapstructure:"max_discovery_results"`
	VerifyConfidenceThreshold float64 `yaml:"verify_confidence_threshold" mapstructure:"verify_confidence_threshold"`
}

// ServerConfig configures the HTTP API server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// MonitoringConfig configures the background health checker.
type MonitoringConfig struct {
	FailureRateThreshold     float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	ItemFailureRateThreshold float64 `yaml:"item_failure_rate_threshold" mapstructure:"item_failure_rate_threshold"`
	WebhookURL               string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	CheckIntervalSecs        int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours      int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("OUTREACH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("redis.db", 0)
	v.SetDefault("serper.base_url", "https://google.serper.dev")
	v.SetDefault("hunter.base_url", "https://api.hunter.io/v2")
	v.SetDefault("anthropic.model", "claude-sonnet-4-5-20250929")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("resend.base_url", "https://api.resend.com")
	v.SetDefault("pipeline.batch_size", 50)
	v.SetDefault("pipeline.max_execution_minutes", 30)
	v.SetDefault("pipeline.item_delay_ms", 250)
	v.SetDefault("pipeline.follow_up_days", 4)
	v.SetDefault("pipeline.worker_slots", 2)
	v.SetDefault("pipeline.max_discovery_results", 100)
	v.SetDefault("pipeline.verify_confidence_threshold", 0.7)
	v.SetDefault("monitoring.failure_rate_threshold", 0.5)
	v.SetDefault("monitoring.item_failure_rate_threshold", 0.3)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_window_hours", 24)

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

// Validate checks that the fields required by the given mode are set.
// Mode is the command being run: "pipeline", "discovery", or "serve".
func (c *Config) Validate(mode string) error {
	var problems []string

	checkCommon := func() {
		if c.Store.Driver != "postgres" && c.Store.Driver != "sqlite" {
			problems = append(problems, "store.driver must be postgres or sqlite")
		}
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required")
		}
		if c.Pipeline.BatchSize < 1 || c.Pipeline.BatchSize > 1000 {
			problems = append(problems, "pipeline.batch_size must be between 1 and 1000")
		}
		if c.Pipeline.MaxExecutionMinutes < 1 {
			problems = append(problems, "pipeline.max_execution_minutes must be >= 1")
		}
		if c.Pipeline.WorkerSlots < 1 {
			problems = append(problems, "pipeline.worker_slots must be >= 1")
		}
		if c.Pipeline.VerifyConfidenceThreshold < 0 || c.Pipeline.VerifyConfidenceThreshold > 1 {
			problems = append(problems, "pipeline.verify_confidence_threshold must be between 0 and 1")
		}
	}

	switch mode {
	case "pipeline":
		checkCommon()
	case "discovery":
		checkCommon()
		if c.Serper.Key == "" {
			problems = append(problems, "serper.key is required")
		}
	case "serve":
		checkCommon()
		if c.Server.Port <= 0 {
			problems = append(problems, "server.port must be > 0")
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(problems) > 0 {
		return eris.New("config: " + strings.Join(problems, "; "))
	}
	return nil
}

// BudgetFor returns the configured budget with the given name, if any.
func (c *Config) BudgetFor(name string) (ratelimit.Budget, bool) {
	for _, b := range c.Budgets {
		if b.Name == name {
			return b, true
		}
	}
	return ratelimit.Budget{}, false
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
