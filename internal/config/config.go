// Package config loads application configuration from file and
// environment and initializes the global logger.
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
	Store      StoreConfig             `yaml:"store" mapstructure:"store"`
	Anthropic  AnthropicConfig         `yaml:"anthropic" mapstructure:"anthropic"`
	OpenAI     OpenAIConfig            `yaml:"openai" mapstructure:"openai"`
	Rules      RulesConfig             `yaml:"rules" mapstructure:"rules"`
	Chart      ChartConfig             `yaml:"chart" mapstructure:"chart"`
	Decision   DecisionConfig          `yaml:"decision" mapstructure:"decision"`
	Budget     BudgetConfig            `yaml:"budget" mapstructure:"budget"`
	Reconcile  ReconcileConfig         `yaml:"reconcile" mapstructure:"reconcile"`
	Export     ExportConfig            `yaml:"export" mapstructure:"export"`
	Events     EventsConfig            `yaml:"events" mapstructure:"events"`
	Monitoring MonitoringConfig        `yaml:"monitoring" mapstructure:"monitoring"`
	Server     ServerConfig            `yaml:"server" mapstructure:"server"`
	Log        LogConfig               `yaml:"log" mapstructure:"log"`
	Tenants    map[string]TenantConfig `yaml:"tenants" mapstructure:"tenants"`
}

// StoreConfig configures the database backend. The pool fields apply
// to the postgres driver only.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// AnthropicConfig holds the external reasoning provider settings.
type AnthropicConfig struct {
	Key         string  `yaml:"key" mapstructure:"key"`
	Model       string  `yaml:"model" mapstructure:"model"`
	MaxTokens   int64   `yaml:"max_tokens" mapstructure:"max_tokens"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	CostPerCall float64 `yaml:"cost_per_call_usd" mapstructure:"cost_per_call_usd"`
}

// OpenAIConfig holds embedding provider settings. When Key is empty the
// deterministic offline embedder is used instead.
type OpenAIConfig struct {
	Key   string `yaml:"key" mapstructure:"key"`
	Model string `yaml:"model" mapstructure:"model"`
}

// RulesConfig configures the pattern rule matcher.
type RulesConfig struct {
	Path           string  `yaml:"path" mapstructure:"path"`
	RuleConfidence float64 `yaml:"rule_confidence" mapstructure:"rule_confidence"`
}

// ChartConfig locates the chart of accounts file.
type ChartConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// DecisionConfig holds the engine-wide decisioning defaults. Each value
// may be overridden per tenant via TenantConfig.
type DecisionConfig struct {
	AutoPostThreshold float64 `yaml:"auto_post_threshold" mapstructure:"auto_post_threshold"`
	ColdStartMinimum  int     `yaml:"cold_start_minimum" mapstructure:"cold_start_minimum"`
	SimilarityFloor   float64 `yaml:"similarity_floor" mapstructure:"similarity_floor"`
	RecallK           int     `yaml:"recall_k" mapstructure:"recall_k"`
	FundingAccount    string  `yaml:"funding_account" mapstructure:"funding_account"`
	ModelVersion      string  `yaml:"model_version" mapstructure:"model_version"`
}

// BudgetConfig caps external reasoning spend over a rolling 30-day
// window, plus a per-transaction call ratio limit.
type BudgetConfig struct {
	TenantCapUSD   float64 `yaml:"tenant_cap_usd" mapstructure:"tenant_cap_usd"`
	GlobalCapUSD   float64 `yaml:"global_cap_usd" mapstructure:"global_cap_usd"`
	WindowDays     int     `yaml:"window_days" mapstructure:"window_days"`
	CallsPerSecond float64 `yaml:"calls_per_second" mapstructure:"calls_per_second"`
	CallBurst      int     `yaml:"call_burst" mapstructure:"call_burst"`
}

// ReconcileConfig configures the reconciliation matcher.
type ReconcileConfig struct {
	DateToleranceDays  int `yaml:"date_tolerance_days" mapstructure:"date_tolerance_days"`
	MaxParallelTenants int `yaml:"max_parallel_tenants" mapstructure:"max_parallel_tenants"`
}

// ExportConfig points at the external ledger API. With no URL the
// engine mints local document ids instead of calling out.
type ExportConfig struct {
	URL   string `yaml:"url" mapstructure:"url"`
	Token string `yaml:"token" mapstructure:"token"`
}

// EventsConfig configures the optional posted-entry event publisher.
type EventsConfig struct {
	Enabled bool     `yaml:"enabled" mapstructure:"enabled"`
	Brokers []string `yaml:"brokers" mapstructure:"brokers"`
	Topic   string   `yaml:"topic" mapstructure:"topic"`
}

// MonitoringConfig configures the background alert checker.
type MonitoringConfig struct {
	WebhookURL                string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	AutomationRateFloor       float64 `yaml:"automation_rate_floor" mapstructure:"automation_rate_floor"`
	CalibrationDefaultCeiling float64 `yaml:"calibration_default_ceiling" mapstructure:"calibration_default_ceiling"`
	BudgetAlertRatio          float64 `yaml:"budget_alert_ratio" mapstructure:"budget_alert_ratio"`
	LookbackWindowHours       int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	CheckIntervalSecs         int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// TenantConfig carries per-tenant overrides. Zero values mean "use the
// engine default". Overrides are policy inputs; the auto-post gate
// applies the same invariants regardless of source.
type TenantConfig struct {
	AutoPostThreshold float64 `yaml:"auto_post_threshold" mapstructure:"auto_post_threshold"`
	ColdStartMinimum  int     `yaml:"cold_start_minimum" mapstructure:"cold_start_minimum"`
	SimilarityFloor   float64 `yaml:"similarity_floor" mapstructure:"similarity_floor"`
	FundingAccount    string  `yaml:"funding_account" mapstructure:"funding_account"`
	TenantCapUSD      float64 `yaml:"tenant_cap_usd" mapstructure:"tenant_cap_usd"`
}

// TenantSettings resolves the effective decisioning settings for a
// tenant by layering its overrides onto the engine defaults.
func (c *Config) TenantSettings(tenantID string) DecisionConfig {
	out := c.Decision
	t, ok := c.Tenants[tenantID]
	if !ok {
		return out
	}
	if t.AutoPostThreshold > 0 {
		out.AutoPostThreshold = t.AutoPostThreshold
	}
	if t.ColdStartMinimum > 0 {
		out.ColdStartMinimum = t.ColdStartMinimum
	}
	if t.SimilarityFloor > 0 {
		out.SimilarityFloor = t.SimilarityFloor
	}
	if t.FundingAccount != "" {
		out.FundingAccount = t.FundingAccount
	}
	return out
}

// TenantCapUSD resolves the effective rolling-window spend cap for a
// tenant.
func (c *Config) TenantCapUSD(tenantID string) float64 {
	if t, ok := c.Tenants[tenantID]; ok && t.TenantCapUSD > 0 {
		return t.TenantCapUSD
	}
	return c.Budget.TenantCapUSD
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("QUILL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "quill.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("anthropic.model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.max_tokens", 1024)
	v.SetDefault("anthropic.timeout_secs", 20)
	v.SetDefault("anthropic.cost_per_call_usd", 0.01)
	v.SetDefault("openai.model", "text-embedding-3-small")
	v.SetDefault("rules.path", "rules.yaml")
	v.SetDefault("chart.path", "chart.yaml")
	v.SetDefault("rules.rule_confidence", 0.99)
	v.SetDefault("decision.auto_post_threshold", 0.90)
	v.SetDefault("decision.cold_start_minimum", 3)
	v.SetDefault("decision.similarity_floor", 0.85)
	v.SetDefault("decision.recall_k", 5)
	v.SetDefault("decision.funding_account", "1000:Bank")
	v.SetDefault("decision.model_version", "v1")
	v.SetDefault("budget.tenant_cap_usd", 25.0)
	v.SetDefault("budget.global_cap_usd", 500.0)
	v.SetDefault("budget.window_days", 30)
	v.SetDefault("budget.calls_per_second", 1.0)
	v.SetDefault("budget.call_burst", 3)
	v.SetDefault("reconcile.date_tolerance_days", 3)
	v.SetDefault("reconcile.max_parallel_tenants", 4)
	v.SetDefault("events.topic", "quill.entry.posted")
	v.SetDefault("monitoring.automation_rate_floor", 0.5)
	v.SetDefault("monitoring.calibration_default_ceiling", 0.5)
	v.SetDefault("monitoring.budget_alert_ratio", 0.8)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("server.port", 8080)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	if err := v.ReadInConfig(); err != nil {
		// Missing config file is fine; env vars and defaults still apply.
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

// Validate checks cross-field constraints that would otherwise surface
// at decision time.
func (c *Config) Validate() error {
	if c.Decision.AutoPostThreshold <= 0 || c.Decision.AutoPostThreshold > 1 {
		return eris.Errorf("config: auto_post_threshold must be in (0,1], got %v", c.Decision.AutoPostThreshold)
	}
	if c.Decision.SimilarityFloor < 0 || c.Decision.SimilarityFloor > 1 {
		return eris.Errorf("config: similarity_floor must be in [0,1], got %v", c.Decision.SimilarityFloor)
	}
	if c.Decision.ColdStartMinimum < 1 {
		return eris.Errorf("config: cold_start_minimum must be >= 1, got %d", c.Decision.ColdStartMinimum)
	}
	if c.Budget.WindowDays <= 0 {
		return eris.Errorf("config: budget window_days must be > 0, got %d", c.Budget.WindowDays)
	}
	return nil
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
