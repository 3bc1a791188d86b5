// File: internal/config/config.go
package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"

	"github.com/forgeworks-ai/evogate/api/schemas"
)

// Config holds the entire application configuration.
type Config struct {
	Logger       LoggerConfig       `mapstructure:"logger" yaml:"logger"`
	Database     DatabaseConfig     `mapstructure:"database" yaml:"database"`
	Governance   GovernanceConfig   `mapstructure:"governance" yaml:"governance"`
	Verification VerificationConfig `mapstructure:"verification" yaml:"verification"`
	Models       ModelsConfig       `mapstructure:"models" yaml:"models"`
}

// LoggerConfig holds all the configuration for the logger.
type LoggerConfig struct {
	Level       string `mapstructure:"level" yaml:"level"`
	Format      string `mapstructure:"format" yaml:"format"`
	AddSource   bool   `mapstructure:"add_source" yaml:"add_source"`
	ServiceName string `mapstructure:"service_name" yaml:"service_name"`
	LogFile     string `mapstructure:"log_file" yaml:"log_file"`
	MaxSize     int    `mapstructure:"max_size" yaml:"max_size"`
	MaxBackups  int    `mapstructure:"max_backups" yaml:"max_backups"`
	MaxAge      int    `mapstructure:"max_age" yaml:"max_age"`
	Compress    bool   `mapstructure:"compress" yaml:"compress"`
}

// DatabaseConfig holds the database connection details.
type DatabaseConfig struct {
	URL string `mapstructure:"url" yaml:"url"`
}

// GovernanceConfig configures the evolution control plane. The cycle interval
// is a fixed constant of the core (see control.CycleInterval) and is
// intentionally absent here.
type GovernanceConfig struct {
	// Organizations whose schedulers are started by the serve command for
	// orgs that already have evolution enabled.
	Organizations []string `mapstructure:"organizations" yaml:"organizations"`
}

// VerificationConfig configures the ensemble verification service. Validation
// is eager: constructing a verifier from an out-of-range value fails
// immediately, never at call time.
type VerificationConfig struct {
	ModelCount                     int     `mapstructure:"model_count" yaml:"model_count"`
	ConsensusThreshold             float64 `mapstructure:"consensus_threshold" yaml:"consensus_threshold"`
	ConfidenceThreshold            float64 `mapstructure:"confidence_threshold" yaml:"confidence_threshold"`
	RequireUnanimousForDestructive bool    `mapstructure:"require_unanimous_for_destructive" yaml:"require_unanimous_for_destructive"`
	EnableSafetyChecks             bool    `mapstructure:"enable_safety_checks" yaml:"enable_safety_checks"`
}

// Validate checks every threshold against its documented range and names the
// offending field. Values are never silently clamped.
func (v *VerificationConfig) Validate() error {
	if v.ModelCount < 1 || v.ModelCount > 10 {
		return fmt.Errorf("verification.model_count must be between 1 and 10, got %d", v.ModelCount)
	}
	if v.ConsensusThreshold < 0 || v.ConsensusThreshold > 1 {
		return fmt.Errorf("verification.consensus_threshold must be between 0.0 and 1.0, got %g", v.ConsensusThreshold)
	}
	if v.ConfidenceThreshold < 0 || v.ConfidenceThreshold > 1 {
		return fmt.Errorf("verification.confidence_threshold must be between 0.0 and 1.0, got %g", v.ConfidenceThreshold)
	}
	return nil
}

// ModelProvider identifies a supported model backend.
type ModelProvider string

const (
	ProviderGemini ModelProvider = "gemini"
)

// ModelConfig defines the connection settings for a single model.
type ModelConfig struct {
	Provider    ModelProvider `mapstructure:"provider" yaml:"provider"`
	Model       string        `mapstructure:"model" yaml:"model"`
	APIKey      string        `mapstructure:"api_key" yaml:"-"`
	Endpoint    string        `mapstructure:"endpoint" yaml:"endpoint"`
	APITimeout  time.Duration `mapstructure:"api_timeout" yaml:"api_timeout"`
	Temperature float64       `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens   int           `mapstructure:"max_tokens" yaml:"max_tokens"`
	// RatePerSecond caps outbound calls to this model during ensemble fan-out.
	RatePerSecond float64 `mapstructure:"rate_per_second" yaml:"rate_per_second"`
}

// ModelsConfig lists the configured models and the voter rotation order used
// by the selector.
type ModelsConfig struct {
	Voters  []string               `mapstructure:"voters" yaml:"voters"`
	Catalog map[string]ModelConfig `mapstructure:"catalog" yaml:"catalog"`
}

// SetDefaults initializes default values for all configuration parameters.
func SetDefaults(v *viper.Viper) {
	// -- Logger --
	v.SetDefault("logger.level", "info")
	v.SetDefault("logger.format", "console")
	v.SetDefault("logger.add_source", false)
	v.SetDefault("logger.service_name", "evogate")
	v.SetDefault("logger.log_file", "evogate.log")
	v.SetDefault("logger.max_size", 100)
	v.SetDefault("logger.max_backups", 5)
	v.SetDefault("logger.max_age", 30)
	v.SetDefault("logger.compress", true)

	// -- Verification --
	v.SetDefault("verification.model_count", 3)
	v.SetDefault("verification.consensus_threshold", 0.5)
	v.SetDefault("verification.confidence_threshold", 0.0)
	v.SetDefault("verification.require_unanimous_for_destructive", false)
	v.SetDefault("verification.enable_safety_checks", true)

	// -- Models --
	v.SetDefault("models.voters", []string{"gemini-pro"})
	v.SetDefault("models.catalog.gemini-pro.provider", string(ProviderGemini))
	v.SetDefault("models.catalog.gemini-pro.model", "gemini-2.5-pro")
	v.SetDefault("models.catalog.gemini-pro.api_timeout", "90s")
	v.SetDefault("models.catalog.gemini-pro.temperature", 0.1)
	v.SetDefault("models.catalog.gemini-pro.rate_per_second", 2.0)
}

// NewDefaultConfig creates a configuration populated with default values.
func NewDefaultConfig() *Config {
	v := viper.New()
	SetDefaults(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		// Cannot happen with defaults only.
		panic(fmt.Sprintf("failed to unmarshal default config: %v", err))
	}
	return &cfg
}

// NewConfigFromViper creates a validated configuration from a viper instance.
func NewConfigFromViper(v *viper.Viper) (*Config, error) {
	// Bind environment variables for sensitive data.
	for _, name := range []string{"gemini-pro"} {
		_ = v.BindEnv(fmt.Sprintf("models.catalog.%s.api_key", name), "EVOGATE_MODEL_API_KEY")
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return &cfg, nil
}

// Validate checks the configuration for required fields and sane values.
func (c *Config) Validate() error {
	if err := c.Verification.Validate(); err != nil {
		return err
	}
	for _, voter := range c.Models.Voters {
		if _, ok := c.Models.Catalog[voter]; !ok {
			return fmt.Errorf("models.voters references %q which is not in models.catalog", voter)
		}
	}
	return nil
}

// DefaultEvolutionSettings builds the documented per-organization defaults
// synthesized on first read. The numeric values are a contract with callers
// and tests, not tunables.
func DefaultEvolutionSettings(orgID string, now time.Time) *schemas.EvolutionSettings {
	return &schemas.EvolutionSettings{
		OrganizationID: orgID,
		Enabled:        false,
		Features: schemas.FeatureSettings{
			CodeAnalysis: schemas.CodeAnalysisFeature{
				Enabled:  true,
				Schedule: "0 */6 * * *",
				AnalysisTypes: []string{
					"code_quality", "security", "performance", "maintainability",
				},
			},
			AutoRefactor: schemas.AutoRefactorFeature{
				Enabled:             false,
				ConfidenceThreshold: 0.8,
				MaxChangesPerDay:    3,
			},
			CanaryTesting: schemas.CanaryFeature{
				Enabled:           false,
				TrafficPercentage: 10,
			},
			Notifications: schemas.NotificationFeature{
				Enabled:  true,
				Channels: []string{"email"},
			},
		},
		Safeguards: schemas.SafeguardSettings{
			MaxDailyChanges:       5,
			RequiredApprovers:     1,
			EmergencyStop:         false,
			RollbackWindowHours:   24,
			TestCoverageThreshold: 80,
			SecurityScanRequired:  true,
		},
		Metadata:  map[string]interface{}{},
		CreatedAt: now,
		UpdatedAt: now,
	}
}
