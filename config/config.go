/*
Package config loads service configuration.

PURPOSE:
  Central configuration for the server, storage, and the points engine.
  Values come from config.yaml (optional) and environment variables, with
  sensible defaults for local development. A .env file is honored when
  present so local runs don't need exported variables.

EXPIRY POLICY SELECTION:
  Expiry.Policy chooses between "fixed" (every grant lives Expiry.Days
  days) and "tiered" (validity depends on grant size, per Expiry.Tiers).
  Fixed is the default.
*/
package config

import (
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all configuration for the application.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Engine   EngineConfig
	LogLevel string
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port         string
	AllowedHosts []string
}

// DatabaseConfig holds storage configuration.
type DatabaseConfig struct {
	Path string
}

// EngineConfig holds points engine tuning.
type EngineConfig struct {
	MaxRetries int
	Expiry     ExpiryConfig
	Rules      []RuleConfig
}

// RuleConfig is one accrual rule: how a reason grants points. Rate applies
// to purchase-style reasons and converts a monetary amount into points.
// An empty Rules list falls back to the built-in table.
type RuleConfig struct {
	Reason  string
	Points  int64
	Guarded bool
	Rate    string // decimal, e.g. "1" or "0.5"; empty if unused
}

// ExpiryConfig selects and parameterizes the grant expiry policy.
type ExpiryConfig struct {
	Policy string // "fixed" or "tiered"
	Days   int    // validity for "fixed", default tier for "tiered"
	Tiers  []TierConfig
}

// TierConfig is one rung of the tiered policy: grants of at least
// MinPoints live Days days.
type TierConfig struct {
	MinPoints int64
	Days      int
}

// Load loads configuration from .env, config files, and environment
// variables, in increasing priority.
func Load() (*Config, error) {
	// Missing .env is fine; it only exists in local setups.
	_ = godotenv.Load()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("./config")
	viper.AutomaticEnv()

	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults() {
	viper.SetDefault("Server.Port", "8080")
	viper.SetDefault("Server.AllowedHosts", []string{"localhost:3000"})
	viper.SetDefault("Database.Path", "./data/loyalty.db")
	viper.SetDefault("Engine.MaxRetries", 3)
	viper.SetDefault("Engine.Expiry.Policy", "fixed")
	viper.SetDefault("Engine.Expiry.Days", 365)
	viper.SetDefault("LogLevel", "info")
}
