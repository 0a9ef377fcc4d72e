package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Config holds the configuration for the girder server.
type Config struct {
	DB struct {
		Path string `mapstructure:"path"`
	} `mapstructure:"db"`
	Log struct {
		Level  string `mapstructure:"level"`  // debug, info, warn, error
		Format string `mapstructure:"format"` // text or json
	} `mapstructure:"log"`
	Engine struct {
		PoolSize int `mapstructure:"pool_size"`
	} `mapstructure:"engine"`
	Risk struct {
		AutonomousBelow float64  `mapstructure:"autonomous_below"`
		EscalatedAt     float64  `mapstructure:"escalated_at"`
		OracleBandLow   float64  `mapstructure:"oracle_band_low"`
		OracleBandHigh  float64  `mapstructure:"oracle_band_high"`
		Ladder          []string `mapstructure:"ladder"` // reviewer tiers, most junior first
	} `mapstructure:"risk"`
	Scheduler struct {
		Enabled bool `mapstructure:"enabled"`
	} `mapstructure:"scheduler"`
}

// Load reads configuration from an optional girder.yaml and GIRDER_-prefixed
// environment variables (GIRDER_DB_PATH, GIRDER_LOG_LEVEL, ...). A missing
// config file is not an error; defaults and the environment suffice.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("girder")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.SetEnvPrefix("GIRDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, notFound := err.(viper.ConfigFileNotFoundError); !notFound {
			return nil, err
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}
	return &config, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("db.path", "file:girder.db")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("engine.pool_size", 8)
	v.SetDefault("risk.autonomous_below", 0.3)
	v.SetDefault("risk.escalated_at", 0.7)
	v.SetDefault("risk.oracle_band_low", 0.25)
	v.SetDefault("risk.oracle_band_high", 0.75)
	v.SetDefault("risk.ladder", []string{"engineer", "senior_engineer", "lead_engineer", "chief_engineer"})
	v.SetDefault("scheduler.enabled", true)
}
