package util

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config stores all configuration of the application.
// The values are read by viper from a config file or environment variables.
type Config struct {
	AllowedOrigins        []string      `mapstructure:"ALLOWED_ORIGINS"`
	DatabaseURL           string        `mapstructure:"DATABASE_URL"`
	HTTPServerAddress     string        `mapstructure:"HTTP_SERVER_ADDRESS"`
	TokenSecretKey        string        `mapstructure:"TOKEN_SECRET_KEY"`
	AccessTokenDuration   time.Duration `mapstructure:"ACCESS_TOKEN_DURATION"`
	RedisServerAddress    string        `mapstructure:"REDIS_SERVER_ADDRESS"`
	SMTPHost              string        `mapstructure:"SMTP_HOST"`
	SMTPPort              int           `mapstructure:"SMTP_PORT"`
	SMTPUsername          string        `mapstructure:"SMTP_USERNAME"`
	SMTPPassword          string        `mapstructure:"SMTP_PASSWORD"`
	SMTPFromName          string        `mapstructure:"SMTP_FROM_NAME"`
	SMTPFromAddress       string        `mapstructure:"SMTP_FROM_ADDRESS"`
	SchedulerTickInterval time.Duration `mapstructure:"SCHEDULER_TICK_INTERVAL"`
	ExpirySweepInterval   time.Duration `mapstructure:"EXPIRY_SWEEP_INTERVAL"`
	DeliveryTimeout       time.Duration `mapstructure:"DELIVERY_TIMEOUT"`
}

// LoadConfig reads configuration from file or environment variables.
func LoadConfig(path string) (config Config, err error) {
	// Set defaults for non-sensitive config
	viper.SetDefault("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	viper.SetDefault("HTTP_SERVER_ADDRESS", "0.0.0.0:8080")
	viper.SetDefault("ACCESS_TOKEN_DURATION", "24h")
	viper.SetDefault("SMTP_PORT", 587)
	viper.SetDefault("SMTP_FROM_NAME", "MBC Department")
	viper.SetDefault("SCHEDULER_TICK_INTERVAL", "30s")
	viper.SetDefault("EXPIRY_SWEEP_INTERVAL", "1h")
	viper.SetDefault("DELIVERY_TIMEOUT", "5s")

	// Prefer environment variables over config file
	viper.AutomaticEnv()

	// Load config file
	viper.SetConfigFile(path)
	if err = viper.ReadInConfig(); err != nil {
		return
	}

	// Unmarshal config into struct
	err = viper.UnmarshalExact(&config)
	if err != nil {
		return
	}

	// Validate required configuration
	err = validateConfig(config)
	return
}

func validateConfig(config Config) error {
	if config.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if config.TokenSecretKey == "" {
		return fmt.Errorf("TOKEN_SECRET_KEY is required")
	}
	if config.RedisServerAddress == "" {
		return fmt.Errorf("REDIS_SERVER_ADDRESS is required")
	}
	if config.SMTPHost == "" {
		return fmt.Errorf("SMTP_HOST is required")
	}
	if config.SMTPFromAddress == "" {
		return fmt.Errorf("SMTP_FROM_ADDRESS is required")
	}
	if config.SchedulerTickInterval <= 0 {
		return fmt.Errorf("SCHEDULER_TICK_INTERVAL must be positive")
	}
	if config.ExpirySweepInterval <= 0 {
		return fmt.Errorf("EXPIRY_SWEEP_INTERVAL must be positive")
	}
	if config.DeliveryTimeout <= 0 {
		return fmt.Errorf("DELIVERY_TIMEOUT must be positive")
	}

	return nil
}
