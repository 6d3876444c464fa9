package config

import "time"

// GeneralConfig holds process-wide settings that don't belong to a single subsystem.
type GeneralConfig struct {
	Environment     string        `mapstructure:"ENVIRONMENT"      json:"environment"      validate:"required,oneof=development staging production"`
	ShutdownTimeout time.Duration `mapstructure:"SHUTDOWN_TIMEOUT" json:"shutdown_timeout" validate:"required,reasonable_duration"`
}
