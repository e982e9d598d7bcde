package policy

import (
	"os"
	"strconv"
	"strings"
)

// Mode defines the policy engine operating mode
type Mode string

const (
	// ModeOff disables policy evaluation entirely
	ModeOff Mode = "off"
	// ModeDryRun evaluates policies but never denies (log only)
	ModeDryRun Mode = "dry-run"
	// ModeEnforce evaluates and enforces policies
	ModeEnforce Mode = "enforce"
)

// Config holds policy engine configuration
type Config struct {
	Enabled bool
	Mode    Mode

	// Path to the directory containing .rego policy files
	Path string

	// FailClosed denies every source when policies cannot be loaded or evaluated.
	FailClosed bool

	// Environment is passed to policies as input.environment
	Environment string
}

// LoadConfig loads policy configuration from environment variables
func LoadConfig() *Config {
	config := &Config{
		Enabled:     getEnvBool("DOSSIER_POLICY_ENABLED", false),
		Mode:        Mode(getEnvString("DOSSIER_POLICY_MODE", "off")),
		Path:        getEnvString("DOSSIER_POLICY_PATH", "config/policies"),
		FailClosed:  getEnvBool("DOSSIER_POLICY_FAIL_CLOSED", false),
		Environment: getEnvString("ENVIRONMENT", "dev"),
	}

	switch config.Mode {
	case ModeOff, ModeDryRun, ModeEnforce:
	default:
		config.Mode = ModeOff
	}
	if config.Mode == ModeOff {
		config.Enabled = false
	}
	return config
}

func getEnvString(key, defaultValue string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return defaultValue
}
