package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the warden daemon.
type Config struct {
	// CDP connection settings
	CDPAddress string
	CDPPort    int

	// Browser launch behavior
	LaunchBrowser bool
	StartURL      string
	ProfileDir    string

	// HTTP server settings
	BindAddr         string
	PortCandidates   []string
	PortAutoFallback bool

	// Classification service
	ClassifierEndpoint string
	ClassifierTimeoutS int
	MaliciousSentinel  string

	// Enforcement policy
	FailClosed       bool
	PendingIndicator bool
	RulesFile        string

	// Persistence
	DataDir string

	// Alerts
	AlertEndpoint string

	// Logging
	LogLevel string
	LogFile  string
}

// Load reads configuration from environment variables and optional .env file.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("failed to load .env file", "error", err)
	}

	cfg := &Config{
		CDPAddress:         getEnvOrDefault("CHROMIUM_CDP_ADDRESS", "127.0.0.1"),
		CDPPort:            getEnvIntOrDefault("CHROMIUM_CDP_PORT", 9222),
		LaunchBrowser:      getEnvBoolOrDefault("WARDEN_LAUNCH_BROWSER", false),
		StartURL:           getEnvOrDefault("WARDEN_START_URL", "about:blank"),
		ProfileDir:         getEnvOrDefault("WARDEN_PROFILE_DIR", "./warden_profile"),
		BindAddr:           getEnvOrDefault("WARDEN_BIND_ADDR", "127.0.0.1:8844"),
		PortCandidates:     getEnvListOrDefault("WARDEN_PORT_CANDIDATES", []string{"127.0.0.1:8845", "127.0.0.1:8846"}),
		PortAutoFallback:   getEnvBoolOrDefault("WARDEN_PORT_AUTO_FALLBACK", true),
		ClassifierEndpoint: getEnvOrDefault("WARDEN_CLASSIFIER_ENDPOINT", "http://127.0.0.1:8000/api/predict_url"),
		ClassifierTimeoutS: getEnvIntOrDefault("WARDEN_CLASSIFIER_TIMEOUT_S", 15),
		MaliciousSentinel:  getEnvOrDefault("WARDEN_MALICIOUS_SENTINEL", "BEWARE_MALICIOUS_WEBSITE"),
		FailClosed:         getEnvBoolOrDefault("WARDEN_FAIL_CLOSED", false),
		PendingIndicator:   getEnvBoolOrDefault("WARDEN_PENDING_INDICATOR", false),
		RulesFile:          getEnvOrDefault("WARDEN_RULES_FILE", ""),
		DataDir:            getEnvOrDefault("WARDEN_DATA_DIR", "./warden_data"),
		AlertEndpoint:      getEnvOrDefault("WARDEN_ALERT_ENDPOINT", ""),
		LogLevel:           strings.ToLower(getEnvOrDefault("WARDEN_LOG_LEVEL", "info")),
		LogFile:            getEnvOrDefault("WARDEN_LOG_FILE", "logs/warden.log"),
	}

	if cfg.ClassifierEndpoint == "" {
		return nil, fmt.Errorf("WARDEN_CLASSIFIER_ENDPOINT must not be empty")
	}
	if cfg.ClassifierTimeoutS < 1 {
		cfg.ClassifierTimeoutS = 1
	}

	return cfg, nil
}

// CDPURL returns the full CDP HTTP endpoint used by the chromedp remote allocator.
func (c *Config) CDPURL() string {
	return fmt.Sprintf("http://%s:%d", c.CDPAddress, c.CDPPort)
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvIntOrDefault(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getEnvBoolOrDefault(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getEnvListOrDefault(key string, defaultVal []string) []string {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal
	}
	var out []string
	for _, part := range strings.Split(val, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
