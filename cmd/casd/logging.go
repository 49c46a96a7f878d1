package main

import (
	"casd/internal/core"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
)

const logLevelEnvKey = "CASD_LOG_LEVEL"

// configureLogger installs the default slog logger. The level comes from the
// flag, then the environment, then the config file. An invalid flag is an
// error; an invalid env or config value falls back to the default with a
// warning.
func configureLogger(flagLevel, configLevel string) (string, error) {
	envLevel := os.Getenv(logLevelEnvKey)
	rawLevel, source := selectedLogLevel(flagLevel, envLevel, configLevel)

	level, err := parseLogLevel(rawLevel)
	if err == nil {
		slog.SetDefault(newLogger(level))
		return "", nil
	}

	if source == "flag" {
		return "", fmt.Errorf("invalid --log-level %q", flagLevel)
	}

	fallback, _ := parseLogLevel(core.DefaultLogLevel)
	slog.SetDefault(newLogger(fallback))
	switch source {
	case "env":
		return fmt.Sprintf("invalid %s=%q; defaulting to %s", logLevelEnvKey, envLevel, core.DefaultLogLevel), nil
	default:
		return fmt.Sprintf("invalid log_level=%q; defaulting to %s", configLevel, core.DefaultLogLevel), nil
	}
}

func selectedLogLevel(flagLevel, envLevel, configLevel string) (string, string) {
	if strings.TrimSpace(flagLevel) != "" {
		return flagLevel, "flag"
	}
	if strings.TrimSpace(envLevel) != "" {
		return envLevel, "env"
	}
	if strings.TrimSpace(configLevel) != "" {
		return configLevel, "config"
	}
	return core.DefaultLogLevel, "default"
}

func parseLogLevel(raw string) (log.Level, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	if value == "warning" {
		value = "warn"
	}

	if numeric, err := strconv.Atoi(value); err == nil {
		return log.Level(numeric), nil
	}

	level, err := log.ParseLevel(value)
	if err != nil {
		return log.InfoLevel, fmt.Errorf("invalid log level %q", raw)
	}
	return level, nil
}

func newLogger(level log.Level) *slog.Logger {
	handler := log.NewWithOptions(os.Stdout, log.Options{
		Level:           level,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
		ReportCaller:    true,
	})
	return slog.New(handler)
}
