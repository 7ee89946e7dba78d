package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Environment variables understood by bbq.
const (
	EnvFlavorSource  = "BBQ_CONFIG"
	EnvServiceConfig = "BBQ_SERVICE_CONFIG"
	EnvForks         = "FORKS"
	EnvLogDebug      = "LOG_DEBUG"
	EnvPort          = "PORT"
)

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// LoadDotEnv loads KEY=VALUE pairs from path into the process environment.
// Variables that are already set win. A missing file is not an error.
func LoadDotEnv(path string) error {
	if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays environment-driven settings onto cfg.
func ApplyEnv(cfg *Config, lookup LookupFunc) error {
	if lookup == nil {
		lookup = os.LookupEnv
	}

	if v, ok := lookup(EnvFlavorSource); ok && strings.TrimSpace(v) != "" {
		cfg.Flavors.Source = strings.TrimSpace(v)
	}

	if v, ok := lookup(EnvForks); ok && strings.TrimSpace(v) != "" {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || n < 1 {
			return fmt.Errorf("%s must be a positive integer (got %q)", EnvForks, v)
		}
		cfg.Server.Forks = n
	}

	if v, ok := lookup(EnvLogDebug); ok && strings.EqualFold(strings.TrimSpace(v), "true") {
		cfg.Service.LogLevel = "debug"
	}

	if v, ok := lookup(EnvPort); ok && strings.TrimSpace(v) != "" {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil || port <= 0 || port > 65535 {
			return fmt.Errorf("%s must be a valid TCP port (got %q)", EnvPort, v)
		}
		cfg.Server.Listen = ":" + strconv.Itoa(port)
	}

	return nil
}

// IsRemoteSource reports whether a flavor config source must be fetched over HTTPS.
func IsRemoteSource(source string) bool {
	return strings.HasPrefix(source, "https://")
}
