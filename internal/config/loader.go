package config

import (
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads and parses the service configuration. An empty path yields the
// defaults. ${VAR} placeholders are interpolated before decoding.
func Load(configPath string) (*Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(configPath) == "" {
		return cfg, validate(cfg)
	}

	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "bbq.yaml")
	}

	data, err := os.ReadFile(absPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", absPath, err)
	}

	if err := yaml.Unmarshal([]byte(interpolateEnv(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", absPath, err)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// interpolateEnv replaces ${VAR} with the environment value. Unknown
// variables are left in place so validation can report them.
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		return match
	})
}

// validate performs basic validation on the configuration.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if cfg.Service.LogFormat != "json" && cfg.Service.LogFormat != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	if cfg.Menu.Path == "" {
		return fmt.Errorf("menu.path is required")
	}
	if cfg.Server.Listen == "" {
		return fmt.Errorf("server.listen is required")
	}
	if cfg.Server.Forks < 1 {
		return fmt.Errorf("server.forks must be at least 1 (got %d)", cfg.Server.Forks)
	}

	if cfg.Flavors.Dir == "" {
		return fmt.Errorf("flavors.dir is required")
	}
	if strings.TrimSpace(cfg.Flavors.StartCommand) == "" {
		return fmt.Errorf("flavors.start_command is required")
	}
	if strings.TrimSpace(cfg.Flavors.BuildCommand) == "" {
		return fmt.Errorf("flavors.build_command is required")
	}
	if envVarPattern.MatchString(cfg.Flavors.Source) {
		name := envVarPattern.FindStringSubmatch(cfg.Flavors.Source)[1]
		return fmt.Errorf("flavors.source references unset environment variable %s", name)
	}

	sv := cfg.Supervisor
	if sv.ReadinessTimeout <= 0 {
		return fmt.Errorf("supervisor.readiness_timeout must be positive")
	}
	if sv.PortMin <= 0 || sv.PortMax > 65535 || sv.PortMin > sv.PortMax {
		return fmt.Errorf("supervisor port range invalid: %d-%d", sv.PortMin, sv.PortMax)
	}
	if sv.PortEnv == "" || sv.MarkerEnv == "" {
		return fmt.Errorf("supervisor.port_env and supervisor.marker_env are required")
	}

	for name, fb := range map[string]FallbackResponse{
		"proxy.unavailable":     cfg.Proxy.Unavailable,
		"proxy.transport_error": cfg.Proxy.TransportError,
	} {
		if fb.Status < 400 || fb.Status > 599 || http.StatusText(fb.Status) == "" {
			return fmt.Errorf("%s.status must be an HTTP error status (got %d)", name, fb.Status)
		}
	}
	return nil
}
