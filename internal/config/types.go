package config

import (
	"net/http"
	"time"
)

// Config represents the complete bbq service configuration.
type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	State      StateConfig      `yaml:"state"`
	Server     ServerConfig     `yaml:"server"`
	Menu       MenuConfig       `yaml:"menu"`
	Flavors    FlavorsConfig    `yaml:"flavors"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Proxy      ProxyConfig      `yaml:"proxy"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// StateConfig defines where build records and the bootstrap lock live.
type StateConfig struct {
	Path string `yaml:"path"`
}

// ServerConfig defines the serving HTTP surface.
type ServerConfig struct {
	Listen string `yaml:"listen"`
	// Forks is the number of independent worker processes sharing the listener.
	Forks int `yaml:"forks"`
}

// MenuConfig defines where the built menu artifact is persisted.
type MenuConfig struct {
	Path string `yaml:"path"`
}

// FlavorsConfig defines where flavor sources live and how they are built and started.
type FlavorsConfig struct {
	Dir string `yaml:"dir"`
	// Source is the flavor config location: an https:// URL or a local path.
	Source          string `yaml:"source"`
	PackageManifest string `yaml:"package_manifest"`
	StartCommand    string `yaml:"start_command"`
	BuildCommand    string `yaml:"build_command"`
}

// SupervisorConfig defines flavor process supervision settings.
type SupervisorConfig struct {
	ReadinessTimeout time.Duration `yaml:"readiness_timeout"`
	PortMin          int           `yaml:"port_min"`
	PortMax          int           `yaml:"port_max"`
	PortEnv          string        `yaml:"port_env"`
	MarkerEnv        string        `yaml:"marker_env"`
}

// ProxyConfig defines the client-visible fallback responses.
type ProxyConfig struct {
	Unavailable    FallbackResponse `yaml:"unavailable"`
	TransportError FallbackResponse `yaml:"transport_error"`
}

// FallbackResponse is a fixed response written when no backend response exists.
type FallbackResponse struct {
	Status int    `yaml:"status"`
	Body   string `yaml:"body"`
}

// Defaults returns a Config with the values used when no file overrides them.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "bbq",
			LogLevel:  "info",
			LogFormat: "json",
		},
		State: StateConfig{
			Path: "./data/bbq.db",
		},
		Server: ServerConfig{
			Listen: ":5000",
			Forks:  1,
		},
		Menu: MenuConfig{
			Path: "./data/menu.json",
		},
		Flavors: FlavorsConfig{
			Dir:             "./flavors",
			PackageManifest: "package.json",
			StartCommand:    "make start",
			BuildCommand:    "make install",
		},
		Supervisor: SupervisorConfig{
			ReadinessTimeout: 500 * time.Millisecond,
			PortMin:          5001,
			PortMax:          5999,
			PortEnv:          "PORT",
			MarkerEnv:        "ON_READY",
		},
		Proxy: ProxyConfig{
			Unavailable: FallbackResponse{
				Status: http.StatusServiceUnavailable,
				Body:   "flavor unavailable",
			},
			TransportError: FallbackResponse{
				Status: http.StatusBadGateway,
				Body:   "flavor request failed",
			},
		},
	}
}
