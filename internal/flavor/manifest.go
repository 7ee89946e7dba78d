package flavor

import (
	"fmt"
	"net/http"
	"strings"
)

// Manifest is one entry of the flavor config source, optionally joined with
// the flavor's own package manifest once its source tree is available.
type Manifest struct {
	Name   string `yaml:"name" json:"name"`
	Repo   string `yaml:"repo,omitempty" json:"repo,omitempty"`
	Path   string `yaml:"path,omitempty" json:"path,omitempty"`
	Method string `yaml:"method,omitempty" json:"method,omitempty"`
	// Start and Build override the service-wide commands for this flavor.
	Start string `yaml:"start,omitempty" json:"start,omitempty"`
	Build string `yaml:"build,omitempty" json:"build,omitempty"`

	// SourcePath is the directory the flavor is built and launched from.
	SourcePath string   `yaml:"-" json:"-"`
	Package    *Package `yaml:"-" json:"-"`
}

// HasRoute reports whether the manifest claims a public route.
func (m Manifest) HasRoute() bool {
	return strings.TrimSpace(m.Path) != ""
}

// Route returns the normalized route. Method defaults to GET.
func (m Manifest) Route() Route {
	return NewRoute(m.Path, m.Method)
}

// Package is the subset of a flavor's package manifest bbq cares about.
type Package struct {
	Name    string `yaml:"name,omitempty" json:"name,omitempty"`
	Main    string `yaml:"main" json:"main"`
	Version string `yaml:"version" json:"version"`
}

// Route is a (path, method) pair a flavor answers on.
type Route struct {
	Path   string `json:"path"`
	Method string `json:"method"`
}

// NewRoute normalizes path to a single leading slash without a trailing one
// and method to upper case.
func NewRoute(path, method string) Route {
	return Route{Path: NormalizePath(path), Method: NormalizeMethod(method)}
}

// NormalizePath trims whitespace and surrounding slashes and re-adds one leading slash.
func NormalizePath(path string) string {
	trimmed := strings.Trim(strings.TrimSpace(path), "/")
	return "/" + trimmed
}

// NormalizeMethod upper-cases method, defaulting to GET.
func NormalizeMethod(method string) string {
	method = strings.ToUpper(strings.TrimSpace(method))
	if method == "" {
		return http.MethodGet
	}
	return method
}

func (r Route) String() string {
	return fmt.Sprintf("%s %s", r.Method, r.Path)
}

// Descriptor is a registered flavor as stored in the menu.
type Descriptor struct {
	Name            string `json:"name"`
	Route           *Route `json:"route,omitempty"`
	EntryModulePath string `json:"entry_module_path"`
	StartCommand    string `json:"start_command"`
	BuildCommand    string `json:"build_command,omitempty"`
	SourcePath      string `json:"source_path"`
	Version         string `json:"version"`
	Repo            string `json:"repo,omitempty"`
}
