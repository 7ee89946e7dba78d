// Package menu builds and serves the immutable routing table that maps
// (path, method) routes to flavors.
package menu

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/mattjoyce/bbq/internal/flavor"
	"github.com/mattjoyce/bbq/internal/log"
)

// ReservedPrefix is owned by the serving process's own admin endpoints.
const ReservedPrefix = "/_bbq"

var (
	// ErrInvalidMenu marks a persisted menu that cannot be served.
	ErrInvalidMenu = errors.New("invalid menu")
	// ErrReservedRoute marks a flavor route inside ReservedPrefix.
	ErrReservedRoute = errors.New("route is reserved")
	// ErrRootRoute marks a flavor route of "/", which no request can reach.
	ErrRootRoute = errors.New("route must name at least one path segment")
	// ErrNotFound is returned by Lookup when no flavor owns a route.
	ErrNotFound = errors.New("no flavor for route")
)

// ConflictKind identifies what two manifests collided on.
type ConflictKind string

const (
	ConflictName  ConflictKind = "name"
	ConflictRoute ConflictKind = "route"
)

// ConflictError is returned when two manifests claim the same name or route.
type ConflictError struct {
	Kind    ConflictKind
	Key     string
	Flavors []string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s conflict on %q between flavors %s", e.Kind, e.Key, strings.Join(e.Flavors, ", "))
}

// Meta carries the config schema version the menu was built from.
type Meta struct {
	Version string `json:"version"`
}

// Menu is the built routing table. It is never mutated after Build or Load.
type Menu struct {
	Meta    Meta                         `json:"meta"`
	Flavors map[string]flavor.Descriptor `json:"flavors"`
	// Paths maps path -> method -> flavor name.
	Paths map[string]map[string]string `json:"paths"`
}

// Build folds manifests into a Menu. Duplicate names and duplicate routes
// abort the build; manifests missing required fields are skipped with a
// warning.
func Build(version string, manifests []flavor.Manifest, defaults flavor.Defaults, logger *slog.Logger) (*Menu, error) {
	logger = log.Or(logger, "menu")
	if strings.TrimSpace(version) == "" {
		return nil, fmt.Errorf("%w: config version is required", ErrInvalidMenu)
	}

	m := &Menu{
		Meta:    Meta{Version: version},
		Flavors: make(map[string]flavor.Descriptor),
		Paths:   make(map[string]map[string]string),
	}

	claimed := make(map[string]int, len(manifests))
	for i, mf := range manifests {
		name := strings.TrimSpace(mf.Name)
		if name == "" {
			logger.Warn("skipping flavor manifest without name", "index", i)
			continue
		}
		if first, dup := claimed[name]; dup {
			return nil, &ConflictError{
				Kind:    ConflictName,
				Key:     name,
				Flavors: []string{fmt.Sprintf("%s#%d", name, first), fmt.Sprintf("%s#%d", name, i)},
			}
		}
		claimed[name] = i

		d, err := flavor.Describe(mf, defaults)
		if err != nil {
			logger.Warn("skipping invalid flavor manifest", "flavor", name, "error", err.Error())
			continue
		}

		if d.Route != nil {
			if err := m.claimRoute(*d.Route, d.Name); err != nil {
				return nil, err
			}
		}
		m.Flavors[d.Name] = d
		logger.Debug("added flavor to menu", "flavor", d.Name, "version", d.Version, "route", routeString(d.Route))
	}

	logger.Info("menu built", "version", version, "flavors", len(m.Flavors), "routes", m.RouteCount())
	return m, nil
}

func (m *Menu) claimRoute(r flavor.Route, name string) error {
	if strings.Trim(r.Path, "/") == "" {
		return fmt.Errorf("%w: flavor %q route %s", ErrRootRoute, name, r)
	}
	if r.Path == ReservedPrefix || strings.HasPrefix(r.Path, ReservedPrefix+"/") {
		return fmt.Errorf("%w: flavor %q route %s", ErrReservedRoute, name, r)
	}
	methods, ok := m.Paths[r.Path]
	if !ok {
		methods = make(map[string]string)
		m.Paths[r.Path] = methods
	}
	if owner, taken := methods[r.Method]; taken {
		return &ConflictError{Kind: ConflictRoute, Key: r.String(), Flavors: []string{owner, name}}
	}
	methods[r.Method] = name
	return nil
}

// Resolve returns the flavor bound to (path, method). A miss is reported by
// ok=false, not an error.
func (m *Menu) Resolve(path, method string) (flavor.Descriptor, bool) {
	r := flavor.NewRoute(path, method)
	methods, ok := m.Paths[r.Path]
	if !ok {
		return flavor.Descriptor{}, false
	}
	name, ok := methods[r.Method]
	if !ok {
		return flavor.Descriptor{}, false
	}
	d, ok := m.Flavors[name]
	return d, ok
}

// Lookup is Resolve with the miss reported as ErrNotFound.
func (m *Menu) Lookup(path, method string) (flavor.Descriptor, error) {
	d, ok := m.Resolve(path, method)
	if !ok {
		return flavor.Descriptor{}, fmt.Errorf("%w: %s", ErrNotFound, flavor.NewRoute(path, method))
	}
	return d, nil
}

// Get looks a flavor up by name.
func (m *Menu) Get(name string) (flavor.Descriptor, bool) {
	d, ok := m.Flavors[name]
	return d, ok
}

// Names returns flavor names in sorted order.
func (m *Menu) Names() []string {
	names := make([]string, 0, len(m.Flavors))
	for name := range m.Flavors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// RouteCount returns the number of (path, method) bindings.
func (m *Menu) RouteCount() int {
	n := 0
	for _, methods := range m.Paths {
		n += len(methods)
	}
	return n
}

// validate checks a loaded menu for dangling references.
func (m *Menu) validate() error {
	if strings.TrimSpace(m.Meta.Version) == "" {
		return fmt.Errorf("%w: meta.version is empty", ErrInvalidMenu)
	}
	for name, d := range m.Flavors {
		if d.Name != name {
			return fmt.Errorf("%w: flavor key %q holds descriptor %q", ErrInvalidMenu, name, d.Name)
		}
	}
	for path, methods := range m.Paths {
		if strings.Trim(path, "/") == "" {
			return fmt.Errorf("%w: %s", ErrInvalidMenu, ErrRootRoute)
		}
		for method, name := range methods {
			if _, ok := m.Flavors[name]; !ok {
				return fmt.Errorf("%w: route %s %s points at unknown flavor %q", ErrInvalidMenu, method, path, name)
			}
		}
	}
	return nil
}

func routeString(r *flavor.Route) string {
	if r == nil {
		return ""
	}
	return r.String()
}
