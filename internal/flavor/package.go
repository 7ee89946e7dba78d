package flavor

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// ReadPackage reads the package manifest named filename from sourcePath.
// JSON manifests decode through the YAML parser unchanged.
func ReadPackage(sourcePath, filename string) (*Package, error) {
	manifestPath := filepath.Join(sourcePath, filename)

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read package manifest: %w", err)
	}

	var pkg Package
	if err := yaml.Unmarshal(data, &pkg); err != nil {
		return nil, fmt.Errorf("failed to parse package manifest %s: %w", manifestPath, err)
	}
	return &pkg, nil
}

// validatePackage checks the fields a descriptor cannot be built without.
func validatePackage(pkg *Package) error {
	if pkg == nil {
		return fmt.Errorf("package manifest is missing")
	}
	if strings.TrimSpace(pkg.Main) == "" {
		return fmt.Errorf("main is required")
	}
	if strings.TrimSpace(pkg.Version) == "" {
		return fmt.Errorf("version is required")
	}
	if strings.Contains(pkg.Main, "..") {
		return fmt.Errorf("main contains path traversal: %s", pkg.Main)
	}
	return nil
}

// Defaults are the service-wide commands used when a manifest has none.
type Defaults struct {
	StartCommand string
	BuildCommand string
}

// Describe validates m and turns it into a Descriptor.
func Describe(m Manifest, defaults Defaults) (Descriptor, error) {
	if strings.TrimSpace(m.Name) == "" {
		return Descriptor{}, fmt.Errorf("name is required")
	}
	if err := validatePackage(m.Package); err != nil {
		return Descriptor{}, fmt.Errorf("flavor %q: %w", m.Name, err)
	}

	start := strings.TrimSpace(m.Start)
	if start == "" {
		start = defaults.StartCommand
	}
	build := strings.TrimSpace(m.Build)
	if build == "" {
		build = defaults.BuildCommand
	}

	d := Descriptor{
		Name:         strings.TrimSpace(m.Name),
		StartCommand: start,
		BuildCommand: build,
		SourcePath:   m.SourcePath,
		Version:      strings.TrimSpace(m.Package.Version),
		Repo:         m.Repo,
	}
	if m.SourcePath != "" {
		d.EntryModulePath = filepath.Join(m.SourcePath, m.Package.Main)
	} else {
		d.EntryModulePath = m.Package.Main
	}
	if m.HasRoute() {
		r := m.Route()
		d.Route = &r
	}
	return d, nil
}
