// Package bootstrap turns a flavor config source into a persisted menu:
// resolve each flavor's source tree, run its build, read its package
// manifest and write the routing table.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/mattjoyce/bbq/internal/build"
	"github.com/mattjoyce/bbq/internal/config"
	"github.com/mattjoyce/bbq/internal/flavor"
	"github.com/mattjoyce/bbq/internal/lock"
	"github.com/mattjoyce/bbq/internal/log"
	"github.com/mattjoyce/bbq/internal/menu"
	"github.com/mattjoyce/bbq/internal/metrics"
	"github.com/mattjoyce/bbq/internal/storage"
)

// LockName is the PID lock file created next to the state database.
const LockName = "bbq.lock"

// Options configures a bootstrap run.
type Options struct {
	Config     *config.Config
	Runner     build.Runner
	Recorder   build.Recorder
	HTTPClient *http.Client
	Logger     *slog.Logger
	Metrics    *metrics.Collector
	// SkipBuild reads package manifests without running build commands.
	SkipBuild bool
}

// Report summarizes a bootstrap run.
type Report struct {
	Menu    *menu.Menu
	Builds  []build.Result
	Skipped []string
}

// Run executes the full pipeline and saves the menu to cfg.Menu.Path.
// Nothing is written unless every step succeeds.
func Run(ctx context.Context, opts Options) (*Report, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("bootstrap requires a config")
	}
	logger := log.Or(opts.Logger, "bootstrap")

	held, err := acquire(cfg, "bootstrap")
	if err != nil {
		return nil, err
	}
	defer func() { _ = held.Release() }()

	src, manifests, report, err := prepare(ctx, opts, logger)
	if err != nil {
		return nil, err
	}

	failed := map[string]bool{}
	if !opts.SkipBuild {
		if report.Builds, err = drain(ctx, opts, manifests); err != nil {
			return nil, err
		}
		for _, res := range report.Builds {
			if res.Status != build.StatusSucceeded {
				failed[res.Entry.FlavorID] = true
			}
		}
	}

	ready := make([]flavor.Manifest, 0, len(manifests))
	for _, m := range manifests {
		if failed[m.Name] {
			logger.Warn("leaving flavor off the menu after failed build", "flavor", m.Name)
			report.Skipped = append(report.Skipped, m.Name)
			continue
		}
		if m.SourcePath != "" {
			pkg, err := flavor.ReadPackage(m.SourcePath, cfg.Flavors.PackageManifest)
			if err != nil {
				logger.Warn("package manifest unreadable", "flavor", m.Name, "error", err)
			} else {
				m.Package = pkg
			}
		}
		ready = append(ready, m)
	}

	built, err := menu.Build(src.Version, ready, Defaults(cfg), opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("build menu: %w", err)
	}
	if err := menu.Save(cfg.Menu.Path, built); err != nil {
		return nil, err
	}
	logger.Info("menu written", "path", cfg.Menu.Path, "flavors", len(built.Flavors), "routes", built.RouteCount())

	report.Menu = built
	return report, nil
}

// Build runs the build queue for the configured flavors without touching
// the menu. A non-empty only restricts it to those flavor names.
func Build(ctx context.Context, opts Options, only ...string) (*Report, error) {
	cfg := opts.Config
	if cfg == nil {
		return nil, errors.New("build requires a config")
	}
	logger := log.Or(opts.Logger, "bootstrap")

	held, err := acquire(cfg, "build")
	if err != nil {
		return nil, err
	}
	defer func() { _ = held.Release() }()

	_, manifests, report, err := prepare(ctx, opts, logger)
	if err != nil {
		return nil, err
	}
	if len(only) > 0 {
		wanted := make(map[string]bool, len(only))
		for _, name := range only {
			wanted[name] = true
		}
		filtered := manifests[:0]
		for _, m := range manifests {
			if wanted[m.Name] {
				filtered = append(filtered, m)
				delete(wanted, m.Name)
			}
		}
		for name := range wanted {
			return nil, fmt.Errorf("flavor %q is not in the config or has no source", name)
		}
		manifests = filtered
	}

	report.Builds, err = drain(ctx, opts, manifests)
	if err != nil {
		return nil, err
	}
	return report, nil
}

func prepare(ctx context.Context, opts Options, logger *slog.Logger) (*Source, []flavor.Manifest, *Report, error) {
	cfg := opts.Config
	src, err := LoadSource(ctx, cfg.Flavors.Source, opts.HTTPClient)
	if err != nil {
		return nil, nil, nil, err
	}
	logger.Info("loaded flavor config", "source", cfg.Flavors.Source, "version", src.Version, "flavors", len(src.Flavors))

	report := &Report{}
	manifests := resolveSources(src.Flavors, cfg.Flavors.Dir, logger, report)
	return src, manifests, report, nil
}

func drain(ctx context.Context, opts Options, manifests []flavor.Manifest) ([]build.Result, error) {
	runner := opts.Runner
	if runner == nil {
		runner = build.NewShellRunner(opts.Logger)
	}
	queue := build.NewQueue(runner,
		build.WithRecorder(opts.Recorder),
		build.WithLogger(opts.Logger),
		build.WithMetrics(opts.Metrics),
	)
	queue.Enqueue(Entries(manifests, opts.Config.Flavors.BuildCommand)...)

	results, err := queue.Drain(ctx)
	if err != nil {
		return results, fmt.Errorf("build queue: %w", err)
	}
	return results, nil
}

// acquire takes the bootstrap lock after checking that flock(2) can be
// trusted where it lives.
func acquire(cfg *config.Config, action string) (*lock.PIDLock, error) {
	path := LockPath(cfg)
	if err := storage.RequireLocalDisk(path, "bootstrap lock"); err != nil {
		return nil, err
	}
	return lock.Acquire(path, action)
}

// LockPath returns where the bootstrap lock lives for cfg.
func LockPath(cfg *config.Config) string {
	return filepath.Join(filepath.Dir(cfg.State.Path), LockName)
}

// Defaults returns the service-wide flavor commands from cfg.
func Defaults(cfg *config.Config) flavor.Defaults {
	return flavor.Defaults{
		StartCommand: cfg.Flavors.StartCommand,
		BuildCommand: cfg.Flavors.BuildCommand,
	}
}

// Entries turns manifests with a source tree into build queue entries.
func Entries(manifests []flavor.Manifest, defaultBuild string) []build.Entry {
	entries := make([]build.Entry, 0, len(manifests))
	for _, m := range manifests {
		if m.SourcePath == "" {
			continue
		}
		command := strings.TrimSpace(m.Build)
		if command == "" {
			command = defaultBuild
		}
		entries = append(entries, build.Entry{FlavorID: m.Name, SourcePath: m.SourcePath, Command: command})
	}
	return entries
}

// resolveSources points each named manifest at <dir>/<name>. Flavors whose
// tree is absent are dropped; fetching sources is done outside bbq.
// Unnamed manifests pass through so the menu reports them.
func resolveSources(manifests []flavor.Manifest, dir string, logger *slog.Logger, report *Report) []flavor.Manifest {
	out := make([]flavor.Manifest, 0, len(manifests))
	for _, m := range manifests {
		name := strings.TrimSpace(m.Name)
		if name == "" {
			out = append(out, m)
			continue
		}
		if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
			logger.Warn("skipping flavor with unsafe name", "flavor", name)
			report.Skipped = append(report.Skipped, name)
			continue
		}

		path := filepath.Join(dir, name)
		info, err := os.Stat(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			logger.Warn("flavor source not found, skipping", "flavor", name, "path", path, "repo", m.Repo)
			report.Skipped = append(report.Skipped, name)
			continue
		case err != nil:
			logger.Warn("flavor source unreadable, skipping", "flavor", name, "path", path, "error", err)
			report.Skipped = append(report.Skipped, name)
			continue
		case !info.IsDir():
			logger.Warn("flavor source is not a directory, skipping", "flavor", name, "path", path)
			report.Skipped = append(report.Skipped, name)
			continue
		}

		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		m.Name = name
		m.SourcePath = path
		out = append(out, m)
	}
	return out
}
