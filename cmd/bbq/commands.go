package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/mattjoyce/bbq/internal/bootstrap"
	"github.com/mattjoyce/bbq/internal/build"
	"github.com/mattjoyce/bbq/internal/log"
	"github.com/mattjoyce/bbq/internal/menu"
	"github.com/mattjoyce/bbq/internal/storage"
)

func runBootstrap(args []string) int {
	if hasHelpFlag(args) {
		printBootstrapHelp()
		return 0
	}
	fs, configPath := newFlagSet("bootstrap")
	skipBuild := fs.Bool("skip-build", false, "Read package manifests without running builds")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open state: %v\n", err)
		return 1
	}
	defer db.Close()

	report, err := bootstrap.Run(ctx, bootstrap.Options{
		Config:    cfg,
		Recorder:  storage.NewBuildStore(db),
		Logger:    log.Get(),
		SkipBuild: *skipBuild,
	})
	if err != nil {
		var conflict *menu.ConflictError
		if errors.As(err, &conflict) {
			fmt.Fprintf(os.Stderr, "Bootstrap failed: %s conflict on %q\n", conflict.Kind, conflict.Key)
			for _, name := range conflict.Flavors {
				fmt.Fprintf(os.Stderr, "  - %s\n", name)
			}
			return 1
		}
		fmt.Fprintf(os.Stderr, "Bootstrap failed: %v\n", err)
		return 1
	}

	printBuilds(report.Builds)
	for _, name := range report.Skipped {
		fmt.Printf("skipped: %s\n", name)
	}
	fmt.Printf("menu: %s (version %s, %d flavors, %d routes)\n",
		cfg.Menu.Path, report.Menu.Meta.Version, len(report.Menu.Flavors), report.Menu.RouteCount())
	return 0
}

func runBuildNoun(args []string) int {
	if len(args) == 0 || isHelpToken(args[0]) {
		printBuildHelp()
		return 0
	}
	switch args[0] {
	case "run":
		return runBuildRun(args[1:])
	case "list":
		return runBuildList(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown build action: %s\n\n", args[0])
		printBuildHelp()
		return 1
	}
}

func runBuildRun(args []string) int {
	if hasHelpFlag(args) {
		printBuildHelp()
		return 0
	}
	fs, configPath := newFlagSet("build run")
	only := fs.String("flavor", "", "Comma-separated flavor names to build (default: all)")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	db, err := storage.Open(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open state: %v\n", err)
		return 1
	}
	defer db.Close()

	report, err := bootstrap.Build(ctx, bootstrap.Options{
		Config:   cfg,
		Recorder: storage.NewBuildStore(db),
		Logger:   log.Get(),
	}, splitList(*only)...)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Build failed: %v\n", err)
		return 1
	}

	printBuilds(report.Builds)
	for _, res := range report.Builds {
		if res.Status != build.StatusSucceeded {
			return 1
		}
	}
	return 0
}

func runBuildList(args []string) int {
	if hasHelpFlag(args) {
		printBuildHelp()
		return 0
	}
	fs, configPath := newFlagSet("build list")
	flavorName := fs.String("flavor", "", "Only show runs for this flavor")
	limit := fs.Int("limit", 20, "Maximum number of runs")
	jsonOut := fs.Bool("json", false, "Output as JSON")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	ctx := context.Background()
	db, err := storage.Open(ctx, cfg.State.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to open state: %v\n", err)
		return 1
	}
	defer db.Close()

	runs, err := storage.NewBuildStore(db).ListBuilds(ctx, *flavorName, *limit)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to list builds: %v\n", err)
		return 1
	}

	if *jsonOut {
		data, err := json.MarshalIndent(runs, "", "  ")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
			return 1
		}
		fmt.Println(string(data))
		return 0
	}

	if len(runs) == 0 {
		fmt.Println("No build runs recorded.")
		return 0
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STARTED\tFLAVOR\tSTATUS\tEXIT\tDURATION")
	for _, run := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
			run.StartedAt.Local().Format(time.DateTime), run.Flavor, run.Status, run.ExitCode, run.Duration.Round(time.Millisecond))
	}
	_ = w.Flush()
	return 0
}

func runMenuNoun(args []string) int {
	if len(args) == 0 || isHelpToken(args[0]) {
		printMenuHelp()
		return 0
	}
	switch args[0] {
	case "show":
		return runMenuShow(args[1:])
	case "check":
		return runMenuCheck(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown menu action: %s\n\n", args[0])
		printMenuHelp()
		return 1
	}
}

func runMenuShow(args []string) int {
	fs, configPath := newFlagSet("menu show")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	m, err := menu.Load(cfg.Menu.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load menu: %v\n", err)
		return 1
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to render JSON: %v\n", err)
		return 1
	}
	fmt.Println(string(data))
	return 0
}

func runMenuCheck(args []string) int {
	fs, configPath := newFlagSet("menu check")
	if err := fs.Parse(args); err != nil {
		fmt.Fprintf(os.Stderr, "Flag error: %v\n", err)
		return 1
	}
	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		return 1
	}

	m, err := menu.Load(cfg.Menu.Path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Menu invalid: %v\n", err)
		return 1
	}

	fmt.Printf("Menu OK: version %s, %d flavors, %d routes\n", m.Meta.Version, len(m.Flavors), m.RouteCount())
	for _, name := range m.Names() {
		d := m.Flavors[name]
		route := "-"
		if d.Route != nil {
			route = d.Route.String()
		}
		fmt.Printf("  %s  %s\n", name, route)
	}
	return 0
}

func printBuilds(results []build.Result) {
	for _, res := range results {
		fmt.Printf("build %s: %s (exit %d, %s)\n",
			res.Entry.FlavorID, res.Status, res.ExitCode, res.Duration().Round(time.Millisecond))
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func printBootstrapHelp() {
	fmt.Print(`Usage: bbq bootstrap [--config PATH] [--skip-build]

Loads the flavor config from BBQ_CONFIG (or flavors.source), runs every
flavor's build in order, reads each package manifest and writes the menu.
Flavors whose build fails are left off the menu. Duplicate names or
routes abort without writing anything.
`)
}

func printBuildHelp() {
	fmt.Print(`Usage: bbq build <action> [flags]

Actions:
  run   [--flavor a,b]                   Run builds without writing the menu
  list  [--flavor NAME] [--limit N] [--json]  Show recorded build runs
`)
}

func printMenuHelp() {
	fmt.Print(`Usage: bbq menu <action> [--config PATH]

Actions:
  show    Print the persisted menu as JSON
  check   Validate the persisted menu and list its routes
`)
}
