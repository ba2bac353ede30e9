// Package main provides an operator tool for inspecting and moving placement tags
// held by the configured data source.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"

	"github.com/patchplacebreak/ppb-server/internal/backup"
	"github.com/patchplacebreak/ppb-server/internal/config"
	"github.com/patchplacebreak/ppb-server/internal/domain"
	"github.com/patchplacebreak/ppb-server/internal/logger"
	"github.com/patchplacebreak/ppb-server/internal/store"
)

const usage = `Usage: ppbctl [flags] <command> [args]

Commands:
  inspect <world> <x> <y> <z>   Show the tag at a location without consuming it
  stats                         Count tags per world
  export <file>                 Write every tag to a compressed backup file
  import <file>                 Load tags from a backup file

Flags:
`

// forwarded lists the flags handed to the configuration loader.
var forwarded = []string{"config", "env-file", "env", "log-level", "data-dir", "data-source"}

func main() {
	fset := flag.NewFlagSet("ppbctl", flag.ExitOnError)
	fset.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		fset.PrintDefaults()
	}
	fset.String("config", config.DefaultFile, "Path to the YAML configuration file")
	fset.String("env-file", ".env", "Path to .env file")
	fset.String("env", "", "Environment (development, staging, production)")
	fset.String("log-level", "", "Log level (debug, info, warn, error)")
	fset.String("data-dir", "", "Directory holding embedded databases")
	fset.String("data-source", "", "Data source type")
	dryRun := fset.Bool("dry-run", false, "Validate an import without writing tags")
	_ = fset.Parse(os.Args[1:])

	if fset.NArg() == 0 {
		fset.Usage()
		os.Exit(2)
	}

	var cfgArgs []string
	fset.Visit(func(f *flag.Flag) {
		for _, name := range forwarded {
			if f.Name == name {
				cfgArgs = append(cfgArgs, "-"+f.Name, f.Value.String())
			}
		}
	})

	cfg, err := config.Load(cfgArgs)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	log := logger.New(logger.Config{
		Level:       logger.ParseLevel(cfg.LogLevel),
		Environment: cfg.Environment,
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, fset.Arg(0), fset.Args()[1:], *dryRun); err != nil {
		stop()
		log.Fatal("Command failed", "command", fset.Arg(0), "error", err)
	}
}

func run(ctx context.Context, cfg *config.Config, log *logger.Logger, cmd string, args []string, dryRun bool) error {
	// A dry run never touches the data source.
	if cmd == "import" && dryRun {
		if len(args) != 1 {
			return errors.New("usage: import <file>")
		}
		return importTags(ctx, nil, args[0], true, log)
	}

	backend, err := store.Open(cfg, log.WithComponent("store").Logger)
	if err != nil {
		return err
	}
	if err := backend.Start(ctx, log.WithComponent("store").Logger); err != nil {
		return err
	}
	defer func() {
		if err := backend.Stop(); err != nil {
			log.Warn("Failed to disconnect data source", "error", err)
		}
	}()

	switch cmd {
	case "inspect":
		loc, err := parseLocation(args)
		if err != nil {
			return err
		}
		return inspect(ctx, backend, loc, log)
	case "stats":
		return stats(ctx, backend)
	case "export":
		if len(args) != 1 {
			return errors.New("usage: export <file>")
		}
		result, err := backup.ExportFile(ctx, backend.Scanner, args[0], backup.ExportOptions{SourceType: string(backend.Type)})
		if err != nil {
			return err
		}
		log.Info("Export complete", "file", args[0], "tags", result.Manifest.Count, "duration", result.Duration)
		return nil
	case "import":
		if len(args) != 1 {
			return errors.New("usage: import <file>")
		}
		return importTags(ctx, backend.Repository, args[0], false, log)
	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}

func parseLocation(args []string) (domain.BlockLocation, error) {
	if len(args) != 4 {
		return domain.BlockLocation{}, errors.New("usage: inspect <world> <x> <y> <z>")
	}
	var coords [3]int
	for i, s := range args[1:] {
		n, err := strconv.Atoi(s)
		if err != nil {
			return domain.BlockLocation{}, fmt.Errorf("invalid coordinate %q: %w", s, err)
		}
		coords[i] = n
	}
	loc := domain.NewBlockLocation(args[0], coords[0], coords[1], coords[2])
	return loc, loc.Validate()
}

func inspect(ctx context.Context, backend *store.Backend, loc domain.BlockLocation, log *logger.Logger) error {
	tag, err := backend.Repository.FindByLocation(ctx, loc)
	if err != nil {
		return err
	}
	if tag == nil {
		log.WithLocation(loc).Debug("No tag found")
		fmt.Printf("No tag at %s\n", loc)
		return nil
	}

	fmt.Printf("Tag at %s\n", loc)
	fmt.Printf("  ID:        %s\n", tag.ID)
	fmt.Printf("  Created:   %s\n", tag.CreatedAt.Format("2006-01-02 15:04:05.000 MST"))
	fmt.Printf("  Ephemeral: %t\n", tag.Ephemeral)
	return nil
}

func stats(ctx context.Context, backend *store.Backend) error {
	perWorld := make(map[string]int)
	total, ephemeral := 0, 0
	for tag, err := range backend.Scanner.All(ctx) {
		if err != nil {
			return err
		}
		total++
		if tag.Ephemeral {
			ephemeral++
		}
		perWorld[tag.Location.World]++
	}

	worlds := make([]string, 0, len(perWorld))
	for w := range perWorld {
		worlds = append(worlds, w)
	}
	sort.Strings(worlds)

	fmt.Printf("=== Tags in %s ===\n", backend.Type)
	for _, w := range worlds {
		fmt.Printf("  %-24s %d\n", w, perWorld[w])
	}
	fmt.Println()
	fmt.Printf("Total tags: %d\n", total)
	fmt.Printf("Ephemeral tags: %d\n", ephemeral)
	return nil
}

func importTags(ctx context.Context, dst store.TagRepository, path string, dryRun bool, log *logger.Logger) error {
	result, err := backup.ImportFile(ctx, dst, path, backup.ImportOptions{
		DryRun: dryRun,
		Logger: log.WithComponent("backup").Logger,
	})
	if result != nil {
		for _, e := range result.Errors {
			log.Warn("Skipped line", "line", e.Line, "error", e.Error)
		}
	}
	return err
}
