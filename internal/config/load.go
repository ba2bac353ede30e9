package config

import (
	"bufio"
	"errors"
	"flag"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment variable read by the loader.
const EnvPrefix = "PPB_"

// DefaultFile is the YAML file read when no -config flag is given.
const DefaultFile = "config.yml"

// Load builds the configuration with precedence:
// 1. Command-line flags (highest priority).
// 2. Environment variables (PPB_*), including those set by the .env file.
// 3. YAML file.
// 4. Default values (lowest priority).
func Load(args []string) (*Config, error) {
	fset := flag.NewFlagSet("ppb", flag.ContinueOnError)
	configFile := fset.String("config", DefaultFile, "Path to the YAML configuration file")
	envFile := fset.String("env-file", ".env", "Path to .env file")
	environment := fset.String("env", "", "Environment (development, staging, production)")
	logLevel := fset.String("log-level", "", "Log level (debug, info, warn, error)")
	dataDir := fset.String("data-dir", "", "Directory holding embedded databases")
	dataSourceType := fset.String("data-source", "", "Data source type (IN_MEMORY, SQLITE, MYSQL, POSTGRES, BADGER, REDIS)")
	listen := fset.String("listen", "", "HTTP adapter listen address")
	serve := fset.Bool("serve", false, "Enable the HTTP adapter")

	if err := fset.Parse(args); err != nil {
		return nil, err
	}

	// Load .env file if it exists (silently ignore if not found).
	_ = loadEnvFile(*envFile)

	explicitFile := false
	fset.Visit(func(f *flag.Flag) {
		if f.Name == "config" {
			explicitFile = true
		}
	})

	cfg, err := load(*configFile, explicitFile)
	if err != nil {
		return nil, err
	}

	fset.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "env":
			cfg.Environment = *environment
		case "log-level":
			cfg.LogLevel = *logLevel
		case "data-dir":
			cfg.DataDir = *dataDir
		case "data-source":
			cfg.DataSource.Type = DataSourceType(*dataSourceType)
		case "listen":
			cfg.Server.Listen = *listen
		case "serve":
			cfg.Server.Enabled = *serve
		}
	})

	if err := finish(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads defaults, the YAML file and the environment, without flags.
// A missing file is an error.
func LoadFile(path string) (*Config, error) {
	cfg, err := load(path, true)
	if err != nil {
		return nil, err
	}
	if err := finish(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func load(path string, required bool) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path) //#nosec G304 -- Config file path from user input is expected
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
		if abs, err := filepath.Abs(path); err == nil {
			cfg.File = abs
		}
	case errors.Is(err, fs.ErrNotExist) && !required:
	default:
		return nil, fmt.Errorf("read config file: %w", err)
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}
	return cfg, nil
}

func finish(cfg *Config) error {
	if err := cfg.Normalize(); err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	return nil
}

// expandPath expands ~ and makes the path absolute.
func expandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(homeDir, path[2:])
	}

	absPath, err := filepath.Abs(path)
	if err != nil {
		return "", fmt.Errorf("failed to get absolute path: %w", err)
	}
	return filepath.Clean(absPath), nil
}

// loadEnvFile loads environment variables from a .env file.
// Format: KEY=value (one per line, # for comments). Variables already set win.
func loadEnvFile(path string) error {
	file, err := os.Open(path) //#nosec G304 -- Config file path from user input is expected
	if err != nil {
		return err
	}
	defer file.Close()

	scanner := bufio.NewScanner(file)
	lineNum := 0

	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		key, value, ok := strings.Cut(line, "=")
		if !ok {
			return fmt.Errorf("invalid format at line %d: %s", lineNum, line)
		}
		key = strings.TrimSpace(key)
		value = strings.Trim(strings.TrimSpace(value), `"'`)

		if _, set := os.LookupEnv(key); !set {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("failed to set env var %s: %w", key, err)
			}
		}
	}

	return scanner.Err()
}
