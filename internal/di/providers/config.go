package providers

import (
	"log/slog"

	"github.com/samber/do/v2"

	"github.com/patchplacebreak/ppb-server/internal/config"
	"github.com/patchplacebreak/ppb-server/internal/logger"
)

// Args are the command-line arguments the configuration is loaded from.
type Args []string

// ProvideConfig provides the application configuration.
func ProvideConfig(i do.Injector) (*config.Config, error) {
	args := do.MustInvoke[Args](i)
	return config.Load(args)
}

// ProvideLogger provides the structured logger.
func ProvideLogger(i do.Injector) (*logger.Logger, error) {
	cfg := do.MustInvoke[*config.Config](i)

	log := logger.New(logger.Config{
		Level:       logger.ParseLevel(cfg.LogLevel),
		AddSource:   cfg.Environment == "development",
		Environment: cfg.Environment,
	})

	log.Info("Starting patch place break server",
		"environment", cfg.Environment,
		"log_level", cfg.LogLevel,
		"data_dir", cfg.DataDir,
		"data_source", cfg.DataSource.Type,
		"config_file", cfg.File,
	)

	return log, nil
}

// ProvideSlogLogger provides access to the underlying slog.Logger for packages that need it.
func ProvideSlogLogger(i do.Injector) (*slog.Logger, error) {
	log := do.MustInvoke[*logger.Logger](i)
	return log.Logger, nil
}
