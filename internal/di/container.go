// Package di provides dependency injection configuration for the tag engine server.
package di

import (
	"github.com/samber/do/v2"

	"github.com/patchplacebreak/ppb-server/internal/config"
	"github.com/patchplacebreak/ppb-server/internal/di/providers"
	"github.com/patchplacebreak/ppb-server/internal/logger"
	"github.com/patchplacebreak/ppb-server/internal/service"
)

// NewContainer creates and configures the DI container with all providers.
// args are the command-line arguments, without the program name.
func NewContainer(args []string) *do.RootScope {
	injector := do.New()

	// Core infrastructure
	do.ProvideValue(injector, providers.Args(args))
	do.Provide(injector, providers.ProvideConfig)
	do.Provide(injector, providers.ProvideLogger)
	do.Provide(injector, providers.ProvideSlogLogger)

	// Persistence
	do.Provide(injector, providers.ProvideBackend)

	// Workers
	do.Provide(injector, providers.ProvideExecutor)

	// Business services
	do.Provide(injector, providers.ProvideExploitService)
	do.Provide(injector, providers.ProvideConfigWatcher)

	// Server
	do.Provide(injector, providers.ProvideHTTPServer)

	return injector
}

// Bootstrap initializes all services eagerly so that configuration, connection
// and schema failures surface before the server reports itself ready.
func Bootstrap(injector *do.RootScope) error {
	steps := []func() error{
		invoke[*config.Config](injector),
		invoke[*logger.Logger](injector),
		invoke[*providers.BackendHandle](injector),
		invoke[*providers.ExecutorHandle](injector),
		invoke[*service.ExploitService](injector),
		invoke[*providers.ConfigWatcherHandle](injector),
		invoke[*providers.HTTPServerHandle](injector),
	}
	for _, step := range steps {
		if err := step(); err != nil {
			return err
		}
	}
	return nil
}

func invoke[T any](injector do.Injector) func() error {
	return func() error {
		_, err := do.Invoke[T](injector)
		return err
	}
}
