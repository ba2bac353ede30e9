package providers

import (
	"context"
	"errors"
	"sync"

	"github.com/samber/do/v2"

	"github.com/patchplacebreak/ppb-server/internal/async"
	"github.com/patchplacebreak/ppb-server/internal/config"
	"github.com/patchplacebreak/ppb-server/internal/logger"
	"github.com/patchplacebreak/ppb-server/internal/service"
)

// ExecutorHandle wraps the async executor with shutdown capability.
type ExecutorHandle struct {
	*async.Executor
}

// Shutdown implements do.Shutdownable. Pending tag operations are drained.
func (h *ExecutorHandle) Shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return h.Executor.Shutdown(ctx)
}

// ProvideExecutor provides the bounded executor running async tag operations.
func ProvideExecutor(i do.Injector) (*ExecutorHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)
	// Depending on the backend makes the container drain the executor before disconnecting it.
	_ = do.MustInvoke[*BackendHandle](i)

	exec := async.NewExecutor(cfg.Service.Workers, log.WithComponent("async").Logger)
	log.Info("Executor started", "workers", cfg.Service.Workers)

	return &ExecutorHandle{Executor: exec}, nil
}

// ConfigWatcherHandle reloads restricted blocks when the configuration file changes.
type ConfigWatcherHandle struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
	err    error
}

// Shutdown implements do.Shutdownable.
func (h *ConfigWatcherHandle) Shutdown() error {
	if h.cancel == nil {
		return nil
	}
	h.cancel()
	h.wg.Wait()
	return h.err
}

// ProvideConfigWatcher watches the configuration file, if any, and pushes
// restricted block changes into the exploit service.
func ProvideConfigWatcher(i do.Injector) (*ConfigWatcherHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)
	svc := do.MustInvoke[*service.ExploitService](i)

	h := &ConfigWatcherHandle{}
	if cfg.File == "" {
		log.Info("No configuration file, restricted blocks will not be reloaded")
		return h, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	watchLog := log.WithComponent("config")

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		err := config.Watch(ctx, cfg.File, watchLog.Logger, func(next *config.Config) {
			restrictions := next.Restrictions()
			svc.SetRestrictions(restrictions)
			watchLog.Info("Restricted blocks reloaded",
				"mode", restrictions.Mode(),
				"materials", len(restrictions.Materials()))
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			watchLog.Error("Configuration watcher stopped", "error", err)
			h.err = err
		}
	}()

	return h, nil
}
