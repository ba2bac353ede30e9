package providers

import (
	"context"

	"github.com/samber/do/v2"

	"github.com/patchplacebreak/ppb-server/internal/config"
	"github.com/patchplacebreak/ppb-server/internal/logger"
	"github.com/patchplacebreak/ppb-server/internal/store"
)

// BackendHandle wraps the connected tag backend with shutdown capability.
type BackendHandle struct {
	*store.Backend
	log *logger.Logger
}

// Shutdown implements do.Shutdownable.
func (h *BackendHandle) Shutdown() error {
	h.log.Info("Disconnecting data source", "type", h.Type)
	return h.Stop()
}

// ProvideBackend opens the configured backend, connects it and initializes its schema.
// Any failure here aborts startup.
func ProvideBackend(i do.Injector) (*BackendHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)
	storeLog := log.WithComponent("store")

	backend, err := store.Open(cfg, storeLog.Logger)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
	defer cancel()
	if err := backend.Start(ctx, storeLog.Logger); err != nil {
		return nil, err
	}

	if !cfg.DataSource.Type.Durable() {
		log.Warn("Tags are kept in memory and will be lost on restart", "type", cfg.DataSource.Type)
	}
	log.Info("Data source ready", "type", backend.Type, "url", backend.URL)

	return &BackendHandle{Backend: backend, log: log}, nil
}
