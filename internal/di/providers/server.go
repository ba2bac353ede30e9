package providers

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/samber/do/v2"

	"github.com/patchplacebreak/ppb-server/internal/api"
	"github.com/patchplacebreak/ppb-server/internal/config"
	"github.com/patchplacebreak/ppb-server/internal/logger"
	"github.com/patchplacebreak/ppb-server/internal/service"
)

// HTTPServerHandle wraps http.Server with Shutdownable.
// Server is nil when the HTTP adapter is disabled.
type HTTPServerHandle struct {
	*http.Server
	Addr    net.Addr
	handler *api.Server
}

// Shutdown implements do.Shutdownable.
func (h *HTTPServerHandle) Shutdown() error {
	if h.Server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	defer h.handler.Close()
	return h.Server.Shutdown(ctx)
}

// ProvideHTTPServer provides the HTTP adapter. The listener is bound before
// returning so address conflicts fail startup.
func ProvideHTTPServer(i do.Injector) (*HTTPServerHandle, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)
	backend := do.MustInvoke[*BackendHandle](i)
	svc := do.MustInvoke[*service.ExploitService](i)

	if !cfg.Server.Enabled {
		log.Info("HTTP adapter disabled")
		return &HTTPServerHandle{}, nil
	}

	handler := api.NewServer(svc, backend.DataSource, string(backend.Type), api.Options{
		RateLimit: cfg.Server.RateLimit,
		RateBurst: cfg.Server.RateBurst,
	}, log.WithComponent("http").Logger)

	ln, err := net.Listen("tcp", cfg.Server.Listen)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Server.Listen, err)
	}

	srv := &http.Server{
		Addr:         cfg.Server.Listen,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	// Start in background
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("HTTP server error", "error", err)
		}
	}()

	log.Info("HTTP server running", "addr", ln.Addr().String())

	return &HTTPServerHandle{Server: srv, Addr: ln.Addr(), handler: handler}, nil
}
