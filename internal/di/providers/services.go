package providers

import (
	"github.com/samber/do/v2"

	"github.com/patchplacebreak/ppb-server/internal/config"
	"github.com/patchplacebreak/ppb-server/internal/logger"
	"github.com/patchplacebreak/ppb-server/internal/service"
)

// ProvideExploitService provides the exploit detection service.
func ProvideExploitService(i do.Injector) (*service.ExploitService, error) {
	cfg := do.MustInvoke[*config.Config](i)
	log := do.MustInvoke[*logger.Logger](i)
	backend := do.MustInvoke[*BackendHandle](i)
	exec := do.MustInvoke[*ExecutorHandle](i)

	restrictions := cfg.Restrictions()
	svc := service.NewExploitService(backend.Repository, exec.Executor, log.WithComponent("service").Logger, service.Options{
		EphemeralTagDuration: cfg.Service.EphemeralTagDuration,
		Restrictions:         restrictions,
		LockStripes:          cfg.Service.LockStripes,
	})

	log.Info("Exploit service ready",
		"ephemeral_tag_duration", cfg.Service.EphemeralTagDuration,
		"restriction_mode", restrictions.Mode(),
		"restricted_materials", len(restrictions.Materials()))

	return svc, nil
}
