package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dermotduffy/rosterd/internal/config"
	"github.com/dermotduffy/rosterd/internal/entry"
	"github.com/dermotduffy/rosterd/internal/journal"
	"github.com/dermotduffy/rosterd/internal/registry"
	"github.com/dermotduffy/rosterd/internal/status"
)

// StatusService wraps the status and control API server.
type StatusService struct {
	cfg    *config.Config
	server *status.Server
}

// NewStatusService creates a new StatusService.
func NewStatusService(cfg *config.Config, manager *entry.Manager, reg *registry.Registry, j *journal.Journal) *StatusService {
	server := status.NewServer(cfg.Status.Host, cfg.Status.Port, manager, reg, j)
	return &StatusService{
		cfg:    cfg,
		server: server,
	}
}

// Start begins the status server if enabled. The status API is the only
// way to resolve a reauth_required entry without a restart, so its death
// while the daemon runs is treated as fatal.
func (s *StatusService) Start(ctx context.Context, onFatalError func(error)) {
	if !s.cfg.Status.Enabled {
		log.Debug().Msg("Status server disabled")
		return
	}

	go func() {
		if err := s.server.Run(ctx, s.cfg.ShutdownTimeout.Duration()); err != nil {
			log.Error().Err(err).Msg("Status server error")
			if onFatalError != nil {
				onFatalError(err)
			}
		}
	}()
}
