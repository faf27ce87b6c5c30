package app

import (
	"context"
	"time"

	"golang.org/x/time/rate"

	"github.com/dermotduffy/rosterd/internal/config"
	"github.com/dermotduffy/rosterd/internal/db"
	"github.com/dermotduffy/rosterd/internal/entry"
	"github.com/dermotduffy/rosterd/internal/eventbus"
	"github.com/dermotduffy/rosterd/internal/hyperion"
	"github.com/dermotduffy/rosterd/internal/journal"
	"github.com/dermotduffy/rosterd/internal/registry"
)

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// Core infrastructure
	DB       *db.DB
	Journal  *journal.Journal
	Store    *registry.Store
	Registry *registry.Registry
	Bus      *eventbus.Bus

	// High-level services
	MQTT    *MQTTService
	Manager *entry.Manager
	Status  *StatusService
}

// NewServices creates all services with proper dependency injection.
func NewServices(cfg *config.Config) (*Services, error) {
	s := &Services{cfg: cfg}

	// Initialize database
	database, err := db.Open(cfg.Database.Path)
	if err != nil {
		return nil, err
	}
	s.DB = database

	// Initialize journal
	s.Journal = journal.New(database.DB)

	// Initialize entity registry over its persistent store
	s.Store = registry.NewStore(database.DB)
	s.Registry = registry.New(s.Store)

	// Initialize event bus
	s.Bus = eventbus.NewWithConfig(cfg.EventBus.GetWorkers(), cfg.EventBus.GetQueueSize())

	// Initialize MQTT service (connects in Start)
	s.MQTT = NewMQTTService(cfg, s.Registry)

	// Initialize entry manager. Entity connection attempts are paced by a
	// shared limiter so a large roster does not stampede a server.
	burst := int(cfg.Reconciler.RateLimitRPS)
	if burst < 1 {
		burst = 1
	}
	s.Manager = entry.NewManager(entry.Deps{
		Registry: s.Registry,
		Journal:  s.Journal,
		Bus:      s.Bus,
		Limiter:  rate.NewLimiter(rate.Limit(cfg.Reconciler.RateLimitRPS), burst),
		Images:   s.MQTT,
	})

	// Initialize status API service
	s.Status = NewStatusService(cfg, s.Manager, s.Registry, s.Journal)

	return s, nil
}

// Start starts all services in the correct order.
// The onFatalError callback is called when a fatal error occurs (e.g., the
// status server dying while the daemon runs).
func (s *Services) Start(ctx context.Context, onFatalError func(error)) error {
	// Connect to the MQTT broker and bind the renderer before any entry
	// starts, so the first roster reconciliation is already projected.
	if err := s.MQTT.Start(ctx, s.Bus); err != nil {
		return err
	}

	// Start journal retention
	retention := time.Duration(s.cfg.Journal.RetentionDays) * 24 * time.Hour
	go s.Journal.RunRetention(ctx, s.cfg.Journal.CleanupInterval.Duration(), retention)

	// Start configured entries
	s.Manager.Start(ctx, definitions(s.cfg))

	// Start status API server
	s.Status.Start(ctx, onFatalError)

	return nil
}

// ResetRegistry drops all persisted entity registrations.
func (s *Services) ResetRegistry() error {
	return s.Store.Purge()
}

// Stop gracefully stops all services.
func (s *Services) Stop() error {
	s.Close()
	return nil
}

// Close releases all resources. Entries stop first so their final
// availability events drain through the bus and reach the broker before
// the connections close underneath them.
func (s *Services) Close() {
	if s.Manager != nil {
		s.Manager.Shutdown()
	}
	if s.Bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
		defer cancel()
		s.Bus.Close(ctx)
	}
	if s.MQTT != nil {
		s.MQTT.Close()
	}
	if s.DB != nil {
		s.DB.Close()
	}
}

// definitions maps the configured servers onto entry definitions.
func definitions(cfg *config.Config) []entry.Definition {
	defs := make([]entry.Definition, 0, len(cfg.Servers))
	for _, srv := range cfg.Servers {
		defs = append(defs, entry.Definition{
			ID:       srv.ID,
			Kind:     srv.Kind,
			Host:     srv.Host,
			Port:     srv.Port,
			Token:    srv.Token,
			URL:      srv.URL,
			Username: srv.Username,
			Password: srv.Password,
			Reconnect: hyperion.ReconnectConfig{
				MinBackoff:    srv.Reconnect.MinRetryBackoff.Duration(),
				MaxBackoff:    srv.Reconnect.MaxRetryBackoff.Duration(),
				Multiplier:    srv.Reconnect.RetryMultiplier,
				MaxReconnects: srv.Reconnect.MaxReconnects,
			},
			Options: entry.Options{
				Priority:       srv.Options.Priority,
				PollInterval:   srv.Options.PollInterval.Duration(),
				ResyncInterval: srv.Options.ResyncInterval.Duration(),
			},
		})
	}
	return defs
}
