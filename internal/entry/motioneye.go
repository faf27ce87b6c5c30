package entry

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dermotduffy/rosterd/internal/entity"
	"github.com/dermotduffy/rosterd/internal/eventbus"
	"github.com/dermotduffy/rosterd/internal/motioneye"
	"github.com/dermotduffy/rosterd/internal/registry"
	"github.com/dermotduffy/rosterd/internal/roster"
)

// motioneyeRuntime watches one camera server by polling its config
// listing. The server has no stable id, so the entry id doubles as the
// unique-id scope.
type motioneyeRuntime struct {
	def  Definition
	deps Deps
	cli  *motioneye.Client
	rec  *reconciler
}

func newMotioneyeRuntime(def Definition, deps Deps) (*motioneyeRuntime, error) {
	cli, err := motioneye.NewClient(motioneye.ClientConfig{
		URL:      def.URL,
		Username: def.Username,
		Password: def.Password,
	})
	if err != nil {
		return nil, err
	}

	r := &motioneyeRuntime{def: def, deps: deps, cli: cli}
	r.rec = &reconciler{
		entryID:  def.ID,
		registry: deps.Registry,
		journal:  deps.Journal,
		bus:      deps.Bus,
		// Cameras carry no per-entity connection, so adds need no pacing.
		build: r.buildCamera,
	}
	return r, nil
}

func (r *motioneyeRuntime) scope() string { return r.def.ID }

func (r *motioneyeRuntime) Run(ctx context.Context) error {
	// Probe credentials up front so a bad password surfaces as reauth
	// immediately instead of on the first poll.
	if err := r.cli.Login(ctx); err != nil {
		if errors.Is(err, roster.ErrAuth) {
			return err
		}
		log.Warn().
			Err(err).
			Str("entry", r.def.ID).
			Msg("Camera server unreachable, polling anyway")
	}

	log.Info().
		Str("entry", r.def.ID).
		Str("url", r.def.URL).
		Dur("interval", r.def.Options.PollInterval).
		Msg("Watching camera server")

	ticker := time.NewTicker(r.def.Options.PollInterval)
	defer ticker.Stop()

	if err := r.pollOnce(ctx); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := r.pollOnce(ctx); err != nil {
				return err
			}
		}
	}
}

// pollOnce reads the camera roster and reconciles against it. Transient
// fetch failures mark everything unavailable and wait for the next tick;
// only credential rejections end the runtime.
func (r *motioneyeRuntime) pollOnce(ctx context.Context) error {
	cams, err := r.cli.Cameras(ctx)
	if err != nil {
		if errors.Is(err, roster.ErrAuth) {
			return err
		}
		log.Warn().
			Err(err).
			Str("entry", r.def.ID).
			Msg("Camera roster fetch failed")
		markEntryUnavailable(r.deps.Registry, r.def.ID)
		return nil
	}

	records := make([]roster.Record, 0, len(cams))
	for _, cam := range cams {
		if !cam.Acceptable() {
			log.Debug().
				Str("entry", r.def.ID).
				Str("name", cam.Name).
				Msg("Skipping malformed camera record")
			continue
		}
		records = append(records, roster.Record{
			ID:      strconv.Itoa(*cam.ID),
			Name:    cam.Name,
			Running: cam.Running(),
		})
	}

	snap := roster.NewSnapshot(r.scope(), records)
	r.deps.Bus.Publish(eventbus.Event{
		Kind:    eventbus.KindRosterUpdated,
		EntryID: r.def.ID,
		Roster:  &eventbus.RosterUpdated{Snapshot: snap},
	})

	// The poll loop is already serial; reconcile inline rather than
	// round-tripping through the bus.
	r.rec.apply(ctx, snap)
	r.rec.prune(snap)
	r.refresh(ctx, cams)
	return nil
}

// refresh merges polled metadata into each registered camera cache and
// publishes a frame for the streaming ones.
func (r *motioneyeRuntime) refresh(ctx context.Context, cams []motioneye.Camera) {
	for _, cam := range cams {
		if !cam.Acceptable() {
			continue
		}
		id := roster.UniqueID{Scope: r.scope(), RemoteID: strconv.Itoa(*cam.ID)}
		reg, ok := r.deps.Registry.Get(id)
		if !ok {
			continue
		}
		cache, ok := reg.Entity.(*entity.Camera)
		if !ok {
			continue
		}

		stream := r.cli.StreamURL(cam)
		snapshot := r.cli.SnapshotURL(*cam.ID)
		name := cam.Name
		cache.Apply(entity.CameraUpdate{
			Name:                &name,
			MotionDetection:     cam.MotionDetection,
			VideoStreaming:      cam.VideoStreaming,
			StreamingFramerate:  cam.StreamingFramerate,
			StreamingResolution: cam.StreamingResolution,
			StreamURL:           &stream,
			SnapshotURL:         &snapshot,
		})
		cache.SetAvailable(cam.Running())

		if r.deps.Images == nil || !cam.Running() || !cache.State().VideoStreaming {
			continue
		}
		frame, err := r.cli.Snapshot(ctx, *cam.ID)
		if err != nil {
			log.Debug().
				Err(err).
				Str("unique_id", id.String()).
				Msg("Snapshot fetch failed")
			continue
		}
		if err := r.deps.Images.PublishImage(id.String(), frame); err != nil {
			log.Debug().
				Err(err).
				Str("unique_id", id.String()).
				Msg("Frame publish failed")
		}
	}
}

func (r *motioneyeRuntime) buildCamera(ctx context.Context, id roster.UniqueID, rec roster.Record) (registry.Registration, error) {
	cam := entity.NewCamera(id, rec.Name)
	cam.OnChange(func() {
		r.deps.Bus.Publish(eventbus.Event{
			Kind:    eventbus.KindEntityState,
			EntryID: r.def.ID,
			State: &eventbus.EntityState{
				UniqueID: id.String(),
				Revision: cam.Revision(),
			},
		})
	})

	// Cameras ride the entry's shared HTTP client; no handle to close.
	return registry.Registration{
		UniqueID: id,
		EntryID:  r.def.ID,
		Entity:   cam,
	}, nil
}
