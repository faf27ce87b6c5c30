package mqtt

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dermotduffy/rosterd/internal/entity"
	"github.com/dermotduffy/rosterd/internal/eventbus"
	"github.com/dermotduffy/rosterd/internal/registry"
)

// Resolver finds the live registration behind a bus unique id.
// Satisfied by *registry.Registry.
type Resolver interface {
	Lookup(uniqueID string) (registry.Registration, bool)
}

// Renderer projects entity lifecycle and state events onto broker
// topics. Added entities get a retained discovery config, a retained
// state document and an availability flag; removed entities get all
// three cleared. Light command topics feed back into the entity's
// controller.
type Renderer struct {
	pub     Publisher
	topics  Topics
	qos     byte
	resolve Resolver

	ctx context.Context

	mu sync.Mutex
	// entities caches published registrations. State events can trail
	// behind registry changes (entry unloads release the live set before
	// the final unavailability event drains), so the renderer keeps its
	// own reference until the entity is removed.
	entities      map[string]registry.Registration
	lastPublished map[string]uint64
}

// NewRenderer creates a renderer publishing through pub with cfg's
// topic layout.
func NewRenderer(pub Publisher, cfg Config, resolve Resolver) *Renderer {
	cfg = cfg.withDefaults()
	return &Renderer{
		pub:           pub,
		topics:        cfg.Topics(),
		qos:           cfg.QoS,
		resolve:       resolve,
		entities:      make(map[string]registry.Registration),
		lastPublished: make(map[string]uint64),
	}
}

// Bind subscribes the renderer to entity events from every entry. The
// context bounds command execution triggered from broker messages.
func (r *Renderer) Bind(ctx context.Context, bus *eventbus.Bus) {
	r.ctx = ctx
	bus.Subscribe(eventbus.SubscribeAll, eventbus.KindEntityAdded, r.handleEvent)
	bus.Subscribe(eventbus.SubscribeAll, eventbus.KindEntityRemoved, r.handleEvent)
	bus.Subscribe(eventbus.SubscribeAll, eventbus.KindEntityState, r.handleEvent)
}

func (r *Renderer) handleEvent(ev eventbus.Event) {
	switch ev.Kind {
	case eventbus.KindEntityAdded:
		r.publishAdded(ev.Added.UniqueID)
	case eventbus.KindEntityRemoved:
		r.publishRemoved(ev.Removed.UniqueID)
	case eventbus.KindEntityState:
		r.publishState(ev.State.UniqueID)
	}
}

// PublishImage forwards one raw snapshot frame to the camera's image
// topic. Frames are not retained.
func (r *Renderer) PublishImage(uniqueID string, image []byte) error {
	return r.pub.Publish(r.topics.Image(uniqueID), image, false)
}

func (r *Renderer) publishAdded(uniqueID string) {
	reg, ok := r.resolve.Lookup(uniqueID)
	if !ok {
		log.Warn().Str("unique_id", uniqueID).Msg("Added entity not in registry, skipping publish")
		return
	}

	domain := reg.Entity.Domain()
	r.mu.Lock()
	r.entities[uniqueID] = reg
	r.mu.Unlock()

	device := Device{
		Identifiers: []string{r.topics.Base + "_" + reg.EntryID},
		Name:        reg.UniqueID.Scope,
	}

	switch e := reg.Entity.(type) {
	case *entity.Light:
		device.Manufacturer = "Hyperion"
		r.publishLightDiscovery(uniqueID, e, device)
		topic := r.topics.Command(uniqueID)
		if err := r.pub.Subscribe(topic, func(_ string, payload []byte) {
			r.handleCommand(uniqueID, payload)
		}); err != nil {
			log.Warn().Err(err).Str("topic", topic).Msg("Command subscription failed")
		}
		r.publishLightState(uniqueID, e)
	case *entity.Camera:
		device.Manufacturer = "motionEye"
		r.publishCameraDiscovery(uniqueID, e, device)
		r.publishCameraState(uniqueID, e)
	default:
		log.Warn().Str("unique_id", uniqueID).Str("domain", domain).Msg("Unknown entity domain, skipping publish")
	}
}

func (r *Renderer) publishRemoved(uniqueID string) {
	r.mu.Lock()
	reg, ok := r.entities[uniqueID]
	delete(r.entities, uniqueID)
	delete(r.lastPublished, uniqueID)
	r.mu.Unlock()
	if !ok {
		return
	}
	domain := reg.Entity.Domain()

	// Empty retained payloads clear the discovery config and drop the
	// stale state/availability from the broker.
	r.publish(r.topics.Discovery(domain, uniqueID), nil, true)
	r.publish(r.topics.State(domain, uniqueID), nil, true)
	r.publish(r.topics.Availability(domain, uniqueID), nil, true)

	if domain == entity.DomainLight {
		if err := r.pub.Unsubscribe(r.topics.Command(uniqueID)); err != nil {
			log.Warn().Err(err).Str("unique_id", uniqueID).Msg("Command unsubscribe failed")
		}
	}
	log.Info().Str("unique_id", uniqueID).Str("domain", domain).Msg("Entity unpublished")
}

func (r *Renderer) publishState(uniqueID string) {
	r.mu.Lock()
	reg, ok := r.entities[uniqueID]
	r.mu.Unlock()
	if !ok {
		// Never announced, or already removed.
		return
	}
	switch e := reg.Entity.(type) {
	case *entity.Light:
		r.publishLightState(uniqueID, e)
	case *entity.Camera:
		r.publishCameraState(uniqueID, e)
	}
}

func (r *Renderer) publishLightDiscovery(uniqueID string, l *entity.Light, device Device) {
	st := l.State()
	cfg := lightDiscovery{
		Schema:              "json",
		Name:                l.Name(),
		UniqueID:            topicID(uniqueID),
		StateTopic:          r.topics.State(entity.DomainLight, uniqueID),
		CommandTopic:        r.topics.Command(uniqueID),
		AvailabilityTopic:   r.topics.Availability(entity.DomainLight, uniqueID),
		Brightness:          true,
		Effect:              true,
		EffectList:          st.EffectList,
		SupportedColorModes: []string{"rgb"},
		Icon:                st.Icon,
		QOS:                 int(r.qos),
		Device:              device,
	}
	r.publishJSON(r.topics.Discovery(entity.DomainLight, uniqueID), cfg, true)
	log.Info().Str("unique_id", uniqueID).Str("name", l.Name()).Msg("Light discovery published")
}

func (r *Renderer) publishCameraDiscovery(uniqueID string, c *entity.Camera, device Device) {
	cfg := cameraDiscovery{
		Name:                c.Name(),
		UniqueID:            topicID(uniqueID),
		Topic:               r.topics.Image(uniqueID),
		AvailabilityTopic:   r.topics.Availability(entity.DomainCamera, uniqueID),
		JSONAttributesTopic: r.topics.State(entity.DomainCamera, uniqueID),
		QOS:                 int(r.qos),
		Device:              device,
	}
	r.publishJSON(r.topics.Discovery(entity.DomainCamera, uniqueID), cfg, true)
	log.Info().Str("unique_id", uniqueID).Str("name", c.Name()).Msg("Camera discovery published")
}

func (r *Renderer) publishLightState(uniqueID string, l *entity.Light) {
	st := l.State()
	if r.stale(uniqueID, st.Revision) {
		return
	}

	state := "OFF"
	if st.On {
		state = "ON"
	}
	payload := lightStatePayload{
		State:      state,
		Brightness: st.Brightness,
		ColorMode:  "rgb",
		Color:      st.Color,
		Effect:     st.Effect,
	}
	r.publishAvailability(entity.DomainLight, uniqueID, st.Available)
	r.publishJSON(r.topics.State(entity.DomainLight, uniqueID), payload, true)
}

func (r *Renderer) publishCameraState(uniqueID string, c *entity.Camera) {
	st := c.State()
	if r.stale(uniqueID, st.Revision) {
		return
	}

	payload := cameraAttributesPayload{
		Name:                st.Name,
		MotionDetection:     st.MotionDetection,
		VideoStreaming:      st.VideoStreaming,
		StreamingFramerate:  st.StreamingFramerate,
		StreamingResolution: st.StreamingResolution,
		StreamURL:           st.StreamURL,
		SnapshotURL:         st.SnapshotURL,
	}
	r.publishAvailability(entity.DomainCamera, uniqueID, st.Available)
	r.publishJSON(r.topics.State(entity.DomainCamera, uniqueID), payload, true)
}

// stale records the revision about to be published and reports whether
// it has already been superseded. Bus workers may deliver state events
// out of order; the retained topic must end on the newest snapshot.
func (r *Renderer) stale(uniqueID string, revision uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if last, ok := r.lastPublished[uniqueID]; ok && revision <= last {
		log.Debug().Str("unique_id", uniqueID).Uint64("revision", revision).Uint64("published", last).Msg("Dropping stale state publish")
		return true
	}
	r.lastPublished[uniqueID] = revision
	return false
}

func (r *Renderer) publishAvailability(domain, uniqueID string, available bool) {
	payload := PayloadOffline
	if available {
		payload = PayloadOnline
	}
	r.publish(r.topics.Availability(domain, uniqueID), []byte(payload), true)
}

func (r *Renderer) publishJSON(topic string, v any, retain bool) {
	data, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("Encoding payload failed")
		return
	}
	r.publish(topic, data, retain)
}

func (r *Renderer) publish(topic string, payload []byte, retain bool) {
	if err := r.pub.Publish(topic, payload, retain); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("Publish failed")
	}
}

func (r *Renderer) handleCommand(uniqueID string, payload []byte) {
	r.mu.Lock()
	reg, ok := r.entities[uniqueID]
	r.mu.Unlock()
	if !ok {
		log.Warn().Str("unique_id", uniqueID).Msg("Command for unknown entity")
		return
	}
	light, ok := reg.Entity.(*entity.Light)
	if !ok {
		return
	}

	var cmd lightCommandPayload
	if err := json.Unmarshal(payload, &cmd); err != nil {
		log.Warn().Err(err).Str("unique_id", uniqueID).Msg("Malformed command payload")
		return
	}

	ctx := r.ctx
	if ctx == nil {
		ctx = context.Background()
	}

	var err error
	if strings.EqualFold(cmd.State, "OFF") {
		err = light.TurnOff(ctx)
	} else {
		err = light.TurnOn(ctx, entity.TurnOnRequest{
			Brightness: cmd.Brightness,
			Color:      cmd.Color,
			Effect:     cmd.Effect,
		})
	}
	if err != nil {
		log.Warn().Err(err).Str("unique_id", uniqueID).Str("state", cmd.State).Msg("Light command failed")
	}
}
