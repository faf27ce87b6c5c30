package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dermotduffy/rosterd/internal/config"
	"github.com/dermotduffy/rosterd/internal/eventbus"
	"github.com/dermotduffy/rosterd/internal/mqtt"
)

// MQTTService wraps the broker connection and the entity renderer that
// projects registry state onto broker topics.
type MQTTService struct {
	cfg     *config.Config
	resolve mqtt.Resolver

	Client   *mqtt.Client
	Renderer *mqtt.Renderer
}

// NewMQTTService creates a new MQTTService. The broker connection is
// established in Start.
func NewMQTTService(cfg *config.Config, resolve mqtt.Resolver) *MQTTService {
	return &MQTTService{
		cfg:     cfg,
		resolve: resolve,
	}
}

func (s *MQTTService) brokerConfig() mqtt.Config {
	return mqtt.Config{
		BrokerURL:       s.cfg.MQTT.Broker,
		ClientID:        s.cfg.MQTT.ClientID,
		Username:        s.cfg.MQTT.Username,
		Password:        s.cfg.MQTT.Password,
		BaseTopic:       s.cfg.MQTT.BaseTopic,
		DiscoveryPrefix: s.cfg.MQTT.DiscoveryPrefix,
		QoS:             s.cfg.MQTT.QoS,
	}
}

// Start connects to the broker and binds the renderer to entity events.
// Without a configured broker the daemon still reconciles; entity state
// is only visible through the status API.
func (s *MQTTService) Start(ctx context.Context, bus *eventbus.Bus) error {
	if s.cfg.MQTT.Broker == "" {
		log.Warn().Msg("No MQTT broker configured, entity state served from status API only")
		return nil
	}

	client, err := mqtt.Connect(s.brokerConfig())
	if err != nil {
		return err
	}
	s.Client = client

	s.Renderer = mqtt.NewRenderer(client, s.brokerConfig(), s.resolve)
	s.Renderer.Bind(ctx, bus)

	log.Info().Str("broker", s.cfg.MQTT.Broker).Msg("Connected to MQTT broker")
	return nil
}

// PublishImage forwards a camera frame to its image topic. Frames are
// dropped while no broker is connected.
func (s *MQTTService) PublishImage(uniqueID string, image []byte) error {
	if s.Renderer == nil {
		return nil
	}
	return s.Renderer.PublishImage(uniqueID, image)
}

// Close disconnects from the broker.
func (s *MQTTService) Close() {
	if s.Client != nil {
		s.Client.Close()
	}
}
