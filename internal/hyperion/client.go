// Package hyperion speaks the ambient-lighting server's JSON-over-TCP
// control protocol: request/reply pairs correlated by a tan counter, plus
// subscribed "<subject>-update" pushes on the same connection.
package hyperion

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dermotduffy/rosterd/internal/roster"
)

// ErrMaxReconnectsExceeded is returned when the maximum number of reconnect attempts is exceeded.
var ErrMaxReconnectsExceeded = errors.New("max reconnects exceeded")

var errClientClosed = errors.New("client closed")

// Defaults for the JSON control port.
const (
	DefaultPort    = 19444
	DefaultTimeout = 15 * time.Second
	DefaultOrigin  = "rosterd"
)

// ReconnectConfig contains configuration for connection retry in Run.
type ReconnectConfig struct {
	MinBackoff    time.Duration // Minimum backoff between reconnects
	MaxBackoff    time.Duration // Maximum backoff between reconnects
	Multiplier    float64       // Backoff multiplier
	MaxReconnects int           // Max reconnect attempts, 0 = infinite
}

// DefaultReconnectConfig returns sensible defaults for reconnection.
func DefaultReconnectConfig() ReconnectConfig {
	return ReconnectConfig{
		MinBackoff:    1 * time.Second,
		MaxBackoff:    2 * time.Minute,
		Multiplier:    2.0,
		MaxReconnects: 0, // infinite
	}
}

// UpdateHandlers is the push dispatch table: one handler per update kind.
// Nil entries drop that kind. Handlers run on the connection's read
// goroutine and must not block.
type UpdateHandlers struct {
	Components func(Component)
	Adjustment func([]Adjustment)
	Priorities func([]Priority)
	Effects    func([]Effect)
	Instances  func([]Instance)

	// Connected fires after a connection has authorized, switched to its
	// instance and loaded server state. Disconnected fires when the
	// connection drops for any reason, including Close.
	Connected    func()
	Disconnected func(err error)
}

// ClientConfig describes one connection to a server. Instance 0 is the
// server's root instance; per-sub-device connections set the instance they
// control.
type ClientConfig struct {
	Host      string
	Port      int
	Token     string
	Instance  int
	Origin    string
	Timeout   time.Duration
	Reconnect ReconnectConfig
}

// Client is one TCP connection to the server. It is safe for concurrent
// use; replies are matched to requests by tan.
type Client struct {
	cfg      ClientConfig
	handlers UpdateHandlers

	tan atomic.Int64

	// connMu guards the connection fields and serializes writes.
	connMu       sync.Mutex
	conn         net.Conn
	enc          *json.Encoder
	disconnected chan error

	pendingMu sync.Mutex
	pending   map[int64]chan envelope

	stateMu   sync.RWMutex
	serverID  string
	info      ServerInfo
	connected bool
}

// NewClient creates a client. It does not connect.
func NewClient(cfg ClientConfig) *Client {
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Origin == "" {
		cfg.Origin = DefaultOrigin
	}
	if cfg.Reconnect == (ReconnectConfig{}) {
		cfg.Reconnect = DefaultReconnectConfig()
	}
	return &Client{cfg: cfg}
}

// SetHandlers installs the push dispatch table. Must be called before
// Connect or Run.
func (c *Client) SetHandlers(h UpdateHandlers) {
	c.handlers = h
}

func (c *Client) addr() string {
	return net.JoinHostPort(c.cfg.Host, strconv.Itoa(c.cfg.Port))
}

// Connect dials the server and performs the session handshake: authorize
// (login with the configured token, or a tokenRequired probe without
// one), switch to the configured instance, read sysinfo for the server
// id, then subscribe to state updates. Credential rejections wrap
// roster.ErrAuth; everything else wraps roster.ErrConnection.
func (c *Client) Connect(ctx context.Context) error {
	dialer := net.Dialer{Timeout: c.cfg.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr())
	if err != nil {
		return fmt.Errorf("dialing %s: %w: %w", c.addr(), err, roster.ErrConnection)
	}

	c.connMu.Lock()
	c.conn = conn
	c.enc = json.NewEncoder(conn)
	c.disconnected = make(chan error, 1)
	c.connMu.Unlock()

	c.pendingMu.Lock()
	c.pending = make(map[int64]chan envelope)
	c.pendingMu.Unlock()

	go c.readLoop(conn)

	if c.cfg.Token != "" {
		if _, err := c.send(ctx, request{Command: "authorize", Subcommand: "login", Token: c.cfg.Token}); err != nil {
			c.teardown(err)
			return fmt.Errorf("authorizing: %w", err)
		}
	} else {
		// No token configured: ask whether the server demands one, so a
		// misconfigured entry surfaces as reauth now rather than on the
		// first rejected command.
		env, err := c.send(ctx, request{Command: "authorize", Subcommand: "tokenRequired"})
		if err != nil {
			c.teardown(err)
			return fmt.Errorf("checking authorization: %w", err)
		}
		var auth struct {
			Required bool `json:"required"`
		}
		if len(env.Info) > 0 {
			if err := json.Unmarshal(env.Info, &auth); err != nil {
				c.teardown(err)
				return fmt.Errorf("parsing authorization reply: %w: %w", err, roster.ErrConnection)
			}
		}
		if auth.Required {
			err := fmt.Errorf("server requires a token and none is configured: %w", roster.ErrAuth)
			c.teardown(err)
			return err
		}
	}

	if c.cfg.Instance != 0 {
		instance := c.cfg.Instance
		if _, err := c.send(ctx, request{Command: "instance", Subcommand: "switchTo", Instance: &instance}); err != nil {
			c.teardown(err)
			return fmt.Errorf("switching to instance %d: %w", instance, err)
		}
	}

	sysEnv, err := c.send(ctx, request{Command: "sysinfo"})
	if err != nil {
		c.teardown(err)
		return fmt.Errorf("reading sysinfo: %w", err)
	}
	var sys sysInfo
	if err := json.Unmarshal(sysEnv.Info, &sys); err != nil {
		c.teardown(err)
		return fmt.Errorf("parsing sysinfo: %w: %w", err, roster.ErrConnection)
	}

	infoEnv, err := c.send(ctx, request{
		Command: "serverinfo",
		Subscribe: []string{
			"components-update",
			"adjustment-update",
			"priorities-update",
			"effects-update",
			"instance-update",
		},
	})
	if err != nil {
		c.teardown(err)
		return fmt.Errorf("reading serverinfo: %w", err)
	}
	var info ServerInfo
	if err := json.Unmarshal(infoEnv.Info, &info); err != nil {
		c.teardown(err)
		return fmt.Errorf("parsing serverinfo: %w: %w", err, roster.ErrConnection)
	}

	c.stateMu.Lock()
	c.serverID = sys.Hyperion.ID
	c.info = info
	c.connected = true
	c.stateMu.Unlock()

	log.Info().
		Str("address", c.addr()).
		Int("instance", c.cfg.Instance).
		Str("server_id", sys.Hyperion.ID).
		Msg("Connected to Hyperion server")

	if c.handlers.Connected != nil {
		c.handlers.Connected()
	}
	return nil
}

// Run maintains the connection with automatic reconnection and backoff.
// It returns nil when ctx is cancelled, the auth error when credentials
// are rejected (no retry), or ErrMaxReconnectsExceeded.
func (c *Client) Run(ctx context.Context) error {
	retryCount := 0
	currentBackoff := c.cfg.Reconnect.MinBackoff

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		err := c.runOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}

			if errors.Is(err, roster.ErrAuth) {
				log.Error().Err(err).Str("address", c.addr()).Msg("Server rejected credentials, not retrying")
				return err
			}

			retryCount++

			if c.cfg.Reconnect.MaxReconnects > 0 && retryCount > c.cfg.Reconnect.MaxReconnects {
				log.Error().
					Int("max_reconnects", c.cfg.Reconnect.MaxReconnects).
					Msg("Server connection: max reconnects exceeded, terminating")
				return ErrMaxReconnectsExceeded
			}

			log.Warn().
				Err(err).
				Dur("backoff", currentBackoff).
				Int("retry", retryCount).
				Int("max_reconnects", c.cfg.Reconnect.MaxReconnects).
				Msg("Server disconnected, reconnecting")

			select {
			case <-ctx.Done():
				return nil
			case <-time.After(currentBackoff):
			}

			// Calculate next backoff with multiplier, capped at max
			nextBackoff := time.Duration(float64(currentBackoff) * c.cfg.Reconnect.Multiplier)
			if nextBackoff > c.cfg.Reconnect.MaxBackoff {
				nextBackoff = c.cfg.Reconnect.MaxBackoff
			}
			currentBackoff = nextBackoff

			continue
		}

		// Reset retry count and backoff on successful connection
		retryCount = 0
		currentBackoff = c.cfg.Reconnect.MinBackoff
	}
}

// runOnce connects (unless a Connect call already established the
// session) and blocks until the connection drops or ctx ends.
func (c *Client) runOnce(ctx context.Context) error {
	if !c.IsConnected() {
		if err := c.Connect(ctx); err != nil {
			return err
		}
	}

	c.connMu.Lock()
	disconnected := c.disconnected
	c.connMu.Unlock()

	select {
	case <-ctx.Done():
		c.Close()
		return nil
	case err := <-disconnected:
		return err
	}
}

// Close drops the connection. Pending requests fail, the Disconnected
// handler fires.
func (c *Client) Close() error {
	c.teardown(errClientClosed)
	return nil
}

// ID returns the server's stable id from sysinfo, empty before the first
// successful connect.
func (c *Client) ID() string {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.serverID
}

// IsConnected reports whether the session handshake has completed and the
// connection is still up.
func (c *Client) IsConnected() bool {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return c.connected
}

// Instances returns the last-known instance roster.
func (c *Client) Instances() []Instance {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	return append([]Instance(nil), c.info.Instances...)
}

// ServerInfo returns a copy of the last-known server state.
func (c *Client) ServerInfo() ServerInfo {
	c.stateMu.RLock()
	defer c.stateMu.RUnlock()
	info := c.info
	info.Components = append([]Component(nil), c.info.Components...)
	info.Adjustment = append([]Adjustment(nil), c.info.Adjustment...)
	info.Priorities = append([]Priority(nil), c.info.Priorities...)
	info.Effects = append([]Effect(nil), c.info.Effects...)
	info.Instances = append([]Instance(nil), c.info.Instances...)
	return info
}

// SetColor shows a solid color at the given priority.
func (c *Client) SetColor(ctx context.Context, priority int, r, g, b uint8) error {
	_, err := c.send(ctx, request{
		Command:  "color",
		Priority: &priority,
		Origin:   c.cfg.Origin,
		Color:    []int{int(r), int(g), int(b)},
	})
	return err
}

// SetEffect starts a named effect at the given priority.
func (c *Client) SetEffect(ctx context.Context, priority int, effect string) error {
	_, err := c.send(ctx, request{
		Command:  "effect",
		Priority: &priority,
		Origin:   c.cfg.Origin,
		Effect:   &effectRef{Name: effect},
	})
	return err
}

// Clear removes this daemon's source at the given priority.
func (c *Client) Clear(ctx context.Context, priority int) error {
	_, err := c.send(ctx, request{Command: "clear", Priority: &priority})
	return err
}

// SetComponent enables or disables a server component.
func (c *Client) SetComponent(ctx context.Context, component string, state bool) error {
	_, err := c.send(ctx, request{
		Command:        "componentstate",
		ComponentState: &componentStateBody{Component: component, State: state},
	})
	return err
}

// SetAdjustment sets output brightness as a 0-100 percentage.
func (c *Client) SetAdjustment(ctx context.Context, brightnessPct int) error {
	_, err := c.send(ctx, request{
		Command:    "adjustment",
		Adjustment: &adjustmentBody{Brightness: brightnessPct},
	})
	return err
}

// send writes one request and waits for the matching reply.
func (c *Client) send(ctx context.Context, req request) (envelope, error) {
	req.Tan = c.tan.Add(1)

	ch := make(chan envelope, 1)
	c.pendingMu.Lock()
	if c.pending == nil {
		c.pendingMu.Unlock()
		return envelope{}, fmt.Errorf("not connected: %w", roster.ErrConnection)
	}
	c.pending[req.Tan] = ch
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, req.Tan)
		c.pendingMu.Unlock()
	}()

	c.connMu.Lock()
	conn, enc := c.conn, c.enc
	if conn == nil {
		c.connMu.Unlock()
		return envelope{}, fmt.Errorf("not connected: %w", roster.ErrConnection)
	}
	conn.SetWriteDeadline(time.Now().Add(c.cfg.Timeout))
	err := enc.Encode(req)
	c.connMu.Unlock()
	if err != nil {
		return envelope{}, fmt.Errorf("sending %s: %w: %w", req.Command, err, roster.ErrConnection)
	}

	select {
	case <-ctx.Done():
		return envelope{}, ctx.Err()
	case <-time.After(c.cfg.Timeout):
		return envelope{}, fmt.Errorf("timeout waiting for %s reply: %w", req.Command, roster.ErrConnection)
	case env, ok := <-ch:
		if !ok {
			return envelope{}, fmt.Errorf("connection lost waiting for %s reply: %w", req.Command, roster.ErrConnection)
		}
		if env.Success != nil && !*env.Success {
			if req.Command == "authorize" || strings.Contains(env.Error, "No Authorization") {
				return envelope{}, fmt.Errorf("%s rejected: %s: %w", req.Command, env.Error, roster.ErrAuth)
			}
			return envelope{}, fmt.Errorf("%s failed: %s", req.Command, env.Error)
		}
		return env, nil
	}
}

// readLoop decodes frames until the connection fails. Replies are routed
// to their waiting sender, pushes to the handler table.
func (c *Client) readLoop(conn net.Conn) {
	dec := json.NewDecoder(conn)
	for {
		var env envelope
		if err := dec.Decode(&env); err != nil {
			c.teardown(fmt.Errorf("reading frame: %w: %w", err, roster.ErrConnection))
			return
		}

		if env.Success != nil {
			c.pendingMu.Lock()
			ch, ok := c.pending[env.Tan]
			c.pendingMu.Unlock()
			if ok {
				ch <- env
			} else {
				log.Debug().Int64("tan", env.Tan).Str("command", env.Command).Msg("Reply with no waiting request")
			}
			continue
		}

		if strings.HasSuffix(env.Command, "-update") {
			c.dispatchUpdate(env)
		}
	}
}

// dispatchUpdate decodes one push frame and hands it to its handler,
// refreshing the cached server state along the way.
func (c *Client) dispatchUpdate(env envelope) {
	subject := strings.TrimSuffix(env.Command, "-update")
	switch subject {
	case "components":
		// The server pushes a single component per change.
		var component Component
		if err := json.Unmarshal(env.Data, &component); err != nil {
			log.Warn().Err(err).Str("command", env.Command).Msg("Failed to parse push update")
			return
		}
		c.stateMu.Lock()
		replaced := false
		for i := range c.info.Components {
			if c.info.Components[i].Name == component.Name {
				c.info.Components[i] = component
				replaced = true
				break
			}
		}
		if !replaced {
			c.info.Components = append(c.info.Components, component)
		}
		c.stateMu.Unlock()
		if c.handlers.Components != nil {
			c.handlers.Components(component)
		}

	case "adjustment":
		var adjustments []Adjustment
		if err := json.Unmarshal(env.Data, &adjustments); err != nil {
			log.Warn().Err(err).Str("command", env.Command).Msg("Failed to parse push update")
			return
		}
		c.stateMu.Lock()
		c.info.Adjustment = adjustments
		c.stateMu.Unlock()
		if c.handlers.Adjustment != nil {
			c.handlers.Adjustment(adjustments)
		}

	case "priorities":
		var data struct {
			Priorities []Priority `json:"priorities"`
		}
		if err := json.Unmarshal(env.Data, &data); err != nil {
			log.Warn().Err(err).Str("command", env.Command).Msg("Failed to parse push update")
			return
		}
		c.stateMu.Lock()
		c.info.Priorities = data.Priorities
		c.stateMu.Unlock()
		if c.handlers.Priorities != nil {
			c.handlers.Priorities(data.Priorities)
		}

	case "effects":
		var data struct {
			Effects []Effect `json:"effects"`
		}
		if err := json.Unmarshal(env.Data, &data); err != nil {
			log.Warn().Err(err).Str("command", env.Command).Msg("Failed to parse push update")
			return
		}
		c.stateMu.Lock()
		c.info.Effects = data.Effects
		c.stateMu.Unlock()
		if c.handlers.Effects != nil {
			c.handlers.Effects(data.Effects)
		}

	case "instance":
		var instances []Instance
		if err := json.Unmarshal(env.Data, &instances); err != nil {
			log.Warn().Err(err).Str("command", env.Command).Msg("Failed to parse push update")
			return
		}
		c.stateMu.Lock()
		c.info.Instances = instances
		c.stateMu.Unlock()
		if c.handlers.Instances != nil {
			c.handlers.Instances(instances)
		}

	default:
		log.Trace().Str("command", env.Command).Msg("Unhandled push update")
	}
}

// teardown closes the connection once and fails everything waiting on it.
func (c *Client) teardown(err error) {
	c.connMu.Lock()
	conn := c.conn
	if conn == nil {
		c.connMu.Unlock()
		return
	}
	c.conn = nil
	c.enc = nil
	disconnected := c.disconnected
	c.connMu.Unlock()

	c.stateMu.Lock()
	c.connected = false
	c.stateMu.Unlock()

	conn.Close()

	c.pendingMu.Lock()
	for tan, ch := range c.pending {
		close(ch)
		delete(c.pending, tan)
	}
	c.pending = nil
	c.pendingMu.Unlock()

	if disconnected != nil {
		select {
		case disconnected <- err:
		default:
		}
	}

	if c.handlers.Disconnected != nil {
		c.handlers.Disconnected(err)
	}
}
