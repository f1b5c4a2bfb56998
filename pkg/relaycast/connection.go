package relaycast

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaycast/go-relaycast-client/pkg/relaycast/endpoint"
)

const (
	// defaultFallbackDelay spaces recovery attempts.  Same-endpoint
	// retries wait attempts*delay; tier degradation waits one delay.
	defaultFallbackDelay = 5 * time.Second

	// minStableHeartbeats is how many heartbeats must have flowed in
	// each direction before an endpoint is considered to have been
	// stable, and therefore worth retrying after a failure.
	minStableHeartbeats = 2
)

// Connection owns one broker session and the single endpoint carrying
// its traffic.  When the endpoint breaks, the connection recovers by
// retrying it, degrading to the next tier, or rebuilding the session,
// in that order of preference.
type Connection struct {
	cfg        Config
	dispatcher *Dispatcher
	logger     zerolog.Logger
	metrics    *endpoint.Metrics

	mu           sync.Mutex
	session      *Session
	ep           endpoint.Endpoint
	hbStop       chan struct{}
	retryingSame bool
	findingNext  bool

	// OnError is invoked on endpoint failures and unsendable commands.
	// The owning context routes it into Fallback.
	OnError func(err error)

	// OnClose is invoked after a deliberate Close completes.
	OnClose func()

	// OnPreamble supplies the commands to fold into a stream create.
	// Only consulted when connecting a stream endpoint.
	OnPreamble func() []*Command

	// OnReconnected is invoked after a recovery that rebuilt the
	// session, so the owner can re-register server-side state.
	OnReconnected func()

	// Seams replaced by tests.
	newSession    func() *Session
	newEndpoint   func(kind, url string, preamble []endpoint.Command) endpoint.Endpoint
	fallbackDelay time.Duration
}

// NewConnection creates an unopened connection.
func NewConnection(cfg Config, dispatcher *Dispatcher) *Connection {
	cfg = cfg.withDefaults()
	c := &Connection{
		cfg:           cfg,
		dispatcher:    dispatcher,
		logger:        cfg.Logger.With().Str("component", "connection").Logger(),
		metrics:       endpoint.NewMetrics(),
		fallbackDelay: defaultFallbackDelay,
	}
	c.newSession = func() *Session {
		return NewSession(cfg.APIKey, cfg.BaseURL, cfg.HTTPClient, *cfg.Logger)
	}
	c.newEndpoint = c.buildEndpoint
	return c
}

// Metrics exposes the connection counter set.
func (c *Connection) Metrics() *endpoint.Metrics {
	return c.metrics
}

// Endpoint returns the current endpoint, nil while negotiating.
func (c *Connection) Endpoint() endpoint.Endpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ep
}

// SessionID returns the current session identifier.
func (c *Connection) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return ""
	}
	return c.session.ID()
}

// IsOpen reports whether an endpoint is connected and usable.
func (c *Connection) IsOpen() bool {
	ep := c.Endpoint()
	return ep != nil && ep.IsOpen()
}

// IsClosed reports whether no usable endpoint exists.
func (c *Connection) IsClosed() bool {
	return !c.IsOpen()
}

// UsesPreamble reports whether the current endpoint consumed the
// pending commands as part of its own connect.
func (c *Connection) UsesPreamble() bool {
	ep := c.Endpoint()
	return ep != nil && ep.Name() == endpoint.KindStream
}

// Open establishes a session and connects the best available endpoint.
// Session creation is retried up to MaxSessionAttempts across the
// lifetime of the connection; an invalid API key fails immediately.
func (c *Connection) Open(ctx context.Context) error {
	c.metrics.Inc("open")

	c.mu.Lock()
	if c.session != nil && c.ep != nil {
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()

	for {
		attempts := c.metrics.Inc("session_create_attempts")
		if attempts > MaxSessionAttempts {
			return &ClientError{Code: ErrCodeSession, Message: "session create attempts exhausted"}
		}

		s := c.newSession()
		err := s.Create(ctx)
		if err == nil {
			c.mu.Lock()
			c.session = s
			c.mu.Unlock()
			c.resetEndpointAttempts()
			break
		}
		if errors.Is(err, ErrInvalidAPIKey) || ctx.Err() != nil {
			return err
		}
		c.logger.Warn().Err(err).Int("attempt", attempts).Msg("session create failed")
	}

	ep, err := c.nextAvailableEndpoint(ctx, 0)
	if err != nil {
		return err
	}

	c.mu.Lock()
	c.ep = ep
	c.mu.Unlock()
	c.startHeartbeats()
	return nil
}

// nextAvailableEndpoint walks the endpoint tiers in preference order:
// every socket URL, then every flash URL, then every rest URL.  Each
// URL is attempted once per session; tiers the environment cannot use
// still consume their attempts so the walk always terminates.
func (c *Connection) nextAvailableEndpoint(ctx context.Context, delay time.Duration) (endpoint.Endpoint, error) {
	caps := c.cfg.Capabilities

	for {
		if delay > 0 {
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			delay = 0
		}

		c.mu.Lock()
		session := c.session
		c.mu.Unlock()
		if session == nil {
			return nil, &ClientError{Code: ErrCodeSession, Message: "no session"}
		}
		eps := session.Endpoints()

		var kind, url string
		switch {
		case c.metrics.Get("socket_attempts") < len(eps.Socket):
			idx := c.metrics.Get("socket_attempts")
			c.metrics.Inc("socket_attempts")
			if !caps.WebSocketUsable() {
				c.logger.Debug().Msg("websocket tier unavailable, skipping")
				continue
			}
			kind, url = endpoint.KindWebSocket, session.SocketURL(eps.Socket[idx])

		case c.metrics.Get("flash_attempts") < len(eps.Flash):
			idx := c.metrics.Get("flash_attempts")
			c.metrics.Inc("flash_attempts")
			if !caps.FlashSocketUsable() {
				c.logger.Debug().Msg("flash tier unavailable, skipping")
				continue
			}
			kind, url = endpoint.KindFlashSocket, session.SocketURL(eps.Flash[idx])

		case c.metrics.Get("rest_attempts") < len(eps.Rest):
			idx := c.metrics.Get("rest_attempts")
			c.metrics.Inc("rest_attempts")
			if !caps.StreamingUsable() {
				c.logger.Debug().Msg("stream tier unavailable, skipping")
				continue
			}
			kind, url = endpoint.KindStream, session.StreamURL(eps.Rest[idx])

		default:
			return nil, &ClientError{Code: ErrCodeExhausted, Message: "all endpoint connection attempts exhausted"}
		}

		ep := c.connectEndpoint(ctx, kind, url)
		if ep == nil {
			continue
		}
		return ep, nil
	}
}

// connectEndpoint builds and connects one endpoint, returning nil on
// failure so the walk moves on.
func (c *Connection) connectEndpoint(ctx context.Context, kind, url string) endpoint.Endpoint {
	var preamble []endpoint.Command
	if kind == endpoint.KindStream && c.OnPreamble != nil {
		for _, cmd := range c.OnPreamble() {
			c.registerCommand(cmd)
			preamble = append(preamble, cmd)
		}
	}

	ep := c.newEndpoint(kind, url, preamble)
	ep.SetEventHandler(c.handleEndpointEvent)
	ep.SetCloseHandler(c.handleEndpointClosed)

	if err := ep.Connect(ctx); err != nil {
		c.logger.Warn().Err(err).Str("kind", kind).Str("url", url).Msg("endpoint connect failed")
		return nil
	}
	c.logger.Info().Str("kind", kind).Str("url", url).Msg("endpoint connected")
	return ep
}

// buildEndpoint is the production endpoint factory.
func (c *Connection) buildEndpoint(kind, url string, preamble []endpoint.Command) endpoint.Endpoint {
	sid := c.SessionID()
	switch kind {
	case endpoint.KindFlashSocket:
		return endpoint.NewFlashSocket(url, sid, c.cfg.Capabilities,
			endpoint.WithSocketLogger(*c.cfg.Logger))
	case endpoint.KindStream:
		return endpoint.NewRestStream(url, sid, preamble,
			endpoint.WithHTTPClient(c.cfg.HTTPClient),
			endpoint.WithStreamLogger(*c.cfg.Logger))
	default:
		return endpoint.NewWebSocket(url, sid,
			endpoint.WithSocketLogger(*c.cfg.Logger))
	}
}

func (c *Connection) handleEndpointEvent(ev endpoint.Event) {
	c.dispatcher.Dispatch(fromWire(ev))
}

func (c *Connection) handleEndpointClosed(err error) {
	c.logger.Warn().Err(err).Msg("endpoint closed unexpectedly")
	c.raiseError(&ClientError{Code: ErrCodeTransport, Message: "endpoint closed unexpectedly", Err: err})
}

func (c *Connection) raiseError(err error) {
	if c.OnError != nil {
		c.OnError(err)
	}
}

// registerCommand mints a correlation key, registers the command with
// the dispatcher, and stamps the routing parameters onto it.
func (c *Connection) registerCommand(cmd *Command) {
	if cmd.EventKey() == "" {
		cmd.setEventKey(c.dispatcher.NextKey())
	}
	c.dispatcher.Register(cmd.EventKey(), cmd)
	cmd.AddParam("sid", c.SessionID())
	cmd.AddParam("eventKey", cmd.EventKey())
}

// Send registers and writes one command over the current endpoint.
// Sending with no usable endpoint stops the heartbeat timer and raises
// a connection error so recovery can begin.
func (c *Connection) Send(cmd *Command) error {
	ep := c.Endpoint()
	if ep == nil || ep.IsClosed() {
		c.stopHeartbeats()
		err := &ClientError{Code: ErrCodeTransport, Message: "cannot send command without an open endpoint"}
		c.raiseError(err)
		return err
	}
	c.registerCommand(cmd)
	return ep.Write(cmd)
}

// Close deliberately disconnects the endpoint.
func (c *Connection) Close(ctx context.Context) error {
	c.metrics.Inc("close")
	c.stopHeartbeats()

	ep := c.Endpoint()
	if ep == nil || ep.IsClosed() {
		return nil
	}

	c.metrics.Inc("disconnect")
	err := ep.Disconnect(ctx)
	if err != nil {
		c.logger.Error().Err(err).Msg("endpoint disconnect failed")
		return err
	}
	if c.OnClose != nil {
		c.OnClose()
	}
	return nil
}

// Reconnect reopens the current endpoint if it has gone away.  Used by
// the owner when a known connection is found closed at send time.
func (c *Connection) Reconnect(ctx context.Context) error {
	c.metrics.Inc("reconnect")

	ep := c.Endpoint()
	if ep == nil {
		return &ClientError{Code: ErrCodeTransport, Message: "no endpoint to reconnect"}
	}
	if ep.IsOpen() {
		return nil
	}
	if err := ep.Connect(ctx); err != nil {
		return err
	}
	c.startHeartbeats()
	return nil
}

// Fallback recovers from a connection failure.  The decision order:
//
//  1. no session or endpoint: rebuild the session from scratch
//  2. endpoint still open: close it first, then decide again
//  3. endpoint was stable (heartbeats flowed both ways): retry the
//     same endpoint, waiting attempts*delay
//  4. endpoint never stabilized: degrade to the next available
//     endpoint after one fixed delay
//
// Retries per endpoint are capped; when the cap or the tier walk is
// exhausted, recovery jumps to session rebuild.  Re-entrant calls
// while a retry or walk is in flight are ignored.  done is invoked
// once with the terminal outcome.
func (c *Connection) Fallback(done func(error)) {
	c.mu.Lock()
	if c.retryingSame || c.findingNext {
		c.mu.Unlock()
		return
	}
	session := c.session
	ep := c.ep
	c.mu.Unlock()

	c.metrics.Inc("fallback")
	c.stopHeartbeats()

	if session == nil || ep == nil {
		c.restartSession(done)
		return
	}

	if !ep.IsClosed() {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := c.Close(ctx); err != nil {
				c.logger.Warn().Err(err).Msg("close before fallback failed")
			}
			c.Fallback(done)
		}()
		return
	}

	epm := ep.Metrics()
	stable := epm.Get("heartbeat_in") >= minStableHeartbeats &&
		epm.Get("heartbeat_out") >= minStableHeartbeats
	attempts := epm.Inc("reconnect_attempts")

	if attempts > MaxEndpointAttempts || c.endpointsExhausted(session) {
		c.logger.Info().Msg("endpoint recovery exhausted, rebuilding session")
		c.restartSession(done)
		return
	}

	if stable {
		c.mu.Lock()
		c.retryingSame = true
		c.mu.Unlock()

		delay := time.Duration(attempts) * c.fallbackDelay
		c.logger.Info().Dur("delay", delay).Int("attempt", attempts).Msg("retrying stable endpoint")

		time.AfterFunc(delay, func() {
			err := ep.Connect(context.Background())
			c.mu.Lock()
			c.retryingSame = false
			c.mu.Unlock()

			if err != nil {
				c.Fallback(done)
				return
			}
			c.startHeartbeats()
			c.finish(done, nil)
		})
		return
	}

	c.mu.Lock()
	c.findingNext = true
	c.ep = nil
	c.mu.Unlock()

	c.logger.Info().Msg("endpoint was unstable, degrading to next endpoint")
	go func() {
		next, err := c.nextAvailableEndpoint(context.Background(), c.fallbackDelay)

		c.mu.Lock()
		c.findingNext = false
		if err == nil {
			c.ep = next
		}
		c.mu.Unlock()

		if err != nil {
			c.Fallback(done)
			return
		}
		c.startHeartbeats()
		c.finish(done, nil)
	}()
}

// restartSession drops all connection state and opens from scratch.
func (c *Connection) restartSession(done func(error)) {
	c.mu.Lock()
	c.session = nil
	c.ep = nil
	c.mu.Unlock()

	go func() {
		if err := c.Open(context.Background()); err != nil {
			c.finish(done, err)
			return
		}
		if c.OnReconnected != nil {
			c.OnReconnected()
		}
		c.finish(done, nil)
	}()
}

func (c *Connection) finish(done func(error), err error) {
	if done != nil {
		done(err)
	}
}

// endpointsExhausted reports whether every offered URL of the current
// session has been attempted.
func (c *Connection) endpointsExhausted(session *Session) bool {
	eps := session.Endpoints()
	return c.metrics.Get("socket_attempts") >= len(eps.Socket) &&
		c.metrics.Get("flash_attempts") >= len(eps.Flash) &&
		c.metrics.Get("rest_attempts") >= len(eps.Rest)
}

// resetEndpointAttempts restarts the tier walk.  Called on every new
// session, since attempt counters are compared against that session's
// endpoint lists.
func (c *Connection) resetEndpointAttempts() {
	c.metrics.Set("socket_attempts", 0)
	c.metrics.Set("flash_attempts", 0)
	c.metrics.Set("rest_attempts", 0)
}

// startHeartbeats begins the heartbeat timer if it is not running.
func (c *Connection) startHeartbeats() {
	c.mu.Lock()
	if c.hbStop != nil {
		c.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	c.hbStop = stop
	c.mu.Unlock()

	go func() {
		ticker := time.NewTicker(c.cfg.HeartbeatCycle)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				c.sendHeartbeat()
			}
		}
	}()
}

func (c *Connection) stopHeartbeats() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hbStop != nil {
		close(c.hbStop)
		c.hbStop = nil
	}
}

// sendHeartbeat pushes one heartbeat, shutting the timer down and
// raising a connection error if the endpoint is gone.
func (c *Connection) sendHeartbeat() {
	ep := c.Endpoint()
	if ep == nil || ep.IsClosed() {
		c.stopHeartbeats()
		c.raiseError(&ClientError{Code: ErrCodeTransport, Message: "heartbeat found no open endpoint"})
		return
	}
	if err := ep.Heartbeat(); err != nil {
		c.raiseError(&ClientError{Code: ErrCodeTransport, Message: "heartbeat failed", Err: err})
	}
}
