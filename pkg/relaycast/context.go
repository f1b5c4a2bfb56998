package relaycast

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// connDrainGrace is how long the context waits after the last feed
// closes before shutting the connection down, in case another feed
// open comes along right away.
const connDrainGrace = time.Second

// Context is the root SDK object: it owns the dispatcher, the single
// shared connection and the feed registry.  Contexts are constructed
// explicitly; an application typically holds exactly one.
type Context struct {
	cfg        Config
	logger     zerolog.Logger
	dispatcher *Dispatcher
	registry   *FeedRegistry

	mu               sync.Mutex
	conn             *Connection
	userActive       bool
	validateMessages bool
	preamble         []*Command
	awaitingEndpoint []func(error)
}

// New creates a Context from the given configuration.
func New(cfg Config) (*Context, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("api key is required")
	}
	if cfg.BaseURL == "" {
		return nil, errors.New("base url is required")
	}
	cfg = cfg.withDefaults()

	logger := cfg.Logger.With().Str("component", "context").Logger()
	return &Context{
		cfg:              cfg,
		logger:           logger,
		dispatcher:       NewDispatcher(*cfg.Logger),
		registry:         NewFeedRegistry(),
		userActive:       true,
		validateMessages: true,
	}, nil
}

// Dispatcher exposes the event dispatcher.
func (c *Context) Dispatcher() *Dispatcher {
	return c.dispatcher
}

// Registry exposes the feed registry.
func (c *Context) Registry() *FeedRegistry {
	return c.registry
}

// SetUserActive flips the active-user flag consulted by revote cycles.
func (c *Context) SetUserActive(active bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userActive = active
}

// IsUserActive reports the active-user flag.  Defaults to true.
func (c *Context) IsUserActive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userActive
}

// SetValidateMessages toggles client-side message contract validation.
func (c *Context) SetValidateMessages(validate bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.validateMessages = validate
}

// ValidateMessages reports whether contract validation runs before
// sends.  Defaults to true.
func (c *Context) ValidateMessages() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.validateMessages
}

// Project opens a named project, the entry point for feeds.
func (c *Context) Project(name string) *Project {
	return newProject(c, name)
}

// connection returns the current connection, nil before first use.
func (c *Context) connection() *Connection {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn
}

// OpenFeed opens a feed described by its metadata.  The completion is
// invoked once with the outcome.  A feed whose metadata matches an
// already-open feed adopts that feed's settings without a round trip.
func (c *Context) OpenFeed(feed *Feed, completion func(error, *Feed)) {
	if completion == nil {
		completion = func(error, *Feed) {}
	}

	if loaded := c.registry.FindWithMetadata(feed.Metadata()); loaded != nil {
		feed.adoptSettings(loaded)
		feed.setConnection(loaded.connection())
		c.registry.Register(feed)
		completion(nil, feed)
		c.dispatcher.Dispatch(Event{Type: EventOpen, Key: feed.objectKey()})
		return
	}

	feed.open(func(err error) {
		if err != nil {
			completion(err, feed)
			return
		}
		c.registry.Register(feed)
		if h := c.registry.Handler(feed); h != nil {
			h.onPostRegistration()
		}
		completion(nil, feed)
	}, func(openCmd *Command) {
		// Feed opens racing connection negotiation ride along in the
		// stream create preamble, so they must be staged before any
		// connection work begins.
		c.mu.Lock()
		c.preamble = append(c.preamble, openCmd)
		c.mu.Unlock()
	})
}

// CloseFeed closes a feed.  Feeds sharing their processing instance
// with others close locally; the last one releases the broker session.
func (c *Context) CloseFeed(feed *Feed) {
	if c.registry.RefCount(feed) > 1 {
		c.registry.Unregister(feed)
		c.dispatcher.Dispatch(Event{Type: EventClose, Key: feed.objectKey()})
		feed.unregisterAllListeners()
		return
	}
	feed.closeWithServer(c.connection())
}

// feedClosed finishes a server-side feed close: the feed leaves the
// registry, and a drained registry shuts the connection down after a
// short grace period.
func (c *Context) feedClosed(feed *Feed) {
	if c.registry.Exists(feed) {
		c.registry.Unregister(feed)
	}

	if !c.registry.IsEmpty() || c.connection() == nil {
		return
	}

	time.AfterFunc(connDrainGrace, func() {
		conn := c.connection()
		if c.registry.IsEmpty() && conn != nil {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := conn.Close(ctx); err != nil {
				c.logger.Warn().Err(err).Msg("closing drained connection")
			}
		}
	})
}

// SendCommand sends a command over the shared connection, opening one
// first if needed.
func (c *Context) SendCommand(cmd *Command) {
	c.getConnection(func(err error) {
		if err != nil {
			c.logger.Error().Err(err).Msg("cannot send command")
			return
		}
		c.connection().Send(cmd)
	})
}

// ServerTime fetches the broker clock.
func (c *Context) ServerTime(completion func(time.Time, error)) {
	if completion == nil {
		return
	}

	cmd := NewCommand("GET", "/server/time.json", nil)
	cmd.OnResponse = func(msg json.RawMessage) {
		var reply struct {
			STime int64 `json:"stime"`
		}
		if err := json.Unmarshal(msg, &reply); err != nil {
			completion(time.Time{}, err)
			return
		}
		completion(time.UnixMilli(reply.STime), nil)
	}
	cmd.OnError = func(msg json.RawMessage) {
		c.logger.Error().Str("err", string(msg)).Msg("server time failed")
		completion(time.Time{}, &ClientError{Code: ErrCodeCommand, Message: string(msg)})
	}
	c.SendCommand(cmd)
}

// SharedUUID asks the broker to mint a UUID shared across clients.
func (c *Context) SharedUUID(completion func(string, error)) {
	if completion == nil {
		return
	}

	cmd := NewCommand("GET", "/server/uuid.json", nil)
	cmd.OnResponse = func(msg json.RawMessage) {
		var reply struct {
			D string `json:"d"`
		}
		if err := json.Unmarshal(msg, &reply); err != nil {
			completion("", err)
			return
		}
		completion(reply.D, nil)
	}
	cmd.OnError = func(msg json.RawMessage) {
		c.logger.Error().Str("err", string(msg)).Msg("shared uuid failed")
		completion("", &ClientError{Code: ErrCodeCommand, Message: string(msg)})
	}
	c.SendCommand(cmd)
}

// UUID builds an RFC 4122 v4 UUID locally.
func (c *Context) UUID() string {
	return uuid.NewString()
}

// getConnection hands a usable connection to the completion, creating
// or reviving one as needed.  Requests that arrive while a connection
// exists but its endpoint is still being negotiated queue up and are
// completed when negotiation resolves.
func (c *Context) getConnection(completion func(error)) {
	c.mu.Lock()
	conn := c.conn

	if conn != nil {
		if conn.Endpoint() == nil {
			c.awaitingEndpoint = append(c.awaitingEndpoint, completion)
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		if conn.IsClosed() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			completion(conn.Reconnect(ctx))
			return
		}
		completion(nil)
		return
	}
	c.mu.Unlock()

	c.createConnection(func(err error) {
		completion(err)

		c.mu.Lock()
		waiting := c.awaitingEndpoint
		c.awaitingEndpoint = nil
		c.mu.Unlock()
		for _, fn := range waiting {
			fn(err)
		}
	})
}

// createConnection builds the shared connection and opens it.
func (c *Context) createConnection(completion func(error)) {
	conn := NewConnection(c.cfg, c.dispatcher)

	conn.OnError = func(err error) {
		c.logger.Error().Err(err).Msg("connection error")
		conn.Fallback(func(fallbackErr error) {
			if fallbackErr != nil {
				c.logger.Error().Err(fallbackErr).Msg("connection recovery failed")
				c.ForceShutdown()
			}
		})
	}

	conn.OnPreamble = func() []*Command {
		c.mu.Lock()
		defer c.mu.Unlock()
		pending := c.preamble
		c.preamble = nil
		return pending
	}

	conn.OnReconnected = c.reRegisterAllFeeds

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	completion(conn.Open(ctx))
}

// reRegisterAllFeeds reopens every unique feed after a session
// rebuild, restoring broker-side feed registrations.
func (c *Context) reRegisterAllFeeds() {
	conn := c.connection()
	for _, feed := range c.registry.UniqueFeeds() {
		feed.reopen(conn, c.registry)
	}
}

// ForceShutdown closes the connection and tells every registered feed
// it is gone.  The context is reusable afterwards; the next feed open
// builds a fresh connection.
func (c *Context) ForceShutdown() {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := conn.Close(ctx); err != nil {
			c.logger.Warn().Err(err).Msg("force shutdown close")
		}
	}

	for _, feed := range c.registry.AllFeeds() {
		c.dispatcher.Dispatch(Event{Type: EventClose, Key: feed.objectKey()})
	}
}
