package relaycast

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"
)

// FeedMetadata describes the feed being opened: which project, channel
// and connector it belongs to, plus any runtime filter values.
type FeedMetadata struct {
	Project   string         `json:"project"`
	Channel   string         `json:"channel"`
	Connector string         `json:"connector"`
	Filters   map[string]any `json:"filters,omitempty"`
}

// ContractField is one field of a feed's message contract.
type ContractField struct {
	FieldName string      `json:"fieldName"`
	FieldType string      `json:"fieldType"`
	ValidType int         `json:"validType"`
	Min       json.Number `json:"min,omitempty"`
	Max       json.Number `json:"max,omitempty"`
}

// FeedSettings is the broker's reply to a feed open: the routing key,
// processing instance, message contract and active-user configuration.
type FeedSettings struct {
	FeedKey          string          `json:"feedKey"`
	ProcID           json.Number     `json:"procId"`
	FeedType         string          `json:"feedType"`
	Filters          map[string]any  `json:"filters"`
	MsgContract      []ContractField `json:"msgContract"`
	ActiveUserFlag   bool            `json:"activeUserFlag"`
	ActiveUserCycle  int             `json:"activeUserCycle"`
	ActiveUserFields []string        `json:"activeUserFields"`
	WriteKeyFlag     bool            `json:"writeKeyFlag"`
}

// FeedListener is a set of optional feed event callbacks.  All
// listeners attached to a feed are invoked in attach order.
type FeedListener struct {
	OnOpen        func(feed *Feed)
	OnClose       func(feed *Feed)
	OnMsgReceived func(feed *Feed, msg json.RawMessage)
	OnMsgSent     func(feed *Feed, msg json.RawMessage)
	OnHistory     func(feed *Feed, history json.RawMessage)
	OnError       func(feed *Feed, err json.RawMessage)
}

// FeedListenerHandle identifies one attached listener so it can be
// detached again.
type FeedListenerHandle struct {
	feed     *Feed
	listener FeedListener
}

// HandleEvent fans a dispatched event out to the listener callbacks.
func (h *FeedListenerHandle) HandleEvent(ev Event) {
	l := h.listener
	switch ev.Type {
	case EventOpen:
		if l.OnOpen != nil {
			l.OnOpen(h.feed)
		}
	case EventClose:
		if l.OnClose != nil {
			l.OnClose(h.feed)
		}
	case EventMsgReceived:
		if l.OnMsgReceived != nil {
			l.OnMsgReceived(h.feed, ev.Msg)
		}
	case EventMsgSent:
		if l.OnMsgSent != nil {
			l.OnMsgSent(h.feed, ev.Msg)
		}
	case EventHistory:
		if l.OnHistory != nil {
			l.OnHistory(h.feed, ev.Msg)
		}
	case EventError:
		if l.OnError != nil {
			l.OnError(h.feed, ev.Msg)
		}
	}
}

// Feed is one real-time data stream multiplexed over the shared
// connection.  Feeds are opened through Context.OpenFeed or
// Project.Feed and closed with Close.
type Feed struct {
	owner *Context

	mu        sync.Mutex
	metadata  FeedMetadata
	settings  FeedSettings
	state     string
	writeKey  string
	handler   *FeedHandler
	conn      *Connection
	key       string
	listeners []*FeedListenerHandle
	openCmd   *Command
}

func newFeed(owner *Context, metadata FeedMetadata, writeKey string) *Feed {
	return &Feed{
		owner:    owner,
		metadata: metadata,
		state:    FeedStateClosed,
		writeKey: writeKey,
	}
}

// objectKey lazily mints the dispatcher key identifying this feed.
func (f *Feed) objectKey() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.key == "" {
		f.key = f.owner.dispatcher.NextKey()
	}
	return f.key
}

// Metadata returns the open metadata.
func (f *Feed) Metadata() FeedMetadata {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.metadata
}

// Settings returns the broker-assigned feed settings.
func (f *Feed) Settings() FeedSettings {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings
}

// FeedKey returns the broker routing key, empty until open.
func (f *Feed) FeedKey() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.settings.FeedKey
}

// SetWriteKey unlocks a write protected feed.
func (f *Feed) SetWriteKey(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writeKey = key
}

// WriteKey returns the assigned write key.
func (f *Feed) WriteKey() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeKey
}

// IsOpen reports whether the feed is open for traffic.
func (f *Feed) IsOpen() bool { return f.inState(FeedStateOpen) }

// IsClosed reports whether the feed is closed.
func (f *Feed) IsClosed() bool { return f.inState(FeedStateClosed) }

// HasError reports whether the feed failed.
func (f *Feed) HasError() bool { return f.inState(FeedStateError) }

func (f *Feed) inState(state string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state == state
}

func (f *Feed) setState(state string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = state
}

func (f *Feed) setHandler(h *FeedHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handler = h
}

// Handler returns the shared send-state handler, nil until registered.
func (f *Feed) Handler() *FeedHandler {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handler
}

func (f *Feed) setConnection(c *Connection) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conn = c
}

func (f *Feed) connection() *Connection {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn
}

// hasMetadata reports whether the feed was opened with equivalent
// metadata.  Names compare case-insensitively; filters by value.
func (f *Feed) hasMetadata(md FeedMetadata) bool {
	mine := f.Metadata()
	if !strings.EqualFold(mine.Project, md.Project) ||
		!strings.EqualFold(mine.Channel, md.Channel) ||
		!strings.EqualFold(mine.Connector, md.Connector) {
		return false
	}
	if len(mine.Filters) != len(md.Filters) {
		return false
	}
	for k, v := range md.Filters {
		mv, ok := mine.Filters[k]
		if !ok || fmt.Sprint(mv) != fmt.Sprint(v) {
			return false
		}
	}
	return true
}

// AddListener attaches event callbacks, returning a handle for
// RemoveListener.
func (f *Feed) AddListener(l FeedListener) *FeedListenerHandle {
	h := &FeedListenerHandle{feed: f, listener: l}

	f.mu.Lock()
	f.listeners = append(f.listeners, h)
	feedKey := f.settings.FeedKey
	f.mu.Unlock()

	d := f.owner.dispatcher
	d.Register(f.objectKey(), h)
	if feedKey != "" {
		d.Register(feedKey, h)
	}
	return h
}

// RemoveListener detaches a listener.
func (f *Feed) RemoveListener(h *FeedListenerHandle) {
	if h == nil {
		return
	}

	f.mu.Lock()
	for i, existing := range f.listeners {
		if existing == h {
			f.listeners = append(f.listeners[:i:i], f.listeners[i+1:]...)
			break
		}
	}
	feedKey := f.settings.FeedKey
	f.mu.Unlock()

	d := f.owner.dispatcher
	d.Unregister(f.objectKey(), h)
	if feedKey != "" {
		d.Unregister(feedKey, h)
	}
}

// unregisterAllListeners detaches everything, used during close.
func (f *Feed) unregisterAllListeners() {
	f.mu.Lock()
	handles := append([]*FeedListenerHandle(nil), f.listeners...)
	f.listeners = nil
	feedKey := f.settings.FeedKey
	f.mu.Unlock()

	d := f.owner.dispatcher
	for _, h := range handles {
		d.Unregister(f.objectKey(), h)
		if feedKey != "" {
			d.Unregister(feedKey, h)
		}
	}
}

// reloadSettings applies the broker reply of a feed open and wires the
// already-attached listeners to the broadcast key.
func (f *Feed) reloadSettings(raw json.RawMessage) error {
	var settings FeedSettings
	if err := json.Unmarshal(raw, &settings); err != nil {
		return fmt.Errorf("decoding feed settings: %w", err)
	}

	f.mu.Lock()
	f.settings = settings
	f.state = FeedStateOpen
	handles := append([]*FeedListenerHandle(nil), f.listeners...)
	f.mu.Unlock()

	if settings.FeedKey != "" {
		d := f.owner.dispatcher
		for _, h := range handles {
			d.Register(settings.FeedKey, h)
		}
	}
	return nil
}

// adoptSettings copies the settings of an already-open feed with the
// same fingerprint, skipping the server round trip.
func (f *Feed) adoptSettings(other *Feed) {
	settings := other.Settings()

	f.mu.Lock()
	f.settings = settings
	f.state = FeedStateOpen
	handles := append([]*FeedListenerHandle(nil), f.listeners...)
	f.mu.Unlock()

	if settings.FeedKey != "" {
		d := f.owner.dispatcher
		for _, h := range handles {
			d.Register(settings.FeedKey, h)
		}
	}
}

// sessionCreateCommand builds the feed open command.
func (f *Feed) sessionCreateCommand(completion func(error, json.RawMessage)) *Command {
	cmd := NewCommand("POST", "/feed/session/create.json", map[string]any{
		"feedDesc": f.Metadata(),
	})
	cmd.OnResponse = func(msg json.RawMessage) {
		completion(nil, msg)
	}
	cmd.OnError = func(msg json.RawMessage) {
		completion(&ClientError{
			Code:    ErrCodeCommand,
			Message: "feed open rejected: " + string(msg),
		}, nil)
	}
	return cmd
}

// open issues the feed open over the connection, fetching one lazily
// from the owner when none is attached yet.  The staged hook runs
// before any connection work, so the command can be parked in the
// stream preamble; on stream connections it travels in the connect
// body instead of being sent here.
func (f *Feed) open(completion func(error), staged func(*Command)) *Command {
	cmd := f.sessionCreateCommand(func(err error, resp json.RawMessage) {
		if err != nil {
			completion(err)
			return
		}
		if err := f.reloadSettings(resp); err != nil {
			completion(err)
			return
		}
		completion(nil)
		f.owner.dispatcher.Dispatch(Event{Type: EventOpen, Key: f.objectKey()})
	})

	f.mu.Lock()
	f.openCmd = cmd
	conn := f.conn
	f.mu.Unlock()

	if staged != nil {
		staged(cmd)
	}

	if conn != nil {
		conn.Send(cmd)
		return cmd
	}

	f.owner.getConnection(func(err error) {
		if err != nil {
			f.owner.logger.Error().Err(err).Msg("feed open could not get a connection")
			return
		}
		conn := f.owner.connection()
		f.setConnection(conn)
		if !conn.UsesPreamble() {
			conn.Send(cmd)
		}
	})
	return cmd
}

// reopen re-issues the feed open after a session rebuild.  A rejected
// reopen closes every feed sharing this fingerprint.
func (f *Feed) reopen(conn *Connection, registry *FeedRegistry) {
	if conn == nil {
		f.owner.logger.Error().Msg("no connection, cannot reopen feed")
		return
	}
	f.setConnection(conn)

	cmd := f.sessionCreateCommand(func(err error, resp json.RawMessage) {
		if err != nil {
			f.owner.logger.Error().Err(err).Msg("feed reopen failed")
			f.setState(FeedStateError)

			for _, other := range registry.FeedsSharing(f) {
				registry.Unregister(other)
				f.owner.dispatcher.Dispatch(Event{Type: EventClose, Key: other.objectKey()})
			}
			return
		}
		f.owner.logger.Debug().Str("feedKey", f.FeedKey()).Msg("feed reopened")
	})
	conn.Send(cmd)
}

// Send submits a message for processing and broadcast.  Failures are
// asynchronous and reach listeners through OnError.
func (f *Feed) Send(msg map[string]any) {
	if msg == nil {
		return
	}

	f.mu.Lock()
	handler := f.handler
	conn := f.conn
	f.mu.Unlock()

	if handler == nil || conn == nil {
		f.owner.logger.Error().Msg("feed is closed, message not sent")
		return
	}
	handler.SendMsg(msg, f, conn, false)
}

// History fetches past messages.  limit of 0 means the broker default;
// a zero ending time means no upper bound.  Results reach listeners as
// OnHistory, and the optional completion receives them as well.
func (f *Feed) History(limit int, ending time.Time, completion func(*Feed, json.RawMessage)) error {
	conn := f.connection()
	if conn == nil {
		return &ClientError{Code: ErrCodeTransport, Message: "feed has no connection"}
	}

	params := map[string]any{"feedKey": f.FeedKey()}
	if !ending.IsZero() {
		params["sinceTS"] = ending.UnixMilli()
	}
	if limit > 0 {
		params["limit"] = limit
	}

	cmd := NewCommand("GET", "/feed/message/history.json", params)
	cmd.OnResponse = func(msg json.RawMessage) {
		f.owner.dispatcher.Dispatch(Event{Type: EventHistory, Key: f.objectKey(), Msg: msg})
		if completion != nil {
			completion(f, msg)
		}
	}
	cmd.OnError = func(msg json.RawMessage) {
		f.owner.logger.Error().Str("err", string(msg)).Msg("feed history failed")
		f.owner.dispatcher.Dispatch(Event{Type: EventError, Key: f.objectKey(), Msg: msg})
	}
	return conn.Send(cmd)
}

// Close closes the feed.  When this is the last open feed, the
// connection itself shuts down shortly afterwards.
func (f *Feed) Close() {
	f.owner.CloseFeed(f)
}

// closeWithServer releases the broker-side feed session.
func (f *Feed) closeWithServer(conn *Connection) {
	cmd := NewCommand("POST", "/feed/session/delete.json", map[string]any{
		"fklist": f.FeedKey(),
	})

	cmd.OnResponse = func(json.RawMessage) {
		f.mu.Lock()
		f.state = FeedStateClosed
		f.handler = nil
		f.conn = nil
		f.mu.Unlock()

		f.owner.dispatcher.Dispatch(Event{Type: EventClose, Key: f.objectKey()})
		f.unregisterAllListeners()
		f.owner.feedClosed(f)
	}
	cmd.OnError = func(msg json.RawMessage) {
		f.setState(FeedStateError)
		f.owner.logger.Error().Str("err", string(msg)).Msg("feed close failed")

		f.owner.dispatcher.Dispatch(Event{Type: EventError, Key: f.objectKey(), Msg: msg})
		f.unregisterAllListeners()
		f.owner.feedClosed(f)
	}

	if conn == nil {
		conn = f.connection()
	}
	if conn != nil {
		conn.Send(cmd)
	}
}
