package relaycast

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"

	"github.com/relaycast/go-relaycast-client/pkg/relaycast/endpoint"
)

// Event is one dispatchable occurrence: a broker response, an inbound
// feed message, or a lifecycle notification synthesized locally.
type Event struct {
	// Type names the occurrence, one of the Event* constants.
	Type string

	// Key routes the event to its listeners: a correlation key for
	// command responses, a feed key for broadcast traffic.
	Key string

	// Msg is the raw event payload.
	Msg json.RawMessage
}

// fromWire converts a decoded wire event.
func fromWire(ev endpoint.Event) Event {
	return Event{
		Type: ev.Type,
		Key:  ev.Key.String(),
		Msg:  ev.Msg,
	}
}

// errorEvent synthesizes an onerror event with a JSON string payload.
func errorEvent(key, message string) Event {
	msg, _ := json.Marshal(message)
	return Event{Type: EventError, Key: key, Msg: msg}
}

// Handler receives dispatched events.
type Handler interface {
	HandleEvent(ev Event)
}

// oneShot marks handlers that complete after a single response or
// error, such as commands.  The dispatcher unregisters them by
// capability rather than by concrete type.
type oneShot interface {
	CompletesAfterResponse() bool
}

// PreDispatchHook rewrites an event before its listeners see it.
type PreDispatchHook func(ev Event) Event

// Dispatcher routes events to registered handlers by key.  One handler
// may be registered under several keys; several handlers may share one
// key and are invoked in registration order.
type Dispatcher struct {
	logger  zerolog.Logger
	nextKey atomic.Int64

	mu        sync.Mutex
	listeners map[string][]Handler
	hooks     map[string]PreDispatchHook
}

// NewDispatcher creates an empty dispatcher.
func NewDispatcher(logger zerolog.Logger) *Dispatcher {
	return &Dispatcher{
		logger:    logger.With().Str("component", "dispatcher").Logger(),
		listeners: make(map[string][]Handler),
		hooks:     make(map[string]PreDispatchHook),
	}
}

// NextKey mints a new correlation key.  Keys are monotonic and never
// reused within a process.
func (d *Dispatcher) NextKey() string {
	return endpoint.FromInt(d.nextKey.Add(1)).String()
}

// Register adds a handler under a key.  Registering the same handler
// under the same key twice is a no-op, which lets a command staged in
// a connect preamble also pass through the normal send path safely.
func (d *Dispatcher) Register(key string, h Handler) {
	if key == "" || h == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, existing := range d.listeners[key] {
		if existing == h {
			return
		}
	}
	d.listeners[key] = append(d.listeners[key], h)
}

// Unregister removes a handler from a key.  Other handlers under the
// same key are untouched.
func (d *Dispatcher) Unregister(key string, h Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()

	handlers := d.listeners[key]
	for i, existing := range handlers {
		if existing == h {
			d.listeners[key] = append(handlers[:i:i], handlers[i+1:]...)
			break
		}
	}
	if len(d.listeners[key]) == 0 {
		delete(d.listeners, key)
	}
}

// SetPreDispatchHook installs a rewrite hook for one key.
func (d *Dispatcher) SetPreDispatchHook(key string, hook PreDispatchHook) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if hook == nil {
		delete(d.hooks, key)
		return
	}
	d.hooks[key] = hook
}

// RemovePreDispatchHook drops the rewrite hook for one key.
func (d *Dispatcher) RemovePreDispatchHook(key string) {
	d.SetPreDispatchHook(key, nil)
}

// Dispatch delivers an event to every handler registered under its
// key.  Feed broadcast events arrive from the broker as onfeedmessage
// and are remapped to onmsgreceived before delivery.  Handlers that
// complete after one response are unregistered once an onresponse or
// onerror reaches them.
func (d *Dispatcher) Dispatch(ev Event) {
	if ev.Type == EventFeedMessage {
		ev.Type = EventMsgReceived
	}

	d.mu.Lock()
	if hook, ok := d.hooks[ev.Key]; ok {
		d.mu.Unlock()
		ev = hook(ev)
		d.mu.Lock()
	}
	handlers := append([]Handler(nil), d.listeners[ev.Key]...)
	d.mu.Unlock()

	if ev.Type == EventError {
		d.logger.Debug().Str("key", ev.Key).Str("msg", string(ev.Msg)).Msg("error event")
	}

	terminal := ev.Type == EventResponse || ev.Type == EventError

	for _, h := range handlers {
		h.HandleEvent(ev)

		if terminal {
			if os, ok := h.(oneShot); ok && os.CompletesAfterResponse() {
				d.Unregister(ev.Key, h)
			}
		}
	}
}

// listenerCount reports how many handlers a key has.  Test helper.
func (d *Dispatcher) listenerCount(key string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.listeners[key])
}
