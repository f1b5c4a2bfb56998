package relaycast

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingHandler struct {
	events []Event
}

func (h *recordingHandler) HandleEvent(ev Event) {
	h.events = append(h.events, ev)
}

// oneShotHandler completes after a single response, like a command.
type oneShotHandler struct {
	recordingHandler
}

func (h *oneShotHandler) CompletesAfterResponse() bool { return true }

func TestDispatcherRoutesByKey(t *testing.T) {
	d := NewDispatcher(zerolog.Nop())
	a := &recordingHandler{}
	b := &recordingHandler{}

	d.Register("k1", a)
	d.Register("k2", b)

	d.Dispatch(Event{Type: EventMsgReceived, Key: "k1", Msg: json.RawMessage(`{"n":1}`)})

	require.Len(t, a.events, 1)
	assert.Empty(t, b.events)
	assert.Equal(t, "k1", a.events[0].Key)
}

func TestDispatcherSharedKeyInvokesAllHandlers(t *testing.T) {
	d := NewDispatcher(zerolog.Nop())
	a := &recordingHandler{}
	b := &recordingHandler{}

	d.Register("feed", a)
	d.Register("feed", b)

	d.Dispatch(Event{Type: EventMsgReceived, Key: "feed"})

	assert.Len(t, a.events, 1)
	assert.Len(t, b.events, 1)
}

func TestDispatcherRemapsFeedMessage(t *testing.T) {
	d := NewDispatcher(zerolog.Nop())
	h := &recordingHandler{}
	d.Register("fk", h)

	d.Dispatch(Event{Type: EventFeedMessage, Key: "fk"})

	require.Len(t, h.events, 1)
	assert.Equal(t, EventMsgReceived, h.events[0].Type)
}

func TestDispatcherOneShotUnregistersAfterResponse(t *testing.T) {
	d := NewDispatcher(zerolog.Nop())
	h := &oneShotHandler{}
	d.Register("5", h)

	d.Dispatch(Event{Type: EventResponse, Key: "5"})
	d.Dispatch(Event{Type: EventResponse, Key: "5"})

	assert.Len(t, h.events, 1)
	assert.Equal(t, 0, d.listenerCount("5"))
}

func TestDispatcherOneShotUnregistersAfterError(t *testing.T) {
	d := NewDispatcher(zerolog.Nop())
	h := &oneShotHandler{}
	d.Register("6", h)

	d.Dispatch(Event{Type: EventError, Key: "6"})

	assert.Len(t, h.events, 1)
	assert.Equal(t, 0, d.listenerCount("6"))
}

func TestDispatcherPersistentHandlerSurvivesResponses(t *testing.T) {
	d := NewDispatcher(zerolog.Nop())
	h := &recordingHandler{}
	d.Register("fk", h)

	d.Dispatch(Event{Type: EventResponse, Key: "fk"})
	d.Dispatch(Event{Type: EventMsgReceived, Key: "fk"})

	assert.Len(t, h.events, 2)
	assert.Equal(t, 1, d.listenerCount("fk"))
}

func TestDispatcherRegisterIsIdempotent(t *testing.T) {
	d := NewDispatcher(zerolog.Nop())
	h := &recordingHandler{}

	d.Register("k", h)
	d.Register("k", h)

	d.Dispatch(Event{Type: EventMsgReceived, Key: "k"})
	assert.Len(t, h.events, 1)
}

func TestDispatcherUnregister(t *testing.T) {
	d := NewDispatcher(zerolog.Nop())
	a := &recordingHandler{}
	b := &recordingHandler{}
	d.Register("k", a)
	d.Register("k", b)

	d.Unregister("k", a)
	d.Dispatch(Event{Type: EventMsgReceived, Key: "k"})

	assert.Empty(t, a.events)
	assert.Len(t, b.events, 1)
}

func TestDispatcherPreDispatchHook(t *testing.T) {
	d := NewDispatcher(zerolog.Nop())
	h := &recordingHandler{}
	d.Register("fk", h)
	d.SetPreDispatchHook("fk", func(ev Event) Event {
		ev.Msg = json.RawMessage(`{"rewritten":true}`)
		return ev
	})

	d.Dispatch(Event{Type: EventMsgReceived, Key: "fk", Msg: json.RawMessage(`{}`)})

	require.Len(t, h.events, 1)
	assert.JSONEq(t, `{"rewritten":true}`, string(h.events[0].Msg))

	d.RemovePreDispatchHook("fk")
	d.Dispatch(Event{Type: EventMsgReceived, Key: "fk", Msg: json.RawMessage(`{"raw":1}`)})
	assert.JSONEq(t, `{"raw":1}`, string(h.events[1].Msg))
}

func TestDispatcherNextKeyIsMonotonic(t *testing.T) {
	d := NewDispatcher(zerolog.Nop())

	k1 := d.NextKey()
	k2 := d.NextKey()

	assert.NotEqual(t, k1, k2)
	assert.Equal(t, "1", k1)
	assert.Equal(t, "2", k2)
}
