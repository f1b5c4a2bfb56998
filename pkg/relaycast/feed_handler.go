package relaycast

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// FeedHandler owns the send-state machine shared by every feed object
// pointing at the same processing instance.
//
// On active-user feeds the first send is an INITIAL, which starts the
// revote cycle timer.  While a cycle is running, user sends become
// UPDATEs carrying deltas of the active-user fields, and each timer
// tick re-submits the last message as a REVOTE.  At most one INITIAL
// or REVOTE is in flight at a time; UPDATEs arriving meanwhile wait in
// a depth-one queue where the latest one wins.
type FeedHandler struct {
	owner    *Context
	settings FeedSettings

	mu              sync.Mutex
	lastMsg         *lastMessage
	msgPending      bool
	cycleInProgress bool
	cycleStop       chan struct{}
	queue           []queuedMessage
	dateFields      []string
}

type lastMessage struct {
	msg   map[string]any
	feed  *Feed
	tslot json.RawMessage
}

type queuedMessage struct {
	msg            map[string]any
	feed           *Feed
	conn           *Connection
	cycleTriggered bool
}

func newFeedHandler(owner *Context, settings FeedSettings) *FeedHandler {
	return &FeedHandler{
		owner:    owner,
		settings: settings,
	}
}

// Settings returns the feed settings this handler was built from.
func (h *FeedHandler) Settings() FeedSettings {
	return h.settings
}

// onPostRegistration installs the inbound date revival hook.  Only
// output feeds broadcast messages, so only they need it.
func (h *FeedHandler) onPostRegistration() {
	if h.settings.FeedType != FeedTypeOutput {
		return
	}

	var dateFields []string
	for _, field := range h.settings.MsgContract {
		if field.FieldType == FieldTypeDate {
			dateFields = append(dateFields, field.FieldName)
		}
	}
	if len(dateFields) == 0 {
		return
	}

	h.mu.Lock()
	h.dateFields = dateFields
	h.mu.Unlock()

	h.owner.dispatcher.SetPreDispatchHook(h.settings.FeedKey, h.reviveDates)
}

// reviveDates rewrites epoch-millisecond date fields of inbound feed
// messages back into RFC3339 timestamps.
func (h *FeedHandler) reviveDates(ev Event) Event {
	if ev.Type != EventMsgReceived {
		return ev
	}

	var msg map[string]any
	if err := json.Unmarshal(ev.Msg, &msg); err != nil {
		return ev
	}

	h.mu.Lock()
	dateFields := h.dateFields
	h.mu.Unlock()

	changed := false
	for _, field := range dateFields {
		if num, ok := msg[field].(float64); ok {
			msg[field] = time.UnixMilli(int64(num)).UTC().Format(time.RFC3339Nano)
			changed = true
		}
	}
	if !changed {
		return ev
	}

	rewritten, err := json.Marshal(msg)
	if err != nil {
		return ev
	}
	ev.Msg = rewritten
	return ev
}

// SendMsg runs one message through the state machine and, if it comes
// out sendable, writes it to the broker.  Returns false when the
// message was queued or rejected.
func (h *FeedHandler) SendMsg(msg map[string]any, feed *Feed, conn *Connection, cycleTriggered bool) bool {
	if !h.admit(msg, feed, conn, cycleTriggered) {
		return false
	}

	if h.owner.ValidateMessages() {
		if err := h.checkContract(msg); err != nil {
			h.dispatchError(feed, "message contract not honored: "+err.Error())
			return false
		}
	}

	state := h.msgState(cycleTriggered)
	cmd, state := h.prepareCommand(msg, feed, state)
	if cmd == nil {
		return false
	}

	if state == StateInitial || state == StateRevote {
		h.mu.Lock()
		h.msgPending = true
		h.mu.Unlock()
	}

	conn.Send(cmd)

	if state == StateInitial && h.settings.ActiveUserFlag {
		h.startCycle(conn)
	}
	return true
}

// admit decides whether a message may go out now.  With an INITIAL or
// REVOTE still unanswered: a REVOTE or a fresh INITIAL flushes the
// queue and goes immediately (its cycle is over); an UPDATE replaces
// whatever UPDATE was already waiting.
func (h *FeedHandler) admit(msg map[string]any, feed *Feed, conn *Connection, cycleTriggered bool) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.msgPending {
		return true
	}

	if cycleTriggered || !h.cycleInProgress {
		h.queue = nil
		h.msgPending = false
		return true
	}

	h.queue = []queuedMessage{{msg: msg, feed: feed, conn: conn, cycleTriggered: cycleTriggered}}
	return false
}

// msgState classifies the send.  Feeds without the active-user flag
// have no message states at all.
func (h *FeedHandler) msgState(cycleTriggered bool) string {
	if !h.settings.ActiveUserFlag {
		return ""
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if !h.cycleInProgress {
		return StateInitial
	}
	if cycleTriggered {
		return StateRevote
	}
	return StateUpdate
}

// prepareCommand turns the message into the outbound command.  Date
// fields become epoch millis; a changed non-active-user field on an
// UPDATE is a dimension shift that restarts the cycle as an INITIAL;
// surviving UPDATEs carry active-user field deltas against the last
// message.  Returns a nil command when the message cannot go out.
func (h *FeedHandler) prepareCommand(msg map[string]any, feed *Feed, state string) (*Command, string) {
	orig := make(map[string]any, len(msg))
	work := make(map[string]any, len(msg))
	for k, v := range msg {
		orig[k] = v
		work[k] = v
	}

	active := make(map[string]bool, len(h.settings.ActiveUserFields))
	for _, name := range h.settings.ActiveUserFields {
		active[name] = true
	}

	h.mu.Lock()
	last := h.lastMsg
	h.mu.Unlock()

	for _, field := range h.settings.MsgContract {
		name := field.FieldName
		value, ok := work[name]
		if !ok || active[name] {
			continue
		}

		if field.FieldType == FieldTypeDate {
			if millis, ok := dateToMillis(value); ok {
				work[name] = millis
			}
		}

		if state == StateUpdate && last != nil {
			oldValue := last.msg[name]
			if field.FieldType == FieldTypeDate {
				if millis, ok := dateToMillis(oldValue); ok {
					oldValue = millis
				}
			}
			if fmt.Sprint(oldValue) != fmt.Sprint(work[name]) {
				h.stopCycleTimer()
				state = StateInitial
			}
		}
	}

	if state == StateUpdate && last != nil {
		for _, name := range h.settings.ActiveUserFields {
			newValue, okNew := toFloat(work[name])
			oldValue, okOld := toFloat(last.msg[name])
			if okNew && okOld {
				work[name] = newValue - oldValue
			}
		}
	}

	if h.settings.WriteKeyFlag && feed.WriteKey() == "" {
		h.dispatchError(feed, "feed is write protected but no write key was assigned, message not sent")
		return nil, state
	}

	h.mu.Lock()
	var lastTslot json.RawMessage
	if h.lastMsg == nil {
		h.lastMsg = &lastMessage{}
	}
	h.lastMsg.msg = orig
	h.lastMsg.feed = feed
	lastTslot = h.lastMsg.tslot
	h.mu.Unlock()

	cmd := NewCommand("POST", "/feed/message/create.json", map[string]any{
		"message": work,
	})

	md := map[string]any{"feedKey": feed.FeedKey()}
	if state != "" {
		md["state"] = state
	}
	if state == StateUpdate {
		md["utslot"] = lastTslot
	}
	if wk := feed.WriteKey(); wk != "" {
		md["writeKey"] = wk
	}
	cmd.AddParam("metadata", md)

	sentState := state
	cmd.OnResponse = func(msg json.RawMessage) {
		var reply struct {
			Tslot json.RawMessage `json:"tslot"`
		}
		if err := json.Unmarshal(msg, &reply); err == nil && len(reply.Tslot) > 0 {
			if sentState == StateInitial || sentState == StateRevote {
				h.mu.Lock()
				if h.lastMsg != nil {
					h.lastMsg.tslot = reply.Tslot
				}
				h.msgPending = false
				h.mu.Unlock()
				h.popQueue()
			}
		}

		sent, _ := json.Marshal(work)
		h.owner.dispatcher.Dispatch(Event{Type: EventMsgSent, Key: feed.objectKey(), Msg: sent})
	}
	cmd.OnError = func(msg json.RawMessage) {
		h.owner.dispatcher.Dispatch(Event{Type: EventError, Key: feed.objectKey(), Msg: msg})
	}

	return cmd, state
}

// startCycle begins the revote timer.  An existing timer is replaced,
// which happens when a dimension shift promotes an UPDATE.
func (h *FeedHandler) startCycle(conn *Connection) {
	interval := time.Duration(h.settings.ActiveUserCycle) * time.Second
	if interval <= 0 {
		return
	}

	h.mu.Lock()
	if h.cycleStop != nil {
		close(h.cycleStop)
	}
	stop := make(chan struct{})
	h.cycleStop = stop
	h.cycleInProgress = true
	h.mu.Unlock()

	h.owner.logger.Info().Int("cycle_secs", h.settings.ActiveUserCycle).Msg("active user cycle started")

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				h.cycleTick(conn)
			}
		}
	}()
}

// cycleTick re-submits the last message as a REVOTE while the user is
// active and the connection lives; otherwise the cycle expires.
func (h *FeedHandler) cycleTick(conn *Connection) {
	connectionClosed := conn == nil || conn.IsClosed()
	userActive := h.owner.IsUserActive()

	h.mu.Lock()
	last := h.lastMsg
	h.mu.Unlock()
	lastValid := last != nil && last.feed != nil

	if !connectionClosed && userActive && lastValid {
		h.SendMsg(last.msg, last.feed, conn, true)
		return
	}

	h.owner.logger.Info().Msg("active user cycle expired")
	h.teardownCycle()
}

// stopCycleTimer halts revotes without ending the cycle bookkeeping,
// used when a dimension shift is about to start a fresh INITIAL.
func (h *FeedHandler) stopCycleTimer() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cycleStop != nil {
		close(h.cycleStop)
		h.cycleStop = nil
	}
}

// teardownCycle ends the active-user cycle entirely.
func (h *FeedHandler) teardownCycle() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cycleStop != nil {
		close(h.cycleStop)
		h.cycleStop = nil
	}
	h.cycleInProgress = false
	h.lastMsg = nil
}

// popQueue drains the coalescing queue after a pending send resolves.
func (h *FeedHandler) popQueue() {
	h.mu.Lock()
	queued := h.queue
	h.queue = nil
	h.mu.Unlock()

	for _, q := range queued {
		h.SendMsg(q.msg, q.feed, q.conn, q.cycleTriggered)
	}
}

func (h *FeedHandler) dispatchError(feed *Feed, message string) {
	h.owner.dispatcher.Dispatch(errorEvent(feed.objectKey(), message))
}

// checkContract validates the message against the feed's contract.
func (h *FeedHandler) checkContract(msg map[string]any) error {
	var badFields []string

	for _, field := range h.settings.MsgContract {
		value, ok := msg[field.FieldName]
		if !ok {
			return fmt.Errorf("message incomplete, missing %q", field.FieldName)
		}

		valid := true
		switch field.FieldType {
		case FieldTypeNumber:
			number, isNumber := toFloat(value)
			if !isNumber {
				valid = false
				break
			}
			if field.ValidType == 1 {
				if min, err := field.Min.Float64(); err == nil && number < min {
					valid = false
				}
				if max, err := field.Max.Float64(); err == nil && number > max {
					valid = false
				}
			}
		case FieldTypeDate:
			_, valid = dateToMillis(value)
		case FieldTypeString:
			switch value.(type) {
			case map[string]any, []any:
				valid = false
			}
		case FieldTypeList:
			_, valid = value.([]any)
		case FieldTypeMap:
			_, valid = value.(map[string]any)
		case FieldTypeBool:
			_, valid = value.(bool)
		}

		if !valid {
			badFields = append(badFields, field.FieldName)
		}
	}

	if len(badFields) > 0 {
		return fmt.Errorf("fields with errors: %s", strings.Join(badFields, ", "))
	}
	return nil
}

// toFloat coerces the numeric shapes a JSON message can carry.
func toFloat(value any) (float64, bool) {
	switch v := value.(type) {
	case float64:
		return v, true
	case float32:
		return float64(v), true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}

// dateToMillis coerces a date-typed field value to epoch milliseconds.
func dateToMillis(value any) (int64, bool) {
	switch v := value.(type) {
	case time.Time:
		if v.IsZero() {
			return 0, false
		}
		return v.UnixMilli(), true
	case string:
		for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
			if t, err := time.Parse(layout, v); err == nil {
				return t.UnixMilli(), true
			}
		}
		return 0, false
	default:
		if f, ok := toFloat(value); ok && f != 0 {
			return int64(f), true
		}
		return 0, false
	}
}
