// Package relaycast is a client SDK for the relaycast real-time
// messaging broker.  A Context bootstraps a session from an API key,
// negotiates the best available transport endpoint, and multiplexes
// independent pub/sub feeds over that single connection.
package relaycast

import (
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/relaycast/go-relaycast-client/pkg/relaycast/endpoint"
)

// APICommandRoot prefixes every command path on the wire.
const APICommandRoot = "/api/v2"

// Connection limits.
const (
	// MaxSessionAttempts caps how many times a fresh session is created
	// while recovering a broken connection.
	MaxSessionAttempts = 3

	// MaxEndpointAttempts caps how many times the same endpoint is
	// reconnected before walking to the next one.
	MaxEndpointAttempts = 3
)

// DefaultHeartbeatCycle is the broker's default heartbeat interval.
const DefaultHeartbeatCycle = 45 * time.Second

// Event types dispatched to listeners.
const (
	EventResponse    = "onresponse"
	EventError       = "onerror"
	EventFeedMessage = "onfeedmessage"
	EventMsgReceived = "onmsgreceived"
	EventMsgSent     = "onmsgsent"
	EventOpen        = "onopen"
	EventClose       = "onclose"
	EventHistory     = "onhistory"
)

// Message states on active-user feeds.
const (
	StateInitial = "INITIAL"
	StateUpdate  = "UPDATE"
	StateRevote  = "REVOTE"
)

// Feed lifecycle states.
const (
	FeedStateOpen   = "open"
	FeedStateClosed = "closed"
	FeedStateError  = "error"
)

// Feed types as reported in feed settings.
const (
	FeedTypeInput  = "IN"
	FeedTypeOutput = "OUT"
	FeedTypeThru   = "THRU"
)

// Message contract field types.
const (
	FieldTypeNumber = "N"
	FieldTypeString = "S"
	FieldTypeDate   = "D"
	FieldTypeList   = "L"
	FieldTypeMap    = "M"
	FieldTypeBool   = "B"
)

// DefaultFeedName is used when a feed description names no connector.
const DefaultFeedName = "default"

// Client error codes.
const (
	ErrCodeSession   = 4000 // session create failed
	ErrCodeTransport = 4001 // endpoint transport failure
	ErrCodeExhausted = 4002 // all endpoint connection attempts exhausted
	ErrCodeCommand   = 4003 // command rejected by the broker
	ErrCodeContract  = 4004 // message failed contract validation
	ErrCodeWriteKey  = 4005 // feed write protected and no key assigned
)

// ClientError is a user-visible SDK failure.
type ClientError struct {
	Code    int
	Message string
	Err     error
}

// Error returns the error message.
func (e *ClientError) Error() string {
	if e.Err != nil {
		return e.Message + ": " + e.Err.Error()
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *ClientError) Unwrap() error {
	return e.Err
}

// Config holds the settings for a Context.
type Config struct {
	// APIKey authenticates session creation.  Required, 36 characters.
	APIKey string

	// BaseURL is the broker root used for session bootstrap.
	BaseURL string

	// HeartbeatCycle overrides the broker heartbeat interval.
	HeartbeatCycle time.Duration

	// HTTPClient is used for session bootstrap and the stream endpoint.
	HTTPClient *http.Client

	// Capabilities limits which endpoint tiers may be attempted.
	// Nil allows every tier.
	Capabilities *endpoint.Capabilities

	// Logger receives structured SDK logs.  Defaults to a no-op logger.
	Logger *zerolog.Logger
}

func (c Config) withDefaults() Config {
	if c.HeartbeatCycle == 0 {
		c.HeartbeatCycle = DefaultHeartbeatCycle
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		nop := zerolog.Nop()
		c.Logger = &nop
	}
	return c
}
