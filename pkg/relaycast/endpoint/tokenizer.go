package endpoint

import (
	"bytes"
	"encoding/json"

	"github.com/rs/zerolog"
)

// Tokenizer slices a stream of concatenated JSON objects into complete
// objects by counting brace depth.  Bytes arrive in arbitrary chunks;
// whatever does not yet form a complete object stays buffered until the
// next append.  The scanner is deliberately string-unaware: the server
// never places brace characters inside string values on this protocol.
type Tokenizer struct {
	buf      bytes.Buffer
	callback func(json.RawMessage)
	Sanitize func([]byte) []byte
	logger   zerolog.Logger
}

// NewTokenizer creates a tokenizer that invokes callback once per
// complete JSON object found in the appended stream.
func NewTokenizer(callback func(json.RawMessage), logger zerolog.Logger) *Tokenizer {
	return &Tokenizer{
		callback: callback,
		logger:   logger,
	}
}

// Append adds a chunk of stream data and dispatches any objects that
// are now complete.
func (t *Tokenizer) Append(data []byte) {
	if len(data) == 0 {
		return
	}
	t.buf.Write(data)
	t.scan()
}

// Buffered returns the number of bytes held back waiting for the rest
// of an incomplete object.
func (t *Tokenizer) Buffered() int {
	return t.buf.Len()
}

func (t *Tokenizer) scan() {
	depth := 0
	start := -1
	consumed := 0
	data := t.buf.Bytes()

	for i, c := range data {
		switch c {
		case '{':
			if depth == 0 {
				start = i
			}
			depth++
		case '}':
			depth--
			if depth < 0 {
				// Unbalanced input means the stream is corrupt past
				// recovery; drop the buffer and start fresh.
				t.logger.Error().Msg("unbalanced stream data, resetting buffer")
				t.buf.Reset()
				return
			}
			if depth == 0 && start >= 0 {
				t.dispatch(data[start : i+1])
				start = -1
				consumed = i + 1
			}
		}
	}

	if consumed > 0 {
		t.buf.Next(consumed)
	}
}

func (t *Tokenizer) dispatch(object []byte) {
	// Handlers may hold on to the payload; the buffer reuses its
	// backing array on the next append.
	object = append([]byte(nil), object...)
	if t.Sanitize != nil {
		object = t.Sanitize(object)
	}

	var raw json.RawMessage
	if err := json.Unmarshal(object, &raw); err != nil {
		t.logger.Error().Err(err).Msg("discarding malformed stream object")
		return
	}
	if t.callback != nil {
		t.callback(raw)
	}
}
