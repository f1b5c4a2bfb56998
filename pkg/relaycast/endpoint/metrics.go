package endpoint

import (
	"sort"
	"sync"

	"github.com/rs/zerolog"
)

// Metrics is a named counter set shared by connections and endpoints.
// Counters are readable, not just writable: the connection recovery
// logic inspects its own heartbeat and attempt counters to decide
// between retrying the current endpoint and degrading to the next one.
type Metrics struct {
	mu       sync.Mutex
	counters map[string]int
}

// NewMetrics creates an empty counter set.
func NewMetrics() *Metrics {
	return &Metrics{
		counters: make(map[string]int),
	}
}

// Inc increments the named counter and returns the new value.
// Unknown counters start at zero.
func (m *Metrics) Inc(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name]++
	return m.counters[name]
}

// Dec decrements the named counter and returns the new value.
func (m *Metrics) Dec(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name]--
	return m.counters[name]
}

// Set stores an explicit value and returns it.
func (m *Metrics) Set(name string, value int) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.counters[name] = value
	return value
}

// Get returns the current value of the named counter, zero if unset.
func (m *Metrics) Get(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.counters[name]
}

// Snapshot returns a copy of all counters.
func (m *Metrics) Snapshot() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.counters))
	for k, v := range m.counters {
		out[k] = v
	}
	return out
}

// Log writes all counters to the given logger in stable order.
func (m *Metrics) Log(logger zerolog.Logger, label string) {
	snap := m.Snapshot()
	names := make([]string, 0, len(snap))
	for name := range snap {
		names = append(names, name)
	}
	sort.Strings(names)

	ev := logger.Debug().Str("scope", label)
	for _, name := range names {
		ev = ev.Int(name, snap[name])
	}
	ev.Msg("counters")
}
