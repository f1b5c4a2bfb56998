package relaycast

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorExportsCounters(t *testing.T) {
	c := testContext(t)
	conn, ep := wiredConnection(c)
	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()

	conn.Metrics().Set("fallback", 2)
	ep.Metrics().Set("heartbeat_out", 7)

	collector := NewCollector(c)
	assert.Equal(t, 2, testutil.CollectAndCount(collector, "relaycast_client_counter"))

	expected := strings.NewReader(`
# HELP relaycast_client_counter Connection and endpoint counters of the relaycast client.
# TYPE relaycast_client_counter gauge
relaycast_client_counter{counter="fallback",scope="connection"} 2
relaycast_client_counter{counter="heartbeat_out",scope="socket"} 7
`)
	require.NoError(t, testutil.CollectAndCompare(collector, expected))
}

func TestCollectorBeforeConnection(t *testing.T) {
	c := testContext(t)
	collector := NewCollector(c)
	assert.Equal(t, 0, testutil.CollectAndCount(collector, "relaycast_client_counter"))
}
