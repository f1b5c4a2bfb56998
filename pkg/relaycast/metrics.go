package relaycast

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports the context's connection and endpoint counters as
// prometheus gauges.  The counters themselves stay in the readable
// in-process sets the recovery logic depends on; this adapter only
// snapshots them at scrape time.
type Collector struct {
	ctx  *Context
	desc *prometheus.Desc
}

// NewCollector builds a collector for one context.  Register it with a
// prometheus registry to expose SDK counters.
func NewCollector(ctx *Context) *Collector {
	return &Collector{
		ctx: ctx,
		desc: prometheus.NewDesc(
			"relaycast_client_counter",
			"Connection and endpoint counters of the relaycast client.",
			[]string{"scope", "counter"},
			nil,
		),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.desc
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	conn := c.ctx.connection()
	if conn == nil {
		return
	}

	for name, value := range conn.Metrics().Snapshot() {
		ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue,
			float64(value), "connection", name)
	}

	if ep := conn.Endpoint(); ep != nil {
		for name, value := range ep.Metrics().Snapshot() {
			ch <- prometheus.MustNewConstMetric(c.desc, prometheus.GaugeValue,
				float64(value), ep.Name(), name)
		}
	}
}
