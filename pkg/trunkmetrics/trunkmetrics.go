// Package trunkmetrics exposes per-trunk counters through
// github.com/VictoriaMetrics/metrics, following the label-formatting
// convention in pkg/metricsx and the nested-counter style of pkg/nspkt's
// Listener metrics.
package trunkmetrics

import (
	"io"
	"strconv"

	"github.com/VictoriaMetrics/metrics"

	"github.com/nradius/trunk/pkg/metricsx"
)

// Metrics holds one trunk's counters, registered in a private Set so
// multiple trunks in one process never collide on metric names.
type Metrics struct {
	set *metrics.Set
	tag string

	tx     *metrics.Counter
	rx     *metrics.Counter
	retry  *metrics.Counter
	zombie *metrics.Counter
	dead   *metrics.Counter
}

// New returns Metrics for a trunk identified by tag (e.g. the home server
// name), suitable for passing as a trunk.Metrics.
func New(tag string) *Metrics {
	set := metrics.NewSet()
	m := &Metrics{
		set: set,
		tag: tag,
	}
	m.tx = set.NewCounter(metricsx.FormatName("radius_trunk_tx_total", "", "trunk", tag))
	m.rx = set.NewCounter(metricsx.FormatName("radius_trunk_rx_total", "", "trunk", tag))
	m.retry = set.NewCounter(metricsx.FormatName("radius_trunk_retry_total", "", "trunk", tag))
	m.zombie = set.NewCounter(metricsx.FormatName("radius_trunk_zombie_transitions_total", "", "trunk", tag))
	m.dead = set.NewCounter(metricsx.FormatName("radius_trunk_dead_transitions_total", "", "trunk", tag))
	return m
}

func (m *Metrics) IncTx(code byte) {
	m.tx.Inc()
	m.set.GetOrCreateCounter(metricsx.FormatName("radius_trunk_tx_code_total", "", "trunk", m.tag, "code", strconv.Itoa(int(code)))).Inc()
}

func (m *Metrics) IncRx(code byte) {
	m.rx.Inc()
	m.set.GetOrCreateCounter(metricsx.FormatName("radius_trunk_rx_code_total", "", "trunk", m.tag, "code", strconv.Itoa(int(code)))).Inc()
}

func (m *Metrics) IncRetry()            { m.retry.Inc() }
func (m *Metrics) IncZombieTransition() { m.zombie.Inc() }
func (m *Metrics) IncDeadTransition()   { m.dead.Inc() }

// WritePrometheus writes this trunk's metrics in Prometheus text exposition
// format, for mounting under a diagnostics HTTP handler.
func (m *Metrics) WritePrometheus(w io.Writer) {
	m.set.WritePrometheus(w)
}
