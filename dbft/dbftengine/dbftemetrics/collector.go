// Package dbftemetrics exposes dBFT engine activity as prometheus metrics.
//
// A nil *Collector is valid and records nothing,
// so the engine can report unconditionally.
package dbftemetrics

import (
	"time"

	"github.com/gordian-engine/dbft/dbft/dbftconsensus"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dbft"

// Collector records engine metrics on a prometheus registry.
type Collector struct {
	height prometheus.Gauge
	view   prometheus.Gauge

	changeViewRequests *prometheus.CounterVec
	viewChanges        prometheus.Counter

	blocks       prometheus.Counter
	blockTxs     prometheus.Histogram
	blockLatency prometheus.Histogram

	envelopes *prometheus.CounterVec
}

// NewCollector registers the engine metrics on reg.
// The constLabels are attached to every metric,
// which allows several engines in one process to share a registry.
func NewCollector(reg prometheus.Registerer, constLabels prometheus.Labels) *Collector {
	f := promauto.With(reg)
	return &Collector{
		height: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "height",
			Help:        "Block index the engine is currently agreeing on",
			ConstLabels: constLabels,
		}),
		view: f.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        "view",
			Help:        "Current view number",
			ConstLabels: constLabels,
		}),

		changeViewRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "change_view_requests_total",
			Help:        "ChangeView messages sent by this validator, by reason",
			ConstLabels: constLabels,
		}, []string{"reason"}),
		viewChanges: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "view_changes_total",
			Help:        "Number of times the engine moved to a later view",
			ConstLabels: constLabels,
		}),

		blocks: f.NewCounter(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "blocks_finalized_total",
			Help:        "Blocks finalized and handed to the ledger",
			ConstLabels: constLabels,
		}),
		blockTxs: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "block_transactions",
			Help:        "Number of transactions per finalized block",
			Buckets:     []float64{0, 1, 10, 50, 100, 500, 1000, 5000},
			ConstLabels: constLabels,
		}),
		blockLatency: f.NewHistogram(prometheus.HistogramOpts{
			Namespace:   namespace,
			Name:        "block_latency_seconds",
			Help:        "Time from the prepare request to block persistence",
			Buckets:     []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 15, 30, 60},
			ConstLabels: constLabels,
		}),

		envelopes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        "envelopes_handled_total",
			Help:        "Inbound envelopes, by handling result",
			ConstLabels: constLabels,
		}, []string{"result"}),
	}
}

// SetRound records the height and view the engine entered.
func (c *Collector) SetRound(height uint32, view uint8) {
	if c == nil {
		return
	}
	c.height.Set(float64(height))
	c.view.Set(float64(view))
}

func (c *Collector) ChangeViewRequested(reason dbftconsensus.ChangeViewReason) {
	if c == nil {
		return
	}
	c.changeViewRequests.WithLabelValues(reason.String()).Inc()
}

func (c *Collector) ViewChanged() {
	if c == nil {
		return
	}
	c.viewChanges.Inc()
}

// BlockFinalized records a persisted block.
// A zero latency means the round start was not observed
// and only the block count is recorded.
func (c *Collector) BlockFinalized(txs int, latency time.Duration) {
	if c == nil {
		return
	}
	c.blocks.Inc()
	c.blockTxs.Observe(float64(txs))
	if latency > 0 {
		c.blockLatency.Observe(latency.Seconds())
	}
}

func (c *Collector) EnvelopeHandled(r dbftconsensus.HandleEnvelopeResult) {
	if c == nil {
		return
	}
	c.envelopes.WithLabelValues(r.String()).Inc()
}
