package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for PerpClear.
type Metrics struct {
	// --- Engine ---
	EngineOpsApplied  *prometheus.CounterVec
	EngineOpsRejected *prometheus.CounterVec
	EngineOpDuration  *prometheus.HistogramVec
	EngineSequence    prometheus.Gauge

	// --- Channels & backpressure ---
	ChannelSize         *prometheus.GaugeVec
	ChannelCapacity     *prometheus.GaugeVec
	PublishDrops        prometheus.Counter
	ProjectionDrops     prometheus.Counter
	PersistBackpressure prometheus.Counter

	// --- Markets ---
	TradesExecuted   *prometheus.CounterVec
	OrdersMatched    *prometheus.CounterVec
	FundingSettled   *prometheus.CounterVec
	PremiumFraction  *prometheus.GaugeVec
	MarkPrice        *prometheus.GaugeVec
	OpenInterestLong *prometheus.GaugeVec

	// --- Liquidation & insurance ---
	PositionsLiquidated *prometheus.CounterVec
	CollateralSeized    *prometheus.CounterVec
	BadDebtSettledTotal prometheus.Counter
	InsuranceBalance    prometheus.Gauge
	AuctionsStarted     *prometheus.CounterVec

	// --- Persistence ---
	PersistOpsWritten   prometheus.Counter
	PersistBatchDur     prometheus.Histogram
	PersistErrors       *prometheus.CounterVec
	PersistLastSequence prometheus.Gauge

	// --- Ingestion ---
	IngestCommands *prometheus.CounterVec

	// --- Query API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers all Prometheus metrics.
func NewMetrics() *Metrics {
	latencyBuckets := []float64{
		0.000001, 0.000005, 0.00001, 0.000025, 0.00005,
		0.0001, 0.00025, 0.0005, 0.001, 0.002, 0.005, 0.01,
	}

	return &Metrics{
		EngineOpsApplied: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpclear_engine_ops_applied_total",
			Help: "Commands successfully applied by the engine",
		}, []string{"op"}),

		EngineOpsRejected: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpclear_engine_ops_rejected_total",
			Help: "Commands rejected (duplicate, validation)",
		}, []string{"op", "reason"}),

		EngineOpDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perpclear_engine_op_duration_seconds",
			Help:    "Time to apply a single command",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		EngineSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perpclear_engine_sequence",
			Help: "Current global sequence number",
		}),

		ChannelSize: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perpclear_channel_size",
			Help: "Current items in channel",
		}, []string{"name"}),

		ChannelCapacity: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perpclear_channel_capacity",
			Help: "Channel capacity (constant)",
		}, []string{"name"}),

		PublishDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perpclear_publish_drops_total",
			Help: "Envelopes dropped due to full publish channel",
		}),

		ProjectionDrops: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perpclear_projection_drops_total",
			Help: "Envelopes dropped due to full projection channel",
		}),

		PersistBackpressure: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perpclear_persist_backpressure_total",
			Help: "Times the engine blocked on the persist channel",
		}),

		TradesExecuted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpclear_trades_executed_total",
			Help: "Curve trades executed",
		}, []string{"market"}),

		OrdersMatched: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpclear_orders_matched_total",
			Help: "Matched order fills settled",
		}, []string{"market"}),

		FundingSettled: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpclear_funding_settled_total",
			Help: "Funding intervals settled",
		}, []string{"market"}),

		PremiumFraction: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perpclear_premium_fraction",
			Help: "Last settled premium fraction (1e6 quote per base)",
		}, []string{"market"}),

		MarkPrice: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perpclear_mark_price",
			Help: "Curve mark price (1e6)",
		}, []string{"market"}),

		OpenInterestLong: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perpclear_open_interest_long",
			Help: "Long open interest in base units (1e18, truncated)",
		}, []string{"market"}),

		PositionsLiquidated: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpclear_positions_liquidated_total",
			Help: "Position liquidations executed",
		}, []string{"market"}),

		CollateralSeized: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpclear_collateral_seized_total",
			Help: "Collateral liquidations executed",
		}, []string{"asset"}),

		BadDebtSettledTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perpclear_bad_debt_settled_total",
			Help: "Stable debt absorbed by the insurance reserve (1e6)",
		}),

		InsuranceBalance: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perpclear_insurance_balance",
			Help: "Insurance reserve stable balance (1e6)",
		}),

		AuctionsStarted: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpclear_auctions_started_total",
			Help: "Dutch auctions opened for seized collateral",
		}, []string{"asset"}),

		PersistOpsWritten: promauto.NewCounter(prometheus.CounterOpts{
			Name: "perpclear_persist_ops_written_total",
			Help: "Op-log rows written to Postgres",
		}),

		PersistBatchDur: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "perpclear_persist_batch_duration_seconds",
			Help:    "Postgres batch write duration",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		}),

		PersistErrors: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpclear_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"error_type"}),

		PersistLastSequence: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "perpclear_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		IngestCommands: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpclear_ingest_commands_total",
			Help: "Commands consumed from the intake stream",
		}, []string{"kind", "outcome"}),

		QueryRequests: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "perpclear_query_requests_total",
			Help: "Query requests",
		}, []string{"endpoint", "status"}),

		QueryDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perpclear_query_duration_seconds",
			Help:    "Query latency",
			Buckets: []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5},
		}, []string{"endpoint"}),
	}
}

// SetChannelMetrics updates channel occupancy gauges.
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
}
