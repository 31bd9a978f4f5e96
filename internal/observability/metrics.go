package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for PerpVAMM
type Metrics struct {
	// --- Engine operations ---
	OpsApplied   *prometheus.CounterVec
	OpsRejected  *prometheus.CounterVec
	OpDuration   *prometheus.HistogramVec
	Rollbacks    *prometheus.CounterVec
	EventSeq     prometheus.Gauge
	ReentryBlock prometheus.Counter

	// --- Market state ---
	MarkPrice     *prometheus.GaugeVec
	TwapPrice     *prometheus.GaugeVec
	FundingRate   *prometheus.GaugeVec
	FundingIndex  *prometheus.GaugeVec
	OpenInterest  *prometheus.GaugeVec
	FeesCollected *prometheus.CounterVec

	// --- Funding ---
	FundingAccruals   *prometheus.CounterVec
	FundingSettled    *prometheus.CounterVec
	FundingShortfalls *prometheus.CounterVec

	// --- Liquidation & insurance ---
	Liquidations         *prometheus.CounterVec
	LiquidatorRewards    *prometheus.CounterVec
	InsuranceFundBalance prometheus.Gauge
	InsurancePaid        prometheus.Counter
	InsuranceShortfall   prometheus.Counter
	TransferFailures     *prometheus.CounterVec
	CustodyShortfalls    *prometheus.CounterVec
	CustodyUnpaid        prometheus.Counter

	// --- Channel & backpressure ---
	ChannelSize     *prometheus.GaugeVec
	ChannelCapacity *prometheus.GaugeVec
	ProjectionDrops *prometheus.CounterVec
	PublishDrops    prometheus.Counter

	// --- Persistence ---
	PersistEventsWritten   prometheus.Counter
	PersistJournalsWritten prometheus.Counter
	PersistBatchSize       prometheus.Histogram
	PersistBatchDur        prometheus.Histogram
	PersistErrors          *prometheus.CounterVec
	PersistRetry           prometheus.Counter
	PersistLastSequence    prometheus.Gauge

	// --- Projection / ingestion ---
	ProjectionUpdateDur *prometheus.HistogramVec
	OracleUpdates       *prometheus.CounterVec
	OracleRejected      *prometheus.CounterVec

	// --- HTTP API ---
	QueryRequests *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryErrors   *prometheus.CounterVec
	WSClients     prometheus.Gauge
}

// NewMetrics creates and registers all metrics on reg. Passing nil uses the
// process-wide default registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)

	latencyBuckets := []float64{
		0.000005, 0.00001, 0.000025, 0.00005, 0.0001,
		0.00025, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.05,
	}

	return &Metrics{
		OpsApplied: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_engine_ops_applied_total",
			Help: "Engine operations committed",
		}, []string{"op"}),

		OpsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_engine_ops_rejected_total",
			Help: "Engine operations rejected, by error category",
		}, []string{"op", "category"}),

		OpDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_engine_op_duration_seconds",
			Help:    "Time to execute one engine operation",
			Buckets: latencyBuckets,
		}, []string{"op"}),

		Rollbacks: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_engine_rollbacks_total",
			Help: "Operations whose state changes were rolled back",
		}, []string{"op"}),

		EventSeq: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_engine_event_sequence",
			Help: "Last assigned event sequence",
		}),

		ReentryBlock: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_engine_reentry_blocked_total",
			Help: "Reentrant calls rejected by the execution guard",
		}),

		MarkPrice: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_market_mark_price",
			Help: "vAMM mark price",
		}, []string{"market"}),

		TwapPrice: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_market_twap_price",
			Help: "vAMM TWAP over the configured window",
		}, []string{"market"}),

		FundingRate: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_market_funding_rate_per_hour",
			Help: "Last clamped hourly funding rate",
		}, []string{"market"}),

		FundingIndex: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_market_funding_index",
			Help: "Cumulative funding per base unit",
		}, []string{"market"}),

		OpenInterest: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_market_active_positions",
			Help: "Users with open positions",
		}, []string{"market"}),

		FeesCollected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_market_fees_total",
			Help: "Trading fees and penalty shares routed",
		}, []string{"market", "source"}),

		FundingAccruals: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_funding_accruals_total",
			Help: "Market-level funding index updates",
		}, []string{"market"}),

		FundingSettled: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_funding_positions_settled_total",
			Help: "Position funding settlements",
		}, []string{"market"}),

		FundingShortfalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_funding_shortfall_total",
			Help: "Funding payments larger than the remaining margin",
		}, []string{"market"}),

		Liquidations: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_liquidations_total",
			Help: "Liquidations by outcome",
		}, []string{"market", "outcome"}),

		LiquidatorRewards: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_liquidator_rewards",
			Help: "Quote paid to liquidators",
		}, []string{"market"}),

		InsuranceFundBalance: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_insurance_fund_balance",
			Help: "Current insurance fund balance",
		}),

		InsurancePaid: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_insurance_paid",
			Help: "Quote paid by the insurance fund",
		}),

		InsuranceShortfall: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_insurance_shortfall_total",
			Help: "Bad debt the insurance fund could not fully cover",
		}),

		TransferFailures: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_ledger_transfer_failures_total",
			Help: "Outbound custody transfers that could not be completed",
		}, []string{"kind"}),
		CustodyShortfalls: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_ledger_custody_shortfalls_total",
			Help: "Payouts the vault could only partly cover",
		}, []string{"kind"}),
		CustodyUnpaid: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_ledger_custody_unpaid_total",
			Help: "Collateral owed by payouts the vault could not cover",
		}),

		ChannelSize: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_channel_size",
			Help: "Current items in channel",
		}, []string{"channel"}),

		ChannelCapacity: f.NewGaugeVec(prometheus.GaugeOpts{
			Name: "perp_channel_capacity",
			Help: "Channel capacity",
		}, []string{"channel"}),

		ProjectionDrops: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_projection_drops_total",
			Help: "Envelopes dropped on a full projection channel",
		}, []string{"channel"}),

		PublishDrops: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_publish_drops_total",
			Help: "Envelopes that failed to publish",
		}),

		PersistEventsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_events_written_total",
			Help: "Envelopes written to the event log",
		}),

		PersistJournalsWritten: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_journals_written_total",
			Help: "Custody journal entries written",
		}),

		PersistBatchSize: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_persist_batch_size",
			Help:    "Envelopes per persistence batch",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250, 500},
		}),

		PersistBatchDur: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "perp_persist_batch_duration_seconds",
			Help:    "Time to write one batch",
			Buckets: prometheus.DefBuckets,
		}),

		PersistErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_persist_errors_total",
			Help: "Persistence errors",
		}, []string{"kind"}),

		PersistRetry: f.NewCounter(prometheus.CounterOpts{
			Name: "perp_persist_retry_total",
			Help: "Persistence retries",
		}),

		PersistLastSequence: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_persist_last_sequence",
			Help: "Last persisted sequence",
		}),

		ProjectionUpdateDur: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_projection_update_duration_seconds",
			Help:    "Time to apply one envelope to a projection",
			Buckets: prometheus.DefBuckets,
		}, []string{"projection"}),

		OracleUpdates: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_oracle_messages_total",
			Help: "Commit/reveal messages applied",
		}, []string{"asset", "phase"}),

		OracleRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_oracle_messages_rejected_total",
			Help: "Commit/reveal messages rejected",
		}, []string{"asset", "phase"}),

		QueryRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_api_requests_total",
			Help: "HTTP API requests",
		}, []string{"route", "status"}),

		QueryDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "perp_api_duration_seconds",
			Help:    "HTTP API latency",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),

		QueryErrors: f.NewCounterVec(prometheus.CounterOpts{
			Name: "perp_api_errors_total",
			Help: "HTTP API errors by category",
		}, []string{"route", "category"}),

		WSClients: f.NewGauge(prometheus.GaugeOpts{
			Name: "perp_ws_clients",
			Help: "Connected WebSocket clients",
		}),
	}
}

// SetChannelMetrics updates channel size/capacity gauges
func (m *Metrics) SetChannelMetrics(name string, size, capacity int) {
	m.ChannelSize.WithLabelValues(name).Set(float64(size))
	m.ChannelCapacity.WithLabelValues(name).Set(float64(capacity))
}
