package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 同步周期计数
	SyncCycles = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_cycles_total",
			Help: "Total number of account sync attempts",
		},
		[]string{"account", "mode", "status"}, // mode: full, incremental; status: success, error
	)

	// 同步耗时（秒）
	SyncDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sync_duration_seconds",
			Help:    "Account sync duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 12), // 50ms to ~100s
		},
		[]string{"account", "mode"},
	)

	// 入库邮件计数
	MessagesIngested = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "messages_ingested_total",
			Help: "Messages written by sync, by outcome",
		},
		[]string{"account", "result"}, // result: inserted, duplicate
	)

	CheckpointAdvances = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_checkpoint_advances_total",
			Help: "Checkpoint commits, by phase",
		},
		[]string{"account", "phase"},
	)

	TokenExpiredFallbacks = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_token_expired_fallbacks_total",
			Help: "Incremental syncs that fell back to a full sync",
		},
		[]string{"account"},
	)

	// 连续失败次数
	ConsecutiveFailures = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sync_consecutive_failures",
			Help: "Consecutive failed sync cycles per account",
		},
		[]string{"account"},
	)

	SyncAlerts = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sync_alerts_total",
			Help: "Operator alerts raised for persistently failing accounts",
		},
		[]string{"account"},
	)

	RuleMatches = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "rule_matches_total",
			Help: "Rule match events recorded, by action",
		},
		[]string{"action"},
	)

	TriageProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "triage_messages_total",
			Help: "Messages run through the rule engine, by outcome",
		},
		[]string{"status"}, // status: matched, unmatched, error, parked
	)

	// 数据库查询延迟（秒）
	DBQueryDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "db_query_duration_seconds",
			Help:    "Database query duration in seconds",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
		[]string{"operation"},
	)

	SlowQueries = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "db_slow_queries_total",
			Help: "Queries slower than the configured threshold",
		},
	)

	OutboxPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_events_published_total",
			Help: "Outbox events handed to the broker, by status",
		},
		[]string{"status"},
	)

	// 消费端事件计数
	EventsConsumed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mq_events_consumed_total",
			Help: "Events handled by consumers, by routing key and result",
		},
		[]string{"routing_key", "result"}, // result: handled, duplicate, invalid
	)
)

// RecordSync 记录一次账户同步
func RecordSync(account, mode, status string, duration time.Duration) {
	SyncCycles.WithLabelValues(account, mode, status).Inc()
	if status != "skipped" {
		SyncDuration.WithLabelValues(account, mode).Observe(duration.Seconds())
	}
}

func AddIngested(account string, inserted, duplicates int) {
	if inserted > 0 {
		MessagesIngested.WithLabelValues(account, "inserted").Add(float64(inserted))
	}
	if duplicates > 0 {
		MessagesIngested.WithLabelValues(account, "duplicate").Add(float64(duplicates))
	}
}

func IncrementCheckpointAdvance(account, phase string) {
	CheckpointAdvances.WithLabelValues(account, phase).Inc()
}

func IncrementTokenExpiredFallback(account string) {
	TokenExpiredFallbacks.WithLabelValues(account).Inc()
}

func SetConsecutiveFailures(account string, n int64) {
	ConsecutiveFailures.WithLabelValues(account).Set(float64(n))
}

func IncrementSyncAlert(account string) {
	SyncAlerts.WithLabelValues(account).Inc()
}

func IncrementRuleMatch(action string) {
	RuleMatches.WithLabelValues(action).Inc()
}

func IncrementTriage(status string) {
	TriageProcessed.WithLabelValues(status).Inc()
}

// RecordDBQueryDuration 记录数据库查询延迟
func RecordDBQueryDuration(operation string, duration time.Duration) {
	DBQueryDuration.WithLabelValues(operation).Observe(duration.Seconds())
}

func IncrementSlowQuery() {
	SlowQueries.Inc()
}

func IncrementOutboxPublished(status string) {
	OutboxPublished.WithLabelValues(status).Inc()
}

func IncrementEventsConsumed(routingKey, result string) {
	EventsConsumed.WithLabelValues(routingKey, result).Inc()
}
