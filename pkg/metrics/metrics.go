package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 进度上报提交计数
	SubmissionCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "progress_submission_count",
			Help: "Total number of progress update submissions",
		},
		[]string{"result"}, // result: accepted, conflict, validation, ...
	)

	// 审批决定计数
	DecisionCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "progress_decision_count",
			Help: "Total number of approval decisions",
		},
		[]string{"decision", "result"},
	)

	// 审批决定延迟（秒）
	DecisionLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "progress_decision_duration_seconds",
			Help:    "Time spent applying an approval decision",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12), // 1ms to ~4s
		},
	)

	// 汇总计算耗时（秒）
	RollupDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "rollup_duration_seconds",
			Help:    "Time spent computing rollup summaries",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
		},
		[]string{"scope"}, // scope: state, national
	)

	// 延期标记计数
	DelayMarkedCount = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "project_delay_marked_count",
			Help: "Total number of projects marked delayed by the scanner",
		},
	)

	// Outbox 事件发布计数
	OutboxPublishCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "outbox_publish_count",
			Help: "Total number of outbox event publish attempts",
		},
		[]string{"status"}, // status: sent, failed, dead_lettered
	)

	// 慢查询计数
	SlowQueryCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "db_slow_query_count",
			Help: "Total number of detected slow queries",
		},
		[]string{"sql"},
	)

	// 慢查询耗时（秒）
	SlowQueryDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "db_slow_query_duration_seconds",
			Help:    "Duration of detected slow queries",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~51s
		},
	)
)

// IncrementSubmission 增加提交计数
func IncrementSubmission(result string) {
	SubmissionCount.WithLabelValues(result).Inc()
}

// IncrementDecision 增加审批决定计数
func IncrementDecision(decision, result string) {
	DecisionCount.WithLabelValues(decision, result).Inc()
}

// ObserveDecisionLatency 记录审批决定耗时
func ObserveDecisionLatency(duration time.Duration) {
	DecisionLatency.Observe(duration.Seconds())
}

// ObserveRollupDuration 记录汇总计算耗时
func ObserveRollupDuration(scope string, duration time.Duration) {
	RollupDuration.WithLabelValues(scope).Observe(duration.Seconds())
}

// IncrementDelayMarked 增加延期标记计数
func IncrementDelayMarked() {
	DelayMarkedCount.Inc()
}

// IncrementOutboxPublished 增加 outbox 发布计数
func IncrementOutboxPublished(status string) {
	OutboxPublishCount.WithLabelValues(status).Inc()
}

// IncrementSlowQuery 增加慢查询计数并记录耗时
func IncrementSlowQuery(sql string, duration time.Duration) {
	SlowQueryCount.WithLabelValues(sql).Inc()
	SlowQueryDuration.Observe(duration.Seconds())
}
