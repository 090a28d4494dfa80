package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// 邮件处理计数
	EmailProcessedCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "email_processed_count",
			Help: "Total number of emails that completed the pipeline",
		},
		[]string{"outcome"}, // ok, low_confidence, failed
	)

	// 分类调用延迟（毫秒）
	ClassifyLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "llm_classify_latency_ms",
			Help:    "LLM classification call latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(100, 2, 10), // 100ms to ~100s
		},
		[]string{"status"},
	)

	// 日历操作计数
	CalendarOpCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "calendar_op_count",
			Help: "Total number of calendar materialization outcomes",
		},
		[]string{"outcome"}, // created, skipped_duplicate, skipped_disabled, failed
	)

	// 每轮轮询抓到的新邮件数
	PollBatchSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "poll_batch_size",
			Help: "Number of unseen messages found in the last poll tick",
		},
	)

	// MQ 消费延迟（毫秒）
	MQConsumeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mq_consume_latency_ms",
			Help:    "MQ message consumption latency in milliseconds",
			Buckets: prometheus.ExponentialBuckets(10, 2, 10), // 10ms to ~10s
		},
		[]string{"routing_key", "queue"},
	)
)

// RecordEmailProcessed 记录一封邮件的最终 outcome
func RecordEmailProcessed(outcome string) {
	EmailProcessedCount.WithLabelValues(outcome).Inc()
}

// RecordClassifyLatency 记录分类调用延迟
func RecordClassifyLatency(status string, duration time.Duration) {
	ClassifyLatency.WithLabelValues(status).Observe(float64(duration.Milliseconds()))
}

// RecordCalendarOp 记录日历操作结果
func RecordCalendarOp(outcome string) {
	CalendarOpCount.WithLabelValues(outcome).Inc()
}

// RecordMQConsumeLatency 记录 MQ 消费延迟
func RecordMQConsumeLatency(routingKey, queue string, duration time.Duration) {
	MQConsumeLatency.WithLabelValues(routingKey, queue).Observe(float64(duration.Milliseconds()))
}
