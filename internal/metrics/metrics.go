// ============================================================================
// Swarm Market Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集並暴露市場與執行佇列的運行指標
//
// 指標分類:
//
//   1. 執行佇列 (Counter / Histogram / Gauge)：
//      - swarm_tasks_enqueued_total / dispatched / succeeded / retried / dead
//      - swarm_task_latency_seconds: 單次執行耗時
//      - swarm_tasks_pending / in_flight / dead_letters: 佇列深度
//      - swarm_queue_recovery_time_seconds: 最近一次 WAL 恢復時間
//
//   2. 市場流程 (Counter)：
//      - swarm_jobs_created_total, swarm_bids_submitted_total, swarm_bids_accepted_total
//      - swarm_jobs_completed_total, swarm_jobs_disputed_total
//      - swarm_handoff_failures_total: 已指派但未能入隊
//
//   3. 分潤 (Counter)：
//      - swarm_payout_units_total / swarm_remainder_units_total
//
//   4. 通知 (Counter)：
//      - swarm_notifications_dropped_total
//      - swarm_notification_failures_total{sink}
//
// Prometheus 查詢示例:
//
//   # 執行失敗率
//   rate(swarm_tasks_retried_total[5m]) / rate(swarm_tasks_dispatched_total[5m])
//
//   # 交接失敗（需要操作員介入）
//   increase(swarm_handoff_failures_total[1h]) > 0
//
// 指標註冊在 Collector 自己的 Registry，不使用全域 DefaultRegisterer，
// 同一行程可以建立多個 Collector（測試）。
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/swarm-market/pkg/types"
)

const namespace = "swarm"

// Collector Prometheus 指標收集器
type Collector struct {
	registry *prometheus.Registry

	// 執行佇列
	tasksEnqueued   prometheus.Counter
	tasksDispatched prometheus.Counter
	tasksSucceeded  prometheus.Counter
	tasksRetried    prometheus.Counter
	tasksDead       prometheus.Counter
	taskLatency     prometheus.Histogram
	recoveryTime    prometheus.Gauge
	tasksPending    prometheus.Gauge
	tasksInFlight   prometheus.Gauge
	deadLetters     prometheus.Gauge

	// 市場流程
	jobsCreated     prometheus.Counter
	bidsSubmitted   prometheus.Counter
	bidsAccepted    prometheus.Counter
	jobsCompleted   prometheus.Counter
	jobsDisputed    prometheus.Counter
	handoffFailures prometheus.Counter

	// 分潤
	payoutUnits    prometheus.Counter
	remainderUnits prometheus.Counter

	// 通知
	notificationsDropped prometheus.Counter
	notificationFailures *prometheus.CounterVec
}

func counter(name, help string) prometheus.Counter {
	return prometheus.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: name, Help: help})
}

func gauge(name, help string) prometheus.Gauge {
	return prometheus.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help})
}

// NewCollector 創建新的指標收集器
func NewCollector() *Collector {
	c := &Collector{
		registry: prometheus.NewRegistry(),

		tasksEnqueued:   counter("tasks_enqueued_total", "Total number of execution tasks enqueued"),
		tasksDispatched: counter("tasks_dispatched_total", "Total number of execution tasks dispatched to workers"),
		tasksSucceeded:  counter("tasks_succeeded_total", "Total number of execution tasks acknowledged"),
		tasksRetried:    counter("tasks_retried_total", "Total number of failed execution attempts scheduled for retry"),
		tasksDead:       counter("tasks_dead_total", "Total number of execution tasks moved to dead letters"),
		taskLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_latency_seconds",
			Help:      "Execution attempt latency in seconds",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 300},
		}),
		recoveryTime:  gauge("queue_recovery_time_seconds", "Time taken to recover the execution queue from disk"),
		tasksPending:  gauge("tasks_pending", "Current number of pending execution tasks"),
		tasksInFlight: gauge("tasks_in_flight", "Current number of in-flight execution tasks"),
		deadLetters:   gauge("dead_letters", "Current number of dead letters"),

		jobsCreated:     counter("jobs_created_total", "Total number of jobs created"),
		bidsSubmitted:   counter("bids_submitted_total", "Total number of bids submitted"),
		bidsAccepted:    counter("bids_accepted_total", "Total number of bids accepted"),
		jobsCompleted:   counter("jobs_completed_total", "Total number of jobs completed"),
		jobsDisputed:    counter("jobs_disputed_total", "Total number of jobs disputed"),
		handoffFailures: counter("handoff_failures_total", "Total number of assigned jobs that could not be enqueued"),

		payoutUnits:    counter("payout_units_total", "Total payment units credited to agents"),
		remainderUnits: counter("remainder_units_total", "Total payment units retained after rounding"),

		notificationsDropped: counter("notifications_dropped_total", "Total number of notifications dropped"),
		notificationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "notification_failures_total",
			Help:      "Total number of failed notification deliveries",
		}, []string{"sink"}),
	}

	c.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.tasksEnqueued, c.tasksDispatched, c.tasksSucceeded, c.tasksRetried, c.tasksDead,
		c.taskLatency, c.recoveryTime, c.tasksPending, c.tasksInFlight, c.deadLetters,
		c.jobsCreated, c.bidsSubmitted, c.bidsAccepted, c.jobsCompleted, c.jobsDisputed, c.handoffFailures,
		c.payoutUnits, c.remainderUnits,
		c.notificationsDropped, c.notificationFailures,
	)
	return c
}

// Registry 回傳指標所在的 Registry
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler 回傳 /metrics 的 HTTP handler
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{Registry: c.registry})
}

// ============================================================================
// 執行佇列（實作 queue.Observer）
// ============================================================================

// TaskEnqueued 記錄任務加入佇列
func (c *Collector) TaskEnqueued() { c.tasksEnqueued.Inc() }

// TaskDispatched 記錄任務分派
func (c *Collector) TaskDispatched() { c.tasksDispatched.Inc() }

// TaskSucceeded 記錄任務完成
func (c *Collector) TaskSucceeded(d time.Duration) {
	c.tasksSucceeded.Inc()
	c.taskLatency.Observe(d.Seconds())
}

// TaskRetried 記錄失敗後排程重試
func (c *Collector) TaskRetried() { c.tasksRetried.Inc() }

// TaskDead 記錄任務進入死信
func (c *Collector) TaskDead() { c.tasksDead.Inc() }

// QueueDepth 更新佇列狀態統計
func (c *Collector) QueueDepth(pending, inFlight, dead int) {
	c.tasksPending.Set(float64(pending))
	c.tasksInFlight.Set(float64(inFlight))
	c.deadLetters.Set(float64(dead))
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(d time.Duration) {
	c.recoveryTime.Set(d.Seconds())
}

// ============================================================================
// 市場流程
// ============================================================================

func (c *Collector) RecordJobCreated()     { c.jobsCreated.Inc() }
func (c *Collector) RecordBidSubmitted()   { c.bidsSubmitted.Inc() }
func (c *Collector) RecordBidAccepted()    { c.bidsAccepted.Inc() }
func (c *Collector) RecordJobDisputed()    { c.jobsDisputed.Inc() }
func (c *Collector) RecordHandoffFailure() { c.handoffFailures.Inc() }

// RecordJobCompleted 記錄工作完成與其結算；s 為 nil 代表沒有可分配的執行時間
func (c *Collector) RecordJobCompleted(s *types.Settlement) {
	c.jobsCompleted.Inc()
	if s == nil {
		return
	}
	c.payoutUnits.Add(float64(s.Distributed()))
	c.remainderUnits.Add(float64(s.Remainder))
}

// ============================================================================
// 通知
// ============================================================================

// RecordNotificationDropped 記錄被丟棄的通知
func (c *Collector) RecordNotificationDropped() { c.notificationsDropped.Inc() }

// RecordNotificationFailure 記錄投遞失敗
func (c *Collector) RecordNotificationFailure(sink string) {
	c.notificationFailures.WithLabelValues(sink).Inc()
}
