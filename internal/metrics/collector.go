// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 指标收集器
//
// 同时满足 a2a.TaskObserver、discovery.ProbeObserver、handoff.Observer
// 与 tracker.Observer。
type Collector struct {
	// HTTP 指标
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec
	httpRequestSize     *prometheus.HistogramVec
	httpResponseSize    *prometheus.HistogramVec

	// 阶段指标
	tasksTotal   *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	// 发现指标
	probesTotal   *prometheus.CounterVec
	probeDuration *prometheus.HistogramVec

	// 转发指标
	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec

	// 跟踪器指标
	trackerTransitions *prometheus.CounterVec

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// HTTP 指标
	c.httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		},
		[]string{"method", "path", "status"},
	)

	c.httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)

	c.httpRequestSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_size_bytes",
			Help:      "HTTP request size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	c.httpResponseSize = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_response_size_bytes",
			Help:      "HTTP response size in bytes",
			Buckets:   prometheus.ExponentialBuckets(100, 10, 8),
		},
		[]string{"method", "path"},
	)

	// 阶段指标
	c.tasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stage_tasks_total",
			Help:      "Total number of tasks handled by a stage",
		},
		[]string{"stage", "status"},
	)

	c.taskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_task_duration_seconds",
			Help:      "Stage task processing duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"stage"},
	)

	// 发现指标
	c.probesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_probes_total",
			Help:      "Total number of peer probes by outcome",
		},
		[]string{"peer", "outcome"},
	)

	c.probeDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "discovery_probe_duration_seconds",
			Help:      "Peer probe duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"peer"},
	)

	// 转发指标
	c.dispatchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_total",
			Help:      "Total number of forward attempts by tier and status",
		},
		[]string{"tier", "status"},
	)

	c.dispatchDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "dispatch_duration_seconds",
			Help:      "Discovery plus forward duration in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"tier"},
	)

	// 跟踪器指标
	c.trackerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tracker_transitions_total",
			Help:      "Total number of tracker state transitions",
		},
		[]string{"state", "reason"},
	)

	c.logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 HTTP 指标记录
// =============================================================================

// RecordHTTPRequest 记录 HTTP 请求
func (c *Collector) RecordHTTPRequest(method, path string, status int, duration time.Duration, requestSize, responseSize int64) {
	c.httpRequestsTotal.WithLabelValues(method, path, statusCode(status)).Inc()
	c.httpRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
	c.httpRequestSize.WithLabelValues(method, path).Observe(float64(requestSize))
	c.httpResponseSize.WithLabelValues(method, path).Observe(float64(responseSize))
}

// =============================================================================
// 🔗 流水线指标记录
// =============================================================================

// RecordTask 记录阶段处理的任务
func (c *Collector) RecordTask(stage, status string, duration time.Duration) {
	c.tasksTotal.WithLabelValues(stage, status).Inc()
	c.taskDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordProbe 记录一次对端探测
func (c *Collector) RecordProbe(peer, outcome string, duration time.Duration) {
	c.probesTotal.WithLabelValues(peer, outcome).Inc()
	c.probeDuration.WithLabelValues(peer).Observe(duration.Seconds())
}

// RecordDispatch 记录一次转发结果
func (c *Collector) RecordDispatch(tier, status string, duration time.Duration) {
	c.dispatchTotal.WithLabelValues(tier, status).Inc()
	c.dispatchDuration.WithLabelValues(tier).Observe(duration.Seconds())
}

// RecordTrackerTransition 记录跟踪器状态转换
func (c *Collector) RecordTrackerTransition(state, reason string) {
	if reason == "" {
		reason = "none"
	}
	c.trackerTransitions.WithLabelValues(state, reason).Inc()
}

// =============================================================================
// 🔧 辅助函数
// =============================================================================

// statusCode 将 HTTP 状态码转换为字符串
func statusCode(code int) string {
	switch {
	case code >= 200 && code < 300:
		return "2xx"
	case code >= 300 && code < 400:
		return "3xx"
	case code >= 400 && code < 500:
		return "4xx"
	case code >= 500:
		return "5xx"
	default:
		return "unknown"
	}
}
