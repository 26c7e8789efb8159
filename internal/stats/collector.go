package stats

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Outcome 订单终态（统计口径）
type Outcome string

const (
	OutcomeFilled          Outcome = "filled"
	OutcomePartiallyFilled Outcome = "partially_filled"
	OutcomeRejected        Outcome = "rejected"
	OutcomeFailed          Outcome = "failed"
	OutcomeCancelled       Outcome = "cancelled"
)

// 延迟样本环形缓冲大小（p99 基于最近这么多笔）
const defaultSampleSize = 4096

// Snapshot 统计快照（ExecutionStats）
type Snapshot struct {
	Submitted       int64         `json:"submitted"`
	Filled          int64         `json:"filled"`
	PartiallyFilled int64         `json:"partially_filled"`
	Rejected        int64         `json:"rejected"`
	Failed          int64         `json:"failed"`
	Cancelled       int64         `json:"cancelled"`
	AvgLatency      time.Duration `json:"avg_latency_ns"`
	P99Latency      time.Duration `json:"p99_latency_ns"`
	AvgLatencyMs    float64       `json:"avg_latency_ms"`
	FillRate        float64       `json:"fill_rate"`
	LastUpdated     time.Time     `json:"last_updated"`
}

// Collector 执行统计；计数走原子变量，延迟样本走小锁。
// 计数在一个 Reset 窗口内单调不减。
type Collector struct {
	submitted atomic.Int64
	filled    atomic.Int64
	partial   atomic.Int64
	rejected  atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Int64

	mu           sync.Mutex
	samples      []time.Duration
	next         int
	latencyTotal time.Duration
	latencyCount int64
	lastUpdated  time.Time

	outcomes *prometheus.CounterVec
	latency  prometheus.Histogram
	registry *prometheus.Registry
}

// NewCollector 创建统计器，并在独立的 prometheus Registry 上注册指标
func NewCollector() *Collector {
	c := &Collector{
		samples: make([]time.Duration, 0, defaultSampleSize),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ordercore",
			Name:      "orders_total",
			Help:      "Orders by terminal outcome.",
		}, []string{"outcome"}),
		latency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "ordercore",
			Name:      "order_latency_seconds",
			Help:      "Elapsed time between received and terminal state.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 16),
		}),
		registry: prometheus.NewRegistry(),
	}
	c.registry.MustRegister(c.outcomes, c.latency)
	return c
}

// Registry 供 /metrics 暴露
func (c *Collector) Registry() *prometheus.Registry { return c.registry }

// Submitted 订单进入执行流程（通过结构校验）时调用
func (c *Collector) Submitted() {
	c.submitted.Add(1)
	c.outcomes.WithLabelValues("submitted").Inc()
	c.touch()
}

// Record 订单到达终态时调用，d 为 received 到终态的耗时
func (c *Collector) Record(outcome Outcome, d time.Duration) {
	switch outcome {
	case OutcomeFilled:
		c.filled.Add(1)
	case OutcomePartiallyFilled:
		c.partial.Add(1)
	case OutcomeRejected:
		c.rejected.Add(1)
	case OutcomeFailed:
		c.failed.Add(1)
	case OutcomeCancelled:
		c.cancelled.Add(1)
	default:
		return
	}
	c.outcomes.WithLabelValues(string(outcome)).Inc()
	if d < 0 {
		d = 0
	}
	c.latency.Observe(d.Seconds())

	c.mu.Lock()
	if len(c.samples) < cap(c.samples) {
		c.samples = append(c.samples, d)
	} else {
		c.samples[c.next] = d
		c.next = (c.next + 1) % len(c.samples)
	}
	c.latencyTotal += d
	c.latencyCount++
	c.lastUpdated = time.Now()
	c.mu.Unlock()
}

func (c *Collector) touch() {
	c.mu.Lock()
	c.lastUpdated = time.Now()
	c.mu.Unlock()
}

// Snapshot 返回当前统计
func (c *Collector) Snapshot() Snapshot {
	s := Snapshot{
		Submitted:       c.submitted.Load(),
		Filled:          c.filled.Load(),
		PartiallyFilled: c.partial.Load(),
		Rejected:        c.rejected.Load(),
		Failed:          c.failed.Load(),
		Cancelled:       c.cancelled.Load(),
	}

	c.mu.Lock()
	if c.latencyCount > 0 {
		s.AvgLatency = c.latencyTotal / time.Duration(c.latencyCount)
	}
	sorted := append([]time.Duration(nil), c.samples...)
	s.LastUpdated = c.lastUpdated
	c.mu.Unlock()

	if len(sorted) > 0 {
		sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
		idx := (len(sorted)*99+99)/100 - 1
		if idx >= len(sorted) {
			idx = len(sorted) - 1
		}
		s.P99Latency = sorted[idx]
	}
	s.AvgLatencyMs = float64(s.AvgLatency) / float64(time.Millisecond)
	if s.Submitted > 0 {
		s.FillRate = float64(s.Filled+s.PartiallyFilled) / float64(s.Submitted)
	}
	return s
}

// Reset 开启新的统计窗口（prometheus 计数不受影响）
func (c *Collector) Reset() {
	c.submitted.Store(0)
	c.filled.Store(0)
	c.partial.Store(0)
	c.rejected.Store(0)
	c.failed.Store(0)
	c.cancelled.Store(0)

	c.mu.Lock()
	c.samples = c.samples[:0]
	c.next = 0
	c.latencyTotal = 0
	c.latencyCount = 0
	c.lastUpdated = time.Now()
	c.mu.Unlock()
}
