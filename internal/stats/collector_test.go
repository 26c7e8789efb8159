package stats

import (
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollector_CountsAndFillRate(t *testing.T) {
	c := NewCollector()
	for i := 0; i < 4; i++ {
		c.Submitted()
	}
	c.Record(OutcomeFilled, 10*time.Millisecond)
	c.Record(OutcomePartiallyFilled, 20*time.Millisecond)
	c.Record(OutcomeRejected, 30*time.Millisecond)
	c.Record(OutcomeFailed, 40*time.Millisecond)
	c.Record(Outcome("bogus"), time.Hour)

	s := c.Snapshot()
	if s.Submitted != 4 || s.Filled != 1 || s.PartiallyFilled != 1 || s.Rejected != 1 || s.Failed != 1 {
		t.Fatalf("unexpected counts: %+v", s)
	}
	if s.FillRate != 0.5 {
		t.Fatalf("fill rate: got %v want 0.5", s.FillRate)
	}
	if s.AvgLatency != 25*time.Millisecond {
		t.Fatalf("avg latency: %v", s.AvgLatency)
	}
	if s.AvgLatencyMs != 25 {
		t.Fatalf("avg latency ms: %v", s.AvgLatencyMs)
	}
	if s.P99Latency != 40*time.Millisecond {
		t.Fatalf("p99: %v", s.P99Latency)
	}
	if s.LastUpdated.IsZero() {
		t.Fatalf("last updated not set")
	}

	if got := testutil.ToFloat64(c.outcomes.WithLabelValues("filled")); got != 1 {
		t.Fatalf("prometheus filled counter: %v", got)
	}
	if got := testutil.ToFloat64(c.outcomes.WithLabelValues("submitted")); got != 4 {
		t.Fatalf("prometheus submitted counter: %v", got)
	}
}

func TestCollector_P99UsesRecentSamples(t *testing.T) {
	c := NewCollector()
	for i := 1; i <= 100; i++ {
		c.Record(OutcomeFilled, time.Duration(i)*time.Millisecond)
	}
	if got := c.Snapshot().P99Latency; got != 99*time.Millisecond {
		t.Fatalf("p99 of 1..100ms: got %v", got)
	}

	// 环形缓冲写满后旧样本被覆盖
	for i := 0; i < defaultSampleSize; i++ {
		c.Record(OutcomeFilled, time.Millisecond)
	}
	if got := c.Snapshot().P99Latency; got != time.Millisecond {
		t.Fatalf("p99 after wrap: got %v", got)
	}
}

func TestCollector_ConcurrentAndReset(t *testing.T) {
	c := NewCollector()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.Submitted()
			c.Record(OutcomeCancelled, time.Microsecond)
			_ = c.Snapshot()
		}()
	}
	wg.Wait()

	s := c.Snapshot()
	if s.Submitted != 50 || s.Cancelled != 50 {
		t.Fatalf("lost updates: %+v", s)
	}

	c.Reset()
	s = c.Snapshot()
	if s.Submitted != 0 || s.Cancelled != 0 || s.P99Latency != 0 || s.FillRate != 0 {
		t.Fatalf("reset did not clear window: %+v", s)
	}
	// prometheus 计数跨窗口保留
	if got := testutil.ToFloat64(c.outcomes.WithLabelValues("cancelled")); got != 50 {
		t.Fatalf("prometheus counter reset: %v", got)
	}
}
