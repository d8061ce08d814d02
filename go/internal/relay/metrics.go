package relay

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcdev12/shoreline/go/internal/models"
)

// MetricsCollector defines the interface for collecting relay metrics
type MetricsCollector interface {
	RecordEntryPublished(kind models.ActivityKind, success bool, duration time.Duration)
	RecordBatchProcessed(count int, duration time.Duration)
	RecordBacklog(pending int)
	RecordPublishAttempt(kind models.ActivityKind, attempt int, success bool)
}

// NoOpMetricsCollector is a no-op implementation for when metrics aren't needed
type NoOpMetricsCollector struct{}

func (NoOpMetricsCollector) RecordEntryPublished(models.ActivityKind, bool, time.Duration) {}
func (NoOpMetricsCollector) RecordBatchProcessed(int, time.Duration)                       {}
func (NoOpMetricsCollector) RecordBacklog(int)                                             {}
func (NoOpMetricsCollector) RecordPublishAttempt(models.ActivityKind, int, bool)           {}

// Counters is an in-process MetricsCollector served on the health endpoint.
type Counters struct {
	published atomic.Uint64
	failed    atomic.Uint64
	retries   atomic.Uint64
	batches   atomic.Uint64
	backlog   atomic.Int64

	mu     sync.Mutex
	byKind map[models.ActivityKind]uint64
}

var _ MetricsCollector = (*Counters)(nil)

func NewCounters() *Counters {
	return &Counters{byKind: make(map[models.ActivityKind]uint64)}
}

func (c *Counters) RecordEntryPublished(kind models.ActivityKind, success bool, _ time.Duration) {
	if !success {
		c.failed.Add(1)
		return
	}
	c.published.Add(1)
	c.mu.Lock()
	c.byKind[kind]++
	c.mu.Unlock()
}

func (c *Counters) RecordBatchProcessed(int, time.Duration) {
	c.batches.Add(1)
}

func (c *Counters) RecordBacklog(pending int) {
	c.backlog.Store(int64(pending))
}

func (c *Counters) RecordPublishAttempt(_ models.ActivityKind, attempt int, _ bool) {
	if attempt > 1 {
		c.retries.Add(1)
	}
}

// CounterSnapshot is a point-in-time copy of Counters.
type CounterSnapshot struct {
	Published uint64                         `json:"published"`
	Failed    uint64                         `json:"failed"`
	Retries   uint64                         `json:"retries"`
	Batches   uint64                         `json:"batches"`
	Backlog   int64                          `json:"backlog"`
	ByKind    map[models.ActivityKind]uint64 `json:"by_kind"`
}

func (c *Counters) Snapshot() CounterSnapshot {
	c.mu.Lock()
	byKind := make(map[models.ActivityKind]uint64, len(c.byKind))
	for k, v := range c.byKind {
		byKind[k] = v
	}
	c.mu.Unlock()

	return CounterSnapshot{
		Published: c.published.Load(),
		Failed:    c.failed.Load(),
		Retries:   c.retries.Load(),
		Batches:   c.batches.Load(),
		Backlog:   c.backlog.Load(),
		ByKind:    byKind,
	}
}

// MetricPublisher wraps a Publisher with metrics collection
type MetricPublisher struct {
	publisher Publisher
	metrics   MetricsCollector
}

func NewMetricPublisher(publisher Publisher, metrics MetricsCollector) *MetricPublisher {
	return &MetricPublisher{
		publisher: publisher,
		metrics:   metrics,
	}
}

func (p *MetricPublisher) Publish(ctx context.Context, entry models.ActivityEntry) error {
	start := time.Now()
	err := p.publisher.Publish(ctx, entry)
	p.metrics.RecordEntryPublished(entry.Kind, err == nil, time.Since(start))
	return err
}
