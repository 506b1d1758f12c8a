package metrics

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/foxzi/drip/internal/store"
)

// UnitCountsProvider provides queue statistics for the gauges
type UnitCountsProvider interface {
	CountUnits(ctx context.Context) (*store.UnitCounts, error)
}

// Collector refreshes the system and queue gauges on a fixed period
type Collector struct {
	metrics   *Metrics
	counts    UnitCountsProvider
	interval  time.Duration
	startTime time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCollector creates a collector; interval defaults to 10s
func NewCollector(m *Metrics, counts UnitCountsProvider, interval time.Duration) *Collector {
	if interval == 0 {
		interval = 10 * time.Second
	}
	return &Collector{
		metrics:   m,
		counts:    counts,
		interval:  interval,
		startTime: time.Now(),
		stopCh:    make(chan struct{}),
	}
}

// Start begins the refresh loop
func (c *Collector) Start() {
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-c.stopCh:
				return
			case <-ticker.C:
				c.refresh()
			}
		}
	}()
}

// Stop stops the refresh loop
func (c *Collector) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Collector) refresh() {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	counts, err := c.counts.CountUnits(ctx)
	if err != nil {
		return
	}
	c.metrics.QueueByStatus.WithLabelValues("scheduled").Set(float64(counts.Scheduled))
	c.metrics.QueueByStatus.WithLabelValues("sending").Set(float64(counts.Sending))
	c.metrics.QueueByStatus.WithLabelValues("sent").Set(float64(counts.Sent))
	c.metrics.QueueByStatus.WithLabelValues("failed").Set(float64(counts.Failed))
	c.metrics.QueueByStatus.WithLabelValues("bounced").Set(float64(counts.Bounced))
	c.metrics.QueueByStatus.WithLabelValues("skipped").Set(float64(counts.Skipped))
}
