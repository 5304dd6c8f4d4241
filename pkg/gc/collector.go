// Package gc periodically removes expired locks and stale document sessions.
package gc

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/materials-commons/filegate/pkg/clog"
	"github.com/materials-commons/filegate/pkg/config"
)

const (
	defaultInterval = 10 * time.Minute
	runTimeout      = 5 * time.Minute
)

// Collectable is a component that can delete its own expired state. Collect returns the
// number of removed items. It must be safe to run next to normal operations.
type Collectable interface {
	Name() string
	Collect(ctx context.Context) (int64, error)
}

// Collector runs every registered Collectable on an interval.
type Collector struct {
	collectables []Collectable
	config       config.GCConfig

	startOnce sync.Once
	stopOnce  sync.Once
	started   atomic.Bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

func NewCollector(cfg config.GCConfig, collectables ...Collectable) *Collector {
	if cfg.Interval <= 0 {
		cfg.Interval = defaultInterval
	}

	return &Collector{
		collectables: collectables,
		config:       cfg,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Start begins background collection. Calling it more than once has no effect.
func (c *Collector) Start() {
	if !c.config.Enabled {
		clog.UsingCtx("gc").Infof("Garbage collection disabled")
		return
	}

	c.startOnce.Do(func() {
		c.started.Store(true)
		clog.UsingCtx("gc").Infof("Starting garbage collector, interval %s", c.config.Interval)
		go c.worker()
	})
}

// Stop ends background collection and waits for a run in progress to finish.
func (c *Collector) Stop(ctx context.Context) error {
	if !c.started.Load() {
		return nil
	}

	c.stopOnce.Do(func() { close(c.stopCh) })

	select {
	case <-c.doneCh:
		clog.UsingCtx("gc").Infof("Garbage collector stopped")
		return nil
	case <-ctx.Done():
		clog.UsingCtx("gc").Warnf("Garbage collector shutdown timeout")
		return ctx.Err()
	}
}

func (c *Collector) worker() {
	defer close(c.doneCh)

	ticker := time.NewTicker(c.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), runTimeout)
			stats, err := c.RunNow(ctx)
			cancel()

			if err != nil {
				clog.UsingCtx("gc").Errorf("Garbage collection failed: %s", err)
			} else {
				clog.UsingCtx("gc").Debugf("Garbage collection completed: %s", stats.Summary())
			}

		case <-c.stopCh:
			return
		}
	}
}

// RunNow runs every collectable once. A failing collectable does not stop the others;
// the first error is returned.
func (c *Collector) RunNow(ctx context.Context) (*Stats, error) {
	stats := &Stats{StartTime: time.Now(), Removed: make(map[string]int64)}

	var firstErr error
	for _, collectable := range c.collectables {
		if err := ctx.Err(); err != nil {
			stats.EndTime = time.Now()
			return stats, err
		}

		n, err := collectable.Collect(ctx)
		if err != nil {
			clog.UsingCtx("gc").WithField("collectable", collectable.Name()).Warnf("Collect failed: %s", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("%s: %w", collectable.Name(), err)
			}
			continue
		}

		stats.Removed[collectable.Name()] = n
	}

	stats.EndTime = time.Now()
	return stats, firstErr
}

type Stats struct {
	StartTime time.Time
	EndTime   time.Time

	// Removed counts removed items per collectable.
	Removed map[string]int64
}

func (s *Stats) Duration() time.Duration {
	if s.EndTime.IsZero() {
		return time.Since(s.StartTime)
	}
	return s.EndTime.Sub(s.StartTime)
}

func (s *Stats) Summary() string {
	return fmt.Sprintf("removed=%v duration=%s", s.Removed, s.Duration())
}
