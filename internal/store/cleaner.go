package store

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CleanerConfig contains retention settings for terminal units
type CleanerConfig struct {
	MaxAge   time.Duration // 0 keeps terminal units forever
	Interval time.Duration
}

// Cleaner periodically deletes terminal units past their retention age.
// Scheduled and sending units are never touched.
type Cleaner struct {
	store  Store
	cfg    CleanerConfig
	logger *slog.Logger
	wg     sync.WaitGroup
	done   chan struct{}
}

// NewCleaner creates a new cleaner service
func NewCleaner(s Store, cfg CleanerConfig, logger *slog.Logger) *Cleaner {
	return &Cleaner{
		store:  s,
		cfg:    cfg,
		logger: logger,
		done:   make(chan struct{}),
	}
}

// Start starts the cleanup loop; a zero max age or interval disables it
func (c *Cleaner) Start(ctx context.Context) {
	if c.cfg.MaxAge <= 0 || c.cfg.Interval <= 0 {
		c.logger.Info("retention cleanup disabled")
		return
	}

	c.wg.Add(1)
	go c.loop(ctx)

	c.logger.Info("cleaner started",
		"max_age", c.cfg.MaxAge,
		"interval", c.cfg.Interval,
	)
}

// Stop stops the cleanup loop
func (c *Cleaner) Stop() {
	close(c.done)
	c.wg.Wait()
}

func (c *Cleaner) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		case <-ticker.C:
			c.runOnce(ctx)
		}
	}
}

func (c *Cleaner) runOnce(ctx context.Context) {
	deleted, err := c.store.CleanupTerminal(ctx, c.cfg.MaxAge)
	if err != nil {
		c.logger.Error("retention cleanup failed", "error", err)
		return
	}
	if deleted > 0 {
		c.logger.Info("retention cleanup removed units", "deleted", deleted)
	}
}
