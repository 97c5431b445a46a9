package session

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/antoniostano/secondbrain/internal/observability"
)

const (
	DefaultCleanupInterval = 5 * time.Minute
	DefaultIdleTimeout     = 30 * time.Minute
)

type sweeper interface {
	CleanupExpired(idle time.Duration) int
}

// CleanupService is the only writer that ends sessions for inactivity.
type CleanupService struct {
	sessions    sweeper
	interval    time.Duration
	idleTimeout time.Duration
	log         *zap.Logger
	metrics     *observability.Metrics
}

func NewCleanupService(sessions sweeper, interval, idleTimeout time.Duration, metrics *observability.Metrics, log *zap.Logger) *CleanupService {
	if interval <= 0 {
		interval = DefaultCleanupInterval
	}
	if idleTimeout <= 0 {
		idleTimeout = DefaultIdleTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &CleanupService{
		sessions:    sessions,
		interval:    interval,
		idleTimeout: idleTimeout,
		log:         log,
		metrics:     metrics,
	}
}

// Run ticks until ctx is cancelled. A failing sweep is logged and the loop
// carries on.
func (c *CleanupService) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	c.log.Info("voice session cleanup started",
		zap.Duration("interval", c.interval),
		zap.Duration("idle_timeout", c.idleTimeout))
	for {
		select {
		case <-ctx.Done():
			c.log.Info("voice session cleanup stopped")
			return nil
		case <-ticker.C:
			ended, err := c.sweep()
			switch {
			case err != nil:
				c.record("error")
				c.log.Error("voice session cleanup failed", zap.Error(err))
			case ended > 0:
				c.record("ok")
				c.log.Info("expired idle voice sessions", zap.Int("ended", ended))
			default:
				c.record("ok")
			}
		}
	}
}

func (c *CleanupService) sweep() (ended int, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cleanup panic: %v", r)
		}
	}()
	return c.sessions.CleanupExpired(c.idleTimeout), nil
}

func (c *CleanupService) record(result string) {
	if c.metrics != nil {
		c.metrics.CleanupSweeps.WithLabelValues(result).Inc()
	}
}
