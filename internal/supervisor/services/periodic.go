package services

import (
	"context"
	"log/slog"
	"time"
)

// PeriodicService calls fn once at start and then every interval. A failed
// run is logged and does not restart the service.
type PeriodicService struct {
	name     string
	interval time.Duration
	fn       func(ctx context.Context) error
	logger   *slog.Logger
}

// NewPeriodicService creates a periodic job.
func NewPeriodicService(name string, interval time.Duration, fn func(ctx context.Context) error, logger *slog.Logger) *PeriodicService {
	if interval <= 0 {
		interval = time.Hour
	}
	return &PeriodicService{
		name:     name,
		interval: interval,
		fn:       fn,
		logger:   logger.With("component", name),
	}
}

// Serve implements suture.Service.
func (p *PeriodicService) Serve(ctx context.Context) error {
	p.run(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.run(ctx)
		}
	}
}

func (p *PeriodicService) run(ctx context.Context) {
	if err := p.fn(ctx); err != nil && ctx.Err() == nil {
		p.logger.Warn("periodic job failed", "error", err)
	}
}

// String names the service in supervisor logs.
func (p *PeriodicService) String() string {
	return p.name
}
