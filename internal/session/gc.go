package session

import (
	"context"
	"log/slog"
	"time"

	"github.com/ushineko/ghostwire/internal/logging"
)

// RunGC starts the periodic eviction loop (Component E): every interval
// it calls GC and logs how many idle sessions were removed, until ctx is
// cancelled. It blocks, so callers run it in its own goroutine.
func (p *Pool) RunGC(ctx context.Context, logger *slog.Logger, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if removed := p.GC(); removed > 0 {
				logger.Debug("session gc", logging.Component("SESSION"), "removed", removed, "remaining", p.Size())
			}
		}
	}
}
