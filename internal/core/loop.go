package core

import (
	"context"
	"fmt"
	"time"
)

// RunLoop drives TickAll from a ticker until ctx is cancelled. Each tick
// advances the simulation by dt seconds regardless of wall-clock jitter.
func (s *Service) RunLoop(ctx context.Context, interval time.Duration, dt float64) error {
	if interval <= 0 {
		return fmt.Errorf("run loop interval must be positive, got %s", interval)
	}
	if dt <= 0 {
		dt = interval.Seconds()
	}
	s.logger.Info("simulation loop started", "interval", interval, "dt", dt)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("simulation loop stopped")
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.TickAll(ctx, dt); err != nil {
				return err
			}
		}
	}
}
