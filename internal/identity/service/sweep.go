package service

import (
	"context"
	"errors"
	"log"
	"time"

	telemetrydomain "identity-pairing/backend/internal/telemetry/domain"
)

// DefaultSweepInterval is how often expired sessions are deleted when no interval is configured.
const DefaultSweepInterval = time.Minute

// RunSweeper deletes expired sessions every interval until ctx is done.
func (s *PairingService) RunSweeper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *PairingService) sweepOnce(ctx context.Context) int {
	n, err := s.sessions.Sweep(ctx)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Printf("pairing: sweep expired sessions: %v", err)
		}
		return 0
	}
	if n > 0 {
		s.emit(ctx, telemetrydomain.EventSessionsSwept, nil, "", map[string]any{"count": n})
	}
	return n
}
