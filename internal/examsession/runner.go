package examsession

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-examtaker/internal/model"
)

// Run drives m with a ticker until ctx is cancelled or the session leaves the
// active state (expired or completed). Cancelling ctx is the unmount path: the
// ticker stops and nothing else is torn down.
func Run(ctx context.Context, m *Manager, clock Clock, interval time.Duration, log zerolog.Logger) {
	if clock == nil {
		clock = RealClock{}
	}
	if interval <= 0 {
		interval = time.Second
	}

	ticker := clock.NewTicker(interval)
	defer ticker.Stop()

	log = log.With().Str("component", "session_runner").Str("session_id", m.ID()).Logger()
	log.Debug().Msg("Ticker started")

	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("Ticker stopped")
			return
		case <-ticker.C():
			if err := m.Tick(ctx); err != nil && !errors.Is(err, ErrSessionClosed) {
				log.Error().Err(err).Msg("Tick failed")
			}
			switch m.Status() {
			case model.SessionStatusExpired, model.SessionStatusCompleted:
				log.Debug().Msg("Session closed, ticker stopped")
				return
			}
		}
	}
}
