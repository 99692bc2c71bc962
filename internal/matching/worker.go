package matching

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Worker serializes matching: every book change lands on one buffered kick
// channel consumed by a single goroutine, so concurrent placements never
// run the match loop in parallel. A safety ticker re-runs the loop in case
// a kick was coalesced away while the loop was mid-flight.
type Worker struct {
	engine   *Engine
	kick     chan struct{}
	interval time.Duration
}

func NewWorker(engine *Engine, interval time.Duration) *Worker {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &Worker{
		engine:   engine,
		kick:     make(chan struct{}, 1),
		interval: interval,
	}
}

// Kick wakes the worker without blocking the caller. A kick arriving while
// one is already pending folds into it.
func (w *Worker) Kick() {
	select {
	case w.kick <- struct{}{}:
	default:
	}
}

// Start begins the matching loop
func (w *Worker) Start(ctx context.Context) {
	logger := log.With().Str("component", "matching_worker").Logger()
	logger.Info().Msg("starting matching worker")

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down matching worker")
			return
		case <-w.kick:
			w.run(ctx, logger)
		case <-ticker.C:
			w.run(ctx, logger)
		}
	}
}

func (w *Worker) run(ctx context.Context, logger zerolog.Logger) {
	if err := w.engine.MatchBook(ctx); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error().Err(err).Msg("match loop failed")
	}
}
