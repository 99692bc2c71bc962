package orders

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Reaper periodically expires stale orders and releases their locked
// funds. Without it, tokens behind expired sell orders would stay locked
// forever.
type Reaper struct {
	service  *Service
	interval time.Duration
}

func NewReaper(service *Service, interval time.Duration) *Reaper {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &Reaper{
		service:  service,
		interval: interval,
	}
}

// Start begins the expiry sweep loop
func (r *Reaper) Start(ctx context.Context) {
	logger := log.With().Str("component", "order_reaper").Logger()
	logger.Info().Dur("interval", r.interval).Msg("starting order reaper")

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("shutting down order reaper")
			return
		case <-ticker.C:
			expired, err := r.service.ExpireSweep(time.Now())
			if err != nil {
				logger.Error().Err(err).Msg("expiry sweep failed")
				continue
			}
			if expired > 0 {
				logger.Info().Int("expired_count", expired).Msg("expired stale orders")
			}
		}
	}
}
