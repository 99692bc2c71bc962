package matching

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/loyalex/market-api/internal/notifier"
	"github.com/loyalex/market-api/internal/orders"
	"github.com/loyalex/market-api/internal/settlement"
	"github.com/loyalex/market-api/internal/types"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// settler applies one matched pair atomically.
type settler interface {
	ExecuteTrade(buyOrderID, sellOrderID string) (*types.Trade, error)
}

// Engine runs the continuous double auction: best resting bid against best
// resting ask, price-time priority, trading at the resting ask until no
// cross remains. Given an identical sequence of placements and
// cancellations it produces an identical sequence of trades.
type Engine struct {
	orders   *orders.Database
	settle   settler
	events   *notifier.Service
	attempts uint64
}

func NewEngine(gormDB *gorm.DB, settle *settlement.Service, events *notifier.Service, cfg types.Config) *Engine {
	attempts := cfg.SettlementAttempts
	if attempts == 0 {
		attempts = 3
	}
	return &Engine{
		orders:   orders.NewDatabase(gormDB),
		settle:   settle,
		events:   events,
		attempts: attempts,
	}
}

// MatchBook pairs crossing orders until the spread opens or a side
// empties. A settlement that loses a race re-reads the book and carries
// on; a persistent failure stops the loop, which resumes on the next
// trigger with the book intact.
func (e *Engine) MatchBook(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		now := time.Now()
		bid, err := e.orders.BestBid(now)
		if err != nil {
			return err
		}
		ask, err := e.orders.BestAsk(now)
		if err != nil {
			return err
		}
		if bid == nil || ask == nil || bid.PricePerToken < ask.PricePerToken {
			return nil
		}

		trade, err := e.settleWithRetry(ctx, bid.OrderID, ask.OrderID)
		if errors.Is(err, types.ErrOrderNotFillable) {
			// Lost a race against a concurrent fill, cancel or expiry;
			// the re-read picks up the updated book.
			continue
		}
		if err != nil {
			log.Error().
				Err(err).
				Str("component", "matching_engine").
				Str("buy_order_id", bid.OrderID).
				Str("sell_order_id", ask.OrderID).
				Msg("settlement failed, stopping match loop")
			return err
		}

		e.events.TradeExecuted(trade)
	}
}

// settleWithRetry retries transient storage failures with exponential
// backoff before giving up. ErrOrderNotFillable is not transient and
// passes through immediately.
func (e *Engine) settleWithRetry(ctx context.Context, buyOrderID, sellOrderID string) (*types.Trade, error) {
	var trade *types.Trade
	operation := func() error {
		t, err := e.settle.ExecuteTrade(buyOrderID, sellOrderID)
		if err != nil {
			if errors.Is(err, types.ErrOrderNotFillable) {
				return backoff.Permanent(err)
			}
			return err
		}
		trade = t
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 20 * time.Millisecond
	policy.MaxInterval = 250 * time.Millisecond

	err := backoff.Retry(operation, backoff.WithContext(backoff.WithMaxRetries(policy, e.attempts), ctx))
	if err != nil {
		if errors.Is(err, types.ErrOrderNotFillable) || errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", types.ErrConcurrencyConflict, err)
	}
	return trade, nil
}
