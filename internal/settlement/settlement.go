package settlement

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/loyalex/market-api/internal/ledger"
	"github.com/loyalex/market-api/internal/orders"
	"github.com/loyalex/market-api/internal/types"
	"github.com/loyalex/market-api/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Service applies matched pairs to balances and order state as one atomic
// unit. Any failure rolls the whole trade back; partial application is
// never visible.
type Service struct {
	db  *gorm.DB
	cfg types.Config
}

func NewService(gormDB *gorm.DB, cfg types.Config) *Service {
	return &Service{
		db:  gormDB,
		cfg: cfg,
	}
}

// ExecuteTrade settles the cross between the given buy and sell orders.
// Both orders are re-read under row locks taken in ascending order-id
// order, so two concurrent settlements on overlapping pairs serialize
// instead of deadlocking. ErrOrderNotFillable means the book moved between
// match selection and settlement; the caller re-reads the book.
func (s *Service) ExecuteTrade(buyOrderID, sellOrderID string) (*types.Trade, error) {
	var trade *types.Trade
	err := s.db.Transaction(func(tx *gorm.DB) error {
		d := orders.NewDatabase(tx)

		first, second := buyOrderID, sellOrderID
		if second < first {
			first, second = second, first
		}
		locked := make(map[string]*types.Order, 2)
		for _, orderID := range []string{first, second} {
			order, err := d.GetForUpdate(orderID)
			if err != nil {
				return err
			}
			locked[orderID] = order
		}
		buy, sell := locked[buyOrderID], locked[sellOrderID]
		if buy.Side != types.SideBuy || sell.Side != types.SideSell {
			return types.ErrOrderNotFillable
		}

		now := time.Now()
		if !buy.Fillable(now) || !sell.Fillable(now) {
			return types.ErrOrderNotFillable
		}
		if buy.PricePerToken < sell.PricePerToken {
			return types.ErrOrderNotFillable
		}

		// Trade executes at the resting ask: the buyer never pays above
		// their limit, the seller never receives below theirs.
		amount := min(buy.Remaining(), sell.Remaining())
		if amount <= 0 {
			return types.ErrOrderNotFillable
		}
		price := sell.PricePerToken
		totalValue := float64(amount) * price
		fee := totalValue * s.cfg.FeeRate

		trade = &types.Trade{
			TradeID:       "TRD_" + uuid.New().String(),
			BuyOrderID:    buy.OrderID,
			SellOrderID:   sell.OrderID,
			BuyerID:       buy.UserID,
			SellerID:      sell.UserID,
			Amount:        amount,
			PricePerToken: price,
			TotalValue:    totalValue,
			PlatformFee:   fee,
			CreatedAt:     now,
		}

		if err := d.ApplyFill(buy, amount); err != nil {
			return err
		}
		if err := d.ApplyFill(sell, amount); err != nil {
			return err
		}

		led := ledger.NewDatabase(tx)
		if err := led.Transfer(sell.UserID, buy.UserID, amount, trade.TradeID); err != nil {
			return err
		}

		if s.cfg.BuyerCollateral {
			if err := s.settleFiat(led, trade, buy); err != nil {
				return err
			}
		}

		return tx.Create(trade).Error
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("service", "settlement").
		Str("trade_id", trade.TradeID).
		Str("buy_order_id", trade.BuyOrderID).
		Str("sell_order_id", trade.SellOrderID).
		Int64("amount", trade.Amount).
		Float64("price_per_token", trade.PricePerToken).
		Float64("platform_fee", trade.PlatformFee).
		Msg("trade settled")

	return trade, nil
}

// settleFiat consumes the buyer's fiat hold at the trade price, releases
// the price improvement against their limit, and credits the seller's
// proceeds net of the platform fee.
func (s *Service) settleFiat(led *ledger.Database, trade *types.Trade, buy *types.Order) error {
	if err := led.SpendLockedFiat(trade.BuyerID, trade.TotalValue, trade.TradeID); err != nil {
		return err
	}
	hold := float64(trade.Amount) * buy.PricePerToken
	if improvement := hold - trade.TotalValue; improvement > 0 {
		if err := led.UnlockFiat(trade.BuyerID, improvement, buy.OrderID); err != nil {
			return err
		}
	}
	proceeds := trade.TotalValue - trade.PlatformFee
	if proceeds > 0 {
		if err := led.EarnFiat(trade.SellerID, proceeds, trade.TradeID); err != nil {
			return err
		}
	}
	return nil
}

// GetUserTrades returns the trades a user took part in, newest first.
func (s *Service) GetUserTrades(userID string) ([]types.Trade, error) {
	var trades []types.Trade
	err := s.db.Where("buyer_id = ? OR seller_id = ?", userID, userID).
		Order("created_at DESC").
		Find(&trades).Error
	if err != nil {
		return nil, err
	}
	return trades, nil
}

// GinHandlers contains HTTP handlers for trade endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GetUserTradesHandler handles GET requests for the authenticated user's
// trade history
func (h *GinHandlers) GetUserTradesHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("userID")
		if userID == "" {
			response.Unauthorized(c, "Missing user ID")
			return
		}

		trades, err := h.service.GetUserTrades(userID)
		response.Handle(c, trades, err)
	}
}
