package orders

import (
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/loyalex/market-api/internal/ledger"
	"github.com/loyalex/market-api/internal/notifier"
	"github.com/loyalex/market-api/internal/types"
	"github.com/loyalex/market-api/pkg/response"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// MatchTrigger wakes the matching worker after the book changes.
type MatchTrigger interface {
	Kick()
}

// Service is the order lifecycle manager: placement, cancellation, expiry
// and book queries. All balance effects run in the same transaction as the
// order mutation they belong to.
type Service struct {
	db      *gorm.DB
	cfg     types.Config
	events  *notifier.Service
	matcher MatchTrigger
}

func NewService(gormDB *gorm.DB, cfg types.Config, events *notifier.Service) *Service {
	return &Service{
		db:     gormDB,
		cfg:    cfg,
		events: events,
	}
}

// SetMatchTrigger wires the matching worker in after construction; the
// worker itself depends on this service's storage.
func (s *Service) SetMatchTrigger(matcher MatchTrigger) {
	s.matcher = matcher
}

func (s *Service) kick() {
	if s.matcher != nil {
		s.matcher.Kick()
	}
}

// PlaceOrder validates and persists a new order. Sell orders lock the
// offered tokens before the order becomes visible in the book; if the lock
// fails nothing is persisted. With buyer collateral enabled, buy orders
// hold amount x limit price in fiat the same way.
func (s *Service) PlaceOrder(userID, side string, amount int64, pricePerToken float64, expiresIn time.Duration) (*types.Order, error) {
	side = strings.ToUpper(side)
	if side != types.SideBuy && side != types.SideSell {
		return nil, types.ErrInvalidArgument
	}
	if amount <= 0 || pricePerToken <= 0 {
		return nil, types.ErrInvalidArgument
	}

	now := time.Now()
	order := &types.Order{
		OrderID:       "ORD_" + uuid.New().String(),
		UserID:        userID,
		Side:          side,
		Amount:        amount,
		PricePerToken: pricePerToken,
		Status:        types.StatusActive,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if expiresIn > 0 {
		expiresAt := now.Add(expiresIn)
		order.ExpiresAt = &expiresAt
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		led := ledger.NewDatabase(tx)
		if side == types.SideSell {
			if err := led.Lock(userID, amount, order.OrderID); err != nil {
				return err
			}
		} else if s.cfg.BuyerCollateral {
			if err := led.LockFiat(userID, float64(amount)*pricePerToken, order.OrderID); err != nil {
				return err
			}
		}
		return NewDatabase(tx).Create(order)
	})
	if err != nil {
		return nil, err
	}

	log.Info().
		Str("service", "orders").
		Str("order_id", order.OrderID).
		Str("user_id", userID).
		Str("side", side).
		Int64("amount", amount).
		Float64("price_per_token", pricePerToken).
		Msg("order placed")

	s.events.OrderPlaced(order)
	s.kick()
	return order, nil
}

// CancelOrder cancels a live order owned by userID and releases the
// unfilled remainder of its hold. Terminal orders are not cancellable.
func (s *Service) CancelOrder(userID, orderID string) error {
	var cancelled *types.Order
	err := s.db.Transaction(func(tx *gorm.DB) error {
		d := NewDatabase(tx)
		order, err := d.GetForUpdate(orderID)
		if err != nil {
			return err
		}
		if order.UserID != userID {
			return types.ErrNotFound
		}
		if !order.Resting() {
			return types.ErrNotCancellable
		}

		if err := s.releaseRemainder(tx, order); err != nil {
			return err
		}
		if err := d.UpdateStatus(order, types.StatusCancelled); err != nil {
			return err
		}
		cancelled = order
		return nil
	})
	if err != nil {
		return err
	}

	log.Info().
		Str("service", "orders").
		Str("order_id", orderID).
		Str("user_id", userID).
		Msg("order cancelled")

	s.events.OrderCancelled(cancelled, false)
	return nil
}

// releaseRemainder returns the unfilled part of an order's hold to its
// owner: locked tokens for sells, the fiat hold for collateralized buys.
func (s *Service) releaseRemainder(tx *gorm.DB, order *types.Order) error {
	remaining := order.Remaining()
	if remaining <= 0 {
		return nil
	}
	led := ledger.NewDatabase(tx)
	if order.Side == types.SideSell {
		return led.Unlock(order.UserID, remaining, order.OrderID)
	}
	if s.cfg.BuyerCollateral {
		return led.UnlockFiat(order.UserID, float64(remaining)*order.PricePerToken, order.OrderID)
	}
	return nil
}

// ExpireSweep transitions every live order whose expiry has passed to
// EXPIRED and releases its hold, one transaction per order. Re-running on
// an already-expired order is a no-op, so the sweep is idempotent and safe
// to run next to live matching.
func (s *Service) ExpireSweep(now time.Time) (int, error) {
	orderIDs, err := NewDatabase(s.db).ExpiryCandidates(now)
	if err != nil {
		return 0, err
	}

	expired := 0
	for _, orderID := range orderIDs {
		var swept *types.Order
		err := s.db.Transaction(func(tx *gorm.DB) error {
			d := NewDatabase(tx)
			order, err := d.GetForUpdate(orderID)
			if err != nil {
				return err
			}
			// Re-check under the lock: a concurrent cancel or fill may
			// have won the race since the candidate scan.
			if !order.Resting() || !order.Expired(now) {
				return nil
			}
			if err := s.releaseRemainder(tx, order); err != nil {
				return err
			}
			if err := d.UpdateStatus(order, types.StatusExpired); err != nil {
				return err
			}
			swept = order
			return nil
		})
		if err != nil {
			log.Error().
				Err(err).
				Str("service", "orders").
				Str("order_id", orderID).
				Msg("failed to expire order")
			continue
		}
		if swept != nil {
			expired++
			s.events.OrderCancelled(swept, true)
		}
	}
	return expired, nil
}

// GetOrderBook returns the top depth of each side of the book.
func (s *Service) GetOrderBook(depth int) (*types.OrderBook, error) {
	if depth <= 0 {
		depth = 10
	}
	return NewDatabase(s.db).OrderBook(depth, time.Now())
}

// GetUserOrders returns a user's orders, optionally filtered by status.
func (s *Service) GetUserOrders(userID, status string) ([]types.Order, error) {
	if status != "" {
		status = strings.ToUpper(status)
	}
	return NewDatabase(s.db).UserOrders(userID, status)
}

// GetOrder returns an order owned by userID.
func (s *Service) GetOrder(userID, orderID string) (*types.Order, error) {
	order, err := NewDatabase(s.db).GetByOrderID(orderID)
	if err != nil {
		return nil, err
	}
	if order.UserID != userID {
		return nil, types.ErrNotFound
	}
	return order, nil
}

// GinHandlers contains HTTP handlers for order endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// PlaceOrderHandler handles POST requests to place new orders
func (h *GinHandlers) PlaceOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("userID")
		if userID == "" {
			response.Unauthorized(c, "Missing user ID")
			return
		}

		var request struct {
			Side             string  `json:"side" binding:"required"`
			Amount           int64   `json:"amount"`
			PricePerToken    float64 `json:"price_per_token"`
			ExpiresInSeconds int64   `json:"expires_in_seconds"`
		}
		if err := c.ShouldBindJSON(&request); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		order, err := h.service.PlaceOrder(
			userID,
			request.Side,
			request.Amount,
			request.PricePerToken,
			time.Duration(request.ExpiresInSeconds)*time.Second,
		)
		response.Handle(c, order, err)
	}
}

// CancelOrderHandler handles DELETE requests to cancel orders
// URL parameter: order_id
func (h *GinHandlers) CancelOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("userID")
		if userID == "" {
			response.Unauthorized(c, "Missing user ID")
			return
		}

		orderID := c.Param("order_id")
		if err := h.service.CancelOrder(userID, orderID); err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Success(c, gin.H{"order_id": orderID, "status": types.StatusCancelled})
	}
}

// GetUserOrdersHandler handles GET requests for the authenticated user's
// orders, with an optional ?status= filter
func (h *GinHandlers) GetUserOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("userID")
		if userID == "" {
			response.Unauthorized(c, "Missing user ID")
			return
		}

		orders, err := h.service.GetUserOrders(userID, c.Query("status"))
		response.Handle(c, orders, err)
	}
}

// GetOrderBookHandler handles GET requests for the public order book
// Query parameter: depth (default 10)
func (h *GinHandlers) GetOrderBookHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		depth := 10
		if raw := c.Query("depth"); raw != "" {
			parsed, err := strconv.Atoi(raw)
			if err != nil || parsed <= 0 {
				response.BadRequest(c, "depth must be a positive integer")
				return
			}
			depth = parsed
		}

		book, err := h.service.GetOrderBook(depth)
		response.Handle(c, book, err)
	}
}
