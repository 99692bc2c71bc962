package orders

import (
	"errors"
	"time"

	"github.com/loyalex/market-api/internal/types"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var restingStatuses = []string{types.StatusActive, types.StatusPartiallyFilled}

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

func (d *Database) Create(order *types.Order) error {
	return d.db.Create(order).Error
}

func (d *Database) GetByOrderID(orderID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrNotFound
		}
		return nil, err
	}
	return &order, nil
}

// GetForUpdate loads an order under a row lock for mutation inside the
// caller's transaction.
func (d *Database) GetForUpdate(orderID string) (*types.Order, error) {
	var order types.Order
	err := d.db.Clauses(clause.Locking{Strength: "UPDATE"}).
		Where("order_id = ?", orderID).
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, types.ErrNotFound
		}
		return nil, err
	}
	return &order, nil
}

// ApplyFill increments the order's filled amount and recomputes its status.
// The order must already be locked by the caller's transaction. Fills are
// rejected once the order is terminal or would over-fill.
func (d *Database) ApplyFill(order *types.Order, fill int64) error {
	if fill <= 0 {
		return types.ErrInvalidArgument
	}
	if !order.Resting() {
		return types.ErrOrderNotFillable
	}
	if order.FilledAmount+fill > order.Amount {
		return types.ErrOrderNotFillable
	}

	order.FilledAmount += fill
	if order.FilledAmount == order.Amount {
		order.Status = types.StatusFilled
	} else {
		order.Status = types.StatusPartiallyFilled
	}
	order.UpdatedAt = time.Now()

	return d.db.Model(&types.Order{}).
		Where("order_id = ?", order.OrderID).
		Updates(map[string]interface{}{
			"filled_amount": order.FilledAmount,
			"status":        order.Status,
			"updated_at":    order.UpdatedAt,
		}).Error
}

// UpdateStatus transitions an order to a terminal lifecycle state.
func (d *Database) UpdateStatus(order *types.Order, status string) error {
	order.Status = status
	order.UpdatedAt = time.Now()
	return d.db.Model(&types.Order{}).
		Where("order_id = ?", order.OrderID).
		Updates(map[string]interface{}{
			"status":     order.Status,
			"updated_at": order.UpdatedAt,
		}).Error
}

// resting scopes a query to orders still eligible to match at now.
func (d *Database) resting(side string, now time.Time) *gorm.DB {
	return d.db.Model(&types.Order{}).
		Where("side = ? AND status IN ?", side, restingStatuses).
		Where("filled_amount < amount").
		Where("expires_at IS NULL OR expires_at > ?", now)
}

// BestBid returns the highest-priced resting buy order, oldest first on
// ties, or nil when the bid side is empty.
func (d *Database) BestBid(now time.Time) (*types.Order, error) {
	var order types.Order
	err := d.resting(types.SideBuy, now).
		Order("price_per_token DESC, created_at ASC, id ASC").
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// BestAsk returns the lowest-priced resting sell order, oldest first on
// ties, or nil when the ask side is empty.
func (d *Database) BestAsk(now time.Time) (*types.Order, error) {
	var order types.Order
	err := d.resting(types.SideSell, now).
		Order("price_per_token ASC, created_at ASC, id ASC").
		First(&order).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// OrderBook returns the top depth resting orders per side in price-time
// priority. Expired orders are excluded even before the reaper sweeps them.
func (d *Database) OrderBook(depth int, now time.Time) (*types.OrderBook, error) {
	var bids, asks []types.Order
	if err := d.resting(types.SideBuy, now).
		Order("price_per_token DESC, created_at ASC, id ASC").
		Limit(depth).
		Find(&bids).Error; err != nil {
		return nil, err
	}
	if err := d.resting(types.SideSell, now).
		Order("price_per_token ASC, created_at ASC, id ASC").
		Limit(depth).
		Find(&asks).Error; err != nil {
		return nil, err
	}

	book := &types.OrderBook{
		Bids: make([]types.BookEntry, 0, len(bids)),
		Asks: make([]types.BookEntry, 0, len(asks)),
	}
	for i := range bids {
		book.Bids = append(book.Bids, bookEntry(&bids[i]))
	}
	for i := range asks {
		book.Asks = append(book.Asks, bookEntry(&asks[i]))
	}
	return book, nil
}

func bookEntry(order *types.Order) types.BookEntry {
	return types.BookEntry{
		OrderID:       order.OrderID,
		PricePerToken: order.PricePerToken,
		Remaining:     order.Remaining(),
		CreatedAt:     order.CreatedAt,
	}
}

// UserOrders returns a user's orders, optionally filtered by status,
// newest first.
func (d *Database) UserOrders(userID, status string) ([]types.Order, error) {
	query := d.db.Where("user_id = ?", userID)
	if status != "" {
		query = query.Where("status = ?", status)
	}
	var orders []types.Order
	if err := query.Order("created_at DESC").Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

// ExpiryCandidates returns the ids of live orders whose expiry has passed.
func (d *Database) ExpiryCandidates(now time.Time) ([]string, error) {
	var orderIDs []string
	err := d.db.Model(&types.Order{}).
		Where("status IN ? AND expires_at IS NOT NULL AND expires_at <= ?", restingStatuses, now).
		Pluck("order_id", &orderIDs).Error
	if err != nil {
		return nil, err
	}
	return orderIDs, nil
}
