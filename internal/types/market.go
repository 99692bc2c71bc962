package types

import (
	"time"

	"gorm.io/gorm"
)

// Order sides
const (
	SideBuy  = "BUY"
	SideSell = "SELL"
)

// Order statuses. CANCELLED and EXPIRED are terminal, FILLED is terminal.
const (
	StatusActive          = "ACTIVE"
	StatusPartiallyFilled = "PARTIALLY_FILLED"
	StatusFilled          = "FILLED"
	StatusCancelled       = "CANCELLED"
	StatusExpired         = "EXPIRED"
)

// Ledger transaction types, one per balance mutation
const (
	TxnLock       = "lock"
	TxnUnlock     = "unlock"
	TxnBuy        = "buy"
	TxnSell       = "sell"
	TxnEarn       = "earn"
	TxnSpend      = "spend"
	TxnFiatLock   = "fiat_lock"
	TxnFiatUnlock = "fiat_unlock"
	TxnFiatSpend  = "fiat_spend"
	TxnFiatEarn   = "fiat_earn"
)

// Order is a standing intent to buy or sell tokens at a limit price.
// Orders are never deleted; terminal statuses are kept for audit.
type Order struct {
	gorm.Model    `json:"-"`
	OrderID       string     `gorm:"uniqueIndex" json:"order_id"`
	UserID        string     `gorm:"index" json:"user_id"`
	Side          string     `json:"side"` // BUY or SELL
	Amount        int64      `json:"amount"`
	FilledAmount  int64      `json:"filled_amount"`
	PricePerToken float64    `json:"price_per_token"`
	Status        string     `gorm:"index" json:"status"`
	ExpiresAt     *time.Time `json:"expires_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Remaining returns the unfilled token amount.
func (o *Order) Remaining() int64 {
	return o.Amount - o.FilledAmount
}

// Resting reports whether the order is still eligible for fills or
// cancellation, ignoring expiry.
func (o *Order) Resting() bool {
	return o.Status == StatusActive || o.Status == StatusPartiallyFilled
}

// Expired reports whether the order's expiry time has passed.
func (o *Order) Expired(now time.Time) bool {
	return o.ExpiresAt != nil && !o.ExpiresAt.After(now)
}

// Fillable reports whether the order can take part in a trade at now.
func (o *Order) Fillable(now time.Time) bool {
	return o.Resting() && !o.Expired(now) && o.Remaining() > 0
}

// Balance holds a user's token balance split into spendable and
// order-committed amounts. The fiat columns are only mutated when
// buyer collateral is enabled.
type Balance struct {
	gorm.Model    `json:"-"`
	UserID        string  `gorm:"uniqueIndex" json:"user_id"`
	Available     int64   `json:"available"`
	Locked        int64   `json:"locked"`
	FiatAvailable float64 `json:"fiat_available"`
	FiatLocked    float64 `json:"fiat_locked"`
}

// Trade is the immutable settlement record of a matched pair.
type Trade struct {
	gorm.Model    `json:"-"`
	TradeID       string    `gorm:"uniqueIndex" json:"trade_id"`
	BuyOrderID    string    `gorm:"index" json:"buy_order_id"`
	SellOrderID   string    `gorm:"index" json:"sell_order_id"`
	BuyerID       string    `gorm:"index" json:"buyer_id"`
	SellerID      string    `gorm:"index" json:"seller_id"`
	Amount        int64     `json:"amount"`
	PricePerToken float64   `json:"price_per_token"`
	TotalValue    float64   `json:"total_value"`
	PlatformFee   float64   `json:"platform_fee"`
	CreatedAt     time.Time `json:"created_at"`
}

// Transaction is the append-only audit row written alongside every
// balance mutation.
type Transaction struct {
	gorm.Model    `json:"-"`
	TransactionID string    `gorm:"uniqueIndex" json:"transaction_id"`
	UserID        string    `gorm:"index" json:"user_id"`
	Type          string    `json:"type"`
	Amount        int64     `json:"amount"`
	FiatAmount    float64   `json:"fiat_amount"`
	ReferenceID   string    `gorm:"index" json:"reference_id"`
	CreatedAt     time.Time `json:"created_at"`
}
