package types

import "time"

// BookEntry is the public view of a resting order in the book.
type BookEntry struct {
	OrderID       string    `json:"order_id"`
	PricePerToken float64   `json:"price_per_token"`
	Remaining     int64     `json:"remaining"`
	CreatedAt     time.Time `json:"created_at"`
}

// OrderBook holds the top of book on both sides: bids by price descending,
// asks by price ascending, ties broken oldest first.
type OrderBook struct {
	Bids []BookEntry `json:"bids"`
	Asks []BookEntry `json:"asks"`
}
