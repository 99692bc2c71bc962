package notifier

import (
	"sync"
	"time"

	"github.com/loyalex/market-api/internal/types"
	"github.com/rs/zerolog/log"
)

type EventType string

const (
	EventOrderPlaced    EventType = "order_placed"
	EventOrderCancelled EventType = "order_cancelled"
	EventOrderExpired   EventType = "order_expired"
	EventTradeExecuted  EventType = "trade_executed"
)

// Event is pushed to subscribed clients. Delivery is at-least-once and
// best-effort; consumers deduplicate by order or trade id.
type Event struct {
	Type          EventType `json:"type"`
	OrderID       string    `json:"order_id,omitempty"`
	TradeID       string    `json:"trade_id,omitempty"`
	Side          string    `json:"side,omitempty"`
	Amount        int64     `json:"amount,omitempty"`
	PricePerToken float64   `json:"price_per_token,omitempty"`
	BuyerID       string    `json:"buyer_id,omitempty"`
	SellerID      string    `json:"seller_id,omitempty"`
	Timestamp     time.Time `json:"timestamp"`
}

// Service fans events out to subscribers. Publishing never blocks the
// engine: slow subscribers drop events.
type Service struct {
	mu          sync.RWMutex
	subscribers map[chan Event]struct{}
}

func NewService() *Service {
	return &Service{
		subscribers: make(map[chan Event]struct{}),
	}
}

// Subscribe registers a new event channel.
func (s *Service) Subscribe() chan Event {
	ch := make(chan Event, 32)
	s.mu.Lock()
	s.subscribers[ch] = struct{}{}
	s.mu.Unlock()
	return ch
}

// Unsubscribe removes a channel registered with Subscribe.
func (s *Service) Unsubscribe(ch chan Event) {
	s.mu.Lock()
	delete(s.subscribers, ch)
	s.mu.Unlock()
}

// Publish delivers the event to every subscriber without blocking.
func (s *Service) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	for ch := range s.subscribers {
		select {
		case ch <- event:
		default:
			log.Debug().
				Str("component", "notifier").
				Str("event_type", string(event.Type)).
				Msg("dropped event for slow subscriber")
		}
	}
}

// OrderPlaced publishes a placement event for the given order.
func (s *Service) OrderPlaced(order *types.Order) {
	s.Publish(Event{
		Type:          EventOrderPlaced,
		OrderID:       order.OrderID,
		Side:          order.Side,
		Amount:        order.Amount,
		PricePerToken: order.PricePerToken,
	})
}

// OrderCancelled publishes a cancellation or expiry event.
func (s *Service) OrderCancelled(order *types.Order, expired bool) {
	eventType := EventOrderCancelled
	if expired {
		eventType = EventOrderExpired
	}
	s.Publish(Event{
		Type:    eventType,
		OrderID: order.OrderID,
	})
}

// TradeExecuted publishes a settlement event.
func (s *Service) TradeExecuted(trade *types.Trade) {
	s.Publish(Event{
		Type:          EventTradeExecuted,
		TradeID:       trade.TradeID,
		Amount:        trade.Amount,
		PricePerToken: trade.PricePerToken,
		BuyerID:       trade.BuyerID,
		SellerID:      trade.SellerID,
	})
}
