package matching

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/loyalex/market-api/internal/database"
	"github.com/loyalex/market-api/internal/ledger"
	"github.com/loyalex/market-api/internal/notifier"
	"github.com/loyalex/market-api/internal/orders"
	"github.com/loyalex/market-api/internal/settlement"
	"github.com/loyalex/market-api/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type testEnv struct {
	db     *gorm.DB
	orders *orders.Service
	settle *settlement.Service
	engine *Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db") + "?_busy_timeout=5000"
	db, err := database.NewDatabase(path)
	require.NoError(t, err)

	cfg := types.DefaultConfig()
	events := notifier.NewService()
	settle := settlement.NewService(db, cfg)
	return &testEnv{
		db:     db,
		orders: orders.NewService(db, cfg, events),
		settle: settle,
		engine: NewEngine(db, settle, events, cfg),
	}
}

func (e *testEnv) fund(t *testing.T, userID string, tokens int64) {
	t.Helper()
	require.NoError(t, ledger.NewDatabase(e.db).Credit(userID, tokens, "ADJ_seed"))
}

func (e *testEnv) trades(t *testing.T) []types.Trade {
	t.Helper()
	var trades []types.Trade
	require.NoError(t, e.db.Order("id ASC").Find(&trades).Error)
	return trades
}

func TestMatchBookSingleCross(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "seller", 100)

	sell, err := env.orders.PlaceOrder("seller", types.SideSell, 50, 1.00, 0)
	require.NoError(t, err)
	buy, err := env.orders.PlaceOrder("buyer", types.SideBuy, 50, 1.20, 0)
	require.NoError(t, err)

	require.NoError(t, env.engine.MatchBook(context.Background()))

	trades := env.trades(t)
	require.Len(t, trades, 1)
	assert.Equal(t, int64(50), trades[0].Amount)
	assert.InDelta(t, 1.00, trades[0].PricePerToken, 1e-9)
	assert.Equal(t, buy.OrderID, trades[0].BuyOrderID)
	assert.Equal(t, sell.OrderID, trades[0].SellOrderID)

	book, err := env.orders.GetOrderBook(10)
	require.NoError(t, err)
	assert.Empty(t, book.Bids)
	assert.Empty(t, book.Asks)
}

func TestMatchBookNoCross(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "seller", 100)

	_, err := env.orders.PlaceOrder("seller", types.SideSell, 50, 1.00, 0)
	require.NoError(t, err)
	_, err = env.orders.PlaceOrder("buyer", types.SideBuy, 50, 0.90, 0)
	require.NoError(t, err)

	require.NoError(t, env.engine.MatchBook(context.Background()))

	assert.Empty(t, env.trades(t))

	book, err := env.orders.GetOrderBook(10)
	require.NoError(t, err)
	assert.Len(t, book.Bids, 1)
	assert.Len(t, book.Asks, 1)
}

func TestMatchBookWalksAskLevels(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "seller", 100)

	cheap, err := env.orders.PlaceOrder("seller", types.SideSell, 30, 1.00, 0)
	require.NoError(t, err)
	dear, err := env.orders.PlaceOrder("seller", types.SideSell, 30, 1.10, 0)
	require.NoError(t, err)
	buy, err := env.orders.PlaceOrder("buyer", types.SideBuy, 50, 1.10, 0)
	require.NoError(t, err)

	require.NoError(t, env.engine.MatchBook(context.Background()))

	// The buy consumes the cheap ask fully, then 20 of the dearer one,
	// each leg priced at its resting ask
	trades := env.trades(t)
	require.Len(t, trades, 2)
	assert.Equal(t, int64(30), trades[0].Amount)
	assert.InDelta(t, 1.00, trades[0].PricePerToken, 1e-9)
	assert.Equal(t, int64(20), trades[1].Amount)
	assert.InDelta(t, 1.10, trades[1].PricePerToken, 1e-9)

	gotBuy, err := env.orders.GetOrder("buyer", buy.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFilled, gotBuy.Status)

	gotCheap, err := env.orders.GetOrder("seller", cheap.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusFilled, gotCheap.Status)

	gotDear, err := env.orders.GetOrder("seller", dear.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusPartiallyFilled, gotDear.Status)
	assert.Equal(t, int64(10), gotDear.Remaining())
}

func TestMatchBookTimePriorityOnTies(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "seller-1", 100)
	env.fund(t, "seller-2", 100)

	older, err := env.orders.PlaceOrder("seller-1", types.SideSell, 20, 1.00, 0)
	require.NoError(t, err)
	_, err = env.orders.PlaceOrder("seller-2", types.SideSell, 20, 1.00, 0)
	require.NoError(t, err)
	_, err = env.orders.PlaceOrder("buyer", types.SideBuy, 20, 1.00, 0)
	require.NoError(t, err)

	require.NoError(t, env.engine.MatchBook(context.Background()))

	trades := env.trades(t)
	require.Len(t, trades, 1)
	assert.Equal(t, older.OrderID, trades[0].SellOrderID)
}

func TestMatchBookOneSellTwoBuyers(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "seller", 10)

	_, err := env.orders.PlaceOrder("seller", types.SideSell, 10, 1.00, 0)
	require.NoError(t, err)
	_, err = env.orders.PlaceOrder("buyer-1", types.SideBuy, 10, 1.05, 0)
	require.NoError(t, err)
	second, err := env.orders.PlaceOrder("buyer-2", types.SideBuy, 10, 1.00, 0)
	require.NoError(t, err)

	require.NoError(t, env.engine.MatchBook(context.Background()))

	// Only one buy can win the sell; the other keeps resting
	trades := env.trades(t)
	require.Len(t, trades, 1)
	assert.Equal(t, "buyer-1", trades[0].BuyerID)

	gotSecond, err := env.orders.GetOrder("buyer-2", second.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.StatusActive, gotSecond.Status)
	assert.Equal(t, int64(0), gotSecond.FilledAmount)
}

func TestMatchBookConservesTokens(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "alice", 500)
	env.fund(t, "bob", 500)

	placements := []struct {
		user   string
		side   string
		amount int64
		price  float64
	}{
		{"alice", types.SideSell, 100, 1.00},
		{"bob", types.SideBuy, 60, 1.10},
		{"bob", types.SideSell, 40, 0.95},
		{"alice", types.SideBuy, 80, 1.00},
	}
	for _, p := range placements {
		_, err := env.orders.PlaceOrder(p.user, p.side, p.amount, p.price, 0)
		require.NoError(t, err)
	}

	require.NoError(t, env.engine.MatchBook(context.Background()))

	led := ledger.NewDatabase(env.db)
	var total int64
	for _, userID := range []string{"alice", "bob"} {
		balance, err := led.GetBalance(userID)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, balance.Available, int64(0))
		assert.GreaterOrEqual(t, balance.Locked, int64(0))
		total += balance.Available + balance.Locked
	}
	assert.Equal(t, int64(1000), total)
}

func TestMatchBookDeterministicReplay(t *testing.T) {
	run := func() []types.Trade {
		env := newTestEnv(t)
		env.fund(t, "seller", 200)

		_, err := env.orders.PlaceOrder("seller", types.SideSell, 50, 1.00, 0)
		require.NoError(t, err)
		_, err = env.orders.PlaceOrder("seller", types.SideSell, 50, 1.05, 0)
		require.NoError(t, err)
		_, err = env.orders.PlaceOrder("buyer", types.SideBuy, 70, 1.05, 0)
		require.NoError(t, err)

		require.NoError(t, env.engine.MatchBook(context.Background()))
		return env.trades(t)
	}

	first := run()
	second := run()

	require.Equal(t, len(first), len(second))
	for i := range first {
		assert.Equal(t, first[i].Amount, second[i].Amount)
		assert.InDelta(t, first[i].PricePerToken, second[i].PricePerToken, 1e-9)
		assert.Equal(t, first[i].BuyerID, second[i].BuyerID)
		assert.Equal(t, first[i].SellerID, second[i].SellerID)
	}
}

func TestMatchBookConcurrentDoubleBuy(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "seller", 10)

	_, err := env.orders.PlaceOrder("seller", types.SideSell, 10, 1.00, 0)
	require.NoError(t, err)

	// Two buyers race for the same 10 tokens
	var placeWG sync.WaitGroup
	buyOrderIDs := make([]string, 2)
	for i := 0; i < 2; i++ {
		placeWG.Add(1)
		go func(i int) {
			defer placeWG.Done()
			buy, err := env.orders.PlaceOrder(fmt.Sprintf("buyer-%d", i), types.SideBuy, 10, 1.00, 0)
			assert.NoError(t, err)
			if buy != nil {
				buyOrderIDs[i] = buy.OrderID
			}
		}(i)
	}
	placeWG.Wait()

	var matchWG sync.WaitGroup
	for i := 0; i < 2; i++ {
		matchWG.Add(1)
		go func() {
			defer matchWG.Done()
			assert.NoError(t, env.engine.MatchBook(context.Background()))
		}()
	}
	matchWG.Wait()

	// Exactly one buy wins the sell; the tokens are never sold twice
	trades := env.trades(t)
	require.Len(t, trades, 1)
	assert.Equal(t, int64(10), trades[0].Amount)

	var totalFilled int64
	for _, orderID := range buyOrderIDs {
		var order types.Order
		require.NoError(t, env.db.Where("order_id = ?", orderID).First(&order).Error)
		totalFilled += order.FilledAmount
	}
	assert.Equal(t, int64(10), totalFilled)

	led := ledger.NewDatabase(env.db)
	sellerBal, err := led.GetBalance("seller")
	require.NoError(t, err)
	assert.Equal(t, int64(0), sellerBal.Available+sellerBal.Locked)
}

// flakySettler fails a fixed number of settlement attempts before
// delegating to the real service. A nil service never recovers.
type flakySettler struct {
	real     *settlement.Service
	failures int
	calls    int
}

func (f *flakySettler) ExecuteTrade(buyOrderID, sellOrderID string) (*types.Trade, error) {
	f.calls++
	if f.calls <= f.failures || f.real == nil {
		return nil, errors.New("database table is locked")
	}
	return f.real.ExecuteTrade(buyOrderID, sellOrderID)
}

func TestMatchBookRetriesTransientSettlementFailure(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "seller", 50)

	_, err := env.orders.PlaceOrder("seller", types.SideSell, 50, 1.00, 0)
	require.NoError(t, err)
	_, err = env.orders.PlaceOrder("buyer", types.SideBuy, 50, 1.00, 0)
	require.NoError(t, err)

	stub := &flakySettler{real: env.settle, failures: 2}
	env.engine.settle = stub

	require.NoError(t, env.engine.MatchBook(context.Background()))

	trades := env.trades(t)
	require.Len(t, trades, 1)
	assert.Equal(t, int64(50), trades[0].Amount)
	assert.Equal(t, 3, stub.calls)
}

func TestMatchBookExhaustedRetriesSurfaceConflict(t *testing.T) {
	env := newTestEnv(t)
	env.fund(t, "seller", 50)

	_, err := env.orders.PlaceOrder("seller", types.SideSell, 50, 1.00, 0)
	require.NoError(t, err)
	_, err = env.orders.PlaceOrder("buyer", types.SideBuy, 50, 1.00, 0)
	require.NoError(t, err)

	stub := &flakySettler{}
	env.engine.settle = stub

	err = env.engine.MatchBook(context.Background())
	assert.ErrorIs(t, err, types.ErrConcurrencyConflict)

	// Initial attempt plus the configured retries, then give up
	assert.Equal(t, int(env.engine.attempts)+1, stub.calls)
	assert.Empty(t, env.trades(t))

	// The book is intact for the next trigger
	book, err := env.orders.GetOrderBook(10)
	require.NoError(t, err)
	assert.Len(t, book.Bids, 1)
	assert.Len(t, book.Asks, 1)
}

func TestMatchBookCancelledContext(t *testing.T) {
	env := newTestEnv(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := env.engine.MatchBook(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}
