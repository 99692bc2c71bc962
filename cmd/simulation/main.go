package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/loyalex/market-api/internal/auth"
	"github.com/loyalex/market-api/internal/database"
	"github.com/loyalex/market-api/internal/ledger"
	"github.com/loyalex/market-api/internal/matching"
	"github.com/loyalex/market-api/internal/notifier"
	"github.com/loyalex/market-api/internal/orders"
	"github.com/loyalex/market-api/internal/settlement"
	"github.com/loyalex/market-api/internal/types"
	"github.com/loyalex/market-api/pkg/middleware"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	minOrders     = 20
	maxOrders     = 120
	numWorkers    = 5
	serverAddress = "http://localhost:8080"
	jwtSecret     = "simulation-secret"

	initialTokens = int64(10_000)
	initialFiat   = 1_000_000.0

	funderAPIKey    = "sim-funder"
	funderAPISecret = "sim-funder-secret"
	traderAPISecret = "sim-trader-secret"
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	// Configure pretty logging
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	mu         sync.Mutex
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
}

func (rs *routeStats) addFailure() {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.failures++
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile, and 99th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()

	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	// Sort durations for percentile calculations
	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	// Calculate mean
	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))

	// Calculate median
	median = rs.durations[len(rs.durations)/2]

	// Calculate percentiles
	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]

	return
}

// envelope mirrors the API response wrapper
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
}

// simulationClient handles HTTP communication with the marketplace API
type simulationClient struct {
	baseURL string
	client  *http.Client
	stats   map[string]*routeStats
}

// newSimulationClient creates and initializes a new simulation client
func newSimulationClient() *simulationClient {
	// Create HTTP client with timeout
	client := &http.Client{
		Timeout: 10 * time.Second,
	}

	return &simulationClient{
		baseURL: serverAddress,
		client:  client,
		stats: map[string]*routeStats{
			"auth":    {name: "Authentication"},
			"credit":  {name: "Fund Balance"},
			"place":   {name: "Place Order"},
			"cancel":  {name: "Cancel Order"},
			"book":    {name: "Order Book"},
			"trades":  {name: "Get Trades"},
			"balance": {name: "Get Balance"},
		},
	}
}

// do sends an authenticated JSON request and decodes the response data
// into out (when out is non-nil)
func (sc *simulationClient) do(method, path, token string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(raw)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, body)
	if err != nil {
		return err
	}
	if token != "" {
		req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		raw, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode, string(raw))
	}

	if out == nil {
		return nil
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return err
	}
	return json.Unmarshal(env.Data, out)
}

// authenticate performs API authentication and returns a JWT token
func (sc *simulationClient) authenticate(apiKey, apiSecret string) (string, error) {
	start := time.Now()
	defer func() {
		sc.stats["auth"].addDuration(time.Since(start))
	}()

	var result struct {
		Token string `json:"jwt_token"`
	}
	credentials := map[string]string{
		"api_key":    apiKey,
		"api_secret": apiSecret,
	}
	if err := sc.do("POST", "/api/v1/auth/token", "", credentials, &result); err != nil {
		sc.stats["auth"].addFailure()
		return "", err
	}
	return result.Token, nil
}

// fundUser credits a user's token and fiat balances via the internal interface
func (sc *simulationClient) fundUser(funderToken, userID string, amount int64, fiatAmount float64) error {
	start := time.Now()
	defer func() {
		sc.stats["credit"].addDuration(time.Since(start))
	}()

	payload := map[string]interface{}{
		"user_id":     userID,
		"amount":      amount,
		"fiat_amount": fiatAmount,
	}
	if err := sc.do("POST", "/api/v1/internal/credit", funderToken, payload, nil); err != nil {
		sc.stats["credit"].addFailure()
		return err
	}
	return nil
}

// placeOrder submits a new order and returns it
func (sc *simulationClient) placeOrder(token, side string, amount int64, price float64, expiresIn int64) (*types.Order, error) {
	start := time.Now()
	defer func() {
		sc.stats["place"].addDuration(time.Since(start))
	}()

	payload := map[string]interface{}{
		"side":               side,
		"amount":             amount,
		"price_per_token":    price,
		"expires_in_seconds": expiresIn,
	}
	var order types.Order
	if err := sc.do("POST", "/api/v1/orders", token, payload, &order); err != nil {
		sc.stats["place"].addFailure()
		return nil, err
	}
	return &order, nil
}

// cancelOrder cancels an open order
func (sc *simulationClient) cancelOrder(token, orderID string) error {
	start := time.Now()
	defer func() {
		sc.stats["cancel"].addDuration(time.Since(start))
	}()

	if err := sc.do("DELETE", "/api/v1/orders/"+orderID, token, nil, nil); err != nil {
		sc.stats["cancel"].addFailure()
		return err
	}
	return nil
}

// getOrderBook fetches the public order book
func (sc *simulationClient) getOrderBook(depth int) (*types.OrderBook, error) {
	start := time.Now()
	defer func() {
		sc.stats["book"].addDuration(time.Since(start))
	}()

	var book types.OrderBook
	if err := sc.do("GET", fmt.Sprintf("/api/v1/orderbook?depth=%d", depth), "", nil, &book); err != nil {
		sc.stats["book"].addFailure()
		return nil, err
	}
	return &book, nil
}

// getTrades fetches the authenticated user's trades
func (sc *simulationClient) getTrades(token string) ([]types.Trade, error) {
	start := time.Now()
	defer func() {
		sc.stats["trades"].addDuration(time.Since(start))
	}()

	var trades []types.Trade
	if err := sc.do("GET", "/api/v1/trades", token, nil, &trades); err != nil {
		sc.stats["trades"].addFailure()
		return nil, err
	}
	return trades, nil
}

// getBalance fetches the authenticated user's balance
func (sc *simulationClient) getBalance(token string) (*types.Balance, error) {
	start := time.Now()
	defer func() {
		sc.stats["balance"].addDuration(time.Since(start))
	}()

	var balance types.Balance
	if err := sc.do("GET", "/api/v1/balance", token, nil, &balance); err != nil {
		sc.stats["balance"].addFailure()
		return nil, err
	}
	return &balance, nil
}

func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\n📊 API Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, stats := range sc.stats {
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// workerResult aggregates per-worker placement counters
type workerResult struct {
	placed    int
	cancelled int
	failed    int
	buys      int
	sells     int
}

// main runs the marketplace simulation
// It starts a local API server and simulates multiple concurrent traders
func main() {
	// Start the server in a goroutine
	go func() {
		if err := startServer(); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for server to start
	time.Sleep(2 * time.Second)

	simClient := newSimulationClient()

	funderToken, err := simClient.authenticate(funderAPIKey, funderAPISecret)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to authenticate funder")
	}

	// Authenticate and fund one trader per worker
	tokens := make([]string, numWorkers)
	for i := 0; i < numWorkers; i++ {
		userID := traderAPIKey(i)
		token, err := simClient.authenticate(userID, traderAPISecret)
		if err != nil {
			log.Fatal().Err(err).Str("user_id", userID).Msg("Failed to authenticate trader")
		}
		tokens[i] = token

		if err := simClient.fundUser(funderToken, userID, initialTokens, initialFiat); err != nil {
			log.Fatal().Err(err).Str("user_id", userID).Msg("Failed to fund trader")
		}
		log.Info().
			Str("user_id", userID).
			Int64("tokens", initialTokens).
			Float64("fiat", initialFiat).
			Msg("Trader funded")
	}

	targetOrders := rand.Intn(maxOrders-minOrders) + minOrders
	log.Info().Int("target_orders", targetOrders).Msg("Starting simulation")

	startTime := time.Now()
	results := make([]workerResult, numWorkers)
	var wg sync.WaitGroup

	// Start trader goroutines
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			results[workerID] = runTrader(workerID, targetOrders/numWorkers, tokens[workerID], simClient)
		}(i)
	}

	wg.Wait()

	// Give the matching worker a moment to drain the book
	time.Sleep(2 * time.Second)

	var totals workerResult
	for _, r := range results {
		totals.placed += r.placed
		totals.cancelled += r.cancelled
		totals.failed += r.failed
		totals.buys += r.buys
		totals.sells += r.sells
	}

	// Collect trades across all traders, deduplicated by trade ID since
	// both counterparties report the same trade
	seenTrades := make(map[string]types.Trade)
	for i, token := range tokens {
		trades, err := simClient.getTrades(token)
		if err != nil {
			log.Error().Err(err).Str("user_id", traderAPIKey(i)).Msg("Failed to fetch trades")
			continue
		}
		for _, trade := range trades {
			seenTrades[trade.TradeID] = trade
		}

		balance, err := simClient.getBalance(token)
		if err != nil {
			log.Error().Err(err).Str("user_id", traderAPIKey(i)).Msg("Failed to fetch balance")
			continue
		}
		log.Info().
			Str("user_id", traderAPIKey(i)).
			Int64("available", balance.Available).
			Int64("locked", balance.Locked).
			Msg("Final balance")
	}

	var totalValue, totalFees float64
	var totalTokensTraded int64
	for _, trade := range seenTrades {
		totalValue += trade.TotalValue
		totalFees += trade.PlatformFee
		totalTokensTraded += trade.Amount
	}

	book, err := simClient.getOrderBook(10)
	if err != nil {
		log.Error().Err(err).Msg("Failed to fetch final order book")
		book = &types.OrderBook{}
	}

	// Print summary
	duration := time.Since(startTime)
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("🚀 MARKETPLACE SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf(`
📊 Order Statistics
------------------
Orders Placed:    %d
Buy Orders:       %d
Sell Orders:      %d
Cancelled:        %d
Failed:           %d
Trades Executed:  %d
Tokens Traded:    %d
Total Value:      $%.2f
Platform Fees:    $%.2f
Duration:         %v

📈 Resting Book
--------------
Bids: %d   Asks: %d
`, totals.placed, totals.buys, totals.sells, totals.cancelled, totals.failed,
		len(seenTrades), totalTokensTraded, totalValue, totalFees,
		duration.Round(time.Millisecond), len(book.Bids), len(book.Asks))

	fmt.Println("\n" + strings.Repeat("=", 80))

	log.Info().
		Int("orders_placed", totals.placed).
		Int("trades_executed", len(seenTrades)).
		Float64("total_value", totalValue).
		Dur("duration", duration).
		Msg("Simulation completed")

	simClient.printPerformanceStats()
}

func traderAPIKey(workerID int) string {
	return fmt.Sprintf("sim-trader-%d", workerID)
}

// runTrader generates and submits random orders for one trader
// Roughly one in ten placed orders is immediately cancelled
func runTrader(workerID, numOrders int, token string, simClient *simulationClient) workerResult {
	var result workerResult
	for i := 0; i < numOrders; i++ {
		side := types.SideBuy
		if rand.Intn(2) == 0 {
			side = types.SideSell
		}
		amount := int64(rand.Intn(50) + 1)
		// Prices cluster around $1.00 so the two sides cross often
		price := math.Round((0.80+rand.Float64()*0.40)*100) / 100

		// A slice of orders carries a short expiry to exercise the reaper
		var expiresIn int64
		if rand.Intn(10) == 0 {
			expiresIn = 3
		}

		order, err := simClient.placeOrder(token, side, amount, price, expiresIn)
		if err != nil {
			log.Error().Err(err).
				Int("worker_id", workerID).
				Str("side", side).
				Msg("Failed to place order")
			result.failed++
			continue
		}

		result.placed++
		if side == types.SideBuy {
			result.buys++
		} else {
			result.sells++
		}

		log.Info().
			Int("worker_id", workerID).
			Str("order_id", order.OrderID).
			Str("side", order.Side).
			Int64("amount", order.Amount).
			Float64("price", order.PricePerToken).
			Msg("Order placed")

		if rand.Intn(10) == 0 {
			if err := simClient.cancelOrder(token, order.OrderID); err == nil {
				result.cancelled++
				log.Info().
					Int("worker_id", workerID).
					Str("order_id", order.OrderID).
					Msg("Order cancelled")
			}
		}

		// Random sleep between orders
		time.Sleep(time.Duration(rand.Intn(300)) * time.Millisecond)
	}
	return result
}

// startServer boots an in-process API server backed by a throwaway database
func startServer() error {
	gin.SetMode(gin.ReleaseMode)

	dbPath := filepath.Join(os.TempDir(), fmt.Sprintf("market-sim-%d.db", time.Now().UnixNano()))
	db, err := database.NewDatabase(dbPath + "?_busy_timeout=5000")
	if err != nil {
		return err
	}

	cfg := types.DefaultConfig()
	cfg.ReaperInterval = 1 * time.Second

	authService := auth.NewService(jwtSecret)
	authHandlers := auth.NewGinHandlers(authService)
	authService.RegisterAPICredentials(funderAPIKey, funderAPISecret, auth.PermissionFund)
	for i := 0; i < numWorkers; i++ {
		authService.RegisterAPICredentials(traderAPIKey(i), traderAPISecret, auth.PermissionTrade)
	}

	events := notifier.NewService()
	notifierHandlers := notifier.NewGinHandlers(events)

	ledgerService := ledger.NewService(db)
	ledgerHandlers := ledger.NewGinHandlers(ledgerService)

	orderService := orders.NewService(db, cfg, events)
	orderHandlers := orders.NewGinHandlers(orderService)

	settlementService := settlement.NewService(db, cfg)
	settlementHandlers := settlement.NewGinHandlers(settlementService)

	engine := matching.NewEngine(db, settlementService, events, cfg)
	worker := matching.NewWorker(engine, 0)
	orderService.SetMatchTrigger(worker)

	reaper := orders.NewReaper(orderService, cfg.ReaperInterval)

	go worker.Start(context.Background())
	go reaper.Start(context.Background())

	router := gin.Default()

	v1 := router.Group("/api/v1")
	{
		v1.POST("/auth/token", authHandlers.GenerateTokenHandler())
		v1.GET("/orderbook", orderHandlers.GetOrderBookHandler())

		authed := v1.Group("")
		authed.Use(middleware.JWTAuth(jwtSecret))
		{
			trading := middleware.RequirePermission(auth.PermissionTrade)
			authed.POST("/orders", trading, orderHandlers.PlaceOrderHandler())
			authed.DELETE("/orders/:order_id", trading, orderHandlers.CancelOrderHandler())
			authed.GET("/orders", orderHandlers.GetUserOrdersHandler())
			authed.GET("/trades", settlementHandlers.GetUserTradesHandler())
			authed.GET("/balance", ledgerHandlers.GetBalanceHandler())
			authed.GET("/transactions", ledgerHandlers.GetTransactionsHandler())
			authed.GET("/stream", notifierHandlers.StreamHandler())
		}

		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(jwtSecret))
		{
			internal.POST("/credit", ledgerHandlers.CreditHandler())
		}
	}

	return router.Run(":8080")
}
