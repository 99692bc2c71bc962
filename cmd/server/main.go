package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/loyalex/market-api/internal/auth"
	"github.com/loyalex/market-api/internal/database"
	"github.com/loyalex/market-api/internal/ledger"
	"github.com/loyalex/market-api/internal/matching"
	"github.com/loyalex/market-api/internal/notifier"
	"github.com/loyalex/market-api/internal/orders"
	"github.com/loyalex/market-api/internal/settlement"
	"github.com/loyalex/market-api/internal/types"
	"github.com/loyalex/market-api/pkg/middleware"

	"github.com/gin-gonic/gin"
)

// init configures the application logging based on environment settings
// In development mode, it enables pretty printing with timestamps
// Debug logging can be enabled via DEBUG environment variable
func init() {
	// Configure pretty logging for development
	if os.Getenv("ENV") != "production" {
		output := zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
		zlog.Logger = zerolog.New(output).With().Timestamp().Logger()
	}

	// Set global log level
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}
}

// loadConfig builds the engine configuration from environment variables,
// falling back to the defaults for anything unset.
func loadConfig() types.Config {
	cfg := types.DefaultConfig()

	if raw := os.Getenv("FEE_RATE"); raw != "" {
		if feeRate, err := strconv.ParseFloat(raw, 64); err == nil && feeRate >= 0 {
			cfg.FeeRate = feeRate
		}
	}
	if os.Getenv("BUYER_COLLATERAL") == "true" {
		cfg.BuyerCollateral = true
	}
	if raw := os.Getenv("REAPER_INTERVAL_SECONDS"); raw != "" {
		if seconds, err := strconv.Atoi(raw); err == nil && seconds > 0 {
			cfg.ReaperInterval = time.Duration(seconds) * time.Second
		}
	}

	return cfg
}

// main initializes and runs the token marketplace API server with
// graceful shutdown support
func main() {
	cfg := loadConfig()

	dbPath := os.Getenv("DATABASE_PATH")
	if dbPath == "" {
		dbPath = "market.db?_busy_timeout=5000"
	}
	db, err := database.NewDatabase(dbPath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	jwtSecret := os.Getenv("JWT_SECRET")
	if jwtSecret == "" {
		jwtSecret = "market-secret-key"
	}

	// Initialize router
	router := gin.Default()

	// Initialize services and handlers
	authService := auth.NewService(jwtSecret)
	authHandlers := auth.NewGinHandlers(authService)
	// Register test credentials with trading access; the funding credential
	// for the internal interface comes from the environment
	authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret, auth.PermissionTrade)
	if internalKey := os.Getenv("INTERNAL_API_KEY"); internalKey != "" {
		authService.RegisterAPICredentials(internalKey, os.Getenv("INTERNAL_API_SECRET"), auth.PermissionFund)
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

	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()

	go worker.Start(workerCtx)
	go reaper.Start(workerCtx)

	// Setup middleware
	router.Use(middleware.RateLimit())

	// Setup API routes
	setupRoutes(router, jwtSecret, authHandlers, orderHandlers, ledgerHandlers, settlementHandlers, notifierHandlers)

	// Get port from env otherwise it's 8080
	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Create server
	srv := &http.Server{
		Addr:    ":" + port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	// Stop background workers, then give outstanding requests 5 seconds
	workerCancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zlog.Fatal().Err(err).Msg("Server forced to shutdown")
	}

	zlog.Info().Msg("Server exiting")
}

// setupRoutes configures all API endpoints and their handlers
// It groups routes by functionality and applies appropriate middleware:
// - Auth routes: Public endpoints for authentication
// - Market routes: Public order book
// - Order/balance/trade routes: Protected by JWT authentication
// - Internal routes: Protected by internal network authentication
func setupRoutes(
	router *gin.Engine,
	jwtSecret string,
	authHandlers *auth.GinHandlers,
	orderHandlers *orders.GinHandlers,
	ledgerHandlers *ledger.GinHandlers,
	settlementHandlers *settlement.GinHandlers,
	notifierHandlers *notifier.GinHandlers,
) {
	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authGroup := v1.Group("/auth")
		{
			authGroup.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Public market data
		v1.GET("/orderbook", orderHandlers.GetOrderBookHandler())

		// Authenticated routes; order mutations additionally need the
		// trading scope
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

		// Internal routes (should be protected by internal network)
		internal := v1.Group("/internal")
		internal.Use(middleware.InternalAuth(jwtSecret))
		{
			internal.POST("/credit", ledgerHandlers.CreditHandler())
		}
	}
}
