package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"

	"github.com/ksred/interclear/internal/atomicop"
	"github.com/ksred/interclear/internal/auth"
	"github.com/ksred/interclear/internal/clearing"
	"github.com/ksred/interclear/internal/config"
	"github.com/ksred/interclear/internal/database"
	"github.com/ksred/interclear/internal/events"
	"github.com/ksred/interclear/internal/gateway"
	"github.com/ksred/interclear/internal/ledger"
	"github.com/ksred/interclear/internal/obligations"
	"github.com/ksred/interclear/internal/reconciliation"
	"github.com/ksred/interclear/internal/settlement"
	"github.com/ksred/interclear/internal/stream"
	"github.com/ksred/interclear/pkg/middleware"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
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

// windowGate breaks the construction cycle between the settlement
// executor and the window manager: the executor needs a window state
// check before the manager exists.
type windowGate struct {
	manager *clearing.Manager
}

func (g *windowGate) WindowProcessable(windowID string) error {
	return g.manager.WindowProcessable(windowID)
}

func (g *windowGate) AdmittableWindow() (string, error) {
	return g.manager.AdmittableWindow()
}

// main initializes and runs the clearing engine with graceful shutdown
// support. It wires all services, background loops and API routes.
func main() {
	cfg, err := config.Load()
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to load configuration")
	}

	// Initialize database
	db, err := database.NewDatabase(cfg.DatabasePath)
	if err != nil {
		zlog.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Event fanout: websocket stream always, Kafka when configured.
	hub := stream.NewHub()
	sinks := []events.Publisher{hub}
	if cfg.KafkaEnabled {
		sinks = append(sinks, events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic))
	}
	publisher := events.NewFanout(sinks...)
	defer publisher.Close()

	// External transfer network. The mock adapter stands in for a real
	// RTGS/SWIFT connection.
	network := gateway.NewMockNetwork()

	// Core services.
	ledgerService := ledger.NewService(db, publisher)
	controller := atomicop.NewController(db, publisher, cfg.RollbackMaxRetries, cfg.RollbackBackoff)

	gate := &windowGate{}
	executor := settlement.NewExecutor(db, ledgerService, controller, network, publisher, gate, settlement.Config{
		ConfirmTimeout:            cfg.ConfirmTimeout,
		CrossBorderConfirmTimeout: cfg.CrossBorderConfirmTimeout,
		PollInterval:              cfg.ConfirmPollInterval,
		LockTTL:                   cfg.LockTTL,
	})
	nettingEngine := clearing.NewEngine(clearing.NewDatabase(db), ledgerService)
	windowManager := clearing.NewManager(db, nettingEngine, executor, controller, publisher, clearing.ManagerConfig{
		WindowDuration:       cfg.WindowDuration,
		GracePeriod:          cfg.GracePeriod,
		MaxInstructionAmount: cfg.MaxInstruction(),
	})
	gate.manager = windowManager

	obligationService := obligations.NewService(db, gate)
	reconciliationEngine := reconciliation.NewEngine(db, ledgerService, network, publisher, cfg.Tolerance())

	// Auth.
	middleware.Configure(cfg.JWTSecret)
	authService := auth.NewService(cfg.JWTSecret)
	authHandlers := auth.NewGinHandlers(authService)
	if cfg.Environment != "production" {
		// Register test credentials
		authService.RegisterAPICredentials(auth.TestAPIKey, auth.TestAPISecret)
	}

	// Handlers.
	obligationHandlers := obligations.NewGinHandlers(obligationService)
	windowHandlers := clearing.NewGinHandlers(windowManager)
	settlementHandlers := settlement.NewGinHandlers(executor)
	operationHandlers := atomicop.NewGinHandlers(controller)
	ledgerHandlers := ledger.NewGinHandlers(ledgerService).WithNetworkSeed(network.SeedBalance)
	reconciliationHandlers := reconciliation.NewGinHandlers(reconciliationEngine)

	// Background loops.
	backgroundCtx, backgroundCancel := context.WithCancel(context.Background())
	defer backgroundCancel()

	go windowManager.StartScheduler(backgroundCtx, time.Second)
	go ledgerService.StartLockSweep(backgroundCtx, cfg.LockSweepInterval)
	go controller.StartRetentionSweep(backgroundCtx, time.Hour, cfg.CheckpointRetention)
	go reconciliationEngine.Start(backgroundCtx, cfg.ReconciliationInterval)

	// Initialize router
	if cfg.Environment == "production" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := gin.Default()
	router.Use(middleware.RateLimit())

	setupRoutes(router, hub,
		authHandlers, obligationHandlers, windowHandlers,
		settlementHandlers, operationHandlers, ledgerHandlers,
		reconciliationHandlers,
	)

	// Create server
	srv := &http.Server{
		Addr:    ":" + cfg.Port,
		Handler: router,
	}

	// Graceful shutdown setup
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Fatal().Err(err).Msg("listen")
		}
	}()
	zlog.Info().Str("port", cfg.Port).Msg("clearing engine started")

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	zlog.Info().Msg("Shutting down server...")

	backgroundCancel()

	// Give outstanding operations 5 seconds to complete
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
// - Participant routes: Protected by JWT authentication
// - Operator routes: Protected by operator authentication
func setupRoutes(
	router *gin.Engine,
	hub *stream.Hub,
	authHandlers *auth.GinHandlers,
	obligationHandlers *obligations.GinHandlers,
	windowHandlers *clearing.GinHandlers,
	settlementHandlers *settlement.GinHandlers,
	operationHandlers *atomicop.GinHandlers,
	ledgerHandlers *ledger.GinHandlers,
	reconciliationHandlers *reconciliation.GinHandlers,
) {
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws/status", hub.StatusStreamHandler())

	v1 := router.Group("/api/v1")
	{
		// Auth routes
		authRoutes := v1.Group("/auth")
		{
			authRoutes.POST("/token", authHandlers.GenerateTokenHandler())
		}

		// Participant routes
		participant := v1.Group("")
		participant.Use(middleware.JWTAuth())
		{
			participant.POST("/obligations", middleware.RequirePermission("settle"), obligationHandlers.SubmitObligationHandler())
			participant.GET("/obligations/:obligation_id", obligationHandlers.GetObligationHandler())

			participant.GET("/windows/current", windowHandlers.GetCurrentWindowHandler())
			participant.GET("/windows/:window_id", windowHandlers.GetWindowStatusHandler())
			participant.GET("/windows/:window_id/positions", windowHandlers.GetWindowPositionsHandler())
			participant.GET("/windows/:window_id/obligations", obligationHandlers.GetWindowObligationsHandler())
			participant.GET("/windows/:window_id/instructions", settlementHandlers.GetWindowInstructionsHandler())

			participant.GET("/instructions/:instruction_id", settlementHandlers.GetInstructionHandler())
			participant.GET("/operations/:operation_id", operationHandlers.GetOperationStatusHandler())

			participant.GET("/accounts", ledgerHandlers.ListAccountsHandler())
			participant.GET("/accounts/:account_id", ledgerHandlers.GetAccountHandler())
		}

		// Operator routes
		operator := v1.Group("/operator")
		operator.Use(middleware.OperatorAuth())
		{
			operator.POST("/accounts", ledgerHandlers.CreateAccountHandler())

			operator.POST("/windows/:window_id/close", windowHandlers.ForceCloseWindowHandler())
			operator.POST("/windows/:window_id/process", windowHandlers.ProcessWindowHandler())
			operator.POST("/windows/:window_id/rollback", windowHandlers.RollbackWindowHandler())

			operator.POST("/reconciliation/run", reconciliationHandlers.RunReconciliationHandler())
			operator.GET("/reconciliation/unmatched", reconciliationHandlers.GetUnmatchedReportsHandler())
			operator.GET("/reconciliation/accounts/:account_id", reconciliationHandlers.GetAccountReportsHandler())
		}
	}
}
