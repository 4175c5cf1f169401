package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/robfig/cron/v3"

	"github.com/abrkgrbz/stocker-purchase-approvals/internal/budget"
	"github.com/abrkgrbz/stocker-purchase-approvals/internal/client"
	"github.com/abrkgrbz/stocker-purchase-approvals/internal/config"
	"github.com/abrkgrbz/stocker-purchase-approvals/internal/database"
	"github.com/abrkgrbz/stocker-purchase-approvals/internal/handler"
	"github.com/abrkgrbz/stocker-purchase-approvals/internal/httpmw"
	"github.com/abrkgrbz/stocker-purchase-approvals/internal/logger"
	"github.com/abrkgrbz/stocker-purchase-approvals/internal/repository"
	"github.com/abrkgrbz/stocker-purchase-approvals/internal/service"
	"github.com/abrkgrbz/stocker-purchase-approvals/internal/workflow"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	log := logger.New(logger.Config{
		Level:       os.Getenv("LOG_LEVEL"),
		Environment: cfg.Service.Environment,
		ServiceName: cfg.Service.Name,
		Version:     cfg.Service.Version,
	})

	log.Info().
		Str("service", cfg.Service.Name).
		Str("version", cfg.Service.Version).
		Str("environment", cfg.Service.Environment).
		Msg("Starting Purchase Approvals Service")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize database
	db, err := database.New(ctx, database.Config{
		Host:        cfg.Database.Host,
		Port:        cfg.Database.Port,
		User:        cfg.Database.User,
		Password:    cfg.Database.Password,
		Database:    cfg.Database.Database,
		SSLMode:     cfg.Database.SSLMode,
		MaxConns:    cfg.Database.MaxConns,
		MinConns:    cfg.Database.MinConns,
		MaxConnTime: cfg.Database.MaxConnTime,
		MaxIdleTime: cfg.Database.MaxIdleTime,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to connect to database")
	}
	defer db.Close()
	log.Info().Msg("Database connection established")

	// NATS is optional: when disabled or unreachable the service runs
	// without notifications.
	var nc *nats.Conn
	if cfg.NATS.Enabled {
		nc, err = nats.Connect(cfg.NATS.URL,
			nats.MaxReconnects(-1),
			nats.ReconnectWait(2*time.Second),
		)
		if err != nil {
			log.Warn().Err(err).Str("url", cfg.NATS.URL).Msg("NATS unavailable; notifications disabled")
			nc = nil
		} else {
			defer nc.Close()
			log.Info().Str("url", cfg.NATS.URL).Msg("NATS connection established")
		}
	}

	// Initialize repositories
	configRepo := repository.NewConfigRepository(db)
	groupRepo := repository.NewGroupRepository(db)
	requestRepo := repository.NewRequestRepository(db)
	budgetRepo := repository.NewBudgetRepository(db)
	auditRepo := repository.NewAuditRepository(db)

	// Initialize clients
	notifier := client.NewNotificationPublisher(nc, log.Logger)
	identityClient := client.NewIdentityClient(cfg.Identity.BaseURL, cfg.Identity.Timeout)

	// Initialize core components
	alerts := budget.NewAlertEvaluator(notifier, log.Logger)
	ledger := budget.NewLedger(budgetRepo, alerts, log.Logger)
	builder := workflow.NewChainBuilder(identityClient, groupRepo, log.Logger)
	engine := workflow.NewEngine(requestRepo, groupRepo, log.Logger)

	// Initialize services
	approvalService := service.NewApprovalService(
		configRepo, requestRepo, auditRepo, builder, engine, ledger, notifier, log.Logger)
	budgetService := service.NewBudgetService(ledger, budgetRepo, log.Logger)
	configService := service.NewConfigService(configRepo, groupRepo, log.Logger)

	// Setup HTTP routes
	httpHandler := handler.NewHTTPHandler(approvalService, budgetService, configService, log.Logger)
	mux := http.NewServeMux()

	// Health check
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"healthy"}`))
	})

	// Approval routes
	mux.HandleFunc("/api/v1/approvals/submit", httpHandler.SubmitForApproval)
	mux.HandleFunc("/api/v1/approvals/vote", httpHandler.CastVote)
	mux.HandleFunc("/api/v1/approvals/cancel", httpHandler.CancelRequest)
	mux.HandleFunc("/api/v1/approvals/get", httpHandler.GetRequest)
	mux.HandleFunc("/api/v1/approvals/by-document", httpHandler.GetByDocument)
	mux.HandleFunc("/api/v1/approvals/pending", httpHandler.PendingApprovals)
	mux.HandleFunc("/api/v1/approvals/history", httpHandler.ApprovalHistory)
	mux.HandleFunc("/api/v1/approvals/resolve", httpHandler.ResolveWorkflow)

	// Budget routes
	mux.HandleFunc("/api/v1/budgets", httpHandler.CreateBudget)
	mux.HandleFunc("/api/v1/budgets/get", httpHandler.GetBudget)
	mux.HandleFunc("/api/v1/budgets/reserve", httpHandler.ReserveBudget)
	mux.HandleFunc("/api/v1/budgets/release", httpHandler.ReleaseBudget)
	mux.HandleFunc("/api/v1/budgets/settle", httpHandler.SettleBudget)
	mux.HandleFunc("/api/v1/budgets/revise", httpHandler.ReviseBudget)
	mux.HandleFunc("/api/v1/budgets/transactions", httpHandler.BudgetTransactions)

	// Configuration routes
	mux.HandleFunc("/api/v1/workflow-configs", httpHandler.Configs)
	mux.HandleFunc("/api/v1/approval-groups", httpHandler.Groups)

	// Apply middleware
	var h http.Handler = mux
	h = httpmw.RequestID(h)
	h = httpmw.Logger(&log.Logger)(h)
	h = httpmw.Recovery(&log.Logger)(h)
	h = httpmw.CORS([]string{"*"})(h)
	h = httpmw.Timeout(30 * time.Second)(h)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      h,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	go func() {
		log.Info().Int("port", cfg.Server.Port).Msg("Starting HTTP server")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("HTTP server failed")
		}
	}()

	// SLA sweep scheduler
	sweeper := cron.New()
	if _, err := sweeper.AddFunc(cfg.Sweep.Schedule, func() {
		if _, err := approvalService.RunSLASweep(ctx); err != nil {
			log.Error().Err(err).Msg("SLA sweep failed")
		}
	}); err != nil {
		log.Fatal().Err(err).Str("schedule", cfg.Sweep.Schedule).Msg("Invalid SLA sweep schedule")
	}
	sweeper.Start()
	log.Info().Str("schedule", cfg.Sweep.Schedule).Msg("SLA sweep scheduler started")

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	sweepCtx := sweeper.Stop()
	<-sweepCtx.Done()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}

	log.Info().Msg("Server stopped")
}
