package main

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/spf13/viper"

	"github.com/guildpay/backend/internal/backup"
	"github.com/guildpay/backend/internal/config"
	"github.com/guildpay/backend/internal/database"
	"github.com/guildpay/backend/internal/handlers"
	mW "github.com/guildpay/backend/internal/middleware"
	"github.com/guildpay/backend/internal/services"
	"github.com/guildpay/backend/internal/store"
)

func main() {
	// Initialize config
	viper.SetConfigFile(".env") // explicitly point to .env file
	viper.AutomaticEnv()        // allow environment variables to override .env

	viper.BindEnv("database.host", "DATABASE_HOST")
	viper.BindEnv("database.port", "DATABASE_PORT")
	viper.BindEnv("database.user", "DATABASE_USER")
	viper.BindEnv("database.password", "DATABASE_PASSWORD")
	viper.BindEnv("database.name", "DATABASE_NAME")
	viper.BindEnv("database.ssl_mode", "DATABASE_SSL_MODE")

	viper.BindEnv("redis.host", "REDIS_HOST")
	viper.BindEnv("redis.port", "REDIS_PORT")
	viper.BindEnv("redis.password", "REDIS_PASSWORD")
	viper.BindEnv("redis.db", "REDIS_DB")

	viper.BindEnv("jwt.secret_key", "JWT_SECRET_KEY")

	viper.BindEnv("limits.max_deposit_amount", "MAX_DEPOSIT_AMOUNT")
	viper.BindEnv("limits.max_request_amount", "MAX_REQUEST_AMOUNT")
	viper.BindEnv("limits.max_transfer_amount", "MAX_TRANSFER_AMOUNT")
	viper.BindEnv("limits.min_balance", "MIN_BALANCE")
	viper.BindEnv("audit.max_output", "AUDIT_MAX_OUTPUT")
	viper.BindEnv("backup.enabled", "BACKUP_ENABLED")
	viper.BindEnv("backup.dir", "BACKUP_DIR")
	viper.BindEnv("backup.interval", "BACKUP_INTERVAL")

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	// Initialize storage
	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	// Initialize services
	accounts := store.NewAccountStore(db)
	txlog := store.NewTransactionLog(db)
	ledger := services.NewLedgerService(db, accounts, txlog, config.GetLimits())
	ledgerHandler := handlers.NewLedgerHandler(ledger, redisClient, config.GetAuditConfig())

	// Periodic CSV export and backup copies
	backupCtx, stopBackup := context.WithCancel(context.Background())
	defer stopBackup()
	backupCfg := config.GetBackupConfig()
	if backupCfg.Enabled {
		go backup.NewExporter(db, backupCfg).Run(backupCtx)
	}

	// Setup router
	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(60 * time.Second))

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Access-Control-Allow-Origin"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	// API routes
	r.Route("/api/v1", func(r chi.Router) {
		r.Use(mW.AuthMiddleware)

		r.Post("/accounts", ledgerHandler.CreateAccount)
		r.Get("/accounts/balance", ledgerHandler.GetBalance)

		r.Get("/transactions", ledgerHandler.ListTransactions)
		r.Post("/transactions/deposit", ledgerHandler.Deposit)
		r.Post("/transactions/withdraw", ledgerHandler.Withdraw)
		r.Post("/transactions/transfer", ledgerHandler.Transfer)
		r.Post("/transactions/request", ledgerHandler.Request)
		r.Post("/transactions/donate", ledgerHandler.Donate)

		// Settlement surface, auditor role required
		r.Group(func(r chi.Router) {
			r.Use(mW.RequireAuditor)

			r.Get("/audit/pending", ledgerHandler.ListPendingAudit)
			r.Post("/audit/send", ledgerHandler.AdminSend)
			r.Post("/audit/{txnID}/approve", ledgerHandler.ApproveTransaction)
			r.Post("/audit/{txnID}/deny", ledgerHandler.DenyTransaction)
		})
	})

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	// Start server
	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Graceful shutdown
	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
