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

	"github.com/sanadpay/wallet/internal/config"
	"github.com/sanadpay/wallet/internal/database"
	"github.com/sanadpay/wallet/internal/handlers"
	mW "github.com/sanadpay/wallet/internal/middleware"
	"github.com/sanadpay/wallet/internal/services"
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

	if err := viper.ReadInConfig(); err != nil {
		log.Printf("Config file not found, using defaults: %v", err)
	}

	walletCfg := config.LoadWalletConfig()

	db := database.InitDatabase()
	defer db.Close()

	redisClient := database.InitRedis()
	if redisClient != nil {
		defer redisClient.Close()
	}

	auditService := services.NewAuditService()
	accountService := services.NewAccountService(db, auditService, walletCfg.SystemCurrency)
	journalService := services.NewJournalService(db, auditService)
	configService := services.NewRuntimeConfigService(db, auditService)
	holdService := services.NewHoldService(db, auditService, journalService, configService, walletCfg.PlatformAccount)
	settlementService := services.NewSettlementService(db, redisClient, auditService, walletCfg.SystemCurrency)
	idempotencyService := services.NewIdempotencyService(db, redisClient, walletCfg.IdempotencyTTL)

	walletHandler := handlers.NewWalletHandler(
		accountService, journalService, holdService,
		settlementService, configService, idempotencyService)

	// Setup router
	r := chi.NewRouter()

	r.Use(mW.SecurityHeaders)
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)
	r.Use(middleware.Timeout(walletCfg.RequestTimeout))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"https://*", "http://*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Idempotency-Key", "X-Actor-ID"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"status": "healthy"})
	})

	r.Route("/api/v1/wallet", func(r chi.Router) {
		// Read endpoints
		r.Get("/accounts/{accountID}/balance", walletHandler.GetBalance)
		r.Get("/config/resolve", walletHandler.ResolveConfig)

		// Mutating endpoints: every call must carry an Idempotency-Key
		r.Group(func(r chi.Router) {
			r.Use(mW.RequireIdempotencyKey)

			r.Post("/accounts", walletHandler.CreateAccount)
			r.Put("/accounts/{accountID}/status", walletHandler.SetAccountStatus)

			r.Post("/transactions", walletHandler.PostTransaction)
			r.Post("/transactions/{transactionRef}/reverse", walletHandler.ReverseTransaction)

			r.Post("/holds", walletHandler.CreateHold)
			r.Post("/holds/{holdID}/release", walletHandler.ReleaseHold)
			r.Post("/holds/{holdID}/capture", walletHandler.CaptureHold)
			r.Post("/holds/{holdID}/forfeit", walletHandler.ForfeitHold)

			r.Post("/settlements", walletHandler.CreateSettlementBatch)
			r.Post("/settlements/{batchID}/first-approval", walletHandler.SubmitFirstApproval)
			r.Post("/settlements/{batchID}/second-approval", walletHandler.SubmitSecondApproval)
			r.Post("/settlements/{batchID}/reject", walletHandler.RejectSettlementBatch)
			r.Post("/settlements/{batchID}/export", walletHandler.ExportSettlementBatch)

			r.Post("/config", walletHandler.ProposeConfig)
			r.Post("/config/{entryID}/publish", walletHandler.PublishConfig)
			r.Post("/config/{entryID}/rollback", walletHandler.RollbackConfig)
		})
	})

	// Background sweep releasing aged holds through the normal release path
	sweepCtx, stopSweep := context.WithCancel(context.Background())
	go func() {
		ticker := time.NewTicker(walletCfg.SweepInterval)
		defer ticker.Stop()
		for {
			select {
			case <-sweepCtx.Done():
				return
			case <-ticker.C:
				if _, err := holdService.SweepExpired(sweepCtx, walletCfg.SweepBatchSize); err != nil {
					log.Printf("Hold sweep failed: %v", err)
				}
			}
		}
	}()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      r,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		log.Printf("Server starting on :%s", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Server failed: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Server shutting down...")
	stopSweep()
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatal("Server forced to shutdown:", err)
	}

	log.Println("Server stopped")
}
