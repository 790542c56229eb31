package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"cardsync/internal/auth"
	"cardsync/internal/breaker"
	"cardsync/internal/catalog"
	"cardsync/internal/config"
	"cardsync/internal/db"
	httpx "cardsync/internal/http"
	"cardsync/internal/jobs"
	"cardsync/internal/ledger"
	"cardsync/internal/pricing"
	"cardsync/internal/ratelimit"
	"cardsync/internal/schedule"

	"gorm.io/gorm"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}

	gdb, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatal(err)
	}
	if err := db.AutoMigrateAndIndexes(gdb); err != nil {
		log.Fatal(err)
	}
	if err := seedAdmin(gdb, cfg); err != nil {
		log.Fatal(err)
	}

	jwtSvc := auth.NewJWT(cfg.JWTSecret)
	limiter := ratelimit.New(cfg.RateLimit, cfg.RateWindow)
	r := httpx.NewRouter(cfg, gdb, jwtSvc, limiter)

	queueRepo := &jobs.QueueRepo{DB: gdb, MaxRetries: cfg.MaxRetries}
	catalogRepo := &catalog.Repo{DB: gdb}

	processor := &jobs.Processor{
		Queue:   queueRepo,
		Runs:    &jobs.RunRepo{DB: gdb},
		Catalog: catalogRepo,
		Ledger:  &ledger.Repo{DB: gdb, MaxRetries: cfg.MaxRetries},
		Breaker: &breaker.Breaker{
			Store:            &breaker.DBStore{DB: gdb},
			FailureThreshold: cfg.FailureThreshold,
			RecoveryTimeout:  cfg.RecoveryTimeout,
		},
		Limiter: limiter,
		Fetcher: pricing.NewClient(cfg.PricingBaseURL, cfg.PricingAPIKey),

		BatchSize:        cfg.BatchSize,
		TimeBudget:       cfg.TimeBudget,
		InterBatchDelay:  cfg.InterBatchDelay,
		StalenessWindow:  cfg.StalenessWindow,
		MaxBatchesPerRun: cfg.MaxBatchesPerRun,
	}

	ctx, cancel := context.WithCancel(context.Background())

	dispatcher := &jobs.Dispatcher{Processor: processor}
	go dispatcher.Run(ctx)

	scheduler := &schedule.Scheduler{
		Queue:   queueRepo,
		Catalog: catalogRepo,
		Spec:    cfg.SyncCronSpec,
	}
	if err := scheduler.Start(ctx); err != nil {
		log.Fatal(err)
	}

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		log.Printf("listening on %s\n", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err)
		}
	}()

	// graceful shutdown
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	<-ch

	cancel()
	scheduler.Stop()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	_ = srv.Shutdown(shutdownCtx)
}

// seedAdmin provisions the operator account from env on first boot.
func seedAdmin(gdb *gorm.DB, cfg config.Config) error {
	if cfg.AdminEmail == "" || cfg.AdminPassword == "" {
		return nil
	}

	var existing auth.Operator
	err := gdb.Where("email = ?", cfg.AdminEmail).First(&existing).Error
	if err == nil {
		return nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return err
	}

	hash, err := auth.HashPassword(cfg.AdminPassword)
	if err != nil {
		return err
	}
	return gdb.Create(&auth.Operator{Email: cfg.AdminEmail, PasswordHash: hash}).Error
}
