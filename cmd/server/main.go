package main

import (
	"context"
	"fmt"
	"net/http"

	"github.com/kobopay/ledger-engine/internal/config"
	"github.com/kobopay/ledger-engine/internal/logger"
	"github.com/kobopay/ledger-engine/internal/model"
	"github.com/kobopay/ledger-engine/internal/repo"
	"github.com/kobopay/ledger-engine/internal/service"
	httptransport "github.com/kobopay/ledger-engine/internal/transport/http"

	"github.com/go-redis/redis/v8"
	"github.com/segmentio/kafka-go"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

func main() {
	// 1. load config
	cfg, err := config.Load("internal/config/config.yaml")
	if err != nil {
		panic(fmt.Errorf("load config: %w", err))
	}

	// 2. init logger
	log, err := logger.NewLogger()
	if err != nil {
		panic(fmt.Errorf("init logger: %w", err))
	}
	defer log.Sync()

	// 3. postgres
	gdb, err := gorm.Open(postgres.Open(cfg.Postgres.DSN), &gorm.Config{PrepareStmt: true})
	if err != nil {
		log.Fatalf("open postgres: %v", err)
	}
	if err := gdb.AutoMigrate(
		&model.Wallet{},
		&model.LedgerEntry{},
		&model.Investment{},
		&model.IdempotencyRecord{},
		&model.RoundupAccrual{},
		&model.OutboxEvent{},
	); err != nil {
		log.Fatalf("auto-migrate: %v", err)
	}

	// 4. redis
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		log.Fatalf("redis ping: %v", err)
	}

	// 5. kafka writer
	kw := &kafka.Writer{
		Addr:     kafka.TCP(cfg.Kafka.Brokers...),
		Topic:    cfg.Kafka.Topic,
		Balancer: &kafka.LeastBytes{},
	}

	// 6. repo & services
	repository := repo.NewRepository(gdb, rdb, kw, log)
	ledger := service.NewWalletLedger(repository, service.Config{
		MaxAttempts: cfg.Ledger.MaxAttempts,
		BackoffBase: cfg.Ledger.BackoffBase(),
	}, log)
	services := httptransport.Services{
		Ledger:         ledger,
		Roundup:        service.NewRoundupAccumulator(ledger, repository, log),
		Reconciliation: service.NewReconciliationHandler(ledger, repository, log),
		RoundupDefault: cfg.Roundup,
	}

	// 7. gin router
	router := httptransport.NewRouter(services, cfg.RateLimit, log)

	// 8. serve
	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	log.Infof("ledger-server listening on %s", addr)
	if err := http.ListenAndServe(addr, router); err != nil {
		log.Fatalf("listen: %v", err)
	}
}
