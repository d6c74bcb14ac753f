package main

import (
	"log"
	"net/http"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"

	"tokenreward/config"
	"tokenreward/ledger"
	"tokenreward/models"
	"tokenreward/observability"
	"tokenreward/observability/logging"
	"tokenreward/server"
	"tokenreward/settlement"
)

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	logger := logging.Setup("settlementd", cfg.Environment)

	db, err := gorm.Open(postgres.Open(cfg.DatabaseURL), &gorm.Config{})
	if err != nil {
		log.Fatalf("database connection error: %v", err)
	}

	if err := models.AutoMigrate(db); err != nil {
		log.Fatalf("auto migrate error: %v", err)
	}

	ledgerClient := ledger.NewRPCClient(ledger.RPCConfig{
		URL:          cfg.LedgerRPCURL,
		AuthToken:    cfg.LedgerAuthToken,
		Timeout:      cfg.RPCTimeout.Duration,
		ConfirmWait:  cfg.ConfirmWait.Duration,
		PollInterval: cfg.PollInterval.Duration,
	})

	store := settlement.NewStore(db, nil)
	orchestrator, err := settlement.NewOrchestrator(settlement.Config{
		Store:   store,
		Ledger:  ledgerClient,
		Metrics: observability.Settlement(),
		Logger:  logger,
	})
	if err != nil {
		log.Fatalf("orchestrator init error: %v", err)
	}

	srv := server.New(server.Config{
		DB:            db,
		Store:         store,
		Settler:       orchestrator,
		OperatorToken: cfg.OperatorToken,
		Logger:        logger,
	})

	logger.Info("starting settlementd", "addr", cfg.ListenAddress)
	if err := http.ListenAndServe(cfg.ListenAddress, srv.Handler()); err != nil {
		log.Fatalf("server error: %v", err)
	}
}
