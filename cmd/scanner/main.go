package main

import (
	"context"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/guardline/scanengine/internal/classifier"
	"github.com/guardline/scanengine/internal/media"
	"github.com/guardline/scanengine/internal/models"
	"github.com/guardline/scanengine/internal/report"
	"github.com/guardline/scanengine/internal/risk"
	"github.com/guardline/scanengine/internal/scanner"
	"github.com/guardline/scanengine/internal/storage"
	"github.com/guardline/scanengine/pkg/config"
)

// loggingDisconnector stands in for the ingestion side's feed registry. The
// engine only signals that the feed should be severed; tearing down the
// actual connection is the ingestion service's job.
type loggingDisconnector struct {
	logger *zap.Logger
}

func (d *loggingDisconnector) Disconnect(ctx context.Context, accountID string) error {
	d.logger.Info("feed disconnect requested", zap.String("account_id", accountID))
	return nil
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, "usage: scanner <account-id>")
		os.Exit(2)
	}
	accountID := os.Args[1]

	// Initialize logger
	logger, _ := zap.NewProduction()
	defer logger.Sync()

	// Load configuration
	cfg, err := config.LoadConfig("config.yaml")
	if err != nil {
		logger.Fatal("Failed to load config", zap.Error(err), zap.String("path", "config.yaml"))
	}

	// Initialize storage
	var store storage.Store
	if cfg.Database.UseInMemory {
		logger.Info("Using in-memory storage")
		store = storage.NewMemoryStore()
	} else {
		logger.Info("Using PostgreSQL storage")
		store, err = storage.NewPostgresStore(storage.DatabaseConfig{
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			DBName:   cfg.Database.DBName,
			SSLMode:  cfg.Database.SSLMode,
		}, logger)
		if err != nil {
			logger.Fatal("Failed to initialize storage", zap.Error(err))
		}
	}
	defer store.Close()

	clf := classifier.NewGPTClassifier(
		cfg.OpenAI.APIKey,
		cfg.OpenAI.BaseURL,
		cfg.OpenAI.FastModel,
		cfg.OpenAI.DeepModel,
		float32(cfg.OpenAI.Temperature),
		logger,
	)
	analyzer := media.NewGPTAnalyzer(clf, cfg.Media.FFmpegPath, cfg.Media.WhisperPath, logger)
	recorder := risk.NewRecorder(store, logger)
	engine := scanner.New(store, clf, analyzer, recorder, &loggingDisconnector{logger: logger}, logger)

	ctx := context.Background()
	result, err := engine.RunScan(ctx, accountID)
	if err != nil {
		logger.Fatal("Scan failed", zap.String("account_id", accountID), zap.Error(err))
	}

	account, err := store.GetAccount(ctx, accountID)
	if err != nil {
		logger.Fatal("Failed to load account", zap.Error(err))
	}
	aggregates, err := store.RiskAggregatesForAccount(ctx, accountID)
	if err != nil {
		logger.Fatal("Failed to load risk aggregates", zap.Error(err))
	}

	var events []models.RiskEvent
	seen := make(map[string]bool)
	for _, agg := range aggregates {
		if seen[agg.Category] {
			continue
		}
		seen[agg.Category] = true
		recent, err := store.RiskEventsForCategory(ctx, accountID, agg.Category, 3)
		if err != nil {
			logger.Error("Failed to load risk events", zap.String("category", agg.Category), zap.Error(err))
			continue
		}
		events = append(events, recent...)
	}

	rep := report.Build(result, account.Profile, aggregates, events)
	fmt.Println(rep.Render())
}
