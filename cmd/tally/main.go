package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"tally/internal/aggregate"
	"tally/internal/amqp"
	"tally/internal/classify"
	"tally/internal/config"
	"tally/internal/engine"
	"tally/internal/export"
	apphttp "tally/internal/http"
	applog "tally/internal/log"
	"tally/internal/report"
	"tally/internal/storage"
	"tally/internal/taxonomy"
	"tally/internal/worker"
)

// fanoutSink applies every delta to the local bucket store and, when a
// queue is configured, forwards it to the aggregation worker. The local
// apply is authoritative for this process; a publish failure is logged and
// left for the worker's periodic recompute to repair.
type fanoutSink struct {
	store *aggregate.Store
	queue *amqp.Client
}

func (s fanoutSink) Apply(ctx context.Context, d aggregate.Delta) error {
	if err := s.store.Apply(d); err != nil {
		return err
	}
	if s.queue != nil {
		if err := s.queue.PublishTransactionDelta(ctx, d); err != nil {
			slog.WarnContext(ctx, "Failed to publish delta, worker will recompute", "error", err)
		}
	}
	return nil
}

func main() {
	// Load .env file for local development (ignore errors in production/docker)
	_ = godotenv.Load()

	// Setup structured logging
	logger := applog.New(applog.Config{
		Level:     slog.LevelInfo,
		Component: applog.ComponentApp,
	})
	applog.SetDefault(logger)

	// Load configuration
	cfg := config.Load()

	if err := cfg.Validate(); err != nil {
		logger.Error("Configuration validation failed", "error", err)
		os.Exit(1)
	}

	repo, err := storage.NewSQLiteRepository(cfg.SQLiteDBPath)
	if err != nil {
		logger.Error("Failed to initialize SQLite repository", "error", err, "path", cfg.SQLiteDBPath)
		os.Exit(1)
	}
	defer repo.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Restore the taxonomy, seeding the default category tree on first run.
	tax, err := repo.LoadTaxonomy(ctx)
	if err != nil {
		logger.Error("Failed to load taxonomy", "error", err)
		os.Exit(1)
	}
	if tax == nil {
		tax = taxonomy.Seed()
		if err := repo.SaveTaxonomy(ctx, tax.Snapshot()); err != nil {
			logger.Error("Failed to persist seed taxonomy", "error", err)
			os.Exit(1)
		}
		logger.Info("Seeded default taxonomy", "version", tax.Version())
	} else {
		logger.Info("Loaded taxonomy", "version", tax.Version())
	}

	// Restore buckets so reports are correct from the first request.
	store := aggregate.NewStore()
	if err := worker.NewAggregationWorker(store, repo, repo).Startup(ctx); err != nil {
		logger.Error("Failed to restore aggregate buckets", "error", err)
		os.Exit(1)
	}

	// Delta queue is optional; without it this process aggregates alone.
	var queue *amqp.Client
	if cfg.AMQPURL != "" {
		queue, err = amqp.NewClient(cfg.AMQPURL, cfg.AMQPExchange, cfg.AMQPQueue)
		if err != nil {
			logger.Warn("AMQP unavailable, aggregating locally only", "error", err)
		} else {
			defer queue.Close()
			logger.Info("Connected to delta queue", "exchange", cfg.AMQPExchange, "queue", cfg.AMQPQueue)
		}
	}

	// Fallback classifier; without credentials every non-rule transaction
	// lands in the unresolved queue for manual review.
	var classifier classify.Classifier
	if gc, err := classify.NewGeminiClassifier(ctx, cfg.GeminiModel); err != nil {
		logger.Warn("Classifier unavailable, unmatched transactions stay unresolved", "error", err)
		classifier = classify.Fixed{Err: classify.ErrUnavailable}
	} else {
		classifier = gc
		logger.Info("Gemini classifier ready", "model", cfg.GeminiModel)
	}

	eng := engine.New(repo, classifier, fanoutSink{store: store, queue: queue}, engine.Config{
		Threshold: cfg.ConfidenceThreshold,
	})
	importer := engine.NewImporter(eng, cfg.ImportWorkers)

	srv := apphttp.NewServer(":"+cfg.Port, eng, importer, repo, tax, repo, report.NewAssembler(store))

	// Report export to Google Sheets is optional.
	if os.Getenv("GOOGLE_SPREADSHEET_ID") != "" {
		exporter, err := export.NewSheetsExporterFromEnv(ctx)
		if err != nil {
			logger.Error("Failed to initialize Sheets exporter", "error", err)
			os.Exit(1)
		}
		srv.SetReportExporter(exporter)
		logger.Info("Report export to Google Sheets enabled")
	}

	// Configure server timeouts and limits
	srv.ReadTimeout = 10 * time.Second
	srv.WriteTimeout = 10 * time.Second
	srv.IdleTimeout = 60 * time.Second
	srv.MaxHeaderBytes = 1 << 16 // 64KB

	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		sig := <-sigChan
		logger.Info("Shutdown signal received", "signal", sig.String())

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer shutdownCancel()

		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("Server shutdown error", "error", err)
		}
		cancel()
	}()

	logger.Info("Starting tally server", "port", cfg.Port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("Server error", "error", err, "port", cfg.Port)
		os.Exit(1)
	}

	<-ctx.Done()
	logger.Info("Server stopped gracefully")
}
