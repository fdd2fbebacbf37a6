package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/solwatch/mintwatch/internal/alert"
	"github.com/solwatch/mintwatch/internal/chain/ratelimit"
	"github.com/solwatch/mintwatch/internal/chain/solana/rpc"
	"github.com/solwatch/mintwatch/internal/circuitbreaker"
	"github.com/solwatch/mintwatch/internal/config"
	"github.com/solwatch/mintwatch/internal/domain/model"
	"github.com/solwatch/mintwatch/internal/scanner/blockscan"
	"github.com/solwatch/mintwatch/internal/scanner/dedup"
	"github.com/solwatch/mintwatch/internal/scanner/extract"
	"github.com/solwatch/mintwatch/internal/scanner/locator"
	"github.com/solwatch/mintwatch/internal/scanner/scheduler"
	"github.com/solwatch/mintwatch/internal/store"
	"github.com/solwatch/mintwatch/internal/store/postgres"
	redispkg "github.com/solwatch/mintwatch/internal/store/redis"
	"github.com/solwatch/mintwatch/internal/tracing"
	"golang.org/x/sync/errgroup"
)

const sourceName = "solana"

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	logger.Info("starting mintwatch ingestor",
		"rpc_url", cfg.Solana.RPCURL,
		"tracked_mint", cfg.Scan.TrackedMint,
		"scan_interval_sec", cfg.Scan.IntervalSec,
		"lookback_sec", cfg.Scan.LookbackSec,
		"scan_workers", cfg.Scan.ScanWorkers,
	)

	shutdownTracing, err := tracing.Init(context.Background(), "mintwatch", cfg.Tracing.Endpoint, cfg.Tracing.Insecure)
	if err != nil {
		logger.Error("failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := shutdownTracing(context.Background()); err != nil {
			logger.Warn("tracing shutdown error", "error", err)
		}
	}()

	db, err := postgres.New(postgres.Config{
		URL:             cfg.DB.URL,
		MaxOpenConns:    cfg.DB.MaxOpenConns,
		MaxIdleConns:    cfg.DB.MaxIdleConns,
		ConnMaxLifetime: cfg.DB.ConnMaxLifetime,
	})
	if err != nil {
		logger.Error("failed to connect to database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	if err := db.RunMigrations(cfg.DB.MigrationsDir); err != nil {
		logger.Error("failed to run migrations", "error", err)
		os.Exit(1)
	}
	logger.Info("database ready")

	cursorRepo := postgres.NewCursorRepo(db)
	transferRepo := postgres.NewTransferRepo(db)

	var publisher scheduler.TransferPublisher
	if cfg.Redis.URL != "" {
		stream, err := redispkg.NewStream(cfg.Redis.URL, cfg.Redis.StreamKey)
		if err != nil {
			logger.Error("failed to connect to redis", "error", err)
			os.Exit(1)
		}
		defer stream.Close()
		publisher = stream
		logger.Info("enrichment stream enabled", "stream_key", cfg.Redis.StreamKey)
	}

	limiter := ratelimit.NewLimiter(cfg.Solana.RequestsPerSec, cfg.Solana.Burst, sourceName)
	rpcClient := rpc.NewClient(cfg.Solana.RPCURL, logger,
		rpc.WithLimiter(limiter),
		rpc.WithTimeout(time.Duration(cfg.Solana.TimeoutSec)*time.Second),
	)

	breaker := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: 5,
		SuccessThreshold: 2,
		OpenTimeout:      30 * time.Second,
		OnStateChange: func(from, to circuitbreaker.State) {
			logger.Warn("circuit breaker state change", "from", from.String(), "to", to.String())
		},
	})

	alerter := buildAlerter(cfg, logger)

	sched := scheduler.New(sourceName, scheduler.Deps{
		Slots:   rpcClient,
		Locator: locator.New(rpcClient, logger),
		Scanner: blockscan.New(rpcClient, sourceName, logger,
			blockscan.WithWorkers(cfg.Scan.ScanWorkers),
		),
		Extractor: extract.New(rpcClient, sourceName, cfg.Scan.TrackedMint, logger,
			extract.WithWorkers(cfg.Scan.TxWorkers),
			extract.WithMintDecimals(cfg.Scan.MintDecimals),
		),
		Guard:     dedup.New(sourceName, cfg.Scan.DedupCapacity),
		DB:        db,
		Cursors:   cursorRepo,
		Transfers: transferRepo,
		Publisher: publisher,
		Breaker:   breaker,
		Alerter:   alerter,
	}, logger,
		scheduler.WithInterval(time.Duration(cfg.Scan.IntervalSec)*time.Second),
		scheduler.WithLookback(time.Duration(cfg.Scan.LookbackSec)*time.Second),
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	g, gCtx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return runHTTPServer(gCtx, cfg.Server.HealthPort, sched, transferRepo, logger)
	})

	g.Go(func() error {
		return sched.Run(gCtx)
	})

	g.Go(func() error {
		select {
		case sig := <-sigCh:
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			return nil
		case <-gCtx.Done():
			return nil
		}
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		logger.Error("ingestor exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("ingestor shut down gracefully")
}

func buildAlerter(cfg *config.Config, logger *slog.Logger) alert.Alerter {
	var channels []alert.Alerter
	if cfg.Alert.SlackWebhookURL != "" {
		channels = append(channels, alert.NewSlackAlerter(cfg.Alert.SlackWebhookURL))
	}
	if cfg.Alert.WebhookURL != "" {
		channels = append(channels, alert.NewWebhookAlerter(cfg.Alert.WebhookURL))
	}
	if len(channels) == 0 {
		return &alert.NoopAlerter{}
	}
	cooldown := time.Duration(cfg.Alert.CooldownSec) * time.Second
	return alert.NewMultiAlerter(cooldown, logger, channels...)
}

// runHTTPServer serves health, metrics, the live recent-transfers snapshot
// and the stored-transfers feed.
func runHTTPServer(ctx context.Context, port int, sched *scheduler.Scheduler, transfers store.TransferRepository, logger *slog.Logger) error {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("ok")); err != nil {
			logger.Warn("failed to write health response", "error", err)
		}
	})
	mux.Handle("/metrics", promhttp.Handler())

	// Fresh chain scan, bypassing storage. Bounded and best-effort.
	mux.HandleFunc("/transfers/recent", func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		lookbackSec, _ := strconv.Atoi(r.URL.Query().Get("lookback_seconds"))
		events := sched.FetchRecent(r.Context(), limit, time.Duration(lookbackSec)*time.Second)
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(events); err != nil {
			logger.Warn("failed to encode recent transfers", "error", err)
		}
	})

	// Persisted records, including enrichment columns.
	mux.HandleFunc("/transfers/stored", func(w http.ResponseWriter, r *http.Request) {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		if limit <= 0 {
			limit = 50
		}
		if limit > 500 {
			limit = 500
		}
		lookbackSec, _ := strconv.Atoi(r.URL.Query().Get("lookback_seconds"))
		if lookbackSec <= 0 {
			lookbackSec = 3600
		}
		since := time.Now().Add(-time.Duration(lookbackSec) * time.Second)
		records, err := transfers.Recent(r.Context(), limit, since)
		if err != nil {
			logger.Warn("stored transfers query failed", "error", err)
			records = []model.TransferRecord{}
		}
		if records == nil {
			records = []model.TransferRecord{}
		}
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(records); err != nil {
			logger.Warn("failed to encode stored transfers", "error", err)
		}
	})

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", port),
		Handler: mux,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil && err != http.ErrServerClosed {
			logger.Warn("http server shutdown error", "error", err)
		}
	}()

	logger.Info("http server started", "port", port)
	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}
