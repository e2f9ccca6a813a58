// Riskengine - risk scoring and anomaly detection for DeFi protocols
//
// Operational CLI over a JSON snapshot file:
//
//	riskengine train -data snapshots.json
//	riskengine train-detector -data snapshots.json
//	riskengine predict -data snapshots.json [protocol-id ...]
//	riskengine scan -data snapshots.json
//	riskengine serve -data snapshots.json
//	riskengine models
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/defiscope/riskengine/internal/config"
	"github.com/defiscope/riskengine/internal/engine"
	"github.com/defiscope/riskengine/internal/health"
	"github.com/defiscope/riskengine/internal/logging"
	"github.com/defiscope/riskengine/internal/marketdata"
	"github.com/defiscope/riskengine/internal/metrics"
	"github.com/defiscope/riskengine/internal/modelstore"
	"github.com/defiscope/riskengine/internal/scheduler"
	"github.com/defiscope/riskengine/internal/traces"
)

// Build info - set by ldflags
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		os.Exit(1)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	ctx := logging.WithLogger(context.Background(), logger)

	logger.Debug("starting riskengine",
		"version", Version,
		"commit", Commit,
		"build_time", BuildTime,
	)

	if cfg.OTLPEndpoint != "" {
		shutdown, err := traces.Init(ctx, cfg.OTLPEndpoint, logger)
		if err != nil {
			logger.Error("failed to init tracing", "error", err)
			os.Exit(1)
		}
		defer func() { _ = shutdown(ctx) }()
	}

	if err := run(ctx, cfg, os.Args[1], os.Args[2:]); err != nil {
		logger.Error("command failed", "command", os.Args[1], "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, command string, args []string) error {
	store, db, err := artifactStore(ctx, cfg)
	if err != nil {
		return err
	}
	if db != nil {
		defer func() { _ = db.Close() }()
	}

	if command == "models" {
		return listModels(ctx, store)
	}

	fs := flag.NewFlagSet(command, flag.ExitOnError)
	dataPath := fs.String("data", "", "path to JSON snapshot file")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *dataPath == "" {
		return fmt.Errorf("-data is required")
	}
	data, err := loadDataset(*dataPath)
	if err != nil {
		return err
	}

	svc := engine.New(data, data, store, engine.FromAppConfig(cfg))

	switch command {
	case "train":
		res, err := svc.Train(ctx)
		if err != nil {
			return err
		}
		return emit(map[string]any{
			"version":    res.Bundle.VersionID,
			"algorithm":  string(res.Winner),
			"samples":    res.SampleCount,
			"protocols":  res.ProtocolCount,
			"holdout_f1": res.Bundle.Evaluation.F1,
		})
	case "train-detector":
		res, err := svc.TrainDetector(ctx)
		if err != nil {
			return err
		}
		return emit(map[string]any{
			"version":    res.Bundle.VersionID,
			"algorithm":  string(res.Winner),
			"population": res.Population,
			"silhouette": res.Bundle.SelectionMetric,
		})
	case "predict":
		if err := svc.LoadLatest(ctx); err != nil {
			return err
		}
		res, err := svc.PredictBatch(ctx, fs.Args())
		if err != nil {
			return err
		}
		return emit(res)
	case "serve":
		if err := svc.LoadLatest(ctx); err != nil {
			return err
		}
		return serve(ctx, cfg, svc, db)
	case "scan":
		if err := svc.LoadLatest(ctx); err != nil {
			return err
		}
		if _, ok := svc.DetectorVersion(); !ok {
			if _, err := svc.TrainDetector(ctx); err != nil {
				return err
			}
		}
		sum, err := svc.ScanAnomalies(ctx)
		if err != nil {
			return err
		}
		return emit(sum)
	default:
		usage()
		return fmt.Errorf("unknown command %q", command)
	}
}

// serve runs the retrain/scan scheduler and exposes the Prometheus scrape
// endpoint until interrupted.
func serve(ctx context.Context, cfg *config.Config, svc *engine.Service, db *sql.DB) error {
	logger := logging.FromContext(ctx)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if db != nil {
		go metrics.StartDBStatsCollector(ctx, db, 15*time.Second)
	}

	sched := scheduler.New(scheduler.DefaultConfig(), svc, logger)
	sched.Start(ctx)
	defer sched.Stop()

	checks := health.NewRegistry()
	checks.Register("risk_model", func(ctx context.Context) health.Status {
		version, ok := svc.ModelVersion()
		return health.Status{Name: "risk_model", Healthy: ok, Detail: version}
	})
	checks.Register("anomaly_detector", func(ctx context.Context) health.Status {
		version, ok := svc.DetectorVersion()
		return health.Status{Name: "anomaly_detector", Healthy: ok, Detail: version}
	})

	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/healthz", checks.Handler())
	srv := &http.Server{
		Addr:              cfg.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("metrics listening", "addr", cfg.MetricsAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// artifactStore picks the artifact backend: Postgres when DATABASE_URL is
// set, the filesystem store when ARTIFACT_DIR is set, in-memory otherwise.
// The returned *sql.DB is nil for the non-Postgres backends.
func artifactStore(ctx context.Context, cfg *config.Config) (modelstore.Store, *sql.DB, error) {
	if cfg.DatabaseURL != "" {
		db, err := sql.Open("postgres", cfg.DatabaseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open database: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("connect to database: %w", err)
		}
		store := modelstore.NewPostgresStore(db)
		if err := store.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("migrate model_artifacts: %w", err)
		}
		return store, db, nil
	}
	if cfg.ArtifactDir != "" {
		store, err := modelstore.NewFileStore(cfg.ArtifactDir)
		return store, nil, err
	}
	return modelstore.NewMemoryStore(), nil, nil
}

// dataset is the on-disk input: registry metadata plus metric history.
type dataset struct {
	Protocols []*marketdata.Protocol      `json:"protocols"`
	Snapshots []marketdata.MetricSnapshot `json:"snapshots"`
}

func loadDataset(path string) (*marketdata.MemoryStore, error) {
	raw, err := os.ReadFile(path) // #nosec G304 -- operator-supplied path
	if err != nil {
		return nil, fmt.Errorf("read dataset: %w", err)
	}
	var d dataset
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("parse dataset: %w", err)
	}
	if len(d.Protocols) == 0 {
		return nil, fmt.Errorf("dataset has no protocols")
	}
	store := marketdata.NewMemoryStore()
	for _, p := range d.Protocols {
		store.AddProtocol(p)
	}
	store.AddSnapshots(d.Snapshots...)
	return store, nil
}

func listModels(ctx context.Context, store modelstore.Store) error {
	out := map[string][]*modelstore.Artifact{}
	for _, kind := range []modelstore.Kind{modelstore.KindRisk, modelstore.KindAnomaly} {
		artifacts, err := store.List(ctx, kind, 20)
		if err != nil {
			return err
		}
		for _, a := range artifacts {
			a.Payload = nil // metadata only
		}
		out[string(kind)] = artifacts
	}
	return emit(out)
}

func emit(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: riskengine <command> [flags]

Commands:
  train           -data file.json   train and publish a risk model
  train-detector  -data file.json   select and publish an anomaly detector
  predict         -data file.json [id ...]   score protocols (all active by default)
  scan            -data file.json   anomaly scan over all active protocols
  serve           -data file.json   run the retrain/scan scheduler with /metrics
  models          list stored artifacts (ARTIFACT_DIR)`)
}
