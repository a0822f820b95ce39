// main.go - Claims ledger daemon.
//
// Usage:
//
//	claimsd -config claimsd.yaml
//
// The config file is created with defaults on first start.

package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"

	"confidentialclaims/internal/api"
	"confidentialclaims/internal/config"
	"confidentialclaims/internal/coprocessor"
	"confidentialclaims/internal/fhe"
	"confidentialclaims/internal/health"
	"confidentialclaims/internal/inputproof"
	"confidentialclaims/internal/kv"
	"confidentialclaims/internal/ledger"
	"confidentialclaims/internal/logging"
	"confidentialclaims/internal/metrics"
	"confidentialclaims/internal/throttle"
)

const version = "0.1.0"

const shutdownGrace = 10 * time.Second

func main() {
	configPath := flag.String("config", "claimsd.yaml", "path to the config file (.yaml, .yml or .json)")
	listen := flag.String("listen", "", "override listen_addr")
	flag.Parse()

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		logrus.WithError(err).Fatal("load config")
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	if err := cfg.Validate(); err != nil {
		logrus.WithError(err).Fatal("invalid config")
	}

	opts := logging.Options{Level: cfg.LogLevel, Format: cfg.LogFormat, File: cfg.LogFile}
	if cfg.EnableAudit {
		opts.AuditFile = cfg.AuditLogPath
	}
	log, err := logging.New(opts)
	if err != nil {
		logrus.WithError(err).Fatal("init logging")
	}
	defer log.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.WithError(err).Error("claimsd stopped")
		log.Close()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, log *logging.Logger) error {
	log.WithFields(logrus.Fields{
		"listen":  cfg.ListenAddr,
		"storage": cfg.Storage,
		"backend": cfg.Backend,
		"version": version,
	}).Info("starting claimsd")

	collector := metrics.NewCollector()
	checker := health.NewChecker(version)

	var store *kv.Store
	if cfg.Storage == config.StorageBadger {
		var err error
		store, err = kv.Open(kv.StoreConfig{Path: cfg.DataDir, SyncWrites: cfg.SyncWrites, Logger: log.Logger})
		if err != nil {
			return err
		}
		defer store.Close()
		checker.Register("storage", func(context.Context) error { return store.Ping() })
	}

	backend, err := openBackend(cfg, store, log)
	if err != nil {
		return err
	}
	checker.Register("backend", func(context.Context) error { return backend.Ping() })

	storage, err := openStorage(cfg, store)
	if err != nil {
		return err
	}

	delay := throttle.NewDelay(throttle.Config{
		Enabled:      cfg.ThrottleEnabled,
		Burst:        cfg.ThrottleBurst,
		RefillTokens: cfg.ThrottleRefill,
		RefillPeriod: cfg.ThrottlePeriod(),
		Logger:       log,
		OnWait:       collector.RecordThrottleWait,
	})

	journal := ledger.NewJournal()
	l, err := ledger.New(ctx, ledger.Config{
		Backend: backend,
		Storage: storage,
		Delay:   delay,
		Self:    fhe.Principal(cfg.Principal),
		Events:  journal,
		Metrics: collector,
		Logger:  log,
	})
	if err != nil {
		return err
	}
	collector.SetGauge(metrics.MetricClaimCount, float64(l.GetClaimCount()), nil)

	events, cancel := journal.Subscribe(64)
	defer cancel()
	go func() {
		for e := range events {
			log.WithFields(logrus.Fields{
				"event":     e.ID,
				"kind":      e.Kind,
				"claim":     e.ClaimID,
				"principal": e.Principal,
			}).Debug("ledger event")
			collector.SetGauge(metrics.MetricClaimCount, float64(l.GetClaimCount()), nil)
		}
	}()

	srv := api.New(api.Options{
		Ledger:  l,
		Backend: backend,
		Limiter: throttle.NewPrincipalLimiter(cfg.RequestBurst, cfg.RequestsPerMinute, time.Minute, nil),
		Metrics: collector,
		Health:  checker,
		Auditor: log,
		Logger:  log,
		Timeout: cfg.Timeout(),
	})
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.ListenAddr).Info("listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return errors.Wrap(err, "http server")
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancelShutdown()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		return errors.Wrap(err, "shutdown")
	}
	if cfg.Storage == config.StorageJSON {
		return nil
	}
	if err := l.SaveSnapshot(cfg.SnapshotPath); err != nil {
		log.WithError(err).Warn("final snapshot failed")
	}
	return nil
}

type pingableBackend interface {
	fhe.Backend
	Ping() error
}

func openBackend(cfg *config.Config, store *kv.Store, log *logging.Logger) (pingableBackend, error) {
	if cfg.Backend == config.BackendPlain {
		log.Warn("plain backend keeps values unencrypted; use it for development only")
		return fhe.NewPlainBackend(), nil
	}

	kp, err := inputproof.LoadOrCreateKeyPair(cfg.KeyDir)
	if err != nil {
		return nil, err
	}
	start := time.Now()
	keys, err := inputproof.SetupOrLoadKeys(cfg.KeyDir)
	if err != nil {
		return nil, err
	}
	log.WithField("took", time.Since(start)).Info("input proof keys ready")

	var records coprocessor.Store = coprocessor.NewMemoryStore()
	if store != nil {
		records = coprocessor.NewBadgerStore(store)
	}
	return coprocessor.New(coprocessor.Config{
		KeyPair:  kp,
		Verifier: inputproof.NewVerifier(keys.VK, kp.Pk),
		Store:    records,
		Logger:   log,
	})
}

func openStorage(cfg *config.Config, store *kv.Store) (ledger.Storage, error) {
	switch cfg.Storage {
	case config.StorageBadger:
		return ledger.NewBadgerStorage(store), nil
	case config.StorageJSON:
		if err := os.MkdirAll(filepath.Dir(cfg.SnapshotPath), 0o755); err != nil {
			return nil, errors.Wrap(err, "create snapshot directory")
		}
		return ledger.OpenFileStorage(cfg.SnapshotPath)
	default:
		return ledger.NewMemoryStorage(), nil
	}
}
