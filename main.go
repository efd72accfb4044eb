package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"seller_radar/config"
	"seller_radar/fetch"
	"seller_radar/httputil"
	"seller_radar/ingest"
	"seller_radar/lock"
	"seller_radar/logging"
	"seller_radar/metrics"
	"seller_radar/models"
	"seller_radar/scheduler"
	"seller_radar/services"
	"seller_radar/storage"
)

var (
	syncNow = flag.Bool("sync", false, "Run one manual sync cycle, print the result and exit")
	force   = flag.Bool("force", false, "Bypass change detection for this run")
	trigger = flag.Bool("trigger", false, "Queue a sync_now command for the running daemon and exit")
)

// pipelineStore is what the orchestrator persists into.
type pipelineStore interface {
	ingest.RunLedger
	services.OpportunityStore
}

func main() {
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	logger, logFile, err := logging.Setup(cfg.LogFile, cfg.LogLevel)
	if err != nil {
		log.Fatalf("Failed to set up logging: %v", err)
	}
	defer logFile.Close()
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("exiting", zap.Error(err))
	}
}

func run(cfg *config.Config, logger *zap.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	logger.Info("starting seller_radar",
		zap.String("store", cfg.StoreDriver),
		zap.String("lock", cfg.Lock.Backend),
		zap.Int("datasets", len(cfg.Datasets)))
	for _, key := range cfg.DatasetKeys() {
		ds := cfg.Datasets[key]
		logger.Info("dataset", zap.String("key", key), zap.String("provider", ds.Provider), zap.Bool("opportunities", ds.Opportunities))
	}

	// The SQLite file always holds the command queue.
	sqliteStore, err := storage.NewSQLiteStore(cfg.DBPath)
	if err != nil {
		return fmt.Errorf("open sqlite: %w", err)
	}
	defer sqliteStore.Close()

	if *trigger {
		params, _ := json.Marshal(models.SyncParams{Force: *force})
		id, err := sqliteStore.EnqueueCommand(ctx, models.CmdSyncNow, params)
		if err != nil {
			return err
		}
		logger.Info("queued sync_now", zap.Int64("id", id))
		return nil
	}

	var store pipelineStore = sqliteStore
	var pgStore *storage.PostgresStore
	if cfg.StoreDriver == config.DriverPostgres || cfg.Lock.Backend == config.DriverPostgres {
		pgStore, err = storage.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		defer pgStore.Close()
		logger.Info("connected to postgres", zap.String("url", maskConnectionString(cfg.DatabaseURL)))
	}
	if cfg.StoreDriver == config.DriverPostgres {
		store = pgStore
	}

	locker, err := newLocker(cfg, pgStore, sqliteStore)
	if err != nil {
		return err
	}

	var objects fetch.ObjectStore = &storage.FileArchive{Dir: cfg.Archive.Dir}
	if cfg.S3.Bucket != "" {
		s3Archive, err := storage.NewS3Archive(ctx, cfg.S3)
		if err != nil {
			return err
		}
		objects = s3Archive
		logger.Info("archiving to s3", zap.String("bucket", cfg.S3.Bucket))
	} else {
		logger.Info("archiving to local directory", zap.String("dir", cfg.Archive.Dir))
	}

	clients := httputil.NewClients(&cfg.HTTP)
	downloader := fetch.NewDownloader(clients, cfg.Archive.DownloadDir)

	orchestrator := ingest.NewOrchestrator(
		cfg.Datasets,
		ingest.OptionsFromConfig(cfg),
		locker,
		store,
		fetch.NewDetector(clients),
		fetch.NewArchiver(downloader, objects, cfg.Archive.Prefix, logger),
		services.NewOpportunityService(store, cfg.Sync.ChunkSize, logger),
		services.NewRepairService(store, logger),
		logger,
	)

	if *syncNow {
		result, err := orchestrator.Sync(ctx, models.ReasonManual, *force || cfg.Sync.Force)
		if err != nil {
			return fmt.Errorf("sync: %w", err)
		}
		out, _ := json.MarshalIndent(result, "", "  ")
		fmt.Println(string(out))
		return nil
	}

	if cfg.MetricsAddr != "" {
		go func() {
			if err := metrics.Serve(ctx, cfg.MetricsAddr, logger); err != nil {
				logger.Error("metrics server", zap.Error(err))
			}
		}()
	}

	sched := scheduler.New(cfg.Scheduler, orchestrator, sqliteStore, logger)
	if err := sched.Start(ctx); err != nil {
		return fmt.Errorf("start scheduler: %w", err)
	}

	logger.Info("daemon running, press Ctrl+C to stop")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	logger.Info("shutting down")
	cancel()
	sched.Stop()
	return nil
}

func newLocker(cfg *config.Config, pg *storage.PostgresStore, sq *storage.SQLiteStore) (lock.Locker, error) {
	switch cfg.Lock.Backend {
	case config.DriverPostgres:
		return lock.NewPostgresLocker(pg.Pool()), nil
	case config.DriverRedis:
		opts, err := redis.ParseURL(cfg.Lock.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("parse REDIS_URL: %w", err)
		}
		return lock.NewRedisLocker(redis.NewClient(opts), cfg.Lock.TTL), nil
	default:
		return lock.NewSQLiteLocker(sq.DB(), cfg.Lock.TTL)
	}
}

// maskConnectionString masks the password in a connection string for logging
func maskConnectionString(connStr string) string {
	start := 0
	for i := 0; i < len(connStr)-3; i++ {
		if connStr[i:i+3] == "://" {
			start = i + 3
			break
		}
	}
	if start == 0 {
		return connStr
	}

	colonIdx := -1
	atIdx := -1
	for i := start; i < len(connStr); i++ {
		if connStr[i] == ':' && colonIdx == -1 {
			colonIdx = i
		}
		if connStr[i] == '@' {
			atIdx = i
			break
		}
	}

	if colonIdx > 0 && atIdx > colonIdx {
		return connStr[:colonIdx+1] + "****" + connStr[atIdx:]
	}
	return connStr
}
