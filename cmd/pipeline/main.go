// Command pipeline runs one worker role of the torrent-to-cloud job
// pipeline: download, upload-gdrive, upload-s3, health-monitor, or all of
// them in one process (WORKER_ROLE).
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sync"
	"sync/atomic"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"

	"jobpipeline/internal/backgroundjobs"
	"jobpipeline/internal/config"
	"jobpipeline/internal/coordination"
	"jobpipeline/internal/dispatch"
	"jobpipeline/internal/download"
	"jobpipeline/internal/health"
	"jobpipeline/internal/lifecycle"
	"jobpipeline/internal/logging"
	"jobpipeline/internal/netutil"
	"jobpipeline/internal/store"
	"jobpipeline/internal/torrentengine"
	"jobpipeline/internal/upload"
	"jobpipeline/internal/upload/gdrive"
	"jobpipeline/internal/upload/s3store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "configuration error:", err)
		os.Exit(1)
	}

	logger, closeLog, err := logging.New(logging.Options{Component: "pipeline", Format: cfg.LogFormat})
	if err != nil {
		fmt.Fprintln(os.Stderr, "logger init error:", err)
		os.Exit(1)
	}
	defer closeLog()

	if err := os.MkdirAll(cfg.TorrentDownloadPath, 0o755); err != nil {
		logger.Error("torrent download path unavailable", "error", err)
		os.Exit(1)
	}

	db, err := store.Open(cfg.DatabaseURL)
	if err != nil {
		logger.Error("database init failed", "error", err)
		os.Exit(1)
	}
	defer db.Close()
	if err := db.DB.AutoMigrate(&backgroundjobs.BackgroundJob{}); err != nil {
		logger.Error("background job migration failed", "error", err)
		os.Exit(1)
	}

	rdb := redis.NewClient(parseRedisOptions(cfg.RedisConnString))
	defer rdb.Close()

	hostname, _ := os.Hostname()
	gdriveStream := coordination.NewStream(rdb, "uploads:googledrive:stream", "googledrive-workers", hostname)
	s3Stream := coordination.NewStream(rdb, "uploads:awss3:stream", "s3-workers", hostname)
	lock := coordination.NewLock(rdb)
	cache := coordination.NewCache(rdb)

	engine := backgroundjobs.NewStoreBackedEngine(db)

	bandwidthLimiters := netutil.NewProviderLimiters()
	bandwidthLimiters.For(string(store.ProviderGoogleDrive)).SetLimit(cfg.UploadBandwidthLimitBytesPerSec)
	bandwidthLimiters.For(string(store.ProviderS3)).SetLimit(cfg.UploadBandwidthLimitBytesPerSec)

	var activeJobs int64
	ctx, cancel := context.WithCancel(context.Background())
	lifecycle.WaitForSignals(cancel)

	var wg sync.WaitGroup

	runDownload := cfg.WorkerRole == config.RoleDownload || cfg.WorkerRole == config.RoleAll
	runGDrive := cfg.WorkerRole == config.RoleUploadGDrive || cfg.WorkerRole == config.RoleAll
	runS3 := cfg.WorkerRole == config.RoleUploadS3 || cfg.WorkerRole == config.RoleAll
	runHealth := cfg.WorkerRole == config.RoleHealthMonitor || cfg.WorkerRole == config.RoleAll

	if runDownload {
		torrentEngine, err := torrentengine.New(torrentengine.Config{DataDir: cfg.TorrentDownloadPath, MaxSessions: 8})
		if err != nil {
			logger.Error("torrent engine init failed", "error", err)
			os.Exit(1)
		}
		defer torrentEngine.Close()

		streams := map[store.ProviderType]download.StreamPublisher{
			store.ProviderGoogleDrive: gdriveStream,
			store.ProviderS3:          s3Stream,
		}
		worker := download.New(db, torrentEngine, streams, cfg.TorrentDownloadPath, logger.With("component", "download-worker"))
		wg.Add(1)
		go func() { defer wg.Done(); _ = worker.Serve(ctx, engine) }()
	}

	backblazeMount := ""
	if cfg.BackblazeConfigured() {
		backblazeMount = cfg.BackblazeMount
	}

	if runGDrive {
		httpClient := &http.Client{}
		gdriveUploader := gdrive.New(httpClient, cache, db, bandwidthLimiters.For(string(store.ProviderGoogleDrive)))
		executor := upload.NewExecutor(db, lock, gdriveUploader, logger.With("component", "upload-executor-gdrive"), backblazeMount)
		dispatcher := dispatch.New(gdriveStream, db, engine, store.ProviderGoogleDrive, trackActive(&activeJobs, executor.Run), logger.With("component", "upload-dispatcher-gdrive"))
		wg.Add(1)
		go func() { defer wg.Done(); _ = dispatcher.Serve(ctx) }()
	}

	if runS3 {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			logger.Error("aws config load failed", "error", err)
			os.Exit(1)
		}
		s3Client := s3.NewFromConfig(awsCfg, func(o *s3.Options) { o.UsePathStyle = true })
		s3Uploader := s3store.New(s3Client, os.Getenv("S3_BUCKET"), db, bandwidthLimiters.For(string(store.ProviderS3)))
		executor := upload.NewExecutor(db, lock, s3Uploader, logger.With("component", "upload-executor-s3"), backblazeMount)
		dispatcher := dispatch.New(s3Stream, db, engine, store.ProviderS3, trackActive(&activeJobs, executor.Run), logger.With("component", "upload-dispatcher-s3"))
		wg.Add(1)
		go func() { defer wg.Done(); _ = dispatcher.Serve(ctx) }()
	}

	if runHealth {
		monitor := health.New(db, engine, cfg.HealthCheckInterval, cfg.HealthStaleThreshold, logger.With("component", "health-monitor"))
		wg.Add(1)
		go func() { defer wg.Done(); monitor.Run(ctx) }()
	}

	healthzServer := health.NewServer(cfg.HTTPAddr, string(cfg.WorkerRole), cfg.TorrentDownloadPath, func() int { return int(atomic.LoadInt64(&activeJobs)) })
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := healthzServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("healthz server stopped", "error", err)
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")
	_ = healthzServer.Shutdown(context.Background())
	wg.Wait()
}

func trackActive(counter *int64, run func(ctx context.Context, jobID uint) error) func(context.Context, uint) error {
	return func(ctx context.Context, jobID uint) error {
		atomic.AddInt64(counter, 1)
		defer atomic.AddInt64(counter, -1)
		return run(ctx, jobID)
	}
}

func parseRedisOptions(connString string) *redis.Options {
	opts, err := redis.ParseURL(connString)
	if err != nil {
		return &redis.Options{Addr: connString}
	}
	return opts
}
