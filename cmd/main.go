package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"litshorts/internal/logger"
	"litshorts/internal/media"
	"litshorts/internal/metrics"
	"litshorts/internal/models"
	"litshorts/internal/pipeline"
	"litshorts/internal/queue"
	"litshorts/internal/server"
	"litshorts/internal/storage"
)

const shutdownTimeout = 30 * time.Second

func main() {
	_ = godotenv.Load()

	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "config.yaml"
	}
	cfg, err := models.LoadConfig(path)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logg, err := logger.New(cfg.Log)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logg.Sync()

	if err := run(cfg, logg); err != nil {
		logg.Fatal("service stopped with error", zap.Error(err))
	}
}

func run(cfg *models.Config, logg *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := storage.NewStorage(ctx, cfg.DatabaseURL, cfg.MigrationsDir, logg)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}
	defer db.Close()

	m := metrics.New()

	prober, err := media.NewProber(cfg.Render.FFprobePath, cfg.Render.ProbeFallback, cfg.Render.ProbeCacheSize, logg)
	if err != nil {
		return err
	}
	frames, err := media.NewFrameRenderer(media.FrameOptions{
		Width:     cfg.Render.Width,
		Height:    cfg.Render.Height,
		Captions:  cfg.Render.Captions,
		Watermark: cfg.WatermarkText,
	})
	if err != nil {
		return err
	}
	workspace := pipeline.NewWorkspace(cfg.ScratchPath, cfg.Render.CleanupDelay, logg)

	deps := pipeline.Deps{
		Scripts:   db,
		Audit:     db,
		Prober:    prober,
		Renderer:  frames,
		Encoder:   media.NewFFmpeg(cfg.Render.FFmpegPath, cfg.Render.FPS, logg),
		Workspace: workspace,
		Recorder:  m,
	}

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect redis: %w", err)
		}
		deps.Locker = pipeline.NewRedisLocker(rdb, cfg.Render.LockTTL)
		logg.Info("using redis render locks", zap.String("addr", cfg.RedisAddr))
	}

	if cfg.ObjectStore.Enabled() {
		store, err := storage.NewObjectStore(cfg.ObjectStore)
		if err != nil {
			return err
		}
		deps.Publisher = store
		logg.Info("publishing videos to object storage", zap.String("bucket", cfg.ObjectStore.Bucket))
	}

	coord, err := pipeline.NewCoordinator(pipeline.ConfigFrom(cfg), deps, logg)
	if err != nil {
		return err
	}

	sweeper := pipeline.NewSweeper(cfg.ScratchPath, cfg.Sweeper.MaxAge, logg)
	if err := sweeper.Start(cfg.Sweeper.Schedule); err != nil {
		return err
	}
	defer sweeper.Stop()

	var jobs server.JobQueue
	consumerDone := make(chan struct{})
	if cfg.KafkaBroker != "" {
		producer := queue.NewProducer(cfg.KafkaBroker, cfg.KafkaTopic, m)
		defer producer.Close()
		jobs = producer

		handle := func(ctx context.Context, job queue.RenderJob) error {
			res, err := coord.CreateVideo(ctx, job.ScriptID)
			if errors.Is(err, pipeline.ErrRenderInProgress) {
				logg.Info("render already in progress, dropping job", zap.String("script_id", job.ScriptID.String()))
				m.JobStage("dropped")
				return nil
			}
			if err != nil {
				return err
			}
			logg.Info("queued render finished", zap.String("script_id", job.ScriptID.String()), zap.String("url", res.URL))
			return nil
		}
		consumer := queue.NewConsumer(cfg.KafkaBroker, cfg.KafkaTopic, cfg.KafkaGroupID, handle, m, logg)
		go func() {
			defer close(consumerDone)
			_ = consumer.Run(ctx)
		}()
	} else {
		close(consumerDone)
		logg.Info("kafka broker not configured, async render jobs disabled")
	}

	srv, err := server.NewServer(cfg, db, coord, jobs, m, logg)
	if err != nil {
		return err
	}

	serverErr := make(chan error, 1)
	go func() {
		logg.Info("http server listening", zap.String("addr", cfg.ServerAddr))
		serverErr <- srv.Start()
	}()

	select {
	case <-ctx.Done():
		logg.Info("shutting down")
	case err := <-serverErr:
		if err != nil {
			logg.Error("http server failed", zap.Error(err))
		}
		stop()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Stop(shutdownCtx); err != nil {
		logg.Warn("http server shutdown", zap.Error(err))
	}
	select {
	case <-consumerDone:
	case <-shutdownCtx.Done():
		logg.Warn("render consumer did not stop in time")
	}
	workspace.Wait()
	return nil
}
