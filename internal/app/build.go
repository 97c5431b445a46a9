package app

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/antoniostano/secondbrain/internal/config"
	"github.com/antoniostano/secondbrain/internal/httpapi"
	"github.com/antoniostano/secondbrain/internal/memory"
	"github.com/antoniostano/secondbrain/internal/observability"
	"github.com/antoniostano/secondbrain/internal/session"
	"github.com/antoniostano/secondbrain/internal/voice"
)

const redisPingTimeout = 5 * time.Second

type BuildResult struct {
	Config   config.Config
	API      *httpapi.Server
	Sessions *session.Manager
	Registry *voice.Registry
	Pipeline *voice.Pipeline
	Metrics  *observability.Metrics

	// Background workers; each runs until its context is cancelled.
	CleanupService *session.CleanupService
	Archiver       *memory.Archiver
	// Mirror is nil when REDIS_URL is unset.
	Mirror *session.AsyncMirror

	// Close releases external resources (DB pool, Redis client).
	Close func() error
}

func Build(ctx context.Context, cfg config.Config, log *zap.Logger) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	turnStore, err := memory.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("turn archive init failed: %w", err)
	}
	closers := []func() error{turnStore.Close}
	closeAll := func() error {
		var errs []error
		for i := len(closers) - 1; i >= 0; i-- {
			errs = append(errs, closers[i]())
		}
		return errors.Join(errs...)
	}
	archiver := memory.NewArchiver(turnStore, log.Named("archive"))

	var (
		mirror      *session.AsyncMirror
		sessionSink session.Mirror = session.NopMirror{}
		snapshots   httpapi.SnapshotLookup
	)
	if cfg.RedisURL != "" {
		client, err := newRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			_ = closeAll()
			return nil, err
		}
		store := session.NewRedisSnapshotStore(client)
		closers = append(closers, store.Close)
		mirror = session.NewAsyncMirror(store, session.EndedRetention+cfg.Voice.IdleTimeout, metrics, log.Named("mirror"))
		sessionSink, snapshots = mirror, mirror
	}

	sessions := session.NewManager(session.Options{
		MaxPerUser: cfg.Voice.MaxConcurrentSessions,
		Metrics:    metrics,
		Mirror:     sessionSink,
		OnEnd:      archiver.Enqueue,
	}, log.Named("sessions"))

	registry := buildRegistry(cfg, log.Named("providers"))
	pipeline := voice.NewPipeline(registry, sessions, voice.PipelineOptions{
		TTSProviders: cfg.Voice.TTSProviders,
		STTProviders: cfg.Voice.STTProviders,
		FlushSettle:  cfg.Voice.FlushSettle,
		OutputFormat: cfg.ElevenLabs.OutputFormat,
		Language:     cfg.Deepgram.Language,
	}, metrics, log.Named("pipeline"))

	api := httpapi.New(cfg, httpapi.Dependencies{
		Sessions:  sessions,
		Pipeline:  pipeline,
		Providers: registry,
		Snapshots: snapshots,
		Turns:     turnStore,
		Metrics:   metrics,
		Log:       log.Named("http"),
	})

	return &BuildResult{
		Config:         cfg,
		API:            api,
		Sessions:       sessions,
		Registry:       registry,
		Pipeline:       pipeline,
		Metrics:        metrics,
		CleanupService: session.NewCleanupService(sessions, cfg.Voice.CleanupInterval, cfg.Voice.IdleTimeout, metrics, log.Named("cleanup")),
		Archiver:       archiver,
		Mirror:         mirror,
		Close:          closeAll,
	}, nil
}

func newRedisClient(ctx context.Context, rawURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(rawURL)
	if err != nil {
		return nil, fmt.Errorf("REDIS_URL parse error: %w", err)
	}
	client := redis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, redisPingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping failed: %w", err)
	}
	return client, nil
}
