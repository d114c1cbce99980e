package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/sawpanic/retune/internal/config"
	"github.com/sawpanic/retune/internal/infrastructure/db"
	"github.com/sawpanic/retune/internal/lock"
	"github.com/sawpanic/retune/internal/metrics"
	"github.com/sawpanic/retune/internal/notify"
	"github.com/sawpanic/retune/internal/rollout"
	"github.com/sawpanic/retune/internal/runtime"
	"github.com/sawpanic/retune/internal/versions"
)

// app holds the long-lived clients shared by every command
type app struct {
	cfg        *config.Config
	db         *db.Manager
	versions   *versions.Store
	redis      *redis.Client
	locker     *lock.Locker
	events     *notify.Dispatcher
	closers    []io.Closer
	runtime    runtime.Runtime
	supervisor *rollout.Supervisor
	metrics    *metrics.Registry
}

type appOptions struct {
	// withRuntimeMetrics adds Go and process collectors to the registry
	withRuntimeMetrics bool
}

func openApp(ctx context.Context, cfg *config.Config, opts appOptions) (*app, error) {
	a := &app{cfg: cfg}

	mgr, err := db.NewManager(ctx, cfg.Storage.DB)
	if err != nil {
		return nil, fmt.Errorf("open trial database: %w", err)
	}
	a.db = mgr

	a.versions, err = versions.New(cfg.Storage.VersionsDir)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("open version store: %w", err)
	}

	if cfg.Redis.Enabled() {
		a.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := a.redis.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("connect to redis %s: %w", cfg.Redis.Addr, err)
		}
		a.locker = lock.New(a.redis, cfg.Redis.Lock)
	}

	sinks := []notify.Sink{notify.LogSink{}}
	if cfg.Kafka.Enabled {
		ks, err := notify.NewKafkaSink(cfg.Kafka.KafkaConfig)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("kafka sink: %w", err)
		}
		sinks = append(sinks, ks)
		a.closers = append(a.closers, ks)
	}
	if cfg.Redis.Events && a.redis != nil {
		sinks = append(sinks, notify.NewRedisSink(a.redis, cfg.Redis.Stream))
	}
	a.events = notify.NewDispatcher(cfg.Notify, sinks...)

	// keep the interface nil when no runtime is configured
	if cfg.Runtime.BaseURL != "" {
		client, err := runtime.NewClient(cfg.Runtime)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.runtime = client
	}

	a.supervisor = rollout.NewSupervisor(cfg.Rollout, a.db.Repository().Candidates, a.versions, a.runtime, a.events)

	if cfg.Metrics.Enabled {
		a.metrics = metrics.NewRegistry(opts.withRuntimeMetrics)
	}
	return a, nil
}

// withDeployLock runs fn under the Redis lease when one is configured
func (a *app) withDeployLock(ctx context.Context, fn func(context.Context) error) error {
	if a.locker == nil || !a.cfg.Deploy.Lock {
		return fn(ctx)
	}
	return a.locker.WithLock(ctx, fn)
}

// Close flushes pending notifications and closes every client
func (a *app) Close() error {
	var errs []error
	if a.events != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := a.events.Close(ctx); err != nil {
			errs = append(errs, fmt.Errorf("flush notifications: %w", err))
		}
		cancel()
	}
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	err := errors.Join(errs...)
	if err != nil {
		log.Warn().Err(err).Msg("Shutdown was not clean")
	}
	return err
}
