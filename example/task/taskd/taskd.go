// Package taskd runs the task service: event store, board projection,
// optional Redis publisher and the HTTP API.
package taskd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/romshark/plow"
	"github.com/romshark/plow/bus/redisbus"
	"github.com/romshark/plow/config"
	"github.com/romshark/plow/example/task"
	"github.com/romshark/plow/example/task/taskapi"
	"github.com/romshark/plow/internal/dbopen"
	"github.com/romshark/plow/internal/telemetry"

	"golang.org/x/sync/errgroup"
)

const ServiceName = "taskd"

// ProjectionIDPublisher identifies the Redis publisher projection.
const ProjectionIDPublisher int32 = 1

const listenQueueLen = 64

// Run serves the task API on ln until ctx is canceled.
// In-flight requests and synchronizations get cfg.ShutdownTimeout to finish.
func Run(ctx context.Context, cfg config.Config, log *slog.Logger, ln net.Listener) error {
	shutdownTelemetry, err := telemetry.Setup(
		ctx, cfg.OTelEndpoint, ServiceName, plow.VCSRevision(),
	)
	if err != nil {
		return fmt.Errorf("setting up telemetry: %w", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cfg.ShutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(ctx); err != nil {
			log.Error("shutting down telemetry", slog.Any("err", err))
		}
	}()

	store, closeStore, err := dbopen.Open(ctx, log, cfg.DSN, cfg.PGMaxConns)
	if err != nil {
		return err
	}
	defer closeStore()

	board := task.NewBoard(log)
	var projections []plow.Projection
	if cfg.RedisAddr != "" {
		rdb, err := redisbus.Open(ctx, cfg.RedisAddr)
		if err != nil {
			return err
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Error("closing redis client", slog.Any("err", err))
			}
		}()
		projections = append(projections, redisbus.NewPublisher(
			ProjectionIDPublisher, rdb, cfg.RedisChannel, log,
		))
		log.Info("publishing events to redis",
			slog.String("addr", cfg.RedisAddr),
			slog.String("channel", cfg.RedisChannel))
	}

	engine, err := plow.Make(ctx, nil, log, store, nil,
		[]plow.StatefulProjection{board}, projections)
	if err != nil {
		return fmt.Errorf("initializing engine: %w", err)
	}

	// Serve a complete board from the first request on.
	if err := engine.Sync(ctx, ctx, log); err != nil {
		return fmt.Errorf("initial sync: %w", err)
	}

	var poller plow.Poller
	if cfg.PollInterval > 0 {
		poller = plow.NewTickingPoller(cfg.PollInterval)
	}

	srv := &http.Server{
		Handler: taskapi.NewRouter(
			taskapi.NewHandler(log, engine, task.NewRepository(engine, log), board),
			ServiceName,
		),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// ctxHard outlives ctx until the shutdown timeout expires.
	ctxHard, cancelHard := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelHard()

	g, ctxGraceful := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := engine.Listen(ctxHard, ctxGraceful, log, poller, listenQueueLen, func() {
			log.Info("listening for events")
		})
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error {
		log.Info("serving http", slog.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving http: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-ctxGraceful.Done()
		timer := time.AfterFunc(cfg.ShutdownTimeout, cancelHard)
		defer timer.Stop()
		if err := srv.Shutdown(ctxHard); err != nil {
			return fmt.Errorf("shutting down http: %w", err)
		}
		return nil
	})
	return g.Wait()
}
