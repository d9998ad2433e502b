package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/handlers"
	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"github.com/example/school-carpool/internal/carpool"
	"github.com/example/school-carpool/internal/config"
	"github.com/example/school-carpool/internal/demo"
	"github.com/example/school-carpool/internal/dispatch"
	"github.com/example/school-carpool/internal/geo"
	"github.com/example/school-carpool/internal/group"
	httpapi "github.com/example/school-carpool/internal/http"
	"github.com/example/school-carpool/internal/ingest"
	"github.com/example/school-carpool/internal/logging"
	"github.com/example/school-carpool/internal/match"
	"github.com/example/school-carpool/internal/storage"
	"github.com/example/school-carpool/internal/swipe"
)

func main() {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration: %v\n", err)
		os.Exit(1)
	}
	logger := logging.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("server stopped", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ServerConfig, logger *slog.Logger) error {
	var closers []io.Closer
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			_ = closers[i].Close()
		}
	}()

	var (
		profiles    geo.ProfileStore
		redisClient *redis.Client
	)
	if cfg.RedisAddr != "" {
		// one client serves the profile store and the pair store
		redisClient = redis.NewClient(&redis.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword})
		closers = append(closers, redisClient)
		profiles = geo.NewRedisGeoWithClient(redisClient, cfg.RedisGeoKey)
	} else {
		profiles = geo.NewIndex()
	}

	var (
		pairs     match.PairStore
		groups    group.Store
		decisions interface {
			swipe.DecisionLog
			swipe.DecisionHistory
		}
		pg        *storage.PostgresStore
	)
	if cfg.PGDSN != "" {
		var err error
		pg, err = storage.NewPostgresStore(cfg.PGDSN)
		if err != nil {
			return fmt.Errorf("connect postgres: %w", err)
		}
		closers = append(closers, pg)
		if cfg.RunMigrations {
			if err := storage.Migrate(pg.DB()); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			logger.Info("migrations applied")
		}
		pairs, groups, decisions = pg, pg, pg
	} else {
		mem := storage.NewMemoryStore()
		groups, decisions = mem, mem
		if redisClient != nil {
			pairs = match.NewRedisPairStore(redisClient)
		} else {
			pairs = match.NewMemoryPairStore()
		}
	}

	ws := dispatch.NewWSRegistry()
	events := dispatch.NewMulti(logger).Add("websocket", ws)
	var producer *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		ks := dispatch.NewKafkaSink(cfg.KafkaBrokers, cfg.KafkaMatchTopic)
		closers = append(closers, ks)
		events.Add("kafka", ks)
		// profiles published to Kafka land in Redis via the consumer
		if redisClient != nil {
			producer = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaProfileTopic)
			closers = append(closers, producer)
		}
	}
	if cfg.AMQPURL != "" {
		as, err := dispatch.NewAMQPSink(cfg.AMQPURL, cfg.AMQPExchange)
		if err != nil {
			return fmt.Errorf("connect amqp: %w", err)
		}
		closers = append(closers, as)
		events.Add("amqp", as)
	}
	if cfg.WebhookURL != "" {
		events.Add("webhook", dispatch.NewWebhookSink(cfg.WebhookURL))
	}

	registry := match.NewRegistry(pairs, events, logger)
	svc := carpool.NewService(profiles, registry, group.NewService(registry, groups, logger), carpool.Options{
		DailyLimit:    cfg.DailySwipeLimit,
		Location:      cfg.Location,
		Weights:       cfg.Weights,
		Workers:       cfg.ScoringWorkers,
		DefaultRadius: cfg.SearchRadiusMeters,
		Log:           decisions,
		History:       decisions,
		Logger:        logger,
	})

	if cfg.SeedDemo {
		if err := demo.Seed(ctx, svc, demo.NewGenerator(1, demo.Center, cfg.SearchRadiusMeters), cfg.DemoFamilies); err != nil {
			return err
		}
		logger.Info("demo families seeded", "count", cfg.DemoFamilies)
	}

	var pub httpapi.ProfilePublisher
	if producer != nil {
		pub = producer
	}
	api := httpapi.NewServer(svc, ws, pub, httpapi.NewTokenAuth(cfg.JWTSecret), logger)
	api.Ready = func(ctx context.Context) error {
		if redisClient != nil {
			if err := redisClient.Ping(ctx).Err(); err != nil {
				return err
			}
		}
		if pg != nil {
			return pg.DB().PingContext(ctx)
		}
		return nil
	}

	cors := handlers.CORS(
		handlers.AllowedOrigins(cfg.CORSOrigins),
		handlers.AllowedMethods([]string{"GET", "POST", "PUT", "OPTIONS"}),
		handlers.AllowedHeaders([]string{"Authorization", "Content-Type", "X-Request-ID"}),
	)
	srv := &http.Server{
		Addr:         cfg.HTTPAddr,
		Handler:      cors(api),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("school-carpool listening", "addr", cfg.HTTPAddr, "sinks", events.Len())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
		defer cancel()
		logger.Info("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error {
		evictIdleSessions(gctx, svc, cfg.SessionIdleTTL, logger)
		return nil
	})
	return g.Wait()
}

// evictIdleSessions drops swipe sessions nobody has touched for ttl until ctx
// ends. Evicted families are rebuilt from the decision history on their next
// request.
func evictIdleSessions(ctx context.Context, svc *carpool.Service, ttl time.Duration, logger *slog.Logger) {
	t := time.NewTicker(max(ttl/2, time.Second))
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if n := svc.EvictIdle(ttl); n > 0 {
				logger.Debug("idle sessions evicted", "count", n)
			}
		}
	}
}
