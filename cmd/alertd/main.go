package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/oddspulse/alertd/internal/channel/email"
	"github.com/oddspulse/alertd/internal/config"
	"github.com/oddspulse/alertd/internal/detector"
	"github.com/oddspulse/alertd/internal/dispatch"
	"github.com/oddspulse/alertd/internal/handler/ops"
	"github.com/oddspulse/alertd/internal/model"
	"github.com/oddspulse/alertd/internal/queue"
	"github.com/oddspulse/alertd/internal/repository/postgres"
	"github.com/oddspulse/alertd/internal/router"
	"github.com/oddspulse/alertd/pkg/event"
	"github.com/oddspulse/alertd/pkg/logger"
	"github.com/oddspulse/alertd/pkg/metrics"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	level, err := zerolog.ParseLevel(cfg.Logging.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := logger.NewLogger(&logger.Config{
		Level:      level,
		TimeFormat: time.RFC3339,
		Output:     os.Stdout,
	})

	registry := prometheus.NewRegistry()
	m := metrics.New("alertd")
	m.MustRegister(registry)

	emitter := event.NewEmitter()
	emitter.SubscribeAll(func(name string, payload event.Payload) {
		log.Debug("pipeline event", "event", name, "payload", payload)
	})

	rdb, err := newRedisClient(cfg.Redis)
	if err != nil {
		log.Fatal(err, "failed to connect to Redis")
	}
	defer rdb.Close()

	db, err := postgres.Connect(postgres.Config{
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Name:     cfg.Database.Name,
		SSLMode:  cfg.Database.SSLMode,
	})
	if err != nil {
		log.Fatal(err, "failed to connect to database")
	}
	defer db.Close()

	dispatcher := dispatch.New(dispatch.Config{
		BatchSize:    cfg.Dispatcher.BatchSize,
		MaxRetries:   cfg.Dispatcher.MaxRetries,
		RetryDelay:   cfg.Dispatcher.RetryDelay,
		TrackHistory: cfg.Dispatcher.TrackHistory,
		HistoryLimit: cfg.Dispatcher.HistoryLimit,
	}, emitter, log, m)

	dispatcher.AddTemplate(model.EventTypeOddsMovement, &dispatch.Template{
		Subject: "Odds alert: {{movement_type}} movement on fight {{fightId}}",
		Body: "The line at {{sportsbook}} moved for fight {{fightId}}: " +
			"fighter 1 {{fighter1_change_pct}}%, fighter 2 {{fighter2_change_pct}}% " +
			"(now {{moneyline_fighter1}} / {{moneyline_fighter2}}).",
	})

	if cfg.SMTP.Enabled {
		recipient := func(ctx context.Context, userID string) (string, error) {
			var addr string
			err := db.GetContext(ctx, &addr, "SELECT email FROM users WHERE id = $1", userID)
			return addr, err
		}
		dispatcher.RegisterChannel(email.New(email.Config{
			Host:     cfg.SMTP.Host,
			Port:     cfg.SMTP.Port,
			Username: cfg.SMTP.Username,
			Password: cfg.SMTP.Password,
			From:     cfg.SMTP.From,
		}, recipient, log))
	}

	prefsStore := postgres.NewPreferencesRepository(db)
	rtr := router.New(router.Config{
		MaxConcurrentEvents: cfg.Router.MaxConcurrentEvents,
		CacheTTL:            cfg.Router.CacheTTL,
	}, prefsStore, dispatcher, emitter, log, m)

	q := queue.New(queue.Config{
		Stream:           cfg.Queue.Stream,
		DeadLetterStream: cfg.Queue.DeadLetterStream,
		Group:            cfg.Queue.Group,
		Consumer:         cfg.Queue.Consumer,
		BatchSize:        cfg.Queue.BatchSize,
		BlockTimeout:     cfg.Queue.BlockTimeout,
		MaxRetries:       cfg.Queue.MaxRetries,
	}, rdb, emitter, log, m)
	q.RegisterHandler(model.EventTypeOddsMovement, func(ctx context.Context, evt *model.AlertEvent) error {
		return rtr.AddEvent(ctx, evt)
	})

	detCfg := detector.Config{
		Thresholds: detector.Thresholds{
			SignificantPct: cfg.Detector.SignificantPct,
			ReversePct:     cfg.Detector.ReversePct,
			SteamPct:       cfg.Detector.SteamPct,
		},
		MinimumOddsValue:     cfg.Detector.MinimumOddsValue,
		MinTimeBetweenAlerts: cfg.Detector.MinTimeBetweenAlerts,
		MaxHistoryPerKey:     cfg.Detector.MaxHistoryPerKey,
	}
	if cfg.Detector.BatchEnabled {
		detCfg.Batch = &detector.BatchConfig{
			Interval:   cfg.Detector.BatchInterval,
			MaxPerTick: cfg.Detector.BatchMaxPerTick,
		}
	}
	det := detector.New(detCfg, q, emitter, log, m)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := q.Initialize(ctx); err != nil {
		log.Fatal(err, "failed to initialize event queue")
	}
	q.StartConsuming(ctx)
	det.Start(ctx)

	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())
	ops.NewHandler(det, q, rtr, dispatcher, registry).RegisterRoutes(engine)

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: engine,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal(err, "ops server failed")
		}
	}()

	log.Info("alertd started",
		"port", cfg.Server.Port,
		"stream", cfg.Queue.Stream,
		"consumer", cfg.Queue.Consumer,
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info("shutting down")
	cancel()
	det.Stop()
	q.StopConsuming()
	dispatcher.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error(err, "ops server shutdown failed")
	}
}

func newRedisClient(cfg config.RedisConfig) (*redis.Client, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	opts.MaxRetries = cfg.MaxRetries
	opts.MinRetryBackoff = cfg.RetryBackoff
	opts.PoolSize = cfg.PoolSize
	opts.MinIdleConns = cfg.MinIdleConns

	client := redis.NewClient(opts)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}
