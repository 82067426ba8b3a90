package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/belediye/bts/config"
	"github.com/belediye/bts/internal/api/gpsapi"
	"github.com/belediye/bts/internal/auth"
	"github.com/belediye/bts/internal/broker/kafka"
	"github.com/belediye/bts/internal/cache/rediscache"
	"github.com/belediye/bts/internal/logging"
	"github.com/belediye/bts/internal/services/devicemap"
	"github.com/belediye/bts/internal/services/history"
	"github.com/belediye/bts/internal/services/ingest"
	"github.com/belediye/bts/internal/services/livemap"
	"github.com/belediye/bts/internal/services/profiles"
	"github.com/belediye/bts/internal/storage/pglocations"
	"github.com/belediye/bts/internal/websocket"
	"github.com/joho/godotenv"
)

const defaultTopic = "location.changed"

type btsAPIApp struct {
	ctx     context.Context
	cancel  context.CancelFunc
	opts    apiOpts
	parts   apiParts
	closers []func()
}

func mustBootstrapBTSAPI() *btsAPIApp {
	// .env нужен только локально
	_ = godotenv.Load()

	cfgPath := os.Getenv("configPath")
	if cfgPath == "" {
		panic("configPath env var is required")
	}
	swaggerPath := os.Getenv("swaggerPath")
	if swaggerPath == "" {
		panic("swaggerPath env var is required")
	}

	cfg, err := config.LoadConfig(cfgPath)
	if err != nil {
		panic(fmt.Sprintf("ошибка парсинга конфига, %v", err))
	}
	logging.Init(cfg.Log.Level, cfg.Log.Format)

	httpAddr := cfg.BTS.HTTPAddr
	if httpAddr == "" {
		httpAddr = ":8080"
	}
	topic := cfg.Kafka.LocationChangedTopicName
	if topic == "" {
		topic = defaultTopic
	}
	cacheTTL := time.Duration(cfg.BTS.ProfileCacheTTLSeconds) * time.Second
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	sweepInterval := time.Duration(cfg.BTS.SweepIntervalSeconds) * time.Second
	if sweepInterval <= 0 {
		sweepInterval = 30 * time.Second
	}

	maxFutureSkew := time.Duration(cfg.BTS.MaxFutureSkewSeconds) * time.Second

	st := mustOpenPostgresWithRetry(cfg.Database.ConnString(), 60*time.Second)

	rc := rediscache.New(cfg.Redis.Addr())
	rl := rediscache.NewRateLimiter(cfg.Redis.Addr())

	producer := kafka.NewProducer(cfg.Kafka.Brokers())
	// без группы каждый инстанс читает весь поток: у каждого своя карта
	consumer := kafka.NewConsumer(cfg.Kafka.Brokers(), topic, cfg.BTS.KafkaConsumerGroup)

	jwtm, err := auth.NewManager(cfg.Auth.JWTSecret, 0)
	if err != nil {
		panic(fmt.Sprintf("auth: %v", err))
	}

	profileSvc := profiles.New(st, rc, cacheTTL)
	ingestSvc := ingest.New(st, producer, rl, ingest.Options{
		Topic:              topic,
		RateLimitPerMinute: cfg.BTS.IngestRateLimitPerMinute,
		MaxFutureSkew:      maxFutureSkew,
	})
	historySvc := history.New(st, profileSvc)
	deviceSvc := devicemap.New(st, profileSvc, producer, topic)

	var scope livemap.Scope
	if cfg.BTS.OrganizationID != "" {
		org := cfg.BTS.OrganizationID
		scope.OrganizationID = &org
	}
	hub := websocket.NewHub()
	engine := livemap.New(scope, st, profileSvc, hub, livemap.NewConsumerFeed(consumer), livemap.Options{
		ActivityThreshold: time.Duration(cfg.BTS.ActivityThresholdSeconds) * time.Second,
		TrailWindow:       time.Duration(cfg.BTS.TrailWindowMinutes) * time.Minute,
		TrailMaxPoints:    cfg.BTS.TrailMaxPoints,
		MaxFutureSkew:     maxFutureSkew,
	})

	api := gpsapi.New(gpsapi.Deps{
		Ingest:     ingestSvc,
		History:    historySvc,
		Devices:    deviceSvc,
		Live:       engine,
		Auth:       jwtm,
		LiveSocket: http.HandlerFunc(hub.ServeWS),
		Ready: func(ctx context.Context) error {
			if err := st.Ping(ctx); err != nil {
				return err
			}
			return rc.Ping(ctx)
		},
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	slog.Info("bts-api bootstrapped",
		"http_addr", httpAddr,
		"topic", topic,
		"consumer_group", cfg.BTS.KafkaConsumerGroup,
		"organization_id", cfg.BTS.OrganizationID,
	)

	return &btsAPIApp{
		ctx:    ctx,
		cancel: cancel,
		opts: apiOpts{
			httpAddr:      httpAddr,
			swaggerPath:   swaggerPath,
			sweepInterval: sweepInterval,
		},
		parts: apiParts{
			api:    api,
			hub:    hub,
			engine: engine,
		},
		closers: []func(){
			func() { _ = consumer.Close() },
			func() { _ = producer.Close() },
			func() { _ = rl.Close() },
			func() { _ = rc.Close() },
			st.Close,
		},
	}
}

func mustOpenPostgresWithRetry(connString string, wait time.Duration) *pglocations.Storage {
	deadline := time.Now().Add(wait)
	var lastErr error
	for time.Now().Before(deadline) {
		st, err := pglocations.New(connString)
		if err == nil {
			return st
		}
		lastErr = err
		slog.Warn("postgres not ready, retrying", "err", err)
		time.Sleep(1 * time.Second)
	}
	panic(fmt.Sprintf("postgres is not ready after %s: %v", wait, lastErr))
}

func (a *btsAPIApp) Close() {
	if a.cancel != nil {
		a.cancel()
	}
	for _, c := range a.closers {
		c()
	}
}

func (a *btsAPIApp) Run() error {
	return runBTSAPI(a.ctx, a.opts, a.parts)
}
