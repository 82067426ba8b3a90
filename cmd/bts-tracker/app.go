package main

import (
	"context"
	"time"

	"github.com/belediye/bts/config"
	"github.com/belediye/bts/internal/broker/kafka"
	"github.com/belediye/bts/internal/cache/rediscache"
	"github.com/belediye/bts/internal/integrations/position"
	"github.com/belediye/bts/internal/integrations/position/fake"
	"github.com/belediye/bts/internal/integrations/position/httpsource"
	"github.com/belediye/bts/internal/services/profiles"
	"github.com/belediye/bts/internal/services/selftrack"
	"github.com/belediye/bts/internal/storage/pglocations"
	"github.com/pkg/errors"
)

type trackerFactories struct {
	newStorage        func(cfg *config.Config) (repo selftrack.Repository, tasks selftrack.TaskLookup, closeFn func(), err error)
	newProducer       func(cfg *config.Config) selftrack.Producer
	newPositionSource func(cfg *config.Config) position.Source
}

func defaultTrackerFactories() trackerFactories {
	return trackerFactories{
		newStorage: func(cfg *config.Config) (selftrack.Repository, selftrack.TaskLookup, func(), error) {
			st, err := pglocations.New(cfg.Database.ConnString())
			if err != nil {
				return nil, nil, nil, err
			}
			rc := rediscache.New(cfg.Redis.Addr())
			tasks := profiles.New(st, rc, time.Minute)
			return st, tasks, func() {
				_ = rc.Close()
				st.Close()
			}, nil
		},
		newProducer: func(cfg *config.Config) selftrack.Producer {
			return kafka.NewProducer(cfg.Kafka.Brokers())
		},
		newPositionSource: func(cfg *config.Config) position.Source {
			// без реального GPS-демона ходим по кругу
			if cfg.Tracker.SourceMode == "http" {
				return httpsource.New(cfg.Tracker.SourceURL)
			}
			return fake.New(cfg.Tracker.DeviceID)
		},
	}
}

type trackerRunOpts struct {
	httpAddr    string
	swaggerPath string
	onListen    func(httpAddr string)
}

func RunTracker(ctx context.Context, cfg *config.Config, f trackerFactories, ro trackerRunOpts) error {
	topic := cfg.Kafka.LocationChangedTopicName
	if topic == "" {
		topic = "location.changed"
	}
	interval := time.Duration(cfg.Tracker.IntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if cfg.Tracker.UserID == "" || cfg.Tracker.DeviceID == "" {
		return errors.New("tracker.user_id and tracker.device_id are required")
	}

	repo, tasks, closeFn, err := f.newStorage(cfg)
	if err != nil {
		return err
	}
	if closeFn != nil {
		defer closeFn()
	}

	session := selftrack.New(repo, tasks, f.newProducer(cfg), f.newPositionSource(cfg), selftrack.Options{
		UserID:   cfg.Tracker.UserID,
		DeviceID: cfg.Tracker.DeviceID,
		Topic:    topic,
		Interval: interval,
	})
	if err := session.Start(ctx); err != nil {
		return err
	}
	defer session.Stop()

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- runTrackerHTTPServer(ctx, trackerHTTPOpts{
			httpAddr:    ro.httpAddr,
			swaggerPath: ro.swaggerPath,
			onListen:    ro.onListen,
			session:     session,
			cfg:         cfg,
		})
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-httpErr:
		return err
	}
}
