package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"time"

	"github.com/belediye/bts/internal/api/gpsapi"
	"github.com/go-chi/chi/v5"
	httpSwagger "github.com/swaggo/http-swagger"
)

type apiOpts struct {
	httpAddr      string
	swaggerPath   string
	sweepInterval time.Duration

	onListen func(httpAddr string)
}

type hubRunner interface {
	Run(ctx context.Context) error
}

type liveEngine interface {
	Start(ctx context.Context) error
	Sweep(now time.Time) int
	Teardown()
}

type apiParts struct {
	api    *gpsapi.API
	hub    hubRunner
	engine liveEngine
}

func runBTSAPI(ctx context.Context, opts apiOpts, parts apiParts) error {
	if opts.swaggerPath == "" {
		return fmt.Errorf("swaggerPath env var is required")
	}
	if _, err := os.Stat(opts.swaggerPath); os.IsNotExist(err) {
		return fmt.Errorf("swagger file not found: %s", opts.swaggerPath)
	}
	if opts.sweepInterval <= 0 {
		opts.sweepInterval = 30 * time.Second
	}

	lis, err := net.Listen("tcp", opts.httpAddr)
	if err != nil {
		return err
	}
	if opts.onListen != nil {
		opts.onListen(lis.Addr().String())
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	hubErr := make(chan error, 1)
	go func() {
		hubErr <- parts.hub.Run(ctx)
	}()

	// карта поднимается в фоне: HTTP приём пингов не должен ждать снапшота
	liveErr := make(chan error, 1)
	go func() {
		if err := parts.engine.Start(ctx); err != nil {
			liveErr <- fmt.Errorf("live map: %w", err)
			return
		}
		slog.Info("live map started")
		runSweeper(ctx, parts.engine, opts.sweepInterval)
	}()
	defer parts.engine.Teardown()

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- runHTTPServer(ctx, lis, parts.api, opts.swaggerPath)
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-httpErr:
		return err
	case err := <-hubErr:
		return err
	case err := <-liveErr:
		return err
	}
}

// runSweeper переводит маркеры в неактивные, когда пинги перестают приходить.
func runSweeper(ctx context.Context, engine liveEngine, every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			if n := engine.Sweep(now); n > 0 {
				slog.Debug("live map sweep", "reclassified", n)
			}
		}
	}
}

func runHTTPServer(ctx context.Context, lis net.Listener, api *gpsapi.API, swaggerPath string) error {
	r := chi.NewRouter()
	api.Register(r)

	r.Get("/swagger.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-store")
		http.ServeFile(w, r, swaggerPath)
	})
	swaggerURL := "/swagger.json"
	if fi, err := os.Stat(swaggerPath); err == nil {
		swaggerURL = fmt.Sprintf("/swagger.json?v=%d", fi.ModTime().Unix())
	}
	r.Get("/docs/*", httpSwagger.Handler(httpSwagger.URL(swaggerURL)))

	srv := &http.Server{
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("HTTP server listening", "addr", lis.Addr().String())
	err := srv.Serve(lis)
	if err == http.ErrServerClosed {
		return ctx.Err()
	}
	return err
}
