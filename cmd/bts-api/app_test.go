package main

import (
	"context"
	"errors"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/belediye/bts/internal/api/gpsapi"
	"github.com/stretchr/testify/require"
)

type fakeHub struct{}

func (fakeHub) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

type fakeEngine struct {
	startErr  error
	started   atomic.Int32
	sweeps    atomic.Int32
	teardowns atomic.Int32
}

func (e *fakeEngine) Start(ctx context.Context) error {
	e.started.Add(1)
	return e.startErr
}

func (e *fakeEngine) Sweep(now time.Time) int {
	e.sweeps.Add(1)
	return 1
}

func (e *fakeEngine) Teardown() { e.teardowns.Add(1) }

func writeSwagger(t *testing.T) string {
	t.Helper()
	sw := filepath.Join(t.TempDir(), "swagger.json")
	require.NoError(t, os.WriteFile(sw, []byte(`{"swagger":"2.0"}`), 0o600))
	return sw
}

func TestRunBTSAPI_ServesAndShutsDown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addrCh := make(chan string, 1)
	engine := &fakeEngine{}
	opts := apiOpts{
		httpAddr:      "127.0.0.1:0",
		swaggerPath:   writeSwagger(t),
		sweepInterval: 5 * time.Millisecond,
		onListen:      func(addr string) { addrCh <- addr },
	}
	parts := apiParts{
		api:    gpsapi.New(gpsapi.Deps{}),
		hub:    fakeHub{},
		engine: engine,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- runBTSAPI(ctx, opts, parts) }()
	addr := <-addrCh

	require.Eventually(t, func() bool {
		resp, err := http.Get("http://" + addr + "/healthz")
		if err != nil {
			return false
		}
		resp.Body.Close()
		return resp.StatusCode == http.StatusOK
	}, 2*time.Second, 10*time.Millisecond)

	resp, err := http.Get("http://" + addr + "/swagger.json")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(body), `"swagger"`)

	require.Eventually(t, func() bool { return engine.sweeps.Load() > 0 }, time.Second, 5*time.Millisecond)
	require.Equal(t, int32(1), engine.started.Load())

	cancel()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting api to stop")
	}
	require.Equal(t, int32(1), engine.teardowns.Load())
}

func TestRunBTSAPI_LiveMapStartFailureStopsApp(t *testing.T) {
	engine := &fakeEngine{startErr: errors.New("store down")}
	err := runBTSAPI(context.Background(), apiOpts{
		httpAddr:    "127.0.0.1:0",
		swaggerPath: writeSwagger(t),
	}, apiParts{
		api:    gpsapi.New(gpsapi.Deps{}),
		hub:    fakeHub{},
		engine: engine,
	})
	require.Error(t, err)
	require.Contains(t, err.Error(), "live map")
	require.Equal(t, int32(1), engine.teardowns.Load())
}

func TestRunBTSAPI_SwaggerRequired(t *testing.T) {
	err := runBTSAPI(context.Background(), apiOpts{httpAddr: "127.0.0.1:0"}, apiParts{})
	require.Error(t, err)

	err = runBTSAPI(context.Background(), apiOpts{
		httpAddr:    "127.0.0.1:0",
		swaggerPath: filepath.Join(t.TempDir(), "missing.json"),
	}, apiParts{})
	require.Error(t, err)
	require.Contains(t, err.Error(), "swagger file not found")
}
