package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/belediye/bts/config"
	"github.com/belediye/bts/internal/integrations/position"
	"github.com/belediye/bts/internal/integrations/position/fake"
	"github.com/belediye/bts/internal/integrations/position/httpsource"
	"github.com/belediye/bts/internal/models"
	"github.com/belediye/bts/internal/services/selftrack"
	"github.com/stretchr/testify/require"
)

type memRepo struct {
	mu sync.Mutex
	n  int
}

func (r *memRepo) InsertLocation(ctx context.Context, in models.LocationCreateInput) (*models.LocationRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.n++
	return &models.LocationRecord{ID: "loc", UserID: in.UserID, DeviceID: in.DeviceID, RecordedAt: in.RecordedAt}, nil
}

func (r *memRepo) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.n
}

type noTasks struct{}

func (noTasks) ActiveTask(ctx context.Context, userID string) (*models.TaskSnapshot, error) {
	return nil, nil
}

type noopProducer struct{}

func (noopProducer) Publish(ctx context.Context, topic string, key, value []byte) error { return nil }

func TestDefaultTrackerFactories_SelectPositionSource(t *testing.T) {
	f := defaultTrackerFactories()

	src := f.newPositionSource(&config.Config{Tracker: config.TrackerConfig{
		SourceMode: "http", SourceURL: "http://localhost:9100/v1/position",
	}})
	_, ok := src.(*httpsource.Client)
	require.True(t, ok)

	src = f.newPositionSource(&config.Config{Tracker: config.TrackerConfig{DeviceID: "d"}})
	_, ok = src.(*fake.Source)
	require.True(t, ok)

	require.NotNil(t, f.newProducer(&config.Config{Kafka: config.KafkaConfig{Host: "localhost", Port: 9092}}))
}

func testFactories(repo *memRepo, closed *bool) trackerFactories {
	return trackerFactories{
		newStorage: func(cfg *config.Config) (selftrack.Repository, selftrack.TaskLookup, func(), error) {
			return repo, noTasks{}, func() { *closed = true }, nil
		},
		newProducer: func(cfg *config.Config) selftrack.Producer { return noopProducer{} },
		newPositionSource: func(cfg *config.Config) position.Source {
			return fake.New(cfg.Tracker.DeviceID)
		},
	}
}

func TestRunTracker_RecordsAndServesHTTP(t *testing.T) {
	sw := filepath.Join(t.TempDir(), "swagger.json")
	require.NoError(t, os.WriteFile(sw, []byte(`{"swagger":"2.0"}`), 0o600))

	repo := &memRepo{}
	closed := false
	cfg := &config.Config{Tracker: config.TrackerConfig{UserID: "u1", DeviceID: "phone-u1", IntervalSeconds: 3600}}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addrCh := make(chan string, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- RunTracker(ctx, cfg, testFactories(repo, &closed), trackerRunOpts{
			httpAddr:    "127.0.0.1:0",
			swaggerPath: sw,
			onListen:    func(addr string) { addrCh <- addr },
		})
	}()
	addr := <-addrCh

	require.Eventually(t, func() bool { return repo.count() == 1 }, 2*time.Second, 5*time.Millisecond)

	resp, err := http.Post("http://"+addr+"/trigger", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Eventually(t, func() bool { return repo.count() == 2 }, 2*time.Second, 5*time.Millisecond)

	resp, err = http.Get("http://" + addr + "/stats")
	require.NoError(t, err)
	var st selftrack.Stats
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&st))
	resp.Body.Close()
	require.True(t, st.Running)
	require.Equal(t, "phone-u1", st.DeviceID)
	require.Equal(t, int64(2), st.TotalRecorded)

	resp, err = http.Get("http://" + addr + "/readyz")
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get("http://" + addr + "/config")
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	resp.Body.Close()
	require.Equal(t, "u1", out["userId"])

	cancel()
	select {
	case err := <-errCh:
		require.ErrorIs(t, err, context.Canceled)
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting tracker to stop")
	}
	require.True(t, closed)
}

func TestRunTracker_RequiresIdentity(t *testing.T) {
	closed := false
	err := RunTracker(context.Background(), &config.Config{}, testFactories(&memRepo{}, &closed), trackerRunOpts{})
	require.Error(t, err)
	require.False(t, closed)
}
