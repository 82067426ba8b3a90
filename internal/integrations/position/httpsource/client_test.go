package httpsource

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestClient_CurrentFix_OK(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/position", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
  "latitude": 41.0151,
  "longitude": 28.9795,
  "accuracy": 6.5,
  "battery": 71,
  "timestamp": 1700000000000
}`))
	}))
	defer srv.Close()

	c := New(srv.URL + "/v1/position")
	fix, err := c.CurrentFix(context.Background())
	require.NoError(t, err)
	require.Equal(t, 41.0151, fix.Latitude)
	require.Equal(t, 28.9795, fix.Longitude)
	require.Equal(t, 6.5, *fix.Accuracy)
	require.Equal(t, 71.0, *fix.BatteryLevel)
	require.Nil(t, fix.Speed)
	require.Equal(t, time.UnixMilli(1700000000000).UTC(), fix.RecordedAt)
}

func TestClient_CurrentFix_Errors(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"http 500": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		},
		"no fix yet": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNoContent)
		},
		"no coordinates": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"accuracy": 3}`))
		},
		"garbage": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`<html>`))
		},
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(h)
			defer srv.Close()

			_, err := New(srv.URL).CurrentFix(context.Background())
			require.Error(t, err)
		})
	}
}
