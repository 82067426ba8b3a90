package httpsource

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/belediye/bts/internal/integrations/position"
	"github.com/pkg/errors"
)

// Client reads the current fix from a local positioning daemon exposing
// GET <url> -> JSON.
type Client struct {
	url   string
	httpc *http.Client
}

func New(url string) *Client {
	if url == "" {
		url = "http://localhost:9100/v1/position"
	}
	return &Client{
		url: url,
		httpc: &http.Client{
			Timeout: 5 * time.Second,
		},
	}
}

type respBody struct {
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
	Accuracy  *float64 `json:"accuracy"`
	Speed     *float64 `json:"speed"`
	Heading   *float64 `json:"heading"`
	Altitude  *float64 `json:"altitude"`
	Battery   *float64 `json:"battery"`
	// epoch ms, 0 = время запроса
	Timestamp int64 `json:"timestamp"`
}

func (c *Client) CurrentFix(ctx context.Context) (position.Fix, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.url, nil)
	if err != nil {
		return position.Fix{}, errors.Wrap(err, "new request")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpc.Do(req)
	if err != nil {
		return position.Fix{}, errors.Wrap(err, "do request")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return position.Fix{}, errors.New("no position fix yet")
	}
	if resp.StatusCode/100 != 2 {
		return position.Fix{}, fmt.Errorf("position source http %d", resp.StatusCode)
	}

	var rb respBody
	if err := json.NewDecoder(resp.Body).Decode(&rb); err != nil {
		return position.Fix{}, errors.Wrap(err, "decode")
	}
	if rb.Latitude == nil || rb.Longitude == nil {
		return position.Fix{}, errors.New("position source returned no coordinates")
	}

	recordedAt := time.Now().UTC()
	if rb.Timestamp > 0 {
		recordedAt = time.UnixMilli(rb.Timestamp).UTC()
	}
	return position.Fix{
		Latitude:     *rb.Latitude,
		Longitude:    *rb.Longitude,
		Accuracy:     rb.Accuracy,
		Speed:        rb.Speed,
		Heading:      rb.Heading,
		Altitude:     rb.Altitude,
		BatteryLevel: rb.Battery,
		RecordedAt:   recordedAt,
	}, nil
}
