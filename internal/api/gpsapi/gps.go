package gpsapi

import (
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/belediye/bts/internal/auth"
	"github.com/belediye/bts/internal/metrics"
	"github.com/belediye/bts/internal/models"
	"github.com/belediye/bts/internal/services/history"
	"github.com/belediye/bts/internal/services/ingest"
	"github.com/pkg/errors"
)

type ingestResponse struct {
	Success    bool   `json:"success"`
	LocationID string `json:"location_id"`
	UserMapped bool   `json:"user_mapped"`
}

type locationsResponse struct {
	Locations []*models.LocationRecord `json:"locations"`
	Count     int                      `json:"count"`
}

// gps is the tracker endpoint. A request with any location parameter is a
// ping; one without is an authenticated history read.
func (a *API) gps(w http.ResponseWriter, r *http.Request) {
	q, err := requestValues(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if !ingest.IsWriteRequest(q) {
		a.readHistory(w, r, q)
		return
	}

	p, err := ingest.ParsePing(q)
	if err != nil {
		metrics.PingsIngestedTotal.WithLabelValues(metrics.ResultInvalid).Inc()
		writeError(w, err)
		return
	}
	res, err := a.deps.Ingest.Ingest(r.Context(), p)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ingestResponse{
		Success:    true,
		LocationID: res.LocationID,
		UserMapped: res.UserMapped,
	})
}

// locations is the read-only twin of /api/gps.
func (a *API) locations(w http.ResponseWriter, r *http.Request) {
	a.readHistory(w, r, r.URL.Query())
}

func (a *API) readHistory(w http.ResponseWriter, r *http.Request, q url.Values) {
	caller := auth.CallerFromContext(r.Context())
	if !caller.Authenticated() {
		writeError(w, errors.Wrap(models.ErrUnauthorized, "authentication required"))
		return
	}

	hq, err := parseHistoryQuery(q)
	if err != nil {
		writeError(w, err)
		return
	}
	recs, err := a.deps.History.Query(r.Context(), caller, hq)
	if err != nil {
		writeError(w, err)
		return
	}
	if recs == nil {
		recs = []*models.LocationRecord{}
	}
	writeJSON(w, http.StatusOK, locationsResponse{Locations: recs, Count: len(recs)})
}

func parseHistoryQuery(q url.Values) (history.Query, error) {
	hq := history.Query{UserID: strings.TrimSpace(q.Get("user_id"))}

	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return history.Query{}, errors.Wrap(models.ErrValidation, "limit must be a positive integer")
		}
		hq.Limit = n
	}
	if raw := q.Get("since"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			return history.Query{}, errors.Wrap(models.ErrValidation, "since must be an ISO-8601 timestamp")
		}
		t = t.UTC()
		hq.Since = &t
	}
	return hq, nil
}

// requestValues merges query parameters with a form body; trackers send the
// same fields either way.
func requestValues(r *http.Request) (url.Values, error) {
	if r.Method != http.MethodPost {
		return r.URL.Query(), nil
	}
	if err := r.ParseForm(); err != nil {
		return nil, errors.Wrapf(models.ErrValidation, "parse form: %v", err)
	}
	return r.Form, nil
}
