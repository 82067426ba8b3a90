package livemap

import (
	"context"
	"log/slog"
	"time"

	"github.com/belediye/bts/internal/broker/messages"
	"github.com/belediye/bts/internal/geo"
	"github.com/belediye/bts/internal/metrics"
	"github.com/belediye/bts/internal/models"
	"github.com/pkg/errors"
)

// Bootstrap loads the newest record of every user in scope. Records without a
// user, without a profile or from another organization are skipped.
func (e *Engine) Bootstrap(ctx context.Context) error {
	recs, err := e.store.LatestPerUser(ctx, e.scope.OrganizationID)
	if err != nil {
		return errors.Wrapf(models.ErrStore, "live map snapshot: %v", err)
	}

	users := make([]string, 0, len(recs))
	for _, rec := range recs {
		if rec.UserID == nil {
			continue
		}
		st, ok := e.resolve(ctx, *rec)
		if !ok {
			continue
		}
		e.mu.Lock()
		if e.closed {
			e.mu.Unlock()
			return nil
		}
		if e.merge(st) {
			users = append(users, st.UserID)
		}
		e.mu.Unlock()
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.bootstrapped = true
	if e.painting {
		e.fitBounds()
	}
	n := len(e.state)
	e.mu.Unlock()

	slog.Info("live map bootstrapped", "snapshot", len(recs), "personnel", n)

	for _, id := range users {
		if err := e.RefreshTrail(ctx, id); err != nil {
			slog.Warn("initial trail load failed", "user_id", id, "err", err)
		}
	}
	return nil
}

// HandleEvent applies one change feed event. Events that cannot be resolved
// are dropped and logged, never retried.
func (e *Engine) HandleEvent(ctx context.Context, ev messages.LocationChanged) {
	if ev.Record.UserID == nil {
		metrics.LiveMapEventsTotal.WithLabelValues(metrics.OutcomeUnmapped).Inc()
		return
	}
	if e.isClosed() {
		metrics.LiveMapEventsTotal.WithLabelValues(metrics.OutcomeClosed).Inc()
		return
	}

	st, ok := e.resolve(ctx, ev.Record)
	if !ok {
		return
	}

	e.mu.Lock()
	if e.closed {
		// поздний ответ после Teardown
		e.mu.Unlock()
		metrics.LiveMapEventsTotal.WithLabelValues(metrics.OutcomeClosed).Inc()
		return
	}
	applied := e.merge(st)
	e.mu.Unlock()

	if applied {
		metrics.LiveMapEventsTotal.WithLabelValues(metrics.OutcomeApplied).Inc()
	} else {
		metrics.LiveMapEventsTotal.WithLabelValues(metrics.OutcomeStale).Inc()
		slog.Debug("stale location event ignored",
			"user_id", st.UserID, "recorded_at", st.Record.RecordedAt, "type", ev.Type)
	}

	if err := e.RefreshTrail(ctx, st.UserID); err != nil {
		slog.Warn("trail refresh failed", "user_id", st.UserID, "err", err)
	}
}

// Sweep reclassifies markers whose age crossed the activity threshold since
// the last event. Returns the number of markers that changed class.
func (e *Engine) Sweep(now time.Time) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return 0
	}

	changed := 0
	for _, id := range sortedKeys(e.state) {
		st := e.state[id]
		active := e.isActive(st.Record.RecordedAt, now)
		if active == st.Active {
			continue
		}
		st.Active = active
		changed++
		if e.painting {
			e.renderMarker(st)
		}
	}
	return changed
}

type cacheInvalidator interface {
	Invalidate(ctx context.Context, userIDs ...string)
}

func staleTask(rec models.LocationRecord, task *models.TaskSnapshot) bool {
	if rec.TaskID == nil {
		return false
	}
	return task == nil || task.ID != *rec.TaskID
}

// resolve runs the profile and task lookups outside the lock.
func (e *Engine) resolve(ctx context.Context, rec models.LocationRecord) (*PersonnelState, bool) {
	userID := *rec.UserID

	// иначе такая запись навсегда выиграла бы сравнение по recordedAt
	if geo.AheadOf(rec.RecordedAt, e.opts.Now(), e.opts.MaxFutureSkew) {
		metrics.LiveMapEventsTotal.WithLabelValues(metrics.OutcomeFuture).Inc()
		slog.Warn("future-dated location ignored", "user_id", userID, "location_id", rec.ID, "recorded_at", rec.RecordedAt)
		return nil, false
	}

	profile, err := e.lookup.Profile(ctx, userID)
	if err != nil {
		metrics.LiveMapEventsTotal.WithLabelValues(metrics.OutcomeNoProfile).Inc()
		if !errors.Is(err, models.ErrNotFound) {
			slog.Warn("profile lookup failed, location dropped", "user_id", userID, "err", err)
		}
		return nil, false
	}
	if !e.inScope(userID, profile) {
		metrics.LiveMapEventsTotal.WithLabelValues(metrics.OutcomeOutOfScope).Inc()
		return nil, false
	}

	task, err := e.lookup.ActiveTask(ctx, userID)
	if err == nil && staleTask(rec, task) {
		// запись пришла с другой задачей: кэш устарел
		if inv, ok := e.lookup.(cacheInvalidator); ok {
			inv.Invalidate(ctx, userID)
			task, err = e.lookup.ActiveTask(ctx, userID)
		}
	}
	if err != nil {
		slog.Warn("active task lookup failed", "user_id", userID, "err", err)
		task = nil
	}

	return &PersonnelState{
		UserID:  userID,
		Record:  rec,
		Profile: *profile,
		Task:    task,
	}, true
}

func (e *Engine) inScope(userID string, p *models.Profile) bool {
	if org := e.scope.OrganizationID; org != nil {
		if p.OrganizationID == nil || *p.OrganizationID != *org {
			return false
		}
	}
	c := e.scope.Caller
	if c.Authenticated() && !models.IsPrivilegedRole(c.Role) && c.UserID != userID {
		return false
	}
	return true
}

// merge stores st unless a newer record is already known. Caller holds mu.
func (e *Engine) merge(st *PersonnelState) bool {
	prev, ok := e.state[st.UserID]
	if ok && st.Record.RecordedAt.Before(prev.Record.RecordedAt) {
		return false
	}
	st.Active = e.isActive(st.Record.RecordedAt, e.opts.Now())
	if ok && slog.Default().Enabled(context.Background(), slog.LevelDebug) {
		slog.Debug("personnel moved",
			"user_id", st.UserID,
			"meters", geo.HaversineMeters(prev.Record.Latitude, prev.Record.Longitude, st.Record.Latitude, st.Record.Longitude))
	}
	e.state[st.UserID] = st
	if e.painting {
		e.renderMarker(st)
	}
	return true
}

// renderMarker moves the marker in place while its class is unchanged and
// recreates it otherwise. Caller holds mu.
func (e *Engine) renderMarker(st *PersonnelState) {
	m := markerOf(st)
	rendered, exists := e.markers[st.UserID]
	switch {
	case !exists:
		e.renderer.AddMarker(m)
	case rendered != st.Active:
		e.renderer.RemoveMarker(st.UserID)
		e.renderer.AddMarker(m)
	default:
		e.renderer.MoveMarker(m)
	}
	e.markers[st.UserID] = st.Active
	setMarkerGauge(len(e.markers))
}

// paint builds the initial scene once the renderer is ready.
func (e *Engine) paint() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.painting {
		return
	}
	e.painting = true

	for _, id := range sortedKeys(e.state) {
		e.renderMarker(e.state[id])
	}
	for _, id := range sortedKeys(e.trails) {
		e.renderer.AddTrail(id, e.trails[id])
		e.drawn[id] = true
	}
	if e.bootstrapped {
		e.fitBounds()
	}
}

// fitBounds frames every marker; nothing happens on an empty map. Caller
// holds mu.
func (e *Engine) fitBounds() {
	var b geo.Bounds
	for _, st := range e.state {
		b.Extend(st.Record.Latitude, st.Record.Longitude)
	}
	if b.Empty() {
		return
	}
	e.renderer.FitBounds(b.Pad(e.opts.FitPadding), e.opts.MaxZoom)
}

func (e *Engine) isActive(recordedAt, now time.Time) bool {
	return now.Sub(recordedAt) < e.opts.ActivityThreshold
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

func markerOf(st *PersonnelState) Marker {
	m := Marker{
		UserID:       st.UserID,
		Lat:          st.Record.Latitude,
		Lon:          st.Record.Longitude,
		Active:       st.Active,
		FullName:     st.Profile.FullName,
		Role:         st.Profile.Role,
		BatteryLevel: st.Record.BatteryLevel,
		Speed:        st.Record.Speed,
		RecordedAt:   st.Record.RecordedAt,
	}
	if st.Task != nil {
		m.TaskTitle = st.Task.Title
		m.TaskStatus = st.Task.Status
	}
	return m
}

func setMarkerGauge(n int) {
	metrics.LiveMapMarkers.Set(float64(n))
}
