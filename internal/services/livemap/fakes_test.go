package livemap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/belediye/bts/internal/broker/messages"
	"github.com/belediye/bts/internal/geo"
	"github.com/belediye/bts/internal/models"
)

type fakeRenderer struct {
	mu      sync.Mutex
	ready   bool
	pending []func()

	ops     []string
	markers map[string]Marker
	trails  map[string][]Point
	fits    []geo.Bounds
}

func newFakeRenderer(ready bool) *fakeRenderer {
	return &fakeRenderer{ready: ready, markers: map[string]Marker{}, trails: map[string][]Point{}}
}

func (r *fakeRenderer) Ready() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ready
}

func (r *fakeRenderer) OnReady(fn func()) {
	r.mu.Lock()
	r.pending = append(r.pending, fn)
	r.mu.Unlock()
}

// becomeReady fires registered callbacks the way a map "load" event would.
func (r *fakeRenderer) becomeReady() {
	r.mu.Lock()
	r.ready = true
	fns := r.pending
	r.pending = nil
	r.mu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func (r *fakeRenderer) record(op string) {
	r.ops = append(r.ops, op)
}

func (r *fakeRenderer) AddMarker(m Marker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record(fmt.Sprintf("add:%s:%t", m.UserID, m.Active))
	r.markers[m.UserID] = m
}

func (r *fakeRenderer) MoveMarker(m Marker) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("move:" + m.UserID)
	r.markers[m.UserID] = m
}

func (r *fakeRenderer) RemoveMarker(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("remove:" + userID)
	delete(r.markers, userID)
}

func (r *fakeRenderer) AddTrail(userID string, points []Point) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("trail_add:" + userID)
	r.trails[userID] = points
}

func (r *fakeRenderer) SetTrail(userID string, points []Point) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("trail_set:" + userID)
	r.trails[userID] = points
}

func (r *fakeRenderer) RemoveTrail(userID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("trail_remove:" + userID)
	delete(r.trails, userID)
}

func (r *fakeRenderer) FitBounds(b geo.Bounds, maxZoom int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.record("fit")
	r.fits = append(r.fits, b)
}

func (r *fakeRenderer) Ops() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.ops...)
}

func (r *fakeRenderer) resetOps() {
	r.mu.Lock()
	r.ops = nil
	r.mu.Unlock()
}

type fakeStore struct {
	mu       sync.Mutex
	latest   []*models.LocationRecord
	trails   map[string][]*models.LocationRecord
	err      error
	trailErr error

	trailCalls int
	lastSince  time.Time
	lastLimit  int
}

func (s *fakeStore) LatestPerUser(ctx context.Context, organizationID *string) ([]*models.LocationRecord, error) {
	return s.latest, s.err
}

func (s *fakeStore) TrailWindow(ctx context.Context, userID string, since time.Time, limit int) ([]*models.LocationRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trailCalls++
	s.lastSince, s.lastLimit = since, limit
	if s.trailErr != nil {
		return nil, s.trailErr
	}
	return s.trails[userID], nil
}

func (s *fakeStore) setTrail(userID string, recs ...*models.LocationRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.trails == nil {
		s.trails = map[string][]*models.LocationRecord{}
	}
	s.trails[userID] = recs
}

type fakeLookup struct {
	profiles map[string]*models.Profile
	tasks    map[string]*models.TaskSnapshot
	err      error
	// block, если задан, держит Profile до закрытия канала
	block   chan struct{}
	entered chan struct{}
}

func (l *fakeLookup) Profile(ctx context.Context, userID string) (*models.Profile, error) {
	if l.block != nil {
		if l.entered != nil {
			l.entered <- struct{}{}
		}
		<-l.block
	}
	if l.err != nil {
		return nil, l.err
	}
	p, ok := l.profiles[userID]
	if !ok {
		return nil, models.ErrNotFound
	}
	return p, nil
}

func (l *fakeLookup) ActiveTask(ctx context.Context, userID string) (*models.TaskSnapshot, error) {
	return l.tasks[userID], nil
}

type fakeFeed struct {
	mu       sync.Mutex
	handler  Handler
	onSub    func(h Handler)
	unsubbed int
	err      error
}

func (f *fakeFeed) Subscribe(ctx context.Context, h Handler) (Subscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.mu.Lock()
	f.handler = h
	f.mu.Unlock()
	if f.onSub != nil {
		f.onSub(h)
	}
	return f, nil
}

func (f *fakeFeed) Unsubscribe() {
	f.mu.Lock()
	f.unsubbed++
	f.mu.Unlock()
}

func (f *fakeFeed) deliver(ctx context.Context, ev messages.LocationChanged) {
	f.mu.Lock()
	h := f.handler
	f.mu.Unlock()
	h(ctx, ev)
}

func ptr[T any](v T) *T { return &v }

var base = time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)

func rec(userID string, lat, lon float64, at time.Time) *models.LocationRecord {
	r := &models.LocationRecord{
		ID:         fmt.Sprintf("%s-%d", userID, at.Unix()),
		DeviceID:   "dev-" + userID,
		Latitude:   lat,
		Longitude:  lon,
		Source:     models.SourceExternalTracker,
		RecordedAt: at,
	}
	if userID != "" {
		r.UserID = ptr(userID)
	}
	return r
}

func event(r *models.LocationRecord) messages.LocationChanged {
	return messages.LocationChanged{Type: messages.ChangeInsert, Record: *r, EmittedAt: r.RecordedAt}
}
