// Package livemap keeps the live personnel map consistent with the location
// change feed: one marker per user, a bounded trail per user, no regressions
// to older coordinates when events arrive out of order.
package livemap

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/belediye/bts/internal/models"
	"github.com/pkg/errors"
)

const (
	DefaultActivityThreshold = 10 * time.Minute
	DefaultTrailWindow       = time.Hour
	DefaultTrailMaxPoints    = 100
	DefaultFitPadding        = 0.1
	DefaultMaxZoom           = 16
)

var (
	ErrAlreadyStarted = errors.New("live map engine already started")
	ErrClosed         = errors.New("live map engine is torn down")
)

type Store interface {
	LatestPerUser(ctx context.Context, organizationID *string) ([]*models.LocationRecord, error)
	TrailWindow(ctx context.Context, userID string, since time.Time, limit int) ([]*models.LocationRecord, error)
}

type Lookup interface {
	Profile(ctx context.Context, userID string) (*models.Profile, error)
	ActiveTask(ctx context.Context, userID string) (*models.TaskSnapshot, error)
}

// Scope limits what the engine shows. A nil OrganizationID means every
// organization. A non-privileged Caller only sees its own marker.
type Scope struct {
	OrganizationID *string
	Caller         models.Caller
}

type Options struct {
	ActivityThreshold time.Duration
	TrailWindow       time.Duration
	TrailMaxPoints    int
	FitPadding        float64
	MaxZoom           int
	// записи дальше now+MaxFutureSkew не попадают на карту, 0 = сутки
	MaxFutureSkew time.Duration
	Now           func() time.Time
}

func (o Options) withDefaults() Options {
	if o.ActivityThreshold <= 0 {
		o.ActivityThreshold = DefaultActivityThreshold
	}
	if o.TrailWindow <= 0 {
		o.TrailWindow = DefaultTrailWindow
	}
	if o.TrailMaxPoints <= 0 {
		o.TrailMaxPoints = DefaultTrailMaxPoints
	}
	if o.FitPadding <= 0 {
		o.FitPadding = DefaultFitPadding
	}
	if o.MaxZoom <= 0 {
		o.MaxZoom = DefaultMaxZoom
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// PersonnelState is the last known state of one user.
type PersonnelState struct {
	UserID  string                `json:"user_id"`
	Record  models.LocationRecord `json:"record"`
	Profile models.Profile        `json:"profile"`
	Task    *models.TaskSnapshot  `json:"task"`
	Active  bool                  `json:"active"`
}

type Engine struct {
	scope    Scope
	store    Store
	lookup   Lookup
	renderer Renderer
	feed     Feed
	opts     Options

	mu     sync.Mutex
	state  map[string]*PersonnelState
	trails map[string][]Point
	// нарисованные примитивы: userID -> класс маркера (active)
	markers map[string]bool
	drawn   map[string]bool
	// номер последнего запроса трека, старые ответы отбрасываются
	trailGen map[string]uint64

	started      bool
	bootstrapped bool
	// renderer готов и начальная сцена уже построена
	painting bool
	closed   bool
	cancel   context.CancelFunc
	sub      Subscription
}

func New(scope Scope, store Store, lookup Lookup, renderer Renderer, feed Feed, opts Options) *Engine {
	return &Engine{
		scope:    scope,
		store:    store,
		lookup:   lookup,
		renderer: renderer,
		feed:     feed,
		opts:     opts.withDefaults(),
		state:    make(map[string]*PersonnelState),
		trails:   make(map[string][]Point),
		markers:  make(map[string]bool),
		drawn:    make(map[string]bool),
		trailGen: make(map[string]uint64),
	}
}

// Start subscribes to the feed first and only then loads the snapshot, so no
// event is lost in between; the recordedAt guard merges the overlap.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.started {
		e.mu.Unlock()
		return ErrAlreadyStarted
	}
	e.started = true
	ctx, e.cancel = context.WithCancel(ctx)
	e.mu.Unlock()

	sub, err := e.feed.Subscribe(ctx, e.HandleEvent)
	if err != nil {
		return errors.Wrap(err, "subscribe to location changes")
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		sub.Unsubscribe()
		return ErrClosed
	}
	e.sub = sub
	e.mu.Unlock()

	if err := e.Bootstrap(ctx); err != nil {
		return err
	}

	if e.renderer.Ready() {
		e.paint()
	} else {
		e.renderer.OnReady(e.paint)
	}
	return nil
}

// Teardown unsubscribes and removes every primitive the engine created. It is
// safe to call more than once and before the renderer ever became ready.
func (e *Engine) Teardown() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	if e.cancel != nil {
		e.cancel()
	}
	sub := e.sub
	e.sub = nil

	if e.painting {
		for _, id := range sortedKeys(e.markers) {
			e.renderer.RemoveMarker(id)
		}
		for _, id := range sortedKeys(e.drawn) {
			e.renderer.RemoveTrail(id)
		}
	}
	e.markers = make(map[string]bool)
	e.drawn = make(map[string]bool)
	e.state = make(map[string]*PersonnelState)
	e.trails = make(map[string][]Point)
	setMarkerGauge(0)
	e.mu.Unlock()

	if sub != nil {
		sub.Unsubscribe()
	}
}

// Snapshot returns a copy of the current personnel state ordered by user id.
func (e *Engine) Snapshot() []PersonnelState {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := make([]PersonnelState, 0, len(e.state))
	for _, id := range sortedKeys(e.state) {
		out = append(out, *e.state[id])
	}
	return out
}

func (e *Engine) Bootstrapped() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.bootstrapped
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
