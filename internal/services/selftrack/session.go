// Package selftrack runs the in-app tracker: a session that periodically reads
// the device position and stores it as the signed-in user's location.
package selftrack

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/belediye/bts/internal/broker/messages"
	"github.com/belediye/bts/internal/geo"
	"github.com/belediye/bts/internal/integrations/position"
	"github.com/belediye/bts/internal/metrics"
	"github.com/belediye/bts/internal/models"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var ErrAlreadyRunning = errors.New("tracker session already running")

type Repository interface {
	InsertLocation(ctx context.Context, in models.LocationCreateInput) (*models.LocationRecord, error)
}

type TaskLookup interface {
	ActiveTask(ctx context.Context, userID string) (*models.TaskSnapshot, error)
}

type Producer interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type Options struct {
	UserID   string
	DeviceID string
	Topic    string
	Interval time.Duration

	PublishAttempts int
	PublishBackoff  time.Duration
}

type Session struct {
	repo     Repository
	tasks    TaskLookup
	producer Producer
	source   position.Source
	opts     Options

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	running atomic.Bool

	triggerCh chan struct{}

	id                  string
	startedAtUnixNano   atomic.Int64
	lastTickUnixNano    atomic.Int64
	lastTriggerUnixNano atomic.Int64
	totalTicks          atomic.Int64
	totalRecorded       atomic.Int64
	totalSkipped        atomic.Int64
	totalErrors         atomic.Int64
	lastErrorMu         sync.Mutex
	lastError           string
}

func New(repo Repository, tasks TaskLookup, producer Producer, source position.Source, opts Options) *Session {
	if opts.Interval <= 0 {
		opts.Interval = 15 * time.Second
	}
	if opts.PublishAttempts <= 0 {
		opts.PublishAttempts = 5
	}
	if opts.PublishBackoff <= 0 {
		opts.PublishBackoff = 200 * time.Millisecond
	}
	return &Session{
		repo:      repo,
		tasks:     tasks,
		producer:  producer,
		source:    source,
		opts:      opts,
		triggerCh: make(chan struct{}, 1),
		id:        uuid.NewString(),
	}
}

// Start launches the tick loop. The first fix is taken immediately.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		if s.running.Load() {
			return ErrAlreadyRunning
		}
		// прошлый цикл завершился вместе с родительским ctx
		s.cancel()
		<-s.done
	}
	if s.opts.UserID == "" || s.opts.DeviceID == "" {
		return errors.New("tracker session needs user id and device id")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	s.startedAtUnixNano.Store(time.Now().UTC().UnixNano())
	s.running.Store(true)

	slog.Info("tracker session started", "session_id", s.id, "user_id", s.opts.UserID, "device_id", s.opts.DeviceID, "interval", s.opts.Interval.String())
	go s.run(runCtx, s.done)
	return nil
}

// Stop cancels the loop and waits for the in-flight tick. Safe to call twice.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel, done := s.cancel, s.done
	s.cancel, s.done = nil, nil
	s.mu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	<-done
	slog.Info("tracker session stopped", "session_id", s.id)
}

// Wait blocks until the running loop exits (parent ctx canceled or Stop).
func (s *Session) Wait() {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done != nil {
		<-done
	}
}

// Trigger forces an immediate tick (best-effort, non-blocking).
func (s *Session) Trigger() {
	s.lastTriggerUnixNano.Store(time.Now().UTC().UnixNano())
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
}

func (s *Session) run(ctx context.Context, done chan struct{}) {
	defer close(done)
	defer s.running.Store(false)

	t := time.NewTicker(s.opts.Interval)
	defer t.Stop()

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			s.tick(ctx)
		case <-s.triggerCh:
			s.tick(ctx)
		}
	}
}

func (s *Session) tick(ctx context.Context) {
	s.lastTickUnixNano.Store(time.Now().UTC().UnixNano())
	s.totalTicks.Add(1)

	result, err := s.recordOnce(ctx)
	metrics.TrackerTicksTotal.WithLabelValues(result).Inc()
	switch result {
	case metrics.TickRecorded:
		s.totalRecorded.Add(1)
	case metrics.TickInvalidFix:
		s.totalSkipped.Add(1)
	}
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		if result != metrics.TickInvalidFix {
			s.totalErrors.Add(1)
		}
		s.setLastError(err)
		slog.Warn("tracker tick", "session_id", s.id, "result", result, "err", err)
	}
}

func (s *Session) recordOnce(ctx context.Context) (string, error) {
	fix, err := s.source.CurrentFix(ctx)
	if err != nil {
		return metrics.TickSourceError, errors.Wrap(err, "read position")
	}
	if !geo.ValidLatitude(fix.Latitude) || !geo.ValidLongitude(fix.Longitude) {
		return metrics.TickInvalidFix, errors.Errorf("fix out of range: %f,%f", fix.Latitude, fix.Longitude)
	}
	if fix.RecordedAt.IsZero() {
		fix.RecordedAt = time.Now().UTC()
	}
	if geo.AheadOf(fix.RecordedAt, time.Now(), 0) {
		return metrics.TickInvalidFix, errors.Errorf("fix timestamp %s is in the future", fix.RecordedAt.Format(time.RFC3339))
	}

	userID := s.opts.UserID
	in := models.LocationCreateInput{
		UserID:       &userID,
		DeviceID:     s.opts.DeviceID,
		Latitude:     fix.Latitude,
		Longitude:    fix.Longitude,
		Accuracy:     fix.Accuracy,
		Speed:        fix.Speed,
		Heading:      fix.Heading,
		Altitude:     fix.Altitude,
		BatteryLevel: fix.BatteryLevel,
		Source:       models.SourceInApp,
		RecordedAt:   fix.RecordedAt.UTC(),
	}
	if s.tasks != nil {
		task, err := s.tasks.ActiveTask(ctx, userID)
		if err != nil {
			// без задачи тоже пишем
			slog.Debug("active task lookup failed", "user_id", userID, "err", err)
		} else if task != nil {
			id := task.ID
			in.TaskID = &id
		}
	}

	// вставку не повторяем: дубль хуже пропуска
	rec, err := s.repo.InsertLocation(ctx, in)
	if err != nil {
		return metrics.TickStoreError, errors.Wrap(err, "insert location")
	}

	if err := s.publish(ctx, rec); err != nil {
		metrics.ChangePublishFailuresTotal.Inc()
		return metrics.TickPublishError, err
	}
	return metrics.TickRecorded, nil
}

func (s *Session) publish(ctx context.Context, rec *models.LocationRecord) error {
	if s.producer == nil || s.opts.Topic == "" {
		return nil
	}
	msg := messages.NewLocationChanged(messages.ChangeInsert, *rec)
	b, err := json.Marshal(msg)
	if err != nil {
		return errors.Wrap(err, "marshal kafka msg")
	}

	// Kafka может подняться позже трекера: несколько попыток с растущей паузой.
	var pubErr error
	for i := 0; i < s.opts.PublishAttempts; i++ {
		if pubErr = s.producer.Publish(ctx, s.opts.Topic, msg.Key(), b); pubErr == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.Wrap(ctx.Err(), "publish location change")
		case <-time.After(time.Duration(i+1) * s.opts.PublishBackoff):
		}
	}
	return errors.Wrap(pubErr, "publish location change")
}

func (s *Session) setLastError(err error) {
	s.lastErrorMu.Lock()
	s.lastError = err.Error()
	s.lastErrorMu.Unlock()
}

type Stats struct {
	SessionID     string     `json:"sessionId"`
	Running       bool       `json:"running"`
	UserID        string     `json:"userId"`
	DeviceID      string     `json:"deviceId"`
	StartedAt     *time.Time `json:"startedAt,omitempty"`
	LastTickAt    *time.Time `json:"lastTickAt,omitempty"`
	LastTriggerAt *time.Time `json:"lastTriggerAt,omitempty"`
	TotalTicks    int64      `json:"totalTicks"`
	TotalRecorded int64      `json:"totalRecorded"`
	TotalSkipped  int64      `json:"totalSkipped"`
	TotalErrors   int64      `json:"totalErrors"`
	LastError     string     `json:"lastError,omitempty"`
}

func (s *Session) Stats() Stats {
	st := Stats{
		SessionID:     s.id,
		Running:       s.running.Load(),
		UserID:        s.opts.UserID,
		DeviceID:      s.opts.DeviceID,
		TotalTicks:    s.totalTicks.Load(),
		TotalRecorded: s.totalRecorded.Load(),
		TotalSkipped:  s.totalSkipped.Load(),
		TotalErrors:   s.totalErrors.Load(),
	}
	st.StartedAt = unixNanoPtr(s.startedAtUnixNano.Load())
	st.LastTickAt = unixNanoPtr(s.lastTickUnixNano.Load())
	st.LastTriggerAt = unixNanoPtr(s.lastTriggerUnixNano.Load())
	s.lastErrorMu.Lock()
	st.LastError = s.lastError
	s.lastErrorMu.Unlock()
	return st
}

func unixNanoPtr(n int64) *time.Time {
	if n <= 0 {
		return nil
	}
	t := time.Unix(0, n).UTC()
	return &t
}
