package ingest

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/belediye/bts/internal/broker/messages"
	"github.com/belediye/bts/internal/geo"
	"github.com/belediye/bts/internal/metrics"
	"github.com/belediye/bts/internal/models"
	"github.com/pkg/errors"
)

type Repository interface {
	LatestMappedUserID(ctx context.Context, deviceID string) (*string, error)
	InsertLocation(ctx context.Context, in models.LocationCreateInput) (*models.LocationRecord, error)
}

type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type RateLimiter interface {
	Allow(ctx context.Context, key string, limit int64, window time.Duration) (bool, int64, error)
}

type Options struct {
	Topic string
	// 0 = без ограничения
	RateLimitPerMinute int
	// насколько recordedAt может опережать наши часы, 0 = сутки
	MaxFutureSkew time.Duration
	Now           func() time.Time
}

type Service struct {
	repo    Repository
	pub     Publisher
	limiter RateLimiter
	opts    Options
}

// New builds the ingestion service. pub and limiter may be nil.
func New(repo Repository, pub Publisher, limiter RateLimiter, opts Options) *Service {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Service{repo: repo, pub: pub, limiter: limiter, opts: opts}
}

type Result struct {
	LocationID string
	UserMapped bool
	UserID     *string
}

// Ingest persists exactly one record for the ping. Store failures are
// returned wrapped in ErrStore and never retried.
func (s *Service) Ingest(ctx context.Context, p Ping) (*Result, error) {
	started := time.Now()
	defer func() { metrics.IngestDuration.Observe(time.Since(started).Seconds()) }()

	// запись из будущего навсегда выиграла бы сравнение recordedAt на карте
	if geo.AheadOf(p.RecordedAt, s.opts.Now(), s.opts.MaxFutureSkew) {
		metrics.PingsIngestedTotal.WithLabelValues(metrics.ResultInvalid).Inc()
		return nil, errors.Wrapf(models.ErrValidation, "timestamp %s is too far in the future", p.RecordedAt.Format(time.RFC3339))
	}

	if err := s.checkRate(ctx, p.DeviceID); err != nil {
		metrics.PingsIngestedTotal.WithLabelValues(metrics.ResultRateLimited).Inc()
		return nil, err
	}

	userID, err := s.repo.LatestMappedUserID(ctx, p.DeviceID)
	if err != nil {
		metrics.PingsIngestedTotal.WithLabelValues(metrics.ResultStoreError).Inc()
		return nil, errors.Wrapf(models.ErrStore, "resolve device %s: %v", p.DeviceID, err)
	}

	rec, err := s.repo.InsertLocation(ctx, models.LocationCreateInput{
		UserID:       userID,
		DeviceID:     p.DeviceID,
		Latitude:     p.Latitude,
		Longitude:    p.Longitude,
		Accuracy:     p.Accuracy,
		Speed:        p.Speed,
		Heading:      p.Heading,
		Altitude:     p.Altitude,
		BatteryLevel: p.BatteryLevel,
		Source:       models.SourceExternalTracker,
		RecordedAt:   p.RecordedAt,
	})
	if err != nil {
		metrics.PingsIngestedTotal.WithLabelValues(metrics.ResultStoreError).Inc()
		return nil, errors.Wrapf(models.ErrStore, "insert location: %v", err)
	}

	if userID != nil {
		metrics.PingsIngestedTotal.WithLabelValues(metrics.ResultMapped).Inc()
	} else {
		metrics.PingsIngestedTotal.WithLabelValues(metrics.ResultUnmapped).Inc()
		slog.Debug("ping from unmapped device", "device_id", p.DeviceID)
	}

	s.publish(ctx, rec)

	return &Result{
		LocationID: rec.ID,
		UserMapped: userID != nil,
		UserID:     userID,
	}, nil
}

func (s *Service) checkRate(ctx context.Context, deviceID string) error {
	if s.limiter == nil || s.opts.RateLimitPerMinute <= 0 {
		return nil
	}
	ok, n, err := s.limiter.Allow(ctx, "ingest:"+deviceID, int64(s.opts.RateLimitPerMinute), time.Minute)
	if err != nil {
		// лимитер недоступен: пропускаем, запись важнее
		slog.Warn("ingest rate limiter failed", "device_id", deviceID, "err", err)
		return nil
	}
	if !ok {
		return errors.Wrapf(models.ErrRateLimited, "device %s sent %d pings this minute", deviceID, n)
	}
	return nil
}

// publish уведомляет живую карту. Ошибка только логируется: запись уже в БД,
// повторная вставка недопустима.
func (s *Service) publish(ctx context.Context, rec *models.LocationRecord) {
	if s.pub == nil || s.opts.Topic == "" {
		return
	}
	msg := messages.NewLocationChanged(messages.ChangeInsert, *rec)
	b, err := json.Marshal(msg)
	if err != nil {
		slog.Error("marshal location change", "location_id", rec.ID, "err", err)
		return
	}
	if err := s.pub.Publish(ctx, s.opts.Topic, msg.Key(), b); err != nil {
		metrics.ChangePublishFailuresTotal.Inc()
		slog.Warn("publish location change failed", "location_id", rec.ID, "device_id", rec.DeviceID, "err", err)
	}
}
