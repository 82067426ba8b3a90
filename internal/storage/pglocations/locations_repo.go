package pglocations

import (
	"context"
	"strings"
	"time"

	"github.com/belediye/bts/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

var locationColumnNames = []string{
	"id::text", "user_id", "device_id", "task_id",
	"latitude", "longitude", "accuracy", "speed", "heading", "altitude", "battery_level",
	"source", "recorded_at", "created_at",
}

func locationColumns(alias string) string {
	if alias == "" {
		return strings.Join(locationColumnNames, ", ")
	}
	cols := make([]string, 0, len(locationColumnNames))
	for _, c := range locationColumnNames {
		cols = append(cols, alias+"."+c)
	}
	return strings.Join(cols, ", ")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLocation(row rowScanner) (*models.LocationRecord, error) {
	var r models.LocationRecord
	if err := row.Scan(
		&r.ID, &r.UserID, &r.DeviceID, &r.TaskID,
		&r.Latitude, &r.Longitude, &r.Accuracy, &r.Speed, &r.Heading, &r.Altitude, &r.BatteryLevel,
		&r.Source, &r.RecordedAt, &r.CreatedAt,
	); err != nil {
		return nil, err
	}
	r.RecordedAt = r.RecordedAt.UTC()
	r.CreatedAt = r.CreatedAt.UTC()
	return &r, nil
}

func collectLocations(rows pgx.Rows) ([]*models.LocationRecord, error) {
	defer rows.Close()

	out := make([]*models.LocationRecord, 0)
	for rows.Next() {
		r, err := scanLocation(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan location")
		}
		out = append(out, r)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

// InsertLocation пишет одну запись и сразу возвращает её в том виде, в котором
// она сохранена (id и created_at проставляет БД).
func (s *Storage) InsertLocation(ctx context.Context, in models.LocationCreateInput) (*models.LocationRecord, error) {
	row := s.db.QueryRow(ctx, `
INSERT INTO location_records (
  user_id, device_id, task_id,
  latitude, longitude, accuracy, speed, heading, altitude, battery_level,
  source, recorded_at
)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
RETURNING `+locationColumns(""),
		in.UserID, in.DeviceID, in.TaskID,
		in.Latitude, in.Longitude, in.Accuracy, in.Speed, in.Heading, in.Altitude, in.BatteryLevel,
		in.Source, in.RecordedAt.UTC(),
	)
	rec, err := scanLocation(row)
	if err != nil {
		return nil, errors.Wrap(err, "insert location")
	}
	return rec, nil
}

// LatestMappedUserID resolves a device to the user of its most recent mapped
// record. Returns nil when the device has never been mapped.
func (s *Storage) LatestMappedUserID(ctx context.Context, deviceID string) (*string, error) {
	var userID string
	err := s.db.QueryRow(ctx, `
SELECT user_id
FROM location_records
WHERE device_id = $1
  AND user_id IS NOT NULL
ORDER BY recorded_at DESC, created_at DESC
LIMIT 1
`, deviceID).Scan(&userID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select mapped user")
	}
	return &userID, nil
}

type LocationFilter struct {
	UserID         *string
	OrganizationID *string
	Since          *time.Time
	Limit          int
}

// ListLocations returns records newest first.
func (s *Storage) ListLocations(ctx context.Context, f LocationFilter) ([]*models.LocationRecord, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}
	var since *time.Time
	if f.Since != nil {
		t := f.Since.UTC()
		since = &t
	}

	rows, err := s.db.Query(ctx, `
SELECT `+locationColumns("lr")+`
FROM location_records lr
LEFT JOIN profiles p ON p.id = lr.user_id
WHERE ($1::text IS NULL OR lr.user_id = $1)
  AND ($2::text IS NULL OR p.organization_id = $2)
  AND ($3::timestamptz IS NULL OR lr.recorded_at >= $3)
ORDER BY lr.recorded_at DESC
LIMIT $4
`, f.UserID, f.OrganizationID, since, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select locations")
	}
	return collectLocations(rows)
}

// LatestPerUser returns the newest record of every mapped user that still has
// a profile, optionally limited to one organization.
func (s *Storage) LatestPerUser(ctx context.Context, organizationID *string) ([]*models.LocationRecord, error) {
	rows, err := s.db.Query(ctx, `
SELECT DISTINCT ON (lr.user_id) `+locationColumns("lr")+`
FROM location_records lr
JOIN profiles p ON p.id = lr.user_id
WHERE lr.user_id IS NOT NULL
  AND ($1::text IS NULL OR p.organization_id = $1)
ORDER BY lr.user_id, lr.recorded_at DESC, lr.created_at DESC
`, organizationID)
	if err != nil {
		return nil, errors.Wrap(err, "select latest per user")
	}
	return collectLocations(rows)
}

// TrailWindow returns at most limit newest records of the user recorded at or
// after since, ordered oldest first.
func (s *Storage) TrailWindow(ctx context.Context, userID string, since time.Time, limit int) ([]*models.LocationRecord, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	rows, err := s.db.Query(ctx, `
SELECT t.* FROM (
  SELECT `+locationColumns("lr")+`
  FROM location_records lr
  WHERE lr.user_id = $1
    AND lr.recorded_at >= $2
  ORDER BY lr.recorded_at DESC
  LIMIT $3
) t
ORDER BY t.recorded_at ASC
`, userID, since.UTC(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "select trail window")
	}
	return collectLocations(rows)
}
