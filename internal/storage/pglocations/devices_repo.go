package pglocations

import (
	"context"

	"github.com/belediye/bts/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

// MapDevice assigns userID to every record of the device that has no user yet.
// Records already mapped to someone else are left alone.
func (s *Storage) MapDevice(ctx context.Context, deviceID, userID string) (int64, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE location_records
SET user_id = $2
WHERE device_id = $1
  AND user_id IS NULL
`, deviceID, userID)
	if err != nil {
		return 0, errors.Wrap(err, "map device")
	}
	return tag.RowsAffected(), nil
}

// UnmapDevice clears the user of every record of the device, history included.
func (s *Storage) UnmapDevice(ctx context.Context, deviceID string) (int64, error) {
	tag, err := s.db.Exec(ctx, `
UPDATE location_records
SET user_id = NULL
WHERE device_id = $1
  AND user_id IS NOT NULL
`, deviceID)
	if err != nil {
		return 0, errors.Wrap(err, "unmap device")
	}
	return tag.RowsAffected(), nil
}

// ListUnmappedDevices lists devices that have never had a mapped record,
// most recently seen first.
func (s *Storage) ListUnmappedDevices(ctx context.Context) ([]*models.UnmappedDevice, error) {
	rows, err := s.db.Query(ctx, `
SELECT device_id, recorded_at, ping_count, latitude, longitude FROM (
  SELECT DISTINCT ON (lr.device_id)
    lr.device_id, lr.recorded_at, lr.latitude, lr.longitude,
    count(*) OVER (PARTITION BY lr.device_id) AS ping_count
  FROM location_records lr
  WHERE NOT EXISTS (
    SELECT 1 FROM location_records m
    WHERE m.device_id = lr.device_id AND m.user_id IS NOT NULL
  )
  ORDER BY lr.device_id, lr.recorded_at DESC
) d
ORDER BY recorded_at DESC
`)
	if err != nil {
		return nil, errors.Wrap(err, "select unmapped devices")
	}
	defer rows.Close()

	out := make([]*models.UnmappedDevice, 0)
	for rows.Next() {
		var d models.UnmappedDevice
		if err := rows.Scan(&d.DeviceID, &d.LastSeenAt, &d.PingCount, &d.LastLatitude, &d.LastLongitude); err != nil {
			return nil, errors.Wrap(err, "scan unmapped device")
		}
		d.LastSeenAt = d.LastSeenAt.UTC()
		out = append(out, &d)
	}
	if rows.Err() != nil {
		return nil, errors.Wrap(rows.Err(), "rows")
	}
	return out, nil
}

func (s *Storage) LatestForDevice(ctx context.Context, deviceID string) (*models.LocationRecord, error) {
	row := s.db.QueryRow(ctx, `
SELECT `+locationColumns("")+`
FROM location_records
WHERE device_id = $1
ORDER BY recorded_at DESC, created_at DESC
LIMIT 1
`, deviceID)
	rec, err := scanLocation(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(models.ErrNotFound, "device %s", deviceID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "select latest for device")
	}
	return rec, nil
}
