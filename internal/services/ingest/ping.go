package ingest

import (
	"net/url"
	"strings"
	"time"

	"github.com/belediye/bts/internal/geo"
	"github.com/belediye/bts/internal/models"
	"github.com/pkg/errors"
)

// Параметры трекера (OsmAnd-совместимый формат).
const (
	paramDeviceID  = "id"
	paramLatitude  = "lat"
	paramLongitude = "lon"
	paramTimestamp = "timestamp"
	paramSpeed     = "speed"
	paramBearing   = "bearing"
	paramAltitude  = "altitude"
	paramAccuracy  = "accuracy"
	paramBattery   = "battery"
	paramBatt      = "batt"
)

// Ping is one validated location report from an external tracker.
type Ping struct {
	DeviceID   string
	Latitude   float64
	Longitude  float64
	RecordedAt time.Time

	Speed        *float64
	Heading      *float64
	Altitude     *float64
	Accuracy     *float64
	BatteryLevel *float64
}

// IsWriteRequest reports whether the query carries any part of a location
// payload. Requests without one are history reads.
func IsWriteRequest(q url.Values) bool {
	for _, k := range []string{paramDeviceID, paramLatitude, paramLongitude, paramTimestamp} {
		if q.Has(k) {
			return true
		}
	}
	return false
}

// ParsePing validates the required fields and degrades broken optional
// telemetry to nil.
func ParsePing(q url.Values) (Ping, error) {
	var p Ping

	p.DeviceID = strings.TrimSpace(q.Get(paramDeviceID))
	if p.DeviceID == "" {
		return Ping{}, errors.Wrap(models.ErrValidation, "id is required")
	}

	lat, err := geo.ParseFinite(q.Get(paramLatitude))
	if err != nil || !geo.ValidLatitude(lat) {
		return Ping{}, errors.Wrap(models.ErrValidation, "lat must be a number in [-90, 90]")
	}
	lon, err := geo.ParseFinite(q.Get(paramLongitude))
	if err != nil || !geo.ValidLongitude(lon) {
		return Ping{}, errors.Wrap(models.ErrValidation, "lon must be a number in [-180, 180]")
	}
	p.Latitude, p.Longitude = lat, lon

	p.RecordedAt, err = geo.ParseEpochMillis(q.Get(paramTimestamp))
	if err != nil {
		return Ping{}, errors.Wrap(models.ErrValidation, "timestamp must be epoch milliseconds")
	}

	p.Speed = optional(q.Get(paramSpeed), nonNegative)
	p.Heading = optional(q.Get(paramBearing), between(0, 360))
	p.Altitude = optional(q.Get(paramAltitude), nil)
	p.Accuracy = optional(q.Get(paramAccuracy), nonNegative)

	battery := q.Get(paramBattery)
	if battery == "" {
		battery = q.Get(paramBatt)
	}
	p.BatteryLevel = optional(battery, between(0, 100))

	return p, nil
}

func optional(raw string, ok func(float64) bool) *float64 {
	v, err := geo.ParseFinite(raw)
	if err != nil {
		return nil
	}
	if ok != nil && !ok(v) {
		return nil
	}
	return &v
}

func nonNegative(v float64) bool { return v >= 0 }

func between(lo, hi float64) func(float64) bool {
	return func(v float64) bool { return v >= lo && v <= hi }
}
