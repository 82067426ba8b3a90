// Package geo holds coordinate validation, bounds and time helpers shared by
// ingestion and the live map.
package geo

import (
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const earthRadiusMeters = 6371008.8

// MaxTime is the latest instant Postgres timestamptz and pgx round-trip
// without overflow.
var MaxTime = time.Date(9999, 12, 31, 23, 59, 59, 999_000_000, time.UTC)

func ValidLatitude(v float64) bool {
	return finite(v) && v >= -90 && v <= 90
}

func ValidLongitude(v float64) bool {
	return finite(v) && v >= -180 && v <= 180
}

// ParseFinite parses a float and rejects NaN and ±Inf, which strconv accepts.
func ParseFinite(raw string) (float64, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, errors.New("empty value")
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, errors.Wrap(err, "parse float")
	}
	if !finite(v) {
		return 0, errors.Errorf("not a finite number: %q", raw)
	}
	return v, nil
}

// ParseEpochMillis converts a millisecond epoch timestamp to UTC time.
func ParseEpochMillis(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		// некоторые трекеры шлют "1700000000000.0"
		f, ferr := ParseFinite(raw)
		if ferr != nil {
			return time.Time{}, errors.Wrap(err, "parse epoch millis")
		}
		ms = int64(f)
	}
	if ms <= 0 {
		return time.Time{}, errors.Errorf("epoch millis must be positive: %d", ms)
	}
	if ms > MaxTime.UnixMilli() {
		return time.Time{}, errors.Errorf("epoch millis beyond year 9999: %d", ms)
	}
	return time.UnixMilli(ms).UTC(), nil
}

// DefaultMaxFutureSkew bounds how far a device clock may run ahead of ours.
const DefaultMaxFutureSkew = 24 * time.Hour

// AheadOf reports whether t is more than skew after now. skew <= 0 uses
// DefaultMaxFutureSkew.
func AheadOf(t, now time.Time, skew time.Duration) bool {
	if skew <= 0 {
		skew = DefaultMaxFutureSkew
	}
	return t.After(now.Add(skew))
}

// HaversineMeters returns the great-circle distance between two points.
func HaversineMeters(lat1, lon1, lat2, lon2 float64) float64 {
	phi1 := lat1 * math.Pi / 180
	phi2 := lat2 * math.Pi / 180
	dPhi := (lat2 - lat1) * math.Pi / 180
	dLambda := (lon2 - lon1) * math.Pi / 180

	a := math.Sin(dPhi/2)*math.Sin(dPhi/2) + math.Cos(phi1)*math.Cos(phi2)*math.Sin(dLambda/2)*math.Sin(dLambda/2)
	return 2 * earthRadiusMeters * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
