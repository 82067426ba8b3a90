package ingest

import (
	"net/url"
	"testing"
	"time"

	"github.com/belediye/bts/internal/models"
	"github.com/stretchr/testify/require"
)

func query(kv ...string) url.Values {
	q := url.Values{}
	for i := 0; i+1 < len(kv); i += 2 {
		q.Set(kv[i], kv[i+1])
	}
	return q
}

func validQuery(extra ...string) url.Values {
	return query(append([]string{"id", "truck-7", "lat", "41.0082", "lon", "28.9784", "timestamp", "1700000000000"}, extra...)...)
}

func TestParsePing_Valid(t *testing.T) {
	p, err := ParsePing(validQuery("speed", "3.5", "bearing", "270", "altitude", "-12", "accuracy", "8", "battery", "64"))
	require.NoError(t, err)
	require.Equal(t, "truck-7", p.DeviceID)
	require.Equal(t, 41.0082, p.Latitude)
	require.Equal(t, 28.9784, p.Longitude)
	require.Equal(t, time.UnixMilli(1700000000000).UTC(), p.RecordedAt)
	require.Equal(t, 3.5, *p.Speed)
	require.Equal(t, 270.0, *p.Heading)
	require.Equal(t, -12.0, *p.Altitude)
	require.Equal(t, 8.0, *p.Accuracy)
	require.Equal(t, 64.0, *p.BatteryLevel)
}

func TestParsePing_AcceptsFullCoordinateRange(t *testing.T) {
	lats := []string{"-90", "-45.5", "0", "0.000001", "89.999999", "90"}
	lons := []string{"-180", "-0.5", "0", "120.25", "180"}
	for _, lat := range lats {
		for _, lon := range lons {
			p, err := ParsePing(query("id", "d", "lat", lat, "lon", lon, "timestamp", "1700000000000"))
			require.NoError(t, err, "lat=%s lon=%s", lat, lon)
			require.True(t, p.Latitude >= -90 && p.Latitude <= 90)
			require.True(t, p.Longitude >= -180 && p.Longitude <= 180)
		}
	}
}

func TestParsePing_RequiredFields(t *testing.T) {
	cases := map[string]url.Values{
		"no id":            query("lat", "1", "lon", "1", "timestamp", "1700000000000"),
		"blank id":         query("id", "  ", "lat", "1", "lon", "1", "timestamp", "1700000000000"),
		"no lat":           query("id", "d", "lon", "1", "timestamp", "1700000000000"),
		"no lon":           query("id", "d", "lat", "1", "timestamp", "1700000000000"),
		"no timestamp":     query("id", "d", "lat", "1", "lon", "1"),
		"lat too big":      query("id", "d", "lat", "90.0001", "lon", "1", "timestamp", "1700000000000"),
		"lat too small":    query("id", "d", "lat", "-91", "lon", "1", "timestamp", "1700000000000"),
		"lon too big":      query("id", "d", "lat", "1", "lon", "180.5", "timestamp", "1700000000000"),
		"lon too small":    query("id", "d", "lat", "1", "lon", "-181", "timestamp", "1700000000000"),
		"lat not a number": query("id", "d", "lat", "north", "lon", "1", "timestamp", "1700000000000"),
		"lat NaN":          query("id", "d", "lat", "NaN", "lon", "1", "timestamp", "1700000000000"),
		"lon Inf":          query("id", "d", "lat", "1", "lon", "+Inf", "timestamp", "1700000000000"),
		"bad timestamp":    query("id", "d", "lat", "1", "lon", "1", "timestamp", "yesterday"),
		"zero timestamp":   query("id", "d", "lat", "1", "lon", "1", "timestamp", "0"),
		"year 3170843":     query("id", "d", "lat", "41", "lon", "29", "timestamp", "99999999999999999"),
		"after year 9999":  query("id", "d", "lat", "41", "lon", "29", "timestamp", "253402300800000"),
	}
	for name, q := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParsePing(q)
			require.ErrorIs(t, err, models.ErrValidation)
		})
	}
}

func TestParsePing_BrokenOptionalFieldsBecomeNil(t *testing.T) {
	p, err := ParsePing(validQuery(
		"battery", "abc",
		"speed", "-1",
		"bearing", "361",
		"altitude", "NaN",
		"accuracy", "",
	))
	require.NoError(t, err)
	require.Nil(t, p.BatteryLevel)
	require.Nil(t, p.Speed)
	require.Nil(t, p.Heading)
	require.Nil(t, p.Altitude)
	require.Nil(t, p.Accuracy)
}

func TestParsePing_BatteryAlias(t *testing.T) {
	p, err := ParsePing(validQuery("batt", "12.5"))
	require.NoError(t, err)
	require.Equal(t, 12.5, *p.BatteryLevel)

	p, err = ParsePing(validQuery("battery", "150", "batt", "50"))
	require.NoError(t, err)
	require.Nil(t, p.BatteryLevel, "battery wins over batt even when out of range")
}

func TestIsWriteRequest(t *testing.T) {
	require.True(t, IsWriteRequest(validQuery()))
	require.True(t, IsWriteRequest(query("id", "x")))
	require.True(t, IsWriteRequest(query("timestamp", "1")))
	require.False(t, IsWriteRequest(query("user_id", "u1", "limit", "10")))
	require.False(t, IsWriteRequest(url.Values{}))
}
