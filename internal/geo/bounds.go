package geo

// Bounds is a lat/lon bounding box. The zero value is empty.
type Bounds struct {
	MinLat float64 `json:"min_lat"`
	MinLon float64 `json:"min_lon"`
	MaxLat float64 `json:"max_lat"`
	MaxLon float64 `json:"max_lon"`

	set bool
}

func (b Bounds) Empty() bool {
	return !b.set
}

func (b *Bounds) Extend(lat, lon float64) {
	if !b.set {
		b.MinLat, b.MaxLat = lat, lat
		b.MinLon, b.MaxLon = lon, lon
		b.set = true
		return
	}
	b.MinLat = min(b.MinLat, lat)
	b.MaxLat = max(b.MaxLat, lat)
	b.MinLon = min(b.MinLon, lon)
	b.MaxLon = max(b.MaxLon, lon)
}

// Pad grows the box by fraction of its span on every side, clamped to valid
// coordinates. A single-point box stays a point.
func (b Bounds) Pad(fraction float64) Bounds {
	if !b.set || fraction <= 0 {
		return b
	}
	dLat := (b.MaxLat - b.MinLat) * fraction
	dLon := (b.MaxLon - b.MinLon) * fraction
	return Bounds{
		MinLat: max(b.MinLat-dLat, -90),
		MaxLat: min(b.MaxLat+dLat, 90),
		MinLon: max(b.MinLon-dLon, -180),
		MaxLon: min(b.MaxLon+dLon, 180),
		set:    true,
	}
}
