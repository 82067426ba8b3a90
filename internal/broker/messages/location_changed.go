package messages

import (
	"time"

	"github.com/belediye/bts/internal/models"
)

// Тип изменения строки в location_records.
const (
	ChangeInsert = "INSERT"
	ChangeUpdate = "UPDATE"
)

// LocationChanged is a row-level change notification for location_records.
// Consumers must not assume any ordering relative to Record.RecordedAt.
type LocationChanged struct {
	Type      string                `json:"type"`
	Record    models.LocationRecord `json:"record"`
	EmittedAt time.Time             `json:"emitted_at"`
}

func NewLocationChanged(changeType string, rec models.LocationRecord) LocationChanged {
	return LocationChanged{
		Type:      changeType,
		Record:    rec,
		EmittedAt: time.Now().UTC(),
	}
}

// Key partitions the feed by device.
func (m LocationChanged) Key() []byte {
	return []byte(m.Record.DeviceID)
}
