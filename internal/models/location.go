package models

import "time"

// Источник записи.
const (
	SourceExternalTracker = "external-tracker"
	SourceInApp           = "in-app"
)

// LocationRecord is one GPS observation. UserID stays nil until an operator
// maps the device to a user.
type LocationRecord struct {
	ID           string    `json:"id"`
	UserID       *string   `json:"user_id"`
	DeviceID     string    `json:"device_id"`
	TaskID       *string   `json:"task_id"`
	Latitude     float64   `json:"latitude"`
	Longitude    float64   `json:"longitude"`
	Accuracy     *float64  `json:"accuracy"`
	Speed        *float64  `json:"speed"`
	Heading      *float64  `json:"heading"`
	Altitude     *float64  `json:"altitude"`
	BatteryLevel *float64  `json:"battery_level"`
	Source       string    `json:"source"`
	RecordedAt   time.Time `json:"recorded_at"`
	CreatedAt    time.Time `json:"created_at"`
}

type LocationCreateInput struct {
	UserID       *string
	DeviceID     string
	TaskID       *string
	Latitude     float64
	Longitude    float64
	Accuracy     *float64
	Speed        *float64
	Heading      *float64
	Altitude     *float64
	BatteryLevel *float64
	Source       string
	RecordedAt   time.Time
}

type UnmappedDevice struct {
	DeviceID      string    `json:"device_id"`
	LastSeenAt    time.Time `json:"last_seen_at"`
	PingCount     int64     `json:"ping_count"`
	LastLatitude  float64   `json:"last_latitude"`
	LastLongitude float64   `json:"last_longitude"`
}
