package position

import (
	"context"
	"time"
)

// Fix is one reading from the device's positioning hardware.
type Fix struct {
	Latitude     float64
	Longitude    float64
	Accuracy     *float64
	Speed        *float64
	Heading      *float64
	Altitude     *float64
	BatteryLevel *float64
	RecordedAt   time.Time
}

type Source interface {
	CurrentFix(ctx context.Context) (Fix, error)
}
