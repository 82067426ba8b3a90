package fake

import (
	"context"
	"hash/fnv"
	"math"
	"sync"
	"time"

	"github.com/belediye/bts/internal/integrations/position"
)

// Центр Стамбула, вокруг него ходит фейковый трекер.
const (
	baseLat = 41.0082
	baseLon = 28.9784
)

// Source: детерминированная прогулка по кругу, фаза зависит от deviceID.
// Нужна для локального запуска без реального GPS.
type Source struct {
	mu    sync.Mutex
	phase float64
	step  int
	now   func() time.Time
}

func New(deviceID string) *Source {
	h := fnv.New32a()
	_, _ = h.Write([]byte(deviceID))
	return &Source{
		phase: float64(h.Sum32()%360) * math.Pi / 180,
		now:   time.Now,
	}
}

func (s *Source) CurrentFix(ctx context.Context) (position.Fix, error) {
	if err := ctx.Err(); err != nil {
		return position.Fix{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	// ~500 м радиус, один оборот за 120 шагов
	angle := s.phase + float64(s.step)*2*math.Pi/120
	s.step++

	accuracy := 5.0
	speed := 1.4
	heading := math.Mod(angle*180/math.Pi+90, 360)
	battery := math.Max(5, 100-float64(s.step)*0.1)

	return position.Fix{
		Latitude:     baseLat + 0.0045*math.Sin(angle),
		Longitude:    baseLon + 0.006*math.Cos(angle),
		Accuracy:     &accuracy,
		Speed:        &speed,
		Heading:      &heading,
		BatteryLevel: &battery,
		RecordedAt:   s.now().UTC(),
	}, nil
}
