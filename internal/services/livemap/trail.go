package livemap

import (
	"context"

	"github.com/belediye/bts/internal/models"
	"github.com/pkg/errors"
)

// RefreshTrail reloads the user's recent window and replaces the trail
// geometry in one call. Fewer than two points remove the trail.
func (e *Engine) RefreshTrail(ctx context.Context, userID string) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.trailGen[userID]++
	gen := e.trailGen[userID]
	since := e.opts.Now().Add(-e.opts.TrailWindow)
	e.mu.Unlock()

	recs, err := e.store.TrailWindow(ctx, userID, since, e.opts.TrailMaxPoints)
	if err != nil {
		return errors.Wrapf(models.ErrStore, "trail window for %s: %v", userID, err)
	}
	if len(recs) < 2 {
		e.dropTrail(userID, gen)
		return nil
	}

	points := make([]Point, 0, len(recs))
	for _, r := range recs {
		points = append(points, Point{Lat: r.Latitude, Lon: r.Longitude})
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	// пока шёл запрос, движок закрыли или запросили трек новее
	if e.closed || e.trailGen[userID] != gen {
		return nil
	}
	e.trails[userID] = points
	if !e.painting {
		return nil
	}
	if e.drawn[userID] {
		e.renderer.SetTrail(userID, points)
	} else {
		e.renderer.AddTrail(userID, points)
		e.drawn[userID] = true
	}
	return nil
}

// dropTrail removes a trail whose window no longer holds a line.
func (e *Engine) dropTrail(userID string, gen uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed || e.trailGen[userID] != gen {
		return
	}
	if e.painting && e.drawn[userID] {
		e.renderer.RemoveTrail(userID)
	}
	delete(e.drawn, userID)
	delete(e.trails, userID)
}
