package history

import (
	"context"
	"time"

	"github.com/belediye/bts/internal/models"
	"github.com/belediye/bts/internal/storage/pglocations"
	"github.com/pkg/errors"
)

const (
	DefaultLimit = 100
	MaxLimit     = 1000
)

type Repository interface {
	ListLocations(ctx context.Context, f pglocations.LocationFilter) ([]*models.LocationRecord, error)
}

type ProfileLookup interface {
	Profile(ctx context.Context, userID string) (*models.Profile, error)
}

type Query struct {
	UserID string
	Limit  int
	Since  *time.Time
}

type Service struct {
	repo     Repository
	profiles ProfileLookup
}

func New(repo Repository, profiles ProfileLookup) *Service {
	return &Service{repo: repo, profiles: profiles}
}

// Query returns the caller's location history, newest first. Non-privileged
// callers only ever see their own records; everyone is limited to their
// organization when the profile has one.
func (s *Service) Query(ctx context.Context, caller models.Caller, q Query) ([]*models.LocationRecord, error) {
	if !caller.Authenticated() {
		return nil, models.ErrUnauthorized
	}

	profile, err := s.profiles.Profile(ctx, caller.UserID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return nil, errors.Wrap(models.ErrNotFound, "caller profile")
		}
		return nil, errors.Wrapf(models.ErrStore, "caller profile: %v", err)
	}

	target := q.UserID
	if !profile.Privileged() {
		if target != "" && target != caller.UserID {
			return nil, errors.Wrap(models.ErrForbidden, "records of another user")
		}
		target = caller.UserID
	}

	f := pglocations.LocationFilter{
		OrganizationID: profile.OrganizationID,
		Since:          q.Since,
		Limit:          clampLimit(q.Limit),
	}
	if target != "" {
		f.UserID = &target
	}

	recs, err := s.repo.ListLocations(ctx, f)
	if err != nil {
		return nil, errors.Wrapf(models.ErrStore, "list locations: %v", err)
	}
	return recs, nil
}

func clampLimit(n int) int {
	if n <= 0 {
		return DefaultLimit
	}
	if n > MaxLimit {
		return MaxLimit
	}
	return n
}
