package pglocations

import (
	"context"

	"github.com/belediye/bts/internal/models"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

func (s *Storage) GetProfile(ctx context.Context, userID string) (*models.Profile, error) {
	var p models.Profile
	err := s.db.QueryRow(ctx, `
SELECT id, full_name, role, organization_id
FROM profiles
WHERE id = $1
`, userID).Scan(&p.ID, &p.FullName, &p.Role, &p.OrganizationID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, errors.Wrapf(models.ErrNotFound, "profile %s", userID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "select profile")
	}
	return &p, nil
}

// GetActiveTask returns the most recently updated open task of the user, or
// nil when the user has none.
func (s *Storage) GetActiveTask(ctx context.Context, userID string) (*models.TaskSnapshot, error) {
	var t models.TaskSnapshot
	err := s.db.QueryRow(ctx, `
SELECT id, title, status
FROM tasks
WHERE assigned_to = $1
  AND status IN ($2, $3)
ORDER BY updated_at DESC
LIMIT 1
`, userID, models.TaskStatusAssigned, models.TaskStatusInProgress).Scan(&t.ID, &t.Title, &t.Status)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "select active task")
	}
	return &t, nil
}
