package profiles

import (
	"context"
	"encoding/json"
	"time"

	"github.com/belediye/bts/internal/cache"
	"github.com/belediye/bts/internal/models"
)

type Repository interface {
	GetProfile(ctx context.Context, userID string) (*models.Profile, error)
	GetActiveTask(ctx context.Context, userID string) (*models.TaskSnapshot, error)
}

// Service отдаёт профиль и активную задачу пользователя. Кэш "лучшее усилие":
// ошибки чтения считаются промахом, ошибки записи игнорируются.
type Service struct {
	repo  Repository
	cache cache.BytesCache
	ttl   time.Duration
}

func New(repo Repository, c cache.BytesCache, ttl time.Duration) *Service {
	return &Service{repo: repo, cache: c, ttl: ttl}
}

func (s *Service) Profile(ctx context.Context, userID string) (*models.Profile, error) {
	var p models.Profile
	if s.getCached(ctx, profileKey(userID), &p) {
		return &p, nil
	}
	got, err := s.repo.GetProfile(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.setCached(ctx, profileKey(userID), got)
	return got, nil
}

// ActiveTask returns nil when the user has no open task.
func (s *Service) ActiveTask(ctx context.Context, userID string) (*models.TaskSnapshot, error) {
	var cached taskEntry
	if s.getCached(ctx, taskKey(userID), &cached) {
		return cached.Task, nil
	}
	t, err := s.repo.GetActiveTask(ctx, userID)
	if err != nil {
		return nil, err
	}
	s.setCached(ctx, taskKey(userID), taskEntry{Task: t})
	return t, nil
}

// Invalidate drops the cached profile and task of the users.
func (s *Service) Invalidate(ctx context.Context, userIDs ...string) {
	if !s.enabled() || len(userIDs) == 0 {
		return
	}
	keys := make([]string, 0, len(userIDs)*2)
	for _, id := range userIDs {
		keys = append(keys, profileKey(id), taskKey(id))
	}
	_ = s.cache.Delete(ctx, keys...)
}

// отдельная обёртка, чтобы закэшировать и "задачи нет"
type taskEntry struct {
	Task *models.TaskSnapshot `json:"task"`
}

func (s *Service) enabled() bool {
	return s.cache != nil && s.ttl > 0
}

func (s *Service) getCached(ctx context.Context, key string, dst any) bool {
	if !s.enabled() {
		return false
	}
	b, ok, err := s.cache.Get(ctx, key)
	if err != nil || !ok {
		return false
	}
	return json.Unmarshal(b, dst) == nil
}

func (s *Service) setCached(ctx context.Context, key string, v any) {
	if !s.enabled() {
		return
	}
	b, err := json.Marshal(v)
	if err != nil {
		return
	}
	_ = s.cache.Set(ctx, key, b, s.ttl)
}

func profileKey(userID string) string {
	return "profile:" + userID
}

func taskKey(userID string) string {
	return "profile:" + userID + ":task"
}
