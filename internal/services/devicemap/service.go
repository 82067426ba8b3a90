package devicemap

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/belediye/bts/internal/broker/messages"
	"github.com/belediye/bts/internal/models"
	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

const maxAssignments = 500

type Repository interface {
	ListUnmappedDevices(ctx context.Context) ([]*models.UnmappedDevice, error)
	MapDevice(ctx context.Context, deviceID, userID string) (int64, error)
	UnmapDevice(ctx context.Context, deviceID string) (int64, error)
	LatestForDevice(ctx context.Context, deviceID string) (*models.LocationRecord, error)
}

type ProfileLookup interface {
	Profile(ctx context.Context, userID string) (*models.Profile, error)
}

type Publisher interface {
	Publish(ctx context.Context, topic string, key, value []byte) error
}

type Assignment struct {
	DeviceID string `json:"device_id" validate:"required,max=128"`
	UserID   string `json:"user_id" validate:"required"`
}

type AssignmentResult struct {
	DeviceID string `json:"device_id"`
	UserID   string `json:"user_id"`
	Updated  int64  `json:"updated"`
}

type Service struct {
	repo     Repository
	profiles ProfileLookup
	pub      Publisher
	topic    string
	validate *validator.Validate
}

// New builds the operator service. pub may be nil.
func New(repo Repository, profiles ProfileLookup, pub Publisher, topic string) *Service {
	return &Service{
		repo:     repo,
		profiles: profiles,
		pub:      pub,
		topic:    topic,
		validate: validator.New(),
	}
}

func (s *Service) ListUnmapped(ctx context.Context, caller models.Caller) ([]*models.UnmappedDevice, error) {
	if err := s.requireOperator(ctx, caller); err != nil {
		return nil, err
	}
	out, err := s.repo.ListUnmappedDevices(ctx)
	if err != nil {
		return nil, errors.Wrapf(models.ErrStore, "list unmapped devices: %v", err)
	}
	return out, nil
}

// Apply binds devices to users. Only records without a user are touched;
// rows already mapped to someone else keep their owner.
func (s *Service) Apply(ctx context.Context, caller models.Caller, items []Assignment) ([]AssignmentResult, error) {
	if err := s.requireOperator(ctx, caller); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, errors.Wrap(models.ErrValidation, "assignments is empty")
	}
	if len(items) > maxAssignments {
		return nil, errors.Wrapf(models.ErrValidation, "too many assignments (max %d)", maxAssignments)
	}
	for i := range items {
		if err := s.validate.Struct(items[i]); err != nil {
			return nil, errors.Wrapf(models.ErrValidation, "assignment %d: %v", i, err)
		}
		if _, err := s.profiles.Profile(ctx, items[i].UserID); err != nil {
			if errors.Is(err, models.ErrNotFound) {
				return nil, errors.Wrapf(models.ErrValidation, "assignment %d: unknown user %s", i, items[i].UserID)
			}
			return nil, errors.Wrapf(models.ErrStore, "assignment %d: %v", i, err)
		}
	}

	out := make([]AssignmentResult, 0, len(items))
	for _, it := range items {
		n, err := s.repo.MapDevice(ctx, it.DeviceID, it.UserID)
		if err != nil {
			return out, errors.Wrapf(models.ErrStore, "map device %s: %v", it.DeviceID, err)
		}
		slog.Info("device mapped", "device_id", it.DeviceID, "user_id", it.UserID, "updated", n, "operator", caller.UserID)
		out = append(out, AssignmentResult{DeviceID: it.DeviceID, UserID: it.UserID, Updated: n})
		if n > 0 {
			s.publishLatest(ctx, it.DeviceID)
		}
	}
	return out, nil
}

// Unmap clears the user of every record of the device, including rows that
// were mapped before.
func (s *Service) Unmap(ctx context.Context, caller models.Caller, deviceID string) (int64, error) {
	if err := s.requireOperator(ctx, caller); err != nil {
		return 0, err
	}
	if deviceID == "" {
		return 0, errors.Wrap(models.ErrValidation, "device_id is required")
	}
	n, err := s.repo.UnmapDevice(ctx, deviceID)
	if err != nil {
		return 0, errors.Wrapf(models.ErrStore, "unmap device %s: %v", deviceID, err)
	}
	slog.Info("device unmapped", "device_id", deviceID, "updated", n, "operator", caller.UserID)
	if n > 0 {
		s.publishLatest(ctx, deviceID)
	}
	return n, nil
}

func (s *Service) requireOperator(ctx context.Context, caller models.Caller) error {
	if !caller.Authenticated() {
		return models.ErrUnauthorized
	}
	p, err := s.profiles.Profile(ctx, caller.UserID)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return errors.Wrap(models.ErrNotFound, "caller profile")
		}
		return errors.Wrapf(models.ErrStore, "caller profile: %v", err)
	}
	if !p.Privileged() {
		return errors.Wrap(models.ErrForbidden, "device mapping requires admin or supervisor")
	}
	return nil
}

// publishLatest шлёт UPDATE по самой свежей записи устройства, чтобы живая
// карта увидела нового владельца без ожидания следующего пинга.
func (s *Service) publishLatest(ctx context.Context, deviceID string) {
	if s.pub == nil || s.topic == "" {
		return
	}
	rec, err := s.repo.LatestForDevice(ctx, deviceID)
	if err != nil {
		slog.Warn("load latest record for device", "device_id", deviceID, "err", err)
		return
	}
	msg := messages.NewLocationChanged(messages.ChangeUpdate, *rec)
	b, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := s.pub.Publish(ctx, s.topic, msg.Key(), b); err != nil {
		slog.Warn("publish device mapping change failed", "device_id", deviceID, "err", err)
	}
}
