package common

import (
	"context"
	"errors"
	"fmt"
	"time"

	"trs/src/models"
	"trs/src/types"

	"gorm.io/gorm"
)

// ReservationStore persists Reservation rows. Transition is the
// exclusivity point for per-reservation ordering: a conditional update
// that only applies when the row still has the expected version and one
// of the allowed source statuses. When to is confirmed the update also
// refuses rows whose expiry has passed at the given instant, so a
// confirm can never race past a logical expiry.
type ReservationStore interface {
	Create(ctx context.Context, r *models.Reservation) error
	Get(ctx context.Context, id string) (*models.Reservation, error)
	Transition(ctx context.Context, id string, from []types.ReservationStatus, to types.ReservationStatus, expectedVersion uint, at time.Time) error
	// ListExpired returns reservations still holding whose expiry lies
	// at or before cutoff, oldest first.
	ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]models.Reservation, error)
}

type GormReservationStore struct {
	db *gorm.DB
}

func NewGormReservationStore(db *gorm.DB) *GormReservationStore {
	return &GormReservationStore{db: db}
}

func (s *GormReservationStore) Create(ctx context.Context, r *models.Reservation) error {
	return s.db.WithContext(ctx).Create(r).Error
}

func (s *GormReservationStore) Get(ctx context.Context, id string) (*models.Reservation, error) {
	var r models.Reservation
	err := s.db.WithContext(ctx).
		Model(&models.Reservation{}).
		Where("id = ?", id).
		First(&r).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("reservation %s: %w", id, types.ErrNotFound)
		}
		return nil, err
	}
	return &r, nil
}

func (s *GormReservationStore) Transition(ctx context.Context, id string, from []types.ReservationStatus, to types.ReservationStatus, expectedVersion uint, at time.Time) error {
	updates := map[string]any{
		"status":  to,
		"version": gorm.Expr("version + 1"),
	}
	if to.Terminal() || to == types.RESERVATION_CONFIRMED {
		updates["expires_at"] = nil
	}
	q := s.db.WithContext(ctx).
		Model(&models.Reservation{}).
		Where("id = ? AND version = ? AND status IN ?", id, expectedVersion, from)
	if to == types.RESERVATION_CONFIRMED {
		q = q.Where("expires_at IS NULL OR expires_at > ?", at)
	}
	res := q.Updates(updates)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("reservation %s -> %s: %w", id, to, types.ErrInvalidState)
	}
	return nil
}

func (s *GormReservationStore) ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]models.Reservation, error) {
	var rs []models.Reservation
	err := s.db.WithContext(ctx).
		Model(&models.Reservation{}).
		Where("status = ? AND expires_at <= ?", types.RESERVATION_HOLDING, cutoff).
		Order("expires_at asc").
		Limit(limit).
		Find(&rs).
		Error
	if err != nil {
		return nil, err
	}
	return rs, nil
}
