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

// UnitMutation is the target side of a compare-and-swap: the full next
// state of the unit. Holder and expiry are cleared when nil.
type UnitMutation struct {
	State         types.UnitState
	HolderID      *string
	HoldExpiresAt *time.Time
}

// InventoryStore owns all CapacityUnit state. CompareAndSwap is the sole
// mutation primitive: the caller presents the version it last observed
// and the swap is rejected with types.ErrConflict when the stored
// version differs. Every accepted swap bumps the version by one.
type InventoryStore interface {
	Get(ctx context.Context, unitID string) (*models.CapacityUnit, error)
	// ListAvailable returns up to limit available units of the given
	// section/pool ordered by ascending identifier.
	ListAvailable(ctx context.Context, eventID uint, sectionID string, limit int) ([]models.CapacityUnit, error)
	CompareAndSwap(ctx context.Context, unitID string, expectedVersion uint, next UnitMutation) error
	// CountsByState groups units of one event by section and state.
	CountsByState(ctx context.Context, eventID uint) ([]SectionCount, error)
}

type SectionCount struct {
	SectionID string          `json:"section_id"`
	State     types.UnitState `json:"state"`
	Count     int64           `json:"count"`
}

type GormInventoryStore struct {
	db *gorm.DB
}

func NewGormInventoryStore(db *gorm.DB) *GormInventoryStore {
	return &GormInventoryStore{db: db}
}

func (s *GormInventoryStore) Get(ctx context.Context, unitID string) (*models.CapacityUnit, error) {
	var unit models.CapacityUnit
	err := s.db.WithContext(ctx).
		Model(&models.CapacityUnit{}).
		Where("id = ?", unitID).
		First(&unit).
		Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("unit %s: %w", unitID, types.ErrNotFound)
		}
		return nil, err
	}
	return &unit, nil
}

func (s *GormInventoryStore) ListAvailable(ctx context.Context, eventID uint, sectionID string, limit int) ([]models.CapacityUnit, error) {
	var units []models.CapacityUnit
	err := s.db.WithContext(ctx).
		Model(&models.CapacityUnit{}).
		Where(&models.CapacityUnit{EventID: eventID, SectionID: sectionID, State: types.UNIT_AVAILABLE}).
		Order("id asc").
		Limit(limit).
		Find(&units).
		Error
	if err != nil {
		return nil, err
	}
	return units, nil
}

// CompareAndSwap issues a single guarded UPDATE; zero rows affected
// means somebody else won the version race (or the unit is gone), which
// both report as types.ErrConflict so the caller re-reads.
func (s *GormInventoryStore) CompareAndSwap(ctx context.Context, unitID string, expectedVersion uint, next UnitMutation) error {
	res := s.db.WithContext(ctx).
		Model(&models.CapacityUnit{}).
		Where("id = ? AND version = ?", unitID, expectedVersion).
		Updates(map[string]any{
			"state":           next.State,
			"holder_id":       next.HolderID,
			"hold_expires_at": next.HoldExpiresAt,
			"version":         gorm.Expr("version + 1"),
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("unit %s at version %d: %w", unitID, expectedVersion, types.ErrConflict)
	}
	return nil
}

func (s *GormInventoryStore) CountsByState(ctx context.Context, eventID uint) ([]SectionCount, error) {
	var counts []SectionCount
	err := s.db.WithContext(ctx).
		Model(&models.CapacityUnit{}).
		Select("section_id", "state", "count(*) as count").
		Where("event_id = ?", eventID).
		Group("section_id").
		Group("state").
		Order("section_id asc").
		Find(&counts).
		Error
	if err != nil {
		return nil, err
	}
	return counts, nil
}
