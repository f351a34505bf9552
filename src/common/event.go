package common

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"trs/src/config"
	"trs/src/db"
	"trs/src/models"
	"trs/src/types"

	"gorm.io/gorm"
)

// CreateEventLayout creates an event together with its full unit
// inventory in one transaction. Unit identifiers are built so that
// ascending lexicographic order is the allocation order; pool slot
// numbers are zero padded for that reason.
func CreateEventLayout(ctx context.Context, body types.CreateEventRequestBody) (*models.Event, error) {
	if len(body.Sections) == 0 && len(body.Pools) == 0 {
		return nil, errors.New("event layout needs at least one section or pool")
	}
	dateTime, err := time.Parse(config.TIME_PARSE_FORMAT, body.DateTime)
	if err != nil {
		return nil, err
	}
	event := models.Event{
		Title:    body.Title,
		Name:     body.Name,
		Location: body.Location,
		DateTime: dateTime,
	}
	db := db.GetDb()
	err = db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&event).Error; err != nil {
			return err
		}
		for _, spec := range body.Sections {
			section := models.Section{
				EventID:  event.ID,
				Name:     spec.Name,
				Rows:     spec.Rows,
				RowSeats: spec.Seats,
				Capacity: spec.Rows * spec.Seats,
			}
			if err := tx.Create(&section).Error; err != nil {
				return err
			}
			units := make([]models.CapacityUnit, 0, section.Capacity)
			for row := uint(1); row <= spec.Rows; row++ {
				for seat := uint(1); seat <= spec.Seats; seat++ {
					units = append(units, models.CapacityUnit{
						ID:        SeatUnitID(event.ID, spec.Name, row, seat),
						EventID:   event.ID,
						SectionID: spec.Name,
						Kind:      types.UNIT_SEAT,
						State:     types.UNIT_AVAILABLE,
					})
				}
			}
			if err := tx.CreateInBatches(&units, 500).Error; err != nil {
				return err
			}
		}
		for _, spec := range body.Pools {
			pool := models.Pool{
				EventID: event.ID,
				Name:    spec.Name,
				Slots:   spec.Slots,
			}
			if err := tx.Create(&pool).Error; err != nil {
				return err
			}
			units := make([]models.CapacityUnit, 0, spec.Slots)
			for n := uint(1); n <= spec.Slots; n++ {
				units = append(units, models.CapacityUnit{
					ID:        PoolUnitID(event.ID, spec.Name, n),
					EventID:   event.ID,
					SectionID: spec.Name,
					Kind:      types.UNIT_POOL_SLOT,
					State:     types.UNIT_AVAILABLE,
				})
			}
			if err := tx.CreateInBatches(&units, 500).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		log.Printf("Error creating event layout: %s\n", err.Error())
		return nil, err
	}
	return &event, nil
}

// AddPoolCapacity is the explicit administrative capacity change; slots
// are never added as a side effect of sales.
func AddPoolCapacity(ctx context.Context, audit AuditEmitter, eventID uint, poolName string, slots uint, actorID uint) (*models.Pool, error) {
	if slots == 0 {
		return nil, errors.New("no slots to add")
	}
	var pool models.Pool
	gdb := db.GetDb()
	err := gdb.Transaction(func(tx *gorm.DB) error {
		err := tx.
			Model(&models.Pool{}).
			Where(&models.Pool{EventID: eventID, Name: poolName}).
			First(&pool).
			Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("pool %s of event %d: %w", poolName, eventID, types.ErrNotFound)
			}
			return err
		}
		units := make([]models.CapacityUnit, 0, slots)
		for n := pool.Slots + 1; n <= pool.Slots+slots; n++ {
			units = append(units, models.CapacityUnit{
				ID:        PoolUnitID(eventID, poolName, n),
				EventID:   eventID,
				SectionID: poolName,
				Kind:      types.UNIT_POOL_SLOT,
				State:     types.UNIT_AVAILABLE,
			})
		}
		if err := tx.CreateInBatches(&units, 500).Error; err != nil {
			return err
		}
		err = tx.
			Model(&models.Pool{}).
			Where(&models.Pool{ID: pool.ID}).
			Update("slots", gorm.Expr("slots + ?", slots)).
			Error
		if err != nil {
			return err
		}
		pool.Slots += slots
		return nil
	})
	if err != nil {
		return nil, err
	}
	if audit != nil {
		rec := NewAuditRecord(types.AUDIT_CAPACITY_CHANGED, eventID, "", actorID, types.JSONB{
			"pool":  poolName,
			"added": slots,
			"total": pool.Slots,
		})
		if err := audit.Publish(ctx, rec); err != nil {
			log.Printf("Error publishing audit record %s: %s\n", rec.UID, err.Error())
		}
	}
	return &pool, nil
}

// AssignRole changes a user's role and records the change on the audit
// trail. The engine itself never checks roles; enforcement happens in
// front of it.
func AssignRole(ctx context.Context, audit AuditEmitter, userID uint, role string, actorID uint) (*models.User, error) {
	var user models.User
	gdb := db.GetDb()
	err := gdb.Transaction(func(tx *gorm.DB) error {
		err := tx.
			Model(&models.User{}).
			Where(&models.User{ID: userID}).
			First(&user).
			Error
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("user %d: %w", userID, types.ErrNotFound)
			}
			return err
		}
		err = tx.
			Model(&models.User{}).
			Where(&models.User{ID: userID}).
			Update("role", role).
			Error
		if err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	previous := user.Role
	user.Role = role
	if audit != nil {
		rec := NewAuditRecord(types.AUDIT_ROLE_CHANGED, 0, "", actorID, types.JSONB{
			"user": userID,
			"from": previous,
			"to":   role,
		})
		if err := audit.Publish(ctx, rec); err != nil {
			log.Printf("Error publishing audit record %s: %s\n", rec.UID, err.Error())
		}
	}
	return &user, nil
}

func SeatUnitID(eventID uint, section string, row, seat uint) string {
	return fmt.Sprintf("%d:%s:r%02d:s%03d", eventID, section, row, seat)
}

func PoolUnitID(eventID uint, pool string, n uint) string {
	return fmt.Sprintf("%d:%s:%06d", eventID, pool, n)
}
