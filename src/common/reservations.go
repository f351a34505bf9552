package common

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/rand"
	"sort"
	"time"

	"trs/src/models"
	"trs/src/types"

	"github.com/google/uuid"
)

// Engine enforces the hold/sell/release state machine over the
// inventory and reservation stores. All coordination with concurrent
// callers and with the sweeper happens through the stores' optimistic
// primitives; the engine itself holds no locks.
type Engine struct {
	units        InventoryStore
	reservations ReservationStore
	audit        AuditEmitter
	notify       func(*models.Reservation)
	now          func() time.Time
	holdDuration time.Duration
	batchRetries int
	casRetries   int
	backoffBase  time.Duration
}

type EngineOption func(*Engine)

// WithHoldDuration overrides the default hold window for new holds.
func WithHoldDuration(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.holdDuration = d
		}
	}
}

// WithBatchRetries bounds how often a contended hold batch is retried
// before the engine gives up with ErrInsufficientInventory.
func WithBatchRetries(n int) EngineOption {
	return func(e *Engine) {
		if n >= 0 {
			e.batchRetries = n
		}
	}
}

func WithBackoffBase(d time.Duration) EngineOption {
	return func(e *Engine) {
		if d > 0 {
			e.backoffBase = d
		}
	}
}

// WithClock replaces the engine clock, used by expiry tests.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) {
		if now != nil {
			e.now = now
		}
	}
}

// WithConfirmNotifier registers a callback invoked after a reservation
// is confirmed, e.g. the Kafka ticket-issuance producer.
func WithConfirmNotifier(fn func(*models.Reservation)) EngineOption {
	return func(e *Engine) { e.notify = fn }
}

func NewEngine(units InventoryStore, reservations ReservationStore, audit AuditEmitter, opts ...EngineOption) *Engine {
	e := &Engine{
		units:        units,
		reservations: reservations,
		audit:        audit,
		now:          time.Now,
		holdDuration: 20 * time.Minute,
		batchRetries: 5,
		casRetries:   3,
		backoffBase:  25 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// HoldRequest names either specific seats (UnitIDs) or a fungible count
// out of one pool; never both.
type HoldRequest struct {
	EventID    uint
	CustomerID uint
	UnitIDs    []string
	PoolID     string
	Count      int
	HoldFor    time.Duration
}

// CreateHold reserves the entire requested set atomically relative to
// other holds: units are swapped available->held in ascending identifier
// order, and on any conflict the already-swapped units are reverted and
// the whole batch retried a bounded number of times with jittered
// backoff.
func (e *Engine) CreateHold(ctx context.Context, req HoldRequest) (*models.Reservation, error) {
	if len(req.UnitIDs) == 0 && req.Count <= 0 {
		return nil, errors.New("hold request names no units and no count")
	}
	if len(req.UnitIDs) > 0 && req.Count > 0 {
		return nil, errors.New("hold request names both units and a count")
	}
	holdFor := req.HoldFor
	if holdFor <= 0 {
		holdFor = e.holdDuration
	}
	resID := uuid.NewString()

	var lastErr error
	for attempt := 0; attempt <= e.batchRetries; attempt++ {
		if attempt > 0 {
			if err := sleepJitter(ctx, e.backoffBase, attempt); err != nil {
				return nil, err
			}
		}
		units, err := e.selectUnits(ctx, req)
		if err != nil {
			return nil, err
		}
		expiresAt := e.now().Add(holdFor)
		swapped, err := e.swapAll(ctx, units, UnitMutation{
			State:         types.UNIT_HELD,
			HolderID:      &resID,
			HoldExpiresAt: &expiresAt,
		})
		if err != nil {
			e.revert(ctx, swapped)
			if errors.Is(err, types.ErrConflict) {
				lastErr = err
				continue
			}
			return nil, err
		}

		ids := make(types.JSONBArray, 0, len(units))
		for _, u := range units {
			ids = append(ids, u.ID)
		}
		res := &models.Reservation{
			ID:         resID,
			CustomerID: req.CustomerID,
			EventID:    req.EventID,
			UnitIDs:    ids,
			Status:     types.RESERVATION_HOLDING,
			ExpiresAt:  &expiresAt,
			Version:    1,
		}
		if err := e.reservations.Create(ctx, res); err != nil {
			e.revert(ctx, swapped)
			return nil, err
		}
		e.emit(ctx, types.AUDIT_RESERVATION_HELD, res, req.CustomerID, types.JSONB{
			"units":      len(units),
			"expires_at": expiresAt.UTC().Format(time.RFC3339Nano),
		})
		return res, nil
	}
	return nil, fmt.Errorf("hold for event %d contended %d times (%v): %w",
		req.EventID, e.batchRetries+1, lastErr, types.ErrInsufficientInventory)
}

// ConfirmPayment moves a holding reservation to confirmed and its units
// held->sold. The conditional row transition is the decision point: when
// it races the sweeper, exactly one side wins and the loser observes a
// terminal-state error.
func (e *Engine) ConfirmPayment(ctx context.Context, reservationID string) (*models.Reservation, error) {
	res, err := e.reservations.Get(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	if res.Status != types.RESERVATION_HOLDING {
		return nil, fmt.Errorf("reservation %s is %s: %w", reservationID, res.Status, types.ErrInvalidState)
	}
	now := e.now()
	if res.ExpiresAt != nil && !now.Before(*res.ExpiresAt) {
		return nil, fmt.Errorf("reservation %s expired at %s: %w", reservationID, res.ExpiresAt, types.ErrExpiredHold)
	}
	err = e.reservations.Transition(ctx, reservationID,
		[]types.ReservationStatus{types.RESERVATION_HOLDING},
		types.RESERVATION_CONFIRMED, res.Version, now)
	if err != nil {
		// The guard refuses both a lost version race and a hold whose
		// expiry passed between the read and the update; re-read to
		// report the right error.
		latest, gerr := e.reservations.Get(ctx, reservationID)
		if gerr == nil && latest.Status == types.RESERVATION_HOLDING &&
			latest.ExpiresAt != nil && !now.Before(*latest.ExpiresAt) {
			return nil, fmt.Errorf("reservation %s expired at %s: %w", reservationID, latest.ExpiresAt, types.ErrExpiredHold)
		}
		return nil, err
	}

	for _, unitID := range res.Units() {
		if err := e.retarget(ctx, unitID, reservationID, types.UNIT_HELD, UnitMutation{
			State:    types.UNIT_SOLD,
			HolderID: &res.ID,
		}); err != nil {
			log.Printf("Error selling unit %s of reservation %s: %s\n", unitID, reservationID, err.Error())
		}
	}

	res.Status = types.RESERVATION_CONFIRMED
	res.ExpiresAt = nil
	res.Version++
	e.emit(ctx, types.AUDIT_RESERVATION_CONFIRMED, res, res.CustomerID, nil)
	if e.notify != nil {
		e.notify(res)
	}
	return res, nil
}

// Cancel releases a holding or confirmed reservation. A confirmed
// cancellation is a refund as far as the audit trail is concerned; the
// refund itself is delegated externally.
func (e *Engine) Cancel(ctx context.Context, reservationID string, actorID uint) (*models.Reservation, error) {
	res, err := e.reservations.Get(ctx, reservationID)
	if err != nil {
		return nil, err
	}
	auditType := types.AUDIT_RESERVATION_CANCELLED
	switch res.Status {
	case types.RESERVATION_HOLDING:
	case types.RESERVATION_CONFIRMED:
		auditType = types.AUDIT_RESERVATION_REFUNDED
	default:
		return nil, fmt.Errorf("reservation %s is %s: %w", reservationID, res.Status, types.ErrInvalidState)
	}
	if err := e.release(ctx, res, res.Status, types.RESERVATION_CANCELLED, auditType, actorID); err != nil {
		return nil, err
	}
	return res, nil
}

// ExpireHold is the sweeper's entry point. It routes through the same
// release path as Cancel so the legal-edge set stays single-sourced.
func (e *Engine) ExpireHold(ctx context.Context, reservationID string) error {
	res, err := e.reservations.Get(ctx, reservationID)
	if err != nil {
		return err
	}
	if res.Status != types.RESERVATION_HOLDING {
		return fmt.Errorf("reservation %s is %s: %w", reservationID, res.Status, types.ErrInvalidState)
	}
	if res.ExpiresAt == nil || e.now().Before(*res.ExpiresAt) {
		return fmt.Errorf("reservation %s not yet expired: %w", reservationID, types.ErrInvalidState)
	}
	return e.release(ctx, res, types.RESERVATION_HOLDING, types.RESERVATION_EXPIRED, types.AUDIT_RESERVATION_EXPIRED, 0)
}

// release is the single transition function shared by cancel, refund and
// sweeper expiry: win the reservation row, free the units, emit audit.
func (e *Engine) release(ctx context.Context, res *models.Reservation, from, to types.ReservationStatus, auditType types.AuditEventType, actorID uint) error {
	err := e.reservations.Transition(ctx, res.ID,
		[]types.ReservationStatus{from}, to, res.Version, e.now())
	if err != nil {
		return err
	}
	for _, unitID := range res.Units() {
		if err := e.free(ctx, unitID, res.ID); err != nil {
			log.Printf("Error releasing unit %s of reservation %s: %s\n", unitID, res.ID, err.Error())
		}
	}
	res.Status = to
	res.ExpiresAt = nil
	res.Version++
	e.emit(ctx, auditType, res, actorID, nil)
	return nil
}

// SectionSnapshot is the read path's per-section/pool view.
type SectionSnapshot struct {
	SectionID string `json:"section_id"`
	Available int64  `json:"available"`
	Held      int64  `json:"held"`
	Sold      int64  `json:"sold"`
}

// InventorySnapshot reads current counts straight from the store; there
// is deliberately no cached projection of these numbers.
func (e *Engine) InventorySnapshot(ctx context.Context, eventID uint) ([]SectionSnapshot, error) {
	counts, err := e.units.CountsByState(ctx, eventID)
	if err != nil {
		return nil, err
	}
	index := map[string]int{}
	out := []SectionSnapshot{}
	for _, c := range counts {
		i, ok := index[c.SectionID]
		if !ok {
			out = append(out, SectionSnapshot{SectionID: c.SectionID})
			i = len(out) - 1
			index[c.SectionID] = i
		}
		switch c.State {
		case types.UNIT_AVAILABLE:
			out[i].Available = c.Count
		case types.UNIT_HELD:
			out[i].Held = c.Count
		case types.UNIT_SOLD:
			out[i].Sold = c.Count
		}
	}
	return out, nil
}

func (e *Engine) selectUnits(ctx context.Context, req HoldRequest) ([]models.CapacityUnit, error) {
	if len(req.UnitIDs) > 0 {
		units := make([]models.CapacityUnit, 0, len(req.UnitIDs))
		for _, id := range req.UnitIDs {
			u, err := e.units.Get(ctx, id)
			if err != nil {
				return nil, err
			}
			if u.EventID != req.EventID {
				return nil, fmt.Errorf("unit %s does not belong to event %d: %w", id, req.EventID, types.ErrNotFound)
			}
			units = append(units, *u)
		}
		sort.Slice(units, func(i, j int) bool { return units[i].ID < units[j].ID })
		return units, nil
	}
	units, err := e.units.ListAvailable(ctx, req.EventID, req.PoolID, req.Count)
	if err != nil {
		return nil, err
	}
	if len(units) < req.Count {
		return nil, fmt.Errorf("pool %s has %d of %d requested slots: %w",
			req.PoolID, len(units), req.Count, types.ErrInsufficientInventory)
	}
	return units, nil
}

// swapAll attempts the compare-and-swap on every unit in ascending
// identifier order and stops at the first failure, returning the units
// already swapped so the caller can revert them.
func (e *Engine) swapAll(ctx context.Context, units []models.CapacityUnit, next UnitMutation) ([]models.CapacityUnit, error) {
	swapped := make([]models.CapacityUnit, 0, len(units))
	for _, u := range units {
		if u.State != types.UNIT_AVAILABLE {
			return swapped, fmt.Errorf("unit %s is %s: %w", u.ID, u.State, types.ErrConflict)
		}
		if err := e.units.CompareAndSwap(ctx, u.ID, u.Version, next); err != nil {
			return swapped, err
		}
		swapped = append(swapped, u)
	}
	return swapped, nil
}

// revert returns swapped units to available. The versions are the ones
// our own swaps produced, so a conflict here means state corruption and
// is only logged.
func (e *Engine) revert(ctx context.Context, swapped []models.CapacityUnit) {
	for _, u := range swapped {
		err := e.units.CompareAndSwap(ctx, u.ID, u.Version+1, UnitMutation{State: types.UNIT_AVAILABLE})
		if err != nil {
			log.Printf("Error reverting unit %s: %s\n", u.ID, err.Error())
		}
	}
}

// retarget swaps one unit owned by the reservation from one state to the
// next, re-reading on conflict a bounded number of times.
func (e *Engine) retarget(ctx context.Context, unitID, reservationID string, expect types.UnitState, next UnitMutation) error {
	var lastErr error
	for attempt := 0; attempt <= e.casRetries; attempt++ {
		u, err := e.units.Get(ctx, unitID)
		if err != nil {
			return err
		}
		if u.HolderID == nil || *u.HolderID != reservationID || u.State != expect {
			return fmt.Errorf("unit %s is %s held by %v: %w", unitID, u.State, u.HolderID, types.ErrConflict)
		}
		if err := e.units.CompareAndSwap(ctx, u.ID, u.Version, next); err != nil {
			if errors.Is(err, types.ErrConflict) {
				lastErr = err
				continue
			}
			return err
		}
		return nil
	}
	return lastErr
}

// free releases one unit back to available if this reservation still
// holds it; units already reclaimed by a competing path are skipped.
func (e *Engine) free(ctx context.Context, unitID, reservationID string) error {
	var lastErr error
	for attempt := 0; attempt <= e.casRetries; attempt++ {
		u, err := e.units.Get(ctx, unitID)
		if err != nil {
			return err
		}
		if u.HolderID == nil || *u.HolderID != reservationID {
			return nil
		}
		if u.State != types.UNIT_HELD && u.State != types.UNIT_SOLD {
			return nil
		}
		if err := e.units.CompareAndSwap(ctx, u.ID, u.Version, UnitMutation{State: types.UNIT_AVAILABLE}); err != nil {
			if errors.Is(err, types.ErrConflict) {
				lastErr = err
				continue
			}
			return err
		}
		return nil
	}
	return lastErr
}

func (e *Engine) emit(ctx context.Context, t types.AuditEventType, res *models.Reservation, actorID uint, payload types.JSONB) {
	if e.audit == nil {
		return
	}
	rec := NewAuditRecord(t, res.EventID, res.ID, actorID, payload)
	if err := e.audit.Publish(ctx, rec); err != nil {
		// A transition that succeeded stays committed; the publisher
		// keeps retrying in the background.
		log.Printf("Error publishing audit record %s (%s): %s\n", rec.UID, t, err.Error())
	}
}

// sleepJitter waits the backoff for the given attempt with full jitter.
func sleepJitter(ctx context.Context, base time.Duration, attempt int) error {
	d := base << (attempt - 1)
	d = time.Duration(rand.Int63n(int64(d)) + int64(base)/2)
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
