package common

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"trs/src/models"
	"trs/src/types"
)

// In-memory store doubles used across the package tests. They implement
// the same version discipline as the database-backed stores so the
// engine, sweeper and audit worker can be exercised without Postgres or
// Redis.

type memInventoryStore struct {
	mu    sync.Mutex
	units map[string]*models.CapacityUnit
	// maxInUse tracks the highest held+sold count ever observed after
	// an accepted swap, for overbooking assertions.
	maxInUse int
}

func newMemInventoryStore() *memInventoryStore {
	return &memInventoryStore{units: map[string]*models.CapacityUnit{}}
}

func (m *memInventoryStore) add(u models.CapacityUnit) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u.State == "" {
		u.State = types.UNIT_AVAILABLE
	}
	cp := u
	m.units[u.ID] = &cp
}

func (m *memInventoryStore) get(id string) models.CapacityUnit {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.units[id]
}

func (m *memInventoryStore) Get(ctx context.Context, unitID string) (*models.CapacityUnit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.units[unitID]
	if !ok {
		return nil, fmt.Errorf("unit %s: %w", unitID, types.ErrNotFound)
	}
	cp := *u
	return &cp, nil
}

func (m *memInventoryStore) ListAvailable(ctx context.Context, eventID uint, sectionID string, limit int) ([]models.CapacityUnit, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.CapacityUnit{}
	for _, u := range m.units {
		if u.EventID != eventID || u.State != types.UNIT_AVAILABLE {
			continue
		}
		if sectionID != "" && u.SectionID != sectionID {
			continue
		}
		out = append(out, *u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *memInventoryStore) CompareAndSwap(ctx context.Context, unitID string, expectedVersion uint, next UnitMutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.units[unitID]
	if !ok || u.Version != expectedVersion {
		return fmt.Errorf("unit %s at version %d: %w", unitID, expectedVersion, types.ErrConflict)
	}
	u.State = next.State
	u.HolderID = next.HolderID
	u.HoldExpiresAt = next.HoldExpiresAt
	u.Version++
	inUse := 0
	for _, v := range m.units {
		if v.State == types.UNIT_HELD || v.State == types.UNIT_SOLD {
			inUse++
		}
	}
	if inUse > m.maxInUse {
		m.maxInUse = inUse
	}
	return nil
}

func (m *memInventoryStore) CountsByState(ctx context.Context, eventID uint) ([]SectionCount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	type key struct {
		section string
		state   types.UnitState
	}
	grouped := map[key]int64{}
	for _, u := range m.units {
		if u.EventID != eventID {
			continue
		}
		grouped[key{u.SectionID, u.State}]++
	}
	out := []SectionCount{}
	for k, n := range grouped {
		out = append(out, SectionCount{SectionID: k.section, State: k.state, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SectionID != out[j].SectionID {
			return out[i].SectionID < out[j].SectionID
		}
		return out[i].State < out[j].State
	})
	return out, nil
}

func (m *memInventoryStore) countByState(state types.UnitState) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, u := range m.units {
		if u.State == state {
			n++
		}
	}
	return n
}

type memReservationStore struct {
	mu   sync.Mutex
	rows map[string]*models.Reservation
}

func newMemReservationStore() *memReservationStore {
	return &memReservationStore{rows: map[string]*models.Reservation{}}
}

func (m *memReservationStore) Create(ctx context.Context, r *models.Reservation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[r.ID]; ok {
		return fmt.Errorf("duplicate reservation %s", r.ID)
	}
	cp := *r
	m.rows[r.ID] = &cp
	return nil
}

func (m *memReservationStore) Get(ctx context.Context, id string) (*models.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok {
		return nil, fmt.Errorf("reservation %s: %w", id, types.ErrNotFound)
	}
	cp := *r
	return &cp, nil
}

func (m *memReservationStore) Transition(ctx context.Context, id string, from []types.ReservationStatus, to types.ReservationStatus, expectedVersion uint, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rows[id]
	if !ok || r.Version != expectedVersion {
		return fmt.Errorf("reservation %s -> %s: %w", id, to, types.ErrInvalidState)
	}
	allowed := false
	for _, f := range from {
		if r.Status == f {
			allowed = true
			break
		}
	}
	if !allowed {
		return fmt.Errorf("reservation %s -> %s: %w", id, to, types.ErrInvalidState)
	}
	if to == types.RESERVATION_CONFIRMED && r.ExpiresAt != nil && !at.Before(*r.ExpiresAt) {
		return fmt.Errorf("reservation %s -> %s: %w", id, to, types.ErrInvalidState)
	}
	r.Status = to
	r.Version++
	if to.Terminal() {
		r.ExpiresAt = nil
	}
	return nil
}

func (m *memReservationStore) ListExpired(ctx context.Context, cutoff time.Time, limit int) ([]models.Reservation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []models.Reservation{}
	for _, r := range m.rows {
		if r.Status != types.RESERVATION_HOLDING || r.ExpiresAt == nil {
			continue
		}
		if r.ExpiresAt.After(cutoff) {
			continue
		}
		out = append(out, *r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(*out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// captureEmitter records every published audit record in order.
type captureEmitter struct {
	mu   sync.Mutex
	recs []*types.AuditRecord
}

func (c *captureEmitter) Publish(ctx context.Context, rec *types.AuditRecord) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.recs = append(c.recs, rec)
	return nil
}

func (c *captureEmitter) records() []*types.AuditRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*types.AuditRecord{}, c.recs...)
}

func (c *captureEmitter) typesSeen() []types.AuditEventType {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.AuditEventType, 0, len(c.recs))
	for _, r := range c.recs {
		out = append(out, r.Type)
	}
	return out
}

type memEntry struct {
	id         string
	payload    []byte
	deliveries int64
	delivered  bool
	acked      bool
}

type dlqEntry struct {
	entry  StreamEntry
	reason string
}

// memStream is an in-memory AuditStream with the same delivery contract
// as the Redis-backed one: per-partition append order, at-least-once
// delivery, explicit acks, reclaim of unacked entries.
type memStream struct {
	mu         sync.Mutex
	partitions int
	entries    map[int][]*memEntry
	dlq        []dlqEntry
	seq        int
	failNext   int
	appended   []string
}

func newMemStream(partitions int) *memStream {
	if partitions <= 0 {
		partitions = 1
	}
	return &memStream{partitions: partitions, entries: map[int][]*memEntry{}}
}

func (m *memStream) Append(ctx context.Context, rec *types.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failNext > 0 {
		m.failNext--
		return errors.New("stream unavailable")
	}
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	m.seq++
	p := int(rec.EventID) % m.partitions
	m.entries[p] = append(m.entries[p], &memEntry{id: fmt.Sprintf("%d-0", m.seq), payload: b})
	m.appended = append(m.appended, rec.UID)
	return nil
}

// appendRaw injects an arbitrary payload, e.g. garbage for poison tests.
func (m *memStream) appendRaw(partition int, payload []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.entries[partition] = append(m.entries[partition], &memEntry{id: fmt.Sprintf("%d-0", m.seq), payload: payload})
}

func (m *memStream) ReadBatch(ctx context.Context, consumer string, count int, block time.Duration) ([]StreamEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []StreamEntry{}
	for p := 0; p < m.partitions; p++ {
		for _, e := range m.entries[p] {
			if e.delivered || e.acked {
				continue
			}
			e.delivered = true
			e.deliveries++
			out = append(out, StreamEntry{Partition: p, ID: e.id, Deliveries: e.deliveries, Payload: e.payload})
			if len(out) >= count {
				return out, nil
			}
		}
	}
	return out, nil
}

func (m *memStream) Ack(ctx context.Context, entry StreamEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range m.entries[entry.Partition] {
		if e.id == entry.ID {
			e.acked = true
			return nil
		}
	}
	return fmt.Errorf("unknown entry %s", entry.ID)
}

func (m *memStream) Claim(ctx context.Context, consumer string, minIdle time.Duration, count int) ([]StreamEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := []StreamEntry{}
	for p := 0; p < m.partitions; p++ {
		for _, e := range m.entries[p] {
			if !e.delivered || e.acked {
				continue
			}
			e.deliveries++
			out = append(out, StreamEntry{Partition: p, ID: e.id, Deliveries: e.deliveries, Payload: e.payload})
			if len(out) >= count {
				return out, nil
			}
		}
	}
	return out, nil
}

func (m *memStream) DeadLetter(ctx context.Context, entry StreamEntry, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dlq = append(m.dlq, dlqEntry{entry: entry, reason: reason})
	return nil
}

func (m *memStream) pendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for p := 0; p < m.partitions; p++ {
		for _, e := range m.entries[p] {
			if e.delivered && !e.acked {
				n++
			}
		}
	}
	return n
}

// memSink is an in-memory AuditSink with UID-keyed idempotency.
type memSink struct {
	mu      sync.Mutex
	rows    map[string]*types.AuditRecord
	order   []string
	failFor int
	upserts int
}

func newMemSink() *memSink {
	return &memSink{rows: map[string]*types.AuditRecord{}}
}

func (m *memSink) Upsert(ctx context.Context, rec *types.AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.upserts++
	if m.failFor > 0 {
		m.failFor--
		return fmt.Errorf("sink unavailable: %w", types.ErrAuditStorage)
	}
	if _, ok := m.rows[rec.UID]; ok {
		return nil
	}
	cp := *rec
	m.rows[rec.UID] = &cp
	m.order = append(m.order, rec.UID)
	return nil
}

func (m *memSink) stored() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.order...)
}

// fakeClock is a mutable time source shared by engine and sweeper tests.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func newFakeClock(t time.Time) *fakeClock {
	return &fakeClock{t: t}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// seedPool creates n available pool slots for the event.
func seedPool(store *memInventoryStore, eventID uint, pool string, n uint) {
	for i := uint(1); i <= n; i++ {
		store.add(models.CapacityUnit{
			ID:        PoolUnitID(eventID, pool, i),
			EventID:   eventID,
			SectionID: pool,
			Kind:      types.UNIT_POOL_SLOT,
		})
	}
}

// seedSeats creates a small seated section.
func seedSeats(store *memInventoryStore, eventID uint, section string, rows, seats uint) []string {
	ids := []string{}
	for r := uint(1); r <= rows; r++ {
		for s := uint(1); s <= seats; s++ {
			id := SeatUnitID(eventID, section, r, s)
			store.add(models.CapacityUnit{
				ID:        id,
				EventID:   eventID,
				SectionID: section,
				Kind:      types.UNIT_SEAT,
			})
			ids = append(ids, id)
		}
	}
	return ids
}
