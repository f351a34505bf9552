package common

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"trs/src/models"
	"trs/src/types"

	"github.com/tidwall/gjson"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// AuditSink is the durable audit storage. Upsert must be a no-op when a
// row with the record's UID already exists: the stream delivers
// at-least-once, so the worker may hand the same record over twice.
type AuditSink interface {
	Upsert(ctx context.Context, rec *types.AuditRecord) error
}

type GormAuditSink struct {
	db *gorm.DB
}

func NewGormAuditSink(db *gorm.DB) *GormAuditSink {
	return &GormAuditSink{db: db}
}

func (s *GormAuditSink) Upsert(ctx context.Context, rec *types.AuditRecord) error {
	row := models.AuditLog{
		UID:           rec.UID,
		Type:          rec.Type,
		EventID:       rec.EventID,
		ReservationID: rec.ReservationID,
		ActorID:       rec.ActorID,
		Payload:       rec.Payload,
		CreatedAt:     rec.CreatedAt,
	}
	err := s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "uid"}},
			DoNothing: true,
		}).
		Create(&row).
		Error
	if err != nil {
		return fmt.Errorf("%v: %w", err, types.ErrAuditStorage)
	}
	return nil
}

// Worker drains the audit stream and persists records idempotently.
// Entries are acknowledged only after the sink accepted them; entries
// that keep failing are parked on the dead-letter path after a bounded
// delivery count so one poisoned record cannot stall a partition.
type Worker struct {
	stream        AuditStream
	sink          AuditSink
	consumer      string
	batch         int
	block         time.Duration
	maxDeliveries int64
	claimIdle     time.Duration
	claimEvery    time.Duration
}

type WorkerOption func(*Worker)

func WithWorkerBatch(n int) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.batch = n
		}
	}
}

func WithWorkerBlock(d time.Duration) WorkerOption {
	return func(w *Worker) {
		if d > 0 {
			w.block = d
		}
	}
}

func WithMaxDeliveries(n int64) WorkerOption {
	return func(w *Worker) {
		if n > 0 {
			w.maxDeliveries = n
		}
	}
}

func NewWorker(stream AuditStream, sink AuditSink, consumer string, opts ...WorkerOption) *Worker {
	w := &Worker{
		stream:        stream,
		sink:          sink,
		consumer:      consumer,
		batch:         100,
		block:         5 * time.Second,
		maxDeliveries: 5,
		claimIdle:     time.Minute,
		claimEvery:    30 * time.Second,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Run consumes until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) {
	log.Printf("[audit-worker] %s: waiting for records...\n", w.consumer)
	lastClaim := time.Now()
	for {
		if ctx.Err() != nil {
			log.Printf("[audit-worker] %s: stopping\n", w.consumer)
			return
		}
		entries, err := w.stream.ReadBatch(ctx, w.consumer, w.batch, w.block)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[audit-worker] Error reading batch: %s\n", err.Error())
			time.Sleep(time.Second)
			continue
		}
		for _, e := range entries {
			w.Process(ctx, e)
		}
		if time.Since(lastClaim) >= w.claimEvery {
			lastClaim = time.Now()
			claimed, err := w.stream.Claim(ctx, w.consumer, w.claimIdle, w.batch)
			if err != nil {
				log.Printf("[audit-worker] Error reclaiming pending entries: %s\n", err.Error())
				continue
			}
			if len(claimed) > 0 {
				log.Printf("[audit-worker] Retrying %d pending entries\n", len(claimed))
			}
			for _, e := range claimed {
				w.Process(ctx, e)
			}
		}
	}
}

// Process handles one entry: structurally invalid payloads dead-letter
// immediately; storage failures leave the entry pending until the
// delivery bound is reached, then dead-letter it.
func (w *Worker) Process(ctx context.Context, e StreamEntry) {
	rec, err := decodeRecord(e.Payload)
	if err != nil {
		log.Printf("[audit-worker] Invalid payload at p%d/%s: %s\n", e.Partition, e.ID, err.Error())
		w.park(ctx, e, err.Error())
		return
	}
	if err := w.sink.Upsert(ctx, rec); err != nil {
		if e.Deliveries >= w.maxDeliveries {
			log.Printf("[audit-worker] Record %s failed %d deliveries: %s\n", rec.UID, e.Deliveries, err.Error())
			w.park(ctx, e, err.Error())
			return
		}
		// Not acked; the reclaim pass will pick it up again.
		log.Printf("[audit-worker] Error persisting record %s (delivery %d): %s\n", rec.UID, e.Deliveries, err.Error())
		return
	}
	if err := w.stream.Ack(ctx, e); err != nil {
		log.Printf("[audit-worker] Error acking p%d/%s: %s\n", e.Partition, e.ID, err.Error())
	}
}

func (w *Worker) park(ctx context.Context, e StreamEntry, reason string) {
	if err := w.stream.DeadLetter(ctx, e, reason); err != nil {
		log.Printf("[audit-worker] Error dead-lettering p%d/%s: %s\n", e.Partition, e.ID, err.Error())
		return
	}
	if err := w.stream.Ack(ctx, e); err != nil {
		log.Printf("[audit-worker] Error acking dead-lettered p%d/%s: %s\n", e.Partition, e.ID, err.Error())
	}
}

func decodeRecord(payload []byte) (*types.AuditRecord, error) {
	if !gjson.ValidBytes(payload) {
		return nil, fmt.Errorf("not valid json")
	}
	body := gjson.ParseBytes(payload)
	if body.Get("uid").String() == "" || body.Get("type").String() == "" {
		return nil, fmt.Errorf("missing required fields: uid/type")
	}
	var rec types.AuditRecord
	if err := json.Unmarshal(payload, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}
