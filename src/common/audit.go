package common

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"trs/src/types"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// NewAuditRecord builds the immutable audit fact for one state
// transition. The UID is minted here so that publish retries reuse it.
func NewAuditRecord(t types.AuditEventType, eventID uint, reservationID string, actorID uint, payload types.JSONB) *types.AuditRecord {
	return &types.AuditRecord{
		UID:           uuid.NewString(),
		Type:          t,
		EventID:       eventID,
		ReservationID: reservationID,
		ActorID:       actorID,
		CreatedAt:     time.Now().UTC(),
		Payload:       payload,
	}
}

type AuditEmitter interface {
	Publish(ctx context.Context, rec *types.AuditRecord) error
}

// StreamEntry is one consumable record of the audit stream. Deliveries
// counts how often the entry has been handed to a consumer.
type StreamEntry struct {
	Partition  int
	ID         string
	Deliveries int64
	Payload    []byte
}

// AuditStream is the append-only, per-partition-ordered log shared by
// publisher and worker. Records of one event always land in the same
// partition, so per-subject order survives parallel consumption.
type AuditStream interface {
	Append(ctx context.Context, rec *types.AuditRecord) error
	ReadBatch(ctx context.Context, consumer string, count int, block time.Duration) ([]StreamEntry, error)
	Ack(ctx context.Context, e StreamEntry) error
	Claim(ctx context.Context, consumer string, minIdle time.Duration, count int) ([]StreamEntry, error)
	DeadLetter(ctx context.Context, e StreamEntry, reason string) error
}

// RedisAuditStream lays the stream out as one Redis Stream per
// partition (<prefix>:p<N>) plus a capped dead-letter stream
// (<prefix>:dlq), all consumed through one consumer group.
type RedisAuditStream struct {
	client     *redis.Client
	prefix     string
	group      string
	partitions int
	dlqMaxLen  int64
}

func NewRedisAuditStream(client *redis.Client, prefix, group string, partitions int, dlqMaxLen int64) *RedisAuditStream {
	if partitions <= 0 {
		partitions = 1
	}
	return &RedisAuditStream{
		client:     client,
		prefix:     prefix,
		group:      group,
		partitions: partitions,
		dlqMaxLen:  dlqMaxLen,
	}
}

func (s *RedisAuditStream) key(partition int) string {
	return fmt.Sprintf("%s:p%d", s.prefix, partition)
}

func (s *RedisAuditStream) dlqKey() string {
	return s.prefix + ":dlq"
}

func (s *RedisAuditStream) partitionFor(eventID uint) int {
	return int(eventID) % s.partitions
}

// EnsureGroups creates the consumer group on every partition stream.
func (s *RedisAuditStream) EnsureGroups(ctx context.Context) error {
	for i := 0; i < s.partitions; i++ {
		err := s.client.XGroupCreateMkStream(ctx, s.key(i), s.group, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			return err
		}
	}
	return nil
}

func (s *RedisAuditStream) Append(ctx context.Context, rec *types.AuditRecord) error {
	b, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.key(s.partitionFor(rec.EventID)),
		Values: map[string]any{"json": string(b)},
	}).Err()
}

func (s *RedisAuditStream) ReadBatch(ctx context.Context, consumer string, count int, block time.Duration) ([]StreamEntry, error) {
	streams := make([]string, 0, s.partitions*2)
	for i := 0; i < s.partitions; i++ {
		streams = append(streams, s.key(i))
	}
	for i := 0; i < s.partitions; i++ {
		streams = append(streams, ">")
	}
	res, err := s.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    s.group,
		Consumer: consumer,
		Streams:  streams,
		Count:    int64(count),
		Block:    block,
	}).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	entries := []StreamEntry{}
	for _, sm := range res {
		partition := s.parsePartition(sm.Stream)
		for _, msg := range sm.Messages {
			entries = append(entries, StreamEntry{
				Partition:  partition,
				ID:         msg.ID,
				Deliveries: 1,
				Payload:    payloadOf(msg),
			})
		}
	}
	return entries, nil
}

func (s *RedisAuditStream) Ack(ctx context.Context, e StreamEntry) error {
	return s.client.XAck(ctx, s.key(e.Partition), s.group, e.ID).Err()
}

// Claim reclaims entries another (or a crashed) consumer left pending,
// carrying over the true delivery count from the pending entries list.
func (s *RedisAuditStream) Claim(ctx context.Context, consumer string, minIdle time.Duration, count int) ([]StreamEntry, error) {
	entries := []StreamEntry{}
	for i := 0; i < s.partitions; i++ {
		pending, err := s.client.XPendingExt(ctx, &redis.XPendingExtArgs{
			Stream: s.key(i),
			Group:  s.group,
			Idle:   minIdle,
			Start:  "-",
			End:    "+",
			Count:  int64(count),
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			return nil, err
		}
		if len(pending) == 0 {
			continue
		}
		deliveries := map[string]int64{}
		ids := make([]string, 0, len(pending))
		for _, p := range pending {
			ids = append(ids, p.ID)
			deliveries[p.ID] = p.RetryCount
		}
		msgs, err := s.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   s.key(i),
			Group:    s.group,
			Consumer: consumer,
			MinIdle:  minIdle,
			Messages: ids,
		}).Result()
		if err != nil && err != redis.Nil {
			return nil, err
		}
		for _, msg := range msgs {
			entries = append(entries, StreamEntry{
				Partition:  i,
				ID:         msg.ID,
				Deliveries: deliveries[msg.ID],
				Payload:    payloadOf(msg),
			})
		}
	}
	return entries, nil
}

func (s *RedisAuditStream) DeadLetter(ctx context.Context, e StreamEntry, reason string) error {
	return s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.dlqKey(),
		MaxLen: s.dlqMaxLen,
		Approx: true,
		Values: map[string]any{
			"json":   string(e.Payload),
			"reason": reason,
			"origin": fmt.Sprintf("p%d/%s", e.Partition, e.ID),
		},
	}).Err()
}

func (s *RedisAuditStream) parsePartition(stream string) int {
	idx := strings.LastIndex(stream, ":p")
	if idx < 0 {
		return 0
	}
	n, err := strconv.Atoi(stream[idx+2:])
	if err != nil {
		return 0
	}
	return n
}

func payloadOf(msg redis.XMessage) []byte {
	if v, ok := msg.Values["json"].(string); ok {
		return []byte(v)
	}
	return nil
}

// Publisher appends audit records to the stream. A failed append is
// retried synchronously a few times, then parked on the background
// queue; it never propagates into the inventory transition that
// produced the record.
type Publisher struct {
	stream      AuditStream
	retries     int
	backoffBase time.Duration
	pending     chan *types.AuditRecord
}

type PublisherOption func(*Publisher)

func WithPublishRetries(n int) PublisherOption {
	return func(p *Publisher) {
		if n >= 0 {
			p.retries = n
		}
	}
}

func WithPublishBackoff(d time.Duration) PublisherOption {
	return func(p *Publisher) {
		if d > 0 {
			p.backoffBase = d
		}
	}
}

func NewPublisher(stream AuditStream, opts ...PublisherOption) *Publisher {
	p := &Publisher{
		stream:      stream,
		retries:     3,
		backoffBase: 50 * time.Millisecond,
		pending:     make(chan *types.AuditRecord, 1024),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *Publisher) Publish(ctx context.Context, rec *types.AuditRecord) error {
	var lastErr error
	for attempt := 0; attempt <= p.retries; attempt++ {
		if attempt > 0 {
			if err := sleepJitter(ctx, p.backoffBase, attempt); err != nil {
				break
			}
		}
		if lastErr = p.stream.Append(ctx, rec); lastErr == nil {
			return nil
		}
	}
	select {
	case p.pending <- rec:
		log.Printf("Audit record %s queued for background retry: %s\n", rec.UID, lastErr.Error())
	default:
		log.Printf("Audit retry queue full, record %s dropped: %s\n", rec.UID, lastErr.Error())
	}
	return fmt.Errorf("record %s: %v: %w", rec.UID, lastErr, types.ErrPublish)
}

// Run drains the background retry queue until ctx is cancelled.
func (p *Publisher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case rec := <-p.pending:
			if err := p.stream.Append(ctx, rec); err != nil {
				log.Printf("Background audit publish for %s failed, requeueing: %s\n", rec.UID, err.Error())
				if err := sleepJitter(ctx, p.backoffBase*4, 1); err != nil {
					return
				}
				select {
				case p.pending <- rec:
				default:
					log.Printf("Audit retry queue full, record %s dropped\n", rec.UID)
				}
			}
		}
	}
}
