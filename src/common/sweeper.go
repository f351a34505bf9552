package common

import (
	"context"
	"errors"
	"log"
	"time"

	"trs/src/lib"
	"trs/src/types"

	"github.com/go-co-op/gocron/v2"
)

// Sweeper reclaims expired holds back to available inventory. It runs on
// a fixed interval independent of request traffic and uses the same
// version discipline as user-triggered paths, so racing a confirm is
// safe: the loser of the reservation-row swap simply skips.
type Sweeper struct {
	engine       *Engine
	reservations ReservationStore
	interval     time.Duration
	batch        int
	now          func() time.Time
}

type SweeperOption func(*Sweeper)

func WithSweepInterval(d time.Duration) SweeperOption {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithSweepBatch(n int) SweeperOption {
	return func(s *Sweeper) {
		if n > 0 {
			s.batch = n
		}
	}
}

func WithSweepClock(now func() time.Time) SweeperOption {
	return func(s *Sweeper) {
		if now != nil {
			s.now = now
		}
	}
}

func NewSweeper(engine *Engine, reservations ReservationStore, opts ...SweeperOption) *Sweeper {
	s := &Sweeper{
		engine:       engine,
		reservations: reservations,
		interval:     5 * time.Second,
		batch:        500,
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start registers the sweep as a recurring scheduler job, plus a
// one-time immediate pass so holds that lapsed while the process was
// down are reclaimed before the first interval tick.
func (s *Sweeper) Start() (*string, error) {
	sweep := func() {
		if _, err := s.Sweep(context.Background()); err != nil {
			log.Printf("[sweeper] Error during sweep: %s\n", err.Error())
		}
	}
	if _, err := lib.CreateOneTimeCronJob(
		gocron.OneTimeJob(gocron.OneTimeJobStartImmediately()),
		gocron.NewTask(sweep),
	); err != nil {
		return nil, err
	}
	return lib.CreateCronJob(sweep, s.interval)
}

// Sweep performs one pass and returns how many holds it expired.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	expired, err := s.reservations.ListExpired(ctx, s.now(), s.batch)
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, r := range expired {
		err := s.engine.ExpireHold(ctx, r.ID)
		if err != nil {
			// A concurrent confirm or cancel got there first.
			if errors.Is(err, types.ErrInvalidState) {
				continue
			}
			log.Printf("[sweeper] Error expiring reservation %s: %s\n", r.ID, err.Error())
			continue
		}
		swept++
	}
	if swept > 0 {
		log.Printf("[sweeper] Expired %d holds\n", swept)
	}
	return swept, nil
}
