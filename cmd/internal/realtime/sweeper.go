package realtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// DefaultSweepInterval is the pause between liveness sweeps.
const DefaultSweepInterval = 10 * time.Second

var errSweeperRunning = errors.New("realtime: sweeper already running")

// Sweeper periodically evicts sessions whose liveness lapsed. Run may be called again
// after a previous Run returned.
type Sweeper struct {
	sessions *Registry
	interval time.Duration
	log      *slog.Logger
	metrics  *Metrics

	running sync.Mutex
}

// NewSweeper constructs a sweeper over sessions. interval <= 0 uses DefaultSweepInterval.
func NewSweeper(sessions *Registry, interval time.Duration, log *slog.Logger, metrics *Metrics) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		sessions: sessions,
		interval: interval,
		log:      log,
		metrics:  metrics,
	}
}

// Interval returns the pause between passes.
func (s *Sweeper) Interval() time.Duration { return s.interval }

// Run sweeps every interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	if !s.running.TryLock() {
		return errSweeperRunning
	}
	defer s.running.Unlock()

	s.log.Info("sweep.start", "interval", s.interval.String(), "timeout", s.sessions.Timeout().String())

	t := time.NewTicker(s.interval)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("sweep.stop")
			return nil
		case <-t.C:
			s.SweepOnce()
		}
	}
}

// SweepOnce runs one pass at the registry clock's current time and returns the
// number of sessions evicted. A failure on one record is logged and skipped.
func (s *Sweeper) SweepOnce() int {
	now := s.sessions.Now()
	s.metrics.swept()

	evicted := 0
	for _, token := range s.sessions.Expired(now) {
		ok, err := s.expire(token, now)
		if err != nil {
			s.metrics.sweepFailed()
			s.log.Error("sweep.record.fail", "err", err)
			continue
		}
		if ok {
			evicted++
		}
	}
	if evicted > 0 {
		s.log.Info("sweep.evict", "count", evicted)
	}
	return evicted
}

func (s *Sweeper) expire(token SessionToken, now time.Time) (ok bool, err error) {
	defer func() {
		if p := recover(); p != nil {
			ok = false
			err = fmt.Errorf("panic during eviction: %v", p)
		}
	}()
	return s.sessions.expireIfLapsed(token, now), nil
}
