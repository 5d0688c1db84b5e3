package shadow

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kynetic/kbot/internal/common/config"
	"github.com/kynetic/kbot/internal/common/logger"
)

// Scheduler batches memory events into shadow commits: a commit fires
// when the pending count reaches maxEvents or maxInterval passes since
// the last one, whichever comes first.
type Scheduler struct {
	cfg    config.ShadowConfig
	store  *Store
	logger *logger.Logger

	// tick is the scheduler granularity; tests shorten it.
	tick time.Duration

	mu         sync.Mutex
	pending    int
	lastCommit time.Time
	running    bool

	stopCh chan struct{}
	doneCh chan struct{}
}

// NewScheduler creates a batch scheduler over the given store.
func NewScheduler(cfg config.ShadowConfig, store *Store, log *logger.Logger) *Scheduler {
	return &Scheduler{
		cfg:    cfg,
		store:  store,
		logger: log.WithFields(zap.String("component", "shadow-scheduler")),
		tick:   time.Second,
	}
}

// Start launches the interval loop.
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.lastCommit = time.Now()
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	stop := s.stopCh
	done := s.doneCh
	s.mu.Unlock()

	go s.run(stop, done)
}

// RecordEvent notes one memory event and commits when the batch is
// full. Lock contention is not an error; the batch stays pending for
// the next tick.
func (s *Scheduler) RecordEvent(ctx context.Context) {
	s.mu.Lock()
	s.pending++
	full := s.pending >= s.cfg.MaxEvents
	count := s.pending
	s.mu.Unlock()

	if !full {
		return
	}
	s.commit(ctx, fmt.Sprintf("Batch commit: %d events", count), "batch")
}

// ForceCommit commits synchronously regardless of batch size. No-op
// when the worktree is clean.
func (s *Scheduler) ForceCommit(ctx context.Context, message string) error {
	if message == "" {
		message = "Manual commit"
	}
	return s.commit(ctx, message, "manual")
}

// Shutdown stops the loop and flushes anything pending.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	stop := s.stopCh
	done := s.doneCh
	pending := s.pending
	s.mu.Unlock()

	close(stop)
	<-done

	if pending > 0 {
		return s.commit(ctx, fmt.Sprintf("Shutdown flush: %d events", pending), "shutdown")
	}
	return nil
}

// Pending returns the number of events awaiting a commit.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending
}

func (s *Scheduler) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			due := s.pending > 0 && time.Since(s.lastCommit) >= s.cfg.MaxInterval()
			count := s.pending
			s.mu.Unlock()

			if due {
				s.commit(context.Background(), fmt.Sprintf("Interval commit: %d events", count), "interval")
			}
		}
	}
}

func (s *Scheduler) commit(ctx context.Context, message, operation string) error {
	err := s.store.Commit(ctx, message, operation)
	if errors.Is(err, ErrLockHeld) {
		s.logger.Debug("shadow commit deferred, lock held")
		return err
	}
	if err != nil {
		s.logger.Error("shadow commit failed", zap.Error(err))
		return err
	}

	s.mu.Lock()
	s.pending = 0
	s.lastCommit = time.Now()
	s.mu.Unlock()
	return nil
}
