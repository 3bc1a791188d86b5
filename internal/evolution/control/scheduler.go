package control

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// TickFunc is invoked once per interval for a scheduled organization.
type TickFunc func(ctx context.Context, orgID string)

// Scheduler owns one cancellable periodic timer per organization. Enabling
// evolution starts an org's timer; disabling or emergency-stopping cancels
// it. A slow tick for one organization never blocks the others: every org
// runs its own goroutine.
type Scheduler struct {
	logger   *zap.Logger
	interval time.Duration
	tick     TickFunc

	root       context.Context
	rootCancel context.CancelFunc

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	wg      sync.WaitGroup
}

// NewScheduler creates a scheduler firing tick every interval per started org.
func NewScheduler(logger *zap.Logger, interval time.Duration, tick TickFunc) *Scheduler {
	root, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		logger:     logger.Named("scheduler"),
		interval:   interval,
		tick:       tick,
		root:       root,
		rootCancel: cancel,
		cancels:    make(map[string]context.CancelFunc),
	}
}

// Start begins periodic cycles for the organization. Starting an already
// scheduled organization is a no-op.
func (s *Scheduler) Start(orgID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, running := s.cancels[orgID]; running {
		return
	}

	ctx, cancel := context.WithCancel(s.root)
	s.cancels[orgID] = cancel
	s.wg.Add(1)
	go s.loop(ctx, orgID)

	s.logger.Info("Evolution timer started.",
		zap.String("organization_id", orgID),
		zap.Duration("interval", s.interval),
	)
}

// Stop cancels the organization's timer. Stopping an unscheduled organization
// is a no-op.
func (s *Scheduler) Stop(orgID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cancel, running := s.cancels[orgID]
	if !running {
		return
	}
	cancel()
	delete(s.cancels, orgID)
	s.logger.Info("Evolution timer cancelled.", zap.String("organization_id", orgID))
}

// Active reports whether the organization currently has a running timer.
func (s *Scheduler) Active(orgID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, running := s.cancels[orgID]
	return running
}

// Shutdown cancels every timer and waits for all loops to return.
func (s *Scheduler) Shutdown() {
	s.rootCancel()
	s.mu.Lock()
	s.cancels = make(map[string]context.CancelFunc)
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Scheduler) loop(ctx context.Context, orgID string) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.runTick(ctx, orgID)
		}
	}
}

// runTick wraps the callback so a panicking cycle cannot kill the timer loop.
func (s *Scheduler) runTick(ctx context.Context, orgID string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Panic recovered in evolution cycle.",
				zap.String("organization_id", orgID),
				zap.Any("panic_value", r),
			)
		}
	}()
	s.tick(ctx, orgID)
}
