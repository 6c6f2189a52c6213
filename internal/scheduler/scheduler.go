// Package scheduler provides the background triggers that start drain runs:
// a periodic ticker, a connectivity watcher, and an on-demand channel.
package scheduler

import (
	"context"
	"sync"
	"time"

	"opqueue/internal/coordinator"
	"opqueue/internal/errors"
	"opqueue/internal/logging"
)

// UniquenessPolicy decides what happens to an on-demand trigger that
// arrives while one is already queued.
type UniquenessPolicy string

const (
	// KeepExisting drops the new request; the queued trigger stands.
	KeepExisting UniquenessPolicy = "keepExisting"
	// Replace swaps the queued trigger for the new request.
	Replace UniquenessPolicy = "replace"
)

// Config holds scheduler intervals and trigger policy.
type Config struct {
	DrainInterval time.Duration // how often to attempt a drain run
	ProbeInterval time.Duration // how often to poll network availability
	RunTimeout    time.Duration // per-run deadline
	Uniqueness    UniquenessPolicy
}

// DefaultConfig returns the default scheduler intervals.
func DefaultConfig() *Config {
	return &Config{
		DrainInterval: 1 * time.Minute,
		ProbeInterval: 10 * time.Second,
		RunTimeout:    5 * time.Minute,
		Uniqueness:    KeepExisting,
	}
}

// Scheduler drives the coordinator from three triggers. Single-flight is
// enforced by the coordinator itself; overlapping triggers collapse into
// no-ops there.
type Scheduler struct {
	coord         *coordinator.Coordinator
	network       coordinator.NetworkAvailability
	drainInterval time.Duration
	probeInterval time.Duration
	runTimeout    time.Duration
	uniqueness    UniquenessPolicy

	triggerCh chan struct{}
	stopCh    chan struct{}
	wg        sync.WaitGroup

	mu          sync.RWMutex
	isRunning   bool
	wasOnline   bool
	lastRunTime time.Time
	lastResult  coordinator.RunResult
}

// New creates a Scheduler. config may be nil for defaults.
func New(coord *coordinator.Coordinator, network coordinator.NetworkAvailability, config *Config) *Scheduler {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Uniqueness == "" {
		config.Uniqueness = KeepExisting
	}

	return &Scheduler{
		coord:         coord,
		network:       network,
		drainInterval: config.DrainInterval,
		probeInterval: config.ProbeInterval,
		runTimeout:    config.RunTimeout,
		uniqueness:    config.Uniqueness,
		triggerCh:     make(chan struct{}, 1),
	}
}

// Start launches the background trigger loops. A stopped scheduler may
// be started again.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = true
	s.wasOnline = s.network != nil && s.network.IsOnline()
	// Fresh channel per start, so a restart is not already stopped
	s.stopCh = make(chan struct{})
	stopCh := s.stopCh
	s.mu.Unlock()

	s.wg.Add(2)
	go s.drainLoop(ctx, stopCh)
	go s.connectivityLoop(ctx, stopCh)

	logging.Info("Scheduler started", map[string]interface{}{
		"drain_interval": s.drainInterval.String(),
		"probe_interval": s.probeInterval.String(),
	})
}

// Stop shuts the trigger loops down and waits for them to exit. A drain
// run already in flight finishes on its own.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.isRunning {
		s.mu.Unlock()
		return
	}
	s.isRunning = false
	stopCh := s.stopCh
	s.mu.Unlock()

	close(stopCh)
	s.wg.Wait()

	logging.Info("Scheduler stopped")
}

// TriggerNow requests an immediate drain run. When a trigger is already
// queued, the uniqueness policy decides: KeepExisting drops the request
// and returns false; Replace swaps in the new request and returns true.
func (s *Scheduler) TriggerNow() bool {
	select {
	case s.triggerCh <- struct{}{}:
		return true
	default:
	}

	if s.uniqueness != Replace {
		return false
	}

	// Swap the queued trigger for this one. If the loop consumed it in
	// the meantime, the slot is free again.
	select {
	case <-s.triggerCh:
	default:
	}
	select {
	case s.triggerCh <- struct{}{}:
	default:
	}
	return true
}

// IsRunning reports whether the trigger loops are active.
func (s *Scheduler) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.isRunning
}

// LastRun returns the completion time and result of the most recent
// successful drain run. The time is zero when no run has completed yet.
func (s *Scheduler) LastRun() (time.Time, coordinator.RunResult) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastRunTime, s.lastResult
}

// drainLoop fires the periodic and on-demand triggers.
func (s *Scheduler) drainLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.drainInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			s.runOnce(ctx)
		case <-s.triggerCh:
			s.runOnce(ctx)
		}
	}
}

// connectivityLoop polls the network and triggers a drain run on the
// offline-to-online transition.
func (s *Scheduler) connectivityLoop(ctx context.Context, stopCh <-chan struct{}) {
	defer s.wg.Done()

	if s.network == nil {
		return
	}

	ticker := time.NewTicker(s.probeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case <-ticker.C:
			online := s.network.IsOnline()

			s.mu.Lock()
			restored := online && !s.wasOnline
			s.wasOnline = online
			s.mu.Unlock()

			if restored {
				logging.Info("Connectivity restored, triggering drain run")
				s.TriggerNow()
			}
		}
	}
}

// runOnce executes one drain run with the configured timeout.
func (s *Scheduler) runOnce(ctx context.Context) {
	runCtx, cancel := context.WithTimeout(ctx, s.runTimeout)
	defer cancel()

	result, err := s.coord.Run(runCtx)
	if err != nil {
		// Offline and in-progress are expected outcomes of a trigger,
		// not scheduler failures.
		if errors.Is(err, errors.ErrSyncOffline) || errors.Is(err, errors.ErrSyncInProgress) {
			logging.Debug("Drain run skipped", map[string]interface{}{"reason": err.Error()})
			return
		}
		logging.ErrorWithCode("Scheduled drain run failed", string(errors.ErrSyncFailed), err, nil)
		return
	}

	s.mu.Lock()
	s.lastRunTime = time.Now()
	s.lastResult = result
	s.mu.Unlock()
}
