package counter

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/sokohub/sentinel/internal/metrics"
)

// Sweeper periodically evicts long-expired entries from a MemoryStore so the
// counter map stays bounded. Expiry itself is lazy (checked on read); the
// sweep is purely a memory concern.
type Sweeper struct {
	store    *MemoryStore
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool
}

// NewSweeper creates a sweeper for the given store.
func NewSweeper(store *MemoryStore, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		store:    store,
		interval: interval,
		logger:   logger,
		stop:     make(chan struct{}),
	}
}

// Running reports whether the sweep loop is active.
func (s *Sweeper) Running() bool {
	return s.running.Load()
}

// Start begins the sweep loop. Call in a goroutine.
func (s *Sweeper) Start(ctx context.Context) {
	s.running.Store(true)
	defer s.running.Store(false)

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case <-ticker.C:
			s.safeSweep()
		}
	}
}

// Stop signals the sweeper to stop.
func (s *Sweeper) Stop() {
	select {
	case s.stop <- struct{}{}:
	default:
	}
}

func (s *Sweeper) safeSweep() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in counter sweeper", "panic", fmt.Sprint(r))
		}
	}()

	removed := s.store.Sweep()
	metrics.CounterStoreSize.Set(float64(s.store.Size()))
	if removed > 0 {
		s.logger.Debug("swept expired counters", "removed", removed, "live", s.store.Size())
	}
}
