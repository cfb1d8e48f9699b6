package escrow

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/weddinglk/payments-service/internal/metrics"
	"github.com/weddinglk/payments-service/internal/payments"
)

// DefaultSweepInterval is how often the sweeper scans for due entries.
const DefaultSweepInterval = 2 * time.Minute

// stuckThreshold is the number of consecutive failed auto-release attempts
// after which an entry is flagged for manual attention. The entry's state is
// never changed by the flagging; it is retried on every sweep regardless.
const stuckThreshold = 3

const sweepBatchSize = 100

// Sweeper periodically releases entries whose auto-release time has arrived
// and flags entries past their safety TTL for manual review.
type Sweeper struct {
	service  *Service
	store    Store
	interval time.Duration
	logger   *slog.Logger
	stop     chan struct{}
	running  atomic.Bool

	mu         sync.Mutex
	failures   map[string]int // entry ID -> consecutive auto-release failures
	ttlFlagged map[string]bool
}

// NewSweeper creates a new auto-release sweeper.
func NewSweeper(service *Service, store Store, logger *slog.Logger) *Sweeper {
	return &Sweeper{
		service:    service,
		store:      store,
		interval:   DefaultSweepInterval,
		logger:     logger,
		stop:       make(chan struct{}),
		failures:   make(map[string]int),
		ttlFlagged: make(map[string]bool),
	}
}

// WithInterval overrides the sweep interval.
func (s *Sweeper) WithInterval(d time.Duration) *Sweeper {
	if d > 0 {
		s.interval = d
	}
	return s
}

// Running reports whether the sweep loop is actively running.
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
			s.safeSweep(ctx)
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

func (s *Sweeper) safeSweep(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic in escrow sweeper", "panic", fmt.Sprint(r))
		}
	}()
	s.Sweep(ctx, time.Now())
}

// Sweep runs one pass: every due entry is driven through the transition
// controller independently, so one failure never blocks the rest. A failed
// release is simply retried on the next sweep; the idempotent transfer key
// makes the retry safe.
func (s *Sweeper) Sweep(ctx context.Context, now time.Time) {
	due, err := s.store.FindDueForAutoRelease(ctx, now, sweepBatchSize)
	if err != nil {
		s.logger.Warn("failed to list entries due for auto-release", "error", err)
		return
	}

	for _, e := range due {
		_, err := s.service.InitiateRelease(ctx, e.ID, "system", e.NetAmount, "auto-release")
		if err != nil {
			s.recordFailure(e, err)
			continue
		}
		s.clearFailure(e.ID)
		metrics.EscrowSweepReleasesTotal.WithLabelValues("ok").Inc()
		s.logger.Info("auto-released escrow entry",
			"entryId", e.ID,
			"payee", e.PayeeID,
			"amount", e.NetAmount,
		)
	}

	s.pruneFailures(due)
	s.flagExpired(ctx, now)
}

// pruneFailures drops failure counts for entries that left the due
// population by a path other than a sweep release (manual release,
// refund, cancel, dispute), so the map does not grow for the life of
// the process. Only safe when the scan saw the whole population, i.e.
// the batch was not full.
func (s *Sweeper) pruneFailures(due []*Entry) {
	if len(due) >= sweepBatchSize {
		return
	}
	current := make(map[string]bool, len(due))
	for _, e := range due {
		current[e.ID] = true
	}

	s.mu.Lock()
	for id := range s.failures {
		if !current[id] {
			delete(s.failures, id)
		}
	}
	s.mu.Unlock()
	metrics.EscrowStuckEntries.Set(float64(s.stuckCount()))
}

func (s *Sweeper) recordFailure(e *Entry, err error) {
	metrics.EscrowSweepReleasesTotal.WithLabelValues("error").Inc()

	s.mu.Lock()
	s.failures[e.ID]++
	n := s.failures[e.ID]
	s.mu.Unlock()

	if n >= stuckThreshold {
		// Permanent gateway errors in particular will never clear on their
		// own; keep the entry held and alert for manual resolution.
		metrics.EscrowStuckEntries.Set(float64(s.stuckCount()))
		s.logger.Error("escrow entry stuck: repeated auto-release failures",
			"entryId", e.ID,
			"failures", n,
			"permanent", !payments.IsTransient(err),
			"error", err,
		)
		return
	}
	s.logger.Warn("failed to auto-release escrow entry",
		"entryId", e.ID,
		"failures", n,
		"error", err,
	)
}

func (s *Sweeper) clearFailure(id string) {
	s.mu.Lock()
	delete(s.failures, id)
	s.mu.Unlock()
	metrics.EscrowStuckEntries.Set(float64(s.stuckCount()))
}

func (s *Sweeper) stuckCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, n := range s.failures {
		if n >= stuckThreshold {
			count++
		}
	}
	return count
}

// flagExpired surfaces pending/held entries past their safety TTL. This is
// a data-retention signal for manual review, never an automatic refund.
func (s *Sweeper) flagExpired(ctx context.Context, now time.Time) {
	expired, err := s.store.FindExpired(ctx, now, sweepBatchSize)
	if err != nil {
		s.logger.Warn("failed to list expired entries", "error", err)
		return
	}

	current := make(map[string]bool, len(expired))
	for _, e := range expired {
		current[e.ID] = true

		s.mu.Lock()
		seen := s.ttlFlagged[e.ID]
		s.ttlFlagged[e.ID] = true
		s.mu.Unlock()
		if seen {
			continue
		}
		metrics.EscrowExpiredEntriesTotal.Inc()
		s.logger.Warn("escrow entry past safety TTL, needs manual review",
			"entryId", e.ID,
			"status", e.Status,
			"createdAt", e.CreatedAt,
		)
	}

	// Flags for entries that have since been resolved are no longer
	// needed. Skipped on a full batch, where the scan may be partial.
	if len(expired) < sweepBatchSize {
		s.mu.Lock()
		for id := range s.ttlFlagged {
			if !current[id] {
				delete(s.ttlFlagged, id)
			}
		}
		s.mu.Unlock()
	}
}
