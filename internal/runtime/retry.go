package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/drblury/localbus/internal/runtime/envelope"
	errspkg "github.com/drblury/localbus/internal/runtime/errors"
	loggingpkg "github.com/drblury/localbus/internal/runtime/logging"
	"github.com/drblury/localbus/internal/runtime/store"
)

// RetryReport summarizes one sweep of the errors directory.
type RetryReport struct {
	Scanned     int `json:"scanned"`
	Eligible    int `json:"eligible"`
	Deferred    int `json:"deferred"`
	Quarantined int `json:"quarantined"`
	Succeeded   int `json:"succeeded"`
	Failed      int `json:"failed"`
}

// RetryScheduler periodically redispatches failed messages whose backoff
// has elapsed.
type RetryScheduler struct {
	bus         *Bus
	interval    time.Duration
	concurrency int
	logger      loggingpkg.ServiceLogger

	sweepMu sync.Mutex
	last    RetryReport
	cycles  atomic.Int64
}

func newRetryScheduler(b *Bus) *RetryScheduler {
	return &RetryScheduler{
		bus:         b,
		interval:    b.conf.RetryInterval,
		concurrency: b.conf.RetryConcurrency,
		logger:      loggingpkg.Component(b.logger, "retry"),
	}
}

// Run sweeps every interval until ctx is done. A failing or panicking sweep
// never prevents the next one.
func (s *RetryScheduler) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-s.bus.clock.After(s.interval):
		}
		s.runSafely(ctx)
	}
}

func (s *RetryScheduler) runSafely(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("Retry sweep panicked", fmt.Errorf("panic: %v", r), nil)
		}
	}()
	if _, err := s.RunOnce(ctx); err != nil && ctx.Err() == nil {
		s.logger.Error("Retry sweep failed", err, nil)
	}
}

// RunOnce scans the errors directory and redispatches every eligible
// message, waiting for the whole batch before it returns.
func (s *RetryScheduler) RunOnce(ctx context.Context) (RetryReport, error) {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()
	defer s.cycles.Add(1)

	b := s.bus
	var report RetryReport

	ids, err := b.store.List(store.Errors)
	if err != nil {
		return report, err
	}

	now := b.clock.Now()
	eligible := make([]envelope.MessageInfo, 0, len(ids))
	for _, id := range ids {
		report.Scanned++
		info, err := b.store.Load(store.Errors, id)
		switch {
		case errors.Is(err, errspkg.ErrRecordNotFound):
			continue
		case errors.Is(err, errspkg.ErrDurableStoreCorruption):
			b.quarantine(store.Errors, id, err)
			report.Quarantined++
			continue
		case err != nil:
			s.logger.Error("Failed to read error record", err, loggingpkg.LogFields{"message_id": id})
			continue
		}
		if !info.EligibleAt(now) {
			report.Deferred++
			continue
		}
		eligible = append(eligible, info)
	}
	report.Eligible = len(eligible)

	outcomes := b.runBatch(ctx, eligible, OriginErrors, s.concurrency, func(info envelope.MessageInfo) {
		b.storeMetrics.RecordRetried(info.TypeID)
	})
	for _, outcome := range outcomes {
		if outcome == OutcomeOK {
			report.Succeeded++
		} else {
			report.Failed++
		}
	}
	b.refreshStoreGauges()

	if report.Eligible > 0 || report.Quarantined > 0 {
		s.logger.Info("Retry sweep finished", loggingpkg.LogFields{
			"scanned":     report.Scanned,
			"eligible":    report.Eligible,
			"deferred":    report.Deferred,
			"quarantined": report.Quarantined,
			"succeeded":   report.Succeeded,
			"failed":      report.Failed,
		})
	}
	s.last = report
	return report, nil
}

// LastReport returns the report of the most recent sweep.
func (s *RetryScheduler) LastReport() RetryReport {
	s.sweepMu.Lock()
	defer s.sweepMu.Unlock()
	return s.last
}

// Cycles returns the number of sweeps run so far.
func (s *RetryScheduler) Cycles() int64 {
	return s.cycles.Load()
}

// replayPending redispatches every record left in pending/ by a previous
// run. Corrupt records are quarantined.
func (b *Bus) replayPending(ctx context.Context) (int, error) {
	ids, err := b.store.List(store.Pending)
	if err != nil {
		return 0, err
	}

	infos := make([]envelope.MessageInfo, 0, len(ids))
	for _, id := range ids {
		info, err := b.store.Load(store.Pending, id)
		switch {
		case errors.Is(err, errspkg.ErrRecordNotFound):
			continue
		case errors.Is(err, errspkg.ErrDurableStoreCorruption):
			b.quarantine(store.Pending, id, err)
			continue
		case err != nil:
			return 0, err
		}
		infos = append(infos, info)
	}

	b.runBatch(ctx, infos, OriginPending, b.conf.ReplayConcurrency, nil)
	return len(infos), nil
}

// runBatch dispatches infos with at most concurrency handlers running at
// once and waits for all of them. No new dispatch starts after ctx is done.
func (b *Bus) runBatch(ctx context.Context, infos []envelope.MessageInfo, origin Origin, concurrency int, before func(envelope.MessageInfo)) []Outcome {
	if concurrency < 1 {
		concurrency = 1
	}
	outcomes := make([]Outcome, len(infos))
	started := 0

	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, info := range infos {
		if ctx.Err() != nil {
			break
		}
		if before != nil {
			before(info)
		}
		started++
		g.Go(func() error {
			outcomes[i] = b.dispatchDurable(info, origin)
			return nil
		})
	}

	_ = g.Wait()
	return outcomes[:started]
}

func (b *Bus) dispatchDurable(info envelope.MessageInfo, origin Origin) (outcome Outcome) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("Durable dispatch panicked", fmt.Errorf("panic: %v", r), loggingpkg.LogFields{
				"message_id": info.ID,
				"type_id":    info.TypeID,
			})
			outcome = OutcomeAbsorbed
		}
	}()
	mctx := newMessageContext(info, origin, b.contextDeps())
	return b.dispatch(b.handlerContext(), mctx)
}

// quarantine logs a corrupt record the first time it is seen. The file
// itself is never touched.
func (b *Bus) quarantine(loc store.Location, id string, cause error) {
	key := string(loc) + "/" + id

	b.quarantineMu.Lock()
	_, seen := b.quarantined[key]
	if !seen {
		b.quarantined[key] = struct{}{}
	}
	b.quarantineMu.Unlock()

	if seen {
		return
	}
	b.storeMetrics.RecordQuarantined()
	b.logger.Error("Quarantined corrupt durable record", cause, loggingpkg.LogFields{
		"message_id": id,
		"location":   string(loc),
		"path":       b.store.Path(loc, id),
	})
}

// QuarantinedCount returns the number of distinct corrupt records seen.
func (b *Bus) QuarantinedCount() int {
	b.quarantineMu.Lock()
	defer b.quarantineMu.Unlock()
	return len(b.quarantined)
}

func (b *Bus) refreshStoreGauges() {
	for _, loc := range store.Locations {
		n, err := b.store.Count(loc)
		if err != nil {
			continue
		}
		b.storeMetrics.SetCurrentCount(string(loc), n)
	}
}
