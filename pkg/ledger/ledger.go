// Package ledger drives allocation runs over a track's work queue and keeps
// installment delinquency current.
package ledger

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/mcclellann/loansync/pkg/allocation"
	"github.com/mcclellann/loansync/pkg/clock"
	"github.com/mcclellann/loansync/pkg/deadletter"
	"github.com/mcclellann/loansync/pkg/lease"
	"github.com/mcclellann/loansync/pkg/logger"
	"github.com/mcclellann/loansync/pkg/metrics"
	"github.com/mcclellann/loansync/pkg/models"
	"github.com/mcclellann/loansync/pkg/records"
	"github.com/mcclellann/loansync/pkg/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	JobAllocate     = "allocate"
	JobSweepOverdue = "sweep_overdue"
)

// Config tunes a Ledger's runs.
type Config struct {
	BatchSize  int
	Workers    int
	MaxRetries int
	LeaseTTL   time.Duration

	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 100
	}
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = 2 * time.Minute
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 200 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 5 * time.Second
	}
	return c
}

// RunStats summarizes one pass over a track.
type RunStats struct {
	RunID      uuid.UUID    `json:"run_id"`
	Job        string       `json:"job"`
	Track      models.Track `json:"track"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`

	Loans         int             `json:"loans"`
	Allocated     int             `json:"allocated"`
	Skipped       int             `json:"skipped"`
	DeadLettered  int             `json:"dead_lettered"`
	Retries       int             `json:"retries"`
	Records       int             `json:"records"`
	Unapplied     decimal.Decimal `json:"unapplied"`
	OverdueMarked int             `json:"overdue_marked"`
	Errors        int             `json:"errors"`
}

// Ledger handles allocation runs for loans queued on a track.
type Ledger struct {
	queue       store.Queue
	source      store.Ledger
	target      store.Ledger
	deadLetters deadletter.Sink
	locker      lease.Locker
	metrics     *metrics.Reconciler
	clock       clock.Clock
	log         *zap.Logger
	cfg         Config

	mu   sync.Mutex
	last *RunStats
}

type Option func(*Ledger)

// WithTarget writes allocations and delinquency to a database other than the source.
func WithTarget(t store.Ledger) Option {
	return func(l *Ledger) { l.target = t }
}

func WithDeadLetterSink(s deadletter.Sink) Option {
	return func(l *Ledger) { l.deadLetters = s }
}

func WithLocker(lk lease.Locker) Option {
	return func(l *Ledger) { l.locker = lk }
}

func WithMetrics(m *metrics.Reconciler) Option {
	return func(l *Ledger) { l.metrics = m }
}

func WithClock(c clock.Clock) Option {
	return func(l *Ledger) { l.clock = c }
}

func WithLogger(log *zap.Logger) Option {
	return func(l *Ledger) { l.log = log }
}

func WithConfig(cfg Config) Option {
	return func(l *Ledger) { l.cfg = cfg }
}

// NewLedger creates a Ledger reading queues, schedules and payments from s.
// Without options it writes back to s, dead-letters into s and leases in process.
func NewLedger(s store.Storage, opts ...Option) *Ledger {
	l := &Ledger{
		queue:  s,
		source: s,
		target: s,
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.deadLetters == nil {
		l.deadLetters = deadletter.NewStoreSink(s)
	}
	if l.clock == nil {
		l.clock = clock.Real{}
	}
	if l.locker == nil {
		l.locker = lease.NewLocalLocker(l.clock)
	}
	if l.log == nil {
		l.log = zap.NewNop()
	}
	l.cfg = l.cfg.withDefaults()
	return l
}

// LastRun returns the stats of the most recently finished run.
func (l *Ledger) LastRun() (RunStats, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.last == nil {
		return RunStats{}, false
	}
	return *l.last, true
}

func (l *Ledger) newStats(job string, track models.Track) RunStats {
	return RunStats{
		RunID:     uuid.New(),
		Job:       job,
		Track:     track,
		StartedAt: l.clock.Now(),
		Unapplied: decimal.Zero,
	}
}

func (l *Ledger) finish(stats RunStats, started time.Time) RunStats {
	stats.FinishedAt = l.clock.Now()
	l.metrics.ObserveRun(stats.Track, stats.Job, time.Since(started))
	l.mu.Lock()
	l.last = &stats
	l.mu.Unlock()
	return stats
}

type loanOutcome struct {
	status    string
	attempts  int
	records   int
	unapplied decimal.Decimal
	err       error
}

// RunAllocation re-allocates every loan waiting in the track's queue.
//
// Loans are paged by loan id and processed concurrently, one worker per loan.
// A loan that keeps failing is dead-lettered and left in the queue; the run
// continues with the next loan. The returned error joins failures the run
// could not contain, such as an unreachable dead-letter sink.
func (l *Ledger) RunAllocation(ctx context.Context, track models.Track) (RunStats, error) {
	started := time.Now()
	stats := l.newStats(JobAllocate, track)
	log := l.log.With(zap.String("run_id", stats.RunID.String()), zap.String("track", string(track)), zap.String("job", JobAllocate))
	engine := allocation.NewEngine(track, l.clock)

	log.Info("allocation run started", zap.Int("batch_size", l.cfg.BatchSize), zap.Int("workers", l.cfg.Workers))

	var (
		errs  []error
		after int64
	)
	for {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		refs, err := l.queue.PendingLoans(ctx, track, after, l.cfg.BatchSize)
		if err != nil {
			errs = append(errs, fmt.Errorf("page after loan %d: %w", after, err))
			break
		}
		if len(refs) == 0 {
			break
		}

		outcomes := make([]loanOutcome, len(refs))
		g, gctx := errgroup.WithContext(ctx)
		g.SetLimit(l.cfg.Workers)
		for i, ref := range refs {
			g.Go(func() error {
				outcomes[i] = l.processLoan(gctx, engine, track, ref, log)
				return nil
			})
		}
		_ = g.Wait()

		for i, o := range outcomes {
			stats.Loans++
			stats.Retries += max(o.attempts-1, 0)
			stats.Records += o.records
			stats.Unapplied = stats.Unapplied.Add(o.unapplied)
			switch o.status {
			case metrics.OutcomeAllocated:
				stats.Allocated++
			case metrics.OutcomeSkipped:
				stats.Skipped++
			case metrics.OutcomeDeadLettered:
				stats.DeadLettered++
			}
			if o.err != nil {
				stats.Errors++
				errs = append(errs, fmt.Errorf("loan %d: %w", refs[i].LoanID, o.err))
			}
			if o.status != "" {
				l.metrics.LoanOutcome(track, o.status)
			}
		}

		after = refs[len(refs)-1].LoanID
		if len(refs) < l.cfg.BatchSize {
			break
		}
	}

	stats = l.finish(stats, started)
	log.Info("allocation run finished",
		zap.Int("loans", stats.Loans),
		zap.Int("allocated", stats.Allocated),
		zap.Int("skipped", stats.Skipped),
		zap.Int("dead_lettered", stats.DeadLettered),
		zap.Int("retries", stats.Retries),
		zap.String("unapplied", stats.Unapplied.String()),
		zap.Duration("elapsed", stats.FinishedAt.Sub(stats.StartedAt)),
	)
	return stats, errors.Join(errs...)
}

func (l *Ledger) processLoan(ctx context.Context, engine *allocation.Engine, track models.Track, ref models.LoanRef, runLog *zap.Logger) loanOutcome {
	log := runLog.With(zap.Int64("loan_id", ref.LoanID), zap.Int64("customer_id", ref.CustomerID))
	ctx = logger.WithContext(ctx, log)
	started := time.Now()
	defer func() { l.metrics.ObserveLoan(track, time.Since(started)) }()

	key := lease.LoanKey(track, ref)
	token, ok, err := l.locker.TryLock(ctx, key, l.cfg.LeaseTTL)
	if err != nil {
		log.Warn("lease unavailable", zap.Error(err))
		return loanOutcome{status: metrics.OutcomeSkipped, err: err}
	}
	if !ok {
		log.Debug("loan leased by another worker")
		return loanOutcome{status: metrics.OutcomeSkipped}
	}
	defer func() {
		if err := l.locker.Release(context.WithoutCancel(ctx), key, token); err != nil {
			log.Warn("failed to release lease", zap.Error(err))
		}
	}()

	var (
		attempts int
		result   allocation.LoanResult
	)
	op := func() error {
		attempts++
		if attempts > 1 {
			l.metrics.Retry(track)
		}
		res, err := l.allocateLoan(ctx, engine, track, ref)
		if err != nil {
			if isPermanent(err) {
				return backoff.Permanent(err)
			}
			log.Warn("loan attempt failed", zap.Int("attempt", attempts), zap.Error(err))
			return err
		}
		result = res
		return nil
	}

	err = backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(l.newBackOff(), uint64(l.cfg.MaxRetries)), ctx))
	if err == nil {
		var unapplied decimal.Decimal
		for _, r := range result.Unapplied {
			unapplied = unapplied.Add(r.Amount)
		}
		l.metrics.Allocated(track, result.Records)
		l.metrics.Unapplied(track, unapplied)
		if len(result.Unapplied) > 0 {
			log.Info("payments left unapplied", zap.Int("payments", len(result.Unapplied)), zap.String("amount", unapplied.String()))
		}
		return loanOutcome{status: metrics.OutcomeAllocated, attempts: attempts, records: len(result.Records), unapplied: unapplied}
	}

	if ctx.Err() != nil {
		return loanOutcome{attempts: attempts, err: err}
	}

	log.Error("loan dead-lettered", zap.Int("attempts", attempts), zap.Error(err))
	entry := models.DeadLetter{
		ID:         uuid.New(),
		Track:      track,
		LoanID:     ref.LoanID,
		CustomerID: ref.CustomerID,
		Attempts:   attempts,
		Reason:     err.Error(),
		FailedAt:   l.clock.Now(),
	}
	out := loanOutcome{status: metrics.OutcomeDeadLettered, attempts: attempts}
	if perr := l.deadLetters.Publish(ctx, entry); perr != nil {
		out.err = fmt.Errorf("dead letter: %w", perr)
	}
	return out
}

// allocateLoan is one attempt: fetch, allocate, persist, dequeue.
func (l *Ledger) allocateLoan(ctx context.Context, engine *allocation.Engine, track models.Track, ref models.LoanRef) (allocation.LoanResult, error) {
	installments, err := l.source.LoadInstallments(ctx, track, ref.LoanID)
	if err != nil {
		return allocation.LoanResult{}, err
	}
	payments, err := l.source.LoadPayments(ctx, ref)
	if err != nil {
		return allocation.LoanResult{}, err
	}

	res, err := engine.AllocateLoan(installments, payments)
	if err != nil {
		return allocation.LoanResult{}, err
	}

	if err := l.target.ReplaceAllocations(ctx, track, ref, res.Installments, res.Records); err != nil {
		return allocation.LoanResult{}, err
	}
	if err := l.queue.MarkDone(ctx, track, ref); err != nil {
		if !store.IsNotFound(err) {
			return allocation.LoanResult{}, err
		}
		logger.FromContext(ctx).Warn("queue row vanished before it was marked done")
	}
	logger.FromContext(ctx).Debug("loan allocated",
		zap.Int("installments", len(res.Installments)),
		zap.Int("payments", len(payments)),
		zap.Int("records", len(res.Records)),
	)
	return res, nil
}

func (l *Ledger) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.cfg.InitialBackoff
	b.MaxInterval = l.cfg.MaxBackoff
	b.MaxElapsedTime = 0
	return b
}

// isPermanent reports failures that another attempt cannot fix.
func isPermanent(err error) bool {
	return errors.Is(err, allocation.ErrInvalidInput) ||
		errors.Is(err, allocation.ErrComputation) ||
		errors.Is(err, records.ErrMalformedRecord)
}

// SweepOverdue flags unpaid customer-facing installments due before today as
// overdue and records how many days past due they are.
func (l *Ledger) SweepOverdue(ctx context.Context, track models.Track) (RunStats, error) {
	started := time.Now()
	stats := l.newStats(JobSweepOverdue, track)
	log := l.log.With(zap.String("run_id", stats.RunID.String()), zap.String("track", string(track)), zap.String("job", JobSweepOverdue))
	today := startOfDay(l.clock.Now())

	var (
		errs  []error
		after int64
	)
	for {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		candidates, err := l.target.OverdueCandidates(ctx, track, today, after, l.cfg.BatchSize)
		if err != nil {
			errs = append(errs, fmt.Errorf("page after installment %d: %w", after, err))
			break
		}
		if len(candidates) == 0 {
			break
		}
		for _, inst := range candidates {
			days := DaysPastDue(inst.InstDate, today)
			if err := l.target.MarkOverdue(ctx, track, inst.ID, days); err != nil {
				stats.Errors++
				errs = append(errs, err)
				continue
			}
			stats.OverdueMarked++
		}
		after = candidates[len(candidates)-1].ID
		if len(candidates) < l.cfg.BatchSize {
			break
		}
	}

	l.metrics.OverdueMarked(track, stats.OverdueMarked)
	stats = l.finish(stats, started)
	log.Info("overdue sweep finished", zap.Int("marked", stats.OverdueMarked), zap.Int("errors", stats.Errors))
	return stats, errors.Join(errs...)
}

// DaysPastDue counts whole calendar days from the due date to asOf.
func DaysPastDue(due, asOf time.Time) int {
	d := int(startOfDay(asOf).Sub(startOfDay(due)).Hours() / 24)
	return max(d, 0)
}

func startOfDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
