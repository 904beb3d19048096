package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/mcclellann/loansync/pkg/clock"
	"github.com/mcclellann/loansync/pkg/lease"
	"github.com/mcclellann/loansync/pkg/metrics"
	"github.com/mcclellann/loansync/pkg/models"
	"github.com/mcclellann/loansync/pkg/store"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type queueRow struct {
	ref  models.LoanRef
	done bool
}

// MockStore is a simple in-memory implementation of the Storage interface for testing.
type MockStore struct {
	mu           sync.Mutex
	queue        map[models.Track][]*queueRow
	installments map[models.Track]map[int64][]models.Installment
	payments     map[int64][]models.Payment
	allocations  map[models.Track]map[int64][]models.AllocationRecord
	deadLetters  []models.DeadLetter

	failReplace  map[int64]int
	replaceCalls map[int64]int
	failDead     error
	// dequeueOnReplace drops a loan's queue rows once its allocations are stored.
	dequeueOnReplace bool
}

func NewMockStore() *MockStore {
	return &MockStore{
		queue:        make(map[models.Track][]*queueRow),
		installments: make(map[models.Track]map[int64][]models.Installment),
		payments:     make(map[int64][]models.Payment),
		allocations:  make(map[models.Track]map[int64][]models.AllocationRecord),
		failReplace:  make(map[int64]int),
		replaceCalls: make(map[int64]int),
	}
}

func (m *MockStore) enqueue(track models.Track, ref models.LoanRef) {
	m.queue[track] = append(m.queue[track], &queueRow{ref: ref})
}

func (m *MockStore) addInstallments(track models.Track, insts ...models.Installment) {
	if m.installments[track] == nil {
		m.installments[track] = make(map[int64][]models.Installment)
	}
	for _, inst := range insts {
		m.installments[track][inst.LoanID] = append(m.installments[track][inst.LoanID], inst)
	}
}

func (m *MockStore) PendingLoans(_ context.Context, track models.Track, afterLoanID int64, limit int) ([]models.LoanRef, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	seen := map[models.LoanRef]bool{}
	var refs []models.LoanRef
	for _, row := range m.queue[track] {
		if row.done || row.ref.LoanID <= afterLoanID || seen[row.ref] {
			continue
		}
		seen[row.ref] = true
		refs = append(refs, row.ref)
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].LoanID < refs[j].LoanID })
	if len(refs) > limit {
		refs = refs[:limit]
	}
	return refs, nil
}

func (m *MockStore) MarkDone(_ context.Context, track models.Track, loan models.LoanRef) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	found := false
	for _, row := range m.queue[track] {
		if row.ref == loan {
			row.done = true
			found = true
		}
	}
	if !found {
		return store.ErrNotFound
	}
	return nil
}

func (m *MockStore) isDone(track models.Track, loanID int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, row := range m.queue[track] {
		if row.ref.LoanID == loanID {
			return row.done
		}
	}
	return false
}

func (m *MockStore) LoadInstallments(_ context.Context, track models.Track, loanID int64) ([]models.Installment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Installment
	for _, inst := range m.installments[track][loanID] {
		if !inst.IsDeleted {
			out = append(out, inst)
		}
	}
	return out, nil
}

func (m *MockStore) LoadPayments(_ context.Context, loan models.LoanRef) ([]models.Payment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.Payment(nil), m.payments[loan.LoanID]...), nil
}

func (m *MockStore) ReplaceAllocations(_ context.Context, track models.Track, loan models.LoanRef, installments []models.Installment, recs []models.AllocationRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.replaceCalls[loan.LoanID]++
	if m.failReplace[loan.LoanID] > 0 {
		m.failReplace[loan.LoanID]--
		return errors.New("database is locked")
	}
	if m.allocations[track] == nil {
		m.allocations[track] = make(map[int64][]models.AllocationRecord)
	}
	m.allocations[track][loan.LoanID] = recs
	m.installments[track][loan.LoanID] = installments
	if m.dequeueOnReplace {
		kept := m.queue[track][:0]
		for _, row := range m.queue[track] {
			if row.ref != loan {
				kept = append(kept, row)
			}
		}
		m.queue[track] = kept
	}
	return nil
}

func (m *MockStore) OverdueCandidates(_ context.Context, track models.Track, asOf time.Time, afterID int64, limit int) ([]models.Installment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Installment
	for _, insts := range m.installments[track] {
		for _, inst := range insts {
			if inst.IsDeleted || !inst.CustomerFacing || inst.ID <= afterID || !inst.InstDate.Before(asOf) {
				continue
			}
			if inst.EmiStatusID != models.EmiStatusOutstanding && inst.EmiStatusID != models.EmiStatusPartiallyPaid {
				continue
			}
			out = append(out, inst)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockStore) MarkOverdue(_ context.Context, track models.Track, installmentID int64, daysPastDue int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for loanID, insts := range m.installments[track] {
		for i := range insts {
			if insts[i].ID == installmentID {
				m.installments[track][loanID][i].DaysPastDue = daysPastDue
				m.installments[track][loanID][i].EmiStatusID = models.EmiStatusOverdue
				return nil
			}
		}
	}
	return fmt.Errorf("installment %d: %w", installmentID, store.ErrNotFound)
}

func (m *MockStore) InsertDeadLetter(_ context.Context, entry models.DeadLetter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failDead != nil {
		return m.failDead
	}
	m.deadLetters = append(m.deadLetters, entry)
	return nil
}

func (m *MockStore) ListDeadLetters(_ context.Context, track models.Track) ([]models.DeadLetter, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.DeadLetter
	for _, e := range m.deadLetters {
		if e.Track == track {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *MockStore) Close() error {
	return nil
}

var (
	runDate = time.Date(2024, 6, 10, 9, 30, 0, 0, time.UTC)
	jan     = time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
)

func installment(id, loanID int64, number int, due time.Time, principal, interest int64) models.Installment {
	return models.Installment{
		ID:             id,
		LoanID:         loanID,
		CustomerID:     loanID * 10,
		InstNumber:     number,
		InstDate:       due,
		InstAmount:     decimal.NewFromInt(principal + interest),
		InstPrincipal:  decimal.NewFromInt(principal),
		InstInterest:   decimal.NewFromInt(interest),
		CustomerFacing: true,
		EmiStatusID:    models.EmiStatusOutstanding,
	}
}

func payment(id, loanID int64, amount string) models.Payment {
	return models.Payment{
		ID:           id,
		LoanID:       loanID,
		CustomerID:   loanID * 10,
		AmtPayment:   decimal.RequireFromString(amount),
		ReceivedDate: jan.AddDate(0, 0, 2),
	}
}

func seedLoan(m *MockStore, track models.Track, loanID int64, amounts ...string) {
	m.enqueue(track, models.LoanRef{LoanID: loanID, CustomerID: loanID * 10})
	m.addInstallments(track,
		installment(loanID*100+1, loanID, 1, jan, 100, 10),
		installment(loanID*100+2, loanID, 2, jan.AddDate(0, 1, 0), 100, 8),
	)
	for i, amt := range amounts {
		m.payments[loanID] = append(m.payments[loanID], payment(loanID*1000+int64(i), loanID, amt))
	}
}

func newTestLedger(m *MockStore, cfg Config, opts ...Option) *Ledger {
	cfg.InitialBackoff = time.Millisecond
	cfg.MaxBackoff = 2 * time.Millisecond
	base := []Option{
		WithConfig(cfg),
		WithClock(clock.NewFake(runDate)),
		WithLogger(zap.NewNop()),
	}
	return NewLedger(m, append(base, opts...)...)
}

func TestRunAllocation_AllocatesQueuedLoans(t *testing.T) {
	m := NewMockStore()
	seedLoan(m, models.TrackFIP, 1, "50")
	seedLoan(m, models.TrackFIP, 2, "110", "30")
	l := newTestLedger(m, Config{})

	stats, err := l.RunAllocation(context.Background(), models.TrackFIP)
	require.NoError(t, err)

	assert.Equal(t, 2, stats.Loans)
	assert.Equal(t, 2, stats.Allocated)
	assert.Zero(t, stats.DeadLettered)
	assert.Equal(t, JobAllocate, stats.Job)
	assert.True(t, m.isDone(models.TrackFIP, 1))
	assert.True(t, m.isDone(models.TrackFIP, 2))

	recs := m.allocations[models.TrackFIP][1]
	require.Len(t, recs, 2)
	assert.Equal(t, models.CodePaymentInterest, recs[0].CodePaymentType)
	assert.True(t, recs[0].AmountPayment.Equal(decimal.NewFromInt(10)))
	assert.True(t, recs[1].AmountPayment.Equal(decimal.NewFromInt(40)))
	assert.True(t, recs[0].PaymentPairingDate.Equal(runDate))

	first := m.installments[models.TrackFIP][1][0]
	assert.True(t, first.OutstandingPrincipal.Equal(decimal.NewFromInt(60)))

	// 110 settles installment 1, 30 goes 8 interest + 22 principal on installment 2
	loan2 := m.installments[models.TrackFIP][2]
	assert.True(t, loan2[0].OutstandingPrincipal.IsZero())
	assert.True(t, loan2[1].OutstandingPrincipal.Equal(decimal.NewFromInt(78)))
	assert.Equal(t, 6, stats.Records)
}

func TestRunAllocation_PagesThroughQueue(t *testing.T) {
	m := NewMockStore()
	for id := int64(1); id <= 5; id++ {
		seedLoan(m, models.TrackPIF, id, "20")
	}
	l := newTestLedger(m, Config{BatchSize: 2, Workers: 2})

	stats, err := l.RunAllocation(context.Background(), models.TrackPIF)
	require.NoError(t, err)
	assert.Equal(t, 5, stats.Allocated)
	for id := int64(1); id <= 5; id++ {
		assert.True(t, m.isDone(models.TrackPIF, id), "loan %d", id)
	}
}

func TestRunAllocation_RetriesTransientFailures(t *testing.T) {
	m := NewMockStore()
	seedLoan(m, models.TrackFIP, 1, "50")
	m.failReplace[1] = 2
	l := newTestLedger(m, Config{MaxRetries: 3})

	stats, err := l.RunAllocation(context.Background(), models.TrackFIP)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Allocated)
	assert.Equal(t, 2, stats.Retries)
	assert.Equal(t, 3, m.replaceCalls[1])
	assert.Empty(t, m.deadLetters)
}

func TestRunAllocation_DeadLettersAfterRetries(t *testing.T) {
	m := NewMockStore()
	seedLoan(m, models.TrackFIP, 1, "50")
	seedLoan(m, models.TrackFIP, 2, "50")
	m.failReplace[1] = 100
	l := newTestLedger(m, Config{MaxRetries: 3})

	stats, err := l.RunAllocation(context.Background(), models.TrackFIP)
	require.NoError(t, err, "dead-lettered loans do not fail the run")

	assert.Equal(t, 1, stats.Allocated)
	assert.Equal(t, 1, stats.DeadLettered)
	assert.Equal(t, 4, m.replaceCalls[1], "first attempt plus three retries")
	assert.False(t, m.isDone(models.TrackFIP, 1), "failed loans stay queued")
	assert.True(t, m.isDone(models.TrackFIP, 2))

	letters, err := m.ListDeadLetters(context.Background(), models.TrackFIP)
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, int64(1), letters[0].LoanID)
	assert.Equal(t, 4, letters[0].Attempts)
	assert.Contains(t, letters[0].Reason, "database is locked")
	assert.Equal(t, runDate, letters[0].FailedAt)
}

func TestRunAllocation_InvalidScheduleIsNotRetried(t *testing.T) {
	m := NewMockStore()
	m.enqueue(models.TrackFIP, models.LoanRef{LoanID: 3, CustomerID: 30})
	bad := installment(301, 3, 1, jan, 100, 10)
	bad.InstPrincipal = decimal.NewFromInt(-1)
	m.addInstallments(models.TrackFIP, bad)
	m.payments[3] = []models.Payment{payment(1, 3, "10")}
	l := newTestLedger(m, Config{MaxRetries: 3})

	stats, err := l.RunAllocation(context.Background(), models.TrackFIP)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.DeadLettered)
	assert.Zero(t, stats.Retries)
	assert.Zero(t, m.replaceCalls[3])
	require.Len(t, m.deadLetters, 1)
	assert.Equal(t, 1, m.deadLetters[0].Attempts)
}

func TestRunAllocation_SkipsLeasedLoans(t *testing.T) {
	m := NewMockStore()
	seedLoan(m, models.TrackFIP, 1, "50")
	locker := lease.NewLocalLocker(clock.NewFake(runDate))
	_, ok, err := locker.TryLock(context.Background(), lease.LoanKey(models.TrackFIP, models.LoanRef{LoanID: 1, CustomerID: 10}), time.Hour)
	require.NoError(t, err)
	require.True(t, ok)

	l := newTestLedger(m, Config{}, WithLocker(locker))
	stats, err := l.RunAllocation(context.Background(), models.TrackFIP)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
	assert.Zero(t, m.replaceCalls[1])
	assert.False(t, m.isDone(models.TrackFIP, 1))
}

func TestRunAllocation_ReportsUnappliedResidue(t *testing.T) {
	m := NewMockStore()
	seedLoan(m, models.TrackFIP, 1, "250")
	l := newTestLedger(m, Config{})

	stats, err := l.RunAllocation(context.Background(), models.TrackFIP)
	require.NoError(t, err)
	assert.True(t, stats.Unapplied.Equal(decimal.NewFromInt(32)), "got %s", stats.Unapplied)
}

func TestRunAllocation_DeadLetterSinkFailureIsReturned(t *testing.T) {
	m := NewMockStore()
	seedLoan(m, models.TrackFIP, 1, "50")
	m.failReplace[1] = 100
	m.failDead = errors.New("dead letter table missing")
	l := newTestLedger(m, Config{MaxRetries: 1})

	stats, err := l.RunAllocation(context.Background(), models.TrackFIP)
	require.Error(t, err)
	assert.ErrorContains(t, err, "dead letter table missing")
	assert.Equal(t, 1, stats.Errors)
}

func TestRunAllocation_CancelledContext(t *testing.T) {
	m := NewMockStore()
	seedLoan(m, models.TrackFIP, 1, "50")
	l := newTestLedger(m, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := l.RunAllocation(ctx, models.TrackFIP)
	assert.ErrorIs(t, err, context.Canceled)
	assert.False(t, m.isDone(models.TrackFIP, 1))
}

func TestRunAllocation_RerunIsIdempotent(t *testing.T) {
	m := NewMockStore()
	seedLoan(m, models.TrackFIP, 1, "50", "75")
	l := newTestLedger(m, Config{})

	_, err := l.RunAllocation(context.Background(), models.TrackFIP)
	require.NoError(t, err)
	firstRecs, _ := json.Marshal(m.allocations[models.TrackFIP][1])
	firstInsts, _ := json.Marshal(m.installments[models.TrackFIP][1])

	m.queue[models.TrackFIP][0].done = false
	_, err = l.RunAllocation(context.Background(), models.TrackFIP)
	require.NoError(t, err)
	secondRecs, _ := json.Marshal(m.allocations[models.TrackFIP][1])
	secondInsts, _ := json.Marshal(m.installments[models.TrackFIP][1])
	assert.JSONEq(t, string(firstRecs), string(secondRecs))
	assert.JSONEq(t, string(firstInsts), string(secondInsts))
}

func TestRunAllocation_RecordsMetrics(t *testing.T) {
	m := NewMockStore()
	seedLoan(m, models.TrackFIP, 1, "50")
	reg := prometheus.NewRegistry()
	l := newTestLedger(m, Config{}, WithMetrics(metrics.New(reg)))

	_, err := l.RunAllocation(context.Background(), models.TrackFIP)
	require.NoError(t, err)

	families, err := reg.Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	assert.True(t, names["loansync_loans_total"])
	assert.True(t, names["loansync_allocated_amount_total"])
}

func TestSweepOverdue(t *testing.T) {
	m := NewMockStore()
	paid := installment(11, 1, 1, jan, 100, 10)
	paid.EmiStatusID = models.EmiStatusPaid
	partial := installment(12, 1, 2, jan.AddDate(0, 1, 0), 100, 10)
	partial.EmiStatusID = models.EmiStatusPartiallyPaid
	colender := installment(13, 1, 2, jan.AddDate(0, 1, 0), 100, 10)
	colender.CustomerFacing = false
	future := installment(14, 1, 3, runDate.AddDate(0, 0, 5), 100, 10)
	dueToday := installment(15, 1, 4, time.Date(2024, 6, 10, 0, 0, 0, 0, time.UTC), 100, 10)
	deleted := installment(16, 1, 2, jan, 100, 10)
	deleted.IsDeleted = true
	m.addInstallments(models.TrackPIF, paid, partial, colender, future, dueToday, deleted)

	l := newTestLedger(m, Config{BatchSize: 1})
	stats, err := l.SweepOverdue(context.Background(), models.TrackPIF)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.OverdueMarked)

	got := m.installments[models.TrackPIF][1]
	assert.Equal(t, models.EmiStatusOverdue, got[1].EmiStatusID)
	assert.Equal(t, DaysPastDue(partial.InstDate, runDate), got[1].DaysPastDue)
	assert.Equal(t, models.EmiStatusPaid, got[0].EmiStatusID)
	assert.Equal(t, models.EmiStatusOutstanding, got[2].EmiStatusID)
	assert.Equal(t, models.EmiStatusOutstanding, got[4].EmiStatusID)

	last, ok := l.LastRun()
	require.True(t, ok)
	assert.Equal(t, JobSweepOverdue, last.Job)
}

func TestDaysPastDue(t *testing.T) {
	due := time.Date(2024, 2, 15, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, 0, DaysPastDue(due, due.Add(23*time.Hour)))
	assert.Equal(t, 1, DaysPastDue(due, due.AddDate(0, 0, 1)))
	assert.Equal(t, 115, DaysPastDue(due, time.Date(2024, 6, 9, 18, 0, 0, 0, time.UTC)))
	assert.Equal(t, 0, DaysPastDue(due, due.AddDate(0, 0, -3)))
}

func TestLastRun_EmptyUntilFirstRun(t *testing.T) {
	l := newTestLedger(NewMockStore(), Config{})
	_, ok := l.LastRun()
	assert.False(t, ok)

	_, err := l.RunAllocation(context.Background(), models.TrackFIP)
	require.NoError(t, err)
	last, ok := l.LastRun()
	require.True(t, ok)
	assert.Equal(t, models.TrackFIP, last.Track)
	assert.Zero(t, last.Loans)
}

func TestRunAllocation_ToleratesVanishedQueueRow(t *testing.T) {
	m := NewMockStore()
	seedLoan(m, models.TrackFIP, 1, "50")
	m.dequeueOnReplace = true
	core, logs := observer.New(zapcore.DebugLevel)
	l := newTestLedger(m, Config{}, WithLogger(zap.New(core)))

	stats, err := l.RunAllocation(context.Background(), models.TrackFIP)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Allocated)
	assert.Equal(t, 1, m.replaceCalls[1], "a missing queue row is not retried")

	warned := logs.FilterMessage("queue row vanished before it was marked done").All()
	require.Len(t, warned, 1)
	assert.Equal(t, int64(1), warned[0].ContextMap()["loan_id"])

	done := logs.FilterMessage("loan allocated").All()
	require.Len(t, done, 1)
	assert.Equal(t, int64(2), done[0].ContextMap()["records"])
}
