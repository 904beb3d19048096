package store

import (
	"context"
	"errors"
	"time"

	"github.com/mcclellann/loansync/pkg/models"
)

var ErrNotFound = errors.New("not found")

// Queue hands out the loans waiting to be re-allocated on a track.
type Queue interface {
	PendingLoans(ctx context.Context, track models.Track, afterLoanID int64, limit int) ([]models.LoanRef, error)
	MarkDone(ctx context.Context, track models.Track, loan models.LoanRef) error
}

// Ledger is the source of schedules and payments and the sink of allocations.
type Ledger interface {
	LoadInstallments(ctx context.Context, track models.Track, loanID int64) ([]models.Installment, error)
	LoadPayments(ctx context.Context, loan models.LoanRef) ([]models.Payment, error)
	// ReplaceAllocations atomically swaps the loan's principal and interest
	// allocation rows for records and writes back the installment balances.
	ReplaceAllocations(ctx context.Context, track models.Track, loan models.LoanRef, installments []models.Installment, records []models.AllocationRecord) error

	OverdueCandidates(ctx context.Context, track models.Track, asOf time.Time, afterID int64, limit int) ([]models.Installment, error)
	MarkOverdue(ctx context.Context, track models.Track, installmentID int64, daysPastDue int) error
}

// DeadLetters keeps loans that exhausted their retries.
type DeadLetters interface {
	InsertDeadLetter(ctx context.Context, entry models.DeadLetter) error
	ListDeadLetters(ctx context.Context, track models.Track) ([]models.DeadLetter, error)
}

// Storage is everything a SQL database offers the reconciler.
type Storage interface {
	Queue
	Ledger
	DeadLetters

	Close() error
}
