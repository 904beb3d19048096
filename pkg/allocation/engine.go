// Package allocation re-derives how each payment of a loan was applied to the
// interest and principal of its installments.
//
// The engine is pure: it performs no I/O, holds no state between calls and never
// mutates the slices it is given. A loan must be allocated by a single goroutine;
// different loans may be allocated concurrently with separate engines or the same one.
package allocation

import (
	"errors"
	"fmt"
	"sort"

	"github.com/mcclellann/loansync/pkg/clock"
	"github.com/mcclellann/loansync/pkg/models"
	"github.com/mcclellann/loansync/pkg/schedule"
	"github.com/shopspring/decimal"
)

var (
	// ErrInvalidInput marks schedules or payments that violate a precondition.
	ErrInvalidInput = errors.New("invalid allocation input")
	// ErrComputation marks a broken internal invariant.
	ErrComputation = errors.New("allocation invariant violated")
)

// Engine allocates payments on one track.
type Engine struct {
	track models.Track
	clock clock.Clock
}

func NewEngine(track models.Track, clk clock.Clock) *Engine {
	if clk == nil {
		clk = clock.Real{}
	}
	return &Engine{track: track, clock: clk}
}

func (e *Engine) Track() models.Track {
	return e.track
}

// Result is the outcome of walking one bucket across a schedule.
type Result struct {
	Installments []models.Installment
	Records      []models.AllocationRecord
	Remaining    decimal.Decimal
}

// Allocate walks bucket across installments in the order given, interest before
// principal, earliest installment first.
//
// A nil schedule absorbs nothing. In Colender mode every customer-facing row is
// preceded by a Direct pass of the same remaining bucket over the co-lender rows
// sharing its installment number; the co-lender pass does not consume the bucket.
func (e *Engine) Allocate(bucket decimal.Decimal, payment models.Payment, installments []models.Installment, mode Mode) (Result, error) {
	if installments == nil {
		return Result{
			Installments: []models.Installment{},
			Records:      []models.AllocationRecord{},
			Remaining:    bucket,
		}, nil
	}
	if err := validateOutstanding(installments); err != nil {
		return Result{}, err
	}
	unchanged := Result{
		Installments: schedule.Clone(installments),
		Records:      []models.AllocationRecord{},
		Remaining:    bucket,
	}
	if len(installments) == 0 || !bucket.IsPositive() {
		return unchanged, nil
	}

	var facing, nonFacing []models.Installment
	if mode.IsColender() {
		facing, nonFacing = schedule.Partition(installments)
	} else {
		facing = schedule.Clone(installments)
	}
	if len(facing) == 0 {
		return unchanged, nil
	}

	records := []models.AllocationRecord{}
	mirrored := false
	for i := range facing {
		if mode.IsColender() {
			twins := schedule.FilterByInstNumber(nonFacing, facing[i].InstNumber)
			nested, err := e.Allocate(bucket, payment, twins, Direct(facing[i].InstNumber))
			if err != nil {
				return Result{}, fmt.Errorf("mirror installment %d: %w", facing[i].InstNumber, err)
			}
			if len(nested.Installments) > 0 {
				nonFacing, err = schedule.MergeBack(nested.Installments, nonFacing)
				if err != nil {
					return Result{}, fmt.Errorf("%w: %w", ErrComputation, err)
				}
				mirrored = true
			}
			records = append(records, nested.Records...)
		}

		var rec *models.AllocationRecord
		facing[i], rec, bucket = e.applyInterest(facing[i], payment, bucket)
		if rec != nil {
			records = append(records, *rec)
		}
		if bucket.IsPositive() {
			facing[i], rec, bucket = e.applyPrincipal(facing[i], payment, bucket)
			if rec != nil {
				records = append(records, *rec)
			}
		}
		if !bucket.IsPositive() {
			break
		}
	}

	var out []models.Installment
	if mirrored {
		combined := make([]models.Installment, 0, len(facing)+len(nonFacing))
		combined = append(combined, facing...)
		combined = append(combined, nonFacing...)
		out = schedule.SortByDateThenNumber(combined)
	} else {
		var err error
		out, err = schedule.MergeBack(facing, installments)
		if err != nil {
			return Result{}, fmt.Errorf("%w: %w", ErrComputation, err)
		}
	}

	return Result{Installments: out, Records: records, Remaining: bucket}, nil
}

// Residue is the part of a payment no installment could absorb.
type Residue struct {
	PaymentID int64
	Amount    decimal.Decimal
}

// LoanResult is the final state of a loan after all of its payments.
type LoanResult struct {
	Installments []models.Installment
	Records      []models.AllocationRecord
	Unapplied    []Residue
}

// AllocateLoan rewinds the schedule to its scheduled balances and replays every
// payment in ascending id order. Each payment starts from its own amount;
// residue is reported but never carried into the next payment.
func (e *Engine) AllocateLoan(installments []models.Installment, payments []models.Payment) (LoanResult, error) {
	if err := validateScheduled(installments); err != nil {
		return LoanResult{}, err
	}

	var current []models.Installment
	if installments != nil {
		current = schedule.Reset(installments)
	}

	ordered := make([]models.Payment, len(payments))
	copy(ordered, payments)
	sort.SliceStable(ordered, func(a, b int) bool { return ordered[a].ID < ordered[b].ID })

	result := LoanResult{Records: []models.AllocationRecord{}, Unapplied: []Residue{}}
	for _, p := range ordered {
		res, err := e.Allocate(p.AmtPayment, p, current, Colender())
		if err != nil {
			return LoanResult{}, fmt.Errorf("payment %d: %w", p.ID, err)
		}
		current = res.Installments
		result.Records = append(result.Records, res.Records...)
		if res.Remaining.IsPositive() {
			result.Unapplied = append(result.Unapplied, Residue{PaymentID: p.ID, Amount: res.Remaining})
		}
	}

	if err := checkConservation(current); err != nil {
		return LoanResult{}, err
	}
	if current == nil {
		current = []models.Installment{}
	}
	result.Installments = current
	return result, nil
}

func validateOutstanding(installments []models.Installment) error {
	for _, inst := range installments {
		if inst.OutstandingInterest.IsNegative() || inst.OutstandingPrincipal.IsNegative() {
			return fmt.Errorf("%w: installment %d (number %d) has negative outstanding balance",
				ErrInvalidInput, inst.ID, inst.InstNumber)
		}
	}
	return nil
}

func validateScheduled(installments []models.Installment) error {
	for _, inst := range installments {
		if inst.InstInterest.IsNegative() || inst.InstPrincipal.IsNegative() {
			return fmt.Errorf("%w: installment %d (number %d) has negative scheduled amount",
				ErrInvalidInput, inst.ID, inst.InstNumber)
		}
	}
	return nil
}

func checkConservation(installments []models.Installment) error {
	for _, inst := range installments {
		if !inst.ReceivedPrincipal.Add(inst.OutstandingPrincipal).Equal(inst.InstPrincipal) {
			return fmt.Errorf("%w: principal of installment %d does not balance", ErrComputation, inst.ID)
		}
		if !inst.ReceivedInterest.Add(inst.OutstandingInterest).Equal(inst.InstInterest) {
			return fmt.Errorf("%w: interest of installment %d does not balance", ErrComputation, inst.ID)
		}
	}
	return nil
}
