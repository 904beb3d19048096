// Package schedule holds the in-memory view of a loan's installments and the
// partition/merge/sort primitives the allocation engine is built on.
//
// Every function returns a fresh slice; callers' slices are never written to.
package schedule

import (
	"errors"
	"fmt"
	"sort"

	"github.com/mcclellann/loansync/pkg/models"
	"github.com/shopspring/decimal"
)

// ErrMergeKeyCollision is returned when a composite key does not identify a single row.
var ErrMergeKeyCollision = errors.New("installment merge key collision")

// Partition splits live installments into the customer-facing and co-lender tracks.
// Deleted rows belong to neither. Order is preserved.
func Partition(installments []models.Installment) (facing, nonFacing []models.Installment) {
	facing = []models.Installment{}
	nonFacing = []models.Installment{}
	for _, inst := range installments {
		if inst.IsDeleted {
			continue
		}
		if inst.CustomerFacing {
			facing = append(facing, inst)
		} else {
			nonFacing = append(nonFacing, inst)
		}
	}
	return facing, nonFacing
}

// MergeBack replaces every row of original whose (id, instNumber, instDate) key
// appears in updated. Rows of original that were not updated are kept as is.
func MergeBack(updated, original []models.Installment) ([]models.Installment, error) {
	byKey := make(map[models.InstallmentKey]models.Installment, len(updated))
	for _, inst := range updated {
		key := inst.Key()
		if _, dup := byKey[key]; dup {
			return nil, fmt.Errorf("%w: %s appears twice in updated rows", ErrMergeKeyCollision, key)
		}
		byKey[key] = inst
	}

	seen := make(map[models.InstallmentKey]bool, len(original))
	merged := make([]models.Installment, len(original))
	for i, inst := range original {
		key := inst.Key()
		if repl, ok := byKey[key]; ok {
			if seen[key] {
				return nil, fmt.Errorf("%w: %s matches more than one scheduled row", ErrMergeKeyCollision, key)
			}
			seen[key] = true
			merged[i] = repl
			continue
		}
		merged[i] = inst
	}
	return merged, nil
}

// SortByDateThenNumber orders installments by due date, then by installment number.
func SortByDateThenNumber(installments []models.Installment) []models.Installment {
	sorted := Clone(installments)
	sort.SliceStable(sorted, func(a, b int) bool {
		da, db := sorted[a].InstDate, sorted[b].InstDate
		if !da.Equal(db) {
			return da.Before(db)
		}
		return sorted[a].InstNumber < sorted[b].InstNumber
	})
	return sorted
}

// FilterByInstNumber keeps the rows with the given installment number.
func FilterByInstNumber(installments []models.Installment, instNumber int) []models.Installment {
	out := []models.Installment{}
	for _, inst := range installments {
		if inst.InstNumber == instNumber {
			out = append(out, inst)
		}
	}
	return out
}

// Clone copies the slice. Installment holds only value fields apart from
// LastPayingDate, which is treated as immutable and replaced, never written through.
func Clone(installments []models.Installment) []models.Installment {
	if installments == nil {
		return nil
	}
	out := make([]models.Installment, len(installments))
	copy(out, installments)
	return out
}

// Reset returns the schedule with balances rewound to the scheduled amounts,
// the state every allocation run starts from.
//
// Payment-derived state is rewound too: the last paying date is cleared and a
// Paid row that owes something again goes back to Outstanding. Overdue status
// and days past due belong to the overdue sweep and are kept.
func Reset(installments []models.Installment) []models.Installment {
	out := Clone(installments)
	for i := range out {
		out[i].OutstandingPrincipal = out[i].InstPrincipal
		out[i].OutstandingInterest = out[i].InstInterest
		out[i].ReceivedPrincipal = decimal.Zero
		out[i].ReceivedInterest = decimal.Zero
		out[i].LastPayingDate = nil
		out[i].Updated = false
		owes := out[i].InstPrincipal.IsPositive() || out[i].InstInterest.IsPositive()
		if out[i].EmiStatusID == models.EmiStatusPaid && owes {
			out[i].EmiStatusID = models.EmiStatusOutstanding
		}
	}
	return out
}
