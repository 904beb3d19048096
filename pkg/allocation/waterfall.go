package allocation

import (
	"github.com/mcclellann/loansync/pkg/models"
	"github.com/shopspring/decimal"
)

// applyInterest settles as much outstanding interest as bucket covers.
//
// Interest payoff marks the row paid only on the PIF track, principal payoff only
// on the FIP track. The two ledgers have different status triggers; keep them apart.
func (e *Engine) applyInterest(inst models.Installment, payment models.Payment, bucket decimal.Decimal) (models.Installment, *models.AllocationRecord, decimal.Decimal) {
	outstanding := inst.OutstandingInterest
	if !outstanding.IsPositive() || !bucket.IsPositive() {
		return inst, nil, bucket
	}

	paid := payment.ReceivedDate
	inst.LastPayingDate = &paid
	inst.Updated = true

	if bucket.Sub(outstanding).GreaterThanOrEqual(decimal.Zero) {
		inst.ReceivedInterest = inst.InstInterest
		inst.OutstandingInterest = decimal.Zero
		if e.track == models.TrackPIF {
			inst.EmiStatusID = models.EmiStatusPaid
		}
		rec := e.record(inst, outstanding, payment, models.CodePaymentInterest)
		return inst, &rec, bucket.Sub(outstanding)
	}

	inst.ReceivedInterest = inst.ReceivedInterest.Add(bucket)
	inst.OutstandingInterest = outstanding.Sub(bucket)
	rec := e.record(inst, bucket, payment, models.CodePaymentInterest)
	return inst, &rec, decimal.Zero
}

// applyPrincipal mirrors applyInterest on the principal component.
func (e *Engine) applyPrincipal(inst models.Installment, payment models.Payment, bucket decimal.Decimal) (models.Installment, *models.AllocationRecord, decimal.Decimal) {
	outstanding := inst.OutstandingPrincipal
	if !outstanding.IsPositive() || !bucket.IsPositive() {
		return inst, nil, bucket
	}

	paid := payment.ReceivedDate
	inst.LastPayingDate = &paid
	inst.Updated = true

	if bucket.Sub(outstanding).GreaterThanOrEqual(decimal.Zero) {
		inst.ReceivedPrincipal = inst.InstPrincipal
		inst.OutstandingPrincipal = decimal.Zero
		if e.track == models.TrackFIP {
			inst.EmiStatusID = models.EmiStatusPaid
		}
		rec := e.record(inst, outstanding, payment, models.CodePaymentPrincipal)
		return inst, &rec, bucket.Sub(outstanding)
	}

	inst.ReceivedPrincipal = inst.ReceivedPrincipal.Add(bucket)
	inst.OutstandingPrincipal = outstanding.Sub(bucket)
	rec := e.record(inst, bucket, payment, models.CodePaymentPrincipal)
	return inst, &rec, decimal.Zero
}

func (e *Engine) record(inst models.Installment, amount decimal.Decimal, payment models.Payment, code models.CodePaymentType) models.AllocationRecord {
	return models.AllocationRecord{
		CustomerID:         inst.CustomerID,
		LoanID:             inst.LoanID,
		InstID:             inst.ID,
		InstNumber:         inst.InstNumber,
		CodePaymentType:    code,
		AmountPayment:      amount,
		PaymentStatus:      models.PaymentStatusApplied,
		PaymentPairingDate: e.clock.Now(),
		PaymentDate:        payment.ReceivedDate,
		PaymentID:          payment.ID,
	}
}
