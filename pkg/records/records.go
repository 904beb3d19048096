// Package records flattens allocation records into the row shape of the
// installment_payment_* tables.
package records

import (
	"errors"
	"fmt"

	"github.com/mcclellann/loansync/pkg/models"
)

var ErrMalformedRecord = errors.New("malformed allocation record")

// Columns lists the target columns in insert order.
var Columns = []string{
	"customer_id",
	"loan_id",
	"inst_id",
	"inst_number",
	"code_payment_type",
	"amount_payment",
	"payment_status",
	"payment_pairing_date",
	"payment_date",
	"payment_id",
}

// Row returns the values of a record in Columns order.
func Row(r models.AllocationRecord) ([]any, error) {
	if r.CodePaymentType != models.CodePaymentPrincipal && r.CodePaymentType != models.CodePaymentInterest {
		return nil, fmt.Errorf("%w: code payment type %d", ErrMalformedRecord, r.CodePaymentType)
	}
	if r.InstID == 0 || r.LoanID == 0 {
		return nil, fmt.Errorf("%w: missing installment or loan id (inst %d, loan %d)", ErrMalformedRecord, r.InstID, r.LoanID)
	}
	return []any{
		r.CustomerID,
		r.LoanID,
		r.InstID,
		r.InstNumber,
		int(r.CodePaymentType),
		r.AmountPayment,
		r.PaymentStatus,
		r.PaymentPairingDate,
		r.PaymentDate,
		r.PaymentID,
	}, nil
}

// Build flattens records, keeping their order.
func Build(recs []models.AllocationRecord) ([][]any, error) {
	rows := make([][]any, 0, len(recs))
	for i, r := range recs {
		row, err := Row(r)
		if err != nil {
			return nil, fmt.Errorf("record %d: %w", i, err)
		}
		rows = append(rows, row)
	}
	return rows, nil
}
