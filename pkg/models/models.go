package models

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Track identifies one of the parallel installment ledgers.
type Track string

const (
	TrackFIP Track = "fip" // Full Installment Paid
	TrackPIF Track = "pif" // Pay In Full
)

// ParseTrack validates a track name.
func ParseTrack(s string) (Track, error) {
	switch Track(s) {
	case TrackFIP, TrackPIF:
		return Track(s), nil
	default:
		return "", fmt.Errorf("unknown track %q", s)
	}
}

// InstallmentTable is the schedule table of the track.
func (t Track) InstallmentTable() string {
	return "installment_" + string(t)
}

// AllocationTable receives the per-installment payment rows of the track.
func (t Track) AllocationTable() string {
	return "installment_payment_" + string(t)
}

// QueueTable lists the loans waiting to be re-allocated on the track.
func (t Track) QueueTable() string {
	if t == TrackPIF {
		return "pif_t"
	}
	return "payfip"
}

type EmiStatus int

const (
	EmiStatusOutstanding   EmiStatus = 1
	EmiStatusPaid          EmiStatus = 2
	EmiStatusPartiallyPaid EmiStatus = 3
	EmiStatusOverdue       EmiStatus = 4
)

type CodePaymentType int

const (
	CodePaymentPrincipal CodePaymentType = 2
	CodePaymentInterest  CodePaymentType = 3
)

// PaymentStatusApplied is the only status the allocator writes.
const PaymentStatusApplied = 1

// LoanRef is the unit of work handed out by a track's queue.
type LoanRef struct {
	LoanID     int64 `json:"loan_id"`
	CustomerID int64 `json:"customer_id"`
}

type Installment struct {
	ID         int64     `json:"id"`
	LoanID     int64     `json:"loan_id"`
	CustomerID int64     `json:"customer_id"`
	InstNumber int       `json:"inst_number"`
	InstDate   time.Time `json:"inst_date"`

	InstAmount    decimal.Decimal `json:"inst_amount"`
	InstPrincipal decimal.Decimal `json:"inst_principal"`
	InstInterest  decimal.Decimal `json:"inst_interest"`

	OutstandingPrincipal decimal.Decimal `json:"amount_outstanding_principal"`
	OutstandingInterest  decimal.Decimal `json:"amount_outstanding_interest"`
	ReceivedPrincipal    decimal.Decimal `json:"received_principal"`
	ReceivedInterest     decimal.Decimal `json:"received_interest"`

	IsDeleted      bool       `json:"is_delete"`
	CustomerFacing bool       `json:"customer_facing"`
	EmiStatusID    EmiStatus  `json:"emi_status_id"`
	LastPayingDate *time.Time `json:"last_paying_date,omitempty"`
	DaysPastDue    int        `json:"days_past_due"`

	// Updated is set when an allocation touched the row during the current run.
	Updated bool `json:"-"`
}

// Key is the composite identity used when folding updated rows back into a schedule.
func (i Installment) Key() InstallmentKey {
	return InstallmentKey{ID: i.ID, InstNumber: i.InstNumber, InstDate: i.InstDate.UTC()}
}

type InstallmentKey struct {
	ID         int64
	InstNumber int
	InstDate   time.Time
}

func (k InstallmentKey) String() string {
	return fmt.Sprintf("%d_%d_%s", k.ID, k.InstNumber, k.InstDate.Format(time.RFC3339))
}

type Payment struct {
	ID           int64           `json:"id"`
	LoanID       int64           `json:"loan_id"`
	CustomerID   int64           `json:"customer_id"`
	AmtPayment   decimal.Decimal `json:"amt_payment"`
	ReceivedDate time.Time       `json:"received_date"`
}

type AllocationRecord struct {
	CustomerID         int64           `json:"customer_id"`
	LoanID             int64           `json:"loan_id"`
	InstID             int64           `json:"inst_id"`
	InstNumber         int             `json:"inst_number"`
	CodePaymentType    CodePaymentType `json:"code_payment_type"`
	AmountPayment      decimal.Decimal `json:"amount_payment"`
	PaymentStatus      int             `json:"payment_status"`
	PaymentPairingDate time.Time       `json:"payment_pairing_date"`
	PaymentDate        time.Time       `json:"payment_date"`
	PaymentID          int64           `json:"payment_id"`
}

// DeadLetter is a loan whose allocation could not be completed.
type DeadLetter struct {
	ID         uuid.UUID `json:"id"`
	Track      Track     `json:"track"`
	LoanID     int64     `json:"loan_id"`
	CustomerID int64     `json:"customer_id"`
	Attempts   int       `json:"attempts"`
	Reason     string    `json:"reason"`
	FailedAt   time.Time `json:"failed_at"`
}
