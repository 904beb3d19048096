package metrics

import (
	"time"

	"github.com/mcclellann/loansync/pkg/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/shopspring/decimal"
)

const (
	OutcomeAllocated    = "allocated"
	OutcomeSkipped      = "skipped"
	OutcomeDeadLettered = "dead_lettered"
)

// Reconciler holds the collectors of allocation and overdue runs.
type Reconciler struct {
	loans        *prometheus.CounterVec
	allocated    *prometheus.CounterVec
	unapplied    *prometheus.CounterVec
	retries      *prometheus.CounterVec
	overdue      *prometheus.CounterVec
	loanDuration *prometheus.HistogramVec
	runDuration  *prometheus.HistogramVec
}

// New registers the collectors on registerer, or on the default registry when nil.
func New(registerer prometheus.Registerer) *Reconciler {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Reconciler{
		loans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loansync_loans_total",
			Help: "Loans handled by allocation runs, by outcome.",
		}, []string{"track", "outcome"}),
		allocated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loansync_allocated_amount_total",
			Help: "Money applied to installments, by component.",
		}, []string{"track", "component"}),
		unapplied: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loansync_unapplied_amount_total",
			Help: "Payment residue left after every installment was settled.",
		}, []string{"track"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loansync_loan_retries_total",
			Help: "Loan attempts repeated after a transient failure.",
		}, []string{"track"}),
		overdue: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "loansync_overdue_marked_total",
			Help: "Installments flipped to overdue by the sweep.",
		}, []string{"track"}),
		loanDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loansync_loan_duration_seconds",
			Help:    "Time to load, allocate and persist one loan.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
		}, []string{"track"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "loansync_run_duration_seconds",
			Help:    "Wall time of a full run over a track's queue.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}, []string{"track", "job"}),
	}

	registerer.MustRegister(m.loans, m.allocated, m.unapplied, m.retries, m.overdue, m.loanDuration, m.runDuration)
	return m
}

func (m *Reconciler) LoanOutcome(track models.Track, outcome string) {
	if m == nil {
		return
	}
	m.loans.WithLabelValues(string(track), outcome).Inc()
}

// Allocated adds the amounts of recs to the per-component totals.
func (m *Reconciler) Allocated(track models.Track, recs []models.AllocationRecord) {
	if m == nil {
		return
	}
	var principal, interest decimal.Decimal
	for _, r := range recs {
		switch r.CodePaymentType {
		case models.CodePaymentPrincipal:
			principal = principal.Add(r.AmountPayment)
		case models.CodePaymentInterest:
			interest = interest.Add(r.AmountPayment)
		}
	}
	m.allocated.WithLabelValues(string(track), "principal").Add(principal.InexactFloat64())
	m.allocated.WithLabelValues(string(track), "interest").Add(interest.InexactFloat64())
}

func (m *Reconciler) Unapplied(track models.Track, amount decimal.Decimal) {
	if m == nil || !amount.IsPositive() {
		return
	}
	m.unapplied.WithLabelValues(string(track)).Add(amount.InexactFloat64())
}

func (m *Reconciler) Retry(track models.Track) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(string(track)).Inc()
}

func (m *Reconciler) OverdueMarked(track models.Track, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.overdue.WithLabelValues(string(track)).Add(float64(n))
}

func (m *Reconciler) ObserveLoan(track models.Track, d time.Duration) {
	if m == nil {
		return
	}
	m.loanDuration.WithLabelValues(string(track)).Observe(d.Seconds())
}

func (m *Reconciler) ObserveRun(track models.Track, job string, d time.Duration) {
	if m == nil {
		return
	}
	m.runDuration.WithLabelValues(string(track), job).Observe(d.Seconds())
}
