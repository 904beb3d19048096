package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/mcclellann/loansync/pkg/models"
	"github.com/mcclellann/loansync/pkg/records"
	"github.com/shopspring/decimal"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

const (
	DialectSQLite   = "sqlite3"
	DialectMySQL    = "mysql"
	DialectPostgres = "postgres"
)

// insertChunkRows keeps bulk inserts well below the placeholder limits of every dialect.
const insertChunkRows = 500

const installmentColumns = `id, loan_id, customer_id, inst_number, inst_date, inst_amount, inst_principal, inst_interest,
	amount_outstanding_principal, amount_outstanding_interest, received_principal, received_interest,
	is_delete, customer_facing, emi_status_id, last_paying_date, days_past_due`

// SQLStore implements Storage over database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect string
}

// Open connects to a database of the given dialect. MySQL DSNs need parseTime=true.
func Open(dialect, dataSourceName string) (*SQLStore, error) {
	driver, err := driverName(dialect)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dataSourceName)
	if err != nil {
		return nil, fmt.Errorf("could not open database: %w", err)
	}

	if dialect == DialectSQLite {
		if _, err := db.Exec("PRAGMA journal_mode = WAL;"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
		// a single writer avoids SQLITE_BUSY between concurrent loan workers
		db.SetMaxOpenConns(1)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("could not connect to database: %w", err)
	}
	return &SQLStore{db: db, dialect: dialect}, nil
}

// NewSQLiteStore opens a SQLite database and creates any missing tables.
func NewSQLiteStore(dataSourceName string) (*SQLStore, error) {
	s, err := Open(DialectSQLite, dataSourceName)
	if err != nil {
		return nil, err
	}
	if err := s.EnsureSchema(context.Background()); err != nil {
		s.Close()
		return nil, fmt.Errorf("could not initialize schema: %w", err)
	}
	return s, nil
}

func driverName(dialect string) (string, error) {
	switch dialect {
	case DialectSQLite:
		return "sqlite3", nil
	case DialectMySQL:
		return "mysql", nil
	case DialectPostgres:
		return "pgx", nil
	default:
		return "", fmt.Errorf("unsupported database dialect %q", dialect)
	}
}

// rebind rewrites ? placeholders for dialects that number them.
func (s *SQLStore) rebind(query string) string {
	if s.dialect != DialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

// EnsureSchema creates the tables used by the reconciler if they do not exist.
// Production schemas are owned elsewhere; this serves local SQLite databases.
func (s *SQLStore) EnsureSchema(ctx context.Context) error {
	var stmts []string
	for _, track := range []models.Track{models.TrackFIP, models.TrackPIF} {
		stmts = append(stmts,
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id INTEGER PRIMARY KEY,
				loan_id INTEGER NOT NULL,
				customer_id INTEGER NOT NULL,
				inst_number INTEGER NOT NULL,
				inst_date DATETIME NOT NULL,
				inst_amount TEXT NOT NULL DEFAULT '0',
				inst_principal TEXT NOT NULL DEFAULT '0',
				inst_interest TEXT NOT NULL DEFAULT '0',
				amount_outstanding_principal TEXT,
				amount_outstanding_interest TEXT,
				received_principal TEXT,
				received_interest TEXT,
				is_delete INTEGER NOT NULL DEFAULT 0,
				customer_facing INTEGER NOT NULL DEFAULT 1,
				inst_status INTEGER NOT NULL DEFAULT 1,
				emi_status_id INTEGER,
				last_paying_date DATETIME,
				days_past_due INTEGER
			)`, track.InstallmentTable()),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				customer_id INTEGER NOT NULL,
				loan_id INTEGER NOT NULL,
				inst_id INTEGER NOT NULL,
				inst_number INTEGER NOT NULL,
				code_payment_type INTEGER NOT NULL,
				amount_payment TEXT NOT NULL,
				payment_status INTEGER NOT NULL,
				payment_pairing_date DATETIME NOT NULL,
				payment_date DATETIME NOT NULL,
				payment_id INTEGER NOT NULL
			)`, track.AllocationTable()),
			fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
				loan_id INTEGER NOT NULL,
				customer_id INTEGER NOT NULL,
				is_done INTEGER NOT NULL DEFAULT 0
			)`, track.QueueTable()),
		)
	}
	stmts = append(stmts,
		`CREATE TABLE IF NOT EXISTS overall_payment (
			id INTEGER PRIMARY KEY,
			customer_id INTEGER NOT NULL,
			loan_id INTEGER NOT NULL,
			amt_payment TEXT NOT NULL,
			received_date DATETIME NOT NULL,
			is_delete INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE TABLE IF NOT EXISTS dead_letter (
			id TEXT PRIMARY KEY,
			track TEXT NOT NULL,
			loan_id INTEGER NOT NULL,
			customer_id INTEGER NOT NULL,
			attempts INTEGER NOT NULL,
			reason TEXT NOT NULL,
			failed_at DATETIME NOT NULL
		)`,
	)

	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create table: %w", err)
		}
	}
	return nil
}

// PendingLoans returns up to limit queued loans with a loan id above afterLoanID.
func (s *SQLStore) PendingLoans(ctx context.Context, track models.Track, afterLoanID int64, limit int) ([]models.LoanRef, error) {
	query := fmt.Sprintf(`SELECT DISTINCT loan_id, customer_id FROM %s
		WHERE is_done = 0 AND loan_id > ? ORDER BY loan_id, customer_id LIMIT ?`, track.QueueTable())
	rows, err := s.db.QueryContext(ctx, s.rebind(query), afterLoanID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get pending loans: %w", err)
	}
	defer rows.Close()

	var refs []models.LoanRef
	for rows.Next() {
		var ref models.LoanRef
		if err := rows.Scan(&ref.LoanID, &ref.CustomerID); err != nil {
			return nil, fmt.Errorf("failed to scan queue row: %w", err)
		}
		refs = append(refs, ref)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during queue iteration: %w", err)
	}
	return refs, nil
}

// MarkDone flags the loan as re-allocated in the track's queue.
func (s *SQLStore) MarkDone(ctx context.Context, track models.Track, loan models.LoanRef) error {
	query := fmt.Sprintf(`UPDATE %s SET is_done = 1 WHERE loan_id = ? AND customer_id = ?`, track.QueueTable())
	result, err := s.db.ExecContext(ctx, s.rebind(query), loan.LoanID, loan.CustomerID)
	if err != nil {
		return fmt.Errorf("failed to mark loan %d done: %w", loan.LoanID, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("queued loan %d: %w", loan.LoanID, ErrNotFound)
	}
	return nil
}

// LoadInstallments returns the loan's live schedule in settlement order.
func (s *SQLStore) LoadInstallments(ctx context.Context, track models.Track, loanID int64) ([]models.Installment, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s WHERE loan_id = ? AND is_delete = 0 ORDER BY inst_date ASC, inst_number ASC`,
		installmentColumns, track.InstallmentTable())
	rows, err := s.db.QueryContext(ctx, s.rebind(query), loanID)
	if err != nil {
		return nil, fmt.Errorf("failed to get installments for loan %d: %w", loanID, err)
	}
	defer rows.Close()

	return scanInstallments(rows)
}

func scanInstallments(rows *sql.Rows) ([]models.Installment, error) {
	var insts []models.Installment
	for rows.Next() {
		var (
			inst                             models.Installment
			outPrin, outInt, recPrin, recInt decimal.NullDecimal
			status, dpd                      sql.NullInt64
			lastPaying                       sql.NullTime
		)
		if err := rows.Scan(
			&inst.ID, &inst.LoanID, &inst.CustomerID, &inst.InstNumber, &inst.InstDate,
			&inst.InstAmount, &inst.InstPrincipal, &inst.InstInterest,
			&outPrin, &outInt, &recPrin, &recInt,
			&inst.IsDeleted, &inst.CustomerFacing, &status, &lastPaying, &dpd,
		); err != nil {
			return nil, fmt.Errorf("failed to scan installment row: %w", err)
		}
		inst.OutstandingPrincipal = orZero(outPrin)
		inst.OutstandingInterest = orZero(outInt)
		inst.ReceivedPrincipal = orZero(recPrin)
		inst.ReceivedInterest = orZero(recInt)
		inst.EmiStatusID = models.EmiStatusOutstanding
		if status.Valid {
			inst.EmiStatusID = models.EmiStatus(status.Int64)
		}
		if lastPaying.Valid {
			t := lastPaying.Time
			inst.LastPayingDate = &t
		}
		inst.DaysPastDue = int(dpd.Int64)
		insts = append(insts, inst)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during installment iteration: %w", err)
	}
	return insts, nil
}

func orZero(d decimal.NullDecimal) decimal.Decimal {
	if d.Valid {
		return d.Decimal
	}
	return decimal.Zero
}

// LoadPayments returns the loan's payments in ascending id order.
func (s *SQLStore) LoadPayments(ctx context.Context, loan models.LoanRef) ([]models.Payment, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, loan_id, customer_id, amt_payment, received_date
		FROM overall_payment WHERE loan_id = ? AND customer_id = ? ORDER BY id ASC`), loan.LoanID, loan.CustomerID)
	if err != nil {
		return nil, fmt.Errorf("failed to get payments for loan %d: %w", loan.LoanID, err)
	}
	defer rows.Close()

	var payments []models.Payment
	for rows.Next() {
		var p models.Payment
		if err := rows.Scan(&p.ID, &p.LoanID, &p.CustomerID, &p.AmtPayment, &p.ReceivedDate); err != nil {
			return nil, fmt.Errorf("failed to scan payment row: %w", err)
		}
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during payment iteration: %w", err)
	}
	return payments, nil
}

// ReplaceAllocations deletes the loan's principal and interest allocation rows,
// inserts recs and writes every installment balance back, in one transaction.
func (s *SQLStore) ReplaceAllocations(ctx context.Context, track models.Track, loan models.LoanRef, installments []models.Installment, recs []models.AllocationRecord) error {
	rows, err := records.Build(recs)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	del := fmt.Sprintf(`DELETE FROM %s WHERE loan_id = ? AND customer_id = ? AND code_payment_type IN (?, ?)`, track.AllocationTable())
	if _, err := tx.ExecContext(ctx, s.rebind(del), loan.LoanID, loan.CustomerID,
		int(models.CodePaymentPrincipal), int(models.CodePaymentInterest)); err != nil {
		return fmt.Errorf("failed to delete allocations for loan %d: %w", loan.LoanID, err)
	}

	for start := 0; start < len(rows); start += insertChunkRows {
		end := min(start+insertChunkRows, len(rows))
		if err := s.insertAllocationRows(ctx, tx, track, rows[start:end]); err != nil {
			return fmt.Errorf("failed to insert allocations for loan %d: %w", loan.LoanID, err)
		}
	}

	upd := s.rebind(fmt.Sprintf(`UPDATE %s SET received_principal = ?, received_interest = ?,
		amount_outstanding_principal = ?, amount_outstanding_interest = ?, emi_status_id = ?, last_paying_date = ?
		WHERE id = ?`, track.InstallmentTable()))
	for _, inst := range installments {
		var lastPaying sql.NullTime
		if inst.LastPayingDate != nil {
			lastPaying = sql.NullTime{Time: *inst.LastPayingDate, Valid: true}
		}
		if _, err := tx.ExecContext(ctx, upd,
			inst.ReceivedPrincipal, inst.ReceivedInterest,
			inst.OutstandingPrincipal, inst.OutstandingInterest,
			int(inst.EmiStatusID), lastPaying, inst.ID,
		); err != nil {
			return fmt.Errorf("failed to update installment %d: %w", inst.ID, err)
		}
	}

	return tx.Commit()
}

func (s *SQLStore) insertAllocationRows(ctx context.Context, tx *sql.Tx, track models.Track, rows [][]any) error {
	if len(rows) == 0 {
		return nil
	}
	group := "(" + placeholders(len(records.Columns)) + ")"
	values := make([]string, len(rows))
	args := make([]any, 0, len(rows)*len(records.Columns))
	for i, row := range rows {
		values[i] = group
		args = append(args, row...)
	}
	query := fmt.Sprintf(`INSERT INTO %s (%s) VALUES %s`,
		track.AllocationTable(), strings.Join(records.Columns, ", "), strings.Join(values, ", "))
	_, err := tx.ExecContext(ctx, s.rebind(query), args...)
	return err
}

// OverdueCandidates returns customer-facing, unpaid installments due before asOf.
func (s *SQLStore) OverdueCandidates(ctx context.Context, track models.Track, asOf time.Time, afterID int64, limit int) ([]models.Installment, error) {
	query := fmt.Sprintf(`SELECT %s FROM %s
		WHERE is_delete = 0 AND customer_facing = 1 AND inst_status = 1 AND emi_status_id IN (?, ?)
		AND inst_date < ? AND id > ? ORDER BY id ASC LIMIT ?`, installmentColumns, track.InstallmentTable())
	rows, err := s.db.QueryContext(ctx, s.rebind(query),
		int(models.EmiStatusOutstanding), int(models.EmiStatusPartiallyPaid), asOf, afterID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to get overdue installments: %w", err)
	}
	defer rows.Close()

	return scanInstallments(rows)
}

// MarkOverdue records the days past due and flips the installment to overdue.
func (s *SQLStore) MarkOverdue(ctx context.Context, track models.Track, installmentID int64, daysPastDue int) error {
	query := fmt.Sprintf(`UPDATE %s SET days_past_due = ?, emi_status_id = ? WHERE id = ?`, track.InstallmentTable())
	result, err := s.db.ExecContext(ctx, s.rebind(query), daysPastDue, int(models.EmiStatusOverdue), installmentID)
	if err != nil {
		return fmt.Errorf("failed to mark installment %d overdue: %w", installmentID, err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to check rows affected: %w", err)
	}
	if rowsAffected == 0 {
		return fmt.Errorf("installment %d: %w", installmentID, ErrNotFound)
	}
	return nil
}

// InsertDeadLetter stores a failed loan.
func (s *SQLStore) InsertDeadLetter(ctx context.Context, entry models.DeadLetter) error {
	_, err := s.db.ExecContext(ctx, s.rebind(`INSERT INTO dead_letter (id, track, loan_id, customer_id, attempts, reason, failed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`),
		entry.ID.String(), string(entry.Track), entry.LoanID, entry.CustomerID, entry.Attempts, entry.Reason, entry.FailedAt)
	if err != nil {
		return fmt.Errorf("failed to insert dead letter for loan %d: %w", entry.LoanID, err)
	}
	return nil
}

// ListDeadLetters returns the dead-lettered loans of a track, oldest first.
func (s *SQLStore) ListDeadLetters(ctx context.Context, track models.Track) ([]models.DeadLetter, error) {
	rows, err := s.db.QueryContext(ctx, s.rebind(`SELECT id, track, loan_id, customer_id, attempts, reason, failed_at
		FROM dead_letter WHERE track = ? ORDER BY failed_at ASC`), string(track))
	if err != nil {
		return nil, fmt.Errorf("failed to get dead letters: %w", err)
	}
	defer rows.Close()

	var entries []models.DeadLetter
	for rows.Next() {
		var (
			e     models.DeadLetter
			idStr string
			tr    string
		)
		if err := rows.Scan(&idStr, &tr, &e.LoanID, &e.CustomerID, &e.Attempts, &e.Reason, &e.FailedAt); err != nil {
			return nil, fmt.Errorf("failed to scan dead letter row: %w", err)
		}
		id, err := uuid.Parse(idStr)
		if err != nil {
			return nil, fmt.Errorf("dead letter id %q: %w", idStr, err)
		}
		e.ID = id
		e.Track = models.Track(tr)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during dead letter iteration: %w", err)
	}
	return entries, nil
}

// Ping checks the connection.
func (s *SQLStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database unreachable: %w", err)
	}
	return nil
}

// Close closes the database connection.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

var _ Storage = (*SQLStore)(nil)

// IsNotFound reports whether err is a missing-row error from this package.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || errors.Is(err, sql.ErrNoRows)
}
