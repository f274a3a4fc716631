package accounting

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/ohada-close/internal/money"
	"github.com/odyssey-erp/ohada-close/internal/platform/db"
	"github.com/odyssey-erp/ohada-close/internal/shared"
)

// Repository persists the ledger in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

type txRepository struct {
	tx pgx.Tx
}

// WithTx executes fn within a repeatable-read transaction.
func (r *Repository) WithTx(ctx context.Context, fn func(context.Context, LedgerTx) error) error {
	if r == nil || r.pool == nil {
		return errors.New("accounting repository not initialised")
	}
	return db.WithTx(ctx, r.pool, func(tx pgx.Tx) error {
		return fn(ctx, &txRepository{tx: tx})
	})
}

const fiscalYearColumns = `id, code, name, start_date, end_date, is_closed, is_active`

func scanFiscalYear(row pgx.Row) (FiscalYear, error) {
	var fy FiscalYear
	err := row.Scan(&fy.ID, &fy.Code, &fy.Name, &fy.StartDate, &fy.EndDate, &fy.IsClosed, &fy.IsActive)
	return fy, err
}

// FiscalYear loads a fiscal year by id.
func (r *Repository) FiscalYear(ctx context.Context, id string) (FiscalYear, error) {
	fy, err := scanFiscalYear(r.pool.QueryRow(ctx, `SELECT `+fiscalYearColumns+` FROM fiscal_years WHERE id=$1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return FiscalYear{}, &UnknownFiscalYearError{ID: id}
		}
		return FiscalYear{}, err
	}
	return fy, nil
}

// ListFiscalYears returns every fiscal year ordered by start date.
func (r *Repository) ListFiscalYears(ctx context.Context) ([]FiscalYear, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+fiscalYearColumns+` FROM fiscal_years ORDER BY start_date`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []FiscalYear
	for rows.Next() {
		fy, err := scanFiscalYear(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, fy)
	}
	return out, rows.Err()
}

// QueryEntries returns entries with their lines, ordered by date then number.
func (r *Repository) QueryEntries(ctx context.Context, filter EntryFilter) ([]JournalEntry, error) {
	return queryEntries(ctx, r.pool, filter)
}

// CountByCollection counts rows of a known collection.
func (r *Repository) CountByCollection(ctx context.Context, collection string) (int, error) {
	switch collection {
	case CollectionEntries, CollectionLines, CollectionFiscalYears, CollectionAuditLogs:
	default:
		return 0, fmt.Errorf("accounting: unknown collection %q", collection)
	}
	var count int
	if err := r.pool.QueryRow(ctx, `SELECT COUNT(*) FROM `+collection).Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// AuditTrail lists audit rows for an entity, oldest first.
func (r *Repository) AuditTrail(ctx context.Context, entity, entityID string) ([]shared.AuditLog, error) {
	rows, err := r.pool.Query(ctx, `SELECT id, actor, action, entity, entity_id, meta, occurred_at FROM audit_logs
WHERE ($1 = '' OR entity=$1) AND ($2 = '' OR entity_id=$2) ORDER BY id`, entity, entityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []shared.AuditLog
	for rows.Next() {
		var log shared.AuditLog
		if err := rows.Scan(&log.ID, &log.Actor, &log.Action, &log.Entity, &log.EntityID, &log.Meta, &log.At); err != nil {
			return nil, err
		}
		out = append(out, log)
	}
	return out, rows.Err()
}

func queryEntries(ctx context.Context, q querier, filter EntryFilter) ([]JournalEntry, error) {
	var (
		where []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if len(filter.Statuses) > 0 {
		statuses := make([]string, 0, len(filter.Statuses))
		for _, s := range filter.Statuses {
			statuses = append(statuses, string(s))
		}
		where = append(where, "e.status = ANY("+arg(statuses)+")")
	}
	if !filter.From.IsZero() {
		where = append(where, "e.date >= "+arg(filter.From))
	}
	if !filter.To.IsZero() {
		where = append(where, "e.date <= "+arg(filter.To))
	}
	if filter.Journal != "" {
		where = append(where, "e.journal = "+arg(filter.Journal))
	}
	if filter.Reference != "" {
		where = append(where, "e.reference = "+arg(filter.Reference))
	}
	if filter.FiscalYearID != "" {
		where = append(where, "e.fiscal_year_id = "+arg(filter.FiscalYearID))
	}
	if filter.AccountPrefix != "" {
		where = append(where, "EXISTS (SELECT 1 FROM journal_lines l WHERE l.entry_id = e.id AND l.account_code LIKE "+arg(filter.AccountPrefix)+" || '%')")
	}
	sql := `SELECT e.id, e.number, e.journal, e.date, e.reference, e.label, e.status, COALESCE(e.fiscal_year_id, ''),
e.total_debit, e.total_credit, e.hash, e.created_by, e.created_at, e.updated_at FROM journal_entries e`
	if len(where) > 0 {
		sql += " WHERE " + strings.Join(where, " AND ")
	}
	sql += " ORDER BY e.date, e.number"

	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []JournalEntry
	index := make(map[string]int)
	for rows.Next() {
		var (
			e             JournalEntry
			debit, credit pgtype.Numeric
		)
		if err := rows.Scan(&e.ID, &e.Number, &e.Journal, &e.Date, &e.Reference, &e.Label, &e.Status, &e.FiscalYearID,
			&debit, &credit, &e.Hash, &e.CreatedBy, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, err
		}
		e.TotalDebit = fromNumeric(debit)
		e.TotalCredit = fromNumeric(credit)
		index[e.ID] = len(entries)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return entries, nil
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}
	lineRows, err := q.Query(ctx, `SELECT id, entry_id, account_code, account_name, label, debit, credit
FROM journal_lines WHERE entry_id = ANY($1) ORDER BY entry_id, position`, ids)
	if err != nil {
		return nil, err
	}
	defer lineRows.Close()
	for lineRows.Next() {
		var (
			line          JournalLine
			debit, credit pgtype.Numeric
		)
		if err := lineRows.Scan(&line.ID, &line.EntryID, &line.AccountCode, &line.AccountName, &line.Label, &debit, &credit); err != nil {
			return nil, err
		}
		line.Debit = fromNumeric(debit)
		line.Credit = fromNumeric(credit)
		if i, ok := index[line.EntryID]; ok {
			entries[i].Lines = append(entries[i].Lines, line)
		}
	}
	return entries, lineRows.Err()
}

func (r *txRepository) FiscalYearForDate(ctx context.Context, date time.Time) (FiscalYear, bool, error) {
	fy, err := scanFiscalYear(r.tx.QueryRow(ctx, `SELECT `+fiscalYearColumns+` FROM fiscal_years
WHERE $1::date BETWEEN start_date AND end_date ORDER BY start_date LIMIT 1 FOR SHARE`, date))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return FiscalYear{}, false, nil
		}
		return FiscalYear{}, false, err
	}
	return fy, true, nil
}

func (r *txRepository) QueryEntries(ctx context.Context, filter EntryFilter) ([]JournalEntry, error) {
	return queryEntries(ctx, r.tx, filter)
}

func (r *txRepository) NextEntryNumber(ctx context.Context) (int64, error) {
	var n int64
	err := r.tx.QueryRow(ctx, `SELECT nextval('journal_entry_number_seq')`).Scan(&n)
	return n, err
}

func (r *txRepository) HashExists(ctx context.Context, hash string) (bool, error) {
	var exists bool
	err := r.tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM journal_entries WHERE hash=$1)`, hash).Scan(&exists)
	return exists, err
}

func (r *txRepository) InsertEntry(ctx context.Context, e JournalEntry) error {
	_, err := r.tx.Exec(ctx, `INSERT INTO journal_entries (id, number, journal, date, reference, label, status, fiscal_year_id,
total_debit, total_credit, hash, created_by, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,NULLIF($8,''),$9,$10,$11,$12,$13,$14)`,
		e.ID, e.Number, e.Journal, e.Date, e.Reference, e.Label, string(e.Status), e.FiscalYearID,
		toNumeric(e.TotalDebit), toNumeric(e.TotalCredit), e.Hash, e.CreatedBy, e.CreatedAt, e.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.ConstraintName == "uq_journal_entries_hash" {
			return ErrDuplicateEntry
		}
		return err
	}
	batch := &pgx.Batch{}
	for pos, line := range e.Lines {
		batch.Queue(`INSERT INTO journal_lines (id, entry_id, position, account_code, account_name, label, debit, credit)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`, line.ID, e.ID, pos, line.AccountCode, line.AccountName, line.Label, toNumeric(line.Debit), toNumeric(line.Credit))
	}
	return r.tx.SendBatch(ctx, batch).Close()
}

func (r *txRepository) DeleteEntries(ctx context.Context, ids []string) error {
	if len(ids) == 0 {
		return nil
	}
	cmd, err := r.tx.Exec(ctx, `DELETE FROM journal_entries WHERE id = ANY($1)`, ids)
	if err != nil {
		return err
	}
	if int(cmd.RowsAffected()) != len(ids) {
		return ErrJournalNotFound
	}
	return nil
}

func (r *txRepository) UpdateEntryStatus(ctx context.Context, ids []string, status JournalStatus) error {
	if len(ids) == 0 {
		return nil
	}
	cmd, err := r.tx.Exec(ctx, `UPDATE journal_entries SET status=$2, updated_at=NOW() WHERE id = ANY($1)`, ids, string(status))
	if err != nil {
		return err
	}
	if int(cmd.RowsAffected()) != len(ids) {
		return ErrJournalNotFound
	}
	return nil
}

func (r *txRepository) SetFiscalYearClosed(ctx context.Context, id string, closed bool) error {
	cmd, err := r.tx.Exec(ctx, `UPDATE fiscal_years SET is_closed=$2 WHERE id=$1`, id, closed)
	if err != nil {
		return err
	}
	if cmd.RowsAffected() == 0 {
		return &UnknownFiscalYearError{ID: id}
	}
	return nil
}

func (r *txRepository) AppendAudit(ctx context.Context, log shared.AuditLog) error {
	return shared.NewAuditLogger(r.tx).Record(ctx, log)
}

func toNumeric(a money.Amount) pgtype.Numeric {
	d := a.Cents().Decimal()
	return pgtype.Numeric{Int: d.Coefficient(), Exp: d.Exponent(), Valid: true}
}

func fromNumeric(n pgtype.Numeric) money.Amount {
	if !n.Valid || n.Int == nil {
		return money.Zero
	}
	return money.FromDecimal(decimal.NewFromBigInt(n.Int, n.Exp))
}
