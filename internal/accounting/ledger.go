package accounting

import (
	"context"
	"time"

	"github.com/odyssey-erp/ohada-close/internal/shared"
)

// Collections known to CountByCollection.
const (
	CollectionEntries     = "journal_entries"
	CollectionLines       = "journal_lines"
	CollectionFiscalYears = "fiscal_years"
	CollectionAuditLogs   = "audit_logs"
)

// Ledger is the read side of the ledger store plus its transactional entry point.
type Ledger interface {
	FiscalYear(ctx context.Context, id string) (FiscalYear, error)
	ListFiscalYears(ctx context.Context) ([]FiscalYear, error)
	QueryEntries(ctx context.Context, filter EntryFilter) ([]JournalEntry, error)
	CountByCollection(ctx context.Context, collection string) (int, error)
	WithTx(ctx context.Context, fn func(context.Context, LedgerTx) error) error
}

// LedgerTx exposes the reads and writes allowed inside a ledger transaction.
// Implementations may hold a lock for the whole transaction, so callers must not
// use the enclosing Ledger from within fn.
type LedgerTx interface {
	FiscalYearForDate(ctx context.Context, date time.Time) (FiscalYear, bool, error)
	QueryEntries(ctx context.Context, filter EntryFilter) ([]JournalEntry, error)
	NextEntryNumber(ctx context.Context) (int64, error)
	HashExists(ctx context.Context, hash string) (bool, error)
	InsertEntry(ctx context.Context, entry JournalEntry) error
	DeleteEntries(ctx context.Context, ids []string) error
	UpdateEntryStatus(ctx context.Context, ids []string, status JournalStatus) error
	SetFiscalYearClosed(ctx context.Context, id string, closed bool) error
	AppendAudit(ctx context.Context, log shared.AuditLog) error
}

// AuditReader lists audit records. Empty entity or entityID match everything.
type AuditReader interface {
	AuditTrail(ctx context.Context, entity, entityID string) ([]shared.AuditLog, error)
}
