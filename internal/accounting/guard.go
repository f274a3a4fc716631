package accounting

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/odyssey-erp/ohada-close/internal/money"
	"github.com/odyssey-erp/ohada-close/internal/shared"
)

// EntryGuard is the single write path for generated journal entries.
type EntryGuard struct {
	ledger    Ledger
	logger    *slog.Logger
	tolerance money.Amount
	now       func() time.Time
	newID     func() string
}

// NewEntryGuard constructs the guard.
func NewEntryGuard(ledger Ledger, logger *slog.Logger) *EntryGuard {
	if logger == nil {
		logger = slog.Default()
	}
	return &EntryGuard{
		ledger:    ledger,
		logger:    logger,
		tolerance: money.Tolerance,
		now:       time.Now,
		newID:     func() string { return uuid.NewString() },
	}
}

// WithNow overrides the clock for deterministic tests.
func (g *EntryGuard) WithNow(now func() time.Time) {
	if now != nil {
		g.now = now
	}
}

// WithTolerance overrides the balance tolerance.
func (g *EntryGuard) WithTolerance(tolerance money.Amount) {
	if !tolerance.IsNegative() {
		g.tolerance = tolerance
	}
}

// Tolerance returns the configured balance tolerance.
func (g *EntryGuard) Tolerance() money.Amount {
	return g.tolerance
}

// AddOption customises a SafeAddEntry call.
type AddOption func(*addOptions)

type addOptions struct {
	audit []shared.AuditLog
}

// WithAudit appends a business audit record in the same transaction as the entry.
// EntityID defaults to the new entry id when left empty; otherwise the entry id is
// added to Meta as "entryId".
func WithAudit(log shared.AuditLog) AddOption {
	return func(o *addOptions) {
		o.audit = append(o.audit, log)
	}
}

// Validate checks line shape and balance without touching the ledger.
func (g *EntryGuard) Validate(entry JournalEntry) error {
	if len(entry.Lines) < 2 {
		return ErrTooFewLines
	}
	for idx, line := range entry.Lines {
		if strings.TrimSpace(line.AccountCode) == "" {
			return fmt.Errorf("%w: line %d missing account", ErrInvalidLine, idx)
		}
		if line.Debit.IsNegative() || line.Credit.IsNegative() {
			return fmt.Errorf("%w: line %d negative amount", ErrInvalidLine, idx)
		}
		if line.Debit.IsPositive() && line.Credit.IsPositive() {
			return fmt.Errorf("%w: line %d cannot be both debit and credit", ErrInvalidLine, idx)
		}
		if line.Debit.IsZero() && line.Credit.IsZero() {
			return fmt.Errorf("%w: line %d has no amount", ErrInvalidLine, idx)
		}
	}
	debit, credit := entry.Totals()
	if !debit.EqualWithin(credit, g.tolerance) {
		return &UnbalancedEntryError{Debit: debit, Credit: credit}
	}
	return nil
}

// SafeAddEntry validates, hashes and writes an entry with its lines atomically.
// Nothing is written when any check fails.
func (g *EntryGuard) SafeAddEntry(ctx context.Context, entry JournalEntry, opts ...AddOption) (JournalEntry, error) {
	var o addOptions
	for _, opt := range opts {
		opt(&o)
	}
	entry.Lines = append([]JournalLine(nil), entry.Lines...)
	for i := range entry.Lines {
		entry.Lines[i].Debit = entry.Lines[i].Debit.Cents()
		entry.Lines[i].Credit = entry.Lines[i].Credit.Cents()
	}
	if err := g.Validate(entry); err != nil {
		return JournalEntry{}, err
	}
	if entry.Status == "" {
		entry.Status = StatusValidated
	}
	entry.TotalDebit, entry.TotalCredit = entry.Totals()

	err := g.ledger.WithTx(ctx, func(ctx context.Context, tx LedgerTx) error {
		fy, found, err := tx.FiscalYearForDate(ctx, entry.Date)
		if err != nil {
			return err
		}
		if found && fy.IsClosed {
			return fmt.Errorf("%w: %s (%s)", ErrFiscalYearClosed, fy.Code, entry.Date.Format("2006-01-02"))
		}
		if found && entry.FiscalYearID == "" {
			entry.FiscalYearID = fy.ID
		}
		entry.Hash = ComputeHash(entry)
		exists, err := tx.HashExists(ctx, entry.Hash)
		if err != nil {
			return err
		}
		if exists {
			return ErrDuplicateEntry
		}
		number, err := tx.NextEntryNumber(ctx)
		if err != nil {
			return err
		}
		now := g.now()
		if entry.ID == "" {
			entry.ID = g.newID()
		}
		entry.Number = number
		entry.CreatedAt = now
		entry.UpdatedAt = now
		for i := range entry.Lines {
			entry.Lines[i].EntryID = entry.ID
			if entry.Lines[i].ID == "" {
				entry.Lines[i].ID = g.newID()
			}
		}
		if err := tx.InsertEntry(ctx, entry); err != nil {
			return err
		}
		for _, log := range o.audit {
			if log.Entity == "" {
				log.Entity = "journal_entry"
			}
			if log.EntityID == "" {
				log.EntityID = entry.ID
			} else {
				meta := make(map[string]any, len(log.Meta)+1)
				for k, v := range log.Meta {
					meta[k] = v
				}
				meta["entryId"] = entry.ID
				log.Meta = meta
			}
			if log.At.IsZero() {
				log.At = now
			}
			if err := tx.AppendAudit(ctx, log); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		if !errors.Is(err, ErrDuplicateEntry) {
			g.logger.Warn("entry guard rejected write", slog.String("journal", entry.Journal), slog.String("reference", entry.Reference), slog.Any("error", err))
		}
		return JournalEntry{}, err
	}
	g.logger.Debug("entry written", slog.String("id", entry.ID), slog.String("journal", entry.Journal), slog.String("hash", entry.Hash))
	return entry, nil
}
