package carryforward

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/odyssey-erp/ohada-close/internal/accounting"
	"github.com/odyssey-erp/ohada-close/internal/accounting/balances"
	"github.com/odyssey-erp/ohada-close/internal/money"
	"github.com/odyssey-erp/ohada-close/internal/shared"
)

// Accounts names the result accounts used when IncludeResult is set.
type Accounts struct {
	Profit string
	Loss   string
}

// DefaultAccounts are the SYSCOHADA 131/139 result accounts.
var DefaultAccounts = Accounts{Profit: "131", Loss: "139"}

// Service previews, executes and reverts carry-forward entries.
type Service struct {
	ledger   accounting.Ledger
	calc     *balances.Calculator
	guard    *accounting.EntryGuard
	logger   *slog.Logger
	accounts Accounts
	now      func() time.Time
	previews previewFlight
}

// NewService constructs a Service.
func NewService(ledger accounting.Ledger, guard *accounting.EntryGuard, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		ledger:   ledger,
		calc:     balances.NewCalculator(ledger),
		guard:    guard,
		logger:   logger,
		accounts: DefaultAccounts,
		now:      time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (s *Service) WithNow(now func() time.Time) {
	if now != nil {
		s.now = now
	}
}

// WithAccounts overrides the result accounts.
func (s *Service) WithAccounts(accounts Accounts) {
	if accounts.Profit != "" && accounts.Loss != "" {
		s.accounts = accounts
	}
}

// Preview computes the opening lines without writing anything.
func (s *Service) Preview(ctx context.Context, cfg Config) (Preview, error) {
	key := fmt.Sprintf("%s|%s|%s|%t", cfg.ClosingExerciceID, cfg.OpeningExerciceID, cfg.OpeningDate.Format("2006-01-02"), cfg.IncludeResult)
	return s.previews.do(ctx, key, func(ctx context.Context) (Preview, error) {
		return s.buildPreview(ctx, cfg)
	})
}

func (s *Service) buildPreview(ctx context.Context, cfg Config) (Preview, error) {
	if cfg.ClosingExerciceID == cfg.OpeningExerciceID {
		return Preview{}, ErrSameFiscalYear
	}
	closing, err := s.ledger.FiscalYear(ctx, cfg.ClosingExerciceID)
	if err != nil {
		return Preview{}, fiscalYearErr(err)
	}
	opening, err := s.ledger.FiscalYear(ctx, cfg.OpeningExerciceID)
	if err != nil {
		return Preview{}, fiscalYearErr(err)
	}
	date := cfg.OpeningDate
	if date.IsZero() {
		date = opening.StartDate
	}
	if !opening.Contains(date) {
		return Preview{}, fmt.Errorf("%w: %s not in %s", ErrOpeningDateOutOfRange, date.Format("2006-01-02"), opening.Code)
	}

	list, err := s.calc.ComputeClosingBalances(ctx, closing.ID)
	if err != nil {
		return Preview{}, err
	}
	label := "Report à nouveau " + closing.Code
	p := Preview{
		ClosingExerciceID: closing.ID,
		OpeningExerciceID: opening.ID,
		OpeningDate:       date,
		Lines:             make([]Line, 0, len(list)+1),
		TotalDebit:        money.Zero,
		TotalCredit:       money.Zero,
	}
	for _, b := range list {
		p.Lines = append(p.Lines, Line{
			AccountCode: b.AccountCode,
			AccountName: b.AccountName,
			Label:       label,
			Debit:       b.SoldeDebiteur,
			Credit:      b.SoldeCrediteur,
		})
	}
	if cfg.IncludeResult {
		line, ok, err := s.pendingResultLine(ctx, closing.ID, label)
		if err != nil {
			return Preview{}, err
		}
		if ok {
			p.Lines = append(p.Lines, line)
		}
	}
	for _, line := range p.Lines {
		p.TotalDebit = p.TotalDebit.Add(line.Debit)
		p.TotalCredit = p.TotalCredit.Add(line.Credit)
	}
	p.AccountCount = len(p.Lines)
	p.IsBalanced = p.TotalDebit.Equal(p.TotalCredit)
	return p, nil
}

// pendingResultLine books the net of classes 6 to 8 on the profit or loss account.
func (s *Service) pendingResultLine(ctx context.Context, fiscalYearID, label string) (Line, bool, error) {
	totals, err := s.calc.AccountTotals(ctx, fiscalYearID, accounting.IsManagement)
	if err != nil {
		return Line{}, false, err
	}
	net := money.Zero
	for _, t := range totals {
		net = net.Add(t.Net())
	}
	if net.IsZero() {
		return Line{}, false, nil
	}
	// A creditor net on management accounts is a profit.
	if net.IsNegative() {
		return Line{AccountCode: s.accounts.Profit, Label: label, Debit: money.Zero, Credit: net.Neg()}, true, nil
	}
	return Line{AccountCode: s.accounts.Loss, Label: label, Debit: net, Credit: money.Zero}, true, nil
}

// Execute re-runs the preview and commits a single AN entry through the entry guard.
// Failures are reported in the result, never returned as an error.
func (s *Service) Execute(ctx context.Context, cfg Config) Result {
	p, err := s.buildPreview(ctx, cfg)
	if err != nil {
		s.logger.Warn("carry-forward preview failed", slog.String("closing", cfg.ClosingExerciceID), slog.String("opening", cfg.OpeningExerciceID), slog.Any("error", err))
		return failure(err)
	}
	if len(p.Lines) == 0 {
		return failure(ErrNothingToCarry)
	}
	opening, err := s.ledger.FiscalYear(ctx, p.OpeningExerciceID)
	if err != nil {
		return failure(fiscalYearErr(err))
	}

	entry := accounting.JournalEntry{
		Journal:      accounting.JournalCarryForward,
		Date:         p.OpeningDate,
		Reference:    "AN-" + opening.Code,
		Label:        "Report à nouveau exercice " + opening.Code,
		Status:       accounting.StatusValidated,
		FiscalYearID: opening.ID,
		CreatedBy:    accounting.Provenance(cfg.Mode, cfg.UserID),
	}
	for _, line := range p.Lines {
		entry.Lines = append(entry.Lines, accounting.JournalLine{
			AccountCode: line.AccountCode,
			AccountName: line.AccountName,
			Label:       line.Label,
			Debit:       line.Debit,
			Credit:      line.Credit,
		})
	}
	saved, err := s.guard.SafeAddEntry(ctx, entry, accounting.WithAudit(shared.AuditLog{
		Actor:    cfg.UserID,
		Action:   shared.AuditCarryForward,
		Entity:   "fiscal_year",
		EntityID: p.ClosingExerciceID,
		At:       s.now(),
		Meta: map[string]any{
			"closingExerciceId": p.ClosingExerciceID,
			"openingExerciceId": p.OpeningExerciceID,
			"lineCount":         len(p.Lines),
			"totalDebit":        p.TotalDebit.String(),
			"totalCredit":       p.TotalCredit.String(),
		},
	}))
	if err != nil {
		s.logger.Warn("carry-forward rejected", slog.String("opening", opening.ID), slog.Any("error", err))
		return failure(err)
	}
	s.logger.Info("carry-forward generated",
		slog.String("entry", saved.ID),
		slog.String("closing", p.ClosingExerciceID),
		slog.String("opening", p.OpeningExerciceID),
		slog.Int("lines", len(saved.Lines)),
		slog.String("total", saved.TotalDebit.String()))
	return Result{
		Success:     true,
		EntryID:     saved.ID,
		LineCount:   len(saved.Lines),
		TotalDebit:  saved.TotalDebit,
		TotalCredit: saved.TotalCredit,
	}
}

// HasCarryForward reports whether an AN entry already targets the fiscal year, either
// by date or by its fiscal year link.
func (s *Service) HasCarryForward(ctx context.Context, fiscalYearID string) (bool, error) {
	fy, err := s.ledger.FiscalYear(ctx, fiscalYearID)
	if err != nil {
		return false, err
	}
	entries, err := s.ledger.QueryEntries(ctx, carryForwardFilter(fy, false))
	if err != nil {
		return false, err
	}
	if len(entries) > 0 {
		return true, nil
	}
	entries, err = s.ledger.QueryEntries(ctx, carryForwardFilter(fy, true))
	if err != nil {
		return false, err
	}
	return len(entries) > 0, nil
}

// Delete removes every AN entry of the fiscal year and records CARRY_FORWARD_REVERTED.
// It returns the number of deleted entries.
func (s *Service) Delete(ctx context.Context, fiscalYearID, actor string) (int, error) {
	fy, err := s.ledger.FiscalYear(ctx, fiscalYearID)
	if err != nil {
		return 0, err
	}
	if fy.IsClosed {
		return 0, fmt.Errorf("%w: %s", accounting.ErrFiscalYearClosed, fy.Code)
	}
	var deleted int
	err = s.ledger.WithTx(ctx, func(ctx context.Context, tx accounting.LedgerTx) error {
		ids := make(map[string]bool)
		var ordered []string
		for _, linked := range []bool{false, true} {
			entries, err := tx.QueryEntries(ctx, carryForwardFilter(fy, linked))
			if err != nil {
				return err
			}
			for _, e := range entries {
				if !ids[e.ID] {
					ids[e.ID] = true
					ordered = append(ordered, e.ID)
				}
			}
		}
		if len(ordered) == 0 {
			return nil
		}
		if err := tx.DeleteEntries(ctx, ordered); err != nil {
			return err
		}
		deleted = len(ordered)
		return tx.AppendAudit(ctx, shared.AuditLog{
			Actor:    actor,
			Action:   shared.AuditCarryForwardReverted,
			Entity:   "fiscal_year",
			EntityID: fy.ID,
			At:       s.now(),
			Meta:     map[string]any{"entryIds": ordered},
		})
	})
	if err != nil {
		return 0, err
	}
	if deleted > 0 {
		s.logger.Info("carry-forward reverted", slog.String("fiscal_year", fy.ID), slog.Int("entries", deleted))
	}
	return deleted, nil
}

func carryForwardFilter(fy accounting.FiscalYear, linked bool) accounting.EntryFilter {
	if linked {
		return accounting.EntryFilter{Journal: accounting.JournalCarryForward, FiscalYearID: fy.ID}
	}
	return accounting.EntryFilter{Journal: accounting.JournalCarryForward, From: fy.StartDate, To: fy.EndDate}
}

func fiscalYearErr(err error) error {
	if errors.Is(err, accounting.ErrUnknownFiscalYear) {
		return fmt.Errorf("%w: %w", ErrFiscalYearsNotFound, err)
	}
	return err
}
