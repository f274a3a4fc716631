package reports

import (
	"context"
	"time"

	"github.com/odyssey-erp/ohada-close/internal/accounting"
	"github.com/odyssey-erp/ohada-close/internal/accounting/balances"
)

// ClosingPack holds every statement archived at year end.
type ClosingPack struct {
	FiscalYear    accounting.FiscalYear
	GeneratedAt   time.Time
	TrialBalance  TrialBalance
	ProfitAndLoss ProfitAndLoss
	BalanceSheet  BalanceSheet
	Balances      []accounting.AccountBalance
	Entries       []accounting.JournalEntry
}

// BuildClosingPack reads the ledger once and derives the three statements.
func BuildClosingPack(ctx context.Context, ledger balances.Reader, fiscalYearID string, now time.Time) (ClosingPack, error) {
	fy, err := ledger.FiscalYear(ctx, fiscalYearID)
	if err != nil {
		return ClosingPack{}, err
	}
	entries, err := ledger.QueryEntries(ctx, accounting.EntryFilter{
		Statuses: accounting.PostedStatuses,
		From:     fy.StartDate,
		To:       fy.EndDate,
	})
	if err != nil {
		return ClosingPack{}, err
	}
	all := balances.Aggregate(entries, nil)
	var sheet []accounting.AccountBalance
	for _, t := range all {
		if !accounting.IsBalanceSheet(t.AccountCode) {
			continue
		}
		if b, ok := t.Balance(); ok {
			sheet = append(sheet, b)
		}
	}
	return ClosingPack{
		FiscalYear:    fy,
		GeneratedAt:   now,
		TrialBalance:  BuildTrialBalance(all),
		ProfitAndLoss: BuildProfitAndLoss(all),
		BalanceSheet:  BuildBalanceSheet(sheet),
		Balances:      sheet,
		Entries:       entries,
	}, nil
}
