// Package balances computes single-sided closing balances of balance-sheet accounts.
package balances

import (
	"context"
	"sort"

	"github.com/odyssey-erp/ohada-close/internal/accounting"
	"github.com/odyssey-erp/ohada-close/internal/money"
)

// Reader is the slice of the ledger the calculator needs.
type Reader interface {
	FiscalYear(ctx context.Context, id string) (accounting.FiscalYear, error)
	QueryEntries(ctx context.Context, filter accounting.EntryFilter) ([]accounting.JournalEntry, error)
}

// Calculator reads the ledger and never writes to it.
type Calculator struct {
	ledger Reader
}

// NewCalculator constructs a Calculator.
func NewCalculator(ledger Reader) *Calculator {
	return &Calculator{ledger: ledger}
}

// Totals accumulates the raw debit and credit movements of one account.
type Totals struct {
	AccountCode string
	AccountName string
	Debit       money.Amount
	Credit      money.Amount
}

// Net returns debit minus credit.
func (t Totals) Net() money.Amount {
	return t.Debit.Sub(t.Credit)
}

// Balance converts the movements into a single-sided balance. ok is false for a nil net.
func (t Totals) Balance() (accounting.AccountBalance, bool) {
	net := t.Net()
	if net.IsZero() {
		return accounting.AccountBalance{}, false
	}
	b := accounting.AccountBalance{
		AccountCode:    t.AccountCode,
		AccountName:    t.AccountName,
		SoldeDebiteur:  money.Zero,
		SoldeCrediteur: money.Zero,
	}
	if net.IsPositive() {
		b.SoldeDebiteur = net
	} else {
		b.SoldeCrediteur = net.Neg()
	}
	return b, true
}

// ComputeClosingBalances returns one balance per balance-sheet account (classes 1 to 5)
// with a non-zero net over the validated and posted entries of the fiscal year,
// ordered by account code.
func (c *Calculator) ComputeClosingBalances(ctx context.Context, fiscalYearID string) ([]accounting.AccountBalance, error) {
	totals, err := c.AccountTotals(ctx, fiscalYearID, accounting.IsBalanceSheet)
	if err != nil {
		return nil, err
	}
	out := make([]accounting.AccountBalance, 0, len(totals))
	for _, t := range totals {
		if b, ok := t.Balance(); ok {
			out = append(out, b)
		}
	}
	return out, nil
}

// AccountTotals aggregates the movements of every account accepted by keep over the
// validated and posted entries dated inside the fiscal year. A nil keep accepts all.
func (c *Calculator) AccountTotals(ctx context.Context, fiscalYearID string, keep func(code string) bool) ([]Totals, error) {
	fy, err := c.ledger.FiscalYear(ctx, fiscalYearID)
	if err != nil {
		return nil, err
	}
	entries, err := c.ledger.QueryEntries(ctx, accounting.EntryFilter{
		Statuses: accounting.PostedStatuses,
		From:     fy.StartDate,
		To:       fy.EndDate,
	})
	if err != nil {
		return nil, err
	}
	return Aggregate(entries, keep), nil
}

// Aggregate sums line movements per account code, ordered by code.
func Aggregate(entries []accounting.JournalEntry, keep func(code string) bool) []Totals {
	byCode := make(map[string]*Totals)
	for _, e := range entries {
		for _, line := range e.Lines {
			if keep != nil && !keep(line.AccountCode) {
				continue
			}
			t, ok := byCode[line.AccountCode]
			if !ok {
				t = &Totals{AccountCode: line.AccountCode, Debit: money.Zero, Credit: money.Zero}
				byCode[line.AccountCode] = t
			}
			if t.AccountName == "" {
				t.AccountName = line.AccountName
			}
			t.Debit = t.Debit.Add(line.Debit)
			t.Credit = t.Credit.Add(line.Credit)
		}
	}
	out := make([]Totals, 0, len(byCode))
	for _, t := range byCode {
		out = append(out, *t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AccountCode < out[j].AccountCode })
	return out
}

// Sum returns the debtor and creditor totals of a balance list.
func Sum(list []accounting.AccountBalance) (debit, credit money.Amount) {
	debit, credit = money.Zero, money.Zero
	for _, b := range list {
		debit = debit.Add(b.SoldeDebiteur)
		credit = credit.Add(b.SoldeCrediteur)
	}
	return debit, credit
}
