package reports

import (
	"context"
	"testing"
	"time"

	"github.com/odyssey-erp/ohada-close/internal/accounting"
	"github.com/odyssey-erp/ohada-close/internal/accounting/balances"
	"github.com/odyssey-erp/ohada-close/internal/money"
	_ "github.com/odyssey-erp/ohada-close/testing"
)

func totals(code string, debit, credit int64) balances.Totals {
	return balances.Totals{AccountCode: code, Debit: money.FromInt(debit), Credit: money.FromInt(credit)}
}

func TestBuildTrialBalance(t *testing.T) {
	tb := BuildTrialBalance([]balances.Totals{
		totals("521000", 1200, 150),
		totals("101000", 0, 1000),
		totals("601000", 200, 0),
		totals("701000", 0, 250),
	})
	if len(tb.Groups) != 4 {
		t.Fatalf("expected 4 groups, got %d", len(tb.Groups))
	}
	if tb.Groups[0].Key != "Classe 1" {
		t.Fatalf("unexpected first group %q", tb.Groups[0].Key)
	}
	if !tb.TotalDebit.Equal(money.FromInt(1400)) {
		t.Fatalf("unexpected total debit: %v", tb.TotalDebit)
	}
	if !tb.TotalSoldeDebiteur.Equal(money.FromInt(1250)) {
		t.Fatalf("unexpected debtor total: %v", tb.TotalSoldeDebiteur)
	}
	if !tb.IsBalanced() {
		t.Fatalf("expected balanced trial balance: %+v", tb)
	}
}

func TestBuildProfitAndLoss(t *testing.T) {
	pl := BuildProfitAndLoss([]balances.Totals{
		totals("701000", 0, 1200),
		totals("601000", 300, 0),
		totals("661000", 200, 0),
		totals("821000", 0, 100),
		totals("811000", 50, 0),
		totals("891000", 60, 0),
		totals("521000", 500, 0),
	})
	if !pl.Produits.Total.Equal(money.FromInt(1300)) {
		t.Fatalf("expected produits 1300 got %v", pl.Produits.Total)
	}
	if !pl.Charges.Total.Equal(money.FromInt(610)) {
		t.Fatalf("expected charges 610 got %v", pl.Charges.Total)
	}
	if !pl.NetIncome.Equal(money.FromInt(690)) {
		t.Fatalf("expected net income 690 got %v", pl.NetIncome)
	}
}

func TestBuildBalanceSheet(t *testing.T) {
	bs := BuildBalanceSheet([]accounting.AccountBalance{
		{AccountCode: "521000", SoldeDebiteur: money.FromInt(150), SoldeCrediteur: money.Zero},
		{AccountCode: "101000", SoldeDebiteur: money.Zero, SoldeCrediteur: money.FromInt(100)},
		{AccountCode: "401000", SoldeDebiteur: money.Zero, SoldeCrediteur: money.FromInt(30)},
	})
	if !bs.Actif.Total.Equal(money.FromInt(150)) {
		t.Fatalf("expected actif 150 got %v", bs.Actif.Total)
	}
	if !bs.Passif.Total.Equal(money.FromInt(130)) {
		t.Fatalf("expected passif 130 got %v", bs.Passif.Total)
	}
	if !bs.Ecart.Equal(money.FromInt(20)) {
		t.Fatalf("expected ecart 20 got %v", bs.Ecart)
	}
	if bs.Passif.Accounts[0].Code != "101000" {
		t.Fatalf("passif must be sorted by code")
	}
}

type stubReader struct {
	fy      accounting.FiscalYear
	entries []accounting.JournalEntry
}

func (s stubReader) FiscalYear(context.Context, string) (accounting.FiscalYear, error) {
	return s.fy, nil
}

func (s stubReader) QueryEntries(_ context.Context, f accounting.EntryFilter) ([]accounting.JournalEntry, error) {
	var out []accounting.JournalEntry
	for _, e := range s.entries {
		if f.Matches(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

func TestBuildClosingPack(t *testing.T) {
	fy := accounting.FiscalYear{ID: "FY2024", StartDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), EndDate: time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)}
	reader := stubReader{fy: fy, entries: []accounting.JournalEntry{
		{Date: time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), Status: accounting.StatusPosted, Lines: []accounting.JournalLine{
			{AccountCode: "521000", Debit: money.FromInt(900)},
			{AccountCode: "701000", Credit: money.FromInt(900)},
		}},
		{Date: time.Date(2024, 2, 2, 0, 0, 0, 0, time.UTC), Status: accounting.StatusDraft, Lines: []accounting.JournalLine{
			{AccountCode: "521000", Debit: money.FromInt(5)},
			{AccountCode: "701000", Credit: money.FromInt(5)},
		}},
	}}
	pack, err := BuildClosingPack(context.Background(), reader, "FY2024", time.Now())
	if err != nil {
		t.Fatalf("build pack: %v", err)
	}
	if len(pack.Entries) != 1 {
		t.Fatalf("drafts must be excluded, got %d entries", len(pack.Entries))
	}
	if !pack.ProfitAndLoss.NetIncome.Equal(money.FromInt(900)) {
		t.Fatalf("unexpected net income %v", pack.ProfitAndLoss.NetIncome)
	}
	if !pack.BalanceSheet.Ecart.Equal(pack.ProfitAndLoss.NetIncome) {
		t.Fatalf("bilan gap must equal the unclosed result")
	}
}
