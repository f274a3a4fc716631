package allocation_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/ohada-close/internal/accounting"
	"github.com/odyssey-erp/ohada-close/internal/accounting/allocation"
	"github.com/odyssey-erp/ohada-close/internal/accounting/memstore"
	"github.com/odyssey-erp/ohada-close/internal/money"
	"github.com/odyssey-erp/ohada-close/internal/shared"
)

func newEngine() (*allocation.Engine, *memstore.Store) {
	store := memstore.New()
	store.AddFiscalYear(accounting.FiscalYear{ID: "FY2024", Code: "2024",
		StartDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), EndDate: time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC)})
	store.AddFiscalYear(accounting.FiscalYear{ID: "FY2025", Code: "2025",
		StartDate: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC), EndDate: time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)})
	return allocation.NewEngine(store, accounting.NewEntryGuard(store, nil), nil), store
}

func TestProposeVentilationLaw(t *testing.T) {
	engine, _ := newEngine()
	cases := []struct {
		name                    string
		result, capital, actual string
		wantLegal               string
	}{
		{"ten percent", "1000000", "10000000", "0", "100000"},
		{"capped by headroom", "1000000", "1000000", "150000", "50000"},
		{"cap reached", "1000000", "1000000", "200000", "0"},
		{"above cap", "1000000", "1000000", "250000", "0"},
		{"odd cents", "333.33", "100000", "0", "33.33"},
		{"loss", "-50000", "1000000", "0", "0"},
		{"zero", "0", "1000000", "0", "0"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r, c, a := money.MustParse(tc.result), money.MustParse(tc.capital), money.MustParse(tc.actual)
			p := engine.Propose(r, c, a)
			assert.True(t, p.Ventilation.Total().EqualWithin(r, money.Tolerance), "sum %s != %s", p.Ventilation.Total(), r)
			assert.True(t, p.Ventilation.ReserveLegale.Equal(money.MustParse(tc.wantLegal)), "legal %s", p.Ventilation.ReserveLegale)
			assert.False(t, p.Ventilation.ReserveLegale.GreaterThan(engine.LegalReserveHeadroom(c, a)))
			assert.Empty(t, engine.Validate(r, c, a, p.Ventilation))
			assert.Equal(t, r.IsPositive(), p.IsBenefice)
		})
	}
}

func TestValidateReportsEveryViolation(t *testing.T) {
	engine, _ := newEngine()
	result := money.FromInt(1000000)
	v := allocation.Ventilation{
		ReserveLegale:        money.FromInt(300000),
		ReservesStatutaires:  money.FromInt(-10),
		ReservesFacultatives: money.Zero,
		Dividendes:           money.FromInt(100000),
		ReportANouveau:       money.FromInt(100000),
	}
	errs := engine.Validate(result, money.FromInt(1000000), money.Zero, v)
	require.Len(t, errs, 3)
	assert.Contains(t, errs[0], "négatif")
	assert.Contains(t, errs[1], "écart détecté")
	assert.Contains(t, errs[2], "plafond")
}

func TestValidateToleratesResidue(t *testing.T) {
	engine, _ := newEngine()
	v := allocation.Ventilation{
		ReserveLegale:        money.MustParse("33.33"),
		ReservesStatutaires:  money.Zero,
		ReservesFacultatives: money.Zero,
		Dividendes:           money.MustParse("150.00"),
		ReportANouveau:       money.MustParse("150.01"),
	}
	assert.Empty(t, engine.Validate(money.MustParse("333.33"), money.FromInt(100000), money.Zero, v))
}

func TestGenerateEntriesProfit(t *testing.T) {
	engine, store := newEngine()
	ctx := context.Background()
	result := money.FromInt(1000000)
	v := allocation.Ventilation{
		ReserveLegale:        money.FromInt(100000),
		ReservesStatutaires:  money.FromInt(50000),
		ReservesFacultatives: money.Zero,
		Dividendes:           money.FromInt(400000),
		ReportANouveau:       money.FromInt(450000),
	}
	out := engine.GenerateEntries(ctx, allocation.Context{
		FiscalYearID:  "FY2025",
		ResultatNet:   result,
		CapitalSocial: money.FromInt(10000000),
		Ventilation:   v,
		UserID:        "u1",
		Mode:          accounting.ModeProph3t,
	})
	require.True(t, out.Success, "errors: %v", out.Errors)

	entries, err := store.QueryEntries(ctx, accounting.EntryFilter{Reference: "AFF-2025"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, "proph3t:u1", e.CreatedBy)
	require.Len(t, e.Lines, 5, "zero destinations are skipped")
	assert.Equal(t, "131", e.Lines[0].AccountCode)
	assert.True(t, e.Lines[0].Debit.Equal(result))
	assert.Equal(t, []string{"111", "112", "465", "121"}, []string{e.Lines[1].AccountCode, e.Lines[2].AccountCode, e.Lines[3].AccountCode, e.Lines[4].AccountCode})
	assert.Contains(t, store.AuditActions(), shared.AuditAffectation)
}

func TestGenerateEntriesLoss(t *testing.T) {
	engine, store := newEngine()
	ctx := context.Background()
	loss := money.FromInt(-75000)
	p := engine.Propose(loss, money.FromInt(1000000), money.Zero)

	out := engine.GenerateEntries(ctx, allocation.Context{FiscalYearID: "FY2025", ResultatNet: loss, CapitalSocial: money.FromInt(1000000), Ventilation: p.Ventilation})
	require.True(t, out.Success, "errors: %v", out.Errors)

	entries, err := store.QueryEntries(ctx, accounting.EntryFilter{AccountPrefix: "139"})
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "129", entries[0].Lines[0].AccountCode)
	assert.True(t, entries[0].Lines[0].Debit.Equal(money.FromInt(75000)))
}

func TestGenerateEntriesRejectsInvalidVentilation(t *testing.T) {
	engine, store := newEngine()
	out := engine.GenerateEntries(context.Background(), allocation.Context{
		FiscalYearID: "FY2025",
		ResultatNet:  money.FromInt(1000),
		Ventilation:  allocation.Ventilation{ReportANouveau: money.FromInt(10)},
	})
	assert.False(t, out.Success)
	assert.NotEmpty(t, out.Errors)
	count, err := store.CountByCollection(context.Background(), accounting.CollectionEntries)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestNetResult(t *testing.T) {
	engine, store := newEngine()
	store.Seed(
		accounting.JournalEntry{Journal: "VT", Date: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), Lines: []accounting.JournalLine{
			{AccountCode: "411000", Debit: money.FromInt(500000)},
			{AccountCode: "701000", Credit: money.FromInt(500000)},
		}},
		accounting.JournalEntry{Journal: "AC", Date: time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), Lines: []accounting.JournalLine{
			{AccountCode: "601000", Debit: money.FromInt(200000)},
			{AccountCode: "401000", Credit: money.FromInt(200000)},
		}},
	)
	net, err := engine.NetResult(context.Background(), "FY2024")
	require.NoError(t, err)
	assert.True(t, net.Equal(money.FromInt(300000)), "net %s", net)
}
