package accounting_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/ohada-close/internal/accounting"
	"github.com/odyssey-erp/ohada-close/internal/accounting/memstore"
	"github.com/odyssey-erp/ohada-close/internal/money"
	"github.com/odyssey-erp/ohada-close/internal/shared"
)

var fixedNow = time.Date(2025, 1, 2, 9, 0, 0, 0, time.UTC)

func newGuard(t *testing.T) (*accounting.EntryGuard, *memstore.Store) {
	t.Helper()
	store := memstore.New()
	store.AddFiscalYear(accounting.FiscalYear{
		ID: "FY2024", Code: "2024",
		StartDate: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2024, 12, 31, 0, 0, 0, 0, time.UTC),
	})
	store.AddFiscalYear(accounting.FiscalYear{
		ID: "FY2023", Code: "2023", IsClosed: true,
		StartDate: time.Date(2023, 1, 1, 0, 0, 0, 0, time.UTC),
		EndDate:   time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC),
	})
	guard := accounting.NewEntryGuard(store, nil)
	guard.WithNow(func() time.Time { return fixedNow })
	return guard, store
}

func entry(date time.Time, debit, credit string) accounting.JournalEntry {
	return accounting.JournalEntry{
		Journal:   accounting.JournalMisc,
		Date:      date,
		Reference: "OD-1",
		Label:     "test",
		Lines: []accounting.JournalLine{
			{AccountCode: "601000", Debit: money.MustParse(debit)},
			{AccountCode: "401000", Credit: money.MustParse(credit)},
		},
	}
}

func TestSafeAddEntryWritesBalancedEntry(t *testing.T) {
	guard, store := newGuard(t)
	ctx := context.Background()

	saved, err := guard.SafeAddEntry(ctx, entry(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), "1000", "1000"))
	require.NoError(t, err)
	assert.NotEmpty(t, saved.ID)
	assert.Equal(t, int64(1), saved.Number)
	assert.Equal(t, "FY2024", saved.FiscalYearID)
	assert.Equal(t, accounting.StatusValidated, saved.Status)
	assert.True(t, saved.TotalDebit.Equal(money.FromInt(1000)))
	assert.True(t, accounting.VerifyHash(saved))
	assert.Equal(t, fixedNow, saved.CreatedAt)
	for _, line := range saved.Lines {
		assert.Equal(t, saved.ID, line.EntryID)
		assert.NotEmpty(t, line.ID)
	}

	count, err := store.CountByCollection(ctx, accounting.CollectionEntries)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSafeAddEntryRejectsUnbalanced(t *testing.T) {
	guard, store := newGuard(t)
	ctx := context.Background()

	_, err := guard.SafeAddEntry(ctx, entry(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), "1000", "999"))
	require.ErrorIs(t, err, accounting.ErrUnbalanced)
	var unbalanced *accounting.UnbalancedEntryError
	require.True(t, errors.As(err, &unbalanced))
	assert.True(t, unbalanced.Gap().Equal(money.FromInt(1)))
	assert.Contains(t, err.Error(), "écart détecté")

	count, err := store.CountByCollection(ctx, accounting.CollectionEntries)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func TestSafeAddEntryToleratesCentRounding(t *testing.T) {
	guard, _ := newGuard(t)
	_, err := guard.SafeAddEntry(context.Background(), entry(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), "100.004", "100.00"))
	require.NoError(t, err)
}

func TestSafeAddEntryRejectsMalformedLines(t *testing.T) {
	guard, _ := newGuard(t)
	ctx := context.Background()
	date := time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

	single := entry(date, "10", "10")
	single.Lines = single.Lines[:1]
	_, err := guard.SafeAddEntry(ctx, single)
	require.ErrorIs(t, err, accounting.ErrTooFewLines)

	twoSided := entry(date, "10", "10")
	twoSided.Lines[0].Credit = money.FromInt(5)
	_, err = guard.SafeAddEntry(ctx, twoSided)
	require.ErrorIs(t, err, accounting.ErrInvalidLine)

	noAccount := entry(date, "10", "10")
	noAccount.Lines[1].AccountCode = " "
	_, err = guard.SafeAddEntry(ctx, noAccount)
	require.ErrorIs(t, err, accounting.ErrInvalidLine)
}

func TestSafeAddEntryRejectsDuplicate(t *testing.T) {
	guard, store := newGuard(t)
	ctx := context.Background()
	e := entry(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), "1000", "1000")

	_, err := guard.SafeAddEntry(ctx, e)
	require.NoError(t, err)
	_, err = guard.SafeAddEntry(ctx, e)
	require.ErrorIs(t, err, accounting.ErrDuplicateEntry)

	count, err := store.CountByCollection(ctx, accounting.CollectionEntries)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestSafeAddEntryRejectsClosedFiscalYear(t *testing.T) {
	guard, _ := newGuard(t)
	_, err := guard.SafeAddEntry(context.Background(), entry(time.Date(2023, 12, 31, 0, 0, 0, 0, time.UTC), "1000", "1000"))
	if !errors.Is(err, accounting.ErrFiscalYearClosed) {
		t.Fatalf("expected ErrFiscalYearClosed, got %v", err)
	}
}

func TestSafeAddEntryDoesNotMutateCallerLines(t *testing.T) {
	guard, _ := newGuard(t)
	e := entry(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), "1000.004", "1000")
	_, err := guard.SafeAddEntry(context.Background(), e)
	require.NoError(t, err)
	assert.Empty(t, e.Lines[0].EntryID)
	assert.Equal(t, "1000.004", e.Lines[0].Debit.Decimal().String())
}

func TestSafeAddEntryWritesAuditInSameTransaction(t *testing.T) {
	guard, store := newGuard(t)
	ctx := context.Background()

	saved, err := guard.SafeAddEntry(ctx, entry(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), "1000", "1000"),
		accounting.WithAudit(shared.AuditLog{Actor: "u1", Action: shared.AuditClosingEntry}))
	require.NoError(t, err)
	trail, err := store.AuditTrail(ctx, "journal_entry", saved.ID)
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, shared.AuditClosingEntry, trail[0].Action)
	assert.Equal(t, fixedNow, trail[0].At)

	store.FailOn(memstore.OpAppendAudit, errors.New("audit down"))
	other := entry(time.Date(2024, 7, 1, 0, 0, 0, 0, time.UTC), "50", "50")
	_, err = guard.SafeAddEntry(ctx, other, accounting.WithAudit(shared.AuditLog{Action: shared.AuditClosingEntry}))
	require.Error(t, err)

	count, err := store.CountByCollection(ctx, accounting.CollectionEntries)
	require.NoError(t, err)
	assert.Equal(t, 1, count, "entry must roll back with its audit record")
}

func TestSafeAddEntryKeepsEntryIDForFiscalYearAudit(t *testing.T) {
	guard, store := newGuard(t)
	ctx := context.Background()

	meta := map[string]any{"step": "result"}
	saved, err := guard.SafeAddEntry(ctx, entry(time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC), "1000", "1000"),
		accounting.WithAudit(shared.AuditLog{Action: shared.AuditClosingEntry, Entity: "fiscal_year", EntityID: "FY2024", Meta: meta}))
	require.NoError(t, err)

	trail, err := store.AuditTrail(ctx, "fiscal_year", "FY2024")
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, saved.ID, trail[0].Meta["entryId"])
	assert.Equal(t, "result", trail[0].Meta["step"])
	assert.NotContains(t, meta, "entryId", "caller meta must not be mutated")
}
