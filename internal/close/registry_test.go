package close_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/ohada-close/internal/accounting"
	"github.com/odyssey-erp/ohada-close/internal/accounting/memstore"
	"github.com/odyssey-erp/ohada-close/internal/close"
)

func TestRegistryResumesStoredSession(t *testing.T) {
	store := memstore.New()
	store.AddFiscalYear(accounting.FiscalYear{ID: "FY2024", Code: "2024", StartDate: day(2024, 1, 1), EndDate: day(2024, 12, 31)})
	store.Seed(pair(day(2024, 3, 1), "521000", "101000", 1000))
	sessions := close.NewMemorySessionStore()
	ctx := context.Background()

	first := close.NewRegistry(close.Deps{Ledger: store, Sessions: sessions}, close.Options{})
	orch, err := first.For(ctx, "FY2024")
	require.NoError(t, err)
	step := orch.ExecuteStep(ctx, close.StepCoherence, runContext())
	require.Equal(t, close.StepDone, step.Status, step.Message)

	again, err := first.For(ctx, "FY2024")
	require.NoError(t, err)
	assert.Same(t, orch, again)
	assert.Equal(t, close.DefaultPolicy(), first.Policy())

	second := close.NewRegistry(close.Deps{Ledger: store, Sessions: sessions}, close.Options{})
	resumed, err := second.For(ctx, "FY2024")
	require.NoError(t, err)
	assert.Equal(t, orch.Session().ID, resumed.Session().ID)
	assert.Equal(t, close.StepDone, stepOf(t, resumed.Session(), close.StepCoherence).Status)

	store.AddFiscalYear(accounting.FiscalYear{ID: "FY2025", Code: "2025", StartDate: day(2025, 1, 1), EndDate: day(2025, 12, 31)})
	fresh, err := second.For(ctx, "FY2025")
	require.NoError(t, err)
	assert.Empty(t, fresh.Session().FiscalYearID)
}

func TestRegistryRejectsUnknownFiscalYear(t *testing.T) {
	store := memstore.New()
	store.AddFiscalYear(accounting.FiscalYear{ID: "FY2024", Code: "2024", StartDate: day(2024, 1, 1), EndDate: day(2024, 12, 31)})
	registry := close.NewRegistry(close.Deps{Ledger: store}, close.Options{})
	ctx := context.Background()

	for _, id := range []string{"FY2030", "junk", ""} {
		_, err := registry.For(ctx, id)
		assert.ErrorIs(t, err, accounting.ErrUnknownFiscalYear, id)
	}

	store.AddFiscalYear(accounting.FiscalYear{ID: "FY2030", Code: "2030", StartDate: day(2030, 1, 1), EndDate: day(2030, 12, 31)})
	orch, err := registry.For(ctx, "FY2030")
	require.NoError(t, err)
	again, err := registry.For(ctx, "FY2030")
	require.NoError(t, err)
	assert.Same(t, orch, again)
}
