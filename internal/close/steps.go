package close

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/odyssey-erp/ohada-close/internal/accounting"
	"github.com/odyssey-erp/ohada-close/internal/accounting/allocation"
	"github.com/odyssey-erp/ohada-close/internal/accounting/balances"
	"github.com/odyssey-erp/ohada-close/internal/accounting/carryforward"
	"github.com/odyssey-erp/ohada-close/internal/accounting/reports"
	"github.com/odyssey-erp/ohada-close/internal/money"
	"github.com/odyssey-erp/ohada-close/internal/shared"
)

const alreadyPosted = "déjà comptabilisé"

// Reference returns the deterministic reference of a generated entry. n <= 0 omits the suffix.
func Reference(fy accounting.FiscalYear, step StepID, n int) string {
	ref := "CLOT-" + fy.Code + "-" + strings.ToUpper(string(step))
	if n > 0 {
		ref += fmt.Sprintf("-%d", n)
	}
	return ref
}

func (o *Orchestrator) openFiscalYear(ctx context.Context, id string) (accounting.FiscalYear, error) {
	fy, err := o.deps.Ledger.FiscalYear(ctx, id)
	if err != nil {
		return accounting.FiscalYear{}, err
	}
	if fy.IsClosed {
		return accounting.FiscalYear{}, fmt.Errorf("%w: %s", accounting.ErrFiscalYearClosed, fy.Code)
	}
	return fy, nil
}

func (o *Orchestrator) referenceExists(ctx context.Context, ref string) (bool, error) {
	entries, err := o.deps.Ledger.QueryEntries(ctx, accounting.EntryFilter{Reference: ref})
	if err != nil {
		return false, err
	}
	return len(entries) > 0, nil
}

// post writes a generated entry with its CLOSING_ENTRY audit record.
func (o *Orchestrator) post(ctx context.Context, run *runState, step StepID, entry accounting.JournalEntry) (accounting.JournalEntry, error) {
	entry.Status = accounting.StatusValidated
	entry.CreatedBy = accounting.Provenance(run.rc.Mode, run.rc.UserID)
	debit, _ := entry.Totals()
	return o.deps.Guard.SafeAddEntry(ctx, entry, accounting.WithAudit(shared.AuditLog{
		Actor:    entry.CreatedBy,
		Action:   shared.AuditClosingEntry,
		Entity:   "fiscal_year",
		EntityID: entry.FiscalYearID,
		Meta: map[string]any{
			"step":         string(step),
			"sessionId":    run.session.ID,
			"fiscalYearId": entry.FiscalYearID,
			"reference":    entry.Reference,
			"amount":       debit.String(),
		},
	}))
}

func (o *Orchestrator) yearEntries(ctx context.Context, fy accounting.FiscalYear, statuses ...accounting.JournalStatus) ([]accounting.JournalEntry, error) {
	return o.deps.Ledger.QueryEntries(ctx, accounting.EntryFilter{Statuses: statuses, From: fy.StartDate, To: fy.EndDate})
}

// stepCoherence checks entry balance, hash integrity and trial balance totals.
func (o *Orchestrator) stepCoherence(ctx context.Context, run *runState) (string, error) {
	fy, err := o.openFiscalYear(ctx, run.rc.ExerciceID)
	if err != nil {
		return "", err
	}
	entries, err := o.yearEntries(ctx, fy)
	if err != nil {
		return "", err
	}
	tolerance := o.policy.ToleranceAmount()
	var (
		problems []string
		checked  []accounting.JournalEntry
		drafts   int
	)
	for _, e := range entries {
		if e.Status == accounting.StatusDraft {
			drafts++
			continue
		}
		checked = append(checked, e)
		debit, credit := e.Totals()
		if !debit.EqualWithin(credit, tolerance) {
			problems = append(problems, fmt.Sprintf("écriture %s (%s) déséquilibrée, écart détecté: %s",
				entryLabel(e), e.Date.Format("2006-01-02"), money.Format(debit.Sub(credit).Abs())))
		}
		if e.Hash != "" && !accounting.VerifyHash(e) {
			problems = append(problems, fmt.Sprintf("écriture %s: empreinte invalide", entryLabel(e)))
		}
	}
	tb := reports.BuildTrialBalance(balances.Aggregate(checked, nil))
	if !tb.TotalDebit.EqualWithin(tb.TotalCredit, tolerance) {
		problems = append(problems, fmt.Sprintf("balance déséquilibrée: débit %s, crédit %s",
			money.Format(tb.TotalDebit), money.Format(tb.TotalCredit)))
	}
	if len(problems) > 0 {
		return "", fmt.Errorf("%w: %s", ErrIncoherentLedger, strings.Join(problems, "; "))
	}
	msg := fmt.Sprintf("%d écriture(s) contrôlée(s), balance équilibrée (%s)", len(checked), money.Format(tb.TotalDebit))
	if drafts > 0 {
		msg += fmt.Sprintf(", %d brouillon(s) en attente", drafts)
	}
	return msg, nil
}

func entryLabel(e accounting.JournalEntry) string {
	if e.Reference != "" {
		return e.Reference
	}
	if e.Number > 0 {
		return fmt.Sprintf("n°%d", e.Number)
	}
	return e.ID
}

func (o *Orchestrator) stepAccruals(ctx context.Context, run *runState) (string, error) {
	return o.postAdjustments(ctx, run, StepAccruals, func(ctx context.Context, fy accounting.FiscalYear) ([]Adjustment, error) {
		if o.deps.Adjustments == nil {
			return nil, nil
		}
		return o.deps.Adjustments.Accruals(ctx, fy)
	}, "régularisation")
}

func (o *Orchestrator) stepProvisions(ctx context.Context, run *runState) (string, error) {
	return o.postAdjustments(ctx, run, StepProvisions, func(ctx context.Context, fy accounting.FiscalYear) ([]Adjustment, error) {
		if o.deps.Adjustments == nil {
			return nil, nil
		}
		return o.deps.Adjustments.Provisions(ctx, fy)
	}, "provision")
}

// postAdjustments posts one OD entry per adjustment, skipping references already present.
func (o *Orchestrator) postAdjustments(ctx context.Context, run *runState, step StepID,
	load func(context.Context, accounting.FiscalYear) ([]Adjustment, error), noun string) (string, error) {
	fy, err := o.openFiscalYear(ctx, run.rc.ExerciceID)
	if err != nil {
		return "", err
	}
	list, err := load(ctx, fy)
	if err != nil {
		return "", err
	}
	var posted, skipped int
	total := money.Zero
	for i, adj := range list {
		amount := adj.Amount.Cents()
		if !amount.IsPositive() {
			continue
		}
		ref := Reference(fy, step, i+1)
		exists, err := o.referenceExists(ctx, ref)
		if err != nil {
			return "", err
		}
		if exists {
			skipped++
			continue
		}
		date := adj.Date
		if date.IsZero() || !fy.Contains(date) {
			date = fy.EndDate
		}
		_, err = o.post(ctx, run, step, accounting.JournalEntry{
			Journal:      o.policy.Journals.Misc,
			Date:         date,
			Reference:    ref,
			Label:        adj.Label,
			FiscalYearID: fy.ID,
			Lines: []accounting.JournalLine{
				{AccountCode: adj.DebitAccount, Label: adj.Label, Debit: amount, Credit: money.Zero},
				{AccountCode: adj.CreditAccount, Label: adj.Label, Debit: money.Zero, Credit: amount},
			},
		})
		if err != nil {
			return "", fmt.Errorf("%s %q: %w", noun, adj.Label, err)
		}
		posted++
		total = total.Add(amount)
	}
	switch {
	case posted == 0 && skipped > 0:
		return alreadyPosted, nil
	case posted == 0:
		return fmt.Sprintf("aucune %s à comptabiliser", noun), nil
	case skipped > 0:
		return fmt.Sprintf("%d %s(s) comptabilisée(s) pour %s, %d %s", posted, noun, money.Format(total), skipped, alreadyPosted), nil
	default:
		return fmt.Sprintf("%d %s(s) comptabilisée(s) pour %s", posted, noun, money.Format(total)), nil
	}
}

// DepreciationCharge is the straight-line charge of an asset for a fiscal year,
// prorated by the months in service and capped at its net book value.
func DepreciationCharge(asset Asset, fy accounting.FiscalYear) money.Amount {
	if asset.UsefulLifeYears <= 0 || !asset.Cost.IsPositive() || asset.AcquiredOn.After(fy.EndDate) {
		return money.Zero
	}
	start := asset.AcquiredOn
	if start.Before(fy.StartDate) {
		start = fy.StartDate
	}
	months := monthsInclusive(start, fy.EndDate)
	if months > 12 {
		months = 12
	}
	annual, err := asset.Cost.Div(money.FromInt(int64(asset.UsefulLifeYears)))
	if err != nil {
		return money.Zero
	}
	charge, err := annual.Mul(money.FromInt(int64(months))).Div(money.FromInt(12))
	if err != nil {
		return money.Zero
	}
	remaining := asset.Cost.Sub(asset.AccumulatedDepreciation)
	return money.Max(money.Zero, money.Min(charge, remaining)).Cents()
}

func monthsInclusive(from, to time.Time) int {
	if to.Before(from) {
		return 0
	}
	return (to.Year()-from.Year())*12 + int(to.Month()-from.Month()) + 1
}

func (o *Orchestrator) stepDepreciation(ctx context.Context, run *runState) (string, error) {
	fy, err := o.openFiscalYear(ctx, run.rc.ExerciceID)
	if err != nil {
		return "", err
	}
	ref := Reference(fy, StepDepreciation, 0)
	exists, err := o.referenceExists(ctx, ref)
	if err != nil {
		return "", err
	}
	if exists {
		return alreadyPosted, nil
	}
	if o.deps.Assets == nil {
		return "aucune immobilisation à amortir", nil
	}
	assets, err := o.deps.Assets.Assets(ctx, fy)
	if err != nil {
		return "", err
	}
	label := "Dotations aux amortissements " + fy.Code
	total := money.Zero
	var credits []accounting.JournalLine
	for _, asset := range assets {
		charge := DepreciationCharge(asset, fy)
		if !charge.IsPositive() {
			continue
		}
		account := asset.DepreciationAccount
		if account == "" {
			account = "28"
		}
		credits = append(credits, accounting.JournalLine{
			AccountCode: account,
			Label:       strings.TrimSpace(asset.Code + " " + asset.Label),
			Debit:       money.Zero,
			Credit:      charge,
		})
		total = total.Add(charge)
	}
	if len(credits) == 0 {
		return "aucune dotation à comptabiliser", nil
	}
	lines := append([]accounting.JournalLine{{
		AccountCode: o.policy.Accounts.Depreciation,
		Label:       label,
		Debit:       total,
		Credit:      money.Zero,
	}}, credits...)
	if _, err := o.post(ctx, run, StepDepreciation, accounting.JournalEntry{
		Journal:      o.policy.Journals.Misc,
		Date:         fy.EndDate,
		Reference:    ref,
		Label:        label,
		FiscalYearID: fy.ID,
		Lines:        lines,
	}); err != nil {
		return "", err
	}
	return fmt.Sprintf("dotations: %s sur %d immobilisation(s)", money.Format(total), len(credits)), nil
}

// TaxComputation details the corporate tax of a fiscal year.
type TaxComputation struct {
	PreTaxResult money.Amount
	Turnover     money.Amount
	Tax          money.Amount
	Minimum      bool
}

// ComputeTax applies max(rate × result, minimum rate × turnover, floor); the minimum
// only applies to a year with turnover.
func (p Policy) ComputeTax(totals []balances.Totals) TaxComputation {
	c := TaxComputation{PreTaxResult: money.Zero, Turnover: money.Zero, Tax: money.Zero}
	for _, t := range totals {
		if !accounting.IsManagement(t.AccountCode) || strings.HasPrefix(t.AccountCode, p.Accounts.TaxExpense) {
			continue
		}
		c.PreTaxResult = c.PreTaxResult.Sub(t.Net())
		if strings.HasPrefix(t.AccountCode, p.Accounts.TurnoverPrefix) {
			c.Turnover = c.Turnover.Sub(t.Net())
		}
	}
	if c.PreTaxResult.IsPositive() {
		c.Tax = c.PreTaxResult.MulRate(p.Tax.Rate).Cents()
	}
	if c.Turnover.IsPositive() {
		minimum := money.Max(c.Turnover.MulRate(p.Tax.MinimumRate), money.FromFloat(p.Tax.MinimumFloor)).Cents()
		if minimum.GreaterThan(c.Tax) {
			c.Tax = minimum
			c.Minimum = true
		}
	}
	return c
}

func (o *Orchestrator) stepTax(ctx context.Context, run *runState) (string, error) {
	fy, err := o.openFiscalYear(ctx, run.rc.ExerciceID)
	if err != nil {
		return "", err
	}
	ref := Reference(fy, StepTax, 0)
	exists, err := o.referenceExists(ctx, ref)
	if err != nil {
		return "", err
	}
	if exists {
		return alreadyPosted, nil
	}
	totals, err := o.deps.Balances.AccountTotals(ctx, fy.ID, accounting.IsManagement)
	if err != nil {
		return "", err
	}
	c := o.policy.ComputeTax(totals)
	if !c.Tax.IsPositive() {
		return fmt.Sprintf("aucun impôt dû (résultat avant impôt %s)", money.Format(c.PreTaxResult)), nil
	}
	label := "Impôt sur le résultat " + fy.Code
	if _, err := o.post(ctx, run, StepTax, accounting.JournalEntry{
		Journal:      o.policy.Journals.Misc,
		Date:         fy.EndDate,
		Reference:    ref,
		Label:        label,
		FiscalYearID: fy.ID,
		Lines: []accounting.JournalLine{
			{AccountCode: o.policy.Accounts.TaxExpense, Label: label, Debit: c.Tax, Credit: money.Zero},
			{AccountCode: o.policy.Accounts.TaxPayable, Label: label, Debit: money.Zero, Credit: c.Tax},
		},
	}); err != nil {
		return "", err
	}
	msg := fmt.Sprintf("impôt: %s (résultat avant impôt %s)", money.Format(c.Tax), money.Format(c.PreTaxResult))
	if c.Minimum {
		msg += ", impôt minimum forfaitaire appliqué"
	}
	return msg, nil
}

// stepResult zeroes the management accounts into the profit or loss account and,
// when the run carries an allocation input, posts the affectation of the result.
func (o *Orchestrator) stepResult(ctx context.Context, run *runState) (string, error) {
	fy, err := o.openFiscalYear(ctx, run.rc.ExerciceID)
	if err != nil {
		return "", err
	}
	msg, net, err := o.closeManagementAccounts(ctx, run, fy)
	if err != nil {
		return "", err
	}
	run.session.NetResult = &net
	if run.rc.Allocation == nil {
		return msg, nil
	}
	allocated, err := o.allocateResult(ctx, run, fy, net)
	if err != nil {
		return "", err
	}
	return msg + "; " + allocated, nil
}

func (o *Orchestrator) closeManagementAccounts(ctx context.Context, run *runState, fy accounting.FiscalYear) (string, money.Amount, error) {
	ref := Reference(fy, StepResult, 0)
	exists, err := o.referenceExists(ctx, ref)
	if err != nil {
		return "", money.Zero, err
	}
	if exists {
		net, err := o.deps.Allocation.NetResult(ctx, fy.ID)
		if err != nil {
			return "", money.Zero, err
		}
		return alreadyPosted, net, nil
	}
	totals, err := o.deps.Balances.AccountTotals(ctx, fy.ID, accounting.IsManagement)
	if err != nil {
		return "", money.Zero, err
	}
	label := "Détermination du résultat " + fy.Code
	var lines []accounting.JournalLine
	net := money.Zero
	for _, t := range totals {
		n := t.Net()
		if n.IsZero() {
			continue
		}
		net = net.Sub(n)
		line := accounting.JournalLine{AccountCode: t.AccountCode, AccountName: t.AccountName, Label: label, Debit: money.Zero, Credit: money.Zero}
		if n.IsPositive() {
			line.Credit = n
		} else {
			line.Debit = n.Neg()
		}
		lines = append(lines, line)
	}
	if len(lines) == 0 {
		net, err := o.deps.Allocation.NetResult(ctx, fy.ID)
		if err != nil {
			return "", money.Zero, err
		}
		return "aucun compte de gestion à solder", net, nil
	}
	if !net.IsZero() {
		line := accounting.JournalLine{Label: label, Debit: money.Zero, Credit: money.Zero}
		if net.IsPositive() {
			line.AccountCode = o.policy.Accounts.Profit
			line.Credit = net
		} else {
			line.AccountCode = o.policy.Accounts.Loss
			line.Debit = net.Neg()
		}
		lines = append(lines, line)
	}
	if _, err := o.post(ctx, run, StepResult, accounting.JournalEntry{
		Journal:      o.policy.Journals.Closing,
		Date:         fy.EndDate,
		Reference:    ref,
		Label:        label,
		FiscalYearID: fy.ID,
		Lines:        lines,
	}); err != nil {
		return "", money.Zero, err
	}
	return describeResult(net), net, nil
}

// allocateResult posts the affectation of net at the start of the opening year, once
// per closed year. Without an explicit ventilation the legal proposal is used.
func (o *Orchestrator) allocateResult(ctx context.Context, run *runState, fy accounting.FiscalYear, net money.Amount) (string, error) {
	in := run.rc.Allocation
	if net.IsZero() {
		return "aucun résultat à affecter", nil
	}
	if run.rc.OpeningExerciceID == "" {
		return "", ErrOpeningRequired
	}
	opening, err := o.deps.Ledger.FiscalYear(ctx, run.rc.OpeningExerciceID)
	if err != nil {
		return "", err
	}
	ref := allocation.Reference(fy)
	exists, err := o.referenceExists(ctx, ref)
	if err != nil {
		return "", err
	}
	if exists {
		return "affectation " + alreadyPosted, nil
	}
	v := o.deps.Allocation.Propose(net, in.CapitalSocial, in.ReserveLegaleActuelle).Ventilation
	if in.Ventilation != nil {
		v = *in.Ventilation
	}
	out := o.deps.Allocation.GenerateEntries(ctx, allocation.Context{
		FiscalYearID:          opening.ID,
		SourceExerciceID:      fy.ID,
		Date:                  opening.StartDate,
		ResultatNet:           net,
		CapitalSocial:         in.CapitalSocial,
		ReserveLegaleActuelle: in.ReserveLegaleActuelle,
		Ventilation:           v,
		Mode:                  run.rc.Mode,
		UserID:                run.rc.UserID,
		Reference:             ref,
	})
	if !out.Success {
		return "", fmt.Errorf("%w: %s", ErrAllocationRejected, strings.Join(out.Errors, "; "))
	}
	return fmt.Sprintf("affectation %s comptabilisée: réserve légale %s, report à nouveau %s",
		ref, money.Format(v.ReserveLegale), money.Format(v.ReportANouveau)), nil
}

func describeResult(net money.Amount) string {
	switch {
	case net.IsPositive():
		return "résultat net: bénéfice de " + money.Format(net)
	case net.IsNegative():
		return "résultat net: perte de " + money.Format(net.Neg())
	default:
		return "résultat net nul"
	}
}

func (o *Orchestrator) stepLocking(ctx context.Context, run *runState) (string, error) {
	fy, err := o.openFiscalYear(ctx, run.rc.ExerciceID)
	if err != nil {
		return "", err
	}
	var locked int
	err = o.deps.Ledger.WithTx(ctx, func(ctx context.Context, tx accounting.LedgerTx) error {
		entries, err := tx.QueryEntries(ctx, accounting.EntryFilter{From: fy.StartDate, To: fy.EndDate})
		if err != nil {
			return err
		}
		var ids []string
		drafts := 0
		for _, e := range entries {
			switch e.Status {
			case accounting.StatusDraft:
				drafts++
			case accounting.StatusValidated:
				ids = append(ids, e.ID)
			}
		}
		if drafts > 0 {
			return fmt.Errorf("%w: %d brouillon(s) dans l'exercice %s", ErrDraftsRemaining, drafts, fy.Code)
		}
		if len(ids) == 0 {
			return nil
		}
		if err := tx.UpdateEntryStatus(ctx, ids, accounting.StatusPosted); err != nil {
			return err
		}
		locked = len(ids)
		return tx.AppendAudit(ctx, shared.AuditLog{
			Actor:    accounting.Provenance(run.rc.Mode, run.rc.UserID),
			Action:   shared.AuditEntriesLocked,
			Entity:   "fiscal_year",
			EntityID: fy.ID,
			At:       o.now(),
			Meta:     map[string]any{"count": locked, "sessionId": run.session.ID},
		})
	})
	if err != nil {
		return "", err
	}
	if locked == 0 {
		return "écritures déjà verrouillées", nil
	}
	return fmt.Sprintf("%d écriture(s) verrouillée(s)", locked), nil
}

func (o *Orchestrator) stepCarryForward(ctx context.Context, run *runState) (string, error) {
	if run.rc.OpeningExerciceID == "" {
		return "", ErrOpeningRequired
	}
	opening, err := o.deps.Ledger.FiscalYear(ctx, run.rc.OpeningExerciceID)
	if err != nil {
		return "", err
	}
	has, err := o.deps.CarryForward.HasCarryForward(ctx, opening.ID)
	if err != nil {
		return "", err
	}
	if has {
		if !run.rc.Regenerate {
			return "", fmt.Errorf("%w (%s)", ErrCarryForwardExists, opening.Code)
		}
		if _, err := o.deps.CarryForward.Delete(ctx, opening.ID, run.rc.UserID); err != nil {
			return "", err
		}
	}
	res := o.deps.CarryForward.Execute(ctx, carryforward.Config{
		ClosingExerciceID: run.rc.ExerciceID,
		OpeningExerciceID: opening.ID,
		OpeningDate:       opening.StartDate,
		IncludeResult:     true,
		Mode:              run.rc.Mode,
		UserID:            run.rc.UserID,
	})
	if !res.Success {
		return "", errors.New(strings.Join(res.Errors, "; "))
	}
	return fmt.Sprintf("report à nouveau: %d compte(s), total %s", res.LineCount, money.Format(res.TotalDebit)), nil
}

func (o *Orchestrator) stepArchiving(ctx context.Context, run *runState) (string, error) {
	fy, err := o.deps.Ledger.FiscalYear(ctx, run.rc.ExerciceID)
	if err != nil {
		return "", err
	}
	if fy.IsClosed {
		return "exercice déjà clôturé", nil
	}
	if o.deps.Archiver == nil {
		return "", ErrNoArchiver
	}
	pack, err := reports.BuildClosingPack(ctx, o.deps.Ledger, fy.ID, o.now())
	if err != nil {
		return "", err
	}
	files, err := o.deps.Archiver.Archive(ctx, pack, *run.session)
	if err != nil {
		return "", err
	}
	hashes := make(map[string]any, len(files))
	for _, f := range files {
		hashes[f.Name] = f.SHA256
	}
	err = o.deps.Ledger.WithTx(ctx, func(ctx context.Context, tx accounting.LedgerTx) error {
		if err := tx.AppendAudit(ctx, shared.AuditLog{
			Actor:    accounting.Provenance(run.rc.Mode, run.rc.UserID),
			Action:   shared.AuditClosureArchived,
			Entity:   "fiscal_year",
			EntityID: fy.ID,
			At:       o.now(),
			Meta:     map[string]any{"files": hashes, "sessionId": run.session.ID},
		}); err != nil {
			return err
		}
		return tx.SetFiscalYearClosed(ctx, fy.ID, true)
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%d fichier(s) archivé(s), exercice %s clôturé", len(files), fy.Code), nil
}
