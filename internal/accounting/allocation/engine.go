// Package allocation proposes, validates and posts the ventilation of a fiscal
// year's net result (affectation du résultat).
package allocation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/odyssey-erp/ohada-close/internal/accounting"
	"github.com/odyssey-erp/ohada-close/internal/accounting/balances"
	"github.com/odyssey-erp/ohada-close/internal/money"
	"github.com/odyssey-erp/ohada-close/internal/shared"
)

// Ventilation splits a net result across its five destinations. ReportANouveau is
// negative only when a loss is carried forward.
type Ventilation struct {
	ReserveLegale        money.Amount `json:"reserveLegale"`
	ReservesStatutaires  money.Amount `json:"reservesStatutaires"`
	ReservesFacultatives money.Amount `json:"reservesFacultatives"`
	Dividendes           money.Amount `json:"dividendes"`
	ReportANouveau       money.Amount `json:"reportANouveau"`
}

// Total sums the five fields.
func (v Ventilation) Total() money.Amount {
	return money.Sum(v.ReserveLegale, v.ReservesStatutaires, v.ReservesFacultatives, v.Dividendes, v.ReportANouveau)
}

// Proposal is the output of Propose.
type Proposal struct {
	ResultatNet       money.Amount `json:"resultatNet"`
	IsBenefice        bool         `json:"isBenefice"`
	PlafondDisponible money.Amount `json:"plafondDisponible"`
	Ventilation       Ventilation  `json:"ventilation"`
}

// Accounts are the destination accounts of an allocation entry.
type Accounts struct {
	Profit               string `yaml:"profit"`
	Loss                 string `yaml:"loss"`
	ReserveLegale        string `yaml:"reserve_legale"`
	ReservesStatutaires  string `yaml:"reserves_statutaires"`
	ReservesFacultatives string `yaml:"reserves_facultatives"`
	Dividendes           string `yaml:"dividendes"`
	ReportCrediteur      string `yaml:"report_crediteur"`
	ReportDebiteur       string `yaml:"report_debiteur"`
}

// DefaultAccounts follow the SYSCOHADA chart.
var DefaultAccounts = Accounts{
	Profit:               "131",
	Loss:                 "139",
	ReserveLegale:        "111",
	ReservesStatutaires:  "112",
	ReservesFacultatives: "118",
	Dividendes:           "465",
	ReportCrediteur:      "121",
	ReportDebiteur:       "129",
}

// Rules hold the legal reserve rates and the comparison tolerance.
type Rules struct {
	LegalReserveRate float64
	LegalReserveCap  float64
	Tolerance        money.Amount
}

// DefaultRules: 10% of the result, until the reserve reaches 20% of capital.
var DefaultRules = Rules{LegalReserveRate: 0.10, LegalReserveCap: 0.20, Tolerance: money.Tolerance}

// Reference is the deterministic reference of the allocation of a year's result.
func Reference(source accounting.FiscalYear) string {
	return "AFF-" + source.Code
}

// Context carries what GenerateEntries needs to post a validated ventilation.
// FiscalYearID is the year receiving the entry; SourceExerciceID is the closed
// year whose result is allocated.
type Context struct {
	FiscalYearID          string
	SourceExerciceID      string
	Date                  time.Time
	ResultatNet           money.Amount
	CapitalSocial         money.Amount
	ReserveLegaleActuelle money.Amount
	Ventilation           Ventilation
	Mode                  accounting.Mode
	UserID                string
	Reference             string
}

// Outcome reports GenerateEntries. Errors is empty on success.
type Outcome struct {
	Success bool     `json:"success"`
	EntryID string   `json:"entryId,omitempty"`
	Errors  []string `json:"errors,omitempty"`
}

// Engine applies the allocation rules.
type Engine struct {
	ledger   accounting.Ledger
	guard    *accounting.EntryGuard
	calc     *balances.Calculator
	logger   *slog.Logger
	accounts Accounts
	rules    Rules
	now      func() time.Time
}

// NewEngine constructs an Engine with SYSCOHADA defaults.
func NewEngine(ledger accounting.Ledger, guard *accounting.EntryGuard, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		ledger:   ledger,
		guard:    guard,
		calc:     balances.NewCalculator(ledger),
		logger:   logger,
		accounts: DefaultAccounts,
		rules:    DefaultRules,
		now:      time.Now,
	}
}

// WithNow overrides the clock for deterministic tests.
func (e *Engine) WithNow(now func() time.Time) {
	if now != nil {
		e.now = now
	}
}

// WithAccounts overrides the destination accounts.
func (e *Engine) WithAccounts(accounts Accounts) {
	e.accounts = accounts
}

// WithRules overrides the legal reserve rules.
func (e *Engine) WithRules(rules Rules) {
	e.rules = rules
}

// Accounts returns the configured accounts.
func (e *Engine) Accounts() Accounts {
	return e.accounts
}

// LegalReserveHeadroom is what the legal reserve may still receive before hitting its cap.
func (e *Engine) LegalReserveHeadroom(capitalSocial, reserveLegaleActuelle money.Amount) money.Amount {
	ceiling := capitalSocial.MulRate(e.rules.LegalReserveCap).Cents()
	return money.Max(money.Zero, ceiling.Sub(reserveLegaleActuelle))
}

// Propose computes a compliant ventilation: the legal reserve takes its rate of the
// profit within the headroom and the remainder goes to report à nouveau. A loss is
// carried forward whole.
func (e *Engine) Propose(resultatNet, capitalSocial, reserveLegaleActuelle money.Amount) Proposal {
	headroom := e.LegalReserveHeadroom(capitalSocial, reserveLegaleActuelle)
	p := Proposal{
		ResultatNet:       resultatNet,
		IsBenefice:        resultatNet.IsPositive(),
		PlafondDisponible: headroom,
		Ventilation: Ventilation{
			ReserveLegale:        money.Zero,
			ReservesStatutaires:  money.Zero,
			ReservesFacultatives: money.Zero,
			Dividendes:           money.Zero,
			ReportANouveau:       money.Zero,
		},
	}
	if !p.IsBenefice {
		p.Ventilation.ReportANouveau = resultatNet
		return p
	}
	legal := money.Min(resultatNet.MulRate(e.rules.LegalReserveRate).Cents(), headroom)
	p.Ventilation.ReserveLegale = legal
	p.Ventilation.ReportANouveau = resultatNet.Sub(legal)
	return p
}

// Validate returns every rule the ventilation breaks. An empty list means valid.
func (e *Engine) Validate(resultatNet, capitalSocial, reserveLegaleActuelle money.Amount, v Ventilation) []string {
	var errs []string
	fields := []struct {
		name  string
		value money.Amount
	}{
		{"réserve légale", v.ReserveLegale},
		{"réserves statutaires", v.ReservesStatutaires},
		{"réserves facultatives", v.ReservesFacultatives},
		{"dividendes", v.Dividendes},
	}
	for _, f := range fields {
		if f.value.IsNegative() {
			errs = append(errs, fmt.Sprintf("Montant négatif interdit: %s", f.name))
		}
	}
	if v.ReportANouveau.IsNegative() && !resultatNet.IsNegative() {
		errs = append(errs, "Montant négatif interdit: report à nouveau")
	}
	if resultatNet.IsNegative() {
		others := money.Sum(v.ReserveLegale, v.ReservesStatutaires, v.ReservesFacultatives, v.Dividendes)
		if !others.IsZero() {
			errs = append(errs, "Une perte ne peut être affectée qu'au report à nouveau")
		}
	}
	total := v.Total()
	if !total.EqualWithin(resultatNet, e.rules.Tolerance) {
		errs = append(errs, fmt.Sprintf("La ventilation (%s) ne correspond pas au résultat net (%s), écart détecté: %s",
			money.Format(total), money.Format(resultatNet), money.Format(total.Sub(resultatNet).Abs())))
	}
	headroom := e.LegalReserveHeadroom(capitalSocial, reserveLegaleActuelle)
	if v.ReserveLegale.Sub(headroom).GreaterThan(e.rules.Tolerance) {
		errs = append(errs, fmt.Sprintf("La réserve légale (%s) dépasse le plafond de %.0f%% du capital (disponible: %s)",
			money.Format(v.ReserveLegale), e.rules.LegalReserveCap*100, money.Format(headroom)))
	}
	return errs
}

// NetResult returns the fiscal year result, positive for a profit. It reads the
// management accounts and, once they are closed, the profit or loss accounts.
func (e *Engine) NetResult(ctx context.Context, fiscalYearID string) (money.Amount, error) {
	totals, err := e.calc.AccountTotals(ctx, fiscalYearID, func(code string) bool {
		return accounting.IsManagement(code) || code == e.accounts.Profit || code == e.accounts.Loss
	})
	if err != nil {
		return money.Zero, err
	}
	net := money.Zero
	for _, t := range totals {
		net = net.Sub(t.Net())
	}
	return net, nil
}

// GenerateEntries validates the ventilation then posts the entry moving the result
// account into its destinations. Failures are reported in the outcome.
func (e *Engine) GenerateEntries(ctx context.Context, c Context) Outcome {
	if errs := e.Validate(c.ResultatNet, c.CapitalSocial, c.ReserveLegaleActuelle, c.Ventilation); len(errs) > 0 {
		return Outcome{Success: false, Errors: errs}
	}
	if c.ResultatNet.IsZero() {
		return Outcome{Success: false, Errors: []string{"Résultat nul: aucune affectation à comptabiliser"}}
	}
	fy, err := e.ledger.FiscalYear(ctx, c.FiscalYearID)
	if err != nil {
		return Outcome{Success: false, Errors: []string{err.Error()}}
	}
	source := fy
	if c.SourceExerciceID != "" && c.SourceExerciceID != fy.ID {
		if source, err = e.ledger.FiscalYear(ctx, c.SourceExerciceID); err != nil {
			return Outcome{Success: false, Errors: []string{err.Error()}}
		}
	}
	date := c.Date
	if date.IsZero() {
		date = fy.StartDate
	}
	reference := c.Reference
	if reference == "" {
		reference = Reference(source)
	}
	entry := accounting.JournalEntry{
		Journal:      accounting.JournalMisc,
		Date:         date,
		Reference:    reference,
		Label:        "Affectation du résultat",
		Status:       accounting.StatusValidated,
		FiscalYearID: fy.ID,
		CreatedBy:    accounting.Provenance(c.Mode, c.UserID),
		Lines:        e.lines(c.ResultatNet, c.Ventilation),
	}
	saved, err := e.guard.SafeAddEntry(ctx, entry, accounting.WithAudit(shared.AuditLog{
		Actor:    c.UserID,
		Action:   shared.AuditAffectation,
		Entity:   "fiscal_year",
		EntityID: source.ID,
		At:       e.now(),
		Meta: map[string]any{
			"fiscalYearId":         fy.ID,
			"sourceExerciceId":     source.ID,
			"reference":            reference,
			"resultatNet":          c.ResultatNet.String(),
			"reserveLegale":        c.Ventilation.ReserveLegale.String(),
			"reservesStatutaires":  c.Ventilation.ReservesStatutaires.String(),
			"reservesFacultatives": c.Ventilation.ReservesFacultatives.String(),
			"dividendes":           c.Ventilation.Dividendes.String(),
			"reportANouveau":       c.Ventilation.ReportANouveau.String(),
		},
	}))
	if err != nil {
		e.logger.Warn("allocation rejected", slog.String("fiscal_year", fy.ID), slog.Any("error", err))
		return Outcome{Success: false, Errors: []string{err.Error()}}
	}
	e.logger.Info("allocation posted", slog.String("fiscal_year", fy.ID), slog.String("entry", saved.ID), slog.String("result", c.ResultatNet.String()))
	return Outcome{Success: true, EntryID: saved.ID}
}

func (e *Engine) lines(result money.Amount, v Ventilation) []accounting.JournalLine {
	label := "Affectation du résultat"
	if result.IsNegative() {
		loss := result.Neg()
		return []accounting.JournalLine{
			{AccountCode: e.accounts.ReportDebiteur, Label: label, Debit: loss, Credit: money.Zero},
			{AccountCode: e.accounts.Loss, Label: label, Debit: money.Zero, Credit: loss},
		}
	}
	lines := []accounting.JournalLine{
		{AccountCode: e.accounts.Profit, Label: label, Debit: result, Credit: money.Zero},
	}
	credits := []struct {
		account string
		amount  money.Amount
	}{
		{e.accounts.ReserveLegale, v.ReserveLegale},
		{e.accounts.ReservesStatutaires, v.ReservesStatutaires},
		{e.accounts.ReservesFacultatives, v.ReservesFacultatives},
		{e.accounts.Dividendes, v.Dividendes},
		{e.accounts.ReportCrediteur, v.ReportANouveau},
	}
	for _, c := range credits {
		if c.amount.IsPositive() {
			lines = append(lines, accounting.JournalLine{AccountCode: c.account, Label: label, Debit: money.Zero, Credit: c.amount})
		}
	}
	return lines
}
