package close

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/odyssey-erp/ohada-close/internal/accounting"
	"github.com/odyssey-erp/ohada-close/internal/accounting/allocation"
	"github.com/odyssey-erp/ohada-close/internal/accounting/carryforward"
	"github.com/odyssey-erp/ohada-close/internal/money"
)

// AccountPlan maps closing roles to SYSCOHADA accounts.
type AccountPlan struct {
	Profit               string `yaml:"profit"`
	Loss                 string `yaml:"loss"`
	TaxExpense           string `yaml:"tax_expense"`
	TaxPayable           string `yaml:"tax_payable"`
	ReserveLegale        string `yaml:"reserve_legale"`
	ReservesStatutaires  string `yaml:"reserves_statutaires"`
	ReservesFacultatives string `yaml:"reserves_facultatives"`
	Dividendes           string `yaml:"dividendes"`
	ReportCrediteur      string `yaml:"report_crediteur"`
	ReportDebiteur       string `yaml:"report_debiteur"`
	Depreciation         string `yaml:"depreciation_expense"`
	Provisions           string `yaml:"provision_expense"`
	TurnoverPrefix       string `yaml:"turnover_prefix"`
}

// TaxPolicy holds the corporate tax rate and the minimum tax (IMF).
type TaxPolicy struct {
	Rate         float64 `yaml:"rate"`
	MinimumRate  float64 `yaml:"minimum_rate"`
	MinimumFloor float64 `yaml:"minimum_floor"`
}

// LegalReservePolicy holds the legal reserve allocation rule.
type LegalReservePolicy struct {
	Rate float64 `yaml:"rate"`
	Cap  float64 `yaml:"cap"`
}

// JournalPlan names the journals used by generated entries.
type JournalPlan struct {
	Misc    string `yaml:"misc"`
	Closing string `yaml:"closing"`
}

// Policy is the closing configuration, loaded from YAML over DefaultPolicy.
type Policy struct {
	Tolerance     float64            `yaml:"tolerance"`
	Journals      JournalPlan        `yaml:"journals"`
	Accounts      AccountPlan        `yaml:"accounts"`
	Tax           TaxPolicy          `yaml:"tax"`
	LegalReserve  LegalReservePolicy `yaml:"legal_reserve"`
	RetryAttempts int                `yaml:"retry_attempts"`
	ArchiveDir    string             `yaml:"archive_dir"`
}

// DefaultPolicy returns the SYSCOHADA defaults.
func DefaultPolicy() Policy {
	return Policy{
		Tolerance: 0.01,
		Journals: JournalPlan{
			Misc:    accounting.JournalMisc,
			Closing: accounting.JournalClosing,
		},
		Accounts: AccountPlan{
			Profit:               "131",
			Loss:                 "139",
			TaxExpense:           "891",
			TaxPayable:           "441",
			ReserveLegale:        "111",
			ReservesStatutaires:  "112",
			ReservesFacultatives: "118",
			Dividendes:           "465",
			ReportCrediteur:      "121",
			ReportDebiteur:       "129",
			Depreciation:         "6813",
			Provisions:           "6911",
			TurnoverPrefix:       "70",
		},
		Tax:           TaxPolicy{Rate: 0.25, MinimumRate: 0.01, MinimumFloor: 0},
		LegalReserve:  LegalReservePolicy{Rate: 0.10, Cap: 0.20},
		RetryAttempts: 1,
		ArchiveDir:    "./archives",
	}
}

// LoadPolicy overlays the YAML file at path on DefaultPolicy. An empty path returns the defaults.
func LoadPolicy(path string) (Policy, error) {
	policy := DefaultPolicy()
	if path == "" {
		return policy, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Policy{}, fmt.Errorf("close: read policy: %w", err)
	}
	if err := yaml.Unmarshal(raw, &policy); err != nil {
		return Policy{}, fmt.Errorf("close: parse policy: %w", err)
	}
	if err := policy.Validate(); err != nil {
		return Policy{}, err
	}
	return policy, nil
}

// Validate checks rates and required accounts.
func (p Policy) Validate() error {
	var errs []error
	if p.Tolerance < 0 || p.Tolerance > 1 {
		errs = append(errs, fmt.Errorf("tolerance %.4f out of range", p.Tolerance))
	}
	for name, rate := range map[string]float64{
		"tax.rate":           p.Tax.Rate,
		"tax.minimum_rate":   p.Tax.MinimumRate,
		"legal_reserve.rate": p.LegalReserve.Rate,
		"legal_reserve.cap":  p.LegalReserve.Cap,
	} {
		if rate < 0 || rate > 1 {
			errs = append(errs, fmt.Errorf("%s %.4f must be within [0,1]", name, rate))
		}
	}
	if p.Tax.MinimumFloor < 0 {
		errs = append(errs, errors.New("tax.minimum_floor must not be negative"))
	}
	if p.RetryAttempts < 0 {
		errs = append(errs, errors.New("retry_attempts must not be negative"))
	}
	a := p.Accounts
	for name, code := range map[string]string{
		"profit": a.Profit, "loss": a.Loss, "tax_expense": a.TaxExpense, "tax_payable": a.TaxPayable,
		"reserve_legale": a.ReserveLegale, "reserves_statutaires": a.ReservesStatutaires,
		"reserves_facultatives": a.ReservesFacultatives, "dividendes": a.Dividendes,
		"report_crediteur": a.ReportCrediteur, "report_debiteur": a.ReportDebiteur,
		"depreciation_expense": a.Depreciation, "provision_expense": a.Provisions,
		"turnover_prefix": a.TurnoverPrefix,
	} {
		if accounting.AccountClass(code) == 0 {
			errs = append(errs, fmt.Errorf("accounts.%s %q is not a SYSCOHADA account", name, code))
		}
	}
	if p.Journals.Misc == "" || p.Journals.Closing == "" {
		errs = append(errs, errors.New("journals.misc and journals.closing must be set"))
	}
	if len(errs) > 0 {
		return fmt.Errorf("close: invalid policy: %w", errors.Join(errs...))
	}
	return nil
}

// ToleranceAmount returns the tolerance as money.
func (p Policy) ToleranceAmount() money.Amount {
	return money.FromFloat(p.Tolerance)
}

// AllocationAccounts maps the plan onto the allocation engine.
func (p Policy) AllocationAccounts() allocation.Accounts {
	return allocation.Accounts{
		Profit:               p.Accounts.Profit,
		Loss:                 p.Accounts.Loss,
		ReserveLegale:        p.Accounts.ReserveLegale,
		ReservesStatutaires:  p.Accounts.ReservesStatutaires,
		ReservesFacultatives: p.Accounts.ReservesFacultatives,
		Dividendes:           p.Accounts.Dividendes,
		ReportCrediteur:      p.Accounts.ReportCrediteur,
		ReportDebiteur:       p.Accounts.ReportDebiteur,
	}
}

// AllocationRules maps the legal reserve rule onto the allocation engine.
func (p Policy) AllocationRules() allocation.Rules {
	return allocation.Rules{
		LegalReserveRate: p.LegalReserve.Rate,
		LegalReserveCap:  p.LegalReserve.Cap,
		Tolerance:        p.ToleranceAmount(),
	}
}

// CarryForwardAccounts maps the result accounts onto the carry-forward service.
func (p Policy) CarryForwardAccounts() carryforward.Accounts {
	return carryforward.Accounts{Profit: p.Accounts.Profit, Loss: p.Accounts.Loss}
}
