package close

import (
	"context"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/odyssey-erp/ohada-close/internal/accounting"
	"github.com/odyssey-erp/ohada-close/internal/money"
)

// Adjustment is a year-end accrual or provision to post.
type Adjustment struct {
	Label         string
	DebitAccount  string
	CreditAccount string
	Amount        money.Amount
	// Date defaults to the fiscal year end when zero.
	Date time.Time
}

// Asset is a fixed asset depreciated straight-line.
type Asset struct {
	Code                    string
	Label                   string
	Cost                    money.Amount
	AcquiredOn              time.Time
	UsefulLifeYears         int
	AccumulatedDepreciation money.Amount
	// DepreciationAccount is the 28x contra account.
	DepreciationAccount string
}

// AdjustmentSource supplies accruals and provisions for a fiscal year.
type AdjustmentSource interface {
	Accruals(ctx context.Context, fy accounting.FiscalYear) ([]Adjustment, error)
	Provisions(ctx context.Context, fy accounting.FiscalYear) ([]Adjustment, error)
}

// AssetRegister supplies the depreciable assets for a fiscal year.
type AssetRegister interface {
	Assets(ctx context.Context, fy accounting.FiscalYear) ([]Asset, error)
}

// StaticInputs serves fixed adjustments and assets, keyed by fiscal year id.
// The "*" key applies to every year.
type StaticInputs struct {
	AccrualsByYear   map[string][]Adjustment
	ProvisionsByYear map[string][]Adjustment
	AssetsByYear     map[string][]Asset
}

func pick[T any](m map[string][]T, fy accounting.FiscalYear) []T {
	if v, ok := m[fy.ID]; ok {
		return v
	}
	return m["*"]
}

// Accruals implements AdjustmentSource.
func (s StaticInputs) Accruals(_ context.Context, fy accounting.FiscalYear) ([]Adjustment, error) {
	return pick(s.AccrualsByYear, fy), nil
}

// Provisions implements AdjustmentSource.
func (s StaticInputs) Provisions(_ context.Context, fy accounting.FiscalYear) ([]Adjustment, error) {
	return pick(s.ProvisionsByYear, fy), nil
}

// Assets implements AssetRegister.
func (s StaticInputs) Assets(_ context.Context, fy accounting.FiscalYear) ([]Asset, error) {
	return pick(s.AssetsByYear, fy), nil
}

type yamlAdjustment struct {
	Label  string `yaml:"label"`
	Debit  string `yaml:"debit"`
	Credit string `yaml:"credit"`
	Amount string `yaml:"amount"`
	Date   string `yaml:"date"`
}

type yamlAsset struct {
	Code        string `yaml:"code"`
	Label       string `yaml:"label"`
	Cost        string `yaml:"cost"`
	AcquiredOn  string `yaml:"acquired_on"`
	UsefulLife  int    `yaml:"useful_life_years"`
	Accumulated string `yaml:"accumulated"`
	Account     string `yaml:"account"`
}

type yamlYear struct {
	Accruals   []yamlAdjustment `yaml:"accruals"`
	Provisions []yamlAdjustment `yaml:"provisions"`
	Assets     []yamlAsset      `yaml:"assets"`
}

// LoadInputs reads closing inputs from YAML:
//
//	FY2024:
//	  accruals: [{label: Loyer décembre, debit: "622000", credit: "408000", amount: "150000"}]
//	  assets: [{code: V1, cost: "12000000", acquired_on: "2023-07-01", useful_life_years: 5, account: "2845"}]
func LoadInputs(path string) (StaticInputs, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return StaticInputs{}, fmt.Errorf("close: read inputs: %w", err)
	}
	var doc map[string]yamlYear
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return StaticInputs{}, fmt.Errorf("close: parse inputs: %w", err)
	}
	in := StaticInputs{
		AccrualsByYear:   make(map[string][]Adjustment),
		ProvisionsByYear: make(map[string][]Adjustment),
		AssetsByYear:     make(map[string][]Asset),
	}
	for year, y := range doc {
		if in.AccrualsByYear[year], err = convertAdjustments(y.Accruals); err != nil {
			return StaticInputs{}, fmt.Errorf("close: inputs %s accruals: %w", year, err)
		}
		if in.ProvisionsByYear[year], err = convertAdjustments(y.Provisions); err != nil {
			return StaticInputs{}, fmt.Errorf("close: inputs %s provisions: %w", year, err)
		}
		for _, a := range y.Assets {
			asset, err := convertAsset(a)
			if err != nil {
				return StaticInputs{}, fmt.Errorf("close: inputs %s asset %s: %w", year, a.Code, err)
			}
			in.AssetsByYear[year] = append(in.AssetsByYear[year], asset)
		}
	}
	return in, nil
}

func convertAdjustments(list []yamlAdjustment) ([]Adjustment, error) {
	out := make([]Adjustment, 0, len(list))
	for _, a := range list {
		amount, err := money.Parse(a.Amount)
		if err != nil {
			return nil, err
		}
		var date time.Time
		if a.Date != "" {
			if date, err = time.Parse("2006-01-02", a.Date); err != nil {
				return nil, err
			}
		}
		if a.Debit == "" || a.Credit == "" {
			return nil, fmt.Errorf("adjustment %q requires debit and credit accounts", a.Label)
		}
		out = append(out, Adjustment{Label: a.Label, DebitAccount: a.Debit, CreditAccount: a.Credit, Amount: amount, Date: date})
	}
	return out, nil
}

func convertAsset(a yamlAsset) (Asset, error) {
	cost, err := money.Parse(a.Cost)
	if err != nil {
		return Asset{}, err
	}
	accumulated := money.Zero
	if a.Accumulated != "" {
		if accumulated, err = money.Parse(a.Accumulated); err != nil {
			return Asset{}, err
		}
	}
	acquired, err := time.Parse("2006-01-02", a.AcquiredOn)
	if err != nil {
		return Asset{}, err
	}
	if a.UsefulLife <= 0 {
		return Asset{}, fmt.Errorf("useful_life_years must be positive")
	}
	return Asset{
		Code:                    a.Code,
		Label:                   a.Label,
		Cost:                    cost,
		AcquiredOn:              acquired,
		UsefulLifeYears:         a.UsefulLife,
		AccumulatedDepreciation: accumulated,
		DepreciationAccount:     a.Account,
	}, nil
}
