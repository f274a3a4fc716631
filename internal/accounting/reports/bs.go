package reports

import (
	"sort"

	"github.com/odyssey-erp/ohada-close/internal/accounting"
	"github.com/odyssey-erp/ohada-close/internal/money"
)

// BalanceSheetAccount summarises an account on one side of the bilan.
type BalanceSheetAccount struct {
	Code    string
	Name    string
	Balance money.Amount
}

// BalanceSheetSection contains the accounts and totals for a classification.
type BalanceSheetSection struct {
	Label    string
	Accounts []BalanceSheetAccount
	Total    money.Amount
}

// BalanceSheet is the bilan built from closing balances.
type BalanceSheet struct {
	Actif  BalanceSheetSection
	Passif BalanceSheetSection
	// Ecart is Actif minus Passif; it equals the unclosed result before the result step.
	Ecart money.Amount
}

// BuildBalanceSheet places debtor balances in actif and creditor balances in passif.
func BuildBalanceSheet(list []accounting.AccountBalance) BalanceSheet {
	actif := BalanceSheetSection{Label: "Actif", Total: money.Zero}
	passif := BalanceSheetSection{Label: "Passif", Total: money.Zero}

	for _, b := range list {
		if b.IsDebtor() {
			actif.Accounts = append(actif.Accounts, BalanceSheetAccount{Code: b.AccountCode, Name: b.AccountName, Balance: b.SoldeDebiteur})
			actif.Total = actif.Total.Add(b.SoldeDebiteur)
			continue
		}
		passif.Accounts = append(passif.Accounts, BalanceSheetAccount{Code: b.AccountCode, Name: b.AccountName, Balance: b.SoldeCrediteur})
		passif.Total = passif.Total.Add(b.SoldeCrediteur)
	}

	sort.Slice(actif.Accounts, func(i, j int) bool { return actif.Accounts[i].Code < actif.Accounts[j].Code })
	sort.Slice(passif.Accounts, func(i, j int) bool { return passif.Accounts[i].Code < passif.Accounts[j].Code })

	return BalanceSheet{
		Actif:  actif,
		Passif: passif,
		Ecart:  actif.Total.Sub(passif.Total),
	}
}
