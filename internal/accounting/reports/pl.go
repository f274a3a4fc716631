package reports

import (
	"sort"
	"strings"

	"github.com/odyssey-erp/ohada-close/internal/accounting"
	"github.com/odyssey-erp/ohada-close/internal/accounting/balances"
	"github.com/odyssey-erp/ohada-close/internal/money"
)

// ProfitAndLossAccount represents a revenue or expense account summary.
type ProfitAndLossAccount struct {
	Code   string
	Name   string
	Amount money.Amount
}

// ProfitAndLossSection groups accounts by nature.
type ProfitAndLossSection struct {
	Label    string
	Accounts []ProfitAndLossAccount
	Total    money.Amount
}

// ProfitAndLoss is the compte de résultat: charges and produits of classes 6 to 8.
type ProfitAndLoss struct {
	Produits  ProfitAndLossSection
	Charges   ProfitAndLossSection
	NetIncome money.Amount
}

// BuildProfitAndLoss sorts management accounts into produits (creditor) and charges (debtor).
func BuildProfitAndLoss(totals []balances.Totals) ProfitAndLoss {
	produits := ProfitAndLossSection{Label: "Produits", Total: money.Zero}
	charges := ProfitAndLossSection{Label: "Charges", Total: money.Zero}

	for _, t := range totals {
		if !accounting.IsManagement(t.AccountCode) {
			continue
		}
		net := t.Net()
		if net.IsZero() {
			continue
		}
		// Class 7 and the 8x produits accounts (even second digit) are revenue.
		if isProduit(t.AccountCode) {
			produits.Accounts = append(produits.Accounts, ProfitAndLossAccount{Code: t.AccountCode, Name: t.AccountName, Amount: net.Neg()})
			produits.Total = produits.Total.Sub(net)
			continue
		}
		charges.Accounts = append(charges.Accounts, ProfitAndLossAccount{Code: t.AccountCode, Name: t.AccountName, Amount: net})
		charges.Total = charges.Total.Add(net)
	}

	sort.Slice(produits.Accounts, func(i, j int) bool { return produits.Accounts[i].Code < produits.Accounts[j].Code })
	sort.Slice(charges.Accounts, func(i, j int) bool { return charges.Accounts[i].Code < charges.Accounts[j].Code })

	return ProfitAndLoss{
		Produits:  produits,
		Charges:   charges,
		NetIncome: produits.Total.Sub(charges.Total),
	}
}

func isProduit(code string) bool {
	code = strings.TrimSpace(code)
	switch accounting.AccountClass(code) {
	case 7:
		return true
	case 8:
		return len(code) > 1 && (code[1]-'0')%2 == 0
	}
	return false
}
