package reports

import (
	"sort"
	"strconv"

	"github.com/odyssey-erp/ohada-close/internal/accounting"
	"github.com/odyssey-erp/ohada-close/internal/accounting/balances"
	"github.com/odyssey-erp/ohada-close/internal/money"
)

// TrialBalanceAccount represents a row inside a trial balance group.
type TrialBalanceAccount struct {
	Code           string
	Name           string
	Debit          money.Amount
	Credit         money.Amount
	SoldeDebiteur  money.Amount
	SoldeCrediteur money.Amount
}

// TrialBalanceGroup aggregates the accounts of one SYSCOHADA class.
type TrialBalanceGroup struct {
	Class          int
	Key            string
	Accounts       []TrialBalanceAccount
	Debit          money.Amount
	Credit         money.Amount
	SoldeDebiteur  money.Amount
	SoldeCrediteur money.Amount
}

// TrialBalance is the balance générale rendered in the closing archive.
type TrialBalance struct {
	Groups              []TrialBalanceGroup
	TotalDebit          money.Amount
	TotalCredit         money.Amount
	TotalSoldeDebiteur  money.Amount
	TotalSoldeCrediteur money.Amount
}

// IsBalanced reports whether both movement and balance totals agree.
func (tb TrialBalance) IsBalanced() bool {
	return tb.TotalDebit.Equal(tb.TotalCredit) && tb.TotalSoldeDebiteur.Equal(tb.TotalSoldeCrediteur)
}

// BuildTrialBalance groups account movements by class.
func BuildTrialBalance(totals []balances.Totals) TrialBalance {
	groups := make(map[int]*TrialBalanceGroup)
	keys := make([]int, 0)
	for _, t := range totals {
		class := accounting.AccountClass(t.AccountCode)
		grp, ok := groups[class]
		if !ok {
			grp = &TrialBalanceGroup{
				Class:          class,
				Key:            "Classe " + strconv.Itoa(class),
				Debit:          money.Zero,
				Credit:         money.Zero,
				SoldeDebiteur:  money.Zero,
				SoldeCrediteur: money.Zero,
			}
			groups[class] = grp
			keys = append(keys, class)
		}
		row := TrialBalanceAccount{
			Code:           t.AccountCode,
			Name:           t.AccountName,
			Debit:          t.Debit,
			Credit:         t.Credit,
			SoldeDebiteur:  money.Zero,
			SoldeCrediteur: money.Zero,
		}
		if b, ok := t.Balance(); ok {
			row.SoldeDebiteur = b.SoldeDebiteur
			row.SoldeCrediteur = b.SoldeCrediteur
		}
		grp.Accounts = append(grp.Accounts, row)
		grp.Debit = grp.Debit.Add(row.Debit)
		grp.Credit = grp.Credit.Add(row.Credit)
		grp.SoldeDebiteur = grp.SoldeDebiteur.Add(row.SoldeDebiteur)
		grp.SoldeCrediteur = grp.SoldeCrediteur.Add(row.SoldeCrediteur)
	}

	sort.Ints(keys)
	result := TrialBalance{
		TotalDebit:          money.Zero,
		TotalCredit:         money.Zero,
		TotalSoldeDebiteur:  money.Zero,
		TotalSoldeCrediteur: money.Zero,
	}
	for _, key := range keys {
		grp := groups[key]
		sort.Slice(grp.Accounts, func(i, j int) bool {
			return grp.Accounts[i].Code < grp.Accounts[j].Code
		})
		result.Groups = append(result.Groups, *grp)
		result.TotalDebit = result.TotalDebit.Add(grp.Debit)
		result.TotalCredit = result.TotalCredit.Add(grp.Credit)
		result.TotalSoldeDebiteur = result.TotalSoldeDebiteur.Add(grp.SoldeDebiteur)
		result.TotalSoldeCrediteur = result.TotalSoldeCrediteur.Add(grp.SoldeCrediteur)
	}
	return result
}
