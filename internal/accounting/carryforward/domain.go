// Package carryforward builds and commits the opening "report à nouveau" entry of a
// fiscal year from the closing balances of the previous one.
package carryforward

import (
	"errors"
	"time"

	"github.com/odyssey-erp/ohada-close/internal/accounting"
	"github.com/odyssey-erp/ohada-close/internal/money"
)

var (
	// ErrFiscalYearsNotFound is returned when the closing or opening year is missing.
	ErrFiscalYearsNotFound = errors.New("carryforward: Exercice source ou cible introuvable")
	// ErrSameFiscalYear is returned when closing and opening years are the same.
	ErrSameFiscalYear = errors.New("carryforward: closing and opening fiscal years must differ")
	// ErrOpeningDateOutOfRange is returned when the opening date is outside the opening year.
	ErrOpeningDateOutOfRange = errors.New("carryforward: opening date outside the opening fiscal year")
	// ErrNothingToCarry is returned when the closing year has no balance-sheet balance.
	ErrNothingToCarry = errors.New("carryforward: aucun solde à reporter")
)

// Config drives a preview or an execution.
type Config struct {
	ClosingExerciceID string    `json:"closingExerciceId" validate:"required"`
	OpeningExerciceID string    `json:"openingExerciceId" validate:"required"`
	OpeningDate       time.Time `json:"openingDate"`
	// IncludeResult folds the not yet closed result of classes 6 to 8 into the
	// profit or loss account so the opening entry balances before the result step ran.
	IncludeResult bool            `json:"includeResult"`
	Mode          accounting.Mode `json:"mode,omitempty"`
	UserID        string          `json:"userId,omitempty"`
}

// Line is a proposed opening line.
type Line struct {
	AccountCode string       `json:"accountCode"`
	AccountName string       `json:"accountName"`
	Label       string       `json:"label"`
	Debit       money.Amount `json:"debit"`
	Credit      money.Amount `json:"credit"`
}

// Preview is the pure, unsaved carry-forward proposal.
type Preview struct {
	ClosingExerciceID string       `json:"closingExerciceId"`
	OpeningExerciceID string       `json:"openingExerciceId"`
	OpeningDate       time.Time    `json:"openingDate"`
	Lines             []Line       `json:"lignes"`
	AccountCount      int          `json:"accountCount"`
	TotalDebit        money.Amount `json:"totalDebit"`
	TotalCredit       money.Amount `json:"totalCredit"`
	IsBalanced        bool         `json:"isBalanced"`
}

// Result reports the outcome of Execute. Errors is empty on success.
type Result struct {
	Success     bool         `json:"success"`
	EntryID     string       `json:"entryId,omitempty"`
	LineCount   int          `json:"lineCount"`
	TotalDebit  money.Amount `json:"totalDebit"`
	TotalCredit money.Amount `json:"totalCredit"`
	Errors      []string     `json:"errors,omitempty"`
}

func failure(err error) Result {
	return Result{Success: false, TotalDebit: money.Zero, TotalCredit: money.Zero, Errors: []string{err.Error()}}
}
