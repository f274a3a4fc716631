package accounting

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/odyssey-erp/ohada-close/internal/money"
)

// JournalStatus enumerates journal entry lifecycle values.
type JournalStatus string

const (
	StatusDraft     JournalStatus = "draft"
	StatusValidated JournalStatus = "validated"
	StatusPosted    JournalStatus = "posted"
)

// Journal codes used by generated entries.
const (
	JournalCarryForward = "AN"
	JournalMisc         = "OD"
	JournalClosing      = "CL"
)

// Mode selects who drives a closing run.
type Mode string

const (
	ModeManual  Mode = "manual"
	ModeProph3t Mode = "proph3t"
)

// Provenance builds the createdBy tag written on generated entries.
func Provenance(mode Mode, user string) string {
	if mode == "" {
		mode = ModeManual
	}
	return string(mode) + ":" + user
}

// FiscalYear is an exercice comptable. Which year is active is decided by the caller.
type FiscalYear struct {
	ID        string
	Code      string
	Name      string
	StartDate time.Time
	EndDate   time.Time
	IsClosed  bool
	IsActive  bool
}

// Contains reports whether date falls inside [StartDate, EndDate], day granularity.
func (fy FiscalYear) Contains(date time.Time) bool {
	d := truncateDay(date)
	return !d.Before(truncateDay(fy.StartDate)) && !d.After(truncateDay(fy.EndDate))
}

// JournalEntry captures a double-entry posting with its lines.
type JournalEntry struct {
	ID           string
	Number       int64
	Journal      string
	Date         time.Time
	Reference    string
	Label        string
	Status       JournalStatus
	FiscalYearID string
	Lines        []JournalLine
	TotalDebit   money.Amount
	TotalCredit  money.Amount
	Hash         string
	CreatedBy    string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// JournalLine stores a one-sided debit or credit amount for an account.
type JournalLine struct {
	ID          string
	EntryID     string
	AccountCode string
	AccountName string
	Label       string
	Debit       money.Amount
	Credit      money.Amount
}

// Totals sums the debit and credit sides of the entry's lines.
func (e JournalEntry) Totals() (debit, credit money.Amount) {
	debit, credit = money.Zero, money.Zero
	for _, line := range e.Lines {
		debit = debit.Add(line.Debit)
		credit = credit.Add(line.Credit)
	}
	return debit, credit
}

// AccountBalance is the single-sided closing balance of one account.
type AccountBalance struct {
	AccountCode    string       `json:"accountCode"`
	AccountName    string       `json:"accountName"`
	SoldeDebiteur  money.Amount `json:"soldeDebiteur"`
	SoldeCrediteur money.Amount `json:"soldeCrediteur"`
}

// IsDebtor reports whether the balance sits on the debit side.
func (b AccountBalance) IsDebtor() bool {
	return b.SoldeDebiteur.IsPositive()
}

// EntryFilter narrows QueryEntries. Zero values mean "any".
type EntryFilter struct {
	Statuses      []JournalStatus
	From          time.Time
	To            time.Time
	Journal       string
	Reference     string
	AccountPrefix string
	FiscalYearID  string
}

// PostedStatuses are the statuses that count in balances.
var PostedStatuses = []JournalStatus{StatusValidated, StatusPosted}

// Matches applies the filter to an entry. AccountPrefix matches when any line matches.
func (f EntryFilter) Matches(e JournalEntry) bool {
	if len(f.Statuses) > 0 {
		ok := false
		for _, s := range f.Statuses {
			if e.Status == s {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	d := truncateDay(e.Date)
	if !f.From.IsZero() && d.Before(truncateDay(f.From)) {
		return false
	}
	if !f.To.IsZero() && d.After(truncateDay(f.To)) {
		return false
	}
	if f.Journal != "" && e.Journal != f.Journal {
		return false
	}
	if f.Reference != "" && e.Reference != f.Reference {
		return false
	}
	if f.FiscalYearID != "" && e.FiscalYearID != f.FiscalYearID {
		return false
	}
	if f.AccountPrefix != "" {
		for _, line := range e.Lines {
			if strings.HasPrefix(line.AccountCode, f.AccountPrefix) {
				return true
			}
		}
		return false
	}
	return true
}

// AccountClass returns the SYSCOHADA class (leading digit) of an account code, or 0.
func AccountClass(code string) int {
	code = strings.TrimSpace(code)
	if code == "" || code[0] < '1' || code[0] > '9' {
		return 0
	}
	return int(code[0] - '0')
}

// IsBalanceSheet reports whether the account belongs to classes 1 to 5.
func IsBalanceSheet(code string) bool {
	c := AccountClass(code)
	return c >= 1 && c <= 5
}

// IsManagement reports whether the account belongs to classes 6 to 8.
func IsManagement(code string) bool {
	c := AccountClass(code)
	return c >= 6 && c <= 8
}

func truncateDay(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

var (
	// ErrUnbalanced indicates debit != credit.
	ErrUnbalanced = errors.New("accounting: journal lines must balance")
	// ErrTooFewLines indicates less than two lines.
	ErrTooFewLines = errors.New("accounting: journal requires at least two lines")
	// ErrInvalidLine indicates a line with a negative, two-sided, empty or missing-account amount.
	ErrInvalidLine = errors.New("accounting: invalid journal line")
	// ErrDuplicateEntry indicates an entry with identical content already exists.
	ErrDuplicateEntry = errors.New("accounting: duplicate journal entry")
	// ErrFiscalYearClosed indicates a write into a closed fiscal year.
	ErrFiscalYearClosed = errors.New("accounting: fiscal year closed")
	// ErrJournalNotFound indicates missing entry.
	ErrJournalNotFound = errors.New("accounting: journal entry not found")
	// ErrUnknownFiscalYear indicates the fiscal year id does not exist.
	ErrUnknownFiscalYear = errors.New("accounting: fiscal year not found (exercice introuvable)")
)

// UnknownFiscalYearError carries the missing identifier.
type UnknownFiscalYearError struct {
	ID string
}

func (e *UnknownFiscalYearError) Error() string {
	return fmt.Sprintf("accounting: fiscal year %q not found (exercice introuvable)", e.ID)
}

func (e *UnknownFiscalYearError) Unwrap() error { return ErrUnknownFiscalYear }

// UnbalancedEntryError reports the totals of a rejected entry.
type UnbalancedEntryError struct {
	Debit  money.Amount
	Credit money.Amount
}

// Gap is the absolute difference between both sides.
func (e *UnbalancedEntryError) Gap() money.Amount {
	return e.Debit.Sub(e.Credit).Abs()
}

func (e *UnbalancedEntryError) Error() string {
	return fmt.Sprintf("accounting: écriture déséquilibrée, écart détecté: %s (débit %s, crédit %s)",
		money.Format(e.Gap()), money.Format(e.Debit), money.Format(e.Credit))
}

func (e *UnbalancedEntryError) Unwrap() error { return ErrUnbalanced }
