package close

import (
	"errors"
	"fmt"
	"time"

	"github.com/odyssey-erp/ohada-close/internal/accounting"
	"github.com/odyssey-erp/ohada-close/internal/accounting/allocation"
	"github.com/odyssey-erp/ohada-close/internal/money"
)

// StepID names a closing step.
type StepID string

const (
	StepCoherence    StepID = "coherence"
	StepAccruals     StepID = "accruals"
	StepDepreciation StepID = "depreciation"
	StepProvisions   StepID = "provisions"
	StepTax          StepID = "tax"
	StepResult       StepID = "result"
	StepLocking      StepID = "locking"
	StepCarryForward StepID = "carry_forward"
	StepArchiving    StepID = "archiving"
)

// StepOrder is the fixed execution order.
var StepOrder = []StepID{
	StepCoherence,
	StepAccruals,
	StepDepreciation,
	StepProvisions,
	StepTax,
	StepResult,
	StepLocking,
	StepCarryForward,
	StepArchiving,
}

var stepLabels = map[StepID]string{
	StepCoherence:    "Contrôles de cohérence",
	StepAccruals:     "Charges et produits à régulariser",
	StepDepreciation: "Dotations aux amortissements",
	StepProvisions:   "Dotations aux provisions",
	StepTax:          "Impôt sur le résultat",
	StepResult:       "Détermination du résultat",
	StepLocking:      "Verrouillage des écritures",
	StepCarryForward: "Report à nouveau",
	StepArchiving:    "Archivage",
}

// Label returns the French display label of a step.
func (id StepID) Label() string {
	if l, ok := stepLabels[id]; ok {
		return l
	}
	return string(id)
}

// Known reports whether id is one of the nine steps.
func (id StepID) Known() bool {
	_, ok := stepLabels[id]
	return ok
}

// StepStatus captures a step transition state.
type StepStatus string

const (
	StepPending StepStatus = "pending"
	StepRunning StepStatus = "running"
	StepDone    StepStatus = "done"
	StepFailed  StepStatus = "error"
)

// Step is one entry of the closing checklist.
type Step struct {
	ID        StepID     `json:"id"`
	Label     string     `json:"label"`
	Status    StepStatus `json:"status"`
	Message   string     `json:"message,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Attempts  int        `json:"attempts"`
}

// SessionStatus captures the lifecycle of a closing session.
type SessionStatus string

const (
	SessionOpen      SessionStatus = "open"
	SessionRunning   SessionStatus = "running"
	SessionCompleted SessionStatus = "completed"
	SessionFailed    SessionStatus = "failed"
)

// Session groups the steps of one closing attempt.
type Session struct {
	ID           string          `json:"id"`
	FiscalYearID string          `json:"fiscalYearId"`
	Mode         accounting.Mode `json:"mode"`
	Actor        string          `json:"actor"`
	Status       SessionStatus   `json:"status"`
	Steps        []Step          `json:"steps"`
	NetResult    *money.Amount   `json:"netResult,omitempty"`
	StartedAt    time.Time       `json:"startedAt"`
	FinishedAt   *time.Time      `json:"finishedAt,omitempty"`
}

// Step returns a copy of the named step.
func (s Session) Step(id StepID) (Step, bool) {
	for _, st := range s.Steps {
		if st.ID == id {
			return st, true
		}
	}
	return Step{}, false
}

// Done reports whether every step finished successfully.
func (s Session) Done() bool {
	if len(s.Steps) == 0 {
		return false
	}
	for _, st := range s.Steps {
		if st.Status != StepDone {
			return false
		}
	}
	return true
}

func (s Session) clone() Session {
	out := s
	out.Steps = append([]Step(nil), s.Steps...)
	if s.NetResult != nil {
		v := *s.NetResult
		out.NetResult = &v
	}
	return out
}

func newSteps() []Step {
	steps := make([]Step, 0, len(StepOrder))
	for _, id := range StepOrder {
		steps = append(steps, Step{ID: id, Label: id.Label(), Status: StepPending})
	}
	return steps
}

// RunContext identifies the fiscal year being closed and who drives the run.
type RunContext struct {
	ExerciceID        string
	Mode              accounting.Mode
	UserID            string
	OpeningExerciceID string
	// Regenerate lets carry_forward delete an existing carry-forward first.
	Regenerate bool
	// Allocation makes the result step post the affectation of the net result in
	// the opening year. Nil leaves the allocation to the caller.
	Allocation *AllocationInput
	OnProgress func(Step)
	OnError    func(Step, error)
}

// AllocationInput carries what the result step needs to allocate the net result.
type AllocationInput struct {
	CapitalSocial         money.Amount `json:"capitalSocial"`
	ReserveLegaleActuelle money.Amount `json:"reserveLegaleActuelle"`
	// Ventilation replaces the legal proposal when set.
	Ventilation *allocation.Ventilation `json:"ventilation,omitempty"`
}

// Validate checks the fields every step needs.
func (rc RunContext) Validate() error {
	if rc.ExerciceID == "" {
		return ErrExerciceRequired
	}
	switch rc.Mode {
	case "", accounting.ModeManual, accounting.ModeProph3t:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidMode, rc.Mode)
	}
	return nil
}

var (
	// ErrExerciceRequired indicates a run without fiscal year.
	ErrExerciceRequired = errors.New("close: exercice requis")
	// ErrInvalidMode indicates an unknown run mode.
	ErrInvalidMode = errors.New("close: mode invalide")
	// ErrUnknownStep indicates a step id outside the nine steps.
	ErrUnknownStep = errors.New("close: étape inconnue")
	// ErrOpeningRequired indicates carry_forward ran without the next fiscal year.
	ErrOpeningRequired = errors.New("close: exercice d'ouverture requis pour le report à nouveau")
	// ErrAllocationRejected indicates the result allocation failed validation or posting.
	ErrAllocationRejected = errors.New("close: affectation du résultat rejetée")
	// ErrCarryForwardExists indicates carry_forward found an existing AN entry.
	ErrCarryForwardExists = errors.New("close: un report à nouveau existe déjà, relancer avec regenerate")
	// ErrDraftsRemaining indicates draft entries block locking.
	ErrDraftsRemaining = errors.New("close: des brouillons bloquent le verrouillage")
	// ErrIncoherentLedger indicates the coherence checks failed.
	ErrIncoherentLedger = errors.New("close: incohérences détectées")
	// ErrNoArchiver indicates archiving ran without an archiver.
	ErrNoArchiver = errors.New("close: aucun archiveur configuré")
	// ErrSessionNotFound indicates no stored session matched.
	ErrSessionNotFound = errors.New("close: session introuvable")
	// ErrStepPanicked indicates a step panicked.
	ErrStepPanicked = errors.New("close: panic during step")
)

// StepError wraps a failure with the step that produced it.
type StepError struct {
	Step StepID
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("close: step %s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
