// Package cli implements the cloture operator commands.
package cli

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/odyssey-erp/ohada-close/internal/accounting"
	"github.com/odyssey-erp/ohada-close/internal/accounting/balances"
	"github.com/odyssey-erp/ohada-close/internal/accounting/carryforward"
	"github.com/odyssey-erp/ohada-close/internal/close"
	"github.com/odyssey-erp/ohada-close/internal/money"
	"github.com/odyssey-erp/ohada-close/internal/shared"
	"github.com/odyssey-erp/ohada-close/jobs"
)

// Exit codes shared by every command.
const (
	ExitOK     = 0
	ExitError  = 1
	ExitFailed = 10
)

// Enqueuer submits background closing runs.
type Enqueuer interface {
	EnqueueClosureRun(ctx context.Context, payload jobs.ClosureRunPayload) (string, error)
}

// ClosureCLI drives the closing engine from the command line.
type ClosureCLI struct {
	registry *close.Registry
	locker   shared.Locker
	enqueuer Enqueuer
}

// NewClosureCLI wires the commands. locker and enqueuer may be nil.
func NewClosureCLI(registry *close.Registry, locker shared.Locker, enqueuer Enqueuer) (*ClosureCLI, error) {
	if registry == nil {
		return nil, errors.New("cli: registry required")
	}
	return &ClosureCLI{registry: registry, locker: locker, enqueuer: enqueuer}, nil
}

// Output selects where and how a command prints.
type Output struct {
	JSONOutput bool
	Stdout     io.Writer
	Stderr     io.Writer
}

func (o *Output) defaults() {
	if o.Stdout == nil {
		o.Stdout = os.Stdout
	}
	if o.Stderr == nil {
		o.Stderr = os.Stderr
	}
}

func (o Output) fail(cmd string, err error) int {
	_, _ = fmt.Fprintf(o.Stderr, "%s: %v\n", cmd, err)
	return ExitError
}

func (o Output) encode(cmd string, v any) int {
	enc := json.NewEncoder(o.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return o.fail(cmd, fmt.Errorf("encode json: %w", err))
	}
	return ExitOK
}

// RunOptions defines the flags of the run command.
type RunOptions struct {
	FiscalYearID        string
	OpeningFiscalYearID string
	// Step limits the run to one step; empty runs all nine.
	Step       string
	Mode       string
	UserID     string
	Regenerate bool
	Allocation *close.AllocationInput
	Output
}

func (o RunOptions) runContext() close.RunContext {
	mode := accounting.Mode(o.Mode)
	if mode == "" {
		mode = accounting.ModeManual
	}
	return close.RunContext{
		ExerciceID:        strings.TrimSpace(o.FiscalYearID),
		OpeningExerciceID: strings.TrimSpace(o.OpeningFiscalYearID),
		Mode:              mode,
		UserID:            o.UserID,
		Regenerate:        o.Regenerate,
		Allocation:        o.Allocation,
	}
}

// ParseAllocation builds the allocation input from the --capital and
// --reserve-legale flags. An empty capital leaves the result unallocated.
func ParseAllocation(capital, reserveLegale string) (*close.AllocationInput, error) {
	if strings.TrimSpace(capital) == "" {
		return nil, nil
	}
	c, err := money.Parse(capital)
	if err != nil {
		return nil, fmt.Errorf("--capital: %w", err)
	}
	r := money.Zero
	if strings.TrimSpace(reserveLegale) != "" {
		if r, err = money.Parse(reserveLegale); err != nil {
			return nil, fmt.Errorf("--reserve-legale: %w", err)
		}
	}
	return &close.AllocationInput{CapitalSocial: c, ReserveLegaleActuelle: r}, nil
}

// RunCommand executes the closing synchronously. It exits 10 when a step fails.
func (c *ClosureCLI) RunCommand(ctx context.Context, opts RunOptions) int {
	opts.defaults()
	rc := opts.runContext()
	if rc.ExerciceID == "" {
		return opts.fail("run", errors.New("--fy is required"))
	}
	if opts.Step != "" && !close.StepID(opts.Step).Known() {
		return opts.fail("run", fmt.Errorf("%w: %s", close.ErrUnknownStep, opts.Step))
	}
	if !opts.JSONOutput {
		rc.OnProgress = func(st close.Step) {
			if st.Status == close.StepRunning {
				return
			}
			_, _ = fmt.Fprintf(opts.Stderr, "[%s] %s: %s\n", st.Status, st.Label, st.Message)
		}
	}

	var session close.Session
	err := c.withLock(ctx, []string{rc.ExerciceID, rc.OpeningExerciceID}, func() error {
		orch, err := c.registry.For(ctx, rc.ExerciceID)
		if err != nil {
			return err
		}
		if opts.Step != "" {
			orch.ExecuteStep(ctx, close.StepID(opts.Step), rc)
		} else {
			orch.ExecuteAll(ctx, rc)
		}
		session = orch.Session()
		return nil
	})
	if err != nil {
		return opts.fail("run", err)
	}

	code := ExitOK
	for _, st := range session.Steps {
		if st.Status == close.StepFailed {
			code = ExitFailed
		}
	}
	if opts.JSONOutput {
		if exit := opts.encode("run", session); exit != ExitOK {
			return exit
		}
		return code
	}
	renderSession(opts.Stdout, session)
	return code
}

func renderSession(out io.Writer, s close.Session) {
	_, _ = fmt.Fprintf(out, "Clôture %s (session %s) : %s\n", s.FiscalYearID, s.ID, s.Status)
	tw := tabwriter.NewWriter(out, 0, 2, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "ÉTAPE\tSTATUT\tESSAIS\tMESSAGE")
	for _, st := range s.Steps {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%s\n", st.Label, st.Status, st.Attempts, st.Message)
	}
	_ = tw.Flush()
	if s.NetResult != nil {
		_, _ = fmt.Fprintf(out, "Résultat net : %s\n", money.Format(*s.NetResult))
	}
}

// BalancesOptions defines the flags of the balances command.
type BalancesOptions struct {
	FiscalYearID string
	Output
}

// BalancesSummary is the JSON form of the balances command.
type BalancesSummary struct {
	FiscalYearID string                      `json:"fiscalYearId"`
	Balances     []accounting.AccountBalance `json:"balances"`
	TotalDebit   money.Amount                `json:"totalSoldeDebiteur"`
	TotalCredit  money.Amount                `json:"totalSoldeCrediteur"`
}

// BalancesCommand prints the closing balances of a fiscal year.
func (c *ClosureCLI) BalancesCommand(ctx context.Context, opts BalancesOptions) int {
	opts.defaults()
	fy := strings.TrimSpace(opts.FiscalYearID)
	if fy == "" {
		return opts.fail("balances", errors.New("--fy is required"))
	}
	list, err := c.registry.Deps().Balances.ComputeClosingBalances(ctx, fy)
	if err != nil {
		return opts.fail("balances", err)
	}
	debit, credit := balances.Sum(list)
	if opts.JSONOutput {
		return opts.encode("balances", BalancesSummary{FiscalYearID: fy, Balances: list, TotalDebit: debit, TotalCredit: credit})
	}
	tw := tabwriter.NewWriter(opts.Stdout, 0, 2, 2, ' ', tabwriter.AlignRight)
	_, _ = fmt.Fprintln(tw, "COMPTE\tDÉBITEUR\tCRÉDITEUR\t")
	for _, b := range list {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t\n", b.AccountCode, b.SoldeDebiteur, b.SoldeCrediteur)
	}
	_, _ = fmt.Fprintf(tw, "TOTAL\t%s\t%s\t\n", debit, credit)
	_ = tw.Flush()
	return ExitOK
}

// PreviewOptions defines the flags of the preview command.
type PreviewOptions struct {
	FiscalYearID        string
	OpeningFiscalYearID string
	OpeningDate         string
	IncludeResult       bool
	Output
}

// PreviewCommand prints the carry-forward that would be generated. It exits 10
// when the preview is not balanced.
func (c *ClosureCLI) PreviewCommand(ctx context.Context, opts PreviewOptions) int {
	opts.defaults()
	cfg := carryforward.Config{
		ClosingExerciceID: strings.TrimSpace(opts.FiscalYearID),
		OpeningExerciceID: strings.TrimSpace(opts.OpeningFiscalYearID),
		IncludeResult:     opts.IncludeResult,
	}
	if cfg.ClosingExerciceID == "" || cfg.OpeningExerciceID == "" {
		return opts.fail("preview", errors.New("--fy and --opening are required"))
	}
	if opts.OpeningDate != "" {
		d, err := time.Parse("2006-01-02", opts.OpeningDate)
		if err != nil {
			return opts.fail("preview", fmt.Errorf("invalid date %q (expected YYYY-MM-DD)", opts.OpeningDate))
		}
		cfg.OpeningDate = d
	}
	p, err := c.registry.Deps().CarryForward.Preview(ctx, cfg)
	if err != nil {
		return opts.fail("preview", err)
	}
	code := ExitOK
	if !p.IsBalanced {
		code = ExitFailed
	}
	if opts.JSONOutput {
		if exit := opts.encode("preview", p); exit != ExitOK {
			return exit
		}
		return code
	}
	_, _ = fmt.Fprintf(opts.Stdout, "Report à nouveau %s → %s au %s\n", p.ClosingExerciceID, p.OpeningExerciceID, p.OpeningDate.Format("2006-01-02"))
	tw := tabwriter.NewWriter(opts.Stdout, 0, 2, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "COMPTE\tDÉBIT\tCRÉDIT")
	for _, l := range p.Lines {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\n", l.AccountCode, l.Debit, l.Credit)
	}
	_ = tw.Flush()
	_, _ = fmt.Fprintf(opts.Stdout, "Total débit %s, total crédit %s, équilibré: %t\n", money.Format(p.TotalDebit), money.Format(p.TotalCredit), p.IsBalanced)
	return code
}

// EnqueueOptions defines the flags of the enqueue command.
type EnqueueOptions struct {
	FiscalYearID        string
	OpeningFiscalYearID string
	Mode                string
	UserID              string
	Regenerate          bool
	Allocation          *close.AllocationInput
	Output
}

// EnqueueCommand submits a background run to the worker.
func (c *ClosureCLI) EnqueueCommand(ctx context.Context, opts EnqueueOptions) int {
	opts.defaults()
	if c.enqueuer == nil {
		return opts.fail("enqueue", errors.New("queue not configured"))
	}
	fy := strings.TrimSpace(opts.FiscalYearID)
	if fy == "" {
		return opts.fail("enqueue", errors.New("--fy is required"))
	}
	mode := accounting.Mode(opts.Mode)
	if mode == "" {
		mode = accounting.ModeManual
	}
	id, err := c.enqueuer.EnqueueClosureRun(ctx, jobs.ClosureRunPayload{
		FiscalYearID:        fy,
		OpeningFiscalYearID: strings.TrimSpace(opts.OpeningFiscalYearID),
		Mode:                mode,
		UserID:              opts.UserID,
		Regenerate:          opts.Regenerate,
		Allocation:          opts.Allocation,
	})
	if err != nil {
		return opts.fail("enqueue", err)
	}
	if opts.JSONOutput {
		return opts.encode("enqueue", map[string]string{"taskId": id, "fiscalYearId": fy})
	}
	_, _ = fmt.Fprintf(opts.Stdout, "closing of %s enqueued as task %s\n", fy, id)
	return ExitOK
}

func (c *ClosureCLI) withLock(ctx context.Context, fiscalYearIDs []string, fn func() error) error {
	if c.locker == nil {
		return fn()
	}
	release, err := shared.AcquireAll(ctx, c.locker, fiscalYearIDs...)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}
