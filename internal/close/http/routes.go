package closehttp

import (
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/odyssey-erp/ohada-close/internal/accounting"
	"github.com/odyssey-erp/ohada-close/internal/accounting/allocation"
	"github.com/odyssey-erp/ohada-close/internal/accounting/balances"
	"github.com/odyssey-erp/ohada-close/internal/accounting/carryforward"
	"github.com/odyssey-erp/ohada-close/internal/close"
	"github.com/odyssey-erp/ohada-close/internal/money"
	"github.com/odyssey-erp/ohada-close/internal/platform/httpx"
	"github.com/odyssey-erp/ohada-close/internal/shared"
	"github.com/odyssey-erp/ohada-close/jobs"
)

type stepInfo struct {
	ID    close.StepID `json:"id"`
	Label string       `json:"label"`
}

func (h *Handler) listSteps(w http.ResponseWriter, _ *http.Request) {
	out := make([]stepInfo, 0, len(close.StepOrder))
	for _, id := range close.StepOrder {
		out = append(out, stepInfo{ID: id, Label: id.Label()})
	}
	httpx.JSON(w, http.StatusOK, out)
}

type balancesResponse struct {
	FiscalYearID string                      `json:"fiscalYearId"`
	Balances     []accounting.AccountBalance `json:"balances"`
	TotalDebit   money.Amount                `json:"totalSoldeDebiteur"`
	TotalCredit  money.Amount                `json:"totalSoldeCrediteur"`
}

func (h *Handler) getBalances(w http.ResponseWriter, r *http.Request) {
	fy := fiscalYearParam(r)
	list, err := h.deps.Balances.ComputeClosingBalances(r.Context(), fy)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	debit, credit := balances.Sum(list)
	httpx.JSON(w, http.StatusOK, balancesResponse{FiscalYearID: fy, Balances: list, TotalDebit: debit, TotalCredit: credit})
}

func (h *Handler) getSession(w http.ResponseWriter, r *http.Request) {
	orch, err := h.registry.For(r.Context(), fiscalYearParam(r))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	session := orch.Session()
	if session.FiscalYearID == "" {
		h.respondError(w, r, close.ErrSessionNotFound)
		return
	}
	httpx.JSON(w, http.StatusOK, session)
}

type auditResponse struct {
	Items      []shared.AuditLog `json:"items"`
	Pagination shared.Pagination `json:"pagination"`
}

// getAudit merges the fiscal year trail with the trail of its current session.
func (h *Handler) getAudit(w http.ResponseWriter, r *http.Request) {
	if h.audit == nil {
		httpx.Problem(w, http.StatusNotImplemented, "Not Implemented", "audit trail not available")
		return
	}
	fy := fiscalYearParam(r)
	if _, err := h.deps.Ledger.FiscalYear(r.Context(), fy); err != nil {
		h.respondError(w, r, err)
		return
	}
	items, err := h.audit.AuditTrail(r.Context(), "fiscal_year", fy)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if orch, err := h.registry.For(r.Context(), fy); err == nil {
		if session := orch.Session(); session.ID != "" && session.FiscalYearID == fy {
			trail, err := h.audit.AuditTrail(r.Context(), "closure_session", session.ID)
			if err != nil {
				h.respondError(w, r, err)
				return
			}
			items = append(items, trail...)
		}
	}
	sort.SliceStable(items, func(i, j int) bool { return items[i].At.Before(items[j].At) })

	page, _ := strconv.Atoi(r.URL.Query().Get("page"))
	perPage, _ := strconv.Atoi(r.URL.Query().Get("per_page"))
	p := shared.NewPagination(page, perPage, len(items))
	start, end := p.Bounds()
	httpx.JSON(w, http.StatusOK, auditResponse{Items: items[start:end], Pagination: p})
}

func (h *Handler) carryForwardConfig(r *http.Request, req carryForwardRequest) carryforward.Config {
	return carryforward.Config{
		ClosingExerciceID: fiscalYearParam(r),
		OpeningExerciceID: req.OpeningExerciceID,
		OpeningDate:       parseDate(req.OpeningDate),
		IncludeResult:     req.IncludeResult,
		Mode:              parseMode(req.Mode),
		UserID:            shared.ActorFromContext(r.Context()),
	}
}

func (h *Handler) previewCarryForward(w http.ResponseWriter, r *http.Request) {
	var req carryForwardRequest
	if !h.decode(w, r, &req) {
		return
	}
	preview, err := h.deps.CarryForward.Preview(r.Context(), h.carryForwardConfig(r, req))
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, preview)
}

func (h *Handler) executeCarryForward(w http.ResponseWriter, r *http.Request) {
	var req carryForwardRequest
	if !h.decode(w, r, &req) {
		return
	}
	cfg := h.carryForwardConfig(r, req)
	var res carryforward.Result
	err := h.withLock(r.Context(), func() error {
		res = h.deps.CarryForward.Execute(r.Context(), cfg)
		return nil
	}, cfg.ClosingExerciceID, cfg.OpeningExerciceID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if !res.Success {
		httpx.JSON(w, http.StatusUnprocessableEntity, res)
		return
	}
	httpx.JSON(w, http.StatusCreated, res)
}

type carryForwardStatus struct {
	FiscalYearID string `json:"fiscalYearId"`
	Exists       bool   `json:"exists"`
	Deleted      int    `json:"deleted,omitempty"`
}

// getCarryForward reports whether the year {fy} already has its opening entry.
func (h *Handler) getCarryForward(w http.ResponseWriter, r *http.Request) {
	fy := fiscalYearParam(r)
	exists, err := h.deps.CarryForward.HasCarryForward(r.Context(), fy)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, carryForwardStatus{FiscalYearID: fy, Exists: exists})
}

func (h *Handler) deleteCarryForward(w http.ResponseWriter, r *http.Request) {
	fy := fiscalYearParam(r)
	var deleted int
	err := h.withLock(r.Context(), func() error {
		n, err := h.deps.CarryForward.Delete(r.Context(), fy, shared.ActorFromContext(r.Context()))
		deleted = n
		return err
	}, fy)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, carryForwardStatus{FiscalYearID: fy, Exists: false, Deleted: deleted})
}

// resultatNet returns the explicit result of the request or the ledger's.
func (h *Handler) resultatNet(r *http.Request, req allocationRequest) (money.Amount, error) {
	if req.ResultatNet != nil {
		return *req.ResultatNet, nil
	}
	return h.deps.Allocation.NetResult(r.Context(), fiscalYearParam(r))
}

func (h *Handler) proposeAllocation(w http.ResponseWriter, r *http.Request) {
	var req allocationRequest
	if !h.decode(w, r, &req) {
		return
	}
	net, err := h.resultatNet(r, req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, h.deps.Allocation.Propose(net, req.CapitalSocial, req.ReserveLegaleActuelle))
}

type validationResponse struct {
	Valid       bool         `json:"valid"`
	ResultatNet money.Amount `json:"resultatNet"`
	Errors      []string     `json:"errors,omitempty"`
}

func (h *Handler) validateAllocation(w http.ResponseWriter, r *http.Request) {
	var req allocationRequest
	if !h.decode(w, r, &req) {
		return
	}
	net, err := h.resultatNet(r, req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	errs := h.deps.Allocation.Validate(net, req.CapitalSocial, req.ReserveLegaleActuelle, req.Ventilation)
	httpx.JSON(w, http.StatusOK, validationResponse{Valid: len(errs) == 0, ResultatNet: net, Errors: errs})
}

func (h *Handler) postAllocation(w http.ResponseWriter, r *http.Request) {
	var req allocationRequest
	if !h.decode(w, r, &req) {
		return
	}
	if req.TargetExerciceID == "" {
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", "requête invalide", "targetExerciceId: champ requis")
		return
	}
	net, err := h.resultatNet(r, req)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	var out allocation.Outcome
	err = h.withLock(r.Context(), func() error {
		out = h.deps.Allocation.GenerateEntries(r.Context(), allocation.Context{
			FiscalYearID:          req.TargetExerciceID,
			SourceExerciceID:      fiscalYearParam(r),
			Date:                  parseDate(req.Date),
			ResultatNet:           net,
			CapitalSocial:         req.CapitalSocial,
			ReserveLegaleActuelle: req.ReserveLegaleActuelle,
			Ventilation:           req.Ventilation,
			Mode:                  parseMode(req.Mode),
			UserID:                shared.ActorFromContext(r.Context()),
		})
		return nil
	}, fiscalYearParam(r), req.TargetExerciceID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	if !out.Success {
		httpx.JSON(w, http.StatusUnprocessableEntity, out)
		return
	}
	httpx.JSON(w, http.StatusCreated, out)
}

func (h *Handler) runContext(r *http.Request, req stepRequest) close.RunContext {
	return close.RunContext{
		ExerciceID:        fiscalYearParam(r),
		OpeningExerciceID: req.OpeningExerciceID,
		Regenerate:        req.Regenerate,
		Mode:              parseMode(req.Mode),
		UserID:            shared.ActorFromContext(r.Context()),
		Allocation:        req.Allocation,
	}
}

func (h *Handler) executeStep(w http.ResponseWriter, r *http.Request) {
	id := close.StepID(strings.TrimSpace(chi.URLParam(r, "step")))
	if !id.Known() {
		h.respondError(w, r, close.ErrUnknownStep)
		return
	}
	var req stepRequest
	if !h.decode(w, r, &req) {
		return
	}
	rc := h.runContext(r, req)
	var step close.Step
	err := h.withLock(r.Context(), func() error {
		orch, err := h.registry.For(r.Context(), rc.ExerciceID)
		if err != nil {
			return err
		}
		step = orch.ExecuteStep(r.Context(), id, rc)
		return nil
	}, rc.ExerciceID, rc.OpeningExerciceID)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	status := http.StatusOK
	if step.Status == close.StepFailed {
		status = http.StatusUnprocessableEntity
	}
	httpx.JSON(w, status, step)
}

// run executes every step synchronously. A repeated Idempotency-Key is rejected.
func (h *Handler) run(w http.ResponseWriter, r *http.Request) {
	var req stepRequest
	if !h.decode(w, r, &req) {
		return
	}
	rc := h.runContext(r, req)
	key := strings.TrimSpace(r.Header.Get(HeaderIdempotencyKey))
	if key != "" && h.idempotency != nil {
		if err := h.idempotency.CheckAndInsert(r.Context(), key, idempotencyModule); err != nil {
			h.respondError(w, r, err)
			return
		}
	}
	var session close.Session
	err := h.withLock(r.Context(), func() error {
		orch, err := h.registry.For(r.Context(), rc.ExerciceID)
		if err != nil {
			return err
		}
		orch.ExecuteAll(r.Context(), rc)
		session = orch.Session()
		return nil
	}, rc.ExerciceID, rc.OpeningExerciceID)
	if err != nil {
		if key != "" && h.idempotency != nil {
			if derr := h.idempotency.Delete(r.Context(), key); derr != nil {
				h.logger.Warn("release idempotency key", slog.String("key", key), slog.Any("error", derr))
			}
		}
		h.respondError(w, r, err)
		return
	}
	status := http.StatusOK
	if session.Status != close.SessionCompleted {
		status = http.StatusUnprocessableEntity
	}
	httpx.JSON(w, status, session)
}

type enqueueResponse struct {
	TaskID       string `json:"taskId"`
	FiscalYearID string `json:"fiscalYearId"`
}

func (h *Handler) enqueue(w http.ResponseWriter, r *http.Request) {
	if h.enqueuer == nil {
		httpx.Problem(w, http.StatusServiceUnavailable, "Service Unavailable", "background queue not configured")
		return
	}
	var req stepRequest
	if !h.decode(w, r, &req) {
		return
	}
	rc := h.runContext(r, req)
	if _, err := h.deps.Ledger.FiscalYear(r.Context(), rc.ExerciceID); err != nil {
		h.respondError(w, r, err)
		return
	}
	id, err := h.enqueuer.EnqueueClosureRun(r.Context(), jobs.ClosureRunPayload{
		FiscalYearID:        rc.ExerciceID,
		OpeningFiscalYearID: rc.OpeningExerciceID,
		Mode:                rc.Mode,
		UserID:              rc.UserID,
		Regenerate:          rc.Regenerate,
		Allocation:          rc.Allocation,
	})
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusAccepted, enqueueResponse{TaskID: id, FiscalYearID: rc.ExerciceID})
}

func (h *Handler) reset(w http.ResponseWriter, r *http.Request) {
	fy := fiscalYearParam(r)
	var session close.Session
	err := h.withLock(r.Context(), func() error {
		orch, err := h.registry.For(r.Context(), fy)
		if err != nil {
			return err
		}
		if orch.Session().FiscalYearID != fy {
			return close.ErrSessionNotFound
		}
		orch.Reset()
		session = orch.Session()
		return nil
	}, fy)
	if err != nil {
		h.respondError(w, r, err)
		return
	}
	h.logger.Info("closure session reset", slog.String("fiscal_year", fy), slog.String("actor", shared.ActorFromContext(r.Context())))
	httpx.JSON(w, http.StatusOK, session)
}
