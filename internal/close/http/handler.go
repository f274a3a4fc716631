// Package closehttp exposes the closing workflow as a JSON API.
package closehttp

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/ohada-close/internal/accounting"
	"github.com/odyssey-erp/ohada-close/internal/accounting/carryforward"
	"github.com/odyssey-erp/ohada-close/internal/close"
	"github.com/odyssey-erp/ohada-close/internal/platform/httpx"
	"github.com/odyssey-erp/ohada-close/internal/shared"
	"github.com/odyssey-erp/ohada-close/jobs"
)

// HeaderUserID carries the acting user id.
const HeaderUserID = "X-User-ID"

// HeaderIdempotencyKey makes a run request replay-safe.
const HeaderIdempotencyKey = "Idempotency-Key"

const idempotencyModule = "closure:run"

// Enqueuer submits background closing runs.
type Enqueuer interface {
	EnqueueClosureRun(ctx context.Context, payload jobs.ClosureRunPayload) (string, error)
}

// Options wires the handler collaborators. Locker, Idempotency, Enqueuer and Audit
// are optional.
type Options struct {
	Logger             *slog.Logger
	Registry           *close.Registry
	Locker             shared.Locker
	Idempotency        shared.Idempotency
	Enqueuer           Enqueuer
	Audit              accounting.AuditReader
	RateLimitPerMinute int
}

// Handler serves the /closures routes.
type Handler struct {
	logger      *slog.Logger
	registry    *close.Registry
	deps        close.Deps
	locker      shared.Locker
	idempotency shared.Idempotency
	enqueuer    Enqueuer
	audit       accounting.AuditReader
	validate    *validator.Validate
	rateLimit   func(http.Handler) http.Handler
}

// NewHandler constructs the closing handler.
func NewHandler(opts Options) *Handler {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	limit := opts.RateLimitPerMinute
	if limit <= 0 {
		limit = 30
	}
	limiter := httprate.Limit(limit, time.Minute, httprate.WithKeyFuncs(func(r *http.Request) (string, error) {
		if actor := shared.ActorFromContext(r.Context()); actor != "" {
			return "user:" + actor, nil
		}
		host, _, err := net.SplitHostPort(r.RemoteAddr)
		if err != nil {
			return "ip:" + r.RemoteAddr, nil
		}
		return "ip:" + host, nil
	}))
	return &Handler{
		logger:      logger,
		registry:    opts.Registry,
		deps:        opts.Registry.Deps(),
		locker:      opts.Locker,
		idempotency: opts.Idempotency,
		enqueuer:    opts.Enqueuer,
		audit:       opts.Audit,
		validate:    newValidator(),
		rateLimit:   limiter,
	}
}

// MountRoutes registers the closing routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/closures", func(r chi.Router) {
		r.Use(actorMiddleware)
		r.Get("/steps", h.listSteps)
		r.Route("/{fy}", func(r chi.Router) {
			r.Get("/balances", h.getBalances)
			r.Get("/session", h.getSession)
			r.Get("/audit", h.getAudit)
			r.Get("/carry-forward", h.getCarryForward)
			r.Post("/carry-forward/preview", h.previewCarryForward)
			r.Post("/allocation/propose", h.proposeAllocation)
			r.Post("/allocation/validate", h.validateAllocation)
			r.Group(func(r chi.Router) {
				r.Use(h.rateLimit)
				r.Post("/carry-forward/execute", h.executeCarryForward)
				r.Delete("/carry-forward", h.deleteCarryForward)
				r.Post("/allocation/post", h.postAllocation)
				r.Post("/steps/{step}", h.executeStep)
				r.Post("/run", h.run)
				r.Post("/enqueue", h.enqueue)
				r.Post("/reset", h.reset)
			})
		})
	})
}

func actorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		actor := strings.TrimSpace(r.Header.Get(HeaderUserID))
		next.ServeHTTP(w, r.WithContext(shared.ContextWithActor(r.Context(), actor)))
	})
}

func fiscalYearParam(r *http.Request) string {
	return strings.TrimSpace(chi.URLParam(r, "fy"))
}

// withLock runs fn under the locks of every given fiscal year when a locker is
// configured. Empty ids are skipped.
func (h *Handler) withLock(ctx context.Context, fn func() error, fiscalYearIDs ...string) error {
	if h.locker == nil {
		return fn()
	}
	release, err := shared.AcquireAll(ctx, h.locker, fiscalYearIDs...)
	if err != nil {
		return err
	}
	defer release()
	return fn()
}

// decode reads and validates a JSON body, writing the problem response on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, target any) bool {
	if err := httpx.DecodeJSON(r, target); err != nil {
		httpx.RespondError(w, err)
		return false
	}
	if err := h.validate.Struct(target); err != nil {
		msgs, err := validationError(err)
		if msgs == nil {
			h.respondError(w, r, err)
			return false
		}
		httpx.Problem(w, http.StatusBadRequest, "Validation Failed", err.Error(), msgs...)
		return false
	}
	return true
}

// classify tags domain errors with their HTTP kind.
func classify(err error) error {
	switch {
	case errors.Is(err, accounting.ErrUnknownFiscalYear),
		errors.Is(err, carryforward.ErrFiscalYearsNotFound),
		errors.Is(err, close.ErrSessionNotFound):
		return httpx.Wrap(httpx.ErrNotFound, err)
	case errors.Is(err, shared.ErrLockHeld):
		return httpx.Wrap(httpx.ErrLocked, err)
	case errors.Is(err, accounting.ErrFiscalYearClosed),
		errors.Is(err, accounting.ErrDuplicateEntry),
		errors.Is(err, close.ErrCarryForwardExists),
		errors.Is(err, shared.ErrIdempotencyConflict):
		return httpx.Wrap(httpx.ErrConflict, err)
	case errors.Is(err, accounting.ErrUnbalanced),
		errors.Is(err, carryforward.ErrSameFiscalYear),
		errors.Is(err, carryforward.ErrOpeningDateOutOfRange),
		errors.Is(err, carryforward.ErrNothingToCarry),
		errors.Is(err, close.ErrUnknownStep),
		errors.Is(err, close.ErrInvalidMode),
		errors.Is(err, close.ErrExerciceRequired):
		return httpx.Wrap(httpx.ErrUnprocessable, err)
	default:
		return err
	}
}

func (h *Handler) respondError(w http.ResponseWriter, r *http.Request, err error) {
	err = classify(err)
	if !errors.Is(err, httpx.ErrNotFound) && !errors.Is(err, httpx.ErrConflict) &&
		!errors.Is(err, httpx.ErrLocked) && !errors.Is(err, httpx.ErrUnprocessable) &&
		!errors.Is(err, httpx.ErrValidation) {
		h.logger.Error("closure request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	}
	httpx.RespondError(w, err)
}
