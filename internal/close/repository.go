package close

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/odyssey-erp/ohada-close/internal/accounting"
	"github.com/odyssey-erp/ohada-close/internal/money"
)

// Repository stores closing sessions in PostgreSQL.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository constructs a Repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

type storedExtras struct {
	Steps     []Step        `json:"steps"`
	NetResult *money.Amount `json:"netResult,omitempty"`
}

// Save upserts the session and its steps.
func (r *Repository) Save(ctx context.Context, s Session) error {
	if r == nil || r.pool == nil {
		return errors.New("close repository not initialised")
	}
	payload, err := json.Marshal(storedExtras{Steps: s.Steps, NetResult: s.NetResult})
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `INSERT INTO closure_sessions (id, fiscal_year_id, mode, actor, status, steps, started_at, finished_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (id) DO UPDATE SET status=EXCLUDED.status, steps=EXCLUDED.steps, finished_at=EXCLUDED.finished_at`,
		s.ID, s.FiscalYearID, string(s.Mode), s.Actor, string(s.Status), payload, s.StartedAt, s.FinishedAt)
	return err
}

const sessionColumns = `id, fiscal_year_id, mode, actor, status, steps, started_at, finished_at`

// Get loads a session by id.
func (r *Repository) Get(ctx context.Context, id string) (Session, error) {
	return r.scanOne(r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM closure_sessions WHERE id=$1`, id))
}

// Latest loads the most recent session of a fiscal year.
func (r *Repository) Latest(ctx context.Context, fiscalYearID string) (Session, error) {
	return r.scanOne(r.pool.QueryRow(ctx, `SELECT `+sessionColumns+` FROM closure_sessions
WHERE fiscal_year_id=$1 ORDER BY started_at DESC LIMIT 1`, fiscalYearID))
}

func (r *Repository) scanOne(row pgx.Row) (Session, error) {
	var (
		s       Session
		mode    string
		status  string
		payload []byte
	)
	if err := row.Scan(&s.ID, &s.FiscalYearID, &mode, &s.Actor, &status, &payload, &s.StartedAt, &s.FinishedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, ErrSessionNotFound
		}
		return Session{}, err
	}
	var extras storedExtras
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &extras); err != nil {
			return Session{}, err
		}
	}
	s.Mode = accounting.Mode(mode)
	s.Status = SessionStatus(status)
	s.Steps = extras.Steps
	s.NetResult = extras.NetResult
	return s, nil
}
