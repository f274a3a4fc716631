package shared

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// Audit actions written by the closing engine.
const (
	AuditCarryForward         = "CARRY_FORWARD"
	AuditCarryForwardReverted = "CARRY_FORWARD_REVERTED"
	AuditAffectation          = "AFFECTATION"
	AuditClosingEntry         = "CLOSING_ENTRY"
	AuditEntriesLocked        = "ENTRIES_LOCKED"
	AuditClosureStarted       = "CLOSURE_STARTED"
	AuditClosureStepDone      = "CLOSURE_STEP_DONE"
	AuditClosureStepFailed    = "CLOSURE_STEP_FAILED"
	AuditClosureCompleted     = "CLOSURE_COMPLETED"
	AuditClosureArchived      = "CLOSURE_ARCHIVED"
)

// AuditLog represents an append-only record stored in audit_logs.
type AuditLog struct {
	ID       int64          `json:"id,omitempty"`
	Actor    string         `json:"actor"`
	Action   string         `json:"action"`
	Entity   string         `json:"entity"`
	EntityID string         `json:"entityId"`
	Meta     map[string]any `json:"meta,omitempty"`
	At       time.Time      `json:"at"`
}

// Validate checks the minimum fields needed to reconstruct an event.
func (l AuditLog) Validate() error {
	if l.Action == "" || l.Entity == "" || l.EntityID == "" {
		return errors.New("audit log requires action/entity/entity_id")
	}
	return nil
}

// Execer is satisfied by pgx pools and transactions.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// AuditLogger writes records into audit_logs.
type AuditLogger struct {
	db Execer
}

// NewAuditLogger returns a new AuditLogger bound to a pool or a transaction.
func NewAuditLogger(db Execer) *AuditLogger {
	return &AuditLogger{db: db}
}

// Record persists the log entry.
func (l *AuditLogger) Record(ctx context.Context, log AuditLog) error {
	if l == nil || l.db == nil {
		return errors.New("audit logger not initialised")
	}
	if err := log.Validate(); err != nil {
		return err
	}
	metaJSON, err := json.Marshal(log.Meta)
	if err != nil {
		return err
	}
	var at any
	if !log.At.IsZero() {
		at = log.At
	}
	_, err = l.db.Exec(ctx, `INSERT INTO audit_logs (actor, action, entity, entity_id, meta, occurred_at) VALUES ($1, $2, $3, $4, $5, COALESCE($6::timestamptz, NOW()))`, log.Actor, log.Action, log.Entity, log.EntityID, metaJSON, at)
	return err
}
