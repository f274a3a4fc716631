// Package memstore keeps the ledger in process memory. It backs the CLI demo mode
// and the tests of every package that writes through the entry guard.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/odyssey-erp/ohada-close/internal/accounting"
	"github.com/odyssey-erp/ohada-close/internal/shared"
)

// Store is an in-memory accounting.Ledger. Transactions are serialised and rolled
// back by restoring a snapshot taken when they start.
type Store struct {
	mu       sync.Mutex
	years    map[string]accounting.FiscalYear
	entries  []accounting.JournalEntry
	audit    []shared.AuditLog
	seq      int64
	auditSeq int64
	failures map[string]error
}

type snapshot struct {
	years    map[string]accounting.FiscalYear
	entries  []accounting.JournalEntry
	audit    []shared.AuditLog
	seq      int64
	auditSeq int64
}

// Operations accepted by FailOn.
const (
	OpInsertEntry  = "insert_entry"
	OpDeleteEntry  = "delete_entries"
	OpUpdateStatus = "update_status"
	OpAppendAudit  = "append_audit"
	OpQuery        = "query_entries"
)

// New returns an empty store.
func New() *Store {
	return &Store{
		years:    make(map[string]accounting.FiscalYear),
		failures: make(map[string]error),
	}
}

// AddFiscalYear registers or replaces a fiscal year.
func (s *Store) AddFiscalYear(fy accounting.FiscalYear) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.years[fy.ID] = fy
}

// Seed stores entries as-is, bypassing validation. Missing numbers and hashes are filled in.
func (s *Store) Seed(entries ...accounting.JournalEntry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entries {
		s.seq++
		if e.Number == 0 {
			e.Number = s.seq
		}
		if e.ID == "" {
			e.ID = fmt.Sprintf("seed-%d", e.Number)
		}
		if e.Status == "" {
			e.Status = accounting.StatusValidated
		}
		e.TotalDebit, e.TotalCredit = e.Totals()
		if e.Hash == "" {
			e.Hash = accounting.ComputeHash(e)
		}
		e.Lines = cloneLines(e.Lines)
		for i := range e.Lines {
			e.Lines[i].EntryID = e.ID
		}
		s.entries = append(s.entries, e)
	}
}

// FailOn makes the next call of op fail with err. A nil err clears it.
func (s *Store) FailOn(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

func (s *Store) takeFailure(op string) error {
	err, ok := s.failures[op]
	if ok {
		delete(s.failures, op)
	}
	return err
}

// FiscalYear implements accounting.Ledger.
func (s *Store) FiscalYear(_ context.Context, id string) (accounting.FiscalYear, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fy, ok := s.years[id]
	if !ok {
		return accounting.FiscalYear{}, &accounting.UnknownFiscalYearError{ID: id}
	}
	return fy, nil
}

// ListFiscalYears implements accounting.Ledger.
func (s *Store) ListFiscalYears(_ context.Context) ([]accounting.FiscalYear, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]accounting.FiscalYear, 0, len(s.years))
	for _, fy := range s.years {
		out = append(out, fy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.Before(out[j].StartDate) })
	return out, nil
}

// QueryEntries implements accounting.Ledger.
func (s *Store) QueryEntries(_ context.Context, filter accounting.EntryFilter) ([]accounting.JournalEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.takeFailure(OpQuery); err != nil {
		return nil, err
	}
	return s.query(filter), nil
}

func (s *Store) query(filter accounting.EntryFilter) []accounting.JournalEntry {
	var out []accounting.JournalEntry
	for _, e := range s.entries {
		if filter.Matches(e) {
			e.Lines = cloneLines(e.Lines)
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].Number < out[j].Number
	})
	return out
}

// CountByCollection implements accounting.Ledger.
func (s *Store) CountByCollection(_ context.Context, collection string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch collection {
	case accounting.CollectionEntries:
		return len(s.entries), nil
	case accounting.CollectionLines:
		n := 0
		for _, e := range s.entries {
			n += len(e.Lines)
		}
		return n, nil
	case accounting.CollectionFiscalYears:
		return len(s.years), nil
	case accounting.CollectionAuditLogs:
		return len(s.audit), nil
	default:
		return 0, fmt.Errorf("memstore: unknown collection %q", collection)
	}
}

// AuditTrail implements accounting.AuditReader.
func (s *Store) AuditTrail(_ context.Context, entity, entityID string) ([]shared.AuditLog, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []shared.AuditLog
	for _, log := range s.audit {
		if entity != "" && log.Entity != entity {
			continue
		}
		if entityID != "" && log.EntityID != entityID {
			continue
		}
		out = append(out, log)
	}
	return out, nil
}

// AuditActions lists the actions recorded so far, oldest first.
func (s *Store) AuditActions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.audit))
	for _, log := range s.audit {
		out = append(out, log.Action)
	}
	return out
}

// WithTx implements accounting.Ledger.
func (s *Store) WithTx(ctx context.Context, fn func(context.Context, accounting.LedgerTx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	snap := s.snapshot()
	if err := fn(ctx, &tx{s: s}); err != nil {
		s.restore(snap)
		return err
	}
	return nil
}

func (s *Store) snapshot() snapshot {
	years := make(map[string]accounting.FiscalYear, len(s.years))
	for k, v := range s.years {
		years[k] = v
	}
	entries := make([]accounting.JournalEntry, len(s.entries))
	for i, e := range s.entries {
		e.Lines = cloneLines(e.Lines)
		entries[i] = e
	}
	return snapshot{
		years:    years,
		entries:  entries,
		audit:    append([]shared.AuditLog(nil), s.audit...),
		seq:      s.seq,
		auditSeq: s.auditSeq,
	}
}

func (s *Store) restore(snap snapshot) {
	s.years = snap.years
	s.entries = snap.entries
	s.audit = snap.audit
	s.seq = snap.seq
	s.auditSeq = snap.auditSeq
}

type tx struct {
	s *Store
}

func (t *tx) FiscalYearForDate(_ context.Context, date time.Time) (accounting.FiscalYear, bool, error) {
	var (
		match accounting.FiscalYear
		found bool
	)
	for _, fy := range t.s.years {
		if !fy.Contains(date) {
			continue
		}
		if !found || fy.StartDate.Before(match.StartDate) {
			match, found = fy, true
		}
	}
	return match, found, nil
}

func (t *tx) QueryEntries(_ context.Context, filter accounting.EntryFilter) ([]accounting.JournalEntry, error) {
	if err := t.s.takeFailure(OpQuery); err != nil {
		return nil, err
	}
	return t.s.query(filter), nil
}

func (t *tx) NextEntryNumber(context.Context) (int64, error) {
	t.s.seq++
	return t.s.seq, nil
}

func (t *tx) HashExists(_ context.Context, hash string) (bool, error) {
	for _, e := range t.s.entries {
		if e.Hash == hash {
			return true, nil
		}
	}
	return false, nil
}

func (t *tx) InsertEntry(_ context.Context, entry accounting.JournalEntry) error {
	if err := t.s.takeFailure(OpInsertEntry); err != nil {
		return err
	}
	for _, e := range t.s.entries {
		if e.Hash == entry.Hash {
			return accounting.ErrDuplicateEntry
		}
	}
	entry.Lines = cloneLines(entry.Lines)
	t.s.entries = append(t.s.entries, entry)
	return nil
}

func (t *tx) DeleteEntries(_ context.Context, ids []string) error {
	if err := t.s.takeFailure(OpDeleteEntry); err != nil {
		return err
	}
	drop := make(map[string]bool, len(ids))
	for _, id := range ids {
		drop[id] = true
	}
	kept := t.s.entries[:0:0]
	for _, e := range t.s.entries {
		if drop[e.ID] {
			delete(drop, e.ID)
			continue
		}
		kept = append(kept, e)
	}
	if len(drop) > 0 {
		return accounting.ErrJournalNotFound
	}
	t.s.entries = kept
	return nil
}

func (t *tx) UpdateEntryStatus(_ context.Context, ids []string, status accounting.JournalStatus) error {
	if err := t.s.takeFailure(OpUpdateStatus); err != nil {
		return err
	}
	index := make(map[string]int, len(t.s.entries))
	for i, e := range t.s.entries {
		index[e.ID] = i
	}
	for _, id := range ids {
		i, ok := index[id]
		if !ok {
			return accounting.ErrJournalNotFound
		}
		t.s.entries[i].Status = status
	}
	return nil
}

func (t *tx) SetFiscalYearClosed(_ context.Context, id string, closed bool) error {
	fy, ok := t.s.years[id]
	if !ok {
		return &accounting.UnknownFiscalYearError{ID: id}
	}
	fy.IsClosed = closed
	t.s.years[id] = fy
	return nil
}

func (t *tx) AppendAudit(_ context.Context, log shared.AuditLog) error {
	if err := t.s.takeFailure(OpAppendAudit); err != nil {
		return err
	}
	if err := log.Validate(); err != nil {
		return err
	}
	t.s.auditSeq++
	log.ID = t.s.auditSeq
	t.s.audit = append(t.s.audit, log)
	return nil
}

func cloneLines(lines []accounting.JournalLine) []accounting.JournalLine {
	if lines == nil {
		return nil
	}
	return append([]accounting.JournalLine(nil), lines...)
}
