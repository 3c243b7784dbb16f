// Package memstore provides an in-memory implementation of triage.Store.
// Suitable for dev/testing and single-process runs; state is lost on restart.
package memstore

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/alert"
	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/decision"
	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/fingerprint"
	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/scoring"
	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/triage"
)

type fpKey struct {
	hash  string
	start int64
}

type cacheKey struct {
	enricher string
	key      string
}

type cacheEntry struct {
	value     map[string]any
	expiresAt time.Time
}

type caseRow struct {
	c        triage.Case
	entities []alert.Entity
	entSet   map[alert.Entity]struct{}
	edges    []triage.Edge
	edgeSet  map[triage.Edge]struct{}
	alerts   []string
}

// Store holds the full triage state in memory behind one mutex.
type Store struct {
	mu sync.Mutex

	alerts    map[string]*triage.AlertRecord
	order     []string // ingest ids in insertion order
	byIdemKey map[string]string

	events       []*triage.Event
	fingerprints map[fpKey][]string // insertion-ordered ingest ids per window

	cases     map[string]*caseRow
	alertCase map[string]string

	cache       map[cacheKey]cacheEntry
	deadLetters map[string]*triage.DeadLetter
	tickets     map[string]*triage.Ticket // case id -> ticket

	experiments map[string]*triage.Experiment
	expOrder    []string
	expResults  map[string][]triage.ExperimentResult

	now func() time.Time
}

// New initializes an empty in-memory Store.
func New() *Store {
	return &Store{
		alerts:       make(map[string]*triage.AlertRecord),
		byIdemKey:    make(map[string]string),
		fingerprints: make(map[fpKey][]string),
		cases:        make(map[string]*caseRow),
		alertCase:    make(map[string]string),
		cache:        make(map[cacheKey]cacheEntry),
		deadLetters:  make(map[string]*triage.DeadLetter),
		tickets:      make(map[string]*triage.Ticket),
		experiments:  make(map[string]*triage.Experiment),
		expResults:   make(map[string][]triage.ExperimentResult),
		now:          time.Now,
	}
}

// SetNow overrides the clock, for tests.
func (s *Store) SetNow(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// InsertAlert stores a copy of rec unless the idempotency key is already
// known, in which case the existing record is returned unchanged.
func (s *Store) InsertAlert(_ context.Context, rec *triage.AlertRecord) (*triage.AlertRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if id, ok := s.byIdemKey[rec.IdempotencyKey]; ok {
		cp := *s.alerts[id]
		return &cp, false, nil
	}
	cp := *rec
	s.alerts[rec.IngestID] = &cp
	s.order = append(s.order, rec.IngestID)
	s.byIdemKey[rec.IdempotencyKey] = rec.IngestID
	out := cp
	return &out, true, nil
}

// ClaimNextPending transitions the oldest "ingested" alert to "processing"
// under the store lock, which makes the claim atomic across workers.
func (s *Store) ClaimNextPending(_ context.Context) (*triage.AlertRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.order {
		rec := s.alerts[id]
		if rec.Status != triage.StatusIngested {
			continue
		}
		rec.Status = triage.StatusProcessing
		rec.UpdatedAt = s.now().UTC()
		cp := *rec
		return &cp, nil
	}
	return nil, triage.ErrNotFound
}

func (s *Store) GetAlert(_ context.Context, ingestID string) (*triage.AlertRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.alerts[ingestID]
	if !ok {
		return nil, triage.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (s *Store) SetAlertStatus(_ context.Context, ingestID string, status triage.Status) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.alerts[ingestID]
	if !ok {
		return triage.ErrNotFound
	}
	rec.Status = status
	rec.UpdatedAt = s.now().UTC()
	return nil
}

func (s *Store) SetAlertNormalized(_ context.Context, ingestID, vendor string, normalized json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.alerts[ingestID]
	if !ok {
		return triage.ErrNotFound
	}
	rec.Vendor = vendor
	rec.Normalized = normalized
	rec.UpdatedAt = s.now().UTC()
	return nil
}

func (s *Store) MarkAlertFailed(_ context.Context, ingestID string, cause string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.alerts[ingestID]
	if !ok {
		return triage.ErrNotFound
	}
	rec.Status = triage.StatusFailed
	rec.LastError = cause
	rec.Attempts++
	rec.UpdatedAt = s.now().UTC()
	return nil
}

func (s *Store) ListAlertsBetween(_ context.Context, since, until time.Time) ([]*triage.AlertRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*triage.AlertRecord
	for _, id := range s.order {
		rec := s.alerts[id]
		if rec.ReceivedAt.Before(since) || !rec.ReceivedAt.Before(until) {
			continue
		}
		cp := *rec
		out = append(out, &cp)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ReceivedAt.Before(out[j].ReceivedAt) })
	return out, nil
}

func (s *Store) AppendEvent(_ context.Context, ev *triage.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ev
	s.events = append(s.events, &cp)
	return nil
}

func (s *Store) EventsForAlert(_ context.Context, ingestID string) ([]*triage.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*triage.Event
	for _, ev := range s.events {
		if ev.IngestID == ingestID {
			cp := *ev
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) EventsForCase(_ context.Context, caseID string) ([]*triage.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*triage.Event
	for _, ev := range s.events {
		if ev.CaseID == caseID {
			cp := *ev
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) LatestEventPayload(_ context.Context, ingestID, stage string) (json.RawMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.events) - 1; i >= 0; i-- {
		ev := s.events[i]
		if ev.IngestID == ingestID && ev.Stage == stage {
			return ev.Payload, nil
		}
	}
	return nil, triage.ErrNotFound
}

func (s *Store) RecordFingerprint(_ context.Context, ingestID string, fp fingerprint.Fingerprint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := fpKey{hash: fp.Hash, start: fp.WindowStart.Unix()}
	for _, id := range s.fingerprints[k] {
		if id == ingestID {
			return nil
		}
	}
	s.fingerprints[k] = append(s.fingerprints[k], ingestID)
	return nil
}

// FindDuplicateOf returns the earliest other ingest id recorded for the same
// (hash, window start). An alert is never a duplicate of itself.
func (s *Store) FindDuplicateOf(_ context.Context, ingestID string, fp fingerprint.Fingerprint) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := fpKey{hash: fp.Hash, start: fp.WindowStart.Unix()}
	for _, id := range s.fingerprints[k] {
		if id != ingestID {
			return id, nil
		}
		return "", nil // self is earliest in the window
	}
	return "", nil
}

// FindOpenCaseByEntities returns the most recently created case opened
// within the window that shares any of the given entities. A case created
// before the cutoff is never a merge target, no matter how recently it was
// last updated.
func (s *Store) FindOpenCaseByEntities(_ context.Context, entities []alert.Entity, now time.Time, window time.Duration) (*triage.Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := now.Add(-window)

	var best *caseRow
	for _, row := range s.cases {
		if row.c.CreatedAt.Before(cutoff) {
			continue
		}
		overlap := false
		for _, e := range entities {
			if _, ok := row.entSet[e]; ok {
				overlap = true
				break
			}
		}
		if !overlap {
			continue
		}
		if best == nil || row.c.CreatedAt.After(best.c.CreatedAt) {
			best = row
		}
	}
	if best == nil {
		return nil, triage.ErrNotFound
	}
	cp := best.c
	return &cp, nil
}

func (s *Store) CreateCase(_ context.Context, c *triage.Case, ingestID string, entities []alert.Entity, edges []triage.Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row := &caseRow{
		c:       *c,
		entSet:  make(map[alert.Entity]struct{}),
		edgeSet: make(map[triage.Edge]struct{}),
		alerts:  []string{ingestID},
	}
	row.addEntities(entities)
	row.addEdges(edges)
	s.cases[c.ID] = row
	s.alertCase[ingestID] = c.ID
	return nil
}

// MergeAlertIntoCase applies the merge policy: severity is the maximum of old
// and new, summary is last-write-wins, entities and edges are added ignoring
// duplicates.
func (s *Store) MergeAlertIntoCase(_ context.Context, caseID, ingestID string, severity int, summary string, entities []alert.Entity, edges []triage.Edge) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.cases[caseID]
	if !ok {
		return triage.ErrNotFound
	}
	if severity > row.c.Severity {
		row.c.Severity = severity
	}
	if summary != "" {
		row.c.Summary = summary
	}
	row.c.UpdatedAt = s.now().UTC()
	row.addEntities(entities)
	row.addEdges(edges)
	row.alerts = append(row.alerts, ingestID)
	s.alertCase[ingestID] = caseID
	return nil
}

func (s *Store) UpdateCaseOutcome(_ context.Context, caseID string, severity int, score scoring.Explanation, routing decision.Routing) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.cases[caseID]
	if !ok {
		return triage.ErrNotFound
	}
	if severity > row.c.Severity {
		row.c.Severity = severity
	}
	row.c.Confidence = score.Confidence
	row.c.Decision = routing.Decision
	row.c.Queue = routing.Queue
	row.c.UpdatedAt = s.now().UTC()
	row.c.Score, _ = json.Marshal(score)
	row.c.Routing, _ = json.Marshal(routing)
	return nil
}

func (s *Store) GetCase(_ context.Context, caseID string) (*triage.Case, []alert.Entity, []string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.cases[caseID]
	if !ok {
		return nil, nil, nil, triage.ErrNotFound
	}
	cp := row.c
	ents := append([]alert.Entity(nil), row.entities...)
	ids := append([]string(nil), row.alerts...)
	return &cp, ents, ids, nil
}

func (s *Store) ListCases(_ context.Context, f triage.CaseFilter) ([]*triage.Case, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*triage.Case
	for _, row := range s.cases {
		if !f.Since.IsZero() && row.c.UpdatedAt.Before(f.Since) {
			continue
		}
		if f.MinSeverity > 0 && row.c.Severity < f.MinSeverity {
			continue
		}
		if f.Decision != "" && string(row.c.Decision) != f.Decision {
			continue
		}
		if f.Queue != "" && row.c.Queue != f.Queue {
			continue
		}
		if f.Query != "" && !matchesQuery(row, f.Query) {
			continue
		}
		cp := row.c
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *Store) CaseGraph(_ context.Context, caseID string) ([]alert.Entity, []triage.Edge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.cases[caseID]
	if !ok {
		return nil, nil, triage.ErrNotFound
	}
	return append([]alert.Entity(nil), row.entities...), append([]triage.Edge(nil), row.edges...), nil
}

func (s *Store) CaseForAlert(_ context.Context, ingestID string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alertCase[ingestID], nil
}

// CacheGet purges an expired entry on read and reports a miss for it.
func (s *Store) CacheGet(_ context.Context, enricher, key string) (map[string]any, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	k := cacheKey{enricher: enricher, key: key}
	e, ok := s.cache[k]
	if !ok {
		return nil, false, nil
	}
	if s.now().After(e.expiresAt) {
		delete(s.cache, k)
		return nil, false, nil
	}
	return copyMap(e.value), true, nil
}

func (s *Store) CacheSet(_ context.Context, enricher, key string, value map[string]any, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cache[cacheKey{enricher: enricher, key: key}] = cacheEntry{
		value:     copyMap(value),
		expiresAt: s.now().Add(ttl),
	}
	return nil
}

// UpsertDeadLetter increments attempts and replaces stage/error on repeat
// failures of the same alert.
func (s *Store) UpsertDeadLetter(_ context.Context, dl *triage.DeadLetter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.deadLetters[dl.IngestID]; ok {
		existing.Attempts++
		existing.Stage = dl.Stage
		existing.Error = dl.Error
		existing.UpdatedAt = s.now().UTC()
		return nil
	}
	cp := *dl
	if cp.Attempts <= 0 {
		cp.Attempts = 1
	}
	s.deadLetters[dl.IngestID] = &cp
	return nil
}

func (s *Store) GetDeadLetter(_ context.Context, ingestID string) (*triage.DeadLetter, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dl, ok := s.deadLetters[ingestID]
	if !ok {
		return nil, triage.ErrNotFound
	}
	cp := *dl
	return &cp, nil
}

// UpsertTicket keeps the first ticket for a case; later calls return it.
func (s *Store) UpsertTicket(_ context.Context, t *triage.Ticket) (*triage.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.tickets[t.CaseID]; ok {
		cp := *existing
		return &cp, nil
	}
	cp := *t
	s.tickets[t.CaseID] = &cp
	out := cp
	return &out, nil
}

func (s *Store) TicketForCase(_ context.Context, caseID string) (*triage.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tickets[caseID]
	if !ok {
		return nil, triage.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (s *Store) CreateExperiment(_ context.Context, ex *triage.Experiment, results []triage.ExperimentResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.experiments[ex.ID]; !ok {
		s.expOrder = append(s.expOrder, ex.ID)
	}
	cp := *ex
	s.experiments[ex.ID] = &cp
	s.expResults[ex.ID] = append([]triage.ExperimentResult(nil), results...)
	return nil
}

func (s *Store) GetExperiment(_ context.Context, id string) (*triage.Experiment, []triage.ExperimentResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ex, ok := s.experiments[id]
	if !ok {
		return nil, nil, triage.ErrNotFound
	}
	cp := *ex
	return &cp, append([]triage.ExperimentResult(nil), s.expResults[id]...), nil
}

func (s *Store) ListExperiments(_ context.Context) ([]*triage.Experiment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*triage.Experiment, 0, len(s.expOrder))
	for i := len(s.expOrder) - 1; i >= 0; i-- {
		cp := *s.experiments[s.expOrder[i]]
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) Overview(_ context.Context, since time.Time) (*triage.Overview, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ov triage.Overview
	for _, id := range s.order {
		rec := s.alerts[id]
		if rec.ReceivedAt.Before(since) {
			continue
		}
		ov.Ingested++
		switch rec.Status {
		case triage.StatusDeduped:
			ov.Deduped++
		case triage.StatusFailed:
			ov.Errors++
		}
	}
	for _, row := range s.cases {
		if row.c.UpdatedAt.Before(since) {
			continue
		}
		ov.Cases++
		if row.c.Decision == decision.AutoClose {
			ov.AutoClosed++
		}
	}
	for _, t := range s.tickets {
		if !t.CreatedAt.Before(since) {
			ov.Tickets++
		}
	}
	return &ov, nil
}

func (r *caseRow) addEntities(entities []alert.Entity) {
	for _, e := range entities {
		if _, ok := r.entSet[e]; ok {
			continue
		}
		r.entSet[e] = struct{}{}
		r.entities = append(r.entities, e)
	}
}

func (r *caseRow) addEdges(edges []triage.Edge) {
	for _, e := range edges {
		if _, ok := r.edgeSet[e]; ok {
			continue
		}
		r.edgeSet[e] = struct{}{}
		r.edges = append(r.edges, e)
	}
}

func matchesQuery(row *caseRow, q string) bool {
	q = strings.ToLower(q)
	if strings.Contains(strings.ToLower(row.c.Summary), q) || strings.Contains(strings.ToLower(row.c.ID), q) {
		return true
	}
	for _, e := range row.entities {
		if strings.Contains(strings.ToLower(e.Value), q) {
			return true
		}
	}
	return false
}

func copyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = v
	}
	return cp
}
