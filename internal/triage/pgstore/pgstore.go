// Package pgstore provides a PostgreSQL implementation of triage.Store.
package pgstore

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/alert"
	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/decision"
	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/fingerprint"
	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/scoring"
	"github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/triage"
)

var tracer = otel.Tracer("github.com/dhyeysanghvi15/autotriage-soar-dashboard/internal/triage/pgstore")

//go:embed schema.sql
var schema string

// Store persists triage state in PostgreSQL.
type Store struct {
	pool *pgxpool.Pool
}

// New pings the pool, applies the schema, and returns a ready Store. The
// caller owns the pool's lifecycle.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func startSpan(ctx context.Context, name, op string) (context.Context, trace.Span) {
	return tracer.Start(ctx, name, trace.WithAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.operation.name", op),
	))
}

// spanErr records the error on the span and passes it through.
func spanErr(span trace.Span, err error) error {
	if err != nil && !errors.Is(err, triage.ErrNotFound) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

const alertColumns = `ingest_id, idempotency_key, received_at, updated_at, vendor, status,
	attempts, last_error, raw, normalized`

func scanAlert(row pgx.Row) (*triage.AlertRecord, error) {
	var (
		rec        triage.AlertRecord
		status     string
		normalized []byte
		raw        []byte
	)
	err := row.Scan(
		&rec.IngestID, &rec.IdempotencyKey, &rec.ReceivedAt, &rec.UpdatedAt, &rec.Vendor, &status,
		&rec.Attempts, &rec.LastError, &raw, &normalized,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, triage.ErrNotFound
		}
		return nil, fmt.Errorf("scan alert: %w", err)
	}
	rec.Status = triage.Status(status)
	rec.Raw = raw
	rec.Normalized = normalized
	return &rec, nil
}

// InsertAlert inserts the record unless the idempotency key already exists;
// in that case the existing record is returned with inserted=false.
func (s *Store) InsertAlert(ctx context.Context, rec *triage.AlertRecord) (*triage.AlertRecord, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.InsertAlert", "INSERT")
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`INSERT INTO alerts (`+alertColumns+`)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		 ON CONFLICT (idempotency_key) DO NOTHING`,
		rec.IngestID, rec.IdempotencyKey, rec.ReceivedAt, rec.UpdatedAt, rec.Vendor, string(rec.Status),
		rec.Attempts, rec.LastError, []byte(rec.Raw), nilIfEmpty(rec.Normalized),
	)
	if err != nil {
		return nil, false, spanErr(span, fmt.Errorf("insert alert: %w", err))
	}
	if tag.RowsAffected() == 1 {
		cp := *rec
		return &cp, true, nil
	}

	existing, err := scanAlert(s.pool.QueryRow(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE idempotency_key = $1`, rec.IdempotencyKey))
	if err != nil {
		return nil, false, spanErr(span, err)
	}
	return existing, false, nil
}

// ClaimNextPending claims the oldest "ingested" alert with a single guarded
// update. SKIP LOCKED keeps concurrent workers from contending on the same
// row.
func (s *Store) ClaimNextPending(ctx context.Context) (*triage.AlertRecord, error) {
	ctx, span := startSpan(ctx, "pgstore.ClaimNextPending", "UPDATE")
	defer span.End()

	rec, err := scanAlert(s.pool.QueryRow(ctx,
		`UPDATE alerts SET status = 'processing', updated_at = now()
		 WHERE ingest_id = (
		     SELECT ingest_id FROM alerts
		     WHERE status = 'ingested'
		     ORDER BY received_at
		     LIMIT 1
		     FOR UPDATE SKIP LOCKED
		 )
		 RETURNING `+alertColumns))
	if err != nil {
		return nil, spanErr(span, err)
	}
	return rec, nil
}

func (s *Store) GetAlert(ctx context.Context, ingestID string) (*triage.AlertRecord, error) {
	ctx, span := startSpan(ctx, "pgstore.GetAlert", "SELECT")
	defer span.End()

	rec, err := scanAlert(s.pool.QueryRow(ctx,
		`SELECT `+alertColumns+` FROM alerts WHERE ingest_id = $1`, ingestID))
	if err != nil {
		return nil, spanErr(span, err)
	}
	return rec, nil
}

func (s *Store) SetAlertStatus(ctx context.Context, ingestID string, status triage.Status) error {
	ctx, span := startSpan(ctx, "pgstore.SetAlertStatus", "UPDATE")
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`UPDATE alerts SET status = $2, updated_at = now() WHERE ingest_id = $1`,
		ingestID, string(status))
	if err != nil {
		return spanErr(span, fmt.Errorf("set status: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return triage.ErrNotFound
	}
	return nil
}

func (s *Store) SetAlertNormalized(ctx context.Context, ingestID, vendor string, normalized json.RawMessage) error {
	ctx, span := startSpan(ctx, "pgstore.SetAlertNormalized", "UPDATE")
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`UPDATE alerts SET vendor = $2, normalized = $3, updated_at = now() WHERE ingest_id = $1`,
		ingestID, vendor, []byte(normalized))
	if err != nil {
		return spanErr(span, fmt.Errorf("set normalized: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return triage.ErrNotFound
	}
	return nil
}

func (s *Store) MarkAlertFailed(ctx context.Context, ingestID string, cause string) error {
	ctx, span := startSpan(ctx, "pgstore.MarkAlertFailed", "UPDATE")
	defer span.End()

	tag, err := s.pool.Exec(ctx,
		`UPDATE alerts SET status = 'failed', last_error = $2, attempts = attempts + 1, updated_at = now()
		 WHERE ingest_id = $1`,
		ingestID, cause)
	if err != nil {
		return spanErr(span, fmt.Errorf("mark failed: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return triage.ErrNotFound
	}
	return nil
}

func (s *Store) ListAlertsBetween(ctx context.Context, since, until time.Time) ([]*triage.AlertRecord, error) {
	ctx, span := startSpan(ctx, "pgstore.ListAlertsBetween", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT `+alertColumns+` FROM alerts
		 WHERE received_at >= $1 AND received_at < $2
		 ORDER BY received_at`, since, until)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("query alerts: %w", err))
	}
	defer rows.Close()

	var out []*triage.AlertRecord
	for rows.Next() {
		rec, err := scanAlert(rows)
		if err != nil {
			return nil, spanErr(span, err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, spanErr(span, fmt.Errorf("iterate alerts: %w", err))
	}
	return out, nil
}

func (s *Store) AppendEvent(ctx context.Context, ev *triage.Event) error {
	ctx, span := startSpan(ctx, "pgstore.AppendEvent", "INSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO events (event_id, created_at, stage, ingest_id, case_id, payload)
		 VALUES ($1,$2,$3,$4,$5,$6)`,
		ev.ID, ev.CreatedAt, ev.Stage, ev.IngestID, ev.CaseID, []byte(ev.Payload))
	if err != nil {
		return spanErr(span, fmt.Errorf("insert event: %w", err))
	}
	return nil
}

func (s *Store) EventsForAlert(ctx context.Context, ingestID string) ([]*triage.Event, error) {
	ctx, span := startSpan(ctx, "pgstore.EventsForAlert", "SELECT")
	defer span.End()
	return s.queryEvents(ctx, span, `WHERE ingest_id = $1`, ingestID)
}

func (s *Store) EventsForCase(ctx context.Context, caseID string) ([]*triage.Event, error) {
	ctx, span := startSpan(ctx, "pgstore.EventsForCase", "SELECT")
	defer span.End()
	return s.queryEvents(ctx, span, `WHERE case_id = $1`, caseID)
}

func (s *Store) queryEvents(ctx context.Context, span trace.Span, where string, arg any) ([]*triage.Event, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT event_id, created_at, stage, ingest_id, case_id, payload FROM events `+
			where+` ORDER BY created_at, event_id`, arg)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("query events: %w", err))
	}
	defer rows.Close()

	var out []*triage.Event
	for rows.Next() {
		var ev triage.Event
		var payload []byte
		if err := rows.Scan(&ev.ID, &ev.CreatedAt, &ev.Stage, &ev.IngestID, &ev.CaseID, &payload); err != nil {
			return nil, spanErr(span, fmt.Errorf("scan event: %w", err))
		}
		ev.Payload = payload
		out = append(out, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, spanErr(span, fmt.Errorf("iterate events: %w", err))
	}
	return out, nil
}

func (s *Store) LatestEventPayload(ctx context.Context, ingestID, stage string) (json.RawMessage, error) {
	ctx, span := startSpan(ctx, "pgstore.LatestEventPayload", "SELECT")
	defer span.End()

	var payload []byte
	err := s.pool.QueryRow(ctx,
		`SELECT payload FROM events WHERE ingest_id = $1 AND stage = $2
		 ORDER BY created_at DESC, event_id DESC LIMIT 1`,
		ingestID, stage).Scan(&payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, triage.ErrNotFound
		}
		return nil, spanErr(span, fmt.Errorf("query payload: %w", err))
	}
	return payload, nil
}

func (s *Store) RecordFingerprint(ctx context.Context, ingestID string, fp fingerprint.Fingerprint) error {
	ctx, span := startSpan(ctx, "pgstore.RecordFingerprint", "UPSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO fingerprints (ingest_id, strategy, fp_hash, window_start)
		 VALUES ($1,$2,$3,$4)
		 ON CONFLICT (ingest_id) DO UPDATE SET
		     strategy = EXCLUDED.strategy,
		     fp_hash = EXCLUDED.fp_hash,
		     window_start = EXCLUDED.window_start`,
		ingestID, fp.Strategy, fp.Hash, fp.WindowStart)
	if err != nil {
		return spanErr(span, fmt.Errorf("upsert fingerprint: %w", err))
	}
	return nil
}

// FindDuplicateOf returns the earliest-recorded other alert sharing the same
// (hash, window start). An alert that is first in its window is not a
// duplicate of the later arrivals.
func (s *Store) FindDuplicateOf(ctx context.Context, ingestID string, fp fingerprint.Fingerprint) (string, error) {
	ctx, span := startSpan(ctx, "pgstore.FindDuplicateOf", "SELECT")
	defer span.End()

	// Tuple comparison with the ULID tiebreak keeps recorded_at ties
	// deterministic: exactly one alert of a tied pair is first in the window.
	var dupID string
	err := s.pool.QueryRow(ctx,
		`SELECT f.ingest_id FROM fingerprints f
		 WHERE f.fp_hash = $1 AND f.window_start = $2 AND f.ingest_id <> $3
		   AND (f.recorded_at, f.ingest_id) <
		       (SELECT recorded_at, ingest_id FROM fingerprints WHERE ingest_id = $3)
		 ORDER BY f.recorded_at, f.ingest_id
		 LIMIT 1`,
		fp.Hash, fp.WindowStart, ingestID).Scan(&dupID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", spanErr(span, fmt.Errorf("query duplicate: %w", err))
	}
	return dupID, nil
}

const caseColumns = `case_id, created_at, updated_at, severity, confidence, decision, queue, summary, score, routing`

func scanCase(row pgx.Row) (*triage.Case, error) {
	var (
		c              triage.Case
		dec            string
		score, routing []byte
	)
	err := row.Scan(&c.ID, &c.CreatedAt, &c.UpdatedAt, &c.Severity, &c.Confidence, &dec, &c.Queue, &c.Summary, &score, &routing)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, triage.ErrNotFound
		}
		return nil, fmt.Errorf("scan case: %w", err)
	}
	c.Decision = decision.Decision(dec)
	c.Score = score
	c.Routing = routing
	return &c, nil
}

func (s *Store) FindOpenCaseByEntities(ctx context.Context, entities []alert.Entity, now time.Time, window time.Duration) (*triage.Case, error) {
	ctx, span := startSpan(ctx, "pgstore.FindOpenCaseByEntities", "SELECT")
	defer span.End()

	if len(entities) == 0 {
		return nil, triage.ErrNotFound
	}

	args := []any{now.Add(-window)}
	var preds []string
	for _, e := range entities {
		args = append(args, string(e.Type), e.Value)
		preds = append(preds, fmt.Sprintf("(e.entity_type = $%d AND e.entity_value = $%d)", len(args)-1, len(args)))
	}

	query := `SELECT ` + prefixed("c.", caseColumns) + `
		 FROM cases c
		 JOIN case_entities e ON e.case_id = c.case_id
		 WHERE c.created_at >= $1 AND (` + strings.Join(preds, " OR ") + `)
		 ORDER BY c.created_at DESC
		 LIMIT 1`

	c, err := scanCase(s.pool.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, spanErr(span, err)
	}
	return c, nil
}

func (s *Store) CreateCase(ctx context.Context, c *triage.Case, ingestID string, entities []alert.Entity, edges []triage.Edge) error {
	ctx, span := startSpan(ctx, "pgstore.CreateCase", "INSERT")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return spanErr(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	_, err = tx.Exec(ctx,
		`INSERT INTO cases (`+caseColumns+`) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
		c.ID, c.CreatedAt, c.UpdatedAt, c.Severity, c.Confidence, string(c.Decision), c.Queue, c.Summary,
		nilIfEmpty(c.Score), nilIfEmpty(c.Routing))
	if err != nil {
		return spanErr(span, fmt.Errorf("insert case: %w", err))
	}

	if err := attachAlert(ctx, tx, c.ID, ingestID, entities, edges); err != nil {
		return spanErr(span, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return spanErr(span, fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (s *Store) MergeAlertIntoCase(ctx context.Context, caseID, ingestID string, severity int, summary string, entities []alert.Entity, edges []triage.Edge) error {
	ctx, span := startSpan(ctx, "pgstore.MergeAlertIntoCase", "UPDATE")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return spanErr(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	tag, err := tx.Exec(ctx,
		`UPDATE cases SET
		     severity = GREATEST(severity, $2),
		     summary = CASE WHEN $3 <> '' THEN $3 ELSE summary END,
		     updated_at = now()
		 WHERE case_id = $1`,
		caseID, severity, summary)
	if err != nil {
		return spanErr(span, fmt.Errorf("update case: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return triage.ErrNotFound
	}

	if err := attachAlert(ctx, tx, caseID, ingestID, entities, edges); err != nil {
		return spanErr(span, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return spanErr(span, fmt.Errorf("commit: %w", err))
	}
	return nil
}

// attachAlert links an alert to a case and adds its entities and edges,
// ignoring rows already present.
func attachAlert(ctx context.Context, tx pgx.Tx, caseID, ingestID string, entities []alert.Entity, edges []triage.Edge) error {
	_, err := tx.Exec(ctx,
		`INSERT INTO case_alerts (case_id, ingest_id) VALUES ($1,$2) ON CONFLICT DO NOTHING`,
		caseID, ingestID)
	if err != nil {
		return fmt.Errorf("insert case_alert: %w", err)
	}
	for _, e := range entities {
		_, err := tx.Exec(ctx,
			`INSERT INTO case_entities (case_id, entity_type, entity_value)
			 VALUES ($1,$2,$3) ON CONFLICT DO NOTHING`,
			caseID, string(e.Type), e.Value)
		if err != nil {
			return fmt.Errorf("insert case_entity: %w", err)
		}
	}
	for _, e := range edges {
		_, err := tx.Exec(ctx,
			`INSERT INTO case_edges (case_id, src_type, src_value, dst_type, dst_value, edge_type)
			 VALUES ($1,$2,$3,$4,$5,$6) ON CONFLICT DO NOTHING`,
			caseID, string(e.SrcType), e.SrcValue, string(e.DstType), e.DstValue, e.Type)
		if err != nil {
			return fmt.Errorf("insert case_edge: %w", err)
		}
	}
	return nil
}

func (s *Store) UpdateCaseOutcome(ctx context.Context, caseID string, severity int, score scoring.Explanation, routing decision.Routing) error {
	ctx, span := startSpan(ctx, "pgstore.UpdateCaseOutcome", "UPDATE")
	defer span.End()

	scoreJSON, err := json.Marshal(score)
	if err != nil {
		return spanErr(span, fmt.Errorf("marshal score: %w", err))
	}
	routingJSON, err := json.Marshal(routing)
	if err != nil {
		return spanErr(span, fmt.Errorf("marshal routing: %w", err))
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE cases SET
		     severity = GREATEST(severity, $2),
		     confidence = $3,
		     decision = $4,
		     queue = $5,
		     score = $6,
		     routing = $7,
		     updated_at = now()
		 WHERE case_id = $1`,
		caseID, severity, score.Confidence, string(routing.Decision), routing.Queue, scoreJSON, routingJSON)
	if err != nil {
		return spanErr(span, fmt.Errorf("update outcome: %w", err))
	}
	if tag.RowsAffected() == 0 {
		return triage.ErrNotFound
	}
	return nil
}

func (s *Store) GetCase(ctx context.Context, caseID string) (*triage.Case, []alert.Entity, []string, error) {
	ctx, span := startSpan(ctx, "pgstore.GetCase", "SELECT")
	defer span.End()

	c, err := scanCase(s.pool.QueryRow(ctx,
		`SELECT `+caseColumns+` FROM cases WHERE case_id = $1`, caseID))
	if err != nil {
		return nil, nil, nil, spanErr(span, err)
	}

	entities, _, err := s.graph(ctx, span, caseID, false)
	if err != nil {
		return nil, nil, nil, err
	}

	rows, err := s.pool.Query(ctx,
		`SELECT ingest_id FROM case_alerts WHERE case_id = $1 ORDER BY added_at`, caseID)
	if err != nil {
		return nil, nil, nil, spanErr(span, fmt.Errorf("query case alerts: %w", err))
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, nil, nil, spanErr(span, fmt.Errorf("scan case alert: %w", err))
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, nil, spanErr(span, fmt.Errorf("iterate case alerts: %w", err))
	}
	return c, entities, ids, nil
}

func (s *Store) ListCases(ctx context.Context, f triage.CaseFilter) ([]*triage.Case, error) {
	ctx, span := startSpan(ctx, "pgstore.ListCases", "SELECT")
	defer span.End()

	var (
		preds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if !f.Since.IsZero() {
		preds = append(preds, "c.updated_at >= "+arg(f.Since))
	}
	if f.MinSeverity > 0 {
		preds = append(preds, "c.severity >= "+arg(f.MinSeverity))
	}
	if f.Decision != "" {
		preds = append(preds, "c.decision = "+arg(f.Decision))
	}
	if f.Queue != "" {
		preds = append(preds, "c.queue = "+arg(f.Queue))
	}
	if f.Query != "" {
		p := arg("%" + f.Query + "%")
		preds = append(preds, `(c.summary ILIKE `+p+` OR c.case_id ILIKE `+p+` OR EXISTS (
			SELECT 1 FROM case_entities e WHERE e.case_id = c.case_id AND e.entity_value ILIKE `+p+`))`)
	}

	query := `SELECT ` + prefixed("c.", caseColumns) + ` FROM cases c`
	if len(preds) > 0 {
		query += ` WHERE ` + strings.Join(preds, " AND ")
	}
	query += ` ORDER BY c.updated_at DESC`
	if f.Limit > 0 {
		query += ` LIMIT ` + arg(f.Limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("query cases: %w", err))
	}
	defer rows.Close()

	var out []*triage.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, spanErr(span, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, spanErr(span, fmt.Errorf("iterate cases: %w", err))
	}
	return out, nil
}

func (s *Store) CaseGraph(ctx context.Context, caseID string) ([]alert.Entity, []triage.Edge, error) {
	ctx, span := startSpan(ctx, "pgstore.CaseGraph", "SELECT")
	defer span.End()
	return s.graph(ctx, span, caseID, true)
}

func (s *Store) graph(ctx context.Context, span trace.Span, caseID string, withEdges bool) ([]alert.Entity, []triage.Edge, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT entity_type, entity_value FROM case_entities
		 WHERE case_id = $1 ORDER BY entity_type, entity_value`, caseID)
	if err != nil {
		return nil, nil, spanErr(span, fmt.Errorf("query entities: %w", err))
	}
	defer rows.Close()

	var entities []alert.Entity
	for rows.Next() {
		var typ, val string
		if err := rows.Scan(&typ, &val); err != nil {
			return nil, nil, spanErr(span, fmt.Errorf("scan entity: %w", err))
		}
		entities = append(entities, alert.Entity{Type: alert.EntityType(typ), Value: val})
	}
	if err := rows.Err(); err != nil {
		return nil, nil, spanErr(span, fmt.Errorf("iterate entities: %w", err))
	}
	if !withEdges {
		return entities, nil, nil
	}

	erows, err := s.pool.Query(ctx,
		`SELECT src_type, src_value, dst_type, dst_value, edge_type FROM case_edges
		 WHERE case_id = $1 ORDER BY src_type, src_value, dst_type, dst_value`, caseID)
	if err != nil {
		return nil, nil, spanErr(span, fmt.Errorf("query edges: %w", err))
	}
	defer erows.Close()

	var edges []triage.Edge
	for erows.Next() {
		var e triage.Edge
		var st, dt string
		if err := erows.Scan(&st, &e.SrcValue, &dt, &e.DstValue, &e.Type); err != nil {
			return nil, nil, spanErr(span, fmt.Errorf("scan edge: %w", err))
		}
		e.SrcType = alert.EntityType(st)
		e.DstType = alert.EntityType(dt)
		edges = append(edges, e)
	}
	if err := erows.Err(); err != nil {
		return nil, nil, spanErr(span, fmt.Errorf("iterate edges: %w", err))
	}
	return entities, edges, nil
}

func (s *Store) CaseForAlert(ctx context.Context, ingestID string) (string, error) {
	ctx, span := startSpan(ctx, "pgstore.CaseForAlert", "SELECT")
	defer span.End()

	var caseID string
	err := s.pool.QueryRow(ctx,
		`SELECT case_id FROM case_alerts WHERE ingest_id = $1 LIMIT 1`, ingestID).Scan(&caseID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", spanErr(span, fmt.Errorf("query case for alert: %w", err))
	}
	return caseID, nil
}

// CacheGet deletes an expired entry on read and reports a miss for it.
func (s *Store) CacheGet(ctx context.Context, enricher, key string) (map[string]any, bool, error) {
	ctx, span := startSpan(ctx, "pgstore.CacheGet", "SELECT")
	defer span.End()

	var (
		blob      []byte
		expiresAt time.Time
	)
	err := s.pool.QueryRow(ctx,
		`SELECT value, expires_at FROM enrichment_cache WHERE enricher = $1 AND lookup_key = $2`,
		enricher, key).Scan(&blob, &expiresAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, false, nil
		}
		return nil, false, spanErr(span, fmt.Errorf("query cache: %w", err))
	}
	if time.Now().After(expiresAt) {
		if _, err := s.pool.Exec(ctx,
			`DELETE FROM enrichment_cache WHERE enricher = $1 AND lookup_key = $2 AND expires_at = $3`,
			enricher, key, expiresAt); err != nil {
			return nil, false, spanErr(span, fmt.Errorf("purge cache: %w", err))
		}
		return nil, false, nil
	}

	var value map[string]any
	if err := json.Unmarshal(blob, &value); err != nil {
		return nil, false, spanErr(span, fmt.Errorf("unmarshal cache value: %w", err))
	}
	return value, true, nil
}

func (s *Store) CacheSet(ctx context.Context, enricher, key string, value map[string]any, ttl time.Duration) error {
	ctx, span := startSpan(ctx, "pgstore.CacheSet", "UPSERT")
	defer span.End()

	blob, err := json.Marshal(value)
	if err != nil {
		return spanErr(span, fmt.Errorf("marshal cache value: %w", err))
	}
	_, err = s.pool.Exec(ctx,
		`INSERT INTO enrichment_cache (enricher, lookup_key, value, expires_at)
		 VALUES ($1,$2,$3,$4)
		 ON CONFLICT (enricher, lookup_key) DO UPDATE SET
		     value = EXCLUDED.value,
		     expires_at = EXCLUDED.expires_at`,
		enricher, key, blob, time.Now().Add(ttl))
	if err != nil {
		return spanErr(span, fmt.Errorf("upsert cache: %w", err))
	}
	return nil
}

func (s *Store) UpsertDeadLetter(ctx context.Context, dl *triage.DeadLetter) error {
	ctx, span := startSpan(ctx, "pgstore.UpsertDeadLetter", "UPSERT")
	defer span.End()

	attempts := dl.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO dead_letters (ingest_id, created_at, updated_at, attempts, stage, error, payload)
		 VALUES ($1,$2,$3,$4,$5,$6,$7)
		 ON CONFLICT (ingest_id) DO UPDATE SET
		     attempts = dead_letters.attempts + 1,
		     stage = EXCLUDED.stage,
		     error = EXCLUDED.error,
		     updated_at = EXCLUDED.updated_at`,
		dl.IngestID, dl.CreatedAt, dl.UpdatedAt, attempts, dl.Stage, dl.Error, []byte(dl.Payload))
	if err != nil {
		return spanErr(span, fmt.Errorf("upsert dead letter: %w", err))
	}
	return nil
}

func (s *Store) GetDeadLetter(ctx context.Context, ingestID string) (*triage.DeadLetter, error) {
	ctx, span := startSpan(ctx, "pgstore.GetDeadLetter", "SELECT")
	defer span.End()

	var (
		dl      triage.DeadLetter
		payload []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT ingest_id, created_at, updated_at, attempts, stage, error, payload
		 FROM dead_letters WHERE ingest_id = $1`, ingestID).
		Scan(&dl.IngestID, &dl.CreatedAt, &dl.UpdatedAt, &dl.Attempts, &dl.Stage, &dl.Error, &payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, triage.ErrNotFound
		}
		return nil, spanErr(span, fmt.Errorf("query dead letter: %w", err))
	}
	dl.Payload = payload
	return &dl, nil
}

// UpsertTicket inserts the ticket unless the case already has one, then
// returns whichever ticket the case ends up with.
func (s *Store) UpsertTicket(ctx context.Context, t *triage.Ticket) (*triage.Ticket, error) {
	ctx, span := startSpan(ctx, "pgstore.UpsertTicket", "UPSERT")
	defer span.End()

	_, err := s.pool.Exec(ctx,
		`INSERT INTO tickets (ticket_id, case_id, created_at, url, payload)
		 VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (case_id) DO NOTHING`,
		t.ID, t.CaseID, t.CreatedAt, t.URL, []byte(t.Payload))
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("insert ticket: %w", err))
	}
	out, err := s.TicketForCase(ctx, t.CaseID)
	if err != nil {
		return nil, spanErr(span, err)
	}
	return out, nil
}

func (s *Store) TicketForCase(ctx context.Context, caseID string) (*triage.Ticket, error) {
	ctx, span := startSpan(ctx, "pgstore.TicketForCase", "SELECT")
	defer span.End()

	var (
		t       triage.Ticket
		payload []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT ticket_id, case_id, created_at, url, payload FROM tickets WHERE case_id = $1`, caseID).
		Scan(&t.ID, &t.CaseID, &t.CreatedAt, &t.URL, &payload)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, triage.ErrNotFound
		}
		return nil, spanErr(span, fmt.Errorf("query ticket: %w", err))
	}
	t.Payload = payload
	return &t, nil
}

func (s *Store) CreateExperiment(ctx context.Context, ex *triage.Experiment, results []triage.ExperimentResult) error {
	ctx, span := startSpan(ctx, "pgstore.CreateExperiment", "INSERT")
	defer span.End()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return spanErr(span, fmt.Errorf("begin tx: %w", err))
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is harmless

	_, err = tx.Exec(ctx,
		`INSERT INTO experiments (experiment_id, created_at, since_ts, until_ts, overrides)
		 VALUES ($1,$2,$3,$4,$5)
		 ON CONFLICT (experiment_id) DO UPDATE SET overrides = EXCLUDED.overrides`,
		ex.ID, ex.CreatedAt, ex.Since, ex.Until, []byte(ex.Overrides))
	if err != nil {
		return spanErr(span, fmt.Errorf("insert experiment: %w", err))
	}

	if _, err := tx.Exec(ctx,
		`DELETE FROM experiment_results WHERE experiment_id = $1`, ex.ID); err != nil {
		return spanErr(span, fmt.Errorf("clear results: %w", err))
	}
	for _, r := range results {
		_, err := tx.Exec(ctx,
			`INSERT INTO experiment_results (experiment_id, metric_name, before_value, after_value, details)
			 VALUES ($1,$2,$3,$4,$5)`,
			ex.ID, r.Metric, r.Before, r.After, nilIfEmpty(r.Details))
		if err != nil {
			return spanErr(span, fmt.Errorf("insert result %s: %w", r.Metric, err))
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return spanErr(span, fmt.Errorf("commit: %w", err))
	}
	return nil
}

func (s *Store) GetExperiment(ctx context.Context, id string) (*triage.Experiment, []triage.ExperimentResult, error) {
	ctx, span := startSpan(ctx, "pgstore.GetExperiment", "SELECT")
	defer span.End()

	var (
		ex        triage.Experiment
		overrides []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT experiment_id, created_at, since_ts, until_ts, overrides
		 FROM experiments WHERE experiment_id = $1`, id).
		Scan(&ex.ID, &ex.CreatedAt, &ex.Since, &ex.Until, &overrides)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, triage.ErrNotFound
		}
		return nil, nil, spanErr(span, fmt.Errorf("query experiment: %w", err))
	}
	ex.Overrides = overrides

	rows, err := s.pool.Query(ctx,
		`SELECT metric_name, before_value, after_value, details
		 FROM experiment_results WHERE experiment_id = $1 ORDER BY metric_name`, id)
	if err != nil {
		return nil, nil, spanErr(span, fmt.Errorf("query results: %w", err))
	}
	defer rows.Close()

	var results []triage.ExperimentResult
	for rows.Next() {
		var r triage.ExperimentResult
		var details []byte
		if err := rows.Scan(&r.Metric, &r.Before, &r.After, &details); err != nil {
			return nil, nil, spanErr(span, fmt.Errorf("scan result: %w", err))
		}
		r.Details = details
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, nil, spanErr(span, fmt.Errorf("iterate results: %w", err))
	}
	return &ex, results, nil
}

func (s *Store) ListExperiments(ctx context.Context) ([]*triage.Experiment, error) {
	ctx, span := startSpan(ctx, "pgstore.ListExperiments", "SELECT")
	defer span.End()

	rows, err := s.pool.Query(ctx,
		`SELECT experiment_id, created_at, since_ts, until_ts, overrides
		 FROM experiments ORDER BY created_at DESC`)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("query experiments: %w", err))
	}
	defer rows.Close()

	var out []*triage.Experiment
	for rows.Next() {
		var ex triage.Experiment
		var overrides []byte
		if err := rows.Scan(&ex.ID, &ex.CreatedAt, &ex.Since, &ex.Until, &overrides); err != nil {
			return nil, spanErr(span, fmt.Errorf("scan experiment: %w", err))
		}
		ex.Overrides = overrides
		out = append(out, &ex)
	}
	if err := rows.Err(); err != nil {
		return nil, spanErr(span, fmt.Errorf("iterate experiments: %w", err))
	}
	return out, nil
}

func (s *Store) Overview(ctx context.Context, since time.Time) (*triage.Overview, error) {
	ctx, span := startSpan(ctx, "pgstore.Overview", "SELECT")
	defer span.End()

	var ov triage.Overview
	err := s.pool.QueryRow(ctx,
		`SELECT count(*),
		        count(*) FILTER (WHERE status = 'deduped'),
		        count(*) FILTER (WHERE status = 'failed')
		 FROM alerts WHERE received_at >= $1`, since).
		Scan(&ov.Ingested, &ov.Deduped, &ov.Errors)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("count alerts: %w", err))
	}

	err = s.pool.QueryRow(ctx,
		`SELECT count(*),
		        count(*) FILTER (WHERE decision = 'AUTO_CLOSE')
		 FROM cases WHERE updated_at >= $1`, since).
		Scan(&ov.Cases, &ov.AutoClosed)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("count cases: %w", err))
	}

	err = s.pool.QueryRow(ctx,
		`SELECT count(*) FROM tickets WHERE created_at >= $1`, since).Scan(&ov.Tickets)
	if err != nil {
		return nil, spanErr(span, fmt.Errorf("count tickets: %w", err))
	}
	return &ov, nil
}

// prefixed rewrites a comma-separated column list with a table alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func nilIfEmpty(b json.RawMessage) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}
