package trace

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx" driver
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Store keeps a local mirror of exported traces in PostgreSQL, backing the
// /api/traces read endpoints. It is optional; the remote trace store stays
// the system of record.
type Store struct {
	db *sql.DB
}

// OpenStore connects to the trace database at connStr and applies the schema.
func OpenStore(connStr string) (*Store, error) {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return nil, fmt.Errorf("trace store open: %w", err)
	}
	if err = db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("trace store ping: %w", err)
	}
	schema, err := migrationFS.ReadFile("migrations/0001_init.sql")
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("trace store schema: %w", err)
	}
	if _, err = db.Exec(string(schema)); err != nil {
		db.Close()
		return nil, fmt.Errorf("trace store migrate: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// ExportTrace persists one finalized trace tree.
func (s *Store) ExportTrace(ctx context.Context, data *Data) error {
	input := marshalJSON(data.Input)
	output := marshalJSON(data.Output)
	metadata := marshalJSON(data.Metadata)
	tags := marshalJSON(data.Tags)

	errMsg := ""
	if data.Error != nil {
		errMsg = data.Error.Message
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO traces (id, name, started_at, ended_at, input, output, metadata, tags, error_msg)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		data.ID, data.Name, data.StartTime, data.EndTime, input, output, metadata, tags, errMsg,
	)
	if err != nil {
		return fmt.Errorf("insert trace: %w", err)
	}

	for _, sp := range data.Spans {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO spans (id, trace_id, name, started_at, ended_at, latency_ms, input, output, model, status, error_msg)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			sp.ID, sp.TraceID, sp.Name, sp.StartTime, sp.EndTime, sp.LatencyMs,
			marshalJSON(sp.Input), marshalJSON(sp.Output), sp.Model, sp.Status, sp.Error,
		)
		if err != nil {
			return fmt.Errorf("insert span %s: %w", sp.Name, err)
		}
	}

	for _, sc := range data.Scores {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO scores (trace_id, name, value, reason, created_at)
			VALUES ($1, $2, $3, $4, $5)`,
			data.ID, sc.Name, sc.Value, sc.Reason, time.Now().UTC(),
		)
		if err != nil {
			return fmt.Errorf("insert score %s: %w", sc.Name, err)
		}
	}
	return nil
}

// TraceSummary is one row of the trace list view.
type TraceSummary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	StartedAt time.Time `json:"started_at"`
	EndedAt   time.Time `json:"ended_at"`
	ErrorMsg  string    `json:"error_msg,omitempty"`
	SpanCount int       `json:"span_count"`
}

// ListTraces returns traces ordered newest first.
func (s *Store) ListTraces(ctx context.Context, limit, offset int) ([]TraceSummary, int, error) {
	var total int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM traces`).Scan(&total); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.name, t.started_at, t.ended_at, t.error_msg, COUNT(sp.id) AS span_count
		FROM traces t
		LEFT JOIN spans sp ON sp.trace_id = t.id
		GROUP BY t.id
		ORDER BY t.started_at DESC
		LIMIT $1 OFFSET $2
	`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var traces []TraceSummary
	for rows.Next() {
		var tr TraceSummary
		if err = rows.Scan(&tr.ID, &tr.Name, &tr.StartedAt, &tr.EndedAt, &tr.ErrorMsg, &tr.SpanCount); err != nil {
			return nil, 0, err
		}
		traces = append(traces, tr)
	}
	return traces, total, rows.Err()
}

// GetTrace returns one trace with its spans and scores.
func (s *Store) GetTrace(ctx context.Context, id string) (*Data, error) {
	var data Data
	var input, output, metadata, tags []byte
	var errMsg string

	err := s.db.QueryRowContext(ctx, `
		SELECT id, name, started_at, ended_at, input, output, metadata, tags, error_msg
		FROM traces WHERE id = $1`, id,
	).Scan(&data.ID, &data.Name, &data.StartTime, &data.EndTime, &input, &output, &metadata, &tags, &errMsg)
	if err != nil {
		return nil, err
	}
	data.Input = unmarshalAny(input)
	unmarshalInto(output, &data.Output)
	unmarshalInto(metadata, &data.Metadata)
	unmarshalInto(tags, &data.Tags)
	if errMsg != "" {
		data.Error = &ErrorInfo{Message: errMsg}
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, trace_id, name, started_at, ended_at, latency_ms, input, output, model, status, error_msg
		FROM spans WHERE trace_id = $1 ORDER BY started_at ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var sp Span
		var spanInput, spanOutput []byte
		if err = rows.Scan(&sp.ID, &sp.TraceID, &sp.Name, &sp.StartTime, &sp.EndTime, &sp.LatencyMs,
			&spanInput, &spanOutput, &sp.Model, &sp.Status, &sp.Error); err != nil {
			return nil, err
		}
		sp.Input = unmarshalAny(spanInput)
		sp.Output = unmarshalAny(spanOutput)
		data.Spans = append(data.Spans, sp)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}

	scoreRows, err := s.db.QueryContext(ctx, `
		SELECT name, value, reason FROM scores WHERE trace_id = $1 ORDER BY created_at ASC`, id)
	if err != nil {
		return nil, err
	}
	defer scoreRows.Close()
	for scoreRows.Next() {
		var sc Score
		if err = scoreRows.Scan(&sc.Name, &sc.Value, &sc.Reason); err != nil {
			return nil, err
		}
		data.Scores = append(data.Scores, sc)
	}
	return &data, scoreRows.Err()
}

// marshalJSON renders v for a JSONB column; nil maps to SQL NULL.
func marshalJSON(v any) any {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return string(b)
}

func unmarshalAny(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	var v any
	if json.Unmarshal(b, &v) != nil {
		return string(b)
	}
	return v
}

func unmarshalInto[T any](b []byte, dst *T) {
	if len(b) == 0 {
		return
	}
	_ = json.Unmarshal(b, dst)
}
