package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/lib/pq"

	"github.com/snublejuice/vinskraper/internal/model"
)

// Postgres keeps one JSONB document table per collection.
type Postgres struct {
	db *sql.DB
	sb sq.StatementBuilderType
}

// NewPostgres wraps an open database handle.
func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db, sb: sq.StatementBuilder.PlaceholderFormat(sq.Dollar)}
}

// OpenPostgres opens dsn with the lib/pq driver.
func OpenPostgres(dsn string) (*Postgres, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return NewPostgres(db), nil
}

func table(c model.Collection) string {
	return "vinskraper_" + string(c)
}

// Migrate creates the collection tables.
func (s *Postgres) Migrate(ctx context.Context) error {
	for _, c := range model.Collections() {
		stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
  idx BIGINT PRIMARY KEY,
  doc JSONB NOT NULL
)`, table(c))
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("creating table %s: %w", table(c), err)
		}
	}
	return nil
}

// Ping checks database connectivity.
func (s *Postgres) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database handle.
func (s *Postgres) Close(context.Context) error {
	return s.db.Close()
}

// Distinct returns distinct values of field.
func (s *Postgres) Distinct(ctx context.Context, c model.Collection, field string) ([]any, error) {
	if field == model.FieldIndex {
		query := s.sb.Select("idx").From(table(c)).OrderBy("idx")
		rows, err := s.query(ctx, query)
		if err != nil {
			return nil, fmt.Errorf("distinct %s on %s: %w", field, c, err)
		}
		defer rows.Close()
		var out []any
		for rows.Next() {
			var idx int64
			if err := rows.Scan(&idx); err != nil {
				return nil, fmt.Errorf("scanning index: %w", err)
			}
			out = append(out, idx)
		}
		return out, rows.Err()
	}

	query := s.sb.Select().
		Column("DISTINCT doc -> ?::text", field).
		From(table(c)).
		Where(sq.Expr("COALESCE(jsonb_typeof(doc -> ?::text), 'null') <> 'null'", field))
	rows, err := s.query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("distinct %s on %s: %w", field, c, err)
	}
	defer rows.Close()

	var out []any
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning distinct value: %w", err)
		}
		if raw == nil {
			continue
		}
		var v any
		if err := decodeJSON(raw, &v); err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, rows.Err()
}

// Find returns matching documents ordered by index.
func (s *Postgres) Find(ctx context.Context, c model.Collection, filter Filter) ([]model.Document, error) {
	query := applyFilter(s.sb.Select("doc").From(table(c)), filter).OrderBy("idx")
	rows, err := s.query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("finding in %s: %w", c, err)
	}
	defer rows.Close()

	var out []model.Document
	for rows.Next() {
		var raw []byte
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scanning document: %w", err)
		}
		var doc map[string]any
		if err := decodeJSON(raw, &doc); err != nil {
			return nil, err
		}
		out = append(out, model.Document(doc))
	}
	return out, rows.Err()
}

// BulkWrite applies ops in one transaction.
func (s *Postgres) BulkWrite(ctx context.Context, c model.Collection, ops []Op) (BulkResult, error) {
	if len(ops) == 0 {
		return BulkResult{}, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return BulkResult{}, fmt.Errorf("starting bulk write: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	var res BulkResult
	for _, op := range ops {
		switch o := op.(type) {
		case Upsert:
			inserted, err := s.upsert(ctx, tx, c, o)
			if err != nil {
				return BulkResult{}, err
			}
			if inserted {
				res.Upserted++
			} else {
				res.Modified++
			}
		case Patch:
			found, err := s.patch(ctx, tx, c, o)
			if err != nil {
				return BulkResult{}, err
			}
			if found {
				res.Modified++
			} else {
				res.Skipped++
			}
		case Delete:
			query := s.sb.Delete(table(c)).Where(sq.Eq{"idx": o.Index})
			sqlStr, args, err := query.ToSql()
			if err != nil {
				return BulkResult{}, fmt.Errorf("building delete query: %w", err)
			}
			result, err := tx.ExecContext(ctx, sqlStr, args...)
			if err != nil {
				return BulkResult{}, fmt.Errorf("deleting %d from %s: %w", o.Index, c, err)
			}
			n, _ := result.RowsAffected()
			res.Deleted += n
		}
	}

	if err := tx.Commit(); err != nil {
		return BulkResult{}, fmt.Errorf("committing bulk write: %w", err)
	}
	return res, nil
}

// upsert merges as (set-if-absent || existing || set) - unset.
func (s *Postgres) upsert(ctx context.Context, tx *sql.Tx, c model.Collection, u Upsert) (bool, error) {
	set := u.Set.Clone()
	if set == nil {
		set = model.Document{}
	}
	set[model.FieldIndex] = u.Index
	setJSON, err := json.Marshal(set)
	if err != nil {
		return false, fmt.Errorf("encoding document %d: %w", u.Index, err)
	}
	onceJSON, err := json.Marshal(nonNil(u.SetIfAbsent))
	if err != nil {
		return false, fmt.Errorf("encoding document %d: %w", u.Index, err)
	}
	unset := u.Unset
	if unset == nil {
		unset = []string{}
	}

	query := s.sb.
		Insert(table(c)).
		Columns("idx", "doc").
		Values(u.Index, sq.Expr("(?::jsonb || ?::jsonb) - ?::text[]", string(onceJSON), string(setJSON), pq.Array(unset))).
		Suffix(fmt.Sprintf(`
ON CONFLICT (idx) DO UPDATE SET
  doc = (?::jsonb || %[1]s.doc || ?::jsonb) - ?::text[]
RETURNING (xmax = 0)`, table(c)), string(onceJSON), string(setJSON), pq.Array(unset))

	sqlStr, args, err := query.ToSql()
	if err != nil {
		return false, fmt.Errorf("building upsert query: %w", err)
	}
	var inserted bool
	if err := tx.QueryRowContext(ctx, sqlStr, args...).Scan(&inserted); err != nil {
		return false, fmt.Errorf("upserting %d into %s: %w", u.Index, c, err)
	}
	return inserted, nil
}

// patch applies the upsert merge to an existing row only.
func (s *Postgres) patch(ctx context.Context, tx *sql.Tx, c model.Collection, p Patch) (bool, error) {
	setJSON, err := json.Marshal(nonNil(p.Set))
	if err != nil {
		return false, fmt.Errorf("encoding document %d: %w", p.Index, err)
	}
	onceJSON, err := json.Marshal(nonNil(p.SetIfAbsent))
	if err != nil {
		return false, fmt.Errorf("encoding document %d: %w", p.Index, err)
	}
	unset := p.Unset
	if unset == nil {
		unset = []string{}
	}

	sqlStr, args, err := s.sb.Update(table(c)).
		Set("doc", sq.Expr("(?::jsonb || doc || ?::jsonb) - ?::text[]", string(onceJSON), string(setJSON), pq.Array(unset))).
		Where(sq.Eq{"idx": p.Index}).
		ToSql()
	if err != nil {
		return false, fmt.Errorf("building patch query: %w", err)
	}
	result, err := tx.ExecContext(ctx, sqlStr, args...)
	if err != nil {
		return false, fmt.Errorf("patching %d in %s: %w", p.Index, c, err)
	}
	n, _ := result.RowsAffected()
	return n > 0, nil
}

// UpdateMany applies update to every matching document.
func (s *Postgres) UpdateMany(ctx context.Context, c model.Collection, filter Filter, update Update) (int64, error) {
	expr := "doc"
	var args []any
	if len(update.Set) > 0 {
		setJSON, err := json.Marshal(update.Set)
		if err != nil {
			return 0, fmt.Errorf("encoding update: %w", err)
		}
		expr = "(" + expr + " || ?::jsonb)"
		args = append(args, string(setJSON))
	}
	for k, delta := range update.Inc {
		expr = fmt.Sprintf("jsonb_set(%s, ARRAY[?]::text[], to_jsonb(COALESCE((doc ->> ?::text)::bigint, 0) + ?))", expr)
		args = append(args, k, k, delta)
	}
	if len(update.Unset) > 0 {
		expr = "(" + expr + " - ?::text[])"
		args = append(args, pq.Array(update.Unset))
	}
	if len(args) == 0 {
		return 0, nil
	}

	query := applyUpdateFilter(s.sb.Update(table(c)).Set("doc", sq.Expr(expr, args...)), filter)
	sqlStr, qargs, err := query.ToSql()
	if err != nil {
		return 0, fmt.Errorf("building update query: %w", err)
	}
	result, err := s.db.ExecContext(ctx, sqlStr, qargs...)
	if err != nil {
		return 0, fmt.Errorf("update many on %s: %w", c, err)
	}
	return result.RowsAffected()
}

// ReplaceAll deletes every row and inserts docs in one transaction.
func (s *Postgres) ReplaceAll(ctx context.Context, c model.Collection, docs []model.Document) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting replace: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	sqlStr, args, err := s.sb.Delete(table(c)).ToSql()
	if err != nil {
		return fmt.Errorf("building delete query: %w", err)
	}
	if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
		return fmt.Errorf("clearing %s: %w", c, err)
	}

	for _, doc := range docs {
		idx, ok := doc.Index()
		if !ok {
			continue
		}
		raw, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("encoding document %d: %w", idx, err)
		}
		sqlStr, args, err := s.sb.Insert(table(c)).
			Columns("idx", "doc").
			Values(idx, sq.Expr("?::jsonb", string(raw))).
			ToSql()
		if err != nil {
			return fmt.Errorf("building insert query: %w", err)
		}
		if _, err := tx.ExecContext(ctx, sqlStr, args...); err != nil {
			return fmt.Errorf("inserting %d into %s: %w", idx, c, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing replace: %w", err)
	}
	return nil
}

func (s *Postgres) query(ctx context.Context, query sq.SelectBuilder) (*sql.Rows, error) {
	sqlStr, args, err := query.ToSql()
	if err != nil {
		return nil, fmt.Errorf("building query: %w", err)
	}
	return s.db.QueryContext(ctx, sqlStr, args...)
}

func filterConditions(f Filter) []sq.Sqlizer {
	var conds []sq.Sqlizer
	if f.Indexes != nil {
		if len(f.Indexes) == 0 {
			conds = append(conds, sq.Expr("FALSE"))
		} else {
			conds = append(conds, sq.Eq{"idx": f.Indexes})
		}
	}
	for _, k := range f.Missing {
		conds = append(conds, sq.Expr("COALESCE(jsonb_typeof(doc -> ?::text), 'null') = 'null'", k))
	}
	for k, v := range f.Equals {
		raw, _ := json.Marshal(v)
		conds = append(conds, sq.Expr("doc -> ?::text = ?::jsonb", k, string(raw)))
	}
	return conds
}

func applyFilter(query sq.SelectBuilder, f Filter) sq.SelectBuilder {
	for _, cond := range filterConditions(f) {
		query = query.Where(cond)
	}
	return query
}

func applyUpdateFilter(query sq.UpdateBuilder, f Filter) sq.UpdateBuilder {
	for _, cond := range filterConditions(f) {
		query = query.Where(cond)
	}
	return query
}

func nonNil(doc model.Document) model.Document {
	if doc == nil {
		return model.Document{}
	}
	return doc
}

func decodeJSON(raw []byte, v any) error {
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("decoding jsonb: %w", err)
	}
	return nil
}
