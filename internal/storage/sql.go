package storage

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"recurd/internal/occurrence"
	logx "recurd/pkg/logx"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

//go:embed migrations.sql
var migrationsFS embed.FS

// dialect holds what differs between the SQL drivers.
type dialect struct {
	name     string
	rebind   func(query string) string
	isUnique func(err error) bool
}

// sqlStore implements Store on database/sql for sqlite and postgres. Each
// mutation reads the rule inside a transaction, applies the same helpers as
// the memory driver and writes it back guarded by the version it read.
type sqlStore struct {
	db  *sql.DB
	log logx.Logger
	d   dialect
	now func() time.Time

	opCount    atomic.Uint64
	pruneEvery uint64
}

const ruleColumns = `id, spec, completed, rotation, template, version, reference_ms, evaluate_at_ms, status, last_error, created_ms, updated_ms`

func newSQLStore(db *sql.DB, d dialect, log logx.Logger) *sqlStore {
	return &sqlStore{db: db, d: d, log: log, now: time.Now, pruneEvery: 500}
}

func (s *sqlStore) migrate(ctx context.Context) error {
	b, err := migrationsFS.ReadFile("migrations.sql")
	if err != nil {
		return err
	}
	for _, stmt := range strings.Split(string(b), ";") {
		if strings.TrimSpace(stripComments(stmt)) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate %s: %w", s.d.name, err)
		}
	}
	return nil
}

func stripComments(stmt string) string {
	var b strings.Builder
	for _, line := range strings.Split(stmt, "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		b.WriteString(line)
		b.WriteByte('\n')
	}
	return b.String()
}

func (s *sqlStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRule(row rowScanner) (RuleRecord, error) {
	var (
		r                RuleRecord
		spec, rot, tpl   string
		completed        int
		refMs            int64
		evalMs           sql.NullInt64
		status           string
		lastErr          sql.NullString
		createdMs, updMs int64
	)
	if err := row.Scan(&r.ID, &spec, &completed, &rot, &tpl, &r.Version, &refMs, &evalMs, &status, &lastErr, &createdMs, &updMs); err != nil {
		return RuleRecord{}, err
	}
	if err := json.Unmarshal([]byte(spec), &r.Spec); err != nil {
		return RuleRecord{}, fmt.Errorf("decode spec of %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(rot), &r.Rotation); err != nil {
		return RuleRecord{}, fmt.Errorf("decode rotation of %s: %w", r.ID, err)
	}
	if err := json.Unmarshal([]byte(tpl), &r.Template); err != nil {
		return RuleRecord{}, fmt.Errorf("decode template of %s: %w", r.ID, err)
	}
	r.Reference = time.UnixMilli(refMs)
	if evalMs.Valid {
		r.EvaluateAt = timePtr(time.UnixMilli(evalMs.Int64))
	}
	r.Status = RuleStatus(status)
	r.LastError = lastErr.String
	r.CreatedAt = time.UnixMilli(createdMs)
	r.UpdatedAt = time.UnixMilli(updMs)
	return finishRecord(r, completed), nil
}

func ruleArgs(r RuleRecord) ([]any, error) {
	spec, err := json.Marshal(r.Spec)
	if err != nil {
		return nil, err
	}
	rot, err := json.Marshal(r.Rotation)
	if err != nil {
		return nil, err
	}
	tpl, err := json.Marshal(r.Template)
	if err != nil {
		return nil, err
	}
	var eval any
	if r.EvaluateAt != nil {
		eval = r.EvaluateAt.UnixMilli()
	}
	return []any{
		r.ID, string(spec), r.Spec.OccurrencesCompleted, string(rot), string(tpl), r.Version,
		r.Reference.UnixMilli(), eval, string(r.Status), nullStr(r.LastError),
		r.CreatedAt.UnixMilli(), r.UpdatedAt.UnixMilli(),
	}, nil
}

func (s *sqlStore) q(query string) string { return s.d.rebind(query) }

func (s *sqlStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *sqlStore) selectRule(ctx context.Context, tx *sql.Tx, id string) (RuleRecord, error) {
	r, err := scanRule(tx.QueryRowContext(ctx, s.q(`SELECT `+ruleColumns+` FROM rules WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return RuleRecord{}, ErrNotFound
	}
	return r, err
}

// updateRule writes r (already carrying its new version) if the stored
// version is still expected.
func (s *sqlStore) updateRule(ctx context.Context, tx *sql.Tx, r RuleRecord, expected int64) error {
	args, err := ruleArgs(r)
	if err != nil {
		return err
	}
	// args[0] is the id; move it to the WHERE clause.
	args = append(args[1:], r.ID, expected)
	res, err := tx.ExecContext(ctx, s.q(`UPDATE rules SET spec = ?, completed = ?, rotation = ?, template = ?, version = ?,
		reference_ms = ?, evaluate_at_ms = ?, status = ?, last_error = ?, created_ms = ?, updated_ms = ?
		WHERE id = ? AND version = ?`), args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}

func (s *sqlStore) ListDueRules(ctx context.Context, now time.Time, limit int) ([]RuleRecord, error) {
	query := `SELECT ` + ruleColumns + ` FROM rules WHERE status = ? AND evaluate_at_ms IS NOT NULL AND evaluate_at_ms <= ?
		ORDER BY evaluate_at_ms, id`
	args := []any{string(StatusActive), now.UnixMilli()}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}
	rules, err := s.queryRules(ctx, query, args...)
	return rules, wrap("list due rules", err)
}

func (s *sqlStore) ListRules(ctx context.Context) ([]RuleRecord, error) {
	rules, err := s.queryRules(ctx, `SELECT `+ruleColumns+` FROM rules ORDER BY id`)
	return rules, wrap("list rules", err)
}

func (s *sqlStore) queryRules(ctx context.Context, query string, args ...any) ([]RuleRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []RuleRecord
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *sqlStore) GetRule(ctx context.Context, id string) (RuleRecord, error) {
	r, err := scanRule(s.db.QueryRowContext(ctx, s.q(`SELECT `+ruleColumns+` FROM rules WHERE id = ?`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return RuleRecord{}, ErrNotFound
	}
	return r, wrap("get rule", err)
}

func (s *sqlStore) SaveRule(ctx context.Context, rec RuleRecord) (RuleRecord, error) {
	if strings.TrimSpace(rec.ID) == "" {
		return RuleRecord{}, &Error{Op: "save rule", Err: errors.New("empty rule id")}
	}
	now := s.now()
	rec = rec.Clone()
	if rec.Status == "" {
		rec.Status = StatusActive
	}
	rec.UpdatedAt = now
	expected := rec.Version
	rec.Version++

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if expected == 0 {
			rec.CreatedAt = now
			args, err := ruleArgs(rec)
			if err != nil {
				return err
			}
			_, err = tx.ExecContext(ctx, s.q(`INSERT INTO rules(`+ruleColumns+`) VALUES(?,?,?,?,?,?,?,?,?,?,?,?)`), args...)
			if err != nil && s.d.isUnique(err) {
				return ErrConflict
			}
			return err
		}
		cur, err := s.selectRule(ctx, tx, rec.ID)
		if err != nil {
			return err
		}
		if cur.Version != expected {
			return ErrConflict
		}
		rec.CreatedAt = cur.CreatedAt
		return s.updateRule(ctx, tx, rec, expected)
	})
	if err != nil {
		return RuleRecord{}, wrapStore("save rule", err)
	}
	return finishRecord(rec, rec.Spec.OccurrencesCompleted), nil
}

func (s *sqlStore) CommitOccurrence(ctx context.Context, desc occurrence.Descriptor, upd CommitUpdate) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := s.selectRule(ctx, tx, desc.RuleID)
		if err != nil {
			return err
		}
		if r.Version != upd.ExpectedVersion || r.Status != StatusActive {
			return ErrConflict
		}
		now := s.now()
		applyCommit(&r, upd, now)
		if err := s.updateRule(ctx, tx, r, upd.ExpectedVersion); err != nil {
			return err
		}
		if desc.CreatedAt.IsZero() {
			desc.CreatedAt = now
		}
		return s.insertOccurrence(ctx, tx, desc)
	})
	return wrapStore("commit occurrence", err)
}

func (s *sqlStore) insertOccurrence(ctx context.Context, tx *sql.Tx, d occurrence.Descriptor) error {
	payload, err := json.Marshal(d)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, s.q(`INSERT INTO occurrences(id, rule_id, sequence, due_ms, assignee, status, payload, created_ms, completed_ms)
		VALUES(?,?,?,?,?,?,?,?,?)`),
		d.ID, d.RuleID, d.Sequence, d.DueDate.UnixMilli(), nullStr(d.Assignee), d.Status, string(payload),
		d.CreatedAt.UnixMilli(), nullTime(d.CompletedAt),
	)
	if err != nil && s.d.isUnique(err) {
		return ErrConflict
	}
	return err
}

func (s *sqlStore) transition(ctx context.Context, op, id string, expected int64, fn func(r *RuleRecord)) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := s.selectRule(ctx, tx, id)
		if err != nil {
			return err
		}
		if r.Version != expected {
			return ErrConflict
		}
		fn(&r)
		r.Version++
		r.UpdatedAt = s.now()
		return s.updateRule(ctx, tx, r, expected)
	})
	return wrapStore(op, err)
}

func (s *sqlStore) Disable(ctx context.Context, id string, expected int64, reason string) error {
	return s.transition(ctx, "disable", id, expected, func(r *RuleRecord) { disableRule(r, reason) })
}

func (s *sqlStore) MarkInvalid(ctx context.Context, id string, expected int64, reason string) error {
	return s.transition(ctx, "mark invalid", id, expected, func(r *RuleRecord) {
		r.Status = StatusInvalid
		r.EvaluateAt = nil
		r.LastError = reason
	})
}

func (s *sqlStore) Reschedule(ctx context.Context, id string, expected int64, evaluateAt *time.Time) error {
	return s.transition(ctx, "reschedule", id, expected, func(r *RuleRecord) { rescheduleRule(r, evaluateAt) })
}

func (s *sqlStore) RecordCompletion(ctx context.Context, c Completion) (RuleRecord, error) {
	var out RuleRecord
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := s.selectRule(ctx, tx, c.RuleID)
		if err != nil {
			return err
		}
		var payload string
		if c.OccurrenceID != "" {
			err = tx.QueryRowContext(ctx, s.q(`SELECT payload FROM occurrences WHERE id = ? AND rule_id = ?`), c.OccurrenceID, c.RuleID).Scan(&payload)
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
		} else {
			err = tx.QueryRowContext(ctx, s.q(`SELECT payload FROM occurrences WHERE rule_id = ? AND status <> ?
				ORDER BY sequence DESC LIMIT 1`), c.RuleID, occurrence.StatusDone).Scan(&payload)
			if errors.Is(err, sql.ErrNoRows) {
				err = nil
			}
		}
		if err != nil {
			return err
		}
		latest := true
		if payload != "" {
			var d occurrence.Descriptor
			if err := json.Unmarshal([]byte(payload), &d); err != nil {
				return err
			}
			if d.Status == occurrence.StatusDone {
				return ErrConflict
			}
			var top int
			if err := tx.QueryRowContext(ctx, s.q(`SELECT COALESCE(MAX(sequence), 0) FROM occurrences WHERE rule_id = ?`), c.RuleID).Scan(&top); err != nil {
				return err
			}
			latest = d.Sequence >= top
			d.Status = occurrence.StatusDone
			d.CompletedAt = timePtr(c.CompletedAt)
			if c.Subtasks != nil {
				d.Subtasks = append([]occurrence.Subtask(nil), c.Subtasks...)
			}
			b, err := json.Marshal(d)
			if err != nil {
				return err
			}
			if _, err := tx.ExecContext(ctx, s.q(`UPDATE occurrences SET status = ?, payload = ?, completed_ms = ? WHERE id = ?`),
				d.Status, string(b), c.CompletedAt.UnixMilli(), d.ID); err != nil {
				return err
			}
		}
		expected := r.Version
		applyCompletion(&r, c, latest)
		r.Version++
		r.UpdatedAt = s.now()
		if err := s.updateRule(ctx, tx, r, expected); err != nil {
			return err
		}
		out = r
		return nil
	})
	if err != nil {
		return RuleRecord{}, wrapStore("record completion", err)
	}
	return out, nil
}

func (s *sqlStore) ListOccurrences(ctx context.Context, ruleID string) ([]occurrence.Descriptor, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`SELECT payload FROM occurrences WHERE rule_id = ? ORDER BY sequence`), ruleID)
	if err != nil {
		return nil, wrap("list occurrences", err)
	}
	defer rows.Close()
	var out []occurrence.Descriptor
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, wrap("list occurrences", err)
		}
		var d occurrence.Descriptor
		if err := json.Unmarshal([]byte(payload), &d); err != nil {
			return nil, wrap("list occurrences", err)
		}
		out = append(out, d)
	}
	return out, wrap("list occurrences", rows.Err())
}

func (s *sqlStore) OpenOccurrenceCount(ctx context.Context, user string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM occurrences WHERE assignee = ? AND status <> ?`),
		user, occurrence.StatusDone).Scan(&n)
	return n, wrap("open occurrence count", err)
}

func (s *sqlStore) AppendAudit(ctx context.Context, e AuditEntry) error {
	if e.At.IsZero() {
		e.At = s.now()
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO audit(at_ms, action, rule_id, occurrence_id, detail, err) VALUES(?,?,?,?,?,?)`),
		e.At.UnixMilli(), e.Action, nullStr(e.RuleID), nullStr(e.OccurrenceID), nullStr(e.Detail), nullStr(e.Error))
	return wrap("append audit", err)
}

func (s *sqlStore) PutDedup(ctx context.Context, key string, until time.Time) error {
	if key = strings.TrimSpace(key); key == "" {
		return nil
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO dedup(key, until_ms) VALUES(?,?)
		ON CONFLICT(key) DO UPDATE SET until_ms = excluded.until_ms`), key, until.UnixMilli())
	if err == nil && s.opCount.Add(1)%s.pruneEvery == 0 {
		pctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
		if perr := s.pruneExpired(pctx); perr != nil {
			s.log.Debug("dedup prune failed", logx.Err(perr))
		}
		cancel()
	}
	return wrap("put dedup", err)
}

func (s *sqlStore) GetDedup(ctx context.Context, key string) (time.Time, bool, error) {
	var ms int64
	err := s.db.QueryRowContext(ctx, s.q(`SELECT until_ms FROM dedup WHERE key = ?`), strings.TrimSpace(key)).Scan(&ms)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, wrap("get dedup", err)
	}
	until := time.UnixMilli(ms)
	if until.Before(s.now()) {
		return time.Time{}, false, nil
	}
	return until, true, nil
}

func (s *sqlStore) pruneExpired(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, s.q(`DELETE FROM dedup WHERE until_ms < ?`), s.now().UnixMilli())
	return err
}

// wrapStore keeps the sentinel errors bare so callers can compare them.
func wrapStore(op string, err error) error {
	if err == nil || errors.Is(err, ErrConflict) || errors.Is(err, ErrNotFound) {
		return err
	}
	return wrap(op, err)
}

// rebindDollar turns ? placeholders into $1, $2, ...
func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

func nullStr(v string) any {
	if strings.TrimSpace(v) == "" {
		return nil
	}
	return v
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}
