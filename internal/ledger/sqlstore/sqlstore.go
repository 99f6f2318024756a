package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/davidahmann/quotegate/internal/ledger"
	"github.com/davidahmann/quotegate/pkg/types"
)

type Store struct {
	db *sql.DB
}

func OpenSQLite(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// A single connection serializes writers and avoids SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA foreign_keys = ON;"); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db), nil
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) WithTx(ctx context.Context, fn func(ledger.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}
	wrapped := &Tx{ctx: ctx, tx: tx}
	if err := fn(wrapped); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

const runColumns = `body_json, idempotency_key, created_at`

func (s *Store) GetRun(ctx context.Context, runID string) (types.RunRecord, error) {
	var run types.RunRecord
	err := s.WithTx(ctx, func(ltx ledger.Tx) error {
		t := ltx.(*Tx)
		var err error
		if run, err = t.GetRun(runID); err != nil {
			return err
		}
		run.Log, err = t.listLog(runID)
		return err
	})
	if err != nil {
		return types.RunRecord{}, err
	}
	return run, nil
}

func (s *Store) GetLog(ctx context.Context, runID string) ([]types.LogEntry, error) {
	run, err := s.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	return run.Log, nil
}

func (s *Store) ListRuns(ctx context.Context, filter ledger.RunFilter, limit int) ([]types.RunRecord, error) {
	if limit <= 0 {
		limit = ledger.DefaultListLimit
	}
	where := []string{}
	args := []any{}
	if filter.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.Outcome != "" {
		where = append(where, "outcome = ?")
		args = append(args, string(filter.Outcome))
	}
	query := `SELECT ` + runColumns + ` FROM runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, run_id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

func (s *Store) Stats(ctx context.Context, now time.Time) (types.Stats, error) {
	stats := ledger.NewStats()

	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM runs GROUP BY status`)
	if err != nil {
		return types.Stats{}, err
	}
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			_ = rows.Close()
			return types.Stats{}, err
		}
		stats.ByStatus[types.RunStatus(status)] = n
		stats.Total += n
	}
	if err := rows.Close(); err != nil {
		return types.Stats{}, err
	}

	rows, err = s.db.QueryContext(ctx, `SELECT outcome, COUNT(*) FROM runs WHERE outcome IS NOT NULL GROUP BY outcome`)
	if err != nil {
		return types.Stats{}, err
	}
	for rows.Next() {
		var outcome string
		var n int
		if err := rows.Scan(&outcome, &n); err != nil {
			_ = rows.Close()
			return types.Stats{}, err
		}
		stats.ByDecision[types.Outcome(outcome)] = n
	}
	if err := rows.Close(); err != nil {
		return types.Stats{}, err
	}

	since := types.FormatTime(now.Add(-24 * time.Hour))
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE created_at >= ?`, since)
	if err := row.Scan(&stats.Last24h); err != nil {
		return types.Stats{}, err
	}
	return stats, nil
}

func (s *Store) ListOverdueReviews(ctx context.Context, now string) ([]types.RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs
WHERE status = ? AND review_deadline IS NOT NULL AND review_completed_at IS NULL AND review_deadline < ?
ORDER BY review_deadline ASC`, string(types.RunPausedReview), now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

func (s *Store) PutOutbox(ctx context.Context, rec ledger.OutboxRecord) error {
	return s.WithTx(ctx, func(tx ledger.Tx) error { return tx.PutOutbox(rec) })
}

const outboxColumns = `notification_id, run_id, channel, message_json, status, attempt_count, next_attempt_at, last_error, sent_at, created_at, updated_at`

func (s *Store) GetOutbox(ctx context.Context, notificationID string) (ledger.OutboxRecord, bool) {
	row := s.db.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM notification_outbox WHERE notification_id = ?`, notificationID)
	rec, err := scanOutbox(row)
	if err != nil {
		return ledger.OutboxRecord{}, false
	}
	return rec, true
}

func (s *Store) ListOutboxDue(ctx context.Context, now string, limit int) ([]ledger.OutboxRecord, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+outboxColumns+`
FROM notification_outbox
WHERE status = 'pending' AND next_attempt_at <= ?
ORDER BY created_at ASC
LIMIT ?`, now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []ledger.OutboxRecord{}
	for rows.Next() {
		rec, err := scanOutbox(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *Store) GetPolicyVersion(ctx context.Context, policyHash string) (ledger.PolicyVersionRecord, bool) {
	var rec ledger.PolicyVersionRecord
	row := s.db.QueryRowContext(ctx, `SELECT policy_hash, policy_id, policy_version, policy_yaml, created_at FROM policy_versions WHERE policy_hash = ?`, policyHash)
	if err := row.Scan(&rec.PolicyHash, &rec.PolicyID, &rec.PolicyVersion, &rec.PolicyYAML, &rec.CreatedAt); err != nil {
		return ledger.PolicyVersionRecord{}, false
	}
	return rec, true
}

type Tx struct {
	ctx context.Context
	tx  *sql.Tx
}

func (t *Tx) CreateRun(run types.RunRecord) error {
	var n int
	row := t.tx.QueryRowContext(t.ctx, `SELECT COUNT(*) FROM runs WHERE run_id = ? OR (idempotency_key IS NOT NULL AND idempotency_key = ?)`, run.RunID, run.IdempotencyKey)
	if err := row.Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return ledger.ErrRunExists
	}
	body, err := encodeRun(run)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(t.ctx, `INSERT INTO runs(run_id, idempotency_key, status, current_node, agentic, retry_count, policy_hash, outcome, review_deadline, review_completed_at, created_at, updated_at, finalized_at, body_json)
VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		run.RunID,
		nullString(run.IdempotencyKey),
		string(run.Status),
		run.CurrentNode,
		boolToInt(run.Agentic),
		run.RetryCount,
		run.PolicyHash,
		nullString(ledger.OutcomeOf(run)),
		nullString(ledger.ReviewDeadline(run)),
		nullString(ledger.ReviewCompletedAt(run)),
		run.CreatedAt,
		run.UpdatedAt,
		nullString(run.FinalizedAt),
		body,
	)
	return err
}

func (t *Tx) GetRun(runID string) (types.RunRecord, error) {
	row := t.tx.QueryRowContext(t.ctx, `SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	return scanRun(row)
}

func (t *Tx) GetRunByIdempotencyKey(key string) (types.RunRecord, error) {
	row := t.tx.QueryRowContext(t.ctx, `SELECT `+runColumns+` FROM runs WHERE idempotency_key = ?`, key)
	return scanRun(row)
}

func (t *Tx) UpdateRun(run types.RunRecord, expected types.RunStatus) error {
	if err := t.checkStatus(run.RunID, &expected); err != nil {
		return err
	}
	current, err := t.GetRun(run.RunID)
	if err != nil {
		return err
	}
	run.IdempotencyKey = current.IdempotencyKey
	run.CreatedAt = current.CreatedAt
	body, err := encodeRun(run)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(t.ctx, `UPDATE runs SET
  status = ?, current_node = ?, agentic = ?, retry_count = ?, policy_hash = ?, outcome = ?,
  review_deadline = ?, review_completed_at = ?, updated_at = ?, finalized_at = ?, body_json = ?
WHERE run_id = ? AND status = ?`,
		string(run.Status),
		run.CurrentNode,
		boolToInt(run.Agentic),
		run.RetryCount,
		run.PolicyHash,
		nullString(ledger.OutcomeOf(run)),
		nullString(ledger.ReviewDeadline(run)),
		nullString(ledger.ReviewCompletedAt(run)),
		run.UpdatedAt,
		nullString(run.FinalizedAt),
		body,
		run.RunID,
		string(expected),
	)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ledger.ErrStatusConflict
	}
	return nil
}

func (t *Tx) AppendLogEntry(entry types.LogEntry) error {
	if err := t.checkStatus(entry.RunID, nil); err != nil {
		return err
	}
	var last int64
	row := t.tx.QueryRowContext(t.ctx, `SELECT COALESCE(MAX(seq), 0) FROM run_log WHERE run_id = ?`, entry.RunID)
	if err := row.Scan(&last); err != nil {
		return err
	}
	if entry.Seq != last+1 {
		return ledger.ErrSequenceConflict
	}
	body, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(t.ctx, `INSERT INTO run_log(run_id, seq, node, status_before, status_after, created_at, prev_digest, digest, body_json)
VALUES(?,?,?,?,?,?,?,?,?)`,
		entry.RunID,
		entry.Seq,
		entry.Node,
		string(entry.StatusBefore),
		string(entry.StatusAfter),
		entry.CreatedAt,
		entry.PrevDigest,
		entry.Digest,
		string(body),
	)
	return err
}

func (t *Tx) LastLogEntry(runID string) (types.LogEntry, bool, error) {
	if err := t.checkStatus(runID, nil); err != nil && !errors.Is(err, ledger.ErrRunTerminal) {
		return types.LogEntry{}, false, err
	}
	var body string
	row := t.tx.QueryRowContext(t.ctx, `SELECT body_json FROM run_log WHERE run_id = ? ORDER BY seq DESC LIMIT 1`, runID)
	if err := row.Scan(&body); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.LogEntry{}, false, nil
		}
		return types.LogEntry{}, false, err
	}
	var entry types.LogEntry
	if err := json.Unmarshal([]byte(body), &entry); err != nil {
		return types.LogEntry{}, false, err
	}
	return entry, true, nil
}

func (t *Tx) PutOutbox(rec ledger.OutboxRecord) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO notification_outbox(`+outboxColumns+`)
VALUES(?,?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(notification_id) DO UPDATE SET
  status=excluded.status,
  attempt_count=excluded.attempt_count,
  next_attempt_at=excluded.next_attempt_at,
  last_error=excluded.last_error,
  sent_at=excluded.sent_at,
  updated_at=excluded.updated_at`,
		rec.NotificationID,
		rec.RunID,
		rec.Channel,
		string(rec.MessageJSON),
		rec.Status,
		rec.AttemptCount,
		rec.NextAttemptAt,
		rec.LastError,
		rec.SentAt,
		rec.CreatedAt,
		rec.UpdatedAt,
	)
	return err
}

func (t *Tx) PutPolicyVersion(policy ledger.PolicyVersionRecord) error {
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO policy_versions(policy_hash, policy_id, policy_version, policy_yaml, created_at)
VALUES(?,?,?,?,?)
ON CONFLICT(policy_hash) DO NOTHING`,
		policy.PolicyHash, policy.PolicyID, policy.PolicyVersion, policy.PolicyYAML, policy.CreatedAt,
	)
	return err
}

// checkStatus fails for a missing or terminal run, and for a status other
// than expected when expected is set.
func (t *Tx) checkStatus(runID string, expected *types.RunStatus) error {
	var status string
	row := t.tx.QueryRowContext(t.ctx, `SELECT status FROM runs WHERE run_id = ?`, runID)
	if err := row.Scan(&status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ledger.ErrNotFound
		}
		return err
	}
	current := types.RunStatus(status)
	if current.Terminal() {
		return ledger.ErrRunTerminal
	}
	if expected != nil && current != *expected {
		return ledger.ErrStatusConflict
	}
	return nil
}

func (t *Tx) listLog(runID string) ([]types.LogEntry, error) {
	rows, err := t.tx.QueryContext(t.ctx, `SELECT body_json FROM run_log WHERE run_id = ? ORDER BY seq ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := []types.LogEntry{}
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, err
		}
		var entry types.LogEntry
		if err := json.Unmarshal([]byte(body), &entry); err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (types.RunRecord, error) {
	var body string
	var idem sql.NullString
	var createdAt string
	if err := row.Scan(&body, &idem, &createdAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return types.RunRecord{}, ledger.ErrNotFound
		}
		return types.RunRecord{}, err
	}
	var run types.RunRecord
	if err := json.Unmarshal([]byte(body), &run); err != nil {
		return types.RunRecord{}, err
	}
	run.IdempotencyKey = idem.String
	run.CreatedAt = createdAt
	return run, nil
}

func scanRuns(rows *sql.Rows) ([]types.RunRecord, error) {
	out := []types.RunRecord{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, run)
	}
	return out, rows.Err()
}

func scanOutbox(row scanner) (ledger.OutboxRecord, error) {
	var rec ledger.OutboxRecord
	var msg string
	if err := row.Scan(&rec.NotificationID, &rec.RunID, &rec.Channel, &msg, &rec.Status, &rec.AttemptCount, &rec.NextAttemptAt, &rec.LastError, &rec.SentAt, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return ledger.OutboxRecord{}, err
	}
	rec.MessageJSON = []byte(msg)
	return rec, nil
}

func encodeRun(run types.RunRecord) (string, error) {
	body, err := json.Marshal(run.Summary())
	if err != nil {
		return "", err
	}
	return string(body), nil
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
