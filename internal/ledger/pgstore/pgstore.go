package pgstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/lib/pq"

	"github.com/davidahmann/quotegate/internal/ledger"
	"github.com/davidahmann/quotegate/pkg/types"
)

type Store struct {
	db *sql.DB
}

func OpenPostgres(dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return New(db), nil
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

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

const runColumns = `body_json::text, idempotency_key, created_at`

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
		args = append(args, string(filter.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if filter.Outcome != "" {
		args = append(args, string(filter.Outcome))
		where = append(where, fmt.Sprintf("outcome = $%d", len(args)))
	}
	query := `SELECT ` + runColumns + ` FROM quotegate_runs`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC, run_id DESC LIMIT $%d", len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanRuns(rows)
}

func (s *Store) Stats(ctx context.Context, now time.Time) (types.Stats, error) {
	stats := ledger.NewStats()

	rows, err := s.db.QueryContext(ctx, `SELECT status, COALESCE(outcome, ''), COUNT(*) FROM quotegate_runs GROUP BY status, outcome`)
	if err != nil {
		return types.Stats{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var status, outcome string
		var n int
		if err := rows.Scan(&status, &outcome, &n); err != nil {
			return types.Stats{}, err
		}
		stats.Total += n
		stats.ByStatus[types.RunStatus(status)] += n
		if outcome != "" {
			stats.ByDecision[types.Outcome(outcome)] += n
		}
	}
	if err := rows.Err(); err != nil {
		return types.Stats{}, err
	}

	since := types.FormatTime(now.Add(-24 * time.Hour))
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM quotegate_runs WHERE created_at >= $1`, since)
	if err := row.Scan(&stats.Last24h); err != nil {
		return types.Stats{}, err
	}
	return stats, nil
}

func (s *Store) ListOverdueReviews(ctx context.Context, now string) ([]types.RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM quotegate_runs
WHERE status = $1 AND review_deadline IS NOT NULL AND review_completed_at IS NULL AND review_deadline < $2
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

const outboxColumns = `notification_id, run_id, channel, message_json::text, status, attempt_count, next_attempt_at, last_error, sent_at, created_at, updated_at`

func (s *Store) GetOutbox(ctx context.Context, notificationID string) (ledger.OutboxRecord, bool) {
	row := s.db.QueryRowContext(ctx, `SELECT `+outboxColumns+` FROM quotegate_notification_outbox WHERE notification_id = $1`, notificationID)
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
FROM quotegate_notification_outbox
WHERE status = 'pending' AND next_attempt_at <= $1
ORDER BY created_at ASC
LIMIT $2`, now, limit)
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
	row := s.db.QueryRowContext(ctx, `SELECT policy_hash, policy_id, policy_version, policy_yaml, created_at FROM quotegate_policy_versions WHERE policy_hash = $1`, policyHash)
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
	body, err := encodeRun(run)
	if err != nil {
		return err
	}
	res, err := t.tx.ExecContext(t.ctx, `INSERT INTO quotegate_runs(run_id, idempotency_key, status, current_node, agentic, retry_count, policy_hash, outcome, review_deadline, review_completed_at, created_at, updated_at, finalized_at, body_json)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14::jsonb)
ON CONFLICT DO NOTHING`,
		run.RunID,
		nullString(run.IdempotencyKey),
		string(run.Status),
		run.CurrentNode,
		run.Agentic,
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
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ledger.ErrRunExists
	}
	return nil
}

func (t *Tx) GetRun(runID string) (types.RunRecord, error) {
	row := t.tx.QueryRowContext(t.ctx, `SELECT `+runColumns+` FROM quotegate_runs WHERE run_id = $1`, runID)
	return scanRun(row)
}

func (t *Tx) GetRunByIdempotencyKey(key string) (types.RunRecord, error) {
	row := t.tx.QueryRowContext(t.ctx, `SELECT `+runColumns+` FROM quotegate_runs WHERE idempotency_key = $1`, key)
	return scanRun(row)
}

func (t *Tx) UpdateRun(run types.RunRecord, expected types.RunStatus) error {
	current, err := t.lockRun(run.RunID)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		return ledger.ErrRunTerminal
	}
	if current.Status != expected {
		return ledger.ErrStatusConflict
	}
	run.IdempotencyKey = current.IdempotencyKey
	run.CreatedAt = current.CreatedAt
	body, err := encodeRun(run)
	if err != nil {
		return err
	}
	_, err = t.tx.ExecContext(t.ctx, `UPDATE quotegate_runs SET
  status = $1, current_node = $2, agentic = $3, retry_count = $4, policy_hash = $5, outcome = $6,
  review_deadline = $7, review_completed_at = $8, updated_at = $9, finalized_at = $10, body_json = $11::jsonb
WHERE run_id = $12`,
		string(run.Status),
		run.CurrentNode,
		run.Agentic,
		run.RetryCount,
		run.PolicyHash,
		nullString(ledger.OutcomeOf(run)),
		nullString(ledger.ReviewDeadline(run)),
		nullString(ledger.ReviewCompletedAt(run)),
		run.UpdatedAt,
		nullString(run.FinalizedAt),
		body,
		run.RunID,
	)
	return err
}

func (t *Tx) AppendLogEntry(entry types.LogEntry) error {
	current, err := t.lockRun(entry.RunID)
	if err != nil {
		return err
	}
	if current.Status.Terminal() {
		return ledger.ErrRunTerminal
	}
	var last int64
	row := t.tx.QueryRowContext(t.ctx, `SELECT COALESCE(MAX(seq), 0) FROM quotegate_run_log WHERE run_id = $1`, entry.RunID)
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
	_, err = t.tx.ExecContext(t.ctx, `INSERT INTO quotegate_run_log(run_id, seq, node, status_before, status_after, created_at, prev_digest, digest, body_json)
VALUES($1,$2,$3,$4,$5,$6,$7,$8,$9::jsonb)`,
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
	if _, err := t.lockRun(runID); err != nil {
		return types.LogEntry{}, false, err
	}
	var body string
	row := t.tx.QueryRowContext(t.ctx, `SELECT body_json::text FROM quotegate_run_log WHERE run_id = $1 ORDER BY seq DESC LIMIT 1`, runID)
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
	if !json.Valid(rec.MessageJSON) {
		return errors.New("invalid message_json")
	}
	_, err := t.tx.ExecContext(t.ctx,
		`INSERT INTO quotegate_notification_outbox(notification_id, run_id, channel, message_json, status, attempt_count, next_attempt_at, last_error, sent_at, created_at, updated_at)
VALUES($1,$2,$3,$4::jsonb,$5,$6,$7,$8,$9,$10,$11)
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
		`INSERT INTO quotegate_policy_versions(policy_hash, policy_id, policy_version, policy_yaml, created_at)
VALUES($1,$2,$3,$4,$5)
ON CONFLICT(policy_hash) DO NOTHING`,
		policy.PolicyHash, policy.PolicyID, policy.PolicyVersion, policy.PolicyYAML, policy.CreatedAt,
	)
	return err
}

// lockRun reads the run header under a row lock, so status checks and the
// writes that follow them see the same row.
func (t *Tx) lockRun(runID string) (types.RunRecord, error) {
	row := t.tx.QueryRowContext(t.ctx, `SELECT `+runColumns+` FROM quotegate_runs WHERE run_id = $1 FOR UPDATE`, runID)
	return scanRun(row)
}

func (t *Tx) listLog(runID string) ([]types.LogEntry, error) {
	rows, err := t.tx.QueryContext(t.ctx, `SELECT body_json::text FROM quotegate_run_log WHERE run_id = $1 ORDER BY seq ASC`, runID)
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
