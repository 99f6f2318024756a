package ledger

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/davidahmann/quotegate/pkg/types"
)

type InMemoryStore struct {
	mu sync.Mutex

	runs     map[string]types.RunRecord
	logs     map[string][]types.LogEntry
	idemKeys map[string]string
	outbox   map[string]OutboxRecord
	policies map[string]PolicyVersionRecord
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		runs:     make(map[string]types.RunRecord),
		logs:     make(map[string][]types.LogEntry),
		idemKeys: make(map[string]string),
		outbox:   make(map[string]OutboxRecord),
		policies: make(map[string]PolicyVersionRecord),
	}
}

// WithTx serializes fn against every other store call. Writes are staged
// and applied only when fn returns nil.
func (s *InMemoryStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	tx := &memTx{
		s:        s,
		runs:     make(map[string]types.RunRecord),
		logs:     make(map[string][]types.LogEntry),
		idemKeys: make(map[string]string),
		outbox:   make(map[string]OutboxRecord),
		policies: make(map[string]PolicyVersionRecord),
	}
	if err := fn(tx); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// memTx overlays staged writes on the store until commit.
type memTx struct {
	s *InMemoryStore

	runs     map[string]types.RunRecord
	logs     map[string][]types.LogEntry
	idemKeys map[string]string
	outbox   map[string]OutboxRecord
	policies map[string]PolicyVersionRecord
}

func (t *memTx) commit() {
	for id, run := range t.runs {
		t.s.runs[id] = run
	}
	for id, entries := range t.logs {
		t.s.logs[id] = append(t.s.logs[id], entries...)
	}
	for key, id := range t.idemKeys {
		t.s.idemKeys[key] = id
	}
	for id, rec := range t.outbox {
		t.s.outbox[id] = rec
	}
	for hash, rec := range t.policies {
		t.s.policies[hash] = rec
	}
}

func (t *memTx) run(runID string) (types.RunRecord, bool) {
	if run, ok := t.runs[runID]; ok {
		return run, true
	}
	run, ok := t.s.runs[runID]
	return run, ok
}

func (t *memTx) logLen(runID string) int {
	return len(t.s.logs[runID]) + len(t.logs[runID])
}

func (t *memTx) CreateRun(run types.RunRecord) error {
	if _, ok := t.run(run.RunID); ok {
		return ErrRunExists
	}
	if run.IdempotencyKey != "" {
		if _, ok := t.idemKeys[run.IdempotencyKey]; ok {
			return ErrRunExists
		}
		if _, ok := t.s.idemKeys[run.IdempotencyKey]; ok {
			return ErrRunExists
		}
		t.idemKeys[run.IdempotencyKey] = run.RunID
	}
	run.Log = nil
	t.runs[run.RunID] = run.Clone()
	return nil
}

func (t *memTx) GetRun(runID string) (types.RunRecord, error) {
	run, ok := t.run(runID)
	if !ok {
		return types.RunRecord{}, ErrNotFound
	}
	return run.Clone(), nil
}

func (t *memTx) GetRunByIdempotencyKey(key string) (types.RunRecord, error) {
	runID, ok := t.idemKeys[key]
	if !ok {
		runID, ok = t.s.idemKeys[key]
	}
	if !ok {
		return types.RunRecord{}, ErrNotFound
	}
	return t.GetRun(runID)
}

func (t *memTx) UpdateRun(run types.RunRecord, expected types.RunStatus) error {
	current, ok := t.run(run.RunID)
	if !ok {
		return ErrNotFound
	}
	if current.Status.Terminal() {
		return ErrRunTerminal
	}
	if current.Status != expected {
		return ErrStatusConflict
	}
	run = run.Clone()
	run.Log = nil
	run.IdempotencyKey = current.IdempotencyKey
	run.CreatedAt = current.CreatedAt
	t.runs[run.RunID] = run
	return nil
}

func (t *memTx) AppendLogEntry(entry types.LogEntry) error {
	run, ok := t.run(entry.RunID)
	if !ok {
		return ErrNotFound
	}
	if run.Status.Terminal() {
		return ErrRunTerminal
	}
	if entry.Seq != int64(t.logLen(entry.RunID)+1) {
		return ErrSequenceConflict
	}
	t.logs[entry.RunID] = append(t.logs[entry.RunID], entry.Clone())
	return nil
}

func (t *memTx) LastLogEntry(runID string) (types.LogEntry, bool, error) {
	if _, ok := t.run(runID); !ok {
		return types.LogEntry{}, false, ErrNotFound
	}
	if staged := t.logs[runID]; len(staged) > 0 {
		return staged[len(staged)-1].Clone(), true, nil
	}
	entries := t.s.logs[runID]
	if len(entries) == 0 {
		return types.LogEntry{}, false, nil
	}
	return entries[len(entries)-1].Clone(), true, nil
}

func (t *memTx) PutOutbox(rec OutboxRecord) error {
	t.outbox[rec.NotificationID] = rec.clone()
	return nil
}

func (t *memTx) PutPolicyVersion(rec PolicyVersionRecord) error {
	if _, ok := t.s.policies[rec.PolicyHash]; ok {
		return nil
	}
	if _, ok := t.policies[rec.PolicyHash]; !ok {
		t.policies[rec.PolicyHash] = rec
	}
	return nil
}

func (s *InMemoryStore) GetRun(_ context.Context, runID string) (types.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	run, ok := s.runs[runID]
	if !ok {
		return types.RunRecord{}, ErrNotFound
	}
	run = run.Clone()
	run.Log = cloneEntries(s.logs[runID])
	return run, nil
}

func (s *InMemoryStore) GetLog(_ context.Context, runID string) ([]types.LogEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.runs[runID]; !ok {
		return nil, ErrNotFound
	}
	return cloneEntries(s.logs[runID]), nil
}

func (s *InMemoryStore) ListRuns(_ context.Context, filter RunFilter, limit int) ([]types.RunRecord, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []types.RunRecord{}
	for _, run := range s.runs {
		if filter.Match(run) {
			out = append(out, run.Clone())
		}
	}
	sortByRecency(out)
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) Stats(_ context.Context, now time.Time) (types.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stats := NewStats()
	since := types.FormatTime(now.Add(-24 * time.Hour))
	for _, run := range s.runs {
		stats.Total++
		stats.ByStatus[run.Status]++
		if run.Decision != nil {
			stats.ByDecision[run.Decision.Outcome]++
		}
		if run.CreatedAt >= since {
			stats.Last24h++
		}
	}
	return stats, nil
}

func (s *InMemoryStore) ListOverdueReviews(_ context.Context, now string) ([]types.RunRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []types.RunRecord{}
	for _, run := range s.runs {
		if run.Status != types.RunPausedReview || run.Review == nil || run.Review.Completed() {
			continue
		}
		if run.Review.Deadline < now {
			out = append(out, run.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Review.Deadline < out[j].Review.Deadline
	})
	return out, nil
}

func (s *InMemoryStore) PutOutbox(_ context.Context, rec OutboxRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outbox[rec.NotificationID] = rec.clone()
	return nil
}

func (s *InMemoryStore) GetOutbox(_ context.Context, notificationID string) (OutboxRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.outbox[notificationID]
	return rec.clone(), ok
}

func (s *InMemoryStore) ListOutboxDue(_ context.Context, now string, limit int) ([]OutboxRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := []OutboxRecord{}
	for _, rec := range s.outbox {
		if rec.Status != OutboxPending {
			continue
		}
		if rec.NextAttemptAt > now {
			continue
		}
		out = append(out, rec.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt < out[j].CreatedAt
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) GetPolicyVersion(_ context.Context, policyHash string) (PolicyVersionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.policies[policyHash]
	return rec, ok
}

func sortByRecency(runs []types.RunRecord) {
	sort.Slice(runs, func(i, j int) bool {
		if runs[i].CreatedAt != runs[j].CreatedAt {
			return runs[i].CreatedAt > runs[j].CreatedAt
		}
		return runs[i].RunID > runs[j].RunID
	})
}

func cloneEntries(entries []types.LogEntry) []types.LogEntry {
	if len(entries) == 0 {
		return nil
	}
	out := make([]types.LogEntry, len(entries))
	for i, e := range entries {
		out[i] = e.Clone()
	}
	return out
}
