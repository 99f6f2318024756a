package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/davidahmann/quotegate/internal/ledger"
	"github.com/davidahmann/quotegate/internal/workflow"
	"github.com/davidahmann/quotegate/pkg/types"
)

// Poster delivers one review notification to a channel.
type Poster interface {
	PostReview(ctx context.Context, channel string, msg workflow.ReviewMessage) error
}

// ProcessOutboxDue sends due pending outbox records. A failed post is
// rescheduled with exponential backoff.
func ProcessOutboxDue(ctx context.Context, store ledger.Store, poster Poster, now time.Time, limit int) (int, error) {
	if store == nil {
		return 0, fmt.Errorf("missing store")
	}
	if poster == nil {
		return 0, nil
	}
	if limit <= 0 {
		limit = ledger.DefaultListLimit
	}

	stamp := types.FormatTime(now)
	due, err := store.ListOutboxDue(ctx, stamp, limit)
	if err != nil {
		return 0, err
	}

	processed := 0
	for _, rec := range due {
		if err := ctx.Err(); err != nil {
			return processed, err
		}
		if rec.Status != ledger.OutboxPending {
			continue
		}

		var msg workflow.ReviewMessage
		if err := json.Unmarshal(rec.MessageJSON, &msg); err != nil {
			// Undecodable payloads would retry forever.
			reason := "invalid message_json: " + err.Error()
			rec.LastError = &reason
			markSent(&rec, stamp)
			if err := store.PutOutbox(ctx, rec); err != nil {
				return processed, err
			}
			processed++
			continue
		}

		if err := poster.PostReview(ctx, rec.Channel, msg); err != nil {
			wait := nextAttempt(rec.AttemptCount)
			rec.AttemptCount++
			rec.NextAttemptAt = types.FormatTime(now.Add(wait))
			reason := err.Error()
			rec.LastError = &reason
			rec.UpdatedAt = stamp
			log.Printf("review notification failed notification_id=%s attempt=%d retry_in=%s err=%v", rec.NotificationID, rec.AttemptCount, wait, err)
			if err := store.PutOutbox(ctx, rec); err != nil {
				return processed, err
			}
			processed++
			continue
		}

		markSent(&rec, stamp)
		if err := store.PutOutbox(ctx, rec); err != nil {
			return processed, err
		}
		processed++
	}
	return processed, nil
}

func markSent(rec *ledger.OutboxRecord, stamp string) {
	rec.Status = ledger.OutboxSent
	sentAt := stamp
	rec.SentAt = &sentAt
	rec.UpdatedAt = stamp
}

func nextAttempt(attemptCount int) time.Duration {
	// 5s, 10s, 20s, 40s, ... capped at 5m.
	base := 5 * time.Second
	if attemptCount <= 0 {
		return base
	}
	if attemptCount > 6 {
		return 5 * time.Minute
	}
	d := base << attemptCount
	if max := 5 * time.Minute; d > max {
		return max
	}
	return d
}

// RunOutboxWorker polls and processes due outbox entries until ctx is cancelled.
func RunOutboxWorker(ctx context.Context, store ledger.Store, poster Poster, pollInterval time.Duration) {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			if _, err := ProcessOutboxDue(ctx, store, poster, now.UTC(), 25); err != nil && ctx.Err() == nil {
				log.Printf("outbox worker: %v", err)
			}
		}
	}
}
