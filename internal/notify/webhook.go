package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/davidahmann/quotegate/internal/rating"
	"github.com/davidahmann/quotegate/internal/workflow"
)

// WebhookPoster posts review notifications to a Slack-compatible incoming
// webhook.
type WebhookPoster struct {
	URL    string
	Client *http.Client
}

func NewWebhookPoster(url string) *WebhookPoster {
	return &WebhookPoster{URL: url, Client: &http.Client{Timeout: 10 * time.Second}}
}

type webhookPayload struct {
	Channel string `json:"channel,omitempty"`
	Text    string `json:"text"`
}

func (p *WebhookPoster) PostReview(ctx context.Context, channel string, msg workflow.ReviewMessage) error {
	body, err := json.Marshal(webhookPayload{Channel: channel, Text: Text(msg)})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := p.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("webhook returned %d: %s", resp.StatusCode, bytes.TrimSpace(snippet))
	}
	return nil
}

// Text renders the human-readable notification line.
func Text(msg workflow.ReviewMessage) string {
	return fmt.Sprintf("[%s] Quote %s for %s (%s) needs review by %s: %s. Provisional decision %s, due %s.",
		msg.Priority, msg.RunID, msg.ApplicantName, rating.FormatUSD(msg.CoverageAmount),
		msg.Team, msg.Reason, msg.ProvisionalOutcome, msg.Deadline)
}
