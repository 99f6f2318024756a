package mcpserver

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/davidahmann/quotegate/internal/hazard"
	"github.com/davidahmann/quotegate/internal/ledger"
	"github.com/davidahmann/quotegate/internal/retrieval"
	"github.com/davidahmann/quotegate/internal/review"
	"github.com/davidahmann/quotegate/internal/workflow"
	"github.com/davidahmann/quotegate/pkg/types"
)

type downRetriever struct{}

func (downRetriever) Retrieve(context.Context, string, int) ([]types.EvidenceCitation, error) {
	return nil, retrieval.ErrUnavailable
}

func connect(t *testing.T, opts Options) *mcp.ClientSession {
	t.Helper()
	if opts.Engine == nil {
		engine, err := workflow.New(workflow.Options{Store: ledger.NewInMemoryStore()})
		if err != nil {
			t.Fatalf("engine: %v", err)
		}
		opts.Engine = engine
	}
	srv, err := New(opts)
	if err != nil {
		t.Fatalf("new server: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	serverTransport, clientTransport := mcp.NewInMemoryTransports()
	serverSession, err := srv.MCP().Connect(ctx, serverTransport, nil)
	if err != nil {
		t.Fatalf("server connect: %v", err)
	}
	t.Cleanup(func() { _ = serverSession.Close() })

	client := mcp.NewClient(&mcp.Implementation{Name: "client", Version: "v0.0.1"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { _ = session.Close() })
	return session
}

func call[T any](t *testing.T, session *mcp.ClientSession, name string, args any) (T, *mcp.CallToolResult) {
	t.Helper()
	var out T
	res, err := session.CallTool(context.Background(), &mcp.CallToolParams{Name: name, Arguments: args})
	if err != nil {
		t.Fatalf("call %s: %v", name, err)
	}
	if res.IsError {
		return out, res
	}
	data, err := json.Marshal(res.StructuredContent)
	if err != nil {
		t.Fatalf("marshal structured content: %v", err)
	}
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal structured content: %v", err)
	}
	return out, res
}

func TestListTools(t *testing.T) {
	session := connect(t, Options{})
	res, err := session.ListTools(context.Background(), nil)
	if err != nil {
		t.Fatalf("list tools: %v", err)
	}
	got := map[string]bool{}
	for _, tool := range res.Tools {
		got[tool.Name] = true
	}
	for _, name := range []string{
		"submit_quote", "answer_questions", "get_quote_status", "get_review_status",
		"approve_review", "search_underwriting_guidelines", "calculate_premium", "get_property_risk_assessment",
	} {
		if !got[name] {
			t.Fatalf("missing tool %s in %v", name, got)
		}
	}
}

func TestSubmitAndAnswerQuote(t *testing.T) {
	session := connect(t, Options{})
	q, res := call[QuoteResult](t, session, "submit_quote", map[string]any{
		"applicant_name":  "Ada Lovelace",
		"property_type":   "single_family",
		"coverage_amount": 250000,
	})
	if res.IsError {
		t.Fatalf("submit failed: %+v", res.Content)
	}
	if q.Status != string(types.RunPausedMissingInfo) || q.NextAction != "answer_questions" || len(q.Questions) != 1 {
		t.Fatalf("unexpected quote %+v", q)
	}

	resumed, res := call[QuoteResult](t, session, "answer_questions", map[string]any{
		"run_id":  q.RunID,
		"answers": map[string]any{"address": "1 Pine Rd, Boise, ID 83702"},
	})
	if res.IsError {
		t.Fatalf("answer failed: %+v", res.Content)
	}
	if resumed.Status != string(types.RunCompleted) || resumed.Outcome != string(types.OutcomeAccept) || resumed.Display == "" {
		t.Fatalf("unexpected resumed quote %+v", resumed)
	}

	status, _ := call[QuoteResult](t, session, "get_quote_status", map[string]any{"run_id": q.RunID})
	if status.RunID != q.RunID || status.RetryCount != 1 {
		t.Fatalf("unexpected status %+v", status)
	}

	if _, res := call[QuoteResult](t, session, "get_quote_status", map[string]any{"run_id": "missing"}); !res.IsError {
		t.Fatalf("expected tool error for unknown run")
	}
}

func TestReviewTools(t *testing.T) {
	session := connect(t, Options{})
	q, _ := call[QuoteResult](t, session, "submit_quote", map[string]any{
		"applicant_name":    "Ada Lovelace",
		"address":           "1 Pine Rd, Boise, ID 83702",
		"property_type":     "single_family",
		"coverage_amount":   600000,
		"construction_year": 1985,
	})
	if q.Status != string(types.RunPausedReview) || q.Review == nil {
		t.Fatalf("expected review, got %+v", q)
	}

	st, res := call[review.Status](t, session, "get_review_status", map[string]any{"run_id": q.RunID})
	if res.IsError || st.Priority != types.PriorityHigh {
		t.Fatalf("unexpected review status %+v", st)
	}

	approved, res := call[review.Result](t, session, "approve_review", map[string]any{
		"run_id":         q.RunID,
		"final_decision": "DECLINE",
		"reviewer_name":  "jane",
	})
	if res.IsError || approved.FinalDecision != types.OutcomeDecline {
		t.Fatalf("unexpected approval %+v", approved)
	}

	if _, res := call[review.Result](t, session, "approve_review", map[string]any{
		"run_id":         q.RunID,
		"final_decision": "ACCEPT",
		"reviewer_name":  "jane",
	}); !res.IsError {
		t.Fatalf("expected second approval to fail")
	}
}

func TestSearchGuidelines(t *testing.T) {
	session := connect(t, Options{})
	out, res := call[SearchGuidelinesResult](t, session, "search_underwriting_guidelines", map[string]any{"query": "wildfire risk", "k": 2})
	if res.IsError || len(out.Results) == 0 || len(out.Results) > 2 {
		t.Fatalf("unexpected search result %+v", out)
	}

	down := connect(t, Options{Retriever: downRetriever{}})
	if _, res := call[SearchGuidelinesResult](t, down, "search_underwriting_guidelines", map[string]any{"query": "flood"}); !res.IsError {
		t.Fatalf("expected tool error when retrieval is down")
	}
}

func TestCalculatePremium(t *testing.T) {
	session := connect(t, Options{Now: func() time.Time { return time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC) }})
	out, res := call[PremiumResult](t, session, "calculate_premium", map[string]any{
		"coverage_amount":   250000,
		"property_type":     "condo",
		"construction_year": 2020,
		"address":           "5 Main St, Fresno, CA 93650",
	})
	if res.IsError {
		t.Fatalf("calculate failed: %+v", res.Content)
	}
	if out.Premium.Annual <= 0 || len(out.Premium.Factors) != 3 || out.AnnualDisplay == "" || out.Tier == "" {
		t.Fatalf("unexpected premium %+v", out)
	}

	if _, res := call[PremiumResult](t, session, "calculate_premium", map[string]any{"property_type": "condo"}); !res.IsError {
		t.Fatalf("expected tool error without coverage")
	}
}

func TestPropertyRisk(t *testing.T) {
	session := connect(t, Options{})
	out, res := call[hazard.Profile](t, session, "get_property_risk_assessment", map[string]any{"address": "1 Ocean Ave, San Francisco, CA 94110"})
	if res.IsError {
		t.Fatalf("risk failed: %+v", res.Content)
	}
	if out.OverallRisk != hazard.RiskHigh || out.PrimaryHazard != types.HazardEarthquake || out.Address.County != "San Francisco County" {
		t.Fatalf("unexpected profile %+v", out)
	}
}

func TestNewRequiresEngine(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatalf("expected engine error, got %v", err)
	}
}
