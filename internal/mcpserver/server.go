// Package mcpserver exposes the underwriting workflow as MCP tools so an
// agent can submit quotes, answer intake questions and work the review queue.
package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/davidahmann/quotegate/internal/api"
	"github.com/davidahmann/quotegate/internal/hazard"
	"github.com/davidahmann/quotegate/internal/rating"
	"github.com/davidahmann/quotegate/internal/retrieval"
	"github.com/davidahmann/quotegate/internal/review"
	"github.com/davidahmann/quotegate/internal/workflow"
	"github.com/davidahmann/quotegate/pkg/types"
)

const (
	serverName    = "quotegate"
	serverVersion = "0.1.0"
)

type Options struct {
	Engine    *workflow.Engine
	Reviews   *review.Gateway
	Enricher  hazard.Enricher
	Retriever retrieval.Retriever
	Rater     rating.Rater
	Now       func() time.Time
}

type Server struct {
	engine    *workflow.Engine
	reviews   *review.Gateway
	enricher  hazard.Enricher
	retriever retrieval.Retriever
	rater     rating.Rater
	now       func() time.Time

	mcp *mcp.Server
}

func New(opts Options) (*Server, error) {
	if opts.Engine == nil {
		return nil, errors.New("mcpserver: engine is required")
	}
	s := &Server{
		engine:    opts.Engine,
		reviews:   opts.Reviews,
		enricher:  opts.Enricher,
		retriever: opts.Retriever,
		rater:     opts.Rater,
		now:       opts.Now,
	}
	if s.reviews == nil {
		s.reviews = review.NewGateway(opts.Engine)
	}
	if s.enricher == nil {
		s.enricher = hazard.TableEnricher{}
	}
	if s.retriever == nil {
		s.retriever = retrieval.Default()
	}
	if s.rater == nil {
		s.rater = rating.TableRater{}
	}
	if s.now == nil {
		s.now = func() time.Time { return time.Now().UTC() }
	}

	s.mcp = mcp.NewServer(&mcp.Implementation{Name: serverName, Version: serverVersion}, nil)
	s.register()
	return s, nil
}

// MCP returns the underlying server, for callers that pick their own transport.
func (s *Server) MCP() *mcp.Server { return s.mcp }

// Serve blocks on transport until the client disconnects or ctx ends.
func (s *Server) Serve(ctx context.Context, transport mcp.Transport) error {
	return s.mcp.Run(ctx, transport)
}

func (s *Server) register() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "submit_quote",
		Description: "Submit a homeowner insurance quote request and run it through underwriting",
	}, s.submitQuote)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "answer_questions",
		Description: "Answer the intake questions of a quote paused for missing information and resume it",
	}, s.answerQuestions)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_quote_status",
		Description: "Get the current status, decision and premium of a quote run",
	}, s.getQuoteStatus)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_review_status",
		Description: "Get the pending human review of a quote parked for review",
	}, s.getReviewStatus)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "approve_review",
		Description: "Record the reviewer's final decision on a quote parked for review",
	}, s.approveReview)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "search_underwriting_guidelines",
		Description: "Search the underwriting guideline corpus for passages relevant to a query",
	}, s.searchGuidelines)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "calculate_premium",
		Description: "Price a policy without creating a quote run",
	}, s.calculatePremium)
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name:        "get_property_risk_assessment",
		Description: "Look up hazard scores and overall risk for a property address",
	}, s.propertyRisk)
}

type SubmitQuoteInput struct {
	ApplicantName    string  `json:"applicant_name,omitempty" jsonschema:"full name of the applicant"`
	Address          string  `json:"address,omitempty" jsonschema:"property address as street, city, state zip"`
	PropertyType     string  `json:"property_type,omitempty" jsonschema:"single_family, condo, townhouse or commercial"`
	CoverageAmount   float64 `json:"coverage_amount,omitempty" jsonschema:"requested dwelling coverage in USD"`
	ConstructionYear int     `json:"construction_year,omitempty" jsonschema:"year the property was built"`
	SquareFootage    float64 `json:"square_footage,omitempty" jsonschema:"optional living area"`
	RoofType         string  `json:"roof_type,omitempty" jsonschema:"optional roof material"`
	FoundationType   string  `json:"foundation_type,omitempty" jsonschema:"optional foundation type"`
	AdditionalInfo   string  `json:"additional_info,omitempty" jsonschema:"optional free-form notes"`
	UseAgentic       *bool   `json:"use_agentic,omitempty" jsonschema:"run the agentic flow with missing-info questions and the citation guardrail (default true)"`
	IdempotencyKey   string  `json:"idempotency_key,omitempty" jsonschema:"optional key that replays an earlier submission"`
}

func (in SubmitQuoteInput) submission() types.Submission {
	sub := types.Submission{
		ApplicantName:    in.ApplicantName,
		Address:          in.Address,
		PropertyType:     in.PropertyType,
		CoverageAmount:   in.CoverageAmount,
		ConstructionYear: in.ConstructionYear,
	}
	optional := map[string]any{}
	if in.SquareFootage > 0 {
		optional[types.OptionalSquareFootage] = in.SquareFootage
	}
	if in.RoofType != "" {
		optional[types.OptionalRoofType] = in.RoofType
	}
	if in.FoundationType != "" {
		optional[types.OptionalFoundationType] = in.FoundationType
	}
	if in.AdditionalInfo != "" {
		optional[types.OptionalAdditionalInfo] = in.AdditionalInfo
	}
	if len(optional) > 0 {
		sub.Optional = optional
	}
	return sub
}

// QuoteResult is the tool view of a run.
type QuoteResult struct {
	RunID      string           `json:"run_id"`
	Status     string           `json:"status"`
	NextAction string           `json:"next_action"`
	Replayed   bool             `json:"replayed,omitempty"`
	Outcome    string           `json:"outcome,omitempty"`
	Reason     string           `json:"reason,omitempty"`
	Annual     float64          `json:"annual_premium,omitempty"`
	Monthly    float64          `json:"monthly_premium,omitempty"`
	Display    string           `json:"annual_premium_display,omitempty"`
	Questions  []types.Question `json:"required_questions,omitempty"`
	RetryCount int              `json:"retry_count"`
	Review     *review.Status   `json:"review,omitempty"`
	Error      *types.RunError  `json:"error,omitempty"`
}

func (s *Server) quoteResult(ctx context.Context, run types.RunRecord) QuoteResult {
	out := QuoteResult{
		RunID:      run.RunID,
		Status:     string(run.Status),
		NextAction: string(api.DetermineNextAction(run)),
		RetryCount: run.RetryCount,
		Error:      run.Error,
	}
	if run.Decision != nil {
		out.Outcome = string(run.Decision.Outcome)
		out.Reason = run.Decision.Reason
	}
	if p := run.State.Premium; p != nil {
		out.Annual, out.Monthly = p.Annual, p.Monthly
		out.Display = rating.FormatUSD(p.Annual)
	}
	switch run.Status {
	case types.RunPausedMissingInfo:
		out.Questions = run.State.Questions
	case types.RunPausedReview:
		if st, err := s.reviews.Status(ctx, run.RunID); err == nil {
			out.Review = &st
		}
	}
	return out
}

func (s *Server) submitQuote(ctx context.Context, _ *mcp.CallToolRequest, in SubmitQuoteInput) (*mcp.CallToolResult, QuoteResult, error) {
	agentic := true
	if in.UseAgentic != nil {
		agentic = *in.UseAgentic
	}
	res, err := s.engine.Submit(ctx, workflow.SubmitRequest{
		Submission:     in.submission(),
		Agentic:        agentic,
		IdempotencyKey: strings.TrimSpace(in.IdempotencyKey),
	})
	if err != nil {
		return nil, QuoteResult{}, fmt.Errorf("submit quote: %w", err)
	}
	out := s.quoteResult(ctx, res.Run)
	out.Replayed = res.Replayed
	return nil, out, nil
}

type AnswerQuestionsInput struct {
	RunID   string         `json:"run_id" jsonschema:"quote run identifier"`
	Answers map[string]any `json:"answers" jsonschema:"answers keyed by the question field"`
}

func (s *Server) answerQuestions(ctx context.Context, _ *mcp.CallToolRequest, in AnswerQuestionsInput) (*mcp.CallToolResult, QuoteResult, error) {
	if len(in.Answers) == 0 {
		return nil, QuoteResult{}, errors.New("answers are required")
	}
	run, err := s.engine.Answer(ctx, in.RunID, in.Answers)
	if err != nil {
		return nil, QuoteResult{}, fmt.Errorf("answer questions: %w", err)
	}
	return nil, s.quoteResult(ctx, run), nil
}

type RunInput struct {
	RunID string `json:"run_id" jsonschema:"quote run identifier"`
}

func (s *Server) getQuoteStatus(ctx context.Context, _ *mcp.CallToolRequest, in RunInput) (*mcp.CallToolResult, QuoteResult, error) {
	run, err := s.engine.Get(ctx, in.RunID)
	if err != nil {
		return nil, QuoteResult{}, fmt.Errorf("get quote: %w", err)
	}
	return nil, s.quoteResult(ctx, run), nil
}

func (s *Server) getReviewStatus(ctx context.Context, _ *mcp.CallToolRequest, in RunInput) (*mcp.CallToolResult, review.Status, error) {
	st, err := s.reviews.Status(ctx, in.RunID)
	if err != nil {
		return nil, review.Status{}, fmt.Errorf("review status: %w", err)
	}
	return nil, st, nil
}

type ApproveReviewInput struct {
	RunID           string   `json:"run_id" jsonschema:"quote run identifier"`
	FinalDecision   string   `json:"final_decision" jsonschema:"ACCEPT, REFER or DECLINE"`
	ReviewerName    string   `json:"reviewer_name" jsonschema:"name of the approving underwriter"`
	ReviewerNotes   string   `json:"reviewer_notes,omitempty" jsonschema:"optional notes kept with the review"`
	ApprovedPremium *float64 `json:"approved_premium,omitempty" jsonschema:"optional premium override in USD"`
}

func (s *Server) approveReview(ctx context.Context, _ *mcp.CallToolRequest, in ApproveReviewInput) (*mcp.CallToolResult, review.Result, error) {
	res, err := s.reviews.Approve(ctx, in.RunID, review.Approval{
		FinalDecision:   in.FinalDecision,
		ApprovedPremium: in.ApprovedPremium,
		Notes:           in.ReviewerNotes,
		ReviewerName:    in.ReviewerName,
	})
	if err != nil {
		return nil, review.Result{}, fmt.Errorf("approve review: %w", err)
	}
	return nil, res, nil
}

type SearchGuidelinesInput struct {
	Query string `json:"query" jsonschema:"free-text search query"`
	K     int    `json:"k,omitempty" jsonschema:"maximum passages to return"`
}

type SearchGuidelinesResult struct {
	Query   string                   `json:"query"`
	Results []types.EvidenceCitation `json:"results"`
}

func (s *Server) searchGuidelines(ctx context.Context, _ *mcp.CallToolRequest, in SearchGuidelinesInput) (*mcp.CallToolResult, SearchGuidelinesResult, error) {
	query := strings.TrimSpace(in.Query)
	if query == "" {
		return nil, SearchGuidelinesResult{}, errors.New("query is required")
	}
	found, err := s.retriever.Retrieve(ctx, query, in.K)
	if err != nil {
		return nil, SearchGuidelinesResult{}, fmt.Errorf("search guidelines: %w", err)
	}
	if found == nil {
		found = []types.EvidenceCitation{}
	}
	return nil, SearchGuidelinesResult{Query: query, Results: found}, nil
}

type CalculatePremiumInput struct {
	CoverageAmount   float64 `json:"coverage_amount" jsonschema:"dwelling coverage in USD"`
	PropertyType     string  `json:"property_type" jsonschema:"single_family, condo, townhouse or commercial"`
	ConstructionYear int     `json:"construction_year,omitempty" jsonschema:"year the property was built"`
	Address          string  `json:"address,omitempty" jsonschema:"optional address used to look up hazard loads"`
}

type PremiumResult struct {
	Premium        types.Premium `json:"premium"`
	Tier           string        `json:"tier"`
	AnnualDisplay  string        `json:"annual_display"`
	MonthlyDisplay string        `json:"monthly_display"`
}

func (s *Server) calculatePremium(ctx context.Context, _ *mcp.CallToolRequest, in CalculatePremiumInput) (*mcp.CallToolResult, PremiumResult, error) {
	if in.CoverageAmount <= 0 {
		return nil, PremiumResult{}, errors.New("coverage_amount must be positive")
	}
	if strings.TrimSpace(in.PropertyType) == "" {
		return nil, PremiumResult{}, errors.New("property_type is required")
	}
	var hazards map[types.Hazard]float64
	if strings.TrimSpace(in.Address) != "" {
		enr, err := s.enricher.Enrich(ctx, types.Submission{Address: in.Address})
		if err != nil {
			return nil, PremiumResult{}, fmt.Errorf("enrich address: %w", err)
		}
		hazards = enr.Hazards
	}
	p, err := s.rater.Rate(ctx, rating.Input{
		CoverageAmount:   in.CoverageAmount,
		PropertyType:     in.PropertyType,
		ConstructionYear: in.ConstructionYear,
		Hazards:          hazards,
		AsOf:             s.now(),
	})
	if err != nil {
		return nil, PremiumResult{}, fmt.Errorf("calculate premium: %w", err)
	}
	return nil, PremiumResult{
		Premium:        p,
		Tier:           string(rating.PremiumTier(p.Annual)),
		AnnualDisplay:  rating.FormatUSD(p.Annual),
		MonthlyDisplay: rating.FormatUSD(p.Monthly),
	}, nil
}

type PropertyRiskInput struct {
	Address string `json:"address" jsonschema:"property address as street, city, state zip"`
}

func (s *Server) propertyRisk(ctx context.Context, _ *mcp.CallToolRequest, in PropertyRiskInput) (*mcp.CallToolResult, hazard.Profile, error) {
	if strings.TrimSpace(in.Address) == "" {
		return nil, hazard.Profile{}, errors.New("address is required")
	}
	enr, err := s.enricher.Enrich(ctx, types.Submission{Address: in.Address})
	if err != nil {
		return nil, hazard.Profile{}, fmt.Errorf("property risk: %w", err)
	}
	return nil, hazard.Summarize(enr), nil
}
