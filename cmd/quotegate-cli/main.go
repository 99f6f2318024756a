package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/davidahmann/quotegate/internal/policy"
)

const defaultAddr = "http://localhost:8080"

func main() {
	exitFn(run(os.Args, os.Stdout, os.Stderr))
}

var exitFn = os.Exit

func run(args []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) < 2 {
		usage(stderr)
		return 2
	}

	switch args[1] {
	case "submit":
		return handleSubmit(args[2:], stdout, stderr)
	case "answer":
		return handleAnswer(args[2:], stdout, stderr)
	case "status":
		return handleGet(args[2:], stdout, stderr, "status", "/v1/runs/%s")
	case "review":
		return handleReview(args[2:], stdout, stderr)
	case "runs":
		return handleRuns(args[2:], stdout, stderr)
	case "stats":
		return handleStats(args[2:], stdout, stderr)
	case "audit":
		return handleAudit(args[2:], stdout, stderr)
	case "pack":
		return handlePack(args[2:], stdout, stderr)
	case "policy":
		return handlePolicy(args[2:], stdout, stderr)
	default:
		usage(stderr)
		return 2
	}
}

type quoteView struct {
	RunID             string `json:"run_id"`
	Status            string `json:"status"`
	NextAction        string `json:"next_action"`
	Replayed          bool   `json:"replayed"`
	RetryCount        int    `json:"retry_count"`
	RequiredQuestions []struct {
		Field  string `json:"field"`
		Prompt string `json:"prompt"`
	} `json:"required_questions"`
	Decision *struct {
		Outcome string `json:"outcome"`
		Reason  string `json:"reason"`
	} `json:"decision"`
	Premium *struct {
		Annual  float64 `json:"annual"`
		Monthly float64 `json:"monthly"`
	} `json:"premium"`
	Error *struct {
		Kind    string `json:"kind"`
		Message string `json:"message"`
	} `json:"error"`
}

func printQuote(w io.Writer, body []byte) error {
	var q quoteView
	if err := json.Unmarshal(body, &q); err != nil {
		return fmt.Errorf("invalid response: %w", err)
	}
	fmt.Fprintf(w, "run_id=%s status=%s next_action=%s retry_count=%d", q.RunID, q.Status, q.NextAction, q.RetryCount)
	if q.Replayed {
		fmt.Fprint(w, " replayed=true")
	}
	if q.Decision != nil {
		fmt.Fprintf(w, " outcome=%s", q.Decision.Outcome)
	}
	if q.Premium != nil {
		fmt.Fprintf(w, " annual=%.2f monthly=%.2f", q.Premium.Annual, q.Premium.Monthly)
	}
	if q.Error != nil {
		fmt.Fprintf(w, " error_kind=%s error=%q", q.Error.Kind, q.Error.Message)
	}
	fmt.Fprintln(w)
	for _, question := range q.RequiredQuestions {
		fmt.Fprintf(w, "  question field=%s prompt=%q\n", question.Field, question.Prompt)
	}
	return nil
}

func handleSubmit(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("submit", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", envOrDefault("QUOTEGATE_ADDR", defaultAddr), "quotegate API address")
	file := fs.String("file", "", "submission JSON file (- for stdin)")
	key := fs.String("idempotency-key", "", "replay key")
	noAgentic := fs.Bool("no-agentic", false, "run the plain flow without missing-info questions or the citation guardrail")
	jsonOut := fs.Bool("json", false, "print raw JSON response")
	if err := fs.Parse(args); err != nil {
		fs.Usage()
		return 2
	}
	if *file == "" {
		fmt.Fprintln(stderr, "submit requires --file")
		fs.Usage()
		return 2
	}

	raw, err := readInput(*file)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	var submission map[string]any
	if err := json.Unmarshal(raw, &submission); err != nil {
		fmt.Fprintln(stderr, "invalid submission:", err)
		return 1
	}
	payload := map[string]any{"submission": submission, "use_agentic": !*noAgentic}

	headers := map[string]string{}
	if *key != "" {
		headers["Idempotency-Key"] = *key
	}
	body, status, err := httpDo(http.DefaultClient, http.MethodPost, *addr+"/v1/quotes", payload, headers)
	return finish(stdout, stderr, "submit", body, status, err, *jsonOut, printQuote)
}

func handleAnswer(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("answer", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", envOrDefault("QUOTEGATE_ADDR", defaultAddr), "quotegate API address")
	jsonOut := fs.Bool("json", false, "print raw JSON response")
	if err := fs.Parse(args); err != nil {
		fs.Usage()
		return 2
	}
	if fs.NArg() < 2 {
		fmt.Fprintln(stderr, "answer requires <run_id> field=value...")
		fs.Usage()
		return 2
	}

	answers := map[string]any{}
	for _, pair := range fs.Args()[1:] {
		field, value, ok := strings.Cut(pair, "=")
		if !ok || field == "" {
			fmt.Fprintf(stderr, "invalid answer %q, want field=value\n", pair)
			return 2
		}
		answers[field] = value
	}

	body, status, err := httpDo(http.DefaultClient, http.MethodPost, *addr+"/v1/quotes/"+url.PathEscape(fs.Arg(0))+"/answers", map[string]any{"answers": answers}, nil)
	return finish(stdout, stderr, "answer", body, status, err, *jsonOut, printQuote)
}

func handleGet(args []string, stdout io.Writer, stderr io.Writer, name, pathFmt string) int {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", envOrDefault("QUOTEGATE_ADDR", defaultAddr), "quotegate API address")
	if err := fs.Parse(args); err != nil {
		fs.Usage()
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintf(stderr, "%s requires <run_id>\n", name)
		fs.Usage()
		return 2
	}
	body, status, err := httpDo(http.DefaultClient, http.MethodGet, *addr+fmt.Sprintf(pathFmt, url.PathEscape(fs.Arg(0))), nil, nil)
	return finish(stdout, stderr, name, body, status, err, true, nil)
}

func handleReview(args []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}
	switch args[0] {
	case "status":
		return handleGet(args[1:], stdout, stderr, "review status", "/v1/quotes/%s/review")
	case "overdue":
		fs := flag.NewFlagSet("review overdue", flag.ContinueOnError)
		fs.SetOutput(stderr)
		addr := fs.String("addr", envOrDefault("QUOTEGATE_ADDR", defaultAddr), "quotegate API address")
		if err := fs.Parse(args[1:]); err != nil {
			fs.Usage()
			return 2
		}
		body, status, err := httpDo(http.DefaultClient, http.MethodGet, *addr+"/v1/reviews/overdue", nil, nil)
		return finish(stdout, stderr, "review overdue", body, status, err, true, nil)
	case "approve":
		fs := flag.NewFlagSet("review approve", flag.ContinueOnError)
		fs.SetOutput(stderr)
		addr := fs.String("addr", envOrDefault("QUOTEGATE_ADDR", defaultAddr), "quotegate API address")
		decision := fs.String("decision", "", "ACCEPT, REFER or DECLINE")
		reviewer := fs.String("reviewer", "", "reviewer name")
		notes := fs.String("notes", "", "reviewer notes")
		premium := fs.Float64("premium", -1, "approved annual premium override")
		if err := fs.Parse(args[1:]); err != nil {
			fs.Usage()
			return 2
		}
		if fs.NArg() != 1 || *decision == "" || *reviewer == "" {
			fmt.Fprintln(stderr, "review approve requires <run_id> --decision and --reviewer")
			fs.Usage()
			return 2
		}
		payload := map[string]any{
			"final_decision": *decision,
			"reviewer_name":  *reviewer,
			"reviewer_notes": *notes,
		}
		if *premium >= 0 {
			payload["approved_premium"] = *premium
		}
		body, status, err := httpDo(http.DefaultClient, http.MethodPost, *addr+"/v1/quotes/"+url.PathEscape(fs.Arg(0))+"/approve", payload, nil)
		return finish(stdout, stderr, "review approve", body, status, err, false, printApproval)
	default:
		usage(stderr)
		return 2
	}
}

func printApproval(w io.Writer, body []byte) error {
	var payload struct {
		Result struct {
			RunID         string `json:"run_id"`
			Status        string `json:"status"`
			FinalDecision string `json:"final_decision"`
		} `json:"result"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("invalid response: %w", err)
	}
	fmt.Fprintf(w, "run_id=%s status=%s final_decision=%s\n", payload.Result.RunID, payload.Result.Status, payload.Result.FinalDecision)
	return nil
}

func handleRuns(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", envOrDefault("QUOTEGATE_ADDR", defaultAddr), "quotegate API address")
	status := fs.String("status", "", "filter by run status")
	outcome := fs.String("outcome", "", "filter by decision outcome")
	limit := fs.Int("limit", 0, "maximum runs to list")
	if err := fs.Parse(args); err != nil {
		fs.Usage()
		return 2
	}
	q := url.Values{}
	if *status != "" {
		q.Set("status", *status)
	}
	if *outcome != "" {
		q.Set("outcome", *outcome)
	}
	if *limit > 0 {
		q.Set("limit", fmt.Sprint(*limit))
	}
	target := *addr + "/v1/runs"
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	body, code, err := httpDo(http.DefaultClient, http.MethodGet, target, nil, nil)
	return finish(stdout, stderr, "runs", body, code, err, false, printRuns)
}

func printRuns(w io.Writer, body []byte) error {
	var payload struct {
		Runs []struct {
			RunID     string `json:"run_id"`
			Status    string `json:"status"`
			CreatedAt string `json:"created_at"`
			Decision  *struct {
				Outcome string `json:"outcome"`
			} `json:"decision"`
		} `json:"runs"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("invalid response: %w", err)
	}
	for _, run := range payload.Runs {
		outcome := "-"
		if run.Decision != nil {
			outcome = run.Decision.Outcome
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", run.RunID, run.Status, outcome, run.CreatedAt)
	}
	return nil
}

func handleStats(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("stats", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", envOrDefault("QUOTEGATE_ADDR", defaultAddr), "quotegate API address")
	if err := fs.Parse(args); err != nil {
		fs.Usage()
		return 2
	}
	body, status, err := httpDo(http.DefaultClient, http.MethodGet, *addr+"/v1/stats", nil, nil)
	return finish(stdout, stderr, "stats", body, status, err, true, nil)
}

func handleAudit(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("audit", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", envOrDefault("QUOTEGATE_ADDR", defaultAddr), "quotegate API address")
	jsonOut := fs.Bool("json", false, "print raw JSON response")
	if err := fs.Parse(args); err != nil {
		fs.Usage()
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "audit requires <run_id>")
		fs.Usage()
		return 2
	}
	body, status, err := httpDo(http.DefaultClient, http.MethodGet, *addr+"/v1/runs/"+url.PathEscape(fs.Arg(0))+"/audit", nil, nil)
	if code := finish(stdout, stderr, "audit", body, status, err, *jsonOut, printAudit); code != 0 || *jsonOut {
		return code
	}
	var payload struct {
		ChainValid bool `json:"chain_valid"`
	}
	_ = json.Unmarshal(body, &payload)
	if !payload.ChainValid {
		return 1
	}
	return 0
}

func printAudit(w io.Writer, body []byte) error {
	var payload struct {
		RunID      string `json:"run_id"`
		Status     string `json:"status"`
		ChainValid bool   `json:"chain_valid"`
		ChainError string `json:"chain_error"`
		Entries    []struct {
			Seq          int64  `json:"seq"`
			Node         string `json:"node"`
			StatusBefore string `json:"status_before"`
			StatusAfter  string `json:"status_after"`
		} `json:"entries"`
		Grade struct {
			Grade   string   `json:"grade"`
			Reasons []string `json:"reasons"`
		} `json:"grade"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return fmt.Errorf("invalid response: %w", err)
	}
	fmt.Fprintf(w, "run_id=%s status=%s chain_valid=%t grade=%s", payload.RunID, payload.Status, payload.ChainValid, payload.Grade.Grade)
	if len(payload.Grade.Reasons) > 0 {
		fmt.Fprintf(w, " reasons=%s", strings.Join(payload.Grade.Reasons, ","))
	}
	if payload.ChainError != "" {
		fmt.Fprintf(w, " chain_error=%q", payload.ChainError)
	}
	fmt.Fprintln(w)
	for _, e := range payload.Entries {
		fmt.Fprintf(w, "  %d %s %s->%s\n", e.Seq, e.Node, e.StatusBefore, e.StatusAfter)
	}
	return nil
}

func handlePack(args []string, stdout io.Writer, stderr io.Writer) int {
	fs := flag.NewFlagSet("pack", flag.ContinueOnError)
	fs.SetOutput(stderr)
	addr := fs.String("addr", envOrDefault("QUOTEGATE_ADDR", defaultAddr), "quotegate API address")
	outPath := fs.String("out", "quotegate-pack.zip", "output zip path")
	if err := fs.Parse(args); err != nil {
		fs.Usage()
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(stderr, "pack requires <run_id>")
		fs.Usage()
		return 2
	}

	respBody, status, err := httpDo(http.DefaultClient, http.MethodGet, *addr+"/v1/runs/"+url.PathEscape(fs.Arg(0))+"/pack", nil, nil)
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	if status != http.StatusOK {
		fmt.Fprintf(stderr, "pack failed: %s\n", strings.TrimSpace(string(respBody)))
		return 1
	}

	if dir := filepath.Dir(*outPath); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			fmt.Fprintln(stderr, "output dir:", err)
			return 1
		}
	}
	if err := os.WriteFile(*outPath, respBody, 0o600); err != nil {
		fmt.Fprintln(stderr, "write output:", err)
		return 1
	}
	fmt.Fprintf(stdout, "wrote %s\n", *outPath)
	return 0
}

func handlePolicy(args []string, stdout io.Writer, stderr io.Writer) int {
	if len(args) == 0 {
		usage(stderr)
		return 2
	}
	switch args[0] {
	case "lint":
		fs := flag.NewFlagSet("policy lint", flag.ContinueOnError)
		fs.SetOutput(stderr)
		if err := fs.Parse(args[1:]); err != nil {
			fs.Usage()
			return 2
		}
		if fs.NArg() != 1 {
			fmt.Fprintln(stderr, "policy lint requires <policy_path>")
			fs.Usage()
			return 2
		}
		loaded, err := policy.LoadPolicy(fs.Arg(0))
		if err != nil {
			fmt.Fprintln(stderr, err.Error())
			return 1
		}
		fmt.Fprintf(stdout, "ok policy_id=%s policy_version=%s policy_hash=%s\n", loaded.Policy.PolicyID, loaded.Policy.PolicyVersion, loaded.Hash)
		return 0
	case "default":
		_, _ = stdout.Write(policy.Default().Bytes)
		return 0
	default:
		usage(stderr)
		return 2
	}
}

// finish reports a response: raw JSON when asked or when no printer is
// given, otherwise the printer's summary. Non-2xx statuses are failures.
func finish(stdout, stderr io.Writer, name string, body []byte, status int, err error, raw bool, printer func(io.Writer, []byte) error) int {
	if err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	if status < 200 || status > 299 {
		fmt.Fprintf(stderr, "%s failed: %s\n", name, strings.TrimSpace(string(body)))
		return 1
	}
	if raw || printer == nil {
		_, _ = stdout.Write(body)
		return 0
	}
	if err := printer(stdout, body); err != nil {
		fmt.Fprintln(stderr, err.Error())
		return 1
	}
	return 0
}

func httpDo(client *http.Client, method, target string, payload any, headers map[string]string) ([]byte, int, error) {
	var reqBody io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, err
		}
		reqBody = bytes.NewReader(raw)
	}
	req, err := http.NewRequest(method, target, reqBody)
	if err != nil {
		return nil, 0, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}

func readInput(path string) ([]byte, error) {
	if path == "-" {
		return io.ReadAll(os.Stdin)
	}
	// #nosec G304 -- path is supplied by the operator.
	return os.ReadFile(path)
}

func envOrDefault(key string, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func usage(w io.Writer) {
	fmt.Fprint(w, `quotegate CLI

Flags come before positional arguments.

Usage:
  quotegate-cli submit [--addr URL] [--idempotency-key KEY] [--no-agentic] [--json] --file submission.json
  quotegate-cli answer [--addr URL] [--json] <run_id> field=value...
  quotegate-cli status [--addr URL] <run_id>
  quotegate-cli review status [--addr URL] <run_id>
  quotegate-cli review approve [--addr URL] --decision ACCEPT|REFER|DECLINE --reviewer NAME [--notes TEXT] [--premium USD] <run_id>
  quotegate-cli review overdue [--addr URL]
  quotegate-cli runs [--addr URL] [--status S] [--outcome O] [--limit N]
  quotegate-cli stats [--addr URL]
  quotegate-cli audit [--addr URL] [--json] <run_id>
  quotegate-cli pack [--addr URL] [--out quotegate-pack.zip] <run_id>
  quotegate-cli policy lint <policy_path>
  quotegate-cli policy default
`)
}
