package pack

import (
	"archive/zip"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/davidahmann/quotegate/pkg/types"
)

// Input is everything an audit pack is built from. Run must carry its log.
type Input struct {
	Run       types.RunRecord
	Policy    []byte
	CreatedAt string
}

type Manifest struct {
	RunID      string            `json:"run_id"`
	Status     string            `json:"status"`
	PolicyHash string            `json:"policy_hash"`
	DecisionID string            `json:"decision_id,omitempty"`
	LogEntries int               `json:"log_entries"`
	LastDigest string            `json:"last_digest,omitempty"`
	CreatedAt  string            `json:"created_at"`
	Files      map[string]string `json:"files"`
}

// BuildZip renders the pack as a zip archive.
func BuildZip(in Input, baseURL string) ([]byte, error) {
	files, err := BuildFiles(in, baseURL)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := WriteZip(&buf, files); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// BuildFiles returns the pack's files keyed by archive name.
func BuildFiles(in Input, baseURL string) (map[string][]byte, error) {
	if in.Run.RunID == "" {
		return nil, fmt.Errorf("run is required")
	}
	if len(in.Policy) == 0 {
		return nil, fmt.Errorf("policy is required")
	}
	if in.CreatedAt == "" {
		in.CreatedAt = types.FormatTime(time.Now())
	}

	files := map[string][]byte{}
	runJSON, err := json.MarshalIndent(in.Run.Summary(), "", "  ")
	if err != nil {
		return nil, err
	}
	files["run.json"] = runJSON

	var logBuf bytes.Buffer
	enc := json.NewEncoder(&logBuf)
	for _, entry := range in.Run.Log {
		if err := enc.Encode(entry); err != nil {
			return nil, err
		}
	}
	files["log.jsonl"] = logBuf.Bytes()
	files["policy.yaml"] = in.Policy

	if in.Run.Review != nil {
		reviewJSON, err := json.MarshalIndent(in.Run.Review, "", "  ")
		if err != nil {
			return nil, err
		}
		files["review.json"] = reviewJSON
	}

	summary, summaryHTML, err := BuildSummary(in, baseURL)
	if err != nil {
		return nil, err
	}
	summaryJSON, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return nil, err
	}
	files["summary.json"] = summaryJSON
	files["summary.html"] = summaryHTML

	manifest := Manifest{
		RunID:      in.Run.RunID,
		Status:     string(in.Run.Status),
		PolicyHash: in.Run.PolicyHash,
		LogEntries: len(in.Run.Log),
		CreatedAt:  in.CreatedAt,
		Files:      map[string]string{},
	}
	if in.Run.Decision != nil {
		manifest.DecisionID = in.Run.Decision.DecisionID
	}
	if n := len(in.Run.Log); n > 0 {
		manifest.LastDigest = in.Run.Log[n-1].Digest
	}
	for name, data := range files {
		manifest.Files[name] = digest(data)
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, err
	}
	files["manifest.json"] = manifestJSON
	files["sha256sums.txt"] = sha256sums(files)
	return files, nil
}

// WriteZip writes files in name order so archives are reproducible.
func WriteZip(w io.Writer, files map[string][]byte) error {
	zw := zip.NewWriter(w)
	for _, name := range sortedNames(files) {
		fw, err := zw.Create(name)
		if err != nil {
			return err
		}
		if _, err := fw.Write(files[name]); err != nil {
			return err
		}
	}
	return zw.Close()
}

func sha256sums(files map[string][]byte) []byte {
	var b strings.Builder
	for _, name := range sortedNames(files) {
		fmt.Fprintf(&b, "%s  %s\n", digest(files[name]), name)
	}
	return []byte(b.String())
}

func digest(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func sortedNames(files map[string][]byte) []string {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
