// Package retrieval finds underwriting guideline passages relevant to a
// submission. The default corpus is embedded in the binary.
package retrieval

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"unicode"

	"github.com/davidahmann/quotegate/pkg/types"
	"gopkg.in/yaml.v3"
)

// ErrUnavailable marks the evidence subsystem as down.
var ErrUnavailable = errors.New("guideline retrieval unavailable")

// DefaultTopK is used when the caller asks for k <= 0.
const DefaultTopK = 4

//go:embed guidelines.yaml
var embeddedCorpus []byte

type Retriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]types.EvidenceCitation, error)
}

type Corpus struct {
	Documents []Document `yaml:"documents"`
}

type Document struct {
	DocID    string    `yaml:"doc_id"`
	Version  string    `yaml:"version"`
	Sections []Section `yaml:"sections"`
}

type Section struct {
	Title string `yaml:"title"`
	Text  string `yaml:"text"`
}

type indexedSection struct {
	docID   string
	section string
	passage string
	terms   map[string]struct{}
}

// CorpusRetriever ranks corpus sections by the share of query terms they
// contain.
type CorpusRetriever struct {
	sections []indexedSection
	down     atomic.Bool
}

func ParseCorpus(data []byte) (Corpus, error) {
	var c Corpus
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Corpus{}, fmt.Errorf("parse corpus: %w", err)
	}
	if len(c.Documents) == 0 {
		return Corpus{}, fmt.Errorf("parse corpus: no documents")
	}
	return c, nil
}

func NewCorpusRetriever(c Corpus) *CorpusRetriever {
	r := &CorpusRetriever{}
	for _, doc := range c.Documents {
		for _, sec := range doc.Sections {
			passage := strings.TrimSpace(sec.Text)
			r.sections = append(r.sections, indexedSection{
				docID:   doc.DocID,
				section: sec.Title,
				passage: passage,
				terms:   termSet(sec.Title + " " + passage),
			})
		}
	}
	return r
}

// Default returns a retriever over the embedded guideline corpus.
func Default() *CorpusRetriever {
	c, err := ParseCorpus(embeddedCorpus)
	if err != nil {
		panic(err)
	}
	return NewCorpusRetriever(c)
}

// SetAvailable toggles the retriever; a disabled retriever fails every call
// with ErrUnavailable.
func (r *CorpusRetriever) SetAvailable(ok bool) {
	r.down.Store(!ok)
}

func (r *CorpusRetriever) Retrieve(ctx context.Context, query string, k int) ([]types.EvidenceCitation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if r.down.Load() {
		return nil, ErrUnavailable
	}
	if k <= 0 {
		k = DefaultTopK
	}
	queryTerms := termSet(query)
	if len(queryTerms) == 0 {
		return nil, nil
	}

	type scored struct {
		idx   int
		score float64
	}
	var hits []scored
	for i, sec := range r.sections {
		matched := 0
		for term := range queryTerms {
			if _, ok := sec.terms[term]; ok {
				matched++
			}
		}
		if matched == 0 {
			continue
		}
		hits = append(hits, scored{idx: i, score: float64(matched) / float64(len(queryTerms))})
	}

	sort.SliceStable(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].idx < hits[j].idx
	})
	if len(hits) > k {
		hits = hits[:k]
	}

	out := make([]types.EvidenceCitation, 0, len(hits))
	for _, h := range hits {
		sec := r.sections[h.idx]
		out = append(out, types.EvidenceCitation{
			DocID:     sec.docID,
			Section:   sec.section,
			Passage:   sec.passage,
			Relevance: h.score,
			Query:     query,
		})
	}
	return out, nil
}

var stopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {}, "by": {},
	"for": {}, "from": {}, "in": {}, "is": {}, "it": {}, "of": {}, "on": {}, "or": {},
	"the": {}, "to": {}, "with": {}, "without": {}, "within": {}, "may": {}, "must": {},
}

func termSet(text string) map[string]struct{} {
	out := map[string]struct{}{}
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '_'
	})
	for _, f := range fields {
		if _, skip := stopwords[f]; skip || len(f) < 2 {
			continue
		}
		out[f] = struct{}{}
		// "single_family" should also match "single family".
		if strings.Contains(f, "_") {
			for _, part := range strings.Split(f, "_") {
				if part != "" {
					out[part] = struct{}{}
				}
			}
		}
	}
	return out
}
