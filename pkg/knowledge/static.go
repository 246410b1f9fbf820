package knowledge

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"
	"unicode"

	"custodian-mesh/pkg/model"
)

// StaticBackend serves a fixed in-memory corpus ranked by term overlap. It
// is ready once it holds at least one passage.
type StaticBackend struct {
	mu       sync.RWMutex
	passages []model.Passage
}

func NewStaticBackend(passages ...model.Passage) *StaticBackend {
	s := &StaticBackend{}
	s.Add(passages...)
	return s
}

// Add appends passages to the corpus.
func (s *StaticBackend) Add(passages ...model.Passage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.passages = append(s.passages, passages...)
}

func (s *StaticBackend) Ready(context.Context) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.passages) > 0
}

func (s *StaticBackend) Query(ctx context.Context, text string, k int) (Result, error) {
	terms := Terms(text)
	if len(terms) == 0 {
		return Result{}, ErrEmptyQuery
	}
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	s.mu.RLock()
	hits := make([]model.Passage, 0, len(s.passages))
	for _, p := range s.passages {
		if score := Overlap(terms, p.Text); score > 0 {
			p.Score = score
			hits = append(hits, p)
		}
	}
	s.mu.RUnlock()

	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if k > 0 && len(hits) > k {
		hits = hits[:k]
	}
	res := Result{Passages: hits}
	if len(hits) > 0 {
		res.Answer = hits[0].Text
	}
	return res, nil
}

// Terms lowercases text and splits it into distinct words of two or more
// letters or digits.
func Terms(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, f := range strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	}) {
		if len([]rune(f)) >= 2 {
			out[f] = struct{}{}
		}
	}
	return out
}

// Overlap is the fraction of query terms present in text.
func Overlap(terms map[string]struct{}, text string) float64 {
	if len(terms) == 0 {
		return 0
	}
	have := Terms(text)
	n := 0
	for t := range terms {
		if _, ok := have[t]; ok {
			n++
		}
	}
	return float64(n) / float64(len(terms))
}

// LoadStatic reads a JSON array of passages from path.
func LoadStatic(path string) (*StaticBackend, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var passages []model.Passage
	if err := json.Unmarshal(data, &passages); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return NewStaticBackend(passages...), nil
}
