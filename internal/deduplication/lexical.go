package deduplication

import (
	"context"
	"fmt"
	"math"
	"sort"
	"strings"
	"unicode"

	"github.com/steveyegge/triage/internal/types"
)

// LexicalDeduplicator scores candidates by TF-IDF cosine similarity.
//
// Each document is title + title + body, so the title counts twice. Terms
// are lowercase alphanumeric tokens of two or more characters, minus English
// stop words, plus adjacent-token bigrams. IDF is smoothed
// (ln((1+N)/(1+df)) + 1) over the event and its candidates.
type LexicalDeduplicator struct {
	threshold float64
}

var _ Deduplicator = (*LexicalDeduplicator)(nil)

// NewLexicalDeduplicator creates a lexical engine that reports a duplicate
// when the best cosine similarity reaches threshold.
func NewLexicalDeduplicator(threshold float64) *LexicalDeduplicator {
	return &LexicalDeduplicator{threshold: threshold}
}

func (d *LexicalDeduplicator) Name() string { return "lexical" }

func (d *LexicalDeduplicator) CheckDuplicate(ctx context.Context, event types.IssueEvent, candidates []types.IssueEvent) (*types.DuplicateVerdict, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return &types.DuplicateVerdict{}, nil
	}

	docs := make([][]string, 0, len(candidates)+1)
	docs = append(docs, Terms(documentText(event)))
	for _, c := range candidates {
		docs = append(docs, Terms(documentText(c)))
	}
	vectors := tfidf(docs)
	query := vectors[0]

	best := -1
	bestScore := 0.0
	for i, c := range candidates {
		score := cosine(query, vectors[i+1])
		switch {
		case best < 0, score > bestScore+scoreEpsilon:
		case math.Abs(score-bestScore) <= scoreEpsilon && types.CompareCreation(c, candidates[best]) < 0:
		default:
			continue
		}
		best, bestScore = i, score
	}

	bestScore = clamp01(bestScore)
	verdict := &types.DuplicateVerdict{
		SimilarityScore: bestScore,
		ConfidenceScore: lexicalConfidence(bestScore),
		ComparedCount:   len(candidates),
	}
	if best >= 0 && bestScore > 0 {
		ref := candidates[best].Ref()
		verdict.MatchedIssue = &ref
		verdict.Reasons = append(verdict.Reasons, fmt.Sprintf("cosine similarity %.2f with #%s", bestScore, ref.ID))
		if shared := sharedTerms(query, vectors[best+1], 5); len(shared) > 0 {
			verdict.Reasons = append(verdict.Reasons, "shared terms: "+strings.Join(shared, ", "))
		}
	}
	verdict.IsDuplicate = verdict.MatchedIssue != nil && bestScore >= d.threshold
	return verdict, nil
}

// lexicalConfidence boosts similarities that already look meaningful.
func lexicalConfidence(sim float64) float64 {
	if sim >= 0.3 {
		return math.Min(sim*1.2, 1.0)
	}
	return sim
}

func documentText(e types.IssueEvent) string {
	return e.Title + " " + e.Title + " " + e.Body
}

// Terms tokenizes text into unigrams and bigrams.
func Terms(text string) []string {
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	kept := words[:0]
	for _, w := range words {
		if len([]rune(w)) < 2 || stopWords[w] {
			continue
		}
		kept = append(kept, w)
	}
	terms := make([]string, 0, len(kept)*2)
	terms = append(terms, kept...)
	for i := 0; i+1 < len(kept); i++ {
		terms = append(terms, kept[i]+" "+kept[i+1])
	}
	return terms
}

// Scores closer than this are ties; summation order over map keys can move
// the last bits.
const scoreEpsilon = 1e-9

type vector map[string]float64

func tfidf(docs [][]string) []vector {
	df := make(map[string]int)
	for _, doc := range docs {
		seen := make(map[string]bool, len(doc))
		for _, t := range doc {
			if !seen[t] {
				seen[t] = true
				df[t]++
			}
		}
	}

	n := float64(len(docs))
	out := make([]vector, len(docs))
	for i, doc := range docs {
		v := make(vector, len(doc))
		for _, t := range doc {
			v[t]++
		}
		var norm float64
		for t, tf := range v {
			w := tf * (math.Log((1+n)/(1+float64(df[t]))) + 1)
			v[t] = w
			norm += w * w
		}
		if norm > 0 {
			norm = math.Sqrt(norm)
			for t := range v {
				v[t] /= norm
			}
		}
		out[i] = v
	}
	return out
}

func cosine(a, b vector) float64 {
	if len(b) < len(a) {
		a, b = b, a
	}
	var dot float64
	for t, w := range a {
		dot += w * b[t]
	}
	return dot
}

// sharedTerms returns up to limit unigrams present in both vectors, ordered
// by their contribution to the similarity.
func sharedTerms(a, b vector, limit int) []string {
	type term struct {
		name  string
		score float64
	}
	var shared []term
	for t, w := range a {
		if strings.Contains(t, " ") {
			continue
		}
		if bw, ok := b[t]; ok {
			shared = append(shared, term{t, w * bw})
		}
	}
	sort.Slice(shared, func(i, j int) bool {
		if shared[i].score != shared[j].score {
			return shared[i].score > shared[j].score
		}
		return shared[i].name < shared[j].name
	})
	if len(shared) > limit {
		shared = shared[:limit]
	}
	names := make([]string, len(shared))
	for i, s := range shared {
		names[i] = s.name
	}
	return names
}

func clamp01(f float64) float64 {
	return math.Max(0, math.Min(1, f))
}

var stopWords = func() map[string]bool {
	words := strings.Fields(`
		a about above after again against all am an and any are as at be because been
		before being below between both but by can could did do does doing down during
		each few for from further had has have having he her here hers herself him
		himself his how if in into is it its itself just me more most my myself no nor
		not now of off on once only or other our ours ourselves out over own same she
		should so some such than that the their theirs them themselves then there these
		they this those through to too under until up very was we were what when where
		which while who whom why will with would you your yours yourself yourselves
		also get gets got im ive dont doesnt cant wont isnt please thanks thank hi hello`)
	m := make(map[string]bool, len(words))
	for _, w := range words {
		m[w] = true
	}
	return m
}()
