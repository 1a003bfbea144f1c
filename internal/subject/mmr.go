package subject

import (
	"fmt"
	"math"
	"sort"
)

// SearchOptions controls a maximal marginal relevance search.
type SearchOptions struct {
	K      int     // results returned
	FetchK int     // candidates considered
	Lambda float64 // 1 favours relevance only, 0 favours diversity only
}

// DefaultSearchOptions returns k=10, fetch_k=15, lambda=0.5.
func DefaultSearchOptions() SearchOptions {
	return SearchOptions{K: 10, FetchK: 15, Lambda: 0.5}
}

func (o SearchOptions) normalize() SearchOptions {
	d := DefaultSearchOptions()
	if o.K <= 0 {
		o.K = d.K
	}
	if o.FetchK < o.K {
		o.FetchK = max(d.FetchK, o.K)
	}
	if o.Lambda < 0 || o.Lambda > 1 {
		o.Lambda = d.Lambda
	}
	return o
}

// MMR ranks activities against query. The FetchK most similar candidates are
// picked greedily: each step takes the candidate maximising
// lambda*sim(query, c) - (1-lambda)*max sim(c, selected).
func MMR(query []float64, activities []Activity, opts SearchOptions) ([]Match, error) {
	opts = opts.normalize()

	candidates := make([]Match, 0, len(activities))
	for _, a := range activities {
		score, err := Cosine(query, a.Embedding)
		if err != nil {
			return nil, fmt.Errorf("activity %s: %w", a.Code, err)
		}
		candidates = append(candidates, Match{Activity: a, Score: score})
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Score > candidates[j].Score })
	if len(candidates) > opts.FetchK {
		candidates = candidates[:opts.FetchK]
	}

	selected := make([]Match, 0, min(opts.K, len(candidates)))
	used := make([]bool, len(candidates))
	for len(selected) < opts.K && len(selected) < len(candidates) {
		best, bestScore := -1, math.Inf(-1)
		for i, c := range candidates {
			if used[i] {
				continue
			}
			redundancy := 0.0
			if len(selected) > 0 {
				redundancy = math.Inf(-1)
				for _, s := range selected {
					sim, _ := Cosine(c.Embedding, s.Embedding)
					redundancy = math.Max(redundancy, sim)
				}
			}
			score := opts.Lambda*c.Score - (1-opts.Lambda)*redundancy
			if score > bestScore {
				best, bestScore = i, score
			}
		}
		used[best] = true
		selected = append(selected, candidates[best])
	}
	return selected, nil
}

// Cosine returns the cosine similarity of a and b; zero vectors score 0.
func Cosine(a, b []float64) (float64, error) {
	if len(a) != len(b) {
		return 0, fmt.Errorf("%w: %d vs %d", ErrDimension, len(a), len(b))
	}
	var dot, na, nb float64
	for i := range a {
		dot += a[i] * b[i]
		na += a[i] * a[i]
		nb += b[i] * b[i]
	}
	if na == 0 || nb == 0 {
		return 0, nil
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), nil
}
