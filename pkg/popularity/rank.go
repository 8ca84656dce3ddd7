package popularity

import "sort"

// Scored pairs an entity id with its current score.
type Scored struct {
	ID    string
	Score float64
}

// Rank assigns competition ranks by descending score. Tied entities share
// the rank of the first entity in their block and the next distinct score
// skips the consumed positions: [100, 100, 80] ranks as [1, 1, 3].
func Rank(scores []Scored) map[string]int {
	ranks := make(map[string]int, len(scores))
	if len(scores) == 0 {
		return ranks
	}

	sorted := make([]Scored, len(scores))
	copy(sorted, scores)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Score > sorted[j].Score
	})

	for i, s := range sorted {
		if i > 0 && s.Score == sorted[i-1].Score {
			ranks[s.ID] = ranks[sorted[i-1].ID]
			continue
		}
		ranks[s.ID] = i + 1
	}
	return ranks
}
