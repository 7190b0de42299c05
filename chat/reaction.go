package chat

import (
	"sort"

	"tably/models"
)

// maxDistinctShown bounds the compact reaction strip to three emoji.
const maxDistinctShown = 3

// ReactionSummary is the aggregated multiset view of a message's reactions.
// DistinctOrdered holds the first three distinct emoji in first-seen order;
// TotalCount is the full reactor count regardless of truncation.
type ReactionSummary struct {
	DistinctOrdered []string
	TotalCount      int
}

// AggregateReactions merges per-user reactions into a summary. The input
// carries one entry per user (the store enforces single active reaction per
// user), so the reactor count is just the slice length. First-seen order is
// made deterministic by sorting on set time with user id as tiebreak instead
// of trusting any incidental iteration order.
func AggregateReactions(reactions []models.Reaction) ReactionSummary {
	if len(reactions) == 0 {
		return ReactionSummary{}
	}

	ordered := make([]models.Reaction, len(reactions))
	copy(ordered, reactions)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].SetAt != ordered[j].SetAt {
			return ordered[i].SetAt < ordered[j].SetAt
		}
		return ordered[i].UserID.Hex() < ordered[j].UserID.Hex()
	})

	seen := make(map[string]bool, maxDistinctShown)
	var distinct []string
	for _, r := range ordered {
		if seen[r.Emoji] {
			continue
		}
		seen[r.Emoji] = true
		if len(distinct) < maxDistinctShown {
			distinct = append(distinct, r.Emoji)
		}
	}

	return ReactionSummary{DistinctOrdered: distinct, TotalCount: len(ordered)}
}
