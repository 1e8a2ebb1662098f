package grouping

import "github.com/lotas/bubblegroups/internal/types"

// ResolveMajority returns the identity shared by most candidates, compared
// by (app, version). Ties go to the identity seen first.
func ResolveMajority(candidates []types.Identity) (types.Identity, bool) {
	if len(candidates) == 0 {
		return types.Identity{}, false
	}
	counts := make(map[types.BranchKey]int, len(candidates))
	first := make(map[types.BranchKey]types.Identity, len(candidates))
	var order []types.BranchKey
	for _, c := range candidates {
		k := c.BranchKey()
		if _, seen := first[k]; !seen {
			first[k] = c
			order = append(order, k)
		}
		counts[k]++
	}

	best := order[0]
	for _, k := range order[1:] {
		if counts[k] > counts[best] {
			best = k
		}
	}
	return first[best], true
}
