package boardsync

import (
	"sort"

	"pixpick/api/internal/store"
)

// SortPicks applies the board's display order. Picks with an explicit
// order come first, ascending; the rest follow newest first, with picks
// whose createdAt is still pending ahead of all others. Ties break by id.
func SortPicks(picks []store.Pick) {
	sort.SliceStable(picks, func(i, j int) bool {
		return lessPick(picks[i], picks[j])
	})
}

func lessPick(a, b store.Pick) bool {
	switch {
	case a.Order != nil && b.Order != nil:
		if *a.Order != *b.Order {
			return *a.Order < *b.Order
		}
	case a.Order != nil:
		return true
	case b.Order != nil:
		return false
	default:
		ta, tb := a.CreatedAt, b.CreatedAt
		if ta.IsZero() != tb.IsZero() {
			return ta.IsZero()
		}
		if !ta.Equal(tb) {
			return ta.After(tb)
		}
	}
	return a.ID < b.ID
}

func sortCollaborators(cs []store.Collaborator) {
	sort.SliceStable(cs, func(i, j int) bool {
		a, b := cs[i], cs[j]
		if (a.Role == "owner") != (b.Role == "owner") {
			return a.Role == "owner"
		}
		if !a.AddedAt.Equal(b.AddedAt) {
			return a.AddedAt.Before(b.AddedAt)
		}
		return a.UID < b.UID
	})
}
