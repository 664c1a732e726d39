package boardsync

import (
	"testing"
	"time"

	"pixpick/api/internal/store"
)

func ord(f float64) *float64 { return &f }

func TestSortPicks(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	picks := []store.Pick{
		{ID: "old", CreatedAt: now.Add(-2 * time.Hour)},
		{ID: "ordered-2", Order: ord(2), CreatedAt: now},
		{ID: "new", CreatedAt: now},
		{ID: "pending"},
		{ID: "ordered-0", Order: ord(0), CreatedAt: now.Add(-5 * time.Hour)},
		{ID: "same-time-b", CreatedAt: now.Add(-time.Hour)},
		{ID: "same-time-a", CreatedAt: now.Add(-time.Hour)},
		{ID: "ordered-2b", Order: ord(2)},
	}
	SortPicks(picks)

	want := []string{"ordered-0", "ordered-2", "ordered-2b", "pending", "new", "same-time-a", "same-time-b", "old"}
	for i, id := range want {
		if picks[i].ID != id {
			got := make([]string, len(picks))
			for j, p := range picks {
				got[j] = p.ID
			}
			t.Fatalf("order = %v, want %v", got, want)
		}
	}
}
