package search

import "context"

// BoardRecord is what gets indexed for a board.
type BoardRecord struct {
	ID        string   `json:"id"`
	Title     string   `json:"title"`
	OwnerID   string   `json:"ownerId"`
	MemberIDs []string `json:"memberIds"`
}

// Hit is a single board matching a query.
type Hit struct {
	ID      string `json:"id"`
	Title   string `json:"title"`
	Snippet string `json:"snippet,omitempty"`
}

// Query describes a title search scoped to one member's boards.
type Query struct {
	Text   string
	UserID string
	Limit  int
}

// Engine is an external full-text index.
type Engine interface {
	Healthy() bool
	Search(q Query) ([]Hit, error)
	IndexBoard(b BoardRecord) error
	DeleteBoard(id string) error
}

// Fallback answers queries when the engine is absent or unhealthy.
type Fallback interface {
	SearchBoards(ctx context.Context, q Query) ([]Hit, error)
}
