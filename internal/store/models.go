// Package store provides SQLite-backed persistence for the vault data layer.
// It owns the schema and the database handle; component packages own their
// own queries and compose multi-statement mutations through WithTx.
package store

// Node kinds.
const (
	KindFile      = "file"
	KindDirectory = "directory"
)

// Cloze card maturity tiers.
const (
	TierNew      = "new"
	TierLearning = "learning"
	TierReview   = "review"
	TierMature   = "mature"
)

// Node is a file or directory in the path-addressed tree. Path is unique
// among live nodes within a namespace; ParentID is empty only for the
// namespace root.
type Node struct {
	ID        string         `json:"id"`
	Namespace string         `json:"namespace"`
	Path      string         `json:"path"`
	Name      string         `json:"name"`
	Kind      string         `json:"kind"`
	ParentID  string         `json:"parentId,omitempty"`
	Content   string         `json:"content,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
	CreatedAt int64          `json:"createdAt"`
	UpdatedAt int64          `json:"updatedAt"`
}

// ClozeCard is a review card extracted from a host node's text, carrying
// its spaced-repetition scheduling state.
type ClozeCard struct {
	ID           string  `json:"id"`
	HostID       string  `json:"hostId"`
	Payload      string  `json:"payload"`
	Tier         string  `json:"tier"`
	DueAt        int64   `json:"dueAt"`
	IntervalDays int     `json:"intervalDays"`
	EaseFactor   float64 `json:"easeFactor"`
	Repetitions  int     `json:"repetitions"`
	Lapses       int     `json:"lapses"`
	CreatedAt    int64   `json:"createdAt"`
	UpdatedAt    int64   `json:"updatedAt"`
}

// Task is a checkbox item extracted from a host node's text.
type Task struct {
	ID        string `json:"id"`
	HostID    string `json:"hostId"`
	Text      string `json:"text"`
	Done      bool   `json:"done"`
	Indent    string `json:"indent,omitempty"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

// AgentBlock is a fenced agent directive extracted from a host node's text.
type AgentBlock struct {
	ID        string `json:"id"`
	HostID    string `json:"hostId"`
	Directive string `json:"directive"`
	Body      string `json:"body,omitempty"`
	CreatedAt int64  `json:"createdAt"`
	UpdatedAt int64  `json:"updatedAt"`
}

// Tag is a globally unique, case-sensitive label.
type Tag struct {
	Name      string `json:"name"`
	CreatedAt int64  `json:"createdAt"`
}

// Link is a directed source→target edge derived from wikilinks in the
// source node's text.
type Link struct {
	SourceID string `json:"sourceId"`
	TargetID string `json:"targetId"`
}
