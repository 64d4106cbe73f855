// Package messages holds the canonical message log of a research session and
// the patch bus that mutates it. Every change to the log arrives as a Patch
// through Manager.PublishPatch; applied patches fan out to SSE subscribers.
package messages

import (
	"time"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message statuses.
const (
	StatusGenerating = "generating"
	StatusCompleted  = "completed"
)

// BroadcastID is the sentinel message id that targets every message currently
// in generating state.
const BroadcastID = "-"

// ActionFinished marks the distribute-only patch that tells subscribers the
// current agent task ended.
const ActionFinished = "finished"

// Message is one entry of the canonical log. Thinking and Content grow by
// delta application; every other field is replaced in full.
type Message struct {
	ID             string         `json:"id"`
	Role           string         `json:"role"`
	Publisher      string         `json:"publisher,omitempty"`
	Status         string         `json:"status"`
	Title          string         `json:"title,omitempty"`
	Thinking       string         `json:"thinking"`
	Content        string         `json:"content"`
	ActionTitle    string         `json:"action_title,omitempty"`
	ActionParams   map[string]any `json:"action_params,omitempty"`
	SnapshotID     string         `json:"snapshot_id,omitempty"`
	VisibleNodeIDs []string       `json:"visible_node_ids"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Clone returns a deep copy so that log internals never leak to readers.
func (m *Message) Clone() *Message {
	clone := *m
	if m.ActionParams != nil {
		clone.ActionParams = make(map[string]any, len(m.ActionParams))
		for k, v := range m.ActionParams {
			clone.ActionParams[k] = v
		}
	}
	if m.VisibleNodeIDs != nil {
		clone.VisibleNodeIDs = append([]string(nil), m.VisibleNodeIDs...)
	}
	return &clone
}

// VisibleMessage is the reduced projection used when rendering the message
// history into an agent prompt.
type VisibleMessage struct {
	Role      string `json:"role"`
	Publisher string `json:"publisher,omitempty"`
	Title     string `json:"title,omitempty"`
	Content   string `json:"content"`
}

// SnapshotObject is the expanded form of a snapshot reference delivered to
// front-end consumers in place of the raw snapshot id.
type SnapshotObject struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"created_at"`
	Data      any       `json:"data"`
	Summary   string    `json:"summary"`
}

// FrontendMessage is a Message with the snapshot id swapped for the full
// snapshot object.
type FrontendMessage struct {
	ID             string          `json:"id"`
	Role           string          `json:"role"`
	Publisher      string          `json:"publisher,omitempty"`
	Status         string          `json:"status"`
	Title          string          `json:"title,omitempty"`
	Thinking       string          `json:"thinking"`
	Content        string          `json:"content"`
	ActionTitle    string          `json:"action_title,omitempty"`
	ActionParams   map[string]any  `json:"action_params,omitempty"`
	Snapshot       *SnapshotObject `json:"snapshot,omitempty"`
	VisibleNodeIDs []string        `json:"visible_node_ids"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}
