package messages

// Patch is the only legal mutation of the message log.
//
// MessageID selects the target: nil appends a new message, BroadcastID ("-")
// targets every generating message, any other value targets that message.
// ThinkingDelta and ContentDelta append; pointer fields replace when non-nil.
// Finished marks the target completed. Rollback erases the target and every
// later message.
type Patch struct {
	MessageID      *string        `json:"message_id"`
	Role           *string        `json:"role,omitempty"`
	Publisher      *string        `json:"publisher,omitempty"`
	ThinkingDelta  string         `json:"thinking_delta"`
	ContentDelta   string         `json:"content_delta"`
	Title          *string        `json:"title,omitempty"`
	ActionTitle    *string        `json:"action_title,omitempty"`
	ActionParams   map[string]any `json:"action_params,omitempty"`
	SnapshotID     *string        `json:"snapshot_id,omitempty"`
	VisibleNodeIDs []string       `json:"visible_node_ids,omitempty"`
	Finished       bool           `json:"finished"`
	Rollback       bool           `json:"rollback"`
}

// FrontendPatch is the wire form delivered to subscribers: identical to Patch
// except the snapshot id is expanded into a full snapshot object. SnapshotID
// survives raw on catch-up patches for messages still generating, where the
// object is not sent yet.
type FrontendPatch struct {
	MessageID      *string         `json:"message_id"`
	Role           *string         `json:"role,omitempty"`
	Publisher      *string         `json:"publisher,omitempty"`
	ThinkingDelta  string          `json:"thinking_delta"`
	ContentDelta   string          `json:"content_delta"`
	Title          *string         `json:"title,omitempty"`
	ActionTitle    *string         `json:"action_title,omitempty"`
	ActionParams   map[string]any  `json:"action_params,omitempty"`
	SnapshotID     *string         `json:"snapshot_id,omitempty"`
	Snapshot       *SnapshotObject `json:"snapshot,omitempty"`
	VisibleNodeIDs []string        `json:"visible_node_ids,omitempty"`
	Finished       bool            `json:"finished"`
	Rollback       bool            `json:"rollback"`
}

// StringPtr is a convenience for building patches.
func StringPtr(s string) *string {
	return &s
}

// PublishFunc is the signature accepted by everything that emits patches.
type PublishFunc func(patch *Patch) (string, error)
