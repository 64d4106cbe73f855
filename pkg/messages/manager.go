package messages

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/resviz/resviz/pkg/logger"
)

// Sentinel errors mapped to HTTP statuses by the server layer.
var (
	// ErrNotFound reports an unknown message id.
	ErrNotFound = errors.New("消息不存在")
	// ErrGenerating rejects creating a message while another is streaming.
	ErrGenerating = errors.New("已有消息正在生成中")
	// ErrRoleRequired rejects creating a message without a role.
	ErrRoleRequired = errors.New("创建消息必须指定角色")
)

// SnapshotResolver expands a snapshot id into the object delivered to
// front-end consumers. It returns false for an unknown id.
type SnapshotResolver func(id string) (*SnapshotObject, bool)

// TaskRequest is a user-triggered unit of agent work.
type TaskRequest struct {
	Content string
	Title   string
	Params  map[string]any
}

// TaskResult records the outcome of the most recent agent task.
type TaskResult struct {
	Success   bool   `json:"success"`
	Message   string `json:"message"`
	Error     string `json:"error,omitempty"`
	ErrorType string `json:"error_type,omitempty"`
}

// Agent is the manager-facing view of an agent registered for dispatch.
type Agent interface {
	Name() string
	IsProcessing() bool
	LastTaskResult() *TaskResult
	Stats() map[string]any
	Start(ctx context.Context, req TaskRequest) error
	Stop(ctx context.Context) error
}

const subscriberBuffer = 64

type subscriber struct {
	ch chan *FrontendPatch
}

// Manager owns the message log, the subscriber fan-out and the agent
// registry. It is single-writer: PublishPatch serializes through one mutex,
// so at most one message is ever in generating state.
type Manager struct {
	mu          sync.Mutex
	messages    map[string]*Message
	order       []string
	subscribers []*subscriber
	agents      map[string]Agent
	agentOrder  []string
	resolver    SnapshotResolver
	dbStatus    func() map[string]any
}

// NewManager returns an empty log.
func NewManager() *Manager {
	return &Manager{
		messages: make(map[string]*Message),
		agents:   make(map[string]Agent),
	}
}

// SetSnapshotResolver installs the snapshot expansion used for front-end
// projection. Without a resolver patches pass through with a nil snapshot.
func (m *Manager) SetSnapshotResolver(resolver SnapshotResolver) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resolver = resolver
}

// SetDatabaseStatus installs the research-tree status callback reported by
// GetStatus.
func (m *Manager) SetDatabaseStatus(status func() map[string]any) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dbStatus = status
}

// RegisterAgent adds an agent to the dispatch registry.
func (m *Manager) RegisterAgent(agent Agent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	name := agent.Name()
	if _, ok := m.agents[name]; !ok {
		m.agentOrder = append(m.agentOrder, name)
	}
	m.agents[name] = agent
}

// GetAgent looks up a registered agent. The boolean reports existence.
func (m *Manager) GetAgent(name string) (Agent, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	agent, ok := m.agents[name]
	return agent, ok
}

// Agents returns the registered agents in registration order.
func (m *Manager) Agents() []Agent {
	m.mu.Lock()
	defer m.mu.Unlock()
	agents := make([]Agent, 0, len(m.agentOrder))
	for _, name := range m.agentOrder {
		agents = append(agents, m.agents[name])
	}
	return agents
}

// PublishPatch applies a patch to the log and fans the applied form out to
// every subscriber. It returns the id of the affected message (the last
// affected one for broadcast forms).
//
// Dispatch order: terminal broadcast (nil id + finished), rollback, create
// (nil id), generating broadcast ("-"), targeted update.
func (m *Manager) PublishPatch(ctx context.Context, patch *Patch) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case patch.ActionTitle != nil && *patch.ActionTitle == ActionFinished:
		// The task-terminal signal is distribute-only; the log is untouched.
		m.distribute(ctx, patch)
		return "", nil
	case patch.Rollback:
		return m.applyRollback(ctx, patch)
	case patch.MessageID == nil:
		return m.applyCreate(ctx, patch)
	case *patch.MessageID == BroadcastID:
		return m.applyGeneratingBroadcast(ctx, patch)
	default:
		return m.applyUpdate(ctx, patch)
	}
}

func (m *Manager) applyRollback(ctx context.Context, patch *Patch) (string, error) {
	if patch.MessageID == nil {
		return "", errors.New("回滚补丁必须指定消息ID")
	}
	target := *patch.MessageID
	idx := m.indexOf(target)
	if idx < 0 {
		// Rolling back to a message that was already erased is a no-op.
		logger.G(ctx).WithField("message_id", target).Warn("rollback target not found")
		return "", nil
	}
	for _, id := range m.order[idx+1:] {
		delete(m.messages, id)
	}
	m.order = m.order[:idx+1]

	msg := m.messages[target]
	msg.Thinking = ""
	msg.Content = ""
	msg.Status = StatusGenerating
	msg.UpdatedAt = time.Now()

	m.distribute(ctx, patch)
	return target, nil
}

func (m *Manager) applyCreate(ctx context.Context, patch *Patch) (string, error) {
	// Only one message may ever be generating. Creating an already-finished
	// message (retry and failure notices) is allowed at any time.
	wouldGenerate := patch.Role != nil && *patch.Role == RoleAssistant && !patch.Finished
	if wouldGenerate && m.hasGenerating() {
		return "", ErrGenerating
	}
	if patch.Role == nil {
		return "", ErrRoleRequired
	}

	now := time.Now()
	msg := &Message{
		ID:        uuid.NewString(),
		Role:      *patch.Role,
		Status:    StatusGenerating,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if msg.Role == RoleUser {
		msg.Status = StatusCompleted
	}
	m.applyToMessage(msg, patch)
	m.messages[msg.ID] = msg
	m.order = append(m.order, msg.ID)

	// The applied patch carries the fresh id so subscribers can track it.
	applied := *patch
	applied.MessageID = &msg.ID
	m.distribute(ctx, &applied)
	return msg.ID, nil
}

func (m *Manager) applyGeneratingBroadcast(ctx context.Context, patch *Patch) (string, error) {
	last := ""
	for _, id := range m.order {
		msg := m.messages[id]
		if msg.Status != StatusGenerating {
			continue
		}
		m.applyToMessage(msg, patch)
		last = id
	}
	m.distribute(ctx, patch)
	return last, nil
}

func (m *Manager) applyUpdate(ctx context.Context, patch *Patch) (string, error) {
	id := *patch.MessageID
	msg, ok := m.messages[id]
	if !ok {
		logger.G(ctx).WithField("message_id", id).Warn("patch for unknown message dropped")
		return "", errors.Wrap(ErrNotFound, id)
	}
	m.applyToMessage(msg, patch)
	m.distribute(ctx, patch)
	return id, nil
}

func (m *Manager) applyToMessage(msg *Message, patch *Patch) {
	msg.Thinking += patch.ThinkingDelta
	msg.Content += patch.ContentDelta
	if patch.Role != nil {
		msg.Role = *patch.Role
	}
	if patch.Publisher != nil {
		msg.Publisher = *patch.Publisher
	}
	if patch.Title != nil {
		msg.Title = *patch.Title
	}
	if patch.ActionTitle != nil {
		msg.ActionTitle = *patch.ActionTitle
	}
	if patch.ActionParams != nil {
		msg.ActionParams = patch.ActionParams
	}
	if patch.SnapshotID != nil {
		msg.SnapshotID = *patch.SnapshotID
	}
	if patch.VisibleNodeIDs != nil {
		msg.VisibleNodeIDs = append([]string(nil), patch.VisibleNodeIDs...)
	}
	if patch.Finished {
		msg.Status = StatusCompleted
	}
	msg.UpdatedAt = time.Now()
}

func (m *Manager) hasGenerating() bool {
	for _, id := range m.order {
		if m.messages[id].Status == StatusGenerating {
			return true
		}
	}
	return false
}

func (m *Manager) indexOf(id string) int {
	for i, existing := range m.order {
		if existing == id {
			return i
		}
	}
	return -1
}

// distribute fans the applied patch out to every subscriber. A subscriber
// whose buffer is full loses the patch; the writer never blocks.
func (m *Manager) distribute(ctx context.Context, patch *Patch) {
	if len(m.subscribers) == 0 {
		return
	}
	frontend := m.toFrontend(patch)
	for _, sub := range m.subscribers {
		select {
		case sub.ch <- frontend:
		default:
			logger.G(ctx).Warn("subscriber queue full, dropping patch")
		}
	}
}

func (m *Manager) toFrontend(patch *Patch) *FrontendPatch {
	frontend := &FrontendPatch{
		MessageID:      patch.MessageID,
		Role:           patch.Role,
		Publisher:      patch.Publisher,
		ThinkingDelta:  patch.ThinkingDelta,
		ContentDelta:   patch.ContentDelta,
		Title:          patch.Title,
		ActionTitle:    patch.ActionTitle,
		ActionParams:   patch.ActionParams,
		VisibleNodeIDs: patch.VisibleNodeIDs,
		Finished:       patch.Finished,
		Rollback:       patch.Rollback,
	}
	if patch.SnapshotID != nil && m.resolver != nil {
		if snapshot, ok := m.resolver(*patch.SnapshotID); ok {
			frontend.Snapshot = snapshot
		}
	}
	return frontend
}

// Subscribe registers a fan-out channel. The returned cancel func removes the
// subscriber and closes the channel; it is safe to call more than once.
func (m *Manager) Subscribe() (<-chan *FrontendPatch, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub := &subscriber{ch: make(chan *FrontendPatch, subscriberBuffer)}
	m.subscribers = append(m.subscribers, sub)

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			for i, existing := range m.subscribers {
				if existing == sub {
					m.subscribers = append(m.subscribers[:i], m.subscribers[i+1:]...)
					break
				}
			}
			close(sub.ch)
		})
	}
	return sub.ch, cancel
}

// GetMessage returns a copy of the message, or ErrNotFound.
func (m *Manager) GetMessage(id string) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	if !ok {
		return nil, errors.Wrap(ErrNotFound, id)
	}
	return msg.Clone(), nil
}

// GetMessageHistory returns the ordered log in front-end projection.
func (m *Manager) GetMessageHistory() []*FrontendMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	history := make([]*FrontendMessage, 0, len(m.order))
	for _, id := range m.order {
		history = append(history, m.messageToFrontend(m.messages[id]))
	}
	return history
}

func (m *Manager) messageToFrontend(msg *Message) *FrontendMessage {
	clone := msg.Clone()
	frontend := &FrontendMessage{
		ID:             clone.ID,
		Role:           clone.Role,
		Publisher:      clone.Publisher,
		Status:         clone.Status,
		Title:          clone.Title,
		Thinking:       clone.Thinking,
		Content:        clone.Content,
		ActionTitle:    clone.ActionTitle,
		ActionParams:   clone.ActionParams,
		VisibleNodeIDs: clone.VisibleNodeIDs,
		CreatedAt:      clone.CreatedAt,
		UpdatedAt:      clone.UpdatedAt,
	}
	if clone.SnapshotID != "" && m.resolver != nil {
		if snapshot, ok := m.resolver(clone.SnapshotID); ok {
			frontend.Snapshot = snapshot
		}
	}
	return frontend
}

// GetIncompleteMessage returns the first generating message, or nil.
func (m *Manager) GetIncompleteMessage() *Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.order {
		if m.messages[id].Status == StatusGenerating {
			return m.messages[id].Clone()
		}
	}
	return nil
}

// GetCurrentMessageID returns the id of the last message, or "".
func (m *Manager) GetCurrentMessageID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.order) == 0 {
		return ""
	}
	return m.order[len(m.order)-1]
}

// GetVisibleMessages filters the history to messages visible from any of the
// given node ids: an empty visibility list is global, otherwise the lists
// must intersect. Callers pass a solution id together with its parent problem
// id so problem-scoped messages reach the solution's agent.
func (m *Manager) GetVisibleMessages(nodeIDs ...string) []VisibleMessage {
	m.mu.Lock()
	defer m.mu.Unlock()

	var visible []VisibleMessage
	for _, id := range m.order {
		msg := m.messages[id]
		if !isVisible(msg.VisibleNodeIDs, nodeIDs) {
			continue
		}
		visible = append(visible, VisibleMessage{
			Role:      msg.Role,
			Publisher: msg.Publisher,
			Title:     msg.Title,
			Content:   msg.Content,
		})
	}
	return visible
}

func isVisible(visibleTo, nodeIDs []string) bool {
	if len(visibleTo) == 0 {
		return true
	}
	for _, allowed := range visibleTo {
		for _, id := range nodeIDs {
			if allowed == id {
				return true
			}
		}
	}
	return false
}

// RollbackTo keeps the target message and erases everything after it, then
// reports the snapshot id of the last surviving message that carries one (the
// target included). The server restores the research tree to that snapshot.
func (m *Manager) RollbackTo(messageID string) (deleted int, targetSnapshotID string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	idx := m.indexOf(messageID)
	if idx < 0 {
		return 0, "", errors.Wrap(ErrNotFound, messageID)
	}

	for _, id := range m.order[idx+1:] {
		delete(m.messages, id)
	}
	deleted = len(m.order) - idx - 1
	m.order = m.order[:idx+1]

	for i := idx; i >= 0; i-- {
		if sid := m.messages[m.order[i]].SnapshotID; sid != "" {
			targetSnapshotID = sid
			break
		}
	}
	return deleted, targetSnapshotID, nil
}

// GetStatus reports log and agent state for the status endpoint.
func (m *Manager) GetStatus() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	generating := false
	for _, id := range m.order {
		if m.messages[id].Status == StatusGenerating {
			generating = true
			break
		}
	}
	current := ""
	if len(m.order) > 0 {
		current = m.order[len(m.order)-1]
	}
	status := map[string]any{
		"message_count":      len(m.order),
		"current_message_id": current,
		"is_generating":      generating,
		"queue_size":         len(m.subscribers),
		"registered_agents":  append([]string(nil), m.agentOrder...),
	}
	if m.dbStatus != nil {
		status["database_state"] = m.dbStatus()
	}
	return status
}

// Export returns the raw log for project persistence.
func (m *Manager) Export() (map[string]*Message, []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msgs := make(map[string]*Message, len(m.messages))
	for id, msg := range m.messages {
		msgs[id] = msg.Clone()
	}
	return msgs, append([]string(nil), m.order...)
}

// Restore replaces the log with persisted state, dropping ids missing from
// the message map.
func (m *Manager) Restore(msgs map[string]*Message, order []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.messages = make(map[string]*Message, len(msgs))
	m.order = m.order[:0]
	for _, id := range order {
		msg, ok := msgs[id]
		if !ok {
			continue
		}
		m.messages[id] = msg.Clone()
		m.order = append(m.order, id)
	}
}

// Reset clears the log. Subscribers and agents survive.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = make(map[string]*Message)
	m.order = nil
}
