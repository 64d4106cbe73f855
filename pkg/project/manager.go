package project

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/resviz/resviz/pkg/logger"
	"github.com/resviz/resviz/pkg/messages"
	"github.com/resviz/resviz/pkg/tree"
)

// DefaultProjectName is used when the server starts with no stored project.
const DefaultProjectName = "未命名"

// Manager ties the in-memory session (research tree + message log) to a Store
// backend. All operations return a result map the HTTP layer forwards as-is:
// success=false maps to a 400 with the message as detail.
type Manager struct {
	mu    sync.Mutex
	store Store
	tree  *tree.Store
	log   *messages.Manager

	currentName      string
	currentCreatedAt time.Time
	currentUpdatedAt time.Time
}

// NewManager builds a manager over the given backend and session state.
func NewManager(store Store, treeStore *tree.Store, log *messages.Manager) *Manager {
	return &Manager{store: store, tree: treeStore, log: log}
}

// buildRecord captures the live session under the given name.
func (m *Manager) buildRecord(name string, createdAt time.Time) *Record {
	msgs, order := m.log.Export()
	snapshots, currentID := m.tree.Export()
	return &Record{
		ProjectName:       name,
		CreatedAt:         createdAt,
		UpdatedAt:         time.Now(),
		Messages:          msgs,
		MessageOrder:      order,
		SnapshotMap:       snapshots,
		CurrentSnapshotID: currentID,
	}
}

// sessionEmpty reports whether there is nothing worth auto-saving: no
// messages and an empty research tree.
func (m *Manager) sessionEmpty() bool {
	_, order := m.log.Export()
	if len(order) > 0 {
		return false
	}
	current := m.tree.GetCurrentSnapshot()
	return current == nil || len(current.Roots) == 0
}

// saveCurrentLocked persists the current project. Callers hold the lock.
func (m *Manager) saveCurrentLocked() error {
	rec := m.buildRecord(m.currentName, m.currentCreatedAt)
	if err := m.store.Save(rec); err != nil {
		return err
	}
	m.currentUpdatedAt = rec.UpdatedAt
	return nil
}

// CreateNewProject saves the current project when it has content, then
// starts a fresh empty session under the new name.
func (m *Manager) CreateNewProject(ctx context.Context, name string) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	if name == "" {
		name = DefaultProjectName
	}
	if m.currentName != "" && !m.sessionEmpty() {
		if err := m.saveCurrentLocked(); err != nil {
			logger.G(ctx).WithError(err).WithField("project", m.currentName).
				Warn("failed to auto-save current project")
		}
	}

	m.log.Reset()
	m.tree.Reset()
	now := time.Now()
	m.currentName = name
	m.currentCreatedAt = now
	m.currentUpdatedAt = now

	if err := m.saveCurrentLocked(); err != nil {
		return failure(fmt.Sprintf("创建工程失败: %s", err.Error()))
	}
	logger.G(ctx).WithField("project", name).Info("created new project")
	return success(fmt.Sprintf("新工程创建成功: %s", name), map[string]any{"project_name": name})
}

// SaveCurrentProject overwrites the current project in place.
func (m *Manager) SaveCurrentProject(ctx context.Context) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.currentName == "" {
		return failure("没有当前工程可保存")
	}
	if err := m.saveCurrentLocked(); err != nil {
		return failure(fmt.Sprintf("保存工程失败: %s", err.Error()))
	}
	logger.G(ctx).WithField("project", m.currentName).Info("saved project")
	return success(fmt.Sprintf("工程保存成功: %s", m.currentName), map[string]any{"project_name": m.currentName})
}

// SaveAsCurrentProject saves the session under a new name, suffixing "(1)",
// "(2)", ... on conflict. The actual saved name becomes the current project.
func (m *Manager) SaveAsCurrentProject(ctx context.Context, newName string) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	if newName == "" {
		return failure("工程名称不能为空")
	}
	actual := newName
	for i := 1; m.store.Exists(actual); i++ {
		actual = fmt.Sprintf("%s(%d)", newName, i)
	}

	now := time.Now()
	rec := m.buildRecord(actual, now)
	if err := m.store.Save(rec); err != nil {
		return failure(fmt.Sprintf("另存工程失败: %s", err.Error()))
	}
	m.currentName = actual
	m.currentCreatedAt = now
	m.currentUpdatedAt = rec.UpdatedAt
	logger.G(ctx).WithField("project", actual).Info("saved project as")
	return success(fmt.Sprintf("工程另存为: %s", actual), map[string]any{"project_name": actual})
}

// LoadProject replaces the session with a stored project.
func (m *Manager) LoadProject(ctx context.Context, name string) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, err := m.store.Load(name)
	if err != nil {
		return failure(fmt.Sprintf("加载工程失败: %s", err.Error()))
	}
	if err := rec.Validate(); err != nil {
		return failure(fmt.Sprintf("工程数据无效: %s", err.Error()))
	}
	if err := m.tree.Restore(rec.SnapshotMap, rec.CurrentSnapshotID); err != nil {
		return failure(fmt.Sprintf("加载工程失败: %s", err.Error()))
	}
	m.log.Restore(rec.Messages, rec.MessageOrder)
	m.currentName = rec.ProjectName
	m.currentCreatedAt = rec.CreatedAt
	m.currentUpdatedAt = rec.UpdatedAt
	logger.G(ctx).WithField("project", name).Info("loaded project")
	return success(fmt.Sprintf("工程加载成功: %s", name), map[string]any{"project_name": name})
}

// ListProjects lists all stored projects, most recently updated first.
func (m *Manager) ListProjects(ctx context.Context) map[string]any {
	summaries, err := m.store.List()
	if err != nil {
		return failure(fmt.Sprintf("获取工程列表失败: %s", err.Error()))
	}
	return success("", map[string]any{"projects": summaries, "count": len(summaries)})
}

// DeleteProject removes a stored project. Deleting the current project also
// clears the in-memory session.
func (m *Manager) DeleteProject(ctx context.Context, name string) map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.store.Delete(name); err != nil {
		return failure(fmt.Sprintf("删除工程失败: %s", err.Error()))
	}
	if name == m.currentName {
		m.log.Reset()
		m.tree.Reset()
		m.currentName = ""
		m.currentCreatedAt = time.Time{}
		m.currentUpdatedAt = time.Time{}
	}
	logger.G(ctx).WithField("project", name).Info("deleted project")
	return success(fmt.Sprintf("工程删除成功: %s", name), nil)
}

// CurrentProjectInfo reports the current project's metadata and sizes.
func (m *Manager) CurrentProjectInfo() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.currentName == "" {
		return failure("没有当前工程")
	}
	return success("", map[string]any{"data": m.infoLocked()})
}

func (m *Manager) infoLocked() map[string]any {
	_, order := m.log.Export()
	snapshots, _ := m.tree.Export()
	return map[string]any{
		"project_name":   m.currentName,
		"created_at":     m.currentCreatedAt,
		"updated_at":     m.currentUpdatedAt,
		"message_count":  len(order),
		"snapshot_count": len(snapshots),
	}
}

// CurrentProjectFullData bundles everything a reconnecting front end needs:
// the rendered message history, the project metadata and the tree status.
func (m *Manager) CurrentProjectFullData() map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.currentName == "" {
		return failure("没有当前工程")
	}
	return success("", map[string]any{
		"data": map[string]any{
			"messages":       m.log.GetMessageHistory(),
			"project_info":   m.infoLocked(),
			"database_state": m.tree.Status(),
		},
	})
}

// CurrentProjectName returns the active project name, or "".
func (m *Manager) CurrentProjectName() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentName
}

// RestoreLatest loads the most recently updated project at startup, or
// creates the default empty one when the store is empty.
func (m *Manager) RestoreLatest(ctx context.Context) error {
	summaries, err := m.store.List()
	if err != nil {
		return err
	}
	if len(summaries) == 0 {
		result := m.CreateNewProject(ctx, DefaultProjectName)
		if ok, _ := result["success"].(bool); !ok {
			msg, _ := result["message"].(string)
			return fmt.Errorf("%s", msg)
		}
		return nil
	}
	result := m.LoadProject(ctx, summaries[0].ProjectName)
	if ok, _ := result["success"].(bool); !ok {
		msg, _ := result["message"].(string)
		return fmt.Errorf("%s", msg)
	}
	return nil
}

func success(message string, extra map[string]any) map[string]any {
	result := map[string]any{"success": true}
	if message != "" {
		result["message"] = message
	}
	for k, v := range extra {
		result[k] = v
	}
	return result
}

func failure(message string) map[string]any {
	return map[string]any{"success": false, "message": message}
}
