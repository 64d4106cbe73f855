package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/pkg/errors"

	"github.com/resviz/resviz/pkg/agents"
	"github.com/resviz/resviz/pkg/logger"
	"github.com/resviz/resviz/pkg/messages"
)

// SendMessageRequest is the body of POST /agents/messages.
type SendMessageRequest struct {
	Content     string         `json:"content"`
	Title       string         `json:"title"`
	AgentName   string         `json:"agent_name"`
	OtherParams map[string]any `json:"other_params"`
}

// StopResponse reports the outcome of POST /agents/messages/stop.
type StopResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeDetail(w, http.StatusBadRequest, "请求体格式错误")
		return
	}
	if req.AgentName == "" {
		req.AgentName = agents.AutoResearchAgentName
	}
	if req.Title == "" {
		req.Title = "用户消息"
	}

	agent, ok := s.deps.Messages.GetAgent(req.AgentName)
	if !ok {
		s.writeDetail(w, http.StatusBadRequest, fmt.Sprintf("未找到智能体: %s", req.AgentName))
		return
	}
	if agent.IsProcessing() {
		s.writeDetail(w, http.StatusTooManyRequests, "智能体正在处理中，请等待完成")
		return
	}

	// Subscribe before starting so the task's first patches are not missed.
	ch, cancel := s.deps.Messages.Subscribe()
	defer cancel()

	err := agent.Start(r.Context(), messages.TaskRequest{
		Content: req.Content,
		Title:   req.Title,
		Params:  req.OtherParams,
	})
	if errors.Is(err, agents.ErrBusy) {
		s.writeDetail(w, http.StatusTooManyRequests, "智能体正在处理中，请等待完成")
		return
	}
	if err != nil {
		s.writeDetail(w, http.StatusInternalServerError, fmt.Sprintf("启动任务失败: %s", err.Error()))
		return
	}

	stream, err := newSSEStream(w)
	if err != nil {
		s.writeDetail(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.streamPatches(r, stream, ch, agent)
}

func (s *Server) handleContinueMessage(w http.ResponseWriter, r *http.Request) {
	messageID := mux.Vars(r)["message_id"]

	// Subscribe before reading the message so no delta falls between the
	// catch-up patch and the live stream.
	ch, cancel := s.deps.Messages.Subscribe()
	defer cancel()

	msg, err := s.deps.Messages.GetMessage(messageID)
	if err != nil {
		s.writeDetail(w, http.StatusNotFound, "消息不存在")
		return
	}

	stream, sseErr := newSSEStream(w)
	if sseErr != nil {
		s.writeDetail(w, http.StatusInternalServerError, sseErr.Error())
		return
	}

	if msg.Status == messages.StatusGenerating {
		if err := stream.Send("patch", s.catchupPatch(msg, false)); err != nil {
			return
		}
		s.streamMessagePatches(r, stream, ch, messageID)
		return
	}

	// Completed: one full patch carrying the snapshot object, then done.
	if err := stream.Send("patch", s.catchupPatch(msg, true)); err != nil {
		return
	}
	if err := stream.Send("finished", map[string]any{"message": "消息已完成"}); err != nil {
		logger.G(r.Context()).WithError(err).Debug("sse client gone")
	}
}

// catchupPatch rebuilds a message as one patch: the accumulated thinking and
// content become deltas. Completed messages carry their snapshot and the
// finished flag.
func (s *Server) catchupPatch(msg *messages.Message, completed bool) *messages.FrontendPatch {
	patch := &messages.FrontendPatch{
		MessageID:      &msg.ID,
		Role:           &msg.Role,
		ThinkingDelta:  msg.Thinking,
		ContentDelta:   msg.Content,
		ActionParams:   msg.ActionParams,
		VisibleNodeIDs: msg.VisibleNodeIDs,
		Finished:       completed,
	}
	if msg.Publisher != "" {
		patch.Publisher = &msg.Publisher
	}
	if msg.Title != "" {
		patch.Title = &msg.Title
	}
	if msg.ActionTitle != "" {
		patch.ActionTitle = &msg.ActionTitle
	}
	if completed && msg.SnapshotID != "" && s.deps.Resolver != nil {
		if snapshot, ok := s.deps.Resolver(msg.SnapshotID); ok {
			patch.Snapshot = snapshot
		}
	}
	if !completed && msg.SnapshotID != "" {
		// In-flight messages carry the raw id; the object is only delivered
		// once the message completes.
		patch.SnapshotID = &msg.SnapshotID
	}
	return patch
}

// processingAgent returns the agent currently running a task, or nil.
func (s *Server) processingAgent() messages.Agent {
	for _, agent := range s.deps.Messages.Agents() {
		if agent.IsProcessing() {
			return agent
		}
	}
	return nil
}

func (s *Server) handleStopAgent(w http.ResponseWriter, r *http.Request) {
	agent := s.processingAgent()
	if agent == nil {
		s.writeJSON(w, http.StatusOK, StopResponse{Status: "idle", Message: "没有正在处理的任务"})
		return
	}
	if err := agent.Stop(r.Context()); err != nil {
		s.writeDetail(w, http.StatusInternalServerError, fmt.Sprintf("停止任务失败: %s", err.Error()))
		return
	}
	s.writeJSON(w, http.StatusOK, StopResponse{Status: "stopped", Message: "任务已停止"})
}

func (s *Server) handleRollbackTo(w http.ResponseWriter, r *http.Request) {
	messageID := mux.Vars(r)["message_id"]

	deleted, targetSnapshotID, err := s.deps.Messages.RollbackTo(messageID)
	if err != nil {
		s.writeDetail(w, http.StatusNotFound, "消息不存在")
		return
	}
	if targetSnapshotID != "" {
		if err := s.deps.Tree.SetCurrentSnapshot(targetSnapshotID); err != nil {
			logger.G(r.Context()).WithError(err).WithField("snapshot_id", targetSnapshotID).
				Warn("rollback snapshot restore failed")
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"success":            true,
		"message":            fmt.Sprintf("回滚成功，删除了 %d 条消息", deleted),
		"deleted_count":      deleted,
		"target_snapshot_id": targetSnapshotID,
	})
}

func (s *Server) handleAgentStatus(w http.ResponseWriter, r *http.Request) {
	status := s.deps.Messages.GetStatus()
	details := map[string]any{}
	for _, agent := range s.deps.Messages.Agents() {
		details[agent.Name()] = agent.Stats()
	}
	status["agent_details"] = details
	s.writeJSON(w, http.StatusOK, status)
}
