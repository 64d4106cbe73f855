// Package agents hosts the LLM agents that grow and revise the research
// tree. BaseAgent carries the shared machinery: task lifecycle with terminal
// patches, the call-validate-render LLM pipeline, action execution against
// the tree store, and environment assembly for the prompt templates.
package agents

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	llmtypes "github.com/resviz/resviz/pkg/llm/types"
	"github.com/resviz/resviz/pkg/logger"
	"github.com/resviz/resviz/pkg/messages"
	"github.com/resviz/resviz/pkg/prompts"
	"github.com/resviz/resviz/pkg/retry"
	"github.com/resviz/resviz/pkg/tree"
	"github.com/resviz/resviz/pkg/xmlparse"
)

// ErrBusy rejects a task while the previous one is still running.
var ErrBusy = errors.New("智能体正在处理中")

// VisibleMessagesFunc returns the log entries visible from the given nodes.
type VisibleMessagesFunc func(nodeIDs ...string) []messages.VisibleMessage

// Deps bundles what every agent needs.
type Deps struct {
	Publish         messages.PublishFunc
	Store           *tree.Store
	VisibleMessages VisibleMessagesFunc
	LLM             llmtypes.Client
	Retry           *retry.Wrapper
	Renderer        *prompts.Renderer
}

// BaseAgent implements the lifecycle shared by the concrete agents. Concrete
// agents embed it and pass their task func to start.
type BaseAgent struct {
	name string
	deps Deps

	mu         sync.Mutex
	cancel     context.CancelFunc
	done       chan struct{}
	lastResult *messages.TaskResult
}

// NewBaseAgent builds the shared agent core.
func NewBaseAgent(name string, deps Deps) *BaseAgent {
	return &BaseAgent{name: name, deps: deps}
}

// Name returns the agent's registry name.
func (a *BaseAgent) Name() string {
	return a.name
}

// IsProcessing reports whether a task is currently running.
func (a *BaseAgent) IsProcessing() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running()
}

func (a *BaseAgent) running() bool {
	if a.done == nil {
		return false
	}
	select {
	case <-a.done:
		return false
	default:
		return true
	}
}

// LastTaskResult returns the outcome of the most recent task, or nil.
func (a *BaseAgent) LastTaskResult() *messages.TaskResult {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastResult
}

// Stats reports the agent's state plus its LLM and retry counters.
func (a *BaseAgent) Stats() map[string]any {
	stats := map[string]any{
		"name":             a.name,
		"is_processing":    a.IsProcessing(),
		"last_task_result": a.LastTaskResult(),
	}
	if a.deps.LLM != nil {
		stats["llm_stats"] = a.deps.LLM.Stats()
	}
	if a.deps.Retry != nil {
		stats["retry_stats"] = a.deps.Retry.Stats()
	}
	return stats
}

// start publishes the user message and launches task in the background. The
// task context detaches from the caller: HTTP requests return immediately
// while the task keeps streaming.
func (a *BaseAgent) start(ctx context.Context, req messages.TaskRequest, task func(ctx context.Context, req messages.TaskRequest) error) error {
	a.mu.Lock()
	if a.running() {
		a.mu.Unlock()
		return ErrBusy
	}

	runCtx, cancel := context.WithCancel(logger.WithLogger(context.Background(), logger.G(ctx)))
	done := make(chan struct{})
	a.cancel = cancel
	a.done = done
	a.mu.Unlock()

	if err := a.publishUserMessage(ctx, req); err != nil {
		a.mu.Lock()
		a.cancel = nil
		a.done = nil
		a.mu.Unlock()
		cancel()
		close(done)
		return err
	}

	go func() {
		defer close(done)
		defer cancel()
		a.runTask(runCtx, req, task)
	}()

	logger.G(ctx).WithField("agent", a.name).Info("agent task started")
	return nil
}

func (a *BaseAgent) publishUserMessage(ctx context.Context, req messages.TaskRequest) error {
	title := req.Title
	if title == "" {
		title = "用户消息"
	}
	visible := []string{}
	if problemID, ok := req.Params["problem_id"].(string); ok && problemID != "" {
		visible = append(visible, problemID)
	}
	if solutionID, ok := req.Params["solution_id"].(string); ok && solutionID != "" {
		visible = append(visible, solutionID)
	}
	_, err := a.deps.Publish(&messages.Patch{
		Role:           messages.StringPtr(messages.RoleUser),
		Title:          &title,
		ContentDelta:   req.Content,
		VisibleNodeIDs: visible,
		Finished:       true,
	})
	return errors.Wrap(err, "failed to publish user message")
}

func (a *BaseAgent) runTask(ctx context.Context, req messages.TaskRequest, task func(ctx context.Context, req messages.TaskRequest) error) {
	err := task(ctx, req)

	switch {
	case err == nil:
		a.setResult(&messages.TaskResult{Success: true, Message: "任务已完成"})
	case errors.Is(err, context.Canceled):
		// Interruption closes every generating message so the stream ends
		// cleanly for subscribers.
		a.publishPatch(ctx, &messages.Patch{
			MessageID:    messages.StringPtr(messages.BroadcastID),
			ContentDelta: "\n【用户中断】",
			Finished:     true,
		})
		a.setResult(&messages.TaskResult{Success: true, Message: "任务已中断"})
	default:
		logger.G(ctx).WithError(err).WithField("agent", a.name).Error("agent task failed")
		a.setResult(&messages.TaskResult{
			Success:   false,
			Message:   "任务失败",
			Error:     err.Error(),
			ErrorType: fmt.Sprintf("%T", err),
		})
	}

	a.publishPatch(ctx, &messages.Patch{
		Role:           messages.StringPtr(messages.RoleAssistant),
		VisibleNodeIDs: []string{messages.BroadcastID},
		Title:          messages.StringPtr("任务已完成"),
		ContentDelta:   "任务已完成\n",
		ActionTitle:    messages.StringPtr(messages.ActionFinished),
		Finished:       true,
	})
}

func (a *BaseAgent) setResult(result *messages.TaskResult) {
	a.mu.Lock()
	a.lastResult = result
	a.mu.Unlock()
}

// Stop cancels the running task and waits for it to wind down, then posts the
// interruption notice. Stopping an idle agent is a no-op.
func (a *BaseAgent) Stop(ctx context.Context) error {
	a.mu.Lock()
	cancel, done := a.cancel, a.done
	running := a.running()
	a.mu.Unlock()

	if !running || cancel == nil {
		return nil
	}
	cancel()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(10 * time.Second):
		return errors.New("等待任务停止超时")
	}

	a.publishPatch(ctx, &messages.Patch{
		Role:         messages.StringPtr(messages.RoleAssistant),
		Title:        messages.StringPtr("任务已中断"),
		ContentDelta: "用户取消了当前任务\n",
		Finished:     true,
	})
	logger.G(ctx).WithField("agent", a.name).Info("agent task stopped")
	return nil
}

// CallSpec is one LLM call. With Response set, the reply's <response>
// fragment is parsed and validated and the rendered Chinese block becomes the
// message content; without it the raw stream is the content.
type CallSpec struct {
	Prompt         string
	Title          string
	Publisher      string
	VisibleNodeIDs []string
	Response       Response
}

// CallLLM publishes the start message and runs the stream(-parse-validate)
// pipeline under retry, rolling the message back before each new attempt. It
// returns the message content: the rendered response or the raw stream text.
func (a *BaseAgent) CallLLM(ctx context.Context, spec *CallSpec) (string, error) {
	msgID, err := a.deps.Publish(&messages.Patch{
		Role:           messages.StringPtr(messages.RoleAssistant),
		Publisher:      &spec.Publisher,
		Title:          &spec.Title,
		VisibleNodeIDs: spec.VisibleNodeIDs,
	})
	if err != nil {
		return "", errors.Wrap(err, "failed to publish llm start message")
	}

	if spec.Response == nil {
		var content string
		err := a.deps.Retry.Do(ctx, func() error {
			streamed, streamErr := a.deps.LLM.StreamGenerate(ctx, llmtypes.Request{
				Prompt:         spec.Prompt,
				MessageID:      msgID,
				PublishContent: true,
			})
			content = streamed
			return streamErr
		}, msgID)
		return content, err
	}

	var rendered string
	err = a.deps.Retry.Do(ctx, func() error {
		content, streamErr := a.deps.LLM.StreamGenerate(ctx, llmtypes.Request{
			Prompt:    spec.Prompt,
			MessageID: msgID,
		})
		if streamErr != nil {
			return streamErr
		}
		fragment, found := xmlparse.ExtractTagged(content, "response")
		if !found {
			return xmlparse.NewValidationError("未找到XML response片段")
		}
		root, parseErr := xmlparse.Parse(fragment)
		if parseErr != nil {
			return parseErr
		}
		if validateErr := spec.Response.FromNode(root); validateErr != nil {
			return validateErr
		}
		rendered = spec.Response.ToContent()
		_, publishErr := a.deps.Publish(&messages.Patch{
			MessageID:    &msgID,
			ContentDelta: rendered,
		})
		return publishErr
	}, msgID)
	return rendered, err
}

// ExecuteAction wraps a tree-store command with the assistant-side progress
// messages: a start message while the command runs, then a result message
// carrying the action payload and snapshot.
func (a *BaseAgent) ExecuteAction(ctx context.Context, action, publisher string, run func() (*tree.ActionResult, error)) (*tree.ActionResult, error) {
	msgID, err := a.deps.Publish(&messages.Patch{
		Role:      messages.StringPtr(messages.RoleAssistant),
		Publisher: &publisher,
		Title:     messages.StringPtr(fmt.Sprintf("正在进行 %s", action)),
	})
	if err != nil {
		return nil, errors.Wrap(err, "failed to publish action start message")
	}

	result, err := run()
	if err != nil {
		a.publishPatch(ctx, &messages.Patch{
			MessageID:    &msgID,
			Title:        messages.StringPtr(fmt.Sprintf("%s 执行失败", action)),
			ContentDelta: fmt.Sprintf("执行失败: %s\n", err.Error()),
			Finished:     true,
		})
		return result, err
	}

	patch := &messages.Patch{
		MessageID:    &msgID,
		Title:        messages.StringPtr(fmt.Sprintf("%s 已成功完成", action)),
		ActionTitle:  &action,
		ActionParams: map[string]any{"data": result.Data},
		ContentDelta: fmt.Sprintf("\n执行结果: %s\n", result.Message),
		Finished:     true,
	}
	if result.SnapshotID != "" {
		patch.SnapshotID = &result.SnapshotID
	}
	a.publishPatch(ctx, patch)
	return result, nil
}

// PublishError posts the failure notice shown to the user.
func (a *BaseAgent) PublishError(ctx context.Context, message string) {
	a.publishPatch(ctx, &messages.Patch{
		Role:         messages.StringPtr(messages.RoleAssistant),
		Title:        messages.StringPtr("处理失败"),
		ContentDelta: fmt.Sprintf("错误: %s", message),
		Finished:     true,
	})
}

func (a *BaseAgent) publishPatch(ctx context.Context, patch *messages.Patch) {
	if _, err := a.deps.Publish(patch); err != nil {
		logger.G(ctx).WithError(err).WithField("agent", a.name).Warn("failed to publish agent patch")
	}
}

// BuildEnvironment assembles the prompt context for a problem: the compact
// tree, the problem and root-problem details, and the selected solutions of
// the related problems, each with its Chinese empty-state fallback.
func (a *BaseAgent) BuildEnvironment(problemID, userPrompt string) (*prompts.Context, error) {
	env := &prompts.Context{}

	env.CurrentResearchTreeFullText = a.deps.Store.GetCompactTextTree()
	if env.CurrentResearchTreeFullText == "" {
		env.CurrentResearchTreeFullText = "研究树为空"
	}

	env.CurrentResearchProblem = "当前研究问题为空"
	if detail, err := a.deps.Store.GetProblemDetail(problemID); err == nil {
		env.CurrentResearchProblem = detail
	}

	rootID, err := a.deps.Store.GetRootProblemID(problemID)
	if err != nil {
		return nil, err
	}
	env.RootProblem, err = a.deps.Store.GetProblemDetail(rootID)
	if err != nil {
		return nil, err
	}

	related, err := a.deps.Store.GetRelatedSolutions(problemID)
	if err != nil {
		return nil, err
	}
	env.ExpertSolutionsOfAllAncestorProblems, err = a.solutionDetails(related.Ancestors, "无上级专家解决方案")
	if err != nil {
		return nil, err
	}
	env.OtherSolutionsOfCurrentProblem, err = a.solutionDetails(related.Siblings, "无其他解决方案")
	if err != nil {
		return nil, err
	}
	env.ExpertSolutionsOfAllDescendantProblems, err = a.solutionDetails(related.Descendants, "无后代解决方案")
	if err != nil {
		return nil, err
	}

	env.UserPrompt = userPrompt
	if env.UserPrompt == "" {
		env.UserPrompt = "无要求"
	}
	return env, nil
}

func (a *BaseAgent) solutionDetails(ids []string, empty string) (string, error) {
	if len(ids) == 0 {
		return empty, nil
	}
	details := make([]string, 0, len(ids))
	for _, id := range ids {
		detail, err := a.deps.Store.GetSolutionDetail(id)
		if err != nil {
			return "", err
		}
		details = append(details, detail)
	}
	return strings.Join(details, "\n"), nil
}

// VisibleMessagesString renders the messages visible from a node as the
// bordered Chinese transcript embedded in prompts. Solution nodes also see
// their parent problem's messages.
func (a *BaseAgent) VisibleMessagesString(nodeID string, nodeType tree.NodeType) string {
	problemID := nodeID
	nodeIDs := []string{nodeID}
	if nodeType == tree.NodeTypeSolution {
		if parentID, err := a.deps.Store.GetParentNodeID(nodeID); err == nil {
			problemID = parentID
			nodeIDs = append(nodeIDs, parentID)
		}
	}

	visible := a.deps.VisibleMessages(nodeIDs...)
	rendered := make([]string, 0, len(visible))
	for i, msg := range visible {
		publisher := a.publisherDisplayName(&msg, problemID)
		rendered = append(rendered, fmt.Sprintf("[%d] 【发出者】:%s\n    【消息标题】:%s\n    【消息内容】\n%s",
			i+1, publisher, msg.Title, msg.Content))
	}

	border := strings.Repeat("=", 60)
	separator := strings.Repeat("-", 60) + "\n"
	return border + "\n" + strings.Join(rendered, separator) + "\n" + border
}

// publisherDisplayName resolves a message's publisher to the expert label
// shown in transcripts. A solution publisher reads as the expert of its
// parent problem; the expert of the current problem is marked as "you".
func (a *BaseAgent) publisherDisplayName(msg *messages.VisibleMessage, currentProblemID string) string {
	if msg.Role != messages.RoleAssistant {
		return "用户"
	}
	if msg.Publisher == "" {
		return "系统消息"
	}

	publisherID := msg.Publisher
	node, err := a.deps.Store.GetNodeByID(publisherID)
	if err != nil {
		return "系统消息"
	}
	if node.Type == tree.NodeTypeSolution {
		parentID, parentErr := a.deps.Store.GetParentNodeID(publisherID)
		if parentErr != nil {
			return "系统消息"
		}
		publisherID = parentID
		node, err = a.deps.Store.GetNodeByID(publisherID)
		if err != nil {
			return "系统消息"
		}
	}
	if publisherID == currentProblemID {
		return fmt.Sprintf("“%s”问题的负责专家（你）", node.Title)
	}
	return fmt.Sprintf("“%s”问题的负责专家", node.Title)
}
