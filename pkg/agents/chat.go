package agents

import (
	"context"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"github.com/resviz/resviz/pkg/logger"
	"github.com/resviz/resviz/pkg/messages"
	"github.com/resviz/resviz/pkg/prompts"
	"github.com/resviz/resviz/pkg/tree"
)

// UserChatAgentName is the registry name of the chat agent.
const UserChatAgentName = "user_chat_agent"

// UserChatAgent handles the user's questions and modification requests
// against one solution. It first decides whether the message asks for a
// modification (the prompt's hard rule: only a message containing the literal
// "请修改" does) and then either replies or rewrites the solution.
type UserChatAgent struct {
	*BaseAgent
}

// NewUserChatAgent builds the agent.
func NewUserChatAgent(deps Deps) *UserChatAgent {
	return &UserChatAgent{BaseAgent: NewBaseAgent(UserChatAgentName, deps)}
}

// Start launches the feedback handling for params["solution_id"].
func (a *UserChatAgent) Start(ctx context.Context, req messages.TaskRequest) error {
	return a.start(ctx, req, a.run)
}

// chatParams is the other_params payload of a chat task.
type chatParams struct {
	SolutionID string `mapstructure:"solution_id"`
}

// run reports failures to the user and swallows them: a failed chat exchange
// is not a failed task.
func (a *UserChatAgent) run(ctx context.Context, req messages.TaskRequest) error {
	var params chatParams
	if err := mapstructure.Decode(req.Params, &params); err != nil {
		a.PublishError(ctx, "处理失败: "+err.Error())
		return nil
	}
	solutionID := params.SolutionID
	if solutionID == "" {
		a.PublishError(ctx, "处理失败: 未找到解决方案ID")
		return nil
	}
	if _, err := a.deps.Store.GetSolution(solutionID); err != nil {
		a.PublishError(ctx, "处理失败: 解决方案节点不存在: "+solutionID)
		return nil
	}
	problemID, err := a.deps.Store.GetParentNodeID(solutionID)
	if err != nil {
		a.PublishError(ctx, "处理失败: "+err.Error())
		return nil
	}

	decision, err := a.handleModificationRequest(ctx, problemID, solutionID, req.Content)
	if err != nil {
		a.PublishError(ctx, "处理失败: "+err.Error())
		return nil
	}
	if decision.Decision != DecisionAccept {
		// The rendered reply is already in the log; nothing left to do.
		return nil
	}

	if err := a.modifySolution(ctx, problemID, solutionID, decision.ModificationPlan); err != nil {
		a.PublishError(ctx, "修改解决方案失败: "+err.Error())
	}
	return nil
}

func (a *UserChatAgent) handleModificationRequest(ctx context.Context, problemID, solutionID, request string) (*HandleModificationRequestsResponse, error) {
	env, err := a.chatEnvironment(problemID, solutionID, request)
	if err != nil {
		return nil, err
	}
	env.ModificationRequest = env.UserPrompt

	prompt, err := a.deps.Renderer.Render(prompts.HandleModificationRequestsTemplate, env)
	if err != nil {
		return nil, err
	}

	response := &HandleModificationRequestsResponse{}
	if _, err := a.CallLLM(ctx, &CallSpec{
		Prompt:         prompt,
		Title:          "处理修改请求",
		Publisher:      solutionID,
		VisibleNodeIDs: []string{solutionID},
		Response:       response,
	}); err != nil {
		return nil, err
	}
	logger.G(ctx).WithField("decision", response.Decision).Info("modification request decided")
	return response, nil
}

func (a *UserChatAgent) modifySolution(ctx context.Context, problemID, solutionID, modifyPlan string) error {
	env, err := a.chatEnvironment(problemID, solutionID, "")
	if err != nil {
		return err
	}
	children, err := a.deps.Store.GetSolutionChildrenRequestMap(solutionID)
	if err != nil {
		return err
	}
	env.ModifyPlan = modifyPlan
	env.CurrentSolutionSubProblemList = subProblemTitleList(children)

	prompt, err := a.deps.Renderer.Render(prompts.ModifySolutionTemplate, env)
	if err != nil {
		return err
	}

	response := &ModifySolutionResponse{}
	if _, err := a.CallLLM(ctx, &CallSpec{
		Prompt:         prompt,
		Title:          "处理修改请求",
		Publisher:      solutionID,
		VisibleNodeIDs: []string{solutionID},
		Response:       response,
	}); err != nil {
		return err
	}

	action, request, err := response.ToRequest(children)
	if err != nil {
		return err
	}
	switch action {
	case ActionUpdate:
		_, err = a.ExecuteAction(ctx, "update_solution", solutionID, func() (*tree.ActionResult, error) {
			return a.deps.Store.UpdateSolution(ctx, solutionID, request, a.deps.Publish)
		})
	case ActionCreate:
		_, err = a.ExecuteAction(ctx, "create_solution", solutionID, func() (*tree.ActionResult, error) {
			return a.deps.Store.CreateSolution(ctx, problemID, request, a.deps.Publish)
		})
	default:
		err = errors.Errorf("未知的修改动作: %s", action)
	}
	return err
}

// chatEnvironment extends the problem environment with the solution detail
// and the visible-message transcript used by the modification prompts.
func (a *UserChatAgent) chatEnvironment(problemID, solutionID, userPrompt string) (*prompts.Context, error) {
	env, err := a.BuildEnvironment(problemID, userPrompt)
	if err != nil {
		return nil, err
	}
	env.SupervisorName = "用户"
	env.CurrentSolution, err = a.deps.Store.GetSolutionDetail(solutionID)
	if err != nil {
		return nil, err
	}
	env.MessageList = a.VisibleMessagesString(solutionID, tree.NodeTypeSolution)
	return env, nil
}

// subProblemTitleList renders the inheritable sub-problem titles the way the
// modify prompt presents them.
func subProblemTitleList(children []tree.ChildRequest) string {
	titles := make([]string, 0, len(children))
	for _, child := range children {
		titles = append(titles, "'"+child.Title+"'")
	}
	return "[" + strings.Join(titles, ", ") + "]"
}
