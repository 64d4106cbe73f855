package agents

import (
	"context"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"github.com/resviz/resviz/pkg/logger"
	"github.com/resviz/resviz/pkg/messages"
	"github.com/resviz/resviz/pkg/prompts"
	"github.com/resviz/resviz/pkg/tree"
)

// AutoResearchAgentName is the registry name of the auto-research agent.
const AutoResearchAgentName = "auto_research_agent"

// queueItem is one pending problem: the problem to solve, the solution that
// spawned it (empty when the user did), and the user requirement attached to
// the initial problem. The supervisor id is recorded but not yet consumed;
// it is the hook for a future supervisor-review step.
type queueItem struct {
	problemID       string
	supervisorID    string
	userRequirement string
}

// AutoResearchAgent walks the research tree breadth-first and designs a
// solution for every implementation problem that has none yet. Conditional
// sub-problems are left to their own experts and never enqueued.
type AutoResearchAgent struct {
	*BaseAgent
	queue []queueItem
}

// NewAutoResearchAgent builds the agent.
func NewAutoResearchAgent(deps Deps) *AutoResearchAgent {
	return &AutoResearchAgent{BaseAgent: NewBaseAgent(AutoResearchAgentName, deps)}
}

// Start launches a research run rooted at params["problem_id"].
func (a *AutoResearchAgent) Start(ctx context.Context, req messages.TaskRequest) error {
	return a.start(ctx, req, a.run)
}

// autoParams is the other_params payload of an auto-research task.
type autoParams struct {
	ProblemID string `mapstructure:"problem_id"`
}

func (a *AutoResearchAgent) run(ctx context.Context, req messages.TaskRequest) error {
	var params autoParams
	if err := mapstructure.Decode(req.Params, &params); err != nil {
		a.PublishError(ctx, "处理失败: "+err.Error())
		return err
	}
	problemID := params.ProblemID
	if problemID == "" {
		err := errors.New("未找到问题ID")
		a.PublishError(ctx, "处理失败: "+err.Error())
		return err
	}
	if _, err := a.deps.Store.GetProblemDetail(problemID); err != nil {
		wrapped := errors.Errorf("问题节点不存在: %s", problemID)
		a.PublishError(ctx, "处理失败: "+wrapped.Error())
		return wrapped
	}

	a.queue = []queueItem{{problemID: problemID, userRequirement: req.Content}}
	return a.processQueue(ctx)
}

func (a *AutoResearchAgent) processQueue(ctx context.Context) error {
	for len(a.queue) > 0 {
		if err := ctx.Err(); err != nil {
			return err
		}
		item := a.queue[0]
		a.queue = a.queue[1:]

		logger.G(ctx).WithField("problem_id", item.problemID).
			WithField("supervisor_id", item.supervisorID).
			Info("processing research problem")

		solutionID, err := a.deps.Store.GetSelectedSolutionID(item.problemID)
		if err != nil {
			return err
		}
		if solutionID != "" {
			// Already solved; descend into its implementation sub-problems.
			if err := a.enqueueSubProblems(solutionID); err != nil {
				return err
			}
			continue
		}
		if err := a.createSolution(ctx, item); err != nil {
			return err
		}
	}
	return nil
}

func (a *AutoResearchAgent) enqueueSubProblems(solutionID string) error {
	childIDs, err := a.deps.Store.GetNodeChildrenIDs(solutionID, true)
	if err != nil {
		return errors.Wrap(err, "获取子问题失败")
	}
	for _, childID := range childIDs {
		a.queue = append(a.queue, queueItem{problemID: childID, supervisorID: solutionID})
	}
	return nil
}

func (a *AutoResearchAgent) createSolution(ctx context.Context, item queueItem) error {
	env, err := a.BuildEnvironment(item.problemID, item.userRequirement)
	if err != nil {
		a.PublishError(ctx, "创建解决方案失败: "+err.Error())
		return err
	}
	prompt, err := a.deps.Renderer.Render(prompts.CreateSolutionTemplate, env)
	if err != nil {
		a.PublishError(ctx, "创建解决方案失败: "+err.Error())
		return err
	}

	response := &CreateSolutionResponse{}
	if _, err := a.CallLLM(ctx, &CallSpec{
		Prompt:         prompt,
		Title:          "创建解决方案",
		Publisher:      item.problemID,
		VisibleNodeIDs: []string{item.problemID},
		Response:       response,
	}); err != nil {
		a.PublishError(ctx, "创建解决方案失败: "+err.Error())
		return err
	}

	request := response.ToRequest()
	if _, err := a.ExecuteAction(ctx, "create_solution", item.problemID, func() (*tree.ActionResult, error) {
		return a.deps.Store.CreateSolution(ctx, item.problemID, request, a.deps.Publish)
	}); err != nil {
		a.PublishError(ctx, "创建解决方案失败: "+err.Error())
		return err
	}

	// The new solution is auto-selected on its problem.
	solutionID, err := a.deps.Store.GetSelectedSolutionID(item.problemID)
	if err != nil {
		return err
	}
	if solutionID == "" {
		return errors.New("创建的解决方案未被选中")
	}
	return a.enqueueSubProblems(solutionID)
}
