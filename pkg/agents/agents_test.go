package agents

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	llmtypes "github.com/resviz/resviz/pkg/llm/types"
	"github.com/resviz/resviz/pkg/messages"
	"github.com/resviz/resviz/pkg/prompts"
	"github.com/resviz/resviz/pkg/retry"
	"github.com/resviz/resviz/pkg/tree"
)

// scriptedLLM replays canned replies in call order, finishing the target
// message the way the real streaming clients do.
type scriptedLLM struct {
	publish messages.PublishFunc

	mu      sync.Mutex
	replies []scriptedReply
	calls   int
}

type scriptedReply struct {
	content string
	err     error
}

func (s *scriptedLLM) StreamGenerate(ctx context.Context, req llmtypes.Request) (string, error) {
	s.mu.Lock()
	idx := s.calls
	s.calls++
	s.mu.Unlock()

	if idx >= len(s.replies) {
		return "", errors.Errorf("unexpected llm call %d", idx)
	}
	reply := s.replies[idx]
	if reply.err != nil {
		return "", reply.err
	}
	if s.publish != nil {
		if req.PublishContent {
			s.publish(&messages.Patch{MessageID: &req.MessageID, ContentDelta: reply.content})
		}
		s.publish(&messages.Patch{MessageID: &req.MessageID, Finished: true})
	}
	return reply.content, nil
}

func (s *scriptedLLM) Stats() map[string]any {
	return map[string]any{"total_calls": s.callCount()}
}

func (s *scriptedLLM) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

// blockingLLM parks until the task context is cancelled.
type blockingLLM struct {
	started chan struct{}
	once    sync.Once
}

func (b *blockingLLM) StreamGenerate(ctx context.Context, req llmtypes.Request) (string, error) {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return "", ctx.Err()
}

func (b *blockingLLM) Stats() map[string]any { return map[string]any{} }

type agentEnv struct {
	log   *messages.Manager
	store *tree.Store
	llm   *scriptedLLM
	deps  Deps
}

func newAgentEnv(t *testing.T, replies ...scriptedReply) *agentEnv {
	t.Helper()
	env := &agentEnv{
		log:   messages.NewManager(),
		store: tree.NewStore(),
	}
	publish := func(patch *messages.Patch) (string, error) {
		return env.log.PublishPatch(context.Background(), patch)
	}
	env.llm = &scriptedLLM{publish: publish, replies: replies}
	env.deps = Deps{
		Publish:         publish,
		Store:           env.store,
		VisibleMessages: env.log.GetVisibleMessages,
		LLM:             env.llm,
		Retry:           retry.New(retry.Config{Attempts: 2, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}, publish),
		Renderer:        prompts.NewRenderer(),
	}
	return env
}

func (e *agentEnv) addRootProblem(t *testing.T, title string) string {
	t.Helper()
	result, err := e.store.AddRootProblem(context.Background(), &tree.ProblemRequest{
		Title:        title,
		Significance: "重要",
		Criteria:     "可验证",
	}, nil)
	require.NoError(t, err)
	snapshot := result.Data.(*tree.Snapshot)
	return snapshot.Roots[len(snapshot.Roots)-1].ID
}

func waitDone(t *testing.T, agent interface {
	LastTaskResult() *messages.TaskResult
	IsProcessing() bool
}) *messages.TaskResult {
	t.Helper()
	require.Eventually(t, func() bool {
		return agent.LastTaskResult() != nil && !agent.IsProcessing()
	}, 5*time.Second, 5*time.Millisecond)
	return agent.LastTaskResult()
}

func createResponseXML(name, plan string) string {
	return `前置说明文字。
<response>
<name>` + name + `</name>
<top_level_thoughts>顶层思考内容</top_level_thoughts>
<research_plan>` + plan + `</research_plan>
<implementation_plan>实施方案内容</implementation_plan>
<plan_justification>方案论证内容</plan_justification>
</response>
后置说明文字。`
}

func titleOf(t *testing.T, m *messages.Manager, title string) bool {
	t.Helper()
	for _, msg := range m.GetMessageHistory() {
		if msg.Title == title {
			return true
		}
	}
	return false
}

func TestAutoResearchAgent_SolvesTreeBreadthFirst(t *testing.T) {
	subPlan := `<sub_problem type="implementation">
<name>如何设计缓存层？</name>
<significance>承载吞吐的关键</significance>
<criteria>命中率超过90%</criteria>
</sub_problem>`
	env := newAgentEnv(t,
		scriptedReply{content: createResponseXML("分层架构方案", subPlan)},
		scriptedReply{content: createResponseXML("直接实现方案", "无")},
	)
	rootID := env.addRootProblem(t, "如何提高系统吞吐？")

	agent := NewAutoResearchAgent(env.deps)
	require.NoError(t, agent.Start(context.Background(), messages.TaskRequest{
		Content: "优先考虑读多写少的负载",
		Title:   "用户消息",
		Params:  map[string]any{"problem_id": rootID},
	}))

	result := waitDone(t, agent)
	assert.True(t, result.Success)
	assert.Equal(t, "任务已完成", result.Message)

	// The root problem got its solution, auto-selected.
	selected, err := env.store.GetSelectedSolutionID(rootID)
	require.NoError(t, err)
	require.NotEmpty(t, selected)
	solution, err := env.store.GetSolution(selected)
	require.NoError(t, err)
	assert.Equal(t, "分层架构方案", solution.Title)
	require.Len(t, solution.Children, 1)

	// The sub-problem was solved by the second reply.
	subSelected, err := env.store.GetSelectedSolutionID(solution.Children[0].ID)
	require.NoError(t, err)
	require.NotEmpty(t, subSelected)
	subSolution, err := env.store.GetSolution(subSelected)
	require.NoError(t, err)
	assert.Equal(t, "直接实现方案", subSolution.Title)
	assert.Empty(t, subSolution.Children)

	// History: the user message leads, and the rendered solutions landed in
	// the llm messages.
	history := env.log.GetMessageHistory()
	require.NotEmpty(t, history)
	assert.Equal(t, messages.RoleUser, history[0].Role)
	assert.Equal(t, "优先考虑读多写少的负载", history[0].Content)
	assert.True(t, titleOf(t, env.log, "创建解决方案"))
	assert.True(t, titleOf(t, env.log, "create_solution 已成功完成"))

	found := false
	for _, msg := range history {
		if msg.Title == "创建解决方案" && msg.Status == messages.StatusCompleted {
			assert.Contains(t, msg.Content, "【解决方案名称】: 分层架构方案")
			found = true
			break
		}
	}
	assert.True(t, found, "rendered solution message missing")
}

func TestAutoResearchAgent_SkipsSolvedProblems(t *testing.T) {
	env := newAgentEnv(t,
		scriptedReply{content: createResponseXML("子问题方案", "无")},
	)
	rootID := env.addRootProblem(t, "根问题")
	result, err := env.store.CreateSolution(context.Background(), rootID, &tree.SolutionRequest{
		Title:    "已有方案",
		Children: []*tree.ProblemRequest{{Title: "未解决的子问题"}},
	}, nil)
	require.NoError(t, err)
	require.True(t, result.Success)

	agent := NewAutoResearchAgent(env.deps)
	require.NoError(t, agent.Start(context.Background(), messages.TaskRequest{
		Params: map[string]any{"problem_id": rootID},
	}))
	taskResult := waitDone(t, agent)
	assert.True(t, taskResult.Success)

	// Only the unsolved sub-problem consumed a reply.
	assert.Equal(t, 1, env.llm.callCount())
}

func TestAutoResearchAgent_MissingProblemID(t *testing.T) {
	env := newAgentEnv(t)
	agent := NewAutoResearchAgent(env.deps)

	require.NoError(t, agent.Start(context.Background(), messages.TaskRequest{Params: map[string]any{}}))
	result := waitDone(t, agent)
	assert.False(t, result.Success)
	assert.Equal(t, "任务失败", result.Message)
	assert.Contains(t, result.Error, "未找到问题ID")
	assert.True(t, titleOf(t, env.log, "处理失败"))
}

func TestAutoResearchAgent_UnknownProblem(t *testing.T) {
	env := newAgentEnv(t)
	agent := NewAutoResearchAgent(env.deps)

	require.NoError(t, agent.Start(context.Background(), messages.TaskRequest{
		Params: map[string]any{"problem_id": "missing"},
	}))
	result := waitDone(t, agent)
	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "问题节点不存在: missing")
}

func TestBaseAgent_BusyAndStop(t *testing.T) {
	env := newAgentEnv(t)
	blocking := &blockingLLM{started: make(chan struct{})}
	env.deps.LLM = blocking
	rootID := env.addRootProblem(t, "根问题")

	agent := NewAutoResearchAgent(env.deps)
	ctx := context.Background()
	require.NoError(t, agent.Start(ctx, messages.TaskRequest{
		Params: map[string]any{"problem_id": rootID},
	}))

	select {
	case <-blocking.started:
	case <-time.After(5 * time.Second):
		t.Fatal("llm call never started")
	}
	assert.True(t, agent.IsProcessing())

	// A second task is rejected while the first runs.
	err := agent.Start(ctx, messages.TaskRequest{Params: map[string]any{"problem_id": rootID}})
	assert.ErrorIs(t, err, ErrBusy)

	require.NoError(t, agent.Stop(ctx))
	result := agent.LastTaskResult()
	require.NotNil(t, result)
	assert.True(t, result.Success)
	assert.Equal(t, "任务已中断", result.Message)

	// The interruption notice reached the log and no message is left
	// generating.
	assert.True(t, titleOf(t, env.log, "任务已中断"))
	assert.Nil(t, env.log.GetIncompleteMessage())

	// Stopping an idle agent is a no-op.
	require.NoError(t, agent.Stop(ctx))
}

func TestCallLLM_RetriesMalformedResponse(t *testing.T) {
	env := newAgentEnv(t,
		scriptedReply{content: "这里没有任何XML片段"},
		scriptedReply{content: createResponseXML("修正后的方案", "无")},
	)
	rootID := env.addRootProblem(t, "根问题")

	agent := NewAutoResearchAgent(env.deps)
	require.NoError(t, agent.Start(context.Background(), messages.TaskRequest{
		Params: map[string]any{"problem_id": rootID},
	}))
	result := waitDone(t, agent)
	assert.True(t, result.Success)
	assert.Equal(t, 2, env.llm.callCount())

	assert.True(t, titleOf(t, env.log, "重试通知 (1/2)"))

	selected, err := env.store.GetSelectedSolutionID(rootID)
	require.NoError(t, err)
	solution, err := env.store.GetSolution(selected)
	require.NoError(t, err)
	assert.Equal(t, "修正后的方案", solution.Title)
}

const replyDecisionXML = `<response>
<decision type="reply">
<reasoning>这是一个澄清问题</reasoning>
<response_to_user>当前方案已覆盖该情况</response_to_user>
</decision>
</response>`

func acceptDecisionXML(plan string) string {
	return `<response>
<decision type="accept">
<reasoning>用户要求合理</reasoning>
<modification_plan>` + plan + `</modification_plan>
</decision>
</response>`
}

func modifyResponseXML(name, plan string) string {
	return `<response>
<name>` + name + `</name>
<top_level_thoughts>调整后的思考</top_level_thoughts>
<research_plan>` + plan + `</research_plan>
<implementation_plan>调整后的实施方案</implementation_plan>
<plan_justification>调整后的论证</plan_justification>
</response>`
}

func chatSetup(t *testing.T, env *agentEnv) (rootID, solutionID string) {
	t.Helper()
	rootID = env.addRootProblem(t, "根问题")
	result, err := env.store.CreateSolution(context.Background(), rootID, &tree.SolutionRequest{
		Title:            "原方案",
		TopLevelThoughts: "原思考",
		Children:         []*tree.ProblemRequest{{Title: "第一步", Significance: "意义", Criteria: "标准"}},
	}, nil)
	require.NoError(t, err)
	require.True(t, result.Success)
	solutionID, err = env.store.GetSelectedSolutionID(rootID)
	require.NoError(t, err)
	return rootID, solutionID
}

func TestUserChatAgent_ReplyLeavesSolutionUntouched(t *testing.T) {
	env := newAgentEnv(t, scriptedReply{content: replyDecisionXML})
	_, solutionID := chatSetup(t, env)

	agent := NewUserChatAgent(env.deps)
	require.NoError(t, agent.Start(context.Background(), messages.TaskRequest{
		Content: "这个方案考虑过并发吗？",
		Params:  map[string]any{"solution_id": solutionID},
	}))
	result := waitDone(t, agent)
	assert.True(t, result.Success)

	solution, err := env.store.GetSolution(solutionID)
	require.NoError(t, err)
	assert.Equal(t, "原方案", solution.Title)

	found := false
	for _, msg := range env.log.GetMessageHistory() {
		if msg.Title == "处理修改请求" {
			assert.Contains(t, msg.Content, "【对用户的回复】: 当前方案已覆盖该情况")
			found = true
		}
	}
	assert.True(t, found, "reply message missing")
}

func TestUserChatAgent_AcceptUpdatesInPlace(t *testing.T) {
	env := newAgentEnv(t,
		scriptedReply{content: acceptDecisionXML("只调整实施方案")},
		scriptedReply{content: modifyResponseXML("改进方案", `<sub_problem type="inherit"><name>第一步</name></sub_problem>`)},
	)
	rootID, solutionID := chatSetup(t, env)

	agent := NewUserChatAgent(env.deps)
	require.NoError(t, agent.Start(context.Background(), messages.TaskRequest{
		Content: "请修改实施方案",
		Params:  map[string]any{"solution_id": solutionID},
	}))
	result := waitDone(t, agent)
	assert.True(t, result.Success)

	// Unchanged sub-problem list: the solution updated in place.
	solution, err := env.store.GetSolution(solutionID)
	require.NoError(t, err)
	assert.Equal(t, "改进方案", solution.Title)
	assert.Equal(t, "调整后的实施方案", solution.ImplementationPlan)
	require.Len(t, solution.Children, 1)
	assert.Equal(t, "第一步", solution.Children[0].Title)

	// Still the only solution on the problem.
	problem, err := env.store.GetProblem(rootID)
	require.NoError(t, err)
	assert.Len(t, problem.Children, 1)
	assert.True(t, titleOf(t, env.log, "update_solution 已成功完成"))
}

func TestUserChatAgent_AcceptWithChangedPlanCreatesSuccessor(t *testing.T) {
	newPlan := `<sub_problem type="inherit"><name>第一步</name></sub_problem>
<sub_problem type="implementation">
<name>新增验证步骤</name>
<significance>补强方案</significance>
<criteria>通过回归测试</criteria>
</sub_problem>`
	env := newAgentEnv(t,
		scriptedReply{content: acceptDecisionXML("增加验证步骤")},
		scriptedReply{content: modifyResponseXML("扩展方案", newPlan)},
	)
	rootID, solutionID := chatSetup(t, env)
	original, err := env.store.GetSolution(solutionID)
	require.NoError(t, err)
	keptID := original.Children[0].ID

	agent := NewUserChatAgent(env.deps)
	require.NoError(t, agent.Start(context.Background(), messages.TaskRequest{
		Content: "请修改方案，增加验证",
		Params:  map[string]any{"solution_id": solutionID},
	}))
	result := waitDone(t, agent)
	assert.True(t, result.Success)

	// A successor solution was created and selected; the original survives.
	problem, err := env.store.GetProblem(rootID)
	require.NoError(t, err)
	require.Len(t, problem.Children, 2)
	selected, err := env.store.GetSelectedSolutionID(rootID)
	require.NoError(t, err)
	assert.NotEqual(t, solutionID, selected)

	successor, err := env.store.GetSolution(selected)
	require.NoError(t, err)
	assert.Equal(t, "扩展方案", successor.Title)
	require.Len(t, successor.Children, 2)
	// The inherited sub-problem kept its id.
	assert.Equal(t, keptID, successor.Children[0].ID)
}

func TestUserChatAgent_MissingSolution(t *testing.T) {
	env := newAgentEnv(t)
	agent := NewUserChatAgent(env.deps)

	require.NoError(t, agent.Start(context.Background(), messages.TaskRequest{
		Content: "你好",
		Params:  map[string]any{"solution_id": "missing"},
	}))
	result := waitDone(t, agent)
	// Chat failures are reported to the user, not surfaced as task failures.
	assert.True(t, result.Success)
	found := false
	for _, msg := range env.log.GetMessageHistory() {
		if msg.Title == "处理失败" {
			assert.Contains(t, msg.Content, "解决方案节点不存在: missing")
			found = true
		}
	}
	assert.True(t, found, "failure notice missing")
}

func TestBuildEnvironment_Fallbacks(t *testing.T) {
	env := newAgentEnv(t)
	rootID := env.addRootProblem(t, "根问题")
	agent := NewBaseAgent("test_agent", env.deps)

	promptEnv, err := agent.BuildEnvironment(rootID, "")
	require.NoError(t, err)
	assert.Contains(t, promptEnv.CurrentResearchTreeFullText, "[P] 根问题")
	assert.Contains(t, promptEnv.CurrentResearchProblem, "<name>根问题</name>")
	assert.Equal(t, promptEnv.CurrentResearchProblem, promptEnv.RootProblem)
	assert.Equal(t, "无上级专家解决方案", promptEnv.ExpertSolutionsOfAllAncestorProblems)
	assert.Equal(t, "无其他解决方案", promptEnv.OtherSolutionsOfCurrentProblem)
	assert.Equal(t, "无后代解决方案", promptEnv.ExpertSolutionsOfAllDescendantProblems)
	assert.Equal(t, "无要求", promptEnv.UserPrompt)
}

func TestVisibleMessagesString(t *testing.T) {
	env := newAgentEnv(t)
	rootID := env.addRootProblem(t, "根问题")
	solutionID := ""
	{
		result, err := env.store.CreateSolution(context.Background(), rootID, &tree.SolutionRequest{Title: "方案"}, nil)
		require.NoError(t, err)
		require.True(t, result.Success)
		solutionID, err = env.store.GetSelectedSolutionID(rootID)
		require.NoError(t, err)
	}

	publish := env.deps.Publish
	_, err := publish(&messages.Patch{
		Role:           messages.StringPtr(messages.RoleUser),
		Title:          messages.StringPtr("用户消息"),
		ContentDelta:   "问题层的消息",
		VisibleNodeIDs: []string{rootID},
		Finished:       true,
	})
	require.NoError(t, err)
	_, err = publish(&messages.Patch{
		Role:           messages.StringPtr(messages.RoleAssistant),
		Publisher:      &solutionID,
		Title:          messages.StringPtr("创建解决方案"),
		ContentDelta:   "方案层的消息",
		VisibleNodeIDs: []string{solutionID},
		Finished:       true,
	})
	require.NoError(t, err)

	agent := NewBaseAgent("test_agent", env.deps)
	transcript := agent.VisibleMessagesString(solutionID, tree.NodeTypeSolution)
	assert.Contains(t, transcript, "【发出者】:用户")
	assert.Contains(t, transcript, "问题层的消息")
	// The solution publisher reads as the expert of its parent problem,
	// marked as the current expert.
	assert.Contains(t, transcript, "“根问题”问题的负责专家（你）")
	assert.Contains(t, transcript, "方案层的消息")
}
