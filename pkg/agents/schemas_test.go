package agents

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/resviz/resviz/pkg/tree"
	"github.com/resviz/resviz/pkg/xmlparse"
)

func parseFragment(t *testing.T, fragment string) *xmlparse.Node {
	t.Helper()
	node, err := xmlparse.Parse(fragment)
	require.NoError(t, err)
	return node
}

const validCreateResponse = `<response>
<name>缓存分层方案</name>
<top_level_thoughts>问题的本质是读写比例失衡</top_level_thoughts>
<research_plan>
<sub_problem type="conditional">
<name>读写比例是否稳定？</name>
<significance>决定缓存策略是否可行</significance>
<criteria>一周采样数据的方差小于阈值</criteria>
</sub_problem>
<sub_problem type="implementation">
<name>如何实现两级缓存？</name>
<significance>方案的核心实施步骤</significance>
<criteria>命中率超过90%</criteria>
</sub_problem>
</research_plan>
<implementation_plan>先实现本地层再接入远端层</implementation_plan>
<plan_justification>分层能同时满足延迟和容量要求</plan_justification>
</response>`

func TestCreateSolutionResponse_FromNode(t *testing.T) {
	r := &CreateSolutionResponse{}
	require.NoError(t, r.FromNode(parseFragment(t, validCreateResponse)))

	assert.Equal(t, "缓存分层方案", r.Name)
	assert.Equal(t, "问题的本质是读写比例失衡", r.TopLevelThoughts)
	require.Len(t, r.ResearchPlan, 2)
	assert.Equal(t, "conditional", r.ResearchPlan[0].Type)
	assert.Equal(t, "读写比例是否稳定？", r.ResearchPlan[0].Name)
	assert.Equal(t, "implementation", r.ResearchPlan[1].Type)
}

func TestCreateSolutionResponse_FromNodeRejectsBadType(t *testing.T) {
	fragment := `<response>
<name>方案</name>
<top_level_thoughts>思考</top_level_thoughts>
<research_plan>
<sub_problem type="unknown">
<name>子问题</name>
<significance>意义</significance>
<criteria>标准</criteria>
</sub_problem>
</research_plan>
<implementation_plan>计划</implementation_plan>
<plan_justification>论证</plan_justification>
</response>`

	r := &CreateSolutionResponse{}
	err := r.FromNode(parseFragment(t, fragment))
	require.Error(t, err)
	var validationErr *xmlparse.ValidationError
	require.ErrorAs(t, err, &validationErr)
	assert.Contains(t, err.Error(), "子问题类型必须是implementation或conditional")
}

func TestCreateSolutionResponse_FromNodeCollectsAllViolations(t *testing.T) {
	fragment := `<response>
<top_level_thoughts>思考</top_level_thoughts>
<plan_justification>论证</plan_justification>
</response>`

	r := &CreateSolutionResponse{}
	err := r.FromNode(parseFragment(t, fragment))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "缺少必需字段: name")
	assert.Contains(t, err.Error(), "缺少必需字段: implementation_plan")
}

func TestCreateSolutionResponse_EmptyResearchPlan(t *testing.T) {
	fragment := `<response>
<name>简单方案</name>
<top_level_thoughts>足够简单</top_level_thoughts>
<research_plan>无</research_plan>
<implementation_plan>直接实施</implementation_plan>
<plan_justification>无需拆解</plan_justification>
</response>`

	r := &CreateSolutionResponse{}
	require.NoError(t, r.FromNode(parseFragment(t, fragment)))
	assert.Empty(t, r.ResearchPlan)

	req := r.ToRequest()
	assert.Empty(t, req.Children)
	assert.Equal(t, "简单方案", req.Title)
}

func TestCreateSolutionResponse_ToRequestAndContent(t *testing.T) {
	r := &CreateSolutionResponse{}
	require.NoError(t, r.FromNode(parseFragment(t, validCreateResponse)))

	req := r.ToRequest()
	assert.Equal(t, "缓存分层方案", req.Title)
	require.Len(t, req.Children, 2)
	assert.Equal(t, tree.ProblemConditional, req.Children[0].ProblemType)
	assert.Equal(t, tree.ProblemImplementation, req.Children[1].ProblemType)
	assert.Empty(t, req.Children[0].ID)

	content := r.ToContent()
	assert.Contains(t, content, "【解决方案名称】: 缓存分层方案")
	assert.Contains(t, content, "[问题名称]: 读写比例是否稳定？")
	assert.Contains(t, content, "【方案论证】")
}

func TestHandleModificationRequestsResponse_Accept(t *testing.T) {
	fragment := `<response>
<decision type="accept">
<reasoning>用户要求合理</reasoning>
<modification_plan>调整实施方案第二步</modification_plan>
</decision>
</response>`

	r := &HandleModificationRequestsResponse{}
	require.NoError(t, r.FromNode(parseFragment(t, fragment)))
	assert.Equal(t, DecisionAccept, r.Decision)
	assert.Equal(t, "调整实施方案第二步", r.ModificationPlan)
	assert.Contains(t, r.ToContent(), "【修改计划】: 调整实施方案第二步")
}

func TestHandleModificationRequestsResponse_Reply(t *testing.T) {
	fragment := `<response>
<decision type="reply">
<reasoning>这是一个澄清问题</reasoning>
<response_to_user>该方案已覆盖此情况</response_to_user>
</decision>
</response>`

	r := &HandleModificationRequestsResponse{}
	require.NoError(t, r.FromNode(parseFragment(t, fragment)))
	assert.Equal(t, DecisionReply, r.Decision)
	assert.Equal(t, "该方案已覆盖此情况", r.ResponseToUser)
	assert.Contains(t, r.ToContent(), "【对用户的回复】: 该方案已覆盖此情况")
}

func TestHandleModificationRequestsResponse_HoistsIfWrappers(t *testing.T) {
	// Models sometimes echo the prompt's <if> branch notation literally.
	fragment := `<response>
<decision type="reply">
<reasoning>澄清即可</reasoning>
<if type="reply">
<response_to_user>无需修改</response_to_user>
</if>
</decision>
</response>`

	r := &HandleModificationRequestsResponse{}
	require.NoError(t, r.FromNode(parseFragment(t, fragment)))
	assert.Equal(t, "无需修改", r.ResponseToUser)
}

func TestHandleModificationRequestsResponse_CrossChecks(t *testing.T) {
	tests := []struct {
		name     string
		fragment string
		want     string
	}{
		{
			name: "accept without plan",
			fragment: `<response><decision type="accept">
<reasoning>理由</reasoning>
</decision></response>`,
			want: "当决策为accept时，必须提供修改计划",
		},
		{
			name: "accept with reply",
			fragment: `<response><decision type="accept">
<reasoning>理由</reasoning>
<modification_plan>计划</modification_plan>
<response_to_user>回复</response_to_user>
</decision></response>`,
			want: "当决策为accept时，不应提供对用户的回复",
		},
		{
			name: "reply without response",
			fragment: `<response><decision type="reply">
<reasoning>理由</reasoning>
</decision></response>`,
			want: "当决策为reply时，必须提供对用户的回复",
		},
		{
			name: "bad decision type",
			fragment: `<response><decision type="maybe">
<reasoning>理由</reasoning>
</decision></response>`,
			want: "决策类型必须是accept或reply",
		},
		{
			name:     "missing decision",
			fragment: `<response><reasoning>理由</reasoning></response>`,
			want:     "缺少必需字段: decision",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := &HandleModificationRequestsResponse{}
			err := r.FromNode(parseFragment(t, tt.fragment))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func modifyFragment(plan string) string {
	return `<response>
<name>改进方案</name>
<top_level_thoughts>新的思考</top_level_thoughts>
<research_plan>` + plan + `</research_plan>
<implementation_plan>新计划</implementation_plan>
<plan_justification>新论证</plan_justification>
</response>`
}

func originalChildren() []tree.ChildRequest {
	return []tree.ChildRequest{
		{Title: "第一步", Request: &tree.ProblemRequest{ID: "p1", Title: "第一步", ProblemType: tree.ProblemImplementation}},
		{Title: "第二步", Request: &tree.ProblemRequest{ID: "p2", Title: "第二步", ProblemType: tree.ProblemConditional}},
	}
}

func TestModifySolutionResponse_InheritNeedsNoDetails(t *testing.T) {
	fragment := modifyFragment(`
<sub_problem type="inherit"><name>第一步</name></sub_problem>
<sub_problem type="implementation"><name>新步骤</name></sub_problem>`)

	r := &ModifySolutionResponse{}
	err := r.FromNode(parseFragment(t, fragment))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "非继承的子问题必须包含significance和criteria")
}

func TestModifySolutionResponse_ToRequestUpdatesInPlace(t *testing.T) {
	fragment := modifyFragment(`
<sub_problem type="inherit"><name>第一步</name></sub_problem>
<sub_problem type="inherit"><name>第二步</name></sub_problem>`)

	r := &ModifySolutionResponse{}
	require.NoError(t, r.FromNode(parseFragment(t, fragment)))

	action, req, err := r.ToRequest(originalChildren())
	require.NoError(t, err)
	assert.Equal(t, ActionUpdate, action)
	assert.Equal(t, "改进方案", req.Title)
	// Children untouched on an in-place update.
	assert.Nil(t, req.Children)
}

func TestModifySolutionResponse_ToRequestCreatesSuccessor(t *testing.T) {
	fragment := modifyFragment(`
<sub_problem type="inherit"><name>第二步</name></sub_problem>
<sub_problem type="implementation">
<name>新步骤</name>
<significance>补强方案</significance>
<criteria>通过回归测试</criteria>
</sub_problem>`)

	r := &ModifySolutionResponse{}
	require.NoError(t, r.FromNode(parseFragment(t, fragment)))

	action, req, err := r.ToRequest(originalChildren())
	require.NoError(t, err)
	assert.Equal(t, ActionCreate, action)
	require.Len(t, req.Children, 2)
	// Inherited entries reuse the original subtree by id.
	assert.Equal(t, "p2", req.Children[0].ID)
	assert.Empty(t, req.Children[1].ID)
	assert.Equal(t, "新步骤", req.Children[1].Title)

	content := r.ToContent()
	assert.Contains(t, content, "[继承自问题]: 第二步")
	assert.Contains(t, content, "[问题名称]: 新步骤")
}

func TestModifySolutionResponse_ToRequestUnknownInherit(t *testing.T) {
	fragment := modifyFragment(`
<sub_problem type="inherit"><name>不存在的步骤</name></sub_problem>`)

	r := &ModifySolutionResponse{}
	require.NoError(t, r.FromNode(parseFragment(t, fragment)))

	_, _, err := r.ToRequest(originalChildren())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "继承的子问题不存在: 不存在的步骤")
}

func TestModifySolutionResponse_ReorderedInheritsCreate(t *testing.T) {
	// Same sub-problems, different order: the plan changed, so a successor
	// solution is created.
	fragment := modifyFragment(`
<sub_problem type="inherit"><name>第二步</name></sub_problem>
<sub_problem type="inherit"><name>第一步</name></sub_problem>`)

	r := &ModifySolutionResponse{}
	require.NoError(t, r.FromNode(parseFragment(t, fragment)))

	action, req, err := r.ToRequest(originalChildren())
	require.NoError(t, err)
	assert.Equal(t, ActionCreate, action)
	require.Len(t, req.Children, 2)
	assert.Equal(t, "p2", req.Children[0].ID)
	assert.Equal(t, "p1", req.Children[1].ID)
}
