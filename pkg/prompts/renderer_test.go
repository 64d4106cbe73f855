package prompts

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRender_EmbeddedTemplates(t *testing.T) {
	r := NewRenderer()

	ctx := &Context{
		CurrentResearchTreeFullText: "- [P] 根问题 (implementation)",
		CurrentResearchProblem:      "<name>根问题</name>",
		RootProblem:                 "<name>根问题</name>",
		UserPrompt:                  "请设计方案",
	}
	out, err := r.Render(CreateSolutionTemplate, ctx)
	require.NoError(t, err)
	assert.Contains(t, out, "你是一个顶尖专家研究团队中的一员")
	assert.Contains(t, out, "- [P] 根问题 (implementation)")
	assert.Contains(t, out, "请设计方案")

	// The dialogue templates substitute their own fields.
	out, err = r.Render(HandleModificationRequestsTemplate, &Context{
		SupervisorName:      "用户",
		ModificationRequest: "请修改实施方案",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "用户")
	assert.Contains(t, out, "请修改实施方案")

	out, err = r.Render(ModifySolutionTemplate, &Context{
		SupervisorName:                "用户",
		ModifyPlan:                    "调整第二步",
		CurrentSolutionSubProblemList: "['第一步', '第二步']",
	})
	require.NoError(t, err)
	assert.Contains(t, out, "调整第二步")
	assert.Contains(t, out, "['第一步', '第二步']")
}

func TestRender_UnknownTemplate(t *testing.T) {
	r := NewRenderer()
	_, err := r.Render("templates/missing.tmpl", &Context{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestRender_OverrideByBaseName(t *testing.T) {
	dir := t.TempDir()
	override := "自定义提示词: {{.UserPrompt}}"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "create_solution.tmpl"), []byte(override), 0o644))

	r := NewRenderer(dir)
	out, err := r.Render(CreateSolutionTemplate, &Context{UserPrompt: "测试"})
	require.NoError(t, err)
	assert.Equal(t, "自定义提示词: 测试", out)

	// Other templates still come from the embedded set.
	out, err = r.Render(HandleModificationRequestsTemplate, &Context{SupervisorName: "用户"})
	require.NoError(t, err)
	assert.Contains(t, out, "用户")
}

func TestRender_FirstOverrideDirWins(t *testing.T) {
	first := t.TempDir()
	second := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(first, "create_solution.tmpl"), []byte("第一"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(second, "create_solution.tmpl"), []byte("第二"), 0o644))

	r := NewRenderer(first, second)
	out, err := r.Render(CreateSolutionTemplate, &Context{})
	require.NoError(t, err)
	assert.Equal(t, "第一", out)
}

func TestReload_PicksUpOverrideChanges(t *testing.T) {
	dir := t.TempDir()
	r := NewRenderer(dir)

	out, err := r.Render(CreateSolutionTemplate, &Context{})
	require.NoError(t, err)
	assert.Contains(t, out, "你是一个顶尖专家研究团队中的一员")

	require.NoError(t, os.WriteFile(filepath.Join(dir, "create_solution.tmpl"), []byte("覆盖后"), 0o644))
	require.NoError(t, r.Reload())
	out, err = r.Render(CreateSolutionTemplate, &Context{})
	require.NoError(t, err)
	assert.Equal(t, "覆盖后", out)
}

func TestReload_KeepsPreviousSetOnParseFailure(t *testing.T) {
	dir := t.TempDir()
	r := NewRenderer(dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "create_solution.tmpl"), []byte("{{.Broken"), 0o644))
	require.Error(t, r.Reload())

	// The embedded set is still in service.
	out, err := r.Render(CreateSolutionTemplate, &Context{})
	require.NoError(t, err)
	assert.Contains(t, out, "你是一个顶尖专家研究团队中的一员")
}
