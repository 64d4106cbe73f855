package agents

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"

	"github.com/resviz/resviz/pkg/tree"
	"github.com/resviz/resviz/pkg/xmlparse"
)

// Response is a validated model reply. FromNode populates the value from the
// parsed <response> fragment and reports schema violations as retryable
// validation errors; ToContent renders the Chinese block appended to the
// agent's message.
type Response interface {
	FromNode(root *xmlparse.Node) error
	ToContent() string
}

// Sub-problem types accepted in a modified research plan. Create responses
// allow only the first two; inherit carries an existing sub-problem over
// unchanged.
const (
	subProblemInherit = "inherit"
)

// SubProblem is one entry of a solution's research plan.
type SubProblem struct {
	Type         string
	Name         string
	Significance string
	Criteria     string
}

var subProblemSchema = &xmlparse.Schema{
	Fields: []xmlparse.Field{
		{Name: "type", Attr: "type", Required: true,
			Enum:      []string{string(tree.ProblemImplementation), string(tree.ProblemConditional)},
			EnumError: "子问题类型必须是implementation或conditional"},
		{Name: "name", Required: true},
		{Name: "significance", Required: true},
		{Name: "criteria", Required: true},
	},
}

var modifySubProblemSchema = &xmlparse.Schema{
	Fields: []xmlparse.Field{
		{Name: "type", Attr: "type", Required: true,
			Enum:      []string{string(tree.ProblemImplementation), string(tree.ProblemConditional), subProblemInherit},
			EnumError: "子问题类型必须是implementation、conditional或inherit"},
		{Name: "name", Required: true},
		{Name: "significance"},
		{Name: "criteria"},
	},
	CrossChecks: []func(values map[string]any) error{
		func(values map[string]any) error {
			if stringValue(values, "type") == subProblemInherit {
				return nil
			}
			if stringValue(values, "significance") == "" || stringValue(values, "criteria") == "" {
				return errors.New("非继承的子问题必须包含significance和criteria")
			}
			return nil
		},
	},
}

var createSolutionSchema = &xmlparse.Schema{
	Fields: []xmlparse.Field{
		{Name: "name", Required: true},
		{Name: "top_level_thoughts", Required: true},
		{Name: "research_plan", List: &xmlparse.ListSpec{ItemTag: "sub_problem", Schema: subProblemSchema}},
		{Name: "implementation_plan", Required: true},
		{Name: "plan_justification", Required: true},
	},
}

var modifySolutionSchema = &xmlparse.Schema{
	Fields: []xmlparse.Field{
		{Name: "name", Required: true},
		{Name: "top_level_thoughts", Required: true},
		{Name: "research_plan", List: &xmlparse.ListSpec{ItemTag: "sub_problem", Schema: modifySubProblemSchema}},
		{Name: "implementation_plan", Required: true},
		{Name: "plan_justification", Required: true},
	},
}

// CreateSolutionResponse is the validated reply to the create-solution
// prompt.
type CreateSolutionResponse struct {
	Name               string
	TopLevelThoughts   string
	ResearchPlan       []SubProblem
	ImplementationPlan string
	PlanJustification  string
}

// FromNode validates the fragment against the create-solution schema.
func (r *CreateSolutionResponse) FromNode(root *xmlparse.Node) error {
	values, err := xmlparse.Validate(root, createSolutionSchema)
	if err != nil {
		return err
	}
	r.Name = stringValue(values, "name")
	r.TopLevelThoughts = stringValue(values, "top_level_thoughts")
	r.ImplementationPlan = stringValue(values, "implementation_plan")
	r.PlanJustification = stringValue(values, "plan_justification")
	r.ResearchPlan = subProblems(values, "research_plan")
	return nil
}

// ToRequest converts the response into a create-solution command request.
// Every sub-problem becomes a fresh problem node.
func (r *CreateSolutionResponse) ToRequest() *tree.SolutionRequest {
	children := make([]*tree.ProblemRequest, 0, len(r.ResearchPlan))
	for _, sub := range r.ResearchPlan {
		children = append(children, &tree.ProblemRequest{
			Title:        sub.Name,
			Significance: sub.Significance,
			Criteria:     sub.Criteria,
			ProblemType:  tree.ProblemType(sub.Type),
		})
	}
	return &tree.SolutionRequest{
		Title:              r.Name,
		TopLevelThoughts:   r.TopLevelThoughts,
		ImplementationPlan: r.ImplementationPlan,
		PlanJustification:  r.PlanJustification,
		Children:           children,
	}
}

// ToContent renders the solution as the user-facing Chinese block.
func (r *CreateSolutionResponse) ToContent() string {
	var plan strings.Builder
	for _, sub := range r.ResearchPlan {
		fmt.Fprintf(&plan, "[问题类型]: %s\n", sub.Type)
		fmt.Fprintf(&plan, "[问题名称]: %s\n", sub.Name)
		fmt.Fprintf(&plan, "[问题意义]: \n%s\n", sub.Significance)
		fmt.Fprintf(&plan, "[评判标准]: \n%s\n\n", sub.Criteria)
	}
	return fmt.Sprintf("【解决方案名称】: %s\n\n【顶层思考】: \n%s\n\n【研究方案】: \n%s\n\n【实施方案】: \n%s\n\n【方案论证】: \n%s",
		r.Name, r.TopLevelThoughts, plan.String(), r.ImplementationPlan, r.PlanJustification)
}

// Decision outcomes of the handle-modification-requests prompt.
const (
	DecisionAccept = "accept"
	DecisionReply  = "reply"
)

var handleModificationSchema = &xmlparse.Schema{
	Fields: []xmlparse.Field{
		{Name: "decision", Attr: "type", Required: true,
			Enum:      []string{DecisionAccept, DecisionReply},
			EnumError: "决策类型必须是accept或reply"},
		{Name: "reasoning", Required: true},
		{Name: "modification_plan"},
		{Name: "response_to_user"},
	},
	CrossChecks: []func(values map[string]any) error{
		func(values map[string]any) error {
			plan := strings.TrimSpace(stringValue(values, "modification_plan"))
			reply := strings.TrimSpace(stringValue(values, "response_to_user"))
			switch stringValue(values, "decision") {
			case DecisionAccept:
				if plan == "" {
					return errors.New("当决策为accept时，必须提供修改计划")
				}
				if reply != "" {
					return errors.New("当决策为accept时，不应提供对用户的回复")
				}
			case DecisionReply:
				if reply == "" {
					return errors.New("当决策为reply时，必须提供对用户的回复")
				}
				if plan != "" {
					return errors.New("当决策为reply时，不应提供修改计划")
				}
			}
			return nil
		},
	},
}

// HandleModificationRequestsResponse is the validated decision on a user's
// modification request.
type HandleModificationRequestsResponse struct {
	Decision         string
	Reasoning        string
	ModificationPlan string
	ResponseToUser   string
}

// FromNode validates the fragment. The decision lives in a <decision
// type=...> child whose own children carry the fields; <if type=...> wrapper
// elements from the prompt's format notation are flattened away first.
func (r *HandleModificationRequestsResponse) FromNode(root *xmlparse.Node) error {
	decision := root.Child("decision")
	if decision == nil {
		return xmlparse.NewValidationError("缺少必需字段: decision")
	}
	hoistConditionals(decision)

	values, err := xmlparse.Validate(decision, handleModificationSchema)
	if err != nil {
		return err
	}
	r.Decision = stringValue(values, "decision")
	r.Reasoning = stringValue(values, "reasoning")
	r.ModificationPlan = strings.TrimSpace(stringValue(values, "modification_plan"))
	r.ResponseToUser = strings.TrimSpace(stringValue(values, "response_to_user"))
	return nil
}

// ToContent renders the decision branch actually taken.
func (r *HandleModificationRequestsResponse) ToContent() string {
	if r.Decision == DecisionAccept {
		return fmt.Sprintf("【做出修改的理由】: %s\n【修改计划】: %s\n", r.Reasoning, r.ModificationPlan)
	}
	return fmt.Sprintf("【做出回复的理由】: %s\n【对用户的回复】: %s\n", r.Reasoning, r.ResponseToUser)
}

// ModifySolutionResponse is the validated reply to the modify-solution
// prompt. Its research plan may inherit sub-problems from the solution being
// modified.
type ModifySolutionResponse struct {
	Name               string
	TopLevelThoughts   string
	ResearchPlan       []SubProblem
	ImplementationPlan string
	PlanJustification  string
}

// FromNode validates the fragment against the modify-solution schema.
func (r *ModifySolutionResponse) FromNode(root *xmlparse.Node) error {
	values, err := xmlparse.Validate(root, modifySolutionSchema)
	if err != nil {
		return err
	}
	r.Name = stringValue(values, "name")
	r.TopLevelThoughts = stringValue(values, "top_level_thoughts")
	r.ImplementationPlan = stringValue(values, "implementation_plan")
	r.PlanJustification = stringValue(values, "plan_justification")
	r.ResearchPlan = subProblems(values, "research_plan")
	return nil
}

// Actions chosen by ToRequest.
const (
	ActionUpdate = "update"
	ActionCreate = "create"
)

// ToRequest decides between updating the solution in place and creating a
// successor. When the new plan inherits every original sub-problem in the
// original order, only the scalar fields changed, so the solution updates in
// place (children untouched). Any other plan creates a new solution whose
// inherit entries reuse the original problem subtrees by id.
func (r *ModifySolutionResponse) ToRequest(org []tree.ChildRequest) (string, *tree.SolutionRequest, error) {
	if len(r.ResearchPlan) == len(org) {
		unchanged := true
		for i, sub := range r.ResearchPlan {
			if sub.Type != subProblemInherit || sub.Name != org[i].Title {
				unchanged = false
				break
			}
		}
		if unchanged {
			return ActionUpdate, &tree.SolutionRequest{
				Title:              r.Name,
				TopLevelThoughts:   r.TopLevelThoughts,
				ImplementationPlan: r.ImplementationPlan,
				PlanJustification:  r.PlanJustification,
			}, nil
		}
	}

	orgByTitle := make(map[string]*tree.ProblemRequest, len(org))
	for _, child := range org {
		orgByTitle[child.Title] = child.Request
	}
	children := make([]*tree.ProblemRequest, 0, len(r.ResearchPlan))
	for _, sub := range r.ResearchPlan {
		if sub.Type == subProblemInherit {
			inherited, ok := orgByTitle[sub.Name]
			if !ok {
				return "", nil, errors.Errorf("继承的子问题不存在: %s", sub.Name)
			}
			children = append(children, inherited)
			continue
		}
		children = append(children, &tree.ProblemRequest{
			Title:        sub.Name,
			Significance: sub.Significance,
			Criteria:     sub.Criteria,
			ProblemType:  tree.ProblemType(sub.Type),
		})
	}
	return ActionCreate, &tree.SolutionRequest{
		Title:              r.Name,
		TopLevelThoughts:   r.TopLevelThoughts,
		ImplementationPlan: r.ImplementationPlan,
		PlanJustification:  r.PlanJustification,
		Children:           children,
	}, nil
}

// ToContent renders the modified solution; inherited sub-problems show only
// their origin marker.
func (r *ModifySolutionResponse) ToContent() string {
	var plan strings.Builder
	for _, sub := range r.ResearchPlan {
		fmt.Fprintf(&plan, "[问题类型]: %s\n", sub.Type)
		if sub.Type == subProblemInherit {
			fmt.Fprintf(&plan, "[继承自问题]: %s\n", sub.Name)
			continue
		}
		fmt.Fprintf(&plan, "[问题名称]: %s\n", sub.Name)
		fmt.Fprintf(&plan, "[问题意义]: \n%s\n", sub.Significance)
		fmt.Fprintf(&plan, "[评判标准]: \n%s\n\n", sub.Criteria)
	}
	return fmt.Sprintf("【解决方案名称】: %s\n\n【顶层思考】: \n%s\n\n【研究方案】: \n%s\n\n【实施方案】: \n%s\n\n【方案论证】: \n%s",
		r.Name, r.TopLevelThoughts, plan.String(), r.ImplementationPlan, r.PlanJustification)
}

// hoistConditionals flattens <if type=...> wrapper elements into their
// parent. The prompts express branch structure with <if> blocks and models
// sometimes echo them literally; the fields inside belong to the parent
// either way.
func hoistConditionals(node *xmlparse.Node) {
	var children []*xmlparse.Node
	for _, child := range node.Children {
		if child.Tag == "if" {
			children = append(children, child.Children...)
			continue
		}
		children = append(children, child)
	}
	node.Children = children
}

func stringValue(values map[string]any, key string) string {
	value, _ := values[key].(string)
	return value
}

func subProblems(values map[string]any, key string) []SubProblem {
	items, _ := values[key].([]map[string]any)
	subs := make([]SubProblem, 0, len(items))
	for _, item := range items {
		subs = append(subs, SubProblem{
			Type:         stringValue(item, "type"),
			Name:         stringValue(item, "name"),
			Significance: stringValue(item, "significance"),
			Criteria:     stringValue(item, "criteria"),
		})
	}
	return subs
}
