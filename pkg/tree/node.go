// Package tree is the immutable snapshot store of the research tree. Problems
// and solutions alternate strictly along every parent-child edge; every
// mutation commits a fresh snapshot built from a deep copy of the current one,
// so older snapshots stay readable forever. Node ids survive copying, which is
// what makes cross-snapshot comparison and subtree reuse work.
package tree

import (
	"fmt"
	"time"
)

// NodeType discriminates the two node variants on the wire.
type NodeType string

const (
	NodeTypeProblem  NodeType = "problem"
	NodeTypeSolution NodeType = "solution"
)

// ProblemType classifies a research problem. Conditional problems state a
// hypothesis and may not own solution children.
type ProblemType string

const (
	ProblemImplementation ProblemType = "implementation"
	ProblemConditional    ProblemType = "conditional"
)

// SolutionState tracks the investigation status of a solution.
type SolutionState string

const (
	SolutionInProgress SolutionState = "in_progress"
	SolutionSuccess    SolutionState = "success"
	SolutionFailure    SolutionState = "failure"
)

// Problem is a research question. Children are candidate solutions.
type Problem struct {
	ID                 string      `json:"id"`
	Type               NodeType    `json:"type"`
	Title              string      `json:"title"`
	CreatedAt          time.Time   `json:"created_at"`
	ProblemType        ProblemType `json:"problem_type"`
	SelectedSolutionID string      `json:"selected_solution_id,omitempty"`
	Significance       string      `json:"significance"`
	Criteria           string      `json:"criteria"`
	Children           []*Solution `json:"children"`
}

// Solution is a candidate plan for an implementation problem. Children are
// sub-problems.
type Solution struct {
	ID                 string        `json:"id"`
	Type               NodeType      `json:"type"`
	Title              string        `json:"title"`
	CreatedAt          time.Time     `json:"created_at"`
	TopLevelThoughts   string        `json:"top_level_thoughts"`
	ImplementationPlan string        `json:"implementation_plan"`
	PlanJustification  string        `json:"plan_justification"`
	State              SolutionState `json:"state"`
	FinalReport        string        `json:"final_report,omitempty"`
	Children           []*Problem    `json:"children"`
}

// Snapshot is one immutable version of the whole forest.
type Snapshot struct {
	ID        string     `json:"id"`
	CreatedAt time.Time  `json:"created_at"`
	Roots     []*Problem `json:"roots"`
}

// Summary is the one-line description shown alongside a snapshot reference.
func (s *Snapshot) Summary() string {
	return fmt.Sprintf("包含%d个根问题", len(s.Roots))
}

// NodeView is the flattened, children-free projection of either node variant
// returned by node queries.
type NodeView struct {
	ID                 string        `json:"id"`
	Type               NodeType      `json:"type"`
	Title              string        `json:"title"`
	CreatedAt          time.Time     `json:"created_at"`
	ProblemType        ProblemType   `json:"problem_type,omitempty"`
	SelectedSolutionID string        `json:"selected_solution_id,omitempty"`
	Significance       string        `json:"significance,omitempty"`
	Criteria           string        `json:"criteria,omitempty"`
	TopLevelThoughts   string        `json:"top_level_thoughts,omitempty"`
	ImplementationPlan string        `json:"implementation_plan,omitempty"`
	PlanJustification  string        `json:"plan_justification,omitempty"`
	State              SolutionState `json:"state,omitempty"`
	FinalReport        string        `json:"final_report,omitempty"`
}

// ProblemRequest describes a problem to create or the fields to update.
// Empty fields are left untouched on update. A non-empty ID on a solution
// child request reuses the referenced existing subtree instead of creating a
// fresh problem.
type ProblemRequest struct {
	ID           string      `json:"id,omitempty"`
	Title        string      `json:"title,omitempty"`
	Significance string      `json:"significance,omitempty"`
	Criteria     string      `json:"criteria,omitempty"`
	ProblemType  ProblemType `json:"problem_type,omitempty"`
}

// SolutionRequest describes a solution to create or the fields to update.
// Nil Children means "children untouched" on update.
type SolutionRequest struct {
	Title              string            `json:"title,omitempty"`
	TopLevelThoughts   string            `json:"top_level_thoughts,omitempty"`
	ImplementationPlan string            `json:"implementation_plan,omitempty"`
	PlanJustification  string            `json:"plan_justification,omitempty"`
	State              SolutionState     `json:"state,omitempty"`
	FinalReport        *string           `json:"final_report,omitempty"`
	Children           []*ProblemRequest `json:"children,omitempty"`
}

// SetSelectedSolutionRequest selects a solution child, or clears the
// selection when SolutionID is nil.
type SetSelectedSolutionRequest struct {
	SolutionID *string       `json:"solution_id"`
	State      SolutionState `json:"state,omitempty"`
}

// RelatedSolutions groups the selected solutions around a problem: on the
// ancestor chain, below its own selected solution, and under sibling
// problems.
type RelatedSolutions struct {
	Ancestors   []string `json:"ancestors"`
	Descendants []string `json:"descendants"`
	Siblings    []string `json:"siblings"`
}

func (p *Problem) clone() *Problem {
	cloned := &Problem{
		ID:                 p.ID,
		Type:               NodeTypeProblem,
		Title:              p.Title,
		CreatedAt:          p.CreatedAt,
		ProblemType:        p.ProblemType,
		SelectedSolutionID: p.SelectedSolutionID,
		Significance:       p.Significance,
		Criteria:           p.Criteria,
		Children:           make([]*Solution, 0, len(p.Children)),
	}
	for _, child := range p.Children {
		cloned.Children = append(cloned.Children, child.clone())
	}
	return cloned
}

func (s *Solution) clone() *Solution {
	cloned := &Solution{
		ID:                 s.ID,
		Type:               NodeTypeSolution,
		Title:              s.Title,
		CreatedAt:          s.CreatedAt,
		TopLevelThoughts:   s.TopLevelThoughts,
		ImplementationPlan: s.ImplementationPlan,
		PlanJustification:  s.PlanJustification,
		State:              s.State,
		FinalReport:        s.FinalReport,
		Children:           make([]*Problem, 0, len(s.Children)),
	}
	for _, child := range s.Children {
		cloned.Children = append(cloned.Children, child.clone())
	}
	return cloned
}

func cloneRoots(roots []*Problem) []*Problem {
	cloned := make([]*Problem, 0, len(roots))
	for _, root := range roots {
		cloned = append(cloned, root.clone())
	}
	return cloned
}

func (s *Snapshot) clone() *Snapshot {
	return &Snapshot{
		ID:        s.ID,
		CreatedAt: s.CreatedAt,
		Roots:     cloneRoots(s.Roots),
	}
}

func (p *Problem) view() *NodeView {
	return &NodeView{
		ID:                 p.ID,
		Type:               NodeTypeProblem,
		Title:              p.Title,
		CreatedAt:          p.CreatedAt,
		ProblemType:        p.ProblemType,
		SelectedSolutionID: p.SelectedSolutionID,
		Significance:       p.Significance,
		Criteria:           p.Criteria,
	}
}

func (s *Solution) view() *NodeView {
	return &NodeView{
		ID:                 s.ID,
		Type:               NodeTypeSolution,
		Title:              s.Title,
		CreatedAt:          s.CreatedAt,
		TopLevelThoughts:   s.TopLevelThoughts,
		ImplementationPlan: s.ImplementationPlan,
		PlanJustification:  s.PlanJustification,
		State:              s.State,
		FinalReport:        s.FinalReport,
	}
}
