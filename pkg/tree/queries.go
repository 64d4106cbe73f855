package tree

import (
	"fmt"
	"strings"

	"github.com/pkg/errors"
)

// findProblem walks the forest depth-first for a problem node.
func findProblem(roots []*Problem, id string) *Problem {
	for _, root := range roots {
		if root.ID == id {
			return root
		}
		for _, solution := range root.Children {
			if found := findProblem(solution.Children, id); found != nil {
				return found
			}
		}
	}
	return nil
}

// findSolution walks the forest depth-first for a solution node.
func findSolution(roots []*Problem, id string) *Solution {
	for _, root := range roots {
		for _, solution := range root.Children {
			if solution.ID == id {
				return solution
			}
			if found := findSolution(solution.Children, id); found != nil {
				return found
			}
		}
	}
	return nil
}

// findSolutionParent returns the problem owning the solution.
func findSolutionParent(roots []*Problem, solutionID string) *Problem {
	for _, root := range roots {
		if found := findSolutionParentIn(root, solutionID); found != nil {
			return found
		}
	}
	return nil
}

func findSolutionParentIn(problem *Problem, solutionID string) *Problem {
	for _, solution := range problem.Children {
		if solution.ID == solutionID {
			return problem
		}
		for _, child := range solution.Children {
			if found := findSolutionParentIn(child, solutionID); found != nil {
				return found
			}
		}
	}
	return nil
}

// findProblemParent returns the solution owning the problem, or nil for a
// root problem.
func findProblemParent(roots []*Problem, problemID string) *Solution {
	var walk func(solution *Solution) *Solution
	walk = func(solution *Solution) *Solution {
		for _, child := range solution.Children {
			if child.ID == problemID {
				return solution
			}
			for _, grandchild := range child.Children {
				if found := walk(grandchild); found != nil {
					return found
				}
			}
		}
		return nil
	}
	for _, root := range roots {
		for _, solution := range root.Children {
			if found := walk(solution); found != nil {
				return found
			}
		}
	}
	return nil
}

// GetCurrentSnapshotID returns the id of the current snapshot.
func (s *Store) GetCurrentSnapshotID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.currentID
}

// GetCurrentSnapshot returns a deep copy of the current snapshot.
func (s *Store) GetCurrentSnapshot() *Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current().clone()
}

// GetSnapshot returns a deep copy of a snapshot by id.
func (s *Store) GetSnapshot(id string) (*Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshot, ok := s.snapshots[id]
	if !ok {
		return nil, errors.Wrap(ErrNotFound, "snapshot not found")
	}
	return snapshot.clone(), nil
}

// GetNodeByID returns the children-free view of either node variant.
func (s *Store) GetNodeByID(id string) (*NodeView, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if problem := findProblem(s.current().Roots, id); problem != nil {
		return problem.view(), nil
	}
	if solution := findSolution(s.current().Roots, id); solution != nil {
		return solution.view(), nil
	}
	return nil, errors.Wrap(ErrNotFound, "node not found")
}

// GetProblem returns a deep copy of a problem node including children.
func (s *Store) GetProblem(id string) (*Problem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	problem := findProblem(s.current().Roots, id)
	if problem == nil {
		return nil, errors.Wrap(ErrNotFound, "problem node not found")
	}
	return problem.clone(), nil
}

// GetSolution returns a deep copy of a solution node including children.
func (s *Store) GetSolution(id string) (*Solution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	solution := findSolution(s.current().Roots, id)
	if solution == nil {
		return nil, errors.Wrap(ErrNotFound, "solution node not found")
	}
	return solution.clone(), nil
}

// GetParentNodeID returns the id of the node's parent. Root problems have no
// parent.
func (s *Store) GetParentNodeID(id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if parent := findSolutionParent(s.current().Roots, id); parent != nil {
		return parent.ID, nil
	}
	if parent := findProblemParent(s.current().Roots, id); parent != nil {
		return parent.ID, nil
	}
	return "", errors.Wrap(ErrNotFound, "parent node not found")
}

// GetRootProblemID walks up to the root problem owning the node.
func (s *Store) GetRootProblemID(id string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, root := range s.current().Roots {
		if root.ID == id || findProblem([]*Problem{root}, id) != nil || findSolution([]*Problem{root}, id) != nil {
			return root.ID, nil
		}
	}
	return "", errors.Wrapf(ErrNotFound, "未找到节点 %s 所在的根问题", id)
}

// GetNodeChildrenIDs lists a node's direct children ids. With
// onlyImplementation, a solution's children are filtered to implementation
// problems.
func (s *Store) GetNodeChildrenIDs(id string, onlyImplementation bool) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if problem := findProblem(s.current().Roots, id); problem != nil {
		ids := make([]string, 0, len(problem.Children))
		for _, child := range problem.Children {
			ids = append(ids, child.ID)
		}
		return ids, nil
	}
	if solution := findSolution(s.current().Roots, id); solution != nil {
		ids := make([]string, 0, len(solution.Children))
		for _, child := range solution.Children {
			if onlyImplementation && child.ProblemType != ProblemImplementation {
				continue
			}
			ids = append(ids, child.ID)
		}
		return ids, nil
	}
	return nil, errors.Wrap(ErrNotFound, "node not found")
}

// GetNodeIDByTitle returns the first node (depth-first) with the title.
func (s *Store) GetNodeIDByTitle(title string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var walkSolution func(solution *Solution) string
	var walkProblem func(problem *Problem) string
	walkProblem = func(problem *Problem) string {
		if problem.Title == title {
			return problem.ID
		}
		for _, child := range problem.Children {
			if found := walkSolution(child); found != "" {
				return found
			}
		}
		return ""
	}
	walkSolution = func(solution *Solution) string {
		if solution.Title == title {
			return solution.ID
		}
		for _, child := range solution.Children {
			if found := walkProblem(child); found != "" {
				return found
			}
		}
		return ""
	}

	for _, root := range s.current().Roots {
		if found := walkProblem(root); found != "" {
			return found, true
		}
	}
	return "", false
}

// GetSelectedSolutionID returns the selected solution of an implementation
// problem. A dangling selection (solution since deleted) reads as none.
func (s *Store) GetSelectedSolutionID(problemID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	problem := findProblem(s.current().Roots, problemID)
	if problem == nil || problem.ProblemType != ProblemImplementation {
		return "", errors.Wrap(ErrNotFound, "problem node not found or not an implementation problem")
	}
	if problem.SelectedSolutionID == "" {
		return "", nil
	}
	for _, child := range problem.Children {
		if child.ID == problem.SelectedSolutionID {
			return problem.SelectedSolutionID, nil
		}
	}
	return "", nil
}

// GetCompactTextTree renders the indented title/state listing consumed by
// prompts. An empty forest renders as the empty string.
func (s *Store) GetCompactTextTree() string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var lines []string
	var renderProblem func(problem *Problem, depth int)
	var renderSolution func(solution *Solution, parent *Problem, depth int)

	renderProblem = func(problem *Problem, depth int) {
		indent := strings.Repeat("  ", depth)
		lines = append(lines, fmt.Sprintf("%s- [P] %s (%s)", indent, problem.Title, problem.ProblemType))
		for _, child := range problem.Children {
			renderSolution(child, problem, depth+1)
		}
	}
	renderSolution = func(solution *Solution, parent *Problem, depth int) {
		indent := strings.Repeat("  ", depth)
		status := "(已弃用)"
		if parent.SelectedSolutionID == solution.ID {
			status = "(正启用)"
		}
		lines = append(lines, fmt.Sprintf("%s- [S] %s %s [%s]", indent, solution.Title, status, solution.State))
		for _, child := range solution.Children {
			renderProblem(child, depth+1)
		}
	}

	for _, root := range s.current().Roots {
		renderProblem(root, 0)
	}
	return strings.Join(lines, "\n")
}

// GetProblemDetail renders the XML-shaped problem block consumed by prompts.
func (s *Store) GetProblemDetail(problemID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	problem := findProblem(s.current().Roots, problemID)
	if problem == nil {
		return "", errors.Wrap(ErrNotFound, "problem node not found")
	}
	return fmt.Sprintf("<name>%s</name>\n<significance>\n%s\n</significance>\n<criteria>\n%s\n</criteria>",
		problem.Title, problem.Significance, problem.Criteria), nil
}

// GetSolutionDetail renders the XML-shaped solution block consumed by
// prompts, sub-problems included.
func (s *Store) GetSolutionDetail(solutionID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	solution := findSolution(s.current().Roots, solutionID)
	if solution == nil {
		return "", errors.Wrap(ErrNotFound, "solution node not found")
	}

	var steps []string
	for _, child := range solution.Children {
		steps = append(steps, strings.Join([]string{
			fmt.Sprintf("<step type=%s>", child.ProblemType),
			fmt.Sprintf("<name>%s</name>", child.Title),
			"<significance>",
			child.Significance,
			"</significance>",
			"<criteria>",
			child.Criteria,
			"</criteria>",
			"</step>",
		}, "\n"))
	}

	finalReport := solution.FinalReport
	if finalReport == "" {
		finalReport = "暂无"
	}
	lines := []string{
		"<solution>",
		fmt.Sprintf("<name>%s</name>", solution.Title),
		"<top_level_thoughts>",
		solution.TopLevelThoughts,
		"</top_level_thoughts>",
		"<research_plan>",
		strings.Join(steps, "\n"),
		"</research_plan>",
		"<implementation_plan>",
		solution.ImplementationPlan,
		"</implementation_plan>",
		"<plan_justification>",
		solution.PlanJustification,
		"</plan_justification>",
		"<final_report>",
		finalReport,
		"</final_report>",
		"</solution>",
	}
	return strings.Join(lines, "\n"), nil
}

// GetRelatedSolutions collects the selected solutions around a problem:
// ancestors on the path to the root, descendants below the problem's own
// selected solution, and the problem's other solution children.
func (s *Store) GetRelatedSolutions(problemID string) (*RelatedSolutions, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	roots := s.current().Roots

	target := findProblem(roots, problemID)
	if target == nil {
		return nil, errors.Wrap(ErrNotFound, "problem node not found")
	}

	related := &RelatedSolutions{
		Ancestors:   []string{},
		Descendants: []string{},
		Siblings:    []string{},
	}

	// Ancestors: every solution on the chain from the problem up to a root.
	for current := problemID; ; {
		parent := findProblemParent(roots, current)
		if parent == nil {
			break
		}
		related.Ancestors = append(related.Ancestors, parent.ID)
		owner := findSolutionParent(roots, parent.ID)
		if owner == nil {
			break
		}
		current = owner.ID
	}

	// Descendants: every solution reachable below the selected solution.
	var collect func(problem *Problem)
	collect = func(problem *Problem) {
		for _, solution := range problem.Children {
			related.Descendants = append(related.Descendants, solution.ID)
			for _, child := range solution.Children {
				collect(child)
			}
		}
	}
	if target.SelectedSolutionID != "" {
		for _, solution := range target.Children {
			if solution.ID != target.SelectedSolutionID {
				continue
			}
			for _, child := range solution.Children {
				collect(child)
			}
		}
	}

	// Siblings: the problem's other solution children.
	for _, solution := range target.Children {
		if solution.ID != target.SelectedSolutionID {
			related.Siblings = append(related.Siblings, solution.ID)
		}
	}
	return related, nil
}

// ChildRequest pairs a sub-problem title with the request that reproduces it.
type ChildRequest struct {
	Title   string
	Request *ProblemRequest
}

// GetSolutionChildrenRequestMap returns the solution's sub-problems as
// requests carrying their existing ids, in child order. The chat agent uses
// it to tell an unchanged sub-problem list (update in place) from a changed
// one (create a successor solution).
func (s *Store) GetSolutionChildrenRequestMap(solutionID string) ([]ChildRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	solution := findSolution(s.current().Roots, solutionID)
	if solution == nil {
		return nil, errors.Wrap(ErrNotFound, "solution node not found")
	}
	requests := make([]ChildRequest, 0, len(solution.Children))
	for _, child := range solution.Children {
		requests = append(requests, ChildRequest{
			Title: child.Title,
			Request: &ProblemRequest{
				ID:           child.ID,
				Title:        child.Title,
				Significance: child.Significance,
				Criteria:     child.Criteria,
				ProblemType:  child.ProblemType,
			},
		})
	}
	return requests, nil
}

// Status reports the store shape for the status endpoint.
func (s *Store) Status() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]any{
		"current_snapshot_id": s.currentID,
		"snapshot_count":      len(s.snapshots),
		"root_problems_count": len(s.current().Roots),
	}
}
