package tree

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/resviz/resviz/pkg/logger"
	"github.com/resviz/resviz/pkg/messages"
)

// Sentinel error kinds. The HTTP layer maps ErrNotFound to 404 and ErrInvalid
// to 400.
var (
	ErrNotFound = errors.New("node not found")
	ErrInvalid  = errors.New("invalid operation")
)

// ActionResult is the uniform envelope returned by every mutating command and
// attached to the user-action message it publishes.
type ActionResult struct {
	Success    bool   `json:"success"`
	Message    string `json:"message"`
	SnapshotID string `json:"snapshot_id"`
	Data       any    `json:"data"`
}

// Store keeps every snapshot ever committed plus the current snapshot
// pointer. Mutations are single-writer; readers always observe a fully
// committed snapshot because commits swap one id under the lock.
type Store struct {
	mu        sync.RWMutex
	snapshots map[string]*Snapshot
	currentID string
}

// NewStore returns a store holding one empty snapshot.
func NewStore() *Store {
	s := &Store{snapshots: make(map[string]*Snapshot)}
	s.initEmptySnapshot()
	return s
}

func (s *Store) initEmptySnapshot() {
	snapshot := &Snapshot{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		Roots:     []*Problem{},
	}
	s.snapshots[snapshot.ID] = snapshot
	s.currentID = snapshot.ID
}

func (s *Store) current() *Snapshot {
	return s.snapshots[s.currentID]
}

func (s *Store) commit(roots []*Problem) *Snapshot {
	snapshot := &Snapshot{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		Roots:     roots,
	}
	s.snapshots[snapshot.ID] = snapshot
	s.currentID = snapshot.ID
	return snapshot
}

// runAction is the single command wrapper: clone, mutate, commit, package the
// result envelope and publish the user-action message. On failure the store
// is untouched and the failure is still published.
func (s *Store) runAction(ctx context.Context, publish messages.PublishFunc, action string, params map[string]any, mutate func(roots []*Problem) ([]*Problem, error)) (*ActionResult, error) {
	s.mu.Lock()
	roots, err := mutate(cloneRoots(s.current().Roots))
	var result *ActionResult
	if err == nil {
		snapshot := s.commit(roots)
		result = &ActionResult{
			Success:    true,
			Message:    fmt.Sprintf("操作成功: %s", action),
			SnapshotID: snapshot.ID,
			Data:       snapshot.clone(),
		}
	} else {
		result = &ActionResult{
			Success: false,
			Message: fmt.Sprintf("操作失败: %s", err.Error()),
			Data:    map[string]any{},
		}
	}
	s.mu.Unlock()

	if err != nil {
		logger.G(ctx).WithError(err).WithField("action", action).Error("research tree command failed")
	}
	s.publishActionMessage(ctx, publish, action, params, result)
	if err != nil {
		return result, err
	}
	return result, nil
}

func (s *Store) publishActionMessage(ctx context.Context, publish messages.PublishFunc, action string, params map[string]any, result *ActionResult) {
	if publish == nil {
		return
	}
	title := fmt.Sprintf("操作成功: %s", action)
	content := fmt.Sprintf("操作类型: %s\n参数: %v\n结果: %s", action, params, result.Message)
	if !result.Success {
		title = fmt.Sprintf("操作失败: %s", action)
		content = fmt.Sprintf("操作类型: %s\n参数: %v\n错误: %s", action, params, result.Message)
	}
	patch := &messages.Patch{
		Role:        messages.StringPtr(messages.RoleUser),
		Title:       &title,
		ContentDelta: content,
		ActionTitle: &action,
		ActionParams: map[string]any{
			"params": params,
			"result": result,
		},
		VisibleNodeIDs: []string{},
		Finished:       true,
	}
	if result.SnapshotID != "" {
		patch.SnapshotID = &result.SnapshotID
	}
	if _, err := publish(patch); err != nil {
		// The action already committed; a lost notification must not undo it.
		logger.G(ctx).WithError(err).WithField("action", action).Warn("failed to publish action message")
	}
}

// AddRootProblem appends a new implementation root problem.
func (s *Store) AddRootProblem(ctx context.Context, req *ProblemRequest, publish messages.PublishFunc) (*ActionResult, error) {
	params := map[string]any{"new_problem": req}
	return s.runAction(ctx, publish, "add_root_problem", params, func(roots []*Problem) ([]*Problem, error) {
		if req.ProblemType == ProblemConditional {
			return nil, errors.Wrap(ErrInvalid, "root problem cannot be conditional")
		}
		root := &Problem{
			ID:           uuid.NewString(),
			Type:         NodeTypeProblem,
			Title:        req.Title,
			CreatedAt:    time.Now(),
			ProblemType:  ProblemImplementation,
			Significance: req.Significance,
			Criteria:     req.Criteria,
			Children:     []*Solution{},
		}
		return append(roots, root), nil
	})
}

// UpdateRootProblem replaces the metadata of a root problem. The type may not
// change to conditional: roots stay implementation problems.
func (s *Store) UpdateRootProblem(ctx context.Context, problemID string, req *ProblemRequest, publish messages.PublishFunc) (*ActionResult, error) {
	params := map[string]any{"problem_id": problemID, "new_problem": req}
	return s.runAction(ctx, publish, "update_root_problem", params, func(roots []*Problem) ([]*Problem, error) {
		for _, root := range roots {
			if root.ID != problemID {
				continue
			}
			if req.ProblemType == ProblemConditional {
				return nil, errors.Wrap(ErrInvalid, "root problem cannot be conditional")
			}
			applyProblemRequest(root, req)
			return roots, nil
		}
		return nil, errors.Wrap(ErrNotFound, "root problem not found")
	})
}

// UpdateProblem updates any problem node in place.
func (s *Store) UpdateProblem(ctx context.Context, problemID string, req *ProblemRequest, publish messages.PublishFunc) (*ActionResult, error) {
	params := map[string]any{"problem_id": problemID, "new_problem": req}
	return s.runAction(ctx, publish, "update_problem", params, func(roots []*Problem) ([]*Problem, error) {
		problem := findProblem(roots, problemID)
		if problem == nil {
			return nil, errors.Wrap(ErrNotFound, "problem node not found")
		}
		applyProblemRequest(problem, req)
		return roots, nil
	})
}

// DeleteRootProblem removes a root problem and its whole subtree.
func (s *Store) DeleteRootProblem(ctx context.Context, problemID string, publish messages.PublishFunc) (*ActionResult, error) {
	params := map[string]any{"problem_id": problemID}
	return s.runAction(ctx, publish, "delete_root_problem", params, func(roots []*Problem) ([]*Problem, error) {
		remaining := roots[:0]
		for _, root := range roots {
			if root.ID != problemID {
				remaining = append(remaining, root)
			}
		}
		if len(remaining) == len(roots) {
			return nil, errors.Wrap(ErrNotFound, "root problem not found")
		}
		return remaining, nil
	})
}

// CreateSolution attaches a new solution under a problem and selects it.
// Child requests that reference an existing problem by id reuse that subtree
// (copied, ids preserved); the rest become fresh problems.
func (s *Store) CreateSolution(ctx context.Context, problemID string, req *SolutionRequest, publish messages.PublishFunc) (*ActionResult, error) {
	params := map[string]any{"problem_id": problemID, "new_solution": req}
	return s.runAction(ctx, publish, "create_solution", params, func(roots []*Problem) ([]*Problem, error) {
		problem := findProblem(roots, problemID)
		if problem == nil {
			return nil, errors.Wrap(ErrNotFound, "problem node not found")
		}
		if problem.ProblemType == ProblemConditional {
			return nil, errors.Wrap(ErrInvalid, "conditional problem cannot have solutions")
		}
		children := make([]*Problem, 0, len(req.Children))
		for _, childReq := range req.Children {
			children = append(children, s.buildProblem(childReq))
		}
		solution := &Solution{
			ID:                 uuid.NewString(),
			Type:               NodeTypeSolution,
			Title:              req.Title,
			CreatedAt:          time.Now(),
			TopLevelThoughts:   req.TopLevelThoughts,
			ImplementationPlan: req.ImplementationPlan,
			PlanJustification:  req.PlanJustification,
			State:              SolutionInProgress,
			Children:           children,
		}
		problem.Children = append(problem.Children, solution)
		problem.SelectedSolutionID = solution.ID
		return roots, nil
	})
}

// buildProblem resolves one solution-child request: reuse-by-id against the
// current snapshot when the id resolves, fresh problem otherwise. Callers
// hold the store lock.
func (s *Store) buildProblem(req *ProblemRequest) *Problem {
	if req.ID != "" {
		if existing := findProblem(s.current().Roots, req.ID); existing != nil {
			return existing.clone()
		}
	}
	problemType := req.ProblemType
	if problemType == "" {
		problemType = ProblemImplementation
	}
	return &Problem{
		ID:           uuid.NewString(),
		Type:         NodeTypeProblem,
		Title:        req.Title,
		CreatedAt:    time.Now(),
		ProblemType:  problemType,
		Significance: req.Significance,
		Criteria:     req.Criteria,
		Children:     []*Solution{},
	}
}

// UpdateSolution replaces the scalar fields of a solution in place. Children
// are not touched; a changed sub-problem list goes through CreateSolution.
func (s *Store) UpdateSolution(ctx context.Context, solutionID string, req *SolutionRequest, publish messages.PublishFunc) (*ActionResult, error) {
	params := map[string]any{"solution_id": solutionID, "new_solution": req}
	return s.runAction(ctx, publish, "update_solution", params, func(roots []*Problem) ([]*Problem, error) {
		solution := findSolution(roots, solutionID)
		if solution == nil {
			return nil, errors.Wrap(ErrNotFound, "solution node not found")
		}
		if req.Title != "" {
			solution.Title = req.Title
		}
		if req.TopLevelThoughts != "" {
			solution.TopLevelThoughts = req.TopLevelThoughts
		}
		if req.ImplementationPlan != "" {
			solution.ImplementationPlan = req.ImplementationPlan
		}
		if req.PlanJustification != "" {
			solution.PlanJustification = req.PlanJustification
		}
		if req.State != "" {
			solution.State = req.State
		}
		if req.FinalReport != nil {
			solution.FinalReport = *req.FinalReport
		}
		return roots, nil
	})
}

// DeleteSolution removes a solution subtree. The parent's selected solution
// id is deliberately left as-is; a dangling selection reads as "no selected
// solution".
func (s *Store) DeleteSolution(ctx context.Context, solutionID string, publish messages.PublishFunc) (*ActionResult, error) {
	params := map[string]any{"solution_id": solutionID}
	return s.runAction(ctx, publish, "delete_solution", params, func(roots []*Problem) ([]*Problem, error) {
		parent := findSolutionParent(roots, solutionID)
		if parent == nil {
			return nil, errors.Wrap(ErrNotFound, "solution node not found")
		}
		remaining := parent.Children[:0]
		for _, child := range parent.Children {
			if child.ID != solutionID {
				remaining = append(remaining, child)
			}
		}
		parent.Children = remaining
		return roots, nil
	})
}

// SetSelectedSolution points a problem at one of its solution children, or
// clears the selection when solutionID is nil.
func (s *Store) SetSelectedSolution(ctx context.Context, problemID string, solutionID *string, publish messages.PublishFunc) (*ActionResult, error) {
	params := map[string]any{"problem_id": problemID, "solution_id": solutionID}
	return s.runAction(ctx, publish, "set_selected_solution", params, func(roots []*Problem) ([]*Problem, error) {
		problem := findProblem(roots, problemID)
		if problem == nil {
			return nil, errors.Wrap(ErrNotFound, "problem node not found")
		}
		if solutionID == nil {
			problem.SelectedSolutionID = ""
			return roots, nil
		}
		for _, child := range problem.Children {
			if child.ID == *solutionID {
				problem.SelectedSolutionID = *solutionID
				return roots, nil
			}
		}
		return nil, errors.Wrap(ErrInvalid, "selected solution is not a child of the problem")
	})
}

func applyProblemRequest(problem *Problem, req *ProblemRequest) {
	if req.Title != "" {
		problem.Title = req.Title
	}
	if req.Significance != "" {
		problem.Significance = req.Significance
	}
	if req.Criteria != "" {
		problem.Criteria = req.Criteria
	}
	if req.ProblemType != "" {
		problem.ProblemType = req.ProblemType
	}
}

// SetCurrentSnapshot restores the current pointer to a historic snapshot.
// Used by rollback-to.
func (s *Store) SetCurrentSnapshot(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.snapshots[id]; !ok {
		return errors.Wrap(ErrNotFound, "snapshot not found")
	}
	s.currentID = id
	return nil
}

// Export returns deep copies of all snapshots plus the current id, for
// project persistence.
func (s *Store) Export() (map[string]*Snapshot, string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snapshots := make(map[string]*Snapshot, len(s.snapshots))
	for id, snapshot := range s.snapshots {
		snapshots[id] = snapshot.clone()
	}
	return snapshots, s.currentID
}

// Restore replaces the store contents with persisted state.
func (s *Store) Restore(snapshots map[string]*Snapshot, currentID string) error {
	if _, ok := snapshots[currentID]; !ok {
		return errors.Wrap(ErrInvalid, "current snapshot missing from snapshot map")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = make(map[string]*Snapshot, len(snapshots))
	for id, snapshot := range snapshots {
		s.snapshots[id] = snapshot.clone()
	}
	s.currentID = currentID
	return nil
}

// Reset empties the store back to a single empty snapshot.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snapshots = make(map[string]*Snapshot)
	s.initEmptySnapshot()
}
