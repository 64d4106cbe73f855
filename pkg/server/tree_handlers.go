package server

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/resviz/resviz/pkg/tree"
)

func (s *Server) handleCurrentSnapshotID(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"current_snapshot_id": s.deps.Tree.GetCurrentSnapshotID(),
	})
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.deps.Tree.GetSnapshot(mux.Vars(r)["id"])
	if err != nil {
		s.writeDetail(w, treeErrorStatus(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, snapshot)
}

func (s *Server) handleAddRootProblem(w http.ResponseWriter, r *http.Request) {
	var req tree.ProblemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeDetail(w, http.StatusBadRequest, "请求体格式错误")
		return
	}
	result, err := s.deps.Tree.AddRootProblem(r.Context(), &req, s.publish(r))
	if err != nil {
		s.writeDetail(w, treeErrorStatus(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleUpdateRootProblem(w http.ResponseWriter, r *http.Request) {
	var req tree.ProblemRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeDetail(w, http.StatusBadRequest, "请求体格式错误")
		return
	}
	result, err := s.deps.Tree.UpdateRootProblem(r.Context(), mux.Vars(r)["id"], &req, s.publish(r))
	if err != nil {
		s.writeDetail(w, treeErrorStatus(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDeleteRootProblem(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Tree.DeleteRootProblem(r.Context(), mux.Vars(r)["id"], s.publish(r))
	if err != nil {
		s.writeDetail(w, treeErrorStatus(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleCreateSolution(w http.ResponseWriter, r *http.Request) {
	var req tree.SolutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeDetail(w, http.StatusBadRequest, "请求体格式错误")
		return
	}
	result, err := s.deps.Tree.CreateSolution(r.Context(), mux.Vars(r)["id"], &req, s.publish(r))
	if err != nil {
		s.writeDetail(w, treeErrorStatus(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleUpdateSolution(w http.ResponseWriter, r *http.Request) {
	var req tree.SolutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeDetail(w, http.StatusBadRequest, "请求体格式错误")
		return
	}
	result, err := s.deps.Tree.UpdateSolution(r.Context(), mux.Vars(r)["id"], &req, s.publish(r))
	if err != nil {
		s.writeDetail(w, treeErrorStatus(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDeleteSolution(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Tree.DeleteSolution(r.Context(), mux.Vars(r)["id"], s.publish(r))
	if err != nil {
		s.writeDetail(w, treeErrorStatus(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSetSelectedSolution(w http.ResponseWriter, r *http.Request) {
	var req tree.SetSelectedSolutionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeDetail(w, http.StatusBadRequest, "请求体格式错误")
		return
	}
	result, err := s.deps.Tree.SetSelectedSolution(r.Context(), mux.Vars(r)["id"], req.SolutionID, s.publish(r))
	if err != nil {
		s.writeDetail(w, treeErrorStatus(err), err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}
