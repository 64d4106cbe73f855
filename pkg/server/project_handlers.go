package server

import (
	"net/http"

	"github.com/gorilla/mux"
)

func (s *Server) handleCreateProject(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("project_name")
	s.writeResult(w, s.deps.Projects.CreateNewProject(r.Context(), name))
}

func (s *Server) handleSaveProject(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w, s.deps.Projects.SaveCurrentProject(r.Context()))
}

func (s *Server) handleSaveProjectAs(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("new_project_name")
	s.writeResult(w, s.deps.Projects.SaveAsCurrentProject(r.Context(), name))
}

func (s *Server) handleListProjects(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w, s.deps.Projects.ListProjects(r.Context()))
}

func (s *Server) handleLoadProject(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w, s.deps.Projects.LoadProject(r.Context(), mux.Vars(r)["name"]))
}

func (s *Server) handleDeleteProject(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w, s.deps.Projects.DeleteProject(r.Context(), mux.Vars(r)["name"]))
}

func (s *Server) handleCurrentProjectInfo(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w, s.deps.Projects.CurrentProjectInfo())
}

func (s *Server) handleCurrentProjectFullData(w http.ResponseWriter, r *http.Request) {
	s.writeResult(w, s.deps.Projects.CurrentProjectFullData())
}
