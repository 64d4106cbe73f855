package prompts

import "embed"

//go:embed templates/*
var TemplateFS embed.FS

// Template paths, usable as names with Renderer.Render.
const (
	CreateSolutionTemplate             = "templates/create_solution.tmpl"
	HandleModificationRequestsTemplate = "templates/handle_modification_requests.tmpl"
	ModifySolutionTemplate             = "templates/modify_solution.tmpl"
)
