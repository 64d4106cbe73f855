// Package prompts renders the agents' Chinese prompt templates. The defaults
// ship embedded in the binary; files dropped into an override directory
// replace the embedded template of the same relative path, so prompts can be
// tuned without a rebuild.
package prompts

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"text/template"

	"github.com/pkg/errors"
)

// Renderer parses the embedded template set once and serves renders from it.
// Reload is safe to call concurrently with Render.
type Renderer struct {
	overrideDirs []string

	mu        sync.RWMutex
	templates *template.Template
	parseErr  error
}

// NewRenderer builds a renderer over the embedded templates. Override
// directories are searched in order; the first file matching a template's
// base name wins.
func NewRenderer(overrideDirs ...string) *Renderer {
	r := &Renderer{overrideDirs: overrideDirs}
	r.templates, r.parseErr = r.parse()
	return r
}

// Render executes a named template (one of the path constants) against ctx.
func (r *Renderer) Render(name string, ctx *Context) (string, error) {
	r.mu.RLock()
	templates, parseErr := r.templates, r.parseErr
	r.mu.RUnlock()

	if parseErr != nil {
		return "", errors.Wrap(parseErr, "failed to initialize prompt templates")
	}
	if templates.Lookup(name) == nil {
		return "", errors.Errorf("prompt template %s not found", name)
	}

	var buf strings.Builder
	if err := templates.ExecuteTemplate(&buf, name, ctx); err != nil {
		return "", errors.Wrapf(err, "failed to execute prompt template %s", name)
	}
	return buf.String(), nil
}

// Reload reparses the embedded set and the override directories. On parse
// failure the previous template set stays in service.
func (r *Renderer) Reload() error {
	templates, err := r.parse()
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.templates = templates
	r.parseErr = nil
	r.mu.Unlock()
	return nil
}

func (r *Renderer) parse() (*template.Template, error) {
	paths, err := collectTemplatePaths(TemplateFS, "templates")
	if err != nil {
		return nil, errors.Wrap(err, "failed to collect prompt template paths")
	}

	templates := template.New("prompts")
	for _, path := range paths {
		content, err := r.readTemplate(path)
		if err != nil {
			return nil, err
		}
		if _, err := templates.New(path).Parse(content); err != nil {
			return nil, errors.Wrapf(err, "failed to parse prompt template %s", path)
		}
	}
	return templates, nil
}

// readTemplate resolves one template path: override directories first (by
// base name), embedded content otherwise.
func (r *Renderer) readTemplate(path string) (string, error) {
	base := filepath.Base(path)
	for _, dir := range r.overrideDirs {
		candidate := filepath.Join(dir, base)
		content, err := os.ReadFile(candidate)
		if err == nil {
			return string(content), nil
		}
		if !os.IsNotExist(err) {
			return "", errors.Wrapf(err, "failed to read prompt override %s", candidate)
		}
	}
	content, err := fs.ReadFile(TemplateFS, path)
	if err != nil {
		return "", errors.Wrapf(err, "failed to read embedded prompt template %s", path)
	}
	return string(content), nil
}

func collectTemplatePaths(templateFS fs.FS, dir string) ([]string, error) {
	var paths []string
	err := fs.WalkDir(templateFS, dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".tmpl") {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return paths, nil
}
