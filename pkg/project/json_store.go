package project

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// JSONStore keeps one <name>.json file per project under a base directory.
// Writes go through a temp file plus rename so a crash never leaves a
// half-written project behind.
type JSONStore struct {
	baseDir string
}

// DefaultBaseDir returns the default JSON project directory.
func DefaultBaseDir() (string, error) {
	if basePath := os.Getenv("RESVIZ_BASE_PATH"); basePath != "" {
		return filepath.Join(basePath, "projects"), nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", errors.Wrap(err, "failed to get home directory")
	}
	return filepath.Join(home, ".resviz", "projects"), nil
}

// NewJSONStore creates the base directory if needed. An empty baseDir uses
// the default location.
func NewJSONStore(baseDir string) (*JSONStore, error) {
	if baseDir == "" {
		var err error
		baseDir, err = DefaultBaseDir()
		if err != nil {
			return nil, err
		}
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "failed to create project directory")
	}
	return &JSONStore{baseDir: baseDir}, nil
}

// validateName rejects names that would escape the base directory.
func validateName(name string) error {
	if name == "" {
		return errors.New("工程名称不能为空")
	}
	if strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return errors.Errorf("非法的工程名称: %s", name)
	}
	return nil
}

func (s *JSONStore) path(name string) string {
	return filepath.Join(s.baseDir, name+".json")
}

// Save writes the record atomically.
func (s *JSONStore) Save(rec *Record) error {
	if err := validateName(rec.ProjectName); err != nil {
		return err
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return errors.Wrap(err, "failed to serialize project")
	}

	tmp, err := os.CreateTemp(s.baseDir, ".project-*.tmp")
	if err != nil {
		return errors.Wrap(err, "failed to create temp file")
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return errors.Wrap(err, "failed to write project file")
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "failed to close project file")
	}
	if err := os.Rename(tmpName, s.path(rec.ProjectName)); err != nil {
		os.Remove(tmpName)
		return errors.Wrap(err, "failed to replace project file")
	}
	return nil
}

// Load reads one project by name.
func (s *JSONStore) Load(name string) (*Record, error) {
	if err := validateName(name); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, errors.Wrap(ErrProjectNotFound, name)
		}
		return nil, errors.Wrap(err, "failed to read project file")
	}
	rec := &Record{}
	if err := json.Unmarshal(data, rec); err != nil {
		return nil, errors.Wrapf(err, "failed to parse project file %s", name)
	}
	return rec, nil
}

// List returns all stored projects, most recently updated first. Unreadable
// files are skipped rather than failing the whole listing.
func (s *JSONStore) List() ([]Summary, error) {
	entries, err := os.ReadDir(s.baseDir)
	if err != nil {
		return nil, errors.Wrap(err, "failed to read project directory")
	}

	summaries := []Summary{}
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		name := strings.TrimSuffix(entry.Name(), ".json")
		rec, err := s.Load(name)
		if err != nil {
			continue
		}
		summaries = append(summaries, Summary{
			ProjectName: rec.ProjectName,
			CreatedAt:   rec.CreatedAt,
			UpdatedAt:   rec.UpdatedAt,
			Path:        s.path(name),
		})
	}
	sort.Slice(summaries, func(i, j int) bool {
		return summaries[i].UpdatedAt.After(summaries[j].UpdatedAt)
	})
	return summaries, nil
}

// Delete removes a stored project.
func (s *JSONStore) Delete(name string) error {
	if err := validateName(name); err != nil {
		return err
	}
	if err := os.Remove(s.path(name)); err != nil {
		if os.IsNotExist(err) {
			return errors.Wrap(ErrProjectNotFound, name)
		}
		return errors.Wrap(err, "failed to delete project file")
	}
	return nil
}

// Exists reports whether a project file is present.
func (s *JSONStore) Exists(name string) bool {
	if validateName(name) != nil {
		return false
	}
	_, err := os.Stat(s.path(name))
	return err == nil
}
