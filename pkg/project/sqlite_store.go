package project

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/pkg/errors"

	"github.com/resviz/resviz/pkg/db"
)

// Migrations returns the schema migrations for the projects table.
func Migrations() []db.Migration {
	return []db.Migration{
		{
			Version:     20260301120000,
			Description: "Create projects table",
			Up: func(tx *sql.Tx) error {
				if _, err := tx.Exec(`
					CREATE TABLE IF NOT EXISTS projects (
						name TEXT PRIMARY KEY,
						created_at TEXT NOT NULL,
						updated_at TEXT NOT NULL,
						data TEXT NOT NULL
					)
				`); err != nil {
					return errors.Wrap(err, "failed to create projects table")
				}
				if _, err := tx.Exec(`
					CREATE INDEX IF NOT EXISTS idx_projects_updated_at
					ON projects(updated_at)
				`); err != nil {
					return errors.Wrap(err, "failed to create updated_at index")
				}
				return nil
			},
			Down: func(tx *sql.Tx) error {
				_, err := tx.Exec("DROP TABLE IF EXISTS projects")
				return errors.Wrap(err, "failed to drop projects table")
			},
		},
	}
}

// SQLiteStore keeps all projects in one SQLite database, one row per project
// with the serialized record as a JSON column.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore opens (or creates) the database and applies the projects
// migrations. An empty dbPath uses the default storage location.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	if dbPath == "" {
		var err error
		dbPath, err = db.DefaultDBPath()
		if err != nil {
			return nil, err
		}
	}
	sqlDB, err := db.Open(ctx, dbPath)
	if err != nil {
		return nil, err
	}
	runner := db.NewMigrationRunner(sqlDB)
	if err := runner.Run(ctx, Migrations()); err != nil {
		sqlDB.Close()
		return nil, err
	}
	return &SQLiteStore{db: sqlDB}, nil
}

// Close releases the database handle.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Save upserts the record.
func (s *SQLiteStore) Save(rec *Record) error {
	if err := validateName(rec.ProjectName); err != nil {
		return err
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "failed to serialize project")
	}
	_, err = s.db.Exec(`
		INSERT INTO projects (name, created_at, updated_at, data)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			updated_at = excluded.updated_at,
			data = excluded.data
	`, rec.ProjectName, formatTime(rec.CreatedAt), formatTime(rec.UpdatedAt), string(data))
	return errors.Wrap(err, "failed to save project")
}

// Load reads one project by name.
func (s *SQLiteStore) Load(name string) (*Record, error) {
	var data string
	err := s.db.Get(&data, "SELECT data FROM projects WHERE name = ?", name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrap(ErrProjectNotFound, name)
	}
	if err != nil {
		return nil, errors.Wrap(err, "failed to load project")
	}
	rec := &Record{}
	if err := json.Unmarshal([]byte(data), rec); err != nil {
		return nil, errors.Wrapf(err, "failed to parse project %s", name)
	}
	return rec, nil
}

// List returns all stored projects, most recently updated first.
func (s *SQLiteStore) List() ([]Summary, error) {
	rows := []struct {
		Name      string `db:"name"`
		CreatedAt string `db:"created_at"`
		UpdatedAt string `db:"updated_at"`
	}{}
	err := s.db.Select(&rows, `
		SELECT name, created_at, updated_at FROM projects
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, errors.Wrap(err, "failed to list projects")
	}

	summaries := make([]Summary, 0, len(rows))
	for _, row := range rows {
		summaries = append(summaries, Summary{
			ProjectName: row.Name,
			CreatedAt:   parseTime(row.CreatedAt),
			UpdatedAt:   parseTime(row.UpdatedAt),
		})
	}
	return summaries, nil
}

// Delete removes a stored project.
func (s *SQLiteStore) Delete(name string) error {
	result, err := s.db.Exec("DELETE FROM projects WHERE name = ?", name)
	if err != nil {
		return errors.Wrap(err, "failed to delete project")
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "failed to check deleted rows")
	}
	if affected == 0 {
		return errors.Wrap(ErrProjectNotFound, name)
	}
	return nil
}

// Exists reports whether a project row is present.
func (s *SQLiteStore) Exists(name string) bool {
	var count int
	if err := s.db.Get(&count, "SELECT COUNT(*) FROM projects WHERE name = ?", name); err != nil {
		return false
	}
	return count > 0
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}
