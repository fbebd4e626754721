package scheduler

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"

	"github.com/bigdegenenergy/open-cloud-ops/nocturne/pkg/models"
)

// TaskFile persists task definitions as a JSON document. Writes are
// atomic: the document goes to a temp file, is re-read and verified, then
// renamed over the primary; the previous primary becomes a rolling backup
// used for recovery when the primary is corrupted.
type TaskFile struct {
	path string
}

// NewTaskFile creates a TaskFile at the given path, creating the parent
// directory if needed.
func NewTaskFile(path string) (*TaskFile, error) {
	if path == "" {
		return nil, fmt.Errorf("scheduler: task file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("scheduler: create task file directory: %w", err)
	}
	return &TaskFile{path: path}, nil
}

func (f *TaskFile) backupPath() string {
	return f.path + ".bak"
}

// Save writes the task list atomically and rolls the previous document to
// the backup file.
func (f *TaskFile) Save(tasks []models.Task) error {
	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return fmt.Errorf("scheduler: marshal tasks: %w", err)
	}

	dir := filepath.Dir(f.path)
	tmp, err := os.CreateTemp(dir, ".nocturne-tasks-*")
	if err != nil {
		return fmt.Errorf("scheduler: create temp task file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("scheduler: write temp task file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("scheduler: close temp task file: %w", err)
	}

	// Verify the document parses before it replaces the primary.
	written, err := os.ReadFile(tmpPath)
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("scheduler: verify temp task file: %w", err)
	}
	var check []models.Task
	if err := json.Unmarshal(written, &check); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("scheduler: temp task file failed verification: %w", err)
	}

	// Roll the current primary to the backup before replacing it.
	if _, err := os.Stat(f.path); err == nil {
		if current, readErr := os.ReadFile(f.path); readErr == nil {
			if writeErr := os.WriteFile(f.backupPath(), current, 0644); writeErr != nil {
				log.Printf("scheduler: warning: failed to roll task backup: %v", writeErr)
			}
		}
	}

	if err := os.Rename(tmpPath, f.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("scheduler: replace task file: %w", err)
	}
	return nil
}

// Load reads the task list from the primary document, falling back to the
// rolling backup when the primary is missing or corrupted. A missing store
// altogether returns an empty list.
func (f *TaskFile) Load() ([]models.Task, error) {
	tasks, err := f.loadFrom(f.path)
	if err == nil {
		return tasks, nil
	}
	if os.IsNotExist(err) && !fileExists(f.backupPath()) {
		return nil, nil
	}

	log.Printf("scheduler: warning: primary task file unreadable (%v), trying backup", err)
	tasks, backupErr := f.loadFrom(f.backupPath())
	if backupErr != nil {
		return nil, fmt.Errorf("scheduler: task file and backup both unreadable: %w", backupErr)
	}
	return tasks, nil
}

func (f *TaskFile) loadFrom(path string) ([]models.Task, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var tasks []models.Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return tasks, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
