// Package definitions loads workflow definitions from a directory of YAML or JSON files and
// keeps the stored definitions in step with them.
package definitions

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/dukex/autoflow/pkg/models"
	"github.com/dukex/autoflow/pkg/persistence"
	"github.com/dukex/autoflow/pkg/workflow"
	"gopkg.in/yaml.v3"
)

var patterns = []string{"*.yaml", "*.yml", "*.json"}

// File is one decoded definition and the file it came from.
type File struct {
	Name       string
	Definition *models.WorkflowDefinition
}

// Load reads every definition file in dir.
func Load(dir string) ([]File, error) {
	return LoadFS(os.DirFS(strings.TrimPrefix(dir, "file://")))
}

// LoadFS reads every *.yaml, *.yml and *.json file at the root of fsys, sorted by name.
// A definition without an id takes the file name without its extension.
func LoadFS(fsys fs.FS) ([]File, error) {
	names := make([]string, 0)

	for _, pattern := range patterns {
		matches, err := fs.Glob(fsys, pattern)
		if err != nil {
			return nil, fmt.Errorf("failed to list definition files: %w", err)
		}

		names = append(names, matches...)
	}

	sort.Strings(names)

	files := make([]File, 0, len(names))
	seen := make(map[string]string, len(names))

	for _, name := range names {
		data, err := fs.ReadFile(fsys, name)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", name, err)
		}

		def, err := Decode(data)
		if err != nil {
			return nil, fmt.Errorf("failed to decode %s: %w", name, err)
		}

		if def.ID == "" {
			def.ID = strings.TrimSuffix(name, path.Ext(name))
		}

		if other, dup := seen[def.ID]; dup {
			return nil, fmt.Errorf("workflow %s is defined in both %s and %s", def.ID, other, name)
		}

		seen[def.ID] = name

		files = append(files, File{Name: name, Definition: def})
	}

	return files, nil
}

// Decode parses one definition document. YAML is a superset of JSON, so both are accepted.
// Definitions are active unless the document says otherwise.
func Decode(data []byte) (*models.WorkflowDefinition, error) {
	def := &models.WorkflowDefinition{Active: true}

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	if err := decoder.Decode(def); err != nil {
		return nil, err
	}

	return def, nil
}

// Validate checks every file as a registration would. Sub-workflow references resolve
// against the loaded set. All failures are returned together, prefixed by file name.
func Validate(ctx context.Context, files []File, maxDepth int) error {
	byID := make(map[string]*models.WorkflowDefinition, len(files))
	for _, f := range files {
		byID[f.Definition.ID] = f.Definition
	}

	lookup := func(_ context.Context, id string) (*models.WorkflowDefinition, error) {
		return byID[id], nil
	}

	var errs []error

	for _, f := range files {
		f.Definition.MarkParallel()

		if err := workflow.ValidateDefinition(ctx, f.Definition, lookup, maxDepth); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f.Name, err))
		}
	}

	return errors.Join(errs...)
}

// Service is the part of the workflow service Sync drives.
type Service interface {
	FetchByID(ctx context.Context, id string) (*models.WorkflowDefinition, error)
	Create(ctx context.Context, def *models.WorkflowDefinition) (*models.WorkflowDefinition, error)
	Update(ctx context.Context, workflowID string, def *models.WorkflowDefinition) (*models.WorkflowDefinition, error)
	SetActive(ctx context.Context, workflowID string, active bool) (*models.WorkflowDefinition, error)
}

// Result counts what Sync did.
type Result struct {
	Created   int
	Updated   int
	Unchanged int
}

// Sync stores every file through svc. Unknown workflows are created, changed ones get a new
// version, and identical ones are left alone so restarts do not bump versions.
func Sync(ctx context.Context, svc Service, files []File, logger *slog.Logger) (Result, error) {
	var result Result

	for _, f := range files {
		def := f.Definition
		active := def.Active
		logger := logger.With("workflow_id", def.ID, "file", f.Name)

		existing, err := svc.FetchByID(ctx, def.ID)

		switch {
		case persistence.IsWorkflowNotFound(err):
			if _, err := svc.Create(ctx, def); err != nil {
				return result, fmt.Errorf("%s: %w", f.Name, err)
			}

			logger.InfoContext(ctx, "Workflow created from definition file")

			result.Created++

			continue

		case err != nil:
			return result, fmt.Errorf("%s: %w", f.Name, err)
		}

		same, err := sameContent(existing, def)
		if err != nil {
			return result, fmt.Errorf("%s: %w", f.Name, err)
		}

		if same {
			result.Unchanged++
		} else {
			updated, err := svc.Update(ctx, def.ID, def)
			if err != nil {
				return result, fmt.Errorf("%s: %w", f.Name, err)
			}

			logger.InfoContext(ctx, "Workflow updated from definition file", "version", updated.Version)

			result.Updated++
		}

		// Update keeps the stored flag, so the file's flag is applied on its own.
		if existing.Active != active {
			if _, err := svc.SetActive(ctx, def.ID, active); err != nil {
				return result, fmt.Errorf("%s: %w", f.Name, err)
			}
		}
	}

	return result, nil
}

// sameContent compares two definitions ignoring bookkeeping fields. JSON is used so that
// numbers read back from storage compare equal to the ones decoded from YAML.
func sameContent(a, b *models.WorkflowDefinition) (bool, error) {
	left, err := contentJSON(a)
	if err != nil {
		return false, err
	}

	right, err := contentJSON(b)
	if err != nil {
		return false, err
	}

	return bytes.Equal(left, right), nil
}

func contentJSON(def *models.WorkflowDefinition) ([]byte, error) {
	def.MarkParallel()

	c := *def
	c.Version = 0
	c.Active = false
	c.CreatedAt = time.Time{}
	c.UpdatedAt = time.Time{}

	return json.Marshal(c)
}
