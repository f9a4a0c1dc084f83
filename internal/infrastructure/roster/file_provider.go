package roster

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/garyjia/clinic-workflow/internal/domain/entity"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// rosterFile is the on-disk layout of the staff roster
type rosterFile struct {
	Doctors []entity.Doctor `yaml:"doctors"`
}

// FileProvider serves the staff roster from a YAML file.
// The file is re-read on every call so edits take effect without a restart.
type FileProvider struct {
	path   string
	logger *zap.Logger
}

// NewFileProvider creates a roster provider backed by path
func NewFileProvider(path string, logger *zap.Logger) *FileProvider {
	return &FileProvider{path: path, logger: logger}
}

// Doctors loads the current roster snapshot
func (p *FileProvider) Doctors(ctx context.Context) ([]entity.Doctor, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(p.path)
	if err != nil {
		return nil, fmt.Errorf("failed to read roster file: %w", err)
	}

	doctors, err := Parse(data)
	if err != nil {
		p.logger.Error("Invalid roster file", zap.String("path", p.path), zap.Error(err))
		return nil, err
	}
	return doctors, nil
}

// Parse decodes a roster document and trims identifiers
func Parse(data []byte) ([]entity.Doctor, error) {
	var file rosterFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to unmarshal roster: %w", err)
	}

	seen := make(map[string]struct{}, len(file.Doctors))
	doctors := make([]entity.Doctor, 0, len(file.Doctors))
	for i, d := range file.Doctors {
		d.ID = strings.TrimSpace(d.ID)
		if d.ID == "" {
			return nil, fmt.Errorf("roster entry %d has no id", i)
		}
		if _, dup := seen[d.ID]; dup {
			return nil, fmt.Errorf("duplicate roster id %q", d.ID)
		}
		seen[d.ID] = struct{}{}
		doctors = append(doctors, d)
	}
	return doctors, nil
}

// Static is a fixed in-memory roster, used when no roster file is configured
type Static []entity.Doctor

// Doctors returns a copy of the static roster
func (s Static) Doctors(ctx context.Context) ([]entity.Doctor, error) {
	out := make([]entity.Doctor, len(s))
	copy(out, s)
	return out, nil
}
