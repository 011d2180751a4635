// Package checkpoint manages checkpoint directories on local disk and the
// durable index of each job's latest checkpoint.
package checkpoint

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// ManifestFile is written into every checkpoint directory
const ManifestFile = "manifest.yaml"

// ErrNotFound is returned when no checkpoint exists for a job or path
var ErrNotFound = errors.New("checkpoint not found")

// Manifest describes the contents of one checkpoint directory
type Manifest struct {
	JobID     string            `yaml:"job_id"`
	Step      int               `yaml:"step"`
	Epoch     int               `yaml:"epoch"`
	Trainer   string            `yaml:"trainer,omitempty"`
	CreatedAt time.Time         `yaml:"created_at"`
	State     map[string]string `yaml:"state,omitempty"`
}

// Dir returns the checkpoint directory for a job at a step
func Dir(root, jobID string, step int) string {
	return StepDir(filepath.Join(root, jobID), step)
}

// StepDir returns the checkpoint directory for a step inside a job's
// checkpoint directory
func StepDir(jobDir string, step int) string {
	return filepath.Join(jobDir, fmt.Sprintf("step-%d", step))
}

// WriteManifest creates dir and writes the manifest into it
func WriteManifest(dir string, m Manifest) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint dir: %w", err)
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}

	data, err := yaml.Marshal(&m)
	if err != nil {
		return fmt.Errorf("failed to marshal manifest: %w", err)
	}

	path := filepath.Join(dir, ManifestFile)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	return nil
}

// ReadManifest reads the manifest of a checkpoint directory
func ReadManifest(dir string) (Manifest, error) {
	data, err := os.ReadFile(filepath.Join(dir, ManifestFile))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Manifest{}, fmt.Errorf("%w: %s", ErrNotFound, dir)
		}
		return Manifest{}, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("failed to parse manifest %s: %w", dir, err)
	}
	return m, nil
}

// Exists reports whether path names an existing checkpoint. Trainers are free
// to write a single file or a directory; only existence is checked.
func Exists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}
