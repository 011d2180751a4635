// Package identity persists the agent identifier the control plane uses to
// recognise repeat claims from the same worker.
package identity

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// FileName is the name of the identity file inside the agent data directory
const FileName = "agent_id"

// ErrNotFound is returned by Load when no identity has been stored yet
var ErrNotFound = errors.New("agent identity not found")

// Identity is the stable identifier of this agent
type Identity string

func (i Identity) String() string { return string(i) }

// LoadOrCreate reads the identity stored at path, generating and persisting a
// new one if the file does not exist yet. An explicit override wins over the
// stored value and is written back so later restarts keep it.
func LoadOrCreate(path, override string) (Identity, bool, error) {
	if override = strings.TrimSpace(override); override != "" {
		if err := write(path, override); err != nil {
			return "", false, err
		}
		return Identity(override), false, nil
	}

	stored, err := Load(path)
	switch {
	case err == nil:
		return stored, false, nil
	case !errors.Is(err, ErrNotFound):
		return "", false, err
	}

	id := "agent-" + uuid.New().String()
	if err := write(path, id); err != nil {
		return "", false, err
	}
	return Identity(id), true, nil
}

// Load reads the identity stored at path without creating one. A missing
// or empty file returns ErrNotFound.
func Load(path string) (Identity, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to read agent identity: %w", err)
	}
	id := strings.TrimSpace(string(data))
	if id == "" {
		return "", ErrNotFound
	}
	return Identity(id), nil
}

// write stores the identity atomically via a temp file and rename
func write(path, id string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create identity directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".agent_id-*")
	if err != nil {
		return fmt.Errorf("failed to create identity file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.WriteString(id + "\n"); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write agent identity: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write agent identity: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to persist agent identity: %w", err)
	}
	return nil
}
