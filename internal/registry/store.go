// Package registry persists the unified task registry as a JSON file with
// atomic replace-on-write, so no reader ever observes a half-updated
// registry.
package registry

import (
	"fmt"

	"github.com/wardenhq/warden/internal/jsonfile"
	"github.com/wardenhq/warden/internal/model"
)

type Store struct {
	path      string
	wardenDir string
}

func NewStore(wardenDir, path string) *Store {
	return &Store{path: path, wardenDir: wardenDir}
}

func (s *Store) Path() string { return s.path }

// Load reads the registry. A missing file is an empty registry; a corrupt
// file is quarantined and restored from its .bak when possible, so one bad
// write never wedges every following cycle.
func (s *Store) Load() (*model.Registry, error) {
	var reg model.Registry
	err := jsonfile.Read(s.path, &reg)
	if err == nil {
		return &reg, nil
	}
	if jsonfile.IsNotExist(err) {
		return &model.Registry{}, nil
	}

	// Corrupt registry: quarantine the bad file, then try the backup.
	if _, qErr := jsonfile.Quarantine(s.wardenDir, s.path); qErr != nil {
		return nil, fmt.Errorf("registry unreadable and quarantine failed: %w", err)
	}
	if rErr := jsonfile.RestoreFromBackup(s.path); rErr != nil {
		return nil, fmt.Errorf("registry unreadable, no usable backup: %w", err)
	}
	if err := jsonfile.Read(s.path, &reg); err != nil {
		return nil, fmt.Errorf("registry unreadable after restore: %w", err)
	}
	return &reg, nil
}

func (s *Store) Save(reg *model.Registry) error {
	if err := jsonfile.AtomicWrite(s.path, reg); err != nil {
		return fmt.Errorf("write registry: %w", err)
	}
	return nil
}
