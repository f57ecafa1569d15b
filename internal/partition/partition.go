// Package partition narrows a working image directory down to the images a
// reconstruction actually registered.
package partition

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"

	"sfmsweep/internal/fsutil"
	"sfmsweep/internal/logging"
)

// ErrMismatch reports registered names found in neither store.
var ErrMismatch = errors.New("registered image not found in working or backup store")

// Store is a flat, name-addressed image directory.
type Store struct {
	Root string
}

// NewStore returns a handle on dir.
func NewStore(dir string) Store { return Store{Root: dir} }

// Names lists the images currently in the store.
func (s Store) Names() ([]string, error) { return fsutil.ListImages(s.Root) }

// Has reports whether name is present.
func (s Store) Has(name string) bool { return fsutil.Exists(s.Path(name)) }

// Path is the location of name inside the store.
func (s Store) Path(name string) string { return filepath.Join(s.Root, name) }

// MoveTo transfers name into dst.
func (s Store) MoveTo(dst Store, name string) error {
	return fsutil.MoveFile(s.Path(name), dst.Path(name))
}

// Report counts what one partition pass did.
type Report struct {
	Parked   []string // moved from working to backup
	Restored []string // moved from backup to working
	Missing  []string // registered but present in neither store
}

// Changed reports whether the pass moved anything.
func (r Report) Changed() bool { return len(r.Parked)+len(r.Restored) > 0 }

// Mismatch returns an ErrMismatch naming the missing images, or nil.
func (r Report) Mismatch() error {
	if len(r.Missing) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrMismatch, strings.Join(r.Missing, ", "))
}

// Partition parks every working image that is not registered into backup,
// then pulls every registered image that sits in backup into working.
// Running it again on its own output changes nothing.
func Partition(work, backup Store, registered []string, logger *slog.Logger) (Report, error) {
	if logger == nil {
		logger = slog.Default()
	}
	keep := make(map[string]struct{}, len(registered))
	for _, name := range registered {
		keep[name] = struct{}{}
	}

	var rep Report
	current, err := work.Names()
	if err != nil {
		return rep, fmt.Errorf("list working images: %w", err)
	}
	for _, name := range current {
		if _, ok := keep[name]; ok {
			continue
		}
		if err := work.MoveTo(backup, name); err != nil {
			return rep, fmt.Errorf("park %s: %w", name, err)
		}
		rep.Parked = append(rep.Parked, name)
	}

	for _, name := range registered {
		if work.Has(name) {
			// The working copy is the one the reconstruction read.
			if backup.Has(name) {
				logger.Debug("Registered image also in backup, keeping working copy", "image", name)
			}
			continue
		}
		if backup.Has(name) {
			if err := backup.MoveTo(work, name); err != nil {
				return rep, fmt.Errorf("restore %s: %w", name, err)
			}
			rep.Restored = append(rep.Restored, name)
			continue
		}
		logger.Warn("Registered image missing", "image", name, "work", work.Root, "backup", backup.Root)
		rep.Missing = append(rep.Missing, name)
	}

	logging.LogPartition(logger, work.Root, len(rep.Parked), len(rep.Restored), len(rep.Missing))
	return rep, nil
}
