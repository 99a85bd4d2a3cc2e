// Package state persists the graphics record that must survive a reboot:
// the committed mode, an outstanding pending mode, the discrete power flag
// and the markers used to detect an interrupted transition.
//
// Writes go to a temporary file that is fsynced and renamed into place, and
// the parent directory is fsynced afterwards, so a reader after a crash sees
// either the previous record or the new one.
package state

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/spf13/afero"
)

// FormatVersion is written into every record.
const FormatVersion = 1

// ErrCorrupt is returned by Load for a record that parses but holds values
// this daemon cannot interpret.
var ErrCorrupt = errors.New("corrupt graphics state")

// InFlight marks a transition that has started but not concluded.
type InFlight struct {
	TxnID     string    `json:"txn_id"`
	Target    Mode      `json:"target"`
	Step      string    `json:"step,omitempty"`
	StartedAt time.Time `json:"started_at"`
}

// Inconsistent marks a transition whose compensation failed.
type Inconsistent struct {
	Step  string    `json:"step"`
	Error string    `json:"error"`
	At    time.Time `json:"at"`
}

// Graphics is the persisted record. Unknown JSON fields are ignored on load
// so a newer daemon's record can be read across a downgrade.
type Graphics struct {
	Version       int           `json:"version"`
	Current       Mode          `json:"current_mode"`
	Pending       Mode          `json:"pending_mode,omitempty"`
	PendingBootID string        `json:"pending_boot_id,omitempty"`
	DiscretePower Power         `json:"discrete_power"`
	InFlight      *InFlight     `json:"in_flight,omitempty"`
	Inconsistent  *Inconsistent `json:"inconsistent,omitempty"`
	UpdatedAt     time.Time     `json:"updated_at,omitzero"`
}

// HasPending reports whether a switch is waiting for a reboot.
func (g Graphics) HasPending() bool { return g.Pending != "" }

// Target returns the mode the system is heading to: the pending mode when
// one exists, the current mode otherwise.
func (g Graphics) Target() Mode {
	if g.HasPending() {
		return g.Pending
	}
	return g.Current
}

func (g Graphics) validate() error {
	if g.Current != "" && !g.Current.Valid() {
		return fmt.Errorf("%w: current mode %q", ErrCorrupt, g.Current)
	}
	if g.Pending != "" && !g.Pending.Valid() {
		return fmt.Errorf("%w: pending mode %q", ErrCorrupt, g.Pending)
	}
	switch g.DiscretePower {
	case "", PowerOn, PowerOff, PowerUnknown:
	default:
		return fmt.Errorf("%w: discrete power %q", ErrCorrupt, g.DiscretePower)
	}
	return nil
}

// Store reads and writes the record.
type Store struct {
	fs   afero.Fs
	path string
	now  func() time.Time
	mu   sync.Mutex
}

// NewStore creates a store for dir/graphics.json on fsys.
func NewStore(fsys afero.Fs, dir string) *Store {
	return &Store{
		fs:   fsys,
		path: filepath.Join(dir, "graphics.json"),
		now:  time.Now,
	}
}

// Path returns the record's location.
func (s *Store) Path() string { return s.path }

// Load reads the record. found is false when no record exists yet.
func (s *Store) Load() (g Graphics, found bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := afero.ReadFile(s.fs, s.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Graphics{}, false, nil
		}
		return Graphics{}, false, fmt.Errorf("reading graphics state: %w", err)
	}

	if err := json.Unmarshal(data, &g); err != nil {
		return Graphics{}, true, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	if err := g.validate(); err != nil {
		return Graphics{}, true, err
	}
	if g.DiscretePower == "" {
		g.DiscretePower = PowerUnknown
	}
	return g, true, nil
}

// Save durably replaces the record.
func (s *Store) Save(g Graphics) error {
	if err := g.validate(); err != nil {
		return err
	}
	g.Version = FormatVersion
	g.UpdatedAt = s.now().UTC()

	data, err := json.MarshalIndent(g, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling graphics state: %w", err)
	}
	data = append(data, '\n')

	s.mu.Lock()
	defer s.mu.Unlock()
	return WriteDurable(s.fs, s.path, data, 0o644)
}

// WriteDurable writes data to path via tmp+fsync+rename and syncs the
// parent directory when the filesystem allows it.
func WriteDurable(fsys afero.Fs, path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	if err := fsys.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}

	tmp := path + ".tmp"
	f, err := fsys.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return fmt.Errorf("creating temporary file: %w", err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		fsys.Remove(tmp)
		return fmt.Errorf("writing temporary file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		fsys.Remove(tmp)
		return fmt.Errorf("syncing temporary file: %w", err)
	}
	if err := f.Close(); err != nil {
		fsys.Remove(tmp)
		return fmt.Errorf("closing temporary file: %w", err)
	}
	if err := fsys.Rename(tmp, path); err != nil {
		fsys.Remove(tmp)
		return fmt.Errorf("renaming %s into place: %w", path, err)
	}

	if d, err := fsys.Open(dir); err == nil {
		d.Sync()
		d.Close()
	}
	return nil
}
