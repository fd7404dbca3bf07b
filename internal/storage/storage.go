// Package storage persists the engine's durable state as JSON files:
// the PDT ledger snapshot, session close snapshots for the gap guard,
// and emergency shutdown reports. Writes go through a temp file and an
// atomic rename so a crash never leaves a half-written document.
package storage

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/quarryhill/daytrader/internal/models"
	"github.com/quarryhill/daytrader/internal/pdt"
)

const (
	ledgerFile = "pdt_ledger.json"
	closesFile = "close_snapshots.json"
	reportsDir = "reports"
)

// Interface is the persistence surface the engine consumes.
type Interface interface {
	SaveLedger(snap pdt.Snapshot) error
	LoadLedger() (*pdt.Snapshot, error)
	SaveCloseSnapshots(snaps map[string]models.CloseSnapshot) error
	LoadCloseSnapshots() (map[string]models.CloseSnapshot, error)
	SaveShutdownReport(report *models.ShutdownReport) error
}

// Store is a directory-backed JSON store.
type Store struct {
	mu  sync.Mutex
	dir string
}

// Ensure Store implements Interface at compile time.
var _ Interface = (*Store)(nil)

// NewStore creates the storage directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	if err := os.MkdirAll(filepath.Join(dir, reportsDir), 0o755); err != nil {
		return nil, fmt.Errorf("create reports dir: %w", err)
	}
	return &Store{dir: dir}, nil
}

// writeJSON marshals v and atomically replaces the target file.
// Callers hold s.mu.
func (s *Store) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	target := filepath.Join(s.dir, name)
	tmp, err := os.CreateTemp(filepath.Dir(target), filepath.Base(name)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("rename %s into place: %w", name, err)
	}
	return nil
}

// readJSON unmarshals the named file into v. Returns os.ErrNotExist
// wrapped when the file does not exist yet.
func (s *Store) readJSON(name string, v any) error {
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	return nil
}

// SaveLedger persists the PDT ledger snapshot.
func (s *Store) SaveLedger(snap pdt.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(ledgerFile, snap)
}

// LoadLedger reads the persisted ledger snapshot; (nil, nil) when none
// has been written yet.
func (s *Store) LoadLedger() (*pdt.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var snap pdt.Snapshot
	if err := s.readJSON(ledgerFile, &snap); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return &snap, nil
}

// SaveCloseSnapshots persists the gap guard's close-price snapshots.
func (s *Store) SaveCloseSnapshots(snaps map[string]models.CloseSnapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(closesFile, snaps)
}

// LoadCloseSnapshots reads the persisted close snapshots; empty map
// when none exist.
func (s *Store) LoadCloseSnapshots() (map[string]models.CloseSnapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	snaps := make(map[string]models.CloseSnapshot)
	if err := s.readJSON(closesFile, &snaps); err != nil {
		if os.IsNotExist(err) {
			return snaps, nil
		}
		return nil, err
	}
	return snaps, nil
}

// SaveShutdownReport writes an emergency shutdown report under the
// reports directory, one timestamped file per event.
func (s *Store) SaveShutdownReport(report *models.ShutdownReport) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	name := filepath.Join(reportsDir,
		fmt.Sprintf("shutdown-%s.json", report.StartedAt.UTC().Format("20060102-150405")))
	return s.writeJSON(name, report)
}

// ListShutdownReports returns the stored report file names, oldest
// first.
func (s *Store) ListShutdownReports() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(filepath.Join(s.dir, reportsDir))
	if err != nil {
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if !e.IsDir() {
			names = append(names, e.Name())
		}
	}
	return names, nil
}

// LoadShutdownReport reads one stored report by file name.
func (s *Store) LoadShutdownReport(name string) (*models.ShutdownReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var report models.ShutdownReport
	if err := s.readJSON(filepath.Join(reportsDir, name), &report); err != nil {
		return nil, err
	}
	return &report, nil
}
