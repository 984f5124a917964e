// ============================================================================
// FEP Timing - Schedule Snapshot
// ============================================================================
//
// Package: internal/snapshot
// File: snapshot.go
// Purpose: Persists the schedule the timing master resolved at start so that
//          operators can inspect it after the fact (fep-participant schedule,
//          GET /api/schedule).
//
// Write path:
//   marshal → <path>.tmp → rename onto <path>
//   A reader sees either the previous or the new snapshot, never a torn one.
//
// ============================================================================

package snapshot

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/audi/fep-participant-sub001/internal/schedule"
	"github.com/audi/fep-participant-sub001/pkg/types"
)

// SchemaVersion of the snapshot file.
const SchemaVersion = 1

var (
	ErrCorruptedSnapshot   = errors.New("snapshot file is corrupted")
	ErrIncompatibleVersion = errors.New("snapshot schema version is incompatible")
	ErrSnapshotNotFound    = errors.New("snapshot file not found")
)

// Schedule is the persisted form of a resolved schedule.
type Schedule struct {
	SchemaVer   int                    `json:"schema_version"`
	Master      string                 `json:"master"`
	TriggerMode types.TriggerMode      `json:"trigger_mode"`
	CycleTime   int64                  `json:"cycle_time_us"`
	Steps       []types.ScheduleConfig `json:"steps"`
	Slots       []schedule.Slot        `json:"slots"`
	WrittenAt   time.Time              `json:"written_at"`
}

// Manager reads and writes one snapshot file.
type Manager struct {
	path string
	mu   sync.Mutex
}

func NewManager(path string) *Manager {
	return &Manager{path: path}
}

// Write stores s atomically. Steps are sorted by uuid.
func (m *Manager) Write(s Schedule) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s.SchemaVer = SchemaVersion
	if s.WrittenAt.IsZero() {
		s.WrittenAt = time.Now().UTC()
	}
	steps := append([]types.ScheduleConfig(nil), s.Steps...)
	sort.Slice(steps, func(i, j int) bool { return steps[i].UUID < steps[j].UUID })
	s.Steps = steps

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if dir := filepath.Dir(m.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create snapshot directory: %w", err)
		}
	}
	tmpPath := m.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write temp snapshot: %w", err)
	}
	if err := os.Rename(tmpPath, m.path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename snapshot: %w", err)
	}
	return nil
}

// Load reads the snapshot. A missing file returns ErrSnapshotNotFound.
func (m *Manager) Load() (Schedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var s Schedule
	data, err := os.ReadFile(m.path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, fmt.Errorf("%w: %s", ErrSnapshotNotFound, m.path)
		}
		return s, fmt.Errorf("failed to read snapshot: %w", err)
	}
	if err := json.Unmarshal(data, &s); err != nil {
		return s, fmt.Errorf("%w: %v", ErrCorruptedSnapshot, err)
	}
	if s.SchemaVer != SchemaVersion {
		return s, fmt.Errorf("%w: got %d, want %d", ErrIncompatibleVersion, s.SchemaVer, SchemaVersion)
	}
	return s, nil
}

func (m *Manager) Exists() bool {
	_, err := os.Stat(m.path)
	return err == nil
}

func (m *Manager) Path() string {
	return m.path
}
