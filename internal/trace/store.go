// ============================================================================
// FEP Trace - Step Trace Store
// ============================================================================
//
// Package: internal/trace
// File: store.go
// Purpose: Records the timing events of a participant into a SQLite
//          database for offline analysis.
//
// Tables:
//   runs        one row per Store, keyed by an xid run id
//   ticks       ticks sent (master) and received (client)
//   acks        acknowledgements seen by the master
//   steps       executed steps with their wall clock runtime
//   violations  runtime and trigger violations
//   schedules   resolved schedule map sizes
//
// Writes are buffered and flushed in one transaction per batch. Flush also
// runs on process exit.
//
// ============================================================================

package trace

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/xid"
	"github.com/tebeka/atexit"
	_ "modernc.org/sqlite"

	"github.com/audi/fep-participant-sub001/pkg/types"
)

// DefaultBatchSize is the number of buffered events that triggers a flush.
const DefaultBatchSize = 1024

// ErrClosed is returned by queries on a closed store.
var ErrClosed = errors.New("trace store is closed")

const schema = `
CREATE TABLE IF NOT EXISTS runs (
	id          TEXT PRIMARY KEY,
	participant TEXT NOT NULL,
	started_at  DATETIME NOT NULL
);
CREATE TABLE IF NOT EXISTS ticks (
	run_id        TEXT NOT NULL,
	direction     TEXT NOT NULL,
	tick_time     INTEGER NOT NULL,
	sim_time_step INTEGER NOT NULL,
	recorded_at   INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS acks (
	run_id           TEXT NOT NULL,
	uuid             TEXT NOT NULL,
	operational_time INTEGER NOT NULL,
	curr_sim_time    INTEGER NOT NULL,
	recorded_at      INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS steps (
	run_id     TEXT NOT NULL,
	step       TEXT NOT NULL,
	sim_time   INTEGER NOT NULL,
	runtime_us INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS steps_by_name ON steps (run_id, step);
CREATE TABLE IF NOT EXISTS violations (
	run_id      TEXT NOT NULL,
	step        TEXT NOT NULL,
	kind        TEXT NOT NULL,
	recorded_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS schedules (
	run_id      TEXT NOT NULL,
	slots       INTEGER NOT NULL,
	cycle_us    INTEGER NOT NULL,
	recorded_at INTEGER NOT NULL
);`

type event struct {
	query string
	args  []any
}

// Store is a trace recorder backed by SQLite. It implements the timing
// observer interface.
type Store struct {
	db     *sql.DB
	path   string
	runID  string
	logger *slog.Logger

	mu        sync.Mutex
	pending   []event
	batchSize int
	closed    bool
	readOnly  bool
}

// DefaultPath returns a fresh database name in dir.
func DefaultPath(dir string) string {
	return filepath.Join(dir, "fep_trace_"+xid.New().String()+".sqlite3")
}

// Open creates or opens the trace database at path and starts a new run
// for participant. An empty path picks DefaultPath in the working
// directory.
func Open(path, participant string) (*Store, error) {
	if path == "" {
		path = DefaultPath(".")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create trace directory: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open trace db: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate trace db: %w", err)
	}

	s := &Store{
		db:        db,
		path:      path,
		runID:     xid.New().String(),
		batchSize: DefaultBatchSize,
		logger:    slog.With("component", "trace", "path", path),
	}
	if _, err := db.Exec(`INSERT INTO runs (id, participant, started_at) VALUES (?, ?, ?)`,
		s.runID, participant, time.Now().UTC()); err != nil {
		db.Close()
		return nil, fmt.Errorf("register trace run: %w", err)
	}

	atexit.Register(func() {
		if err := s.Flush(); err != nil && !errors.Is(err, ErrClosed) {
			s.logger.Warn("trace flush at exit failed", "error", err)
		}
	})
	s.logger.Info("trace run started", "run_id", s.runID)
	return s, nil
}

// OpenExisting opens a database written by another process for queries
// only. No run is registered; recording methods are no-ops.
func OpenExisting(path string) (*Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open trace db: %w", err)
	}
	db, err := sql.Open("sqlite", path+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open trace db: %w", err)
	}
	db.SetMaxOpenConns(1)
	return &Store{
		db:        db,
		path:      path,
		batchSize: DefaultBatchSize,
		readOnly:  true,
		logger:    slog.With("component", "trace", "path", path),
	}, nil
}

// Path returns the database file.
func (s *Store) Path() string { return s.path }

// RunID returns the id of the current run.
func (s *Store) RunID() string { return s.runID }

// SetBatchSize changes the flush threshold; n<1 flushes every event.
func (s *Store) SetBatchSize(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n < 1 {
		n = 1
	}
	s.batchSize = n
}

func (s *Store) record(query string, args ...any) {
	s.mu.Lock()
	if s.closed || s.readOnly {
		s.mu.Unlock()
		return
	}
	s.pending = append(s.pending, event{query: query, args: append([]any{s.runID}, args...)})
	full := len(s.pending) >= s.batchSize
	s.mu.Unlock()

	if full {
		if err := s.Flush(); err != nil {
			s.logger.Warn("trace flush failed", "error", err)
		}
	}
}

// Flush writes every buffered event in one transaction.
func (s *Store) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	return s.flushLocked()
}

func (s *Store) flushLocked() error {
	if len(s.pending) == 0 {
		return nil
	}
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin trace batch: %w", err)
	}
	for _, ev := range s.pending {
		if _, err := tx.Exec(ev.query, ev.args...); err != nil {
			tx.Rollback()
			return fmt.Errorf("write trace event: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit trace batch: %w", err)
	}
	s.pending = s.pending[:0]
	return nil
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	err := s.flushLocked()
	s.closed = true
	if cerr := s.db.Close(); err == nil {
		err = cerr
	}
	return err
}

func now() int64 { return time.Now().UnixMicro() }

func (s *Store) StepExecuted(step string, simTime int64, runtime time.Duration) {
	s.record(`INSERT INTO steps (run_id, step, sim_time, runtime_us) VALUES (?, ?, ?, ?)`,
		step, simTime, runtime.Microseconds())
}

func (s *Store) StepViolation(step, kind string) {
	s.record(`INSERT INTO violations (run_id, step, kind, recorded_at) VALUES (?, ?, ?, ?)`, step, kind, now())
}

func (s *Store) TickSent(tick types.TriggerTick) {
	s.record(`INSERT INTO ticks (run_id, direction, tick_time, sim_time_step, recorded_at) VALUES (?, 'sent', ?, ?, ?)`,
		tick.CurrentTime, tick.SimTimeStep, now())
}

func (s *Store) TickReceived(tick types.TriggerTick) {
	s.record(`INSERT INTO ticks (run_id, direction, tick_time, sim_time_step, recorded_at) VALUES (?, 'received', ?, ?, ?)`,
		tick.CurrentTime, tick.SimTimeStep, now())
}

func (s *Store) AckReceived(ack types.TriggerAck) {
	s.record(`INSERT INTO acks (run_id, uuid, operational_time, curr_sim_time, recorded_at) VALUES (?, ?, ?, ?, ?)`,
		ack.UUID, ack.OperationalTime, ack.CurrSimTime, now())
}

func (s *Store) ScheduleConfigured(slots int, cycleTime int64) {
	s.record(`INSERT INTO schedules (run_id, slots, cycle_us, recorded_at) VALUES (?, ?, ?, ?)`, slots, cycleTime, now())
}
