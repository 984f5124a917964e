package incident

import (
	"context"
	"log/slog"
	"sync"

	"github.com/audi/fep-participant-sub001/internal/storage/journal"
	"github.com/audi/fep-participant-sub001/pkg/types"
)

// LogStrategy writes every incident as one log record.
type LogStrategy struct {
	logger *slog.Logger
}

// NewLogStrategy logs through logger, or slog.Default when nil.
func NewLogStrategy(logger *slog.Logger) *LogStrategy {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogStrategy{logger: logger.With("component", "incident")}
}

func (s *LogStrategy) HandleIncident(inc Incident) error {
	level := slog.LevelInfo
	switch {
	case inc.Severity.IsCritical():
		level = slog.LevelError
	case inc.Severity == types.SeverityWarning:
		level = slog.LevelWarn
	}
	s.logger.Log(context.Background(), level, inc.Description,
		"code", int(inc.Code),
		"severity", inc.Severity.String(),
		"source", inc.Source,
		"origin", inc.Origin,
	)
	return nil
}

// History keeps the most recent incidents in memory.
type History struct {
	mu    sync.Mutex
	items []Incident
	next  int
	full  bool
}

// DefaultHistorySize matches the default backlog of the history strategy
// property.
const DefaultHistorySize = 500

// NewHistory creates a ring of the given capacity.
func NewHistory(capacity int) *History {
	if capacity <= 0 {
		capacity = DefaultHistorySize
	}
	return &History{items: make([]Incident, capacity)}
}

func (h *History) HandleIncident(inc Incident) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.items[h.next] = inc
	h.next = (h.next + 1) % len(h.items)
	if h.next == 0 {
		h.full = true
	}
	return nil
}

// All returns the stored incidents, oldest first.
func (h *History) All() []Incident {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.full {
		return append([]Incident(nil), h.items[:h.next]...)
	}
	out := make([]Incident, 0, len(h.items))
	out = append(out, h.items[h.next:]...)
	return append(out, h.items[:h.next]...)
}

// Last returns the newest incident.
func (h *History) Last() (Incident, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.full && h.next == 0 {
		return Incident{}, false
	}
	i := (h.next - 1 + len(h.items)) % len(h.items)
	return h.items[i], true
}

// Count returns how many stored incidents carry code.
func (h *History) Count(code types.IncidentCode) int {
	n := 0
	for _, inc := range h.All() {
		if inc.Code == code {
			n++
		}
	}
	return n
}

// Clear forgets every incident.
func (h *History) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for i := range h.items {
		h.items[i] = Incident{}
	}
	h.next, h.full = 0, false
}

// JournalStrategy persists incidents. Critical ones are flushed at once.
type JournalStrategy struct {
	j *journal.Journal
}

// NewJournalStrategy writes to j.
func NewJournalStrategy(j *journal.Journal) *JournalStrategy {
	return &JournalStrategy{j: j}
}

func (s *JournalStrategy) HandleIncident(inc Incident) error {
	_, err := s.j.Append(journal.Record{
		Timestamp:   inc.Time.UnixMilli(),
		Source:      inc.Source,
		Origin:      inc.Origin,
		Code:        int(inc.Code),
		Severity:    inc.Severity.String(),
		Description: inc.Description,
	}, inc.Severity.IsCritical())
	return err
}
