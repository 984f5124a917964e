// ============================================================================
// FEP Participant - Incident Handling
// ============================================================================
//
// Package: internal/incident
// File: incident.go
// Purpose: Collects the incidents raised by the timing core and fans them
//          out to the configured strategies.
//
// Strategies:
//   LogStrategy     - structured log line per incident (slog)
//   History         - bounded in-memory ring, newest last
//   JournalStrategy - append-only JSON lines file (storage/journal)
//   StrategyFunc    - adapter for plain functions (metrics counters)
//
// A failing strategy never stops the others; its error is logged.
//
// ============================================================================

package incident

import (
	"log/slog"
	"sync"
	"time"

	"github.com/audi/fep-participant-sub001/pkg/types"
)

// Handler is what the timing core reports incidents to.
type Handler interface {
	InvokeIncident(code types.IncidentCode, severity types.Severity, description, origin string)
}

// Incident is one reported event.
type Incident struct {
	Code        types.IncidentCode `json:"code"`
	Severity    types.Severity     `json:"severity"`
	Description string             `json:"description"`
	Origin      string             `json:"origin,omitempty"`
	Source      string             `json:"source"`
	Time        time.Time          `json:"time"`
}

// Strategy consumes incidents.
type Strategy interface {
	HandleIncident(inc Incident) error
}

// StrategyFunc adapts a function to Strategy.
type StrategyFunc func(inc Incident) error

func (f StrategyFunc) HandleIncident(inc Incident) error { return f(inc) }

// Dispatcher implements Handler on top of a list of strategies.
type Dispatcher struct {
	source string
	logger *slog.Logger

	mu         sync.RWMutex
	strategies []Strategy
}

// NewDispatcher creates a dispatcher that stamps incidents with source,
// the name of the participant.
func NewDispatcher(source string, strategies ...Strategy) *Dispatcher {
	return &Dispatcher{
		source:     source,
		logger:     slog.With("component", "incident", "participant", source),
		strategies: strategies,
	}
}

// Add appends a strategy.
func (d *Dispatcher) Add(s Strategy) {
	d.mu.Lock()
	d.strategies = append(d.strategies, s)
	d.mu.Unlock()
}

func (d *Dispatcher) InvokeIncident(code types.IncidentCode, severity types.Severity, description, origin string) {
	inc := Incident{
		Code:        code,
		Severity:    severity,
		Description: description,
		Origin:      origin,
		Source:      d.source,
		Time:        time.Now(),
	}

	d.mu.RLock()
	strategies := append([]Strategy(nil), d.strategies...)
	d.mu.RUnlock()

	for _, s := range strategies {
		if err := s.HandleIncident(inc); err != nil {
			d.logger.Warn("incident strategy failed", "code", int(code), "error", err)
		}
	}
}

// Nop discards every incident.
type Nop struct{}

func (Nop) InvokeIncident(types.IncidentCode, types.Severity, string, string) {}
