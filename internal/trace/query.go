package trace

import (
	"context"
	"fmt"
)

// StepStat aggregates the runtime of one step.
type StepStat struct {
	Step     string  `json:"step"`
	Count    int64   `json:"count"`
	AvgUs    float64 `json:"avg_us"`
	MaxUs    int64   `json:"max_us"`
	Violated int64   `json:"violations"`
}

// Summary counts the events of one run.
type Summary struct {
	RunID      string `json:"run_id"`
	Ticks      int64  `json:"ticks"`
	Acks       int64  `json:"acks"`
	Steps      int64  `json:"steps"`
	Violations int64  `json:"violations"`
}

// SlowestSteps returns up to limit steps of the current run ordered by
// their maximum runtime. Buffered events are flushed first.
func (s *Store) SlowestSteps(ctx context.Context, limit int) ([]StepStat, error) {
	if err := s.Flush(); err != nil {
		return nil, err
	}
	return slowestSteps(ctx, s, s.runID, limit)
}

// Summarize counts the events of the current run.
func (s *Store) Summarize(ctx context.Context) (Summary, error) {
	if err := s.Flush(); err != nil {
		return Summary{}, err
	}
	return s.SummarizeRun(ctx, s.runID)
}

// SummarizeRun counts the events of runID.
func (s *Store) SummarizeRun(ctx context.Context, runID string) (Summary, error) {
	sum := Summary{RunID: runID}
	counts := []struct {
		table string
		dst   *int64
	}{
		{"ticks", &sum.Ticks},
		{"acks", &sum.Acks},
		{"steps", &sum.Steps},
		{"violations", &sum.Violations},
	}
	for _, c := range counts {
		row := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+c.table+" WHERE run_id = ?", runID)
		if err := row.Scan(c.dst); err != nil {
			return Summary{}, fmt.Errorf("count %s: %w", c.table, err)
		}
	}
	return sum, nil
}

// LatestRun returns the id of the most recent run in the database.
func (s *Store) LatestRun(ctx context.Context) (string, error) {
	var id string
	err := s.db.QueryRowContext(ctx, `SELECT id FROM runs ORDER BY started_at DESC, id DESC LIMIT 1`).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("latest run: %w", err)
	}
	return id, nil
}

// SlowestStepsOfRun queries an arbitrary run, used by the CLI on a
// database written by another process.
func (s *Store) SlowestStepsOfRun(ctx context.Context, runID string, limit int) ([]StepStat, error) {
	return slowestSteps(ctx, s, runID, limit)
}

func slowestSteps(ctx context.Context, s *Store, runID string, limit int) ([]StepStat, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT st.step, COUNT(*), AVG(st.runtime_us), MAX(st.runtime_us),
		       (SELECT COUNT(*) FROM violations v WHERE v.run_id = st.run_id AND v.step = st.step)
		FROM steps st
		WHERE st.run_id = ?
		GROUP BY st.step
		ORDER BY MAX(st.runtime_us) DESC, st.step
		LIMIT ?`, runID, limit)
	if err != nil {
		return nil, fmt.Errorf("query slowest steps: %w", err)
	}
	defer rows.Close()

	var out []StepStat
	for rows.Next() {
		var st StepStat
		if err := rows.Scan(&st.Step, &st.Count, &st.AvgUs, &st.MaxUs, &st.Violated); err != nil {
			return nil, fmt.Errorf("scan step stat: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
