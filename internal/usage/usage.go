// Package usage records token consumption and its cost against runs and
// projects. All counter updates run inside store transactions, so concurrent
// trackers always sum correctly.
package usage

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/paid-dev/paid-engine/internal/store"
)

// Pricing in cents per million tokens.
const (
	inputCentsPerMillion  = 300  // $3.00 / 1M input tokens
	outputCentsPerMillion = 1500 // $15.00 / 1M output tokens
)

// CalculateCost converts token counts to cost in cents, rounded to the
// nearest cent.
func CalculateCost(tokensInput, tokensOutput int64) int64 {
	cents := float64(tokensInput)/1e6*inputCentsPerMillion +
		float64(tokensOutput)/1e6*outputCentsPerMillion
	return int64(math.Round(cents))
}

// Tracker accumulates usage into the store.
type Tracker struct {
	store *store.Store
	log   *slog.Logger
}

// NewTracker creates a Tracker.
func NewTracker(st *store.Store, logger *slog.Logger) *Tracker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{store: st, log: logger}
}

// Track adds one usage report to the run's and project's counters and
// appends a metric log entry. Returns the cost in cents.
func (t *Tracker) Track(runID, projectID, tokensInput, tokensOutput int64) (int64, error) {
	costCents := CalculateCost(tokensInput, tokensOutput)

	if err := t.store.AddRunUsage(runID, tokensInput, tokensOutput, costCents); err != nil {
		return 0, fmt.Errorf("failed to record run usage: %w", err)
	}
	if err := t.store.AddProjectUsage(projectID, tokensInput+tokensOutput, costCents); err != nil {
		return 0, fmt.Errorf("failed to record project usage: %w", err)
	}

	err := t.store.AppendRunLog(runID, store.LogMetric,
		fmt.Sprintf("token usage: %d in / %d out ($%d.%02d)", tokensInput, tokensOutput, costCents/100, costCents%100),
		map[string]any{
			"type":          "token_usage",
			"tokens_input":  tokensInput,
			"tokens_output": tokensOutput,
			"cost_cents":    costCents,
		})
	if err != nil {
		// Counters landed; a lost metric line is not worth failing the run.
		t.log.Warn("failed to append usage metric log", "run_id", runID, "error", err)
	}
	return costCents, nil
}
