// Package budget detects per-task and per-run token budget breaches,
// per spec.md §4.6.4. Metrics are exported via Prometheus gauges and
// counters, grounded on cuemby-warren's pkg/metrics (package-level
// prometheus.NewCounter/NewGauge with a single init-time MustRegister
// block).
package budget

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/aristath/taskrunner/internal/config"
)

var (
	tokensUsedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "taskrunner_tokens_used_total",
		Help: "Total tokens consumed across all runs.",
	})

	budgetWarningsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taskrunner_budget_warnings_total",
		Help: "Total budget warnings emitted, by scope (task|run).",
	}, []string{"scope"})

	budgetBlocksTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "taskrunner_budget_blocks_total",
		Help: "Total budget blocks triggered, by scope (task|run).",
	}, []string{"scope"})

	runTokensUsed = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "taskrunner_run_tokens_used",
		Help: "Tokens used by the current run so far.",
	})
)

func init() {
	prometheus.MustRegister(tokensUsedTotal)
	prometheus.MustRegister(budgetWarningsTotal)
	prometheus.MustRegister(budgetBlocksTotal)
	prometheus.MustRegister(runTokensUsed)
}

// Breach describes a single budget ceiling crossed by a task or run.
type Breach struct {
	Scope   string // "task" | "run"
	TaskID  string // empty for a run-scope breach
	Used    int
	Limit   int
	Block   bool // true when the configured mode is "block"
}

// Tracker evaluates a batch's token usage against the configured
// BudgetConfig after each token refresh (spec.md §4.6.1 step 1 feeds
// this via AddUsage; finalizeBatch calls Detect right after).
type Tracker struct {
	cfg config.BudgetConfig
}

// NewTracker builds a Tracker from the run's configured budget.
func NewTracker(cfg config.BudgetConfig) *Tracker {
	return &Tracker{cfg: cfg}
}

// Detect reports every breach found for the given run and per-task
// totals. taskTokens maps task id -> tokens used so far across all
// attempts; runTokens is the run-level aggregate.
func (t *Tracker) Detect(runTokens int, taskTokens map[string]int) []Breach {
	if t.cfg.Mode == "" || t.cfg.Mode == "off" {
		return nil
	}

	var breaches []Breach
	block := t.cfg.Mode == "block"

	if t.cfg.PerRun > 0 && runTokens >= t.cfg.PerRun {
		breaches = append(breaches, Breach{Scope: "run", Used: runTokens, Limit: t.cfg.PerRun, Block: block})
	}

	if t.cfg.PerTask > 0 {
		for taskID, used := range taskTokens {
			if used >= t.cfg.PerTask {
				breaches = append(breaches, Breach{Scope: "task", TaskID: taskID, Used: used, Limit: t.cfg.PerTask, Block: block})
			}
		}
	}

	return breaches
}

// RecordUsage updates the Prometheus counters/gauges for tokens spent
// on a single attempt.
func RecordUsage(tokens, runTotal int) {
	tokensUsedTotal.Add(float64(tokens))
	runTokensUsed.Set(float64(runTotal))
}

// RecordBreach updates the warn/block counters for a detected Breach.
func RecordBreach(b Breach) {
	if b.Block {
		budgetBlocksTotal.WithLabelValues(b.Scope).Inc()
		return
	}
	budgetWarningsTotal.WithLabelValues(b.Scope).Inc()
}
