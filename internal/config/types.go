package config

// ProviderConfig defines a transport layer (CLI command, args, base settings).
// Providers are separate from agents -- multiple agents can share one provider.
type ProviderConfig struct {
	Command string   `json:"command"`          // CLI binary name (e.g., "claude", "codex", "goose")
	Args    []string `json:"args,omitempty"`   // Default args appended to every invocation
	Type    string   `json:"type"`             // Backend type matching backend.Config.Type: "claude", "codex", "goose"
}

// AgentConfig defines a role that uses a specific provider and model.
type AgentConfig struct {
	Provider     string   `json:"provider"`               // Key into Providers map
	Model        string   `json:"model,omitempty"`        // Model override (e.g., "opus-4", "gpt-4.1")
	SystemPrompt string   `json:"system_prompt,omitempty"` // Role-specific system prompt
	Tools        []string `json:"tools,omitempty"`         // Allowed tools for this role
}

// WorkflowStepConfig defines one step in a workflow pipeline.
type WorkflowStepConfig struct {
	Agent string `json:"agent"` // Key into Agents map
}

// WorkflowConfig defines a pipeline of agent steps (e.g., code -> review -> test).
type WorkflowConfig struct {
	Steps []WorkflowStepConfig `json:"steps"`
}

// BudgetConfig sets per-task and per-run token ceilings and the policy
// applied when they're crossed.
type BudgetConfig struct {
	Mode        string `json:"mode,omitempty"`          // "off" | "warn" | "block"
	PerTask     int    `json:"per_task,omitempty"`       // token ceiling for a single task across all attempts
	PerRun      int    `json:"per_run,omitempty"`        // token ceiling for the whole run
}

// RunConfig holds the run-level settings the Run/Batch Engine consume:
// scheduling width, lock derivation mode, validator timeouts, budgets,
// and cross-run reuse. Distinct from Providers/Agents/Workflows, which
// describe backends rather than a single run's policy.
type RunConfig struct {
	MaxParallel        int          `json:"max_parallel,omitempty"`          // batch width; 0 means 1
	LockMode           string       `json:"lock_mode,omitempty"`             // "declared" | "derived" | "off"
	TestCommand        string       `json:"test_command,omitempty"`          // per-task test validator; empty disables it
	StyleCommand       string       `json:"style_command,omitempty"`         // per-task style validator; empty disables it
	ArchitectureCommand string      `json:"architecture_command,omitempty"`  // per-task architecture validator; empty disables it
	DoctorCommand      string       `json:"doctor_command,omitempty"`        // integration doctor, run after each batch merge
	DoctorTimeout      int          `json:"doctor_timeout_seconds,omitempty"` // wall-clock seconds; 0 means 5 minutes
	DoctorCadence      int          `json:"doctor_cadence,omitempty"`        // run doctor validator every N finished tasks; 0 disables cadence runs
	Budget             BudgetConfig `json:"budget,omitempty"`
	ReuseFromLedger    bool         `json:"reuse_from_ledger"`               // seed completion from the ledger at run start
	ComplianceMode     string       `json:"compliance_mode,omitempty"`       // "off" | "warn" | "block", per manifest enforcement policy
	PolicyTier         int          `json:"policy_tier,omitempty"`           // escalation tier; >= 2 tightens compliance to "block" regardless of ComplianceMode
	StopContainersOnExit bool       `json:"stop_containers_on_exit"`
}

// OrchestratorConfig is the top-level configuration.
type OrchestratorConfig struct {
	Providers map[string]ProviderConfig `json:"providers"`
	Agents    map[string]AgentConfig    `json:"agents"`
	Workflows map[string]WorkflowConfig `json:"workflows"`
	Run       RunConfig                 `json:"run"`
}
