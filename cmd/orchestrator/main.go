package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"

	"github.com/aristath/taskrunner/internal/backend"
	"github.com/aristath/taskrunner/internal/catalog"
	"github.com/aristath/taskrunner/internal/compliance"
	"github.com/aristath/taskrunner/internal/config"
	"github.com/aristath/taskrunner/internal/engine"
	"github.com/aristath/taskrunner/internal/events"
	"github.com/aristath/taskrunner/internal/ledger"
	"github.com/aristath/taskrunner/internal/obslog"
	"github.com/aristath/taskrunner/internal/runstate"
	"github.com/aristath/taskrunner/internal/scheduler"
	"github.com/aristath/taskrunner/internal/validate"
	"github.com/aristath/taskrunner/internal/worktree"
)

func main() {
	var (
		repoPath     = flag.String("repo", ".", "path to the Git repository under orchestration")
		mainBranch   = flag.String("branch", "main", "integration branch")
		project      = flag.String("project", "default", "project name, scopes the ledger and run directories")
		runID        = flag.String("run-id", "", "resume an existing run by id; a new id is generated when empty")
		catalogPath  = flag.String("catalog", "tasks.json", "path to the task catalog file")
		subsetFlag   = flag.String("tasks", "", "comma-separated task ids to run; empty runs the whole catalog")
		dryRun       = flag.Bool("dry-run", false, "plan batches and mark tasks skipped without running any worker")
		reuse        = flag.Bool("reuse", false, "seed completion from the ledger at run start")
		backendType  = flag.String("backend", "claude", "worker backend: claude, codex, or goose")
		model        = flag.String("model", "", "model override passed to the backend")
		provider     = flag.String("provider", "", "provider override (goose local LLMs)")
		systemPrompt = flag.String("system-prompt", "", "system prompt passed to every task attempt")
		home         = flag.String("home", "", "orchestrator home directory; defaults to ~/.orchestrator")
	)
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	homeDir := *home
	if homeDir == "" {
		userHome, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "resolving home directory: %v\n", err)
			os.Exit(1)
		}
		homeDir = filepath.Join(userHome, ".orchestrator")
	}

	globalPath := filepath.Join(homeDir, "config.json")
	projectPath := filepath.Join(".orchestrator", "config.json")
	cfg, err := config.Load(globalPath, projectPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading config: %v\n", err)
		os.Exit(1)
	}

	id := *runID
	if id == "" {
		id = uuid.NewString()
	}

	runDir := filepath.Join(homeDir, "projects", *project, "runs", id)
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "creating run directory: %v\n", err)
		os.Exit(1)
	}

	bus := events.NewEventBus()
	defer bus.Close()

	logFile, err := os.OpenFile(filepath.Join(runDir, "orchestrator.jsonl"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		fmt.Fprintf(os.Stderr, "opening event log: %v\n", err)
		os.Exit(1)
	}
	defer logFile.Close()
	logger := obslog.New(logFile, bus)

	var subset []string
	if *subsetFlag != "" {
		subset = strings.Split(*subsetFlag, ",")
	}

	tasks, err := catalog.LoadFile(*catalogPath, subset)
	if err != nil {
		fmt.Fprintf(os.Stderr, "loading task catalog: %v\n", err)
		os.Exit(1)
	}
	dag, err := catalog.BuildDAG(tasks)
	if err != nil {
		logger.Log("run.tasks_invalid", map[string]any{"error": err.Error()})
		fmt.Fprintf(os.Stderr, "invalid task catalog: %v\n", err)
		os.Exit(1)
	}

	wm := worktree.NewWorktreeManager(worktree.WorktreeManagerConfig{
		RepoPath:   *repoPath,
		BaseBranch: *mainBranch,
	})
	vcs := worktree.NewVcsAdapter(wm)

	worker := backend.NewRunner(*backendType, *model, *provider, *systemPrompt)

	validator := validate.NewShellRunner(validate.Commands{
		Test:         cfg.Run.TestCommand,
		Style:        cfg.Run.StyleCommand,
		Architecture: cfg.Run.ArchitectureCommand,
		Doctor:       cfg.Run.DoctorCommand,
	})

	store := runstate.NewFileStore(filepath.Join(runDir, "state.json"))

	ledgerStore, err := ledger.Open(ctx, filepath.Join(homeDir, "projects", *project, "ledger.json"))
	if err != nil {
		fmt.Fprintf(os.Stderr, "opening ledger: %v\n", err)
		os.Exit(1)
	}
	defer ledgerStore.Close()

	var resolver scheduler.LockResolver
	switch scheduler.LockMode(cfg.Run.LockMode) {
	case scheduler.LockModeOff:
		resolver = scheduler.OffResolver{}
	case scheduler.LockModeDerived:
		// No prior-run ScopeReport feed is wired at this CLI entry point
		// yet; fall back to declared locks rather than silently dropping
		// mutual exclusion.
		resolver = scheduler.DeclaredResolver{}
	default:
		resolver = scheduler.DeclaredResolver{}
	}

	rc := engine.NewRunContext(id, *project, *repoPath, *mainBranch, cfg.Run, *dryRun, *reuse)

	deps := engine.Deps{
		Vcs:          vcs,
		Worker:       worker,
		Validator:    validator,
		Logger:       logger,
		Store:        store,
		Ledger:       ledgerStore,
		DAG:          dag,
		LockResolver: resolver,
		Compliance:   compliance.NewPipeline(logger),
	}

	run := engine.NewRun(rc, deps)

	go func() {
		<-ctx.Done()
		run.RequestStop("signal")
	}()

	if err := run.Prepare(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "preparing run: %v\n", err)
		os.Exit(1)
	}

	if err := run.Loop(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "run failed: %v\n", err)
		os.Exit(1)
	}

	log.Printf("run %s complete, event log: %s", id, logFile.Name())
}
