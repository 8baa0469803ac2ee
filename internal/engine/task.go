package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/aristath/taskrunner/internal/ports"
)

// RetryConfig configures the exponential backoff wrapped around every
// WorkerRunner call, grounded on the teacher's orchestrator.RetryConfig.
type RetryConfig struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	MaxElapsedTime      time.Duration
	Multiplier          float64
	RandomizationFactor float64
}

// DefaultRetryConfig mirrors the teacher's DefaultRetryConfig.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialInterval:     100 * time.Millisecond,
		MaxInterval:         10 * time.Second,
		MaxElapsedTime:      2 * time.Minute,
		Multiplier:          2.0,
		RandomizationFactor: 0.5,
	}
}

// breakerRegistry manages one gobreaker.CircuitBreaker per key,
// grounded on the teacher's CircuitBreakerRegistry (per-backend-type
// breakers); RunAttempt keys it by task id, so each task trips its own
// breaker.
type breakerRegistry struct {
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

func newBreakerRegistry() *breakerRegistry {
	return &breakerRegistry{breakers: make(map[string]*gobreaker.CircuitBreaker)}
}

func (r *breakerRegistry) get(key string) *gobreaker.CircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cb, ok := r.breakers[key]; ok {
		return cb
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: 3,
		Interval:    0,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			if err == nil {
				return true
			}
			return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
		},
	})
	r.breakers[key] = cb
	return cb
}

// TaskEngine runs and reattaches individual task attempts, per
// spec.md §4.7. It owns nothing across calls except the circuit
// breaker registry and retry policy; all execution state lives in
// runstate.RunState, mutated by the caller (the Run Engine) from the
// results TaskEngine returns.
type TaskEngine struct {
	worker    ports.WorkerRunner
	retryCfg  RetryConfig
	breakers  *breakerRegistry
}

// NewTaskEngine builds a TaskEngine around a WorkerRunner port.
func NewTaskEngine(worker ports.WorkerRunner) *TaskEngine {
	return &TaskEngine{
		worker:   worker,
		retryCfg: DefaultRetryConfig(),
		breakers: newBreakerRegistry(),
	}
}

// RunAttempt runs one task attempt per spec.md §4.7.1: it invokes the
// WorkerRunner with retry/circuit breaker protection and returns its
// last result (with ErrorMessage filled in from the retry error when
// the worker left it empty) for the Batch Engine to fold into RunState.
// Neither RunAttempt nor its caller creates the workspace directory or
// copies the task catalog into it; the request only carries its path.
func (e *TaskEngine) RunAttempt(ctx context.Context, req ports.TaskAttemptRequest) (ports.WorkerRunnerResult, error) {
	cb := e.breakers.get(req.TaskID)

	var result ports.WorkerRunnerResult
	operation := func() error {
		if ctx.Err() != nil {
			return backoff.Permanent(ctx.Err())
		}

		out, err := cb.Execute(func() (interface{}, error) {
			return e.worker.RunAttempt(ctx, req)
		})
		if err != nil {
			if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
				return backoff.Permanent(err)
			}
			if ctx.Err() != nil {
				return backoff.Permanent(err)
			}
			return err
		}

		result = out.(ports.WorkerRunnerResult)
		if !result.Success && !result.ResetToPending {
			// A terminal failure the worker itself reported is not a
			// transient error worth retrying.
			return backoff.Permanent(fmt.Errorf("task %s: %s", req.TaskID, result.ErrorMessage))
		}
		if !result.Success {
			return fmt.Errorf("task %s: %s", req.TaskID, result.ErrorMessage)
		}
		return nil
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = e.retryCfg.InitialInterval
	policy.MaxInterval = e.retryCfg.MaxInterval
	policy.MaxElapsedTime = e.retryCfg.MaxElapsedTime
	policy.Multiplier = e.retryCfg.Multiplier
	policy.RandomizationFactor = e.retryCfg.RandomizationFactor

	err := backoff.Retry(operation, backoff.WithContext(policy, ctx))
	if err != nil && result.ErrorMessage == "" {
		result.ErrorMessage = err.Error()
	}
	return result, nil
}

// ResumeRunningTask implements spec.md §4.7.3: ask the WorkerRunner to
// reattach to a task's process/container. A missing process surfaces
// as ResetToPending=true so the Batch Engine reclassifies it back to
// pending rather than failing the whole batch.
func (e *TaskEngine) ResumeRunningTask(ctx context.Context, taskID, containerHint string) (ports.WorkerRunnerResult, error) {
	result, err := e.worker.ResumeAttempt(ctx, ports.TaskResumeRequest{
		TaskID:        taskID,
		ContainerHint: containerHint,
	})
	if err != nil {
		return ports.WorkerRunnerResult{ResetToPending: true, ErrorMessage: err.Error()}, nil
	}
	return result, nil
}
