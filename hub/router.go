package hub

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/fin-hub/hubgate/ledger"
)

// DefaultMaxConcurrent bounds simultaneously RUNNING executions.
const DefaultMaxConcurrent = 10

// ExecuteRequest is one tool invocation arriving at the router.
type ExecuteRequest struct {
	ToolName  string
	Arguments map[string]any
	RequestID string
}

// ExecuteResult is a completed invocation.
type ExecuteResult struct {
	ExecutionID string          `json:"execution_id"`
	InstanceID  string          `json:"instance_id"`
	Attempts    int             `json:"attempts"`
	DurationMS  int64           `json:"duration_ms"`
	Output      json.RawMessage `json:"output"`
}

// RouterConfig wires the router's collaborators.
type RouterConfig struct {
	Catalog  *Catalog
	Breakers *BreakerSet
	Ledger   ledger.Store
	Invoker  Invoker
	Policy   Policy
	// MaxConcurrent bounds RUNNING executions across the process. Requests
	// beyond the bound fail fast with a backpressure error rather than
	// queueing, keeping caller latency bounded.
	MaxConcurrent int64
	Now           func() time.Time
	Logger        *slog.Logger
}

// Router selects a healthy instance for each invocation, enforces the
// per-instance circuit breaker and the global concurrency bound, retries
// failed attempts on different instances, and records every outcome in the
// execution ledger.
type Router struct {
	catalog  *Catalog
	breakers *BreakerSet
	ledger   ledger.Store
	invoker  Invoker
	policy   Policy
	sem      *semaphore.Weighted
	now      func() time.Time
	logger   *slog.Logger
}

// NewRouter creates an execution router.
func NewRouter(cfg RouterConfig) (*Router, error) {
	if cfg.Catalog == nil {
		return nil, errors.New("hub: router catalog is nil")
	}
	if cfg.Breakers == nil {
		cfg.Breakers = NewBreakerSet(BreakerConfig{})
	}
	if cfg.Ledger == nil {
		cfg.Ledger = ledger.NewMemStore(0)
	}
	if cfg.Invoker == nil {
		cfg.Invoker = NewHTTPInvoker()
	}
	if cfg.Policy == nil {
		cfg.Policy = WeightedPriorityPolicy{}
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = DefaultMaxConcurrent
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Router{
		catalog:  cfg.Catalog,
		breakers: cfg.Breakers,
		ledger:   cfg.Ledger,
		invoker:  cfg.Invoker,
		policy:   cfg.Policy,
		sem:      semaphore.NewWeighted(cfg.MaxConcurrent),
		now:      cfg.Now,
		logger:   cfg.Logger,
	}, nil
}

// Execute routes one invocation. Retries target a different instance each
// time; an open circuit is surfaced immediately and never consumes retry
// budget.
func (r *Router) Execute(ctx context.Context, req ExecuteRequest) (ExecuteResult, error) {
	if req.ToolName == "" {
		return ExecuteResult{}, newInvokeError(ErrorCodeInvocationFailed, "tool name is required", false, nil)
	}
	if req.RequestID == "" {
		req.RequestID = uuid.NewString()
	}

	if !r.sem.TryAcquire(1) {
		return ExecuteResult{}, withInvokeErrorDetails(
			newInvokeError(ErrorCodeBackpressure, "concurrent execution limit reached", true, nil),
			map[string]any{"tool": req.ToolName},
		)
	}
	defer r.sem.Release(1)

	exec := &execution{
		id:        uuid.NewString(),
		req:       req,
		startedAt: r.now(),
	}

	result, err := r.attemptLoop(ctx, exec)

	emitInvokeObservation(InvokeObservation{
		ToolName:   req.ToolName,
		InstanceID: exec.lastInstance,
		Policy:     r.policy.Name(),
		Attempts:   exec.attempts,
		DurationMS: durationMS(r.now().Sub(exec.startedAt)),
		Success:    err == nil,
		ErrorCode:  invokeErrorCode(err),
	})
	return result, err
}

// execution is the mutable state of one routed invocation.
type execution struct {
	id           string
	req          ExecuteRequest
	startedAt    time.Time
	attempts     int
	appended     bool
	lastInstance string
}

func (r *Router) attemptLoop(ctx context.Context, exec *execution) (ExecuteResult, error) {
	exclude := make(map[string]struct{})
	budget := DefaultRetryAttempts
	var lastErr *InvokeError

	for {
		candidates := r.catalog.Discover(exec.req.ToolName, exclude)
		if len(candidates) == 0 {
			if lastErr != nil {
				return ExecuteResult{}, r.surface(ctx, exec, lastErr)
			}
			return ExecuteResult{}, withInvokeErrorDetails(
				newInvokeError(ErrorCodeToolUnavailable,
					fmt.Sprintf("no healthy instance offers tool %q", exec.req.ToolName), true, nil),
				map[string]any{"tool": exec.req.ToolName},
			)
		}

		inst := r.policy.Order(candidates)[0]
		desc, _ := inst.Tool(exec.req.ToolName)
		if desc.RetryAttempts > 0 {
			budget = desc.RetryAttempts
		}
		timeout := time.Duration(desc.TimeoutSeconds) * time.Second
		if timeout <= 0 {
			timeout = time.Duration(DefaultTimeoutSeconds) * time.Second
		}

		permit, trial := r.breakers.Allow(inst.ID)
		if !permit {
			circuitErr := withInvokeErrorDetails(
				newInvokeError(ErrorCodeCircuitOpen,
					fmt.Sprintf("circuit open for instance %q", inst.ID), true, nil),
				map[string]any{"tool": exec.req.ToolName, "instance": inst.ID},
			)
			return ExecuteResult{}, r.surface(ctx, exec, circuitErr)
		}

		exec.attempts++
		exec.lastInstance = inst.ID
		result, attemptErr := r.attemptOne(ctx, exec, inst, timeout, trial)
		if attemptErr == nil {
			return result, nil
		}
		lastErr = attemptErr

		// A cancelled caller never retries.
		if attemptErr.Code == ErrorCodeCancelled || exec.attempts >= budget {
			return ExecuteResult{}, r.surface(ctx, exec, lastErr)
		}

		exclude[inst.ID] = struct{}{}
		emitRetryObservation(RetryObservation{
			ToolName:   exec.req.ToolName,
			InstanceID: inst.ID,
			Attempt:    exec.attempts,
			ErrorCode:  attemptErr.Code,
		})
		r.logger.Debug("retrying invocation on another instance",
			"tool", exec.req.ToolName, "failed_instance", inst.ID, "attempt", exec.attempts)
	}
}

func (r *Router) attemptOne(ctx context.Context, exec *execution, inst SpokeInstance, timeout time.Duration, trial bool) (ExecuteResult, *InvokeError) {
	if err := r.catalog.IncrementLoad(inst.ID); err != nil {
		return ExecuteResult{}, withInvokeErrorDetails(
			newInvokeError(ErrorCodeInvocationFailed, "instance disappeared before dispatch", true, err),
			map[string]any{"instance": inst.ID},
		)
	}
	defer func() {
		if err := r.catalog.DecrementLoad(inst.ID); err != nil {
			r.logger.Debug("load decrement on missing instance", "instance", inst.ID)
		}
	}()

	r.appendRecord(ctx, exec, inst)

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := r.now()
	res, err := r.invoker.Invoke(attemptCtx, inst, InvokeRequest{
		ToolName:  exec.req.ToolName,
		Arguments: exec.req.Arguments,
		RequestID: exec.req.RequestID,
	})
	elapsed := r.now().Sub(start)

	if err == nil {
		r.catalog.RecordInvocation(inst.ID, exec.req.ToolName, true, elapsed)
		r.breakers.RecordSuccess(inst.ID)
		r.finalizeRecord(ctx, exec, ledger.Outcome{
			Status:     ledger.StatusSucceeded,
			InstanceID: inst.ID,
			Output:     res.Output,
			Attempts:   exec.attempts,
			FinishedAt: r.now(),
		})
		return ExecuteResult{
			ExecutionID: exec.id,
			InstanceID:  inst.ID,
			Attempts:    exec.attempts,
			DurationMS:  durationMS(r.now().Sub(exec.startedAt)),
			Output:      res.Output,
		}, nil
	}

	r.catalog.RecordInvocation(inst.ID, exec.req.ToolName, false, elapsed)
	r.breakers.RecordFailure(inst.ID, trial)

	return ExecuteResult{}, withInvokeErrorDetails(
		classifyAttemptError(ctx, attemptCtx, err),
		map[string]any{"tool": exec.req.ToolName, "instance": inst.ID, "attempt": exec.attempts},
	)
}

// classifyAttemptError distinguishes a caller cancellation from a per-attempt
// timeout from a plain spoke failure.
func classifyAttemptError(parent, attempt context.Context, err error) *InvokeError {
	switch {
	case parent.Err() != nil && errors.Is(parent.Err(), context.Canceled):
		return newInvokeError(ErrorCodeCancelled, "invocation cancelled by caller", false, err)
	case errors.Is(attempt.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		return newInvokeError(ErrorCodeTimeout, "invocation exceeded its timeout budget", true, err)
	default:
		return newInvokeError(ErrorCodeInvocationFailed, err.Error(), true, err)
	}
}

// surface finalizes the ledger record (when one was opened) with the
// terminal status implied by the error, then returns it.
func (r *Router) surface(ctx context.Context, exec *execution, invokeErr *InvokeError) error {
	if exec.appended {
		status := ledger.StatusFailed
		switch invokeErr.Code {
		case ErrorCodeTimeout:
			status = ledger.StatusTimedOut
		case ErrorCodeCancelled:
			status = ledger.StatusCancelled
		}
		r.finalizeRecord(ctx, exec, ledger.Outcome{
			Status:       status,
			InstanceID:   exec.lastInstance,
			ErrorCode:    invokeErr.Code,
			ErrorMessage: invokeErr.Message,
			Attempts:     exec.attempts,
			FinishedAt:   r.now(),
		})
	}
	return invokeErr
}

func (r *Router) appendRecord(ctx context.Context, exec *execution, inst SpokeInstance) {
	if exec.appended {
		return
	}
	rec := ledger.Record{
		ID:         exec.id,
		RequestID:  exec.req.RequestID,
		ToolName:   exec.req.ToolName,
		InstanceID: inst.ID,
		Arguments:  exec.req.Arguments,
		Status:     ledger.StatusRunning,
		Attempts:   exec.attempts,
		StartedAt:  exec.startedAt,
	}
	if err := r.ledger.Append(ctx, rec); err != nil {
		r.logger.Warn("ledger append failed", "execution", exec.id, "error", err)
		return
	}
	exec.appended = true
}

func (r *Router) finalizeRecord(ctx context.Context, exec *execution, out ledger.Outcome) {
	if !exec.appended {
		return
	}
	// Terminal outcomes are recorded even when the caller has gone away.
	if err := r.ledger.Finalize(context.WithoutCancel(ctx), exec.id, out); err != nil {
		r.logger.Warn("ledger finalize failed", "execution", exec.id, "error", err)
	}
}
