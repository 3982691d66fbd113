// Package recovery implements the Recovery Strategies component (spec
// §4.4): wraps tool execution with idempotency-aware retry, param-adjust,
// and alternative-tool fallback.
package recovery

import (
	"context"
	"time"

	"github.com/agentforge/core/agent/toolerrors"
	"github.com/agentforge/core/erroranalyzer"
	"github.com/agentforge/core/idempotency"
)

// MaxAttempts is the total attempt cap (original + retries + alternatives
// combined), per spec §4.4.
const MaxAttempts = 3

// Executor invokes toolID with params and returns the raw result or error.
// Implementations wrap the real tool dispatch (typically provided by the
// Agent Runtime's tool registry).
type Executor func(ctx context.Context, toolID string, params map[string]any) (any, error)

// AliasRemap maps one tool's params to an alternative tool's params, per the
// "fixed alias table" in spec §4.4 (e.g. sendWhatsApp -> sendEmail maps
// message->body, fills default subject).
type AliasRemap func(params map[string]any) map[string]any

// AliasTable is the fixed alternative-tool param remapping table.
var AliasTable = map[string]AliasRemap{
	"sendWhatsApp->sendEmail": func(params map[string]any) map[string]any {
		out := map[string]any{"subject": "Message from your agent"}
		for k, v := range params {
			if k == "message" {
				out["body"] = v
				continue
			}
			out[k] = v
		}
		return out
	},
}

// Result is the outcome of Run.
type Result struct {
	Value         any
	Cached        bool
	InProgress    bool
	Strategy      string
	Attempts      int
	Analysis      *erroranalyzer.Analysis
	OriginalError error
}

// Service wraps tool execution with the recovery sequence of spec §4.4.
type Service struct {
	idempotent *idempotency.Service
	exec       Executor
	sleep      func(time.Duration)
}

// New constructs a Service. idempotent may be nil to disable dedup (e.g. for
// non-side-effect tool calls, which never go through idempotency).
func New(idempotent *idempotency.Service, exec Executor) *Service {
	return &Service{idempotent: idempotent, exec: exec, sleep: time.Sleep}
}

// Run executes toolID with params following spec §4.4's sequence:
//  1. consult the Idempotency Cache when isSideEffect is true;
//  2. execute the original call;
//  3. classify a failure and stop if non-recoverable;
//  4. retry_backoff/retry_delay if budget remains;
//  5. else adjust_params and retry;
//  6. else try alternatives in order;
//  7. else return exhausted.
func (s *Service) Run(ctx context.Context, agentID, toolID string, params map[string]any, alternatives []string, isSideEffect bool) (Result, error) {
	var key string
	if isSideEffect && s.idempotent != nil {
		var err error
		key, err = idempotency.Key(agentID, toolID, params)
		if err != nil {
			return Result{}, err
		}
		if rec, found, err := s.idempotent.CheckDuplicate(ctx, key); err == nil && found {
			switch rec.Status {
			case idempotency.StatusCompleted:
				return Result{Value: rec.Result, Cached: true}, nil
			case idempotency.StatusPending:
				return Result{Value: idempotency.PendingStubResult(toolID), InProgress: true}, nil
			}
		}
		_ = s.idempotent.RecordPending(ctx, key)
	}

	attempts := 0
	currentParams := params
	var lastErr error
	var lastAnalysis erroranalyzer.Analysis
	chain := func(attemptErr error) error {
		if lastErr == nil {
			return toolerrors.FromError(attemptErr)
		}
		return toolerrors.NewWithCause(attemptErr.Error(), lastErr)
	}

	// retryCount and currentDelay track the retry_backoff/retry_delay budget
	// for the current streak of same-typed errors (spec §4.3's per-error-type
	// MaxRetries/BackoffMult), reset whenever classification changes type.
	var retryCount int
	var currentDelay time.Duration
	var lastErrorType erroranalyzer.ErrorType

	value, err := s.exec(ctx, toolID, currentParams)
	attempts++
	if err == nil {
		if isSideEffect && s.idempotent != nil {
			_ = s.idempotent.RecordComplete(ctx, key, value)
		}
		return Result{Value: value, Strategy: "original", Attempts: attempts}, nil
	}
	lastErr = chain(err)

	for attempts < MaxAttempts {
		analysis := erroranalyzer.Classify(erroranalyzer.Input{ToolID: toolID, Error: lastErr, AgentID: agentID, Attempt: attempts})
		lastAnalysis = analysis
		if !analysis.Recoverable {
			return Result{Strategy: string(analysis.Strategy), Attempts: attempts, Analysis: &lastAnalysis, OriginalError: lastErr}, lastErr
		}

		switch analysis.Strategy {
		case erroranalyzer.StrategyRetryBackoff, erroranalyzer.StrategyRetryDelay:
			if analysis.ErrorType != lastErrorType {
				lastErrorType = analysis.ErrorType
				retryCount = 0
				currentDelay = time.Duration(analysis.RetryConfig.BaseDelayMs) * time.Millisecond
			}
			if retryCount < analysis.RetryConfig.MaxRetries {
				s.sleep(currentDelay)
				retryCount++
				if analysis.RetryConfig.BackoffMult > 0 {
					currentDelay = time.Duration(float64(currentDelay) * analysis.RetryConfig.BackoffMult)
				}
				value, err = s.exec(ctx, toolID, currentParams)
				attempts++
				if err == nil {
					if isSideEffect && s.idempotent != nil {
						_ = s.idempotent.RecordComplete(ctx, key, value)
					}
					return Result{Value: value, Strategy: string(analysis.Strategy), Attempts: attempts}, nil
				}
				lastErr = chain(err)
				continue
			}
			// per-error-type retry budget exhausted: fall through to
			// adjust_params/alternatives rather than retrying forever.
			fallthrough

		case erroranalyzer.StrategyAdjustParams:
			if adjusted, ok := erroranalyzer.AdjustParams(currentParams); ok {
				currentParams = adjusted
				value, err = s.exec(ctx, toolID, currentParams)
				attempts++
				if err == nil {
					if isSideEffect && s.idempotent != nil {
						_ = s.idempotent.RecordComplete(ctx, key, value)
					}
					return Result{Value: value, Strategy: string(analysis.Strategy), Attempts: attempts}, nil
				}
				lastErr = chain(err)
				continue
			}
			// no adjustment available: fall through to alternatives.
			fallthrough

		case erroranalyzer.StrategyTryAlternative:
			for _, alt := range alternatives {
				if attempts >= MaxAttempts {
					break
				}
				remap, ok := AliasTable[toolID+"->"+alt]
				altParams := currentParams
				if ok {
					altParams = remap(currentParams)
				}
				value, err = s.exec(ctx, alt, altParams)
				attempts++
				if err == nil {
					if isSideEffect && s.idempotent != nil {
						_ = s.idempotent.RecordComplete(ctx, key, value)
					}
					return Result{Value: value, Strategy: string(erroranalyzer.StrategyTryAlternative), Attempts: attempts}, nil
				}
				lastErr = chain(err)
			}
			return Result{Strategy: "exhausted", Attempts: attempts, Analysis: &lastAnalysis, OriginalError: lastErr}, lastErr

		default:
			return Result{Strategy: string(analysis.Strategy), Attempts: attempts, Analysis: &lastAnalysis, OriginalError: lastErr}, lastErr
		}
	}

	return Result{Strategy: "exhausted", Attempts: attempts, Analysis: &lastAnalysis, OriginalError: lastErr}, lastErr
}
