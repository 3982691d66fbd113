// Package erroranalyzer classifies tool-execution errors and recommends a
// recovery strategy, per spec §4.3.
package erroranalyzer

import (
	"regexp"
	"strconv"
	"strings"
)

// ErrorType is the classification bucket for a tool error.
type ErrorType string

const (
	ErrorTypeNetwork    ErrorType = "NETWORK"
	ErrorTypeTimeout    ErrorType = "TIMEOUT"
	ErrorTypeRateLimit  ErrorType = "RATE_LIMIT"
	ErrorTypeNotFound   ErrorType = "NOT_FOUND"
	ErrorTypePermission ErrorType = "PERMISSION"
	ErrorTypeValidation ErrorType = "VALIDATION"
	ErrorTypeInternal   ErrorType = "INTERNAL"
	ErrorTypeUnknown    ErrorType = "UNKNOWN"
)

// Strategy is the recommended recovery approach for a classified error.
type Strategy string

const (
	StrategyRetryBackoff   Strategy = "retry_backoff"
	StrategyRetryDelay     Strategy = "retry_delay"
	StrategyAdjustParams   Strategy = "adjust_params"
	StrategyTryAlternative Strategy = "try_alternative"
	StrategyEscalate       Strategy = "escalate"
	StrategyFailGraceful   Strategy = "fail_graceful"
)

// RetryConfig carries the retry/backoff parameters for a classified error
// type, per the recovery-config table in spec §4.3.
type RetryConfig struct {
	MaxRetries   int
	BaseDelayMs  int
	BackoffMult  float64
}

// Analysis is the full classification result for one tool-execution error.
type Analysis struct {
	ErrorType     ErrorType
	Recoverable   bool
	Strategy      Strategy
	Alternatives  []string
	Suggestion    string
	RetryConfig   RetryConfig
	PublicMessage string
}

// Input captures the classification inputs: the failing tool, the raw error
// text, and the attempt context.
type Input struct {
	ToolID  string
	Error   error
	AgentID string
	Attempt int
}

// classifier pairs an ordered, case-insensitive regex with its ErrorType.
// Order matters: the first matching pattern wins (spec §4.3: "ordered
// case-insensitive regex").
type classifier struct {
	pattern *regexp.Regexp
	typ     ErrorType
}

var classifiers = []classifier{
	{regexp.MustCompile(`(?i)(econnreset|econnrefused|enotfound|fetch failed|network|dns|socket hang up)`), ErrorTypeNetwork},
	{regexp.MustCompile(`(?i)(rate.?limit|too many requests|429|quota exceeded)`), ErrorTypeRateLimit},
	{regexp.MustCompile(`(?i)(etimedout|timeout|timed out|deadline exceeded)`), ErrorTypeTimeout},
	{regexp.MustCompile(`(?i)(not found|404|no such|does not exist)`), ErrorTypeNotFound},
	{regexp.MustCompile(`(?i)(permission denied|forbidden|403|unauthorized|401)`), ErrorTypePermission},
	{regexp.MustCompile(`(?i)(invalid|validation|bad request|400|malformed|required field)`), ErrorTypeValidation},
	{regexp.MustCompile(`(?i)(internal server error|500|panic|nil pointer)`), ErrorTypeInternal},
}

var retryConfigs = map[ErrorType]RetryConfig{
	ErrorTypeNetwork:    {MaxRetries: 2, BaseDelayMs: 1000, BackoffMult: 2},
	ErrorTypeRateLimit:  {MaxRetries: 2, BaseDelayMs: 3000, BackoffMult: 3},
	ErrorTypeTimeout:    {MaxRetries: 1, BaseDelayMs: 2000, BackoffMult: 2},
	ErrorTypeInternal:   {MaxRetries: 1, BaseDelayMs: 1500, BackoffMult: 2},
	ErrorTypeUnknown:    {MaxRetries: 1, BaseDelayMs: 1000, BackoffMult: 2},
	ErrorTypeNotFound:   {},
	ErrorTypeValidation: {},
	ErrorTypePermission: {},
}

// Classify inspects in.Error and returns the full Analysis per spec §4.3.
func Classify(in Input) Analysis {
	text := ""
	if in.Error != nil {
		text = in.Error.Error()
	}

	typ := ErrorTypeUnknown
	for _, c := range classifiers {
		if c.pattern.MatchString(text) {
			typ = c.typ
			break
		}
	}

	cfg := retryConfigs[typ]
	analysis := Analysis{
		ErrorType:   typ,
		RetryConfig: cfg,
	}

	switch typ {
	case ErrorTypeNetwork:
		analysis.Recoverable = true
		analysis.Strategy = StrategyRetryBackoff
		analysis.Suggestion = "transient network failure, retrying with exponential backoff"
	case ErrorTypeRateLimit:
		analysis.Recoverable = true
		analysis.Strategy = StrategyRetryBackoff
		analysis.Suggestion = "rate limited by the underlying service, backing off"
	case ErrorTypeTimeout:
		analysis.Recoverable = true
		analysis.Strategy = StrategyRetryDelay
		analysis.Suggestion = "call exceeded its time budget, retrying once"
	case ErrorTypeInternal:
		analysis.Recoverable = true
		analysis.Strategy = StrategyRetryDelay
		analysis.Suggestion = "internal failure in the tool provider, retrying once"
	case ErrorTypeUnknown:
		analysis.Recoverable = true
		analysis.Strategy = StrategyRetryDelay
		analysis.Suggestion = "unrecognized failure, attempting a single retry"
	case ErrorTypeNotFound, ErrorTypeValidation:
		analysis.Recoverable = true
		analysis.Strategy = StrategyAdjustParams
		analysis.Suggestion = "adjusting parameters before trying an alternative"
	case ErrorTypePermission:
		analysis.Recoverable = false
		analysis.Strategy = StrategyEscalate
		analysis.Suggestion = "permission denied; requires human escalation"
	}
	analysis.PublicMessage = publicMessage(typ)

	return analysis
}

// AdjustParams applies the fixed parameter-repair rules from spec §4.3 for
// VALIDATION/NOT_FOUND errors. Returns (adjusted, true) when at least one
// rule changed a field; (nil, false) otherwise.
func AdjustParams(params map[string]any) (map[string]any, bool) {
	if params == nil {
		return nil, false
	}
	out := make(map[string]any, len(params))
	for k, v := range params {
		out[k] = v
	}
	changed := false

	if q, ok := out["query"].(string); ok {
		tokens := strings.Fields(q)
		if len(tokens) > 3 {
			out["query"] = strings.Join(tokens[:3], " ")
			changed = true
		}
	}

	for _, field := range []string{"limit", "topK"} {
		if v, ok := out[field]; ok {
			n, ok2 := toInt(v)
			if !ok2 {
				continue
			}
			max := 50
			if field == "topK" {
				max = 20
			}
			if n < max {
				out[field] = max
				changed = true
			}
		}
	}

	for _, field := range []string{"phone", "phone_number", "to"} {
		if s, ok := out[field].(string); ok {
			cleaned := stripPhoneNoise(s)
			if cleaned != s {
				out[field] = cleaned
				changed = true
			}
		}
	}

	for k, v := range out {
		if s, ok := v.(string); ok && len(s) > 5000 {
			out[k] = s[:5000]
			changed = true
		}
	}

	if !changed {
		return nil, false
	}
	return out, true
}

func toInt(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	case string:
		i, err := strconv.Atoi(n)
		return i, err == nil
	default:
		return 0, false
	}
}

var phoneNoise = regexp.MustCompile(`[\s\-()]`)

func stripPhoneNoise(s string) string {
	return phoneNoise.ReplaceAllString(s, "")
}
