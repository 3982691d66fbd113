package erroranalyzer

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassify_NetworkRetryBackoff(t *testing.T) {
	a := Classify(Input{ToolID: "searchWeb", Error: errors.New("fetch failed: ECONNRESET")})
	assert.Equal(t, ErrorTypeNetwork, a.ErrorType)
	assert.Equal(t, StrategyRetryBackoff, a.Strategy)
	assert.True(t, a.Recoverable)
	assert.Equal(t, 1000, a.RetryConfig.BaseDelayMs)
	assert.Equal(t, 2, a.RetryConfig.MaxRetries)
}

func TestClassify_RateLimit(t *testing.T) {
	a := Classify(Input{Error: errors.New("429 Too Many Requests")})
	assert.Equal(t, ErrorTypeRateLimit, a.ErrorType)
	assert.Equal(t, 3000, a.RetryConfig.BaseDelayMs)
	assert.Equal(t, float64(3), a.RetryConfig.BackoffMult)
}

func TestClassify_PermissionNotRecoverable(t *testing.T) {
	a := Classify(Input{Error: errors.New("403 Forbidden")})
	assert.Equal(t, ErrorTypePermission, a.ErrorType)
	assert.False(t, a.Recoverable)
	assert.Equal(t, StrategyEscalate, a.Strategy)
}

func TestClassify_ValidationNoRetries(t *testing.T) {
	a := Classify(Input{Error: errors.New("invalid request: missing required field 'to'")})
	assert.Equal(t, ErrorTypeValidation, a.ErrorType)
	assert.Equal(t, 0, a.RetryConfig.MaxRetries)
	assert.Equal(t, StrategyAdjustParams, a.Strategy)
}

func TestClassify_OrderingPrefersEarlierPattern(t *testing.T) {
	// "timeout" text should not accidentally match network first; NETWORK
	// patterns are checked before TIMEOUT, so an unambiguous timeout string
	// must still land on TIMEOUT.
	a := Classify(Input{Error: errors.New("operation timed out after 30s")})
	assert.Equal(t, ErrorTypeTimeout, a.ErrorType)
}

func TestClassify_Unknown(t *testing.T) {
	a := Classify(Input{Error: errors.New("something unexpected happened")})
	assert.Equal(t, ErrorTypeUnknown, a.ErrorType)
	assert.True(t, a.Recoverable)
}

func TestClassify_PublicMessageHidesRawError(t *testing.T) {
	a := Classify(Input{Error: errors.New("429 too many requests from upstream")})
	assert.Equal(t, PublicErrorProviderRateLimited, a.PublicMessage)
	assert.NotContains(t, a.PublicMessage, "429")
}

func TestAdjustParams_QueryShortening(t *testing.T) {
	adjusted, changed := AdjustParams(map[string]any{"query": "one two three four five"})
	assert.True(t, changed)
	assert.Equal(t, "one two three", adjusted["query"])
}

func TestAdjustParams_LimitGrowth(t *testing.T) {
	adjusted, changed := AdjustParams(map[string]any{"limit": 5, "topK": 3})
	assert.True(t, changed)
	assert.Equal(t, 50, adjusted["limit"])
	assert.Equal(t, 20, adjusted["topK"])
}

func TestAdjustParams_PhoneCleanup(t *testing.T) {
	adjusted, changed := AdjustParams(map[string]any{"phone": "+62 (812) 345-678"})
	assert.True(t, changed)
	assert.Equal(t, "+62812345678", adjusted["phone"])
}

func TestAdjustParams_TruncateLongStrings(t *testing.T) {
	long := make([]byte, 6000)
	for i := range long {
		long[i] = 'x'
	}
	adjusted, changed := AdjustParams(map[string]any{"body": string(long)})
	assert.True(t, changed)
	assert.Len(t, adjusted["body"], 5000)
}

func TestAdjustParams_NoChange(t *testing.T) {
	_, changed := AdjustParams(map[string]any{"foo": "bar"})
	assert.False(t, changed)
}
