package resilience

import (
	"time"

	"github.com/sells-group/contracts-cli/internal/config"
)

// Upstream names an external dependency that gets its own circuit breaker.
type Upstream string

const (
	UpstreamBlob Upstream = "blob"
	UpstreamOCR  Upstream = "ocr"
	UpstreamLLM  Upstream = "anthropic"
)

// RetryPolicy turns the retry section of the config into a RetryConfig.
// Unset fields fall back to DefaultRetryConfig; a negative jitter keeps the
// default jitter.
func RetryPolicy(c config.RetryConfig) RetryConfig {
	p := DefaultRetryConfig()
	if c.MaxAttempts > 0 {
		p.MaxAttempts = c.MaxAttempts
	}
	if c.InitialBackoffMs > 0 {
		p.InitialBackoff = time.Duration(c.InitialBackoffMs) * time.Millisecond
	}
	if c.MaxBackoffMs > 0 {
		p.MaxBackoff = time.Duration(c.MaxBackoffMs) * time.Millisecond
	}
	if c.Multiplier > 0 {
		p.Multiplier = c.Multiplier
	}
	if c.JitterFraction >= 0 {
		p.JitterFraction = c.JitterFraction
	}
	return p
}

// BreakerPolicy turns the circuit section of the config into a
// CircuitBreakerConfig. A bad PDF or a schema-invalid LLM reply is the
// document's fault, so only transient errors trip the breaker.
func BreakerPolicy(c config.CircuitConfig) CircuitBreakerConfig {
	p := DefaultCircuitBreakerConfig()
	if c.FailureThreshold > 0 {
		p.FailureThreshold = c.FailureThreshold
	}
	if c.ResetTimeoutSecs > 0 {
		p.ResetTimeout = time.Duration(c.ResetTimeoutSecs) * time.Second
	}
	p.ShouldTrip = IsTransient
	return p
}
