package blob

import (
	"bytes"
	"context"
	"errors"
	"io"

	"github.com/rotisserie/eris"

	"github.com/sells-group/contracts-cli/internal/resilience"
)

// Resilient wraps a Store with retries and a circuit breaker. Put buffers
// the body so a retried upload resends it in full.
type Resilient struct {
	inner   Store
	retry   resilience.RetryConfig
	breaker *resilience.CircuitBreaker
}

// NewResilient decorates inner. breaker may be nil.
func NewResilient(inner Store, retry resilience.RetryConfig, breaker *resilience.CircuitBreaker) *Resilient {
	retry.ShouldRetry = func(err error) bool {
		return !errors.Is(err, ErrNotFound) && resilience.IsTransient(err)
	}
	retry.OnRetry = resilience.RetryLogger(resilience.UpstreamBlob, "request")
	return &Resilient{inner: inner, retry: retry, breaker: breaker}
}

func (r *Resilient) Put(ctx context.Context, p string, body io.Reader, contentType string) error {
	data, err := io.ReadAll(body)
	if err != nil {
		return eris.Wrapf(err, "blob: buffer %s", p)
	}
	return resilience.Do(ctx, r.retry, func(ctx context.Context) error {
		return r.breaker.Execute(ctx, func(ctx context.Context) error {
			return r.inner.Put(ctx, p, bytes.NewReader(data), contentType)
		})
	})
}

func (r *Resilient) Get(ctx context.Context, p string) (io.ReadCloser, error) {
	return resilience.DoVal(ctx, r.retry, func(ctx context.Context) (io.ReadCloser, error) {
		return resilience.ExecuteVal(ctx, r.breaker, func(ctx context.Context) (io.ReadCloser, error) {
			return r.inner.Get(ctx, p)
		})
	})
}

func (r *Resilient) Delete(ctx context.Context, p string) error {
	return resilience.Do(ctx, r.retry, func(ctx context.Context) error {
		return r.breaker.Execute(ctx, func(ctx context.Context) error {
			return r.inner.Delete(ctx, p)
		})
	})
}
