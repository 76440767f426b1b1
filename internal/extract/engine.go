// Package extract turns document text into structured contract fields.
package extract

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/contracts-cli/internal/config"
	"github.com/sells-group/contracts-cli/internal/model"
	"github.com/sells-group/contracts-cli/internal/resilience"
	"github.com/sells-group/contracts-cli/pkg/anthropic"
)

// Strategy names accepted by extraction.strategy.
const (
	StrategyRules    = "rules"
	StrategySemantic = "semantic"
)

// Engine extracts the six contract sections from plain text. Finding nothing
// is not an error: the affected sections come back with confidence 0.
type Engine interface {
	Name() string
	Extract(ctx context.Context, text string) (*model.ExtractedFields, error)
}

// Failure is returned when an engine cannot produce a result at all
// (timeout, upstream error, malformed model output).
type Failure struct {
	Engine string
	Reason string
	Err    error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s extraction failed: %s: %v", f.Engine, f.Reason, f.Err)
	}
	return fmt.Sprintf("%s extraction failed: %s", f.Engine, f.Reason)
}

func (f *Failure) Unwrap() error { return f.Err }

// IsFailure reports whether err carries an extraction Failure.
func IsFailure(err error) bool {
	var f *Failure
	return errors.As(err, &f)
}

type jobIDKey struct{}

// WithJobID tags ctx with the job being extracted, for log correlation.
func WithJobID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, jobIDKey{}, id)
}

func jobIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(jobIDKey{}).(string)
	return id
}

// New builds the engine selected by cfg.Extraction.Strategy, wrapped in the
// configured timeout. client and breaker are only used by the semantic
// strategy and may be nil otherwise.
func New(cfg *config.Config, client anthropic.Client, breaker *resilience.CircuitBreaker) (Engine, error) {
	var eng Engine
	switch cfg.Extraction.Strategy {
	case "", StrategyRules:
		rules := DefaultRuleSet()
		if cfg.Extraction.RulesFile != "" {
			loaded, err := LoadRuleSet(cfg.Extraction.RulesFile)
			if err != nil {
				return nil, err
			}
			rules = loaded
		}
		rb, err := NewRuleBased(rules)
		if err != nil {
			return nil, err
		}
		eng = rb
	case StrategySemantic:
		if client == nil {
			return nil, eris.New("extract: semantic strategy requires an anthropic client")
		}
		eng = NewSemantic(client, SemanticOptions{
			Model:          cfg.Anthropic.Model,
			MaxTokens:      cfg.Extraction.MaxTokens,
			MaxInputChars:  cfg.Extraction.MaxInputChars,
			PromptCacheTTL: cfg.Anthropic.PromptCacheTTL,
			Retry:          resilience.RetryPolicy(cfg.Retry),
			Breaker:        breaker,
		})
	default:
		return nil, eris.Errorf("extract: unknown strategy %q", cfg.Extraction.Strategy)
	}

	if cfg.Extraction.TimeoutSecs > 0 {
		eng = WithTimeout(eng, time.Duration(cfg.Extraction.TimeoutSecs)*time.Second)
	}
	return eng, nil
}

type timeoutEngine struct {
	Engine
	timeout time.Duration
}

// WithTimeout bounds every Extract call on eng. Overrunning the bound is a
// Failure.
func WithTimeout(eng Engine, d time.Duration) Engine {
	return &timeoutEngine{Engine: eng, timeout: d}
}

func (t *timeoutEngine) Extract(ctx context.Context, text string) (*model.ExtractedFields, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	fields, err := t.Engine.Extract(ctx, text)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, &Failure{
			Engine: t.Name(),
			Reason: fmt.Sprintf("timed out after %s", t.timeout),
			Err:    context.DeadlineExceeded,
		}
	}
	return fields, err
}
