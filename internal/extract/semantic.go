package extract

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"go.uber.org/zap"

	"github.com/sells-group/contracts-cli/internal/model"
	"github.com/sells-group/contracts-cli/internal/resilience"
	"github.com/sells-group/contracts-cli/pkg/anthropic"
)

const (
	defaultSemanticModel = "claude-haiku-4-5-20251001"
	defaultMaxTokens     = 2048
	defaultMaxInputChars = 150_000
)

const semanticSystemPrompt = `You extract structured data from commercial contracts.

Return ONLY a JSON object (no prose, no markdown) with exactly these keys:

{
  "party_identification": {"parties": [string], "customer": string, "vendor": string, "confidence": number},
  "account_information": {"account_number": string, "billing_contact": string, "billing_address": string, "confidence": number},
  "financial_details": {"total_contract_value": string, "currency": string, "tax_information": string, "confidence": number},
  "payment_structure": {"payment_terms": string, "payment_schedule": string, "payment_method": string, "confidence": number},
  "revenue_classification": {"recurring_revenue": string, "one_time_fees": string, "billing_frequency": string, "confidence": number},
  "service_level_agreements": {"performance_metrics": string, "penalties": string, "support_terms": string, "confidence": number}
}

Rules:
- Every section must be present even if nothing was found.
- "confidence" is between 0 and 1 and reflects how completely the section was found in the text. Use 0 when the contract says nothing about it.
- Use "" for unknown string values and [] for unknown parties.
- Copy values as written in the contract; do not invent amounts or names.`

// responseSchema requires every section and its confidence. Confidence may
// arrive as a number or a numeric string; scoring handles both.
var responseSchema = func() map[string]any {
	str := map[string]any{"type": []any{"string", "null"}}
	section := func(fields ...string) map[string]any {
		props := map[string]any{
			"confidence": map[string]any{"type": []any{"number", "string"}},
		}
		for _, f := range fields {
			props[f] = str
		}
		return map[string]any{
			"type":       "object",
			"required":   []any{"confidence"},
			"properties": props,
		}
	}

	parties := section("customer", "vendor")
	parties["properties"].(map[string]any)["parties"] = map[string]any{
		"type":  []any{"array", "null"},
		"items": map[string]any{"type": "string"},
	}

	sections := map[string]any{
		model.SectionPartyIdentification:    parties,
		model.SectionAccountInformation:     section("account_number", "billing_contact", "billing_address"),
		model.SectionFinancialDetails:       section("total_contract_value", "currency", "tax_information"),
		model.SectionPaymentStructure:       section("payment_terms", "payment_schedule", "payment_method"),
		model.SectionRevenueClassification:  section("recurring_revenue", "one_time_fees", "billing_frequency"),
		model.SectionServiceLevelAgreements: section("performance_metrics", "penalties", "support_terms"),
	}
	required := make([]any, 0, len(sections))
	for _, name := range model.SectionNames() {
		required = append(required, name)
	}
	return map[string]any{
		"type":       "object",
		"required":   required,
		"properties": sections,
	}
}()

var (
	compiledSchema     *jsonschema.Schema
	compiledSchemaErr  error
	compiledSchemaOnce sync.Once
)

func schema() (*jsonschema.Schema, error) {
	compiledSchemaOnce.Do(func() {
		b, err := json.Marshal(responseSchema)
		if err != nil {
			compiledSchemaErr = eris.Wrap(err, "extract: marshal schema")
			return
		}
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("contract_fields.json", bytes.NewReader(b)); err != nil {
			compiledSchemaErr = eris.Wrap(err, "extract: add schema")
			return
		}
		compiledSchema, compiledSchemaErr = compiler.Compile("contract_fields.json")
		if compiledSchemaErr != nil {
			compiledSchemaErr = eris.Wrap(compiledSchemaErr, "extract: compile schema")
		}
	})
	return compiledSchema, compiledSchemaErr
}

// SemanticOptions configures the LLM-backed engine.
type SemanticOptions struct {
	Model         string
	MaxTokens     int64
	MaxInputChars int

	// PromptCacheTTL is passed to anthropic.SystemPrompt. Empty means one hour.
	PromptCacheTTL string
	Retry          resilience.RetryConfig
	Breaker        *resilience.CircuitBreaker
}

// Semantic extracts fields by asking Claude for a JSON document and
// validating it against the section schema.
type Semantic struct {
	client anthropic.Client
	opts   SemanticOptions
}

// NewSemantic creates a semantic engine. Zero-valued options take defaults.
func NewSemantic(client anthropic.Client, opts SemanticOptions) *Semantic {
	if opts.Model == "" {
		opts.Model = defaultSemanticModel
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = defaultMaxTokens
	}
	if opts.MaxInputChars <= 0 {
		opts.MaxInputChars = defaultMaxInputChars
	}
	if opts.PromptCacheTTL == "" {
		opts.PromptCacheTTL = anthropic.CacheLong
	}
	opts.Retry.ShouldRetry = func(err error) bool {
		return anthropic.IsRetryable(err) || resilience.IsTransient(err)
	}
	opts.Retry.OnRetry = resilience.RetryLogger(resilience.UpstreamLLM, "create_message")
	return &Semantic{client: client, opts: opts}
}

// Name implements Engine.
func (s *Semantic) Name() string { return StrategySemantic }

// Extract implements Engine.
func (s *Semantic) Extract(ctx context.Context, text string) (*model.ExtractedFields, error) {
	if len(text) > s.opts.MaxInputChars {
		zap.L().Debug("truncating document for semantic extraction",
			zap.String("job_id", jobIDFrom(ctx)),
			zap.Int("chars", len(text)),
			zap.Int("max_chars", s.opts.MaxInputChars),
		)
		text = strings.ToValidUTF8(text[:s.opts.MaxInputChars], "")
	}

	req := anthropic.MessageRequest{
		Model:     s.opts.Model,
		MaxTokens: s.opts.MaxTokens,
		System:    anthropic.SystemPrompt(semanticSystemPrompt, s.opts.PromptCacheTTL),
		Messages: []anthropic.Message{
			{Role: "user", Content: "Contract text:\n\n" + text},
		},
	}

	start := time.Now()
	resp, err := resilience.DoVal(ctx, s.opts.Retry, func(ctx context.Context) (*anthropic.MessageResponse, error) {
		return resilience.ExecuteVal(ctx, s.opts.Breaker, func(ctx context.Context) (*anthropic.MessageResponse, error) {
			resp, err := s.client.CreateMessage(ctx, req)
			if err != nil && anthropic.IsRetryable(err) {
				return nil, resilience.NewTransientError(err, 0)
			}
			return resp, err
		})
	})
	if err != nil {
		return nil, &Failure{Engine: s.Name(), Reason: "model call", Err: err}
	}
	resp.Usage.LogCost(s.opts.Model, jobIDFrom(ctx))
	zap.L().Debug("semantic extraction complete",
		zap.String("job_id", jobIDFrom(ctx)),
		zap.Duration("elapsed", time.Since(start)),
		zap.String("stop_reason", resp.StopReason),
	)

	if resp.Truncated() {
		return nil, &Failure{
			Engine: s.Name(),
			Reason: fmt.Sprintf("response truncated at %d tokens; raise extraction.max_tokens", s.opts.MaxTokens),
		}
	}
	return parseFields(resp.Text())
}

// parseFields validates raw model output and decodes it. Any missing section
// or confidence is a Failure rather than a silent default.
func parseFields(raw string) (*model.ExtractedFields, error) {
	cleaned := cleanJSON(raw)

	var doc any
	if err := json.Unmarshal([]byte(cleaned), &doc); err != nil {
		return nil, &Failure{Engine: StrategySemantic, Reason: "response is not valid JSON", Err: err}
	}

	sch, err := schema()
	if err != nil {
		return nil, &Failure{Engine: StrategySemantic, Reason: "schema unavailable", Err: err}
	}
	if err := sch.Validate(doc); err != nil {
		return nil, &Failure{Engine: StrategySemantic, Reason: "response does not match schema", Err: err}
	}

	var fields model.ExtractedFields
	if err := json.Unmarshal([]byte(cleaned), &fields); err != nil {
		return nil, &Failure{Engine: StrategySemantic, Reason: "decode fields", Err: err}
	}
	if fields.PartyIdentification.Parties == nil {
		fields.PartyIdentification.Parties = []string{}
	}
	return &fields, nil
}

// cleanJSON extracts a JSON object from text that may be wrapped in
// markdown code fences or surrounding prose.
func cleanJSON(text string) string {
	text = strings.TrimSpace(text)

	for _, fence := range []string{"```json", "```"} {
		if strings.HasPrefix(text, fence) {
			text = strings.TrimPrefix(text, fence)
			if idx := strings.LastIndex(text, "```"); idx >= 0 {
				text = text[:idx]
			}
			break
		}
	}

	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}
	return strings.TrimSpace(text)
}
