package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/contracts-cli/internal/resilience"
)

const (
	mistralOCREndpoint  = "https://api.mistral.ai/v1/ocr"
	defaultMistralModel = "mistral-ocr-latest"
)

// MistralOption configures a MistralOCR extractor.
type MistralOption func(*MistralOCR)

// WithEndpoint overrides the OCR endpoint (for testing).
func WithEndpoint(url string) MistralOption {
	return func(m *MistralOCR) { m.endpoint = url }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) MistralOption {
	return func(m *MistralOCR) { m.client = hc }
}

// WithRetry sets the retry policy for transient API failures.
func WithRetry(cfg resilience.RetryConfig) MistralOption {
	return func(m *MistralOCR) { m.retry = cfg }
}

// WithBreaker guards API calls with a circuit breaker.
func WithBreaker(cb *resilience.CircuitBreaker) MistralOption {
	return func(m *MistralOCR) { m.breaker = cb }
}

// MistralOCR extracts text from documents using the Mistral OCR API.
type MistralOCR struct {
	apiKey   string
	model    string
	endpoint string
	client   *http.Client
	retry    resilience.RetryConfig
	breaker  *resilience.CircuitBreaker
}

// NewMistralOCR creates a MistralOCR extractor. If model is empty, the default is used.
func NewMistralOCR(apiKey, model string, opts ...MistralOption) *MistralOCR {
	if model == "" {
		model = defaultMistralModel
	}
	m := &MistralOCR{
		apiKey:   apiKey,
		model:    model,
		endpoint: mistralOCREndpoint,
		client:   &http.Client{Timeout: 2 * time.Minute},
		retry:    resilience.DefaultRetryConfig(),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.retry.OnRetry = resilience.RetryLogger(resilience.UpstreamOCR, "mistral_ocr")
	return m
}

type mistralOCRRequest struct {
	Model    string             `json:"model"`
	Document mistralOCRDocument `json:"document"`
}

type mistralOCRDocument struct {
	Type        string `json:"type"`
	DocumentURL string `json:"document_url"`
}

type mistralOCRResponse struct {
	Pages []mistralOCRPage `json:"pages"`
}

type mistralOCRPage struct {
	Index    int    `json:"index"`
	Markdown string `json:"markdown"`
}

// ExtractText sends the document inline as a base64 data URL and joins the
// returned pages.
func (m *MistralOCR) ExtractText(ctx context.Context, doc Document) (string, error) {
	contentType := doc.ContentType
	if contentType == "" {
		contentType = TypePDF
	}

	bodyBytes, err := json.Marshal(mistralOCRRequest{
		Model: m.model,
		Document: mistralOCRDocument{
			Type:        "document_url",
			DocumentURL: "data:" + contentType + ";base64," + base64.StdEncoding.EncodeToString(doc.Data),
		},
	})
	if err != nil {
		return "", eris.Wrap(err, "ocr: marshal mistral request")
	}

	ocrResp, err := resilience.DoVal(ctx, m.retry, func(ctx context.Context) (*mistralOCRResponse, error) {
		return resilience.ExecuteVal(ctx, m.breaker, func(ctx context.Context) (*mistralOCRResponse, error) {
			return m.call(ctx, bodyBytes)
		})
	})
	if err != nil {
		return "", eris.Wrapf(err, "ocr: mistral failed for %s", doc.Name)
	}

	pages := make([]string, 0, len(ocrResp.Pages))
	for _, page := range ocrResp.Pages {
		pages = append(pages, page.Markdown)
	}
	return strings.Join(pages, "\n\n"), nil
}

func (m *MistralOCR) call(ctx context.Context, body []byte) (*mistralOCRResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, m.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, eris.Wrap(err, "ocr: create mistral request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+m.apiKey)

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, eris.Wrap(err, "ocr: mistral API call")
	}
	defer resp.Body.Close() //nolint:errcheck

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "ocr: read mistral response")
	}

	if resp.StatusCode != http.StatusOK {
		apiErr := eris.Errorf("ocr: mistral API returned %d: %s", resp.StatusCode, string(respBody))
		if resilience.IsTransientHTTPStatus(resp.StatusCode) {
			return nil, resilience.FromResponse(apiErr, resp)
		}
		return nil, apiErr
	}

	var ocrResp mistralOCRResponse
	if err := json.Unmarshal(respBody, &ocrResp); err != nil {
		return nil, eris.Wrap(err, "ocr: unmarshal mistral response")
	}
	return &ocrResp, nil
}
