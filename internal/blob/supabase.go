package blob

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/contracts-cli/internal/resilience"
)

// SupabaseOption configures the Supabase Storage client.
type SupabaseOption func(*SupabaseStore)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) SupabaseOption {
	return func(s *SupabaseStore) { s.http = hc }
}

// SupabaseStore talks to the Supabase Storage REST API.
type SupabaseStore struct {
	baseURL string
	key     string
	bucket  string
	http    *http.Client
}

// NewSupabaseStore creates a client for one bucket. baseURL is the project
// URL, e.g. https://xyz.supabase.co.
func NewSupabaseStore(baseURL, key, bucket string, opts ...SupabaseOption) *SupabaseStore {
	s := &SupabaseStore{
		baseURL: strings.TrimRight(baseURL, "/"),
		key:     key,
		bucket:  bucket,
		http: &http.Client{
			Timeout: 2 * time.Minute,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func escapePath(p string) string {
	segs := strings.Split(p, "/")
	for i, seg := range segs {
		segs[i] = url.PathEscape(seg)
	}
	return strings.Join(segs, "/")
}

func (s *SupabaseStore) objectURL(prefix, p string) string {
	return s.baseURL + "/storage/v1/object/" + prefix + url.PathEscape(s.bucket) + "/" + escapePath(p)
}

func (s *SupabaseStore) newRequest(ctx context.Context, method, u string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return nil, eris.Wrap(err, "supabase: create request")
	}
	req.Header.Set("Authorization", "Bearer "+s.key)
	req.Header.Set("apikey", s.key)
	return req, nil
}

// statusError converts a non-2xx response into an error, marking 429/5xx
// as transient.
func statusError(op string, resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	err := eris.Errorf("supabase: %s returned %d: %s", op, resp.StatusCode, strings.TrimSpace(string(body)))
	if resilience.IsTransientHTTPStatus(resp.StatusCode) {
		return resilience.FromResponse(err, resp)
	}
	return err
}

// isNotFound recognizes Storage's missing-object responses, which arrive as
// either a 404 or a 400 whose body carries a 404 status.
func isNotFound(resp *http.Response, body []byte) bool {
	if resp.StatusCode == http.StatusNotFound {
		return true
	}
	if resp.StatusCode != http.StatusBadRequest {
		return false
	}
	var payload struct {
		StatusCode string `json:"statusCode"`
		Error      string `json:"error"`
	}
	if json.Unmarshal(body, &payload) != nil {
		return false
	}
	return payload.StatusCode == "404" || strings.EqualFold(payload.Error, "not_found")
}

// Put uploads the object, overwriting any existing one at the same path.
func (s *SupabaseStore) Put(ctx context.Context, p string, body io.Reader, contentType string) error {
	c, err := cleanPath(p)
	if err != nil {
		return err
	}
	req, err := s.newRequest(ctx, http.MethodPost, s.objectURL("", c), body)
	if err != nil {
		return err
	}
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("x-upsert", "true")

	resp, err := s.http.Do(req)
	if err != nil {
		return eris.Wrapf(err, "supabase: upload %s", c)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode/100 != 2 {
		return statusError("upload "+c, resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Get downloads the object. The caller must close the returned body.
func (s *SupabaseStore) Get(ctx context.Context, p string) (io.ReadCloser, error) {
	c, err := cleanPath(p)
	if err != nil {
		return nil, err
	}
	req, err := s.newRequest(ctx, http.MethodGet, s.objectURL("authenticated/", c), nil)
	if err != nil {
		return nil, err
	}

	resp, err := s.http.Do(req)
	if err != nil {
		return nil, eris.Wrapf(err, "supabase: download %s", c)
	}
	if resp.StatusCode == http.StatusOK {
		return resp.Body, nil
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusBadRequest {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if isNotFound(resp, body) {
			return nil, eris.Wrapf(ErrNotFound, "blob: %s", c)
		}
		return nil, eris.Errorf("supabase: download %s returned %d: %s", c, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil, statusError("download "+c, resp)
}

// Delete removes the object. Storage treats unknown prefixes as a no-op.
func (s *SupabaseStore) Delete(ctx context.Context, p string) error {
	c, err := cleanPath(p)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(map[string][]string{"prefixes": {c}})
	if err != nil {
		return eris.Wrap(err, "supabase: marshal delete")
	}
	u := s.baseURL + "/storage/v1/object/" + url.PathEscape(s.bucket)
	req, err := s.newRequest(ctx, http.MethodDelete, u, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.http.Do(req)
	if err != nil {
		return eris.Wrapf(err, "supabase: delete %s", c)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode/100 != 2 {
		return statusError("delete "+c, resp)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
