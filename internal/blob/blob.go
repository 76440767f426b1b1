// Package blob stores uploaded contract documents.
package blob

import (
	"context"
	"io"
	"path"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/contracts-cli/internal/config"
	"github.com/sells-group/contracts-cli/internal/resilience"
)

// ErrNotFound is returned by Get when no object exists at the path.
var ErrNotFound = eris.New("blob: not found")

// Store is an object store addressed by slash-separated paths.
type Store interface {
	Put(ctx context.Context, path string, body io.Reader, contentType string) error
	Get(ctx context.Context, path string) (io.ReadCloser, error)
	Delete(ctx context.Context, path string) error
}

// cleanPath validates an object path: relative, slash-separated, no "..".
func cleanPath(p string) (string, error) {
	if p == "" || strings.HasPrefix(p, "/") || strings.Contains(p, "\\") {
		return "", eris.Errorf("blob: invalid path %q", p)
	}
	c := path.Clean(p)
	if c == "." || c == ".." || strings.HasPrefix(c, "../") {
		return "", eris.Errorf("blob: invalid path %q", p)
	}
	return c, nil
}

// New builds the configured store. Remote drivers are wrapped with retries
// and the given breaker, which may be nil.
func New(cfg config.BlobConfig, retry resilience.RetryConfig, breaker *resilience.CircuitBreaker) (Store, error) {
	switch cfg.Driver {
	case "local", "":
		return NewLocalStore(cfg.LocalDir)
	case "memory":
		return NewMemoryStore(), nil
	case "supabase":
		if cfg.SupabaseURL == "" || cfg.SupabaseKey == "" {
			return nil, eris.New("blob: supabase driver requires supabase_url and supabase_key")
		}
		return NewResilient(NewSupabaseStore(cfg.SupabaseURL, cfg.SupabaseKey, cfg.Bucket), retry, breaker), nil
	default:
		return nil, eris.Errorf("blob: unknown driver %q", cfg.Driver)
	}
}
