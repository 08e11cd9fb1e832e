package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	defaultCallTimeout = 30 * time.Second

	// maxResponseBytes caps how much of a response body is read; provider
	// list pages are well under this.
	maxResponseBytes = 8 << 20
)

// Options configures a concrete source.
type Options struct {
	BaseURL     string
	PageSize    int
	CallTimeout time.Duration
	// HTTPClient overrides the default client, mainly for tests.
	HTTPClient *http.Client
	Tokens     TokenProvider
}

// rest is the HTTP plumbing shared by the concrete sources: bearer auth via
// TokenProvider, a per-call timeout, and classification of every failure
// path so callers only ever see CallError tags.
type rest struct {
	name    string
	baseURL string
	http    *http.Client
	tokens  TokenProvider
}

func newREST(name string, opts Options) rest {
	client := opts.HTTPClient
	if client == nil {
		timeout := opts.CallTimeout
		if timeout <= 0 {
			timeout = defaultCallTimeout
		}

		client = &http.Client{Timeout: timeout}
	}

	return rest{
		name:    name,
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		http:    client,
		tokens:  opts.Tokens,
	}
}

// pageSize resolves the effective page size: an explicit per-query override
// wins over the source's configured default.
func pageSize(requested, fallback int) int {
	if requested > 0 {
		return requested
	}

	return fallback
}

func (r *rest) getJSON(ctx context.Context, userID, path string, query url.Values, out any) error {
	token, err := r.tokens.AccessToken(ctx, userID, r.name)
	if err != nil {
		return Classify(r.name, fmt.Errorf("acquire access token: %w", err))
	}

	endpoint := r.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Classify(r.name, fmt.Errorf("build request: %w", err))
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return Classify(r.name, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return Classify(r.name, fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return FromResponse(r.name, resp, body)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return Classify(r.name, fmt.Errorf("decode response: %w", err))
	}

	return nil
}
