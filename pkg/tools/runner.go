package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ToolTimeout is the hard cap on one backend tool call.
const ToolTimeout = 8 * time.Second

var (
	// ErrUpstream marks a backend failure (non-2xx or transport error).
	ErrUpstream = errors.New("tools: upstream error")
	// ErrUpstreamTimeout marks a backend call that exceeded ToolTimeout.
	ErrUpstreamTimeout = errors.New("tools: upstream timeout")
)

// Result is the sanitized outcome of one tool invocation.
type Result struct {
	SafeJSON map[string]any `json:"safe_json"`
	// Redacted reports whether the deny-set dropped anything.
	Redacted bool `json:"-"`
	// Duration of the backend call.
	Duration time.Duration `json:"-"`
}

// Runner invokes the untrusted compute backend over HTTP.
type Runner struct {
	backendURL string
	http       *http.Client
	timeout    time.Duration
}

// NewRunner creates a runner against the backend base URL.
func NewRunner(backendURL string) *Runner {
	return &Runner{
		backendURL: strings.TrimSuffix(backendURL, "/"),
		http:       &http.Client{},
		timeout:    ToolTimeout,
	}
}

// Run executes the named tool against the backend and deep-redacts the
// response. The caller has already checked the allow-list and schema.
func (r *Runner) Run(ctx context.Context, name, requestID, userID string, args map[string]any) (*Result, error) {
	if r.backendURL == "" {
		return nil, fmt.Errorf("%w: no backend configured", ErrUpstream)
	}
	if args == nil {
		args = map[string]any{}
	}

	path := map[string]string{
		NatalExportFull: "/tools/natal/export_full",
	}[name]
	if path == "" {
		return nil, fmt.Errorf("tools: unknown tool %q", name)
	}

	body, err := json.Marshal(map[string]any{"args": args})
	if err != nil {
		return nil, fmt.Errorf("tools: marshal args: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.backendURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("tools: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", requestID)
	req.Header.Set("X-User-Id", userID)

	start := time.Now()
	resp, err := r.http.Do(req)
	duration := time.Since(start)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w after %s", ErrUpstreamTimeout, r.timeout)
		}
		return nil, fmt.Errorf("%w: %w", ErrUpstream, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%w: backend status %d", ErrUpstream, resp.StatusCode)
	}

	var raw map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: invalid backend response: %w", ErrUpstream, err)
	}

	cleaned, redacted := RedactDeep(raw)
	safe, _ := cleaned.(map[string]any)

	return &Result{SafeJSON: safe, Redacted: redacted, Duration: duration}, nil
}
