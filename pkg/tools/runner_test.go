package tools

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestRunnerRedactsBackendResponse(t *testing.T) {
	var gotRequestID, gotUserID string
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/tools/natal/export_full" {
			t.Errorf("backend path = %q", r.URL.Path)
		}
		gotRequestID = r.Header.Get("X-Request-Id")
		gotUserID = r.Header.Get("X-User-Id")

		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Errorf("decode backend body: %v", err)
		}
		if _, ok := body["args"]; !ok {
			t.Error("backend body missing args wrapper")
		}

		_ = json.NewEncoder(w).Encode(map[string]any{
			"public": "ok",
			"token":  "abc",
			"nested": map[string]any{"api_key": "x", "value": 1},
		})
	}))
	defer backend.Close()

	r := NewRunner(backend.URL)
	result, err := r.Run(context.Background(), NatalExportFull, "req_1", "user-1", map[string]any{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}

	if gotRequestID != "req_1" || gotUserID != "user-1" {
		t.Errorf("correlation headers = %q / %q", gotRequestID, gotUserID)
	}
	if !result.Redacted {
		t.Error("redaction flag not set")
	}
	if _, leaked := result.SafeJSON["token"]; leaked {
		t.Error("token survived redaction")
	}
	nested, _ := result.SafeJSON["nested"].(map[string]any)
	if _, leaked := nested["api_key"]; leaked {
		t.Error("nested api_key survived redaction")
	}
	if nested["value"] != float64(1) {
		t.Errorf("nested.value = %v", nested["value"])
	}
	if result.Duration <= 0 {
		t.Error("duration not recorded")
	}
}

func TestRunnerTimeout(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(5 * time.Second):
		}
	}))
	defer backend.Close()

	r := NewRunner(backend.URL)
	r.timeout = 50 * time.Millisecond

	_, err := r.Run(context.Background(), NatalExportFull, "req_1", "user-1", nil)
	if !errors.Is(err, ErrUpstreamTimeout) {
		t.Fatalf("expected ErrUpstreamTimeout, got %v", err)
	}
}

func TestRunnerNon2xx(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer backend.Close()

	r := NewRunner(backend.URL)
	_, err := r.Run(context.Background(), NatalExportFull, "req_1", "user-1", nil)
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
}

func TestRunnerNoBackend(t *testing.T) {
	r := NewRunner("")
	_, err := r.Run(context.Background(), NatalExportFull, "req_1", "user-1", nil)
	if !errors.Is(err, ErrUpstream) {
		t.Fatalf("expected ErrUpstream, got %v", err)
	}
}

func TestValidateArgs(t *testing.T) {
	if err := ValidateArgs(NatalExportFull, map[string]any{}); err != nil {
		t.Errorf("empty args rejected: %v", err)
	}
	if err := ValidateArgs(NatalExportFull, map[string]any{"format": "full"}); err != nil {
		t.Errorf("valid args rejected: %v", err)
	}
	if err := ValidateArgs(NatalExportFull, map[string]any{"format": "bogus"}); err == nil {
		t.Error("invalid enum value accepted")
	}
	if err := ValidateArgs("rm_rf", map[string]any{}); err == nil {
		t.Error("unknown tool accepted")
	}
}
