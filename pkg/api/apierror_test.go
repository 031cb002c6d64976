package api_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/siderealhq/agentd/pkg/api"
)

func decodeEnvelope(t *testing.T, w *httptest.ResponseRecorder) map[string]string {
	t.Helper()
	var body map[string]string
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid error body: %v", err)
	}
	return body
}

func TestWriteErrorEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	w.Header().Set("X-Request-Id", "req_abc")

	api.WriteError(w, api.BadRequest("message too long"))

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	body := decodeEnvelope(t, w)
	if body["code"] != api.CodeBadRequest {
		t.Errorf("code = %q", body["code"])
	}
	if body["error"] != "message too long" {
		t.Errorf("error = %q", body["error"])
	}
	if body["requestId"] != "req_abc" {
		t.Errorf("requestId = %q", body["requestId"])
	}
}

func TestWriteErrorRateLimited(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteError(w, api.RateLimited(7))

	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", w.Code)
	}
	if got := w.Header().Get("Retry-After"); got != "7" {
		t.Errorf("Retry-After = %q", got)
	}
}

func TestRateLimitedFloorsRetryAfter(t *testing.T) {
	if e := api.RateLimited(0); e.RetryAfter != 1 {
		t.Errorf("RetryAfter = %d, want 1", e.RetryAfter)
	}
}

func TestStatusMapping(t *testing.T) {
	cases := []struct {
		err    *api.Error
		status int
		code   string
	}{
		{api.BadRequest("x"), 400, api.CodeBadRequest},
		{api.Unauthorized(""), 401, api.CodeUnauthorized},
		{api.Forbidden(""), 403, api.CodeForbidden},
		{api.NotFound("x"), 404, api.CodeNotFound},
		{api.MethodNotAllowed(), 405, api.CodeMethodNotAllowed},
		{api.PayloadTooLarge("x"), 413, api.CodePayloadTooLarge},
		{api.RateLimited(1), 429, api.CodeRateLimited},
		{api.Internal(""), 500, api.CodeInternal},
		{api.MissingBinding("x"), 500, api.CodeMissingBinding},
		{api.Upstream(""), 502, api.CodeUpstream},
		{api.UpstreamTimeout(""), 504, api.CodeUpstreamTimeout},
	}
	for _, tc := range cases {
		if tc.err.Status != tc.status {
			t.Errorf("%s: status = %d, want %d", tc.code, tc.err.Status, tc.status)
		}
		if tc.err.Code != tc.code {
			t.Errorf("code = %q, want %q", tc.err.Code, tc.code)
		}
	}
}

func TestWriteInternalHidesCause(t *testing.T) {
	w := httptest.NewRecorder()
	api.WriteInternal(w, json.Unmarshal([]byte("{"), &struct{}{}))

	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
	body := decodeEnvelope(t, w)
	if body["error"] != "an unexpected error occurred" {
		t.Errorf("internal error leaked cause: %q", body["error"])
	}
}
