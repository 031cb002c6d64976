package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/siderealhq/agentd/pkg/agent"
	"github.com/siderealhq/agentd/pkg/api"
	"github.com/siderealhq/agentd/pkg/artifacts"
	"github.com/siderealhq/agentd/pkg/ids"
)

type exportBody struct {
	Title    string          `json:"title,omitempty"`
	SafeJSON json.RawMessage `json:"safe_json"`
}

type exportResponse struct {
	Key         string `json:"key"`
	URL         string `json:"url"`
	ExpiresAt   int64  `json:"expires_at"`
	ContentType string `json:"content_type"`
	Truncated   bool   `json:"truncated"`
}

// invokeExport renders the sanitized payload as an SVG artifact and returns
// a signed, time-limited retrieval URL.
func (g *Gateway) invokeExport(_ http.ResponseWriter, r *http.Request, req *agent.Request) (any, *api.Error) {
	if !req.ExportAllowed {
		return nil, api.Forbidden("export access not granted")
	}
	if g.artifacts == nil {
		return nil, api.MissingBinding("artifact storage is not configured")
	}
	if len(g.signingKey) == 0 {
		return nil, api.MissingBinding("url signing secret is not configured")
	}

	var body exportBody
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return nil, api.BadRequest("invalid JSON body")
	}
	if len(body.SafeJSON) == 0 {
		return nil, api.BadRequest("missing safe_json")
	}
	var safe map[string]any
	if err := json.Unmarshal(body.SafeJSON, &safe); err != nil {
		return nil, api.BadRequest("safe_json must be an object")
	}

	svg, truncated := artifacts.RenderSVG(body.Title, safe)

	key := fmt.Sprintf("artifacts/%s/%s.svg", ids.HashUserID(req.UserID), uuid.NewString())
	if err := g.artifacts.Put(r.Context(), key, svg, "image/svg+xml"); err != nil {
		slog.Error("export: artifact write failed",
			"request", req.RequestID, "key", key, "error", err)
		return nil, api.Internal("artifact write failed")
	}

	exp := time.Now().Add(artifacts.DefaultTTL).Unix()
	url := artifacts.SignedURL(req.Origin, g.signingKey, key, exp)

	return &exportResponse{
		Key:         key,
		URL:         url,
		ExpiresAt:   exp,
		ContentType: "image/svg+xml",
		Truncated:   truncated,
	}, nil
}

// handleArtifact serves signed artifact retrieval. Authorization is the
// signature alone; no user lookup happens on this path.
func (g *Gateway) handleArtifact(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteError(w, api.MethodNotAllowed())
		return
	}

	if apiErr := g.allow("artifact:"+clientIP(r), RuleArtifact, r); apiErr != nil {
		api.WriteError(w, apiErr)
		return
	}

	if g.artifacts == nil || len(g.signingKey) == 0 {
		api.WriteError(w, api.MissingBinding("artifact retrieval is not configured"))
		return
	}

	// Keys embed their full path, "artifacts/<hash>/<id>.svg", so the
	// wildcard segment is the key itself.
	key := r.PathValue("key")
	exp, sig, apiErr := parseSignature(r)
	if apiErr != nil {
		api.WriteError(w, apiErr)
		return
	}
	if !artifacts.Verify(g.signingKey, key, exp, sig) {
		api.WriteError(w, api.Forbidden("invalid or expired signature"))
		return
	}

	data, contentType, err := g.artifacts.Get(r.Context(), key)
	if err != nil {
		if errors.Is(err, artifacts.ErrNotFound) {
			api.WriteError(w, api.NotFound("artifact not found"))
			return
		}
		slog.Error("artifact: read failed", "key", key, "error", err)
		api.WriteError(w, api.Internal("artifact read failed"))
		return
	}

	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "private, max-age=300")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

func parseSignature(r *http.Request) (int64, string, *api.Error) {
	q := r.URL.Query()
	sig := q.Get("sig")
	expStr := q.Get("exp")
	if sig == "" || expStr == "" {
		return 0, "", api.Forbidden("missing signature")
	}
	exp, err := strconv.ParseInt(expStr, 10, 64)
	if err != nil || exp <= 0 {
		return 0, "", api.Forbidden("malformed expiry")
	}
	return exp, sig, nil
}
