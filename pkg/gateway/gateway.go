// Package gateway is the HTTP surface of the agent service. It owns the
// per-request pipeline: request-id, client IP, global IP bucket, bearer
// auth, scope check, per-user endpoint bucket, concurrency acquire, body
// cap, then dispatch to the per-user actor.
package gateway

import (
	"errors"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/siderealhq/agentd/pkg/agent"
	"github.com/siderealhq/agentd/pkg/api"
	"github.com/siderealhq/agentd/pkg/artifacts"
	"github.com/siderealhq/agentd/pkg/auth"
	"github.com/siderealhq/agentd/pkg/config"
	"github.com/siderealhq/agentd/pkg/limits"
)

// Body caps in bytes.
const (
	ChatBodyCap = 64 << 10
	ToolBodyCap = 16 << 10
)

// MaxConcurrent caps in-flight requests per user per endpoint. The actor
// serializes execution anyway; this bounds how deep its queue can grow.
const MaxConcurrent = 4

// Default bucket rates, tokens per minute.
var (
	RuleChat     = limits.Rule{PerMinute: 20}
	RuleTool     = limits.Rule{PerMinute: 10}
	RuleExport   = limits.Rule{PerMinute: 6}
	RuleArtifact = limits.Rule{PerMinute: 60}
	RuleIP       = limits.Rule{PerMinute: 120}
)

// Gateway routes requests to actors and serves artifact retrieval.
type Gateway struct {
	cfg        *config.Config
	auth       *auth.Authenticator
	limiter    limits.Limiter
	conc       *limits.ConcurrencyLimiter
	registry   *agent.Registry
	artifacts  artifacts.ObjectStore
	signingKey []byte
	storeBound bool
	started    time.Time
}

// Options bundles the gateway's collaborators.
type Options struct {
	Config        *config.Config
	Authenticator *auth.Authenticator
	Limiter       limits.Limiter
	Concurrency   *limits.ConcurrencyLimiter
	Registry      *agent.Registry
	Artifacts     artifacts.ObjectStore
	// StoreBound reports whether relational persistence is configured. In
	// production its absence turns chat and tool requests into 500
	// missing_binding.
	StoreBound bool
}

// New creates a gateway.
func New(opts Options) *Gateway {
	return &Gateway{
		cfg:        opts.Config,
		auth:       opts.Authenticator,
		limiter:    opts.Limiter,
		conc:       opts.Concurrency,
		registry:   opts.Registry,
		artifacts:  opts.Artifacts,
		signingKey: []byte(opts.Config.URLSigningSecret),
		storeBound: opts.StoreBound,
		started:    time.Now(),
	}
}

// Handler builds the HTTP handler with the request-id middleware applied.
func (g *Gateway) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/health", g.handleHealth)
	mux.HandleFunc("/agent/status", g.handleStatus)
	mux.HandleFunc("/agent/chat", g.agentEndpoint("agent:chat", "chat", RuleChat, ChatBodyCap, g.invokeChat))
	mux.HandleFunc("/agent/tool", g.agentEndpoint("agent:tool", "tool", RuleTool, ToolBodyCap, g.invokeTool))
	mux.HandleFunc("/agent/export", g.agentEndpoint("agent:export", "export", RuleExport, ChatBodyCap, g.invokeExport))
	mux.HandleFunc("/agent/artifacts/{key...}", g.handleArtifact)

	return auth.RequestIDMiddleware(mux)
}

func (g *Gateway) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteError(w, api.MethodNotAllowed())
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (g *Gateway) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		api.WriteError(w, api.MethodNotAllowed())
		return
	}
	api.WriteJSON(w, http.StatusOK, map[string]any{
		"status":        "ok",
		"env":           g.cfg.Env,
		"uptimeSeconds": int(time.Since(g.started).Seconds()),
		"persistence":   g.storeBound,
	})
}

// invoker runs one authenticated agent operation and returns its payload.
type invoker func(w http.ResponseWriter, r *http.Request, req *agent.Request) (any, *api.Error)

// agentEndpoint assembles the shared pipeline for the three authenticated
// POST endpoints. Capability gates specific to an endpoint live in its
// invoker.
func (g *Gateway) agentEndpoint(scope, endpoint string, rule limits.Rule, bodyCap int64, invoke invoker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			api.WriteError(w, api.MethodNotAllowed())
			return
		}

		ip := clientIP(r)
		devAdmin := g.isDevAdminRequest(r)

		if !devAdmin {
			if apiErr := g.allow("ip:"+ip, RuleIP, r); apiErr != nil {
				api.WriteError(w, apiErr)
				return
			}
		}

		actx, err := g.auth.Authenticate(r)
		if err != nil {
			if errors.Is(err, auth.ErrNoBearer) {
				api.WriteError(w, api.Unauthorized("missing bearer token"))
			} else {
				api.WriteError(w, api.Unauthorized("invalid token"))
			}
			return
		}
		if !actx.HasScope(scope) {
			api.WriteError(w, api.Forbidden("missing scope "+scope))
			return
		}

		if !g.storeBound && g.cfg.IsProduction() && endpoint != "export" {
			api.WriteError(w, api.MissingBinding("persistence is not configured"))
			return
		}

		if !actx.IsDevAdmin {
			if apiErr := g.allow(endpoint+":"+actx.UserID, rule, r); apiErr != nil {
				api.WriteError(w, apiErr)
				return
			}
			concKey := endpoint + ":" + actx.UserID
			if !g.conc.Acquire(concKey, MaxConcurrent) {
				api.WriteError(w, api.RateLimited(1))
				return
			}
			defer g.conc.Release(concKey)
		}

		body, apiErr := readBody(w, r, bodyCap)
		if apiErr != nil {
			api.WriteError(w, apiErr)
			return
		}

		req := &agent.Request{
			RequestID:     auth.GetRequestID(r.Context()),
			UserID:        actx.UserID,
			MemoryAllowed: actx.MemoryAllowed,
			ToolsAllowed:  actx.ToolsAllowed,
			ExportAllowed: actx.ExportAllowed,
			Origin:        g.origin(r),
			Body:          body,
		}

		payload, apiErr := invoke(w, r, req)
		if apiErr != nil {
			api.WriteError(w, apiErr)
			return
		}
		api.WriteJSON(w, http.StatusOK, payload)
	}
}

func (g *Gateway) invokeChat(_ http.ResponseWriter, r *http.Request, req *agent.Request) (any, *api.Error) {
	resp, apiErr := g.registry.Get(req.UserID).HandleChat(r.Context(), req)
	if apiErr != nil {
		return nil, apiErr
	}
	return resp, nil
}

func (g *Gateway) invokeTool(_ http.ResponseWriter, r *http.Request, req *agent.Request) (any, *api.Error) {
	resp, apiErr := g.registry.Get(req.UserID).HandleTool(r.Context(), req)
	if apiErr != nil {
		return nil, apiErr
	}
	return resp, nil
}

// allow consults the rate limiter, failing open on limiter errors so a Redis
// outage does not take chat down.
func (g *Gateway) allow(key string, rule limits.Rule, r *http.Request) *api.Error {
	decision, err := g.limiter.Allow(r.Context(), key, rule)
	if err != nil {
		return nil
	}
	if !decision.Allowed {
		return api.RateLimited(decision.RetryAfter)
	}
	return nil
}

// isDevAdminRequest reports whether the bearer token is exactly the
// configured dev-admin token. Checked before the pre-auth IP bucket so the
// bypass covers every limiter.
func (g *Gateway) isDevAdminRequest(r *http.Request) bool {
	if g.cfg.DevAdminToken == "" {
		return false
	}
	header := r.Header.Get("Authorization")
	parts := strings.SplitN(header, " ", 2)
	return len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") && parts[1] == g.cfg.DevAdminToken
}

// readBody reads at most cap bytes, mapping overflow to 413.
func readBody(w http.ResponseWriter, r *http.Request, bodyCap int64) ([]byte, *api.Error) {
	r.Body = http.MaxBytesReader(w, r.Body, bodyCap)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, api.PayloadTooLarge("request body exceeds limit")
		}
		return nil, api.BadRequest("unreadable request body")
	}
	return body, nil
}

// clientIP prefers the edge-provided header, then the first forwarded hop,
// then a sentinel. RemoteAddr is deliberately not trusted here because the
// service always sits behind a proxy in deployment.
func clientIP(r *http.Request) string {
	if ip := r.Header.Get("Cf-Connecting-Ip"); ip != "" {
		return ip
	}
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		first := strings.TrimSpace(strings.Split(fwd, ",")[0])
		if first != "" {
			return first
		}
	}
	return "0.0.0.0"
}

// origin returns the public origin for composing artifact URLs.
func (g *Gateway) origin(r *http.Request) string {
	if g.cfg.PublicOrigin != "" {
		return g.cfg.PublicOrigin
	}
	scheme := "https"
	if r.TLS == nil {
		scheme = "http"
	}
	host := r.Host
	if host == "" {
		host = net.JoinHostPort("localhost", g.cfg.Port)
	}
	return scheme + "://" + host
}
