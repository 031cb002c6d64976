package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/siderealhq/agentd/pkg/api"
	"github.com/siderealhq/agentd/pkg/ids"
	"github.com/siderealhq/agentd/pkg/store"
	"github.com/siderealhq/agentd/pkg/tools"
)

// Request is the synthetic request the gateway forwards to an actor. The
// capability flags come from the verified token.
type Request struct {
	RequestID     string
	UserID        string
	MemoryAllowed bool
	ToolsAllowed  bool
	ExportAllowed bool
	Origin        string
	Body          []byte
}

// ChatResponse is the successful chat payload.
type ChatResponse struct {
	Reply string `json:"reply"`
}

// ToolResponse is the successful tool payload.
type ToolResponse struct {
	SafeJSON map[string]any `json:"safe_json"`
}

// UserAgent holds one user's conversational state. The mutex makes it a
// single-writer unit: at most one request mutates state at a time, including
// across its suspension points.
type UserAgent struct {
	userID string
	mu     sync.Mutex
	state  *State
	loaded bool
	deps   *Deps
}

type chatBody struct {
	Message       string `json:"message"`
	PageContext   string `json:"pageContext,omitempty"`
	MemoryEnabled *bool  `json:"memoryEnabled,omitempty"`
}

// HandleChat executes one chat turn.
func (a *UserAgent) HandleChat(ctx context.Context, req *Request) (*ChatResponse, *api.Error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	var body chatBody
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return nil, api.BadRequest("invalid JSON body")
	}

	msgLen := len([]rune(body.Message))
	if msgLen < 1 || msgLen > MaxMsgChars {
		return nil, api.BadRequest(fmt.Sprintf("message must be 1..%d characters", MaxMsgChars))
	}
	if len([]rune(body.PageContext)) > MaxPageCtxChars {
		return nil, api.BadRequest(fmt.Sprintf("pageContext exceeds %d characters", MaxPageCtxChars))
	}

	if err := a.loadState(ctx); err != nil {
		slog.Warn("chat: state load failed, starting fresh",
			"user", ids.HashUserID(a.userID), "error", err)
	}

	a.state.push("user", body.Message)
	a.state.TurnCount++

	memoryAllowed := a.deps.Store != nil && req.MemoryAllowed &&
		(body.MemoryEnabled == nil || *body.MemoryEnabled)

	var recall []string
	if memoryAllowed && a.deps.Memory != nil {
		recall = a.deps.Memory.Recall(ctx, a.userID, body.Message)
	}

	prompt := buildPrompt(recall, body.PageContext, a.trimmedTurns(recall, body.PageContext))

	mctx, cancel := context.WithTimeout(ctx, ModelTimeout)
	reply, err := a.deps.LLM.Complete(mctx, prompt)
	cancel()
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || mctx.Err() == context.DeadlineExceeded {
			return nil, api.UpstreamTimeout("model did not respond in time")
		}
		return nil, api.Upstream("model call failed")
	}

	a.state.push("assistant", reply)

	// Side effects after the reply exists are best-effort; a persistence
	// failure must not fail a chat that already produced a reply.
	a.persistChat(ctx, req, body.Message, reply)

	if memoryAllowed && a.state.TurnCount%episodeEvery == 0 && a.deps.Memory != nil {
		if err := a.deps.Memory.WriteEpisode(ctx, a.userID, a.episodeSummary()); err != nil {
			slog.Warn("chat: episode write failed",
				"user", ids.HashUserID(a.userID), "error", err)
		}
	}

	return &ChatResponse{Reply: reply}, nil
}

// loadState lazily loads the persisted blob, seeding turns from the stored
// conversation when the blob is absent.
func (a *UserAgent) loadState(ctx context.Context) error {
	if a.loaded {
		return nil
	}
	a.state = newState()
	a.loaded = true

	if a.deps.Store == nil {
		return nil
	}

	blob, err := a.deps.Store.LoadState(ctx, a.userID)
	if err != nil {
		return err
	}
	if len(blob) > 0 {
		var s State
		if err := json.Unmarshal(blob, &s); err != nil {
			return fmt.Errorf("agent: corrupt state blob: %w", err)
		}
		if s.Working == nil {
			s.Working = make(map[string]string)
		}
		a.state = &s
		return nil
	}

	turns, err := a.deps.Store.RecentTurns(ctx, a.userID, store.MaxTurns)
	if err != nil {
		return err
	}
	for _, t := range turns {
		a.state.Turns = append(a.state.Turns, Turn{
			Role:    t.Role,
			Content: t.Content,
			TS:      t.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	return nil
}

// trimmedTurns selects turns newest-to-oldest while the combined recall,
// page-context and turn characters fit the context budget, then returns them
// in chronological order.
func (a *UserAgent) trimmedTurns(recall []string, pageCtx string) []Turn {
	budget := MaxTotalCtxChars - len([]rune(pageCtx))
	for _, s := range recall {
		budget -= len([]rune(s))
	}

	var kept []Turn
	for i := len(a.state.Turns) - 1; i >= 0; i-- {
		t := a.state.Turns[i]
		cost := len([]rune(t.Content))
		if budget-cost < 0 {
			break
		}
		budget -= cost
		kept = append(kept, t)
	}

	for i, j := 0, len(kept)-1; i < j; i, j = i+1, j-1 {
		kept[i], kept[j] = kept[j], kept[i]
	}
	return kept
}

// persistChat writes the state blob, the event-log entry and both turns.
func (a *UserAgent) persistChat(ctx context.Context, req *Request, userMsg, reply string) {
	if a.deps.Store == nil {
		return
	}
	log := slog.With("user", ids.HashUserID(a.userID), "request", req.RequestID)

	blob, err := json.Marshal(a.state)
	if err == nil {
		err = a.deps.Store.SaveState(ctx, a.userID, blob)
	}
	if err != nil {
		log.Warn("chat: state persist failed", "error", err)
	}

	payload, _ := json.Marshal(map[string]any{"turnCount": a.state.TurnCount})
	if err := a.deps.Store.AppendEvent(ctx, &store.MemoryEvent{
		UserID:      a.userID,
		EventType:   "write",
		PayloadJSON: payload,
		Source:      "chat",
	}); err != nil {
		log.Warn("chat: event append failed", "error", err)
	}

	for _, t := range []store.Turn{
		{UserID: a.userID, Role: "user", Content: userMsg, RequestID: req.RequestID},
		{UserID: a.userID, Role: "assistant", Content: reply, RequestID: req.RequestID, Model: a.deps.ChatModel},
	} {
		turn := t
		if err := a.deps.Store.AppendTurn(ctx, &turn, store.MaxTurns); err != nil {
			log.Warn("chat: turn persist failed", "role", turn.Role, "error", err)
		}
	}
}

// episodeSummary joins the last turns as "role: content" lines.
func (a *UserAgent) episodeSummary() string {
	turns := a.state.Turns
	if len(turns) > episodeTurns {
		turns = turns[len(turns)-episodeTurns:]
	}
	lines := make([]string, 0, len(turns))
	for _, t := range turns {
		lines = append(lines, t.Role+": "+t.Content)
	}
	return strings.Join(lines, "\n")
}

type toolBody struct {
	Name string          `json:"name"`
	Args json.RawMessage `json:"args,omitempty"`
}

// HandleTool executes one allow-listed tool invocation, auditing every
// attempt.
func (a *UserAgent) HandleTool(ctx context.Context, req *Request) (*ToolResponse, *api.Error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if !req.ToolsAllowed {
		return nil, api.Forbidden("tool access not granted")
	}

	var body toolBody
	if err := json.Unmarshal(req.Body, &body); err != nil {
		return nil, api.BadRequest("invalid JSON body")
	}
	if body.Name == "" {
		return nil, api.BadRequest("missing tool name")
	}

	args, apiErr := decodeArgs(body.Args)
	if apiErr != nil {
		return nil, apiErr
	}
	if err := tools.ValidateArgs(body.Name, args); err != nil {
		return nil, api.BadRequest(err.Error())
	}

	result, err := a.deps.Tools.Run(ctx, body.Name, req.RequestID, a.userID, args)
	if err != nil {
		a.auditTool(ctx, req, body.Name, args, "error", nil, false, 0)
		switch {
		case errors.Is(err, tools.ErrUpstreamTimeout):
			return nil, api.UpstreamTimeout("tool backend timed out")
		case errors.Is(err, tools.ErrUpstream):
			return nil, api.Upstream("tool backend failed")
		default:
			return nil, api.BadRequest(err.Error())
		}
	}

	if a.deps.Store != nil {
		payload, _ := json.Marshal(map[string]any{"tool": body.Name})
		if err := a.deps.Store.AppendEvent(ctx, &store.MemoryEvent{
			UserID:      a.userID,
			EventType:   "tool",
			PayloadJSON: payload,
			Source:      "tool",
		}); err != nil {
			slog.Warn("tool: event append failed",
				"user", ids.HashUserID(a.userID), "error", err)
		}
	}
	a.auditTool(ctx, req, body.Name, args, "ok", result.SafeJSON, result.Redacted, result.Duration)

	return &ToolResponse{SafeJSON: result.SafeJSON}, nil
}

// decodeArgs applies the argument shape rules: absent or null collapses to
// the empty object; anything but an object is rejected.
func decodeArgs(raw json.RawMessage) (map[string]any, *api.Error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, api.BadRequest("args must be an object")
	}
	return args, nil
}

// auditTool writes one audit row per invocation attempt, with arguments and
// output truncated to bounded sizes.
func (a *UserAgent) auditTool(ctx context.Context, req *Request, tool string, args map[string]any,
	status string, output map[string]any, redacted bool, duration time.Duration) {

	if a.deps.Store == nil {
		return
	}

	const auditCap = 4096
	truncate := func(v any) []byte {
		if v == nil {
			return nil
		}
		b, err := json.Marshal(v)
		if err != nil {
			return nil
		}
		if len(b) > auditCap {
			b = b[:auditCap]
		}
		return b
	}

	if err := a.deps.Store.AppendToolAudit(ctx, &store.ToolAudit{
		UserID:             a.userID,
		Tool:               tool,
		RequestID:          req.RequestID,
		Status:             status,
		ArgsJSON:           truncate(args),
		DurationMS:         duration.Milliseconds(),
		RedactionApplied:   redacted,
		RedactedOutputJSON: truncate(output),
	}); err != nil {
		slog.Warn("tool: audit append failed",
			"user", ids.HashUserID(a.userID), "error", err)
	}
}
