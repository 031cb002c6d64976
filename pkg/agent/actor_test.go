package agent_test

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderealhq/agentd/pkg/agent"
	"github.com/siderealhq/agentd/pkg/api"
	"github.com/siderealhq/agentd/pkg/memory"
	"github.com/siderealhq/agentd/pkg/store"
	"github.com/siderealhq/agentd/pkg/tools"
)

type fakeLLM struct {
	mu      sync.Mutex
	reply   string
	err     error
	prompts []string
}

func (f *fakeLLM) Complete(_ context.Context, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return "", f.err
	}
	return f.reply, nil
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func newTestRegistry(t *testing.T, st *store.Store, llm *fakeLLM) *agent.Registry {
	t.Helper()
	var mem *memory.Service
	if st != nil {
		mem = &memory.Service{Store: st}
	}
	return agent.NewRegistry(&agent.Deps{
		Store:     st,
		LLM:       llm,
		Memory:    mem,
		Tools:     tools.NewRunner(""),
		ChatModel: "test-model",
	})
}

func chatRequest(userID, message string) *agent.Request {
	body, _ := json.Marshal(map[string]any{"message": message})
	return &agent.Request{
		RequestID:     "req_test",
		UserID:        userID,
		MemoryAllowed: true,
		ToolsAllowed:  true,
		ExportAllowed: true,
		Body:          body,
	}
}

func TestChatHappyPath(t *testing.T) {
	st := openTestStore(t)
	llm := &fakeLLM{reply: "hello there"}
	reg := newTestRegistry(t, st, llm)
	ctx := context.Background()

	resp, apiErr := reg.Get("u1").HandleChat(ctx, chatRequest("u1", "hi"))
	require.Nil(t, apiErr)
	assert.Equal(t, "hello there", resp.Reply)

	// Both turns persisted with the request id on record.
	n, err := st.CountTurns(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// State blob saved.
	blob, err := st.LoadState(ctx, "u1")
	require.NoError(t, err)
	require.NotNil(t, blob)
	var state struct {
		TurnCount int `json:"turnCount"`
	}
	require.NoError(t, json.Unmarshal(blob, &state))
	assert.Equal(t, 1, state.TurnCount)

	// One write event per chat.
	events, err := st.CountEvents(ctx, "u1", "write")
	require.NoError(t, err)
	assert.Equal(t, 1, events)

	// The prompt carries the user message and the assistant cue.
	require.Len(t, llm.prompts, 1)
	assert.Contains(t, llm.prompts[0], "user: hi")
	assert.True(t, strings.HasSuffix(llm.prompts[0], "ASSISTANT:"))
}

func TestChatValidatesMessage(t *testing.T) {
	llm := &fakeLLM{reply: "ok"}
	reg := newTestRegistry(t, nil, llm)
	a := reg.Get("u1")
	ctx := context.Background()

	_, apiErr := a.HandleChat(ctx, chatRequest("u1", ""))
	require.NotNil(t, apiErr)
	assert.Equal(t, api.CodeBadRequest, apiErr.Code)

	_, apiErr = a.HandleChat(ctx, chatRequest("u1", strings.Repeat("x", agent.MaxMsgChars+1)))
	require.NotNil(t, apiErr)
	assert.Equal(t, api.CodeBadRequest, apiErr.Code)

	req := &agent.Request{UserID: "u1", Body: []byte("{not json")}
	_, apiErr = a.HandleChat(ctx, req)
	require.NotNil(t, apiErr)
	assert.Equal(t, api.CodeBadRequest, apiErr.Code)

	body, _ := json.Marshal(map[string]any{
		"message":     "hi",
		"pageContext": strings.Repeat("p", agent.MaxPageCtxChars+1),
	})
	_, apiErr = a.HandleChat(ctx, &agent.Request{UserID: "u1", Body: body})
	require.NotNil(t, apiErr)
	assert.Equal(t, api.CodeBadRequest, apiErr.Code)

	// Nothing reached the model.
	assert.Empty(t, llm.prompts)
}

func TestChatModelFailureMapping(t *testing.T) {
	reg := newTestRegistry(t, nil, &fakeLLM{err: context.DeadlineExceeded})
	_, apiErr := reg.Get("u1").HandleChat(context.Background(), chatRequest("u1", "hi"))
	require.NotNil(t, apiErr)
	assert.Equal(t, api.CodeUpstreamTimeout, apiErr.Code)
	assert.Equal(t, http.StatusGatewayTimeout, apiErr.Status)

	reg = newTestRegistry(t, nil, &fakeLLM{err: fmt.Errorf("model exploded")})
	_, apiErr = reg.Get("u1").HandleChat(context.Background(), chatRequest("u1", "hi"))
	require.NotNil(t, apiErr)
	assert.Equal(t, api.CodeUpstream, apiErr.Code)
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)
}

func TestEpisodeWrittenEverySixthTurn(t *testing.T) {
	st := openTestStore(t)
	reg := newTestRegistry(t, st, &fakeLLM{reply: "ok"})
	a := reg.Get("u1")
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, apiErr := a.HandleChat(ctx, chatRequest("u1", fmt.Sprintf("message %d", i)))
		require.Nil(t, apiErr)
	}
	n, err := st.CountMemories(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, n, "no episode before the sixth turn")

	_, apiErr := a.HandleChat(ctx, chatRequest("u1", "message 5"))
	require.Nil(t, apiErr)

	n, err = st.CountMemories(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "episode written on the sixth turn")
}

func TestMemoryOptOutSkipsRecallAndEpisode(t *testing.T) {
	st := openTestStore(t)
	reg := newTestRegistry(t, st, &fakeLLM{reply: "ok"})
	a := reg.Get("u1")
	ctx := context.Background()

	body, _ := json.Marshal(map[string]any{"message": "hi", "memoryEnabled": false})
	for i := 0; i < 6; i++ {
		_, apiErr := a.HandleChat(ctx, &agent.Request{
			RequestID:     "req_test",
			UserID:        "u1",
			MemoryAllowed: true,
			Body:          body,
		})
		require.Nil(t, apiErr)
	}

	recalls, err := st.CountEvents(ctx, "u1", "recall")
	require.NoError(t, err)
	assert.Equal(t, 0, recalls)

	n, err := st.CountMemories(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 0, n, "opt-out must suppress the episode write")
}

func TestTokenMemFalseSkipsRecall(t *testing.T) {
	st := openTestStore(t)
	reg := newTestRegistry(t, st, &fakeLLM{reply: "ok"})
	ctx := context.Background()

	req := chatRequest("u1", "hi")
	req.MemoryAllowed = false
	_, apiErr := reg.Get("u1").HandleChat(ctx, req)
	require.Nil(t, apiErr)

	recalls, err := st.CountEvents(ctx, "u1", "recall")
	require.NoError(t, err)
	assert.Equal(t, 0, recalls)
}

func TestStateSeededFromStoredTurns(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.AppendTurn(ctx, &store.Turn{UserID: "u1", Role: "user", Content: "earlier question"}, store.MaxTurns))
	require.NoError(t, st.AppendTurn(ctx, &store.Turn{UserID: "u1", Role: "assistant", Content: "earlier answer"}, store.MaxTurns))

	llm := &fakeLLM{reply: "ok"}
	reg := newTestRegistry(t, st, llm)

	_, apiErr := reg.Get("u1").HandleChat(ctx, chatRequest("u1", "follow-up"))
	require.Nil(t, apiErr)

	require.Len(t, llm.prompts, 1)
	assert.Contains(t, llm.prompts[0], "earlier question")
	assert.Contains(t, llm.prompts[0], "earlier answer")
}

func TestRegistryReturnsStableInstance(t *testing.T) {
	reg := newTestRegistry(t, nil, &fakeLLM{reply: "ok"})
	assert.Same(t, reg.Get("u1"), reg.Get("u1"))
	assert.NotSame(t, reg.Get("u1"), reg.Get("u2"))
}

func TestConcurrentChatsSerialize(t *testing.T) {
	st := openTestStore(t)
	reg := newTestRegistry(t, st, &fakeLLM{reply: "ok"})
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, apiErr := reg.Get("u1").HandleChat(ctx, chatRequest("u1", fmt.Sprintf("m%d", i)))
			assert.Nil(t, apiErr)
		}(i)
	}
	wg.Wait()

	blob, err := st.LoadState(ctx, "u1")
	require.NoError(t, err)
	var state struct {
		TurnCount int `json:"turnCount"`
	}
	require.NoError(t, json.Unmarshal(blob, &state))
	assert.Equal(t, 8, state.TurnCount, "serialized execution must not lose turns")
}

func toolRequest(userID string, body map[string]any) *agent.Request {
	raw, _ := json.Marshal(body)
	return &agent.Request{
		RequestID:    "req_test",
		UserID:       userID,
		ToolsAllowed: true,
		Body:         raw,
	}
}

func TestToolForbiddenWithoutCapability(t *testing.T) {
	reg := newTestRegistry(t, nil, &fakeLLM{})
	req := toolRequest("u1", map[string]any{"name": tools.NatalExportFull})
	req.ToolsAllowed = false

	_, apiErr := reg.Get("u1").HandleTool(context.Background(), req)
	require.NotNil(t, apiErr)
	assert.Equal(t, api.CodeForbidden, apiErr.Code)
}

func TestToolRejectsUnknownName(t *testing.T) {
	reg := newTestRegistry(t, nil, &fakeLLM{})
	_, apiErr := reg.Get("u1").HandleTool(context.Background(),
		toolRequest("u1", map[string]any{"name": "rm_rf"}))
	require.NotNil(t, apiErr)
	assert.Equal(t, api.CodeBadRequest, apiErr.Code)
}

func TestToolRejectsNonObjectArgs(t *testing.T) {
	reg := newTestRegistry(t, nil, &fakeLLM{})
	_, apiErr := reg.Get("u1").HandleTool(context.Background(),
		toolRequest("u1", map[string]any{"name": tools.NatalExportFull, "args": []int{1, 2}}))
	require.NotNil(t, apiErr)
	assert.Equal(t, api.CodeBadRequest, apiErr.Code)
}

func TestToolSuccessAuditsAndRedacts(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"public": "ok",
			"token":  "abc",
			"nested": map[string]any{"api_key": "x", "value": 1},
		})
	}))
	defer backend.Close()

	st := openTestStore(t)
	reg := agent.NewRegistry(&agent.Deps{
		Store:     st,
		LLM:       &fakeLLM{},
		Tools:     tools.NewRunner(backend.URL),
		ChatModel: "test-model",
	})
	ctx := context.Background()

	// Null args collapse to the empty object.
	resp, apiErr := reg.Get("u1").HandleTool(ctx,
		&agent.Request{UserID: "u1", ToolsAllowed: true, RequestID: "req_test",
			Body: []byte(`{"name":"natal_export_full","args":null}`)})
	require.Nil(t, apiErr)

	assert.Equal(t, "ok", resp.SafeJSON["public"])
	_, leaked := resp.SafeJSON["token"]
	assert.False(t, leaked, "token must be redacted")
	nested, _ := resp.SafeJSON["nested"].(map[string]any)
	_, leaked = nested["api_key"]
	assert.False(t, leaked, "nested api_key must be redacted")

	audits, err := st.ListToolAudit(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, "ok", audits[0].Status)
	assert.True(t, audits[0].RedactionApplied)
	assert.Equal(t, "req_test", audits[0].RequestID)

	events, err := st.CountEvents(ctx, "u1", "tool")
	require.NoError(t, err)
	assert.Equal(t, 1, events)
}

func TestToolBackendFailureAudited(t *testing.T) {
	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer backend.Close()

	st := openTestStore(t)
	reg := agent.NewRegistry(&agent.Deps{
		Store: st,
		LLM:   &fakeLLM{},
		Tools: tools.NewRunner(backend.URL),
	})
	ctx := context.Background()

	_, apiErr := reg.Get("u1").HandleTool(ctx,
		toolRequest("u1", map[string]any{"name": tools.NatalExportFull}))
	require.NotNil(t, apiErr)
	assert.Equal(t, api.CodeUpstream, apiErr.Code)
	assert.Equal(t, http.StatusBadGateway, apiErr.Status)

	audits, err := st.ListToolAudit(ctx, "u1", 10)
	require.NoError(t, err)
	require.Len(t, audits, 1)
	assert.Equal(t, "error", audits[0].Status)
}
