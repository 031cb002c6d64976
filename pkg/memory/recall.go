// Package memory composes recall snippets from pinned memories and the
// semantic index, and writes periodic episode condensations. All of it is
// best-effort: a degraded recall never fails the chat that requested it.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/gowebpki/jcs"

	"github.com/siderealhq/agentd/pkg/ids"
	"github.com/siderealhq/agentd/pkg/llm"
	"github.com/siderealhq/agentd/pkg/store"
	"github.com/siderealhq/agentd/pkg/vector"
)

const (
	// PinnedLimit caps the memories included regardless of similarity.
	PinnedLimit = 12
	// TopK is the semantic nearest-neighbor fanout.
	TopK = 8
	// RecallCap bounds the combined snippet list.
	RecallCap = 16
)

// pinnedTypes are included in every recall.
var pinnedTypes = []string{"fact", "preference", "constraint", "style"}

// Service wires the store, the embedder and the optional vector index.
// Embedder and Index may be nil; recall then degrades to pinned-only.
type Service struct {
	Store    *store.Store
	Embedder llm.Embedder
	Index    vector.Index
}

// Recall returns up to RecallCap formatted snippets for the query.
func (s *Service) Recall(ctx context.Context, userID, query string) []string {
	if s.Store == nil {
		return nil
	}

	pinned, err := s.Store.ListPinnedMemories(ctx, userID, pinnedTypes, PinnedLimit)
	if err != nil {
		slog.Warn("recall: pinned lookup failed", "user", ids.HashUserID(userID), "error", err)
	}

	var semantic []store.Memory
	semanticCount := 0
	if s.Index != nil && s.Embedder != nil {
		semantic = s.semanticRecall(ctx, userID, query)
		semanticCount = len(semantic)
	}

	seen := make(map[string]struct{})
	snippets := make([]string, 0, RecallCap)
	for _, m := range append(pinned, semantic...) {
		snippet := formatSnippet(m)
		if _, dup := seen[snippet]; dup {
			continue
		}
		seen[snippet] = struct{}{}
		snippets = append(snippets, snippet)
		if len(snippets) >= RecallCap {
			break
		}
	}

	payload, _ := json.Marshal(map[string]int{
		"pinned":   len(pinned),
		"semantic": semanticCount,
		"returned": len(snippets),
	})
	if err := s.Store.AppendEvent(ctx, &store.MemoryEvent{
		UserID:      userID,
		EventType:   "recall",
		PayloadJSON: payload,
	}); err != nil {
		slog.Warn("recall: event append failed", "user", ids.HashUserID(userID), "error", err)
	}

	return snippets
}

// semanticRecall embeds the query and loads the matched rows. Any failure
// along the way degrades to nothing.
func (s *Service) semanticRecall(ctx context.Context, userID, query string) []store.Memory {
	vec, err := s.Embedder.Embed(ctx, query)
	if err != nil || len(vec) == 0 {
		return nil
	}

	matches, err := s.Index.Query(ctx, vec, TopK, map[string]string{"user_id": userID})
	if err != nil {
		slog.Warn("recall: index query failed", "user", ids.HashUserID(userID), "error", err)
		return nil
	}

	matchIDs := make([]string, 0, len(matches))
	for _, m := range matches {
		matchIDs = append(matchIDs, m.ID)
	}

	rows, err := s.Store.GetMemoriesByIDs(ctx, userID, matchIDs)
	if err != nil {
		slog.Warn("recall: match load failed", "user", ids.HashUserID(userID), "error", err)
		return nil
	}
	return rows
}

// formatSnippet renders a memory row as "[<type>] <json-content>". The
// content is canonicalized (RFC 8785) so identical memories de-duplicate
// regardless of key order.
func formatSnippet(m store.Memory) string {
	content := m.ContentJSON
	if canonical, err := jcs.Transform(content); err == nil {
		content = canonical
	}
	return fmt.Sprintf("[%s] %s", m.Type, content)
}

// WriteEpisode stores a condensation of recent turns as an episode memory
// and, when the index is configured, upserts its embedding.
func (s *Service) WriteEpisode(ctx context.Context, userID, summary string) error {
	if s.Store == nil {
		return nil
	}

	content, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("memory: marshal episode: %w", err)
	}

	var vec []float32
	if s.Embedder != nil {
		// Embedding failure is tolerated; the episode still persists.
		vec, _ = s.Embedder.Embed(ctx, summary)
	}

	m := &store.Memory{
		UserID:      userID,
		Type:        "episode",
		ContentJSON: content,
		Source:      "chat",
	}
	if len(vec) > 0 {
		m.EmbeddingJSON, _ = json.Marshal(vec)
	}

	if err := s.Store.InsertMemory(ctx, m, store.MaxMemories); err != nil {
		return fmt.Errorf("memory: insert episode: %w", err)
	}

	if s.Index != nil && len(vec) > 0 {
		if err := s.Index.Upsert(ctx, []vector.Item{{
			ID:       m.ID,
			Values:   vec,
			Metadata: map[string]string{"user_id": userID, "type": "episode"},
		}}); err != nil {
			slog.Warn("episode: index upsert failed", "user", ids.HashUserID(userID), "error", err)
		}
	}
	return nil
}
