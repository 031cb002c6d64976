package memory_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/siderealhq/agentd/pkg/memory"
	"github.com/siderealhq/agentd/pkg/store"
	"github.com/siderealhq/agentd/pkg/vector"
)

type fakeEmbedder struct {
	vec []float32
	err error
}

func (f *fakeEmbedder) Embed(_ context.Context, _ string) ([]float32, error) {
	return f.vec, f.err
}

type fakeIndex struct {
	matches  []vector.Match
	queryErr error
	upserted []vector.Item
}

func (f *fakeIndex) Query(_ context.Context, _ []float32, _ int, _ map[string]string) ([]vector.Match, error) {
	return f.matches, f.queryErr
}

func (f *fakeIndex) Upsert(_ context.Context, items []vector.Item) error {
	f.upserted = append(f.upserted, items...)
	return nil
}

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestRecallPinnedOnly(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.InsertMemory(ctx, &store.Memory{
		UserID: "u1", Type: "fact", ContentJSON: []byte(`{"likes":"jazz"}`),
	}, 0))
	require.NoError(t, st.InsertMemory(ctx, &store.Memory{
		UserID: "u1", Type: "episode", ContentJSON: []byte(`"old chat"`),
	}, 0))

	svc := &memory.Service{Store: st}
	snippets := svc.Recall(ctx, "u1", "what music do I like")

	require.Len(t, snippets, 1)
	assert.Equal(t, `[fact] {"likes":"jazz"}`, snippets[0])
}

func TestRecallMergesSemanticMatches(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.InsertMemory(ctx, &store.Memory{
		UserID: "u1", Type: "fact", ContentJSON: []byte(`{"likes":"jazz"}`),
	}, 0))
	episode := &store.Memory{UserID: "u1", Type: "episode", ContentJSON: []byte(`"talked about venues"`)}
	require.NoError(t, st.InsertMemory(ctx, episode, 0))

	svc := &memory.Service{
		Store:    st,
		Embedder: &fakeEmbedder{vec: []float32{0.1, 0.2}},
		Index:    &fakeIndex{matches: []vector.Match{{ID: episode.ID, Score: 0.9}}},
	}

	snippets := svc.Recall(ctx, "u1", "venues")
	require.Len(t, snippets, 2)
	assert.Contains(t, snippets, `[episode] "talked about venues"`)
}

func TestRecallDegradesOnEmbedderFailure(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, st.InsertMemory(ctx, &store.Memory{
		UserID: "u1", Type: "preference", ContentJSON: []byte(`{"tone":"brief"}`),
	}, 0))

	svc := &memory.Service{
		Store:    st,
		Embedder: &fakeEmbedder{err: errors.New("embeddings down")},
		Index:    &fakeIndex{},
	}

	snippets := svc.Recall(ctx, "u1", "anything")
	require.Len(t, snippets, 1)
	assert.True(t, strings.HasPrefix(snippets[0], "[preference]"))
}

func TestRecallDegradesOnIndexFailure(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	svc := &memory.Service{
		Store:    st,
		Embedder: &fakeEmbedder{vec: []float32{0.5}},
		Index:    &fakeIndex{queryErr: errors.New("index down")},
	}

	// No pinned rows either; recall returns nothing but must not fail.
	assert.Empty(t, svc.Recall(ctx, "u1", "anything"))
}

func TestRecallCapped(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	for i := 0; i < memory.PinnedLimit+5; i++ {
		require.NoError(t, st.InsertMemory(ctx, &store.Memory{
			UserID:      "u1",
			Type:        "fact",
			ContentJSON: []byte(fmt.Sprintf(`{"n":%d}`, i)),
		}, 0))
	}

	svc := &memory.Service{Store: st}
	snippets := svc.Recall(ctx, "u1", "q")
	assert.LessOrEqual(t, len(snippets), memory.RecallCap)
	assert.Len(t, snippets, memory.PinnedLimit)
}

func TestRecallDeduplicates(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	// Same content with different key order canonicalizes identically.
	require.NoError(t, st.InsertMemory(ctx, &store.Memory{
		UserID: "u1", Type: "fact", ContentJSON: []byte(`{"a":1,"b":2}`),
	}, 0))
	dup := &store.Memory{UserID: "u1", Type: "fact", ContentJSON: []byte(`{"b":2,"a":1}`)}
	require.NoError(t, st.InsertMemory(ctx, dup, 0))

	svc := &memory.Service{Store: st}
	snippets := svc.Recall(ctx, "u1", "q")
	assert.Len(t, snippets, 1)
}

func TestRecallWritesEvent(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	svc := &memory.Service{Store: st}
	_ = svc.Recall(ctx, "u1", "q")

	n, err := st.CountEvents(ctx, "u1", "recall")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestWriteEpisodeUpsertsIndex(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	idx := &fakeIndex{}
	svc := &memory.Service{
		Store:    st,
		Embedder: &fakeEmbedder{vec: []float32{0.3, 0.4}},
		Index:    idx,
	}

	require.NoError(t, svc.WriteEpisode(ctx, "u1", "user: hi\nassistant: hello"))

	n, err := st.CountMemories(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	require.Len(t, idx.upserted, 1)
	assert.Equal(t, "u1", idx.upserted[0].Metadata["user_id"])
	assert.Equal(t, "episode", idx.upserted[0].Metadata["type"])
}

func TestWriteEpisodeSurvivesEmbedderFailure(t *testing.T) {
	st := openTestStore(t)
	ctx := context.Background()

	svc := &memory.Service{
		Store:    st,
		Embedder: &fakeEmbedder{err: errors.New("embeddings down")},
		Index:    &fakeIndex{},
	}

	require.NoError(t, svc.WriteEpisode(ctx, "u1", "summary"))
	n, err := st.CountMemories(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}
