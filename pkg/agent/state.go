// Package agent implements the per-user actor: a single-writer state holder
// that executes chat and tool requests for one user. The routing layer owns
// the identity-to-instance mapping; within one actor requests are
// serialized, across actors they run in parallel.
package agent

import (
	"time"

	"github.com/siderealhq/agentd/pkg/store"
)

// Request bounds. Character counts, not bytes.
const (
	MaxMsgChars      = 8000
	MaxPageCtxChars  = 6000
	MaxTotalCtxChars = 24000
)

// ModelTimeout is the hard cap on one language-model call.
const ModelTimeout = 15 * time.Second

// Episode cadence: every episodeEvery-th user turn condenses the last
// episodeTurns turns into one episode memory.
const (
	episodeEvery = 6
	episodeTurns = 12
)

// Turn is one conversational exchange half.
type Turn struct {
	Role    string `json:"role"` // user, assistant
	Content string `json:"content"`
	TS      string `json:"ts"` // UTC ISO-8601
}

// State is the actor's in-memory working state, persisted as one blob after
// every chat.
type State struct {
	Turns     []Turn            `json:"turns"`
	Working   map[string]string `json:"working,omitempty"`
	TurnCount int               `json:"turnCount"`
}

func newState() *State {
	return &State{Working: make(map[string]string)}
}

// push appends a turn and clamps the ring to store.MaxTurns, dropping the
// oldest.
func (s *State) push(role, content string) {
	s.Turns = append(s.Turns, Turn{
		Role:    role,
		Content: content,
		TS:      time.Now().UTC().Format(time.RFC3339),
	})
	if overflow := len(s.Turns) - store.MaxTurns; overflow > 0 {
		s.Turns = append([]Turn(nil), s.Turns[overflow:]...)
	}
}
