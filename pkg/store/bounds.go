package store

// Per-user retention bounds. Pruning keeps the newest rows.
const (
	// MaxTurns bounds both the in-memory turn ring and the persisted
	// conversational turns per user.
	MaxTurns = 32
	// MaxMemories bounds the rows surviving in the memory store per user,
	// newest-by-updated_at retained.
	MaxMemories = 200
)
