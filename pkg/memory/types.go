package memory

import "time"

// SourceType classifies where a memory came from. The set is closed;
// Valid rejects anything else at ingestion.
type SourceType string

const (
	SourceConversation SourceType = "conversation"
	SourceFact         SourceType = "fact"
	SourcePreference   SourceType = "preference"
	SourceFeedback     SourceType = "feedback"
	SourceSummary      SourceType = "summary"
)

func (s SourceType) Valid() bool {
	switch s {
	case SourceConversation, SourceFact, SourcePreference, SourceFeedback, SourceSummary:
		return true
	}
	return false
}

// ReviewState is the retention scheduler's per-memory state machine.
// Archived is terminal; archived memories stay on a low-frequency audit
// cadence instead of the normal spaced-repetition schedule.
type ReviewState string

const (
	ReviewNew       ReviewState = "new"
	ReviewScheduled ReviewState = "scheduled"
	ReviewReviewed  ReviewState = "reviewed"
	ReviewArchived  ReviewState = "archived"
)

// Memory is one long-term memory record.
type Memory struct {
	ID         string
	Content    string
	Embedding  []float32
	Source     SourceType
	Importance float64
	Topics     []string
	Metadata   map[string]string
	CreatedAt  time.Time

	// Retention scheduler state.
	State              ReviewState
	ReinforcementCount int
	LastReinforcedAt   time.Time
	ReviewInterval     time.Duration
	NextReviewAt       time.Time
	HitMaxInterval     bool
	FlaggedForReview   bool
}

// Clone returns a deep copy; snapshots and query results hand out clones
// so callers can never mutate live store state.
func (m Memory) Clone() Memory {
	out := m
	if m.Embedding != nil {
		out.Embedding = make([]float32, len(m.Embedding))
		copy(out.Embedding, m.Embedding)
	}
	if m.Topics != nil {
		out.Topics = append([]string(nil), m.Topics...)
	}
	if m.Metadata != nil {
		out.Metadata = make(map[string]string, len(m.Metadata))
		for k, v := range m.Metadata {
			out.Metadata[k] = v
		}
	}
	return out
}

// Hit is a raw nearest-neighbor result: cosine similarity only, before
// temporal weighting.
type Hit struct {
	ID         string
	Similarity float64
}

// Scored is a query result after temporal weighting.
type Scored struct {
	Memory       Memory
	Similarity   float64
	DecayFactor  float64
	RecencyScore float64
	FinalScore   float64
}

// ReviewQuestion is a deterministic, template-generated prompt used for
// spaced-repetition review. No model call is involved.
type ReviewQuestion struct {
	MemoryID string
	Question string
	Answer   string
	Source   SourceType
}

// Stats is the aggregate view of the store.
type Stats struct {
	TotalMemories     int                `json:"total_memories"`
	BySource          map[SourceType]int `json:"by_source"`
	AverageImportance float64            `json:"average_importance"`
	OldestCreatedAt   time.Time          `json:"oldest_created_at"`
	NewestCreatedAt   time.Time          `json:"newest_created_at"`
	TopicCount        int                `json:"topic_count"`
}

// ReviewHealth summarizes retention scheduler state across the store.
type ReviewHealth struct {
	Scheduled       int     `json:"scheduled"`
	Due             int     `json:"due"`
	Archived        int     `json:"archived"`
	Reviews         int     `json:"reviews"`
	SuccessRate     float64 `json:"success_rate"`
	AvgIntervalDays float64 `json:"avg_interval_days"`
}
