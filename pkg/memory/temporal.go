package memory

import (
	"math"
	"sort"
	"time"
)

// DecayConfig holds the temporal weighting knobs. Half-lives are in
// days, per source type; zero entries fall back to Default.
type DecayConfig struct {
	DefaultHalfLife      float64
	ConversationHalfLife float64
	FactHalfLife         float64
	PreferenceHalfLife   float64
	FeedbackHalfLife     float64
	SummaryHalfLife      float64

	// RecencyBias scales how fast the recency score falls off.
	RecencyBias float64

	// ImportanceRetention flattens the importance term: the score uses
	// importance^(1-retention), so higher retention means stored
	// importance matters less at query time.
	ImportanceRetention float64

	// Reinforcement extends the effective half-life, up to
	// MaxReinforcementCount reinforcements.
	ReinforcementBoost    float64
	MaxReinforcementCount int
}

func DefaultDecayConfig() DecayConfig {
	return DecayConfig{
		DefaultHalfLife:       30,
		ConversationHalfLife:  15,
		FactHalfLife:          60,
		PreferenceHalfLife:    90,
		FeedbackHalfLife:      45,
		SummaryHalfLife:       30,
		RecencyBias:           1.0,
		ImportanceRetention:   0.8,
		ReinforcementBoost:    0.2,
		MaxReinforcementCount: 5,
	}
}

// HalfLife returns the configured half-life in days for a source type.
func (c DecayConfig) HalfLife(source SourceType) float64 {
	var hl float64
	switch source {
	case SourceConversation:
		hl = c.ConversationHalfLife
	case SourceFact:
		hl = c.FactHalfLife
	case SourcePreference:
		hl = c.PreferenceHalfLife
	case SourceFeedback:
		hl = c.FeedbackHalfLife
	case SourceSummary:
		hl = c.SummaryHalfLife
	}
	if hl <= 0 {
		hl = c.DefaultHalfLife
	}
	if hl <= 0 {
		hl = 30
	}
	return hl
}

// effectiveTimestamp is the decay anchor: reinforcement moves a memory's
// clock forward, so a recently reinforced memory decays from that point
// rather than from creation.
func effectiveTimestamp(m Memory) time.Time {
	if m.LastReinforcedAt.After(m.CreatedAt) {
		return m.LastReinforcedAt
	}
	return m.CreatedAt
}

// ageDays returns the memory's age at now, in days. Missing or future
// timestamps count as age zero so a bad clock never buries a record.
func ageDays(m Memory, now time.Time) float64 {
	ts := effectiveTimestamp(m)
	if ts.IsZero() || ts.After(now) {
		return 0
	}
	return now.Sub(ts).Hours() / 24
}

// DecayFactor computes 2^(-age/half_life) with the half-life stretched
// by reinforcement count.
func (c DecayConfig) DecayFactor(m Memory, now time.Time) float64 {
	hl := c.HalfLife(m.Source)
	if m.ReinforcementCount > 0 && c.MaxReinforcementCount > 0 {
		n := m.ReinforcementCount
		if n > c.MaxReinforcementCount {
			n = c.MaxReinforcementCount
		}
		hl *= 1 + float64(n)/float64(c.MaxReinforcementCount)*c.ReinforcementBoost
	}
	return math.Exp2(-ageDays(m, now) / hl)
}

// recencyScore is 1.0 at age zero and falls toward zero with age.
func (c DecayConfig) recencyScore(age float64) float64 {
	bias := c.RecencyBias
	if bias <= 0 {
		bias = 1.0
	}
	return 1.0 / (1.0 + age*bias/10.0)
}

// Weigh converts raw similarity hits into temporally weighted results,
// sorted best first. Recency is normalized within the candidate set, so
// the freshest candidate scores 1.0. Ties break on importance, then on
// creation time (newest wins), so ordering is deterministic.
func (c DecayConfig) Weigh(records []Memory, similarity map[string]float64, now time.Time) []Scored {
	maxRecency := 0.0
	rawRecency := make([]float64, len(records))
	for i, m := range records {
		rawRecency[i] = c.recencyScore(ageDays(m, now))
		if rawRecency[i] > maxRecency {
			maxRecency = rawRecency[i]
		}
	}

	out := make([]Scored, 0, len(records))
	for i, m := range records {
		decay := c.DecayFactor(m, now)
		recency := rawRecency[i]
		if maxRecency > 0 {
			recency /= maxRecency
		}

		// Zero is a valid setting (raw importance, no flattening); only
		// values outside [0,1) fall back.
		retention := c.ImportanceRetention
		if retention < 0 || retention >= 1 {
			retention = 0.8
		}
		importanceWeight := math.Pow(clamp01(m.Importance), 1-retention)

		sim := similarity[m.ID]
		var final float64
		if sim > 0 {
			final = (sim*0.4 + importanceWeight*0.3 + recency*0.3) * decay
		} else {
			final = (importanceWeight*0.5 + recency*0.5) * decay
		}
		out = append(out, Scored{
			Memory:       m,
			Similarity:   sim,
			DecayFactor:  decay,
			RecencyScore: recency,
			FinalScore:   final,
		})
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].FinalScore != out[b].FinalScore {
			return out[a].FinalScore > out[b].FinalScore
		}
		if out[a].Memory.Importance != out[b].Memory.Importance {
			return out[a].Memory.Importance > out[b].Memory.Importance
		}
		return out[a].Memory.CreatedAt.After(out[b].Memory.CreatedAt)
	})
	return out
}

// ForgettingThreshold is the decay level below which a memory becomes a
// pruning candidate. Facts and preferences get low base thresholds, and
// importance lowers the threshold further.
func (c DecayConfig) ForgettingThreshold(age float64, source SourceType, importance float64) float64 {
	var base float64
	switch source {
	case SourceFact:
		base = 0.1
	case SourcePreference:
		base = 0.05
	default:
		base = 0.2
	}
	importanceFactor := 1.0 - clamp01(importance)
	ageFactor := math.Min(age/c.HalfLife(source), 1.0)
	threshold := base * (1.0 + importanceFactor) * (1.0 + ageFactor)
	return math.Min(threshold, 0.9)
}

// ShouldForget reports whether a memory's decay has fallen below its
// forgetting threshold, with the threshold tightened as the store fills.
func (c DecayConfig) ShouldForget(m Memory, now time.Time, count, maxMemories int) bool {
	if maxMemories <= 0 {
		return false
	}
	pressure := float64(count) / float64(maxMemories)
	factor := 1.0
	switch {
	case pressure > 0.9:
		factor = 1.5
	case pressure > 0.7:
		factor = 1.2
	}
	age := ageDays(m, now)
	threshold := c.ForgettingThreshold(age, m.Source, m.Importance) * factor
	return c.DecayFactor(m, now) < threshold
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
