package memory

import (
	"math"
	"testing"
	"time"
)

func TestDecayFactorHalfLifeBoundary(t *testing.T) {
	cfg := DefaultDecayConfig()
	now := time.Now().UTC()

	// A preference aged exactly one half-life (90 days) decays to 0.5.
	m := Memory{Source: SourcePreference, CreatedAt: now.Add(-90 * 24 * time.Hour)}
	got := cfg.DecayFactor(m, now)
	if math.Abs(got-0.5) > 1e-9 {
		t.Fatalf("decay = %v, want 0.5", got)
	}

	// Fresh memory does not decay.
	fresh := Memory{Source: SourceFact, CreatedAt: now}
	if got := cfg.DecayFactor(fresh, now); math.Abs(got-1.0) > 1e-9 {
		t.Fatalf("fresh decay = %v, want 1.0", got)
	}
}

func TestDecayFactorMonotonicWithAge(t *testing.T) {
	cfg := DefaultDecayConfig()
	now := time.Now().UTC()
	prev := 2.0
	for _, days := range []int{0, 1, 7, 30, 90, 365} {
		m := Memory{Source: SourceConversation, CreatedAt: now.Add(-time.Duration(days) * 24 * time.Hour)}
		d := cfg.DecayFactor(m, now)
		if d > prev {
			t.Fatalf("decay increased with age at %d days: %v > %v", days, d, prev)
		}
		if d <= 0 || d > 1 {
			t.Fatalf("decay out of range at %d days: %v", days, d)
		}
		prev = d
	}
}

func TestDecayFactorMissingAndFutureTimestamps(t *testing.T) {
	cfg := DefaultDecayConfig()
	now := time.Now().UTC()

	missing := Memory{Source: SourceFact}
	if got := cfg.DecayFactor(missing, now); got != 1.0 {
		t.Fatalf("missing timestamp decay = %v, want 1.0", got)
	}
	future := Memory{Source: SourceFact, CreatedAt: now.Add(24 * time.Hour)}
	if got := cfg.DecayFactor(future, now); got != 1.0 {
		t.Fatalf("future timestamp decay = %v, want 1.0", got)
	}
}

func TestReinforcementExtendsHalfLife(t *testing.T) {
	cfg := DefaultDecayConfig()
	now := time.Now().UTC()
	base := Memory{Source: SourceConversation, CreatedAt: now.Add(-30 * 24 * time.Hour)}
	reinforced := base
	reinforced.ReinforcementCount = 5

	plain := cfg.DecayFactor(base, now)
	boosted := cfg.DecayFactor(reinforced, now)
	if boosted <= plain {
		t.Fatalf("reinforced decay %v not above plain %v", boosted, plain)
	}

	// Reinforcement also moves the decay anchor forward.
	touched := base
	touched.LastReinforcedAt = now.Add(-1 * 24 * time.Hour)
	if got := cfg.DecayFactor(touched, now); got <= plain {
		t.Fatalf("recently reinforced decay %v not above plain %v", got, plain)
	}
}

func TestWeighOrdersBySimilarityImportanceRecency(t *testing.T) {
	cfg := DefaultDecayConfig()
	now := time.Now().UTC()

	records := []Memory{
		{ID: "old-weak", Source: SourceConversation, Importance: 0.2, CreatedAt: now.Add(-60 * 24 * time.Hour)},
		{ID: "fresh-strong", Source: SourceConversation, Importance: 0.9, CreatedAt: now},
	}
	sims := map[string]float64{"old-weak": 0.3, "fresh-strong": 0.9}

	scored := cfg.Weigh(records, sims, now)
	if len(scored) != 2 {
		t.Fatalf("len = %d", len(scored))
	}
	if scored[0].Memory.ID != "fresh-strong" {
		t.Fatalf("top = %s, want fresh-strong", scored[0].Memory.ID)
	}
	if scored[0].FinalScore <= scored[1].FinalScore {
		t.Fatalf("scores not descending: %v <= %v", scored[0].FinalScore, scored[1].FinalScore)
	}
	for _, s := range scored {
		if s.DecayFactor <= 0 || s.DecayFactor > 1 {
			t.Fatalf("%s decay out of range: %v", s.Memory.ID, s.DecayFactor)
		}
		if s.RecencyScore <= 0 || s.RecencyScore > 1 {
			t.Fatalf("%s recency out of range: %v", s.Memory.ID, s.RecencyScore)
		}
	}
}

func TestWeighRetentionZeroUsesRawImportance(t *testing.T) {
	cfg := DefaultDecayConfig()
	cfg.ImportanceRetention = 0
	now := time.Now().UTC()

	m := Memory{ID: "x", Source: SourceFact, Importance: 0.25, CreatedAt: now}
	scored := cfg.Weigh([]Memory{m}, map[string]float64{"x": 0.8}, now)
	if len(scored) != 1 {
		t.Fatalf("len = %d", len(scored))
	}
	// Fresh record: decay 1.0, recency 1.0, importance enters unflattened.
	want := 0.8*0.4 + 0.25*0.3 + 1.0*0.3
	if math.Abs(scored[0].FinalScore-want) > 1e-9 {
		t.Fatalf("score = %v, want %v", scored[0].FinalScore, want)
	}
}

func TestWeighNormalizesRecencyWithinCandidates(t *testing.T) {
	cfg := DefaultDecayConfig()
	now := time.Now().UTC()
	records := []Memory{
		{ID: "older", Source: SourceFact, Importance: 0.5, CreatedAt: now.Add(-40 * 24 * time.Hour)},
		{ID: "newer", Source: SourceFact, Importance: 0.5, CreatedAt: now.Add(-10 * 24 * time.Hour)},
	}
	sims := map[string]float64{"older": 0.5, "newer": 0.5}

	scored := cfg.Weigh(records, sims, now)
	for _, s := range scored {
		if s.Memory.ID == "newer" && math.Abs(s.RecencyScore-1.0) > 1e-9 {
			t.Fatalf("freshest candidate recency = %v, want 1.0", s.RecencyScore)
		}
		if s.Memory.ID == "older" && s.RecencyScore >= 1.0 {
			t.Fatalf("older candidate recency = %v, want < 1.0", s.RecencyScore)
		}
	}
}

func TestWeighTieBreaksDeterministically(t *testing.T) {
	cfg := DefaultDecayConfig()
	now := time.Now().UTC()
	records := []Memory{
		{ID: "a", Source: SourceFact, Importance: 0.5, CreatedAt: now},
		{ID: "b", Source: SourceFact, Importance: 0.5, CreatedAt: now},
	}
	sims := map[string]float64{"a": 0.8, "b": 0.8}

	first := cfg.Weigh(records, sims, now)
	for i := 0; i < 5; i++ {
		again := cfg.Weigh(records, sims, now)
		if again[0].Memory.ID != first[0].Memory.ID {
			t.Fatalf("tie break not stable: %s vs %s", again[0].Memory.ID, first[0].Memory.ID)
		}
	}
}

func TestShouldForgetRespectsImportanceAndPressure(t *testing.T) {
	cfg := DefaultDecayConfig()
	now := time.Now().UTC()

	old := Memory{Source: SourceConversation, Importance: 0.1, CreatedAt: now.Add(-120 * 24 * time.Hour)}
	if !cfg.ShouldForget(old, now, 950, 1000) {
		t.Fatal("stale low-importance memory should be forgettable under pressure")
	}

	important := Memory{Source: SourcePreference, Importance: 0.95, CreatedAt: now.Add(-30 * 24 * time.Hour)}
	if cfg.ShouldForget(important, now, 950, 1000) {
		t.Fatal("high-importance preference should survive pressure")
	}

	fresh := Memory{Source: SourceConversation, Importance: 0.1, CreatedAt: now}
	if cfg.ShouldForget(fresh, now, 100, 1000) {
		t.Fatal("fresh memory should never be forgotten")
	}
}
