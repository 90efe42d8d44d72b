package memory

import (
	"strings"
	"testing"
	"time"
)

func TestInitialIntervalTiers(t *testing.T) {
	cfg := DefaultSchedulerConfig()
	if got := cfg.InitialInterval(0.9); got != 24*time.Hour {
		t.Fatalf("high tier = %v, want 24h", got)
	}
	if got := cfg.InitialInterval(0.6); got != 3*24*time.Hour {
		t.Fatalf("medium tier = %v, want 72h", got)
	}
	if got := cfg.InitialInterval(0.2); got != 7*24*time.Hour {
		t.Fatalf("low tier = %v, want 168h", got)
	}
}

func TestScheduleOnlyMovesNewMemories(t *testing.T) {
	cfg := DefaultSchedulerConfig()
	now := time.Now().UTC()

	m := Memory{State: ReviewNew, Importance: 0.9}
	if !cfg.Schedule(&m, now) {
		t.Fatal("Schedule should move a new memory")
	}
	if m.State != ReviewScheduled {
		t.Fatalf("state = %q", m.State)
	}
	if !m.NextReviewAt.Equal(now.Add(24 * time.Hour)) {
		t.Fatalf("next review = %v", m.NextReviewAt)
	}

	prev := m.NextReviewAt
	if cfg.Schedule(&m, now.Add(time.Hour)) {
		t.Fatal("Schedule should not touch an already scheduled memory")
	}
	if !m.NextReviewAt.Equal(prev) {
		t.Fatal("next review changed on re-schedule")
	}
}

func TestSuccessfulReviewsDoubleInterval(t *testing.T) {
	cfg := DefaultSchedulerConfig()
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	m := Memory{State: ReviewNew, Importance: 0.9}
	cfg.Schedule(&m, now)

	// 1 -> 2 -> 4 -> 8 days, each review at the moment it comes due.
	want := []time.Duration{2, 4, 8}
	for i, w := range want {
		at := m.NextReviewAt
		cfg.RecordReview(&m, true, at)
		if m.ReviewInterval != w*24*time.Hour {
			t.Fatalf("review %d: interval = %v, want %dd", i+1, m.ReviewInterval, w)
		}
		if !m.NextReviewAt.Equal(at.Add(w * 24 * time.Hour)) {
			t.Fatalf("review %d: next = %v, want %v", i+1, m.NextReviewAt, at.Add(w*24*time.Hour))
		}
		if !m.NextReviewAt.After(at) {
			t.Fatalf("review %d: next review not strictly after review time", i+1)
		}
		if m.State != ReviewReviewed {
			t.Fatalf("review %d: state = %q", i+1, m.State)
		}
	}
	if m.ReinforcementCount != 3 {
		t.Fatalf("reinforcements = %d, want 3", m.ReinforcementCount)
	}
}

func TestSuccessBoostsImportanceTowardOne(t *testing.T) {
	cfg := DefaultSchedulerConfig()
	now := time.Now().UTC()

	m := Memory{State: ReviewScheduled, Importance: 0.5, ReviewInterval: 24 * time.Hour}
	cfg.RecordReview(&m, true, now)
	if m.Importance <= 0.5 || m.Importance > 1.0 {
		t.Fatalf("importance = %v", m.Importance)
	}
	// Boost is proportional to remaining headroom, so it never exceeds 1.
	m.Importance = 0.99
	for i := 0; i < 50; i++ {
		cfg.RecordReview(&m, true, now)
	}
	if m.Importance > 1.0 {
		t.Fatalf("importance exceeded 1.0: %v", m.Importance)
	}
}

func TestFailedReviewResetsInterval(t *testing.T) {
	cfg := DefaultSchedulerConfig()
	now := time.Now().UTC()

	m := Memory{State: ReviewReviewed, Importance: 0.7, ReviewInterval: 16 * 24 * time.Hour, ReinforcementCount: 4}
	before := m.Importance
	cfg.RecordReview(&m, false, now)

	if m.ReviewInterval != 24*time.Hour {
		t.Fatalf("interval = %v, want min (24h)", m.ReviewInterval)
	}
	if m.Importance != before {
		t.Fatalf("failure changed importance: %v -> %v", before, m.Importance)
	}
	if m.State != ReviewScheduled {
		t.Fatalf("state = %q", m.State)
	}
	if !m.NextReviewAt.Equal(now.Add(24 * time.Hour)) {
		t.Fatalf("next review = %v", m.NextReviewAt)
	}
}

func TestIntervalCapsAtMax(t *testing.T) {
	cfg := DefaultSchedulerConfig()
	now := time.Now().UTC()

	m := Memory{State: ReviewScheduled, Importance: 0.5, ReviewInterval: 50 * 24 * time.Hour}
	cfg.RecordReview(&m, true, now)
	if m.ReviewInterval != 60*24*time.Hour {
		t.Fatalf("interval = %v, want 60d cap", m.ReviewInterval)
	}
	if !m.HitMaxInterval {
		t.Fatal("HitMaxInterval not set at cap")
	}
}

func TestArchiveAfterCeilingAtMaxInterval(t *testing.T) {
	cfg := DefaultSchedulerConfig()
	now := time.Now().UTC()

	m := Memory{
		State:              ReviewReviewed,
		Importance:         0.9,
		ReviewInterval:     60 * 24 * time.Hour,
		HitMaxInterval:     true,
		ReinforcementCount: 12,
	}
	cfg.RecordReview(&m, true, now)
	if m.State != ReviewArchived {
		t.Fatalf("state = %q, want archived", m.State)
	}
	if m.ReviewInterval != 90*24*time.Hour {
		t.Fatalf("audit interval = %v, want 90d", m.ReviewInterval)
	}

	// Below the ceiling, max interval alone does not archive.
	n := Memory{State: ReviewReviewed, Importance: 0.9, ReviewInterval: 60 * 24 * time.Hour, HitMaxInterval: true, ReinforcementCount: 3}
	cfg.RecordReview(&n, true, now)
	if n.State == ReviewArchived {
		t.Fatal("archived below reinforcement ceiling")
	}
}

func TestHitMaxIntervalSurvivesLapse(t *testing.T) {
	cfg := DefaultSchedulerConfig()
	now := time.Now().UTC()

	m := Memory{
		State:              ReviewReviewed,
		Importance:         0.9,
		ReviewInterval:     60 * 24 * time.Hour,
		HitMaxInterval:     true,
		ReinforcementCount: 12,
	}
	cfg.RecordReview(&m, false, now)
	if !m.HitMaxInterval {
		t.Fatal("lapse cleared HitMaxInterval")
	}
	if m.ReviewInterval != 24*time.Hour {
		t.Fatalf("interval = %v, want min (24h)", m.ReviewInterval)
	}

	// The next success archives without having to climb back to the cap.
	cfg.RecordReview(&m, true, now.Add(24*time.Hour))
	if m.State != ReviewArchived {
		t.Fatalf("state = %q, want archived", m.State)
	}
}

func TestQuestionTemplatesPerSource(t *testing.T) {
	fact := Question(Memory{ID: "f", Source: SourceFact, Content: "The capital of France is Paris"})
	if !strings.HasPrefix(fact.Question, "Complete this fact:") {
		t.Fatalf("fact question = %q", fact.Question)
	}
	if fact.Answer != "Paris" {
		t.Fatalf("fact answer = %q, want cloze tail", fact.Answer)
	}

	plain := Question(Memory{ID: "f2", Source: SourceFact, Content: "E = mc^2"})
	if !strings.Contains(plain.Question, "Do you remember this fact") {
		t.Fatalf("unsplittable fact question = %q", plain.Question)
	}
	if plain.Answer != "E = mc^2" {
		t.Fatalf("unsplittable fact answer = %q", plain.Answer)
	}

	pref := Question(Memory{ID: "p", Source: SourcePreference, Content: "editor: vim with dark theme"})
	if !strings.Contains(pref.Question, "editor") || strings.Contains(pref.Question, "dark theme") {
		t.Fatalf("preference question leaked answer: %q", pref.Question)
	}

	conv := Question(Memory{ID: "c", Source: SourceConversation, Content: strings.Repeat("x", 80)})
	if !strings.Contains(conv.Question, "...") {
		t.Fatalf("long conversation not truncated: %q", conv.Question)
	}

	// Deterministic: same memory, same question.
	again := Question(Memory{ID: "f", Source: SourceFact, Content: "The capital of France is Paris"})
	if again.Question != fact.Question || again.Answer != fact.Answer {
		t.Fatal("question generation not deterministic")
	}
}
