package memory

import (
	"context"
	"testing"
	"time"
)

func verifierFixture(t *testing.T) (*Store, *MemoryIndex, *Verifier, Embedder) {
	t.Helper()
	embedder := NewHashEmbedder()
	s, err := NewStore(t.TempDir()+"/engram.db", embedder.Dimension())
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	idx := NewMemoryIndex()
	v := NewVerifier(s, idx, embedder, DefaultVerifierConfig())
	v.Seed(42)
	return s, idx, v, embedder
}

func insertEmbedded(t *testing.T, s *Store, idx VectorIndex, embedder Embedder, id, content string, createdAt time.Time) {
	t.Helper()
	ctx := context.Background()
	m := Memory{
		ID:         id,
		Content:    content,
		Embedding:  embedder.Embed(content),
		Source:     SourceFact,
		Importance: 0.5,
		CreatedAt:  createdAt,
		State:      ReviewNew,
	}
	if err := s.Insert(ctx, m); err != nil {
		t.Fatalf("Insert %s: %v", id, err)
	}
	if err := idx.Add(ctx, id, content, m.Embedding); err != nil {
		t.Fatalf("Add %s: %v", id, err)
	}
}

func TestCheckCleanStorePasses(t *testing.T) {
	s, idx, v, embedder := verifierFixture(t)
	now := time.Now().UTC()
	insertEmbedded(t, s, idx, embedder, "a", "water boils at 100 degrees", now)
	insertEmbedded(t, s, idx, embedder, "b", "the meeting is on Tuesday", now)

	report, err := v.Check(context.Background(), nil)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if report.Checked != 2 || len(report.Issues) != 0 {
		t.Fatalf("report = %+v", report)
	}
	m := v.Metrics()
	if m.TestsRun != 1 || m.TestsPassed != 1 {
		t.Fatalf("metrics = %+v", m)
	}
}

func TestCheckRepairsRecentDrift(t *testing.T) {
	s, idx, v, embedder := verifierFixture(t)
	ctx := context.Background()
	now := time.Now().UTC()

	insertEmbedded(t, s, idx, embedder, "drifted", "original content here", now)
	// Corrupt the stored embedding so re-embedding disagrees.
	bogus := embedder.Embed("completely unrelated text about gardening")
	if err := s.UpdateEmbedding(ctx, "drifted", bogus); err != nil {
		t.Fatalf("UpdateEmbedding: %v", err)
	}

	report, err := v.Check(ctx, []string{"drifted"})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if len(report.Issues) != 1 || report.Issues[0].Type != IssueDrift {
		t.Fatalf("issues = %+v", report.Issues)
	}
	if report.Repaired != 1 {
		t.Fatalf("repaired = %d, want 1", report.Repaired)
	}

	// Repaired embedding matches a fresh re-embed again.
	got, err := s.Get(ctx, "drifted")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if sim := cosineSimilarity(got.Embedding, embedder.Embed(got.Content)); sim < 0.999 {
		t.Fatalf("post-repair similarity = %v", sim)
	}
	metrics := v.Metrics()
	if metrics.RepairsSuccessful != 1 {
		t.Fatalf("metrics = %+v", metrics)
	}
}

func TestCheckFlagsOldDriftInsteadOfRepairing(t *testing.T) {
	s, idx, v, embedder := verifierFixture(t)
	ctx := context.Background()
	old := time.Now().UTC().Add(-60 * 24 * time.Hour)

	insertEmbedded(t, s, idx, embedder, "ancient", "an old stored belief", old)
	bogus := embedder.Embed("noise noise noise")
	if err := s.UpdateEmbedding(ctx, "ancient", bogus); err != nil {
		t.Fatalf("UpdateEmbedding: %v", err)
	}

	report, err := v.Check(ctx, []string{"ancient"})
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if report.Repaired != 0 || report.Flagged != 1 {
		t.Fatalf("report = %+v", report)
	}
	got, err := s.Get(ctx, "ancient")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !got.FlaggedForReview {
		t.Fatal("old drifted memory not flagged")
	}
	// Original embedding untouched.
	if sim := cosineSimilarity(got.Embedding, bogus); sim < 0.999 {
		t.Fatal("old drifted embedding was rewritten")
	}
}

func TestCheckSamplesAtMostBatchSize(t *testing.T) {
	s, idx, v, embedder := verifierFixture(t)
	now := time.Now().UTC()
	for i := 0; i < 25; i++ {
		insertEmbedded(t, s, idx, embedder, string(rune('a'+i)), "record number content", now)
	}

	report, err := v.Check(context.Background(), nil)
	if err != nil {
		t.Fatalf("Check: %v", err)
	}
	if report.Checked != 10 {
		t.Fatalf("checked = %d, want batch size 10", report.Checked)
	}
}

func TestRetrievalReportScores(t *testing.T) {
	_, _, v, _ := verifierFixture(t)

	retrieve := func(_ context.Context, _ string, _ int) ([]Scored, error) {
		return []Scored{
			{Memory: Memory{ID: "hit"}},
			{Memory: Memory{ID: "noise"}},
		}, nil
	}
	rep, err := v.TestRetrieval(context.Background(), retrieve, "q", []string{"hit", "missed"}, 5)
	if err != nil {
		t.Fatalf("TestRetrieval: %v", err)
	}
	if rep.Precision != 0.5 || rep.Recall != 0.5 {
		t.Fatalf("precision=%v recall=%v, want 0.5/0.5", rep.Precision, rep.Recall)
	}
	if rep.F1 < 0.499 || rep.F1 > 0.501 {
		t.Fatalf("f1 = %v, want 0.5", rep.F1)
	}
	if rep.TruePositives != 1 || rep.FalsePositives != 1 || rep.FalseNegatives != 1 {
		t.Fatalf("report = %+v", rep)
	}
}
