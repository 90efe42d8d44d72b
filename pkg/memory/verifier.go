package memory

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/engramdev/engram/pkg/logger"
)

// IssueType classifies a consistency finding.
type IssueType string

const (
	IssueDrift        IssueType = "embedding_drift"
	IssueMissingIndex IssueType = "missing_from_index"
	IssueEmptyContent IssueType = "empty_content"
	IssueBadSource    IssueType = "invalid_source"
	IssueBadRange     IssueType = "importance_out_of_range"
	IssueOrphanTopic  IssueType = "orphan_topic_link"
)

// Issue is one inconsistency found during a self-test pass.
type Issue struct {
	MemoryID string    `json:"memory_id"`
	Type     IssueType `json:"type"`
	Detail   string    `json:"detail"`
	Repaired bool      `json:"repaired"`
	Flagged  bool      `json:"flagged"`
}

// Report summarizes one consistency check pass.
type Report struct {
	RanAt    time.Time `json:"ran_at"`
	Checked  int       `json:"checked"`
	Issues   []Issue   `json:"issues"`
	Repaired int       `json:"repaired"`
	Flagged  int       `json:"flagged"`
}

// RetrievalReport scores one retrieval accuracy probe.
type RetrievalReport struct {
	Query          string  `json:"query"`
	ExpectedCount  int     `json:"expected_count"`
	RetrievedCount int     `json:"retrieved_count"`
	TruePositives  int     `json:"true_positives"`
	FalsePositives int     `json:"false_positives"`
	FalseNegatives int     `json:"false_negatives"`
	Precision      float64 `json:"precision"`
	Recall         float64 `json:"recall"`
	F1             float64 `json:"f1"`
}

// VerifierMetrics accumulates across self-test passes.
type VerifierMetrics struct {
	TestsRun          int       `json:"tests_run"`
	TestsPassed       int       `json:"tests_passed"`
	TestsFailed       int       `json:"tests_failed"`
	RepairsAttempted  int       `json:"repairs_attempted"`
	RepairsSuccessful int       `json:"repairs_successful"`
	LastTestAt        time.Time `json:"last_test_at"`
}

// VerifierConfig bounds what a self-test pass may touch.
type VerifierConfig struct {
	BatchSize int

	// DriftThreshold is the minimum cosine similarity between a stored
	// embedding and a fresh re-embed of the same content.
	DriftThreshold float64

	// RepairMaxAge bounds automatic repair: drifted memories older than
	// this are flagged for manual review instead of rewritten.
	RepairMaxAge time.Duration
}

func DefaultVerifierConfig() VerifierConfig {
	return VerifierConfig{
		BatchSize:      10,
		DriftThreshold: 0.9,
		RepairMaxAge:   30 * 24 * time.Hour,
	}
}

// Verifier runs consistency checks over the store and index pair.
type Verifier struct {
	store    *Store
	index    VectorIndex
	embedder Embedder
	cfg      VerifierConfig

	mu      sync.Mutex
	metrics VerifierMetrics
	rng     *rand.Rand
}

func NewVerifier(store *Store, index VectorIndex, embedder Embedder, cfg VerifierConfig) *Verifier {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.DriftThreshold <= 0 {
		cfg.DriftThreshold = 0.9
	}
	return &Verifier{
		store:    store,
		index:    index,
		embedder: embedder,
		cfg:      cfg,
		rng:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Seed fixes the sampling source. Tests use this for reproducible runs.
func (v *Verifier) Seed(seed int64) {
	v.mu.Lock()
	v.rng = rand.New(rand.NewSource(seed))
	v.mu.Unlock()
}

// Metrics returns a copy of the accumulated counters.
func (v *Verifier) Metrics() VerifierMetrics {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.metrics
}

// Check runs one consistency pass. With ids empty it samples a random
// batch; otherwise it checks exactly the given ids. Repairs are applied
// where policy allows, everything else is flagged for review.
func (v *Verifier) Check(ctx context.Context, ids []string) (Report, error) {
	now := time.Now().UTC()
	report := Report{RanAt: now}

	if len(ids) == 0 {
		all, err := v.store.All(ctx)
		if err != nil {
			return report, err
		}
		if len(all) == 0 {
			return report, nil
		}
		n := v.cfg.BatchSize
		if n > len(all) {
			n = len(all)
		}
		v.mu.Lock()
		perm := v.rng.Perm(len(all))
		v.mu.Unlock()
		for _, i := range perm[:n] {
			ids = append(ids, all[i].ID)
		}
	}

	for _, id := range ids {
		m, err := v.store.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			report.Issues = append(report.Issues, Issue{MemoryID: id, Type: IssueMissingIndex, Detail: "record vanished mid-check"})
			continue
		}
		if err != nil {
			return report, err
		}
		report.Checked++
		report.Issues = append(report.Issues, v.checkOne(ctx, m, now)...)
	}

	// Referential integrity runs store-wide: a topic link must resolve
	// to an existing record. Orphans are repaired by dropping the link.
	orphans, err := v.store.OrphanTopicIDs(ctx)
	if err != nil {
		return report, err
	}
	for _, id := range orphans {
		issue := Issue{MemoryID: id, Type: IssueOrphanTopic, Detail: "topic link points at missing memory"}
		v.mu.Lock()
		v.metrics.RepairsAttempted++
		v.mu.Unlock()
		if err := v.store.RemoveTopicLinks(ctx, id); err != nil {
			logger.WarnCF("verifier", "orphan topic cleanup failed", map[string]interface{}{
				"memory_id": id, "error": err.Error(),
			})
		} else {
			issue.Repaired = true
			v.mu.Lock()
			v.metrics.RepairsSuccessful++
			v.mu.Unlock()
		}
		report.Issues = append(report.Issues, issue)
	}

	for _, issue := range report.Issues {
		if issue.Repaired {
			report.Repaired++
		}
		if issue.Flagged {
			report.Flagged++
		}
	}

	v.mu.Lock()
	v.metrics.TestsRun++
	v.metrics.LastTestAt = now
	if len(report.Issues) == 0 {
		v.metrics.TestsPassed++
	} else {
		v.metrics.TestsFailed++
	}
	v.mu.Unlock()

	logger.InfoCF("verifier", "consistency check complete", map[string]interface{}{
		"checked":  report.Checked,
		"issues":   len(report.Issues),
		"repaired": report.Repaired,
		"flagged":  report.Flagged,
	})
	return report, nil
}

func (v *Verifier) checkOne(ctx context.Context, m Memory, now time.Time) []Issue {
	var issues []Issue

	if len(m.Content) == 0 {
		issues = append(issues, v.flag(ctx, m.ID, Issue{
			MemoryID: m.ID, Type: IssueEmptyContent, Detail: "content is empty",
		}))
	}
	if !m.Source.Valid() {
		issues = append(issues, v.flag(ctx, m.ID, Issue{
			MemoryID: m.ID, Type: IssueBadSource, Detail: fmt.Sprintf("unknown source %q", m.Source),
		}))
	}
	if m.Importance < 0 || m.Importance > 1 {
		issues = append(issues, v.flag(ctx, m.ID, Issue{
			MemoryID: m.ID, Type: IssueBadRange, Detail: fmt.Sprintf("importance %v outside [0,1]", m.Importance),
		}))
	}

	if len(m.Content) > 0 {
		fresh := v.embedder.Embed(m.Content)
		sim := cosineSimilarity(m.Embedding, fresh)
		if sim < v.cfg.DriftThreshold {
			issue := Issue{
				MemoryID: m.ID,
				Type:     IssueDrift,
				Detail:   fmt.Sprintf("re-embed similarity %.4f below %.4f", sim, v.cfg.DriftThreshold),
			}
			age := now.Sub(m.CreatedAt)
			if v.cfg.RepairMaxAge > 0 && age <= v.cfg.RepairMaxAge {
				if v.repairEmbedding(ctx, m, fresh) {
					issue.Repaired = true
				} else {
					issue = v.flag(ctx, m.ID, issue)
				}
			} else {
				issue = v.flag(ctx, m.ID, issue)
			}
			issues = append(issues, issue)
		}
	}
	return issues
}

func (v *Verifier) repairEmbedding(ctx context.Context, m Memory, fresh []float32) bool {
	v.mu.Lock()
	v.metrics.RepairsAttempted++
	v.mu.Unlock()

	if err := v.store.UpdateEmbedding(ctx, m.ID, fresh); err != nil {
		logger.WarnCF("verifier", "embedding repair failed", map[string]interface{}{
			"memory_id": m.ID, "error": err.Error(),
		})
		return false
	}
	if err := v.index.Add(ctx, m.ID, m.Content, fresh); err != nil {
		logger.WarnCF("verifier", "index refresh after repair failed", map[string]interface{}{
			"memory_id": m.ID, "error": err.Error(),
		})
	}
	v.mu.Lock()
	v.metrics.RepairsSuccessful++
	v.mu.Unlock()
	return true
}

func (v *Verifier) flag(ctx context.Context, id string, issue Issue) Issue {
	if err := v.store.SetFlagged(ctx, id, true); err != nil {
		logger.WarnCF("verifier", "flagging failed", map[string]interface{}{
			"memory_id": id, "error": err.Error(),
		})
		return issue
	}
	issue.Flagged = true
	return issue
}

// RetrieveFunc is the retrieval path under test, usually Engine.Query.
type RetrieveFunc func(ctx context.Context, query string, limit int) ([]Scored, error)

// TestRetrieval probes retrieval accuracy against a known answer set.
func (v *Verifier) TestRetrieval(ctx context.Context, retrieve RetrieveFunc, query string, expected []string, limit int) (RetrievalReport, error) {
	results, err := retrieve(ctx, query, limit)
	if err != nil {
		return RetrievalReport{}, err
	}

	retrieved := make(map[string]bool, len(results))
	for _, r := range results {
		retrieved[r.Memory.ID] = true
	}
	want := make(map[string]bool, len(expected))
	for _, id := range expected {
		want[id] = true
	}

	rep := RetrievalReport{
		Query:          query,
		ExpectedCount:  len(want),
		RetrievedCount: len(retrieved),
	}
	for id := range retrieved {
		if want[id] {
			rep.TruePositives++
		} else {
			rep.FalsePositives++
		}
	}
	for id := range want {
		if !retrieved[id] {
			rep.FalseNegatives++
		}
	}
	if rep.RetrievedCount > 0 {
		rep.Precision = float64(rep.TruePositives) / float64(rep.RetrievedCount)
	}
	if rep.ExpectedCount > 0 {
		rep.Recall = float64(rep.TruePositives) / float64(rep.ExpectedCount)
	}
	if rep.Precision+rep.Recall > 0 {
		rep.F1 = 2 * rep.Precision * rep.Recall / (rep.Precision + rep.Recall)
	}
	return rep, nil
}
