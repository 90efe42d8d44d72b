package memory

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"
	"github.com/google/uuid"

	"github.com/engramdev/engram/pkg/bus"
	"github.com/engramdev/engram/pkg/config"
	"github.com/engramdev/engram/pkg/logger"
)

// Engine is the single entry point to the memory system. All mutations
// go through one writer lock; queries take the read side and carry a
// hard latency ceiling.
type Engine struct {
	store     *Store
	index     VectorIndex
	embedder  Embedder
	decay     DecayConfig
	sched     SchedulerConfig
	verifier  *Verifier
	snapshots *SnapshotManager
	publisher *bus.Publisher
	cache     *ristretto.Cache

	maxMemories  int
	pinThreshold float64
	queryTimeout time.Duration
	cacheTTL     time.Duration
	snapEvery    int

	mu              sync.RWMutex
	generation      uint64
	writesSinceSnap int
}

// Open wires an Engine from configuration. pub may be nil; events are
// then dropped silently.
func Open(cfg *config.Config, pub *bus.Publisher) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	mc := cfg.Memory

	embedder := NewChargramEmbedder()
	store, err := NewStore(filepath.Join(cfg.DataDir, "engram.db"), embedder.Dimension())
	if err != nil {
		return nil, err
	}

	var index VectorIndex
	switch mc.VectorBackend {
	case "", "chromem":
		index, err = NewChromemIndex(filepath.Join(cfg.DataDir, "index"), embedder)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
	case "memory":
		index = NewMemoryIndex()
	default:
		_ = store.Close()
		return nil, &ValidationError{Field: "vector_backend", Reason: fmt.Sprintf("unknown backend %q", mc.VectorBackend)}
	}

	// The index may lag the store after a crash or a backend switch.
	ctx := context.Background()
	count, err := store.Count(ctx)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	if index.Count() != count {
		if err := RebuildIndex(ctx, index, store); err != nil {
			_ = store.Close()
			return nil, err
		}
	}

	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters: 10_000,
		MaxCost:     1_000,
		BufferItems: 64,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("query cache: %w", err)
	}

	snapshots, err := NewSnapshotManager(filepath.Join(cfg.DataDir, "snapshots"), store, index, embedder)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	decay := DecayConfig{
		DefaultHalfLife:       mc.DefaultHalfLifeDays,
		ConversationHalfLife:  mc.ConversationHalfLifeDays,
		FactHalfLife:          mc.FactHalfLifeDays,
		PreferenceHalfLife:    mc.PreferenceHalfLifeDays,
		FeedbackHalfLife:      mc.FeedbackHalfLifeDays,
		SummaryHalfLife:       mc.SummaryHalfLifeDays,
		RecencyBias:           1.0,
		ImportanceRetention:   0.8,
		ReinforcementBoost:    mc.ReinforcementBoost,
		MaxReinforcementCount: 5,
	}
	sched := SchedulerConfig{
		InitialIntervalHigh:        mc.InitialIntervalHighDays,
		InitialIntervalMedium:      mc.InitialIntervalMediumDays,
		InitialIntervalLow:         mc.InitialIntervalLowDays,
		MinInterval:                mc.MinIntervalDays,
		MaxInterval:                mc.MaxIntervalDays,
		IntervalMultiplier:         mc.IntervalMultiplier,
		ReinforcementBoost:         mc.ReinforcementBoost,
		ArchiveAfterReinforcements: mc.ArchiveAfterReinforcement,
		AuditInterval:              mc.AuditIntervalDays,
	}
	verifier := NewVerifier(store, index, embedder, VerifierConfig{
		BatchSize:      mc.SelfTestBatchSize,
		DriftThreshold: mc.DriftThreshold,
		RepairMaxAge:   days(mc.RepairMaxAgeDays),
	})

	queryTimeout := time.Duration(mc.QueryTimeoutMS) * time.Millisecond
	if queryTimeout <= 0 {
		queryTimeout = 100 * time.Millisecond
	}

	e := &Engine{
		store:        store,
		index:        index,
		embedder:     embedder,
		decay:        decay,
		sched:        sched,
		verifier:     verifier,
		snapshots:    snapshots,
		publisher:    pub,
		cache:        cache,
		maxMemories:  mc.MaxMemories,
		pinThreshold: mc.PinThreshold,
		queryTimeout: queryTimeout,
		cacheTTL:     time.Duration(mc.QueryCacheSeconds) * time.Second,
		snapEvery:    mc.SnapshotEveryWrites,
	}
	logger.InfoCF("engine", "memory engine opened", map[string]interface{}{
		"memories": count,
		"backend":  mc.VectorBackend,
		"model":    embedder.ModelID(),
	})
	return e, nil
}

func (e *Engine) Close() error {
	e.cache.Close()
	_ = e.index.Close()
	return e.store.Close()
}

// Embedder exposes the engine's embedder, mainly for diagnostics.
func (e *Engine) Embedder() Embedder { return e.embedder }

// Snapshots exposes the snapshot manager for read-only listing. All
// mutations go through the Engine methods so locking stays correct.
func (e *Engine) Snapshots() *SnapshotManager { return e.snapshots }

func (e *Engine) publish(op, id string, fields ...string) {
	e.publisher.Publish(bus.Event{Operation: op, EntityID: id, ChangedFields: fields})
}

func (e *Engine) bumpGeneration() {
	e.generation++
	e.writesSinceSnap++
	if e.snapEvery > 0 && e.writesSinceSnap >= e.snapEvery {
		e.writesSinceSnap = 0
		go func() {
			// The read lock keeps the capture atomic with respect to
			// writers; the record set, topics, and stats all see the same
			// state.
			e.mu.RLock()
			defer e.mu.RUnlock()
			if _, err := e.snapshots.Create(context.Background()); err != nil {
				logger.WarnCF("engine", "auto snapshot failed", map[string]interface{}{"error": err.Error()})
			}
		}()
	}
}

func validateAdd(content string, source SourceType, importance float64) error {
	if strings.TrimSpace(content) == "" {
		return &ValidationError{Field: "content", Reason: "must not be empty"}
	}
	if !source.Valid() {
		return &ValidationError{Field: "source_type", Reason: fmt.Sprintf("unknown source %q", source)}
	}
	if importance < 0 || importance > 1 {
		return &ValidationError{Field: "importance", Reason: fmt.Sprintf("%v outside [0,1]", importance)}
	}
	return nil
}

// Add validates, embeds, and persists a new memory. When the store is at
// capacity it prunes decayed low-value records first; if nothing can be
// pruned the add fails with ErrCapacityExceeded.
func (e *Engine) Add(ctx context.Context, content string, source SourceType, importance float64, topics []string, metadata map[string]string) (Memory, error) {
	if err := validateAdd(content, source, importance); err != nil {
		return Memory{}, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	count, err := e.store.Count(ctx)
	if err != nil {
		return Memory{}, err
	}
	if e.maxMemories > 0 && count >= e.maxMemories {
		freed, err := e.pruneLocked(ctx, count-e.maxMemories+1)
		if err != nil {
			return Memory{}, err
		}
		if freed == 0 {
			return Memory{}, ErrCapacityExceeded
		}
	}

	now := time.Now().UTC()
	m := Memory{
		ID:         uuid.NewString(),
		Content:    content,
		Embedding:  e.embedder.Embed(content),
		Source:     source,
		Importance: importance,
		Topics:     topics,
		Metadata:   metadata,
		CreatedAt:  now,
		State:      ReviewNew,
	}
	// New memories go straight onto the review schedule.
	e.sched.Schedule(&m, now)
	if err := e.store.Insert(ctx, m); err != nil {
		return Memory{}, err
	}
	if err := e.index.Add(ctx, m.ID, m.Content, m.Embedding); err != nil {
		// Store is canonical; a failed index add only degrades search
		// until the next rebuild.
		logger.WarnCF("engine", "index add failed", map[string]interface{}{
			"memory_id": m.ID, "error": err.Error(),
		})
	}
	e.bumpGeneration()
	e.publish("memory.added", m.ID, "content", "embedding", "importance")
	return m.Clone(), nil
}

// Get returns one memory by id.
func (e *Engine) Get(ctx context.Context, id string) (Memory, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	m, err := e.store.Get(ctx, id)
	if err != nil {
		return Memory{}, err
	}
	return m.Clone(), nil
}

// Delete removes a memory everywhere.
func (e *Engine) Delete(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.store.Delete(ctx, id); err != nil {
		return err
	}
	if err := e.index.Remove(ctx, id); err != nil {
		logger.WarnCF("engine", "index remove failed", map[string]interface{}{
			"memory_id": id, "error": err.Error(),
		})
	}
	e.bumpGeneration()
	e.publish("memory.deleted", id)
	return nil
}

// QueryOpts narrows a retrieval beyond plain top-k.
type QueryOpts struct {
	Limit         int
	MinSimilarity float64
	Source        SourceType
	Topic         string
}

// Query retrieves the limit most relevant memories for a text query,
// temporally weighted.
func (e *Engine) Query(ctx context.Context, query string, limit int) ([]Scored, error) {
	return e.Search(ctx, query, QueryOpts{Limit: limit})
}

// Search is Query with filters. It degrades rather than blocks: if the
// deadline passes, the caller gets an empty result and a warning in the
// log.
func (e *Engine) Search(ctx context.Context, query string, opts QueryOpts) ([]Scored, error) {
	if opts.Limit <= 0 {
		opts.Limit = 5
	}

	e.mu.RLock()
	gen := e.generation
	e.mu.RUnlock()
	cacheKey := fmt.Sprintf("%d|%d|%g|%s|%s|%s", gen, opts.Limit, opts.MinSimilarity, opts.Source, opts.Topic, query)
	if cached, ok := e.cache.Get(cacheKey); ok {
		if scored, ok := cached.([]Scored); ok {
			return cloneScored(scored), nil
		}
	}

	type result struct {
		scored []Scored
		err    error
	}
	ch := make(chan result, 1)
	qctx, cancel := context.WithTimeout(ctx, e.queryTimeout)
	defer cancel()

	go func() {
		scored, err := e.queryInner(qctx, query, opts)
		ch <- result{scored, err}
	}()

	select {
	case r := <-ch:
		if r.err != nil {
			return nil, r.err
		}
		if e.cacheTTL > 0 {
			e.cache.SetWithTTL(cacheKey, r.scored, 1, e.cacheTTL)
			return cloneScored(r.scored), nil
		}
		return r.scored, nil
	case <-qctx.Done():
		logger.WarnCF("engine", "query deadline exceeded, returning empty", map[string]interface{}{
			"timeout_ms": e.queryTimeout.Milliseconds(),
		})
		return []Scored{}, nil
	}
}

// cloneScored copies a result set so no caller can reach cached state.
func cloneScored(in []Scored) []Scored {
	out := make([]Scored, len(in))
	for i, s := range in {
		out[i] = s
		out[i].Memory = s.Memory.Clone()
	}
	return out
}

func (e *Engine) queryInner(ctx context.Context, query string, opts QueryOpts) ([]Scored, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	vec := e.embedder.Embed(query)
	// Overfetch: temporal weighting reorders and filters discard, so the
	// top-k by similarity is not the top-k by final score.
	hits, err := e.index.Search(ctx, vec, opts.Limit*4)
	if err != nil {
		return nil, err
	}
	if len(hits) == 0 {
		return []Scored{}, nil
	}

	sims := make(map[string]float64, len(hits))
	records := make([]Memory, 0, len(hits))
	for _, h := range hits {
		if h.Similarity < opts.MinSimilarity {
			continue
		}
		m, err := e.store.Get(ctx, h.ID)
		if err != nil {
			// Index lag after a delete; skip the stale hit.
			continue
		}
		if opts.Source != "" && m.Source != opts.Source {
			continue
		}
		if opts.Topic != "" && !hasTopic(m, opts.Topic) {
			continue
		}
		sims[m.ID] = h.Similarity
		records = append(records, m)
	}

	scored := e.decay.Weigh(records, sims, time.Now().UTC())
	if len(scored) > opts.Limit {
		scored = scored[:opts.Limit]
	}
	for i := range scored {
		scored[i].Memory = scored[i].Memory.Clone()
	}
	return scored, nil
}

func hasTopic(m Memory, topic string) bool {
	for _, t := range m.Topics {
		if t == topic {
			return true
		}
	}
	return false
}

// TopicMemories returns all memories carrying a topic.
func (e *Engine) TopicMemories(ctx context.Context, topic string) ([]Memory, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	idx, err := e.store.TopicIndex(ctx)
	if err != nil {
		return nil, err
	}
	var out []Memory
	for _, id := range idx[topic] {
		m, err := e.store.Get(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, m.Clone())
	}
	return out, nil
}

// ScheduleSweep moves every New memory onto the review schedule.
func (e *Engine) ScheduleSweep(ctx context.Context) (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ids, err := e.store.ListUnscheduled(ctx)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()
	scheduled := 0
	for _, id := range ids {
		m, err := e.store.Get(ctx, id)
		if err != nil {
			logger.WarnCF("engine", "skipping unreadable record in sweep", map[string]interface{}{
				"memory_id": id, "error": err.Error(),
			})
			continue
		}
		if !e.sched.Schedule(&m, now) {
			continue
		}
		if err := e.store.UpdateReview(ctx, m, false, false, now); err != nil {
			return scheduled, err
		}
		scheduled++
	}
	if scheduled > 0 {
		e.bumpGeneration()
		logger.InfoCF("engine", "review sweep complete", map[string]interface{}{"scheduled": scheduled})
	}
	return scheduled, nil
}

// DueReviews returns review questions for the memories most overdue. It
// carries the same deadline as Search: if a writer holds the lock past
// the timeout, the caller gets an empty list rather than a stall.
func (e *Engine) DueReviews(ctx context.Context, limit int) ([]ReviewQuestion, error) {
	type result struct {
		questions []ReviewQuestion
		err       error
	}
	ch := make(chan result, 1)
	qctx, cancel := context.WithTimeout(ctx, e.queryTimeout)
	defer cancel()

	go func() {
		qs, err := e.dueReviewsInner(qctx, limit)
		ch <- result{qs, err}
	}()

	select {
	case r := <-ch:
		return r.questions, r.err
	case <-qctx.Done():
		logger.WarnCF("engine", "due listing deadline exceeded, returning empty", map[string]interface{}{
			"timeout_ms": e.queryTimeout.Milliseconds(),
		})
		return []ReviewQuestion{}, nil
	}
}

func (e *Engine) dueReviewsInner(ctx context.Context, limit int) ([]ReviewQuestion, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	due, err := e.store.ListDue(ctx, time.Now().UTC(), limit)
	if err != nil {
		return nil, err
	}
	questions := make([]ReviewQuestion, 0, len(due))
	for _, m := range due {
		if strings.TrimSpace(m.Content) == "" {
			logger.WarnCF("engine", "skipping malformed due record", map[string]interface{}{"memory_id": m.ID})
			continue
		}
		questions = append(questions, Question(m))
	}
	return questions, nil
}

// RecordReview applies one review outcome to a memory.
func (e *Engine) RecordReview(ctx context.Context, id string, success bool) (Memory, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	m, err := e.store.Get(ctx, id)
	if err != nil {
		return Memory{}, err
	}
	now := time.Now().UTC()
	if m.State == ReviewNew {
		e.sched.Schedule(&m, now)
	}
	e.sched.RecordReview(&m, success, now)
	if err := e.store.UpdateReview(ctx, m, true, success, now); err != nil {
		return Memory{}, err
	}
	e.bumpGeneration()
	e.publish("memory.reviewed", id, "importance", "review_interval", "next_review_at")
	return m.Clone(), nil
}

// pruneLocked removes up to want decayed, unpinned records. Caller holds
// the write lock. Returns how many were removed.
func (e *Engine) pruneLocked(ctx context.Context, want int) (int, error) {
	all, err := e.store.All(ctx)
	if err != nil {
		return 0, err
	}
	now := time.Now().UTC()

	type candidate struct {
		m     Memory
		score float64
	}
	var candidates []candidate
	for _, m := range all {
		if m.Importance >= e.pinThreshold || m.FlaggedForReview {
			continue
		}
		if !e.decay.ShouldForget(m, now, len(all), e.maxMemories) {
			continue
		}
		candidates = append(candidates, candidate{m: m, score: m.Importance * e.decay.DecayFactor(m, now)})
	}
	sort.Slice(candidates, func(a, b int) bool { return candidates[a].score < candidates[b].score })

	pruned := 0
	for _, c := range candidates {
		if pruned >= want {
			break
		}
		if err := e.store.Delete(ctx, c.m.ID); err != nil {
			return pruned, err
		}
		if err := e.index.Remove(ctx, c.m.ID); err != nil {
			logger.WarnCF("engine", "index remove failed during prune", map[string]interface{}{
				"memory_id": c.m.ID, "error": err.Error(),
			})
		}
		e.publish("memory.pruned", c.m.ID)
		pruned++
	}
	if pruned > 0 {
		e.generation++
		logger.InfoCF("engine", "pruned decayed memories", map[string]interface{}{"count": pruned})
	}
	return pruned, nil
}

// SelfTest runs one consistency pass over a random batch.
func (e *Engine) SelfTest(ctx context.Context) (Report, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	report, err := e.verifier.Check(ctx, nil)
	if err != nil {
		return report, err
	}
	if report.Repaired > 0 || report.Flagged > 0 {
		e.bumpGeneration()
	}
	e.publish("selftest.completed", "", "issues")
	return report, nil
}

// VerifierMetrics returns accumulated self-test counters.
func (e *Engine) VerifierMetrics() VerifierMetrics { return e.verifier.Metrics() }

// RetrievalProbe scores the live retrieval path against a known answer
// set.
func (e *Engine) RetrievalProbe(ctx context.Context, query string, expected []string, limit int) (RetrievalReport, error) {
	return e.verifier.TestRetrieval(ctx, e.Query, query, expected, limit)
}

// CreateSnapshot captures the current state to disk.
func (e *Engine) CreateSnapshot(ctx context.Context) (SnapshotInfo, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	info, err := e.snapshots.Create(ctx)
	if err != nil {
		return info, err
	}
	e.publish("snapshot.created", info.ID)
	return info, nil
}

// ApplySnapshot restores a snapshot, replacing all live state. A safety
// snapshot of the pre-restore state is taken first so the operation can
// be undone.
func (e *Engine) ApplySnapshot(ctx context.Context, id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if safety, err := e.snapshots.Create(ctx); err != nil {
		logger.WarnCF("engine", "safety snapshot before restore failed", map[string]interface{}{
			"error": err.Error(),
		})
	} else {
		logger.InfoCF("engine", "safety snapshot created", map[string]interface{}{"snapshot_id": safety.ID})
	}
	if err := e.snapshots.Apply(ctx, id); err != nil {
		return err
	}
	e.generation++
	e.writesSinceSnap = 0
	e.publish("snapshot.applied", id)
	return nil
}

// Stats returns the aggregate store view.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.store.Stats(ctx)
}

// ReviewHealth summarizes scheduler state and review outcomes.
func (e *Engine) ReviewHealth(ctx context.Context) (ReviewHealth, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.store.ReviewHealthReport(ctx, time.Now().UTC())
}
