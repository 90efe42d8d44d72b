package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/philippgille/chromem-go"
)

// VectorIndex is the nearest-neighbor search surface. The SQLite store
// stays the source of truth; an index can always be rebuilt from it, so
// implementations are free to lose data on crash.
type VectorIndex interface {
	Add(ctx context.Context, id, content string, vec []float32) error
	Remove(ctx context.Context, id string) error
	Search(ctx context.Context, vec []float32, n int) ([]Hit, error)
	Count() int
	Reset(ctx context.Context) error
	Close() error
}

// MemoryIndex is a brute-force in-process index. Exact, no persistence.
type MemoryIndex struct {
	mu   sync.RWMutex
	vecs map[string][]float32
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{vecs: make(map[string][]float32)}
}

func (i *MemoryIndex) Add(_ context.Context, id, _ string, vec []float32) error {
	cp := make([]float32, len(vec))
	copy(cp, vec)
	i.mu.Lock()
	i.vecs[id] = cp
	i.mu.Unlock()
	return nil
}

func (i *MemoryIndex) Remove(_ context.Context, id string) error {
	i.mu.Lock()
	delete(i.vecs, id)
	i.mu.Unlock()
	return nil
}

func (i *MemoryIndex) Search(_ context.Context, vec []float32, n int) ([]Hit, error) {
	i.mu.RLock()
	hits := make([]Hit, 0, len(i.vecs))
	for id, v := range i.vecs {
		hits = append(hits, Hit{ID: id, Similarity: cosineSimilarity(vec, v)})
	}
	i.mu.RUnlock()

	sort.Slice(hits, func(a, b int) bool {
		if hits[a].Similarity != hits[b].Similarity {
			return hits[a].Similarity > hits[b].Similarity
		}
		return hits[a].ID < hits[b].ID
	})
	if n > 0 && len(hits) > n {
		hits = hits[:n]
	}
	return hits, nil
}

func (i *MemoryIndex) Count() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return len(i.vecs)
}

func (i *MemoryIndex) Reset(_ context.Context) error {
	i.mu.Lock()
	i.vecs = make(map[string][]float32)
	i.mu.Unlock()
	return nil
}

func (i *MemoryIndex) Close() error { return nil }

const chromemCollection = "engram-memories"

// ChromemIndex persists vectors in a chromem-go collection so large
// stores do not pay a full re-embed scan on startup.
type ChromemIndex struct {
	db    *chromem.DB
	col   *chromem.Collection
	embed chromem.EmbeddingFunc
}

// NewChromemIndex opens (or creates) a persistent index under dir. The
// embedder backs chromem's embedding hook for documents added without a
// precomputed vector.
func NewChromemIndex(dir string, embedder Embedder) (*ChromemIndex, error) {
	db, err := chromem.NewPersistentDB(dir, false)
	if err != nil {
		return nil, fmt.Errorf("open chromem db: %w", err)
	}
	fn := chromem.EmbeddingFunc(func(_ context.Context, text string) ([]float32, error) {
		return embedder.Embed(text), nil
	})
	col, err := db.GetOrCreateCollection(chromemCollection, nil, fn)
	if err != nil {
		return nil, fmt.Errorf("open chromem collection: %w", err)
	}
	return &ChromemIndex{db: db, col: col, embed: fn}, nil
}

func (i *ChromemIndex) Add(ctx context.Context, id, content string, vec []float32) error {
	// chromem has no upsert; drop any stale copy first.
	_ = i.col.Delete(ctx, nil, nil, id)
	doc := chromem.Document{ID: id, Content: content, Embedding: vec}
	if err := i.col.AddDocument(ctx, doc); err != nil {
		return fmt.Errorf("index add %s: %w", id, err)
	}
	return nil
}

func (i *ChromemIndex) Remove(ctx context.Context, id string) error {
	if err := i.col.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("index remove %s: %w", id, err)
	}
	return nil
}

func (i *ChromemIndex) Search(ctx context.Context, vec []float32, n int) ([]Hit, error) {
	count := i.col.Count()
	if count == 0 {
		return nil, nil
	}
	if n <= 0 || n > count {
		n = count
	}
	results, err := i.col.QueryEmbedding(ctx, vec, n, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("index search: %w", err)
	}
	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, Hit{ID: r.ID, Similarity: float64(r.Similarity)})
	}
	return hits, nil
}

func (i *ChromemIndex) Count() int { return i.col.Count() }

func (i *ChromemIndex) Reset(_ context.Context) error {
	if err := i.db.DeleteCollection(chromemCollection); err != nil {
		return fmt.Errorf("index reset: %w", err)
	}
	col, err := i.db.GetOrCreateCollection(chromemCollection, nil, i.embed)
	if err != nil {
		return fmt.Errorf("index reset: %w", err)
	}
	i.col = col
	return nil
}

func (i *ChromemIndex) Close() error { return nil }

// RebuildIndex repopulates idx from the canonical store.
func RebuildIndex(ctx context.Context, idx VectorIndex, store *Store) error {
	if err := idx.Reset(ctx); err != nil {
		return err
	}
	records, err := store.All(ctx)
	if err != nil {
		return err
	}
	for _, m := range records {
		if err := idx.Add(ctx, m.ID, m.Content, m.Embedding); err != nil {
			return err
		}
	}
	return nil
}
