package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/engramdev/engram/pkg/logger"
)

// Snapshot is the on-disk memory image: every record plus the stats at
// capture time. Snapshots are self-contained, a file can be moved to
// another machine and applied there.
type Snapshot struct {
	ID        string           `json:"snapshot_id"`
	CreatedAt time.Time        `json:"timestamp"`
	ModelID   string           `json:"model_id"`
	Dimension int              `json:"dimension"`
	Memories  []SnapshotRecord `json:"memories"`
	Stats     Stats            `json:"stats"`
}

// SnapshotRecord is the serialized form of one memory.
type SnapshotRecord struct {
	ID                 string            `json:"id"`
	Content            string            `json:"content"`
	Embedding          []float32         `json:"embedding"`
	Source             SourceType        `json:"source_type"`
	Importance         float64           `json:"importance"`
	Topics             []string          `json:"topics,omitempty"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	CreatedAt          time.Time         `json:"created_at"`
	State              ReviewState       `json:"state"`
	ReinforcementCount int               `json:"reinforcement_count"`
	LastReinforcedAt   time.Time         `json:"last_reinforced_at,omitempty"`
	ReviewIntervalMS   int64             `json:"review_interval_ms"`
	NextReviewAt       time.Time         `json:"next_review_at,omitempty"`
	HitMaxInterval     bool              `json:"hit_max_interval,omitempty"`
	FlaggedForReview   bool              `json:"flagged_for_review,omitempty"`
}

func toRecord(m Memory) SnapshotRecord {
	return SnapshotRecord{
		ID:                 m.ID,
		Content:            m.Content,
		Embedding:          m.Embedding,
		Source:             m.Source,
		Importance:         m.Importance,
		Topics:             m.Topics,
		Metadata:           m.Metadata,
		CreatedAt:          m.CreatedAt,
		State:              m.State,
		ReinforcementCount: m.ReinforcementCount,
		LastReinforcedAt:   m.LastReinforcedAt,
		ReviewIntervalMS:   m.ReviewInterval.Milliseconds(),
		NextReviewAt:       m.NextReviewAt,
		HitMaxInterval:     m.HitMaxInterval,
		FlaggedForReview:   m.FlaggedForReview,
	}
}

func (r SnapshotRecord) toMemory() Memory {
	return Memory{
		ID:                 r.ID,
		Content:            r.Content,
		Embedding:          r.Embedding,
		Source:             r.Source,
		Importance:         r.Importance,
		Topics:             r.Topics,
		Metadata:           r.Metadata,
		CreatedAt:          r.CreatedAt,
		State:              r.State,
		ReinforcementCount: r.ReinforcementCount,
		LastReinforcedAt:   r.LastReinforcedAt,
		ReviewInterval:     time.Duration(r.ReviewIntervalMS) * time.Millisecond,
		NextReviewAt:       r.NextReviewAt,
		HitMaxInterval:     r.HitMaxInterval,
		FlaggedForReview:   r.FlaggedForReview,
	}
}

// SnapshotInfo is the listing view of a stored snapshot file.
type SnapshotInfo struct {
	ID          string    `json:"snapshot_id"`
	CreatedAt   time.Time `json:"timestamp"`
	MemoryCount int       `json:"memory_count"`
	Path        string    `json:"path"`
}

// FieldChange records one field that differs for a record present in
// both snapshots.
type FieldChange struct {
	ID     string `json:"id"`
	Field  string `json:"field"`
	Before string `json:"before"`
	After  string `json:"after"`
}

// SnapshotDiff compares two snapshots by record id and field.
type SnapshotDiff struct {
	Added   []string      `json:"added"`
	Removed []string      `json:"removed"`
	Changed []FieldChange `json:"changed"`
}

func (d SnapshotDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// SnapshotManager captures, validates, and restores full memory images.
type SnapshotManager struct {
	dir      string
	store    *Store
	index    VectorIndex
	embedder Embedder
}

func NewSnapshotManager(dir string, store *Store, index VectorIndex, embedder Embedder) (*SnapshotManager, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create snapshot dir: %w", err)
	}
	return &SnapshotManager{dir: dir, store: store, index: index, embedder: embedder}, nil
}

func (sm *SnapshotManager) path(id string) string {
	return filepath.Join(sm.dir, id+".json")
}

func newSnapshotID(at time.Time) string {
	return fmt.Sprintf("snapshot_%s_%s", at.Format("20060102_150405"), uuid.NewString()[:8])
}

// Create captures the current state and writes it atomically: temp file
// first, then rename. A crash mid-write never leaves a readable partial
// snapshot behind.
func (sm *SnapshotManager) Create(ctx context.Context) (SnapshotInfo, error) {
	records, err := sm.store.All(ctx)
	if err != nil {
		return SnapshotInfo{}, err
	}
	stats, err := sm.store.Stats(ctx)
	if err != nil {
		return SnapshotInfo{}, err
	}

	now := time.Now().UTC()
	snap := Snapshot{
		ID:        newSnapshotID(now),
		CreatedAt: now,
		ModelID:   sm.embedder.ModelID(),
		Dimension: sm.store.Dimension(),
		Stats:     stats,
	}
	for _, m := range records {
		snap.Memories = append(snap.Memories, toRecord(m))
	}

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return SnapshotInfo{}, fmt.Errorf("encode snapshot: %w", err)
	}

	final := sm.path(snap.ID)
	tmp := final + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return SnapshotInfo{}, fmt.Errorf("write snapshot: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return SnapshotInfo{}, fmt.Errorf("commit snapshot: %w", err)
	}

	logger.InfoCF("snapshot", "snapshot created", map[string]interface{}{
		"snapshot_id": snap.ID,
		"memories":    len(snap.Memories),
	})
	return SnapshotInfo{ID: snap.ID, CreatedAt: now, MemoryCount: len(snap.Memories), Path: final}, nil
}

// Load reads and decodes a snapshot by id.
func (sm *SnapshotManager) Load(id string) (Snapshot, error) {
	data, err := os.ReadFile(sm.path(id))
	if os.IsNotExist(err) {
		return Snapshot{}, ErrSnapshotNotFound
	}
	if err != nil {
		return Snapshot{}, fmt.Errorf("read snapshot %s: %w", id, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot %s: %w", id, err)
	}
	if snap.ID == "" {
		snap.ID = id
	}
	return snap, nil
}

// List returns all snapshot files, newest first.
func (sm *SnapshotManager) List() ([]SnapshotInfo, error) {
	entries, err := os.ReadDir(sm.dir)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	var infos []SnapshotInfo
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		id := strings.TrimSuffix(name, ".json")
		snap, err := sm.Load(id)
		if err != nil {
			logger.WarnCF("snapshot", "unreadable snapshot skipped", map[string]interface{}{
				"file": name, "error": err.Error(),
			})
			continue
		}
		infos = append(infos, SnapshotInfo{
			ID:          snap.ID,
			CreatedAt:   snap.CreatedAt,
			MemoryCount: len(snap.Memories),
			Path:        sm.path(id),
		})
	}
	sort.Slice(infos, func(a, b int) bool { return infos[a].CreatedAt.After(infos[b].CreatedAt) })
	return infos, nil
}

// Validate runs the full staging checks a snapshot must pass before it
// may replace live state.
func (sm *SnapshotManager) Validate(snap Snapshot) error {
	if snap.Dimension != 0 && snap.Dimension != sm.store.Dimension() {
		return &ValidationError{Field: "dimension", Reason: fmt.Sprintf("snapshot dimension %d, store expects %d", snap.Dimension, sm.store.Dimension())}
	}
	seen := make(map[string]bool, len(snap.Memories))
	for _, r := range snap.Memories {
		if r.ID == "" {
			return &ValidationError{Field: "id", Reason: "empty memory id in snapshot"}
		}
		if seen[r.ID] {
			return &ValidationError{Field: "id", Reason: fmt.Sprintf("duplicate memory id %s", r.ID)}
		}
		seen[r.ID] = true
		if strings.TrimSpace(r.Content) == "" {
			return &ValidationError{Field: "content", Reason: fmt.Sprintf("memory %s has empty content", r.ID)}
		}
		if !r.Source.Valid() {
			return &ValidationError{Field: "source_type", Reason: fmt.Sprintf("memory %s has unknown source %q", r.ID, r.Source)}
		}
		if r.Importance < 0 || r.Importance > 1 {
			return &ValidationError{Field: "importance", Reason: fmt.Sprintf("memory %s importance %v outside [0,1]", r.ID, r.Importance)}
		}
		if len(r.Embedding) != sm.store.Dimension() {
			return &ValidationError{Field: "embedding", Reason: fmt.Sprintf("memory %s has dimension %d, store expects %d", r.ID, len(r.Embedding), sm.store.Dimension())}
		}
		if !r.NextReviewAt.IsZero() && !r.LastReinforcedAt.IsZero() && r.NextReviewAt.Before(r.LastReinforcedAt) {
			return &ValidationError{Field: "next_review_at", Reason: fmt.Sprintf("memory %s next review precedes last reinforcement", r.ID)}
		}
	}
	return nil
}

// Apply replaces the live store with a snapshot's contents. Validation
// runs first against the staged data; a snapshot that fails any check
// leaves the store untouched. The record swap itself is one transaction.
func (sm *SnapshotManager) Apply(ctx context.Context, id string) error {
	snap, err := sm.Load(id)
	if err != nil {
		return err
	}
	if err := sm.Validate(snap); err != nil {
		return err
	}

	records := make([]Memory, 0, len(snap.Memories))
	for _, r := range snap.Memories {
		records = append(records, r.toMemory())
	}
	if err := sm.store.ReplaceAll(ctx, records); err != nil {
		return err
	}
	if err := RebuildIndex(ctx, sm.index, sm.store); err != nil {
		return err
	}

	logger.InfoCF("snapshot", "snapshot applied", map[string]interface{}{
		"snapshot_id": snap.ID,
		"memories":    len(records),
	})
	return nil
}

// Delete removes a snapshot file.
func (sm *SnapshotManager) Delete(id string) error {
	err := os.Remove(sm.path(id))
	if os.IsNotExist(err) {
		return ErrSnapshotNotFound
	}
	return err
}

// Compare diffs two stored snapshots by id.
func (sm *SnapshotManager) Compare(aID, bID string) (SnapshotDiff, error) {
	a, err := sm.Load(aID)
	if err != nil {
		return SnapshotDiff{}, err
	}
	b, err := sm.Load(bID)
	if err != nil {
		return SnapshotDiff{}, err
	}
	return DiffSnapshots(a, b), nil
}

// DiffSnapshots reports what changed going from a to b.
func DiffSnapshots(a, b Snapshot) SnapshotDiff {
	was := make(map[string]SnapshotRecord, len(a.Memories))
	for _, r := range a.Memories {
		was[r.ID] = r
	}
	var diff SnapshotDiff
	now := make(map[string]bool, len(b.Memories))
	for _, r := range b.Memories {
		now[r.ID] = true
		prev, ok := was[r.ID]
		if !ok {
			diff.Added = append(diff.Added, r.ID)
			continue
		}
		if prev.Content != r.Content {
			diff.Changed = append(diff.Changed, FieldChange{ID: r.ID, Field: "content", Before: prev.Content, After: r.Content})
		}
		if prev.Importance != r.Importance {
			diff.Changed = append(diff.Changed, FieldChange{
				ID: r.ID, Field: "importance",
				Before: fmt.Sprintf("%g", prev.Importance), After: fmt.Sprintf("%g", r.Importance),
			})
		}
		if !prev.CreatedAt.Equal(r.CreatedAt) {
			diff.Changed = append(diff.Changed, FieldChange{
				ID: r.ID, Field: "created_at",
				Before: prev.CreatedAt.Format(time.RFC3339), After: r.CreatedAt.Format(time.RFC3339),
			})
		}
		if prev.State != r.State {
			diff.Changed = append(diff.Changed, FieldChange{ID: r.ID, Field: "state", Before: string(prev.State), After: string(r.State)})
		}
	}
	for _, r := range a.Memories {
		if !now[r.ID] {
			diff.Removed = append(diff.Removed, r.ID)
		}
	}
	sort.Strings(diff.Added)
	sort.Strings(diff.Removed)
	sort.Slice(diff.Changed, func(i, j int) bool {
		if diff.Changed[i].ID != diff.Changed[j].ID {
			return diff.Changed[i].ID < diff.Changed[j].ID
		}
		return diff.Changed[i].Field < diff.Changed[j].Field
	})
	return diff
}
