package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "modernc.org/sqlite"
)

// Store is the canonical durable storage: record table, topic index,
// review-state table, and review log, all in one SQLite database.
// Nearest-neighbor search lives in a VectorIndex; the store is the source
// of truth the index can always be rebuilt from.
type Store struct {
	db  *sql.DB
	dim int
}

// NewStore creates/opens the database at path. dim is the store's fixed
// embedding dimension; reopening with a different dimension fails.
func NewStore(path string, dim int) (*Store, error) {
	if dim <= 0 {
		return nil, &ValidationError{Field: "dimension", Reason: "must be positive"}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// Single-process engine. One shared connection avoids writer lock
	// contention with SQLite under concurrent goroutines.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, dim: dim}
	if err := store.init(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Dimension returns the store's fixed embedding dimension.
func (s *Store) Dimension() int { return s.dim }

func (s *Store) init() error {
	stmts := []string{
		`PRAGMA journal_mode=WAL;`,
		`PRAGMA synchronous=NORMAL;`,
		`PRAGMA temp_store=MEMORY;`,
		`PRAGMA busy_timeout=5000;`,
		`CREATE TABLE IF NOT EXISTS store_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS memories (
			id TEXT PRIMARY KEY,
			content TEXT NOT NULL,
			embedding_json TEXT NOT NULL,
			source_type TEXT NOT NULL,
			importance REAL NOT NULL,
			metadata_json TEXT NOT NULL DEFAULT '{}',
			created_at_ms INTEGER NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS topics (
			topic TEXT NOT NULL,
			memory_id TEXT NOT NULL,
			PRIMARY KEY(topic, memory_id)
		);`,
		`CREATE INDEX IF NOT EXISTS topics_memory_idx ON topics(memory_id);`,
		`CREATE TABLE IF NOT EXISTS review_state (
			memory_id TEXT PRIMARY KEY,
			state TEXT NOT NULL,
			reinforcement_count INTEGER NOT NULL DEFAULT 0,
			last_reinforced_at_ms INTEGER NOT NULL DEFAULT 0,
			review_interval_ms INTEGER NOT NULL DEFAULT 0,
			next_review_at_ms INTEGER NOT NULL DEFAULT 0,
			hit_max_interval INTEGER NOT NULL DEFAULT 0,
			flagged INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS review_due_idx ON review_state(state, next_review_at_ms);`,
		`CREATE TABLE IF NOT EXISTS review_log (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			memory_id TEXT NOT NULL,
			at_ms INTEGER NOT NULL,
			success INTEGER NOT NULL,
			interval_ms INTEGER NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}

	var stored string
	err := s.db.QueryRow(`SELECT value FROM store_meta WHERE key = 'embedding_dim'`).Scan(&stored)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := s.db.Exec(`INSERT INTO store_meta(key, value) VALUES('embedding_dim', ?)`, strconv.Itoa(s.dim)); err != nil {
			return fmt.Errorf("record embedding dim: %w", err)
		}
	case err != nil:
		return fmt.Errorf("read embedding dim: %w", err)
	default:
		if stored != strconv.Itoa(s.dim) {
			return &ValidationError{Field: "dimension", Reason: fmt.Sprintf("store was created with dimension %s, got %d", stored, s.dim)}
		}
	}
	return nil
}

// withRetry runs fn with bounded exponential backoff. Errors wrapped in
// backoff.Permanent are surfaced immediately; anything still failing
// after the retry budget comes back as a StorageError.
func (s *Store) withRetry(ctx context.Context, op string, fn func() error) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 25 * time.Millisecond
	bo.MaxInterval = 250 * time.Millisecond
	bo.MaxElapsedTime = 2 * time.Second

	err := backoff.Retry(fn, backoff.WithContext(backoff.WithMaxRetries(bo, 3), ctx))
	if err == nil {
		return nil
	}
	var ve *ValidationError
	if errors.Is(err, ErrNotFound) || errors.As(err, &ve) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

func msToTime(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func timeToMS(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func encodeMap(m map[string]string) string {
	if len(m) == 0 {
		return "{}"
	}
	b, err := json.Marshal(m)
	if err != nil {
		return "{}"
	}
	return string(b)
}

func decodeMap(raw string) map[string]string {
	out := map[string]string{}
	if raw == "" {
		return out
	}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return map[string]string{}
	}
	return out
}

func encodeVector(vec []float32) string {
	if len(vec) == 0 {
		return "[]"
	}
	b, err := json.Marshal(vec)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeVector(raw string) []float32 {
	if raw == "" {
		return nil
	}
	out := []float32{}
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

// Insert persists a new memory, its topics, and its review state in one
// transaction.
func (s *Store) Insert(ctx context.Context, m Memory) error {
	if len(m.Embedding) != s.dim {
		return &ValidationError{Field: "embedding", Reason: fmt.Sprintf("dimension %d, store expects %d", len(m.Embedding), s.dim)}
	}
	return s.withRetry(ctx, "insert", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if err := insertMemoryTx(ctx, tx, m); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func insertMemoryTx(ctx context.Context, tx *sql.Tx, m Memory) error {
	if _, err := tx.ExecContext(ctx, `
INSERT INTO memories(id, content, embedding_json, source_type, importance, metadata_json, created_at_ms)
VALUES(?, ?, ?, ?, ?, ?, ?)`,
		m.ID, m.Content, encodeVector(m.Embedding), string(m.Source), m.Importance, encodeMap(m.Metadata), timeToMS(m.CreatedAt)); err != nil {
		return err
	}
	hitMax := 0
	if m.HitMaxInterval {
		hitMax = 1
	}
	flagged := 0
	if m.FlaggedForReview {
		flagged = 1
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO review_state(memory_id, state, reinforcement_count, last_reinforced_at_ms, review_interval_ms, next_review_at_ms, hit_max_interval, flagged)
VALUES(?, ?, ?, ?, ?, ?, ?, ?)`,
		m.ID, string(m.State), m.ReinforcementCount, timeToMS(m.LastReinforcedAt),
		m.ReviewInterval.Milliseconds(), timeToMS(m.NextReviewAt), hitMax, flagged); err != nil {
		return err
	}
	for _, topic := range m.Topics {
		if _, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO topics(topic, memory_id) VALUES(?, ?)`, topic, m.ID); err != nil {
			return err
		}
	}
	return nil
}

const memorySelect = `
SELECT m.id, m.content, m.embedding_json, m.source_type, m.importance, m.metadata_json, m.created_at_ms,
       r.state, r.reinforcement_count, r.last_reinforced_at_ms, r.review_interval_ms, r.next_review_at_ms,
       r.hit_max_interval, r.flagged
FROM memories m
JOIN review_state r ON r.memory_id = m.id`

func scanMemory(row interface{ Scan(...any) error }) (Memory, error) {
	var (
		m                           Memory
		embRaw, metaRaw, src, state string
		createdMS, reinforcedMS     int64
		intervalMS, nextMS          int64
		hitMax, flagged             int
	)
	if err := row.Scan(&m.ID, &m.Content, &embRaw, &src, &m.Importance, &metaRaw, &createdMS,
		&state, &m.ReinforcementCount, &reinforcedMS, &intervalMS, &nextMS, &hitMax, &flagged); err != nil {
		return Memory{}, err
	}
	m.Embedding = decodeVector(embRaw)
	m.Source = SourceType(src)
	m.Metadata = decodeMap(metaRaw)
	m.CreatedAt = msToTime(createdMS)
	m.State = ReviewState(state)
	m.LastReinforcedAt = msToTime(reinforcedMS)
	m.ReviewInterval = time.Duration(intervalMS) * time.Millisecond
	m.NextReviewAt = msToTime(nextMS)
	m.HitMaxInterval = hitMax == 1
	m.FlaggedForReview = flagged == 1
	return m, nil
}

// Get returns a memory by id, or ErrNotFound.
func (s *Store) Get(ctx context.Context, id string) (Memory, error) {
	var out Memory
	err := s.withRetry(ctx, "get", func() error {
		row := s.db.QueryRowContext(ctx, memorySelect+` WHERE m.id = ?`, id)
		m, err := scanMemory(row)
		if errors.Is(err, sql.ErrNoRows) {
			return backoff.Permanent(ErrNotFound)
		}
		if err != nil {
			return err
		}
		m.Topics, err = s.topicsFor(ctx, id)
		if err != nil {
			return err
		}
		out = m
		return nil
	})
	return out, err
}

func (s *Store) topicsFor(ctx context.Context, id string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT topic FROM topics WHERE memory_id = ? ORDER BY topic`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var topics []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, err
		}
		topics = append(topics, t)
	}
	return topics, rows.Err()
}

// Delete removes a memory and all of its linked state. ErrNotFound if the
// id does not exist.
func (s *Store) Delete(ctx context.Context, id string) error {
	return s.withRetry(ctx, "delete", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `DELETE FROM memories WHERE id = ?`, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return backoff.Permanent(ErrNotFound)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM review_state WHERE memory_id = ?`, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM topics WHERE memory_id = ?`, id); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM review_log WHERE memory_id = ?`, id); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// All returns every memory, topics included, ordered by creation time.
func (s *Store) All(ctx context.Context) ([]Memory, error) {
	var out []Memory
	err := s.withRetry(ctx, "all", func() error {
		rows, err := s.db.QueryContext(ctx, memorySelect+` ORDER BY m.created_at_ms, m.id`)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			m, err := scanMemory(rows)
			if err != nil {
				return err
			}
			out = append(out, m)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		topics, err := s.TopicIndex(ctx)
		if err != nil {
			return err
		}
		byID := make(map[string][]string)
		for topic, ids := range topics {
			for _, id := range ids {
				byID[id] = append(byID[id], topic)
			}
		}
		for i := range out {
			ts := byID[out[i].ID]
			sort.Strings(ts)
			out[i].Topics = ts
		}
		return nil
	})
	return out, err
}

func (s *Store) Count(ctx context.Context) (int, error) {
	var n int
	err := s.withRetry(ctx, "count", func() error {
		return s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM memories`).Scan(&n)
	})
	return n, err
}

// UpdateReview persists the scheduler-owned fields of m plus importance,
// and appends a review log entry when logged is true.
func (s *Store) UpdateReview(ctx context.Context, m Memory, logged bool, success bool, at time.Time) error {
	return s.withRetry(ctx, "update review", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `UPDATE memories SET importance = ? WHERE id = ?`, m.Importance, m.ID)
		if err != nil {
			return err
		}
		if n, err := res.RowsAffected(); err != nil {
			return err
		} else if n == 0 {
			return backoff.Permanent(ErrNotFound)
		}

		hitMax := 0
		if m.HitMaxInterval {
			hitMax = 1
		}
		flagged := 0
		if m.FlaggedForReview {
			flagged = 1
		}
		if _, err := tx.ExecContext(ctx, `
UPDATE review_state
SET state = ?, reinforcement_count = ?, last_reinforced_at_ms = ?, review_interval_ms = ?, next_review_at_ms = ?, hit_max_interval = ?, flagged = ?
WHERE memory_id = ?`,
			string(m.State), m.ReinforcementCount, timeToMS(m.LastReinforcedAt),
			m.ReviewInterval.Milliseconds(), timeToMS(m.NextReviewAt), hitMax, flagged, m.ID); err != nil {
			return err
		}
		if logged {
			ok := 0
			if success {
				ok = 1
			}
			if _, err := tx.ExecContext(ctx, `
INSERT INTO review_log(memory_id, at_ms, success, interval_ms) VALUES(?, ?, ?, ?)`,
				m.ID, timeToMS(at), ok, m.ReviewInterval.Milliseconds()); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// UpdateEmbedding overwrites a stored embedding (consistency repair path).
func (s *Store) UpdateEmbedding(ctx context.Context, id string, vec []float32) error {
	if len(vec) != s.dim {
		return &ValidationError{Field: "embedding", Reason: fmt.Sprintf("dimension %d, store expects %d", len(vec), s.dim)}
	}
	return s.withRetry(ctx, "update embedding", func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE memories SET embedding_json = ? WHERE id = ?`, encodeVector(vec), id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return backoff.Permanent(ErrNotFound)
		}
		return nil
	})
}

// SetFlagged marks or clears the flagged-for-review bit.
func (s *Store) SetFlagged(ctx context.Context, id string, flagged bool) error {
	return s.withRetry(ctx, "set flagged", func() error {
		v := 0
		if flagged {
			v = 1
		}
		res, err := s.db.ExecContext(ctx, `UPDATE review_state SET flagged = ? WHERE memory_id = ?`, v, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return backoff.Permanent(ErrNotFound)
		}
		return nil
	})
}

// ListDue returns memories whose next review is at or before now, most
// overdue first, then most important.
func (s *Store) ListDue(ctx context.Context, now time.Time, limit int) ([]Memory, error) {
	if limit <= 0 {
		limit = 10
	}
	var out []Memory
	err := s.withRetry(ctx, "list due", func() error {
		rows, err := s.db.QueryContext(ctx, memorySelect+`
WHERE r.state IN (?, ?, ?) AND r.next_review_at_ms > 0 AND r.next_review_at_ms <= ?
ORDER BY r.next_review_at_ms ASC, m.importance DESC
LIMIT ?`,
			string(ReviewScheduled), string(ReviewReviewed), string(ReviewArchived), timeToMS(now), limit)
		if err != nil {
			return err
		}
		defer rows.Close()

		out = out[:0]
		for rows.Next() {
			m, err := scanMemory(rows)
			if err != nil {
				return err
			}
			out = append(out, m)
		}
		return rows.Err()
	})
	return out, err
}

// ListUnscheduled returns ids still in the New state.
func (s *Store) ListUnscheduled(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.withRetry(ctx, "list unscheduled", func() error {
		rows, err := s.db.QueryContext(ctx, `SELECT memory_id FROM review_state WHERE state = ?`, string(ReviewNew))
		if err != nil {
			return err
		}
		defer rows.Close()
		ids = ids[:0]
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	return ids, err
}

// TopicIndex returns the full topic -> memory-id mapping.
func (s *Store) TopicIndex(ctx context.Context) (map[string][]string, error) {
	out := map[string][]string{}
	err := s.withRetry(ctx, "topic index", func() error {
		rows, err := s.db.QueryContext(ctx, `SELECT topic, memory_id FROM topics ORDER BY topic, memory_id`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for k := range out {
			delete(out, k)
		}
		for rows.Next() {
			var topic, id string
			if err := rows.Scan(&topic, &id); err != nil {
				return err
			}
			out[topic] = append(out[topic], id)
		}
		return rows.Err()
	})
	return out, err
}

// OrphanTopicIDs returns memory ids referenced by topic links but absent
// from the record table.
func (s *Store) OrphanTopicIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.withRetry(ctx, "orphan topics", func() error {
		rows, err := s.db.QueryContext(ctx,
			`SELECT DISTINCT memory_id FROM topics WHERE memory_id NOT IN (SELECT id FROM memories)`)
		if err != nil {
			return err
		}
		defer rows.Close()
		ids = ids[:0]
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				return err
			}
			ids = append(ids, id)
		}
		return rows.Err()
	})
	return ids, err
}

// RemoveTopicLinks drops every topic link pointing at a memory id.
func (s *Store) RemoveTopicLinks(ctx context.Context, memoryID string) error {
	return s.withRetry(ctx, "remove topic links", func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM topics WHERE memory_id = ?`, memoryID)
		return err
	})
}

// ReplaceAll swaps the entire store contents in one transaction. Used by
// snapshot apply: either everything lands or nothing does.
func (s *Store) ReplaceAll(ctx context.Context, records []Memory) error {
	for _, m := range records {
		if len(m.Embedding) != s.dim {
			return &ValidationError{Field: "embedding", Reason: fmt.Sprintf("record %s has dimension %d, store expects %d", m.ID, len(m.Embedding), s.dim)}
		}
	}
	return s.withRetry(ctx, "replace all", func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		for _, table := range []string{"memories", "review_state", "topics", "review_log"} {
			if _, err := tx.ExecContext(ctx, `DELETE FROM `+table); err != nil {
				return err
			}
		}
		for _, m := range records {
			if err := insertMemoryTx(ctx, tx, m); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
}

// Stats aggregates the store contents.
func (s *Store) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := s.withRetry(ctx, "stats", func() error {
		st = Stats{BySource: map[SourceType]int{}}
		rows, err := s.db.QueryContext(ctx, `SELECT source_type, COUNT(*) FROM memories GROUP BY source_type`)
		if err != nil {
			return err
		}
		for rows.Next() {
			var src string
			var n int
			if err := rows.Scan(&src, &n); err != nil {
				rows.Close()
				return err
			}
			st.BySource[SourceType(src)] = n
			st.TotalMemories += n
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}

		if st.TotalMemories > 0 {
			var avg float64
			var oldest, newest int64
			if err := s.db.QueryRowContext(ctx, `SELECT AVG(importance), MIN(created_at_ms), MAX(created_at_ms) FROM memories`).
				Scan(&avg, &oldest, &newest); err != nil {
				return err
			}
			st.AverageImportance = avg
			st.OldestCreatedAt = msToTime(oldest)
			st.NewestCreatedAt = msToTime(newest)
		}
		return s.db.QueryRowContext(ctx, `SELECT COUNT(DISTINCT topic) FROM topics`).Scan(&st.TopicCount)
	})
	return st, err
}

// ReviewHealthReport aggregates scheduler state and review outcomes.
func (s *Store) ReviewHealthReport(ctx context.Context, now time.Time) (ReviewHealth, error) {
	var h ReviewHealth
	err := s.withRetry(ctx, "review health", func() error {
		h = ReviewHealth{}
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM review_state WHERE state IN (?, ?)`,
			string(ReviewScheduled), string(ReviewReviewed)).Scan(&h.Scheduled); err != nil {
			return err
		}
		if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM review_state WHERE state = ?`,
			string(ReviewArchived)).Scan(&h.Archived); err != nil {
			return err
		}
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*) FROM review_state WHERE next_review_at_ms > 0 AND next_review_at_ms <= ?`,
			timeToMS(now)).Scan(&h.Due); err != nil {
			return err
		}
		var successes int
		var avgMS sql.NullFloat64
		if err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*), COALESCE(SUM(success), 0), AVG(interval_ms) FROM review_log`).
			Scan(&h.Reviews, &successes, &avgMS); err != nil {
			return err
		}
		if h.Reviews > 0 {
			h.SuccessRate = float64(successes) / float64(h.Reviews)
		}
		if avgMS.Valid {
			h.AvgIntervalDays = avgMS.Float64 / float64((24 * time.Hour).Milliseconds())
		}
		return nil
	})
	return h, err
}
