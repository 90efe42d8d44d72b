package memory

import (
	"fmt"
	"strings"
	"time"
)

// SchedulerConfig holds the spaced-repetition knobs. Intervals are in
// days in config but carried as time.Duration on each memory.
type SchedulerConfig struct {
	InitialIntervalHigh   float64
	InitialIntervalMedium float64
	InitialIntervalLow    float64
	MinInterval           float64
	MaxInterval           float64
	IntervalMultiplier    float64
	ReinforcementBoost    float64

	// ArchiveAfterReinforcements is the reinforcement ceiling. A memory
	// archives once it exceeds the ceiling while sitting at the maximum
	// interval.
	ArchiveAfterReinforcements int

	// AuditInterval is the low-frequency cadence archived memories stay
	// on, in days.
	AuditInterval float64
}

func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		InitialIntervalHigh:        1,
		InitialIntervalMedium:      3,
		InitialIntervalLow:         7,
		MinInterval:                1,
		MaxInterval:                60,
		IntervalMultiplier:         2.0,
		ReinforcementBoost:         0.2,
		ArchiveAfterReinforcements: 12,
		AuditInterval:              90,
	}
}

func days(d float64) time.Duration {
	return time.Duration(d * float64(24*time.Hour))
}

// InitialInterval picks the first review interval by importance tier.
// High-importance memories get reviewed soonest.
func (c SchedulerConfig) InitialInterval(importance float64) time.Duration {
	switch {
	case importance >= 0.8:
		return days(c.InitialIntervalHigh)
	case importance >= 0.5:
		return days(c.InitialIntervalMedium)
	default:
		return days(c.InitialIntervalLow)
	}
}

// Schedule moves a New memory into Scheduled with its first review set.
// Already-scheduled memories are left alone.
func (c SchedulerConfig) Schedule(m *Memory, now time.Time) bool {
	if m.State != ReviewNew {
		return false
	}
	m.State = ReviewScheduled
	m.ReviewInterval = c.InitialInterval(m.Importance)
	m.NextReviewAt = now.Add(m.ReviewInterval)
	return true
}

// RecordReview applies one review outcome.
//
// Success multiplies the interval (capped at max), boosts importance
// toward 1.0, and counts as a reinforcement. Failure resets the interval
// to the minimum and leaves importance untouched. Either way the next
// review lands strictly after now.
func (c SchedulerConfig) RecordReview(m *Memory, success bool, now time.Time) {
	minIv := days(c.MinInterval)
	maxIv := days(c.MaxInterval)

	if success {
		next := time.Duration(float64(m.ReviewInterval) * c.IntervalMultiplier)
		if m.ReviewInterval <= 0 {
			next = minIv
		}
		if next >= maxIv {
			next = maxIv
			m.HitMaxInterval = true
		}
		m.ReviewInterval = next
		m.ReinforcementCount++
		m.LastReinforcedAt = now
		m.Importance = clamp01(m.Importance + c.ReinforcementBoost*(1-m.Importance))
		m.State = ReviewReviewed
	} else {
		// HitMaxInterval is sticky: having reached the cap once still
		// counts toward archiving after a lapse.
		m.ReviewInterval = minIv
		m.State = ReviewScheduled
	}
	if m.ReviewInterval < minIv {
		m.ReviewInterval = minIv
	}
	m.NextReviewAt = now.Add(m.ReviewInterval)

	if success && c.ArchiveAfterReinforcements > 0 &&
		m.ReinforcementCount > c.ArchiveAfterReinforcements && m.HitMaxInterval {
		m.State = ReviewArchived
		m.ReviewInterval = days(c.AuditInterval)
		m.NextReviewAt = now.Add(m.ReviewInterval)
	}
}

// Question generates the deterministic review prompt for a memory. No
// model call: templates keyed by source type, cloze-style for facts with
// a separable tail.
func Question(m Memory) ReviewQuestion {
	q := ReviewQuestion{MemoryID: m.ID, Answer: m.Content, Source: m.Source}
	switch m.Source {
	case SourceFact:
		if head, tail, ok := splitFact(m.Content); ok {
			q.Question = fmt.Sprintf("Complete this fact: %s ...?", head)
			q.Answer = tail
		} else {
			q.Question = fmt.Sprintf("Do you remember this fact: %s?", m.Content)
		}
	case SourcePreference:
		subject := m.Content
		if idx := strings.Index(subject, ":"); idx > 0 {
			subject = strings.TrimSpace(subject[:idx])
		}
		q.Question = fmt.Sprintf("What is the stored preference regarding: %s?", subject)
	case SourceConversation:
		q.Question = fmt.Sprintf("Do you recall this conversation: %s?", truncate(m.Content, 50))
	case SourceFeedback:
		q.Question = fmt.Sprintf("What feedback was recorded about: %s?", truncate(m.Content, 50))
	default:
		q.Question = fmt.Sprintf("Do you remember: %s?", truncate(m.Content, 50))
	}
	return q
}

// splitFact splits "subject is/are/was tail" facts for cloze prompts.
func splitFact(content string) (head, tail string, ok bool) {
	for _, verb := range []string{" is ", " are ", " was ", " were ", " has ", " have "} {
		if idx := strings.Index(content, verb); idx > 0 {
			return strings.TrimSpace(content[:idx+len(verb)-1]), strings.TrimSpace(content[idx+len(verb):]), true
		}
	}
	return "", "", false
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n]) + "..."
}
