package domain

import (
	"time"
)

// QuizResult is a recent assessment outcome used for personalization.
type QuizResult struct {
	Topic    string
	Score    int
	MaxScore int
	TakenAt  time.Time
}

// ResearchProject is an open research topic a learner is working on.
type ResearchProject struct {
	Title     string
	Status    string
	UpdatedAt time.Time
}

// SavedMaterial is a bookmarked study resource.
type SavedMaterial struct {
	Topic   string
	SavedAt time.Time
}

// ContextSnapshot is the ephemeral per-turn aggregation of a learner's
// cross-feature activity. It is rebuilt (or served from a short-lived cache)
// for every turn and discarded after prompt assembly; it is never persisted.
// Every slice is bounded so the rendered block stays small.
type ContextSnapshot struct {
	UserID         string
	Rank           int  // 1-based position in the descending score ordering
	RankKnown      bool // false when the user is absent from the ordering
	TotalScore     int
	QuizResults    []QuizResult
	ResearchTopics []ResearchProject
	SavedTopics    []SavedMaterial
	CommunityPosts int
	Directive      string // optional free-text personalization directive
	TakenAt        time.Time
}
