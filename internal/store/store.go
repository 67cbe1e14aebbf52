// Package store provides data persistence interfaces and implementations.
package store

import (
	"context"
	"time"

	"github.com/okotova/sage/internal/domain"
)

// UserScore is a row of the descending-by-score user ordering used for
// rank computation.
type UserScore struct {
	UserID     string
	TotalScore int
}

// Repository defines the interface for persisting users, conversation
// sessions, and the small activity projections used for personalization.
type Repository interface {
	// GetUser retrieves a user by their user ID.
	GetUser(ctx context.Context, userID string) (*domain.User, error)

	// UpsertUser creates or updates a user record.
	UpsertUser(ctx context.Context, user *domain.User) error

	// UpdateLastSeen updates the last_seen_at timestamp for a user.
	UpdateLastSeen(ctx context.Context, userID string, lastSeen time.Time) error

	// ListSessions returns all conversation sessions for a user,
	// newest-first.
	ListSessions(ctx context.Context, userID string) ([]*domain.Session, error)

	// GetSession retrieves a single session with its full message list.
	GetSession(ctx context.Context, sessionID string) (*domain.Session, error)

	// UpsertSession writes a session record including its message list.
	UpsertSession(ctx context.Context, session *domain.Session) error

	// UpdateSessionTitle rewrites only a session's title, leaving the
	// message list untouched. Updating a missing session is not an error.
	UpdateSessionTitle(ctx context.Context, sessionID, title string) error

	// DeleteSession removes a session by ID.
	DeleteSession(ctx context.Context, sessionID string) error

	// UserScores returns all users ordered by total score descending.
	UserScores(ctx context.Context) ([]UserScore, error)

	// RecentQuizResults returns a user's most recent quiz results,
	// newest-first, at most limit rows.
	RecentQuizResults(ctx context.Context, userID string, limit int) ([]domain.QuizResult, error)

	// OpenResearchProjects returns a user's open research projects,
	// most recently updated first, at most limit rows.
	OpenResearchProjects(ctx context.Context, userID string, limit int) ([]domain.ResearchProject, error)

	// SavedMaterialTopics returns a user's saved materials, newest-first,
	// at most limit rows.
	SavedMaterialTopics(ctx context.Context, userID string, limit int) ([]domain.SavedMaterial, error)

	// CommunityPostCount returns how many community posts a user has made.
	CommunityPostCount(ctx context.Context, userID string) (int, error)

	// Ping verifies database connectivity.
	Ping(ctx context.Context) error

	// Close closes the database connection.
	Close() error
}
