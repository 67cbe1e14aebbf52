// Package domain defines the core entities shared across the engine.
package domain

import (
	"time"
)

// User represents a learner account.
type User struct {
	UserID     string
	Username   string
	TotalScore int
	LastSeenAt time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}
