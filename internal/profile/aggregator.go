// Package profile aggregates a user's cross-feature activity into the
// bounded ContextSnapshot used to personalize prompts.
package profile

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/okotova/sage/internal/config"
	"github.com/okotova/sage/internal/domain"
	"github.com/okotova/sage/internal/store"
)

// Aggregator builds ContextSnapshots from the repository's activity
// projections. It is read-only and never fails: any sub-fetch error degrades
// to an omitted section.
type Aggregator struct {
	repo   store.Repository
	cfg    config.SnapshotConfig
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]cachedSnapshot
}

type cachedSnapshot struct {
	snapshot domain.ContextSnapshot
	takenAt  time.Time
}

// NewAggregator creates a context aggregator.
func NewAggregator(repo store.Repository, cfg config.SnapshotConfig, logger *slog.Logger) *Aggregator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Aggregator{
		repo:   repo,
		cfg:    cfg,
		logger: logger,
		cache:  make(map[string]cachedSnapshot),
	}
}

// Snapshot returns the user's current activity snapshot. Sub-fetches run
// concurrently and the aggregator waits for all of them to settle; a failed
// fetch leaves its section empty instead of failing the snapshot. Snapshots
// are cached briefly so rapid consecutive turns do not refetch everything.
func (a *Aggregator) Snapshot(ctx context.Context, userID string) domain.ContextSnapshot {
	a.mu.Lock()
	if cached, ok := a.cache[userID]; ok && time.Since(cached.takenAt) < a.cfg.CacheTTL {
		a.mu.Unlock()
		return cached.snapshot
	}
	a.mu.Unlock()

	snapshot := a.fetch(ctx, userID)

	a.mu.Lock()
	a.cache[userID] = cachedSnapshot{snapshot: snapshot, takenAt: snapshot.TakenAt}
	a.mu.Unlock()

	return snapshot
}

// Invalidate drops the cached snapshot for a user, forcing the next turn to
// refetch.
func (a *Aggregator) Invalidate(userID string) {
	a.mu.Lock()
	delete(a.cache, userID)
	a.mu.Unlock()
}

func (a *Aggregator) fetch(ctx context.Context, userID string) domain.ContextSnapshot {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.FetchTimeout)
	defer cancel()

	snapshot := domain.ContextSnapshot{
		UserID:  userID,
		TakenAt: time.Now(),
	}
	limit := a.cfg.MaxListItems

	// The five projections are independent reads against unrelated tables;
	// fan out and wait for all of them to settle.
	var wg sync.WaitGroup
	wg.Add(5)

	go func() {
		defer wg.Done()
		scores, err := a.repo.UserScores(ctx)
		if err != nil {
			a.logger.Warn("snapshot: ranking fetch failed", "user_id", userID, "error", err)
			return
		}
		for i, score := range scores {
			if score.UserID == userID {
				snapshot.Rank = i + 1
				snapshot.RankKnown = true
				snapshot.TotalScore = score.TotalScore
				return
			}
		}
		// Absent from the ordering: rank stays unknown rather than zero.
	}()

	go func() {
		defer wg.Done()
		results, err := a.repo.RecentQuizResults(ctx, userID, limit)
		if err != nil {
			a.logger.Warn("snapshot: quiz fetch failed", "user_id", userID, "error", err)
			return
		}
		snapshot.QuizResults = capQuizResults(results, limit)
	}()

	go func() {
		defer wg.Done()
		projects, err := a.repo.OpenResearchProjects(ctx, userID, limit)
		if err != nil {
			a.logger.Warn("snapshot: research fetch failed", "user_id", userID, "error", err)
			return
		}
		if len(projects) > limit {
			projects = projects[:limit]
		}
		snapshot.ResearchTopics = projects
	}()

	go func() {
		defer wg.Done()
		materials, err := a.repo.SavedMaterialTopics(ctx, userID, limit)
		if err != nil {
			a.logger.Warn("snapshot: materials fetch failed", "user_id", userID, "error", err)
			return
		}
		if len(materials) > limit {
			materials = materials[:limit]
		}
		snapshot.SavedTopics = materials
	}()

	go func() {
		defer wg.Done()
		count, err := a.repo.CommunityPostCount(ctx, userID)
		if err != nil {
			a.logger.Warn("snapshot: community fetch failed", "user_id", userID, "error", err)
			return
		}
		snapshot.CommunityPosts = count
	}()

	wg.Wait()
	return snapshot
}

func capQuizResults(results []domain.QuizResult, limit int) []domain.QuizResult {
	if len(results) > limit {
		return results[:limit]
	}
	return results
}
