package prompt

import (
	"fmt"
	"strings"

	"github.com/okotova/sage/internal/domain"
)

// renderSnapshot reduces a ContextSnapshot to the compact text block injected
// into the system instruction. Empty sections are omitted entirely; a fully
// empty snapshot renders to "".
func renderSnapshot(s domain.ContextSnapshot) string {
	var sections []string

	if s.RankKnown {
		sections = append(sections, fmt.Sprintf("Leaderboard rank: #%d with %d points.", s.Rank, s.TotalScore))
	} else if s.TotalScore > 0 {
		sections = append(sections, fmt.Sprintf("Total score: %d points.", s.TotalScore))
	}

	if len(s.QuizResults) > 0 {
		lines := make([]string, 0, len(s.QuizResults))
		for _, q := range s.QuizResults {
			lines = append(lines, fmt.Sprintf("- %s: %d/%d", q.Topic, q.Score, q.MaxScore))
		}
		sections = append(sections, "Recent quiz results:\n"+strings.Join(lines, "\n"))
	}

	if len(s.ResearchTopics) > 0 {
		lines := make([]string, 0, len(s.ResearchTopics))
		for _, r := range s.ResearchTopics {
			lines = append(lines, "- "+r.Title)
		}
		sections = append(sections, "Open research projects:\n"+strings.Join(lines, "\n"))
	}

	if len(s.SavedTopics) > 0 {
		lines := make([]string, 0, len(s.SavedTopics))
		for _, m := range s.SavedTopics {
			lines = append(lines, "- "+m.Topic)
		}
		sections = append(sections, "Saved study materials:\n"+strings.Join(lines, "\n"))
	}

	if s.CommunityPosts > 0 {
		sections = append(sections, fmt.Sprintf("Community contributions: %d posts.", s.CommunityPosts))
	}

	if len(sections) == 0 {
		return ""
	}
	return "Student activity summary:\n" + strings.Join(sections, "\n")
}
