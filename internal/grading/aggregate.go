package grading

import (
	"github.com/testline/testline-backend/internal/model"
)

// Item pairs one grading result with the question metadata the aggregate
// breakdowns need.
type Item struct {
	Result     Result
	Difficulty string
	Topic      string
	Skipped    bool
	Flagged    bool
}

// letterGrade maps a percentage to the fixed grade table.
func letterGrade(pct float64) string {
	switch {
	case pct >= 90:
		return "A"
	case pct >= 80:
		return "B"
	case pct >= 70:
		return "C"
	case pct >= 60:
		return "D"
	default:
		return "F"
	}
}

// Aggregate combines per-question grading results into a whole-attempt
// score, breakdown and pass/fail decision.
func Aggregate(items []Item, passingPercent float64) *model.Score {
	score := &model.Score{
		ByDifficulty:  make(map[string]model.BreakdownEntry),
		ByTopic:       make(map[string]model.BreakdownEntry),
		GraderVersion: Version,
	}

	reasonSeen := make(map[string]bool)

	for _, it := range items {
		score.TotalEarned += it.Result.PointsEarned
		score.TotalMax += it.Result.MaxPoints

		switch {
		case it.Skipped:
			score.SkippedCount++
		case it.Result.IsCorrect:
			score.CorrectCount++
		default:
			score.IncorrectCount++
		}
		if it.Flagged {
			score.FlaggedCount++
		}

		if it.Result.NeedsReview {
			score.NeedsReview = true
			if r := it.Result.ReviewReason; r != "" && !reasonSeen[r] {
				reasonSeen[r] = true
				score.ReviewReasons = append(score.ReviewReasons, r)
			}
		}

		bumpBreakdown(score.ByDifficulty, groupKey(it.Difficulty), it.Result.IsCorrect)
		bumpBreakdown(score.ByTopic, groupKey(it.Topic), it.Result.IsCorrect)
	}

	// Never divide by zero: an empty test scores 0%.
	if score.TotalMax > 0 {
		score.Percentage = round2(score.TotalEarned / score.TotalMax * 100)
	}
	score.Grade = letterGrade(score.Percentage)
	score.IsPassed = score.Percentage >= passingPercent

	finalizeBreakdown(score.ByDifficulty)
	finalizeBreakdown(score.ByTopic)

	return score
}

func groupKey(s string) string {
	if s == "" {
		return "unspecified"
	}
	return s
}

func bumpBreakdown(m map[string]model.BreakdownEntry, key string, correct bool) {
	e := m[key]
	e.Total++
	if correct {
		e.Correct++
	}
	m[key] = e
}

func finalizeBreakdown(m map[string]model.BreakdownEntry) {
	for k, e := range m {
		if e.Total > 0 {
			e.Percentage = round2(float64(e.Correct) / float64(e.Total) * 100)
		}
		m[k] = e
	}
}
