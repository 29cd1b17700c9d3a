package grading

import (
	"fmt"
	"sort"
	"strings"

	"github.com/testline/testline-backend/internal/config"
	"github.com/testline/testline-backend/internal/model"
)

// Version tags every grading pass so overrides and re-grades can be audited
// against the algorithm that produced the original score.
const Version = "auto-v1"

// Policy holds the tunable partial-credit thresholds. These are product
// policy, not structural invariants.
type Policy struct {
	// SimilarityThreshold: a fill-blank answer whose best normalized edit
	// similarity against any accepted answer exceeds this is a near miss.
	SimilarityThreshold float64
	// NearMissCredit is the fraction of full points a near miss earns.
	NearMissCredit float64
	// KeyTermCredit is the fraction earned for containing a key term.
	KeyTermCredit float64
	// KeyTermMinRunes: tokens shorter than this are not key terms.
	KeyTermMinRunes int
	// MatchingReviewFloor: a matching ratio strictly between this and 1.0
	// is escalated to human review.
	MatchingReviewFloor float64
}

// DefaultPolicy returns the stock thresholds.
func DefaultPolicy() Policy {
	return Policy{
		SimilarityThreshold: 0.8,
		NearMissCredit:      0.8,
		KeyTermCredit:       0.3,
		KeyTermMinRunes:     4,
		MatchingReviewFloor: 0.5,
	}
}

// PolicyFromConfig builds a Policy from environment configuration.
func PolicyFromConfig(cfg *config.Config) Policy {
	p := DefaultPolicy()
	p.SimilarityThreshold = cfg.FillBlankSimilarity
	p.NearMissCredit = cfg.FillBlankNearCredit
	p.KeyTermCredit = cfg.FillBlankTermCredit
	p.MatchingReviewFloor = cfg.MatchingReviewFloor
	return p
}

// Result is the outcome of grading one response against one question.
type Result struct {
	IsCorrect    bool    `json:"is_correct"`
	PointsEarned float64 `json:"points_earned"`
	MaxPoints    float64 `json:"max_points"`
	Explanation  string  `json:"explanation,omitempty"`
	Confidence   float64 `json:"confidence"`
	NeedsReview  bool    `json:"needs_review"`
	ReviewReason string  `json:"review_reason,omitempty"`
}

// Engine scores a single response against a single question definition.
// Pure and deterministic: no I/O, no state beyond the policy.
type Engine struct {
	policy Policy
}

// NewEngine creates a grading engine with the given policy.
func NewEngine(policy Policy) *Engine {
	return &Engine{policy: policy}
}

// Grade dispatches on the question type tag. Unsupported types never fail
// the attempt; they degrade to zero credit with a review flag.
func (e *Engine) Grade(q *model.Question, resp *model.Response) Result {
	switch q.Type {
	case model.QuestionTypeSingleChoice:
		return e.gradeChoice(q, resp, false)
	case model.QuestionTypeTrueFalse:
		return e.gradeChoice(q, resp, true)
	case model.QuestionTypeMultiChoice:
		return e.gradeMultiChoice(q, resp)
	case model.QuestionTypeFillBlank:
		return e.gradeFillBlank(q, resp)
	case model.QuestionTypeMatching:
		return e.gradeMatching(q, resp)
	default:
		return Result{
			MaxPoints:    questionPoints(q),
			Confidence:   0,
			NeedsReview:  true,
			ReviewReason: fmt.Sprintf("unsupported question type %q", q.Type),
		}
	}
}

// gradeChoice handles single_choice and true_false. Correct iff exactly one
// answer is selected and it matches the sole correct answer. True/false
// tokens compare case-insensitively.
func (e *Engine) gradeChoice(q *model.Question, resp *model.Response, foldCase bool) Result {
	pts := questionPoints(q)
	res := Result{MaxPoints: pts, Confidence: 1}

	correct := firstNonEmpty(q.CorrectAnswers)
	if correct == "" {
		res.NeedsReview = true
		res.ReviewReason = "question has no answer key"
		res.Confidence = 0
		return res
	}

	selected := cleanSet(resp.SelectedAnswers)
	if len(selected) != 1 {
		res.Explanation = fmt.Sprintf("expected a single answer: %s", correct)
		return res
	}

	match := selected[0] == correct
	if foldCase {
		match = strings.EqualFold(selected[0], correct)
	}
	if match {
		res.IsCorrect = true
		res.PointsEarned = pts
		res.Explanation = q.Explanation
		return res
	}

	res.Explanation = fmt.Sprintf("correct answer: %s", correct)
	return res
}

// gradeMultiChoice awards full credit only when the selected set equals the
// correct set exactly. No partial credit; the explanation enumerates what
// was right, wrongly included, and missed.
func (e *Engine) gradeMultiChoice(q *model.Question, resp *model.Response) Result {
	pts := questionPoints(q)
	res := Result{MaxPoints: pts, Confidence: 1}

	correct := cleanSet(q.CorrectAnswers)
	if len(correct) == 0 {
		res.NeedsReview = true
		res.ReviewReason = "question has no answer key"
		res.Confidence = 0
		return res
	}

	selected := cleanSet(resp.SelectedAnswers)

	correctSet := toSet(correct)
	selectedSet := toSet(selected)

	var hit, extra, missed []string
	for _, s := range selected {
		if _, ok := correctSet[s]; ok {
			hit = append(hit, s)
		} else {
			extra = append(extra, s)
		}
	}
	for _, c := range correct {
		if _, ok := selectedSet[c]; !ok {
			missed = append(missed, c)
		}
	}

	if len(extra) == 0 && len(missed) == 0 && len(selected) > 0 {
		res.IsCorrect = true
		res.PointsEarned = pts
		res.Explanation = q.Explanation
		return res
	}

	var parts []string
	if len(hit) > 0 {
		parts = append(parts, "correctly identified: "+strings.Join(hit, ", "))
	}
	if len(extra) > 0 {
		parts = append(parts, "wrongly included: "+strings.Join(extra, ", "))
	}
	if len(missed) > 0 {
		parts = append(parts, "missed: "+strings.Join(missed, ", "))
	}
	if len(parts) == 0 {
		parts = append(parts, "no answers selected")
	}
	res.Explanation = strings.Join(parts, "; ")
	return res
}

// gradeFillBlank walks the partial-credit ladder: exact match, edit-distance
// near miss, key-term containment, zero.
func (e *Engine) gradeFillBlank(q *model.Question, resp *model.Response) Result {
	pts := questionPoints(q)
	res := Result{MaxPoints: pts, Confidence: 1}

	accepted := make([]string, 0, len(q.CorrectAnswers))
	for _, a := range q.CorrectAnswers {
		if n := normalizeText(a); n != "" {
			accepted = append(accepted, n)
		}
	}
	if len(accepted) == 0 {
		res.NeedsReview = true
		res.ReviewReason = "question has no answer key"
		res.Confidence = 0
		return res
	}

	user := normalizeText(resp.TextAnswer)
	if user == "" {
		res.Explanation = "no answer given"
		return res
	}

	// 1. Exact match against any accepted answer.
	best := 0.0
	for _, a := range accepted {
		if user == a {
			res.IsCorrect = true
			res.PointsEarned = pts
			res.Explanation = q.Explanation
			return res
		}
		if s := similarity(user, a); s > best {
			best = s
		}
	}

	// 2. Near miss: likely a typo, worth most of the credit but a human
	// should confirm.
	if best > e.policy.SimilarityThreshold {
		res.PointsEarned = round2(pts * e.policy.NearMissCredit)
		res.Explanation = fmt.Sprintf("close to an accepted answer (similarity %.2f)", best)
		res.Confidence = best
		res.NeedsReview = true
		res.ReviewReason = "near-miss text answer, possible typo"
		return res
	}

	// 3. Key-term containment: partially relevant.
	if term := containedKeyTerm(user, accepted, e.policy.KeyTermMinRunes); term != "" {
		res.PointsEarned = round2(pts * e.policy.KeyTermCredit)
		res.Explanation = fmt.Sprintf("mentions key term %q but does not match an accepted answer", term)
		res.Confidence = e.policy.KeyTermCredit
		res.NeedsReview = true
		res.ReviewReason = "partially relevant text answer"
		return res
	}

	res.Explanation = "does not match any accepted answer"
	return res
}

// gradeMatching scores item:match pairs as the fraction of correct pairs
// reproduced. Full credit only at 100%; ratios in the review band are
// escalated; below the floor is a clear miss.
func (e *Engine) gradeMatching(q *model.Question, resp *model.Response) Result {
	pts := questionPoints(q)
	res := Result{MaxPoints: pts, Confidence: 1}

	correctPairs := make(map[string]string) // item → match, normalized
	for _, raw := range q.CorrectAnswers {
		item, match, ok := splitPair(raw)
		if ok {
			correctPairs[item] = match
		}
	}
	if len(correctPairs) == 0 {
		res.NeedsReview = true
		res.ReviewReason = "question has no answer key"
		res.Confidence = 0
		return res
	}

	// Pairs referencing unknown items are ignored, not scored.
	matched := 0
	seen := make(map[string]bool)
	for _, raw := range resp.SelectedAnswers {
		item, match, ok := splitPair(raw)
		if !ok || seen[item] {
			continue
		}
		want, known := correctPairs[item]
		if !known {
			continue
		}
		seen[item] = true
		if match == want {
			matched++
		}
	}

	total := len(correctPairs)
	ratio := float64(matched) / float64(total)
	res.PointsEarned = round2(pts * ratio)
	res.Explanation = fmt.Sprintf("matched %d of %d pairs", matched, total)

	switch {
	case ratio == 1:
		res.IsCorrect = true
		res.Explanation = q.Explanation
	case ratio > e.policy.MatchingReviewFloor:
		res.Confidence = ratio
		res.NeedsReview = true
		res.ReviewReason = "ambiguous partial matching attempt"
	}
	return res
}

func questionPoints(q *model.Question) float64 {
	if q.Points <= 0 {
		return 1
	}
	return q.Points
}

// cleanSet trims entries, drops empties and duplicates, preserving order.
func cleanSet(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, v := range in {
		s := strings.TrimSpace(v)
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func toSet(in []string) map[string]struct{} {
	m := make(map[string]struct{}, len(in))
	for _, s := range in {
		m[s] = struct{}{}
	}
	return m
}

func firstNonEmpty(in []string) string {
	for _, s := range in {
		if t := strings.TrimSpace(s); t != "" {
			return t
		}
	}
	return ""
}

// containedKeyTerm returns the longest token (≥ minRunes) from the accepted
// answers that appears in the user text, or "".
func containedKeyTerm(user string, accepted []string, minRunes int) string {
	var terms []string
	for _, a := range accepted {
		for _, tok := range strings.Fields(a) {
			if len([]rune(tok)) >= minRunes {
				terms = append(terms, tok)
			}
		}
	}
	// Prefer the longest term so the explanation names the most specific hit.
	sort.Slice(terms, func(i, j int) bool { return len(terms[i]) > len(terms[j]) })
	for _, t := range terms {
		if strings.Contains(user, t) {
			return t
		}
	}
	return ""
}

func splitPair(raw string) (item, match string, ok bool) {
	idx := strings.Index(raw, ":")
	if idx <= 0 {
		return "", "", false
	}
	item = normalizeText(raw[:idx])
	match = normalizeText(raw[idx+1:])
	if item == "" || match == "" {
		return "", "", false
	}
	return item, match, true
}

func round2(v float64) float64 {
	return float64(int(v*100+0.5)) / 100
}
