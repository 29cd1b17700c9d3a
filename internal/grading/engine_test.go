package grading

import (
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/testline/testline-backend/internal/model"
)

func question(qt model.QuestionType, points float64, correct ...string) *model.Question {
	return &model.Question{
		ID:             uuid.New(),
		Type:           qt,
		Points:         points,
		CorrectAnswers: correct,
	}
}

func TestGradeSingleChoice(t *testing.T) {
	e := NewEngine(DefaultPolicy())
	q := question(model.QuestionTypeSingleChoice, 2, "B")

	tests := []struct {
		name       string
		selected   []string
		wantOK     bool
		wantPoints float64
	}{
		{"correct", []string{"B"}, true, 2},
		{"wrong", []string{"A"}, false, 0},
		{"case sensitive", []string{"b"}, false, 0},
		{"multiple selected", []string{"A", "B"}, false, 0},
		{"nothing selected", nil, false, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.Grade(q, &model.Response{SelectedAnswers: tt.selected})
			if res.IsCorrect != tt.wantOK {
				t.Errorf("IsCorrect = %v, want %v", res.IsCorrect, tt.wantOK)
			}
			if res.PointsEarned != tt.wantPoints {
				t.Errorf("PointsEarned = %v, want %v", res.PointsEarned, tt.wantPoints)
			}
			if res.MaxPoints != 2 {
				t.Errorf("MaxPoints = %v, want 2", res.MaxPoints)
			}
		})
	}
}

func TestGradeTrueFalseFoldsCase(t *testing.T) {
	e := NewEngine(DefaultPolicy())
	q := question(model.QuestionTypeTrueFalse, 1, "True")

	for _, ans := range []string{"True", "true", "TRUE"} {
		res := e.Grade(q, &model.Response{SelectedAnswers: []string{ans}})
		if !res.IsCorrect {
			t.Errorf("answer %q not accepted", ans)
		}
	}

	res := e.Grade(q, &model.Response{SelectedAnswers: []string{"false"}})
	if res.IsCorrect {
		t.Error("wrong answer accepted")
	}
}

func TestGradeMultiChoiceExactSetOnly(t *testing.T) {
	e := NewEngine(DefaultPolicy())
	q := question(model.QuestionTypeMultiChoice, 4, "A", "C")

	tests := []struct {
		name     string
		selected []string
		wantOK   bool
	}{
		{"exact set", []string{"A", "C"}, true},
		{"order independent", []string{"C", "A"}, true},
		{"subset", []string{"A"}, false},
		{"superset", []string{"A", "C", "D"}, false},
		{"disjoint", []string{"B", "D"}, false},
		{"empty", nil, false},
		{"duplicates collapse", []string{"A", "A", "C"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.Grade(q, &model.Response{SelectedAnswers: tt.selected})
			if res.IsCorrect != tt.wantOK {
				t.Errorf("IsCorrect = %v, want %v", res.IsCorrect, tt.wantOK)
			}
			want := 0.0
			if tt.wantOK {
				want = 4
			}
			if res.PointsEarned != want {
				t.Errorf("PointsEarned = %v, want %v", res.PointsEarned, want)
			}
		})
	}
}

func TestGradeMultiChoiceExplanation(t *testing.T) {
	e := NewEngine(DefaultPolicy())
	q := question(model.QuestionTypeMultiChoice, 4, "A", "C")

	res := e.Grade(q, &model.Response{SelectedAnswers: []string{"A", "D"}})
	for _, want := range []string{"correctly identified: A", "wrongly included: D", "missed: C"} {
		if !strings.Contains(res.Explanation, want) {
			t.Errorf("explanation %q missing %q", res.Explanation, want)
		}
	}
}

func TestGradeFillBlankExactAfterNormalization(t *testing.T) {
	e := NewEngine(DefaultPolicy())
	q := question(model.QuestionTypeFillBlank, 5, "Newton's second law")

	tests := []struct {
		name   string
		answer string
	}{
		{"verbatim", "Newton's second law"},
		{"no punctuation lower", "newtons second law"},
		{"extra whitespace", "  Newtons   Second   Law  "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.Grade(q, &model.Response{TextAnswer: tt.answer})
			if !res.IsCorrect {
				t.Fatalf("answer %q not accepted: %+v", tt.answer, res)
			}
			if res.PointsEarned != 5 {
				t.Errorf("PointsEarned = %v, want 5", res.PointsEarned)
			}
			if res.NeedsReview {
				t.Error("exact match should not need review")
			}
		})
	}
}

func TestGradeFillBlankNearMiss(t *testing.T) {
	e := NewEngine(DefaultPolicy())
	q := question(model.QuestionTypeFillBlank, 5, "Newton's second law")

	// Two transpositions and a dropped letter over an 18-rune answer keeps
	// similarity above the 0.8 threshold.
	res := e.Grade(q, &model.Response{TextAnswer: "netwons secnd law"})
	if res.IsCorrect {
		t.Error("near miss must not be marked correct")
	}
	if res.PointsEarned != 4 {
		t.Errorf("PointsEarned = %v, want 4 (80%% of 5)", res.PointsEarned)
	}
	if !res.NeedsReview {
		t.Error("near miss must be flagged for review")
	}
	if res.ReviewReason == "" {
		t.Error("review reason missing")
	}
}

func TestGradeFillBlankKeyTerm(t *testing.T) {
	e := NewEngine(DefaultPolicy())
	q := question(model.QuestionTypeFillBlank, 10, "photosynthesis")

	res := e.Grade(q, &model.Response{TextAnswer: "something about photosynthesis in plants"})
	if res.IsCorrect {
		t.Error("key-term hit must not be marked correct")
	}
	if res.PointsEarned != 3 {
		t.Errorf("PointsEarned = %v, want 3 (30%% of 10)", res.PointsEarned)
	}
	if !res.NeedsReview {
		t.Error("key-term hit must be flagged for review")
	}
}

func TestGradeFillBlankMiss(t *testing.T) {
	e := NewEngine(DefaultPolicy())
	q := question(model.QuestionTypeFillBlank, 5, "mitochondria")

	tests := []struct {
		name   string
		answer string
	}{
		{"unrelated", "the golgi apparatus"},
		{"empty", ""},
		{"whitespace only", "   "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.Grade(q, &model.Response{TextAnswer: tt.answer})
			if res.IsCorrect || res.PointsEarned != 0 {
				t.Errorf("got %+v, want zero credit", res)
			}
		})
	}
}

func TestGradeFillBlankMultipleAccepted(t *testing.T) {
	e := NewEngine(DefaultPolicy())
	q := question(model.QuestionTypeFillBlank, 2, "H2O", "water")

	for _, ans := range []string{"water", "h2o", "Water"} {
		res := e.Grade(q, &model.Response{TextAnswer: ans})
		if !res.IsCorrect {
			t.Errorf("answer %q not accepted", ans)
		}
	}
}

func TestGradeMatching(t *testing.T) {
	e := NewEngine(DefaultPolicy())
	q := question(model.QuestionTypeMatching, 6, "dog:mammal", "snake:reptile", "frog:amphibian")

	tests := []struct {
		name       string
		selected   []string
		wantOK     bool
		wantPoints float64
		wantReview bool
	}{
		{
			"all correct",
			[]string{"dog:mammal", "snake:reptile", "frog:amphibian"},
			true, 6, false,
		},
		{
			"two of three in review band",
			[]string{"dog:mammal", "snake:reptile", "frog:reptile"},
			false, 4, true,
		},
		{
			"one of three below floor",
			[]string{"dog:mammal", "snake:amphibian", "frog:reptile"},
			false, 2, false,
		},
		{
			"unknown item ignored",
			[]string{"dog:mammal", "snake:reptile", "frog:amphibian", "cat:mammal"},
			true, 6, false,
		},
		{
			"empty",
			nil,
			false, 0, false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := e.Grade(q, &model.Response{SelectedAnswers: tt.selected})
			if res.IsCorrect != tt.wantOK {
				t.Errorf("IsCorrect = %v, want %v", res.IsCorrect, tt.wantOK)
			}
			if res.PointsEarned != tt.wantPoints {
				t.Errorf("PointsEarned = %v, want %v", res.PointsEarned, tt.wantPoints)
			}
			if res.NeedsReview != tt.wantReview {
				t.Errorf("NeedsReview = %v, want %v", res.NeedsReview, tt.wantReview)
			}
		})
	}
}

func TestGradeZeroPointsTreatedAsOne(t *testing.T) {
	e := NewEngine(DefaultPolicy())
	q := question(model.QuestionTypeSingleChoice, 0, "A")

	res := e.Grade(q, &model.Response{SelectedAnswers: []string{"A"}})
	if res.MaxPoints != 1 || res.PointsEarned != 1 {
		t.Errorf("got max %v earned %v, want 1 and 1", res.MaxPoints, res.PointsEarned)
	}
}

func TestGradeUnknownTypeNeedsReview(t *testing.T) {
	e := NewEngine(DefaultPolicy())
	q := question(model.QuestionType("essay"), 5, "anything")

	res := e.Grade(q, &model.Response{TextAnswer: "a long essay"})
	if res.IsCorrect || res.PointsEarned != 0 {
		t.Errorf("unknown type must earn nothing, got %+v", res)
	}
	if !res.NeedsReview {
		t.Error("unknown type must be flagged for review")
	}
}

func TestGradeMissingAnswerKey(t *testing.T) {
	e := NewEngine(DefaultPolicy())

	for _, qt := range []model.QuestionType{
		model.QuestionTypeSingleChoice,
		model.QuestionTypeMultiChoice,
		model.QuestionTypeFillBlank,
		model.QuestionTypeMatching,
	} {
		q := question(qt, 2)
		res := e.Grade(q, &model.Response{SelectedAnswers: []string{"A"}, TextAnswer: "A"})
		if !res.NeedsReview {
			t.Errorf("%s without answer key must be flagged for review", qt)
		}
		if res.PointsEarned != 0 {
			t.Errorf("%s without answer key earned %v points", qt, res.PointsEarned)
		}
	}
}
