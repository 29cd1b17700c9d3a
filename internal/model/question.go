package model

import (
	"encoding/json"

	"github.com/google/uuid"
)

// QuestionType is the closed set of supported question kinds. The grading
// engine dispatches on this tag; anything outside the set degrades to
// manual review instead of failing the attempt.
type QuestionType string

const (
	QuestionTypeSingleChoice QuestionType = "single_choice"
	QuestionTypeMultiChoice  QuestionType = "multi_choice"
	QuestionTypeTrueFalse    QuestionType = "true_false"
	QuestionTypeFillBlank    QuestionType = "fill_blank"
	QuestionTypeMatching     QuestionType = "matching"
)

// Question represents a single test question. Owned by the test-authoring
// layer; read-only to the attempt engine.
type Question struct {
	ID     uuid.UUID    `json:"id"`
	TestID uuid.UUID    `json:"test_id"`
	Text   string       `json:"text"`
	Type   QuestionType `json:"type"`
	// Options is the display payload (choices, matching items). Opaque here;
	// only the client renders it.
	Options json.RawMessage `json:"options,omitempty"`
	// CorrectAnswers holds the accepted answer set. For matching questions
	// each entry is an "item:match" pair.
	CorrectAnswers []string `json:"correct_answers,omitempty"`
	// Points is the question's weight. Zero or negative means unset and is
	// graded as 1.
	Points      float64 `json:"points"`
	Explanation string  `json:"explanation,omitempty"`
	Hint        string  `json:"hint,omitempty"`
	Difficulty  string  `json:"difficulty,omitempty"`
	Topic       string  `json:"topic,omitempty"`
	OrderNum    int     `json:"order_num"`
}

// QuestionForStudent is a question without the correct answers, sent to
// students during an attempt.
type QuestionForStudent struct {
	ID       uuid.UUID       `json:"id"`
	Text     string          `json:"text"`
	Type     QuestionType    `json:"type"`
	Options  json.RawMessage `json:"options,omitempty"`
	Points   float64         `json:"points"`
	Hint     string          `json:"hint,omitempty"`
	OrderNum int             `json:"order_num"`
}

// ForStudent strips grading-only fields from a question.
func (q *Question) ForStudent() QuestionForStudent {
	return QuestionForStudent{
		ID:       q.ID,
		Text:     q.Text,
		Type:     q.Type,
		Options:  q.Options,
		Points:   q.Points,
		Hint:     q.Hint,
		OrderNum: q.OrderNum,
	}
}
