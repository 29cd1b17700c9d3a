package grading

import (
	"math"
	"testing"
)

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Newton's second law", "newtons second law"},
		{"  HELLO,   World!  ", "hello world"},
		{"...", ""},
		{"", ""},
		{"a  b\tc\nd", "a b c d"},
		{"H2O", "h2o"},
	}
	for _, tt := range tests {
		if got := normalizeText(tt.in); got != tt.want {
			t.Errorf("normalizeText(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestLevenshtein(t *testing.T) {
	tests := []struct {
		a, b string
		want int
	}{
		{"", "", 0},
		{"abc", "", 3},
		{"", "abc", 3},
		{"kitten", "sitting", 3},
		{"same", "same", 0},
		{"secnd", "second", 1},
		{"netwons", "newtons", 2},
	}
	for _, tt := range tests {
		if got := levenshtein(tt.a, tt.b); got != tt.want {
			t.Errorf("levenshtein(%q, %q) = %d, want %d", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestSimilarity(t *testing.T) {
	tests := []struct {
		a, b string
		want float64
	}{
		{"same", "same", 1},
		{"", "", 1},
		{"abcd", "wxyz", 0},
		{"netwons secnd law", "newtons second law", 1 - 3.0/18.0},
	}
	for _, tt := range tests {
		if got := similarity(tt.a, tt.b); math.Abs(got-tt.want) > 1e-9 {
			t.Errorf("similarity(%q, %q) = %v, want %v", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestSimilaritySymmetric(t *testing.T) {
	a, b := "mitochondria", "mitochondrial"
	if similarity(a, b) != similarity(b, a) {
		t.Error("similarity must be symmetric")
	}
}
