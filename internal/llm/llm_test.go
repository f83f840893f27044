package llm

import (
	"net/http"
	"testing"
)

func TestCostCentsRoundsUp(t *testing.T) {
	cases := []struct {
		tokens int
		price  int64
		want   int64
	}{
		{0, 1, 0},
		{1000, 1, 1},
		{1001, 1, 2},
		{500, 2, 1},
		{2500, 3, 8}, // 7.5 cents rounds up
		{1000, 0, 0}, // no price configured
	}
	for _, tc := range cases {
		got := CostCents(TokenUsage{TotalTokens: tc.tokens}, tc.price)
		if got != tc.want {
			t.Errorf("CostCents(%d tokens, %d/1k) = %d, want %d", tc.tokens, tc.price, got, tc.want)
		}
	}
}

func TestAPIErrorTransient(t *testing.T) {
	if !(&APIError{Status: http.StatusTooManyRequests}).Transient() {
		t.Error("429 should be transient")
	}
	if !(&APIError{Status: 503}).Transient() {
		t.Error("503 should be transient")
	}
	if (&APIError{Status: http.StatusBadRequest}).Transient() {
		t.Error("400 should not be transient")
	}
}
