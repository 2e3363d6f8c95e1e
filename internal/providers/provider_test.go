package providers

import "testing"

func TestSumUsageTotalAlwaysEqualsParts(t *testing.T) {
	tests := []struct {
		name string
		in   Usage
		want Usage
	}{
		{
			"split only",
			Usage{PromptTokens: 10, CompletionTokens: 5},
			Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		},
		{
			"mismatched total is recomputed",
			Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 99},
			Usage{PromptTokens: 10, CompletionTokens: 5, TotalTokens: 15},
		},
		{
			"total only counts as completion",
			Usage{TotalTokens: 7},
			Usage{CompletionTokens: 7, TotalTokens: 7},
		},
		{
			"empty stays empty",
			Usage{},
			Usage{},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := SumUsage(tt.in)
			if got != tt.want {
				t.Errorf("SumUsage(%+v) = %+v, want %+v", tt.in, got, tt.want)
			}
			if got.TotalTokens != got.PromptTokens+got.CompletionTokens {
				t.Errorf("total %d != %d + %d", got.TotalTokens, got.PromptTokens, got.CompletionTokens)
			}
		})
	}
}

func TestEstimateTokens(t *testing.T) {
	if got := EstimateTokens(""); got != 0 {
		t.Errorf("empty text = %d, want 0", got)
	}
	if got := EstimateTokens("hi"); got != 1 {
		t.Errorf("short text = %d, want minimum 1", got)
	}
	if got := EstimateTokens("abcdefgh"); got != 2 {
		t.Errorf("8 chars = %d, want 2", got)
	}
}
