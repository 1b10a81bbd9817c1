package utils

import (
	"testing"
)

func TestNewTokenCounter(t *testing.T) {
	tests := []struct {
		name      string
		model     string
		wantError bool
	}{
		{
			name:      "GPT-4o model",
			model:     "gpt-4o",
			wantError: false,
		},
		{
			name:      "embedding model",
			model:     "text-embedding-3-small",
			wantError: false,
		},
		{
			name:      "Claude model uses fallback encoding",
			model:     "claude-sonnet-4-5",
			wantError: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			counter, err := NewTokenCounter(tt.model)
			if (err != nil) != tt.wantError {
				t.Errorf("NewTokenCounter() error = %v, wantError %v", err, tt.wantError)
				return
			}
			if !tt.wantError && counter == nil {
				t.Error("NewTokenCounter() returned nil counter")
			}
			if counter != nil && counter.GetModel() != tt.model {
				t.Errorf("NewTokenCounter() model = %v, want %v", counter.GetModel(), tt.model)
			}
		})
	}
}

func TestTokenCounterCount(t *testing.T) {
	counter, err := NewTokenCounter("gpt-4o")
	if err != nil {
		t.Fatalf("Failed to create token counter: %v", err)
	}

	tests := []struct {
		name      string
		text      string
		minTokens int
		maxTokens int
	}{
		{
			name:      "empty string",
			text:      "",
			minTokens: 0,
			maxTokens: 0,
		},
		{
			name:      "simple sentence",
			text:      "Hello, world!",
			minTokens: 3,
			maxTokens: 5,
		},
		{
			name:      "Indonesian legal citation",
			text:      "Undang-Undang Nomor 6 Tahun 2011 tentang Keimigrasian, Pasal 52",
			minTokens: 15,
			maxTokens: 35,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			count := counter.Count(tt.text)
			if count < tt.minTokens || count > tt.maxTokens {
				t.Errorf("Count() = %v, want between %v and %v for text: %q",
					count, tt.minTokens, tt.maxTokens, tt.text)
			}
		})
	}
}

func TestTokenCounterTruncate(t *testing.T) {
	counter, err := NewTokenCounter("gpt-4o")
	if err != nil {
		t.Fatalf("Failed to create token counter: %v", err)
	}

	short := "KITAS renewal"
	if got := counter.Truncate(short, 100); got != short {
		t.Errorf("Truncate() changed text within budget: %q", got)
	}

	long := "The limited stay permit known as KITAS must be renewed before expiry. " +
		"Applications go through the sponsor and the immigration office."
	truncated := counter.Truncate(long, 10)
	if truncated == long {
		t.Error("Truncate() did not shorten text over budget")
	}
	if got := counter.Count(truncated); got > 10 {
		t.Errorf("Truncate() result has %d tokens, want <= 10", got)
	}

	if got := counter.Truncate(long, 0); got != "" {
		t.Errorf("Truncate() with zero budget = %q, want empty", got)
	}
}

func TestFitWithinLimit(t *testing.T) {
	counter, err := NewTokenCounter("gpt-4o")
	if err != nil {
		t.Fatalf("Failed to create token counter: %v", err)
	}

	messages := []Message{
		{Role: "user", Content: "What is a KITAS?"},
		{Role: "assistant", Content: "A KITAS is a limited stay permit for foreigners in Indonesia."},
		{Role: "user", Content: "How long is it valid?"},
	}

	all := counter.FitWithinLimit(messages, 1000)
	if len(all) != len(messages) {
		t.Errorf("FitWithinLimit() with large budget kept %d messages, want %d", len(all), len(messages))
	}

	some := counter.FitWithinLimit(messages, 15)
	if len(some) >= len(messages) {
		t.Errorf("FitWithinLimit() with tight budget kept %d messages, want fewer than %d", len(some), len(messages))
	}
	if len(some) > 0 && some[len(some)-1].Content != messages[len(messages)-1].Content {
		t.Error("FitWithinLimit() must keep the most recent message last")
	}

	none := counter.FitWithinLimit(nil, 100)
	if len(none) != 0 {
		t.Errorf("FitWithinLimit(nil) = %v, want empty", none)
	}
}
