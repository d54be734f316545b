package providers

import "testing"

func TestResolveProvider(t *testing.T) {
	cases := []struct {
		model string
		want  string
	}{
		{"gpt-4o", NameOpenAI},
		{"gpt-5-preview", NameOpenAI}, // prefix fallback for unlisted models
		{"o3-mini", NameOpenAI},
		{"claude-sonnet-4", NameAnthropic},
		{"claude-9-experimental", NameAnthropic},
		{"llama-3.3-70b-versatile", NameGroq},
		{"gemma2-9b-it", NameGroq},
		{"deepseek/deepseek-chat", NameOpenRouter},
		{"some-unknown-model", NameOpenRouter},

		// Embedding models route to the provider that serves them; they
		// carry no vendor prefix, so the alias table must catch them.
		{"text-embedding-3-small", NameOpenAI},
		{"text-embedding-3-large", NameOpenAI},
		{"text-embedding-ada-002", NameOpenAI},
		{"text-embedding-4-future", NameOpenAI}, // prefix fallback
	}
	for _, tc := range cases {
		if got := ResolveProvider(tc.model); got != tc.want {
			t.Errorf("ResolveProvider(%q) = %q, want %q", tc.model, got, tc.want)
		}
	}
}

func TestIsTerminalFinish(t *testing.T) {
	for _, reason := range []string{"stop", "length", "tool_calls", "function_call", "content_filter"} {
		if !IsTerminalFinish(reason) {
			t.Errorf("IsTerminalFinish(%q) = false", reason)
		}
	}
	for _, reason := range []string{"", "null", "incomplete"} {
		if IsTerminalFinish(reason) {
			t.Errorf("IsTerminalFinish(%q) = true", reason)
		}
	}
}
