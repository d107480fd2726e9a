package agent

import "testing"

func TestExtractLastJSON(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
		ok   bool
	}{
		{
			name: "object after prose",
			text: "Here is the verdict.\n\n{\"verdict\": \"APPROVE\"}",
			want: `{"verdict": "APPROVE"}`,
			ok:   true,
		},
		{
			name: "markdown fenced",
			text: "```json\n{\"tasks\": [1, 2]}\n```\nDone.",
			want: `{"tasks": [1, 2]}`,
			ok:   true,
		},
		{
			name: "brace inside string",
			text: `result: {"msg": "use {braces} carefully", "n": 1}`,
			want: `{"msg": "use {braces} carefully", "n": 1}`,
			ok:   true,
		},
		{
			name: "escaped quote inside string",
			text: `{"msg": "he said \"}\" loudly"}`,
			want: `{"msg": "he said \"}\" loudly"}`,
			ok:   true,
		},
		{
			name: "array",
			text: "items: [1, {\"a\": 2}]",
			want: `[1, {"a": 2}]`,
			ok:   true,
		},
		{
			name: "last of several candidates",
			text: `first {"a": 1} then {"b": 2}`,
			want: `{"b": 2}`,
			ok:   true,
		},
		{
			name: "unbalanced tail falls back",
			text: `{"ok": 1} trailing {"broken": `,
			want: `{"ok": 1}`,
			ok:   true,
		},
		{
			name: "invalid tail falls back",
			text: `{"good": 1} and then {bad: unquoted}`,
			want: `{"good": 1}`,
			ok:   true,
		},
		{
			name: "no json",
			text: "nothing to see here",
			ok:   false,
		},
		{
			name: "empty",
			text: "",
			ok:   false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractLastJSON(tt.text)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v (got %q)", ok, tt.ok, got)
			}
			if ok && got != tt.want {
				t.Fatalf("got %q, want %q", got, tt.want)
			}
		})
	}
}
