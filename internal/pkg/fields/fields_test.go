package fields

import (
	"encoding/json"
	"testing"
)

func obj(t *testing.T, s string) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal([]byte(s), &m); err != nil {
		t.Fatalf("json.Unmarshal() error = %v", err)
	}
	return m
}

func TestFirstString_Precedence(t *testing.T) {
	tests := []struct {
		name string
		json string
		want string
	}{
		{"first key wins", `{"agentId": "a", "agent_id": "b"}`, "a"},
		{"snake case fallback", `{"agent_id": "b"}`, "b"},
		{"nested path", `{"agent": {"id": "c"}, "id": "d"}`, "c"},
		{"null skipped", `{"agentId": null, "id": "d"}`, "d"},
		{"blank skipped", `{"agentId": "   ", "id": "d"}`, "d"},
		{"numeric rendered", `{"id": 7}`, "7"},
		{"nothing present", `{"other": "x"}`, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := FirstString(obj(t, tt.json), "agentId", "agent_id", "agent.id", "id")
			if got != tt.want {
				t.Errorf("FirstString() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLookup_LiteralDottedKeyWins(t *testing.T) {
	m := obj(t, `{"agent.id": "literal", "agent": {"id": "nested"}}`)
	v, ok := Lookup(m, "agent.id")
	if !ok || v != "literal" {
		t.Errorf("Lookup() = %v, %v, want literal", v, ok)
	}
	if _, ok := Lookup(nil, "x"); ok {
		t.Error("Lookup(nil) reported ok")
	}
}

func TestAsNumber(t *testing.T) {
	tests := []struct {
		in     any
		want   float64
		wantOK bool
	}{
		{float64(45), 45, true},
		{"90", 90, true},
		{" 12.5% ", 12.5, true},
		{"abc", 0, false},
		{true, 0, false},
		{nil, 0, false},
		{json.Number("3"), 3, true},
	}
	for _, tt := range tests {
		got, ok := AsNumber(tt.in)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("AsNumber(%#v) = %v, %v, want %v, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestAsString(t *testing.T) {
	tests := []struct {
		in     any
		want   string
		wantOK bool
	}{
		{" ent-1 ", "ent-1", true},
		{"  ", "", false},
		{float64(42), "42", true},
		{-7.0, "-7", true},
		{2.5, "2.5", true},
		{1e20, "100000000000000000000", true},
		{-1e20, "-100000000000000000000", true},
		{float64(1 << 62), "4611686018427387904", true},
		{int64(9), "9", true},
		{json.Number("12"), "12", true},
		{false, "", false},
	}
	for _, tt := range tests {
		got, ok := AsString(tt.in)
		if ok != tt.wantOK || got != tt.want {
			t.Errorf("AsString(%#v) = %q, %v, want %q, %v", tt.in, got, ok, tt.want, tt.wantOK)
		}
	}
}

func TestStrings(t *testing.T) {
	got := Strings([]any{"a", " ", 3.0, map[string]any{"message": "m"}, map[string]any{"x": 1}, nil})
	want := []string{"a", "3", "m"}
	if len(got) != len(want) {
		t.Fatalf("Strings() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Strings()[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if got := FirstStrings(nil, "x"); got == nil || len(got) != 0 {
		t.Errorf("FirstStrings(nil) = %#v, want empty slice", got)
	}
}
