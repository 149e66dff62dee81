package channel

import "testing"

func TestMatch(t *testing.T) {
	tests := []struct {
		pattern string
		topic   string
		want    bool
	}{
		{"task.create.requested", "task.create.requested", true},
		{"*.*.completed", "task.create.completed", true},
		{"*.*.completed", "task.create.failed", false},
		{"task.*.*", "document.create.requested", false},
		{"*.*", "task.create.requested", false},
		{"*.*.*.*", "task.create.requested", false},
		{"", "task.create.requested", false},
		{"*.*.*", "", false},
	}
	for _, tt := range tests {
		if got := Match(tt.pattern, tt.topic); got != tt.want {
			t.Fatalf("Match(%q, %q) = %v, want %v", tt.pattern, tt.topic, got, tt.want)
		}
	}
}

func TestValidPattern(t *testing.T) {
	if !ValidPattern("*.*.validated") {
		t.Fatal("expected pattern to be valid")
	}
	for _, pattern := range []string{"", "task..requested", ".task", "task."} {
		if ValidPattern(pattern) {
			t.Fatalf("expected %q to be invalid", pattern)
		}
	}
}
