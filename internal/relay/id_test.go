package relay

import (
	"regexp"
	"testing"
)

var idPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

func TestNewIDFormat(t *testing.T) {
	id := NewID()
	if len(id) != 36 {
		t.Fatalf("NewID returned length %d, want 36", len(id))
	}
	if !idPattern.MatchString(id) {
		t.Fatalf("NewID returned %q, which does not match the hyphenated hex layout", id)
	}
}

func TestNewIDUnique(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		id := NewID()
		if seen[id] {
			t.Fatalf("NewID produced a duplicate: %s", id)
		}
		seen[id] = true
	}
}
