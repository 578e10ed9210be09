package ids

import (
	"testing"

	"github.com/google/uuid"
)

func TestUUIDProviderIssuesDistinctVersion7Identifiers(t *testing.T) {
	provider := NewUUIDProvider()
	seen := make(map[string]struct{})
	for index := 0; index < 64; index++ {
		value, err := provider.NewID()
		if err != nil {
			t.Fatalf("unexpected id error: %v", err)
		}
		parsed, err := uuid.Parse(value)
		if err != nil {
			t.Fatalf("expected uuid, got %q: %v", value, err)
		}
		if parsed.Version() != 7 {
			t.Fatalf("expected uuid v7, got v%d", parsed.Version())
		}
		if _, duplicate := seen[value]; duplicate {
			t.Fatalf("duplicate id issued: %s", value)
		}
		seen[value] = struct{}{}
	}
}
