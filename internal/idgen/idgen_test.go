package idgen_test

import (
	"strings"
	"testing"

	"github.com/google/uuid"

	"github.com/flitsinc/runhub/internal/idgen"
)

func TestNewIsUUIDv7(t *testing.T) {
	id := idgen.New()
	parsed, err := uuid.Parse(id)
	if err != nil {
		t.Fatalf("parse %q: %v", id, err)
	}
	if parsed.Version() != 7 {
		t.Fatalf("expected version 7, got %d", parsed.Version())
	}
}

func TestSortableIsMonotonicEnough(t *testing.T) {
	a := idgen.Sortable()
	b := idgen.Sortable()
	if len(a) != 26 || len(b) != 26 {
		t.Fatalf("expected 26 character ULIDs, got %q and %q", a, b)
	}
	if a == b {
		t.Fatalf("expected distinct ids")
	}
}

func TestValidateKey(t *testing.T) {
	valid := []string{
		"k1",
		"client-request-7f3a",
		"tool:call_0042",
		"with spaces are fine",
		strings.Repeat("a", idgen.MaxKeyLength),
	}
	for _, key := range valid {
		if err := idgen.ValidateKey(key); err != nil {
			t.Errorf("expected %q to be valid, got error: %v", key, err)
		}
	}

	invalid := []string{
		"",
		"line\nbreak",
		"tab\tinside",
		string([]byte{0xff, 0xfe}),
		strings.Repeat("a", idgen.MaxKeyLength+1),
	}
	for _, key := range invalid {
		if err := idgen.ValidateKey(key); err == nil {
			t.Errorf("expected %q to be invalid, got nil error", key)
		}
	}
}
