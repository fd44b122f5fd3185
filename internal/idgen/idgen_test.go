package idgen_test

import (
	"strings"
	"testing"

	"github.com/flitsinc/agentruns/internal/idgen"
	"github.com/google/uuid"
)

func TestNewIsUUIDv7(t *testing.T) {
	id, err := uuid.Parse(idgen.New())
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if id.Version() != 7 {
		t.Fatalf("expected version 7, got %d", id.Version())
	}
	if idgen.New() == idgen.New() {
		t.Fatalf("expected distinct ids")
	}
}

func TestSequentialSorts(t *testing.T) {
	prev := idgen.Sequential()
	for i := 0; i < 100; i++ {
		next := idgen.Sequential()
		if next <= prev {
			t.Fatalf("expected %s > %s", next, prev)
		}
		prev = next
	}
}

func TestValidateRunID(t *testing.T) {
	valid := []string{
		"a",
		"b",
		"transcribe-42",
		"Visit_2026.01.03",
		"patient:17:ocr",
		idgen.New(),
	}
	for _, id := range valid {
		if err := idgen.ValidateRunID(id); err != nil {
			t.Errorf("expected %q to be valid, got error: %v", id, err)
		}
	}

	invalid := []string{
		"",
		"-starts-with-dash",
		".hidden",
		"has spaces",
		"slash/inside",
		"new\nline",
		strings.Repeat("a", 129),
	}
	for _, id := range invalid {
		if err := idgen.ValidateRunID(id); err == nil {
			t.Errorf("expected %q to be invalid, got nil error", id)
		}
	}
}
