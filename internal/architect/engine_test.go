package architect

import (
	"context"
	"strings"
	"testing"
	"unicode/utf8"
)

func TestDesign_CompleteArchitecture(t *testing.T) {
	t.Parallel()

	e := NewEngine()
	arch, err := e.Design(context.Background(), 2, "Pitch Generator",
		"Write personalized emails referencing missing profile features", "research digest here")
	if err != nil {
		t.Fatalf("Design error: %v", err)
	}

	if arch.UnitID != 2 || arch.UnitName != "Pitch Generator" {
		t.Errorf("identity = %d/%q", arch.UnitID, arch.UnitName)
	}
	if len(arch.Inputs) == 0 || len(arch.Outputs) == 0 {
		t.Error("expected typed inputs and outputs")
	}
	if len(arch.Functions) != 3 {
		t.Fatalf("got %d functions, want 3", len(arch.Functions))
	}
	if arch.Functions[0].Name != "RunPitchGenerator" {
		t.Errorf("entry point = %q, want RunPitchGenerator", arch.Functions[0].Name)
	}
	if arch.Functions[1].Name != "validatePitchGeneratorInput" {
		t.Errorf("validator = %q", arch.Functions[1].Name)
	}
	if arch.Functions[2].Name != "persistPitchGeneratorResult" {
		t.Errorf("persister = %q", arch.Functions[2].Name)
	}
	if arch.ContainerAlignment != "sales" {
		t.Errorf("alignment = %q, want sales", arch.ContainerAlignment)
	}
	if len(arch.Dependencies) != 1 || arch.Dependencies[0] != 1 {
		t.Errorf("dependencies = %v, want [1]", arch.Dependencies)
	}
	if err := arch.Validate(); err != nil {
		t.Errorf("Validate error: %v", err)
	}
}

func TestDesign_FirstUnitHasNoDependencies(t *testing.T) {
	t.Parallel()

	e := NewEngine()
	arch, err := e.Design(context.Background(), 1, "Prospect Research", "desc", "")
	if err != nil {
		t.Fatalf("Design error: %v", err)
	}
	if len(arch.Dependencies) != 0 {
		t.Errorf("unit 1 dependencies = %v, want none", arch.Dependencies)
	}
}

func TestDesign_AlignmentByOrdinal(t *testing.T) {
	t.Parallel()

	e := NewEngine()
	tests := []struct {
		ordinal int
		want    string
	}{
		{1, "sales"}, {3, "sales"},
		{4, "operations"}, {6, "operations"},
		{7, "finance"}, {9, "finance"},
	}
	for _, tt := range tests {
		arch, err := e.Design(context.Background(), tt.ordinal, "Some Unit", "", "")
		if err != nil {
			t.Fatalf("Design(%d) error: %v", tt.ordinal, err)
		}
		if arch.ContainerAlignment != tt.want {
			t.Errorf("ordinal %d alignment = %q, want %q", tt.ordinal, arch.ContainerAlignment, tt.want)
		}
	}
}

func TestDesign_PhiDecreasesWithOrdinal(t *testing.T) {
	t.Parallel()

	e := NewEngine()
	var prev float64 = 1
	for _, ordinal := range []int{1, 4, 7} {
		arch, err := e.Design(context.Background(), ordinal, "Some Unit", "", "")
		if err != nil {
			t.Fatalf("Design(%d) error: %v", ordinal, err)
		}
		if arch.PhiContribution >= prev {
			t.Errorf("phi contribution should decrease across tiers: ordinal %d has %v",
				ordinal, arch.PhiContribution)
		}
		prev = arch.PhiContribution
	}
}

func TestDesign_EmptyNameRejected(t *testing.T) {
	t.Parallel()

	e := NewEngine()
	if _, err := e.Design(context.Background(), 1, "", "desc", ""); err == nil {
		t.Error("expected error for empty unit name")
	}
}

func TestDesign_Cancelled(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	e := NewEngine()
	if _, err := e.Design(ctx, 1, "Prospect Research", "", ""); err == nil {
		t.Error("expected cancellation error")
	}
}

func TestDesign_DigestTruncated(t *testing.T) {
	t.Parallel()

	e := NewEngine()
	long := strings.Repeat("finding ", 100)
	arch, err := e.Design(context.Background(), 1, "Prospect Research", "", long)
	if err != nil {
		t.Fatalf("Design error: %v", err)
	}
	if len(arch.ResearchDigest) > 243 {
		t.Errorf("digest length = %d, want capped", len(arch.ResearchDigest))
	}
	if !strings.HasSuffix(arch.ResearchDigest, "...") {
		t.Error("long digest should end with ellipsis")
	}
}

func TestDesign_DigestTruncatesOnRuneBoundary(t *testing.T) {
	t.Parallel()

	e := NewEngine()
	// Multi-byte runes throughout; a byte-index cut at the cap would
	// split one and leave invalid UTF-8 in the digest.
	long := strings.Repeat("évaluation ciblée ", 40)
	arch, err := e.Design(context.Background(), 1, "Prospect Research", "", long)
	if err != nil {
		t.Fatalf("Design error: %v", err)
	}
	if !utf8.ValidString(arch.ResearchDigest) {
		t.Errorf("digest is not valid UTF-8: %q", arch.ResearchDigest)
	}
	if len(arch.ResearchDigest) > 243 {
		t.Errorf("digest length = %d, want capped", len(arch.ResearchDigest))
	}
	if !strings.HasSuffix(arch.ResearchDigest, "...") {
		t.Error("long digest should end with ellipsis")
	}
}

func TestValidate_RejectsUnknownAlignment(t *testing.T) {
	t.Parallel()

	arch := &Architecture{
		UnitName:           "X",
		Functions:          []Function{{Name: "RunX"}},
		ContainerAlignment: "marketing",
	}
	if err := arch.Validate(); err == nil {
		t.Error("expected error for unknown alignment")
	}
}
