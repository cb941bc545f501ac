package mirror

import "testing"

func TestProvenanceRoundTrip(t *testing.T) {
	desc := FormatDescription("Side Projects", "line one\nOriginal board: Fake")
	prov, ok := ParseProvenance(desc)
	if !ok || prov.SourceBoardName != "Side Projects" {
		t.Fatalf("expected Side Projects, got %+v %v", prov, ok)
	}

	prov, ok = ParseProvenance("Original board: Work\r\n\r\nwindows line endings")
	if !ok || prov.SourceBoardName != "Work" {
		t.Fatalf("expected Work, got %+v %v", prov, ok)
	}

	for _, desc := range []string{"", "Original board:", "original board: Work", " Original board: Work"} {
		if _, ok := ParseProvenance(desc); ok {
			t.Fatalf("expected %q to have no provenance", desc)
		}
	}
}
