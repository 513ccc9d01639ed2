package transcript

import (
	"testing"

	"hearth/streamtypes"
)

func TestAssembleMergesSplitTokensWithinWindow(t *testing.T) {
	raw := []streamtypes.Word{
		{Word: "hell", Start: 0.0, End: 0.3},
		{Word: "o", Start: 0.31, End: 0.4},
		{Word: "world", Start: 0.6, End: 0.9},
	}
	words := assemble(raw, "hello world", 0)
	if len(words) != 2 {
		t.Fatalf("expected 2 merged words, got %d: %+v", len(words), words)
	}
	if words[0].Text != "hello" {
		t.Fatalf("expected merged text %q, got %q", "hello", words[0].Text)
	}
	if words[0].EndMs != 400 {
		t.Fatalf("expected merged end 400ms, got %d", words[0].EndMs)
	}
}

func TestAssembleKeepsDistantTokensSeparate(t *testing.T) {
	raw := []streamtypes.Word{
		{Word: "hello", Start: 0.0, End: 0.3},
		{Word: "world", Start: 1.0, End: 1.3},
	}
	words := assemble(raw, "hello world", 0)
	if len(words) != 2 {
		t.Fatalf("expected 2 separate words, got %d", len(words))
	}
}

func TestSpacingFromTranscriptRecoversLeadingSpace(t *testing.T) {
	raw := []streamtypes.Word{
		{Word: "hello"},
		{Word: "world"},
	}
	spaced := spacingFromTranscript(raw, "hello world")
	if spaced[0] != "hello" {
		t.Fatalf("expected first word unspaced, got %q", spaced[0])
	}
	if spaced[1] != " world" {
		t.Fatalf("expected second word space-prefixed, got %q", spaced[1])
	}
}

func TestSpacingFromTranscriptFallsBackWhenNotFound(t *testing.T) {
	raw := []streamtypes.Word{{Word: "zzz"}}
	spaced := spacingFromTranscript(raw, "completely different text")
	if spaced[0] != "zzz" {
		t.Fatalf("expected fallback to raw token text, got %q", spaced[0])
	}
}

func TestDedupDropsWordsAtOrBeforeWatermark(t *testing.T) {
	words := []TranscriptWord{
		{Text: "a", EndMs: 100},
		{Text: "b", EndMs: 500},
		{Text: "c", EndMs: 900},
	}
	kept := dedup(words, 500)
	if len(kept) != 1 || kept[0].Text != "c" {
		t.Fatalf("expected only 'c' to survive, got %+v", kept)
	}
}

func TestStitchMergesAdjacentHeldWord(t *testing.T) {
	held := &TranscriptWord{Text: "hel", StartMs: 0, EndMs: 200}
	words := []TranscriptWord{
		{Text: "lo", StartMs: 210, EndMs: 300},
		{Text: " world", StartMs: 400, EndMs: 700},
	}
	emit, newHeld := stitch(held, words)
	if len(emit) != 1 || emit[0].Text != "hello" {
		t.Fatalf("expected stitched 'hello', got %+v", emit)
	}
	if newHeld == nil || newHeld.Text != " world" {
		t.Fatalf("expected ' world' held back, got %+v", newHeld)
	}
}

func TestStitchPrependsHeldWordWhenNotAdjacent(t *testing.T) {
	held := &TranscriptWord{Text: "hello", StartMs: 0, EndMs: 200}
	words := []TranscriptWord{
		{Text: " world", StartMs: 1000, EndMs: 1300},
	}
	emit, newHeld := stitch(held, words)
	if len(emit) != 1 || emit[0].Text != "hello" {
		t.Fatalf("expected held word emitted standalone, got %+v", emit)
	}
	if newHeld == nil || newHeld.Text != " world" {
		t.Fatalf("expected ' world' held back, got %+v", newHeld)
	}
}

func TestStitchEmptyBatchReturnsHeldUnchanged(t *testing.T) {
	held := &TranscriptWord{Text: "hello", StartMs: 0, EndMs: 200}
	emit, newHeld := stitch(held, nil)
	if emit != nil {
		t.Fatalf("expected no emit for empty batch, got %+v", emit)
	}
	if newHeld != held {
		t.Fatalf("expected held word to pass through unchanged")
	}
}

func TestStripOverlapRemovesPartialsWithinFinalizedRange(t *testing.T) {
	partials := []TranscriptWord{
		{Text: "a", StartMs: 100, EndMs: 300},
		{Text: "b", StartMs: 900, EndMs: 1100},
	}
	kept := stripOverlap(partials, 500)
	if len(kept) != 1 || kept[0].Text != "b" {
		t.Fatalf("expected only 'b' to survive stripOverlap, got %+v", kept)
	}
}

func TestSpliceReplacesCoveredRange(t *testing.T) {
	existing := []TranscriptWord{
		{Text: "a", StartMs: 0, EndMs: 100},
		{Text: "b", StartMs: 200, EndMs: 300},
		{Text: "c", StartMs: 900, EndMs: 1000},
	}
	incoming := []TranscriptWord{
		{Text: "B", StartMs: 200, EndMs: 300},
	}
	result := splice(existing, incoming)
	if len(result) != 3 {
		t.Fatalf("expected 3 words after splice, got %+v", result)
	}
	if result[1].Text != "B" {
		t.Fatalf("expected spliced word to replace original, got %+v", result)
	}
}

func TestAssignIDProducesNonEmptyUniqueIDs(t *testing.T) {
	w1 := assignID(TranscriptWord{Text: "a"})
	w2 := assignID(TranscriptWord{Text: "b"})
	if w1.ID == "" || w2.ID == "" {
		t.Fatalf("expected non-empty IDs")
	}
	if w1.ID == w2.ID {
		t.Fatalf("expected unique IDs, got matching %q", w1.ID)
	}
}

func TestEnsureSpacePrefixAddsMissingSpace(t *testing.T) {
	w := TranscriptWord{Text: "hello"}
	ensureSpacePrefix(&w)
	if w.Text != " hello" {
		t.Fatalf("expected space-prefixed text, got %q", w.Text)
	}
	ensureSpacePrefix(&w)
	if w.Text != " hello" {
		t.Fatalf("expected idempotent prefixing, got %q", w.Text)
	}
}

func TestShouldStitchRejectsAlreadySpacedHead(t *testing.T) {
	tail := &TranscriptWord{EndMs: 100}
	head := &TranscriptWord{Text: " world", StartMs: 150}
	if shouldStitch(tail, head) {
		t.Fatalf("expected no stitch when head already carries a leading space")
	}
}

func TestShouldStitchRejectsLargeGap(t *testing.T) {
	tail := &TranscriptWord{EndMs: 100}
	head := &TranscriptWord{Text: "lo", StartMs: 1000}
	if shouldStitch(tail, head) {
		t.Fatalf("expected no stitch across a gap larger than 300ms")
	}
}
