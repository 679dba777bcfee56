package knowledge

import (
	"strings"
	"testing"
)

func TestChunkTextShortInputSingleChunk(t *testing.T) {
	got := ChunkText("Short passage about fees.", 800, 100)
	if len(got) != 1 || got[0] != "Short passage about fees." {
		t.Fatalf("unexpected chunks %v", got)
	}
}

func TestChunkTextEmptyInput(t *testing.T) {
	if got := ChunkText("   ", 800, 100); got != nil {
		t.Fatalf("expected no chunks for blank input, got %v", got)
	}
}

func TestChunkTextOverlapAndCoverage(t *testing.T) {
	sentence := "This sentence talks about account fees in detail. "
	text := strings.TrimSpace(strings.Repeat(sentence, 40))

	chunks := ChunkText(text, 200, 50)
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, c := range chunks {
		if len(c) > 200 {
			t.Fatalf("chunk %d exceeds size: %d chars", i, len(c))
		}
		if c == "" {
			t.Fatalf("chunk %d is empty", i)
		}
	}
	// The final characters of the text survive chunking.
	last := chunks[len(chunks)-1]
	if !strings.HasSuffix(text, last) {
		t.Fatalf("last chunk %q is not a suffix of the input", last)
	}
}

func TestChunkTextNearFullOverlapTerminates(t *testing.T) {
	// An early sentence break combined with overlap close to the chunk
	// size used to walk the window backwards and never finish.
	text := "abcdef. " + strings.Repeat("x", 40)
	chunks := ChunkText(text, 10, 9)
	if len(chunks) == 0 {
		t.Fatalf("expected chunks")
	}
	last := chunks[len(chunks)-1]
	if !strings.HasSuffix(text, last) {
		t.Fatalf("last chunk %q is not a suffix of the input", last)
	}
}

func TestChunkTextPrefersSentenceBoundary(t *testing.T) {
	text := strings.Repeat("a", 150) + ". " + strings.Repeat("b", 150)
	chunks := ChunkText(text, 200, 20)
	if len(chunks) == 0 {
		t.Fatalf("expected chunks")
	}
	if !strings.HasSuffix(chunks[0], ".") {
		t.Fatalf("first chunk should end at the sentence boundary, got %q", chunks[0])
	}
}
