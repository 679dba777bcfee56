package knowledge

import "strings"

const (
	// DefaultChunkSize and DefaultChunkOverlap match the corpus loader's
	// passage sizing: characters, not tokens.
	DefaultChunkSize    = 800
	DefaultChunkOverlap = 100
)

// ChunkText splits text into overlapping chunks, preferring to break at a
// sentence boundary when one falls in the second half of the window.
func ChunkText(text string, size, overlap int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	if overlap < 0 || overlap >= size {
		overlap = DefaultChunkOverlap
	}
	if len(text) <= size {
		trimmed := strings.TrimSpace(text)
		if trimmed == "" {
			return nil
		}
		return []string{trimmed}
	}

	var chunks []string
	start := 0
	for start < len(text) {
		end := start + size
		if end < len(text) {
			// Break at the last period when it lands in the second
			// half of the window.
			if i := strings.LastIndex(text[start:end], "."); i > size/2 {
				end = start + i + 1
			}
		}
		clamped := end
		if clamped > len(text) {
			clamped = len(text)
		}
		if chunk := strings.TrimSpace(text[start:clamped]); chunk != "" {
			chunks = append(chunks, chunk)
		}
		next := end - overlap
		if next <= start {
			// A sentence break early in the window can pull the next
			// start at or behind the current one when the overlap is
			// close to the chunk size. Force forward progress.
			next = start + size - overlap
		}
		start = next
		if start >= len(text) {
			break
		}
	}
	return chunks
}
