// Package chunker splits normalized document text into overlapping windows.
package chunker

import (
	"github.com/ternarybob/kbchat/internal/models"
)

// Validate checks chunking parameters. A window must always advance, so the
// overlap has to be strictly smaller than the chunk size.
func Validate(chunkSize, overlap int) error {
	if chunkSize <= 0 {
		return models.NewError(models.KindInvalidConfig, "chunk size must be positive, got %d", chunkSize)
	}
	if overlap < 0 || overlap >= chunkSize {
		return models.NewError(models.KindInvalidConfig, "overlap must be in [0, %d), got %d", chunkSize, overlap)
	}
	return nil
}

// Chunk splits text into windows of chunkSize characters where consecutive
// windows share overlap characters. A text no longer than chunkSize is one
// chunk. Otherwise window i starts at i*(chunkSize-overlap) and ends at
// min(len, start+chunkSize), for every start before the end of the text, so
// a 900 character text at (500, 100) yields [0,500) [400,900) [800,900).
//
// Offsets are rune offsets into text and Content is exactly the window, so
// text[StartIndex:EndIndex] (in runes) round-trips. Empty text yields no
// chunks. Only the positional fields are populated; callers assign IDs and
// ownership.
func Chunk(text string, chunkSize, overlap int) ([]models.Chunk, error) {
	if err := Validate(chunkSize, overlap); err != nil {
		return nil, err
	}

	runes := []rune(text)
	if len(runes) == 0 {
		return nil, nil
	}

	stride := chunkSize - overlap
	total := Count(len(runes), chunkSize, overlap)
	chunks := make([]models.Chunk, 0, total)

	for i := 0; i < total; i++ {
		start := i * stride
		end := min(len(runes), start+chunkSize)

		chunks = append(chunks, models.Chunk{
			Content:     string(runes[start:end]),
			StartIndex:  start,
			EndIndex:    end,
			ChunkIndex:  i,
			TotalChunks: total,
		})
	}

	return chunks, nil
}

// Count returns how many chunks Chunk produces for a text of length runes.
// Parameters are assumed valid.
func Count(length, chunkSize, overlap int) int {
	if length <= 0 {
		return 0
	}
	if length <= chunkSize {
		return 1
	}
	stride := chunkSize - overlap
	return (length + stride - 1) / stride
}

// Reconstruct rebuilds the source text from an ordered chunk sequence by
// appending each chunk's suffix past the previous chunk's end
func Reconstruct(chunks []models.Chunk) string {
	var out []rune
	covered := 0
	for _, c := range chunks {
		runes := []rune(c.Content)
		if c.EndIndex <= covered {
			continue
		}
		skip := covered - c.StartIndex
		if skip < 0 {
			skip = 0
		}
		out = append(out, runes[skip:]...)
		covered = c.EndIndex
	}
	return string(out)
}
