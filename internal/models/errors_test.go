package models

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorIsMatchesKindThroughWrapping(t *testing.T) {
	err := fmt.Errorf("search: %w", NotBuiltError("vectorstore.Search"))

	assert.True(t, errors.Is(err, ErrNotBuilt))
	assert.False(t, errors.Is(err, ErrNotFound))
	assert.Equal(t, KindNotBuilt, KindOf(err))
}

func TestErrorMessageIncludesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := ExternalCallError("llmservice.Generate", "generation failed", cause)

	assert.Equal(t, "llmservice.Generate: external_call: generation failed (connection refused)", err.Error())
	assert.Same(t, cause, errors.Unwrap(err))
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, ErrorKind(""), KindOf(errors.New("plain")))
}

func TestAnswerPagesDistinctInOrder(t *testing.T) {
	a := &Answer{Sources: []SearchResult{
		{Chunk: Chunk{Metadata: ChunkMetadata{Page: 9}}},
		{Chunk: Chunk{Metadata: ChunkMetadata{Page: 3}}},
		{Chunk: Chunk{Metadata: ChunkMetadata{Page: 9}}},
	}}
	assert.Equal(t, []int{9, 3}, a.Pages())
}
