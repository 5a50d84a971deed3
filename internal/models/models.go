package models

import "time"

// PageUnit is one extracted page of a source document, 1-indexed.
type PageUnit struct {
	PageNumber    int      `json:"page_number"`
	Text          string   `json:"text"`
	SectionLabels []string `json:"section_labels"`
	HasTable      bool     `json:"has_table"`
	DocumentName  string   `json:"document_name"`
}

// ChunkMetadata carries the provenance of a chunk.
type ChunkMetadata struct {
	Page       int    `json:"page"`
	Section    string `json:"section"`
	Document   string `json:"document"`
	HasTable   bool   `json:"has_table"`
	ChunkIndex int    `json:"chunk_index"`
}

// Chunk is the unit of retrieval.
type Chunk struct {
	Text     string        `json:"text"`
	Metadata ChunkMetadata `json:"metadata"`
	ChunkID  string        `json:"chunk_id"`
}

// SearchResult is a chunk paired with its similarity score and 1-indexed rank.
type SearchResult struct {
	Chunk      Chunk   `json:"chunk"`
	Similarity float64 `json:"similarity"`
	Rank       int     `json:"rank"`
}

// Role of a conversation message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// Message is a single entry in a session history.
type Message struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// Answer is the outcome of one question-answering cycle.
type Answer struct {
	Text       string         `json:"answer"`
	Sources    []SearchResult `json:"sources"`
	SessionID  string         `json:"session_id"`
	NoEvidence bool           `json:"no_evidence"`
}

// Pages returns the distinct page numbers of the answer sources in source order.
func (a *Answer) Pages() []int {
	seen := make(map[int]struct{}, len(a.Sources))
	var pages []int
	for _, s := range a.Sources {
		p := s.Chunk.Metadata.Page
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		pages = append(pages, p)
	}
	return pages
}
