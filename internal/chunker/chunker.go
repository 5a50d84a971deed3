package chunker

import (
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"label-rag/internal/models"
)

var (
	paragraphRe = regexp.MustCompile(`\n\s*\n`)
	sentenceRe  = regexp.MustCompile(`[.!?]\s+`)
)

const (
	paragraphSep = "\n\n"
	sentenceSep  = " "
)

// Segmenter splits pages into token-budgeted, overlapping chunks.
type Segmenter struct {
	chunkSize int
	overlap   int
}

// NewSegmenter validates the budget: both values must be positive and the
// overlap strictly smaller than the chunk size.
func NewSegmenter(chunkSize, overlap int) (*Segmenter, error) {
	const op = "chunker.NewSegmenter"
	if chunkSize <= 0 {
		return nil, models.ConfigurationError(op, fmt.Sprintf("chunk size must be positive, got %d", chunkSize), nil)
	}
	if overlap <= 0 {
		return nil, models.ConfigurationError(op, fmt.Sprintf("overlap must be positive, got %d", overlap), nil)
	}
	if overlap >= chunkSize {
		return nil, models.ConfigurationError(op, fmt.Sprintf("overlap %d must be smaller than chunk size %d", overlap, chunkSize), nil)
	}
	return &Segmenter{chunkSize: chunkSize, overlap: overlap}, nil
}

// EstimateTokens is the coarse length heuristic: characters / 4.
func EstimateTokens(text string) int {
	return utf8.RuneCountInString(text) / 4
}

// SegmentDocument applies section carry-over and segments every page in order.
func (s *Segmenter) SegmentDocument(pages []models.PageUnit) []models.Chunk {
	var all []models.Chunk
	for _, page := range InheritSections(pages) {
		all = append(all, s.Segment(page)...)
	}
	return all
}

// Segment splits a single page. Chunk indexes restart at zero for every page.
func (s *Segmenter) Segment(page models.PageUnit) []models.Chunk {
	acc := accumulator{seg: s, page: page}
	for _, para := range splitParagraphs(page.Text) {
		if EstimateTokens(para) > s.chunkSize {
			acc.flush()
			for _, sentence := range splitSentences(para) {
				acc.add(sentence, sentenceSep)
			}
			continue
		}
		acc.add(para, paragraphSep)
	}
	acc.flush()
	return acc.chunks
}

// InheritSections returns a copy of pages where a page without section labels
// takes the most recent non-empty label list seen earlier in the document.
func InheritSections(pages []models.PageUnit) []models.PageUnit {
	out := make([]models.PageUnit, len(pages))
	var current []string
	for i, p := range pages {
		if len(p.SectionLabels) > 0 {
			current = p.SectionLabels
		} else if len(current) > 0 {
			p.SectionLabels = append([]string(nil), current...)
		}
		out[i] = p
	}
	return out
}

type accumulator struct {
	seg     *Segmenter
	page    models.PageUnit
	current string
	chunks  []models.Chunk
}

// add appends unit to the current chunk, flushing first when the result would
// exceed the chunk size. The next chunk is seeded with the overlap tail of the
// flushed one unless tail plus unit would itself overflow.
func (a *accumulator) add(unit, sep string) {
	if a.current == "" {
		a.current = unit
		return
	}
	candidate := a.current + sep + unit
	if EstimateTokens(candidate) <= a.seg.chunkSize {
		a.current = candidate
		return
	}
	flushed := a.current
	a.flush()
	if tail := a.seg.overlapTail(flushed); tail != "" {
		seeded := tail + sep + unit
		if EstimateTokens(seeded) <= a.seg.chunkSize {
			a.current = seeded
			return
		}
	}
	a.current = unit
}

func (a *accumulator) flush() {
	text := strings.TrimSpace(a.current)
	a.current = ""
	if text == "" {
		return
	}
	a.chunks = append(a.chunks, newChunk(text, a.page, len(a.chunks)))
}

// overlapTail returns the longest sentence-aligned suffix of text whose token
// estimate stays within the overlap budget. It is always a literal suffix.
func (s *Segmenter) overlapTail(text string) string {
	starts := sentenceStarts(text)
	tail := ""
	for i := len(starts) - 1; i >= 0; i-- {
		suffix := text[starts[i]:]
		if EstimateTokens(suffix) > s.overlap {
			break
		}
		tail = suffix
	}
	return tail
}

func newChunk(text string, page models.PageUnit, index int) models.Chunk {
	section := models.UnknownSection
	if len(page.SectionLabels) > 0 {
		section = page.SectionLabels[0]
	}
	return models.Chunk{
		Text: text,
		Metadata: models.ChunkMetadata{
			Page:       page.PageNumber,
			Section:    section,
			Document:   page.DocumentName,
			HasTable:   page.HasTable,
			ChunkIndex: index,
		},
		ChunkID: ChunkID(page.DocumentName, page.PageNumber, index),
	}
}

// ChunkID derives the stable identifier {document}_p{page}_c{index}.
func ChunkID(document string, page, index int) string {
	return fmt.Sprintf("%s_p%d_c%d", document, page, index)
}

func splitParagraphs(text string) []string {
	var out []string
	for _, p := range paragraphRe.Split(text, -1) {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// splitSentences cuts after '.', '!' or '?' when followed by whitespace.
func splitSentences(text string) []string {
	var out []string
	prev := 0
	for _, m := range sentenceRe.FindAllStringIndex(text, -1) {
		if s := strings.TrimSpace(text[prev : m[0]+1]); s != "" {
			out = append(out, s)
		}
		prev = m[1]
	}
	if s := strings.TrimSpace(text[prev:]); s != "" {
		out = append(out, s)
	}
	return out
}

// sentenceStarts returns the byte offsets at which sentences of text begin.
func sentenceStarts(text string) []int {
	starts := []int{0}
	for _, m := range sentenceRe.FindAllStringIndex(text, -1) {
		if m[1] < len(text) {
			starts = append(starts, m[1])
		}
	}
	return starts
}
