package rag

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"label-rag/internal/memory"
	"label-rag/internal/models"
)

// Searcher is the retrieval capability of one document index.
type Searcher interface {
	SearchWithBoost(ctx context.Context, query string, topK int) ([]models.SearchResult, error)
}

// Generator is the language-model call: a system instruction plus one user prompt.
type Generator interface {
	Generate(ctx context.Context, system, prompt string) (string, error)
}

type Options struct {
	TopK                int
	SimilarityThreshold float64
	MaxHistoryPairs     int
	Timeout             time.Duration
	SystemPrompt        string
}

// Retriever runs one question-answering cycle: search, filter, re-rank,
// generate, cite and record.
type Retriever struct {
	llm    Generator
	memory *memory.ConversationMemory
	opts   Options
}

func NewRetriever(llm Generator, mem *memory.ConversationMemory, opts Options) (*Retriever, error) {
	const op = "rag.NewRetriever"
	if llm == nil || mem == nil {
		return nil, models.ConfigurationError(op, "generator and memory are required", nil)
	}
	if opts.TopK <= 0 {
		return nil, models.ConfigurationError(op, fmt.Sprintf("top_k must be positive, got %d", opts.TopK), nil)
	}
	if opts.MaxHistoryPairs <= 0 {
		opts.MaxHistoryPairs = mem.MaxPairs()
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = models.SystemPrompt
	}
	return &Retriever{llm: llm, memory: mem, opts: opts}, nil
}

func (r *Retriever) Memory() *memory.ConversationMemory { return r.memory }

// RetrieveContext over-fetches boosted candidates, drops those below the
// similarity threshold and applies the additive section re-rank.
func (r *Retriever) RetrieveContext(ctx context.Context, index Searcher, query string) ([]models.SearchResult, error) {
	candidates, err := index.SearchWithBoost(ctx, query, 2*r.opts.TopK)
	if err != nil {
		return nil, err
	}

	filtered := make([]models.SearchResult, 0, len(candidates))
	for _, c := range candidates {
		if c.Similarity >= r.opts.SimilarityThreshold {
			filtered = append(filtered, c)
		}
	}

	q := strings.ToLower(query)
	for i := range filtered {
		filtered[i].Similarity += sectionBonus(q, strings.ToLower(filtered[i].Chunk.Metadata.Section))
	}
	sort.SliceStable(filtered, func(i, j int) bool { return filtered[i].Similarity > filtered[j].Similarity })
	if len(filtered) > r.opts.TopK {
		filtered = filtered[:r.opts.TopK]
	}
	for i := range filtered {
		filtered[i].Rank = i + 1
	}
	log.Debug().Str("query", query).Int("candidates", len(candidates)).Int("kept", len(filtered)).Msg("Context retrieved")
	return filtered, nil
}

// sectionBonus checks the query families in order; only the first family the
// query mentions can award the bonus.
func sectionBonus(query, section string) float64 {
	const bonus = 0.1
	switch {
	case containsAny(query, "dosage", "dose", "how much", "mg"):
		if containsAny(section, "dosage", "administration", "2.") {
			return bonus
		}
	case containsAny(query, "warning", "caution", "risk", "adverse"):
		if containsAny(section, "warning", "adverse", "precaution") {
			return bonus
		}
	case containsAny(query, "contraindication", "should not", "cannot"):
		if containsAny(section, "contraindication", "4.") {
			return bonus
		}
	}
	return 0
}

// Answer runs the full cycle for query in sessionID. The turn is recorded
// only once the answer is final, so a failed or cancelled call leaves the
// session untouched.
func (r *Retriever) Answer(ctx context.Context, index Searcher, query, sessionID string) (*models.Answer, error) {
	const op = "rag.Answer"
	if strings.TrimSpace(query) == "" {
		return nil, models.ValidationError(op, "question must not be empty")
	}
	if sessionID == "" {
		return nil, models.ValidationError(op, "session id must not be empty")
	}

	sources, err := r.RetrieveContext(ctx, index, query)
	if err != nil {
		return nil, err
	}
	if len(sources) == 0 {
		r.memory.AppendTurn(sessionID, query, models.NoEvidenceAnswer)
		return &models.Answer{
			Text:       models.NoEvidenceAnswer,
			Sources:    []models.SearchResult{},
			SessionID:  sessionID,
			NoEvidence: true,
		}, nil
	}

	history := r.memory.LastNPairs(sessionID, r.opts.MaxHistoryPairs)
	prompt := BuildUserPrompt(sources, history, query)

	callCtx := ctx
	if r.opts.Timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
	}
	text, err := r.llm.Generate(callCtx, r.opts.SystemPrompt, prompt)
	if err != nil {
		var typed *models.Error
		if errors.As(err, &typed) {
			return nil, err
		}
		return nil, models.ExternalCallError(op, "language model call failed", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, models.ExternalCallError(op, "cancelled", err)
	}

	text = strings.TrimSpace(text)
	if !strings.Contains(text, models.PageCitationToken) {
		text = text + " " + FormatCitation(pages(sources))
	}

	r.memory.AppendTurn(sessionID, query, text)
	return &models.Answer{Text: text, Sources: sources, SessionID: sessionID}, nil
}

// FormatCitation renders distinct ascending pages as "(Page 9)",
// "(Pages 9 and 15)" or "(Pages 3, 9, and 15)". pages must be sorted.
func FormatCitation(pages []int) string {
	switch len(pages) {
	case 0:
		return ""
	case 1:
		return fmt.Sprintf("(Page %d)", pages[0])
	case 2:
		return fmt.Sprintf("(Pages %d and %d)", pages[0], pages[1])
	}
	head := make([]string, len(pages)-1)
	for i, p := range pages[:len(pages)-1] {
		head[i] = strconv.Itoa(p)
	}
	return fmt.Sprintf("(Pages %s, and %d)", strings.Join(head, ", "), pages[len(pages)-1])
}

// BuildUserPrompt lays out the retrieved chunks, tagged with page and
// section, then the history and finally the question.
func BuildUserPrompt(sources []models.SearchResult, history []models.Message, question string) string {
	parts := make([]string, len(sources))
	for i, s := range sources {
		parts[i] = fmt.Sprintf("[Chunk %d - Page %d - %s]\n%s\n", i+1, s.Chunk.Metadata.Page, s.Chunk.Metadata.Section, s.Chunk.Text)
	}

	historyText := models.NoHistoryText
	if len(history) > 0 {
		lines := make([]string, len(history))
		for i, m := range history {
			lines[i] = strings.ToUpper(string(m.Role)) + ": " + m.Content
		}
		historyText = strings.Join(lines, "\n")
	}
	return fmt.Sprintf(models.UserPromptTemplate, strings.Join(parts, models.ContextSeparator), historyText, question)
}

func pages(sources []models.SearchResult) []int {
	a := models.Answer{Sources: sources}
	p := a.Pages()
	sort.Ints(p)
	return p
}

func containsAny(s string, terms ...string) bool {
	for _, t := range terms {
		if strings.Contains(s, t) {
			return true
		}
	}
	return false
}
