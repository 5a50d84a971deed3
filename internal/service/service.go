package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/tmc/langchaingo/embeddings"

	"label-rag/internal/chunker"
	"label-rag/internal/config"
	"label-rag/internal/helper"
	"label-rag/internal/memory"
	"label-rag/internal/models"
	"label-rag/internal/parser"
	"label-rag/internal/rag"
	"label-rag/internal/vectorstore"
)

// LLM is the generation capability plus a reachability check.
type LLM interface {
	rag.Generator
	Ping(ctx context.Context) error
}

// Archiver persists answered turns outside the process.
type Archiver interface {
	StoreTurn(ctx context.Context, documentID string, answer *models.Answer, question string) error
	DeleteSession(ctx context.Context, sessionID string) (int64, error)
	Ping(ctx context.Context) error
}

type Deps struct {
	Embedder embeddings.Embedder
	LLM      LLM
	// Archive is optional.
	Archive Archiver
}

type DocumentInfo struct {
	DocumentID string `json:"document_id"`
	Filename   string `json:"filename"`
	PageCount  int    `json:"page_count"`
	ChunkCount int    `json:"chunk_count"`
}

type Health struct {
	Status          string `json:"status"`
	LLMConnected    bool   `json:"llm_connected"`
	ArchiveEnabled  bool   `json:"archive_enabled"`
	ArchiveHealthy  bool   `json:"archive_healthy"`
	DocumentsLoaded int    `json:"documents_loaded"`
	ActiveSessions  int    `json:"active_sessions"`
}

// Service wires extraction, segmentation, indexing and retrieval for many
// documents and sessions.
type Service struct {
	cfg       *config.Config
	embedder  embeddings.Embedder
	llm       LLM
	archive   Archiver
	segmenter *chunker.Segmenter
	registry  *vectorstore.Registry
	memory    *memory.ConversationMemory
	retriever *rag.Retriever

	mu   sync.RWMutex
	docs map[string]DocumentInfo
}

func New(cfg *config.Config, deps Deps) (*Service, error) {
	const op = "service.New"
	if deps.Embedder == nil || deps.LLM == nil {
		return nil, models.ConfigurationError(op, "embedder and llm are required", nil)
	}
	segmenter, err := chunker.NewSegmenter(cfg.RAG.ChunkSize, cfg.RAG.ChunkOverlap)
	if err != nil {
		return nil, err
	}
	mem, err := memory.New(cfg.RAG.MaxHistoryPairs)
	if err != nil {
		return nil, err
	}
	retriever, err := rag.NewRetriever(deps.LLM, mem, rag.Options{
		TopK:                cfg.RAG.TopK,
		SimilarityThreshold: cfg.RAG.SimilarityThreshold,
		MaxHistoryPairs:     cfg.RAG.MaxHistoryPairs,
		Timeout:             time.Duration(cfg.LLM.TimeoutSecs) * time.Second,
	})
	if err != nil {
		return nil, err
	}
	for _, dir := range []string{cfg.Storage.UploadDir, cfg.Storage.VectorStoreDir} {
		if err := helper.CreateFolder(dir); err != nil {
			return nil, models.ConfigurationError(op, "storage directory", err)
		}
	}

	return &Service{
		cfg:       cfg,
		embedder:  deps.Embedder,
		llm:       deps.LLM,
		archive:   deps.Archive,
		segmenter: segmenter,
		registry:  vectorstore.NewRegistry(),
		memory:    mem,
		retriever: retriever,
		docs:      make(map[string]DocumentInfo),
	}, nil
}

func (s *Service) Memory() *memory.ConversationMemory { return s.memory }

// IngestFile extracts, indexes and persists the file at path under a new
// document id. displayName overrides the file name recorded in chunks.
func (s *Service) IngestFile(ctx context.Context, path, displayName string) (*DocumentInfo, error) {
	id, err := helper.GenerateUUID()
	if err != nil {
		return nil, err
	}
	return s.ingestFile(ctx, id, path, displayName)
}

// IngestUpload stores an uploaded file as {upload_dir}/{document_id}{ext} and
// ingests it. The stored file is removed again when ingestion fails.
func (s *Service) IngestUpload(ctx context.Context, filename string, r io.Reader) (*DocumentInfo, error) {
	const op = "service.IngestUpload"
	if !parser.Supported(filename) {
		return nil, models.ValidationError(op, fmt.Sprintf("unsupported file type %q, expected one of %s",
			filepath.Ext(filename), strings.Join(parser.SupportedExtensions, ", ")))
	}
	id, err := helper.GenerateUUID()
	if err != nil {
		return nil, err
	}

	path := filepath.Join(s.cfg.Storage.UploadDir, id+strings.ToLower(filepath.Ext(filename)))
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("%s: save upload: %w", op, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	info, err := s.ingestFile(ctx, id, path, filepath.Base(filename))
	if err != nil {
		os.Remove(path)
		return nil, err
	}
	return info, nil
}

func (s *Service) ingestFile(ctx context.Context, id, path, displayName string) (*DocumentInfo, error) {
	pages, err := parser.Extract(path)
	if err != nil {
		return nil, err
	}
	if displayName != "" {
		for i := range pages {
			pages[i].DocumentName = displayName
		}
	}
	return s.IngestPages(ctx, id, pages)
}

// IngestPages segments already extracted pages, builds and saves the index
// and registers it under documentID.
func (s *Service) IngestPages(ctx context.Context, documentID string, pages []models.PageUnit) (*DocumentInfo, error) {
	const op = "service.IngestPages"
	start := time.Now()

	chunks := s.segmenter.SegmentDocument(pages)
	if len(chunks) == 0 {
		return nil, models.ValidationError(op, "no text extracted from document")
	}

	idx := vectorstore.New(s.embedder, s.cfg.EmbedLLM.Model)
	if err := idx.Build(ctx, chunks); err != nil {
		return nil, err
	}
	if err := idx.Save(s.cfg.Storage.VectorStoreDir, documentID); err != nil {
		return nil, err
	}
	s.registry.Put(documentID, idx)

	info := DocumentInfo{
		DocumentID: documentID,
		Filename:   pages[0].DocumentName,
		PageCount:  len(pages),
		ChunkCount: len(chunks),
	}
	s.setInfo(info)
	log.Info().Str("document_id", documentID).Str("filename", info.Filename).
		Int("pages", info.PageCount).Int("chunks", info.ChunkCount).
		Dur("elapsed", time.Since(start)).Msg("Document ingested")
	return &info, nil
}

// LoadDocument registers a persisted index. A failure leaves every other
// document untouched.
func (s *Service) LoadDocument(ctx context.Context, documentID string) (*DocumentInfo, error) {
	idx, err := vectorstore.Load(s.cfg.Storage.VectorStoreDir, documentID, s.embedder, s.cfg.EmbedLLM.Model)
	if err != nil {
		return nil, err
	}
	s.registry.Put(documentID, idx)

	chunks := idx.Chunks()
	info := DocumentInfo{DocumentID: documentID, ChunkCount: len(chunks)}
	pages := map[int]struct{}{}
	for _, c := range chunks {
		pages[c.Metadata.Page] = struct{}{}
		if info.Filename == "" {
			info.Filename = c.Metadata.Document
		}
	}
	info.PageCount = len(pages)
	s.setInfo(info)
	log.Info().Str("document_id", documentID).Int("chunks", info.ChunkCount).Msg("Document loaded")
	return &info, nil
}

// LoadPersisted loads every index found in the vector store directory and
// returns how many succeeded.
func (s *Service) LoadPersisted(ctx context.Context) int {
	matches, err := filepath.Glob(filepath.Join(s.cfg.Storage.VectorStoreDir, "*.vec"))
	if err != nil {
		log.Warn().Err(err).Msg("Error listing persisted indexes")
		return 0
	}
	loaded := 0
	for _, m := range matches {
		id := strings.TrimSuffix(filepath.Base(m), ".vec")
		if _, err := s.LoadDocument(ctx, id); err != nil {
			log.Warn().Err(err).Str("document_id", id).Msg("Skipping persisted index")
			continue
		}
		loaded++
	}
	return loaded
}

// Chat answers question against documentID. An empty sessionID starts a new
// session. Archive failures are logged and never fail the turn.
func (s *Service) Chat(ctx context.Context, documentID, sessionID, question string) (*models.Answer, error) {
	idx, err := s.registry.Get(documentID)
	if err != nil {
		return nil, err
	}
	if sessionID == "" {
		if sessionID, err = helper.GenerateUUID(); err != nil {
			return nil, err
		}
	}

	start := time.Now()
	answer, err := s.retriever.Answer(ctx, idx, question, sessionID)
	if err != nil {
		log.Error().Err(err).Str("document_id", documentID).Str("session_id", sessionID).Msg("Error answering question")
		return nil, err
	}
	s.memory.SetMetadata(sessionID, "document_id", documentID)
	log.Info().Str("document_id", documentID).Str("session_id", sessionID).
		Int("sources", len(answer.Sources)).Bool("no_evidence", answer.NoEvidence).
		Dur("elapsed", time.Since(start)).Msg("Question answered")

	if s.archive != nil {
		if err := s.archive.StoreTurn(ctx, documentID, answer, question); err != nil {
			log.Warn().Err(err).Str("session_id", sessionID).Msg("Error archiving turn")
		}
	}
	return answer, nil
}

func (s *Service) History(sessionID string) []models.Message {
	return s.memory.History(sessionID, 0)
}

// ClearHistory forgets the session in memory and removes its archived turns.
// It reports whether anything was removed.
func (s *Service) ClearHistory(ctx context.Context, sessionID string) bool {
	cleared := s.memory.Clear(sessionID)
	if s.archive == nil {
		return cleared
	}
	n, err := s.archive.DeleteSession(ctx, sessionID)
	if err != nil {
		log.Warn().Err(err).Str("session_id", sessionID).Msg("Error deleting archived turns")
		return cleared
	}
	log.Debug().Str("session_id", sessionID).Int64("turns", n).Msg("Deleted archived turns")
	return cleared || n > 0
}

// Documents lists registered documents ordered by id.
func (s *Service) Documents() []DocumentInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DocumentInfo, 0, len(s.docs))
	for _, d := range s.docs {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DocumentID < out[j].DocumentID })
	return out
}

// DeleteDocument unregisters documentID and removes its index files and upload.
func (s *Service) DeleteDocument(documentID string) error {
	if !s.registry.Delete(documentID) {
		return models.NotFoundError("service.DeleteDocument", "document "+documentID+" not found", nil)
	}
	s.mu.Lock()
	delete(s.docs, documentID)
	s.mu.Unlock()

	var errs []error
	if err := vectorstore.Remove(s.cfg.Storage.VectorStoreDir, documentID); err != nil {
		errs = append(errs, err)
	}
	uploads, _ := filepath.Glob(filepath.Join(s.cfg.Storage.UploadDir, helper.SanitizeName(documentID)+".*"))
	for _, u := range uploads {
		if err := os.Remove(u); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	log.Info().Str("document_id", documentID).Msg("Document deleted")
	return errors.Join(errs...)
}

func (s *Service) Health(ctx context.Context) Health {
	h := Health{
		Status:          "healthy",
		DocumentsLoaded: len(s.registry.IDs()),
		ActiveSessions:  len(s.memory.Sessions()),
		ArchiveEnabled:  s.archive != nil,
	}
	if err := s.llm.Ping(ctx); err != nil {
		log.Debug().Err(err).Msg("LLM ping failed")
	} else {
		h.LLMConnected = true
	}
	if s.archive != nil {
		h.ArchiveHealthy = s.archive.Ping(ctx) == nil
	}
	return h
}

func (s *Service) setInfo(info DocumentInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs[info.DocumentID] = info
}
