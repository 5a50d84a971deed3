package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"label-rag/internal/models"
	"label-rag/internal/service"
)

type ChatRequest struct {
	Question   string `json:"question" validate:"required,max=4000"`
	SessionID  string `json:"session_id" validate:"omitempty,max=128"`
	DocumentID string `json:"document_id" validate:"required"`
}

type SourceResponse struct {
	Page       int     `json:"page"`
	Section    string  `json:"section"`
	Similarity float64 `json:"similarity"`
	Rank       int     `json:"rank"`
	ChunkID    string  `json:"chunk_id"`
	Text       string  `json:"text"`
}

type ChatResponse struct {
	Answer     string           `json:"answer"`
	Sources    []SourceResponse `json:"sources"`
	SessionID  string           `json:"session_id"`
	NoEvidence bool             `json:"no_evidence"`
	Timestamp  time.Time        `json:"timestamp"`
}

type UploadResponse struct {
	service.DocumentInfo
	Message string `json:"message"`
}

type HistoryResponse struct {
	SessionID string           `json:"session_id"`
	Messages  []models.Message `json:"messages"`
}

type ErrorResponse struct {
	Error   string            `json:"error"`
	Message string            `json:"message,omitempty"`
	Fields  map[string]string `json:"fields,omitempty"`
}

const sourcePreviewRunes = 200

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.Health(r.Context()))
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, models.ValidationError("api.upload", "multipart field \"file\" is required"))
		return
	}
	defer file.Close()

	info, err := s.backend.IngestUpload(r.Context(), header.Filename, file)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, UploadResponse{
		DocumentInfo: *info,
		Message:      fmt.Sprintf("Processed %d pages into %d chunks", info.PageCount, info.ChunkCount),
	})
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req ChatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, models.ValidationError("api.chat", "invalid JSON body"))
		return
	}
	req.Question = strings.TrimSpace(req.Question)
	if err := s.validate.Struct(req); err != nil {
		writeValidation(w, err)
		return
	}

	answer, err := s.backend.Chat(r.Context(), req.DocumentID, req.SessionID, req.Question)
	if err != nil {
		writeError(w, err)
		return
	}

	resp := ChatResponse{
		Answer:     answer.Text,
		Sources:    make([]SourceResponse, 0, len(answer.Sources)),
		SessionID:  answer.SessionID,
		NoEvidence: answer.NoEvidence,
		Timestamp:  time.Now().UTC(),
	}
	for _, src := range answer.Sources {
		resp.Sources = append(resp.Sources, SourceResponse{
			Page:       src.Chunk.Metadata.Page,
			Section:    src.Chunk.Metadata.Section,
			Similarity: src.Similarity,
			Rank:       src.Rank,
			ChunkID:    src.Chunk.ChunkID,
			Text:       preview(src.Chunk.Text, sourcePreviewRunes),
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleGetHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	writeJSON(w, http.StatusOK, HistoryResponse{SessionID: id, Messages: s.backend.History(id)})
}

func (s *Server) handleClearHistory(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "session_id")
	s.backend.ClearHistory(r.Context(), id)
	writeJSON(w, http.StatusOK, map[string]string{"message": "History cleared", "session_id": id})
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"documents": s.backend.Documents()})
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "document_id")
	if err := s.backend.DeleteDocument(id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"message": "Document deleted", "document_id": id})
}

// StatusFor maps error kinds to HTTP status codes.
func StatusFor(err error) int {
	switch models.KindOf(err) {
	case models.KindNotFound:
		return http.StatusNotFound
	case models.KindValidation, models.KindConfiguration:
		return http.StatusBadRequest
	case models.KindNotBuilt:
		return http.StatusConflict
	case models.KindExternalCall:
		return http.StatusBadGateway
	}
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return http.StatusRequestEntityTooLarge
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	code := string(models.KindOf(err))
	if code == "" {
		code = strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Int("status", status).Msg("Request failed")
	}
	writeJSON(w, status, ErrorResponse{Error: code, Message: err.Error()})
}

func writeValidation(w http.ResponseWriter, err error) {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		writeError(w, models.ValidationError("api.validate", err.Error()))
		return
	}
	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		switch fe.Tag() {
		case "required":
			fields[fe.Field()] = fe.Field() + " is required"
		case "max":
			fields[fe.Field()] = fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
		default:
			fields[fe.Field()] = fmt.Sprintf("%s failed on '%s'", fe.Field(), fe.Tag())
		}
	}
	writeJSON(w, http.StatusBadRequest, ErrorResponse{
		Error:   string(models.KindValidation),
		Message: "request validation failed",
		Fields:  fields,
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Error writing response")
	}
}

func preview(text string, n int) string {
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n]) + "..."
}
