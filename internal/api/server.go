package api

import (
	"context"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog/log"

	"label-rag/internal/models"
	"label-rag/internal/service"
)

const maxUploadBytes = 64 << 20

// Backend is the document service as seen by the HTTP layer.
type Backend interface {
	IngestUpload(ctx context.Context, filename string, r io.Reader) (*service.DocumentInfo, error)
	Chat(ctx context.Context, documentID, sessionID, question string) (*models.Answer, error)
	History(sessionID string) []models.Message
	ClearHistory(ctx context.Context, sessionID string) bool
	Documents() []service.DocumentInfo
	DeleteDocument(documentID string) error
	Health(ctx context.Context) service.Health
}

type Server struct {
	backend  Backend
	validate *validator.Validate
	router   chi.Router
}

func NewServer(backend Backend, allowedOrigins []string, requestTimeout time.Duration) *Server {
	s := &Server{backend: backend, validate: validator.New()}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger)
	r.Use(middleware.Recoverer)
	if requestTimeout > 0 {
		r.Use(middleware.Timeout(requestTimeout))
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)
	r.Post("/upload", s.handleUpload)
	r.Post("/chat", s.handleChat)
	r.Get("/history/{session_id}", s.handleGetHistory)
	r.Delete("/history/{session_id}", s.handleClearHistory)
	r.Get("/documents", s.handleListDocuments)
	r.Delete("/documents/{document_id}", s.handleDeleteDocument)

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Run serves on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{Addr: addr, Handler: s, ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("HTTP server listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.Info().Msg("Shutting down HTTP server")
		return srv.Shutdown(shutdownCtx)
	}
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Int("bytes", ww.BytesWritten()).
			Dur("elapsed", time.Since(start)).
			Str("request_id", middleware.GetReqID(r.Context())).
			Msg("HTTP request")
	})
}
