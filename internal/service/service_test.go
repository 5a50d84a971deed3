package service

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"label-rag/internal/config"
	"label-rag/internal/embedding"
	"label-rag/internal/models"
)

const labelText = "1 INDICATIONS AND USAGE\n" +
	"RINVOQ is a Janus kinase inhibitor indicated for adults with rheumatoid arthritis.\n" +
	"\f2 DOSAGE AND ADMINISTRATION\n" +
	"The recommended dosage of RINVOQ is 15 mg once daily taken orally with or without food.\n" +
	"\f5 WARNINGS AND PRECAUTIONS\n" +
	"Serious infections leading to hospitalization or death have occurred in patients receiving RINVOQ.\n"

type stubLLM struct {
	mu      sync.Mutex
	reply   string
	err     error
	pingErr error
	calls   int
}

func (l *stubLLM) Generate(context.Context, string, string) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	return l.reply, l.err
}

func (l *stubLLM) Ping(context.Context) error { return l.pingErr }

type stubArchive struct {
	mu        sync.Mutex
	turns     []string
	err       error
	deleteErr error
	deleted   []string
}

func (a *stubArchive) StoreTurn(_ context.Context, documentID string, answer *models.Answer, question string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.turns = append(a.turns, documentID+"|"+answer.SessionID+"|"+question)
	return a.err
}

func (a *stubArchive) DeleteSession(_ context.Context, sessionID string) (int64, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.deleteErr != nil {
		return 0, a.deleteErr
	}
	a.deleted = append(a.deleted, sessionID)
	var n int64
	kept := a.turns[:0]
	for _, t := range a.turns {
		if strings.Contains(t, "|"+sessionID+"|") {
			n++
			continue
		}
		kept = append(kept, t)
	}
	a.turns = kept
	return n, nil
}

func (a *stubArchive) Ping(context.Context) error { return nil }

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Default()
	root := t.TempDir()
	cfg.Storage.UploadDir = filepath.Join(root, "uploads")
	cfg.Storage.VectorStoreDir = filepath.Join(root, "vector_stores")
	cfg.EmbedLLM = config.EmbedConfig{Provider: "hashing", Model: "hashing", Dimension: 256}
	cfg.RAG.ChunkSize = 60
	cfg.RAG.ChunkOverlap = 10
	cfg.RAG.TopK = 3
	cfg.RAG.SimilarityThreshold = 0.3
	cfg.RAG.MaxHistoryPairs = 2
	return cfg
}

func newService(t *testing.T, llm *stubLLM, archive Archiver) (*Service, *config.Config) {
	t.Helper()
	cfg := testConfig(t)
	svc, err := New(cfg, Deps{Embedder: embedding.NewHashingEmbedder(256), LLM: llm, Archive: archive})
	require.NoError(t, err)
	return svc, cfg
}

func writeLabel(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rinvoq.txt")
	require.NoError(t, os.WriteFile(path, []byte(labelText), 0o644))
	return path
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(testConfig(t), Deps{})
	assert.True(t, errors.Is(err, models.ErrConfiguration))
}

func TestIngestFileAndChat(t *testing.T) {
	llm := &stubLLM{reply: "The recommended dosage is 15 mg once daily."}
	archive := &stubArchive{}
	svc, cfg := newService(t, llm, archive)
	ctx := context.Background()

	info, err := svc.IngestFile(ctx, writeLabel(t), "Rinvoq PI.pdf")
	require.NoError(t, err)
	assert.Equal(t, "Rinvoq PI.pdf", info.Filename)
	assert.Equal(t, 3, info.PageCount)
	assert.Greater(t, info.ChunkCount, 1)
	assert.FileExists(t, filepath.Join(cfg.Storage.VectorStoreDir, info.DocumentID+".vec"))
	assert.Equal(t, []DocumentInfo{*info}, svc.Documents())

	answer, err := svc.Chat(ctx, info.DocumentID, "", "What is the recommended dosage of RINVOQ?")
	require.NoError(t, err)
	assert.NotEmpty(t, answer.SessionID)
	assert.False(t, answer.NoEvidence)
	assert.True(t, strings.HasPrefix(answer.Text, "The recommended dosage is 15 mg once daily. (Page"))
	assert.Equal(t, 2, answer.Sources[0].Chunk.Metadata.Page)

	assert.Len(t, svc.History(answer.SessionID), 2)
	assert.Equal(t, info.DocumentID, svc.Memory().Metadata(answer.SessionID)["document_id"])
	require.Len(t, archive.turns, 1)
	assert.Contains(t, archive.turns[0], info.DocumentID+"|"+answer.SessionID)
}

func TestChatUnknownDocument(t *testing.T) {
	svc, _ := newService(t, &stubLLM{}, nil)
	_, err := svc.Chat(context.Background(), "missing", "s", "dose?")
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestChatNoEvidenceSkipsModel(t *testing.T) {
	llm := &stubLLM{reply: "unused"}
	cfg := testConfig(t)
	cfg.RAG.SimilarityThreshold = 0.99
	svc, err := New(cfg, Deps{Embedder: embedding.NewHashingEmbedder(256), LLM: llm})
	require.NoError(t, err)

	info, err := svc.IngestFile(context.Background(), writeLabel(t), "")
	require.NoError(t, err)
	assert.Equal(t, "rinvoq.txt", info.Filename)

	answer, err := svc.Chat(context.Background(), info.DocumentID, "s", "unrelated question about weather")
	require.NoError(t, err)
	assert.True(t, answer.NoEvidence)
	assert.Equal(t, models.NoEvidenceAnswer, answer.Text)
	assert.Zero(t, llm.calls)
}

func TestChatArchiveFailureDoesNotFailTurn(t *testing.T) {
	svc, _ := newService(t, &stubLLM{reply: "ok (Page 2)"}, &stubArchive{err: errors.New("db down")})
	info, err := svc.IngestFile(context.Background(), writeLabel(t), "")
	require.NoError(t, err)

	_, err = svc.Chat(context.Background(), info.DocumentID, "s", "dosage of RINVOQ")
	assert.NoError(t, err)
}

func TestChatLLMFailure(t *testing.T) {
	svc, _ := newService(t, &stubLLM{err: models.ExternalCallError("llm", "down", nil)}, nil)
	info, err := svc.IngestFile(context.Background(), writeLabel(t), "")
	require.NoError(t, err)

	_, err = svc.Chat(context.Background(), info.DocumentID, "s", "dosage of RINVOQ")
	assert.True(t, errors.Is(err, models.ErrExternalCall))
	assert.Empty(t, svc.History("s"))
}

func TestIngestUpload(t *testing.T) {
	svc, cfg := newService(t, &stubLLM{}, nil)

	info, err := svc.IngestUpload(context.Background(), "label.txt", strings.NewReader(labelText))
	require.NoError(t, err)
	assert.Equal(t, "label.txt", info.Filename)
	assert.FileExists(t, filepath.Join(cfg.Storage.UploadDir, info.DocumentID+".txt"))

	_, err = svc.IngestUpload(context.Background(), "label.exe", strings.NewReader("x"))
	assert.True(t, errors.Is(err, models.ErrValidation))

	_, err = svc.IngestUpload(context.Background(), "empty.txt", strings.NewReader("   "))
	assert.True(t, errors.Is(err, models.ErrValidation))
	entries, err := os.ReadDir(cfg.Storage.UploadDir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "failed upload must be removed")
}

func TestLoadDocumentAndPersisted(t *testing.T) {
	llm := &stubLLM{reply: "ok"}
	svc, cfg := newService(t, llm, nil)
	info, err := svc.IngestFile(context.Background(), writeLabel(t), "label.pdf")
	require.NoError(t, err)

	fresh, err := New(cfg, Deps{Embedder: embedding.NewHashingEmbedder(256), LLM: llm})
	require.NoError(t, err)

	_, err = fresh.LoadDocument(context.Background(), "absent")
	assert.True(t, errors.Is(err, models.ErrNotFound))

	assert.Equal(t, 1, fresh.LoadPersisted(context.Background()))
	docs := fresh.Documents()
	require.Len(t, docs, 1)
	assert.Equal(t, *info, docs[0])

	q := "recommended dosage once daily"
	want, err := svc.Chat(context.Background(), info.DocumentID, "a", q)
	require.NoError(t, err)
	got, err := fresh.Chat(context.Background(), info.DocumentID, "b", q)
	require.NoError(t, err)
	assert.Equal(t, want.Sources, got.Sources)
}

func TestDeleteDocument(t *testing.T) {
	svc, cfg := newService(t, &stubLLM{}, nil)
	info, err := svc.IngestUpload(context.Background(), "label.txt", strings.NewReader(labelText))
	require.NoError(t, err)

	require.NoError(t, svc.DeleteDocument(info.DocumentID))
	assert.Empty(t, svc.Documents())
	assert.NoFileExists(t, filepath.Join(cfg.Storage.VectorStoreDir, info.DocumentID+".vec"))
	assert.NoFileExists(t, filepath.Join(cfg.Storage.UploadDir, info.DocumentID+".txt"))

	err = svc.DeleteDocument(info.DocumentID)
	assert.True(t, errors.Is(err, models.ErrNotFound))
}

func TestClearHistoryAndHealth(t *testing.T) {
	llm := &stubLLM{reply: "ok", pingErr: errors.New("refused")}
	archive := &stubArchive{}
	svc, _ := newService(t, llm, archive)
	svc.Memory().AppendTurn("s", "q", "a")

	h := svc.Health(context.Background())
	assert.Equal(t, "healthy", h.Status)
	assert.False(t, h.LLMConnected)
	assert.True(t, h.ArchiveEnabled)
	assert.True(t, h.ArchiveHealthy)
	assert.Equal(t, 1, h.ActiveSessions)

	assert.True(t, svc.ClearHistory(context.Background(), "s"))
	assert.Empty(t, svc.History("s"))
	assert.Equal(t, 0, svc.Health(context.Background()).ActiveSessions)
	assert.Equal(t, []string{"s"}, archive.deleted)
}

func TestClearHistoryRemovesArchivedTurns(t *testing.T) {
	llm := &stubLLM{reply: "The recommended dosage is 15 mg once daily. (Page 2)"}
	archive := &stubArchive{}
	svc, _ := newService(t, llm, archive)
	ctx := context.Background()

	info, err := svc.IngestFile(ctx, writeLabel(t), "")
	require.NoError(t, err)
	_, err = svc.Chat(ctx, info.DocumentID, "keep", "What is the dosage?")
	require.NoError(t, err)
	_, err = svc.Chat(ctx, info.DocumentID, "drop", "What is the dosage?")
	require.NoError(t, err)
	require.Len(t, archive.turns, 2)

	svc.Memory().Clear("drop")
	assert.True(t, svc.ClearHistory(ctx, "drop"), "archived turns count as cleared")
	assert.Len(t, archive.turns, 1)
	assert.Contains(t, archive.turns[0], "|keep|")
	assert.False(t, svc.ClearHistory(ctx, "drop"))
}

func TestClearHistoryArchiveFailureStillClearsMemory(t *testing.T) {
	archive := &stubArchive{deleteErr: errors.New("connection reset")}
	svc, _ := newService(t, &stubLLM{reply: "ok"}, archive)
	svc.Memory().AppendTurn("s", "q", "a")

	assert.True(t, svc.ClearHistory(context.Background(), "s"))
	assert.Empty(t, svc.History("s"))
}
