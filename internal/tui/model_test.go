package tui

import (
	"context"
	"errors"
	"testing"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"label-rag/internal/models"
)

type fakePort struct {
	questions []string
	sessions  []string
	cleared   []string
	err       error
}

func (f *fakePort) Chat(_ context.Context, documentID, sessionID, question string) (*models.Answer, error) {
	f.questions = append(f.questions, question)
	f.sessions = append(f.sessions, sessionID)
	if f.err != nil {
		return nil, f.err
	}
	return &models.Answer{
		Text:      "Take 15 mg once daily. (Page 2)",
		SessionID: sessionID,
		Sources:   []models.SearchResult{{Chunk: models.Chunk{Metadata: models.ChunkMetadata{Page: 2}}}},
	}, nil
}

func (f *fakePort) ClearHistory(_ context.Context, sessionID string) bool {
	f.cleared = append(f.cleared, sessionID)
	return true
}

func sized(t *testing.T, m Model) Model {
	t.Helper()
	next, _ := m.Update(tea.WindowSizeMsg{Width: 100, Height: 30})
	return next.(Model)
}

// runCmd executes cmd and returns the first chat result message it produces.
func runCmd(t *testing.T, cmd tea.Cmd) tea.Msg {
	t.Helper()
	require.NotNil(t, cmd)
	msg := cmd()
	if batch, ok := msg.(tea.BatchMsg); ok {
		for _, c := range batch {
			if c == nil {
				continue
			}
			switch inner := c().(type) {
			case answerMsg, errMsg:
				return inner
			}
		}
		t.Fatal("no chat result in batch")
	}
	return msg
}

func typeQuestion(m Model, q string) Model {
	m.input.SetValue(q)
	return m
}

func TestEnterAsksAndRendersAnswer(t *testing.T) {
	port := &fakePort{}
	m := sized(t, New(port, "doc-1", "label.pdf", "sess-1", 0))

	next, cmd := typeQuestion(m, "  What is the dose?  ").Update(tea.KeyMsg{Type: tea.KeyEnter})
	m = next.(Model)
	assert.True(t, m.waiting)
	assert.Empty(t, m.input.Value())

	next, _ = m.Update(runCmd(t, cmd))
	m = next.(Model)
	assert.False(t, m.waiting)
	assert.Equal(t, []string{"What is the dose?"}, port.questions)
	assert.Equal(t, []string{"sess-1"}, port.sessions)
	require.Len(t, m.transcript, 2)
	assert.Equal(t, []int{2}, m.transcript[1].pages)
	assert.Contains(t, m.View(), "sources: pages [2]")
}

func TestEmptyEnterIsIgnored(t *testing.T) {
	m := sized(t, New(&fakePort{}, "doc-1", "label.pdf", "s", 0))
	next, cmd := typeQuestion(m, "   ").Update(tea.KeyMsg{Type: tea.KeyEnter})
	assert.Nil(t, cmd)
	assert.Empty(t, next.(Model).transcript)
}

func TestErrorIsShown(t *testing.T) {
	port := &fakePort{err: models.ExternalCallError("llm", "refused", errors.New("dial"))}
	m := sized(t, New(port, "doc-1", "label.pdf", "s", 0))

	next, cmd := typeQuestion(m, "dose?").Update(tea.KeyMsg{Type: tea.KeyEnter})
	next, _ = next.(Model).Update(runCmd(t, cmd))
	m = next.(Model)
	require.Len(t, m.transcript, 2)
	assert.True(t, m.transcript[1].err)
	assert.Equal(t, "Error: external_call", m.status)
}

func TestCtrlLClearsSession(t *testing.T) {
	port := &fakePort{}
	m := sized(t, New(port, "doc-1", "label.pdf", "s", 0))
	m.transcript = []entry{{role: models.RoleUser, text: "q"}}

	next, _ := m.Update(tea.KeyMsg{Type: tea.KeyCtrlL})
	m = next.(Model)
	assert.Equal(t, []string{"s"}, port.cleared)
	assert.Empty(t, m.transcript)
	assert.Equal(t, "History cleared.", m.status)
}

func TestCtrlCQuits(t *testing.T) {
	m := New(&fakePort{}, "doc-1", "label.pdf", "s", 0)
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyCtrlC})
	require.NotNil(t, cmd)
	assert.Equal(t, tea.Quit(), cmd())
}
