package memory

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"label-rag/internal/models"
)

func newMemory(t *testing.T, pairs int) *ConversationMemory {
	t.Helper()
	m, err := New(pairs)
	require.NoError(t, err)
	return m
}

func TestNewRejectsNonPositive(t *testing.T) {
	_, err := New(0)
	assert.True(t, errors.Is(err, models.ErrConfiguration))
}

func TestRetentionKeepsLastPairs(t *testing.T) {
	m := newMemory(t, 2)
	for i := 0; i < 10; i++ {
		require.NoError(t, m.Append("s", models.RoleUser, fmt.Sprintf("q%d", i)))
		require.NoError(t, m.Append("s", models.RoleAssistant, fmt.Sprintf("a%d", i)))
	}
	h := m.History("s", 0)
	require.Len(t, h, 4)
	assert.Equal(t, []string{"q8", "a8", "q9", "a9"}, contents(h))
}

func TestAppendTurnTrims(t *testing.T) {
	m := newMemory(t, 1)
	m.AppendTurn("s", "q1", "a1")
	m.AppendTurn("s", "q2", "a2")
	h := m.History("s", 0)
	assert.Equal(t, []string{"q2", "a2"}, contents(h))
	assert.Equal(t, models.RoleUser, h[0].Role)
	assert.Equal(t, models.RoleAssistant, h[1].Role)
	assert.False(t, h[0].Timestamp.IsZero())
}

func TestAppendRejectsUnknownRole(t *testing.T) {
	m := newMemory(t, 2)
	err := m.Append("s", models.Role("system"), "x")
	assert.True(t, errors.Is(err, models.ErrValidation))
	assert.Empty(t, m.History("s", 0))
}

func TestHistoryLimitAndLastNPairs(t *testing.T) {
	m := newMemory(t, 5)
	for i := 0; i < 4; i++ {
		m.AppendTurn("s", fmt.Sprintf("q%d", i), fmt.Sprintf("a%d", i))
	}
	assert.Equal(t, []string{"q3", "a3"}, contents(m.History("s", 2)))
	assert.Equal(t, []string{"q2", "a2", "q3", "a3"}, contents(m.LastNPairs("s", 2)))
	assert.Len(t, m.LastNPairs("s", 10), 8)
	assert.Empty(t, m.LastNPairs("s", 0))
	assert.Empty(t, m.History("unknown", 0))
}

func TestHistoryReturnsCopy(t *testing.T) {
	m := newMemory(t, 2)
	m.AppendTurn("s", "q", "a")
	h := m.History("s", 0)
	h[0].Content = "mutated"
	assert.Equal(t, "q", m.History("s", 0)[0].Content)
}

func TestClearDropsHistoryAndMetadata(t *testing.T) {
	m := newMemory(t, 2)
	m.AppendTurn("s", "q", "a")
	m.SetMetadata("s", "document_id", "doc-1")
	assert.Equal(t, map[string]string{"document_id": "doc-1"}, m.Metadata("s"))

	assert.True(t, m.Clear("s"))
	assert.False(t, m.Clear("s"))
	assert.Empty(t, m.History("s", 0))
	assert.Empty(t, m.Metadata("s"))
	assert.Empty(t, m.Sessions())
}

func TestSessionsAreIsolated(t *testing.T) {
	m := newMemory(t, 3)
	m.AppendTurn("a", "qa", "aa")
	m.AppendTurn("b", "qb", "ab")
	m.Clear("a")
	assert.Equal(t, []string{"qb", "ab"}, contents(m.History("b", 0)))
	assert.Equal(t, []string{"b"}, m.Sessions())
}

func TestConcurrentAppends(t *testing.T) {
	m := newMemory(t, 1000)
	var wg sync.WaitGroup
	for s := 0; s < 4; s++ {
		for w := 0; w < 8; w++ {
			wg.Add(1)
			go func(s, w int) {
				defer wg.Done()
				for i := 0; i < 25; i++ {
					m.AppendTurn(fmt.Sprintf("s%d", s), fmt.Sprintf("q%d-%d", w, i), "a")
				}
			}(s, w)
		}
	}
	wg.Wait()

	for s := 0; s < 4; s++ {
		h := m.History(fmt.Sprintf("s%d", s), 0)
		require.Len(t, h, 2*8*25)
		for i := 0; i < len(h); i += 2 {
			assert.Equal(t, models.RoleUser, h[i].Role)
			assert.Equal(t, models.RoleAssistant, h[i+1].Role)
		}
	}
}

func TestConcurrentAppendAndClear(t *testing.T) {
	m := newMemory(t, 2)
	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				m.AppendTurn("s", "q", "a")
				if i%10 == 0 {
					m.Clear("s")
				}
			}
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, len(m.History("s", 0)), 4)
	assert.Equal(t, 0, len(m.History("s", 0))%2)
}

func contents(msgs []models.Message) []string {
	out := make([]string, len(msgs))
	for i, msg := range msgs {
		out[i] = msg.Content
	}
	return out
}
