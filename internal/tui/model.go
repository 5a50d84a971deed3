package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"label-rag/internal/models"
)

// ChatPort is the TUI-facing subset of the document service.
type ChatPort interface {
	Chat(ctx context.Context, documentID, sessionID, question string) (*models.Answer, error)
	ClearHistory(ctx context.Context, sessionID string) bool
}

type entry struct {
	role  models.Role
	text  string
	pages []int
	err   bool
}

type answerMsg struct {
	answer *models.Answer
}

type errMsg struct {
	err error
}

// Model is the Bubble Tea model for the chat screen.
type Model struct {
	port       ChatPort
	documentID string
	title      string
	sessionID  string
	timeout    time.Duration

	input      textinput.Model
	viewport   viewport.Model
	spinner    spinner.Model
	transcript []entry
	status     string
	waiting    bool
	ready      bool
}

// New creates the chat model for one document and session.
func New(port ChatPort, documentID, title, sessionID string, timeout time.Duration) Model {
	ti := textinput.New()
	ti.Prompt = "> "
	ti.Placeholder = "Ask about the prescribing information and press Enter"
	ti.Focus()
	ti.CharLimit = 4000

	sp := spinner.New()
	sp.Spinner = spinner.Dot

	return Model{
		port:       port,
		documentID: documentID,
		title:      title,
		sessionID:  sessionID,
		timeout:    timeout,
		input:      ti,
		viewport:   viewport.New(0, 0),
		spinner:    sp,
		status:     "Ready. ctrl+l clears history, ctrl+c quits.",
	}
}

func (m Model) Init() tea.Cmd { return textinput.Blink }

func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.ready = true
		_, th := transcriptBoxStyle.GetFrameSize()
		_, ih := inputBoxStyle.GetFrameSize()
		reserved := 2 + 1 + ih + 1 // header lines, status, input box
		m.viewport.Width = max(20, msg.Width-2)
		m.viewport.Height = max(3, msg.Height-reserved-th)
		m.refresh()
		return m, nil

	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyCtrlD:
			return m, tea.Quit
		case tea.KeyCtrlL:
			ctx, cancel := callContext(m.timeout)
			m.port.ClearHistory(ctx, m.sessionID)
			cancel()
			m.transcript = nil
			m.status = "History cleared."
			m.refresh()
			return m, nil
		case tea.KeyEnter:
			q := strings.TrimSpace(m.input.Value())
			if q == "" || m.waiting {
				return m, nil
			}
			m.transcript = append(m.transcript, entry{role: models.RoleUser, text: q})
			m.input.Reset()
			m.waiting = true
			m.status = "Thinking..."
			m.refresh()
			return m, tea.Batch(m.ask(q), m.spinner.Tick)
		case tea.KeyPgUp, tea.KeyPgDown, tea.KeyUp, tea.KeyDown:
			var cmd tea.Cmd
			m.viewport, cmd = m.viewport.Update(msg)
			return m, cmd
		}

	case answerMsg:
		m.waiting = false
		m.sessionID = msg.answer.SessionID
		e := entry{role: models.RoleAssistant, text: msg.answer.Text}
		if !msg.answer.NoEvidence {
			e.pages = msg.answer.Pages()
		}
		m.transcript = append(m.transcript, e)
		m.status = fmt.Sprintf("Answered from %d source chunks.", len(msg.answer.Sources))
		m.refresh()
		return m, nil

	case errMsg:
		m.waiting = false
		m.transcript = append(m.transcript, entry{role: models.RoleAssistant, text: msg.err.Error(), err: true})
		m.status = "Error: " + string(models.KindOf(msg.err))
		m.refresh()
		return m, nil

	case spinner.TickMsg:
		if !m.waiting {
			return m, nil
		}
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// callContext bounds a service call by timeout; zero means no deadline.
func callContext(timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout > 0 {
		return context.WithTimeout(context.Background(), timeout)
	}
	return context.WithCancel(context.Background())
}

func (m Model) ask(question string) tea.Cmd {
	port, doc, session, timeout := m.port, m.documentID, m.sessionID, m.timeout
	return func() tea.Msg {
		ctx, cancel := callContext(timeout)
		defer cancel()
		answer, err := port.Chat(ctx, doc, session, question)
		if err != nil {
			return errMsg{err: err}
		}
		return answerMsg{answer: answer}
	}
}

func (m Model) View() string {
	if !m.ready {
		return "Loading..."
	}
	header := headerStyle.Render("Prescribing Information Assistant")
	sub := subtleStyle.Render(fmt.Sprintf("%s  session %s", m.title, m.sessionID))
	status := statusStyle.Render(m.status)
	if m.waiting {
		status = m.spinner.View() + " " + status
	}
	return header + "\n" + sub + "\n" +
		transcriptBoxStyle.Render(m.viewport.View()) + "\n" +
		inputBoxStyle.Render(m.input.View()) + "\n" + status
}

func (m *Model) refresh() {
	m.viewport.SetContent(m.renderTranscript())
	m.viewport.GotoBottom()
}

func (m Model) renderTranscript() string {
	if len(m.transcript) == 0 {
		return subtleStyle.Render("No messages yet.")
	}
	width := max(20, m.viewport.Width-2)
	var b strings.Builder
	for i, e := range m.transcript {
		if i > 0 {
			b.WriteString("\n\n")
		}
		switch {
		case e.role == models.RoleUser:
			b.WriteString(userStyle.Render("You: "))
			b.WriteString(lipgloss.NewStyle().Width(width).Render(e.text))
		case e.err:
			b.WriteString(errorStyle.Width(width).Render("Error: " + e.text))
		default:
			b.WriteString(assistantStyle.Render("Assistant: "))
			b.WriteString(lipgloss.NewStyle().Width(width).Render(e.text))
			if len(e.pages) > 0 {
				b.WriteString("\n" + subtleStyle.Render(fmt.Sprintf("sources: pages %v", e.pages)))
			}
		}
	}
	return b.String()
}

var (
	headerStyle        = lipgloss.NewStyle().Bold(true)
	subtleStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	statusStyle        = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	userStyle          = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	assistantStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Bold(true)
	errorStyle         = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	transcriptBoxStyle = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
	inputBoxStyle      = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// Run starts the interactive program on the terminal.
func Run(m Model) error {
	_, err := tea.NewProgram(m, tea.WithAltScreen()).Run()
	return err
}
