package tui

import (
	"context"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textarea"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/pithecene-io/codechat/panel"
	"github.com/pithecene-io/codechat/types"
)

// Session is the part of a panel controller the chat view drives.
type Session interface {
	Events() <-chan panel.Event
	Ask(ctx context.Context, text string) (types.Exchange, error)
}

type role int

const (
	roleUser role = iota
	roleAssistant
	roleNotice
	roleError
)

type entry struct {
	role role
	text string
}

// eventMsg carries one panel event into the update loop.
type eventMsg panel.Event

// askDoneMsg reports that Ask returned. Outcomes arrive as events; the
// error is kept only for cancellations the panel could not report.
type askDoneMsg struct{ err error }

type keyMap struct {
	Send key.Binding
	Quit key.Binding
}

var keys = keyMap{
	Send: key.NewBinding(key.WithKeys("enter"), key.WithHelp("enter", "send")),
	Quit: key.NewBinding(key.WithKeys("ctrl+c", "esc"), key.WithHelp("esc", "quit")),
}

// inputHeight is the textarea height in lines.
const inputHeight = 3

// Model is the chat panel.
type Model struct {
	ctx     context.Context
	session Session
	title   string

	input   textarea.Model
	view    viewport.Model
	spin    spinner.Model
	entries []entry

	ready    bool
	busy     bool
	status   string
	width    int
	quitting bool
}

// NewModel creates a chat model over a session. title is shown in the
// header, typically the workspace path.
func NewModel(ctx context.Context, session Session, title string) Model {
	ta := textarea.New()
	ta.Placeholder = "Ask about your code…"
	ta.Prompt = "› "
	ta.CharLimit = 0
	ta.ShowLineNumbers = false
	ta.SetHeight(inputHeight)
	ta.SetWidth(80)
	ta.Focus()

	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = statusStyle

	return Model{
		ctx:     ctx,
		session: session,
		title:   title,
		input:   ta,
		view:    viewport.New(80, 20),
		spin:    sp,
		status:  "starting worker",
		width:   80,
	}
}

// Init implements tea.Model.
func (m Model) Init() tea.Cmd {
	return tea.Batch(textarea.Blink, m.spin.Tick, m.waitForEvent())
}

func (m Model) waitForEvent() tea.Cmd {
	events := m.session.Events()
	return func() tea.Msg {
		select {
		case ev := <-events:
			return eventMsg(ev)
		case <-m.ctx.Done():
			return nil
		}
	}
}

func (m Model) ask(text string) tea.Cmd {
	return func() tea.Msg {
		_, err := m.session.Ask(m.ctx, text)
		return askDoneMsg{err: err}
	}
}

// Update implements tea.Model.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m = m.resize(msg.Width, msg.Height)
		return m, nil

	case eventMsg:
		m = m.apply(panel.Event(msg))
		return m, m.waitForEvent()

	case askDoneMsg:
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd

	case tea.KeyMsg:
		switch {
		case key.Matches(msg, keys.Quit):
			m.quitting = true
			return m, tea.Quit
		case key.Matches(msg, keys.Send):
			return m.send()
		case msg.Type == tea.KeyPgUp, msg.Type == tea.KeyPgDown:
			var cmd tea.Cmd
			m.view, cmd = m.view.Update(msg)
			return m, cmd
		}
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// send submits the input when the worker can take a query.
func (m Model) send() (tea.Model, tea.Cmd) {
	text := strings.TrimSpace(m.input.Value())
	if text == "" || !m.ready || m.busy {
		return m, nil
	}
	m.input.Reset()
	m.busy = true
	m = m.add(entry{role: roleUser, text: text})
	return m, m.ask(text)
}

// apply folds a panel event into the transcript.
func (m Model) apply(ev panel.Event) Model {
	switch ev.Type {
	case panel.EventReady:
		m.ready = true
		m.status = ""
		return m.add(entry{role: roleNotice, text: "worker ready, " + ev.Content + " indexed"})

	case panel.EventProcessing:
		if ev.Content != "" {
			m.status = ev.Content
			return m
		}
		m.busy = true
		m.status = "thinking"
		return m.add(entry{role: roleAssistant})

	case panel.EventStream:
		if n := len(m.entries); n > 0 && m.entries[n-1].role == roleAssistant {
			m.entries[n-1].text += ev.Content
			return m.refresh()
		}
		return m.add(entry{role: roleAssistant, text: ev.Content})

	case panel.EventStreamComplete:
		m.busy = false
		m.status = ""
		return m.refresh()

	case panel.EventError:
		m.busy = false
		m.status = ""
		return m.add(entry{role: roleError, text: ev.Content})
	}
	return m
}

func (m Model) add(e entry) Model {
	m.entries = append(m.entries, e)
	return m.refresh()
}

func (m Model) refresh() Model {
	m.view.SetContent(m.transcript())
	m.view.GotoBottom()
	return m
}

func (m Model) transcript() string {
	wrap := lipgloss.NewStyle().Width(max(20, m.view.Width-2))
	var b strings.Builder
	for _, e := range m.entries {
		switch e.role {
		case roleUser:
			b.WriteString(userStyle.Render("you") + "\n")
			b.WriteString(wrap.Render(e.text))
		case roleAssistant:
			b.WriteString(assistantStyle.Render("assistant") + "\n")
			b.WriteString(wrap.Render(e.text))
		case roleNotice:
			b.WriteString(noticeStyle.Render(e.text))
		case roleError:
			b.WriteString(errorStyle.Render("error: " + e.text))
		}
		b.WriteString("\n\n")
	}
	return b.String()
}

func (m Model) resize(w, h int) Model {
	if w <= 0 || h <= 0 {
		return m
	}
	m.width = w
	// header, two bordered boxes (2 lines of border each) and help line
	reserved := 1 + 2 + inputHeight + 2 + 1
	m.view.Width = max(20, w-4)
	m.view.Height = max(3, h-reserved)
	m.input.SetWidth(max(20, w-4))
	return m.refresh()
}

// View implements tea.Model.
func (m Model) View() string {
	if m.quitting {
		return ""
	}

	header := titleStyle.Render("codechat") + " " + helpStyle.Render(m.title)
	if m.status != "" {
		header += "  " + m.spin.View() + statusStyle.Render(m.status)
	}

	help := helpStyle.Render(fmt.Sprintf("%s send • pgup/pgdn scroll • %s quit",
		keys.Send.Help().Key, keys.Quit.Help().Key))

	return lipgloss.JoinVertical(lipgloss.Left,
		header,
		transcriptStyle.Render(m.view.View()),
		inputStyle.Render(m.input.View()),
		help,
	)
}

// Run shows the chat panel until the user quits or ctx ends.
func Run(ctx context.Context, session Session, title string) error {
	p := tea.NewProgram(NewModel(ctx, session, title), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := p.Run()
	if err != nil && ctx.Err() != nil {
		// Cancelled from outside; not a UI failure.
		return nil
	}
	return err
}
