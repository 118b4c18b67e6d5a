package tui

import (
	"context"
	"strings"
	"sync"
	"testing"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/pithecene-io/codechat/panel"
	"github.com/pithecene-io/codechat/types"
)

type fakeSession struct {
	events chan panel.Event

	mu    sync.Mutex
	asked []string
}

func newFakeSession() *fakeSession {
	return &fakeSession{events: make(chan panel.Event, 8)}
}

func (s *fakeSession) Events() <-chan panel.Event { return s.events }

func (s *fakeSession) Ask(_ context.Context, text string) (types.Exchange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.asked = append(s.asked, text)
	return types.Exchange{Query: text, Outcome: types.OutcomeDone}, nil
}

func update(t *testing.T, m Model, msg tea.Msg) (Model, tea.Cmd) {
	t.Helper()
	next, cmd := m.Update(msg)
	model, ok := next.(Model)
	if !ok {
		t.Fatalf("Update returned %T", next)
	}
	return model, cmd
}

func feed(t *testing.T, m Model, events ...panel.Event) Model {
	t.Helper()
	for _, ev := range events {
		m, _ = update(t, m, eventMsg(ev))
	}
	return m
}

func enter() tea.KeyMsg { return tea.KeyMsg{Type: tea.KeyEnter} }

func TestModel_ReadyEnablesInput(t *testing.T) {
	s := newFakeSession()
	m := NewModel(t.Context(), s, "~/src/demo")

	m.input.SetValue("too early")
	m, cmd := update(t, m, enter())
	if cmd != nil || len(s.asked) != 0 {
		t.Fatal("query sent before ready")
	}

	m = feed(t, m,
		panel.Event{Type: panel.EventProcessing, Content: "indexing 3/10"},
	)
	if m.status != "indexing 3/10" || len(m.entries) != 0 {
		t.Errorf("status passthrough: status=%q entries=%d", m.status, len(m.entries))
	}

	m = feed(t, m, panel.Event{Type: panel.EventReady, Content: "12 files"})
	if !m.ready || m.status != "" {
		t.Errorf("ready=%v status=%q", m.ready, m.status)
	}
	if !strings.Contains(m.transcript(), "12 files indexed") {
		t.Errorf("transcript = %q", m.transcript())
	}
}

func TestModel_SendAndStream(t *testing.T) {
	s := newFakeSession()
	m := feed(t, NewModel(t.Context(), s, "demo"), panel.Event{Type: panel.EventReady, Content: "2 files"})

	m.input.SetValue("  what does main.py do?  ")
	m, cmd := update(t, m, enter())
	if cmd == nil {
		t.Fatal("expected ask command")
	}
	if !m.busy || m.input.Value() != "" {
		t.Errorf("busy=%v input=%q", m.busy, m.input.Value())
	}
	if _, ok := cmd().(askDoneMsg); !ok {
		t.Error("ask command should report askDoneMsg")
	}
	if len(s.asked) != 1 || s.asked[0] != "what does main.py do?" {
		t.Errorf("asked = %q", s.asked)
	}

	// A second enter while busy is ignored.
	m.input.SetValue("again")
	if _, cmd := update(t, m, enter()); cmd != nil {
		t.Error("query sent while busy")
	}

	m = feed(t, m,
		panel.Event{Type: panel.EventProcessing},
		panel.Event{Type: panel.EventStream, Content: "It prints "},
		panel.Event{Type: panel.EventStream, Content: "hi."},
		panel.Event{Type: panel.EventStreamComplete},
	)
	if m.busy {
		t.Error("still busy after streamComplete")
	}
	last := m.entries[len(m.entries)-1]
	if last.role != roleAssistant || last.text != "It prints hi." {
		t.Errorf("last entry = %+v", last)
	}
	if m.entries[len(m.entries)-2].role != roleUser {
		t.Errorf("entries = %+v", m.entries)
	}
}

func TestModel_ErrorEvent(t *testing.T) {
	s := newFakeSession()
	m := feed(t, NewModel(t.Context(), s, "demo"),
		panel.Event{Type: panel.EventReady, Content: "1 files"},
		panel.Event{Type: panel.EventProcessing},
		panel.Event{Type: panel.EventError, Content: "model unavailable"},
	)
	if m.busy {
		t.Error("still busy after error")
	}
	last := m.entries[len(m.entries)-1]
	if last.role != roleError || last.text != "model unavailable" {
		t.Errorf("last entry = %+v", last)
	}
	if !strings.Contains(m.transcript(), "error: model unavailable") {
		t.Errorf("transcript = %q", m.transcript())
	}
}

func TestModel_WaitForEvent(t *testing.T) {
	s := newFakeSession()
	m := NewModel(t.Context(), s, "demo")

	s.events <- panel.Event{Type: panel.EventReady, Content: "3 files"}
	msg := m.waitForEvent()()
	ev, ok := msg.(eventMsg)
	if !ok || ev.Type != panel.EventReady {
		t.Fatalf("msg = %#v", msg)
	}

	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	m = NewModel(ctx, s, "demo")
	if msg := m.waitForEvent()(); msg != nil {
		t.Errorf("cancelled wait = %#v, want nil", msg)
	}
}

func TestModel_ResizeAndQuit(t *testing.T) {
	m := NewModel(t.Context(), newFakeSession(), "demo")

	m, _ = update(t, m, tea.WindowSizeMsg{Width: 100, Height: 40})
	if m.view.Width != 96 || m.view.Height != 40-(1+2+inputHeight+2+1) {
		t.Errorf("viewport = %dx%d", m.view.Width, m.view.Height)
	}
	if !strings.Contains(m.View(), "codechat") {
		t.Error("view missing title")
	}

	m, cmd := update(t, m, tea.KeyMsg{Type: tea.KeyCtrlC})
	if !m.quitting || cmd == nil {
		t.Fatal("ctrl+c should quit")
	}
	if m.View() != "" {
		t.Error("view should be empty after quit")
	}
}
