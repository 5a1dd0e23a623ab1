// Command forge-tui is an optional operator dashboard: it connects to a
// running forge gateway's event stream and renders a live list of task
// attempts, tailing their appended log entries.
package main

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#7eb8da"))

	borderStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#3d4450"))

	statusRunningStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#7eb8da"))

	statusFailedStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#d48a8a"))

	statusDoneStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#7ec699"))

	statusPendingStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("#6e7681"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#8b949e"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#8b949e"))
)

// attemptRow is the TUI's view of one task attempt, built up from the
// attempt.started/state_changed/finished events seen on the wire.
type attemptRow struct {
	AttemptID string
	TaskID    string
	State     string
	StartedAt time.Time
	FinishedAt time.Time
	LastEntry string
}

// busEvent mirrors bus.Event's wire shape; the TUI only needs the fields it
// reads, not the bus package's internal RawMessage juggling.
type busEvent struct {
	EventID   int64           `json:"event_id"`
	ProjectID string          `json:"project_id"`
	Type      string          `json:"type"`
	Actor     string          `json:"actor,omitempty"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	EmittedAt time.Time       `json:"emitted_at"`
}

type connectedMsg struct{}
type disconnectedMsg struct{ err error }
type eventMsg busEvent

// model is the dashboard's bubbletea Model.
type model struct {
	projectID string
	addr      string
	token     string

	attempts map[string]*attemptRow
	order    []string // attempt IDs in first-seen order, for stable rendering
	selected int

	connected bool
	lastErr   error
	events    chan busEvent
	quitting  bool

	width, height int
}

func newModel(addr, projectID, token string, events chan busEvent) model {
	return model{
		addr:      addr,
		projectID: projectID,
		token:     token,
		attempts:  make(map[string]*attemptRow),
		events:    events,
	}
}

func (m model) Init() tea.Cmd {
	return waitForEvent(m.events)
}

// waitForEvent turns the next value off the events channel into a tea.Msg;
// Update re-issues this after every event so the channel is drained one
// message at a time without blocking the rest of the program.
func waitForEvent(events chan busEvent) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-events
		if !ok {
			return disconnectedMsg{}
		}
		return eventMsg(ev)
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "up", "k":
			if m.selected > 0 {
				m.selected--
			}
		case "down", "j":
			if m.selected < len(m.order)-1 {
				m.selected++
			}
		}
		return m, nil

	case connectedMsg:
		m.connected = true
		m.lastErr = nil
		return m, waitForEvent(m.events)

	case disconnectedMsg:
		m.connected = false
		m.lastErr = msg.err
		return m, nil

	case eventMsg:
		m.connected = true
		m.applyEvent(busEvent(msg))
		return m, waitForEvent(m.events)
	}
	return m, nil
}

func (m *model) applyEvent(ev busEvent) {
	var attemptID string
	var payload map[string]any
	_ = json.Unmarshal(ev.Payload, &payload)
	if id, ok := payload["attempt_id"].(string); ok {
		attemptID = id
	}
	if attemptID == "" {
		return
	}

	row, ok := m.attempts[attemptID]
	if !ok {
		row = &attemptRow{AttemptID: attemptID}
		m.attempts[attemptID] = row
		m.order = append(m.order, attemptID)
	}
	if taskID, ok := payload["task_id"].(string); ok {
		row.TaskID = taskID
	}

	switch ev.Type {
	case "attempt.started":
		row.State = "preparing"
		row.StartedAt = ev.EmittedAt
	case "attempt.state_changed":
		if to, ok := payload["to"].(string); ok {
			row.State = to
		}
	case "attempt.entry_appended":
		if entryType, ok := payload["entry_type"].(string); ok {
			row.LastEntry = "new " + entryType + " entry"
		}
	case "attempt.finished":
		if state, ok := payload["state"].(string); ok {
			row.State = state
		}
		row.FinishedAt = ev.EmittedAt
	}
}

func (m model) View() string {
	if m.quitting {
		return "forge-tui stopped.\n"
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render(fmt.Sprintf("forge  %s", m.projectID)))
	b.WriteString("\n")
	if m.connected {
		b.WriteString(dimStyle.Render("connected to " + m.addr))
	} else if m.lastErr != nil {
		b.WriteString(statusFailedStyle.Render("disconnected: " + m.lastErr.Error()))
	} else {
		b.WriteString(dimStyle.Render("connecting..."))
	}
	b.WriteString("\n\n")

	if len(m.order) == 0 {
		b.WriteString(dimStyle.Render("no attempts yet"))
		b.WriteString("\n")
	}
	for i, id := range m.order {
		row := m.attempts[id]
		cursor := "  "
		if i == m.selected {
			cursor = "> "
		}
		b.WriteString(cursor)
		b.WriteString(statusStyle(row.State).Render(fmt.Sprintf("%-12s", row.State)))
		b.WriteString(" ")
		b.WriteString(fmt.Sprintf("%-10s task=%-10s", short(row.AttemptID), short(row.TaskID)))
		b.WriteString("\n")
		if i == m.selected && row.LastEntry != "" {
			b.WriteString("    " + dimStyle.Render(truncate(row.LastEntry, 100)))
			b.WriteString("\n")
		}
	}

	b.WriteString("\n")
	b.WriteString(helpStyle.Render("↑/↓ select · q quit"))
	return borderStyle.Render(b.String())
}

func statusStyle(state string) lipgloss.Style {
	switch state {
	case "running", "preparing", "finalizing":
		return statusRunningStyle
	case "failed", "cancelled":
		return statusFailedStyle
	case "merged":
		return statusDoneStyle
	default:
		return statusPendingStyle
	}
}

func short(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
