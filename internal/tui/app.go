// Package tui provides the live terminal view of a swarm run: a task table
// fed by the event stream, with run totals in the footer.
package tui

import (
	"fmt"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/kwagner-io/waggle/internal/queue"
	"github.com/kwagner-io/waggle/internal/swarm"
)

var (
	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFC857")).
			Bold(true).
			Padding(0, 1)

	goalStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243")).
			Italic(true).
			Padding(0, 1)

	footerStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("245")).
			Padding(0, 1)

	doneStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#4ECDC4")).
			Bold(true).
			Padding(0, 1)

	tableBorderStyle = lipgloss.NewStyle().
				BorderStyle(lipgloss.NormalBorder()).
				BorderForeground(lipgloss.Color("240"))
)

// EventMsg wraps one bus envelope for the bubbletea loop.
type EventMsg struct {
	Envelope queue.EventEnvelope
}

// taskRow is the TUI's view of one task.
type taskRow struct {
	id       string
	desc     string
	wave     int
	status   string
	attempts int
	note     string
}

// App is the bubbletea model for a swarm run.
type App struct {
	table table.Model

	runID string
	goal  string
	total int
	waves int

	order []string
	tasks map[string]*taskRow

	completed int
	failed    int
	skipped   int
	tokens    int64
	cost      float64

	done       bool
	durationMs int64
	width      int
	quitting   bool
}

// New creates a new App.
func New() *App {
	columns := []table.Column{
		{Title: "Task", Width: 12},
		{Title: "Wave", Width: 4},
		{Title: "Status", Width: 11},
		{Title: "Att", Width: 3},
		{Title: "Description", Width: 44},
		{Title: "Note", Width: 20},
	}
	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(14),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.Bold(true).Foreground(lipgloss.Color("#FFC857"))
	styles.Selected = styles.Selected.Foreground(lipgloss.Color("229")).Background(lipgloss.Color("57"))
	t.SetStyles(styles)

	return &App{
		table: t,
		tasks: make(map[string]*taskRow),
	}
}

// Init implements tea.Model.
func (a *App) Init() tea.Cmd {
	return nil
}

// Update implements tea.Model.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			a.quitting = true
			return a, tea.Quit
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.table.SetHeight(msg.Height - 7)

	case EventMsg:
		a.apply(msg.Envelope)
		a.table.SetRows(a.rows())
	}

	var cmd tea.Cmd
	a.table, cmd = a.table.Update(msg)
	return a, cmd
}

// apply folds one event into the model.
func (a *App) apply(env queue.EventEnvelope) {
	switch ev := env.Event.(type) {
	case swarm.SwarmStarted:
		a.runID = ev.RunID
		a.goal = ev.Goal
		a.total = ev.TaskCount
		a.waves = ev.WaveCount

	case swarm.TaskDispatched:
		t := a.task(ev.TaskID)
		t.desc = ev.Description
		t.wave = ev.Wave
		t.status = "dispatched"
		if ev.Attempts > t.attempts {
			t.attempts = ev.Attempts
		}
		if ev.Guidance != "" {
			t.note = "rescue"
		}

	case swarm.TaskAttempted:
		t := a.task(ev.TaskID)
		if ev.Attempt > t.attempts {
			t.attempts = ev.Attempt
		}
		if ev.ToolCalls == -1 {
			t.note = "timed out mid-work"
		}

	case swarm.TaskResilience:
		t := a.task(ev.TaskID)
		t.note = ev.Strategy

	case swarm.TaskCompleted:
		t := a.task(ev.TaskID)
		t.status = "completed"
		switch {
		case ev.ByProxy:
			t.note = "by proxy"
		case ev.Degraded:
			t.note = "degraded"
		case ev.Score > 0:
			t.note = fmt.Sprintf("score %d", ev.Score)
		}

	case swarm.TaskFailed:
		t := a.task(ev.TaskID)
		t.status = "failed"
		if ev.FailureMode != "" {
			t.note = string(ev.FailureMode)
		}

	case swarm.TaskSkipped:
		t := a.task(ev.TaskID)
		t.status = "skipped"
		t.note = ev.Reason

	case swarm.SwarmCompleted:
		a.done = true
		a.completed = ev.Completed
		a.failed = ev.Failed
		a.skipped = ev.Skipped
		a.tokens = ev.TokensUsed
		a.cost = ev.CostUsed
		a.durationMs = ev.DurationMs
	}
}

// task returns (creating if needed) the row for one task id.
func (a *App) task(id string) *taskRow {
	if t, ok := a.tasks[id]; ok {
		return t
	}
	t := &taskRow{id: id, status: "pending"}
	a.tasks[id] = t
	a.order = append(a.order, id)
	return t
}

// rows renders the task map into table rows in arrival order.
func (a *App) rows() []table.Row {
	rows := make([]table.Row, 0, len(a.order))
	for _, id := range a.order {
		t := a.tasks[id]
		rows = append(rows, table.Row{
			t.id,
			fmt.Sprintf("%d", t.wave),
			t.status,
			fmt.Sprintf("%d", t.attempts),
			t.desc,
			t.note,
		})
	}
	return rows
}

// View implements tea.Model.
func (a *App) View() string {
	if a.quitting {
		return ""
	}

	header := titleStyle.Render("WAGGLE") +
		goalStyle.Render(fmt.Sprintf("%s  (%d tasks, %d waves)", a.goal, a.total, a.waves))

	body := tableBorderStyle.Render(a.table.View())

	var footer string
	if a.done {
		footer = doneStyle.Render(fmt.Sprintf(
			"run %s finished: %d completed, %d failed, %d skipped | %d tokens, $%.4f, %s | q to exit",
			a.runID, a.completed, a.failed, a.skipped,
			a.tokens, a.cost, time.Duration(a.durationMs)*time.Millisecond))
	} else {
		footer = footerStyle.Render("running... arrows to scroll, q to quit")
	}

	return lipgloss.JoinVertical(lipgloss.Left, header, body, footer)
}

// Run attaches the TUI to the event bus and blocks until the user quits.
// The returned unsubscribe happens automatically when the program exits.
func Run(events *queue.EventQueue) error {
	app := New()
	p := tea.NewProgram(app, tea.WithAltScreen())

	unsubscribe := events.Subscribe(func(env queue.EventEnvelope) {
		p.Send(EventMsg{Envelope: env})
	})
	defer unsubscribe()

	_, err := p.Run()
	return err
}
