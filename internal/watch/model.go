package watch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/lexcodex/stdiohub/rpc"
	"github.com/lexcodex/stdiohub/server"
	"github.com/lexcodex/stdiohub/supervisor"
)

// API is the part of the HTTP client the dashboard uses.
type API interface {
	Servers(ctx context.Context) ([]supervisor.ServerSummary, error)
	Messages(ctx context.Context, name string, limit int) ([]rpc.LogEntry, error)
	Start(ctx context.Context, name string) (server.StatusResponse, error)
	Stop(ctx context.Context, name string) (server.StatusResponse, error)
}

const messageLimit = 50

var (
	titleStyle  = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("63"))
	paneStyle   = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("240"))
	errorStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusStyle = map[supervisor.Status]lipgloss.Style{
		supervisor.StatusReady:        lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		supervisor.StatusInitializing: lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		supervisor.StatusError:        lipgloss.NewStyle().Foreground(lipgloss.Color("196")),
		supervisor.StatusStopped:      lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
	}
)

type serversMsg struct {
	servers []supervisor.ServerSummary
	err     error
}

type messagesMsg struct {
	server  string
	entries []rpc.LogEntry
	err     error
}

type actionMsg struct {
	text string
	err  error
}

type tickMsg time.Time

// Model is the watch dashboard: a worker table over the selected worker's
// message log.
type Model struct {
	api      API
	interval time.Duration

	table    table.Model
	messages viewport.Model
	spinner  spinner.Model

	servers  []supervisor.ServerSummary
	selected string
	busy     bool
	status   string
	err      error
}

// New builds the dashboard model.
func New(api API, interval time.Duration) Model {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	tbl := table.New(
		table.WithColumns([]table.Column{
			{Title: "Name", Width: 14},
			{Title: "Status", Width: 13},
			{Title: "PID", Width: 8},
			{Title: "Pending", Width: 8},
			{Title: "Server", Width: 24},
		}),
		table.WithFocused(true),
		table.WithHeight(8),
	)
	spin := spinner.New()
	spin.Spinner = spinner.Dot
	return Model{
		api:      api,
		interval: interval,
		table:    tbl,
		messages: viewport.New(80, 14),
		spinner:  spin,
	}
}

// Init loads the first snapshot and starts polling.
func (m Model) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.fetchServers(), m.tick())
}

// Update handles input and API results.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	var cmds []tea.Cmd
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			return m, m.fetchServers()
		case "s":
			if m.selected != "" {
				m.busy = true
				m.status = "starting " + m.selected
				return m, m.runAction("start", m.selected)
			}
			return m, nil
		case "x":
			if m.selected != "" {
				m.busy = true
				m.status = "stopping " + m.selected
				return m, m.runAction("stop", m.selected)
			}
			return m, nil
		}
		var cmd tea.Cmd
		m.table, cmd = m.table.Update(msg)
		cmds = append(cmds, cmd)
		if row := m.table.SelectedRow(); row != nil && row[0] != m.selected {
			m.selected = row[0]
			cmds = append(cmds, m.fetchMessages(m.selected))
		}
		var vcmd tea.Cmd
		m.messages, vcmd = m.messages.Update(msg)
		cmds = append(cmds, vcmd)

	case tea.WindowSizeMsg:
		m.table.SetWidth(msg.Width - 2)
		m.messages.Width = msg.Width - 2
		if h := msg.Height - m.table.Height() - 8; h > 3 {
			m.messages.Height = h
		}

	case serversMsg:
		m.err = msg.err
		if msg.err == nil {
			m.servers = msg.servers
			m.table.SetRows(serverRows(msg.servers))
			if m.selected == "" && len(msg.servers) > 0 {
				m.selected = msg.servers[0].Name
			}
			if m.selected != "" {
				cmds = append(cmds, m.fetchMessages(m.selected))
			}
		}

	case messagesMsg:
		if msg.server == m.selected {
			if msg.err != nil {
				m.err = msg.err
			} else {
				m.messages.SetContent(renderMessages(msg.entries))
				m.messages.GotoBottom()
			}
		}

	case actionMsg:
		m.busy = false
		m.err = msg.err
		if msg.err == nil {
			m.status = msg.text
		}
		cmds = append(cmds, m.fetchServers())

	case tickMsg:
		cmds = append(cmds, m.fetchServers(), m.tick())

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		cmds = append(cmds, cmd)
	}
	return m, tea.Batch(cmds...)
}

// View renders the dashboard.
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("stdiohub workers"))
	b.WriteString("\n")
	b.WriteString(paneStyle.Render(m.table.View()))
	b.WriteString("\n")
	title := "messages"
	if m.selected != "" {
		title = m.selected + " messages"
	}
	b.WriteString(titleStyle.Render(title))
	b.WriteString("\n")
	b.WriteString(paneStyle.Render(m.messages.View()))
	b.WriteString("\n")
	b.WriteString(m.statusBar())
	return b.String()
}

func (m Model) statusBar() string {
	line := "↑/↓ select • s start • x stop • r refresh • q quit"
	if m.busy {
		line = m.spinner.View() + " " + m.status
	} else if m.status != "" {
		line += " | " + m.status
	}
	if m.err != nil {
		line += " | " + errorStyle.Render(m.err.Error())
	}
	return lipgloss.NewStyle().Bold(true).Render(line)
}

func (m Model) fetchServers() tea.Cmd {
	api := m.api
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		servers, err := api.Servers(ctx)
		return serversMsg{servers: servers, err: err}
	}
}

func (m Model) fetchMessages(name string) tea.Cmd {
	api := m.api
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		entries, err := api.Messages(ctx, name, messageLimit)
		return messagesMsg{server: name, entries: entries, err: err}
	}
}

func (m Model) runAction(action, name string) tea.Cmd {
	api := m.api
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		var (
			resp server.StatusResponse
			err  error
		)
		if action == "start" {
			resp, err = api.Start(ctx, name)
		} else {
			resp, err = api.Stop(ctx, name)
		}
		if err != nil {
			return actionMsg{err: fmt.Errorf("%s %s: %w", action, name, err)}
		}
		return actionMsg{text: fmt.Sprintf("%s is %s", resp.Server, resp.Status)}
	}
}

func (m Model) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func serverRows(servers []supervisor.ServerSummary) []table.Row {
	rows := make([]table.Row, 0, len(servers))
	for _, srv := range servers {
		pid := "-"
		if srv.PID != 0 {
			pid = fmt.Sprint(srv.PID)
		}
		name := srv.ServerName
		if srv.ServerVersion != "" {
			name += " " + srv.ServerVersion
		}
		status := string(srv.Status)
		if style, ok := statusStyle[srv.Status]; ok {
			status = style.Render(status)
		}
		rows = append(rows, table.Row{srv.Name, status, pid, fmt.Sprint(srv.Pending), trimString(name, 24)})
	}
	return rows
}

func renderMessages(entries []rpc.LogEntry) string {
	if len(entries) == 0 {
		return "(no messages)"
	}
	var b strings.Builder
	for _, entry := range entries {
		arrow := "←"
		if entry.Direction == rpc.DirectionRequest {
			arrow = "→"
		}
		fmt.Fprintf(&b, "%s %s %-24s %s\n",
			entry.Timestamp.Format("15:04:05.000"),
			arrow,
			trimString(entry.Type, 24),
			trimString(string(entry.Message.Raw), 160))
	}
	return strings.TrimRight(b.String(), "\n")
}

func trimString(val string, size int) string {
	if len(val) <= size {
		return val
	}
	return val[:size-3] + "..."
}

// Run starts the dashboard against the API client and blocks until the user
// quits or ctx is canceled.
func Run(ctx context.Context, client *Client, interval time.Duration) error {
	program := tea.NewProgram(New(client, interval), tea.WithAltScreen(), tea.WithContext(ctx))
	_, err := program.Run()
	return err
}
