package main

import (
	"fmt"
	"log"
	"strconv"
	"time"

	"github.com/AndrewLester/netclock/internal/rpc"
	"github.com/AndrewLester/netclock/internal/ui"
	"github.com/AndrewLester/netclock/pkg/netclock"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

func handleStatusUI(socket string) {
	m := statusUIModel{socket: socket, table: setupTable()}

	if _, err := tea.NewProgram(m).Run(); err != nil {
		log.Fatal(err)
	}
}

const fetchStatusPeriod = time.Second * 5

type statusUIModel struct {
	socket string
	client *rpc.Client

	table            table.Model
	daemonKillStatus string
	status           netclock.Status
	fetched          time.Time
}

type dialSocketMessage *rpc.Client
type fetchStatusMessage struct {
	status  netclock.Status
	fetched time.Time
}
type tickMsg time.Time

func dialSocketCommand(m statusUIModel) tea.Cmd {
	return func() tea.Msg {
		client, err := rpc.Dial(m.socket)
		if err != nil {
			log.Fatalf("Error connecting to netclock daemon: %v", err)
		}

		return dialSocketMessage(client)
	}
}

func fetchStatusCommand(m statusUIModel) tea.Cmd {
	return func() tea.Msg {
		status, err := m.client.FetchStatus()
		if err != nil {
			log.Fatalf("Error getting status from daemon: %v", err)
		}
		return fetchStatusMessage{status: status, fetched: time.Now()}
	}
}

func stopDaemonCommand() tea.Cmd {
	return func() tea.Msg {
		killDaemon()
		return nil
	}
}

func tickCommand(duration time.Duration) tea.Cmd {
	return tea.Tick(duration, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (m statusUIModel) Init() tea.Cmd {
	return dialSocketCommand(m)
}

func (m statusUIModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "esc":
			if m.table.Focused() {
				m.table.Blur()
			} else {
				m.table.Focus()
			}
		case "stop", "s":
			m.daemonKillStatus = "Stopping " + daemonName
			return m, tea.Sequence(stopDaemonCommand(), tea.Quit)
		case "ctrl+c", "q":
			return m, tea.Quit
		}

		var cmd tea.Cmd
		m.table, cmd = m.table.Update(msg)
		return m, cmd
	case dialSocketMessage:
		m.client = msg
		return m, tickCommand(0)
	case fetchStatusMessage:
		m.status = msg.status
		m.fetched = msg.fetched
		m.table.SetRows(statusRows(m.status, m.fetched))
		return m, nil
	case tickMsg:
		return m, tea.Batch(tickCommand(fetchStatusPeriod), fetchStatusCommand(m))
	default:
		return m, nil
	}
}

func statusRows(status netclock.Status, now time.Time) []table.Row {
	rows := []table.Row{}
	for _, association := range status.Associations {
		update := "never"
		if !association.Update.IsZero() {
			update = fmt.Sprintf("%s ago", now.Sub(association.Update).Truncate(time.Second))
		}
		row := table.Row{
			association.Endpoint,
			association.State.String(),
			milliseconds(association.Offset),
			milliseconds(association.Delay),
			milliseconds(association.Jitter),
			strconv.FormatUint(uint64(association.Reach), 8),
			association.Interval.String(),
			update,
		}
		rows = append(rows, row)
	}
	return rows
}

func milliseconds(d time.Duration) string {
	return strconv.FormatFloat(float64(d)/float64(time.Millisecond), 'G', 5, 64)
}

func (m statusUIModel) summary() string {
	if !m.status.HasEstimate {
		return ui.Warn(m.status.State.String())
	}
	estimate := m.status.Estimate
	s := fmt.Sprintf("%s  offset %s ms  confidence %.2f  servers %d",
		m.status.State, milliseconds(estimate.Offset), estimate.Confidence, estimate.Servers)
	if estimate.Stale || estimate.Degraded {
		return ui.Warn(s)
	}
	return ui.Good(s)
}

func (m statusUIModel) View() (s string) {
	s += ui.Title("netclock") + "  " + m.summary() + "\n"
	s += ui.TableBase(m.table.View()) + "\n\n"
	if m.daemonKillStatus != "" {
		s += m.daemonKillStatus + "\n"
	} else {
		s += ui.Help("q: exit, s: stop daemon") + "\n"
	}
	return
}

func setupTable() table.Model {
	columns := []table.Column{
		{Title: "Address", Width: 22},
		{Title: "State", Width: 14},
		{Title: "Offset (ms)", Width: 12},
		{Title: "Delay (ms)", Width: 12},
		{Title: "Jitter (ms)", Width: 12},
		{Title: "Reach", Width: 6},
		{Title: "Poll", Width: 8},
		{Title: "Last Update", Width: 14},
	}

	t := table.New(
		table.WithColumns(columns),
		table.WithFocused(true),
		table.WithHeight(7),
	)

	s := table.DefaultStyles()
	s.Header = s.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(ui.TableGray).
		BorderBottom(true).
		Bold(true)
	s.Selected = s.Selected.
		Foreground(lipgloss.Color("218")).
		Background(lipgloss.Color("70")).
		Bold(false)
	t.SetStyles(s)

	return t
}
