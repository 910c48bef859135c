package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/AndrewLester/netclock/internal/config"
	"github.com/AndrewLester/netclock/internal/sugar"
	"github.com/AndrewLester/netclock/internal/ui"
	"github.com/AndrewLester/netclock/pkg/netclock"
	beevik "github.com/beevik/ntp"
	"github.com/charmbracelet/bubbles/progress"
	tea "github.com/charmbracelet/bubbletea"
	"go.uber.org/zap"
)

func handleQueryCommand(address string, rounds int, verify bool, env *config.Env, logger *zap.Logger) {
	endpoint, err := config.ResolveEndpoint(address, env.NTPPort)
	if err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
	if rounds < 1 {
		rounds = 1
	}

	m := queryCommandModel{
		engine:   netclock.New(netclock.Config{}, netclock.WithLogger(logger)),
		address:  address,
		endpoint: endpoint,
		rounds:   rounds,
		verify:   verify,
		rounded:  make(chan int, rounds),
	}
	m.resetProgress()

	if _, err := sugar.RunProgramWithErrors(m); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

const (
	padding  = 10
	maxWidth = 80
)

const verifyTimeout = 5 * time.Second

type queryCommandModel struct {
	progress progress.Model
	engine   *netclock.Engine
	address  string
	endpoint string
	rounds   int
	verify   bool
	rounded  chan int

	percentage float64
	result     string
	err        error
}

type queryResultMessage string
type queryErrorMessage error
type progressUpdateMessage int

func queryCommand(m queryCommandModel) tea.Cmd {
	return func() tea.Msg {
		result, err := m.engine.Query(context.Background(), m.endpoint, m.rounds, func(round int) {
			m.rounded <- round
		})
		if err != nil {
			return queryErrorMessage(err)
		}

		s := fmt.Sprintf("%s +/- %s %s %s stratum %d refid %s",
			formatOffset(result.Offset), result.Err, m.address, result.Server, result.Stratum, result.Refid)
		if m.verify {
			s += "\n" + verifyLine(m.endpoint, result)
		}
		return queryResultMessage(s)
	}
}

// verifyLine repeats the query with an independent client.
func verifyLine(endpoint string, result *netclock.QueryResult) string {
	response, err := beevik.QueryWithOptions(endpoint, beevik.QueryOptions{Timeout: verifyTimeout})
	if err == nil {
		err = response.Validate()
	}
	if err != nil {
		return ui.Warn(fmt.Sprintf("verify: %v", err))
	}

	difference := response.ClockOffset - result.Offset
	line := fmt.Sprintf("verify: %s rtt %s, difference %s", formatOffset(response.ClockOffset), response.RTT, formatOffset(difference))
	if difference.Abs() > result.Err+response.RTT/2 {
		return ui.Warn(line)
	}
	return ui.Good(line)
}

func formatOffset(d time.Duration) string {
	if d > 0 {
		return "+" + d.String()
	}
	return d.String()
}

func progressListenCommand(m queryCommandModel) tea.Cmd {
	return func() tea.Msg {
		return progressUpdateMessage(<-m.rounded)
	}
}

func (m *queryCommandModel) resetProgress() {
	m.progress = progress.New(progress.WithScaledGradient("#68b1b1", "#6ea4ff"))
}

func (m queryCommandModel) Init() tea.Cmd {
	return tea.Batch(queryCommand(m), progressListenCommand(m))
}

func (m queryCommandModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q", "esc":
			return m, tea.Quit
		}
		return m, nil
	case tea.WindowSizeMsg:
		m.progress.Width = msg.Width - padding*2 - 4
		if m.progress.Width > maxWidth {
			m.progress.Width = maxWidth
		}
		return m, nil
	case progressUpdateMessage:
		m.percentage = float64(msg) / float64(m.rounds)
		if int(msg) >= m.rounds {
			return m, nil
		}
		return m, progressListenCommand(m)
	case queryResultMessage:
		m.result = string(msg)
		return m, tea.Quit
	case queryErrorMessage:
		m.err = msg
		return m, tea.Quit
	default:
		return m, nil
	}
}

func (m queryCommandModel) View() (s string) {
	if m.err != nil {
		return
	}

	if m.result == "" {
		s += ui.Title("netclock - Query") + "\n\n"
		s += m.progress.ViewAs(m.percentage) + "\n\n"
		s += ui.Help("q: exit\n")
	} else {
		s += m.result + "\n"
	}
	return
}

func (m queryCommandModel) GetError() error {
	return m.err
}
