package main

import (
	"fmt"
	"math/rand"
	"os"
	"strconv"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-runewidth"
	"github.com/spf13/cobra"

	"vesper/internal/obj"
	"vesper/internal/rt"
)

var (
	topInterval time.Duration
	topLoad     int
)

func init() {
	topCmd.Flags().DurationVar(&topInterval, "interval", 250*time.Millisecond, "refresh interval")
	topCmd.Flags().IntVar(&topLoad, "load", 32, "synthetic sleeper tasks to keep the pool busy")
}

var topCmd = &cobra.Command{
	Use:   "top",
	Short: "Live view of scheduler queues and tasks",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfgPath, _ := cmd.Flags().GetString("config")
		cfg, err := rt.LoadConfig(cfgPath)
		if err != nil {
			return err
		}
		rtm := rt.New(cfg)
		defer rtm.Close()

		p := rtm.NewProc()
		for i := 0; i < topLoad; i++ {
			rtm.Spawn(p, rtm.NewFuture(sleeperPoll(rtm), 1))
		}

		model := newTopModel(rtm, topInterval)
		program := tea.NewProgram(model, tea.WithOutput(os.Stdout))
		_, err = program.Run()
		return err
	},
}

// sleeperPoll sleeps a random 20-220ms forever, giving top something to
// display. State 0 arms the timer, state 1 waits it out.
func sleeperPoll(rtm *rt.Runtime) rt.PollFunc {
	return func(p *obj.Proc, t *rt.Task) (obj.Value, rt.PollStatus) {
		if t.State() == 0 {
			delay := time.Duration(20+rand.Intn(200)) * time.Millisecond //nolint:gosec // synthetic load
			rtm.RegisterSleep(t, delay)
			t.SetState(1)
			return obj.Nothing(), rt.StatusPending
		}
		if rtm.SleepRegistered(t) {
			return obj.Nothing(), rt.StatusPending
		}
		t.SetState(0)
		return obj.Nothing(), rt.StatusYield
	}
}

type tickMsg time.Time

type topModel struct {
	rtm      *rt.Runtime
	interval time.Duration
	tbl      table.Model
	stats    rt.Stats
	width    int
}

func newTopModel(rtm *rt.Runtime, interval time.Duration) *topModel {
	cols := []table.Column{
		{Title: "ID", Width: 8},
		{Title: "KIND", Width: 10},
		{Title: "STATE", Width: 8},
		{Title: "WAIT", Width: 8},
		{Title: "PEND", Width: 6},
		{Title: "QUEUED", Width: 6},
	}
	tbl := table.New(
		table.WithColumns(cols),
		table.WithFocused(true),
		table.WithHeight(16),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderBottom(true).
		Bold(true)
	styles.Selected = styles.Selected.
		Foreground(lipgloss.Color("0")).
		Background(lipgloss.Color("6"))
	tbl.SetStyles(styles)

	return &topModel{rtm: rtm, interval: interval, tbl: tbl, width: 80}
}

func (m *topModel) tick() tea.Cmd {
	return tea.Tick(m.interval, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m *topModel) Init() tea.Cmd {
	return m.tick()
}

func (m *topModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tickMsg:
		m.stats = m.rtm.Stats()
		rows := make([]table.Row, 0, len(m.stats.Tasks))
		for _, ts := range m.stats.Tasks {
			rows = append(rows, table.Row{
				strconv.FormatUint(ts.ID, 10),
				ts.Kind,
				strconv.FormatUint(ts.State, 10),
				ts.Wait,
				strconv.FormatUint(uint64(ts.PendPolls), 10),
				boolMark(ts.Queued),
			})
		}
		m.tbl.SetRows(rows)
		return m, m.tick()
	case tea.WindowSizeMsg:
		if msg.Width > 0 {
			m.width = msg.Width
		}
		return m, nil
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		}
	}
	var cmd tea.Cmd
	m.tbl, cmd = m.tbl.Update(msg)
	return m, cmd
}

func (m *topModel) View() string {
	titleStyle := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("7"))
	dimStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("8"))

	header := fmt.Sprintf("vesper top: %d workers, %d tasks, %d sleeping",
		m.stats.Workers, len(m.stats.Tasks), m.stats.Sleeping)
	queues := fmt.Sprintf("injector=%d deques=%v local=%d inject=%d steal=%d",
		m.stats.Injector, m.stats.Deques,
		m.stats.Counters.Local, m.stats.Counters.Inject, m.stats.Counters.Steal)

	out := titleStyle.Render(truncateLine(header, m.width)) + "\n"
	out += dimStyle.Render(truncateLine(queues, m.width)) + "\n\n"
	out += m.tbl.View() + "\n"
	out += dimStyle.Render("q to quit") + "\n"
	return out
}

func boolMark(b bool) string {
	if b {
		return "yes"
	}
	return "-"
}

func truncateLine(s string, width int) string {
	if width <= 0 || runewidth.StringWidth(s) <= width {
		return s
	}
	return runewidth.Truncate(s, width-1, "…")
}
