package main

import (
	"fmt"
	"github.com/charmbracelet/lipgloss"
	"github.com/janpfeifer/a0selfplay/internal/coach"
	"github.com/janpfeifer/a0selfplay/internal/game"
	"github.com/janpfeifer/a0selfplay/internal/scheduler"
	"github.com/janpfeifer/a0selfplay/internal/ui/spinning"
	"io"
	"strings"
	"sync"
)

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Background(lipgloss.Color("13")).Foreground(lipgloss.Color("0")).Padding(0, 1)
	labelStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	acceptedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("10"))
	rejectedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("9"))
	boxStyle      = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("12")).Padding(0, 1)
)

// reporter prints the progress of the learning loop. The spinner is only used if the output is a terminal.
type reporter struct {
	out        io.Writer
	isTerminal bool

	mu      sync.Mutex
	spinner *spinning.Spinning
	state   string
}

func newReporter(out io.Writer, isTerminal bool) *reporter {
	return &reporter{out: out, isTerminal: isTerminal}
}

// Header describes the run.
func (r *reporter) Header(c *coach.Coach, g game.Game) string {
	return titleStyle.Render("a0trainer") + " " +
		labelStyle.Render("run ") + c.RunID() + " " +
		labelStyle.Render("game ") + g.String() + " " +
		labelStyle.Render("oracle ") + c.Oracle().String()
}

// OnState is called by the coach when an iteration changes state.
func (r *reporter) OnState(iteration int, state coach.State) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = fmt.Sprintf("Iteration %d: %s", iteration, state)
	if !r.isTerminal {
		return
	}
	if r.spinner == nil {
		r.spinner = spinning.New(globalCtx, r.out)
	}
	r.spinner.SetStatus("%s", r.state)
}

// OnEpisode is called by the scheduler after each episode.
func (r *reporter) OnEpisode(stats scheduler.Stats, numEpisodes int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.spinner != nil {
		r.spinner.SetStatus("%s: %d of %d episodes (%d/%d/%d first-wins/second-wins/draws)", r.state,
			stats.Episodes, numEpisodes, stats.Wins[game.PlayerFirst], stats.Wins[game.PlayerSecond], stats.Draws)
	}
}

// OnReport prints the summary of an iteration.
func (r *reporter) OnReport(report *coach.IterationReport) {
	r.Done()
	var lines []string
	add := func(label, format string, args ...any) {
		lines = append(lines, labelStyle.Render(fmt.Sprintf("%-12s", label))+fmt.Sprintf(format, args...))
	}
	add("self-play", "%s", report.SelfPlay)
	add("examples", "%d new, %d in store (%d evicted)", report.NewExamples, report.StoreSize, report.Evicted)
	if report.Trained {
		decision := rejectedStyle.Render("rejected")
		if report.Accepted {
			decision = acceptedStyle.Render("accepted")
		}
		if report.Tournament != nil {
			add("tournament", "%s: %s", report.Tournament, decision)
		} else {
			add("candidate", "%s", decision)
		}
	}
	if report.Checkpoint != "" {
		add("checkpoint", "%s", report.Checkpoint)
	}
	add("elapsed", "%s", report.Elapsed)
	title := titleStyle.Render(fmt.Sprintf("Iteration %d", report.Iteration))
	_, _ = fmt.Fprintln(r.out, title)
	_, _ = fmt.Fprintln(r.out, boxStyle.Render(strings.Join(lines, "\n")))
}

// Done stops the spinner, if running.
func (r *reporter) Done() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.spinner != nil {
		r.spinner.Done()
		r.spinner = nil
	}
}
