package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mpataki/testforge/internal/models"
	"github.com/mpataki/testforge/internal/progress"
)

// Backend is the slice of the engine the dashboard reads from and acts on.
type Backend interface {
	ListRuns(ctx context.Context, limit int) ([]*models.Run, error)
	GetRun(ctx context.Context, id string) (*models.Run, error)
	ListOutcomes(ctx context.Context, runID string) ([]models.Outcome, error)
	CancelRun(ctx context.Context, runID string) (bool, error)
	DeleteRun(ctx context.Context, runID string) error
}

type View int

const (
	ViewRunList View = iota
	ViewRunDetail
	ViewOutcome
	ViewLog
)

const (
	listLimit   = 30
	maxLogLines = 2000
)

type App struct {
	backend Backend
	bus     progress.Bus

	view               View
	runs               []*models.Run
	selectedIdx        int
	selectedRun        *models.Run
	outcomes           []models.Outcome
	selectedOutcomeIdx int

	logLines    []string
	logRunID    string
	unsubscribe func()

	spinner  spinner.Model
	viewport viewport.Model

	width  int
	height int
	err    error
	notice string
}

func NewApp(backend Backend, bus progress.Bus) *App {
	return &App{
		backend:  backend,
		bus:      bus,
		view:     ViewRunList,
		spinner:  spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(statusRunning)),
		viewport: viewport.New(80, 20),
	}
}

func (a *App) Init() tea.Cmd {
	return tea.Batch(a.loadRuns, a.tickCmd(), a.spinner.Tick)
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(2*time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

func (a *App) hasActiveRuns() bool {
	for _, run := range a.runs {
		if !run.Status.Terminal() {
			return true
		}
	}
	return false
}

type tickMsg time.Time

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.viewport.Width = msg.Width
		a.viewport.Height = max(msg.Height-6, 5)
		return a, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd

	case runsLoadedMsg:
		a.runs = msg.runs
		a.err = msg.err
		if a.selectedIdx >= len(a.runs) {
			a.selectedIdx = max(len(a.runs)-1, 0)
		}
		return a, nil

	case tickMsg:
		if a.view == ViewRunList && a.hasActiveRuns() {
			return a, tea.Batch(a.loadRuns, a.tickCmd())
		}
		return a, a.tickCmd()

	case runDetailMsg:
		a.err = msg.err
		if msg.err != nil {
			return a, nil
		}
		a.selectedRun = msg.run
		a.outcomes = msg.outcomes
		if a.selectedOutcomeIdx >= len(a.outcomes) {
			a.selectedOutcomeIdx = 0
		}
		if a.view == ViewRunList {
			a.view = ViewRunDetail
		}
		return a, nil

	case runCancelledMsg:
		a.err = msg.err
		switch {
		case msg.err != nil:
		case msg.ok:
			a.notice = fmt.Sprintf("cancelled %s", shortID(msg.runID))
		default:
			a.notice = fmt.Sprintf("%s is not running", shortID(msg.runID))
		}
		return a, a.loadRuns

	case runDeletedMsg:
		a.err = msg.err
		if msg.err == nil {
			a.notice = fmt.Sprintf("deleted %s", shortID(msg.runID))
		}
		return a, a.loadRuns

	case subscribedMsg:
		if msg.err != nil {
			a.err = msg.err
			return a, nil
		}
		if msg.runID != a.logRunID {
			msg.unsubscribe()
			return a, nil
		}
		a.unsubscribe = msg.unsubscribe
		return a, waitForMessage(msg.runID, msg.ch)

	case busMsg:
		return a.handleBusMsg(msg)
	}

	return a, nil
}

func (a *App) handleBusMsg(msg busMsg) (tea.Model, tea.Cmd) {
	if msg.runID != a.logRunID {
		return a, nil
	}
	if msg.closed {
		a.unsubscribe = nil
		return a, nil
	}
	next := waitForMessage(msg.runID, msg.ch)
	ev := msg.msg.Event
	if ev == nil {
		return a, next
	}

	switch ev.Kind {
	case progress.KindLog:
		a.appendLog(ev.Line)
	case progress.KindStatus, progress.KindSummary:
		line := fmt.Sprintf("-- %s", ev.Status)
		if ev.Error != "" {
			line += ": " + ev.Error
		}
		a.appendLog(line)
		return a, tea.Batch(next, a.loadRunDetail(msg.runID))
	}
	return a, next
}

func (a *App) appendLog(line string) {
	a.logLines = append(a.logLines, line)
	if len(a.logLines) > maxLogLines {
		a.logLines = a.logLines[len(a.logLines)-maxLogLines:]
	}
	if a.view == ViewLog {
		a.viewport.SetContent(strings.Join(a.logLines, "\n"))
		a.viewport.GotoBottom()
	}
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch a.view {
	case ViewRunList:
		return a.handleRunListKey(msg)
	case ViewRunDetail:
		return a.handleRunDetailKey(msg)
	case ViewOutcome, ViewLog:
		return a.handleScrollKey(msg)
	}
	return a, nil
}

func (a *App) handleRunListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		a.stopFollowing()
		return a, tea.Quit

	case "up", "k":
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "down", "j":
		if a.selectedIdx < len(a.runs)-1 {
			a.selectedIdx++
		}

	case "enter":
		if run := a.currentRun(); run != nil {
			a.notice = ""
			return a, tea.Batch(a.loadRunDetail(run.ID), a.follow(run))
		}

	case "r":
		return a, a.loadRuns

	case "x":
		if run := a.currentRun(); run != nil {
			return a, a.cancelRun(run.ID)
		}

	case "d":
		if run := a.currentRun(); run != nil {
			return a, a.deleteRun(run.ID)
		}
	}

	return a, nil
}

func (a *App) handleRunDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewRunList
		a.selectedRun = nil
		a.outcomes = nil
		a.selectedOutcomeIdx = 0
		a.stopFollowing()
		return a, a.loadRuns

	case "ctrl+c":
		a.stopFollowing()
		return a, tea.Quit

	case "up", "k":
		if a.selectedOutcomeIdx > 0 {
			a.selectedOutcomeIdx--
		}

	case "down", "j":
		if a.selectedOutcomeIdx < len(a.outcomes)-1 {
			a.selectedOutcomeIdx++
		}

	case "enter":
		if a.selectedOutcomeIdx < len(a.outcomes) {
			a.viewport.SetContent(formatOutcome(a.outcomes[a.selectedOutcomeIdx]))
			a.viewport.GotoTop()
			a.view = ViewOutcome
		}

	case "l":
		a.viewport.SetContent(strings.Join(a.logLines, "\n"))
		a.viewport.GotoBottom()
		a.view = ViewLog

	case "x":
		if a.selectedRun != nil {
			return a, a.cancelRun(a.selectedRun.ID)
		}
	}

	return a, nil
}

func (a *App) handleScrollKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewRunDetail
		return a, nil
	case "ctrl+c":
		a.stopFollowing()
		return a, tea.Quit
	}
	var cmd tea.Cmd
	a.viewport, cmd = a.viewport.Update(msg)
	return a, cmd
}

func (a *App) currentRun() *models.Run {
	if len(a.runs) == 0 || a.selectedIdx >= len(a.runs) {
		return nil
	}
	return a.runs[a.selectedIdx]
}

// follow subscribes to a run's live events. Finished runs have nothing left to stream.
func (a *App) follow(run *models.Run) tea.Cmd {
	a.stopFollowing()
	a.logLines = nil
	a.logRunID = run.ID
	if a.bus == nil || run.Status.Terminal() {
		return nil
	}
	bus, runID := a.bus, run.ID
	return func() tea.Msg {
		ch, unsubscribe, err := bus.Subscribe(context.Background(), progress.Subject(runID))
		return subscribedMsg{runID: runID, ch: ch, unsubscribe: unsubscribe, err: err}
	}
}

func (a *App) stopFollowing() {
	if a.unsubscribe != nil {
		a.unsubscribe()
		a.unsubscribe = nil
	}
	a.logRunID = ""
}

func (a *App) View() string {
	switch a.view {
	case ViewRunList:
		return a.viewRunList()
	case ViewRunDetail:
		return a.viewRunDetail()
	case ViewOutcome:
		return a.viewScroll("Outcome")
	case ViewLog:
		return a.viewScroll("Live log")
	}
	return ""
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusRunning   = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusPassed    = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusFailed    = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusCancelled = lipgloss.NewStyle().Foreground(lipgloss.Color("208"))
	statusPending   = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

func (a *App) viewRunList() string {
	s := titleStyle.Render("TestForge") + "\n\n"

	if a.err != nil {
		s += statusFailed.Render(fmt.Sprintf("Error: %v", a.err)) + "\n"
	} else if a.notice != "" {
		s += dimStyle.Render(a.notice) + "\n"
	}

	if len(a.runs) == 0 {
		s += "No runs yet. Start one with `testforge run <project-id>`.\n"
	} else {
		s += "Recent Runs\n"
		s += "───────────\n"

		for i, run := range a.runs {
			line := a.formatRunLine(run)
			if i == a.selectedIdx {
				line = selectedStyle.Render("▶ " + line)
			} else if run.Status.Terminal() {
				line = "  " + dimStyle.Render(line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[enter] view  [x] cancel  [d] delete  [r] refresh  [q] quit")

	return s
}

func (a *App) formatRunLine(run *models.Run) string {
	status := a.formatStatus(run.Status)
	age := formatAge(run.CreatedAt)
	counts := ""
	if run.Status.Terminal() && run.TotalTests > 0 {
		counts = fmt.Sprintf("%d/%d passed", run.PassedTests, run.TotalTests)
	}
	return fmt.Sprintf("%-8s %-18s %s  %-4s  %s", shortID(run.ID), truncate(run.ProjectID, 18), status, age, counts)
}

func (a *App) formatStatus(status models.RunStatus) string {
	switch status {
	case models.RunStatusRunning:
		return statusRunning.Render(a.spinner.View() + "running  ")
	case models.RunStatusPending:
		return statusPending.Render("○ pending  ")
	case models.RunStatusPassed:
		return statusPassed.Render("✓ passed   ")
	case models.RunStatusFailed:
		return statusFailed.Render("✗ failed   ")
	case models.RunStatusCancelled:
		return statusCancelled.Render("⊘ cancelled")
	default:
		return string(status)
	}
}

func (a *App) viewRunDetail() string {
	if a.selectedRun == nil {
		return "No run selected"
	}

	run := a.selectedRun

	header := fmt.Sprintf("Run %s: %s", shortID(run.ID), run.ProjectID)
	s := titleStyle.Render(header) + "  " + a.formatStatus(run.Status) + "\n\n"

	if run.DurationMS != nil {
		s += labelStyle.Render("Duration: ") + formatDuration(time.Duration(*run.DurationMS)*time.Millisecond) + "\n"
	} else if run.StartedAt != nil {
		s += labelStyle.Render("Elapsed:  ") + statusRunning.Render(formatDuration(time.Since(*run.StartedAt))+"...") + "\n"
	}
	if run.Status.Terminal() {
		s += labelStyle.Render("Tests:    ") + fmt.Sprintf("%d total, %d passed, %d failed, %d skipped",
			run.TotalTests, run.PassedTests, run.FailedTests, run.SkippedTests) + "\n"
	}
	if run.ErrorMessage != "" {
		s += labelStyle.Render("Error:    ") + statusFailed.Render(truncate(firstLine(run.ErrorMessage), 100)) + "\n"
	}
	if n := len(a.logLines); n > 0 {
		s += labelStyle.Render("Log:      ") + dimStyle.Render(truncate(a.logLines[n-1], 100)) + "\n"
	}

	s += "\nOutcomes\n"
	s += "────────\n"

	if len(a.outcomes) == 0 {
		s += "(no outcomes yet)\n"
	} else {
		for i, o := range a.outcomes {
			line := fmt.Sprintf("%s %-50s", outcomeMark(o.Status), truncate(o.TestName, 50))
			if o.DurationMS != nil {
				line += "  " + dimStyle.Render(fmt.Sprintf("%6s", formatDuration(time.Duration(*o.DurationMS)*time.Millisecond)))
			}
			if o.ErrorCategory != "" {
				line += "  " + statusFailed.Render(o.ErrorCategory)
			}

			if i == a.selectedOutcomeIdx {
				line = selectedStyle.Render("▶ " + line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[↑/↓] select  [enter] details  [l] live log  [x] cancel  [esc] back")

	return s
}

func (a *App) viewScroll(title string) string {
	s := titleStyle.Render(title) + "\n\n"
	s += a.viewport.View() + "\n"
	s += "\n" + helpStyle.Render("[↑/↓/pgup/pgdn] scroll  [esc] back")
	return s
}

func outcomeMark(status models.OutcomeStatus) string {
	switch status {
	case models.OutcomePassed:
		return statusPassed.Render("✓")
	case models.OutcomeFailed, models.OutcomeError:
		return statusFailed.Render("✗")
	case models.OutcomeSkipped:
		return statusPending.Render("-")
	}
	return "?"
}

func formatOutcome(o models.Outcome) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s  %s\n\n", outcomeMark(o.Status), o.TestName)
	field := func(label, value string) {
		if value != "" {
			fmt.Fprintf(&b, "%s%s\n", labelStyle.Render(label), value)
		}
	}
	field("File:       ", o.TestFile)
	field("Suite:      ", o.TestSuite)
	field("Layer:      ", string(o.Layer))
	field("Status:     ", string(o.Status))
	field("Category:   ", o.ErrorCategory)
	field("Screenshot: ", o.ScreenshotRef)
	field("Network:    ", o.NetworkRef)
	if o.ErrorMessage != "" {
		fmt.Fprintf(&b, "\n%s\n", o.ErrorMessage)
	}
	if o.ErrorStack != "" {
		fmt.Fprintf(&b, "\n%s\n", dimStyle.Render(o.ErrorStack))
	}
	return b.String()
}

// Messages

type runsLoadedMsg struct {
	runs []*models.Run
	err  error
}

type runDetailMsg struct {
	run      *models.Run
	outcomes []models.Outcome
	err      error
}

type runCancelledMsg struct {
	runID string
	ok    bool
	err   error
}

type runDeletedMsg struct {
	runID string
	err   error
}

type subscribedMsg struct {
	runID       string
	ch          <-chan progress.Message
	unsubscribe func()
	err         error
}

type busMsg struct {
	runID  string
	ch     <-chan progress.Message
	msg    progress.Message
	closed bool
}

// Commands

func (a *App) loadRuns() tea.Msg {
	runs, err := a.backend.ListRuns(context.Background(), listLimit)
	return runsLoadedMsg{runs: runs, err: err}
}

func (a *App) loadRunDetail(id string) tea.Cmd {
	return func() tea.Msg {
		ctx := context.Background()
		run, err := a.backend.GetRun(ctx, id)
		if err != nil {
			return runDetailMsg{err: err}
		}
		outcomes, err := a.backend.ListOutcomes(ctx, id)
		return runDetailMsg{run: run, outcomes: outcomes, err: err}
	}
}

func (a *App) cancelRun(id string) tea.Cmd {
	return func() tea.Msg {
		ok, err := a.backend.CancelRun(context.Background(), id)
		return runCancelledMsg{runID: id, ok: ok, err: err}
	}
}

func (a *App) deleteRun(id string) tea.Cmd {
	return func() tea.Msg {
		return runDeletedMsg{runID: id, err: a.backend.DeleteRun(context.Background(), id)}
	}
}

func waitForMessage(runID string, ch <-chan progress.Message) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-ch
		return busMsg{runID: runID, ch: ch, msg: msg, closed: !ok}
	}
}

func shortID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func formatAge(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "now"
	case d < time.Hour:
		return fmt.Sprintf("%dm", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh", int(d.Hours()))
	default:
		return fmt.Sprintf("%dd", int(d.Hours()/24))
	}
}

func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		m := int(d.Minutes())
		s := int(d.Seconds()) % 60
		return fmt.Sprintf("%dm%ds", m, s)
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	return fmt.Sprintf("%dh%dm", h, m)
}
