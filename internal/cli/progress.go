package cli

import (
	"context"
	"fmt"
	"strings"
	"time"

	"charm.land/bubbles/v2/progress"
	tea "charm.land/bubbletea/v2"
	"github.com/charmbracelet/lipgloss"

	"github.com/raphaelgruber/knowhow-ingest/internal/client"
	"github.com/raphaelgruber/knowhow-ingest/internal/models"
)

const pollInterval = time.Second

// Theme holds the color scheme for the progress display.
type Theme struct {
	Status     lipgloss.Color
	Success    lipgloss.Color
	Error      lipgloss.Color
	Hint       lipgloss.Color
	ProgressBg lipgloss.Color
}

// defaultTheme provides default colors.
var defaultTheme = Theme{
	Status:     lipgloss.Color("#5FAFD7"), // light blue
	Success:    lipgloss.Color("#00D787"), // green
	Error:      lipgloss.Color("#FF005F"), // red
	Hint:       lipgloss.Color("#6C6C6C"), // dim gray
	ProgressBg: lipgloss.Color("#3A3A3A"), // dark gray
}

func (t Theme) statusStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Status)
}

func (t Theme) completedStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Success).Bold(true)
}

func (t Theme) errorStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Error).Bold(true)
}

func (t Theme) hintStyle() lipgloss.Style {
	return lipgloss.NewStyle().Foreground(t.Hint).Italic(true)
}

// tickMsg triggers polling the batch status
type tickMsg time.Time

// batchUpdateMsg carries the updated batch
type batchUpdateMsg struct {
	batch *models.Batch
	err   error
}

// progressModel is the bubbletea model for batch progress.
type progressModel struct {
	client   *client.Client
	batchID  string
	batch    *models.Batch
	progress progress.Model
	theme    Theme
	done     bool
	quitting bool
	err      error
}

func newProgressModel(c *client.Client, batchID string) progressModel {
	prog := progress.New(
		progress.WithDefaultBlend(),
		progress.WithWidth(40),
	)

	return progressModel{
		client:   c,
		batchID:  batchID,
		progress: prog,
		theme:    defaultTheme,
	}
}

// Init fetches immediately and starts the progress bar.
func (m progressModel) Init() tea.Cmd {
	return tea.Batch(
		m.fetchBatch(),
		m.progress.Init(),
	)
}

// Update handles messages and returns the updated model.
func (m progressModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyPressMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			m.quitting = true
			return m, tea.Quit
		}

	case tickMsg:
		return m, m.fetchBatch()

	case batchUpdateMsg:
		if msg.err != nil {
			m.err = fmt.Errorf("failed to fetch batch status: %w", msg.err)
			m.done = true
			return m, tea.Quit
		}

		m.batch = msg.batch

		switch m.batch.Status {
		case models.StatusCompleted, models.StatusCancelled:
			m.done = true
			return m, tea.Quit
		case models.StatusFailed:
			m.done = true
			m.err = fmt.Errorf("%d of %d items failed", m.batch.FailedCount, m.batch.TotalItems)
			return m, tea.Quit
		}

		return m, tickCmd()

	case progress.FrameMsg:
		var cmd tea.Cmd
		m.progress, cmd = m.progress.Update(msg)
		return m, cmd
	}

	return m, nil
}

// View renders the progress display.
func (m progressModel) View() tea.View {
	return tea.NewView(m.renderContent())
}

func (m progressModel) renderContent() string {
	if m.done {
		return m.finalView()
	}

	if m.batch == nil {
		return "Loading batch status...\n"
	}

	b := m.batch
	var pct float64
	if b.TotalItems > 0 {
		pct = float64(b.CompletedCount+b.FailedCount) / float64(b.TotalItems)
	}

	status := m.theme.statusStyle().Render(fmt.Sprintf("[%s]", b.Status))
	progressBar := m.progress.ViewAs(pct)
	counts := fmt.Sprintf("%d/%d items", b.CompletedCount+b.FailedCount, b.TotalItems)
	if b.FailedCount > 0 {
		counts += m.theme.errorStyle().Render(fmt.Sprintf(" (%d failed)", b.FailedCount))
	}

	hint := m.theme.hintStyle().Render("Press Ctrl+C to stop watching; the batch keeps running")

	return fmt.Sprintf("%s %s %s\n%s\n", status, progressBar, counts, hint)
}

func (m progressModel) finalView() string {
	if m.quitting {
		msg := fmt.Sprintf("\nBatch %s continues in background.\nUse 'knowhow-queue batch %s' to check status.\n",
			m.batchID, m.batchID)
		return m.theme.hintStyle().Render(msg)
	}

	if m.err != nil {
		var out strings.Builder
		out.WriteString(m.theme.errorStyle().Render(fmt.Sprintf("\n✗ Batch failed: %s\n", m.err)))
		if m.batch != nil && m.batch.FailedCount > 0 {
			out.WriteString(m.theme.hintStyle().Render("Use 'knowhow-queue review' to inspect failed items.\n"))
		}
		return out.String()
	}

	if m.batch != nil && m.batch.Status == models.StatusCancelled {
		return m.theme.hintStyle().Render(fmt.Sprintf("Batch %s was cancelled.\n", m.batchID))
	}

	if m.batch != nil {
		return m.theme.completedStyle().Render("✓ Completed") +
			fmt.Sprintf("\n\n  Items ingested: %d\n", m.batch.CompletedCount)
	}
	return m.theme.completedStyle().Render("✓ Completed\n")
}

// fetchBatch fetches the current batch status from the server.
// Runs in a separate goroutine (command) to avoid blocking Update().
func (m progressModel) fetchBatch() tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		batch, err := m.client.GetBatch(ctx, m.batchID)
		return batchUpdateMsg{batch: batch, err: err}
	}
}

// tickCmd returns a command that sends a tick after the poll interval.
func tickCmd() tea.Cmd {
	return tea.Tick(pollInterval, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// RunBatchProgress runs the interactive progress UI for a batch.
// Returns nil on success or Ctrl+C (background), error when items failed.
func RunBatchProgress(c *client.Client, batchID string) error {
	model := newProgressModel(c, batchID)
	p := tea.NewProgram(model)

	finalModel, err := p.Run()
	if err != nil {
		return fmt.Errorf("progress UI error: %w", err)
	}

	if m, ok := finalModel.(progressModel); ok {
		// If user quit with Ctrl+C, batch continues in background - not an error
		if m.quitting {
			return nil
		}
		if m.err != nil {
			return m.err
		}
	}

	return nil
}
