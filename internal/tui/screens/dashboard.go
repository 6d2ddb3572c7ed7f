package screens

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/atelierkit/onmodel/internal/models"
	"github.com/atelierkit/onmodel/internal/repository"
	"github.com/atelierkit/onmodel/internal/workflow"
)

// staleGenerating is how long a task may sit in GENERATING before the
// dashboard flags it for operator triage. There is no automatic reset.
const staleGenerating = 15 * time.Minute

// statusFilters is the cycle order for the 'f' key. Empty means all.
var statusFilters = append([]models.Status{""}, models.AllStatuses...)

type Dashboard struct {
	db     *sql.DB
	orch   *workflow.Orchestrator
	width  int
	height int

	table       table.Model
	tasks       []models.Task
	selected    map[int64]bool
	filterIndex int
	loading     bool
	busy        bool
	notice      string
	err         error
}

func NewDashboard(db *sql.DB, orch *workflow.Orchestrator) *Dashboard {
	t := table.New(
		table.WithColumns([]table.Column{
			{Title: " ", Width: 3},
			{Title: "ID", Width: 5},
			{Title: "SKU", Width: 16},
			{Title: "Status", Width: 22},
			{Title: "Product", Width: 24},
			{Title: "Batch", Width: 12},
			{Title: "Updated", Width: 17},
		}),
		table.WithFocused(true),
	)

	return &Dashboard{
		db:       db,
		orch:     orch,
		table:    t,
		selected: make(map[int64]bool),
		loading:  true,
	}
}

func (d *Dashboard) SetSize(width, height int) {
	d.width = width
	d.height = height
	if height > 10 {
		d.table.SetHeight(height - 8)
	}
}

type tasksLoadedMsg struct {
	tasks []models.Task
	err   error
}

type bulkDoneMsg struct {
	action  string
	summary workflow.Summary
	err     error
}

func (d *Dashboard) Init() tea.Cmd {
	d.loading = true
	return d.loadTasks
}

func (d *Dashboard) loadTasks() tea.Msg {
	repo := repository.NewTaskRepo(d.db, slog.Default())
	tasks, err := repo.List(repository.Filter{Status: statusFilters[d.filterIndex]})
	return tasksLoadedMsg{tasks: tasks, err: err}
}

func (d *Dashboard) Update(msg tea.Msg) tea.Cmd {
	switch msg := msg.(type) {
	case tasksLoadedMsg:
		d.loading = false
		d.err = msg.err
		d.tasks = msg.tasks
		d.rebuildRows()
		return nil

	case bulkDoneMsg:
		d.busy = false
		if msg.err != nil {
			d.err = msg.err
		} else {
			d.notice = fmt.Sprintf("%s done (%s)", msg.action, msg.summary)
			d.selected = make(map[int64]bool)
		}
		return Refresh()

	case RefreshMsg:
		return d.Init()

	case tea.KeyMsg:
		if d.busy {
			return nil
		}
		switch msg.String() {
		case "f":
			d.filterIndex = (d.filterIndex + 1) % len(statusFilters)
			return d.Init()
		case " ":
			if id, ok := d.cursorTaskID(); ok {
				d.selected[id] = !d.selected[id]
				d.rebuildRows()
			}
			return nil
		case "g":
			return d.runBulk("bulk generate", func(ids []int64) (workflow.Summary, error) {
				return d.orch.BulkGenerateImages(context.Background(), ids)
			})
		case "x":
			return d.runBulk("delete", func(ids []int64) (workflow.Summary, error) {
				repo := repository.NewTaskRepo(d.db, slog.Default())
				if err := repo.Delete(ids); err != nil {
					return workflow.Summary{}, err
				}
				return workflow.Summary{Succeeded: len(ids)}, nil
			})
		case "c":
			return d.runBulk("complete", func(ids []int64) (workflow.Summary, error) {
				return d.orch.BulkUpdateStatus(ids, models.StatusCompleted)
			})
		case "r":
			return d.Init()
		}
	}

	var cmd tea.Cmd
	d.table, cmd = d.table.Update(msg)
	return cmd
}

func (d *Dashboard) runBulk(action string, fn func([]int64) (workflow.Summary, error)) tea.Cmd {
	ids := d.selectedIDs()
	if len(ids) == 0 {
		d.notice = "no tasks selected"
		return nil
	}
	d.busy = true
	d.notice = action + " running..."
	return func() tea.Msg {
		summary, err := fn(ids)
		return bulkDoneMsg{action: action, summary: summary, err: err}
	}
}

func (d *Dashboard) selectedIDs() []int64 {
	var ids []int64
	for _, t := range d.tasks {
		if d.selected[t.ID] {
			ids = append(ids, t.ID)
		}
	}
	return ids
}

func (d *Dashboard) cursorTaskID() (int64, bool) {
	row := d.table.SelectedRow()
	if row == nil {
		return 0, false
	}
	id, err := strconv.ParseInt(row[1], 10, 64)
	if err != nil {
		return 0, false
	}
	return id, true
}

func (d *Dashboard) rebuildRows() {
	rows := make([]table.Row, 0, len(d.tasks))
	for _, t := range d.tasks {
		mark := " "
		if d.selected[t.ID] {
			mark = "x"
		}
		rows = append(rows, table.Row{
			mark,
			strconv.FormatInt(t.ID, 10),
			t.ProductCode,
			d.formatStatus(t),
			t.ProductName,
			t.BatchID,
			t.UpdatedAt.Local().Format("Jan 02 15:04"),
		})
	}
	d.table.SetRows(rows)
}

func (d *Dashboard) formatStatus(t models.Task) string {
	s := string(t.Status)
	if t.Status == models.StatusGenerating && time.Since(t.UpdatedAt) > staleGenerating {
		s = WarningStyle.Render(s + " (stale)")
	}
	return s
}

func (d *Dashboard) View() string {
	var b strings.Builder

	b.WriteString(TitleStyle.Render("ONMODEL"))
	b.WriteString("\n")
	b.WriteString(SubtitleStyle.Render("On-Model Photo Pipeline"))
	b.WriteString("\n")

	filter := "all"
	if f := statusFilters[d.filterIndex]; f != "" {
		filter = string(f)
	}
	b.WriteString(DimStyle.Render("Filter: " + filter))
	b.WriteString("\n\n")

	if d.loading {
		b.WriteString("Loading...\n")
		return b.String()
	}

	if d.err != nil {
		b.WriteString(ErrorStyle.Render(fmt.Sprintf("Error: %v", d.err)))
		b.WriteString("\n")
	}

	if len(d.tasks) == 0 {
		b.WriteString(DimStyle.Render("No tasks. Use 'onmodel new' to create one."))
		b.WriteString("\n")
	} else {
		b.WriteString(d.table.View())
		b.WriteString("\n")
	}

	if d.notice != "" {
		b.WriteString(SuccessStyle.Render(d.notice))
		b.WriteString("\n")
	}

	help := "[space] Select  [g] Generate  [c] Complete  [x] Delete  [f] Filter  [r] Refresh  [q] Quit"
	b.WriteString(HelpStyle.Render(help))

	return b.String()
}
