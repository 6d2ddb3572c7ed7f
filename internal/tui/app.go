package tui

import (
	"database/sql"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/atelierkit/onmodel/internal/tui/screens"
	"github.com/atelierkit/onmodel/internal/workflow"
)

type App struct {
	db     *sql.DB
	width  int
	height int

	dashboard *screens.Dashboard
}

func NewApp(db *sql.DB, orch *workflow.Orchestrator) *App {
	return &App{
		db:        db,
		dashboard: screens.NewDashboard(db, orch),
	}
}

func (a *App) Init() tea.Cmd {
	return a.dashboard.Init()
}

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return a, tea.Quit
		}

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.dashboard.SetSize(msg.Width, msg.Height)
	}

	return a, a.dashboard.Update(msg)
}

func (a *App) View() string {
	return lipgloss.NewStyle().
		Width(a.width).
		Height(a.height).
		Render(a.dashboard.View())
}

func Run(db *sql.DB, orch *workflow.Orchestrator) error {
	app := NewApp(db, orch)
	p := tea.NewProgram(app, tea.WithAltScreen())
	_, err := p.Run()
	return err
}
