package client

import (
	"errors"
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

var (
	configErrorBox = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("196")).
			Padding(1, 2)
	configErrorTitle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	configErrorHint  = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

// ConfigErrorHandler shows a broken config file and offers to reset it
type ConfigErrorHandler struct {
	err        *ConfigError
	configPath string
	width      int
	height     int
	status     string
}

// NewConfigErrorHandler creates a new config error handler
func NewConfigErrorHandler(configPath string, err *ConfigError) *ConfigErrorHandler {
	return &ConfigErrorHandler{
		err:        err,
		configPath: configPath,
		width:      80,
		height:     24,
	}
}

func (h *ConfigErrorHandler) Init() tea.Cmd {
	return nil
}

func (h *ConfigErrorHandler) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		h.width = msg.Width
		h.height = msg.Height
		return h, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "r":
			return h, h.handleReset(false)
		case "b":
			return h, h.handleReset(true)
		case "q", "esc", "ctrl+c":
			return h, tea.Quit
		}

	case resetCompleteMsg:
		h.status = "✓ Configuration reset to defaults. Restart the client to continue."
		return h, tea.Quit

	case resetErrorMsg:
		h.status = fmt.Sprintf("✗ Failed to reset config: %v", msg.err)
		return h, tea.Quit
	}

	return h, nil
}

func (h *ConfigErrorHandler) View() string {
	var b strings.Builder
	b.WriteString(configErrorTitle.Render("Configuration error"))
	b.WriteString("\n\n")
	b.WriteString(h.err.Path)
	if h.err.LineNumber > 0 {
		fmt.Fprintf(&b, " (line %d)", h.err.LineNumber)
	}
	b.WriteString("\n\n")
	b.WriteString(h.err.Message)
	b.WriteString("\n\n")
	if h.status != "" {
		b.WriteString(h.status)
	} else {
		b.WriteString(configErrorHint.Render("[r] reset to defaults  [b] back up and reset  [q] quit"))
	}

	box := configErrorBox.Width(min(h.width-4, 76)).Render(b.String())
	return lipgloss.Place(h.width, h.height, lipgloss.Center, lipgloss.Center, box)
}

func (h *ConfigErrorHandler) handleReset(backup bool) tea.Cmd {
	return func() tea.Msg {
		if err := ResetConfigToDefault(h.configPath, backup); err != nil {
			return resetErrorMsg{err: err}
		}
		return resetCompleteMsg{}
	}
}

type resetCompleteMsg struct{}
type resetErrorMsg struct{ err error }

// HandleConfigError shows a TUI for handling config errors.
// Returns true if the error was handled and the program should exit.
func HandleConfigError(configPath string, err error) bool {
	var configErr *ConfigError
	if !errors.As(err, &configErr) {
		return false
	}

	handler := NewConfigErrorHandler(configPath, configErr)
	final, runErr := tea.NewProgram(handler).Run()
	if runErr != nil {
		fmt.Printf("Error displaying config error: %v\n", runErr)
		return true
	}
	if h, ok := final.(*ConfigErrorHandler); ok && h.status != "" {
		fmt.Println(h.status)
	}
	return true
}
