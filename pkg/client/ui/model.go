package ui

import (
	"time"

	"github.com/aeolun/cipherchat/pkg/client"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/gen2brain/beeep"
)

// maxScrollback bounds the number of chat lines kept in memory
const maxScrollback = 1000

// ConnectionState represents the connection status
type ConnectionState int

const (
	StateConnecting ConnectionState = iota
	StateConnected
	StateDisconnected
	StateReconnecting
)

// SessionInterface is the part of client.Session the UI drives
type SessionInterface interface {
	Events() <-chan client.Event
	Submit(cmd client.Command) error
}

var _ SessionInterface = (*client.Session)(nil)

// Options configures presentation details taken from the client config
type Options struct {
	Address         string
	Username        string
	ShowTimestamps  bool
	TimestampFormat string
	Notifications   bool
}

// lineKind distinguishes how a scrollback line is rendered
type lineKind int

const (
	lineMessage lineKind = iota
	lineNotice
)

type line struct {
	kind    lineKind
	message client.MessageReceived
	text    string
}

// Model represents the application state
type Model struct {
	session SessionInterface
	opts    Options

	connectionState  ConnectionState
	reconnectAttempt int
	username         string
	registered       bool

	lines       []line
	users       []string
	typingLabel string
	knownKeys   map[string]bool

	width    int
	height   int
	input    textinput.Model
	viewport viewport.Model
	ready    bool
	showHelp bool

	errorMessage  string
	statusMessage string

	sessionClosed bool

	now    func() time.Time
	notify func(title, message string) error
}

// EventMsg wraps a session event for the bubbletea loop
type EventMsg struct {
	Event client.Event
}

// SessionClosedMsg is sent once the session's event stream ends
type SessionClosedMsg struct{}

// SubmitErrorMsg reports a command the session refused
type SubmitErrorMsg struct {
	Err error
}

// NewModel creates a new application model
func NewModel(session SessionInterface, opts Options) Model {
	input := textinput.New()
	input.Placeholder = "Type a message, /msg <user> <text> for a private one, /help for more"
	input.Prompt = "> "
	input.CharLimit = 4000
	input.Focus()

	return Model{
		session:         session,
		opts:            opts,
		connectionState: StateConnecting,
		username:        opts.Username,
		knownKeys:       make(map[string]bool),
		input:           input,
		now:             time.Now,
		notify: func(title, message string) error {
			return beeep.Notify(title, message, "")
		},
	}
}

// Init initializes the model
func (m Model) Init() tea.Cmd {
	return tea.Batch(
		textinput.Blink,
		listenForEvents(m.session),
		m.submit(client.Connect{Address: m.opts.Address, Username: m.opts.Username}),
	)
}

// listenForEvents waits for the next session event
func listenForEvents(session SessionInterface) tea.Cmd {
	return func() tea.Msg {
		ev, ok := <-session.Events()
		if !ok {
			return SessionClosedMsg{}
		}
		return EventMsg{Event: ev}
	}
}

// submit hands a command to the session off the UI goroutine
func (m Model) submit(cmd client.Command) tea.Cmd {
	session := m.session
	return func() tea.Msg {
		if err := session.Submit(cmd); err != nil {
			return SubmitErrorMsg{Err: err}
		}
		return nil
	}
}

// Users returns the current user list in join order
func (m Model) Users() []string {
	return m.users
}

// Username returns the name this client joined as
func (m Model) Username() string {
	return m.username
}

func (m *Model) appendLine(l line) {
	m.lines = append(m.lines, l)
	if len(m.lines) > maxScrollback {
		m.lines = m.lines[len(m.lines)-maxScrollback:]
	}
	m.refreshViewport()
}

func (m *Model) refreshViewport() {
	if !m.ready {
		return
	}
	atBottom := m.viewport.AtBottom()
	m.viewport.SetContent(m.buildMessageContent())
	if atBottom {
		m.viewport.GotoBottom()
	}
}
