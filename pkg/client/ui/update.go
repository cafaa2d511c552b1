package ui

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aeolun/cipherchat/pkg/client"
	"github.com/aeolun/cipherchat/pkg/protocol"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
)

// userPaneWidth is the content width of the user list pane
const userPaneWidth = 18

// Update handles messages and updates the model
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return m.handleKeyPress(msg)

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

		vpWidth, vpHeight := m.messagePaneSize()
		if !m.ready {
			m.viewport = viewport.New(vpWidth, vpHeight)
			m.ready = true
		} else {
			m.viewport.Width = vpWidth
			m.viewport.Height = vpHeight
		}
		m.input.Width = max(msg.Width-8, 10)
		m.viewport.SetContent(m.buildMessageContent())
		m.viewport.GotoBottom()
		return m, nil

	case EventMsg:
		cmd := m.handleEvent(msg.Event)
		return m, tea.Batch(cmd, listenForEvents(m.session))

	case SessionClosedMsg:
		m.sessionClosed = true
		return m, tea.Quit

	case SubmitErrorMsg:
		m.errorMessage = msg.Err.Error()
		return m, nil
	}

	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	return m, cmd
}

// messagePaneSize computes the viewport dimensions for the current window
func (m Model) messagePaneSize() (int, int) {
	// user pane + two bordered, padded panes
	width := m.width - userPaneWidth - 8
	// header, typing line, input box (3), status line, pane border (2)
	height := m.height - 7
	return max(width, 10), max(height, 3)
}

// handleKeyPress handles keyboard input
func (m Model) handleKeyPress(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "ctrl+c":
		return m, tea.Quit
	case "esc":
		if m.showHelp {
			m.showHelp = false
			return m, nil
		}
		m.errorMessage = ""
		m.statusMessage = ""
		return m, nil
	case "?":
		if m.input.Value() == "" {
			m.showHelp = !m.showHelp
			return m, nil
		}
	case "pgup", "pgdown":
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	case "enter":
		value := m.input.Value()
		m.input.SetValue("")
		return m.handleInput(value)
	}

	if m.showHelp {
		return m, nil
	}

	before := m.input.Value()
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	if after := m.input.Value(); after != before && m.registered && !strings.HasPrefix(after, "/") {
		return m, tea.Batch(cmd, m.submit(client.SetTyping{Input: after}))
	}
	return m, cmd
}

// handleInput turns a submitted input line into session commands
func (m Model) handleInput(value string) (tea.Model, tea.Cmd) {
	text := strings.TrimSpace(value)
	if text == "" {
		return m, nil
	}
	m.errorMessage = ""

	if !strings.HasPrefix(text, "/") {
		return m, m.submit(client.SendPublic{Text: value})
	}

	name, args, _ := strings.Cut(text[1:], " ")
	args = strings.TrimSpace(args)

	switch strings.ToLower(name) {
	case "msg", "m":
		recipient, body, ok := strings.Cut(args, " ")
		if !ok || strings.TrimSpace(body) == "" {
			m.errorMessage = "Usage: /msg <user> <text>"
			return m, nil
		}
		return m, m.submit(client.SendPrivate{Recipient: recipient, Text: strings.TrimSpace(body)})

	case "key":
		if args == "" {
			m.errorMessage = "Usage: /key <user>"
			return m, nil
		}
		m.statusMessage = "Requesting key from " + args
		return m, m.submit(client.RequestKey{Target: args})

	case "nick":
		if args == "" {
			m.errorMessage = "Usage: /nick <name>"
			return m, nil
		}
		m.username = args
		m.opts.Username = args
		return m, m.reconnect()

	case "connect":
		if args == "" {
			m.errorMessage = "Usage: /connect <address>"
			return m, nil
		}
		m.opts.Address = args
		return m, m.reconnect()

	case "disconnect":
		return m, m.submit(client.Disconnect{})

	case "users":
		m.appendLine(line{kind: lineNotice, text: fmt.Sprintf("%d online: %s", len(m.users), strings.Join(m.users, ", "))})
		return m, nil

	case "help":
		m.showHelp = true
		return m, nil

	case "quit", "q":
		return m, tea.Quit
	}

	m.errorMessage = fmt.Sprintf("Unknown command /%s (try /help)", name)
	return m, nil
}

// reconnect leaves the relay and joins again with the current options.
// Both commands go through one goroutine so the session sees them in order.
func (m Model) reconnect() tea.Cmd {
	session := m.session
	connect := client.Connect{Address: m.opts.Address, Username: m.opts.Username}
	return func() tea.Msg {
		if err := session.Submit(client.Disconnect{}); err != nil {
			return SubmitErrorMsg{Err: err}
		}
		if err := session.Submit(connect); err != nil {
			return SubmitErrorMsg{Err: err}
		}
		return nil
	}
}

// handleEvent folds a session event into the model
func (m *Model) handleEvent(ev client.Event) tea.Cmd {
	switch e := ev.(type) {
	case client.MessageReceived:
		m.appendLine(line{kind: lineMessage, message: e})
		if e.Private && e.From != m.username && m.opts.Notifications {
			return m.notifyCmd("Private message from "+e.From, e.Text)
		}

	case client.UserListChanged:
		m.users = e.Users

	case client.TypingChanged:
		m.typingLabel = e.Label

	case client.KeyReceived:
		m.knownKeys[e.Username] = true
		m.statusMessage = "Key received from " + e.Username

	case client.HistoryReceived:
		for _, l := range historyLines(e.UserMessages) {
			m.appendLine(l)
		}

	case client.SettingsReceived:
		m.registered = true
		if e.Username != "" {
			m.username = e.Username
		}
		m.statusMessage = RenderSuccess("Joined as " + m.username)

	case client.NoticeReceived:
		m.appendLine(line{kind: lineNotice, text: e.Text})

	case client.LocalError:
		m.errorMessage = e.Err.Error()
		var serverErr *client.ServerError
		if errors.As(e.Err, &serverErr) && serverErr.Code == protocol.ErrCodeUsernameTaken {
			m.errorMessage = fmt.Sprintf("Username %q is taken. Use /nick <name> to pick another.", m.username)
		}

	case client.ConnectionChanged:
		switch e.State {
		case client.StateTypeConnected:
			m.connectionState = StateConnected
			m.reconnectAttempt = 0
			m.opts.Address = e.Address
		case client.StateTypeDisconnected:
			m.connectionState = StateDisconnected
			m.registered = false
			m.users = nil
			m.typingLabel = ""
		case client.StateTypeReconnecting:
			m.connectionState = StateReconnecting
			m.reconnectAttempt = e.Attempt
		}
	}
	return nil
}

// notifyCmd raises a desktop notification without blocking the UI
func (m Model) notifyCmd(title, message string) tea.Cmd {
	notify := m.notify
	return func() tea.Msg {
		if notify != nil {
			_ = notify(title, message)
		}
		return nil
	}
}

// historyLines flattens the per-author history snapshot into chat lines
// ordered by timestamp
func historyLines(byUser map[string][]protocol.HistoryRecord) []line {
	var lines []line
	for _, records := range byUser {
		for _, r := range records {
			at, err := time.ParseInLocation(protocol.HistoryTimeLayout, r.Timestamp, time.UTC)
			if err != nil {
				at = time.Time{}
			}
			lines = append(lines, line{
				kind: lineMessage,
				message: client.MessageReceived{
					From:      r.Username,
					Text:      r.Message,
					Private:   r.IsPrivate,
					Timestamp: at,
				},
			})
		}
	}
	sort.SliceStable(lines, func(i, j int) bool {
		return lines[i].message.Timestamp.Before(lines[j].message.Timestamp)
	})
	return lines
}
