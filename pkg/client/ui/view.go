package ui

import (
	"fmt"
	"strings"
	"time"

	"github.com/aeolun/cipherchat/pkg/client"
	"github.com/charmbracelet/lipgloss"
)

// View renders the current state
func (m Model) View() string {
	// Don't render until we have dimensions
	if m.width == 0 || m.height == 0 {
		return "Loading..."
	}

	if m.connectionState == StateReconnecting {
		return m.renderReconnectingOverlay()
	}
	if m.showHelp {
		return m.renderHelp()
	}

	var s strings.Builder
	s.WriteString(m.renderHeader())
	s.WriteString("\n")

	messages := MessagePaneStyle.Render(m.viewport.View())
	users := UserPaneStyle.
		Width(userPaneWidth).
		Height(m.viewport.Height).
		Render(m.buildUserPaneContent())
	s.WriteString(lipgloss.JoinHorizontal(lipgloss.Top, messages, users))
	s.WriteString("\n")

	s.WriteString(TypingStyle.Render(m.typingLabel))
	s.WriteString("\n")
	s.WriteString(InputStyle.Width(max(m.width-4, 10)).Render(m.input.View()))
	s.WriteString("\n")
	s.WriteString(m.renderStatusLine())

	return s.String()
}

// renderHeader renders the title bar with connection details
func (m Model) renderHeader() string {
	title := HeaderStyle.Render("cipherchat")

	var state string
	switch m.connectionState {
	case StateConnecting:
		state = WarningStyle.Render("connecting to " + m.opts.Address)
	case StateConnected:
		state = SuccessStyle.Render("● " + m.opts.Address)
	case StateDisconnected:
		state = ErrorStyle.Render("⚠ CONNECTION LOST (/connect <address> to retry)")
	}

	identity := ""
	if m.username != "" {
		identity = StatusStyle.Render("as " + m.username)
	}

	return lipgloss.JoinHorizontal(lipgloss.Top, title, " ", state, " ", identity)
}

// renderStatusLine renders errors, status messages or the shortcut hints
func (m Model) renderStatusLine() string {
	switch {
	case m.errorMessage != "":
		return FooterStyle.Render(RenderError(m.errorMessage))
	case m.statusMessage != "":
		return FooterStyle.Render(m.statusMessage)
	}
	return FooterStyle.Render(strings.Join([]string{
		RenderShortcut("enter", "send"),
		RenderShortcut("?", "help"),
		RenderShortcut("pgup/pgdn", "scroll"),
		RenderShortcut("ctrl+c", "quit"),
	}, "  "))
}

// buildMessageContent renders the scrollback
func (m Model) buildMessageContent() string {
	if len(m.lines) == 0 {
		return MutedTextStyle.Render("No messages yet.")
	}

	now := m.now()
	rendered := make([]string, 0, len(m.lines))
	for _, l := range m.lines {
		switch l.kind {
		case lineNotice:
			if warning, ok := strings.CutPrefix(l.text, "Warning: "); ok {
				rendered = append(rendered, RenderWarning(warning))
				continue
			}
			rendered = append(rendered, NoticeStyle.Render("-- "+l.text))
		default:
			rendered = append(rendered, m.renderMessage(l.message, now))
		}
	}
	return lipgloss.NewStyle().Width(m.viewport.Width).Render(strings.Join(rendered, "\n"))
}

// renderMessage renders one chat line
func (m Model) renderMessage(msg client.MessageReceived, now time.Time) string {
	var b strings.Builder

	if m.opts.ShowTimestamps && !msg.Timestamp.IsZero() {
		b.WriteString(MessageTimeStyle.Render(client.FormatTimestamp(msg.Timestamp, now, m.opts.TimestampFormat)))
		b.WriteString(" ")
	}

	authorStyle := MessageAuthorStyle
	if msg.From == m.username {
		authorStyle = MessageOwnAuthorStyle
	}

	if msg.Private {
		var label string
		if msg.To != "" {
			label = fmt.Sprintf("[%s → %s]", msg.From, msg.To)
		} else {
			label = fmt.Sprintf("[%s]", msg.From)
		}
		b.WriteString(MessagePrivateStyle.Render(label))
	} else {
		b.WriteString(authorStyle.Render(msg.From + ":"))
	}
	b.WriteString(" ")
	b.WriteString(MessageContentStyle.Render(msg.Text))
	return b.String()
}

// buildUserPaneContent renders the online user list
func (m Model) buildUserPaneContent() string {
	var b strings.Builder
	b.WriteString(UserTitleStyle.Render(fmt.Sprintf("Online (%d)", len(m.users))))
	for _, u := range m.users {
		b.WriteString("\n")
		name := u
		if m.knownKeys[u] {
			name += " 🔑"
		}
		if u == m.username {
			b.WriteString(UserSelfStyle.Render(name))
		} else {
			b.WriteString(UserItemStyle.Render(name))
		}
	}
	return b.String()
}

// renderHelp renders the help overlay
func (m Model) renderHelp() string {
	rows := [][2]string{
		{"<text>", "Send a message to everyone"},
		{"/msg <user> <text>", "Send an end-to-end encrypted message"},
		{"/key <user>", "Fetch a user's public key"},
		{"/nick <name>", "Rejoin under another name"},
		{"/connect <address>", "Switch relay (tcp, ws://, ssh://)"},
		{"/disconnect", "Leave the relay"},
		{"/users", "List who is online"},
		{"/quit", "Quit"},
		{"pgup / pgdn", "Scroll messages"},
		{"esc", "Close help, clear errors"},
	}

	var b strings.Builder
	b.WriteString(ModalTitleStyle.Render("Commands"))
	b.WriteString("\n")
	for _, row := range rows {
		b.WriteString(HelpKeyStyle.Render(row[0]))
		b.WriteString(HelpDescStyle.Render(row[1]))
		b.WriteString("\n")
	}
	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, ModalStyle.Render(b.String()))
}

// renderReconnectingOverlay renders a full-screen overlay when reconnecting
func (m Model) renderReconnectingOverlay() string {
	title := lipgloss.NewStyle().
		Bold(true).
		Foreground(WarningColor).
		Align(lipgloss.Center).
		MarginBottom(2).
		Render("RECONNECTING...")

	message := lipgloss.NewStyle().
		Foreground(lipgloss.Color("252")).
		Align(lipgloss.Center).
		MarginBottom(1).
		Render(fmt.Sprintf("Attempt %d", m.reconnectAttempt))

	hint := MutedTextStyle.
		Align(lipgloss.Center).
		Render("Press Ctrl+C to quit")

	box := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(WarningColor).
		Padding(1, 3).
		Render(lipgloss.JoinVertical(lipgloss.Center, title, message, m.opts.Address, hint))

	return lipgloss.Place(m.width, m.height, lipgloss.Center, lipgloss.Center, box)
}
