package ui

import (
	"github.com/charmbracelet/lipgloss"
)

var (
	PrimaryColor   = lipgloss.Color("39")  // blue
	SecondaryColor = lipgloss.Color("213") // pink
	SuccessColor   = lipgloss.Color("42")
	ErrorColor     = lipgloss.Color("196")
	WarningColor   = lipgloss.Color("214")
	MutedColor     = lipgloss.Color("243")
	BorderColor    = lipgloss.Color("238")
	PrivateColor   = lipgloss.Color("141") // purple
	TextColor      = lipgloss.Color("252")
)

// fg is a plain style in color c
func fg(c lipgloss.Color) lipgloss.Style {
	return lipgloss.NewStyle().Foreground(c)
}

// boxed is a rounded, padded pane with a border in color c
func boxed(c lipgloss.Color) lipgloss.Style {
	return lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(c).Padding(0, 1)
}

var (
	HeaderStyle = fg(PrimaryColor).Bold(true).Padding(0, 1)
	StatusStyle = fg(MutedColor).Padding(0, 1)
	FooterStyle = StatusStyle

	MessagePaneStyle = boxed(BorderColor)
	UserPaneStyle    = boxed(BorderColor)
	InputStyle       = boxed(PrimaryColor)

	UserTitleStyle = fg(PrimaryColor).Bold(true)
	UserItemStyle  = fg(TextColor)
	UserSelfStyle  = fg(SuccessColor).Bold(true)

	MessageAuthorStyle    = fg(SecondaryColor)
	MessageOwnAuthorStyle = fg(SuccessColor).Bold(true)
	MessagePrivateStyle   = fg(PrivateColor).Bold(true)
	MessageTimeStyle      = fg(MutedColor).Italic(true)
	MessageContentStyle   = fg(TextColor)
	NoticeStyle           = fg(MutedColor).Italic(true)
	TypingStyle           = NoticeStyle.Padding(0, 1)

	// Width is the content width; the border adds two columns
	ModalStyle = lipgloss.NewStyle().
			Border(lipgloss.DoubleBorder()).
			BorderForeground(PrimaryColor).
			Padding(1, 2).
			Width(58)
	ModalTitleStyle = fg(PrimaryColor).Bold(true).MarginBottom(1)

	HelpKeyStyle  = fg(PrimaryColor).Bold(true).Width(22)
	HelpDescStyle = fg(TextColor)

	ShortcutKeyStyle  = fg(PrimaryColor).Bold(true)
	ShortcutDescStyle = fg(TextColor)

	ErrorStyle     = fg(ErrorColor).Bold(true)
	SuccessStyle   = fg(SuccessColor).Bold(true)
	WarningStyle   = fg(WarningColor).Bold(true)
	MutedTextStyle = fg(MutedColor)
)

// RenderShortcut renders "[key] desc" for the footer and help
func RenderShortcut(key, desc string) string {
	return ShortcutKeyStyle.Render("["+key+"]") + " " + ShortcutDescStyle.Render(desc)
}

func RenderError(msg string) string   { return ErrorStyle.Render("✗ " + msg) }
func RenderSuccess(msg string) string { return SuccessStyle.Render("✓ " + msg) }
func RenderWarning(msg string) string { return WarningStyle.Render("⚠ " + msg) }
