// ABOUTME: Formatting utilities for the terminal client
// ABOUTME: Traffic counters, timestamps and chat lines as users see them
package client

import (
	"fmt"
	"time"
)

// FormatBytes formats bytes into human-readable form (B, KB, MB, etc.)
func FormatBytes(bytes uint64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%dB", bytes)
	}
	div, exp := uint64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f%cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// FormatRelativeTime formats a timestamp relative to now
// Returns strings like "just now", "5m ago", "2h ago", "3d ago"
func FormatRelativeTime(t, now time.Time) string {
	diff := now.Sub(t)

	switch {
	case diff < time.Minute:
		return "just now"
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	}
}

// FormatTimestamp renders t in the configured style ("relative" or "absolute")
func FormatTimestamp(t, now time.Time, style string) string {
	if style == "relative" {
		return FormatRelativeTime(t, now)
	}
	if t.Local().YearDay() == now.Local().YearDay() && t.Year() == now.Year() {
		return t.Local().Format("15:04")
	}
	return t.Local().Format("Jan 2 15:04")
}

// FormatMessage renders a chat line: "alice: hi" for public messages,
// "[alice → bob] hi" for private ones
func FormatMessage(m MessageReceived) string {
	if m.Private {
		return fmt.Sprintf("[%s → %s] %s", m.From, m.To, m.Text)
	}
	return m.From + ": " + m.Text
}
