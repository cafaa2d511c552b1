package protocol

import (
	"fmt"
	"strings"
)

// Legacy plain-text command prefixes
const (
	LegacyUsernamePrefix      = "USERNAME:"
	LegacyTypingPrefix        = "TYPING:"
	LegacyStoppedTypingPrefix = "STOPPED_TYPING:"
	legacyTextSeparator       = ": "
)

// ParseLegacy normalizes a legacy plain-text line into the same envelopes the
// JSON form produces. Lines that are neither commands nor "<name>: <text>"
// are server notices.
func ParseLegacy(line string) (Envelope, error) {
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return nil, fmt.Errorf("%w: empty legacy line", ErrMalformedEnvelope)
	}

	switch {
	case strings.HasPrefix(line, LegacyUsernamePrefix):
		name := line[len(LegacyUsernamePrefix):]
		if name == "" {
			return nil, fmt.Errorf("%w: USERNAME without a name", ErrMalformedEnvelope)
		}
		return &UsernameAnnounce{Username: name}, nil

	case strings.HasPrefix(line, LegacyStoppedTypingPrefix):
		name := line[len(LegacyStoppedTypingPrefix):]
		if name == "" {
			return nil, fmt.Errorf("%w: STOPPED_TYPING without a name", ErrMalformedEnvelope)
		}
		return &Typing{Username: name, IsTyping: false}, nil

	case strings.HasPrefix(line, LegacyTypingPrefix):
		name := line[len(LegacyTypingPrefix):]
		if name == "" {
			return nil, fmt.Errorf("%w: TYPING without a name", ErrMalformedEnvelope)
		}
		return &Typing{Username: name, IsTyping: true}, nil
	}

	if name, text, ok := strings.Cut(line, legacyTextSeparator); ok && name != "" {
		return &PublicText{Username: name, Message: text}, nil
	}

	return &Notice{Message: line}, nil
}

// FormatLegacy renders env in the legacy plain-text form. Only the kinds the
// legacy protocol had a text form for are supported.
func FormatLegacy(env Envelope) (string, error) {
	switch m := env.(type) {
	case *UsernameAnnounce:
		return LegacyUsernamePrefix + m.Username, nil
	case *Typing:
		if m.IsTyping {
			return LegacyTypingPrefix + m.Username, nil
		}
		return LegacyStoppedTypingPrefix + m.Username, nil
	case *PublicText:
		return m.Render(), nil
	case *Notice:
		return m.Message, nil
	default:
		return "", fmt.Errorf("%w: %s has no legacy text form", ErrUnknownKind, env.Kind())
	}
}
