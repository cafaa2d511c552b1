package protocol

import (
	"time"
)

// Kind identifies an envelope variant. The numeric value is also the frame Type.
type Kind uint8

// Envelope kinds
const (
	KindUsernameAnnounce Kind = 0x01
	KindPublicText       Kind = 0x02
	KindTypingStart      Kind = 0x03
	KindTypingStop       Kind = 0x04
	KindUserList         Kind = 0x05
	KindHistory          Kind = 0x06
	KindKeyRequest       Kind = 0x07
	KindKeyResponse      Kind = 0x08
	KindPrivateMessage   Kind = 0x09
	KindSettings         Kind = 0x0A
	KindNotice           Kind = 0x0B
	KindError            Kind = 0x0C
)

// TypeLegacyText is the frame type for a plain-text line in the legacy
// command/chat format (USERNAME:, TYPING:, STOPPED_TYPING:, "<name>: <text>").
const TypeLegacyText = 0x7F

// Error codes carried by the Error envelope
const (
	// Protocol errors (1xxx)
	ErrCodeInvalidFormat = 1000

	// Handshake errors (2xxx)
	ErrCodeHandshakeRequired = 2000
	ErrCodeAlreadyRegistered = 2001

	// Validation errors (6xxx)
	ErrCodeUsernameTaken   = 6002
	ErrCodeInvalidUsername = 6003

	// Server errors (9xxx)
	ErrCodeInternalError = 9000
)

// HistoryTimeLayout is the timestamp format used in history records, in UTC
const HistoryTimeLayout = "2006-01-02 15:04:05"

// Envelope is one self-contained protocol message
type Envelope interface {
	Kind() Kind
}

// UsernameAnnounce is the handshake: the client binds its connection to a name
type UsernameAnnounce struct {
	Username string `json:"username"`
}

// PublicText is a chat line broadcast to everyone
type PublicText struct {
	Username  string    `json:"username"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp,omitzero"`
}

// Render returns the line as users see it
func (m *PublicText) Render() string {
	return m.Username + ": " + m.Message
}

// Typing reports a typing state transition. Its kind is TypingStart or
// TypingStop depending on IsTyping.
type Typing struct {
	Username string `json:"username"`
	IsTyping bool   `json:"isTyping"`
}

// UserList is a snapshot of connected usernames in join order
type UserList struct {
	Users []string `json:"users"`
}

// HistoryRecord is one stored message inside a History snapshot
type HistoryRecord struct {
	Username    string `json:"username"`
	Message     string `json:"message"`
	Timestamp   string `json:"timestamp"`
	MessageType string `json:"message_type"`
	IsPrivate   bool   `json:"is_private"`
}

// History carries recent messages grouped by author
type History struct {
	UserMessages map[string][]HistoryRecord `json:"userMessages"`
}

// KeyRequest asks Target to send its public key to Requester
type KeyRequest struct {
	Requester string `json:"requester"`
	Target    string `json:"target"`
}

// KeyResponse delivers Sender's PEM-encoded public key to Recipient
type KeyResponse struct {
	Sender    string `json:"sender"`
	Recipient string `json:"recipient"`
	PublicKey string `json:"public_key"`
}

// PrivateMessage is an end-to-end encrypted message. The relay never opens it.
// Binary fields are base64. Cipher names the symmetric scheme; empty means
// the original aes-256-cfb scheme.
type PrivateMessage struct {
	Sender           string `json:"sender"`
	Recipient        string `json:"recipient"`
	EncryptedKey     string `json:"encrypted_key"`
	IV               string `json:"iv"`
	EncryptedMessage string `json:"encrypted_message"`
	Cipher           string `json:"cipher,omitempty"`
}

// Settings carries per-user preferences sent after the handshake
type Settings struct {
	Theme    string `json:"theme"`
	Username string `json:"username"`
}

// Notice is a server-generated informational line (joins, departures, welcome)
type Notice struct {
	Message string `json:"message"`
}

// Error reports a rejected request back to the client that sent it
type Error struct {
	Code    uint16 `json:"code"`
	Message string `json:"message"`
}

func (*UsernameAnnounce) Kind() Kind { return KindUsernameAnnounce }
func (*PublicText) Kind() Kind       { return KindPublicText }
func (*UserList) Kind() Kind         { return KindUserList }
func (*History) Kind() Kind          { return KindHistory }
func (*KeyRequest) Kind() Kind       { return KindKeyRequest }
func (*KeyResponse) Kind() Kind      { return KindKeyResponse }
func (*PrivateMessage) Kind() Kind   { return KindPrivateMessage }
func (*Settings) Kind() Kind         { return KindSettings }
func (*Notice) Kind() Kind           { return KindNotice }
func (*Error) Kind() Kind            { return KindError }

func (m *Typing) Kind() Kind {
	if m.IsTyping {
		return KindTypingStart
	}
	return KindTypingStop
}

// wireNames maps kinds to the JSON "type" discriminator
var wireNames = map[Kind]string{
	KindUsernameAnnounce: "username",
	KindPublicText:       "message",
	KindTypingStart:      "typing",
	KindTypingStop:       "typing",
	KindUserList:         "user_list",
	KindHistory:          "history",
	KindKeyRequest:       "public_key_request",
	KindKeyResponse:      "public_key_response",
	KindPrivateMessage:   "private_message",
	KindSettings:         "settings",
	KindNotice:           "notice",
	KindError:            "error",
}

// String returns a stable upper-case name, used for logs and metric labels
func (k Kind) String() string {
	switch k {
	case KindUsernameAnnounce:
		return "USERNAME"
	case KindPublicText:
		return "PUBLIC_TEXT"
	case KindTypingStart:
		return "TYPING_START"
	case KindTypingStop:
		return "TYPING_STOP"
	case KindUserList:
		return "USER_LIST"
	case KindHistory:
		return "HISTORY"
	case KindKeyRequest:
		return "KEY_REQUEST"
	case KindKeyResponse:
		return "KEY_RESPONSE"
	case KindPrivateMessage:
		return "PRIVATE_MESSAGE"
	case KindSettings:
		return "SETTINGS"
	case KindNotice:
		return "NOTICE"
	case KindError:
		return "ERROR"
	default:
		return "UNKNOWN"
	}
}

// NewHistoryRecord builds a record with the wire timestamp layout
func NewHistoryRecord(username, message string, at time.Time, messageType string, isPrivate bool) HistoryRecord {
	if messageType == "" {
		messageType = "text"
	}
	return HistoryRecord{
		Username:    username,
		Message:     message,
		Timestamp:   at.UTC().Format(HistoryTimeLayout),
		MessageType: messageType,
		IsPrivate:   isPrivate,
	}
}
