package client

import (
	"fmt"
	"time"

	"github.com/aeolun/cipherchat/pkg/protocol"
)

// Event is something the session reports to the presentation layer
type Event interface {
	isEvent()
}

// MessageReceived is a chat line to display. Own messages are echoed back as
// events too, with From set to the local username.
type MessageReceived struct {
	From      string
	To        string // recipient of a private message
	Text      string
	Private   bool
	Timestamp time.Time
}

// UserListChanged carries the relay's latest user list in join order
type UserListChanged struct {
	Users []string
}

// TypingChanged carries who is typing now and the rendered indicator
type TypingChanged struct {
	Users []string
	Label string
}

// KeyReceived reports that Username's public key is now cached
type KeyReceived struct {
	Username string
}

// HistoryReceived carries the recent-history snapshot sent after joining
type HistoryReceived struct {
	UserMessages map[string][]protocol.HistoryRecord
}

// SettingsReceived carries the per-user settings sent after joining
type SettingsReceived struct {
	Theme    string
	Username string
}

// NoticeReceived is an informational line from the relay
type NoticeReceived struct {
	Text string
}

// LocalError is a failure that concerns only this client: a private message
// that did not decrypt, bad key material, a rejected handshake
type LocalError struct {
	Err error
}

// ConnectionChanged reports a transport state transition
type ConnectionChanged struct {
	State   ConnectionStateType
	Address string
	Attempt int
	Err     error
}

func (MessageReceived) isEvent()   {}
func (UserListChanged) isEvent()   {}
func (TypingChanged) isEvent()     {}
func (KeyReceived) isEvent()       {}
func (HistoryReceived) isEvent()   {}
func (SettingsReceived) isEvent()  {}
func (NoticeReceived) isEvent()    {}
func (LocalError) isEvent()        {}
func (ConnectionChanged) isEvent() {}

// Command is a request from the presentation layer to the session
type Command interface {
	isCommand()
}

// Connect dials Address and announces Username
type Connect struct {
	Address  string
	Username string
}

// SendPublic broadcasts Text to everyone
type SendPublic struct {
	Text string
}

// SendPrivate encrypts Text for Recipient. Without a cached key the message
// is queued and the key requested.
type SendPrivate struct {
	Recipient string
	Text      string
}

// RequestKey asks Target for its public key
type RequestKey struct {
	Target string
}

// SetTyping reports the current contents of the input line after a keystroke
type SetTyping struct {
	Input string
}

// Disconnect leaves the relay
type Disconnect struct{}

func (Connect) isCommand()     {}
func (SendPublic) isCommand()  {}
func (SendPrivate) isCommand() {}
func (RequestKey) isCommand()  {}
func (SetTyping) isCommand()   {}
func (Disconnect) isCommand()  {}

// ServerError is an Error envelope the relay sent in reply to a request
type ServerError struct {
	Code    uint16
	Message string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}
