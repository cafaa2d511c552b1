package ui

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aeolun/cipherchat/pkg/client"
	"github.com/aeolun/cipherchat/pkg/protocol"
	tea "github.com/charmbracelet/bubbletea"
)

// fakeSession records submitted commands
type fakeSession struct {
	mu        sync.Mutex
	events    chan client.Event
	submitted []client.Command
	err       error
}

func newFakeSession() *fakeSession {
	return &fakeSession{events: make(chan client.Event, 16)}
}

func (f *fakeSession) Events() <-chan client.Event {
	return f.events
}

func (f *fakeSession) Submit(cmd client.Command) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.submitted = append(f.submitted, cmd)
	return nil
}

func (f *fakeSession) commands() []client.Command {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]client.Command(nil), f.submitted...)
}

// NewTestModel creates a model over a fake session with a fixed clock
func NewTestModel() (Model, *fakeSession) {
	session := newFakeSession()
	m := NewModel(session, Options{
		Address:         "localhost:5054",
		Username:        "alice",
		TimestampFormat: "absolute",
		Notifications:   true,
	})
	m.now = func() time.Time { return time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC) }
	m.notify = nil
	return m, session
}

// SetupTestModelWithDimensions creates a test model that has received a window size
func SetupTestModelWithDimensions(width, height int) (Model, *fakeSession) {
	m, session := NewTestModel()
	updated, _ := m.Update(tea.WindowSizeMsg{Width: width, Height: height})
	return updated.(Model), session
}

// runCmd executes cmd and any batched commands it expands to
func runCmd(cmd tea.Cmd) []tea.Msg {
	if cmd == nil {
		return nil
	}
	msg := cmd()
	if batch, ok := msg.(tea.BatchMsg); ok {
		var msgs []tea.Msg
		for _, c := range batch {
			msgs = append(msgs, runCmd(c)...)
		}
		return msgs
	}
	return []tea.Msg{msg}
}

func sendEvent(m Model, ev client.Event) Model {
	updated, _ := m.Update(EventMsg{Event: ev})
	return updated.(Model)
}

func submitLine(m Model, text string) (Model, tea.Cmd) {
	m.input.SetValue(text)
	updated, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	return updated.(Model), cmd
}

func TestView_NoWindowSize(t *testing.T) {
	m, _ := NewTestModel()

	if output := m.View(); output != "Loading..." {
		t.Errorf("View() with no dimensions = %q, want %q", output, "Loading...")
	}
}

func TestView_ReconnectingOverlay(t *testing.T) {
	m, _ := SetupTestModelWithDimensions(100, 30)
	m = sendEvent(m, client.ConnectionChanged{State: client.StateTypeReconnecting, Attempt: 3})

	output := m.View()
	if !strings.Contains(output, "RECONNECTING") {
		t.Error("Reconnecting overlay should contain 'RECONNECTING'")
	}
	if !strings.Contains(output, "Attempt 3") {
		t.Error("Reconnecting overlay should show attempt number")
	}
}

func TestView_DisconnectedBanner(t *testing.T) {
	m, _ := SetupTestModelWithDimensions(100, 30)
	m = sendEvent(m, client.ConnectionChanged{State: client.StateTypeConnected, Address: "localhost:5054"})
	m = sendEvent(m, client.UserListChanged{Users: []string{"alice", "bob"}})
	m = sendEvent(m, client.ConnectionChanged{State: client.StateTypeDisconnected})

	if !strings.Contains(m.View(), "CONNECTION LOST") {
		t.Error("Disconnected view should contain 'CONNECTION LOST'")
	}
	if len(m.Users()) != 0 {
		t.Errorf("user list should be cleared on disconnect, got %v", m.Users())
	}
}

func TestView_ShowsMessagesUsersAndTyping(t *testing.T) {
	m, _ := SetupTestModelWithDimensions(120, 30)
	m = sendEvent(m, client.SettingsReceived{Username: "alice"})
	m = sendEvent(m, client.UserListChanged{Users: []string{"alice", "bob"}})
	m = sendEvent(m, client.MessageReceived{From: "bob", Text: "hello alice"})
	m = sendEvent(m, client.MessageReceived{From: "bob", To: "alice", Text: "secret", Private: true})
	m = sendEvent(m, client.TypingChanged{Users: []string{"bob"}, Label: "bob is typing..."})

	output := m.View()
	for _, want := range []string{"Online (2)", "bob", "hello alice", "[bob → alice]", "secret", "bob is typing..."} {
		if !strings.Contains(output, want) {
			t.Errorf("View() missing %q", want)
		}
	}
}

func TestView_HelpOverlay(t *testing.T) {
	m, _ := SetupTestModelWithDimensions(100, 30)

	updated, _ := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("?")})
	m = updated.(Model)

	if !strings.Contains(m.View(), "/msg <user> <text>") {
		t.Error("Help overlay should list the /msg command")
	}

	updated, _ = m.Update(tea.KeyMsg{Type: tea.KeyEsc})
	m = updated.(Model)
	if m.showHelp {
		t.Error("esc should close help")
	}
}

func TestInit_Connects(t *testing.T) {
	m, session := NewTestModel()

	// Only run the connect command; listenForEvents would block
	m.submit(client.Connect{Address: m.opts.Address, Username: m.opts.Username})()

	got := session.commands()
	if len(got) != 1 || got[0] != (client.Connect{Address: "localhost:5054", Username: "alice"}) {
		t.Fatalf("unexpected commands %#v", got)
	}
	if m.Init() == nil {
		t.Fatal("Init should return a command")
	}
}

func TestInput_PublicMessage(t *testing.T) {
	m, session := SetupTestModelWithDimensions(100, 30)

	m, cmd := submitLine(m, "hello world")
	runCmd(cmd)

	if m.input.Value() != "" {
		t.Errorf("input should be cleared, got %q", m.input.Value())
	}
	got := session.commands()
	if len(got) != 1 || got[0] != (client.SendPublic{Text: "hello world"}) {
		t.Fatalf("unexpected commands %#v", got)
	}
}

func TestInput_BlankLineIgnored(t *testing.T) {
	m, session := SetupTestModelWithDimensions(100, 30)

	_, cmd := submitLine(m, "   ")
	runCmd(cmd)

	if len(session.commands()) != 0 {
		t.Fatalf("blank input should not submit, got %#v", session.commands())
	}
}

func TestInput_PrivateMessage(t *testing.T) {
	m, session := SetupTestModelWithDimensions(100, 30)

	_, cmd := submitLine(m, "/msg bob  meet at noon ")
	runCmd(cmd)

	got := session.commands()
	if len(got) != 1 || got[0] != (client.SendPrivate{Recipient: "bob", Text: "meet at noon"}) {
		t.Fatalf("unexpected commands %#v", got)
	}
}

func TestInput_CommandUsageErrors(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"/msg bob", "Usage: /msg"},
		{"/key", "Usage: /key"},
		{"/nick", "Usage: /nick"},
		{"/connect", "Usage: /connect"},
		{"/dance", "Unknown command /dance"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			m, session := SetupTestModelWithDimensions(100, 30)

			m, cmd := submitLine(m, tt.input)

			if cmd != nil {
				t.Error("usage errors should not produce a command")
			}
			if !strings.Contains(m.errorMessage, tt.want) {
				t.Errorf("errorMessage = %q, want it to contain %q", m.errorMessage, tt.want)
			}
			if len(session.commands()) != 0 {
				t.Errorf("nothing should be submitted, got %#v", session.commands())
			}
		})
	}
}

func TestInput_KeyRequest(t *testing.T) {
	m, session := SetupTestModelWithDimensions(100, 30)

	m, cmd := submitLine(m, "/key bob")
	runCmd(cmd)

	got := session.commands()
	if len(got) != 1 || got[0] != (client.RequestKey{Target: "bob"}) {
		t.Fatalf("unexpected commands %#v", got)
	}
	if !strings.Contains(m.statusMessage, "bob") {
		t.Errorf("status should mention the target, got %q", m.statusMessage)
	}
}

func TestInput_NickReconnectsInOrder(t *testing.T) {
	m, session := SetupTestModelWithDimensions(100, 30)

	m, cmd := submitLine(m, "/nick carol")
	runCmd(cmd)

	got := session.commands()
	if len(got) != 2 {
		t.Fatalf("expected disconnect and connect, got %#v", got)
	}
	if got[0] != (client.Disconnect{}) {
		t.Errorf("first command = %#v, want Disconnect", got[0])
	}
	if got[1] != (client.Connect{Address: "localhost:5054", Username: "carol"}) {
		t.Errorf("second command = %#v", got[1])
	}
	if m.Username() != "carol" {
		t.Errorf("Username() = %q, want carol", m.Username())
	}
}

func TestInput_SubmitFailureShown(t *testing.T) {
	m, session := SetupTestModelWithDimensions(100, 30)
	session.err = client.ErrSessionClosed

	m, cmd := submitLine(m, "hello")
	for _, msg := range runCmd(cmd) {
		updated, _ := m.Update(msg)
		m = updated.(Model)
	}

	if m.errorMessage != client.ErrSessionClosed.Error() {
		t.Errorf("errorMessage = %q", m.errorMessage)
	}
}

func TestTyping_KeystrokesReportedOnceRegistered(t *testing.T) {
	m, session := SetupTestModelWithDimensions(100, 30)

	// Not registered yet: keystrokes only edit the input
	updated, cmd := m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("h")})
	m = updated.(Model)
	runCmd(cmd)
	if len(session.commands()) != 0 {
		t.Fatalf("typing should not be reported before joining, got %#v", session.commands())
	}

	m = sendEvent(m, client.SettingsReceived{Username: "alice"})
	updated, cmd = m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("i")})
	m = updated.(Model)
	runCmd(cmd)

	got := session.commands()
	if len(got) != 1 || got[0] != (client.SetTyping{Input: "hi"}) {
		t.Fatalf("unexpected commands %#v", got)
	}
	if m.input.Value() != "hi" {
		t.Errorf("input = %q, want hi", m.input.Value())
	}
}

func TestEvents_PrivateMessageNotifies(t *testing.T) {
	m, _ := SetupTestModelWithDimensions(100, 30)
	m = sendEvent(m, client.SettingsReceived{Username: "alice"})

	var titles []string
	m.notify = func(title, message string) error {
		titles = append(titles, title)
		return nil
	}

	cmd := m.handleEvent(client.MessageReceived{From: "bob", To: "alice", Text: "psst", Private: true})
	runCmd(cmd)
	// Own echoes and public messages stay quiet
	runCmd(m.handleEvent(client.MessageReceived{From: "alice", To: "bob", Text: "hi", Private: true}))
	runCmd(m.handleEvent(client.MessageReceived{From: "bob", Text: "public"}))

	if len(titles) != 1 || titles[0] != "Private message from bob" {
		t.Fatalf("unexpected notifications %v", titles)
	}
}

func TestEvents_UsernameTaken(t *testing.T) {
	m, _ := SetupTestModelWithDimensions(100, 30)

	m = sendEvent(m, client.LocalError{Err: &client.ServerError{Code: protocol.ErrCodeUsernameTaken, Message: "taken"}})
	if !strings.Contains(m.errorMessage, "/nick") {
		t.Errorf("username conflict should suggest /nick, got %q", m.errorMessage)
	}

	m = sendEvent(m, client.LocalError{Err: errors.New("boom")})
	if m.errorMessage != "boom" {
		t.Errorf("errorMessage = %q, want boom", m.errorMessage)
	}
}

func TestEvents_KeyReceivedMarksUser(t *testing.T) {
	m, _ := SetupTestModelWithDimensions(100, 30)
	m = sendEvent(m, client.UserListChanged{Users: []string{"alice", "bob"}})
	m = sendEvent(m, client.KeyReceived{Username: "bob"})

	if !m.knownKeys["bob"] {
		t.Error("bob's key should be marked as known")
	}
	if !strings.Contains(m.View(), "bob 🔑") {
		t.Error("user list should mark users with a cached key")
	}
}

func TestEvents_SessionClosedQuits(t *testing.T) {
	m, _ := NewTestModel()

	updated, cmd := m.Update(SessionClosedMsg{})
	if !updated.(Model).sessionClosed {
		t.Error("model should record the closed session")
	}
	if cmd == nil {
		t.Fatal("expected quit command")
	}
	if _, ok := cmd().(tea.QuitMsg); !ok {
		t.Error("expected tea.QuitMsg")
	}
}

func TestHistoryLinesOrdered(t *testing.T) {
	base := time.Date(2024, 6, 1, 10, 0, 0, 0, time.Local)
	records := map[string][]protocol.HistoryRecord{
		"bob": {
			protocol.NewHistoryRecord("bob", "second", base.Add(time.Minute), "", false),
		},
		"carol": {
			protocol.NewHistoryRecord("carol", "first", base, "", false),
			protocol.NewHistoryRecord("carol", "third", base.Add(2*time.Minute), "", false),
		},
	}

	lines := historyLines(records)
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}
	for i, want := range []string{"first", "second", "third"} {
		if lines[i].message.Text != want {
			t.Errorf("line %d = %q, want %q", i, lines[i].message.Text, want)
		}
	}
}

func TestScrollbackBounded(t *testing.T) {
	m, _ := NewTestModel()
	for i := 0; i < maxScrollback+50; i++ {
		m = sendEvent(m, client.NoticeReceived{Text: "tick"})
	}
	if len(m.lines) != maxScrollback {
		t.Errorf("scrollback = %d lines, want %d", len(m.lines), maxScrollback)
	}
}
