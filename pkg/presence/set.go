package presence

import (
	"slices"
	"strings"
	"sync"

	"github.com/samber/lo"
)

// Set is the receiver-side view of who is currently typing
type Set struct {
	mu    sync.RWMutex
	users map[string]struct{}
}

// NewSet creates an empty typing set
func NewSet() *Set {
	return &Set{users: make(map[string]struct{})}
}

// Apply records a typing transition and reports whether the set changed
func (s *Set) Apply(username string, typing bool) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, present := s.users[username]
	if typing == present {
		return false
	}
	if typing {
		s.users[username] = struct{}{}
	} else {
		delete(s.users, username)
	}
	return true
}

// Remove drops username and reports whether it was typing
func (s *Set) Remove(username string) bool {
	return s.Apply(username, false)
}

// Retain drops everyone not in users (e.g. after a user list update) and
// returns who was dropped.
func (s *Set) Retain(users []string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	gone := lo.Without(lo.Keys(s.users), users...)
	for _, u := range gone {
		delete(s.users, u)
	}
	slices.Sort(gone)
	return gone
}

// Contains reports whether username is typing
func (s *Set) Contains(username string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.users[username]
	return ok
}

// Users returns the typing users sorted by name
func (s *Set) Users() []string {
	s.mu.RLock()
	users := lo.Keys(s.users)
	s.mu.RUnlock()

	slices.Sort(users)
	return users
}

// Label renders the set for display
func (s *Set) Label() string {
	return TypingLabel(s.Users())
}

// TypingLabel renders a typing indicator line: empty for nobody,
// "<a> is typing..." for one user, "<a>, <b> are typing..." for more.
func TypingLabel(users []string) string {
	switch len(users) {
	case 0:
		return ""
	case 1:
		return users[0] + " is typing..."
	default:
		return strings.Join(users, ", ") + " are typing..."
	}
}
