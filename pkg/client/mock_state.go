package client

import (
	"sync"
)

// MockState is an in-memory test implementation of StateInterface
type MockState struct {
	mu sync.RWMutex

	config  map[string]string
	methods map[string]string
	dir     string

	// Error injection
	getConfigErr error
	setConfigErr error
}

// NewMockState creates a new mock state
func NewMockState() *MockState {
	return &MockState{
		config:  make(map[string]string),
		methods: make(map[string]string),
		dir:     "/tmp/mock-state",
	}
}

// GetConfig retrieves a configuration value
func (s *MockState) GetConfig(key string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.getConfigErr != nil {
		return "", s.getConfigErr
	}
	return s.config[key], nil
}

// SetConfig stores a configuration value
func (s *MockState) SetConfig(key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.setConfigErr != nil {
		return s.setConfigErr
	}
	s.config[key] = value
	return nil
}

func (s *MockState) GetLastUsername() string {
	username, _ := s.GetConfig(lastUsernameKey)
	return username
}

func (s *MockState) SetLastUsername(username string) error {
	return s.SetConfig(lastUsernameKey, username)
}

func (s *MockState) GetLastSuccessfulMethod(serverAddress string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.methods[serverAddress], nil
}

func (s *MockState) SaveSuccessfulConnection(serverAddress string, method string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.methods[serverAddress] = method
	return nil
}

func (s *MockState) GetStateDir() string {
	return s.dir
}

func (s *MockState) Close() error {
	return nil
}

// SetGetConfigError makes GetConfig fail with err
func (s *MockState) SetGetConfigError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.getConfigErr = err
}

// SetSetConfigError makes SetConfig fail with err
func (s *MockState) SetSetConfigError(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.setConfigErr = err
}
