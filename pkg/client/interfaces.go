package client

// StateInterface defines the interface for client state persistence
// This allows for mocking in tests while the real State implements all these methods
type StateInterface interface {
	// Configuration
	GetConfig(key string) (string, error)
	SetConfig(key, value string) error

	// Username management
	GetLastUsername() string
	SetLastUsername(username string) error

	// Connection history: which transport last worked for a server
	GetLastSuccessfulMethod(serverAddress string) (string, error)
	SaveSuccessfulConnection(serverAddress string, method string) error

	// State directory
	GetStateDir() string

	Close() error
}

var (
	_ StateInterface = (*State)(nil)
	_ StateInterface = (*MockState)(nil)
)
