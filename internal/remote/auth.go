package remote

// Authenticator provides authentication for OCI registry operations.
type Authenticator interface {
	// Authenticate returns credentials for the given registry. Empty
	// credentials fall back to the docker keychain.
	Authenticate(registry string) (username, password string, err error)
}

// DefaultAuthenticator defers to the system keychain (like Docker).
type DefaultAuthenticator struct{}

// NewDefaultAuthenticator creates a default authenticator.
func NewDefaultAuthenticator() *DefaultAuthenticator {
	return &DefaultAuthenticator{}
}

func (a *DefaultAuthenticator) Authenticate(registry string) (string, string, error) {
	return "", "", nil
}

// StaticAuthenticator returns fixed credentials for every registry.
type StaticAuthenticator struct {
	Username string
	Password string
}

func (a StaticAuthenticator) Authenticate(string) (string, string, error) {
	return a.Username, a.Password, nil
}
