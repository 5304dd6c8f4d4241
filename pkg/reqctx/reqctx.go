// Package reqctx carries the identity of the caller through every core component call.
// Nothing in the gateway reads the current user from process-global state; the HTTP shell
// builds a Context per request and passes it down explicitly.
package reqctx

import (
	"sync"
)

// Credentials are a username/password pair for a backend.
type Credentials struct {
	Username string
	Password string
}

func (c Credentials) IsZero() bool {
	return c.Username == "" && c.Password == ""
}

type Context struct {
	// User is the authenticated gateway user id (the primary backend login).
	User string

	// UserName is the display name of the user.
	UserName string

	// APIVersion is the client API version sent with the request.
	APIVersion int

	// password of the primary backend login. Used for sentinel credential
	// resolution and user-password key derivation.
	password string

	mu          sync.RWMutex
	credentials map[string]Credentials
}

func New(user, password string) *Context {
	return &Context{
		User:        user,
		UserName:    user,
		password:    password,
		credentials: make(map[string]Credentials),
	}
}

func (c *Context) Password() string {
	return c.password
}

// PrimaryCredentials returns the credentials used to log into the primary backend.
func (c *Context) PrimaryCredentials() Credentials {
	return Credentials{Username: c.User, Password: c.password}
}

// SetMountCredentials caches credentials supplied by the client for a mount point.
func (c *Context) SetMountCredentials(title string, creds Credentials) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.credentials == nil {
		c.credentials = make(map[string]Credentials)
	}
	c.credentials[title] = creds
}

func (c *Context) MountCredentials(title string) (Credentials, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	creds, ok := c.credentials[title]
	return creds, ok
}

func (c *Context) ForgetMountCredentials(title string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.credentials, title)
}
