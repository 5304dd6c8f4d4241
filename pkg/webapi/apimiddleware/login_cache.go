package apimiddleware

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"sync"
	"time"

	"github.com/materials-commons/filegate/pkg/reqctx"
	"golang.org/x/crypto/blake2b"
)

// Authenticator checks a login against the primary backend.
type Authenticator func(ctx context.Context, username, password string) (*reqctx.Context, error)

type loginEntry struct {
	digest    []byte
	validated time.Time
}

// LoginCache remembers logins the primary backend accepted so that not every request
// reaches the backend. Only a salted digest of the password is kept. Entries expire so a
// password changed on the backend is noticed.
type LoginCache struct {
	authenticate Authenticator
	ttl          time.Duration
	salt         []byte
	logins       sync.Map
	now          func() time.Time
}

func NewLoginCache(authenticate Authenticator, ttl time.Duration) *LoginCache {
	salt := make([]byte, 32)
	if _, err := rand.Read(salt); err != nil {
		panic("unable to read random salt: " + err.Error())
	}

	return &LoginCache{authenticate: authenticate, ttl: ttl, salt: salt, now: time.Now}
}

// Login returns the request context for a valid login.
func (c *LoginCache) Login(ctx context.Context, username, password string) (*reqctx.Context, error) {
	digest := c.digest(password)

	if v, ok := c.logins.Load(username); ok {
		entry := v.(*loginEntry)
		if c.now().Sub(entry.validated) < c.ttl && subtle.ConstantTimeCompare(entry.digest, digest) == 1 {
			return reqctx.New(username, password), nil
		}
	}

	rc, err := c.authenticate(ctx, username, password)
	if err != nil {
		c.logins.Delete(username)
		return nil, err
	}

	c.logins.Store(username, &loginEntry{digest: digest, validated: c.now()})
	return rc, nil
}

func (c *LoginCache) Forget(username string) {
	c.logins.Delete(username)
}

func (c *LoginCache) digest(password string) []byte {
	sum := blake2b.Sum256(append(append([]byte(nil), c.salt...), password...))
	return sum[:]
}
