package gwmodel

import "time"

type LockScope string

const (
	ScopeShared    LockScope = "shared"
	ScopeExclusive LockScope = "exclusive"
)

type LockDepth int

const (
	DepthZero     LockDepth = 0
	DepthInfinite LockDepth = -1
)

func (d LockDepth) String() string {
	if d == DepthInfinite {
		return "infinity"
	}

	return "0"
}

// Lock is a WebDAV style lock on a resource URI. Token identifies the lock; the pair
// (uri, token) is unique.
type Lock struct {
	ID        int       `json:"-"`
	URI       string    `json:"uri" gorm:"size:512;uniqueIndex:idx_lock_uri_token;index"`
	Owner     string    `json:"owner"`
	Token     string    `json:"token" gorm:"size:255;uniqueIndex:idx_lock_uri_token"`
	Scope     LockScope `json:"scope" gorm:"size:16"`
	Depth     LockDepth `json:"depth"`
	Timeout   int       `json:"timeout"`
	CreatedAt time.Time `json:"created_at"`
	Expires   time.Time `json:"expires" gorm:"index"`
}

func (Lock) TableName() string {
	return "locks"
}

func (l Lock) IsExpired(now time.Time) bool {
	return !now.Before(l.Expires)
}
