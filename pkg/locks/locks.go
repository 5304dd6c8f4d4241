// Package locks stores and queries WebDAV style locks on resource URIs. It does not
// arbitrate between conflicting lock requests; Conflicts lets callers do that.
package locks

import (
	"context"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-uuid"
	"github.com/materials-commons/filegate/pkg/clog"
	"github.com/materials-commons/filegate/pkg/config"
	"github.com/materials-commons/filegate/pkg/gwdb/gwmodel"
	"github.com/materials-commons/filegate/pkg/gwdb/stor"
	"github.com/materials-commons/filegate/pkg/gwerr"
)

// MaxLockTimeout is the longest a lock may be held without a refresh.
const MaxLockTimeout = 30 * time.Minute

const (
	defaultGCProbability = 1
	defaultGCDivisor     = 100

	defaultAncestorCacheTTL = 2 * time.Second
)

type Manager struct {
	stor          stor.LockStor
	maxTimeout    time.Duration
	gcProbability int
	gcDivisor     int
	now           func() time.Time

	// The ancestor query for one parent URI is cached for ancestorTTL, since listing a
	// folder asks for the locks of every entry in it. Conflicts never reads the cache.
	mu            sync.Mutex
	ancestorTTL   time.Duration
	ancestorKey   string
	ancestorAt    time.Time
	ancestorLocks []gwmodel.Lock
	ancestorValid bool
}

type Options struct {
	Locks config.LocksConfig

	// Now defaults to the current UTC time. Stored times compare as text in sqlite, so
	// every time must share one zone.
	Now func() time.Time
}

func NewManager(lockStor stor.LockStor, opts Options) *Manager {
	m := &Manager{
		stor:          lockStor,
		maxTimeout:    opts.Locks.MaxTimeout,
		gcProbability: opts.Locks.GCProbability,
		gcDivisor:     opts.Locks.GCDivisor,
		ancestorTTL:   opts.Locks.AncestorCacheTTL,
		now:           opts.Now,
	}

	if m.ancestorTTL <= 0 {
		m.ancestorTTL = defaultAncestorCacheTTL
	}

	if m.maxTimeout <= 0 || m.maxTimeout > MaxLockTimeout {
		m.maxTimeout = MaxLockTimeout
	}

	if m.gcDivisor <= 0 {
		m.gcProbability, m.gcDivisor = defaultGCProbability, defaultGCDivisor
	}

	if m.now == nil {
		m.now = func() time.Time { return time.Now().UTC() }
	}

	return m
}

// List returns the live locks applying to uri: locks on uri itself, infinite depth locks
// on any ancestor and, when includeDescendants is set, locks below uri.
func (m *Manager) List(ctx context.Context, uri string, includeDescendants bool) ([]gwmodel.Lock, error) {
	return m.list(ctx, uri, includeDescendants, true)
}

func (m *Manager) list(ctx context.Context, uri string, includeDescendants, cached bool) ([]gwmodel.Lock, error) {
	now := m.now()

	locks, err := m.stor.ListLocksForURI(ctx, uri, now)
	if err != nil {
		return nil, err
	}

	if includeDescendants {
		descendants, err := m.stor.ListDescendantLocks(ctx, uri, now)
		if err != nil {
			return nil, err
		}
		locks = append(locks, descendants...)
	}

	var inherited []gwmodel.Lock
	if cached {
		inherited, err = m.ancestorLocksFor(ctx, uri, now)
	} else {
		inherited, err = m.stor.ListInfiniteLocksForURIs(ctx, ancestors(uri), now)
	}
	if err != nil {
		return nil, err
	}

	return append(locks, inherited...), nil
}

func (m *Manager) ancestorLocksFor(ctx context.Context, uri string, now time.Time) ([]gwmodel.Lock, error) {
	uris := ancestors(uri)
	if len(uris) == 0 {
		return nil, nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.ancestorValid || m.ancestorKey != uris[0] || now.Sub(m.ancestorAt) >= m.ancestorTTL {
		locks, err := m.stor.ListInfiniteLocksForURIs(ctx, uris, now)
		if err != nil {
			return nil, err
		}

		m.ancestorKey, m.ancestorAt, m.ancestorLocks, m.ancestorValid = uris[0], now, locks, true
	}

	var live []gwmodel.Lock
	for _, l := range m.ancestorLocks {
		if !l.IsExpired(now) {
			live = append(live, l)
		}
	}

	return live, nil
}

func (m *Manager) invalidate() {
	m.mu.Lock()
	m.ancestorValid = false
	m.ancestorLocks = nil
	m.mu.Unlock()
}

// Acquire stores lock on uri. A lock with the same token on uri is updated in place.
// An empty token gets a fresh one.
func (m *Manager) Acquire(ctx context.Context, uri string, lock gwmodel.Lock) (*gwmodel.Lock, error) {
	if uri == "" {
		return nil, gwerr.E(gwerr.InvalidRequest, "lock uri required")
	}

	if lock.Scope == "" {
		lock.Scope = gwmodel.ScopeExclusive
	}

	if lock.Scope != gwmodel.ScopeExclusive && lock.Scope != gwmodel.ScopeShared {
		return nil, gwerr.E(gwerr.InvalidRequest, "invalid lock scope '%s'", lock.Scope)
	}

	if lock.Depth != gwmodel.DepthZero && lock.Depth != gwmodel.DepthInfinite {
		return nil, gwerr.E(gwerr.InvalidRequest, "invalid lock depth %d", lock.Depth)
	}

	if lock.Token == "" {
		token, err := uuid.GenerateUUID()
		if err != nil {
			return nil, gwerr.Wrap(gwerr.Internal, err, "generating lock token")
		}
		lock.Token = "opaquelocktoken:" + token
	}

	now := m.now()
	lock.ID = 0
	lock.URI = uri
	lock.Timeout = m.clamp(lock.Timeout)
	lock.CreatedAt = now
	lock.Expires = now.Add(time.Duration(lock.Timeout) * time.Second)

	if err := m.stor.UpsertLock(ctx, &lock); err != nil {
		return nil, err
	}
	m.invalidate()

	clog.UsingCtx("locks").WithField("uri", uri).WithField("owner", lock.Owner).
		Debugf("Acquired %s lock %s for %ds", lock.Scope, lock.Token, lock.Timeout)

	m.MaybeGC(ctx)

	return m.stor.GetLock(ctx, uri, lock.Token)
}

// clamp limits a timeout in seconds to the maximum. Zero or negative asks for the maximum.
func (m *Manager) clamp(timeout int) int {
	limit := int(m.maxTimeout / time.Second)
	if timeout <= 0 || timeout > limit {
		return limit
	}

	return timeout
}

// Release removes the lock. Releasing a lock that does not exist is not an error.
func (m *Manager) Release(ctx context.Context, uri, token string) error {
	if err := m.stor.DeleteLock(ctx, uri, token); err != nil {
		return err
	}

	m.invalidate()
	return nil
}

// Refresh restarts the timeout of a live lock.
func (m *Manager) Refresh(ctx context.Context, uri, token string, timeout int) (*gwmodel.Lock, error) {
	now := m.now()
	lock, err := m.stor.GetLock(ctx, uri, token)
	if err != nil {
		return nil, err
	}

	if lock.IsExpired(now) {
		return nil, gwerr.E(gwerr.NotFound, "lock %s has expired", token)
	}

	lock.ID = 0
	lock.Timeout = m.clamp(timeout)
	lock.CreatedAt = now
	lock.Expires = now.Add(time.Duration(lock.Timeout) * time.Second)

	if err := m.stor.UpsertLock(ctx, lock); err != nil {
		return nil, err
	}
	m.invalidate()

	return m.stor.GetLock(ctx, uri, token)
}

// Conflicts returns the live locks that a new lock with scope and depth on uri would
// conflict with. Exclusive locks conflict with everything, shared locks only with
// exclusive ones. It always reads the store, so locks taken by another process count.
func (m *Manager) Conflicts(ctx context.Context, uri string, scope gwmodel.LockScope, depth gwmodel.LockDepth) ([]gwmodel.Lock, error) {
	locks, err := m.list(ctx, uri, depth == gwmodel.DepthInfinite, false)
	if err != nil {
		return nil, err
	}

	var conflicts []gwmodel.Lock
	for _, l := range locks {
		if scope == gwmodel.ScopeExclusive || l.Scope == gwmodel.ScopeExclusive {
			conflicts = append(conflicts, l)
		}
	}

	return conflicts, nil
}

// GC deletes every expired lock.
func (m *Manager) GC(ctx context.Context) (int64, error) {
	n, err := m.stor.DeleteExpiredLocks(ctx, m.now())
	if err != nil {
		return 0, err
	}

	if n > 0 {
		m.invalidate()
		clog.UsingCtx("locks").Infof("Removed %d expired locks", n)
	}

	return n, nil
}

// MaybeGC runs GC with the configured probability.
func (m *Manager) MaybeGC(ctx context.Context) {
	if m.gcProbability <= 0 || rand.Intn(m.gcDivisor) >= m.gcProbability {
		return
	}

	if _, err := m.GC(ctx); err != nil {
		clog.UsingCtx("locks").Warnf("Lock garbage collection failed: %s", err)
	}
}

func (m *Manager) Name() string {
	return "locks"
}

func (m *Manager) Collect(ctx context.Context) (int64, error) {
	return m.GC(ctx)
}

// ancestors returns the URIs above uri, nearest first, ending with the root of its
// scheme.
func ancestors(uri string) []string {
	head, rest := "", uri
	if i := strings.Index(uri, "://"); i >= 0 {
		head, rest = uri[:i+3], uri[i+3:]
	} else if strings.HasPrefix(uri, "/") {
		head = "/"
	}

	rest = strings.Trim(rest, "/")
	if rest == "" {
		return nil
	}

	segments := strings.Split(rest, "/")
	uris := make([]string, 0, len(segments))
	for n := len(segments) - 1; n >= 0; n-- {
		p := head + strings.Join(segments[:n], "/")
		if p != "" {
			uris = append(uris, p)
		}
	}

	return uris
}
