package editor

import (
	"context"
	"sync"
)

// Call records one call made to a MockAdapter.
type Call struct {
	Op         string
	ID         string
	Identity   string
	Permission Permission
}

type MockAdapter struct {
	mu    sync.Mutex
	err   error
	opErr map[string]error
	calls []Call
}

func NewMockAdapter() *MockAdapter {
	return &MockAdapter{opErr: make(map[string]error)}
}

// SetError makes every call fail with err.
func (m *MockAdapter) SetError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

// FailOn makes calls of op ("create", "delete", "grant", "revoke") fail with err.
func (m *MockAdapter) FailOn(op string, err error) *MockAdapter {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opErr[op] = err
	return m
}

func (m *MockAdapter) Calls() []Call {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Call(nil), m.calls...)
}

func (m *MockAdapter) record(c Call) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, c)
	if err, ok := m.opErr[c.Op]; ok {
		return err
	}
	return m.err
}

func (m *MockAdapter) CreateDocument(_ context.Context, id, owner string) error {
	return m.record(Call{Op: "create", ID: id, Identity: owner})
}

func (m *MockAdapter) DeleteDocument(_ context.Context, id string) error {
	return m.record(Call{Op: "delete", ID: id})
}

func (m *MockAdapter) GrantAccess(_ context.Context, id, identity string, perm Permission) error {
	return m.record(Call{Op: "grant", ID: id, Identity: identity, Permission: perm})
}

func (m *MockAdapter) RevokeAccess(_ context.Context, id, identity string) error {
	return m.record(Call{Op: "revoke", ID: id, Identity: identity})
}
