package identity

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// Memory is an in-process Provisioner. It backs the daemon's development
// mode and tests.
type Memory struct {
	mu       sync.RWMutex
	byEmail  map[string]*Identity
	claims   map[string]Claims
	resetURL string
}

var (
	_ Provisioner = (*Memory)(nil)
	_ Revoker     = (*Memory)(nil)
	_ ResetLinker = (*Memory)(nil)
)

// NewMemory returns an empty provisioner. resetURL is the base of generated
// reset links; leave it empty to disable them.
func NewMemory(resetURL string) *Memory {
	return &Memory{
		byEmail:  make(map[string]*Identity),
		claims:   make(map[string]Claims),
		resetURL: resetURL,
	}
}

func (m *Memory) Provision(_ context.Context, req *Request) (*Identity, error) {
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if email == "" {
		return nil, fmt.Errorf("identity: email is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.byEmail[email]; ok {
		if existing.TenantID != req.TenantID {
			return nil, ErrBoundElsewhere
		}
		found := *existing
		found.Created = false
		return &found, nil
	}

	ident := &Identity{
		Ref:      uuid.NewString(),
		TenantID: req.TenantID,
		Email:    email,
	}
	m.byEmail[email] = ident

	created := *ident
	created.Created = true
	return &created, nil
}

func (m *Memory) AssignRole(_ context.Context, ref string, claims Claims) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ident := range m.byEmail {
		if ident.Ref == ref {
			m.claims[ref] = claims
			return nil
		}
	}
	return ErrNotFound
}

func (m *Memory) RevokeRole(_ context.Context, ref string, claims Claims) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if current, ok := m.claims[ref]; ok && current == claims {
		delete(m.claims, ref)
	}
	return nil
}

func (m *Memory) ResetLink(_ context.Context, ref string) (string, error) {
	if m.resetURL == "" {
		return "", fmt.Errorf("identity: reset links disabled")
	}
	return m.resetURL + "?token=" + uuid.NewString() + "&ref=" + ref, nil
}

// ClaimsFor returns the claims assigned to ref.
func (m *Memory) ClaimsFor(ref string) (Claims, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.claims[ref]
	return c, ok
}
