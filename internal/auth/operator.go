package auth

import (
	"context"
	"sync"

	"github.com/casarerpa/casarerpa/internal/values"
)

// Operator is an admin-API principal: a human or service account that logs
// in to submit jobs, inspect the fleet, or export audit history. There is
// no profile, notification preferences, or OIDC-provider back-reference
// here, because the REST surface is narrow: job submission, job/robot
// listing, and audit export, not a full admin console.
type Operator struct {
	ID           string
	Email        string
	PasswordHash string // bcrypt; empty for OIDC-only accounts
	Role         string // "admin" or "operator"
	TenantID     values.TenantID
	IsActive     bool
	OIDCSubject  string
}

// OperatorStore resolves operators by login identifier and provisions new
// ones on first OIDC login. A real deployment could back this with
// internal/storage; the in-memory implementation below is what
// cmd/orchestrator wires by default since no operator-account table is part
// of SPEC_FULL.md's DOMAIN STACK.
type OperatorStore interface {
	GetByEmail(ctx context.Context, email string) (Operator, error)
	GetByOIDCSubject(ctx context.Context, subject string) (Operator, error)
	Upsert(ctx context.Context, op Operator) (Operator, error)
}

// MemoryOperatorStore is a concurrency-safe, in-process OperatorStore. It is
// the default used by cmd/orchestrator, which creates it empty: no flag or
// config seeds local operator accounts, so accounts exist only once added
// through Upsert or lazily via OIDC JIT provisioning. They do not survive a
// restart any more than the teacher's ephemeral JWT keys do in dev mode.
type MemoryOperatorStore struct {
	mu        sync.RWMutex
	byEmail   map[string]Operator
	bySubject map[string]string // oidc subject -> email
}

// NewMemoryOperatorStore creates an empty store.
func NewMemoryOperatorStore() *MemoryOperatorStore {
	return &MemoryOperatorStore{
		byEmail:   make(map[string]Operator),
		bySubject: make(map[string]string),
	}
}

func (s *MemoryOperatorStore) GetByEmail(_ context.Context, email string) (Operator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	op, ok := s.byEmail[email]
	if !ok {
		return Operator{}, ErrOperatorNotFound
	}
	return op, nil
}

func (s *MemoryOperatorStore) GetByOIDCSubject(_ context.Context, subject string) (Operator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	email, ok := s.bySubject[subject]
	if !ok {
		return Operator{}, ErrOperatorNotFound
	}
	return s.byEmail[email], nil
}

func (s *MemoryOperatorStore) Upsert(_ context.Context, op Operator) (Operator, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byEmail[op.Email] = op
	if op.OIDCSubject != "" {
		s.bySubject[op.OIDCSubject] = op.Email
	}
	return op, nil
}
