// Package session implements the shared-secret gate in front of the
// functional endpoints. Tokens are process-local; restarting the server
// invalidates every session, which is acceptable for the single-operator
// threat model.
package session

import (
	"crypto/subtle"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrUnauthorized is returned when the supplied password does not match
// the configured secret.
var ErrUnauthorized = errors.New("invalid password")

type entry struct {
	createdAt time.Time
}

// Gate validates the shared password and manages opaque session tokens.
// The token table is the only state shared across requests; a RWMutex
// is plenty for one operator's traffic.
type Gate struct {
	password []byte
	ttl      time.Duration

	mu     sync.RWMutex
	tokens map[string]entry

	now func() time.Time
}

func NewGate(password string, ttl time.Duration) *Gate {
	return &Gate{
		password: []byte(password),
		ttl:      ttl,
		tokens:   make(map[string]entry),
		now:      time.Now,
	}
}

// Login checks the password in constant time and, on success, issues an
// opaque token. A wrong password never yields a token.
func (g *Gate) Login(password string) (string, error) {
	if subtle.ConstantTimeCompare([]byte(password), g.password) != 1 {
		return "", ErrUnauthorized
	}

	token := uuid.NewString()

	g.mu.Lock()
	g.tokens[token] = entry{createdAt: g.now()}
	g.mu.Unlock()

	return token, nil
}

// Validate reports whether the token identifies a live session. Expired
// entries are dropped on the way out.
func (g *Gate) Validate(token string) bool {
	if token == "" {
		return false
	}

	g.mu.RLock()
	e, ok := g.tokens[token]
	g.mu.RUnlock()
	if !ok {
		return false
	}

	if g.ttl > 0 && g.now().Sub(e.createdAt) > g.ttl {
		g.Logout(token)
		return false
	}
	return true
}

// Logout removes the token. Unknown tokens are a no-op.
func (g *Gate) Logout(token string) {
	g.mu.Lock()
	delete(g.tokens, token)
	g.mu.Unlock()
}
