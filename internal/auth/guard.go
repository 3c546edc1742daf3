// Package auth gates batch and cache operations behind a capability check.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"slices"
	"strings"

	"github.com/rs/zerolog/log"
)

// Capability names a permission a principal can hold
type Capability string

// CapManageMedia is required to run batches and clear the match cache
const CapManageMedia Capability = "manage_media"

var (
	// ErrUnauthenticated means no known credentials were presented
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrForbidden means the principal lacks the required capability
	ErrForbidden = errors.New("insufficient permissions")
)

// Principal is an authenticated caller
type Principal struct {
	Name         string
	Capabilities []Capability
}

// Can reports whether p holds capability
func (p *Principal) Can(capability Capability) bool {
	return p != nil && slices.Contains(p.Capabilities, capability)
}

// Credential binds an API token to a principal
type Credential struct {
	Token     string
	Principal Principal
}

// Guard authenticates tokens and checks capabilities
type Guard struct {
	credentials []Credential
}

// NewGuard creates a guard; credentials with empty tokens are ignored
func NewGuard(credentials ...Credential) *Guard {
	g := &Guard{}
	for _, c := range credentials {
		if c.Token == "" {
			continue
		}
		g.credentials = append(g.credentials, c)
	}
	return g
}

// Authenticate resolves a token to its principal
func (g *Guard) Authenticate(token string) (*Principal, error) {
	if token == "" {
		return nil, ErrUnauthenticated
	}
	for i := range g.credentials {
		c := &g.credentials[i]
		if subtle.ConstantTimeCompare([]byte(c.Token), []byte(token)) == 1 {
			return &c.Principal, nil
		}
	}
	return nil, ErrUnauthenticated
}

// Authorize authenticates token and requires capability. The principal is
// returned alongside ErrForbidden.
func (g *Guard) Authorize(token string, capability Capability) (*Principal, error) {
	p, err := g.Authenticate(token)
	if err != nil {
		return nil, err
	}
	if !p.Can(capability) {
		return p, ErrForbidden
	}
	return p, nil
}

type principalKey struct{}

// WithPrincipal stores p in ctx
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the principal stored in ctx, or nil
func PrincipalFrom(ctx context.Context) *Principal {
	p, _ := ctx.Value(principalKey{}).(*Principal)
	return p
}

// Require returns middleware that rejects requests without a bearer token
// holding capability. onError writes the rejection.
func (g *Guard) Require(capability Capability, onError func(w http.ResponseWriter, status int, message string)) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, err := g.Authorize(bearerToken(r), capability)
			switch {
			case errors.Is(err, ErrUnauthenticated):
				onError(w, http.StatusUnauthorized, "Authentication required")
				return
			case errors.Is(err, ErrForbidden):
				log.Warn().Str("principal", p.Name).Str("path", r.URL.Path).
					Str("capability", string(capability)).Msg("auth: capability missing")
				onError(w, http.StatusForbidden, "Insufficient permissions")
				return
			case err != nil:
				onError(w, http.StatusInternalServerError, "Authorization failed")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
		})
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return r.Header.Get("X-API-Key")
}
