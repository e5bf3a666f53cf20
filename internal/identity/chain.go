// Package identity resolves who is calling from the Authorization header.
//
// Authenticators are tried in order. Each one declines (nil, nil) when the
// header is not in its scheme; the first one that accepts decides the
// outcome, including failure. A request no authenticator accepts is
// anonymous.
package identity

import (
	"context"
	"strings"

	"authgate/internal/autherr"
	"authgate/internal/domain"
)

const (
	MethodJWT   = "jwt"
	MethodToken = "token"
)

type Identity struct {
	User   *domain.User
	Method string
	// Subject-specific details; only the one matching Method is set.
	TokenID string
	JTI     string
}

type Authenticator interface {
	Scheme() string
	Authenticate(ctx context.Context, header string) (*Identity, error)
}

type Chain struct {
	authenticators []Authenticator
}

func NewChain(authenticators ...Authenticator) *Chain {
	list := make([]Authenticator, 0, len(authenticators))
	list = append(list, authenticators...)
	return &Chain{authenticators: list}
}

// Resolve returns nil, nil for anonymous callers.
func (c *Chain) Resolve(ctx context.Context, header string) (*Identity, error) {
	header = strings.TrimSpace(header)
	if header == "" {
		return nil, nil
	}

	for _, authenticator := range c.authenticators {
		id, err := authenticator.Authenticate(ctx, header)
		if err != nil {
			return nil, err
		}
		if id != nil {
			return id, nil
		}
	}

	return nil, nil
}

// Scheme reports the first whitespace-delimited field of the header.
func Scheme(header string) string {
	fields := strings.Fields(header)
	if len(fields) == 0 {
		return ""
	}
	return fields[0]
}

// SplitHeader extracts the credential of a "<scheme> <value>" header.
// applicable is false when the header belongs to another scheme. A header in
// this scheme that is not exactly two parts fails with malformed.
func SplitHeader(header, scheme string, malformed error) (value string, applicable bool, err error) {
	if Scheme(header) != scheme {
		return "", false, nil
	}

	parts := strings.Fields(header)
	if len(parts) != 2 {
		return "", true, malformed
	}

	return parts[1], true, nil
}

type contextKey struct{}

func WithIdentity(ctx context.Context, id *Identity) context.Context {
	return context.WithValue(ctx, contextKey{}, id)
}

func FromContext(ctx context.Context) (*Identity, bool) {
	id, ok := ctx.Value(contextKey{}).(*Identity)
	return id, ok && id != nil
}

// Anonymous is the error handlers return when an identity is required.
var Anonymous = autherr.New(autherr.KindInvalidCredentials, "authentication credentials were not provided")
