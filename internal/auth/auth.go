// Package auth holds the credentials beamfile checks and presents: the shared
// API key guarding the tunnel endpoint, and bearer tokens attached to
// receive callbacks.
package auth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/policy"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"golang.org/x/crypto/bcrypt"
)

// APIKey verifies the password half of a tunnel client's Basic credential.
// The configured key is either the secret itself or a bcrypt hash of it.
type APIKey struct {
	plain []byte
	hash  []byte
}

// ParseAPIKey accepts a plain secret or a bcrypt hash ("$2a$...", "$2b$...",
// "$2y$...").
func ParseAPIKey(s string) (APIKey, error) {
	if s == "" {
		return APIKey{}, errors.New("api key is empty")
	}
	if isBcryptHash(s) {
		if _, err := bcrypt.Cost([]byte(s)); err != nil {
			return APIKey{}, fmt.Errorf("parse bcrypt api key: %w", err)
		}
		return APIKey{hash: []byte(s)}, nil
	}
	return APIKey{plain: []byte(s)}, nil
}

// Hashed reports whether the key was configured as a bcrypt hash.
func (k APIKey) Hashed() bool { return k.hash != nil }

// IsZero reports whether no key is configured.
func (k APIKey) IsZero() bool { return k.hash == nil && k.plain == nil }

// Verify reports whether password matches the key. A zero APIKey matches
// nothing.
func (k APIKey) Verify(password string) bool {
	switch {
	case k.hash != nil:
		return bcrypt.CompareHashAndPassword(k.hash, []byte(password)) == nil
	case k.plain != nil:
		return subtle.ConstantTimeCompare(k.plain, []byte(password)) == 1
	default:
		return false
	}
}

func isBcryptHash(s string) bool {
	for _, prefix := range []string{"$2a$", "$2b$", "$2y$"} {
		if strings.HasPrefix(s, prefix) {
			return true
		}
	}
	return false
}

// TokenProvider supplies bearer tokens for outgoing callback requests.
type TokenProvider interface {
	// GetToken returns a token for the Authorization header, without the
	// "Bearer " prefix.
	GetToken(ctx context.Context) (string, error)
}

// StaticToken is a fixed bearer token.
type StaticToken string

// GetToken returns the token itself.
func (t StaticToken) GetToken(context.Context) (string, error) {
	if t == "" {
		return "", errors.New("static token is empty")
	}
	return string(t), nil
}

// EntraTokenProvider obtains OAuth2 tokens via Azure Identity for a fixed
// scope, e.g. "api://beamfile-callback/.default".
type EntraTokenProvider struct {
	cred  azcore.TokenCredential
	scope string
}

// NewEntraTokenProvider creates a token provider using DefaultAzureCredential.
func NewEntraTokenProvider(scope string) (*EntraTokenProvider, error) {
	if scope == "" {
		return nil, errors.New("entra scope is required")
	}
	cred, err := azidentity.NewDefaultAzureCredential(nil)
	if err != nil {
		return nil, fmt.Errorf("create Azure credential: %w", err)
	}
	return &EntraTokenProvider{cred: cred, scope: scope}, nil
}

// NewEntraTokenProviderWithCredential creates a token provider with a specific
// TokenCredential. This is primarily useful for testing.
func NewEntraTokenProviderWithCredential(cred azcore.TokenCredential, scope string) *EntraTokenProvider {
	return &EntraTokenProvider{cred: cred, scope: scope}
}

// GetToken obtains an OAuth2 token for the configured scope. The credential
// caches tokens until shortly before they expire.
func (p *EntraTokenProvider) GetToken(ctx context.Context) (string, error) {
	tk, err := p.cred.GetToken(ctx, policy.TokenRequestOptions{
		Scopes: []string{p.scope},
	})
	if err != nil {
		return "", fmt.Errorf("acquire Entra token: %w", err)
	}
	return tk.Token, nil
}
