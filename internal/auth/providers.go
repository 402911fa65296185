// ABOUTME: Registry of third-party identity provider validators used when linking authData
// ABOUTME: Ships the anonymous provider and an HS256 id_token provider

package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/golang-jwt/jwt/v5"

	"github.com/2389/docwrite/internal/apierr"
	"github.com/2389/docwrite/internal/store"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
)

// ValidationResult customizes what is stored after a provider accepts authData.
// A nil result stores the supplied authData unchanged.
type ValidationResult struct {
	// Save replaces the stored provider data.
	Save map[string]any
	// DoNotSave drops the provider from the stored authData.
	DoNotSave bool
	// Response is returned to the client alongside the write.
	Response map[string]any
}

// Validator checks one provider's authData. user is the account being linked
// or logged into, nil for signups.
type Validator interface {
	Validate(ctx context.Context, authData map[string]any, user store.Record) (*ValidationResult, error)
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(ctx context.Context, authData map[string]any, user store.Record) (*ValidationResult, error)

// Validate calls f.
func (f ValidatorFunc) Validate(ctx context.Context, authData map[string]any, user store.Record) (*ValidationResult, error) {
	return f(ctx, authData, user)
}

// Providers is a thread-safe registry of provider validators.
type Providers struct {
	mu         sync.RWMutex
	validators map[string]Validator
	disabled   map[string]bool
}

// NewProviders returns a registry with the anonymous provider installed.
func NewProviders() *Providers {
	p := &Providers{
		validators: make(map[string]Validator),
		disabled:   make(map[string]bool),
	}
	p.Register("anonymous", ValidatorFunc(validateAnonymous))
	return p
}

// Register installs or replaces the validator for a provider.
func (p *Providers) Register(name string, v Validator) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.validators[name] = v
	delete(p.disabled, name)
}

// Disable keeps a provider registered but rejects it.
func (p *Providers) Disable(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.disabled[name] = true
}

// Validator returns the enabled validator for a provider.
func (p *Providers) Validator(name string) (Validator, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.disabled[name] {
		return nil, false
	}
	v, ok := p.validators[name]
	return v, ok
}

func validateAnonymous(_ context.Context, authData map[string]any, _ store.Record) (*ValidationResult, error) {
	if id, _ := authData["id"].(string); id == "" {
		return nil, apierr.New(apierr.ObjectNotFound, "Anonymous id is required.")
	}
	return nil, nil
}

// JWTProvider validates authData of the form {"id": ..., "id_token": ...} where
// id_token is an HS256 JWT whose subject equals id.
type JWTProvider struct {
	secret   []byte
	audience string
}

// NewJWTProvider creates a provider verifying tokens with secret. A non-empty
// audience must appear in the token's aud claim.
func NewJWTProvider(secret []byte, audience string) *JWTProvider {
	return &JWTProvider{secret: secret, audience: audience}
}

// Validate checks the id token against the claimed id.
func (p *JWTProvider) Validate(_ context.Context, authData map[string]any, _ store.Record) (*ValidationResult, error) {
	id, _ := authData["id"].(string)
	tokenString, _ := authData["id_token"].(string)
	if id == "" || tokenString == "" {
		return nil, apierr.New(apierr.ObjectNotFound, "id and id_token are required.")
	}

	sub, err := p.Verify(tokenString)
	if err != nil {
		return nil, apierr.Newf(apierr.ObjectNotFound, "id token not valid for this user: %v", err)
	}
	if sub != id {
		return nil, apierr.New(apierr.ObjectNotFound, "id token not valid for this user.")
	}
	return nil, nil
}

// Verify validates the token and extracts the "sub" claim
func (p *JWTProvider) Verify(tokenString string) (string, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if p.audience != "" {
		opts = append(opts, jwt.WithAudience(p.audience))
	}
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return p.secret, nil
	}, opts...)

	if err != nil {
		// Check if it's specifically an expiration error
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	if !token.Valid {
		return "", ErrInvalidToken
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return sub, nil
}
