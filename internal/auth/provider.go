package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/roach88/resync/internal/replica"
)

// Provider errors. All of them match replica.ErrUnauthorized.
var (
	ErrInvalidCredentials = fmt.Errorf("invalid credentials: %w", replica.ErrUnauthorized)
	ErrInvalidToken       = fmt.Errorf("invalid token: %w", replica.ErrUnauthorized)
	ErrExpiredToken       = fmt.Errorf("token expired: %w", replica.ErrUnauthorized)
	ErrRevokedToken       = fmt.Errorf("token revoked: %w", replica.ErrUnauthorized)
	ErrMissingClaim       = fmt.Errorf("missing required claim: %w", replica.ErrUnauthorized)
)

// AnonymousSubject is the identity of anonymous logins.
const AnonymousSubject = "anonymous"

// DefaultTokenTTL is the lifetime of issued access tokens.
const DefaultTokenTTL = time.Hour

// LocalProvider is an in-process identity provider. Password users are
// checked against bcrypt hashes, API keys against a fixed set, and JWT
// credentials must be HS256 tokens signed with the provider secret.
// Every login issues a fresh access token; Logout revokes it.
type LocalProvider struct {
	secret         []byte
	ttl            time.Duration
	now            func() time.Time
	users          map[string]string
	apiKeys        map[string]string
	allowAnonymous bool

	logins atomic.Int64

	mu      sync.Mutex
	revoked map[string]struct{}
}

// ProviderOption configures a LocalProvider.
type ProviderOption func(*LocalProvider)

// WithUser registers a password user by bcrypt hash.
func WithUser(username, passwordHash string) ProviderOption {
	return func(p *LocalProvider) {
		p.users[username] = passwordHash
	}
}

// WithAPIKey registers an API key logging in as subject.
func WithAPIKey(key, subject string) ProviderOption {
	return func(p *LocalProvider) {
		p.apiKeys[key] = subject
	}
}

// WithAnonymous enables anonymous logins.
func WithAnonymous(allow bool) ProviderOption {
	return func(p *LocalProvider) {
		p.allowAnonymous = allow
	}
}

// WithTokenTTL sets the lifetime of issued tokens.
func WithTokenTTL(ttl time.Duration) ProviderOption {
	return func(p *LocalProvider) {
		p.ttl = ttl
	}
}

// WithClock sets the clock used for issuing and verifying tokens.
func WithClock(now func() time.Time) ProviderOption {
	return func(p *LocalProvider) {
		p.now = now
	}
}

// NewLocalProvider creates a provider signing with secret.
func NewLocalProvider(secret []byte, opts ...ProviderOption) *LocalProvider {
	p := &LocalProvider{
		secret:  secret,
		ttl:     DefaultTokenTTL,
		now:     time.Now,
		users:   make(map[string]string),
		apiKeys: make(map[string]string),
		revoked: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// HashPassword returns the bcrypt hash of password at the default cost.
func HashPassword(password string) (string, error) {
	return HashPasswordCost(password, bcrypt.DefaultCost)
}

// HashPasswordCost returns the bcrypt hash of password at cost.
func HashPasswordCost(password string, cost int) (string, error) {
	h, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return "", fmt.Errorf("hash password: %w", err)
	}
	return string(h), nil
}

// Login verifies cred and issues an access token.
func (p *LocalProvider) Login(ctx context.Context, cred Credential) (replica.Identity, error) {
	p.logins.Add(1)
	if err := ctx.Err(); err != nil {
		return replica.Identity{}, err
	}

	var subject string
	switch cred.Method {
	case MethodPassword:
		hash, ok := p.users[cred.Username]
		if !ok || bcrypt.CompareHashAndPassword([]byte(hash), []byte(cred.Secret)) != nil {
			return replica.Identity{}, ErrInvalidCredentials
		}
		subject = cred.Username
	case MethodAPIKey:
		s, ok := p.apiKeys[cred.Secret]
		if !ok {
			return replica.Identity{}, ErrInvalidCredentials
		}
		subject = s
	case MethodJWT:
		s, err := p.Verify(cred.Secret)
		if err != nil {
			return replica.Identity{}, err
		}
		subject = s
	case MethodAnonymous:
		if !p.allowAnonymous {
			return replica.Identity{}, ErrInvalidCredentials
		}
		subject = AnonymousSubject
	default:
		return replica.Identity{}, fmt.Errorf("unknown login method %q: %w", cred.Method, ErrInvalidCredentials)
	}

	token, err := p.Generate(subject, p.ttl)
	if err != nil {
		return replica.Identity{}, err
	}
	return replica.Identity{ID: subject, Token: token, Provider: string(cred.Method)}, nil
}

// Logout revokes the identity's access token.
func (p *LocalProvider) Logout(ctx context.Context, id replica.Identity) error {
	if id.Token == "" {
		return errors.New("logout: no token")
	}
	p.Revoke(id.Token)
	return nil
}

// Revoke makes token fail verification from now on.
func (p *LocalProvider) Revoke(token string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.revoked[token] = struct{}{}
}

// Authorize verifies an access token presented to the sync server.
func (p *LocalProvider) Authorize(ctx context.Context, token string) (string, error) {
	p.mu.Lock()
	_, revoked := p.revoked[token]
	p.mu.Unlock()
	if revoked {
		return "", ErrRevokedToken
	}
	return p.Verify(token)
}

// Logins returns the number of Login calls made.
func (p *LocalProvider) Logins() int64 {
	return p.logins.Load()
}

// Verify validates an HS256 token and returns its "sub" claim.
func (p *LocalProvider) Verify(tokenString string) (string, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return p.secret, nil
	}, jwt.WithTimeFunc(p.now), jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrExpiredToken
		}
		return "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return "", ErrInvalidToken
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return "", ErrInvalidToken
	}
	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return "", fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	return sub, nil
}

// Generate issues a token for subject. Each token carries a unique id so
// two logins of one subject never share a token.
func (p *LocalProvider) Generate(subject string, expiresIn time.Duration) (string, error) {
	now := p.now()
	claims := jwt.MapClaims{
		"sub": subject,
		"jti": uuid.NewString(),
		"iat": now.Unix(),
		"exp": now.Add(expiresIn).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(p.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}
