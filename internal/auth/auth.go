// Package auth handles account registration, password verification, and
// session token issuance. Tokens are HS256 JWTs carrying the user id and
// capability scopes; cookie/session transport is the HTTP layer's business.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"

	"github.com/swarmhost/swarmhost/internal/store"
)

// Auth error types.
var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrInvalidToken       = errors.New("invalid session token")
	ErrSuspended          = errors.New("account suspended")
)

// DefaultSessionTTL is how long issued session tokens stay valid.
const DefaultSessionTTL = 7 * 24 * time.Hour

// Principal is the authenticated identity attached to a request.
type Principal struct {
	UserID   string
	Username string
	Scopes   []string
}

// HasScope returns true if the principal carries the given scope.
func (p *Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// RegisterInput is validated account-creation input.
type RegisterInput struct {
	Username string `json:"username" validate:"required,alphanum,min=3,max=16"`
	Email    string `json:"email" validate:"omitempty,email"`
	Password string `json:"password" validate:"required,min=8,max=128"`
}

// Service issues and verifies sessions against the record store.
type Service struct {
	store    *store.Store
	secret   []byte
	ttl      time.Duration
	validate *validator.Validate
}

// NewService creates an auth service. ttl of 0 uses DefaultSessionTTL.
func NewService(st *store.Store, secret []byte, ttl time.Duration) *Service {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &Service{
		store:    st,
		secret:   secret,
		ttl:      ttl,
		validate: validator.New(),
	}
}

// Register creates a new account with the "user" scope. Username or email
// collisions surface as store.ErrConflict.
func (s *Service) Register(ctx context.Context, in RegisterInput) (*store.UserRecord, error) {
	if err := s.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCredentials, err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(in.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	u := &store.UserRecord{
		ID:           uuid.NewString(),
		Username:     in.Username,
		Email:        in.Email,
		PasswordHash: string(hash),
		Scopes:       []string{store.ScopeUser},
	}
	if err := s.store.CreateUser(ctx, u); err != nil {
		return nil, err
	}

	log.Info().Str("user", u.Username).Msg("account registered")
	return u, nil
}

// Login verifies credentials and issues a session token. Suspended accounts
// cannot log in.
func (s *Service) Login(ctx context.Context, username, password string) (string, *store.UserRecord, error) {
	u, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			// Burn a comparison so missing and wrong-password cases take
			// similar time.
			_ = bcrypt.CompareHashAndPassword([]byte("$2a$10$0000000000000000000000"), []byte(password))
			return "", nil, ErrInvalidCredentials
		}
		return "", nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)); err != nil {
		return "", nil, ErrInvalidCredentials
	}
	if u.Suspended {
		return "", nil, ErrSuspended
	}

	token, err := s.IssueToken(u)
	if err != nil {
		return "", nil, err
	}
	return token, u, nil
}

// sessionClaims is the JWT claim set for session tokens.
type sessionClaims struct {
	Username string   `json:"username"`
	Scopes   []string `json:"scopes"`
	jwt.RegisteredClaims
}

// IssueToken signs a session token for the user.
func (s *Service) IssueToken(u *store.UserRecord) (string, error) {
	now := time.Now()
	claims := sessionClaims{
		Username: u.Username,
		Scopes:   u.Scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign session token: %w", err)
	}
	return signed, nil
}

// Verify parses a session token and returns the principal it names.
func (s *Service) Verify(tokenString string) (*Principal, error) {
	var claims sessionClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}

	return &Principal{
		UserID:   claims.Subject,
		Username: claims.Username,
		Scopes:   claims.Scopes,
	}, nil
}
