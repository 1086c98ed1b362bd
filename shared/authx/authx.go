package authx

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrInvalidToken = errors.New("invalid token")

const issuer = "train-tracking-sim"

type AuthContext struct {
	Subject   string
	SessionID string
	ExpiresAt time.Time
}

type contextKey struct{}

func WithAuth(ctx context.Context, auth AuthContext) context.Context {
	return context.WithValue(ctx, contextKey{}, auth)
}

func FromContext(ctx context.Context) (AuthContext, bool) {
	if v := ctx.Value(contextKey{}); v != nil {
		if a, ok := v.(AuthContext); ok {
			return a, true
		}
	}
	return AuthContext{}, false
}

// SessionSigner issues and verifies HS256 session tokens.
type SessionSigner struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
	parser *jwt.Parser
}

func NewSessionSigner(secret string, ttl time.Duration) (*SessionSigner, error) {
	if len(secret) < 16 {
		return nil, fmt.Errorf("%w: session secret must be at least 16 bytes", ErrInvalidToken)
	}
	if ttl <= 0 {
		return nil, fmt.Errorf("%w: session ttl must be > 0", ErrInvalidToken)
	}
	s := &SessionSigner{secret: []byte(secret), ttl: ttl, now: time.Now}
	s.parser = jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(func() time.Time { return s.now() }),
	)
	return s, nil
}

func (s *SessionSigner) Sign(subject string, sessionID string) (string, AuthContext, error) {
	now := s.now()
	auth := AuthContext{Subject: subject, SessionID: sessionID, ExpiresAt: now.Add(s.ttl).Truncate(time.Second)}
	claims := jwt.RegisteredClaims{
		Issuer:    issuer,
		Subject:   subject,
		ID:        sessionID,
		IssuedAt:  jwt.NewNumericDate(now),
		NotBefore: jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(auth.ExpiresAt),
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", AuthContext{}, err
	}
	return raw, auth, nil
}

func (s *SessionSigner) Verify(rawToken string) (AuthContext, error) {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return AuthContext{}, ErrInvalidToken
	}
	claims := &jwt.RegisteredClaims{}
	_, err := s.parser.ParseWithClaims(rawToken, claims, func(*jwt.Token) (any, error) {
		return s.secret, nil
	})
	if err != nil {
		return AuthContext{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if strings.TrimSpace(claims.Subject) == "" || strings.TrimSpace(claims.ID) == "" {
		return AuthContext{}, ErrInvalidToken
	}
	auth := AuthContext{Subject: claims.Subject, SessionID: claims.ID}
	if claims.ExpiresAt != nil {
		auth.ExpiresAt = claims.ExpiresAt.Time
	}
	return auth, nil
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	header = strings.TrimSpace(header)
	if len(header) < len("bearer ") || !strings.EqualFold(header[:len("bearer ")], "bearer ") {
		return "", false
	}
	token := strings.TrimSpace(header[len("bearer "):])
	return token, token != ""
}
