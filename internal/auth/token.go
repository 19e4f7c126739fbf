package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultTokenTTL = 12 * time.Hour

	authorizationHeader = "Authorization"
	bearerPrefix        = "Bearer "
	tokenQueryParam     = "token"
)

var (
	ErrMissingSigningSecret = errors.New("auth: signing secret required")
	ErrMissingIssuer        = errors.New("auth: issuer required")
	ErrMissingUserID        = errors.New("auth: user id required")
	ErrMissingToken         = errors.New("auth: token required")
	ErrInvalidToken         = errors.New("auth: invalid token")
	ErrExpiredToken         = errors.New("auth: token expired")
)

// SessionClaims is the JWT payload carried by a session token.
type SessionClaims struct {
	UserID      string `json:"user_id"`
	DisplayName string `json:"display_name,omitempty"`
	jwt.RegisteredClaims
}

// TokenServiceConfig configures issuing and validating session tokens.
type TokenServiceConfig struct {
	SigningSecret []byte
	Issuer        string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenService issues HS256 session tokens and validates them on the
// realtime handshake.
type TokenService struct {
	signingSecret []byte
	issuer        string
	tokenTTL      time.Duration
	clock         func() time.Time
}

// NewTokenService constructs a TokenService with the provided configuration.
func NewTokenService(cfg TokenServiceConfig) (*TokenService, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSigningSecret
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		return nil, ErrMissingIssuer
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &TokenService{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		tokenTTL:      ttl,
		clock:         clock,
	}, nil
}

// Issue produces a signed session token and its lifetime in seconds.
func (s *TokenService) Issue(userID, displayName string) (string, int64, error) {
	if strings.TrimSpace(userID) == "" {
		return "", 0, ErrMissingUserID
	}

	now := s.clock().UTC()
	expiresAt := now.Add(s.tokenTTL)
	claims := SessionClaims{
		UserID:      userID,
		DisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.signingSecret)
	if err != nil {
		return "", 0, err
	}
	return signed, int64(s.tokenTTL.Seconds()), nil
}

// Validate parses and verifies a session token string.
func (s *TokenService) Validate(tokenString string) (SessionClaims, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return SessionClaims{}, ErrMissingToken
	}

	claims := &SessionClaims{}
	parsed, err := jwt.ParseWithClaims(
		token,
		claims,
		func(t *jwt.Token) (interface{}, error) {
			if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
				return nil, fmt.Errorf("%w: unexpected signing algorithm %s", ErrInvalidToken, t.Method.Alg())
			}
			return s.signingSecret, nil
		},
		jwt.WithTimeFunc(s.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return SessionClaims{}, ErrExpiredToken
		}
		return SessionClaims{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if parsed == nil || !parsed.Valid {
		return SessionClaims{}, ErrInvalidToken
	}
	if claims.Issuer != s.issuer {
		return SessionClaims{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.UserID) == "" {
		return SessionClaims{}, ErrMissingUserID
	}
	return *claims, nil
}

// ValidateRequest pulls the token from the Authorization header or, for
// websocket handshakes where custom headers are awkward, the token query
// parameter.
func (s *TokenService) ValidateRequest(r *http.Request) (SessionClaims, error) {
	if r == nil {
		return SessionClaims{}, ErrMissingToken
	}
	header := r.Header.Get(authorizationHeader)
	if strings.HasPrefix(header, bearerPrefix) {
		return s.Validate(strings.TrimPrefix(header, bearerPrefix))
	}
	if token := r.URL.Query().Get(tokenQueryParam); token != "" {
		return s.Validate(token)
	}
	return SessionClaims{}, ErrMissingToken
}
