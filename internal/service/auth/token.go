package auth

import (
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/pkg/errors"

	"github.com/zhouzirui/z-huddle/backend/internal/config"
	"github.com/zhouzirui/z-huddle/backend/internal/model/chat"
)

// Claims is the payload carried by a membership credential.
type Claims struct {
	SessionID string    `json:"session_id"`
	UserID    string    `json:"user_id"`
	Role      chat.Role `json:"role"`
	jwt.RegisteredClaims
}

// TokenService issues and validates HS256-signed membership credentials.
type TokenService struct {
	secret []byte
	ttl    time.Duration
	issuer string
	now    func() time.Time
}

// NewTokenService builds a TokenService from configuration.
func NewTokenService(cfg config.AuthConfig) *TokenService {
	return &TokenService{
		secret: []byte(cfg.Secret),
		ttl:    cfg.TokenTTL,
		issuer: cfg.Issuer,
		now:    time.Now,
	}
}

// WithClock replaces the time source, for tests.
func (s *TokenService) WithClock(now func() time.Time) *TokenService {
	s.now = now
	return s
}

// Issue signs a credential for userID in sessionID valid for the configured TTL.
func (s *TokenService) Issue(sessionID, userID string, role chat.Role) (chat.Credential, error) {
	if sessionID == "" || userID == "" {
		return chat.Credential{}, errors.Wrap(chat.ErrInvalid, "session and user ids are required")
	}
	if !role.Valid() {
		return chat.Credential{}, errors.Wrapf(chat.ErrInvalid, "unknown role %q", role)
	}

	issuedAt := s.now().UTC().Truncate(time.Second)
	expiresAt := issuedAt.Add(s.ttl)
	claims := &Claims{
		SessionID: sessionID,
		UserID:    userID,
		Role:      role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    s.issuer,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return chat.Credential{}, errors.Wrap(err, "sign credential")
	}

	return chat.Credential{
		Token:     token,
		SessionID: sessionID,
		UserID:    userID,
		Role:      role,
		IssuedAt:  issuedAt,
		ExpiresAt: expiresAt,
	}, nil
}

// Validate checks signature, algorithm, issuer and expiry of token.
func (s *TokenService) Validate(token string) (Claims, error) {
	if token == "" {
		return Claims{}, errors.Wrap(chat.ErrUnauthorized, "credential is missing")
	}

	var claims Claims
	parsed, err := jwt.ParseWithClaims(token, &claims, func(*jwt.Token) (interface{}, error) {
		return s.secret, nil
	},
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	)
	if err != nil {
		return Claims{}, errors.Wrapf(chat.ErrUnauthorized, "invalid or expired credential: %v", err)
	}
	if !parsed.Valid {
		return Claims{}, errors.Wrap(chat.ErrUnauthorized, "invalid credential")
	}
	if claims.SessionID == "" || claims.UserID == "" || !claims.Role.Valid() {
		return Claims{}, errors.Wrap(chat.ErrUnauthorized, "malformed credential payload")
	}
	return claims, nil
}

// ValidateFor validates token and checks that it was issued for sessionID.
func (s *TokenService) ValidateFor(token, sessionID string) (Claims, error) {
	claims, err := s.Validate(token)
	if err != nil {
		return Claims{}, err
	}
	if claims.SessionID != sessionID {
		return Claims{}, errors.Wrap(chat.ErrUnauthorized, "credential was issued for another session")
	}
	return claims, nil
}
