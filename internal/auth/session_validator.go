package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/logbook/backend/internal/changelogs"
	"github.com/golang-jwt/jwt/v5"
)

const defaultSessionIssuer = "tauth"

var (
	ErrMissingSessionSigningKey = errors.New("session validator: signing key required")
	ErrMissingSessionCookieName = errors.New("session validator: cookie name required")
	ErrMissingSessionToken      = errors.New("session validator: token required")
	ErrInvalidSessionToken      = errors.New("session validator: invalid token")
	ErrExpiredSessionToken      = errors.New("session validator: token expired")
	ErrMissingSessionAccount    = errors.New("session validator: account required")
	ErrSessionAccountMismatch   = errors.New("session validator: subject does not match account")
)

// SessionClaims is the JWT payload of the dashboard session cookie.
type SessionClaims struct {
	UserID string `json:"user_id,omitempty"`
	jwt.RegisteredClaims
}

// accountID picks the account a session acts for. user_id wins; sessions
// that only carry a subject use it. When both are set they must agree.
func (c SessionClaims) accountID() (changelogs.AccountID, error) {
	userID := strings.TrimSpace(c.UserID)
	subject := strings.TrimSpace(c.Subject)
	switch {
	case userID == "" && subject == "":
		return "", ErrMissingSessionAccount
	case userID == "":
		userID = subject
	case subject != "" && subject != userID:
		return "", ErrSessionAccountMismatch
	}
	accountID, err := changelogs.NewAccountID(userID)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrMissingSessionAccount, err)
	}
	return accountID, nil
}

// Session is the dashboard account an authenticated request acts for.
type Session struct {
	AccountID changelogs.AccountID
	ExpiresAt time.Time
}

type SessionValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	CookieName    string
	Clock         func() time.Time
}

// SessionValidator resolves HS256 session cookies into dashboard accounts.
type SessionValidator struct {
	signingSecret []byte
	issuer        string
	cookieName    string
	clock         func() time.Time
}

func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSessionSigningKey
	}
	cookieName := strings.TrimSpace(cfg.CookieName)
	if cookieName == "" {
		return nil, ErrMissingSessionCookieName
	}
	issuer := strings.TrimSpace(cfg.Issuer)
	if issuer == "" {
		issuer = defaultSessionIssuer
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &SessionValidator{
		signingSecret: append([]byte(nil), cfg.SigningSecret...),
		issuer:        issuer,
		cookieName:    cookieName,
		clock:         clock,
	}, nil
}

// ValidateToken verifies a session JWT and resolves its account. Tokens
// without an expiry are rejected.
func (v *SessionValidator) ValidateToken(tokenString string) (Session, error) {
	token := strings.TrimSpace(tokenString)
	if token == "" {
		return Session{}, ErrMissingSessionToken
	}

	claims := &SessionClaims{}
	_, err := jwt.ParseWithClaims(
		token,
		claims,
		func(*jwt.Token) (interface{}, error) {
			return v.signingSecret, nil
		},
		jwt.WithTimeFunc(v.clock),
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
	)
	if errors.Is(err, jwt.ErrTokenExpired) {
		return Session{}, ErrExpiredSessionToken
	}
	if err != nil {
		return Session{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}

	accountID, err := claims.accountID()
	if err != nil {
		return Session{}, err
	}
	return Session{AccountID: accountID, ExpiresAt: claims.ExpiresAt.Time}, nil
}

// ValidateRequest reads the session cookie from r and validates it.
func (v *SessionValidator) ValidateRequest(r *http.Request) (Session, error) {
	if r == nil {
		return Session{}, ErrMissingSessionToken
	}
	cookie, err := r.Cookie(v.cookieName)
	if err != nil {
		return Session{}, ErrMissingSessionToken
	}
	return v.ValidateToken(cookie.Value)
}
