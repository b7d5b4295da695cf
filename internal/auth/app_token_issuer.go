package auth

import (
	"crypto/rsa"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// GitHub rejects app tokens valid for more than ten minutes.
	appTokenBackdate = 60 * time.Second
	appTokenTTL      = 9 * time.Minute
)

var (
	errMissingAppID      = errors.New("app token issuer: app id must be positive")
	errMissingPrivateKey = errors.New("app token issuer: private key must be provided")
)

// AppTokenIssuerConfig configures the GitHub App JWT issuer.
type AppTokenIssuerConfig struct {
	AppID         int64
	PrivateKeyPEM []byte
	Clock         func() time.Time
}

// AppTokenIssuer signs RS256 JWTs that authenticate as the GitHub App itself.
type AppTokenIssuer struct {
	appID      string
	privateKey *rsa.PrivateKey
	clock      func() time.Time
}

// NewAppTokenIssuer parses the PEM private key and returns an issuer.
func NewAppTokenIssuer(cfg AppTokenIssuerConfig) (*AppTokenIssuer, error) {
	if cfg.AppID <= 0 {
		return nil, errMissingAppID
	}
	if len(strings.TrimSpace(string(cfg.PrivateKeyPEM))) == 0 {
		return nil, errMissingPrivateKey
	}
	key, err := jwt.ParseRSAPrivateKeyFromPEM(cfg.PrivateKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("app token issuer: parse private key: %w", err)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &AppTokenIssuer{
		appID:      strconv.FormatInt(cfg.AppID, 10),
		privateKey: key,
		clock:      clock,
	}, nil
}

// IssueAppToken returns a signed app JWT and its expiry.
func (i *AppTokenIssuer) IssueAppToken() (string, time.Time, error) {
	now := i.clock().UTC()
	expiresAt := now.Add(appTokenTTL)
	claims := jwt.RegisteredClaims{
		Issuer:    i.appID,
		IssuedAt:  jwt.NewNumericDate(now.Add(-appTokenBackdate)),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(i.privateKey)
	if err != nil {
		return "", time.Time{}, err
	}
	return signed, expiresAt, nil
}

// ValidateAppToken checks a token against the issuer's public key and returns
// its claims.
func (i *AppTokenIssuer) ValidateAppToken(tokenString string) (jwt.RegisteredClaims, error) {
	claims := jwt.RegisteredClaims{}
	_, err := jwt.ParseWithClaims(
		tokenString,
		&claims,
		func(*jwt.Token) (interface{}, error) {
			return &i.privateKey.PublicKey, nil
		},
		jwt.WithIssuer(i.appID),
		jwt.WithTimeFunc(i.clock),
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
	)
	if err != nil {
		return jwt.RegisteredClaims{}, err
	}
	return claims, nil
}
