package auth

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const defaultTokenTTL = 5 * time.Minute

// Refresh slightly before expiry so a token never dies mid-request.
const refreshSkew = 30 * time.Second

var (
	errMissingSigningSecret = errors.New("signing secret must be provided")
	errMissingDeviceID      = errors.New("device id must be provided")
)

// TokenIssuerConfig configures the device JWT issuer used on remote calls.
type TokenIssuerConfig struct {
	SigningSecret []byte
	DeviceID      string
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
	Clock         func() time.Time
}

// TokenIssuer signs short-lived HS256 tokens identifying this device to the
// remote system. Tokens are cached until close to expiry.
type TokenIssuer struct {
	config TokenIssuerConfig
	clock  func() time.Time

	mu        sync.Mutex
	cached    string
	expiresAt time.Time
}

// NewTokenIssuer constructs a TokenIssuer with sane defaults.
func NewTokenIssuer(cfg TokenIssuerConfig) (*TokenIssuer, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, errMissingSigningSecret
	}
	if cfg.DeviceID == "" {
		return nil, errMissingDeviceID
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = defaultTokenTTL
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	return &TokenIssuer{config: cfg, clock: cfg.Clock}, nil
}

// DeviceToken returns a signed token for the Authorization header, reusing
// the cached one while it remains valid.
func (i *TokenIssuer) DeviceToken() (string, error) {
	i.mu.Lock()
	defer i.mu.Unlock()

	now := i.clock().UTC()
	if i.cached != "" && now.Add(refreshSkew).Before(i.expiresAt) {
		return i.cached, nil
	}

	expiresAt := now.Add(i.config.TokenTTL)
	registered := jwt.RegisteredClaims{
		Subject:   i.config.DeviceID,
		Issuer:    i.config.Issuer,
		Audience:  []string{i.config.Audience},
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expiresAt),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, registered)
	signed, err := token.SignedString(i.config.SigningSecret)
	if err != nil {
		return "", err
	}

	i.cached = signed
	i.expiresAt = expiresAt
	return signed, nil
}
