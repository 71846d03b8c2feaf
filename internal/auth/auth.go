// Package auth guards the control plane with a single operator account
// and bearer tokens.
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrAuthDisabled       = errors.New("authentication is disabled")
)

// Config describes the operator account.
type Config struct {
	Enabled  bool
	Username string
	// Password is plaintext or a bcrypt hash.
	Password string
	Secret   string
	Expiry   time.Duration
}

// ConfigFromEnv reads AUTH_ENABLED, AUTH_USERNAME, AUTH_PASSWORD,
// STRANDCAM_JWT_SECRET and JWT_EXPIRY.
func ConfigFromEnv(getenv func(string) string) Config {
	cfg := Config{
		Enabled:  getenv("AUTH_ENABLED") == "true",
		Username: getenv("AUTH_USERNAME"),
		Password: getenv("AUTH_PASSWORD"),
		Secret:   getenv("STRANDCAM_JWT_SECRET"),
		Expiry:   24 * time.Hour,
	}
	if cfg.Username == "" {
		cfg.Username = "admin"
	}
	if exp := getenv("JWT_EXPIRY"); exp != "" {
		if d, err := time.ParseDuration(exp); err == nil {
			cfg.Expiry = d
		}
	}
	return cfg
}

// Authenticator checks operator credentials and issues tokens.
type Authenticator struct {
	enabled      bool
	username     string
	passwordHash []byte
	jwtManager   *JWTManager
}

// NewAuthenticator builds an authenticator. An enabled config needs a
// password.
func NewAuthenticator(cfg Config) (*Authenticator, error) {
	a := &Authenticator{
		enabled:    cfg.Enabled,
		username:   cfg.Username,
		jwtManager: NewJWTManager(cfg.Secret, cfg.Expiry),
	}
	if !cfg.Enabled {
		return a, nil
	}
	if cfg.Password == "" {
		return nil, fmt.Errorf("AUTH_PASSWORD is required when authentication is enabled")
	}
	if isBcryptHash(cfg.Password) {
		a.passwordHash = []byte(cfg.Password)
		return a, nil
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(cfg.Password), bcrypt.DefaultCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}
	a.passwordHash = hash
	return a, nil
}

func isBcryptHash(s string) bool {
	return len(s) == 60 && strings.HasPrefix(s, "$2")
}

// IsEnabled returns whether authentication is enabled
func (a *Authenticator) IsEnabled() bool {
	return a.enabled
}

// Authenticate validates credentials and returns a token with its expiry
// as unix seconds.
func (a *Authenticator) Authenticate(username, password string) (string, int64, error) {
	if !a.enabled {
		return "", 0, ErrAuthDisabled
	}
	if username != a.username {
		return "", 0, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword(a.passwordHash, []byte(password)); err != nil {
		return "", 0, ErrInvalidCredentials
	}

	token, expiresAt, err := a.jwtManager.GenerateToken(username)
	if err != nil {
		return "", 0, err
	}
	return token, expiresAt.Unix(), nil
}

// ValidateToken validates a JWT token
func (a *Authenticator) ValidateToken(token string) (*Claims, error) {
	return a.jwtManager.ValidateToken(token)
}

// HashPassword creates a bcrypt hash for use in AUTH_PASSWORD.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
