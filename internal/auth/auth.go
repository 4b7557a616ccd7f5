// Package auth guards the status API with a static bearer token, HMAC
// signed JWTs, or a bcrypt-hashed basic credential.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrMissingCredentials = errors.New("authentication required")
)

type Method string

const (
	MethodToken Method = "token"
	MethodJWT   Method = "jwt"
	MethodBasic Method = "basic"
)

// Config selects the accepted credentials. Any configured method may be
// used; none configured with Enabled set is a configuration error.
type Config struct {
	Enabled      bool   `mapstructure:"enabled"`
	Token        string `mapstructure:"token"`
	JWTSecret    string `mapstructure:"jwt_secret"`
	Username     string `mapstructure:"username"`
	PasswordHash string `mapstructure:"password_hash"` // bcrypt
}

// Result describes an accepted request.
type Result struct {
	Method  Method
	Subject string
}

type Authenticator struct {
	cfg Config
	now func() time.Time
}

func New(cfg Config) (*Authenticator, error) {
	if cfg.Enabled {
		if cfg.Token == "" && cfg.JWTSecret == "" && cfg.Username == "" {
			return nil, errors.New("auth enabled but no token, jwt_secret or username configured")
		}
		if cfg.Username != "" {
			if _, err := bcrypt.Cost([]byte(cfg.PasswordHash)); err != nil {
				return nil, fmt.Errorf("password_hash: %w", err)
			}
		}
	}
	return &Authenticator{cfg: cfg, now: time.Now}, nil
}

func (a *Authenticator) Enabled() bool { return a != nil && a.cfg.Enabled }

// Authenticate checks the Authorization header of r.
func (a *Authenticator) Authenticate(r *http.Request) (Result, error) {
	if bearer, ok := bearerToken(r); ok {
		if a.cfg.Token != "" && subtle.ConstantTimeCompare([]byte(a.cfg.Token), []byte(bearer)) == 1 {
			return Result{Method: MethodToken}, nil
		}
		if a.cfg.JWTSecret != "" {
			return a.verifyJWT(bearer)
		}
		return Result{}, ErrInvalidCredentials
	}
	if user, pass, ok := r.BasicAuth(); ok {
		if a.cfg.Username == "" || subtle.ConstantTimeCompare([]byte(a.cfg.Username), []byte(user)) != 1 {
			return Result{}, ErrInvalidCredentials
		}
		if err := bcrypt.CompareHashAndPassword([]byte(a.cfg.PasswordHash), []byte(pass)); err != nil {
			return Result{}, ErrInvalidCredentials
		}
		return Result{Method: MethodBasic, Subject: user}, nil
	}
	return Result{}, ErrMissingCredentials
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	scheme, tok, ok := strings.Cut(h, " ")
	if !ok || !strings.EqualFold(scheme, "bearer") || tok == "" {
		return "", false
	}
	return strings.TrimSpace(tok), true
}

func (a *Authenticator) verifyJWT(raw string) (Result, error) {
	claims := &jwt.RegisteredClaims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(a.cfg.JWTSecret), nil
	}, jwt.WithTimeFunc(a.now), jwt.WithExpirationRequired())
	if err != nil || !tok.Valid {
		return Result{}, ErrInvalidCredentials
	}
	return Result{Method: MethodJWT, Subject: claims.Subject}, nil
}

// IssueJWT signs a token for subject valid for ttl. Used by the CLI to hand
// out status API credentials.
func IssueJWT(secret, subject string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// HashPassword produces a value for Config.PasswordHash.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password is empty")
	}
	b, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
