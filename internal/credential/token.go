package credential

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Token is a bearer credential. A zero ExpiresOn means no token is known.
type Token struct {
	Value     string
	ExpiresOn time.Time
}

func (t Token) Known() bool { return !t.ExpiresOn.IsZero() }

// cacheFile mirrors the token file shared with the exporter.
type cacheFile struct {
	AccessToken string          `json:"access_token,omitempty"`
	ExpiresOn   json.RawMessage `json:"expires_on,omitempty"`
	ExpiresIn   json.RawMessage `json:"expires_in,omitempty"`
	Resource    string          `json:"resource,omitempty"`
	TokenType   string          `json:"token_type,omitempty"`
}

// ReadCache loads the token file. A missing file, empty content, or no usable
// expiry all yield a zero Token without error.
func ReadCache(path string) (Token, error) {
	b, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Token{}, nil
		}
		return Token{}, err
	}
	if len(strings.TrimSpace(string(b))) == 0 {
		return Token{}, nil
	}
	return parseTokenJSON(b)
}

func parseTokenJSON(b []byte) (Token, error) {
	var cf cacheFile
	if err := json.Unmarshal(b, &cf); err != nil {
		return Token{}, fmt.Errorf("parse token: %w", err)
	}
	tok := Token{Value: cf.AccessToken}
	if epoch, ok := parseEpoch(cf.ExpiresOn); ok {
		tok.ExpiresOn = time.Unix(epoch, 0)
		return tok, nil
	}
	if exp, ok := jwtExpiry(cf.AccessToken); ok {
		tok.ExpiresOn = exp
	}
	return tok, nil
}

// parseEpoch accepts 1700000000, "1700000000", or an RFC 3339 string.
func parseEpoch(raw json.RawMessage) (int64, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, false
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if v, err := n.Int64(); err == nil && v > 0 {
			return v, true
		}
		if f, err := n.Float64(); err == nil && f > 0 {
			return int64(f), true
		}
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, false
	}
	s = strings.TrimSpace(s)
	if v, err := strconv.ParseInt(s, 10, 64); err == nil && v > 0 {
		return v, true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t.Unix(), true
	}
	return 0, false
}

// jwtExpiry reads the exp claim without verifying the signature; the token
// is only inspected for scheduling.
func jwtExpiry(tok string) (time.Time, bool) {
	if strings.Count(tok, ".") != 2 {
		return time.Time{}, false
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok, claims); err != nil {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// WriteCache atomically replaces the token file with mode 0600.
func WriteCache(path string, body []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, ".token-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() { _ = os.Remove(tmp) }()
	if _, err := f.Write(body); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Chmod(0o600); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
