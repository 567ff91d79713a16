package profile

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrNoToken means no session token has been stored for the profile.
	ErrNoToken = errors.New("no session token")
	// ErrTokenExpired means the stored token's expiry has passed.
	ErrTokenExpired = errors.New("session token expired")
)

// LoadToken reads the bearer token stored for a profile. The token is
// issued by the external auth service; this package never creates one.
func LoadToken(name string) (string, error) {
	data, err := os.ReadFile(TokenPath(name))
	if err != nil {
		if os.IsNotExist(err) {
			return "", ErrNoToken
		}
		return "", fmt.Errorf("read token: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

// SaveToken stores a bearer token for a profile.
func SaveToken(name, token string) error {
	if err := EnsureDir(name); err != nil {
		return err
	}
	return os.WriteFile(TokenPath(name), []byte(token+"\n"), 0600)
}

// CheckToken inspects a bearer token without verifying its signature
// (verification is the backend's job) and reports whether it is usable
// as a connect credential: well-formed and not past its expiry.
func CheckToken(token string) error {
	if token == "" {
		return ErrNoToken
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return fmt.Errorf("malformed token: %w", err)
	}
	exp, err := claims.GetExpirationTime()
	if err != nil {
		return fmt.Errorf("malformed token claims: %w", err)
	}
	if exp != nil && exp.Before(time.Now()) {
		return ErrTokenExpired
	}
	return nil
}

// Subject returns the user id (sub claim) embedded in the token, or an
// empty string when absent. The engine uses it to recognize its own
// messages in inbound events.
func Subject(token string) string {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return ""
	}
	sub, _ := claims.GetSubject()
	return sub
}
