// Package auth provides the bearer-token capability consumed by the
// realtime connection and the CRUD client.
package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"
)

// ErrNoToken is returned when no bearer token is currently available.
var ErrNoToken = errors.New("no bearer token available")

// TokenSource returns the freshest bearer token. Implementations must not
// cache across calls when the underlying credential can rotate.
type TokenSource interface {
	Token() (string, error)
}

// TokenFunc adapts a plain function to TokenSource.
type TokenFunc func() (string, error)

// Token implements TokenSource.
func (f TokenFunc) Token() (string, error) { return f() }

// StaticToken always returns the same token.
type StaticToken string

// Token implements TokenSource.
func (s StaticToken) Token() (string, error) {
	if s == "" {
		return "", ErrNoToken
	}
	return string(s), nil
}

// FileToken re-reads the token file on every call so a rotated credential
// is picked up by the next connect attempt.
type FileToken struct {
	Path string
}

// Token implements TokenSource.
func (f FileToken) Token() (string, error) {
	data, err := os.ReadFile(f.Path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return "", ErrNoToken
		}
		return "", fmt.Errorf("reading token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return "", ErrNoToken
	}
	return token, nil
}

// New picks a file source when a path is configured, otherwise a static one.
func New(token, tokenFile string) TokenSource {
	if tokenFile != "" {
		return FileToken{Path: tokenFile}
	}
	return StaticToken(token)
}

// Mask hides all but the first 4 characters of a token for logging.
func Mask(token string) string {
	if len(token) <= 4 {
		return "****"
	}
	return token[:4] + "****"
}
