// Package credentials provides a CredentialSource interface plus a
// trivial env/file-backed implementation. Real OAuth2 negotiation is
// out of scope.
package credentials

import (
	"context"
	"fmt"
	"os"
	"strings"
)

// CredentialSource hands out a bearer token for the sheets wire client.
type CredentialSource interface {
	Token(ctx context.Context) (string, error)
}

// FileCredentialSource hands out a bearer token taken directly from an
// environment variable when one is set, and otherwise read from a file.
type FileCredentialSource struct {
	TokenPath string
	EnvToken  string
}

// Token returns the configured token. It prefers EnvToken, then reads TokenPath.
func (f FileCredentialSource) Token(ctx context.Context) (string, error) {
	if f.EnvToken != "" {
		return f.EnvToken, nil
	}
	if f.TokenPath == "" {
		return "", fmt.Errorf("credentials: no token source configured")
	}
	data, err := os.ReadFile(f.TokenPath)
	if err != nil {
		return "", fmt.Errorf("credentials: read token file: %w", err)
	}
	return strings.TrimSpace(string(data)), nil
}

// NewFromEnv builds a FileCredentialSource from the recognized
// environment variables (GOOGLE_OAUTH_TOKEN, GOOGLE_OAUTH_TOKEN_PATH).
func NewFromEnv() FileCredentialSource {
	return FileCredentialSource{
		TokenPath: os.Getenv("GOOGLE_OAUTH_TOKEN_PATH"),
		EnvToken:  os.Getenv("GOOGLE_OAUTH_TOKEN"),
	}
}
