// Package credentials supplies the base URL, principal and API token used to reach the issue tracker.
// Values are fetched once per run and are never logged.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"gopkg.in/yaml.v3"
)

const redacted = "[REDACTED]"

var (
	// ErrMissingCredentials is returned when a provider yields no usable credentials
	ErrMissingCredentials = errors.New("credentials are incomplete")

	// ErrSecretNotFound is returned when the backing secret does not exist
	ErrSecretNotFound = errors.New("secret not found")

	// ErrAccessDenied is returned when the caller may not read the backing secret
	ErrAccessDenied = errors.New("access denied to secret")
)

// Secret is a sensitive string. It formats and logs as a redacted placeholder.
type Secret string

// String implements fmt.Stringer
func (Secret) String() string { return redacted }

// GoString implements fmt.GoStringer
func (Secret) GoString() string { return redacted }

// LogValue implements slog.LogValuer
func (Secret) LogValue() slog.Value { return slog.StringValue(redacted) }

// MarshalText keeps secrets out of encoded output
func (Secret) MarshalText() ([]byte, error) { return []byte(redacted), nil }

// Reveal returns the underlying value
func (s Secret) Reveal() string { return string(s) }

// Credentials holds everything needed to authenticate against the search API
type Credentials struct {
	BaseURL   string
	Principal string
	Token     Secret
}

// LogValue implements slog.LogValuer. Only the host is logged.
func (c Credentials) LogValue() slog.Value {
	host := ""
	if u, err := url.Parse(c.BaseURL); err == nil {
		host = u.Host
	}
	return slog.GroupValue(
		slog.String("host", host),
		slog.Bool("basic_auth", c.Principal != ""),
	)
}

// Validate checks that the credentials are complete and the base URL is absolute
func (c *Credentials) Validate() error {
	if c == nil {
		return ErrMissingCredentials
	}
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL is required", ErrMissingCredentials)
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("%w: base URL must be an absolute URL", ErrMissingCredentials)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return fmt.Errorf("%w: base URL scheme must be http or https", ErrMissingCredentials)
	}
	if c.Token == "" {
		return fmt.Errorf("%w: token is required", ErrMissingCredentials)
	}
	return nil
}

// Provider supplies credentials for a run
//
//go:generate mockgen -destination=mocks/mock_provider.go -package=mocks github.com/stacklok/issuesync/internal/credentials Provider
type Provider interface {
	// Credentials returns validated credentials
	Credentials(ctx context.Context) (*Credentials, error)
}

// document is the serialized form shared by the file and secret manager providers
type document struct {
	BaseURL   string `yaml:"baseUrl"`
	Principal string `yaml:"principal"`
	Token     string `yaml:"token"`
}

// parseDocument decodes a YAML or JSON credentials document
func parseDocument(data []byte) (*Credentials, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse credentials document: %w", err)
	}

	creds := &Credentials{
		BaseURL:   strings.TrimRight(strings.TrimSpace(doc.BaseURL), "/"),
		Principal: strings.TrimSpace(doc.Principal),
		Token:     Secret(strings.TrimSpace(doc.Token)),
	}
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	return creds, nil
}
