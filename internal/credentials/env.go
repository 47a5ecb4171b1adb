package credentials

import (
	"context"
	"os"
	"strings"
)

const (
	// EnvBaseURL names the environment variable holding the tracker base URL
	EnvBaseURL = "ISSUESYNC_JIRA_BASE_URL"

	// EnvPrincipal names the environment variable holding the account principal (usually an email)
	EnvPrincipal = "ISSUESYNC_JIRA_PRINCIPAL"

	// EnvToken names the environment variable holding the API token
	EnvToken = "ISSUESYNC_JIRA_TOKEN"
)

// EnvProvider reads credentials from the process environment
type EnvProvider struct {
	lookup func(string) (string, bool)
}

// NewEnvProvider creates a provider backed by os.LookupEnv
func NewEnvProvider() *EnvProvider {
	return &EnvProvider{lookup: os.LookupEnv}
}

// Credentials implements Provider
func (p *EnvProvider) Credentials(_ context.Context) (*Credentials, error) {
	get := func(name string) string {
		v, _ := p.lookup(name)
		return strings.TrimSpace(v)
	}

	creds := &Credentials{
		BaseURL:   strings.TrimRight(get(EnvBaseURL), "/"),
		Principal: get(EnvPrincipal),
		Token:     Secret(get(EnvToken)),
	}
	if err := creds.Validate(); err != nil {
		return nil, err
	}
	return creds, nil
}
