package credentials

import (
	"context"
	"fmt"

	"github.com/stacklok/issuesync/internal/config"
)

// NewProvider creates the provider selected by the credentials configuration
func NewProvider(ctx context.Context, cfg *config.CredentialsConfig) (Provider, error) {
	if cfg == nil {
		return NewEnvProvider(), nil
	}

	switch cfg.GetSource() {
	case config.CredentialsSourceEnv:
		return NewEnvProvider(), nil
	case config.CredentialsSourceFile:
		return NewFileProvider(cfg.File)
	case config.CredentialsSourceAWS:
		if cfg.AWS == nil {
			return nil, fmt.Errorf("aws secret configuration is required")
		}
		return NewSecretsManagerProvider(ctx, cfg.AWS.SecretID, cfg.AWS.Region)
	default:
		return nil, fmt.Errorf("unsupported credentials source: %s", cfg.Source)
	}
}
