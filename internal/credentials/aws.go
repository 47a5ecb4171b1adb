package credentials

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/smithy-go"
)

// AWS Secrets Manager error codes
const (
	resourceNotFoundException = "ResourceNotFoundException"
	accessDeniedException     = "AccessDeniedException"
)

// SecretsManagerAPI is the subset of the Secrets Manager client used here
type SecretsManagerAPI interface {
	GetSecretValue(
		ctx context.Context,
		params *secretsmanager.GetSecretValueInput,
		optFns ...func(*secretsmanager.Options),
	) (*secretsmanager.GetSecretValueOutput, error)
}

// SecretsManagerProvider reads a JSON credentials document from AWS Secrets Manager
type SecretsManagerProvider struct {
	api      SecretsManagerAPI
	secretID string
}

// NewSecretsManagerProvider creates a provider using the default AWS configuration chain.
// An empty region leaves region resolution to the SDK.
func NewSecretsManagerProvider(ctx context.Context, secretID, region string) (*SecretsManagerProvider, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}

	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewSecretsManagerProviderWithAPI(secretsmanager.NewFromConfig(cfg), secretID)
}

// NewSecretsManagerProviderWithAPI creates a provider with an injected client
func NewSecretsManagerProviderWithAPI(api SecretsManagerAPI, secretID string) (*SecretsManagerProvider, error) {
	if api == nil {
		return nil, fmt.Errorf("secrets manager client is required")
	}
	if secretID == "" {
		return nil, fmt.Errorf("secret id is required")
	}
	return &SecretsManagerProvider{api: api, secretID: secretID}, nil
}

// Credentials implements Provider
func (p *SecretsManagerProvider) Credentials(ctx context.Context) (*Credentials, error) {
	output, err := p.api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(p.secretID),
	})
	if err != nil {
		var apiErr smithy.APIError
		if errors.As(err, &apiErr) {
			switch apiErr.ErrorCode() {
			case resourceNotFoundException:
				return nil, fmt.Errorf("%w: %s", ErrSecretNotFound, p.secretID)
			case accessDeniedException:
				return nil, fmt.Errorf("%w: %s", ErrAccessDenied, p.secretID)
			}
		}
		slog.ErrorContext(ctx, "Failed to retrieve credentials secret", "secret_id", p.secretID, "error", err)
		return nil, fmt.Errorf("failed to retrieve secret %s: %w", p.secretID, err)
	}

	var payload []byte
	switch {
	case output.SecretString != nil:
		payload = []byte(*output.SecretString)
	case output.SecretBinary != nil:
		payload = output.SecretBinary
	default:
		return nil, fmt.Errorf("%w: secret %s has no value", ErrMissingCredentials, p.secretID)
	}

	return parseDocument(payload)
}
