// Package secrets resolves credentials stored in AWS Secrets Manager.
package secrets

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/smithy-go"
	"github.com/migadu/s3watcher/logger"
)

const (
	ResourceNotFoundException = "ResourceNotFoundException"
	AccessDeniedException     = "AccessDeniedException"

	// APIKeyField is read when the secret holds a JSON document.
	APIKeyField = "api_key"
)

var (
	ErrSecretNotFound = errors.New("secret not found")
	ErrAccessDenied   = errors.New("access to secret denied")
	ErrEmptySecret    = errors.New("secret has no string value")
)

// ManagerAPI is the subset of the Secrets Manager client used here.
type ManagerAPI interface {
	GetSecretValue(ctx context.Context, params *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
}

type Resolver struct {
	api ManagerAPI
}

func NewResolver(api ManagerAPI) *Resolver {
	return &Resolver{api: api}
}

// NewResolverFromConfig builds a resolver on the Secrets Manager client for cfg.
func NewResolverFromConfig(cfg aws.Config) *Resolver {
	return NewResolver(secretsmanager.NewFromConfig(cfg))
}

// Resolve returns the secret's string value. A JSON object secret yields its
// "api_key" field.
func (r *Resolver) Resolve(ctx context.Context, secretID string) (string, error) {
	out, err := r.api.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{
		SecretId: aws.String(secretID),
	})
	if err != nil {
		return "", wrapError(secretID, err)
	}

	value := strings.TrimSpace(aws.ToString(out.SecretString))
	if value == "" {
		return "", fmt.Errorf("%s: %w", secretID, ErrEmptySecret)
	}

	if strings.HasPrefix(value, "{") {
		var doc map[string]any
		if err := json.Unmarshal([]byte(value), &doc); err != nil {
			return "", fmt.Errorf("%s: invalid JSON secret: %w", secretID, err)
		}
		key, ok := doc[APIKeyField].(string)
		if !ok || key == "" {
			return "", fmt.Errorf("%s: JSON secret has no %q field", secretID, APIKeyField)
		}
		value = key
	}

	logger.Info("Secrets: resolved secret", "secret_id", secretID)
	return value, nil
}

func wrapError(secretID string, err error) error {
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case ResourceNotFoundException:
			return fmt.Errorf("%s: %w: %v", secretID, ErrSecretNotFound, err)
		case AccessDeniedException:
			return fmt.Errorf("%s: %w: %v", secretID, ErrAccessDenied, err)
		}
	}
	return fmt.Errorf("failed to get secret %s: %w", secretID, err)
}
