package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager"
	"github.com/aws/aws-sdk-go-v2/service/secretsmanager/types"

	"github.com/V4T54L/tenant-plane/internal/adapter/redact"
	"github.com/V4T54L/tenant-plane/internal/domain"
)

// secretsAPI is the subset of the Secrets Manager client used here.
type secretsAPI interface {
	GetSecretValue(ctx context.Context, in *secretsmanager.GetSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.GetSecretValueOutput, error)
	CreateSecret(ctx context.Context, in *secretsmanager.CreateSecretInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.CreateSecretOutput, error)
	PutSecretValue(ctx context.Context, in *secretsmanager.PutSecretValueInput, optFns ...func(*secretsmanager.Options)) (*secretsmanager.PutSecretValueOutput, error)
}

type cacheEntry struct {
	value     string
	expiresAt time.Time
}

// AWSStore implements domain.SecretStore on AWS Secrets Manager. Reads are
// cached for ttl because they sit on the tenant resolution path.
type AWSStore struct {
	client secretsAPI
	prefix string
	ttl    time.Duration
	logger *slog.Logger

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// NewAWSStore loads the default AWS configuration for region.
func NewAWSStore(ctx context.Context, region, prefix string, ttl time.Duration, logger *slog.Logger) (*AWSStore, error) {
	var opts []func(*config.LoadOptions) error
	if region != "" {
		opts = append(opts, config.WithRegion(region))
	}
	cfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return newAWSStore(secretsmanager.NewFromConfig(cfg), prefix, ttl, logger), nil
}

func newAWSStore(client secretsAPI, prefix string, ttl time.Duration, logger *slog.Logger) *AWSStore {
	return &AWSStore{
		client: client,
		prefix: prefix,
		ttl:    ttl,
		logger: logger.With("component", "aws_secret_store"),
		cache:  make(map[string]cacheEntry),
	}
}

// GetSecret returns the secret string for ref (a name or ARN).
func (s *AWSStore) GetSecret(ctx context.Context, ref string) (string, error) {
	s.mu.RLock()
	entry, ok := s.cache[ref]
	s.mu.RUnlock()
	if ok && time.Now().Before(entry.expiresAt) {
		return entry.value, nil
	}

	out, err := s.client.GetSecretValue(ctx, &secretsmanager.GetSecretValueInput{SecretId: aws.String(ref)})
	if err != nil {
		var notFound *types.ResourceNotFoundException
		if errors.As(err, &notFound) {
			return "", fmt.Errorf("%w: %s", domain.ErrSecretNotFound, redact.Reference(ref))
		}
		return "", fmt.Errorf("get secret %s: %w", redact.Reference(ref), err)
	}
	if out.SecretString == nil {
		return "", fmt.Errorf("secret %s has no string value", redact.Reference(ref))
	}

	value := *out.SecretString
	if s.ttl > 0 {
		s.mu.Lock()
		s.cache[ref] = cacheEntry{value: value, expiresAt: time.Now().Add(s.ttl)}
		s.mu.Unlock()
	}
	return value, nil
}

// PutSecret stores value under prefix/name, creating the secret or adding a
// new version, and returns its ARN.
func (s *AWSStore) PutSecret(ctx context.Context, name, value string) (string, error) {
	secretName := name
	if s.prefix != "" {
		secretName = s.prefix + "/" + name
	}

	created, err := s.client.CreateSecret(ctx, &secretsmanager.CreateSecretInput{
		Name:         aws.String(secretName),
		SecretString: aws.String(value),
		Description:  aws.String("tenant database connection url"),
	})
	if err == nil {
		s.logger.Info("tenant secret created", "secret", redact.Reference(aws.ToString(created.ARN)))
		return aws.ToString(created.ARN), nil
	}

	var exists *types.ResourceExistsException
	if !errors.As(err, &exists) {
		return "", fmt.Errorf("create secret %s: %w", secretName, err)
	}

	updated, err := s.client.PutSecretValue(ctx, &secretsmanager.PutSecretValueInput{
		SecretId:     aws.String(secretName),
		SecretString: aws.String(value),
	})
	if err != nil {
		return "", fmt.Errorf("update secret %s: %w", secretName, err)
	}
	ref := aws.ToString(updated.ARN)
	s.Invalidate(ref)
	s.logger.Info("tenant secret updated", "secret", redact.Reference(ref))
	return ref, nil
}

// Invalidate drops a cached value.
func (s *AWSStore) Invalidate(ref string) {
	s.mu.Lock()
	delete(s.cache, ref)
	s.mu.Unlock()
}
