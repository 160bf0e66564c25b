package secrets

import (
	"context"
	"fmt"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"github.com/rs/zerolog/log"
)

// KMS is a Provider that holds the master secret only in sealed form and
// asks AWS KMS to unseal it on demand. The plaintext never rests on disk.
type KMS struct {
	client *kms.Client
	keyARN string
	sealed []byte
}

// KMSConfig holds KMS provider settings.
type KMSConfig struct {
	Region string `yaml:"region"`
	KeyARN string `yaml:"key_arn"`
}

// NewKMS creates a provider for an already-sealed master secret.
func NewKMS(ctx context.Context, cfg KMSConfig, sealed []byte) (*KMS, error) {
	if cfg.KeyARN == "" {
		return nil, fmt.Errorf("KMS key ARN is required")
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &KMS{
		client: kms.NewFromConfig(awsCfg),
		keyARN: cfg.KeyARN,
		sealed: append([]byte(nil), sealed...),
	}, nil
}

// GenerateSealed asks KMS for a fresh 256-bit data key and returns its
// sealed form for the caller to store. The plaintext half is discarded;
// MasterSecret unseals on demand instead.
func GenerateSealed(ctx context.Context, cfg KMSConfig) ([]byte, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx,
		awsconfig.WithRegion(cfg.Region),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	client := kms.NewFromConfig(awsCfg)

	result, err := client.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   &cfg.KeyARN,
		KeySpec: types.DataKeySpecAes256,
	})
	if err != nil {
		return nil, fmt.Errorf("KMS GenerateDataKey failed: %w", err)
	}

	log.Info().Str("key_arn", cfg.KeyARN).Msg("Generated sealed master secret")
	return result.CiphertextBlob, nil
}

// MasterSecret unseals and returns the master secret.
func (k *KMS) MasterSecret(ctx context.Context) ([]byte, error) {
	result, err := k.client.Decrypt(ctx, &kms.DecryptInput{
		KeyId:          &k.keyARN,
		CiphertextBlob: k.sealed,
	})
	if err != nil {
		return nil, fmt.Errorf("KMS decrypt failed: %w", err)
	}
	if len(result.Plaintext) != MasterSecretSize {
		return nil, ErrInvalidSecret
	}
	return result.Plaintext, nil
}
