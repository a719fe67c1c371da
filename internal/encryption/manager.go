package encryption

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/kms"
	"github.com/aws/aws-sdk-go-v2/service/kms/types"
	"go.uber.org/zap"

	"ratelimit-service/internal/config"
	"ratelimit-service/internal/util"
)

var (
	ErrDecryptionFailed = errors.New("decryption failed")
	ErrEmptySecret      = errors.New("secret is empty")
)

const secretSize = 32

// KMSAPI is the subset of the KMS client used here.
type KMSAPI interface {
	GenerateDataKey(ctx context.Context, params *kms.GenerateDataKeyInput, optFns ...func(*kms.Options)) (*kms.GenerateDataKeyOutput, error)
	Decrypt(ctx context.Context, params *kms.DecryptInput, optFns ...func(*kms.Options)) (*kms.DecryptOutput, error)
}

// WrappedSecret is a freshly generated secret and its storable form.
type WrappedSecret struct {
	Plaintext []byte
	// Encoded is base64 of the KMS ciphertext blob, or of the plaintext when
	// KMS is disabled.
	Encoded string
	KeyID   string
}

// SecretManager unwraps secrets kept in configuration, such as the key
// derivation pepper. With KMS disabled the stored value is plain base64.
type SecretManager struct {
	kmsClient KMSAPI
	config    *config.KMSConfig
	cache     sync.Map
}

func NewSecretManager(cfg *config.KMSConfig, kmsClient KMSAPI) *SecretManager {
	return &SecretManager{
		kmsClient: kmsClient,
		config:    cfg,
	}
}

// NewKMSClient loads the default AWS credential chain for region.
func NewKMSClient(ctx context.Context, region string) (*kms.Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	return kms.NewFromConfig(awsCfg), nil
}

func (sm *SecretManager) kmsEnabled() bool {
	return sm.config != nil && sm.config.Enabled
}

// Unwrap decodes encoded and, when KMS is enabled, decrypts it.
func (sm *SecretManager) Unwrap(ctx context.Context, encoded string) ([]byte, error) {
	if encoded == "" {
		return nil, ErrEmptySecret
	}
	if cached, ok := sm.cache.Load(encoded); ok {
		return cached.([]byte), nil
	}

	blob, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("%w: invalid base64 secret", ErrDecryptionFailed)
	}

	plaintext := blob
	if sm.kmsEnabled() {
		if sm.kmsClient == nil {
			return nil, fmt.Errorf("%w: kms client not configured", ErrDecryptionFailed)
		}
		result, err := sm.kmsClient.Decrypt(ctx, &kms.DecryptInput{
			CiphertextBlob: blob,
			KeyId:          aws.String(sm.config.KeyID),
		})
		if err != nil {
			return nil, fmt.Errorf("%w: failed to decrypt secret: %v", ErrDecryptionFailed, err)
		}
		plaintext = result.Plaintext
	}
	if len(plaintext) == 0 {
		return nil, ErrEmptySecret
	}

	sm.cache.Store(encoded, plaintext)
	return plaintext, nil
}

// Generate creates a new 256-bit secret wrapped for storage in KEY_PEPPER.
func (sm *SecretManager) Generate(ctx context.Context) (*WrappedSecret, error) {
	if !sm.kmsEnabled() {
		secret := make([]byte, secretSize)
		if _, err := rand.Read(secret); err != nil {
			return nil, fmt.Errorf("failed to generate secret: %w", err)
		}
		return &WrappedSecret{
			Plaintext: secret,
			Encoded:   base64.StdEncoding.EncodeToString(secret),
			KeyID:     "local",
		}, nil
	}

	if sm.kmsClient == nil {
		return nil, fmt.Errorf("kms client not configured")
	}
	result, err := sm.kmsClient.GenerateDataKey(ctx, &kms.GenerateDataKeyInput{
		KeyId:   aws.String(sm.config.KeyID),
		KeySpec: types.DataKeySpecAes256,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to generate data key: %w", err)
	}

	util.Info("Generated KMS wrapped secret", zap.String("key_id", sm.config.KeyID))
	return &WrappedSecret{
		Plaintext: result.Plaintext,
		Encoded:   base64.StdEncoding.EncodeToString(result.CiphertextBlob),
		KeyID:     sm.config.KeyID,
	}, nil
}

// ClearCache drops every unwrapped secret held in memory.
func (sm *SecretManager) ClearCache() {
	sm.cache.Range(func(key, _ interface{}) bool {
		sm.cache.Delete(key)
		return true
	})
}
