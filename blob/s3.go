package blob

import (
	"bytes"
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"

	"github.com/ternmail/tern/config"
	"github.com/ternmail/tern/consts"
	"github.com/ternmail/tern/logger"
	"github.com/ternmail/tern/pkg/circuitbreaker"
)

// S3Backend stores blobs in an S3-compatible object store. Bytes can be
// encrypted client-side with AES-256-GCM before upload; the object key is
// always the plaintext content hash, so deduplication still works with
// encryption enabled.
type S3Backend struct {
	client  *minio.Client
	bucket  string
	key     []byte // nil disables encryption
	breaker *circuitbreaker.CircuitBreaker
}

// NewS3 builds an S3 backend from configuration.
func NewS3(cfg *config.S3Config, encryptionKey string) (*S3Backend, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseTLS,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize S3 client: %w", err)
	}
	if cfg.Trace {
		client.TraceOn(os.Stdout)
	}

	b := &S3Backend{
		client: client,
		bucket: cfg.Bucket,
		breaker: circuitbreaker.New(circuitbreaker.Settings{
			Name: "s3",
			// A missing object is an answer, not a backend failure.
			IsSuccessful: func(err error) bool {
				return err == nil || isS3NotFound(err)
			},
			OnStateChange: func(name string, from, to circuitbreaker.State) {
				logger.Warn("blob backend circuit state changed", "backend", name,
					"from", from.String(), "to", to.String())
			},
		}),
	}

	if encryptionKey != "" {
		key, err := hex.DecodeString(encryptionKey)
		if err != nil {
			return nil, fmt.Errorf("failed to decode blob encryption key: %w", err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("blob encryption key must be 32 bytes (64 hex characters)")
		}
		b.key = key
		logger.Info("blob client-side encryption enabled")
	}
	return b, nil
}

func (b *S3Backend) Name() string {
	return "s3"
}

func (b *S3Backend) Put(ctx context.Context, hash string, data []byte) error {
	if b.key != nil {
		encrypted, err := b.encrypt(data)
		if err != nil {
			return fmt.Errorf("failed to encrypt blob %s: %w", hash, err)
		}
		data = encrypted
	}

	return b.do(func() error {
		_, err := b.client.PutObject(ctx, b.bucket, hash,
			bytes.NewReader(data), int64(len(data)),
			minio.PutObjectOptions{SendContentMd5: true})
		return err
	})
}

func (b *S3Backend) Get(ctx context.Context, hash string) ([]byte, error) {
	var data []byte
	err := b.do(func() error {
		obj, err := b.client.GetObject(ctx, b.bucket, hash, minio.GetObjectOptions{})
		if err != nil {
			return err
		}
		defer obj.Close()
		data, err = io.ReadAll(obj)
		return err
	})
	if err != nil {
		if isS3NotFound(err) {
			return nil, fmt.Errorf("%w: %s", consts.ErrBlobNotFound, hash)
		}
		return nil, err
	}

	if b.key != nil {
		decrypted, err := b.decrypt(data)
		if err != nil {
			return nil, fmt.Errorf("%w: failed to decrypt blob %s: %v", consts.ErrCorruption, hash, err)
		}
		data = decrypted
	}
	return data, nil
}

// Delete is idempotent: removing an object that is already gone succeeds.
func (b *S3Backend) Delete(ctx context.Context, hash string) error {
	return b.do(func() error {
		err := b.client.RemoveObject(ctx, b.bucket, hash, minio.RemoveObjectOptions{})
		if isS3NotFound(err) {
			return nil
		}
		return err
	})
}

func (b *S3Backend) Exists(ctx context.Context, hash string) (bool, error) {
	exists := false
	err := b.do(func() error {
		_, err := b.client.StatObject(ctx, b.bucket, hash, minio.StatObjectOptions{})
		if err == nil {
			exists = true
			return nil
		}
		if isS3NotFound(err) {
			return nil
		}
		return err
	})
	return exists, err
}

func (b *S3Backend) do(fn func() error) error {
	err := b.breaker.Do(fn)
	if errors.Is(err, circuitbreaker.ErrOpen) || errors.Is(err, circuitbreaker.ErrTooManyRequests) {
		return fmt.Errorf("%w: %v", consts.ErrBackendUnavailable, err)
	}
	return err
}

func isS3NotFound(err error) bool {
	var resp minio.ErrorResponse
	return errors.As(err, &resp) && resp.StatusCode == 404
}

func (b *S3Backend) encrypt(plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(b.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, err
	}
	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (b *S3Backend) decrypt(ciphertext []byte) ([]byte, error) {
	block, err := aes.NewCipher(b.key)
	if err != nil {
		return nil, err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) < gcm.NonceSize() {
		return nil, fmt.Errorf("ciphertext too short")
	}
	nonce, ciphertext := ciphertext[:gcm.NonceSize()], ciphertext[gcm.NonceSize():]
	return gcm.Open(nil, nonce, ciphertext, nil)
}
