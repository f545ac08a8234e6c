package infra

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"

	kms "cloud.google.com/go/kms/apiv1"
	kmspb "cloud.google.com/go/kms/apiv1/kmspb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"conduct-integrity-service/config"
)

// ErrKMSIntegrity はKMSとの通信でデータの破損を検出したことを表す。
var ErrKMSIntegrity = errors.New("kms request or response corrupted in transit")

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

func crc32c(b []byte) *wrapperspb.Int64Value {
	return wrapperspb.Int64(int64(crc32.Checksum(b, castagnoli)))
}

// KMSClient はCloud KMSで鍵ペアの秘密鍵をラップする。
// aad は AdditionalAuthenticatedData として送り、アンラップ時に同じ値を要求する。
type KMSClient struct {
	client  *kms.KeyManagementClient
	keyName string
}

// NewKMSClient は指定されたキー名でKMSClientを生成する。
func NewKMSClient(ctx context.Context, keyName string) (*KMSClient, error) {
	if keyName == "" {
		return nil, errors.New("KMS_KEY_NAME is required for the gcp KMS provider")
	}

	client, err := kms.NewKeyManagementClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("creating KMS client: %w", err)
	}

	return &KMSClient{
		client:  client,
		keyName: keyName,
	}, nil
}

// Encrypt は秘密鍵をラップする。送受信の CRC32C を検証する。
func (c *KMSClient) Encrypt(ctx context.Context, plaintext, aad []byte) ([]byte, error) {
	resp, err := c.client.Encrypt(ctx, &kmspb.EncryptRequest{
		Name:                              c.keyName,
		Plaintext:                         plaintext,
		PlaintextCrc32C:                   crc32c(plaintext),
		AdditionalAuthenticatedData:       aad,
		AdditionalAuthenticatedDataCrc32C: crc32c(aad),
	})
	if err != nil {
		return nil, fmt.Errorf("wrapping private key: %w", err)
	}
	if !resp.GetVerifiedPlaintextCrc32C() || !resp.GetVerifiedAdditionalAuthenticatedDataCrc32C() {
		return nil, fmt.Errorf("wrapping private key: %w", ErrKMSIntegrity)
	}
	if resp.GetCiphertextCrc32C().GetValue() != crc32c(resp.GetCiphertext()).GetValue() {
		return nil, fmt.Errorf("wrapping private key: %w", ErrKMSIntegrity)
	}
	return resp.GetCiphertext(), nil
}

// Decrypt はラップされた秘密鍵を戻す。aad はラップ時と同じ値を渡す。
func (c *KMSClient) Decrypt(ctx context.Context, ciphertext, aad []byte) ([]byte, error) {
	resp, err := c.client.Decrypt(ctx, &kmspb.DecryptRequest{
		Name:                              c.keyName,
		Ciphertext:                        ciphertext,
		CiphertextCrc32C:                  crc32c(ciphertext),
		AdditionalAuthenticatedData:       aad,
		AdditionalAuthenticatedDataCrc32C: crc32c(aad),
	})
	if err != nil {
		return nil, fmt.Errorf("unwrapping private key: %w", err)
	}
	if resp.GetPlaintextCrc32C().GetValue() != crc32c(resp.GetPlaintext()).GetValue() {
		return nil, fmt.Errorf("unwrapping private key: %w", ErrKMSIntegrity)
	}
	return resp.GetPlaintext(), nil
}

// Close はKMSクライアントを閉じる。
func (c *KMSClient) Close() error {
	return c.client.Close()
}

// KeyWrapper は秘密鍵のラップ・アンラップを行うクライアント。
type KeyWrapper interface {
	Encrypt(ctx context.Context, plaintext, aad []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext, aad []byte) ([]byte, error)
	Close() error
}

// NewKeyWrapper は KMS_PROVIDER に応じたクライアントを生成する。
func NewKeyWrapper(ctx context.Context, cfg *config.Config) (KeyWrapper, error) {
	switch cfg.KMSProvider {
	case "local":
		k, err := NewLocalKMS(cfg.LocalMasterKey)
		if err != nil {
			return nil, err
		}
		return k, nil
	case "gcp":
		c, err := NewKMSClient(ctx, cfg.KMSKeyName)
		if err != nil {
			return nil, err
		}
		return c, nil
	default:
		return nil, fmt.Errorf("unsupported KMS provider %q", cfg.KMSProvider)
	}
}
