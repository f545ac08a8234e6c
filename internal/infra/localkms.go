package infra

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
)

// LocalKMS はローカル開発・テスト用の鍵ラッパー。
// マスター鍵（AES-256）で AES-GCM 暗号化し、nonce を先頭に付与する。aad は GCM の追加データになる。
type LocalKMS struct {
	aead cipher.AEAD
}

// NewLocalKMS はBase64エンコードされた32バイトのマスター鍵から LocalKMS を生成する。
func NewLocalKMS(masterKeyB64 string) (*LocalKMS, error) {
	if masterKeyB64 == "" {
		return nil, errors.New("LOCAL_MASTER_KEY is required for the local KMS provider")
	}
	key, err := base64.StdEncoding.DecodeString(masterKeyB64)
	if err != nil {
		return nil, fmt.Errorf("decoding master key: %w", err)
	}
	return NewLocalKMSFromKey(key)
}

// NewLocalKMSFromKey は生のマスター鍵から LocalKMS を生成する。
func NewLocalKMSFromKey(key []byte) (*LocalKMS, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("master key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return &LocalKMS{aead: aead}, nil
}

// Encrypt は平文をマスター鍵で暗号化する。
func (k *LocalKMS) Encrypt(ctx context.Context, plaintext, aad []byte) ([]byte, error) {
	nonce := make([]byte, k.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	return k.aead.Seal(nonce, nonce, plaintext, aad), nil
}

// Decrypt はマスター鍵で暗号文を復号する。aad が暗号化時と異なれば失敗する。
func (k *LocalKMS) Decrypt(ctx context.Context, ciphertext, aad []byte) ([]byte, error) {
	ns := k.aead.NonceSize()
	if len(ciphertext) < ns {
		return nil, errors.New("decrypting: ciphertext too short")
	}
	plaintext, err := k.aead.Open(nil, ciphertext[:ns], ciphertext[ns:], aad)
	if err != nil {
		return nil, fmt.Errorf("decrypting: %w", err)
	}
	return plaintext, nil
}

// Close は何もしない。KMSClient とインターフェースを揃えるために定義する。
func (k *LocalKMS) Close() error {
	return nil
}
