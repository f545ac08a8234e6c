// Package domain はドメインモデルとビジネスルールを定義する。
package domain

import (
	"fmt"
	"time"
)

// KeyAlgorithmRSA2048 は署名・暗号化に用いる鍵ペアのアルゴリズム名。
const KeyAlgorithmRSA2048 = "RSA-2048"

// KeyPair は署名と暗号化に用いる非対称鍵ペアを表す。
// 秘密鍵はKMSでラップされた状態でのみ保持する。
type KeyPair struct {
	ID                  string
	Generation          uint
	Algorithm           string
	PublicKeyPEM        []byte
	EncryptedPrivateKey []byte
	Active              bool
	SupersededBy        *string
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// KeyMetadata は鍵ペアのメタデータを表す（秘密鍵を含まない）。
type KeyMetadata struct {
	ID           string
	Generation   uint
	Algorithm    string
	Active       bool
	SupersededBy *string
	CreatedAt    time.Time
}

// Metadata は秘密鍵を除いたメタデータを返す。
func (k *KeyPair) Metadata() *KeyMetadata {
	return &KeyMetadata{
		ID:           k.ID,
		Generation:   k.Generation,
		Algorithm:    k.Algorithm,
		Active:       k.Active,
		SupersededBy: k.SupersededBy,
		CreatedAt:    k.CreatedAt,
	}
}

// KeyIDForGeneration は世代番号から鍵IDを生成する（例: 3 -> "K3"）。
func KeyIDForGeneration(generation uint) string {
	return fmt.Sprintf("K%d", generation)
}
