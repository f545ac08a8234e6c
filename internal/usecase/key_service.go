package usecase

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel/attribute"

	"conduct-integrity-service/internal/domain"
	"conduct-integrity-service/internal/metrics"
)

const defaultRSAKeyBits = 2048

// KeyRepository は鍵ペアのデータアクセスのインターフェース。
type KeyRepository interface {
	Create(ctx context.Context, key *domain.KeyPair) error
	FindByID(ctx context.Context, id string) (*domain.KeyPair, error)
	FindActive(ctx context.Context) (*domain.KeyPair, error)
	LockActive(ctx context.Context) ([]*domain.KeyPair, error)
	FindAll(ctx context.Context) ([]*domain.KeyPair, error)
	GetMaxGeneration(ctx context.Context) (uint, error)
	RetireOthers(ctx context.Context, keepID string) ([]string, error)
}

// KMSClient は秘密鍵のラップ/アンラップのインターフェース。
// aad はラップ時とアンラップ時で一致しなければならない。
type KMSClient interface {
	Encrypt(ctx context.Context, plaintext, aad []byte) ([]byte, error)
	Decrypt(ctx context.Context, ciphertext, aad []byte) ([]byte, error)
}

// wrapAAD はラップした秘密鍵を対応する公開鍵に紐づける追加データ。
// 別の鍵ペアの行に差し替えられた秘密鍵はアンラップできない。
func wrapAAD(publicKeyPEM []byte) []byte {
	sum := sha256.Sum256(publicKeyPEM)
	return []byte("conduct-key-pair:" + hex.EncodeToString(sum[:]))
}

// KeyService は署名・暗号化用の鍵ペアを管理する。
type KeyService struct {
	repo      KeyRepository
	kmsClient KMSClient
	tx        Transactor
	keyBits   int
	metrics   *metrics.Metrics
}

// NewKeyService は新しいKeyServiceを生成する。keyBits が0の場合は2048ビット。
func NewKeyService(repo KeyRepository, kmsClient KMSClient, tx Transactor, keyBits int) *KeyService {
	if keyBits == 0 {
		keyBits = defaultRSAKeyBits
	}
	return &KeyService{
		repo:      repo,
		kmsClient: kmsClient,
		tx:        tx,
		keyBits:   keyBits,
	}
}

// WithMetrics はメトリクスの記録先を設定する。
func (s *KeyService) WithMetrics(m *metrics.Metrics) *KeyService {
	s.metrics = m
	return s
}

// generateKeyPair はRSA鍵ペアを生成し、公開鍵PEMと秘密鍵DER(PKCS#8)を返す。
func generateKeyPair(bits int) ([]byte, []byte, error) {
	priv, err := rsa.GenerateKey(rand.Reader, bits)
	if err != nil {
		return nil, nil, fmt.Errorf("generating rsa key: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling public key: %w", err)
	}
	privDER, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return nil, nil, fmt.Errorf("marshaling private key: %w", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})
	return pubPEM, privDER, nil
}

func parsePublicKey(pemBytes []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(pemBytes)
	if block == nil || block.Type != "PUBLIC KEY" {
		return nil, errors.New("invalid public key pem")
	}
	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("parsing public key: %w", err)
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("public key is not rsa")
	}
	return rsaPub, nil
}

// unwrapPrivateKey はKMSで秘密鍵を復号する。
func (s *KeyService) unwrapPrivateKey(ctx context.Context, key *domain.KeyPair) (*rsa.PrivateKey, error) {
	der, err := s.kmsClient.Decrypt(ctx, key.EncryptedPrivateKey, wrapAAD(key.PublicKeyPEM))
	if err != nil {
		return nil, fmt.Errorf("decrypting private key %s: %w", key.ID, err)
	}
	parsed, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("parsing private key %s: %w", key.ID, err)
	}
	priv, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, fmt.Errorf("private key %s is not rsa", key.ID)
	}
	return priv, nil
}

// GetCurrentSigningKey は有効な鍵のIDと秘密鍵を返す。
func (s *KeyService) GetCurrentSigningKey(ctx context.Context) (string, *rsa.PrivateKey, error) {
	key, err := s.repo.FindActive(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("finding active key: %w", err)
	}
	if key == nil {
		return "", nil, domain.ErrKeyNotFound
	}
	if !key.Active {
		return "", nil, domain.ErrKeyInactiveForSigning
	}
	priv, err := s.unwrapPrivateKey(ctx, key)
	if err != nil {
		return "", nil, err
	}
	return key.ID, priv, nil
}

// GetCurrentEncryptionKeyID は新規暗号化に使う鍵IDを返す。
func (s *KeyService) GetCurrentEncryptionKeyID(ctx context.Context) (string, error) {
	key, err := s.repo.FindActive(ctx)
	if err != nil {
		return "", fmt.Errorf("finding active key: %w", err)
	}
	if key == nil {
		return "", domain.ErrKeyNotFound
	}
	return key.ID, nil
}

// GetCurrentEncryptionKey は新規暗号化に使う鍵IDと公開鍵を返す。
func (s *KeyService) GetCurrentEncryptionKey(ctx context.Context) (string, *rsa.PublicKey, error) {
	key, err := s.repo.FindActive(ctx)
	if err != nil {
		return "", nil, fmt.Errorf("finding active key: %w", err)
	}
	if key == nil {
		return "", nil, domain.ErrKeyNotFound
	}
	pub, err := parsePublicKey(key.PublicKeyPEM)
	if err != nil {
		return "", nil, fmt.Errorf("key %s: %w", key.ID, err)
	}
	return key.ID, pub, nil
}

// GetPublicKey は退役済みを含む任意の鍵IDの公開鍵を返す。
func (s *KeyService) GetPublicKey(ctx context.Context, keyID string) (*rsa.PublicKey, error) {
	key, err := s.repo.FindByID(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("finding key: %w", err)
	}
	if key == nil {
		return nil, domain.ErrKeyNotFound
	}
	pub, err := parsePublicKey(key.PublicKeyPEM)
	if err != nil {
		return nil, fmt.Errorf("key %s: %w", key.ID, err)
	}
	return pub, nil
}

// GetPrivateKey は任意の鍵IDの秘密鍵を返す。退役済み鍵は復号にのみ使用する。
func (s *KeyService) GetPrivateKey(ctx context.Context, keyID string) (*rsa.PrivateKey, error) {
	key, err := s.repo.FindByID(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("finding key: %w", err)
	}
	if key == nil {
		return nil, domain.ErrKeyNotFound
	}
	return s.unwrapPrivateKey(ctx, key)
}

// RotateKey は新しい世代の鍵ペアを生成して有効化し、旧鍵を退役させる。
// 有効化と退役は同一トランザクションで行い、有効な鍵が存在しない瞬間を作らない。
func (s *KeyService) RotateKey(ctx context.Context) (*domain.KeyMetadata, error) {
	ctx, span := tracer.Start(ctx, "KeyService.RotateKey")
	defer span.End()

	// 鍵生成とKMS呼び出しはロック取得前に行う
	pubPEM, privDER, err := generateKeyPair(s.keyBits)
	if err != nil {
		return nil, err
	}
	encryptedPriv, err := s.kmsClient.Encrypt(ctx, privDER, wrapAAD(pubPEM))
	if err != nil {
		return nil, fmt.Errorf("encrypting private key: %w", err)
	}

	var created *domain.KeyPair
	var retired []string
	err = s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		// 同時ローテーションはここで直列化する
		if _, err := s.repo.LockActive(ctx); err != nil {
			return fmt.Errorf("locking active key: %w", err)
		}
		maxGen, err := s.repo.GetMaxGeneration(ctx)
		if err != nil {
			return fmt.Errorf("getting max generation: %w", err)
		}

		newGen := maxGen + 1
		key := &domain.KeyPair{
			ID:                  domain.KeyIDForGeneration(newGen),
			Generation:          newGen,
			Algorithm:           domain.KeyAlgorithmRSA2048,
			PublicKeyPEM:        pubPEM,
			EncryptedPrivateKey: encryptedPriv,
			Active:              true,
		}
		if err := s.repo.Create(ctx, key); err != nil {
			return fmt.Errorf("creating key: %w", err)
		}
		// ロック待ちの間に確定した鍵も含め、新しい鍵以外の有効鍵を退役させる
		retired, err = s.repo.RetireOthers(ctx, key.ID)
		if err != nil {
			return fmt.Errorf("retiring previous keys: %w", err)
		}
		created = key
		return nil
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.String("key.id", created.ID))
	s.metrics.IncKeyRotation()
	slog.InfoContext(ctx, "key rotated", "key_id", created.ID, "retired", retired)
	return created.Metadata(), nil
}

// EnsureActiveKey は有効な鍵が無い場合に初期鍵を生成する。
// 戻り値の bool は新たに生成したかどうか。
func (s *KeyService) EnsureActiveKey(ctx context.Context) (*domain.KeyMetadata, bool, error) {
	key, err := s.repo.FindActive(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("finding active key: %w", err)
	}
	if key != nil {
		return key.Metadata(), false, nil
	}
	meta, err := s.RotateKey(ctx)
	if err != nil {
		return nil, false, err
	}
	return meta, true, nil
}

// ListKeys は全世代の鍵メタデータを取得する。
func (s *KeyService) ListKeys(ctx context.Context) ([]*domain.KeyMetadata, error) {
	keys, err := s.repo.FindAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("finding keys: %w", err)
	}

	metadata := make([]*domain.KeyMetadata, len(keys))
	for i, k := range keys {
		metadata[i] = k.Metadata()
	}
	return metadata, nil
}
