package usecase

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"conduct-integrity-service/internal/domain"
	"conduct-integrity-service/internal/metrics"
)

const (
	envelopeVersion     = "ENC1"
	dataKeySize         = 32 // AES-256
	defaultListParallel = 8
)

var envelopeEncoding = base64.RawURLEncoding

// EncryptionKeyProvider は暗号化と復号に使う鍵を提供する。
type EncryptionKeyProvider interface {
	GetCurrentEncryptionKey(ctx context.Context) (string, *rsa.PublicKey, error)
	GetPrivateKey(ctx context.Context, keyID string) (*rsa.PrivateKey, error)
}

// EncryptedFieldRepository は暗号化フィールドのデータアクセスのインターフェース。
type EncryptedFieldRepository interface {
	Upsert(ctx context.Context, f *domain.EncryptedField) error
	Find(ctx context.Context, ownerTable, ownerID, fieldName string) (*domain.EncryptedField, error)
	CountByKeyID(ctx context.Context, keyID string) (int64, error)
}

// EncryptionService は機微属性のハイブリッド暗号化を提供する。
//
// 暗号文の形式: ENC1:<鍵ID>:<RSA-OAEPでラップしたAES鍵>:<nonce||AES-GCM暗号文>
// subjectID はGCMの追加認証データとして束縛し、別レコードへの暗号文の付け替えを検知する。
type EncryptionService struct {
	keys         EncryptionKeyProvider
	fields       EncryptedFieldRepository
	audit        ChangeRecorder
	tx           Transactor
	now          func() time.Time
	listParallel int
	metrics      *metrics.Metrics
}

// NewEncryptionService は新しいEncryptionServiceを生成する。
func NewEncryptionService(keys EncryptionKeyProvider, fields EncryptedFieldRepository, audit ChangeRecorder, tx Transactor) *EncryptionService {
	return &EncryptionService{
		keys:         keys,
		fields:       fields,
		audit:        audit,
		tx:           tx,
		now:          time.Now,
		listParallel: defaultListParallel,
	}
}

// WithMetrics はメトリクスの記録先を設定する。
func (s *EncryptionService) WithMetrics(m *metrics.Metrics) *EncryptionService {
	s.metrics = m
	return s
}

func decryptionError(reason string, cause error) error {
	if cause == nil {
		return fmt.Errorf("%w: %s", domain.ErrDecryption, reason)
	}
	return fmt.Errorf("%w: %s: %w", domain.ErrDecryption, reason, cause)
}

// EncryptField は plaintext を現在の有効鍵で暗号化する。空文字列も暗号化する。
func (s *EncryptionService) EncryptField(ctx context.Context, plaintext, subjectID string) (string, error) {
	keyID, pub, err := s.keys.GetCurrentEncryptionKey(ctx)
	if err != nil {
		return "", err
	}

	dek := make([]byte, dataKeySize)
	if _, err := rand.Read(dek); err != nil {
		return "", fmt.Errorf("generating data key: %w", err)
	}
	block, err := aes.NewCipher(dek)
	if err != nil {
		return "", fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", fmt.Errorf("creating GCM: %w", err)
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", fmt.Errorf("generating nonce: %w", err)
	}
	payload := gcm.Seal(nonce, nonce, []byte(plaintext), []byte(subjectID))

	// ラベルに鍵IDを含め、ラップ済み鍵を鍵IDに束縛する
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, dek, []byte(keyID))
	if err != nil {
		return "", fmt.Errorf("wrapping data key: %w", err)
	}

	return strings.Join([]string{
		envelopeVersion,
		keyID,
		envelopeEncoding.EncodeToString(wrapped),
		envelopeEncoding.EncodeToString(payload),
	}, ":"), nil
}

// KeyIDOf は暗号文に記録された鍵IDを返す。
func KeyIDOf(ciphertext string) (string, error) {
	parts := strings.Split(ciphertext, ":")
	if len(parts) != 4 || parts[0] != envelopeVersion || parts[1] == "" {
		return "", decryptionError("malformed envelope", nil)
	}
	return parts[1], nil
}

// DecryptField は暗号文を復号する。失敗はすべて ErrDecryption になる。
func (s *EncryptionService) DecryptField(ctx context.Context, ciphertext, subjectID string) (string, error) {
	keyID, err := KeyIDOf(ciphertext)
	if err != nil {
		return "", err
	}
	parts := strings.Split(ciphertext, ":")
	wrapped, err := envelopeEncoding.DecodeString(parts[2])
	if err != nil {
		return "", decryptionError("decoding wrapped key", err)
	}
	payload, err := envelopeEncoding.DecodeString(parts[3])
	if err != nil {
		return "", decryptionError("decoding payload", err)
	}

	priv, err := s.keys.GetPrivateKey(ctx, keyID)
	if err != nil {
		return "", decryptionError(fmt.Sprintf("key %s unavailable", keyID), err)
	}
	dek, err := rsa.DecryptOAEP(sha256.New(), nil, priv, wrapped, []byte(keyID))
	if err != nil {
		return "", decryptionError("unwrapping data key", err)
	}

	block, err := aes.NewCipher(dek)
	if err != nil {
		return "", decryptionError("creating cipher", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", decryptionError("creating GCM", err)
	}
	if len(payload) < gcm.NonceSize() {
		return "", decryptionError("payload too short", nil)
	}
	nonce, ct := payload[:gcm.NonceSize()], payload[gcm.NonceSize():]
	plaintext, err := gcm.Open(nil, nonce, ct, []byte(subjectID))
	if err != nil {
		return "", decryptionError("authenticating payload", err)
	}
	return string(plaintext), nil
}

// ResolveField は暗号化列と旧平文列から表示値を決める。
//
// 暗号化列に値があれば復号し、失敗時は Inaccessible を立てる（エラーは返さない）。
// 暗号化列が無ければ旧平文列、どちらも無ければ値なし。
func (s *EncryptionService) ResolveField(ctx context.Context, encrypted, legacy *string, subjectID string) domain.FieldValue {
	return s.resolve(ctx, encrypted, legacy, subjectID, "field")
}

func (s *EncryptionService) resolve(ctx context.Context, encrypted, legacy *string, subjectID, site string) domain.FieldValue {
	if encrypted != nil && *encrypted != "" {
		pt, err := s.DecryptField(ctx, *encrypted, subjectID)
		if err != nil {
			s.metrics.IncDecryptFailure(site)
			slog.WarnContext(ctx, "field is inaccessible",
				"subject_id", subjectID,
				"error", err,
			)
			return domain.FieldValue{Source: domain.FieldSourceEncrypted, Inaccessible: true, Err: err}
		}
		return domain.FieldValue{Value: pt, Present: true, Source: domain.FieldSourceEncrypted}
	}
	if legacy != nil {
		return domain.FieldValue{Value: *legacy, Present: true, Source: domain.FieldSourceLegacy}
	}
	return domain.FieldValue{Source: domain.FieldSourceNone}
}

// ResolveFields は一覧表示用に複数項目を並列に解決する。結果は refs と同じ順序。
func (s *EncryptionService) ResolveFields(ctx context.Context, refs []domain.FieldRef) []domain.FieldValue {
	out := make([]domain.FieldValue, len(refs))
	var g errgroup.Group
	g.SetLimit(s.listParallel)
	for i, ref := range refs {
		g.Go(func() error {
			out[i] = s.resolve(ctx, ref.Encrypted, ref.Legacy, ref.SubjectID, "list")
			return nil
		})
	}
	_ = g.Wait()
	return out
}

// FieldSubject は保存フィールドの追加認証データに使う識別子を返す。
func FieldSubject(ownerTable, ownerID, fieldName string) string {
	return ownerTable + "/" + ownerID + "#" + fieldName
}

// ProtectField はフィールドを暗号化して保存し、同じトランザクションで監査ログを記録する。
// 監査ログには平文を含めず、鍵IDのみを残す。
func (s *EncryptionService) ProtectField(ctx context.Context, ownerTable, ownerID, fieldName, plaintext, actorID string) error {
	return s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		prev, err := s.fields.Find(ctx, ownerTable, ownerID, fieldName)
		if err != nil {
			return fmt.Errorf("finding encrypted field: %w", err)
		}
		ct, err := s.EncryptField(ctx, plaintext, FieldSubject(ownerTable, ownerID, fieldName))
		if err != nil {
			return err
		}
		keyID, _ := KeyIDOf(ct)

		field := &domain.EncryptedField{
			OwnerTable:  ownerTable,
			OwnerID:     ownerID,
			FieldName:   fieldName,
			Ciphertext:  ct,
			KeyID:       keyID,
			EncryptedAt: s.now().UTC(),
		}
		if err := s.fields.Upsert(ctx, field); err != nil {
			return fmt.Errorf("saving encrypted field: %w", err)
		}

		in := RecordInput{
			TableName:   "encrypted_fields",
			RecordID:    FieldSubject(ownerTable, ownerID, fieldName),
			Operation:   domain.AuditOperationInsert,
			NewValues:   map[string]any{"field_name": fieldName, "key_id": keyID},
			PerformedBy: actorID,
		}
		if prev != nil {
			in.Operation = domain.AuditOperationUpdate
			in.OldValues = map[string]any{"field_name": fieldName, "key_id": prev.KeyID}
			// 再暗号化は鍵が同じでも変更として記録する
			in.NewValues["encrypted_at"] = field.EncryptedAt.Format(time.RFC3339Nano)
			in.OldValues["encrypted_at"] = prev.EncryptedAt.UTC().Format(time.RFC3339Nano)
		}
		_, err = s.audit.Record(ctx, in)
		return err
	})
}

// RevealField は保存済みフィールドを読み出して解決する。legacy は移行前の平文列の値。
func (s *EncryptionService) RevealField(ctx context.Context, ownerTable, ownerID, fieldName string, legacy *string) domain.FieldValue {
	f, err := s.fields.Find(ctx, ownerTable, ownerID, fieldName)
	if err != nil {
		return domain.FieldValue{Source: domain.FieldSourceEncrypted, Inaccessible: true, Err: err}
	}
	var encrypted *string
	if f != nil {
		encrypted = &f.Ciphertext
	}
	return s.ResolveField(ctx, encrypted, legacy, FieldSubject(ownerTable, ownerID, fieldName))
}

func proofSubject(recordID string) string {
	return "proof:" + recordID
}

// EncryptFilePath は証憑ファイルのパスを暗号化する。
func (s *EncryptionService) EncryptFilePath(ctx context.Context, recordID, path string) (string, error) {
	return s.EncryptField(ctx, path, proofSubject(recordID))
}

// DecryptFilePath は証憑ファイルのパスを復号する。
func (s *EncryptionService) DecryptFilePath(ctx context.Context, recordID, ciphertext string) (string, error) {
	path, err := s.DecryptField(ctx, ciphertext, proofSubject(recordID))
	if err != nil {
		s.metrics.IncDecryptFailure("file_path")
		return "", err
	}
	return path, nil
}

// KeyUsage は指定鍵で暗号化された保存フィールド数を返す。鍵の退役判断に使う。
func (s *EncryptionService) KeyUsage(ctx context.Context, keyID string) (int64, error) {
	n, err := s.fields.CountByKeyID(ctx, keyID)
	if err != nil {
		return 0, fmt.Errorf("counting fields for key %s: %w", keyID, err)
	}
	return n, nil
}
