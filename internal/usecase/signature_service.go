package usecase

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"conduct-integrity-service/internal/domain"
	"conduct-integrity-service/internal/metrics"
)

// ScoreRepository は行動評価スコアのデータアクセスのインターフェース。
type ScoreRepository interface {
	FindByID(ctx context.Context, id string) (*domain.ConductScore, error)
	FindByIDForUpdate(ctx context.Context, id string) (*domain.ConductScore, error)
	UpdateStatus(ctx context.Context, id string, expectedVersion uint, status domain.ScoreStatus) (bool, error)
}

// SignedRecordRepository は署名レコードのデータアクセスのインターフェース。
type SignedRecordRepository interface {
	Create(ctx context.Context, rec *domain.SignedRecord) error
	FindLatestByEntity(ctx context.Context, entityType, entityID string) (*domain.SignedRecord, error)
	ListCurrent(ctx context.Context, entityType string, limit int) ([]*domain.SignedRecord, error)
}

// SignatureAuditRepository は署名監査ログのデータアクセスのインターフェース。
type SignatureAuditRepository interface {
	Append(ctx context.Context, e *domain.SignatureAuditEntry) error
	ListByScore(ctx context.Context, scoreID string) ([]*domain.SignatureAuditEntry, error)
	HasAction(ctx context.Context, signedRecordID string, action domain.SignatureAction) (bool, error)
}

// SigningKeyProvider は署名と検証に使う鍵を提供する。
type SigningKeyProvider interface {
	GetCurrentSigningKey(ctx context.Context) (string, *rsa.PrivateKey, error)
	GetPublicKey(ctx context.Context, keyID string) (*rsa.PublicKey, error)
}

// SignatureService はスコア承認時の電子署名と改ざん検知を提供する。
type SignatureService struct {
	scores   ScoreRepository
	records  SignedRecordRepository
	sigAudit SignatureAuditRepository
	keys     SigningKeyProvider
	audit    ChangeRecorder
	tx       Transactor
	now      func() time.Time
	metrics  *metrics.Metrics
}

// NewSignatureService は新しいSignatureServiceを生成する。
func NewSignatureService(
	scores ScoreRepository,
	records SignedRecordRepository,
	sigAudit SignatureAuditRepository,
	keys SigningKeyProvider,
	audit ChangeRecorder,
	tx Transactor,
) *SignatureService {
	return &SignatureService{
		scores:   scores,
		records:  records,
		sigAudit: sigAudit,
		keys:     keys,
		audit:    audit,
		tx:       tx,
		now:      time.Now,
	}
}

// WithMetrics はメトリクスの記録先を設定する。
func (s *SignatureService) WithMetrics(m *metrics.Metrics) *SignatureService {
	s.metrics = m
	return s
}

func signDigest(priv *rsa.PrivateKey, data string) (string, error) {
	digest := sha256.Sum256([]byte(data))
	sig, err := rsa.SignPKCS1v15(rand.Reader, priv, crypto.SHA256, digest[:])
	if err != nil {
		return "", fmt.Errorf("signing data: %w", err)
	}
	return base64.StdEncoding.EncodeToString(sig), nil
}

func verifyDigest(pub *rsa.PublicKey, data, signature string) error {
	sig, err := base64.StdEncoding.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("decoding signature: %w", err)
	}
	digest := sha256.Sum256([]byte(data))
	return rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest[:], sig)
}

// SignScoreData は現在の有効鍵で data に署名し、Base64署名と鍵IDを返す。
func (s *SignatureService) SignScoreData(ctx context.Context, data string) (string, string, error) {
	keyID, priv, err := s.keys.GetCurrentSigningKey(ctx)
	if err != nil {
		return "", "", err
	}
	sig, err := signDigest(priv, data)
	if err != nil {
		return "", "", err
	}
	return sig, keyID, nil
}

func boolPtr(b bool) *bool { return &b }

// ApproveAndSign はスコアを承認済みにし、同一トランザクションで署名レコードと監査ログを作成する。
// 同じスコアの同時承認は1件のみ成功し、他は ErrAlreadyApproved か ErrConcurrentApproval になる。
func (s *SignatureService) ApproveAndSign(ctx context.Context, scoreID, approverID string) (*domain.ApprovalResult, error) {
	ctx, span := tracer.Start(ctx, "SignatureService.ApproveAndSign")
	defer span.End()
	span.SetAttributes(attribute.String("score.id", scoreID))

	var result *domain.ApprovalResult
	err := s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		score, err := s.scores.FindByIDForUpdate(ctx, scoreID)
		if err != nil {
			return fmt.Errorf("finding score: %w", err)
		}
		if score == nil {
			return domain.ErrScoreNotFound
		}
		if score.Status == domain.ScoreStatusApproved {
			return domain.ErrAlreadyApproved
		}

		updated, err := s.scores.UpdateStatus(ctx, score.ID, score.Version, domain.ScoreStatusApproved)
		if err != nil {
			return fmt.Errorf("updating score status: %w", err)
		}
		if !updated {
			return domain.ErrConcurrentApproval
		}
		prevStatus := score.Status
		score.Status = domain.ScoreStatusApproved
		score.Version++

		prev, err := s.records.FindLatestByEntity(ctx, domain.EntityTypeConductScore, score.ID)
		if err != nil {
			return fmt.Errorf("finding previous signature: %w", err)
		}

		data, err := canonicalForVersion(CanonicalVersionV2, score)
		if err != nil {
			return err
		}
		hash := CreateScoreDataHash(data)
		sig, keyID, err := s.SignScoreData(ctx, data)
		if err != nil {
			return err
		}

		rec := &domain.SignedRecord{
			EntityType:        domain.EntityTypeConductScore,
			EntityID:          score.ID,
			ApprovalVersion:   score.Version,
			CanonicalVersion:  CanonicalVersionV2,
			CanonicalDataHash: hash,
			Signature:         sig,
			KeyID:             keyID,
			Algorithm:         domain.SignatureAlgorithmRSASHA256,
			Verified:          true,
			SignedBy:          approverID,
			SignedAt:          s.now().UTC(),
		}
		if prev != nil {
			rec.SupersedesID = &prev.ID
		}
		if err := s.records.Create(ctx, rec); err != nil {
			return fmt.Errorf("creating signed record: %w", err)
		}

		if err := s.sigAudit.Append(ctx, &domain.SignatureAuditEntry{
			ScoreID:        score.ID,
			SignedRecordID: rec.ID,
			ActionType:     domain.SignatureActionSign,
			PerformedBy:    approverID,
			SignatureValue: sig,
			DataHashAfter:  hash,
			Notes:          fmt.Sprintf("approved with key %s", keyID),
		}); err != nil {
			return fmt.Errorf("appending signature audit: %w", err)
		}

		if _, err := s.audit.Record(ctx, RecordInput{
			TableName:     "conduct_scores",
			RecordID:      score.ID,
			Operation:     domain.AuditOperationUpdate,
			OldValues:     map[string]any{"status": string(prevStatus), "version": score.Version - 1},
			NewValues:     map[string]any{"status": string(score.Status), "version": score.Version},
			PerformedBy:   approverID,
			Justification: "approve and sign",
		}); err != nil {
			return err
		}

		result = &domain.ApprovalResult{
			SignedRecordID: rec.ID,
			Signature:      sig,
			DataHash:       hash,
			KeyID:          keyID,
			SignedAt:       rec.SignedAt,
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		s.metrics.IncSignature(signatureOutcome(err))
		return nil, err
	}

	s.metrics.IncSignature("signed")
	slog.InfoContext(ctx, "score approved and signed",
		"score_id", scoreID,
		"signed_record_id", result.SignedRecordID,
		"key_id", result.KeyID,
		"approver", approverID,
	)
	return result, nil
}

func signatureOutcome(err error) string {
	switch {
	case errors.Is(err, domain.ErrAlreadyApproved):
		return "already_approved"
	case errors.Is(err, domain.ErrConcurrentApproval):
		return "conflict"
	case errors.Is(err, domain.ErrScoreNotFound):
		return "not_found"
	default:
		return "error"
	}
}

// ReopenScore は承認済みスコアを未承認に戻す。既存の署名レコードは残り、
// 次回の承認で旧レコードを参照する新しい署名レコードが作られる。
func (s *SignatureService) ReopenScore(ctx context.Context, scoreID, actorID, justification string) error {
	if justification == "" {
		return fmt.Errorf("%w: justification is required to reopen a score", ErrInvalidAuditEntry)
	}
	return s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		score, err := s.scores.FindByIDForUpdate(ctx, scoreID)
		if err != nil {
			return fmt.Errorf("finding score: %w", err)
		}
		if score == nil {
			return domain.ErrScoreNotFound
		}
		if score.Status != domain.ScoreStatusApproved {
			return domain.ErrNotApproved
		}
		updated, err := s.scores.UpdateStatus(ctx, score.ID, score.Version, domain.ScoreStatusPending)
		if err != nil {
			return fmt.Errorf("updating score status: %w", err)
		}
		if !updated {
			return domain.ErrConcurrentApproval
		}
		_, err = s.audit.Record(ctx, RecordInput{
			TableName:     "conduct_scores",
			RecordID:      score.ID,
			Operation:     domain.AuditOperationUpdate,
			OldValues:     map[string]any{"status": string(score.Status), "version": score.Version},
			NewValues:     map[string]any{"status": string(domain.ScoreStatusPending), "version": score.Version + 1},
			PerformedBy:   actorID,
			Justification: justification,
		})
		return err
	})
}

// VerifySignature はスコアの現在値を最新の署名レコードと照合する。
//
// 正規化ハッシュの一致と、署名時の鍵IDの公開鍵による署名検証の両方が通れば VERIFIED。
// 一度改ざんを検知したレコードは、値が元に戻っても TAMPERED のまま返す。
// 差し戻し後で再承認前のスコアは UNSIGNED とし、監査記録は残さない。
func (s *SignatureService) VerifySignature(ctx context.Context, scoreID, verifierID string) (*domain.VerificationResult, error) {
	ctx, span := tracer.Start(ctx, "SignatureService.VerifySignature")
	defer span.End()
	span.SetAttributes(attribute.String("score.id", scoreID))

	var result *domain.VerificationResult
	err := s.tx.WithinTransaction(ctx, func(ctx context.Context) error {
		score, err := s.scores.FindByID(ctx, scoreID)
		if err != nil {
			return fmt.Errorf("finding score: %w", err)
		}
		if score == nil {
			return domain.ErrScoreNotFound
		}

		rec, err := s.records.FindLatestByEntity(ctx, domain.EntityTypeConductScore, score.ID)
		if err != nil {
			return fmt.Errorf("finding signed record: %w", err)
		}
		if rec == nil {
			result = &domain.VerificationResult{
				ScoreID: score.ID,
				Status:  domain.VerificationStatusUnsigned,
				Details: "score has no signature",
			}
			return nil
		}

		if reopenedAfterSigning(score, rec) {
			result = &domain.VerificationResult{
				ScoreID:        score.ID,
				SignedRecordID: rec.ID,
				KeyID:          rec.KeyID,
				StoredHash:     rec.CanonicalDataHash,
				Status:         domain.VerificationStatusUnsigned,
				Details:        fmt.Sprintf("score was reopened after approval version %d and awaits re-approval", rec.ApprovalVersion),
			}
			return nil
		}

		result, err = s.verifyRecord(ctx, score, rec, verifierID)
		return err
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	span.SetAttributes(attribute.String("verification.status", string(result.Status)))
	s.metrics.IncVerification(string(result.Status))
	if result.Status == domain.VerificationStatusTampered {
		slog.WarnContext(ctx, "signature verification failed",
			"score_id", scoreID,
			"signed_record_id", result.SignedRecordID,
			"key_id", result.KeyID,
			"details", result.Details,
		)
	}
	return result, nil
}

// reopenedAfterSigning は最新の署名の後にスコアが差し戻され、再承認を待っているかを返す。
// 差し戻しは承認状態を外しバージョンを進めるため、どちらか一方だけの変化は対象にしない。
func reopenedAfterSigning(score *domain.ConductScore, rec *domain.SignedRecord) bool {
	return score.Status != domain.ScoreStatusApproved && score.Version > rec.ApprovalVersion
}

func (s *SignatureService) verifyRecord(ctx context.Context, score *domain.ConductScore, rec *domain.SignedRecord, verifierID string) (*domain.VerificationResult, error) {
	result := &domain.VerificationResult{
		ScoreID:        score.ID,
		SignedRecordID: rec.ID,
		KeyID:          rec.KeyID,
		StoredHash:     rec.CanonicalDataHash,
	}

	tampered, err := s.sigAudit.HasAction(ctx, rec.ID, domain.SignatureActionTamperDetected)
	if err != nil {
		return nil, fmt.Errorf("checking tamper history: %w", err)
	}
	if tampered {
		result.Status = domain.VerificationStatusTampered
		result.Details = "tampering was previously detected for this signature"
		if err := s.appendVerification(ctx, score.ID, rec.ID, verifierID, false, rec.CanonicalDataHash, "", result.Details); err != nil {
			return nil, err
		}
		return result, nil
	}

	data, err := canonicalForVersion(rec.CanonicalVersion, score)
	if err != nil {
		return nil, err
	}
	result.ComputedHash = CreateScoreDataHash(data)

	// ハッシュ不一致は鍵の状態に関わらず改ざんとする
	var reason string
	if result.ComputedHash != rec.CanonicalDataHash {
		reason = "canonical data hash mismatch"
	} else {
		switch pub, err := s.keys.GetPublicKey(ctx, rec.KeyID); {
		case errors.Is(err, domain.ErrKeyNotFound):
			reason = fmt.Sprintf("signing key %s not found", rec.KeyID)
		case err != nil:
			return nil, fmt.Errorf("loading public key %s: %w", rec.KeyID, err)
		default:
			if err := verifyDigest(pub, data, rec.Signature); err != nil {
				reason = "signature does not match data"
			}
		}
	}

	if reason != "" {
		result.Status = domain.VerificationStatusTampered
		result.Details = reason
		if err := s.sigAudit.Append(ctx, &domain.SignatureAuditEntry{
			ScoreID:            score.ID,
			SignedRecordID:     rec.ID,
			ActionType:         domain.SignatureActionTamperDetected,
			PerformedBy:        verifierID,
			SignatureValue:     rec.Signature,
			VerificationResult: boolPtr(false),
			DataHashBefore:     rec.CanonicalDataHash,
			DataHashAfter:      result.ComputedHash,
			Notes:              reason,
		}); err != nil {
			return nil, fmt.Errorf("appending tamper record: %w", err)
		}
		return result, nil
	}

	result.Status = domain.VerificationStatusVerified
	result.Details = fmt.Sprintf("verified with key %s", rec.KeyID)
	if err := s.appendVerification(ctx, score.ID, rec.ID, verifierID, true, rec.CanonicalDataHash, result.ComputedHash, result.Details); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *SignatureService) appendVerification(ctx context.Context, scoreID, recordID, verifierID string, ok bool, before, after, notes string) error {
	if err := s.sigAudit.Append(ctx, &domain.SignatureAuditEntry{
		ScoreID:            scoreID,
		SignedRecordID:     recordID,
		ActionType:         domain.SignatureActionVerify,
		PerformedBy:        verifierID,
		VerificationResult: boolPtr(ok),
		DataHashBefore:     before,
		DataHashAfter:      after,
		Notes:              notes,
	}); err != nil {
		return fmt.Errorf("appending verification record: %w", err)
	}
	return nil
}

// VerifyAll は現行の署名レコードを最大 limit 件まとめて検証する。
// 差し戻されて再承認待ちのスコアの署名は対象外。個別の検証エラーはログに残して次のレコードへ進む。
func (s *SignatureService) VerifyAll(ctx context.Context, verifierID string, limit int) ([]*domain.VerificationResult, error) {
	if limit <= 0 {
		limit = 500
	}
	recs, err := s.records.ListCurrent(ctx, domain.EntityTypeConductScore, limit)
	if err != nil {
		return nil, fmt.Errorf("listing signed records: %w", err)
	}

	results := make([]*domain.VerificationResult, 0, len(recs))
	for _, rec := range recs {
		res, err := s.VerifySignature(ctx, rec.EntityID, verifierID)
		if err != nil {
			slog.ErrorContext(ctx, "verification failed",
				"score_id", rec.EntityID,
				"signed_record_id", rec.ID,
				"error", err,
			)
			continue
		}
		results = append(results, res)
	}
	return results, nil
}

// History はスコアの署名・検証履歴を古い順に返す。
func (s *SignatureService) History(ctx context.Context, scoreID string) ([]*domain.SignatureAuditEntry, error) {
	entries, err := s.sigAudit.ListByScore(ctx, scoreID)
	if err != nil {
		return nil, fmt.Errorf("listing signature history: %w", err)
	}
	return entries, nil
}
