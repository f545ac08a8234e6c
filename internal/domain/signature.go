package domain

import "time"

// SignatureAlgorithmRSASHA256 は署名アルゴリズム名。
const SignatureAlgorithmRSASHA256 = "RSA-SHA256"

// SignedRecord は承認時に作成される署名レコード。作成後は変更しない。
// 再承認時は SupersedesID で旧レコードを参照する新レコードを作成する。
type SignedRecord struct {
	ID                string
	EntityType        string
	EntityID          string
	ApprovalVersion   uint
	CanonicalVersion  string
	CanonicalDataHash string
	Signature         string
	KeyID             string
	Algorithm         string
	Verified          bool
	SignedBy          string
	SignedAt          time.Time
	SupersedesID      *string
}

// SignatureAction は署名監査ログのアクション種別。
type SignatureAction string

const (
	SignatureActionSign           SignatureAction = "SIGN"
	SignatureActionVerify         SignatureAction = "VERIFY"
	SignatureActionTamperDetected SignatureAction = "TAMPER_DETECTED"
)

// SignatureAuditEntry は署名・検証操作の追記専用ログ。
type SignatureAuditEntry struct {
	ID                 string
	ScoreID            string
	SignedRecordID     string
	ActionType         SignatureAction
	PerformedBy        string
	SignatureValue     string
	VerificationResult *bool
	DataHashBefore     string
	DataHashAfter      string
	Notes              string
	CreatedAt          time.Time
}

// VerificationStatus はレコードの署名状態。
//
// UNSIGNED -> SIGNED -> VERIFIED / TAMPERED の順に遷移し、TAMPERED は終端状態。
type VerificationStatus string

const (
	VerificationStatusUnsigned VerificationStatus = "UNSIGNED"
	VerificationStatusSigned   VerificationStatus = "SIGNED"
	VerificationStatusVerified VerificationStatus = "VERIFIED"
	VerificationStatusTampered VerificationStatus = "TAMPERED"
)

// ApprovalResult は ApproveAndSign の結果。
type ApprovalResult struct {
	SignedRecordID string
	Signature      string
	DataHash       string
	KeyID          string
	SignedAt       time.Time
}

// VerificationResult は VerifySignature の結果。
type VerificationResult struct {
	ScoreID        string
	SignedRecordID string
	Status         VerificationStatus
	KeyID          string
	StoredHash     string
	ComputedHash   string
	Details        string
}

// Err は改ざん検知時に ErrSignatureVerificationFailed を返す。
func (r *VerificationResult) Err() error {
	if r.Status == VerificationStatusTampered {
		return ErrSignatureVerificationFailed
	}
	return nil
}
