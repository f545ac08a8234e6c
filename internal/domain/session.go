package domain

import "time"

// SessionToken はサーバー側で管理するセッショントークン。生のトークンは保持しない。
type SessionToken struct {
	ID        string
	UserID    string
	Role      string
	TokenSalt []byte
	TokenHash []byte
	CreatedAt time.Time
	ExpiresAt time.Time
	RevokedAt *time.Time
	ClientIP  string
	UserAgent string
}

// 利用者のロール。セッション発行時に決まり、リクエストヘッダーでは変えられない。
const (
	RoleAdmin   = "admin"
	RoleAdvisor = "advisor"
	RoleAuditor = "auditor"
	RoleStudent = "student"
)

// ValidRole は既知のロールかどうかを返す。
func ValidRole(role string) bool {
	switch role {
	case RoleAdmin, RoleAdvisor, RoleAuditor, RoleStudent:
		return true
	}
	return false
}

// ClientMetadata はセッション作成時のクライアント情報。
type ClientMetadata struct {
	ClientIP  string
	UserAgent string
}

// IsExpired は now 時点で期限切れかどうかを返す。
func (s *SessionToken) IsExpired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// IsRevoked は失効済みかどうかを返す。
func (s *SessionToken) IsRevoked() bool {
	return s.RevokedAt != nil
}
