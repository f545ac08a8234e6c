package domain

import (
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"
)

// ScoreStatus は行動評価スコアの承認状態を表す。
type ScoreStatus string

const (
	ScoreStatusPending  ScoreStatus = "PENDING"
	ScoreStatusApproved ScoreStatus = "APPROVED"
)

// EntityTypeConductScore は署名対象エンティティ種別。
const EntityTypeConductScore = "conduct_score"

// ConductScore は学期ごとの学生の行動評価スコアを表す。
// 画面側のCRUDが所有するテーブルのうち、署名に必要な列のみを扱う。
type ConductScore struct {
	ID             string
	StudentID      string
	TermID         string
	TotalScore     int
	Classification string
	Status         ScoreStatus
	Version        uint
	UpdatedAt      time.Time
}

// Normalize は文字列列をNFC正規化し前後の空白を除く。
// 署名は保存値のバイト列に対して行うため、表記の揺れは書き込み時にここで吸収する。
func (s *ConductScore) Normalize() {
	s.StudentID = normalizeText(s.StudentID)
	s.TermID = normalizeText(s.TermID)
	s.Classification = normalizeText(s.Classification)
}

func normalizeText(v string) string {
	return strings.TrimSpace(norm.NFC.String(v))
}
