package usecase

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/text/unicode/norm"

	"conduct-integrity-service/internal/domain"
)

// 正規化形式のバージョン。形式を変更する場合は新しいバージョンを追加し、
// 既存署名は保存済みのバージョンで検証する。
const (
	// CanonicalVersionV1 は値をNFC正規化し前後の空白を除いてから連結する旧形式。
	// 空白やUnicode表記だけの書き換えを検知できないため、既存署名の検証にのみ使う。
	CanonicalVersionV1 = "CSv1"
	// CanonicalVersionV2 は保存値のバイト列をそのまま連結する現行形式。
	// 表記の正規化は書き込み時に ConductScore.Normalize で行う。
	CanonicalVersionV2 = "CSv2"
)

var canonicalEscaper = strings.NewReplacer("%", "%25", "|", "%7C", "=", "%3D")

func canonicalValue(s string) string {
	return canonicalEscaper.Replace(s)
}

func legacyCanonicalValue(s string) string {
	return canonicalEscaper.Replace(strings.TrimSpace(norm.NFC.String(s)))
}

// CreateScoreDataString はスコアの署名対象列から現行形式の正規化文字列を作る。
// 同じ値からは常に同じ文字列になり、1バイトでも異なれば別の文字列になる。
func CreateScoreDataString(studentID, termID string, totalScore int, classification string, status domain.ScoreStatus) string {
	return joinScoreFields(CanonicalVersionV2, canonicalValue, studentID, termID, totalScore, classification, status)
}

func joinScoreFields(version string, value func(string) string, studentID, termID string, totalScore int, classification string, status domain.ScoreStatus) string {
	fields := []string{
		version,
		"student_id=" + value(studentID),
		"term_id=" + value(termID),
		"total_score=" + strconv.Itoa(totalScore),
		"classification=" + value(classification),
		"status=" + value(string(status)),
	}
	return strings.Join(fields, "|")
}

// CreateScoreDataHash は正規化文字列のSHA-256を16進文字列で返す。
func CreateScoreDataHash(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// canonicalForVersion は保存済みの正規化バージョンでスコアを正規化する。
func canonicalForVersion(version string, score *domain.ConductScore) (string, error) {
	switch version {
	case CanonicalVersionV2:
		return CreateScoreDataString(score.StudentID, score.TermID, score.TotalScore, score.Classification, score.Status), nil
	case CanonicalVersionV1:
		return joinScoreFields(CanonicalVersionV1, legacyCanonicalValue, score.StudentID, score.TermID, score.TotalScore, score.Classification, score.Status), nil
	default:
		return "", fmt.Errorf("unknown canonical version %q", version)
	}
}
