package domain

import "time"

// EncryptedField は所有レコードの機微属性1件に対応する暗号文。
// 更新時は上書きし、旧暗号文は残さない。
type EncryptedField struct {
	OwnerTable  string
	OwnerID     string
	FieldName   string
	Ciphertext  string
	KeyID       string
	EncryptedAt time.Time
}

// FieldSource は解決された値の取得元。
type FieldSource string

const (
	FieldSourceNone      FieldSource = "none"
	FieldSourceEncrypted FieldSource = "encrypted"
	FieldSourceLegacy    FieldSource = "legacy"
)

// FieldValue は暗号化列と旧平文列から解決した値。
//
// 優先順位: 暗号化列 > 旧平文列 > 値なし。
// 復号失敗時は Inaccessible を立て、エラーは返さない。
type FieldValue struct {
	Value        string
	Present      bool
	Source       FieldSource
	Inaccessible bool
	Err          error
}

// FieldRef は一覧表示で解決する1項目分の入力。
type FieldRef struct {
	SubjectID string
	Encrypted *string
	Legacy    *string
}
