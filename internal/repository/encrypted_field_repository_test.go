package repository

import (
	"context"
	"testing"
	"time"

	"conduct-integrity-service/internal/domain"
)

func TestEncryptedFieldRepository_Upsert(t *testing.T) {
	ctx := context.Background()
	repo := NewEncryptedFieldRepository(setupTestDB(t))
	at := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

	field := &domain.EncryptedField{
		OwnerTable:  "students",
		OwnerID:     "st-1",
		FieldName:   "phone",
		Ciphertext:  "ENC1.first",
		KeyID:       "K1",
		EncryptedAt: at,
	}
	if err := repo.Upsert(ctx, field); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	// 同一フィールドへの再保存は上書きになる
	field.Ciphertext = "ENC1.second"
	field.KeyID = "K2"
	field.EncryptedAt = at.Add(time.Hour)
	if err := repo.Upsert(ctx, field); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}

	found, err := repo.Find(ctx, "students", "st-1", "phone")
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if found == nil {
		t.Fatal("expected field, got nil")
	}
	if found.Ciphertext != "ENC1.second" || found.KeyID != "K2" {
		t.Errorf("expected overwritten ciphertext under K2, got %q under %s", found.Ciphertext, found.KeyID)
	}

	missing, err := repo.Find(ctx, "students", "st-1", "email")
	if err != nil {
		t.Fatalf("Find failed: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil, got %+v", missing)
	}
}

func TestEncryptedFieldRepository_CountByKeyID(t *testing.T) {
	ctx := context.Background()
	repo := NewEncryptedFieldRepository(setupTestDB(t))
	at := time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC)

	fields := []*domain.EncryptedField{
		{OwnerTable: "students", OwnerID: "st-1", FieldName: "phone", Ciphertext: "a", KeyID: "K1", EncryptedAt: at},
		{OwnerTable: "students", OwnerID: "st-1", FieldName: "email", Ciphertext: "b", KeyID: "K1", EncryptedAt: at},
		{OwnerTable: "students", OwnerID: "st-2", FieldName: "phone", Ciphertext: "c", KeyID: "K2", EncryptedAt: at},
	}
	for _, f := range fields {
		if err := repo.Upsert(ctx, f); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}

	tests := []struct {
		keyID string
		want  int64
	}{
		{"K1", 2},
		{"K2", 1},
		{"K3", 0},
	}
	for _, tt := range tests {
		got, err := repo.CountByKeyID(ctx, tt.keyID)
		if err != nil {
			t.Fatalf("CountByKeyID(%s) failed: %v", tt.keyID, err)
		}
		if got != tt.want {
			t.Errorf("CountByKeyID(%s) = %d, want %d", tt.keyID, got, tt.want)
		}
	}
}
