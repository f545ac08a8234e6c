package repository

import (
	"context"
	"testing"

	"conduct-integrity-service/internal/domain"
)

func newTestKey(gen uint, active bool) *domain.KeyPair {
	return &domain.KeyPair{
		ID:                  domain.KeyIDForGeneration(gen),
		Generation:          gen,
		Algorithm:           domain.KeyAlgorithmRSA2048,
		PublicKeyPEM:        []byte("public-key"),
		EncryptedPrivateKey: []byte("wrapped-private-key"),
		Active:              active,
	}
}

func TestKeyRepository_CreateAndFind(t *testing.T) {
	ctx := context.Background()
	repo := NewKeyRepository(setupTestDB(t))

	key := newTestKey(1, true)
	if err := repo.Create(ctx, key); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if key.CreatedAt.IsZero() {
		t.Error("expected CreatedAt to be populated")
	}

	found, err := repo.FindByID(ctx, "K1")
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if found == nil {
		t.Fatal("expected key, got nil")
	}
	if found.Generation != 1 || !found.Active || found.Algorithm != domain.KeyAlgorithmRSA2048 {
		t.Errorf("unexpected key: %+v", found)
	}
	if string(found.EncryptedPrivateKey) != "wrapped-private-key" {
		t.Errorf("expected wrapped private key to round trip, got %q", found.EncryptedPrivateKey)
	}

	// 存在しない場合
	missing, err := repo.FindByID(ctx, "K99")
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if missing != nil {
		t.Errorf("expected nil, got %+v", missing)
	}
}

func TestKeyRepository_DuplicateGeneration(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyRepository(db)

	if err := repo.Create(ctx, newTestKey(1, true)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	dup := newTestKey(1, true)
	dup.ID = "K1-dup"
	if err := repo.Create(ctx, dup); err == nil {
		t.Error("expected unique violation on duplicate generation")
	}
}

func TestKeyRepository_GetMaxGeneration(t *testing.T) {
	ctx := context.Background()
	repo := NewKeyRepository(setupTestDB(t))

	// 鍵が無い場合は0
	gen, err := repo.GetMaxGeneration(ctx)
	if err != nil {
		t.Fatalf("GetMaxGeneration failed: %v", err)
	}
	if gen != 0 {
		t.Errorf("expected 0, got %d", gen)
	}

	for _, k := range []*domain.KeyPair{newTestKey(1, false), newTestKey(2, true)} {
		if err := repo.Create(ctx, k); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}

	gen, err = repo.GetMaxGeneration(ctx)
	if err != nil {
		t.Fatalf("GetMaxGeneration failed: %v", err)
	}
	if gen != 2 {
		t.Errorf("expected 2, got %d", gen)
	}
}

func TestKeyRepository_RetireAndActive(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyRepository(db)
	tx := NewTxManager(db)

	if err := repo.Create(ctx, newTestKey(1, true)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	// 有効鍵の取得
	active, err := repo.FindActive(ctx)
	if err != nil {
		t.Fatalf("FindActive failed: %v", err)
	}
	if active == nil || active.ID != "K1" {
		t.Fatalf("expected K1 active, got %+v", active)
	}

	err = tx.WithinTransaction(ctx, func(ctx context.Context) error {
		locked, err := repo.LockActive(ctx)
		if err != nil {
			return err
		}
		if len(locked) != 1 || locked[0].ID != "K1" {
			t.Errorf("expected [K1] locked, got %d keys", len(locked))
		}
		if err := repo.Create(ctx, newTestKey(2, true)); err != nil {
			return err
		}
		retired, err := repo.RetireOthers(ctx, "K2")
		if err != nil {
			return err
		}
		if len(retired) != 1 || retired[0] != "K1" {
			t.Errorf("expected [K1] retired, got %v", retired)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("rotation transaction failed: %v", err)
	}

	active, err = repo.FindActive(ctx)
	if err != nil {
		t.Fatalf("FindActive failed: %v", err)
	}
	if active == nil || active.ID != "K2" {
		t.Fatalf("expected K2 active, got %+v", active)
	}

	retired, err := repo.FindByID(ctx, "K1")
	if err != nil {
		t.Fatalf("FindByID failed: %v", err)
	}
	if retired.Active {
		t.Error("expected K1 to be inactive")
	}
	if retired.SupersededBy == nil || *retired.SupersededBy != "K2" {
		t.Errorf("expected K1 superseded by K2, got %v", retired.SupersededBy)
	}

	all, err := repo.FindAll(ctx)
	if err != nil {
		t.Fatalf("FindAll failed: %v", err)
	}
	if len(all) != 2 || all[0].ID != "K1" || all[1].ID != "K2" {
		t.Errorf("expected [K1 K2] in generation order, got %d keys", len(all))
	}
}

// ローテーションのロック待ち中に別のローテーションが確定した場合、
// 確定済みの鍵も新しい鍵の作成後に退役させる
func TestKeyRepository_RetireOthers_CommittedConcurrentRotation(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	repo := NewKeyRepository(db)
	tx := NewTxManager(db)

	if err := repo.Create(ctx, newTestKey(1, false)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if err := repo.Create(ctx, newTestKey(2, true)); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	err := tx.WithinTransaction(ctx, func(ctx context.Context) error {
		// K1 のロックを待っていた側から見ると有効鍵は空に見える
		if err := repo.Create(ctx, newTestKey(3, true)); err != nil {
			return err
		}
		retired, err := repo.RetireOthers(ctx, "K3")
		if err != nil {
			return err
		}
		if len(retired) != 1 || retired[0] != "K2" {
			t.Errorf("expected [K2] retired, got %v", retired)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("rotation transaction failed: %v", err)
	}

	all, err := repo.FindAll(ctx)
	if err != nil {
		t.Fatalf("FindAll failed: %v", err)
	}
	active := 0
	for _, k := range all {
		if k.Active {
			active++
			if k.ID != "K3" {
				t.Errorf("expected only K3 active, got %s", k.ID)
			}
		}
	}
	if active != 1 {
		t.Errorf("expected exactly 1 active key, got %d", active)
	}
	k2, _ := repo.FindByID(ctx, "K2")
	if k2 == nil || k2.SupersededBy == nil || *k2.SupersededBy != "K3" {
		t.Errorf("expected K2 superseded by K3, got %+v", k2)
	}
	k1, _ := repo.FindByID(ctx, "K1")
	if k1 == nil || k1.SupersededBy != nil {
		t.Errorf("expected already-retired K1 untouched, got %+v", k1)
	}
}
