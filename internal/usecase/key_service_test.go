package usecase

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"

	"conduct-integrity-service/internal/domain"
)

// mockKeyRepository はテスト用のインメモリ鍵リポジトリ。
type mockKeyRepository struct {
	mu        sync.Mutex
	keys      map[string]*domain.KeyPair
	createErr error
	findErr   error
	retireErr error
}

func newMockKeyRepository() *mockKeyRepository {
	return &mockKeyRepository{keys: map[string]*domain.KeyPair{}}
}

func (m *mockKeyRepository) Create(ctx context.Context, key *domain.KeyPair) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.createErr != nil {
		return m.createErr
	}
	key.CreatedAt = time.Now()
	cp := *key
	m.keys[key.ID] = &cp
	return nil
}

func (m *mockKeyRepository) FindByID(ctx context.Context, id string) (*domain.KeyPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	k, ok := m.keys[id]
	if !ok {
		return nil, nil
	}
	cp := *k
	return &cp, nil
}

func (m *mockKeyRepository) FindActive(ctx context.Context) (*domain.KeyPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.findErr != nil {
		return nil, m.findErr
	}
	var found *domain.KeyPair
	for _, k := range m.keys {
		if k.Active && (found == nil || k.Generation > found.Generation) {
			found = k
		}
	}
	if found == nil {
		return nil, nil
	}
	cp := *found
	return &cp, nil
}

func (m *mockKeyRepository) LockActive(ctx context.Context) ([]*domain.KeyPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*domain.KeyPair
	for _, k := range m.keys {
		if k.Active {
			cp := *k
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (m *mockKeyRepository) FindAll(ctx context.Context) ([]*domain.KeyPair, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*domain.KeyPair, 0, len(m.keys))
	for _, k := range m.keys {
		cp := *k
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Generation < out[j].Generation })
	return out, nil
}

func (m *mockKeyRepository) GetMaxGeneration(ctx context.Context) (uint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var maxGen uint
	for _, k := range m.keys {
		if k.Generation > maxGen {
			maxGen = k.Generation
		}
	}
	return maxGen, nil
}

func (m *mockKeyRepository) RetireOthers(ctx context.Context, keepID string) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.retireErr != nil {
		return nil, m.retireErr
	}
	var ids []string
	for id, k := range m.keys {
		if k.Active && id != keepID {
			k.Active = false
			superseded := keepID
			k.SupersededBy = &superseded
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// mockKMSClient はテスト用のモックKMSクライアント。
type mockKMSClient struct {
	encryptErr error
	decryptErr error
}

// Encrypt は aad を先頭に埋め込む。Decrypt は aad が一致しなければ失敗する。
func (m *mockKMSClient) Encrypt(ctx context.Context, plaintext, aad []byte) ([]byte, error) {
	if m.encryptErr != nil {
		return nil, m.encryptErr
	}
	out := append([]byte("wrapped:"), aad...)
	out = append(out, ':')
	return append(out, plaintext...), nil
}

func (m *mockKMSClient) Decrypt(ctx context.Context, ciphertext, aad []byte) ([]byte, error) {
	if m.decryptErr != nil {
		return nil, m.decryptErr
	}
	prefix := append(append([]byte("wrapped:"), aad...), ':')
	if !bytes.HasPrefix(ciphertext, prefix) {
		return nil, errors.New("aad mismatch")
	}
	return ciphertext[len(prefix):], nil
}

// mockTransactor は fn をそのまま実行する。ロールバックは行わない。
type mockTransactor struct {
	inTx bool
}

type txMarker struct{}

func (m *mockTransactor) WithinTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	return fn(context.WithValue(ctx, txMarker{}, true))
}

func (m *mockTransactor) InTransaction(ctx context.Context) bool {
	v, _ := ctx.Value(txMarker{}).(bool)
	return v || m.inTx
}

func TestKeyService_RotateKey_Bootstrap(t *testing.T) {
	repo := newMockKeyRepository()
	svc := NewKeyService(repo, &mockKMSClient{}, &mockTransactor{}, 2048)

	meta, err := svc.RotateKey(context.Background())
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if meta.ID != "K1" {
		t.Errorf("want K1, got %s", meta.ID)
	}
	if !meta.Active {
		t.Error("want new key active")
	}
}

func TestKeyService_RotateKey_RetiresPrevious(t *testing.T) {
	repo := newMockKeyRepository()
	svc := NewKeyService(repo, &mockKMSClient{}, &mockTransactor{}, 2048)
	ctx := context.Background()

	if _, err := svc.RotateKey(ctx); err != nil {
		t.Fatalf("first rotation: %v", err)
	}
	meta, err := svc.RotateKey(ctx)
	if err != nil {
		t.Fatalf("second rotation: %v", err)
	}
	if meta.ID != "K2" || meta.Generation != 2 {
		t.Errorf("want K2 generation 2, got %s generation %d", meta.ID, meta.Generation)
	}

	keys, err := svc.ListKeys(ctx)
	if err != nil {
		t.Fatalf("list keys: %v", err)
	}
	if len(keys) != 2 {
		t.Fatalf("want 2 keys, got %d", len(keys))
	}
	active := 0
	for _, k := range keys {
		if k.Active {
			active++
		}
	}
	if active != 1 {
		t.Errorf("want exactly 1 active key, got %d", active)
	}
	if keys[0].SupersededBy == nil || *keys[0].SupersededBy != "K2" {
		t.Errorf("want K1 superseded by K2, got %v", keys[0].SupersededBy)
	}
}

func TestKeyService_RotateKey_KMSError(t *testing.T) {
	repo := newMockKeyRepository()
	kmsErr := errors.New("kms unavailable")
	svc := NewKeyService(repo, &mockKMSClient{encryptErr: kmsErr}, &mockTransactor{}, 2048)

	_, err := svc.RotateKey(context.Background())
	if !errors.Is(err, kmsErr) {
		t.Errorf("want kms error, got %v", err)
	}
	if len(repo.keys) != 0 {
		t.Errorf("want no keys stored, got %d", len(repo.keys))
	}
}

func TestKeyService_GetCurrentSigningKey_NoKey(t *testing.T) {
	svc := NewKeyService(newMockKeyRepository(), &mockKMSClient{}, &mockTransactor{}, 2048)

	_, _, err := svc.GetCurrentSigningKey(context.Background())
	if !errors.Is(err, domain.ErrKeyNotFound) {
		t.Errorf("want ErrKeyNotFound, got %v", err)
	}
}

func TestKeyService_SigningAndPublicKeyMatch(t *testing.T) {
	repo := newMockKeyRepository()
	svc := NewKeyService(repo, &mockKMSClient{}, &mockTransactor{}, 2048)
	ctx := context.Background()
	if _, err := svc.RotateKey(ctx); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	keyID, priv, err := svc.GetCurrentSigningKey(ctx)
	if err != nil {
		t.Fatalf("signing key: %v", err)
	}
	pub, err := svc.GetPublicKey(ctx, keyID)
	if err != nil {
		t.Fatalf("public key: %v", err)
	}
	if !priv.PublicKey.Equal(pub) {
		t.Error("public key does not match signing key")
	}

	encID, err := svc.GetCurrentEncryptionKeyID(ctx)
	if err != nil {
		t.Fatalf("encryption key id: %v", err)
	}
	if encID != keyID {
		t.Errorf("want encryption key %s, got %s", keyID, encID)
	}
}

func TestKeyService_RetiredKeyStillResolvable(t *testing.T) {
	repo := newMockKeyRepository()
	svc := NewKeyService(repo, &mockKMSClient{}, &mockTransactor{}, 2048)
	ctx := context.Background()
	if _, err := svc.RotateKey(ctx); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if _, err := svc.RotateKey(ctx); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	if _, err := svc.GetPublicKey(ctx, "K1"); err != nil {
		t.Errorf("retired public key: %v", err)
	}
	if _, err := svc.GetPrivateKey(ctx, "K1"); err != nil {
		t.Errorf("retired private key: %v", err)
	}
	if _, err := svc.GetPublicKey(ctx, "K9"); !errors.Is(err, domain.ErrKeyNotFound) {
		t.Errorf("want ErrKeyNotFound for unknown key, got %v", err)
	}
}

func TestKeyService_GetPrivateKey_KMSDecryptError(t *testing.T) {
	repo := newMockKeyRepository()
	kms := &mockKMSClient{}
	svc := NewKeyService(repo, kms, &mockTransactor{}, 2048)
	ctx := context.Background()
	if _, err := svc.RotateKey(ctx); err != nil {
		t.Fatalf("rotate: %v", err)
	}

	kms.decryptErr = errors.New("permission denied")
	if _, err := svc.GetPrivateKey(ctx, "K1"); !errors.Is(err, kms.decryptErr) {
		t.Errorf("want kms decrypt error, got %v", err)
	}
}

// 別の鍵ペアの行にラップ済み秘密鍵を移し替えても復号できない
func TestKeyService_GetPrivateKey_SwappedWrappedKey(t *testing.T) {
	repo := newMockKeyRepository()
	svc := NewKeyService(repo, &mockKMSClient{}, &mockTransactor{}, 2048)
	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if _, err := svc.RotateKey(ctx); err != nil {
			t.Fatalf("rotate: %v", err)
		}
	}

	repo.mu.Lock()
	repo.keys["K1"].EncryptedPrivateKey = repo.keys["K2"].EncryptedPrivateKey
	repo.mu.Unlock()

	if _, err := svc.GetPrivateKey(ctx, "K1"); err == nil {
		t.Error("want error for private key wrapped under another public key")
	}
	if _, err := svc.GetPrivateKey(ctx, "K2"); err != nil {
		t.Errorf("untouched key: %v", err)
	}
}

func TestKeyService_EnsureActiveKey(t *testing.T) {
	repo := newMockKeyRepository()
	svc := NewKeyService(repo, &mockKMSClient{}, &mockTransactor{}, 2048)
	ctx := context.Background()

	meta, created, err := svc.EnsureActiveKey(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !created || meta.ID != "K1" {
		t.Errorf("want K1 created, got %s created=%v", meta.ID, created)
	}

	meta, created, err = svc.EnsureActiveKey(ctx)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created || meta.ID != "K1" {
		t.Errorf("want existing K1, got %s created=%v", meta.ID, created)
	}
}

func TestKeyService_EnsureActiveKey_RepositoryError(t *testing.T) {
	repo := newMockKeyRepository()
	svc := NewKeyService(repo, &mockKMSClient{}, &mockTransactor{}, 2048)
	repo.findErr = errors.New("db down")

	if _, _, err := svc.EnsureActiveKey(context.Background()); err == nil {
		t.Error("expected error")
	}
}

func TestKeyService_RotateKey_ConcurrentLeavesOneActive(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.rotate(t, 1)

	var g errgroup.Group
	for i := 0; i < 4; i++ {
		g.Go(func() error {
			_, err := f.keys.RotateKey(ctx)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent rotation: %v", err)
	}

	keys, err := f.keys.ListKeys(ctx)
	if err != nil {
		t.Fatalf("list keys: %v", err)
	}
	if len(keys) != 5 {
		t.Fatalf("want 5 generations, got %d", len(keys))
	}
	active := 0
	for _, k := range keys {
		if k.Active {
			active++
			continue
		}
		if k.SupersededBy == nil {
			t.Errorf("retired key %s has no successor", k.ID)
		}
	}
	if active != 1 {
		t.Errorf("want exactly 1 active key, got %d", active)
	}
	if !keys[len(keys)-1].Active {
		t.Errorf("want newest generation active, got %s inactive", keys[len(keys)-1].ID)
	}
}
