package wallet

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	xerrors "Monad-Automation/internal/errors"
)

var fastScrypt = ScryptParams{N: 1 << 12, R: 8, P: 1, KeyLen: 32}

func newTestStore(t *testing.T, password string) *Store {
	t.Helper()
	return NewStore(t.TempDir(), WithPassword(password), WithKDFParams(fastScrypt))
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	plain := []byte("0123456789abcdef0123456789abcdef")
	rec, err := encryptKey(plain, "hunter2", fastScrypt)
	require.NoError(t, err)

	got, err := decryptKey(rec, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, plain, got)

	_, err = decryptKey(rec, "wrong")
	require.Error(t, err)
	assert.Equal(t, xerrors.CodeWalletDecryption, xerrors.CodeOf(err))
}

func TestEncryptUsesFreshSaltAndNonce(t *testing.T) {
	plain := []byte("same secret")
	a, err := encryptKey(plain, "pw", fastScrypt)
	require.NoError(t, err)
	b, err := encryptKey(plain, "pw", fastScrypt)
	require.NoError(t, err)
	assert.NotEqual(t, a.Salt, b.Salt)
	assert.NotEqual(t, a.Nonce, b.Nonce)
	assert.NotEqual(t, a.CipherText, b.CipherText)
}

func TestStorePersistAndLoad(t *testing.T) {
	store := newTestStore(t, "secret")
	alice, err := store.ImportPrivateKey("alice", knownKey)
	require.NoError(t, err)
	_, err = store.AddWatchOnly("watcher", common.HexToAddress("0x000000000000000000000000000000000000dEaD"))
	require.NoError(t, err)

	info, err := os.Stat(recordPath(store.Dir(), "alice"))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	content, err := os.ReadFile(recordPath(store.Dir(), "alice"))
	require.NoError(t, err)
	assert.NotContains(t, string(content), knownKey[2:])

	reloaded := NewStore(store.Dir(), WithKDFParams(fastScrypt))
	require.NoError(t, reloaded.Load(context.Background(), "secret"))

	got, err := reloaded.Get("alice")
	require.NoError(t, err)
	assert.Equal(t, alice.Address(), got.Address())
	assert.True(t, got.CanSign())

	watcher, err := reloaded.Get("watcher")
	require.NoError(t, err)
	assert.False(t, watcher.CanSign())

	active, ok := reloaded.Active()
	require.True(t, ok)
	assert.Equal(t, "alice", active.Name())

	require.NoError(t, reloaded.Load(context.Background(), "secret"))
	assert.Len(t, reloaded.List(), 2)
}

func TestLoadSkipsBadRecords(t *testing.T) {
	store := newTestStore(t, "secret")
	_, err := store.ImportPrivateKey("alice", knownKey)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(store.Dir(), "broken.wallet"), []byte("{not json"), 0o600))

	reloaded := NewStore(store.Dir())
	require.NoError(t, reloaded.Load(context.Background(), "wrong-password"))
	assert.Empty(t, reloaded.List())

	require.NoError(t, reloaded.Load(context.Background(), "secret"))
	infos := reloaded.List()
	require.Len(t, infos, 1)
	assert.Equal(t, "alice", infos[0].Name)
}

func TestPlaintextRecordWithoutPassword(t *testing.T) {
	store := newTestStore(t, "")
	_, err := store.ImportPrivateKey("alice", knownKey)
	require.NoError(t, err)

	reloaded := NewStore(store.Dir())
	require.NoError(t, reloaded.Load(context.Background(), ""))
	got, err := reloaded.Get("alice")
	require.NoError(t, err)
	assert.Equal(t, knownAddress, got.Address().Hex())
}

func TestFirstWalletBecomesActiveAndDuplicatesRejected(t *testing.T) {
	store := newTestStore(t, "")
	a, err := Generate("a")
	require.NoError(t, err)
	b, err := Generate("b")
	require.NoError(t, err)

	require.NoError(t, store.Add(a, false))
	require.NoError(t, store.Add(b, false))
	active, ok := store.Active()
	require.True(t, ok)
	assert.Equal(t, "a", active.Name())

	dup, err := Generate("a")
	require.NoError(t, err)
	assert.Equal(t, xerrors.CodeWalletExists, xerrors.CodeOf(store.Add(dup, false)))
}

func TestRemoveClearsActive(t *testing.T) {
	store := newTestStore(t, "")
	_, err := store.Generate("a")
	require.NoError(t, err)
	_, err = store.Generate("b")
	require.NoError(t, err)

	require.NoError(t, store.Remove("a"))
	_, ok := store.Active()
	assert.False(t, ok)
	_, err = os.Stat(recordPath(store.Dir(), "a"))
	assert.True(t, errors.Is(err, os.ErrNotExist))

	err = store.Remove("a")
	assert.Equal(t, xerrors.CodeWalletNotFound, xerrors.CodeOf(err))

	require.NoError(t, store.SetActive("b"))
	for _, info := range store.List() {
		assert.Equal(t, info.Name == "b", info.IsActive)
	}
	assert.Equal(t, xerrors.CodeWalletNotFound, xerrors.CodeOf(store.SetActive("missing")))
}

func TestResolveDoesNotSwitchActive(t *testing.T) {
	store := newTestStore(t, "")
	_, err := store.Generate("a")
	require.NoError(t, err)
	b, err := store.Generate("b")
	require.NoError(t, err)

	signer, err := store.Resolve("b")
	require.NoError(t, err)
	assert.Equal(t, b.Address(), signer.Address())

	active, _ := store.Active()
	assert.Equal(t, "a", active.Name())

	signer, err = store.Resolve("")
	require.NoError(t, err)
	assert.Equal(t, active.Address(), signer.Address())
}

func TestWithWalletRestoresActive(t *testing.T) {
	store := newTestStore(t, "")
	_, err := store.Generate("a")
	require.NoError(t, err)
	b, err := store.Generate("b")
	require.NoError(t, err)

	boom := errors.New("boom")
	err = store.WithWallet(context.Background(), "b", func(ctx context.Context, signer Signer) error {
		assert.Equal(t, b.Address(), signer.Address())
		active, _ := store.Active()
		assert.Equal(t, "b", active.Name())
		return boom
	})
	assert.ErrorIs(t, err, boom)
	active, _ := store.Active()
	assert.Equal(t, "a", active.Name())

	assert.Panics(t, func() {
		_ = store.WithWallet(context.Background(), "b", func(context.Context, Signer) error {
			panic("task exploded")
		})
	})
	active, _ = store.Active()
	assert.Equal(t, "a", active.Name())

	err = store.WithWallet(context.Background(), "missing", func(context.Context, Signer) error { return nil })
	assert.Equal(t, xerrors.CodeWalletNotFound, xerrors.CodeOf(err))
	active, _ = store.Active()
	assert.Equal(t, "a", active.Name())
}

func TestWithWalletNestedReentry(t *testing.T) {
	store := newTestStore(t, "")
	_, err := store.Generate("a")
	require.NoError(t, err)
	_, err = store.Generate("b")
	require.NoError(t, err)
	_, err = store.Generate("c")
	require.NoError(t, err)

	err = store.WithWallet(context.Background(), "b", func(ctx context.Context, _ Signer) error {
		return store.WithWallet(ctx, "c", func(context.Context, Signer) error {
			active, _ := store.Active()
			assert.Equal(t, "c", active.Name())
			return nil
		})
	})
	require.NoError(t, err)
	active, _ := store.Active()
	assert.Equal(t, "a", active.Name())
}

func TestWithWalletSerializesGoroutines(t *testing.T) {
	store := newTestStore(t, "")
	for _, name := range []string{"a", "b", "c"} {
		_, err := store.Generate(name)
		require.NoError(t, err)
	}

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 8; i++ {
		name := []string{"b", "c"}[i%2]
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := store.WithWallet(context.Background(), name, func(context.Context, Signer) error {
				mu.Lock()
				inside++
				if inside > maxSeen {
					maxSeen = inside
				}
				mu.Unlock()

				active, _ := store.Active()
				assert.Equal(t, name, active.Name())
				time.Sleep(time.Millisecond)

				mu.Lock()
				inside--
				mu.Unlock()
				return nil
			})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, maxSeen)
	active, _ := store.Active()
	assert.Equal(t, "a", active.Name())
}

func TestWithWalletHonoursCancellation(t *testing.T) {
	store := newTestStore(t, "")
	_, err := store.Generate("a")
	require.NoError(t, err)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = store.WithWallet(context.Background(), "a", func(context.Context, Signer) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err = store.WithWallet(ctx, "a", func(context.Context, Signer) error { return nil })
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	close(release)
}
