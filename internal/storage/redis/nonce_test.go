package redis

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNonceKeyIsScopedByChainAndAddress(t *testing.T) {
	src := NewNonceSource(nil, 10143, WithKeyPrefix("test:nonce"))
	addr := common.HexToAddress("0x2c7536E3605D9C16a7a3D7b1898e529396a65c23")

	tag := "{test:nonce:10143:0x2c7536e3605d9c16a7a3d7b1898e529396a65c23}"
	assert.Equal(t, []string{tag + ":next", tag + ":free", tag + ":inflight"}, src.keys(addr))
	assert.Equal(t, defaultNoncePrefix, NewNonceSource(nil, 1, WithKeyPrefix("  ")).prefix)
	assert.Equal(t, time.Minute, NewNonceSource(nil, 1, WithTTL(time.Minute)).ttl)
	assert.Equal(t, defaultNonceLease, NewNonceSource(nil, 1, WithLease(-time.Second)).lease)
}

// newTestSource connects to MONAD_TEST_REDIS_ADDR; the test is skipped when
// no server is available.
func newTestSource(t *testing.T) (*NonceSource, common.Address) {
	t.Helper()
	addr := os.Getenv("MONAD_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("MONAD_TEST_REDIS_ADDR not set")
	}
	client, err := NewClient(context.Background(), Config{Address: addr})
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	src := NewNonceSource(client, 1337, WithKeyPrefix("monad:test:"+t.Name()))
	account := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	require.NoError(t, src.Reset(context.Background(), account))
	t.Cleanup(func() { _ = src.Reset(context.Background(), account) })
	return src, account
}

func TestNonceSourceReserveAndRelease(t *testing.T) {
	src, account := newTestSource(t)
	ctx := context.Background()

	first, err := src.Reserve(ctx, account, 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), first)

	second, err := src.Reserve(ctx, account, 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(6), second)

	// Releasing the older reservation leaves a hole that is filled first.
	require.NoError(t, src.Release(ctx, account, first))
	third, err := src.Reserve(ctx, account, 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), third)

	// Releasing both rolls the mark back to the chain nonce.
	require.NoError(t, src.Release(ctx, account, second))
	require.NoError(t, src.Release(ctx, account, third))
	again, err := src.Reserve(ctx, account, 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), again)
	require.NoError(t, src.Commit(ctx, account, again))

	jumped, err := src.Reserve(ctx, account, 20)
	require.NoError(t, err)
	assert.Equal(t, uint64(20), jumped)
}

func TestNonceSourceFailedSendDoesNotLeaveGap(t *testing.T) {
	src, account := newTestSource(t)
	ctx := context.Background()

	a, err := src.Reserve(ctx, account, 5)
	require.NoError(t, err)
	b, err := src.Reserve(ctx, account, 5)
	require.NoError(t, err)

	require.NoError(t, src.Release(ctx, account, a))
	require.NoError(t, src.Commit(ctx, account, b))

	// b was accepted while a never left, so the node still reports 5 pending.
	next, err := src.Reserve(ctx, account, 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), next)
}

func TestNonceSourceExpiredLeaseResyncsToChain(t *testing.T) {
	src, account := newTestSource(t)
	ctx := context.Background()

	clock := time.Now()
	src.now = func() time.Time { return clock }
	src.lease = time.Minute

	stuck, err := src.Reserve(ctx, account, 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), stuck)

	clock = clock.Add(2 * time.Minute)
	next, err := src.Reserve(ctx, account, 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), next, "an abandoned reservation must not hold the mark forever")
}

func TestNonceSourceConcurrentReservationsAreUnique(t *testing.T) {
	src, account := newTestSource(t)
	ctx := context.Background()

	const workers = 32
	var (
		mu   sync.Mutex
		seen = make(map[uint64]bool)
		wg   sync.WaitGroup
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			nonce, err := src.Reserve(ctx, account, 0)
			if err != nil {
				t.Errorf("reserve: %v", err)
				return
			}
			mu.Lock()
			seen[nonce] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	assert.Len(t, seen, workers)
}
