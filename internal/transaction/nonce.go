package transaction

import (
	"context"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// NonceSource allocates nonces per sender. A reservation is in flight until it
// is either committed (the transaction reached the node) or released (it never
// did). Overlapping reservations never share a nonce.
//
// Released nonces below the high-water mark are handed out again before the
// mark advances, so a failed send never leaves a gap that would stall later
// transactions. Once nothing is in flight the source resyncs to the chain's
// pending nonce.
type NonceSource interface {
	Reserve(ctx context.Context, account common.Address, chainNonce uint64) (uint64, error)
	// Commit marks nonce as consumed by a submitted transaction.
	Commit(ctx context.Context, account common.Address, nonce uint64) error
	// Release gives back a nonce whose transaction never reached the node.
	Release(ctx context.Context, account common.Address, nonce uint64) error
}

type accountNonces struct {
	next     uint64
	free     map[uint64]struct{}
	inflight map[uint64]struct{}
}

// MemoryNonceSource keeps nonce state per address in process memory.
type MemoryNonceSource struct {
	mu       sync.Mutex
	accounts map[common.Address]*accountNonces
}

var _ NonceSource = (*MemoryNonceSource)(nil)

// NewMemoryNonceSource creates an empty source.
func NewMemoryNonceSource() *MemoryNonceSource {
	return &MemoryNonceSource{accounts: make(map[common.Address]*accountNonces)}
}

func (m *MemoryNonceSource) state(account common.Address) *accountNonces {
	st, ok := m.accounts[account]
	if !ok {
		st = &accountNonces{free: make(map[uint64]struct{}), inflight: make(map[uint64]struct{})}
		m.accounts[account] = st
	}
	return st
}

// Reserve implements NonceSource.
func (m *MemoryNonceSource) Reserve(_ context.Context, account common.Address, chainNonce uint64) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.state(account)

	if len(st.inflight) == 0 {
		clear(st.free)
		st.next = chainNonce
	}
	for n := range st.free {
		if n < chainNonce {
			delete(st.free, n)
		}
	}

	var nonce uint64
	if len(st.free) > 0 {
		nonce = lowest(st.free)
		delete(st.free, nonce)
	} else {
		nonce = max(st.next, chainNonce)
		st.next = nonce + 1
	}
	st.inflight[nonce] = struct{}{}
	return nonce, nil
}

// Commit implements NonceSource.
func (m *MemoryNonceSource) Commit(_ context.Context, account common.Address, nonce uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.accounts[account]; ok {
		delete(st.inflight, nonce)
	}
	return nil
}

// Release implements NonceSource.
func (m *MemoryNonceSource) Release(_ context.Context, account common.Address, nonce uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.accounts[account]
	if !ok {
		return nil
	}
	if _, held := st.inflight[nonce]; !held {
		return nil
	}
	delete(st.inflight, nonce)

	if nonce+1 != st.next {
		st.free[nonce] = struct{}{}
		return nil
	}
	st.next = nonce
	for st.next > 0 {
		if _, ok := st.free[st.next-1]; !ok {
			break
		}
		st.next--
		delete(st.free, st.next)
	}
	return nil
}

func lowest(set map[uint64]struct{}) uint64 {
	keys := make([]uint64, 0, len(set))
	for n := range set {
		keys = append(keys, n)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys[0]
}
