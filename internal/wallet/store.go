package wallet

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	xerrors "Monad-Automation/internal/errors"
	"Monad-Automation/pkg/logger"
)

// Store maps names to wallets, persists them one record per file and tracks
// the single active wallet.
type Store struct {
	dir      string
	password string
	kdf      ScryptParams
	log      *slog.Logger

	mu      sync.RWMutex
	wallets map[string]*Wallet
	active  string

	// slot serializes WithWallet scopes across goroutines.
	slot chan struct{}
}

// Option customises a Store.
type Option func(*Store)

// WithPassword sets the password used to encrypt records on write. An empty
// password stores keys in plaintext.
func WithPassword(password string) Option {
	return func(s *Store) { s.password = password }
}

// WithLogger overrides the component logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// WithKDFParams overrides the scrypt cost for newly written records.
func WithKDFParams(params ScryptParams) Option {
	return func(s *Store) { s.kdf = params }
}

// NewStore creates an empty store backed by dir. Call Load to read existing
// records.
func NewStore(dir string, opts ...Option) *Store {
	s := &Store{
		dir:     dir,
		kdf:     StandardScrypt,
		log:     logger.Named("wallet"),
		wallets: make(map[string]*Wallet),
		slot:    make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Dir returns the record directory.
func (s *Store) Dir() string { return s.dir }

// Load registers every record in the directory without rewriting it. Records
// that cannot be read or decrypted are logged and skipped. Wallets already in
// the store are left untouched, so Load can be called repeatedly.
func (s *Store) Load(ctx context.Context, password string) error {
	if password == "" {
		password = s.password
	}
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return xerrors.Wrap(xerrors.CodeWallet, err, "read wallet dir",
			xerrors.WithMetadata("dir", s.dir))
	}

	loaded := 0
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), recordExt) {
			continue
		}
		path := filepath.Join(s.dir, entry.Name())
		rec, err := readRecord(path)
		if err != nil {
			s.log.Warn("skip unreadable wallet file", slog.String("path", path), slog.Any("error", err))
			continue
		}
		w, err := rec.open(password)
		if err != nil {
			s.log.Warn("skip wallet", slog.String("path", path), slog.String("code", string(xerrors.CodeOf(err))), slog.Any("error", err))
			continue
		}

		s.mu.Lock()
		if _, exists := s.wallets[w.name]; exists {
			s.mu.Unlock()
			continue
		}
		s.register(w)
		s.mu.Unlock()
		loaded++
	}
	s.log.Info("wallets loaded", slog.Int("count", loaded), slog.String("dir", s.dir))
	return nil
}

// register inserts w. The first wallet in an empty store becomes active.
// Callers hold s.mu.
func (s *Store) register(w *Wallet) {
	s.wallets[w.name] = w
	if s.active == "" {
		s.active = w.name
	}
}

// Add registers w, persisting it with the store password when persist is set.
func (s *Store) Add(w *Wallet, persist bool) error {
	if w == nil {
		return xerrors.New(xerrors.CodeWallet, "wallet is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.wallets[w.name]; exists {
		return xerrors.New(xerrors.CodeWalletExists, fmt.Sprintf("wallet %s already exists", w.name),
			xerrors.WithMetadata("wallet", w.name))
	}
	if persist {
		if err := s.persist(w, s.password); err != nil {
			return err
		}
	}
	s.register(w)

	logger.Audit().Info("wallet added",
		slog.String("wallet", w.name),
		slog.String("address", w.address.Hex()),
		slog.Bool("signing", w.CanSign()),
		slog.Bool("active", s.active == w.name),
	)
	return nil
}

// Generate creates, registers and persists a fresh wallet.
func (s *Store) Generate(name string) (*Wallet, error) {
	w, err := Generate(name)
	if err != nil {
		return nil, err
	}
	if err := s.Add(w, true); err != nil {
		return nil, err
	}
	return w, nil
}

// ImportPrivateKey registers and persists a wallet built from a hex key.
func (s *Store) ImportPrivateKey(name, hexKey string) (*Wallet, error) {
	w, err := FromPrivateKey(name, hexKey)
	if err != nil {
		return nil, err
	}
	if err := s.Add(w, true); err != nil {
		return nil, err
	}
	return w, nil
}

// ImportMnemonic registers and persists the first account derived from phrase.
func (s *Store) ImportMnemonic(name, phrase string) (*Wallet, error) {
	w, err := FromMnemonic(name, phrase, DefaultDerivationPath)
	if err != nil {
		return nil, err
	}
	if err := s.Add(w, true); err != nil {
		return nil, err
	}
	return w, nil
}

// AddWatchOnly registers and persists an address without a key.
func (s *Store) AddWatchOnly(name string, address common.Address) (*Wallet, error) {
	w, err := WatchOnly(name, address)
	if err != nil {
		return nil, err
	}
	if err := s.Add(w, true); err != nil {
		return nil, err
	}
	return w, nil
}

// Remove deletes the wallet and its record. Removing the active wallet leaves
// the store without an active wallet.
func (s *Store) Remove(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[name]
	if !ok {
		return notFound(name)
	}
	if err := os.Remove(recordPath(s.dir, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return xerrors.Wrap(xerrors.CodeWallet, err, "delete wallet file",
			xerrors.WithMetadata("wallet", name))
	}
	delete(s.wallets, name)
	wasActive := s.active == name
	if wasActive {
		s.active = ""
	}

	logger.Audit().Info("wallet removed",
		slog.String("wallet", name),
		slog.String("address", w.address.Hex()),
		slog.Bool("was_active", wasActive),
	)
	return nil
}

// SetActive makes name the active wallet. Watch-only wallets may be active.
func (s *Store) SetActive(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	w, ok := s.wallets[name]
	if !ok {
		return notFound(name)
	}
	previous := s.active
	s.active = name

	logger.Audit().Info("active wallet switched",
		slog.String("from", previous),
		slog.String("to", name),
		slog.String("address", w.address.Hex()),
	)
	return nil
}

// Active returns the active wallet, if any.
func (s *Store) Active() (*Wallet, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.active == "" {
		return nil, false
	}
	w, ok := s.wallets[s.active]
	return w, ok
}

// Get returns the named wallet.
func (s *Store) Get(name string) (*Wallet, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.wallets[name]
	if !ok {
		return nil, notFound(name)
	}
	return w, nil
}

// Resolve returns the signing context for name without touching the active
// wallet. An empty name resolves to the active wallet.
func (s *Store) Resolve(name string) (Signer, error) {
	if name == "" {
		w, ok := s.Active()
		if !ok {
			return nil, xerrors.New(xerrors.CodeWalletNotFound, "no active wallet")
		}
		return w, nil
	}
	return s.Get(name)
}

// List returns every wallet sorted by name.
func (s *Store) List() []Info {
	s.mu.RLock()
	defer s.mu.RUnlock()

	infos := make([]Info, 0, len(s.wallets))
	for name, w := range s.wallets {
		infos = append(infos, Info{
			Name:          name,
			Address:       w.address.Hex(),
			HasPrivateKey: w.CanSign(),
			IsActive:      name == s.active,
		})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos
}

// Persist writes w to disk, encrypted when password is non-empty.
func (s *Store) Persist(w *Wallet, password string) error {
	return s.persist(w, password)
}

func (s *Store) persist(w *Wallet, password string) error {
	rec, err := newRecord(w, password, s.kdf)
	if err != nil {
		return err
	}
	if err := writeRecord(s.dir, rec); err != nil {
		return xerrors.Wrap(xerrors.CodeWallet, err, "persist wallet",
			xerrors.WithMetadata("wallet", w.name))
	}
	if password == "" && w.CanSign() {
		s.log.Warn("wallet key stored unencrypted", slog.String("wallet", w.name))
	}
	return nil
}

type scopeKey struct{ store *Store }

// WithWallet makes name the active wallet while fn runs and restores the
// previous one on every exit path, including panics. fn receives the wallet
// as its signing context and should sign with it rather than reading the
// active wallet. Scopes from different goroutines run one at a time; a nested
// call made with the ctx passed to fn re-enters without blocking.
func (s *Store) WithWallet(ctx context.Context, name string, fn func(ctx context.Context, signer Signer) error) error {
	if ctx.Value(scopeKey{s}) == nil {
		select {
		case s.slot <- struct{}{}:
		case <-ctx.Done():
			return ctx.Err()
		}
		defer func() { <-s.slot }()
		ctx = context.WithValue(ctx, scopeKey{s}, true)
	}

	s.mu.Lock()
	w, ok := s.wallets[name]
	if !ok {
		s.mu.Unlock()
		return notFound(name)
	}
	previous := s.active
	s.active = name
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if _, still := s.wallets[previous]; still || previous == "" {
			s.active = previous
		} else {
			s.active = ""
		}
		s.mu.Unlock()
	}()

	if err := ctx.Err(); err != nil {
		return err
	}
	return fn(ctx, w)
}

func notFound(name string) error {
	return xerrors.New(xerrors.CodeWalletNotFound, fmt.Sprintf("wallet %s not found", name),
		xerrors.WithMetadata("wallet", name))
}
