package wallet

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/crypto/scrypt"

	xerrors "Monad-Automation/internal/errors"
)

const (
	recordExt = ".wallet"
	saltLen   = 32
	kdfScrypt = "scrypt"
	cipherGCM = "aes-256-gcm"
)

// ScryptParams configures the password based key derivation.
type ScryptParams struct {
	N      int `json:"n"`
	R      int `json:"r"`
	P      int `json:"p"`
	KeyLen int `json:"keylen"`
}

// StandardScrypt is the cost used for records written by the daemon.
var StandardScrypt = ScryptParams{N: 1 << 18, R: 8, P: 1, KeyLen: 32}

// record is the on-disk form of a wallet. Exactly one of PrivateKey and
// Crypto is set for signing wallets; neither is set for watch-only wallets.
type record struct {
	Name       string        `json:"name"`
	Address    string        `json:"address"`
	PrivateKey string        `json:"private_key,omitempty"`
	Crypto     *cryptoRecord `json:"crypto,omitempty"`
}

type cryptoRecord struct {
	Cipher     string       `json:"cipher"`
	CipherText string       `json:"ciphertext"`
	Salt       string       `json:"salt"`
	Nonce      string       `json:"nonce"`
	KDF        string       `json:"kdf"`
	KDFParams  ScryptParams `json:"kdfparams"`
}

func encryptKey(plain []byte, password string, params ScryptParams) (*cryptoRecord, error) {
	salt := make([]byte, saltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("generate salt: %w", err)
	}
	key, err := scrypt.Key([]byte(password), salt, params.N, params.R, params.P, params.KeyLen)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	defer clear(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	sealed := gcm.Seal(nil, nonce, plain, nil)

	return &cryptoRecord{
		Cipher:     cipherGCM,
		CipherText: base64.StdEncoding.EncodeToString(sealed),
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		KDF:        kdfScrypt,
		KDFParams:  params,
	}, nil
}

func decryptKey(rec *cryptoRecord, password string) ([]byte, error) {
	if rec.KDF != kdfScrypt || rec.Cipher != cipherGCM {
		return nil, xerrors.New(xerrors.CodeWalletDecryption,
			fmt.Sprintf("unsupported encryption %s/%s", rec.KDF, rec.Cipher))
	}
	sealed, err := base64.StdEncoding.DecodeString(rec.CipherText)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeWalletDecryption, err, "decode ciphertext")
	}
	salt, err := base64.StdEncoding.DecodeString(rec.Salt)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeWalletDecryption, err, "decode salt")
	}
	nonce, err := base64.StdEncoding.DecodeString(rec.Nonce)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeWalletDecryption, err, "decode nonce")
	}

	p := rec.KDFParams
	key, err := scrypt.Key([]byte(password), salt, p.N, p.R, p.P, p.KeyLen)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeWalletDecryption, err, "derive key")
	}
	defer clear(key)

	gcm, err := newGCM(key)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeWalletDecryption, err, "init cipher")
	}
	if len(nonce) != gcm.NonceSize() {
		return nil, xerrors.New(xerrors.CodeWalletDecryption, "invalid nonce length")
	}
	plain, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, xerrors.New(xerrors.CodeWalletDecryption, "invalid password")
	}
	return plain, nil
}

func newGCM(key []byte) (cipher.AEAD, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("init aes: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("init gcm: %w", err)
	}
	return gcm, nil
}

// newRecord serializes a wallet. With a non-empty password the key is
// encrypted, otherwise it is stored in the clear.
func newRecord(w *Wallet, password string, params ScryptParams) (*record, error) {
	rec := &record{Name: w.name, Address: w.address.Hex()}
	plain := w.keyBytes()
	if plain == nil {
		return rec, nil
	}
	defer clear(plain)

	if password == "" {
		rec.PrivateKey = hex.EncodeToString(plain)
		return rec, nil
	}
	enc, err := encryptKey(plain, password, params)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeWallet, err, "encrypt wallet",
			xerrors.WithMetadata("wallet", w.name))
	}
	rec.Crypto = enc
	return rec, nil
}

// open rebuilds the wallet, decrypting with password when needed. The derived
// address must match the stored one.
func (r *record) open(password string) (*Wallet, error) {
	var (
		w   *Wallet
		err error
	)
	switch {
	case r.Crypto != nil:
		if password == "" {
			return nil, xerrors.New(xerrors.CodeWalletDecryption,
				fmt.Sprintf("wallet %s is encrypted and no password was given", r.Name))
		}
		plain, decErr := decryptKey(r.Crypto, password)
		if decErr != nil {
			return nil, decErr
		}
		w, err = FromPrivateKey(r.Name, hex.EncodeToString(plain))
		clear(plain)
	case r.PrivateKey != "":
		w, err = FromPrivateKey(r.Name, r.PrivateKey)
	default:
		if !common.IsHexAddress(r.Address) {
			return nil, xerrors.New(xerrors.CodeWallet, fmt.Sprintf("wallet %s has an invalid address", r.Name))
		}
		return WatchOnly(r.Name, common.HexToAddress(r.Address))
	}
	if err != nil {
		return nil, err
	}
	if r.Address != "" && !strings.EqualFold(r.Address, w.address.Hex()) {
		return nil, xerrors.New(xerrors.CodeWallet,
			fmt.Sprintf("wallet %s: stored address %s does not match key", r.Name, r.Address))
	}
	return w, nil
}

func recordPath(dir, name string) string {
	return filepath.Join(dir, name+recordExt)
}

// writeRecord atomically replaces the record file, readable by the owner only.
func writeRecord(dir string, rec *record) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("create wallet dir: %w", err)
	}
	content, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("encode wallet record: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+rec.Name+"-*.tmp")
	if err != nil {
		return fmt.Errorf("create temp wallet file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod wallet file: %w", err)
	}
	if _, err := tmp.Write(content); err != nil {
		tmp.Close()
		return fmt.Errorf("write wallet file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close wallet file: %w", err)
	}
	if err := os.Rename(tmpName, recordPath(dir, rec.Name)); err != nil {
		return fmt.Errorf("replace wallet file: %w", err)
	}
	return nil
}

func readRecord(path string) (*record, error) {
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read wallet file: %w", err)
	}
	var rec record
	if err := json.Unmarshal(content, &rec); err != nil {
		return nil, fmt.Errorf("decode wallet file: %w", err)
	}
	if rec.Name == "" {
		rec.Name = strings.TrimSuffix(filepath.Base(path), recordExt)
	}
	return &rec, nil
}
