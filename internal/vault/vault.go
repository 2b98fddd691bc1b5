// Copyright 2026 The RChat Authors
// SPDX-License-Identifier: Apache-2.0

// Package vault manages the node's encrypted secret record: the
// Ed25519/X25519 identity keypair and the optional rendezvous API
// token, sealed under a key derived from the user's password.
//
// The on-disk record is a single CBOR file (vault.bin). The password
// never leaves this package; the unlocked identity is exposed as an
// identity.Identity and the key-encrypting key is retained in locked
// memory so the record can be re-sealed when the API token changes.
package vault

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/rchat-net/rchat/internal/crypto"
	"github.com/rchat-net/rchat/internal/identity"
	"github.com/rchat-net/rchat/lib/codec"
	"github.com/rchat-net/rchat/lib/secret"
)

// Sentinel errors surfaced through the command layer.
var (
	ErrNotSetUp        = errors.New("vault: not set up")
	ErrAlreadySetUp    = errors.New("vault: already set up")
	ErrLocked          = errors.New("vault: locked")
	ErrInvalidPassword = errors.New("vault: invalid password")
)

// FileName is the vault record's name under the data directory.
const FileName = "vault.bin"

// record is the persisted form of the vault. The ciphertext seals a
// bundle under a key derived from the password with the stored salt
// and parameters.
type record struct {
	Version    int              `cbor:"version"`
	Salt       []byte           `cbor:"salt"`
	KDF        crypto.KDFParams `cbor:"kdf"`
	Nonce      []byte           `cbor:"nonce"`
	Ciphertext []byte           `cbor:"ciphertext"`
}

// bundle is the plaintext secret payload.
type bundle struct {
	SigningKey    []byte `cbor:"signing_key"`
	EncryptionKey []byte `cbor:"encryption_key"`
	APIToken      string `cbor:"api_token,omitempty"`
}

const recordVersion = 1

// Status reports the vault's lifecycle state.
type Status struct {
	IsSetUp    bool `json:"is_setup"`
	IsUnlocked bool `json:"is_unlocked"`
}

// Vault owns the secret record at <dataDir>/vault.bin.
//
// All methods are safe for concurrent use. The KDF runs inline; the
// caller decides which goroutine pays for it.
type Vault struct {
	path   string
	logger *slog.Logger
	kdf    crypto.KDFParams

	mu       sync.Mutex
	identity *identity.Identity
	kek      *secret.Buffer
	apiToken string
}

// New creates a handle for the vault record under dataDir. No I/O
// happens until Setup or Unlock.
func New(dataDir string, logger *slog.Logger) *Vault {
	return &Vault{
		path:   filepath.Join(dataDir, FileName),
		logger: logger.With("component", "vault"),
		kdf:    crypto.DefaultKDFParams,
	}
}

// Status reports whether the record exists on disk and whether the
// identity is currently loaded.
func (v *Vault) Status() Status {
	v.mu.Lock()
	defer v.mu.Unlock()
	_, err := os.Stat(v.path)
	return Status{
		IsSetUp:    err == nil,
		IsUnlocked: v.identity != nil,
	}
}

// Setup creates a new vault record: fresh salt, fresh identity, and a
// ciphertext sealed under the password-derived key. Fails with
// ErrAlreadySetUp if a record exists. On success the vault is left
// unlocked.
func (v *Vault) Setup(password []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if _, err := os.Stat(v.path); err == nil {
		return ErrAlreadySetUp
	}

	salt, err := crypto.NewSalt()
	if err != nil {
		return err
	}

	newIdentity, err := identity.Generate()
	if err != nil {
		return err
	}

	kek := crypto.DeriveKey(password, salt, v.kdf)
	defer secret.Zero(kek)

	if err := v.seal(newIdentity, "", kek, salt, v.kdf); err != nil {
		return err
	}

	kekBuffer, err := secret.NewFromBytes(kek)
	if err != nil {
		return err
	}

	v.identity = newIdentity
	v.kek = kekBuffer
	v.apiToken = ""
	v.logger.Info("vault created", "peer_id", newIdentity.PeerID())
	return nil
}

// Unlock re-derives the key from the password and decrypts the record.
// A MAC failure surfaces as ErrInvalidPassword without distinguishing
// KDF from AEAD failure. On success the identity is held in memory
// until Lock or Reset.
func (v *Vault) Unlock(password []byte) error {
	v.mu.Lock()
	defer v.mu.Unlock()

	stored, err := v.read()
	if err != nil {
		return err
	}

	kek := crypto.DeriveKey(password, stored.Salt, stored.KDF)
	defer secret.Zero(kek)

	plaintext, err := crypto.Open(kek, stored.Nonce, stored.Ciphertext, nil)
	if err != nil {
		return ErrInvalidPassword
	}
	defer secret.Zero(plaintext)

	var secrets bundle
	if err := codec.Unmarshal(plaintext, &secrets); err != nil {
		return fmt.Errorf("vault: decoding secret bundle: %w", err)
	}

	if len(secrets.EncryptionKey) != 32 {
		return fmt.Errorf("vault: encryption key is %d bytes, want 32", len(secrets.EncryptionKey))
	}
	var encryptionKey [32]byte
	copy(encryptionKey[:], secrets.EncryptionKey)

	loaded, err := identity.FromKeys(append([]byte(nil), secrets.SigningKey...), encryptionKey)
	if err != nil {
		return err
	}

	kekBuffer, err := secret.NewFromBytes(kek)
	if err != nil {
		return err
	}

	if v.kek != nil {
		v.kek.Close()
	}
	v.identity = loaded
	v.kek = kekBuffer
	v.apiToken = secrets.APIToken
	v.logger.Info("vault unlocked", "peer_id", loaded.PeerID())
	return nil
}

// Lock drops the in-memory identity and key. The on-disk record is
// untouched.
func (v *Vault) Lock() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.dropLocked()
	v.logger.Info("vault locked")
}

// Reset erases the vault record and drops the in-memory identity. The
// caller is responsible for wiping dependent state (trust list,
// message log, file store) before inviting the user to set up again.
func (v *Vault) Reset() error {
	v.mu.Lock()
	defer v.mu.Unlock()

	if err := os.Remove(v.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("vault: removing record: %w", err)
	}
	v.dropLocked()
	v.logger.Info("vault reset")
	return nil
}

// Identity returns the unlocked identity, or ErrLocked.
func (v *Vault) Identity() (*identity.Identity, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.identity == nil {
		return nil, ErrLocked
	}
	return v.identity, nil
}

// APIToken returns the stored rendezvous API token, empty if none has
// been saved. Fails with ErrLocked when the vault is locked.
func (v *Vault) APIToken() (string, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.identity == nil {
		return "", ErrLocked
	}
	return v.apiToken, nil
}

// SaveAPIToken re-seals the record with the token included. The vault
// must be unlocked.
func (v *Vault) SaveAPIToken(token string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.identity == nil || v.kek == nil {
		return ErrLocked
	}

	stored, err := v.read()
	if err != nil {
		return err
	}

	if err := v.seal(v.identity, token, v.kek.Bytes(), stored.Salt, stored.KDF); err != nil {
		return err
	}
	v.apiToken = token
	v.logger.Info("api token saved")
	return nil
}

// dropLocked clears in-memory secrets. Caller holds v.mu.
func (v *Vault) dropLocked() {
	if v.kek != nil {
		v.kek.Close()
		v.kek = nil
	}
	v.identity = nil
	v.apiToken = ""
}

// read loads and decodes the on-disk record.
func (v *Vault) read() (*record, error) {
	data, err := os.ReadFile(v.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotSetUp
		}
		return nil, fmt.Errorf("vault: reading record: %w", err)
	}
	var stored record
	if err := codec.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("vault: decoding record: %w", err)
	}
	return &stored, nil
}

// seal writes a new record encrypting the bundle for ident and token
// under kek with the given salt and parameters.
func (v *Vault) seal(ident *identity.Identity, token string, kek, salt []byte, params crypto.KDFParams) error {
	encryptionKey := ident.EncryptionKey()
	plaintext, err := codec.Marshal(bundle{
		SigningKey:    ident.SigningKey(),
		EncryptionKey: encryptionKey[:],
		APIToken:      token,
	})
	if err != nil {
		return fmt.Errorf("vault: encoding secret bundle: %w", err)
	}
	defer secret.Zero(plaintext)

	nonce, ciphertext, err := crypto.Seal(kek, plaintext, nil)
	if err != nil {
		return err
	}

	data, err := codec.Marshal(record{
		Version:    recordVersion,
		Salt:       salt,
		KDF:        params,
		Nonce:      nonce,
		Ciphertext: ciphertext,
	})
	if err != nil {
		return fmt.Errorf("vault: encoding record: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(v.path), 0o700); err != nil {
		return fmt.Errorf("vault: creating data directory: %w", err)
	}
	temporary := v.path + ".tmp"
	if err := os.WriteFile(temporary, data, 0o600); err != nil {
		return fmt.Errorf("vault: writing record: %w", err)
	}
	if err := os.Rename(temporary, v.path); err != nil {
		return fmt.Errorf("vault: replacing record: %w", err)
	}
	return nil
}
