/*
Vaultmail - Encrypted multi-user mail and calendar store.
Copyright © 2024 Vaultmail contributors

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package cryptoroot derives and persists the per-user key material the
// rest of the engine seals everything under (§4.3, §6): a master symmetric
// key and an asymmetric keypair, reachable from one or more passwords
// without ever storing the keys themselves in recoverable form.
package cryptoroot

import (
	"context"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"

	"github.com/themadorg/vaultmail/internal/codec"
	"github.com/themadorg/vaultmail/internal/storage"
)

// Argon2id parameters, fixed for every derivation this package performs
// (§4.3: "a fixed parameter set"). Mirrors the OWASP-recommended profile.
const (
	argonTime    = 3
	argonMemory  = 64 * 1024
	argonThreads = 4

	identitySaltLen = 32
	kdfSaltLen      = 16
	passwordIDLen   = 16
)

// ErrAlreadyInitialized is returned by Init when key storage for this
// identity already exists.
var ErrAlreadyInitialized = errors.New("cryptoroot: already initialized")

// ErrWrongPassword is returned by Open on any unseal or verification
// failure, including an uninitialized identity — deliberately generic
// (§7: "never leaks which component failed").
var ErrWrongPassword = errors.New("cryptoroot: wrong password")

// ErrLastPassword is returned by DeletePassword when asked to remove the
// only remaining entry without AllowLast.
var ErrLastPassword = errors.New("cryptoroot: refusing to delete last password")

// ErrPasswordExists is returned by AddPassword when an entry already exists
// for the new password's identity.
var ErrPasswordExists = errors.New("cryptoroot: password already registered")

const shard = "keys"

const (
	sortSalt        = "salt"
	sortPublic      = "public"
	sortPasswordPfx = "password:"
)

// Keys is the key material derivable from any registered password.
type Keys struct {
	Master  codec.SecretKey
	KeyPair codec.KeyPair
}

// Root is a handle on one identity's key storage, rooted at a Storage.
type Root struct {
	st storage.Storage
}

// New wraps a Storage as a crypto root handle. It does not touch storage
// until Init/Open/... is called.
func New(st storage.Storage) *Root {
	return &Root{st: st}
}

type sealedEntry struct {
	KDFSalt []byte
	Sealed  []byte // codec.Seal(Master||Secret, derivedKey)
}

func deriveKey(password string, salt []byte) codec.SecretKey {
	raw := argon2.IDKey([]byte(password), salt, argonTime, argonMemory, argonThreads, 32)
	var key codec.SecretKey
	copy(key[:], raw)
	return key
}

func passwordID(identitySalt []byte, password string) []byte {
	return argon2.IDKey([]byte(password), identitySalt, argonTime, argonMemory, argonThreads, passwordIDLen)
}

func passwordSort(id []byte) string {
	return sortPasswordPfx + hex.EncodeToString(id)
}

// Init creates a fresh identity: a random keypair, a random master key, an
// identity salt, and one password entry. Fails with ErrAlreadyInitialized if
// a salt row is already present.
func (r *Root) Init(ctx context.Context, password string) (Keys, error) {
	if _, err := r.st.Fetch(ctx, storage.Single(shard, sortSalt)); err == nil {
		return Keys{}, ErrAlreadyInitialized
	} else if err != storage.ErrNotFound {
		return Keys{}, fmt.Errorf("cryptoroot: init: %w", err)
	}

	kp, err := codec.GenerateKeyPair()
	if err != nil {
		return Keys{}, fmt.Errorf("cryptoroot: init: %w", err)
	}
	var master codec.SecretKey
	if err := randomSecretKey(&master); err != nil {
		return Keys{}, fmt.Errorf("cryptoroot: init: %w", err)
	}
	keys := Keys{Master: master, KeyPair: kp}

	if err := r.InitWithoutPassword(ctx, keys); err != nil {
		return Keys{}, err
	}
	if err := r.addPasswordEntry(ctx, keys, password); err != nil {
		return Keys{}, err
	}
	return keys, nil
}

// InitWithoutPassword writes the salt and public rows for externally
// supplied keys, without registering any password entry (§4.3
// init_without_password). Fails with ErrAlreadyInitialized if already set up.
func (r *Root) InitWithoutPassword(ctx context.Context, keys Keys) error {
	if _, err := r.st.Fetch(ctx, storage.Single(shard, sortSalt)); err == nil {
		return ErrAlreadyInitialized
	} else if err != storage.ErrNotFound {
		return fmt.Errorf("cryptoroot: init: %w", err)
	}

	identitySalt := make([]byte, identitySaltLen)
	if err := randomBytes(identitySalt); err != nil {
		return fmt.Errorf("cryptoroot: init: %w", err)
	}

	err := r.st.Insert(ctx, []storage.RowValue{
		{Ref: storage.RowRef{Shard: shard, Sort: sortSalt}, Alternatives: []storage.RowAlternative{{Value: identitySalt}}},
		{Ref: storage.RowRef{Shard: shard, Sort: sortPublic}, Alternatives: []storage.RowAlternative{{Value: keys.KeyPair.Public[:]}}},
	})
	if err != nil {
		return fmt.Errorf("cryptoroot: init: %w", err)
	}
	return nil
}

// Open derives Keys from password, failing with ErrWrongPassword on any
// mismatch — missing identity, wrong password, or corrupted storage all
// look identical from the caller's side.
func (r *Root) Open(ctx context.Context, password string) (Keys, error) {
	saltRows, err := r.st.Fetch(ctx, storage.Single(shard, sortSalt))
	if err == storage.ErrNotFound {
		return Keys{}, ErrWrongPassword
	}
	if err != nil {
		return Keys{}, fmt.Errorf("cryptoroot: open: %w", err)
	}
	identitySalt, ok := liveValue(saltRows)
	if !ok {
		return Keys{}, ErrWrongPassword
	}

	publicRows, err := r.st.Fetch(ctx, storage.Single(shard, sortPublic))
	if err != nil {
		return Keys{}, ErrWrongPassword
	}
	publicBytes, ok := liveValue(publicRows)
	if !ok || len(publicBytes) != 32 {
		return Keys{}, ErrWrongPassword
	}

	id := passwordID(identitySalt, password)
	entryRows, err := r.st.Fetch(ctx, storage.Single(shard, passwordSort(id)))
	if err == storage.ErrNotFound {
		return Keys{}, ErrWrongPassword
	}
	if err != nil {
		return Keys{}, fmt.Errorf("cryptoroot: open: %w", err)
	}
	entryBytes, ok := liveValue(entryRows)
	if !ok {
		return Keys{}, ErrWrongPassword
	}

	var entry sealedEntry
	if err := codec.Unmarshal(entryBytes, &entry); err != nil {
		return Keys{}, ErrWrongPassword
	}

	derived := deriveKey(password, entry.KDFSalt)
	plain, err := codec.Open(entry.Sealed, derived)
	if err != nil {
		return Keys{}, ErrWrongPassword
	}
	if len(plain) != 64 {
		return Keys{}, ErrWrongPassword
	}

	var keys Keys
	copy(keys.Master[:], plain[:32])
	copy(keys.KeyPair.Secret[:], plain[32:64])
	if err := derivePublicAndCompare(keys.KeyPair.Secret, publicBytes); err != nil {
		return Keys{}, ErrWrongPassword
	}
	keys.KeyPair.Public = toArray32(publicBytes)

	return keys, nil
}

// AddPassword registers newPassword as an additional entry reaching the
// same Keys as existingPassword, refusing to overwrite an existing entry
// with the same password identity.
func (r *Root) AddPassword(ctx context.Context, existingPassword, newPassword string) error {
	keys, err := r.Open(ctx, existingPassword)
	if err != nil {
		return err
	}
	return r.addPasswordEntry(ctx, keys, newPassword)
}

func (r *Root) addPasswordEntry(ctx context.Context, keys Keys, password string) error {
	saltRows, err := r.st.Fetch(ctx, storage.Single(shard, sortSalt))
	if err != nil {
		return fmt.Errorf("cryptoroot: add password: %w", err)
	}
	identitySalt, ok := liveValue(saltRows)
	if !ok {
		return fmt.Errorf("cryptoroot: add password: %w", ErrWrongPassword)
	}

	id := passwordID(identitySalt, password)
	sort := passwordSort(id)

	if _, err := r.st.Fetch(ctx, storage.Single(shard, sort)); err == nil {
		return ErrPasswordExists
	} else if err != storage.ErrNotFound {
		return fmt.Errorf("cryptoroot: add password: %w", err)
	}

	kdfSalt := make([]byte, kdfSaltLen)
	if err := randomBytes(kdfSalt); err != nil {
		return fmt.Errorf("cryptoroot: add password: %w", err)
	}
	derived := deriveKey(password, kdfSalt)

	plain := make([]byte, 0, 64)
	plain = append(plain, keys.Master[:]...)
	plain = append(plain, keys.KeyPair.Secret[:]...)
	sealed, err := codec.Seal(plain, derived)
	if err != nil {
		return fmt.Errorf("cryptoroot: add password: %w", err)
	}

	entryBytes, err := codec.Marshal(sealedEntry{KDFSalt: kdfSalt, Sealed: sealed})
	if err != nil {
		return fmt.Errorf("cryptoroot: add password: %w", err)
	}

	err = r.st.Insert(ctx, []storage.RowValue{
		{Ref: storage.RowRef{Shard: shard, Sort: sort}, Alternatives: []storage.RowAlternative{{Value: entryBytes}}},
	})
	if err != nil {
		return fmt.Errorf("cryptoroot: add password: %w", err)
	}
	return nil
}

// DeletePassword removes the entry for password. Unless allowLast is set,
// it refuses when this would remove the last remaining entry.
func (r *Root) DeletePassword(ctx context.Context, password string, allowLast bool) error {
	saltRows, err := r.st.Fetch(ctx, storage.Single(shard, sortSalt))
	if err != nil {
		return fmt.Errorf("cryptoroot: delete password: %w", err)
	}
	identitySalt, ok := liveValue(saltRows)
	if !ok {
		return ErrWrongPassword
	}

	if !allowLast {
		entries, err := r.st.Fetch(ctx, storage.Prefix(shard, sortPasswordPfx))
		if err != nil {
			return fmt.Errorf("cryptoroot: delete password: %w", err)
		}
		live := 0
		for _, e := range entries {
			if _, ok := liveValue([]storage.RowValue{e}); ok {
				live++
			}
		}
		if live <= 1 {
			return ErrLastPassword
		}
	}

	id := passwordID(identitySalt, password)
	if err := r.st.Remove(ctx, storage.Single(shard, passwordSort(id))); err != nil {
		return fmt.Errorf("cryptoroot: delete password: %w", err)
	}
	return nil
}

// liveValue returns the non-tombstone value of a single fetched row, if any.
func liveValue(rows []storage.RowValue) ([]byte, bool) {
	if len(rows) == 0 {
		return nil, false
	}
	for _, alt := range rows[0].Alternatives {
		if !alt.Tombstone {
			return alt.Value, true
		}
	}
	return nil, false
}

func toArray32(b []byte) [32]byte {
	var out [32]byte
	copy(out[:], b)
	return out
}

func derivePublicAndCompare(secret [32]byte, want []byte) error {
	pub, err := codec.PublicFromSecret(secret)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare(pub[:], want) != 1 {
		return ErrWrongPassword
	}
	return nil
}
