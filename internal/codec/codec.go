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

// Package codec implements the encrypted codec (§4.2): authenticated
// symmetric seal/open and public-key seal/open over serialized values. It is
// the only package in the module that touches key material directly; every
// value crossing the storage boundary is sealed through it.
package codec

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
	"golang.org/x/crypto/nacl/box"
	"golang.org/x/crypto/nacl/secretbox"
)

// ErrOpenFailed is returned by Open/PubOpen when the ciphertext does not
// authenticate under the given key. It intentionally carries no detail about
// which component failed (§7: "never leaks which component failed").
var ErrOpenFailed = errors.New("codec: open failed")

// SecretKey is a symmetric key used for Seal/Open.
type SecretKey [32]byte

// KeyPair is an asymmetric keypair used for PubSeal/PubOpen.
type KeyPair struct {
	Public [32]byte
	Secret [32]byte
}

// GenerateKeyPair creates a fresh X25519 keypair.
func GenerateKeyPair() (KeyPair, error) {
	pub, sec, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return KeyPair{}, fmt.Errorf("codec: generate keypair: %w", err)
	}
	return KeyPair{Public: *pub, Secret: *sec}, nil
}

// Seal authenticates and encrypts plaintext under key, prepending a random
// 24-byte nonce to the ciphertext.
func Seal(plaintext []byte, key SecretKey) ([]byte, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("codec: seal: %w", err)
	}
	out := make([]byte, 0, len(nonce)+len(plaintext)+secretbox.Overhead)
	out = append(out, nonce[:]...)
	out = secretbox.Seal(out, plaintext, &nonce, (*[32]byte)(&key))
	return out, nil
}

// Open verifies and decrypts a value produced by Seal under the same key.
func Open(sealed []byte, key SecretKey) ([]byte, error) {
	if len(sealed) < 24 {
		return nil, ErrOpenFailed
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])

	plaintext, ok := secretbox.Open(nil, sealed[24:], &nonce, (*[32]byte)(&key))
	if !ok {
		return nil, ErrOpenFailed
	}
	return plaintext, nil
}

// PublicFromSecret recomputes the X25519 public key for secret, used to
// verify that key material unsealed from a password entry matches the
// identity's stored public key.
func PublicFromSecret(secret [32]byte) ([32]byte, error) {
	var pub [32]byte
	out, err := curve25519.X25519(secret[:], curve25519.Basepoint)
	if err != nil {
		return pub, fmt.Errorf("codec: derive public key: %w", err)
	}
	copy(pub[:], out)
	return pub, nil
}

// PubSeal encrypts plaintext for recipientPublic using an ephemeral sender
// keypair, producing a self-contained ciphertext: ephemeral public key (32
// bytes) + nonce (24 bytes) + AEAD ciphertext.
func PubSeal(plaintext []byte, recipientPublic [32]byte) ([]byte, error) {
	ephPub, ephSec, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("codec: pubseal: %w", err)
	}

	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, fmt.Errorf("codec: pubseal: %w", err)
	}

	out := make([]byte, 0, 32+24+len(plaintext)+box.Overhead)
	out = append(out, ephPub[:]...)
	out = append(out, nonce[:]...)
	out = box.Seal(out, plaintext, &nonce, &recipientPublic, ephSec)
	return out, nil
}

// PubOpen decrypts a value produced by PubSeal using the recipient's secret key.
func PubOpen(sealed []byte, recipientSecret [32]byte) ([]byte, error) {
	if len(sealed) < 32+24 {
		return nil, ErrOpenFailed
	}
	var ephPub [32]byte
	copy(ephPub[:], sealed[:32])
	var nonce [24]byte
	copy(nonce[:], sealed[32:56])

	plaintext, ok := box.Open(nil, sealed[56:], &nonce, &ephPub, &recipientSecret)
	if !ok {
		return nil, ErrOpenFailed
	}
	return plaintext, nil
}
