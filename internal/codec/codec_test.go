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

package codec

import (
	"bytes"
	"testing"
)

func TestSealOpenRoundTrip(t *testing.T) {
	var key, other SecretKey
	key[0] = 1
	other[0] = 2

	plaintext := []byte("hello, mailbox")
	sealed, err := Seal(plaintext, key)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}

	got, err := Open(sealed, key)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("got %q, want %q", got, plaintext)
	}

	if _, err := Open(sealed, other); err != ErrOpenFailed {
		t.Fatalf("expected ErrOpenFailed with wrong key, got %v", err)
	}
}

func TestPubSealOpenRoundTrip(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}

	plaintext := []byte("drop-box envelope")
	sealed, err := PubSeal(plaintext, kp.Public)
	if err != nil {
		t.Fatalf("pubseal: %v", err)
	}

	got, err := PubOpen(sealed, kp.Secret)
	if err != nil {
		t.Fatalf("pubopen: %v", err)
	}
	if !bytes.Equal(got, plaintext) {
		t.Fatalf("got %q, want %q", got, plaintext)
	}

	other, _ := GenerateKeyPair()
	if _, err := PubOpen(sealed, other.Secret); err != ErrOpenFailed {
		t.Fatalf("expected ErrOpenFailed with wrong key, got %v", err)
	}
}

func TestSealValueRoundTrip(t *testing.T) {
	var key SecretKey
	key[0] = 9

	type payload struct {
		Name  string
		Flags []string
		Count int
	}
	in := payload{Name: "INBOX", Flags: []string{"\\Seen", "\\Flagged"}, Count: 3}

	sealed, err := SealValue(in, key)
	if err != nil {
		t.Fatalf("seal value: %v", err)
	}

	var out payload
	if err := OpenValue(sealed, key, &out); err != nil {
		t.Fatalf("open value: %v", err)
	}
	if out != in {
		t.Fatalf("got %+v, want %+v", out, in)
	}
}

func TestPublicFromSecretMatchesGeneratedKeyPair(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	pub, err := PublicFromSecret(kp.Secret)
	if err != nil {
		t.Fatalf("public from secret: %v", err)
	}
	if pub != kp.Public {
		t.Fatalf("recomputed public key does not match generated one")
	}
}

func TestOpenRejectsShortInput(t *testing.T) {
	var key SecretKey
	if _, err := Open([]byte("short"), key); err != ErrOpenFailed {
		t.Fatalf("expected ErrOpenFailed, got %v", err)
	}
}
