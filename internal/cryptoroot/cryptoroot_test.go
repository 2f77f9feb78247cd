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

package cryptoroot

import (
	"context"
	"testing"

	"github.com/themadorg/vaultmail/internal/codec"
	"github.com/themadorg/vaultmail/internal/storage/memory"
)

func newRoot(t *testing.T) *Root {
	t.Helper()
	st, err := memory.New()
	if err != nil {
		t.Fatalf("new memory store: %v", err)
	}
	return New(st)
}

func TestInitOpenRoundTrip(t *testing.T) {
	ctx := context.Background()
	r := newRoot(t)

	keys, err := r.Init(ctx, "correct horse battery staple")
	if err != nil {
		t.Fatalf("init: %v", err)
	}

	got, err := r.Open(ctx, "correct horse battery staple")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if got.Master != keys.Master || got.KeyPair != keys.KeyPair {
		t.Fatalf("opened keys do not match init keys")
	}
}

func TestInitTwiceFails(t *testing.T) {
	ctx := context.Background()
	r := newRoot(t)

	if _, err := r.Init(ctx, "first password"); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := r.Init(ctx, "second password"); err != ErrAlreadyInitialized {
		t.Fatalf("expected ErrAlreadyInitialized, got %v", err)
	}
}

func TestOpenWrongPassword(t *testing.T) {
	ctx := context.Background()
	r := newRoot(t)

	if _, err := r.Init(ctx, "right password"); err != nil {
		t.Fatalf("init: %v", err)
	}
	if _, err := r.Open(ctx, "wrong password"); err != ErrWrongPassword {
		t.Fatalf("expected ErrWrongPassword, got %v", err)
	}
}

func TestOpenBeforeInitFails(t *testing.T) {
	ctx := context.Background()
	r := newRoot(t)

	if _, err := r.Open(ctx, "anything"); err != ErrWrongPassword {
		t.Fatalf("expected ErrWrongPassword on uninitialized identity, got %v", err)
	}
}

func TestAddPasswordDeletePassword(t *testing.T) {
	ctx := context.Background()
	r := newRoot(t)

	keys, err := r.Init(ctx, "p1")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := r.AddPassword(ctx, "p1", "p2"); err != nil {
		t.Fatalf("add password: %v", err)
	}

	if err := r.DeletePassword(ctx, "p1", false); err != nil {
		t.Fatalf("delete password: %v", err)
	}

	if _, err := r.Open(ctx, "p1"); err != ErrWrongPassword {
		t.Fatalf("expected ErrWrongPassword after delete, got %v", err)
	}

	got, err := r.Open(ctx, "p2")
	if err != nil {
		t.Fatalf("open p2: %v", err)
	}
	if got.Master != keys.Master {
		t.Fatalf("master key changed across add/delete password")
	}

	if err := r.DeletePassword(ctx, "p2", false); err != ErrLastPassword {
		t.Fatalf("expected ErrLastPassword, got %v", err)
	}
	if err := r.DeletePassword(ctx, "p2", true); err != nil {
		t.Fatalf("delete last password with allowLast: %v", err)
	}
}

func TestAddPasswordRefusesDuplicateIdentity(t *testing.T) {
	ctx := context.Background()
	r := newRoot(t)

	if _, err := r.Init(ctx, "shared"); err != nil {
		t.Fatalf("init: %v", err)
	}
	if err := r.AddPassword(ctx, "shared", "shared"); err != ErrPasswordExists {
		t.Fatalf("expected ErrPasswordExists, got %v", err)
	}
}

func TestInitWithoutPassword(t *testing.T) {
	ctx := context.Background()
	r := newRoot(t)

	var keys Keys
	if err := randomSecretKey(&keys.Master); err != nil {
		t.Fatalf("random master: %v", err)
	}
	kp, err := codec.GenerateKeyPair()
	if err != nil {
		t.Fatalf("new keypair: %v", err)
	}
	keys.KeyPair = kp

	if err := r.InitWithoutPassword(ctx, keys); err != nil {
		t.Fatalf("init without password: %v", err)
	}
	if err := r.AddPassword(ctx, "", "now set a password"); err == nil {
		t.Fatal("expected AddPassword to fail opening with empty existing password")
	}
}
