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

package delivery

import (
	"context"
	"testing"

	"github.com/themadorg/vaultmail/internal/codec"
	"github.com/themadorg/vaultmail/internal/ident"
	"github.com/themadorg/vaultmail/internal/mailbox"
	"github.com/themadorg/vaultmail/internal/storage/memory"
)

func TestDropThenDrainDeliversToInbox(t *testing.T) {
	ctx := context.Background()
	st, err := memory.New()
	if err != nil {
		t.Fatalf("new memory store: %v", err)
	}

	kp, err := codec.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	recipientID := ident.NewUID24()

	body := []byte("Message-ID: <abc123@example.com>\r\nSubject: hi\r\n\r\nhello there")
	if _, err := Drop(ctx, st, recipientID, kp.Public, body); err != nil {
		t.Fatalf("drop: %v", err)
	}

	var inboxKey codec.SecretKey
	inboxKey[0] = 9
	inbox := mailbox.Open(st, recipientID, inboxKey)

	w := NewWatcher(st, recipientID, kp.Secret, inbox)
	delivered, err := w.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if delivered != 1 {
		t.Fatalf("expected one message delivered, got %d", delivered)
	}

	entries := inbox.CurrentUIDIndex().ByUID()
	if len(entries) != 1 {
		t.Fatalf("expected one message in inbox, got %d", len(entries))
	}

	keys, err := st.BlobList(ctx, boxPrefix(recipientID))
	if err != nil {
		t.Fatalf("list drop-box: %v", err)
	}
	if len(keys) != 0 {
		t.Fatalf("expected the drop-box to be empty after drain, got %v", keys)
	}
}

func TestDropIsIdempotentForRetriedMessageID(t *testing.T) {
	ctx := context.Background()
	st, err := memory.New()
	if err != nil {
		t.Fatalf("new memory store: %v", err)
	}
	kp, err := codec.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate keypair: %v", err)
	}
	recipientID := ident.NewUID24()

	body := []byte("Message-ID: <retry-me@example.com>\r\n\r\nbody")
	id1, err := Drop(ctx, st, recipientID, kp.Public, body)
	if err != nil {
		t.Fatalf("first drop: %v", err)
	}
	id2, err := Drop(ctx, st, recipientID, kp.Public, body)
	if err != nil {
		t.Fatalf("second drop: %v", err)
	}
	if id1 != id2 {
		t.Fatalf("expected a retried delivery with the same Message-ID to dedupe, got %v vs %v", id1, id2)
	}

	keys, err := st.BlobList(ctx, boxPrefix(recipientID))
	if err != nil {
		t.Fatalf("list drop-box: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("expected exactly one blob in the drop-box, got %d", len(keys))
	}
}

func TestDrainQuarantinesUnsealableBlob(t *testing.T) {
	ctx := context.Background()
	st, err := memory.New()
	if err != nil {
		t.Fatalf("new memory store: %v", err)
	}
	correctKP, err := codec.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate correct keypair: %v", err)
	}
	wrongKP, err := codec.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate wrong keypair: %v", err)
	}
	recipientID := ident.NewUID24()

	body := []byte("Subject: poison\r\n\r\nthis was sealed to the wrong key")
	if _, err := Drop(ctx, st, recipientID, wrongKP.Public, body); err != nil {
		t.Fatalf("drop: %v", err)
	}

	var inboxKey codec.SecretKey
	inboxKey[0] = 3
	inbox := mailbox.Open(st, recipientID, inboxKey)
	w := NewWatcher(st, recipientID, correctKP.Secret, inbox)

	delivered, err := w.Drain(ctx)
	if err != nil {
		t.Fatalf("drain: %v", err)
	}
	if delivered != 0 {
		t.Fatalf("expected zero deliveries for an unsealable blob, got %d", delivered)
	}

	remaining, err := st.BlobList(ctx, boxPrefix(recipientID))
	if err != nil {
		t.Fatalf("list drop-box: %v", err)
	}
	if len(remaining) != 0 {
		t.Fatalf("expected the poison blob to be removed from the drop-box, got %v", remaining)
	}

	quarantined, err := st.BlobList(ctx, "incoming/bad/"+recipientID.String()+"/")
	if err != nil {
		t.Fatalf("list quarantine: %v", err)
	}
	if len(quarantined) != 1 {
		t.Fatalf("expected exactly one quarantined blob, got %d", len(quarantined))
	}
}
