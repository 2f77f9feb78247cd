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

package mailbox

import (
	"bytes"
	"context"
	"testing"
	"time"

	"github.com/themadorg/vaultmail/internal/codec"
	"github.com/themadorg/vaultmail/internal/ident"
	"github.com/themadorg/vaultmail/internal/storage"
	"github.com/themadorg/vaultmail/internal/storage/memory"
)

func newTestMailbox(t *testing.T) (*Mailbox, storage.Storage, codec.SecretKey) {
	t.Helper()
	st, err := memory.New()
	if err != nil {
		t.Fatalf("new memory store: %v", err)
	}
	var key codec.SecretKey
	key[0] = 42
	return Open(st, ident.NewUID24(), key), st, key
}

func TestAppendSealsBodyAndMetaAndPushesMailAdd(t *testing.T) {
	ctx := context.Background()
	m, st, key := newTestMailbox(t)

	body := []byte("Subject: hi\r\n\r\nhello")
	now := time.Now().UTC().Truncate(time.Second)
	uidvalidity, uid, modseq, err := m.Append(ctx, body, now, []string{"\\Seen"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	if uid != 1 || modseq == 0 || uidvalidity == 0 {
		t.Fatalf("unexpected observable ids: uidvalidity=%d uid=%d modseq=%d", uidvalidity, uid, modseq)
	}

	state := m.CurrentUIDIndex()
	entries := state.ByUID()
	if len(entries) != 1 {
		t.Fatalf("expected one message, got %d", len(entries))
	}
	msgID := entries[0].Ident

	blob, err := st.BlobFetch(ctx, storage.BlobRef("mail/"+m.id.String()+"/body/"+msgID.String()))
	if err != nil {
		t.Fatalf("fetch body blob: %v", err)
	}
	opened, err := codec.Open(blob.Data, key)
	if err != nil {
		t.Fatalf("open body blob: %v", err)
	}
	if !bytes.Equal(opened, body) {
		t.Fatalf("round-tripped body mismatch: got %q, want %q", opened, body)
	}

	metaBlob, err := st.BlobFetch(ctx, storage.BlobRef("mail/"+m.id.String()+"/meta/"+msgID.String()))
	if err != nil {
		t.Fatalf("fetch meta blob: %v", err)
	}
	var meta Meta
	if err := codec.OpenValue(metaBlob.Data, key, &meta); err != nil {
		t.Fatalf("open meta blob: %v", err)
	}
	if meta.Size != len(body) || !meta.InternalDate.Equal(now) {
		t.Fatalf("unexpected meta: %+v", meta)
	}
}

func TestDeleteRemovesBlobsAndIndexEntry(t *testing.T) {
	ctx := context.Background()
	m, st, _ := newTestMailbox(t)

	_, _, _, err := m.Append(ctx, []byte("body"), time.Now(), nil)
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	msgID := m.CurrentUIDIndex().ByUID()[0].Ident

	if err := m.Delete(ctx, msgID); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if _, ok := m.CurrentUIDIndex().Lookup(msgID); ok {
		t.Fatalf("expected message to be gone from the index")
	}
	if _, err := st.BlobFetch(ctx, m.bodyKey(msgID)); err == nil {
		t.Fatalf("expected body blob to be removed")
	}
	if _, err := st.BlobFetch(ctx, m.metaKey(msgID)); err == nil {
		t.Fatalf("expected meta blob to be removed")
	}
}

func TestCopyFromCarriesFlagsUnderNewIdentity(t *testing.T) {
	ctx := context.Background()
	src, st, key := newTestMailbox(t)
	dst := Open(st, ident.NewUID24(), key)

	_, _, _, err := src.Append(ctx, []byte("body"), time.Now(), []string{"\\Seen", "\\Flagged"})
	if err != nil {
		t.Fatalf("append: %v", err)
	}
	srcID := src.CurrentUIDIndex().ByUID()[0].Ident

	newID, err := dst.CopyFrom(ctx, src, srcID)
	if err != nil {
		t.Fatalf("copy_from: %v", err)
	}

	if _, ok := src.CurrentUIDIndex().Lookup(srcID); !ok {
		t.Fatalf("copy_from must not remove the source message")
	}
	entry, ok := dst.CurrentUIDIndex().Lookup(newID)
	if !ok {
		t.Fatalf("expected copied message in destination index")
	}
	if len(entry.Flags) != 2 {
		t.Fatalf("expected copied flags to carry over, got %v", entry.Flags)
	}

	srcBody, err := st.BlobFetch(ctx, src.bodyKey(srcID))
	if err != nil {
		t.Fatalf("fetch src body: %v", err)
	}
	dstBody, err := st.BlobFetch(ctx, dst.bodyKey(newID))
	if err != nil {
		t.Fatalf("fetch dst body: %v", err)
	}
	if !bytes.Equal(srcBody.Data, dstBody.Data) {
		t.Fatalf("copied body bytes should match source's sealed bytes")
	}
}

func TestMoveFromDeletesSource(t *testing.T) {
	ctx := context.Background()
	src, st, key := newTestMailbox(t)
	dst := Open(st, ident.NewUID24(), key)

	if _, _, _, err := src.Append(ctx, []byte("body"), time.Now(), nil); err != nil {
		t.Fatalf("append: %v", err)
	}
	srcID := src.CurrentUIDIndex().ByUID()[0].Ident

	if _, err := dst.MoveFrom(ctx, src, srcID); err != nil {
		t.Fatalf("move_from: %v", err)
	}
	if _, ok := src.CurrentUIDIndex().Lookup(srcID); ok {
		t.Fatalf("move_from must remove the source message")
	}
	if len(dst.CurrentUIDIndex().ByUID()) != 1 {
		t.Fatalf("expected moved message in destination")
	}
}

func TestNotifyFiresOnAppend(t *testing.T) {
	ctx := context.Background()
	m, _, _ := newTestMailbox(t)

	notify := m.Notify()
	done := make(chan struct{})
	go func() {
		<-notify
		close(done)
	}()

	if _, _, _, err := m.Append(ctx, []byte("body"), time.Now(), nil); err != nil {
		t.Fatalf("append: %v", err)
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("notify did not fire after append")
	}
}

func TestSweepRemovesOrphanedBlobs(t *testing.T) {
	ctx := context.Background()
	m, st, _ := newTestMailbox(t)

	if _, _, _, err := m.Append(ctx, []byte("body"), time.Now(), nil); err != nil {
		t.Fatalf("append: %v", err)
	}

	orphan := ident.NewUID24()
	if _, err := st.BlobInsert(ctx, m.bodyKey(orphan), []byte("leftover"), nil); err != nil {
		t.Fatalf("insert orphan body: %v", err)
	}
	if _, err := st.BlobInsert(ctx, m.metaKey(orphan), []byte("leftover"), nil); err != nil {
		t.Fatalf("insert orphan meta: %v", err)
	}

	if err := m.Sweep(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}

	if _, err := st.BlobFetch(ctx, m.bodyKey(orphan)); err == nil {
		t.Fatalf("expected orphaned body blob to be swept")
	}
	liveID := m.CurrentUIDIndex().ByUID()[0].Ident
	if _, err := st.BlobFetch(ctx, m.bodyKey(liveID)); err != nil {
		t.Fatalf("sweep must not remove a live message's body: %v", err)
	}
}
