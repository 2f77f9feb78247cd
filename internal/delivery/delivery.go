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

// Package delivery implements the incoming drop-box (§4.8): an
// unauthenticated sender seals a message to a recipient's published public
// key and writes it as a blob the recipient's own watcher later drains into
// INBOX. A sender never needs anything but the recipient's public key —
// delivery never touches the recipient's private key material.
package delivery

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/themadorg/vaultmail/framework/log"
	"github.com/themadorg/vaultmail/internal/codec"
	"github.com/themadorg/vaultmail/internal/ident"
	"github.com/themadorg/vaultmail/internal/mailbox"
	"github.com/themadorg/vaultmail/internal/storage"
)

const (
	idempotencyMetaKey = "idempotency-key"
	tailShard          = "incoming-tail"
)

func boxPrefix(recipientID ident.UID24) string {
	return "incoming/" + recipientID.String() + "/"
}

func quarantineKey(recipientID ident.UID24, msgID ident.UID24) storage.BlobRef {
	return storage.BlobRef("incoming/bad/" + recipientID.String() + "/" + msgID.String())
}

// TailRef names the sentinel row Drop bumps after every write, giving a
// recipient's Watcher something stable to poll for "new mail arrived"
// (mirrors internal/mailbox's own tail-sentinel design).
func TailRef(recipientID ident.UID24) storage.RowRef {
	return storage.RowRef{Shard: tailShard, Sort: recipientID.String()}
}

// messageID extracts the Message-ID header from a message's header block,
// if present. This is a header scan, not a MIME parse: it only looks at
// lines before the first blank line.
func messageID(body []byte) (string, bool) {
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 4096), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			break
		}
		if rest, ok := cutHeader(line, "message-id"); ok {
			return strings.TrimSpace(rest), true
		}
	}
	return "", false
}

func cutHeader(line, name string) (string, bool) {
	if len(line) <= len(name)+1 || line[len(name)] != ':' {
		return "", false
	}
	if !strings.EqualFold(line[:len(name)], name) {
		return "", false
	}
	return line[len(name)+1:], true
}

// idempotencyKey returns a stable key for body: derived from its
// Message-ID header when present (so retried deliveries of the same
// message collapse to the same key), otherwise a fresh random one.
func idempotencyKey(body []byte) string {
	if id, ok := messageID(body); ok {
		return uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String()
	}
	return uuid.New().String()
}

// Drop seals body for recipientPublic and writes it into recipientID's
// drop-box. If a blob already present carries the same idempotency key
// (a retried delivery of the same message), Drop returns its existing id
// without writing a duplicate.
func Drop(ctx context.Context, st storage.Storage, recipientID ident.UID24, recipientPublic [32]byte, body []byte) (ident.UID24, error) {
	key := idempotencyKey(body)
	prefix := boxPrefix(recipientID)

	existing, err := st.BlobList(ctx, prefix)
	if err != nil {
		return ident.UID24{}, fmt.Errorf("delivery: drop: list existing: %w", err)
	}
	for _, ref := range existing {
		v, err := st.BlobFetch(ctx, ref)
		if err != nil {
			continue
		}
		if v.Meta[idempotencyMetaKey] == key {
			idHex := strings.TrimPrefix(string(ref), prefix)
			if id, err := ident.ParseUID24(idHex); err == nil {
				return id, nil
			}
		}
	}

	sealed, err := codec.PubSeal(body, recipientPublic)
	if err != nil {
		return ident.UID24{}, fmt.Errorf("delivery: drop: seal: %w", err)
	}

	msgID := ident.NewUID24()
	if _, err := st.BlobInsert(ctx, storage.BlobRef(prefix+msgID.String()), sealed, map[string]string{idempotencyMetaKey: key}); err != nil {
		return ident.UID24{}, fmt.Errorf("delivery: drop: write: %w", err)
	}

	if err := st.Insert(ctx, []storage.RowValue{{
		Ref:          TailRef(recipientID),
		Alternatives: []storage.RowAlternative{{Value: []byte(time.Now().UTC().Format(time.RFC3339Nano))}},
	}}); err != nil {
		return ident.UID24{}, fmt.Errorf("delivery: drop: bump tail: %w", err)
	}

	return msgID, nil
}

// Watcher drains one recipient's drop-box into their INBOX. It owns no
// storage of its own: Drain lists the drop-box prefix, unseals each blob
// with the recipient's secret key, appends the plaintext to inbox, and
// removes the blob; a blob that fails to unseal is quarantined rather than
// retried, so one poison message never blocks the rest (§4.8, §7).
type Watcher struct {
	st          storage.Storage
	recipientID ident.UID24
	secret      [32]byte
	logger      log.Logger

	mu    sync.Mutex
	inbox *mailbox.Mailbox
}

// NewWatcher returns a Watcher draining recipientID's drop-box into inbox,
// unsealing with secret.
func NewWatcher(st storage.Storage, recipientID ident.UID24, secret [32]byte, inbox *mailbox.Mailbox) *Watcher {
	return &Watcher{
		st:          st,
		recipientID: recipientID,
		secret:      secret,
		inbox:       inbox,
		logger:      log.Logger{Name: "delivery"},
	}
}

// TailRef is the sentinel row this recipient's drop-box writes bump.
func (w *Watcher) TailRef() storage.RowRef {
	return TailRef(w.recipientID)
}

// SetInbox retargets the mailbox future Drain calls append into. Callers
// must invoke this whenever INBOX is recreated under a fresh id (§4.7's
// rename-recreates-empty-INBOX rule), otherwise the watcher keeps
// delivering into the orphaned mailbox object it was built with.
func (w *Watcher) SetInbox(inbox *mailbox.Mailbox) {
	w.mu.Lock()
	w.inbox = inbox
	w.mu.Unlock()
}

func (w *Watcher) currentInbox() *mailbox.Mailbox {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.inbox
}

// Drain does one pass over the drop-box, delivering or quarantining every
// blob currently present. It returns the number of messages delivered.
func (w *Watcher) Drain(ctx context.Context) (int, error) {
	prefix := boxPrefix(w.recipientID)
	keys, err := w.st.BlobList(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("delivery: drain: list: %w", err)
	}

	inbox := w.currentInbox()
	delivered := 0
	for _, key := range keys {
		blob, err := w.st.BlobFetch(ctx, key)
		if err != nil {
			w.logger.Error("drain: fetch failed", err, "recipient", w.recipientID.String(), "key", string(key))
			continue
		}

		plaintext, err := codec.PubOpen(blob.Data, w.secret)
		if err != nil {
			w.quarantine(ctx, key)
			continue
		}

		if _, _, _, err := inbox.Append(ctx, plaintext, time.Now(), nil); err != nil {
			w.logger.Error("drain: append failed, leaving blob for retry", err, "recipient", w.recipientID.String(), "key", string(key))
			continue
		}

		if err := w.st.BlobRm(ctx, key); err != nil {
			w.logger.Error("drain: remove delivered blob failed", err, "recipient", w.recipientID.String(), "key", string(key))
		}
		delivered++
	}
	return delivered, nil
}

func (w *Watcher) quarantine(ctx context.Context, key storage.BlobRef) {
	idHex := strings.TrimPrefix(string(key), boxPrefix(w.recipientID))
	msgID, err := ident.ParseUID24(idHex)
	if err != nil {
		msgID = ident.NewUID24()
	}
	dst := quarantineKey(w.recipientID, msgID)
	if err := w.st.BlobCopy(ctx, key, dst); err != nil {
		w.logger.Error("quarantine copy failed", err, "recipient", w.recipientID.String(), "key", string(key))
		return
	}
	if err := w.st.BlobRm(ctx, key); err != nil {
		w.logger.Error("quarantine: remove original failed", err, "recipient", w.recipientID.String(), "key", string(key))
	}
}

// Run polls this recipient's tail sentinel until ctx is done, draining the
// drop-box on every observed change. It is meant to run as one goroutine
// per open user, spawned by the user aggregate (§4.9).
func (w *Watcher) Run(ctx context.Context) {
	ref := w.TailRef()
	for {
		value, err := w.st.Poll(ctx, ref)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Error("watch poll failed", err, "recipient", w.recipientID.String())
			continue
		}
		ref.Causality = value.Ref.Causality

		if _, err := w.Drain(ctx); err != nil {
			w.logger.Error("drain failed", err, "recipient", w.recipientID.String())
		}
	}
}
