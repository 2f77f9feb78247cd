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

// Package mailbox implements C6: one mailbox's message store, tying a
// Bayou-backed UID index log to blob-addressed message bodies and a
// notifier IDLE-style clients can wait on.
package mailbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/themadorg/vaultmail/framework/log"
	"github.com/themadorg/vaultmail/internal/bayou"
	"github.com/themadorg/vaultmail/internal/codec"
	"github.com/themadorg/vaultmail/internal/ident"
	"github.com/themadorg/vaultmail/internal/storage"
	"github.com/themadorg/vaultmail/internal/uidindex"
)

// Meta is the sealed-separately-from-body metadata attached to an appended
// message (§4.6: "seal body and metadata separately").
type Meta struct {
	InternalDate time.Time
	Size         int
}

// Mailbox owns a Bayou<UidIndexState> at "index/<id>", a blob prefix
// "mail/<id>/" for message contents, and a local notifier.
type Mailbox struct {
	id     ident.UID24
	path   string
	st     storage.Storage
	key    codec.SecretKey
	logger log.Logger

	log *bayou.Log[uidindex.State, uidindex.Op]

	mu       sync.Mutex
	notifyCh chan struct{}
}

// Open returns a handle on the mailbox identified by id, rooted at
// st. Call ForceSync before reading CurrentUIDIndex for the first time.
func Open(st storage.Storage, id ident.UID24, key codec.SecretKey) *Mailbox {
	path := "index/" + id.String()
	return &Mailbox{
		id:       id,
		path:     path,
		st:       st,
		key:      key,
		logger:   log.Logger{Name: "mailbox"},
		log:      bayou.New[uidindex.State, uidindex.Op](st, path, key, uidindex.New()),
		notifyCh: make(chan struct{}),
	}
}

// ID returns the mailbox's identity.
func (m *Mailbox) ID() ident.UID24 {
	return m.id
}

func (m *Mailbox) blobPrefix() string {
	return "mail/" + m.id.String() + "/"
}

func (m *Mailbox) bodyKey(id ident.UID24) storage.BlobRef {
	return storage.BlobRef(m.blobPrefix() + "body/" + id.String())
}

func (m *Mailbox) metaKey(id ident.UID24) storage.BlobRef {
	return storage.BlobRef(m.blobPrefix() + "meta/" + id.String())
}

// tailRef names a sentinel row bumped on every local mutation, so a remote
// process's Watch loop has a single stable row to row_poll for "something
// changed in this log" without needing to enumerate op rows itself.
func (m *Mailbox) tailRef() storage.RowRef {
	return storage.RowRef{Shard: m.path, Sort: "tail"}
}

func (m *Mailbox) bumpTail(ctx context.Context) {
	err := m.st.Insert(ctx, []storage.RowValue{{
		Ref:          m.tailRef(),
		Alternatives: []storage.RowAlternative{{Value: []byte(time.Now().UTC().Format(time.RFC3339Nano))}},
	}})
	if err != nil {
		m.logger.Error("bump tail sentinel failed", err, "mailbox", m.id.String())
	}
}

// Append generates a UID24, seals body and metadata separately as
// mail/<id>/body/<UID24> and .../meta/<UID24>, pushes MailAdd, and returns
// the observable ids (§4.6 append).
func (m *Mailbox) Append(ctx context.Context, body []byte, internalDate time.Time, flags []string) (uidvalidity, uid uint32, modseq uint64, err error) {
	msgID := ident.NewUID24()

	sealedBody, err := codec.Seal(body, m.key)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("mailbox: append: seal body: %w", err)
	}
	if _, err := m.st.BlobInsert(ctx, m.bodyKey(msgID), sealedBody, nil); err != nil {
		return 0, 0, 0, fmt.Errorf("mailbox: append: write body: %w", err)
	}

	sealedMeta, err := codec.SealValue(Meta{InternalDate: internalDate, Size: len(body)}, m.key)
	if err != nil {
		return 0, 0, 0, fmt.Errorf("mailbox: append: seal meta: %w", err)
	}
	if _, err := m.st.BlobInsert(ctx, m.metaKey(msgID), sealedMeta, nil); err != nil {
		return 0, 0, 0, fmt.Errorf("mailbox: append: write meta: %w", err)
	}

	suggested := m.log.State().InternalSeq
	state, err := m.log.Push(ctx, uidindex.MailAdd(msgID, suggested, flags))
	if err != nil {
		return 0, 0, 0, fmt.Errorf("mailbox: append: push MailAdd: %w", err)
	}

	entry, _ := state.Lookup(msgID)
	m.bumpTail(ctx)
	m.signalChanged()
	return state.UIDValidity, entry.UID, entry.ModSeq, nil
}

// AddFlags pushes a FlagAdd op for ident.
func (m *Mailbox) AddFlags(ctx context.Context, id ident.UID24, flags []string) (uidindex.State, error) {
	return m.pushFlagOp(ctx, uidindex.FlagAdd(id, flags))
}

// DelFlags pushes a FlagDel op for ident.
func (m *Mailbox) DelFlags(ctx context.Context, id ident.UID24, flags []string) (uidindex.State, error) {
	return m.pushFlagOp(ctx, uidindex.FlagDel(id, flags))
}

// SetFlags pushes a FlagSet op for ident.
func (m *Mailbox) SetFlags(ctx context.Context, id ident.UID24, flags []string) (uidindex.State, error) {
	return m.pushFlagOp(ctx, uidindex.FlagSet(id, flags))
}

func (m *Mailbox) pushFlagOp(ctx context.Context, op uidindex.Op) (uidindex.State, error) {
	state, err := m.log.Push(ctx, op)
	if err != nil {
		return uidindex.State{}, fmt.Errorf("mailbox: push flag op: %w", err)
	}
	m.bumpTail(ctx)
	m.signalChanged()
	return state, nil
}

// Delete pushes MailDel for ident and removes its blobs best-effort: a
// failure here is logged, not returned, since Sweep cleans up any blob a
// failed removal leaves behind.
func (m *Mailbox) Delete(ctx context.Context, id ident.UID24) error {
	if _, err := m.log.Push(ctx, uidindex.MailDel(id)); err != nil {
		return fmt.Errorf("mailbox: delete: push MailDel: %w", err)
	}
	m.bumpTail(ctx)
	m.signalChanged()

	if err := m.st.BlobRm(ctx, m.bodyKey(id)); err != nil {
		m.logger.Error("best-effort body removal failed", err, "mailbox", m.id.String(), "ident", id.String())
	}
	if err := m.st.BlobRm(ctx, m.metaKey(id)); err != nil {
		m.logger.Error("best-effort meta removal failed", err, "mailbox", m.id.String(), "ident", id.String())
	}
	return nil
}

// CopyFrom copies src's message identified by srcIdent into m under a new
// UID24, carrying over its current flags, and returns the new identity.
func (m *Mailbox) CopyFrom(ctx context.Context, src *Mailbox, srcIdent ident.UID24) (ident.UID24, error) {
	entry, ok := src.log.State().Lookup(srcIdent)
	if !ok {
		return ident.UID24{}, fmt.Errorf("mailbox: copy_from: %w", storage.ErrNotFound)
	}

	newID := ident.NewUID24()
	if err := m.st.BlobCopy(ctx, src.bodyKey(srcIdent), m.bodyKey(newID)); err != nil {
		return ident.UID24{}, fmt.Errorf("mailbox: copy_from: copy body: %w", err)
	}
	if err := m.st.BlobCopy(ctx, src.metaKey(srcIdent), m.metaKey(newID)); err != nil {
		return ident.UID24{}, fmt.Errorf("mailbox: copy_from: copy meta: %w", err)
	}

	suggested := m.log.State().InternalSeq
	if _, err := m.log.Push(ctx, uidindex.MailAdd(newID, suggested, entry.Flags)); err != nil {
		return ident.UID24{}, fmt.Errorf("mailbox: copy_from: push MailAdd: %w", err)
	}
	m.bumpTail(ctx)
	m.signalChanged()
	return newID, nil
}

// MoveFrom copies srcIdent into m, then deletes it from src.
func (m *Mailbox) MoveFrom(ctx context.Context, src *Mailbox, srcIdent ident.UID24) (ident.UID24, error) {
	newID, err := m.CopyFrom(ctx, src, srcIdent)
	if err != nil {
		return ident.UID24{}, err
	}
	if err := src.Delete(ctx, srcIdent); err != nil {
		return newID, fmt.Errorf("mailbox: move_from: delete source: %w", err)
	}
	return newID, nil
}

// CurrentUIDIndex returns a cheap clone of the current folded state.
func (m *Mailbox) CurrentUIDIndex() uidindex.State {
	return m.log.State()
}

// ForceSync explicitly syncs the underlying log with storage.
func (m *Mailbox) ForceSync(ctx context.Context) error {
	return m.log.Sync(ctx)
}

// OpportunisticSync syncs only if changed is true; the caller decides what
// counts as a change. Watch does not use it: it calls ForceSync on every
// observed poll.
func (m *Mailbox) OpportunisticSync(ctx context.Context, changed bool) error {
	if !changed {
		return nil
	}
	return m.log.Sync(ctx)
}

// Notify returns a channel that closes the next time any op is appended
// locally or observed remotely via Watch. It is a one-shot: callers must
// call Notify again after it fires to wait on the next change.
func (m *Mailbox) Notify() <-chan struct{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.notifyCh
}

func (m *Mailbox) signalChanged() {
	m.mu.Lock()
	defer m.mu.Unlock()
	close(m.notifyCh)
	m.notifyCh = make(chan struct{})
}

// Watch runs background row_poll loops until ctx is done: one against this
// mailbox's own tail sentinel, plus one against each extra ref (the row
// delivery writes to wake a mailbox it just appended into). Every observed
// change triggers a sync and wakes Notify. Intended to run as one goroutine
// per open mailbox.
func (m *Mailbox) Watch(ctx context.Context, extra ...storage.RowRef) {
	refs := append([]storage.RowRef{m.tailRef()}, extra...)

	var wg sync.WaitGroup
	wg.Add(len(refs))
	for _, ref := range refs {
		go func(ref storage.RowRef) {
			defer wg.Done()
			m.watchRef(ctx, ref)
		}(ref)
	}
	wg.Wait()
}

func (m *Mailbox) watchRef(ctx context.Context, ref storage.RowRef) {
	for {
		value, err := m.st.Poll(ctx, ref)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			m.logger.Error("watch poll failed", err, "mailbox", m.id.String(), "shard", ref.Shard)
			continue
		}
		ref.Causality = value.Ref.Causality

		if err := m.ForceSync(ctx); err != nil {
			m.logger.Error("watch sync failed", err, "mailbox", m.id.String())
		}
		m.signalChanged()
	}
}

// Sweep lists this mailbox's body/meta blobs and removes any whose UID24 is
// absent from the current uid index: cleanup for blobs a best-effort
// Delete failed to remove (e.g. a crash between the index push and the
// blob removal). Synchronous best-effort deletion on Delete remains the
// primary path; Sweep is the operator-invoked follow-up.
func (m *Mailbox) Sweep(ctx context.Context) error {
	state := m.log.State()
	keep := make(map[string]struct{}, len(state.ByIdent))
	for _, e := range state.ByUID() {
		keep[e.Ident.String()] = struct{}{}
	}

	for _, prefix := range []string{m.blobPrefix() + "body/", m.blobPrefix() + "meta/"} {
		keys, err := m.st.BlobList(ctx, prefix)
		if err != nil {
			return fmt.Errorf("mailbox: sweep: list %s: %w", prefix, err)
		}
		for _, key := range keys {
			idHex := strings.TrimPrefix(string(key), prefix)
			if _, ok := keep[idHex]; ok {
				continue
			}
			if err := m.st.BlobRm(ctx, key); err != nil {
				return fmt.Errorf("mailbox: sweep: remove %s: %w", key, err)
			}
		}
	}
	return nil
}
