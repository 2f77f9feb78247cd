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

// Package namespace implements the per-user mailbox name registry (§4.7): a
// single sealed row holding name -> (id, uidvalidity) mappings that merges
// deterministically however two replicas' concurrent edits interleave.
// Unlike internal/bayou's append-only log, the registry is one row mutated
// in place: every operation fetches it, merges whatever concurrent
// alternatives the store handed back, applies its change, and writes the
// consolidated result back under the causality token it observed.
package namespace

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/themadorg/vaultmail/internal/codec"
	"github.com/themadorg/vaultmail/internal/ident"
	"github.com/themadorg/vaultmail/internal/storage"
)

// Delimiter separates hierarchy levels in a mailbox name (§4.7).
const Delimiter = "."

// Inbox is the one mailbox name every user always has (§4.7).
const Inbox = "INBOX"

// DefaultMailboxes are created alongside INBOX the first time a user's
// namespace loads, matching the original's RFC 6154 special-use set
// (original: `aero-collections/src/mail/namespace.rs` DRAFTS/ARCHIVE/SENT/TRASH).
var DefaultMailboxes = []string{"Drafts", "Archive", "Sent", "Trash"}

var (
	// ErrInvalidName is returned for a name ending in Delimiter.
	ErrInvalidName = errors.New("namespace: invalid mailbox name")
	// ErrExists is returned when a create/rename target already maps to a mailbox.
	ErrExists = errors.New("namespace: mailbox already exists")
	// ErrNotExist is returned when an operation's source name has no mailbox.
	ErrNotExist = errors.New("namespace: mailbox does not exist")
)

const (
	rowShard = "mailboxes"
	rowSort  = "list"
)

// Entry is one name's current registration: an LWW id assignment plus a
// uidvalidity counter that only ever grows (§4.7).
type Entry struct {
	TS          uint64
	HasID       bool
	ID          ident.UID24
	UIDValidity uint32
}

// List is the full registry value sealed into the row (name -> Entry).
type List map[string]Entry

// mergeEntry combines two concurrent views of the same name: id_lww
// resolves by timestamp, ties broken by option ordering (None < Some,
// Some(x) < Some(y) by UID24 bytes — a create beats a concurrent delete at
// the same instant); uidvalidity takes the max of the two (§4.7, and the
// SUPPLEMENTED FEATURES tie-break note grounded on the original's
// `MailboxListEntry::merge`).
func mergeEntry(a, b Entry) Entry {
	winner := a
	if idLWWLess(a, b) {
		winner.TS = b.TS
		winner.HasID = b.HasID
		winner.ID = b.ID
	}
	if b.UIDValidity > winner.UIDValidity {
		winner.UIDValidity = b.UIDValidity
	}
	return winner
}

func idLWWLess(a, b Entry) bool {
	if a.TS != b.TS {
		return a.TS < b.TS
	}
	if a.HasID != b.HasID {
		return !a.HasID
	}
	if !a.HasID {
		return false
	}
	return a.ID.Less(b.ID)
}

func (l List) mergeInto(other List) {
	for name, e := range other {
		if existing, ok := l[name]; ok {
			l[name] = mergeEntry(existing, e)
		} else {
			l[name] = e
		}
	}
}

func (l List) hasMailbox(name string) bool {
	e, ok := l[name]
	return ok && e.HasID
}

func (l List) existingNames() []string {
	out := make([]string, 0, len(l))
	for name, e := range l {
		if e.HasID {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// set mirrors the original's `set_mailbox`: assigns name to id (nil means
// tombstone), bumping the LWW timestamp and, if the id actually changed,
// the uidvalidity. Returns the entry's uidvalidity after the call, or 0 if
// nothing changed (name already mapped to id).
func (l List) set(name string, id *ident.UID24) uint32 {
	existing, ok := l[name]
	if !ok {
		if id == nil {
			return 0
		}
		l[name] = Entry{TS: nowMillis(), HasID: true, ID: *id, UIDValidity: 1}
		return 1
	}

	sameID := existing.HasID == (id != nil) && (id == nil || existing.ID == *id)
	if sameID {
		return 0
	}

	ts := existing.TS + 1
	if now := nowMillis(); now > ts {
		ts = now
	}
	uv := existing.UIDValidity + 1
	next := Entry{TS: ts, UIDValidity: uv}
	if id != nil {
		next.HasID = true
		next.ID = *id
	}
	l[name] = next
	return uv
}

func (l List) updateUIDValidity(name string, newUV uint32) {
	existing, ok := l[name]
	if !ok {
		l[name] = Entry{TS: nowMillis(), UIDValidity: newUV}
		return
	}
	if newUV > existing.UIDValidity {
		existing.UIDValidity = newUV
		l[name] = existing
	}
}

// createResult mirrors the original's CreatedMailbox enum.
type createResult struct {
	ID          ident.UID24
	UIDValidity uint32
	Created     bool
}

func (l List) create(name string) createResult {
	if e, ok := l[name]; ok && e.HasID {
		return createResult{ID: e.ID, UIDValidity: e.UIDValidity}
	}
	id := ident.NewUID24()
	uv := l.set(name, &id)
	return createResult{ID: id, UIDValidity: uv, Created: true}
}

// rename moves oldName's id to newName, tombstoning oldName and carrying
// the prior uidvalidity forward (so it never regresses below what the name
// had before the move).
func (l List) rename(oldName, newName string) error {
	existing, ok := l[oldName]
	if !ok || !existing.HasID {
		return fmt.Errorf("namespace: rename %q: %w", oldName, ErrNotExist)
	}
	if l.hasMailbox(newName) {
		return fmt.Errorf("namespace: rename to %q: %w", newName, ErrExists)
	}

	uv := existing.UIDValidity
	id := existing.ID
	l.set(oldName, nil)
	l.set(newName, &id)
	l.updateUIDValidity(newName, uv)
	return nil
}

func nowMillis() uint64 {
	return uint64(time.Now().UnixMilli())
}

func validName(name string) error {
	if name == "" || strings.HasSuffix(name, Delimiter) {
		return ErrInvalidName
	}
	return nil
}

// Registry is a handle on one user's namespace row.
type Registry struct {
	st  storage.Storage
	key codec.SecretKey
}

// Open returns a handle on the namespace row within st, sealed under key.
func Open(st storage.Storage, key codec.SecretKey) *Registry {
	return &Registry{st: st, key: key}
}

// load fetches the row, merges every concurrent alternative it finds (§4.7
// "conflict handling when loading"), and returns the merged list alongside
// the causality token observed at fetch time.
func (r *Registry) load(ctx context.Context) (List, string, error) {
	vals, err := r.st.Fetch(ctx, storage.Single(rowShard, rowSort))
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return List{}, "", nil
		}
		return nil, "", fmt.Errorf("namespace: load: %w", err)
	}

	v := vals[0]
	merged := List{}
	for _, alt := range v.Alternatives {
		if alt.Tombstone {
			continue
		}
		var part List
		if err := codec.OpenValue(alt.Value, r.key, &part); err != nil {
			return nil, "", fmt.Errorf("namespace: open alternative: %w", err)
		}
		merged.mergeInto(part)
	}
	return merged, v.Ref.Causality, nil
}

func (r *Registry) save(ctx context.Context, list List, causality string) error {
	sealed, err := codec.SealValue(list, r.key)
	if err != nil {
		return fmt.Errorf("namespace: save: seal: %w", err)
	}
	err = r.st.Insert(ctx, []storage.RowValue{{
		Ref:          storage.RowRef{Shard: rowShard, Sort: rowSort, Causality: causality},
		Alternatives: []storage.RowAlternative{{Value: sealed}},
	}})
	if err != nil {
		return fmt.Errorf("namespace: save: insert: %w", err)
	}
	return nil
}

// Load returns a read-only, merged snapshot of the registry without writing
// anything back.
func (r *Registry) Load(ctx context.Context) (map[string]Entry, error) {
	list, _, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	return map[string]Entry(list), nil
}

// Names returns every currently-live mailbox name, sorted.
func (r *Registry) Names(ctx context.Context) ([]string, error) {
	list, _, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	return list.existingNames(), nil
}

// Lookup returns the id and uidvalidity currently mapped to name, if any.
func (r *Registry) Lookup(ctx context.Context, name string) (id ident.UID24, uidvalidity uint32, ok bool, err error) {
	list, _, err := r.load(ctx)
	if err != nil {
		return ident.UID24{}, 0, false, err
	}
	e, present := list[name]
	if !present || !e.HasID {
		return ident.UID24{}, 0, false, nil
	}
	return e.ID, e.UIDValidity, true, nil
}

// Create mints a mailbox under name, or reports the one already there.
func (r *Registry) Create(ctx context.Context, name string) (id ident.UID24, uidvalidity uint32, created bool, err error) {
	if verr := validName(name); verr != nil {
		return ident.UID24{}, 0, false, verr
	}

	list, causality, err := r.load(ctx)
	if err != nil {
		return ident.UID24{}, 0, false, err
	}

	res := list.create(name)
	if res.Created {
		if err := r.save(ctx, list, causality); err != nil {
			return ident.UID24{}, 0, false, err
		}
	}
	return res.ID, res.UIDValidity, res.Created, nil
}

// Delete tombstones name, preserving its uidvalidity. Callers enforce the
// INBOX-is-never-deleted rule (§4.7: "delete of INBOX is rejected at the
// user layer") before reaching here.
func (r *Registry) Delete(ctx context.Context, name string) error {
	list, causality, err := r.load(ctx)
	if err != nil {
		return err
	}
	if !list.hasMailbox(name) {
		return fmt.Errorf("namespace: delete %q: %w", name, ErrNotExist)
	}
	list.set(name, nil)
	return r.save(ctx, list, causality)
}

// Rename moves oldName's id to newName. Renaming a hierarchy prefix moves
// every name nested under it along with it. Renaming INBOX moves its
// messages under the new name and re-creates an empty INBOX under a fresh
// id (§4.7).
func (r *Registry) Rename(ctx context.Context, oldName, newName string) error {
	if err := validName(oldName); err != nil {
		return err
	}
	if err := validName(newName); err != nil {
		return err
	}

	list, causality, err := r.load(ctx)
	if err != nil {
		return err
	}

	if oldName == Inbox {
		if err := list.rename(oldName, newName); err != nil {
			return err
		}
		list.create(Inbox)
	} else {
		names := list.existingNames()
		oldPrefix := oldName + Delimiter
		newPrefix := newName + Delimiter

		for _, n := range names {
			if n == newName || strings.HasPrefix(n, newPrefix) {
				return fmt.Errorf("namespace: rename to %q: %w", newName, ErrExists)
			}
		}
		for _, n := range names {
			switch {
			case n == oldName:
				if err := list.rename(n, newName); err != nil {
					return err
				}
			case strings.HasPrefix(n, oldPrefix):
				tail := strings.TrimPrefix(n, oldPrefix)
				if err := list.rename(n, newPrefix+tail); err != nil {
					return err
				}
			}
		}
	}

	return r.save(ctx, list, causality)
}

// EnsureDefaults loads the registry and creates INBOX plus the default
// special-use mailboxes if any are missing, writing back once if anything
// changed (§4.7, §4.9: "loads the namespace (ensuring INBOX+defaults)").
// It returns INBOX's id and uidvalidity either way.
func (r *Registry) EnsureDefaults(ctx context.Context) (inboxID ident.UID24, inboxUIDValidity uint32, err error) {
	list, causality, err := r.load(ctx)
	if err != nil {
		return ident.UID24{}, 0, err
	}

	changed := false
	for _, name := range DefaultMailboxes {
		if res := list.create(name); res.Created {
			changed = true
		}
	}
	inbox := list.create(Inbox)
	if inbox.Created {
		changed = true
	}

	if changed {
		if err := r.save(ctx, list, causality); err != nil {
			return ident.UID24{}, 0, err
		}
	}
	return inbox.ID, inbox.UIDValidity, nil
}
