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

// Package user implements the per-user aggregate (§4.9): the process-wide
// cache of open Users, each holding its namespace registry, an open-mailbox
// cache, and a background delivery watcher that drains its drop-box into
// INBOX for as long as something keeps the User alive.
package user

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"weak"

	"golang.org/x/sync/singleflight"

	"github.com/themadorg/vaultmail/framework/log"
	"github.com/themadorg/vaultmail/internal/auth"
	"github.com/themadorg/vaultmail/internal/cryptoroot"
	"github.com/themadorg/vaultmail/internal/delivery"
	"github.com/themadorg/vaultmail/internal/ident"
	"github.com/themadorg/vaultmail/internal/mailbox"
	"github.com/themadorg/vaultmail/internal/namespace"
	"github.com/themadorg/vaultmail/internal/storage"
)

// User is one logged-in account's live state: its storage binding, unsealed
// key material, namespace registry, and a cache of open mailboxes. It is
// not safe to keep a *User around past the point every caller is done with
// it — the cache holds only a weak reference, and the background delivery
// watcher exits once the last strong reference drops.
type User struct {
	ID        ident.UID24
	Namespace *namespace.Registry

	st     storage.Storage
	keys   cryptoroot.Keys
	logger log.Logger

	mu        sync.Mutex
	mailboxes map[string]*mailbox.Mailbox

	watcher *delivery.Watcher
	cancel  context.CancelFunc
}

type cacheKey struct {
	username  string
	storageID string
}

var (
	cacheMu sync.Mutex
	cache   = map[cacheKey]weak.Pointer[User]{}
	group   singleflight.Group
)

// Open returns the live User for username over creds.Storage, reusing a
// cached instance if one is still alive and building a fresh one otherwise
// (§4.9). Concurrent Opens for the same (username, storage) are
// deduplicated so only one is actually built.
func Open(ctx context.Context, username string, creds auth.Credentials) (*User, error) {
	norm, err := auth.NormalizeUsername(username)
	if err != nil {
		return nil, fmt.Errorf("user: open: %w", err)
	}
	key := cacheKey{username: norm, storageID: string(creds.Storage.Unique())}

	if u := lookupCache(key); u != nil {
		return u, nil
	}

	v, err, _ := group.Do(key.username+"\x00"+key.storageID, func() (interface{}, error) {
		if u := lookupCache(key); u != nil {
			return u, nil
		}
		u, err := build(ctx, creds)
		if err != nil {
			return nil, err
		}
		storeCache(key, u)
		return u, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*User), nil
}

func lookupCache(key cacheKey) *User {
	cacheMu.Lock()
	defer cacheMu.Unlock()
	wp, ok := cache[key]
	if !ok {
		return nil
	}
	u := wp.Value()
	if u == nil {
		delete(cache, key)
		return nil
	}
	return u
}

func storeCache(key cacheKey, u *User) {
	cacheMu.Lock()
	cache[key] = weak.Make(u)
	cacheMu.Unlock()
}

func build(ctx context.Context, creds auth.Credentials) (*User, error) {
	root := cryptoroot.New(creds.Storage)
	keys, err := root.Open(ctx, creds.Password)
	if err != nil {
		return nil, fmt.Errorf("user: open: %w", err)
	}

	reg := namespace.Open(creds.Storage, keys.Master)
	inboxID, _, err := reg.EnsureDefaults(ctx)
	if err != nil {
		return nil, fmt.Errorf("user: open: ensure defaults: %w", err)
	}

	inbox := mailbox.Open(creds.Storage, inboxID, keys.Master)
	if err := inbox.ForceSync(ctx); err != nil {
		return nil, fmt.Errorf("user: open: sync inbox: %w", err)
	}

	watchCtx, cancel := context.WithCancel(context.Background())
	watcher := delivery.NewWatcher(creds.Storage, creds.UserID, keys.KeyPair.Secret, inbox)
	u := &User{
		ID:        creds.UserID,
		Namespace: reg,
		st:        creds.Storage,
		keys:      keys,
		logger:    log.Logger{Name: "user"},
		mailboxes: map[string]*mailbox.Mailbox{namespace.Inbox: inbox},
		watcher:   watcher,
		cancel:    cancel,
	}

	weakU := weak.Make(u)
	go runDeliveryWatcher(watchCtx, u.st, watcher, weakU)

	runtime.AddCleanup(u, func(c context.CancelFunc) { c() }, cancel)

	return u, nil
}

// runDeliveryWatcher drains the delivery drop-box for as long as weakU is
// still alive; ctx cancellation (driven by the User's runtime.AddCleanup
// hook, or by Close) is what
// actually unblocks a poll in progress once the last strong reference
// drops (§4.9: "the watcher observes the broken weak and exits"). The
// mailbox it appends into is retargeted out-of-band by Mailbox whenever
// INBOX is recreated under a fresh id, via w.SetInbox.
func runDeliveryWatcher(ctx context.Context, st storage.Storage, w *delivery.Watcher, weakU weak.Pointer[User]) {
	logger := log.Logger{Name: "user.watcher"}
	ref := w.TailRef()
	for {
		if weakU.Value() == nil {
			return
		}
		value, err := st.Poll(ctx, ref)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("delivery watch poll failed", err)
			continue
		}
		ref.Causality = value.Ref.Causality

		if weakU.Value() == nil {
			return
		}
		if _, err := w.Drain(ctx); err != nil {
			logger.Error("delivery drain failed", err)
		}
	}
}

// Mailbox returns the open mailbox named name, opening and caching it on
// first use. Name must already exist in the namespace registry.
//
// A cache hit is still checked against the namespace's current id for name
// before being served: a rename can move name's id away and, for INBOX,
// recreate it under a fresh one (§4.7), and a cached handle from before
// that happened now points at an orphaned mailbox. A handle already cached
// under another name for the same id (the name a rename moved it away
// from) is reused rather than opened a second time.
func (u *User) Mailbox(ctx context.Context, name string) (*mailbox.Mailbox, error) {
	id, _, ok, err := u.Namespace.Lookup(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("user: mailbox %s: %w", name, err)
	}
	if !ok {
		return nil, namespace.ErrNotExist
	}

	u.mu.Lock()
	if m, ok := u.mailboxes[name]; ok && m.ID() == id {
		u.mu.Unlock()
		return m, nil
	}
	for _, m := range u.mailboxes {
		if m.ID() == id {
			u.mailboxes[name] = m
			u.mu.Unlock()
			return m, nil
		}
	}
	u.mu.Unlock()

	m := mailbox.Open(u.st, id, u.keys.Master)
	if err := m.ForceSync(ctx); err != nil {
		return nil, fmt.Errorf("user: mailbox %s: sync: %w", name, err)
	}

	u.mu.Lock()
	if existing, ok := u.mailboxes[name]; ok && existing.ID() == id {
		u.mu.Unlock()
		return existing, nil
	}
	u.mailboxes[name] = m
	u.mu.Unlock()

	if name == namespace.Inbox {
		u.watcher.SetInbox(m)
	}
	return m, nil
}

// Close releases this User's background watcher immediately rather than
// waiting on garbage collection. Safe to call more than once.
func (u *User) Close() {
	u.cancel()
}
