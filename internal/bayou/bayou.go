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

// Package bayou implements the generic append-only CRDT log engine (§4.4)
// that C5 (UID index) is built on: a sealed op
// log in the row store, periodic sealed checkpoints in the blob store, and
// sync/push operations that keep a process's in-memory state caught up
// without ever needing a central coordinator.
package bayou

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/themadorg/vaultmail/framework/log"
	"github.com/themadorg/vaultmail/internal/codec"
	"github.com/themadorg/vaultmail/internal/ident"
	"github.com/themadorg/vaultmail/internal/storage"
)

// Tuning constants (§4.4). Named rather than inlined so a reader can see at
// a glance which number means what; not meant to be varied per deployment.
const (
	CheckpointInterval = 60 * time.Second
	CheckpointMinOps   = 4
	SaveStateEvery     = 64
	CheckpointsToKeep  = 3
)

// ErrDiverged is returned by Sync when an op this process previously held
// in memory is no longer present in the row store — the log diverged from
// underneath it.
var ErrDiverged = errors.New("bayou: diverged")

// ErrCheckpointMismatch is returned by Sync when the op at the latest
// checkpoint's own timestamp is missing from the row store, meaning the
// checkpoint does not correspond to anything the op log can confirm.
var ErrCheckpointMismatch = errors.New("bayou: checkpoint does not match op log")

// State is a CRDT state reachable by folding a sequence of Op values over
// an initial value. Apply must be pure: same receiver and op always yield
// an equal result, with no observable side effects.
type State[S any, Op any] interface {
	Apply(op Op) S
}

type histEntry[S any, Op any] struct {
	ts   ident.Timestamp
	op   Op
	memo *S
}

// Log is one process's view of a Bayou log rooted at shard/blob-prefix
// path. S is the folded state type, Op the operation type logged.
type Log[S State[S, Op], Op any] struct {
	st   storage.Storage
	path string
	key  codec.SecretKey
	log  log.Logger

	mu                    sync.Mutex
	checkpointTS          ident.Timestamp
	checkpointState       S
	history               []histEntry[S, Op]
	lastSyncAt            time.Time
	lastCheckpointAttempt time.Time
}

// New creates a Log with no prior state, rooted at path within st and
// sealed under key. Call Sync before reading State for the first time.
func New[S State[S, Op], Op any](st storage.Storage, path string, key codec.SecretKey, initial S) *Log[S, Op] {
	return &Log[S, Op]{
		st:              st,
		path:            path,
		key:             key,
		log:             log.Logger{Name: "bayou"},
		checkpointTS:    ident.Zero,
		checkpointState: initial,
	}
}

// State returns the current folded state without touching storage.
func (l *Log[S, Op]) State() S {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stateAfterLocked(len(l.history) - 1)
}

// checkpointBlobPrefix is the blob prefix under which sealed checkpoints
// live (§4.4: "<path>/checkpoint/").
func (l *Log[S, Op]) checkpointBlobPrefix() string {
	return l.path + "/checkpoint/"
}

func (l *Log[S, Op]) checkpointBlobKey(ts ident.Timestamp) storage.BlobRef {
	return storage.BlobRef(l.checkpointBlobPrefix() + ts.String())
}

// sentinelEnd sorts after every valid 32-hex-char Timestamp string, giving
// an open-ended upper bound for "everything from X onward" range reads.
const sentinelEnd = "g"

// Sync brings the in-memory state up to date with the row/blob store: it
// adopts any newer checkpoint, range-reads ops since that checkpoint, and
// replays only the suffix that diverges from what's already in memory.
func (l *Log[S, Op]) Sync(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.syncLocked(ctx)
}

func (l *Log[S, Op]) syncLocked(ctx context.Context) error {
	newestTS, newestKey, found, err := l.newestCheckpointLocked(ctx)
	if err != nil {
		return err
	}
	if found && l.checkpointTS.Less(newestTS) {
		blob, err := l.st.BlobFetch(ctx, newestKey)
		if err != nil {
			return fmt.Errorf("bayou: sync: fetch checkpoint: %w", err)
		}
		var state S
		if err := codec.OpenValue(blob.Data, l.key, &state); err != nil {
			return fmt.Errorf("bayou: sync: open checkpoint: %w", err)
		}
		l.checkpointTS = newestTS
		l.checkpointState = state

		// Drop any in-memory entries the new checkpoint already folds in.
		cut := 0
		for cut < len(l.history) && !newestTS.Less(l.history[cut].ts) {
			cut++
		}
		l.history = l.history[cut:]
	}

	start := l.checkpointTS.String()
	if l.checkpointTS.Equal(ident.Zero) {
		start = ""
	}
	rows, err := l.st.Fetch(ctx, storage.Range(l.path, start, sentinelEnd))
	if err != nil {
		return fmt.Errorf("bayou: sync: range fetch: %w", err)
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Ref.Sort < rows[j].Ref.Sort })

	fetched := make([]histEntry[S, Op], 0, len(rows))
	seenLive := false
	for _, row := range rows {
		ts, err := ident.ParseTimestamp(row.Ref.Sort)
		if err != nil {
			return fmt.Errorf("bayou: sync: parse op timestamp: %w", err)
		}
		value, ok := liveValue(row)
		if !ok {
			continue
		}

		if !seenLive && !l.checkpointTS.Equal(ident.Zero) {
			seenLive = true
			if !ts.Equal(l.checkpointTS) {
				return ErrCheckpointMismatch
			}
			continue // the op at the checkpoint's own timestamp, already folded in
		}
		seenLive = true

		var op Op
		if err := codec.OpenValue(value, l.key, &op); err != nil {
			return fmt.Errorf("bayou: sync: open op: %w", err)
		}
		fetched = append(fetched, histEntry[S, Op]{ts: ts, op: op})
	}

	divergeAt := 0
	for divergeAt < len(l.history) && divergeAt < len(fetched) && l.history[divergeAt].ts.Equal(fetched[divergeAt].ts) {
		divergeAt++
	}
	if divergeAt < len(l.history) {
		present := make(map[ident.Timestamp]struct{}, len(fetched)-divergeAt)
		for _, entry := range fetched[divergeAt:] {
			present[entry.ts] = struct{}{}
		}
		for _, entry := range l.history[divergeAt:] {
			if _, ok := present[entry.ts]; !ok {
				return ErrDiverged
			}
		}
	}

	l.history = l.history[:divergeAt]
	for _, entry := range fetched[divergeAt:] {
		l.appendLocked(entry.ts, entry.op)
	}

	l.lastSyncAt = time.Now()
	return nil
}

func liveValue(v storage.RowValue) ([]byte, bool) {
	for _, alt := range v.Alternatives {
		if !alt.Tombstone {
			return alt.Value, true
		}
	}
	return nil, false
}

// newestCheckpointLocked finds the highest-timestamped checkpoint blob.
func (l *Log[S, Op]) newestCheckpointLocked(ctx context.Context) (ident.Timestamp, storage.BlobRef, bool, error) {
	keys, err := l.st.BlobList(ctx, l.checkpointBlobPrefix())
	if err != nil {
		return ident.Timestamp{}, "", false, fmt.Errorf("bayou: list checkpoints: %w", err)
	}

	var best ident.Timestamp
	var bestKey storage.BlobRef
	found := false
	for _, key := range keys {
		tsStr := strings.TrimPrefix(string(key), l.checkpointBlobPrefix())
		ts, err := ident.ParseTimestamp(tsStr)
		if err != nil {
			continue
		}
		if !found || best.Less(ts) {
			best, bestKey, found = ts, key, true
		}
	}
	return best, bestKey, found, nil
}

// appendLocked adds a fully-replayed entry to history and compacts old
// memoized states, keeping only every SaveStateEvery-th one plus the last.
func (l *Log[S, Op]) appendLocked(ts ident.Timestamp, op Op) {
	prev := l.stateAfterLocked(len(l.history) - 1)
	next := prev.Apply(op)
	l.history = append(l.history, histEntry[S, Op]{ts: ts, op: op, memo: &next})

	last := len(l.history) - 1
	for i := 0; i < last; i++ {
		if i%SaveStateEvery != 0 {
			l.history[i].memo = nil
		}
	}
}

// stateAfterLocked returns the state after folding history[:idx+1]
// (idx == -1 means just the checkpoint).
func (l *Log[S, Op]) stateAfterLocked(idx int) S {
	if idx < 0 {
		return l.checkpointState
	}
	j := idx
	for j >= 0 && l.history[j].memo == nil {
		j--
	}
	state := l.checkpointState
	if j >= 0 {
		state = *l.history[j].memo
	}
	for k := j + 1; k <= idx; k++ {
		state = state.Apply(l.history[k].op)
	}
	return state
}

func (l *Log[S, Op]) lastTS() ident.Timestamp {
	if len(l.history) == 0 {
		return l.checkpointTS
	}
	return l.history[len(l.history)-1].ts
}

// Push seals op, appends it to the row store, folds it into the in-memory
// state, and opportunistically attempts a checkpoint.
func (l *Log[S, Op]) Push(ctx context.Context, op Op) (S, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var zero S
	if time.Since(l.lastSyncAt) > CheckpointInterval/10 {
		if err := l.syncLocked(ctx); err != nil {
			return zero, err
		}
	}

	ts, err := ident.After(l.lastTS())
	if err != nil {
		return zero, fmt.Errorf("bayou: push: %w", err)
	}

	sealed, err := codec.SealValue(op, l.key)
	if err != nil {
		return zero, fmt.Errorf("bayou: push: seal op: %w", err)
	}

	err = l.st.Insert(ctx, []storage.RowValue{{
		Ref:          storage.RowRef{Shard: l.path, Sort: ts.String()},
		Alternatives: []storage.RowAlternative{{Value: sealed}},
	}})
	if err != nil {
		return zero, fmt.Errorf("bayou: push: insert op: %w", err)
	}

	l.appendLocked(ts, op)
	state := l.stateAfterLocked(len(l.history) - 1)

	if err := l.checkpointLocked(ctx); err != nil {
		l.log.Error("opportunistic checkpoint failed", err, "path", l.path)
	}

	return state, nil
}

// Checkpoint attempts a rate-limited checkpoint write and retention GC; it
// is a no-op (not an error) when called too soon after the last attempt or
// when there is nothing new worth checkpointing.
func (l *Log[S, Op]) Checkpoint(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.checkpointLocked(ctx)
}

func (l *Log[S, Op]) checkpointLocked(ctx context.Context) error {
	now := time.Now()
	if now.Sub(l.lastCheckpointAttempt) < CheckpointInterval/10 {
		return nil
	}
	l.lastCheckpointAttempt = now

	if !l.checkpointTS.Equal(ident.Zero) && now.Sub(time.UnixMilli(int64(l.checkpointTS.Millis()))) < CheckpointInterval {
		return nil
	}

	i := -1
	for idx := len(l.history) - 1; idx >= 0; idx-- {
		old := now.Sub(time.UnixMilli(int64(l.history[idx].ts.Millis()))) >= CheckpointInterval
		if old && idx+1 >= CheckpointMinOps {
			i = idx
			break
		}
	}
	if i < 0 {
		return nil
	}

	ts := l.history[i].ts
	state := l.stateAfterLocked(i)
	sealed, err := codec.SealValue(state, l.key)
	if err != nil {
		return fmt.Errorf("bayou: checkpoint: seal state: %w", err)
	}
	if _, err := l.st.BlobInsert(ctx, l.checkpointBlobKey(ts), sealed, nil); err != nil {
		return fmt.Errorf("bayou: checkpoint: write blob: %w", err)
	}

	l.checkpointTS = ts
	l.checkpointState = state
	l.history = l.history[i+1:]

	return l.gcLocked(ctx)
}

// gcLocked drops checkpoint blobs and ops older than the CheckpointsToKeep
// most recent checkpoints.
func (l *Log[S, Op]) gcLocked(ctx context.Context) error {
	keys, err := l.st.BlobList(ctx, l.checkpointBlobPrefix())
	if err != nil {
		return fmt.Errorf("bayou: gc: list checkpoints: %w", err)
	}
	if len(keys) <= CheckpointsToKeep {
		return nil
	}

	type entry struct {
		ts  ident.Timestamp
		key storage.BlobRef
	}
	entries := make([]entry, 0, len(keys))
	for _, key := range keys {
		tsStr := strings.TrimPrefix(string(key), l.checkpointBlobPrefix())
		ts, err := ident.ParseTimestamp(tsStr)
		if err != nil {
			continue
		}
		entries = append(entries, entry{ts: ts, key: key})
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].ts.Less(entries[j].ts) })

	cut := len(entries) - CheckpointsToKeep
	for _, e := range entries[:cut] {
		if err := l.st.BlobRm(ctx, e.key); err != nil {
			return fmt.Errorf("bayou: gc: remove checkpoint: %w", err)
		}
	}

	oldestRetained := entries[cut].ts
	if err := l.st.Remove(ctx, storage.Range(l.path, "", oldestRetained.String())); err != nil {
		return fmt.Errorf("bayou: gc: remove old ops: %w", err)
	}
	return nil
}
