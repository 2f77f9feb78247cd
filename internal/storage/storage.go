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

// Package storage defines the abstraction the engine is written against
// (§4.1): a row store with per-row causality tokens, and a flat blob store.
// Two backends implement it: memory (tests, single process) and cloud
// (K2V-shaped row client + S3-compatible blob client).
package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned by RowStore.Fetch for a single-row selector whose
// row does not exist, and by BlobStore.BlobFetch for a missing key.
var ErrNotFound = errors.New("storage: not found")

// ErrInternal wraps any backend failure that isn't ErrNotFound. Callers
// should treat it as transient and retry at their own boundary (§7).
var ErrInternal = errors.New("storage: internal error")

// Wrap classifies an arbitrary backend error as ErrInternal while
// preserving it for logging/unwrapping, unless it already is one of the
// sentinels.
func Wrap(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrNotFound) || errors.Is(err, ErrInternal) {
		return err
	}
	return &wrappedError{cause: err}
}

type wrappedError struct{ cause error }

func (w *wrappedError) Error() string { return "storage: internal error: " + w.cause.Error() }
func (w *wrappedError) Unwrap() error { return errors.Join(ErrInternal, w.cause) }

// RowRef identifies a single row: an opaque shard, an opaque sort key within
// that shard, and an optional causality token. Supplying the token observed
// on a prior read narrows a write's merge to that version; omitting it
// merges with all concurrent versions.
type RowRef struct {
	Shard     string
	Sort      string
	Causality string // empty means "no causality observed"
}

// RowAlternative is one concurrent value for a row: either an opaque byte
// value, or a tombstone.
type RowAlternative struct {
	Value     []byte
	Tombstone bool
}

// RowValue is a row reference plus the set of concurrent alternatives the
// store could not linearize into one. A single non-concurrent write yields
// exactly one alternative.
type RowValue struct {
	Ref          RowRef
	Alternatives []RowAlternative
}

// SelectorKind discriminates the forms a Selector may take.
type SelectorKind int

const (
	// SelectSingle fetches exactly one row (Shard+Sort); ErrNotFound if absent.
	SelectSingle SelectorKind = iota
	// SelectList fetches a list of specific rows; absent rows are omitted.
	SelectList
	// SelectRange fetches all rows in Shard with Sort in [Start, End).
	SelectRange
	// SelectPrefix fetches all rows in Shard whose Sort has the given prefix.
	SelectPrefix
)

// Selector describes what RowStore.Fetch/Remove should act on.
type Selector struct {
	Kind SelectorKind

	// SelectSingle / SelectRange / SelectPrefix
	Shard string
	Sort  string // SelectSingle

	// SelectRange
	Start string // inclusive
	End   string // exclusive

	// SelectPrefix
	Prefix string

	// SelectList
	Refs []RowRef
}

// Single builds a SelectSingle selector.
func Single(shard, sort string) Selector {
	return Selector{Kind: SelectSingle, Shard: shard, Sort: sort}
}

// List builds a SelectList selector.
func List(refs ...RowRef) Selector {
	return Selector{Kind: SelectList, Refs: refs}
}

// Range builds a SelectRange selector: Sort in [start, end).
func Range(shard, start, end string) Selector {
	return Selector{Kind: SelectRange, Shard: shard, Start: start, End: end}
}

// Prefix builds a SelectPrefix selector.
func Prefix(shard, prefix string) Selector {
	return Selector{Kind: SelectPrefix, Shard: shard, Prefix: prefix}
}

// RowStore is the causally-consistent key-value half of Storage (K2V-shaped).
type RowStore interface {
	// Fetch returns the row value(s) matching sel. A SelectSingle selector on
	// a missing row returns ErrNotFound; List/Range/Prefix selectors return
	// an empty slice instead.
	Fetch(ctx context.Context, sel Selector) ([]RowValue, error)

	// Insert upserts rows. For each value, if its Ref.Causality equals the
	// stored version, the new value replaces all concurrent alternatives;
	// otherwise it is added as a new concurrent alternative.
	Insert(ctx context.Context, values []RowValue) error

	// Remove writes a tombstone alternative for every row matched by sel,
	// under the same causality rule as Insert.
	Remove(ctx context.Context, sel Selector) error

	// Poll blocks until the row named by ref has a version different from
	// ref.Causality, then returns it. Poll respects ctx cancellation. Poll
	// writes no value into an absent row: the memory backend reports an
	// absent row as version "0" with no alternatives, so a poll with an
	// empty ref.Causality returns at once, and the cloud backend passes
	// ref.Causality to the row store's long poll unchanged.
	Poll(ctx context.Context, ref RowRef) (RowValue, error)
}

// BlobRef is an opaque key in the flat blob namespace.
type BlobRef string

// BlobValue is the content and metadata of one blob.
type BlobValue struct {
	Data []byte
	Meta map[string]string
	ETag string
}

// BlobStore is the flat, prefix-listable object store half of Storage.
type BlobStore interface {
	BlobFetch(ctx context.Context, key BlobRef) (BlobValue, error)
	// BlobInsert writes data with optional metadata and returns the ETag.
	BlobInsert(ctx context.Context, key BlobRef, data []byte, meta map[string]string) (etag string, err error)
	BlobCopy(ctx context.Context, src, dst BlobRef) error
	BlobList(ctx context.Context, prefix string) ([]BlobRef, error)
	BlobRm(ctx context.Context, key BlobRef) error
}

// Storage is the full interface the engine is written against.
type Storage interface {
	RowStore
	BlobStore

	// Unique returns a stable identity for this storage binding, used to key
	// process-wide caches (§6).
	Unique() []byte
}
