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

// Package memory is the in-process Storage backend: a locked-map row store
// with version-counter causality tokens, and a locked-map blob store. It
// exists for tests and single-process deployments (§4.1).
package memory

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/themadorg/vaultmail/internal/storage"
)

type row struct {
	version      uint64
	alternatives []storage.RowAlternative
	ready        chan struct{} // closed and replaced on every write
}

type blob struct {
	data []byte
	meta map[string]string
	etag string
}

// Store is an in-memory storage.Storage.
type Store struct {
	mu     sync.Mutex
	shards map[string]map[string]*row
	blobs  map[string]*blob

	unique []byte
}

// New creates an empty in-memory store. Each call produces a distinct
// identity (Unique()), so it is safe to use in concurrent tests without
// cross-talk.
func New() (*Store, error) {
	id := make([]byte, 16)
	if _, err := rand.Read(id); err != nil {
		return nil, fmt.Errorf("memory: new store: %w", err)
	}
	return &Store{
		shards: make(map[string]map[string]*row),
		blobs:  make(map[string]*blob),
		unique: id,
	}, nil
}

func (s *Store) Unique() []byte {
	return s.unique
}

func (s *Store) rowLocked(shard, sort string) *row {
	m, ok := s.shards[shard]
	if !ok {
		m = make(map[string]*row)
		s.shards[shard] = m
	}
	r, ok := m[sort]
	if !ok {
		r = &row{ready: make(chan struct{})}
		m[sort] = r
	}
	return r
}

func (r *row) value(shard, sort string) storage.RowValue {
	return storage.RowValue{
		Ref:          storage.RowRef{Shard: shard, Sort: sort, Causality: strconv.FormatUint(r.version, 10)},
		Alternatives: append([]storage.RowAlternative(nil), r.alternatives...),
	}
}

func (s *Store) Fetch(_ context.Context, sel storage.Selector) ([]storage.RowValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch sel.Kind {
	case storage.SelectSingle:
		m, ok := s.shards[sel.Shard]
		if !ok {
			return nil, storage.ErrNotFound
		}
		r, ok := m[sel.Sort]
		if !ok {
			return nil, storage.ErrNotFound
		}
		return []storage.RowValue{r.value(sel.Shard, sel.Sort)}, nil

	case storage.SelectList:
		out := make([]storage.RowValue, 0, len(sel.Refs))
		for _, ref := range sel.Refs {
			m, ok := s.shards[ref.Shard]
			if !ok {
				continue
			}
			r, ok := m[ref.Sort]
			if !ok {
				continue
			}
			out = append(out, r.value(ref.Shard, ref.Sort))
		}
		return out, nil

	case storage.SelectRange:
		m := s.shards[sel.Shard]
		var out []storage.RowValue
		for sort, r := range m {
			if sort >= sel.Start && sort < sel.End {
				out = append(out, r.value(sel.Shard, sort))
			}
		}
		sortByKey(out)
		return out, nil

	case storage.SelectPrefix:
		m := s.shards[sel.Shard]
		var out []storage.RowValue
		for sort, r := range m {
			if strings.HasPrefix(sort, sel.Prefix) {
				out = append(out, r.value(sel.Shard, sort))
			}
		}
		sortByKey(out)
		return out, nil

	default:
		return nil, fmt.Errorf("memory: unknown selector kind %d", sel.Kind)
	}
}

func sortByKey(vs []storage.RowValue) {
	for i := 1; i < len(vs); i++ {
		for j := i; j > 0 && vs[j-1].Ref.Sort > vs[j].Ref.Sort; j-- {
			vs[j-1], vs[j] = vs[j], vs[j-1]
		}
	}
}

func (s *Store) Insert(_ context.Context, values []storage.RowValue) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, v := range values {
		s.applyLocked(v.Ref, v.Alternatives)
	}
	return nil
}

func (s *Store) Remove(_ context.Context, sel storage.Selector) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	refs, err := s.matchLocked(sel)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		s.applyLocked(ref, []storage.RowAlternative{{Tombstone: true}})
	}
	return nil
}

// matchLocked resolves a selector to concrete row refs carrying the
// currently observed causality token, so Remove narrows to what Fetch saw.
func (s *Store) matchLocked(sel storage.Selector) ([]storage.RowRef, error) {
	switch sel.Kind {
	case storage.SelectSingle:
		m := s.shards[sel.Shard]
		r, ok := m[sel.Sort]
		if !ok {
			return nil, nil
		}
		return []storage.RowRef{{Shard: sel.Shard, Sort: sel.Sort, Causality: strconv.FormatUint(r.version, 10)}}, nil
	case storage.SelectList:
		return sel.Refs, nil
	case storage.SelectRange:
		var out []storage.RowRef
		for sort, r := range s.shards[sel.Shard] {
			if sort >= sel.Start && sort < sel.End {
				out = append(out, storage.RowRef{Shard: sel.Shard, Sort: sort, Causality: strconv.FormatUint(r.version, 10)})
			}
		}
		return out, nil
	case storage.SelectPrefix:
		var out []storage.RowRef
		for sort, r := range s.shards[sel.Shard] {
			if strings.HasPrefix(sort, sel.Prefix) {
				out = append(out, storage.RowRef{Shard: sel.Shard, Sort: sort, Causality: strconv.FormatUint(r.version, 10)})
			}
		}
		return out, nil
	default:
		return nil, fmt.Errorf("memory: unknown selector kind %d", sel.Kind)
	}
}

// applyLocked merges one row write under s.mu. Matching the row's current
// causality token replaces all alternatives; anything else (empty token on
// an existing row, or a stale token) is appended as a new concurrent
// alternative (§4.1).
func (s *Store) applyLocked(ref storage.RowRef, alts []storage.RowAlternative) {
	r := s.rowLocked(ref.Shard, ref.Sort)

	observed := strconv.FormatUint(r.version, 10)
	if r.version == 0 && len(r.alternatives) == 0 {
		r.alternatives = alts
	} else if ref.Causality == observed {
		r.alternatives = alts
	} else {
		r.alternatives = append(r.alternatives, alts...)
	}
	r.version++
	close(r.ready)
	r.ready = make(chan struct{})
}

func (s *Store) Poll(ctx context.Context, ref storage.RowRef) (storage.RowValue, error) {
	for {
		s.mu.Lock()
		r := s.rowLocked(ref.Shard, ref.Sort)
		current := strconv.FormatUint(r.version, 10)
		if current != ref.Causality {
			v := r.value(ref.Shard, ref.Sort)
			s.mu.Unlock()
			return v, nil
		}
		wait := r.ready
		s.mu.Unlock()

		select {
		case <-wait:
			continue
		case <-ctx.Done():
			return storage.RowValue{}, ctx.Err()
		}
	}
}

func (s *Store) BlobFetch(_ context.Context, key storage.BlobRef) (storage.BlobValue, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.blobs[string(key)]
	if !ok {
		return storage.BlobValue{}, storage.ErrNotFound
	}
	return storage.BlobValue{
		Data: append([]byte(nil), b.data...),
		Meta: copyMeta(b.meta),
		ETag: b.etag,
	}, nil
}

func (s *Store) BlobInsert(_ context.Context, key storage.BlobRef, data []byte, meta map[string]string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sum := sha256.Sum256(data)
	etag := hex.EncodeToString(sum[:])
	s.blobs[string(key)] = &blob{
		data: append([]byte(nil), data...),
		meta: copyMeta(meta),
		etag: etag,
	}
	return etag, nil
}

func (s *Store) BlobCopy(_ context.Context, src, dst storage.BlobRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, ok := s.blobs[string(src)]
	if !ok {
		return storage.ErrNotFound
	}
	cp := *b
	cp.data = append([]byte(nil), b.data...)
	cp.meta = copyMeta(b.meta)
	s.blobs[string(dst)] = &cp
	return nil
}

func (s *Store) BlobList(_ context.Context, prefix string) ([]storage.BlobRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []storage.BlobRef
	for key := range s.blobs {
		if strings.HasPrefix(key, prefix) {
			out = append(out, storage.BlobRef(key))
		}
	}
	return out, nil
}

func (s *Store) BlobRm(_ context.Context, key storage.BlobRef) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.blobs, string(key))
	return nil
}

func copyMeta(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

var _ storage.Storage = (*Store)(nil)
