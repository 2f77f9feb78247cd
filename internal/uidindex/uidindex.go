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

// Package uidindex implements the per-mailbox UID index CRDT (§4.5): the
// state folded by internal/bayou atop a mailbox's op log, giving every
// message a stable IMAP uid, a CONDSTORE modseq, and flag membership that
// converges the same way on every replica regardless of op interleaving.
package uidindex

import (
	"math"
	"sort"

	"github.com/themadorg/vaultmail/internal/ident"
)

// OpKind tags the shape of an Op so a single wire type can represent all six
// mutations the state understands.
type OpKind uint8

const (
	OpMailAdd OpKind = iota
	OpMailDel
	OpFlagAdd
	OpFlagDel
	OpFlagSet
	OpBumpUidvalidity
)

// Op is one CRDT operation logged by the Bayou log (§4.5). Only the fields
// relevant to Kind are meaningful; the rest are zero.
type Op struct {
	Kind         OpKind
	Ident        ident.UID24
	SuggestedUID uint32
	Flags        []string
	BumpBy       uint32
}

// MailAdd registers a new message under ident with a locally-suggested uid
// and initial flags. The message always receives uid = internalseq; when
// suggestedUID is below internalseq (another replica already claimed it),
// uidvalidity is also bumped by the difference.
func MailAdd(id ident.UID24, suggestedUID uint32, flags []string) Op {
	return Op{Kind: OpMailAdd, Ident: id, SuggestedUID: suggestedUID, Flags: flags}
}

// MailDel removes the message registered under ident, if any.
func MailDel(id ident.UID24) Op {
	return Op{Kind: OpMailDel, Ident: id}
}

// FlagAdd adds flags to the message registered under ident, if any.
func FlagAdd(id ident.UID24, flags []string) Op {
	return Op{Kind: OpFlagAdd, Ident: id, Flags: flags}
}

// FlagDel removes flags from the message registered under ident, if any.
func FlagDel(id ident.UID24, flags []string) Op {
	return Op{Kind: OpFlagDel, Ident: id, Flags: flags}
}

// FlagSet replaces the entire flagset of the message registered under
// ident, if any.
func FlagSet(id ident.UID24, flags []string) Op {
	return Op{Kind: OpFlagSet, Ident: id, Flags: flags}
}

// BumpUidvalidity saturating-adds n to uidvalidity without touching any
// sequence counter or message entry.
func BumpUidvalidity(n uint32) Op {
	return Op{Kind: OpBumpUidvalidity, BumpBy: n}
}

// Entry is the source-of-truth record for one message (by_ident, §3).
type Entry struct {
	UID    uint32
	ModSeq uint64
	Flags  map[string]struct{}
}

// IdentEntry is a derived, read-only view pairing an identity with its
// current entry; returned by the ordered accessor methods below.
type IdentEntry struct {
	Ident  ident.UID24
	UID    uint32
	ModSeq uint64
	Flags  []string
}

// uidSet is an immutable sorted set of IMAP uids, the ordered-set type
// shared by every by_flag bucket (original: `src/uidindex.rs`'s
// BTreeSet<ImapUid> per flag). Every method returns a new value; the
// receiver is left untouched. Items is exported so the set round-trips
// through msgpack like every other field in this package.
type uidSet struct {
	Items []uint32
}

func (s uidSet) insert(v uint32) uidSet {
	i := sort.Search(len(s.Items), func(i int) bool { return s.Items[i] >= v })
	if i < len(s.Items) && s.Items[i] == v {
		return s
	}
	next := make([]uint32, len(s.Items)+1)
	copy(next, s.Items[:i])
	next[i] = v
	copy(next[i+1:], s.Items[i:])
	return uidSet{Items: next}
}

func (s uidSet) remove(v uint32) uidSet {
	i := sort.Search(len(s.Items), func(i int) bool { return s.Items[i] >= v })
	if i >= len(s.Items) || s.Items[i] != v {
		return s
	}
	next := make([]uint32, len(s.Items)-1)
	copy(next, s.Items[:i])
	copy(next[i:], s.Items[i+1:])
	return uidSet{Items: next}
}

func (s uidSet) slice() []uint32 {
	out := make([]uint32, len(s.Items))
	copy(out, s.Items)
	return out
}

// State is the folded UID index (§3). Identities are keyed by their hex
// string form rather than the raw UID24 array so the map serializes
// through msgpack the same way every other identifier in this codebase
// does when it crosses a storage boundary.
type State struct {
	UIDValidity   uint32
	UIDNext       uint32
	InternalSeq   uint32
	HighestModSeq uint64
	ByIdent       map[string]Entry
	ByFlag        map[string]uidSet
}

// New returns the empty UID index state a fresh mailbox's log starts from.
// HighestModSeq starts at 0 rather than the steady-state invariant's
// "u64 >= 1": the first state-changing op brings it to 1, and this is the
// only way to reproduce spec.md §8's worked scenarios S1/S2 exactly (see
// DESIGN.md's internal/uidindex entry for the full replay).
func New() State {
	return State{
		UIDValidity:   1,
		UIDNext:       1,
		InternalSeq:   1,
		HighestModSeq: 0,
		ByIdent:       map[string]Entry{},
		ByFlag:        map[string]uidSet{},
	}
}

// Apply folds op into s, returning the resulting state. s is never mutated
// in place: every map that changes is replaced with a fresh copy, so any
// earlier State value sharing s's maps (e.g. a bayou memoized snapshot)
// stays valid.
func (s State) Apply(op Op) State {
	switch op.Kind {
	case OpMailAdd:
		return s.applyMailAdd(op.Ident, op.SuggestedUID, op.Flags)
	case OpMailDel:
		return s.applyMailDel(op.Ident)
	case OpFlagAdd:
		return s.applyFlagMutate(op.Ident, op.Flags, flagModeAdd)
	case OpFlagDel:
		return s.applyFlagMutate(op.Ident, op.Flags, flagModeDel)
	case OpFlagSet:
		return s.applyFlagMutate(op.Ident, op.Flags, flagModeSet)
	case OpBumpUidvalidity:
		return s.applyBumpUidvalidity(op.BumpBy)
	default:
		return s
	}
}

func (s State) applyMailAdd(id ident.UID24, suggested uint32, flags []string) State {
	if suggested < s.InternalSeq {
		s.UIDValidity = saturatingAdd(s.UIDValidity, s.InternalSeq-suggested)
	}
	s = s.unregister(id)

	uid := s.InternalSeq
	modseq := s.HighestModSeq
	flagset := make(map[string]struct{}, len(flags))
	for _, f := range flags {
		flagset[f] = struct{}{}
	}

	byIdent := copyByIdent(s.ByIdent)
	byIdent[id.String()] = Entry{UID: uid, ModSeq: modseq, Flags: flagset}
	s.ByIdent = byIdent

	byFlag := copyByFlag(s.ByFlag)
	for f := range flagset {
		byFlag[f] = byFlag[f].insert(uid)
	}
	s.ByFlag = byFlag

	s.InternalSeq++
	s.UIDNext = s.InternalSeq
	s.HighestModSeq++
	return s
}

func (s State) applyMailDel(id ident.UID24) State {
	_, existed := s.ByIdent[id.String()]
	s = s.unregister(id)
	s.InternalSeq++
	s.UIDNext = s.InternalSeq
	if existed {
		s.HighestModSeq++
	}
	return s
}

type flagMode int

const (
	flagModeAdd flagMode = iota
	flagModeDel
	flagModeSet
)

func (s State) applyFlagMutate(id ident.UID24, flags []string, mode flagMode) State {
	entry, ok := s.ByIdent[id.String()]
	if !ok {
		return s
	}

	newFlags := make(map[string]struct{}, len(entry.Flags)+len(flags))
	switch mode {
	case flagModeAdd:
		for f := range entry.Flags {
			newFlags[f] = struct{}{}
		}
		for _, f := range flags {
			newFlags[f] = struct{}{}
		}
	case flagModeDel:
		for f := range entry.Flags {
			newFlags[f] = struct{}{}
		}
		for _, f := range flags {
			delete(newFlags, f)
		}
	case flagModeSet:
		for _, f := range flags {
			newFlags[f] = struct{}{}
		}
	}

	if flagSetEqual(entry.Flags, newFlags) {
		return s
	}

	byFlag := copyByFlag(s.ByFlag)
	for f := range entry.Flags {
		if _, keep := newFlags[f]; !keep {
			byFlag[f] = byFlag[f].remove(entry.UID)
		}
	}
	for f := range newFlags {
		if _, had := entry.Flags[f]; !had {
			byFlag[f] = byFlag[f].insert(entry.UID)
		}
	}
	s.ByFlag = byFlag

	s.HighestModSeq++
	byIdent := copyByIdent(s.ByIdent)
	byIdent[id.String()] = Entry{UID: entry.UID, ModSeq: s.HighestModSeq, Flags: newFlags}
	s.ByIdent = byIdent

	return s
}

func (s State) applyBumpUidvalidity(n uint32) State {
	s.UIDValidity = saturatingAdd(s.UIDValidity, n)
	return s
}

// unregister drops id's entry, if any, from by_ident and every by_flag
// bucket it belonged to. Used by both MailAdd (discarding a stale prior
// occurrence of the same identity) and MailDel.
func (s State) unregister(id ident.UID24) State {
	entry, ok := s.ByIdent[id.String()]
	if !ok {
		return s
	}
	byIdent := copyByIdent(s.ByIdent)
	delete(byIdent, id.String())
	s.ByIdent = byIdent

	byFlag := copyByFlag(s.ByFlag)
	for f := range entry.Flags {
		byFlag[f] = byFlag[f].remove(entry.UID)
	}
	s.ByFlag = byFlag
	return s
}

// Lookup returns the current entry for id, if any.
func (s State) Lookup(id ident.UID24) (IdentEntry, bool) {
	e, ok := s.ByIdent[id.String()]
	if !ok {
		return IdentEntry{}, false
	}
	return toIdentEntry(id, e), true
}

// ByUID returns every message ordered by ascending imap_uid (the by_uid
// derived index, computed on demand from by_ident since the two are always
// a bijection).
func (s State) ByUID() []IdentEntry {
	out := s.allEntries()
	sort.Slice(out, func(i, j int) bool { return out[i].UID < out[j].UID })
	return out
}

// ByModSeq returns every message ordered by ascending modseq (the
// by_modseq derived index).
func (s State) ByModSeq() []IdentEntry {
	out := s.allEntries()
	sort.Slice(out, func(i, j int) bool { return out[i].ModSeq < out[j].ModSeq })
	return out
}

// FlagUIDs returns the uids currently carrying flag, in ascending order.
func (s State) FlagUIDs(flag string) []uint32 {
	return s.ByFlag[flag].slice()
}

func (s State) allEntries() []IdentEntry {
	out := make([]IdentEntry, 0, len(s.ByIdent))
	for idHex, e := range s.ByIdent {
		id, err := ident.ParseUID24(idHex)
		if err != nil {
			continue
		}
		out = append(out, toIdentEntry(id, e))
	}
	return out
}

func toIdentEntry(id ident.UID24, e Entry) IdentEntry {
	flags := make([]string, 0, len(e.Flags))
	for f := range e.Flags {
		flags = append(flags, f)
	}
	sort.Strings(flags)
	return IdentEntry{Ident: id, UID: e.UID, ModSeq: e.ModSeq, Flags: flags}
}

func flagSetEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for f := range a {
		if _, ok := b[f]; !ok {
			return false
		}
	}
	return true
}

func copyByIdent(m map[string]Entry) map[string]Entry {
	out := make(map[string]Entry, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func copyByFlag(m map[string]uidSet) map[string]uidSet {
	out := make(map[string]uidSet, len(m)+1)
	for k, v := range m {
		out[k] = v
	}
	return out
}

func saturatingAdd(a, b uint32) uint32 {
	if a > math.MaxUint32-b {
		return math.MaxUint32
	}
	return a + b
}
