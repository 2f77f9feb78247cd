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

// Package ident implements the UID24 identifier and Timestamp primitives
// from the data model (§3): process-wide unique ids with lexicographic byte
// ordering, and causally-ordered timestamps usable as row sort keys.
package ident

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"sync/atomic"
	"time"
)

// UID24 is a 24-byte opaque identifier: 8 bytes millisecond timestamp of
// process start, 8 bytes per-process random, 8 bytes monotonic sequence.
// Ordering is lexicographic on bytes.
type UID24 [24]byte

// String renders the identifier as lowercase hex.
func (u UID24) String() string {
	return hex.EncodeToString(u[:])
}

// Less reports whether u sorts strictly before o.
func (u UID24) Less(o UID24) bool {
	for i := range u {
		if u[i] != o[i] {
			return u[i] < o[i]
		}
	}
	return false
}

// ParseUID24 decodes a UID24 from its hex string form.
func ParseUID24(s string) (UID24, error) {
	var u UID24
	b, err := hex.DecodeString(s)
	if err != nil {
		return u, fmt.Errorf("ident: parse uid24: %w", err)
	}
	if len(b) != len(u) {
		return u, fmt.Errorf("ident: parse uid24: want %d bytes, got %d", len(u), len(b))
	}
	copy(u[:], b)
	return u, nil
}

// Generator mints strictly increasing UID24 values for one process.
// Initialized once at process start and never reset (§6 Process state).
type Generator struct {
	startMillis uint64
	procRandom  uint64
	seq         atomic.Uint64
}

// NewGenerator creates a Generator seeded from the current wall clock and a
// cryptographically random per-process tag. It is safe for concurrent use.
func NewGenerator() (*Generator, error) {
	var randBuf [8]byte
	if _, err := rand.Read(randBuf[:]); err != nil {
		return nil, fmt.Errorf("ident: new generator: %w", err)
	}
	return &Generator{
		startMillis: uint64(time.Now().UnixMilli()),
		procRandom:  binary.BigEndian.Uint64(randBuf[:]),
	}, nil
}

// Gen mints the next UID24. Within a process, successive calls are strictly
// increasing. Across processes, collisions are astronomically unlikely.
func (g *Generator) Gen() UID24 {
	var u UID24
	binary.BigEndian.PutUint64(u[0:8], g.startMillis)
	binary.BigEndian.PutUint64(u[8:16], g.procRandom)
	binary.BigEndian.PutUint64(u[16:24], g.seq.Add(1))
	return u
}

// process is the process-wide UID24 generator (§6 Process state:
// "the UID24 generator (initialized at process start, never reset)").
var process *Generator

func init() {
	g, err := NewGenerator()
	if err != nil {
		// crypto/rand failing is fatal for identifier uniqueness guarantees;
		// fall back to a time-only seed rather than panicking the package.
		g = &Generator{startMillis: uint64(time.Now().UnixMilli())}
	}
	process = g
}

// NewUID24 mints a fresh UID24 from the process-wide generator.
func NewUID24() UID24 {
	return process.Gen()
}
