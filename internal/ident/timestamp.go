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

package ident

import (
	"crypto/rand"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"time"
)

// Timestamp is the 16-byte (millisecond wall clock, random tiebreaker) value
// used as Bayou log op sort keys (§3). Its hex encoding sorts lexicographically
// identically to its numeric ordering.
type Timestamp [16]byte

// Zero is the smallest possible Timestamp, used to mean "no checkpoint yet".
var Zero Timestamp

// Millis returns the millisecond wall-clock component.
func (t Timestamp) Millis() uint64 {
	return binary.BigEndian.Uint64(t[0:8])
}

// String renders the timestamp as 32 lowercase hex characters.
func (t Timestamp) String() string {
	return hex.EncodeToString(t[:])
}

// Less reports whether t sorts strictly before o.
func (t Timestamp) Less(o Timestamp) bool {
	for i := range t {
		if t[i] != o[i] {
			return t[i] < o[i]
		}
	}
	return false
}

// Equal reports byte-for-byte equality.
func (t Timestamp) Equal(o Timestamp) bool {
	return t == o
}

// ParseTimestamp decodes a Timestamp from its 32-hex-char form.
func ParseTimestamp(s string) (Timestamp, error) {
	var t Timestamp
	b, err := hex.DecodeString(s)
	if err != nil {
		return t, fmt.Errorf("ident: parse timestamp: %w", err)
	}
	if len(b) != len(t) {
		return t, fmt.Errorf("ident: parse timestamp: want %d bytes, got %d", len(t), len(b))
	}
	copy(t[:], b)
	return t, nil
}

// After returns a Timestamp strictly greater than t and not less than now.
func After(t Timestamp) (Timestamp, error) {
	now := uint64(time.Now().UnixMilli())
	millis := t.Millis()
	if now > millis {
		millis = now
	} else {
		millis++
	}

	var out Timestamp
	binary.BigEndian.PutUint64(out[0:8], millis)

	var tie [8]byte
	if _, err := rand.Read(tie[:]); err != nil {
		return out, fmt.Errorf("ident: after: %w", err)
	}
	copy(out[8:16], tie[:])

	// millis above is either now (> t's millis) or, when the clock has not
	// moved past t, t's millis+1; out[0:8] alone already exceeds t[0:8] in
	// both cases, so any random tiebreaker keeps out > t.
	return out, nil
}
