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

package bayou

import (
	"context"
	"testing"

	"github.com/themadorg/vaultmail/internal/codec"
	"github.com/themadorg/vaultmail/internal/storage/memory"
)

// counter is a trivial State for exercising the log engine: it folds AddOp
// values into a running total and a count of ops applied.
type counter struct {
	Total int
	Ops   int
}

type addOp struct {
	Delta int
}

func (c counter) Apply(op addOp) counter {
	return counter{Total: c.Total + op.Delta, Ops: c.Ops + 1}
}

func newTestLog(t *testing.T) (*Log[counter, addOp], codec.SecretKey) {
	t.Helper()
	st, err := memory.New()
	if err != nil {
		t.Fatalf("new memory store: %v", err)
	}
	var key codec.SecretKey
	key[0] = 7
	return New[counter, addOp](st, "counters/c1", key, counter{}), key
}

func TestPushFoldsStateLocally(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLog(t)

	state, err := l.Push(ctx, addOp{Delta: 1})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if state.Total != 1 || state.Ops != 1 {
		t.Fatalf("unexpected state after first push: %+v", state)
	}

	state, err = l.Push(ctx, addOp{Delta: 41})
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if state.Total != 42 || state.Ops != 2 {
		t.Fatalf("unexpected state after second push: %+v", state)
	}
}

func TestSyncReplaysOpsFromAnotherHandle(t *testing.T) {
	ctx := context.Background()
	st, _ := memory.New()
	var key codec.SecretKey
	key[1] = 3

	a := New[counter, addOp](st, "counters/shared", key, counter{})
	if _, err := a.Push(ctx, addOp{Delta: 5}); err != nil {
		t.Fatalf("push on a: %v", err)
	}
	if _, err := a.Push(ctx, addOp{Delta: 7}); err != nil {
		t.Fatalf("push on a: %v", err)
	}

	b := New[counter, addOp](st, "counters/shared", key, counter{})
	if err := b.Sync(ctx); err != nil {
		t.Fatalf("sync on b: %v", err)
	}

	got := b.State()
	if got.Total != 12 || got.Ops != 2 {
		t.Fatalf("unexpected synced state: %+v", got)
	}
}

func TestSyncIsIdempotent(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLog(t)

	if _, err := l.Push(ctx, addOp{Delta: 3}); err != nil {
		t.Fatalf("push: %v", err)
	}
	if err := l.Sync(ctx); err != nil {
		t.Fatalf("first sync: %v", err)
	}
	if err := l.Sync(ctx); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	if got := l.State(); got.Total != 3 || got.Ops != 1 {
		t.Fatalf("unexpected state after repeated sync: %+v", got)
	}
}

func TestManyPushesCompactMemoizedStates(t *testing.T) {
	ctx := context.Background()
	l, _ := newTestLog(t)

	for i := 0; i < SaveStateEvery+5; i++ {
		if _, err := l.Push(ctx, addOp{Delta: 1}); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}

	got := l.State()
	if got.Total != SaveStateEvery+5 || got.Ops != SaveStateEvery+5 {
		t.Fatalf("unexpected state after many pushes: %+v", got)
	}
}
