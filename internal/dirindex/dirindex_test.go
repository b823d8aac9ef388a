package dirindex

import (
	"errors"
	"testing"

	"github.com/vorteil/pmfs/internal/pmfserr"
)

func TestInsertLookup(t *testing.T) {
	idx := New()
	e := Entry{Hash: Hash("foo"), Name: "foo", Ino: 7, FType: 1}
	if err := idx.Insert(e); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	got, ok := idx.Lookup("foo")
	if !ok {
		t.Fatalf("Lookup(foo) not found")
	}
	if got.Ino != 7 {
		t.Fatalf("Ino = %d, want 7", got.Ino)
	}
	if _, ok := idx.Lookup("bar"); ok {
		t.Fatalf("Lookup(bar) should not be found")
	}
}

func TestInsertDuplicateFails(t *testing.T) {
	idx := New()
	e := Entry{Hash: Hash("foo"), Name: "foo", Ino: 1}
	if err := idx.Insert(e); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	err := idx.Insert(Entry{Hash: Hash("foo"), Name: "foo", Ino: 2})
	if !errors.Is(err, pmfserr.ErrExist) {
		t.Fatalf("Insert duplicate: got %v, want ErrExist", err)
	}
}

func TestHashCollisionDisambiguatedByName(t *testing.T) {
	idx := New()
	// A real collision: two distinct names sharing one BKDR hash value.
	const alpha, beta = "pgvkvu", "qvaebl"
	h := Hash(alpha)
	if Hash(beta) != h {
		t.Fatalf("Hash(%q) = %d, Hash(%q) = %d, want equal", alpha, h, beta, Hash(beta))
	}
	if err := idx.Insert(Entry{Hash: h, Name: alpha, Ino: 1}); err != nil {
		t.Fatalf("Insert alpha: %v", err)
	}
	if err := idx.Insert(Entry{Hash: h, Name: beta, Ino: 2}); err != nil {
		t.Fatalf("Insert beta (same hash, different name): %v", err)
	}

	a, ok := idx.Lookup(alpha)
	if !ok || a.Ino != 1 {
		t.Fatalf("Lookup(alpha) = %+v, %v, want ino=1", a, ok)
	}
	b, ok := idx.Lookup(beta)
	if !ok || b.Ino != 2 {
		t.Fatalf("Lookup(beta) = %+v, %v, want ino=2", b, ok)
	}
}

func TestRemoveLeafAndMissing(t *testing.T) {
	idx := New()
	_ = idx.Insert(Entry{Hash: Hash("foo"), Name: "foo", Ino: 1})
	if err := idx.Remove("foo"); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	if _, ok := idx.Lookup("foo"); ok {
		t.Fatalf("expected foo to be gone after Remove")
	}
	err := idx.Remove("foo")
	if !errors.Is(err, pmfserr.ErrNoEntry) {
		t.Fatalf("Remove missing: got %v, want ErrNoEntry", err)
	}
}

func TestRemoveNodeWithTwoChildren(t *testing.T) {
	idx := New()
	names := []string{"mmm", "aaa", "zzz", "bbb", "yyy"}
	for i, n := range names {
		if err := idx.Insert(Entry{Hash: Hash(n), Name: n, Ino: uint64(i + 1)}); err != nil {
			t.Fatalf("Insert(%s): %v", n, err)
		}
	}
	if err := idx.Remove("mmm"); err != nil {
		t.Fatalf("Remove(mmm): %v", err)
	}
	if _, ok := idx.Lookup("mmm"); ok {
		t.Fatalf("mmm should be gone")
	}
	for _, n := range []string{"aaa", "zzz", "bbb", "yyy"} {
		if _, ok := idx.Lookup(n); !ok {
			t.Fatalf("%s should still be present after removing its ancestor", n)
		}
	}
	if idx.Len() != 4 {
		t.Fatalf("Len() = %d, want 4", idx.Len())
	}
}

func TestIterateIsHashOrdered(t *testing.T) {
	idx := New()
	names := []string{"delta", "alpha", "echo", "bravo", "charlie"}
	for i, n := range names {
		_ = idx.Insert(Entry{Hash: Hash(n), Name: n, Ino: uint64(i)})
	}
	var order []uint32
	idx.Iterate(func(e Entry) bool {
		order = append(order, e.Hash)
		return true
	})
	if len(order) != len(names) {
		t.Fatalf("iterated %d entries, want %d", len(order), len(names))
	}
	for i := 1; i < len(order); i++ {
		if order[i-1] > order[i] {
			t.Fatalf("iteration not in ascending hash order at index %d: %v", i, order)
		}
	}
}

func TestIterateFromResumesAfterCursor(t *testing.T) {
	idx := New()
	names := []string{"delta", "alpha", "echo", "bravo", "charlie"}
	for i, n := range names {
		_ = idx.Insert(Entry{Hash: Hash(n), Name: n, Ino: uint64(i)})
	}
	var full []string
	idx.Iterate(func(e Entry) bool { full = append(full, e.Name); return true })

	var resumed []string
	idx.IterateFrom(full[1], func(e Entry) bool { resumed = append(resumed, e.Name); return true })
	if len(resumed) != len(full)-2 {
		t.Fatalf("resumed %d entries, want %d", len(resumed), len(full)-2)
	}
	for i, n := range resumed {
		if n != full[i+2] {
			t.Fatalf("resumed[%d] = %s, want %s", i, n, full[i+2])
		}
	}
}

func TestIterateStopsEarly(t *testing.T) {
	idx := New()
	for _, n := range []string{"a", "b", "c", "d"} {
		_ = idx.Insert(Entry{Hash: Hash(n), Name: n})
	}
	n := 0
	idx.Iterate(func(Entry) bool {
		n++
		return n < 2
	})
	if n != 2 {
		t.Fatalf("early stop visited %d entries, want 2", n)
	}
}
