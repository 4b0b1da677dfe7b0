package rmstm

import (
	"testing"
	"time"
)

func TestSeqEntry_RingCacheCapsAtFive(t *testing.T) {
	pid := ProducerIdentity{ID: 1}
	entry := NewSeqEntry(pid, 0)

	for seq := int32(0); seq < 10; seq++ {
		entry.Update(seq, Offset(seq), time.Now())
	}

	if entry.Seq != 9 {
		t.Fatalf("expected head seq 9, got %d", entry.Seq)
	}
	if entry.cacheLen != SeqCacheSize {
		t.Fatalf("expected cache to cap at %d, got %d", SeqCacheSize, entry.cacheLen)
	}

	// Only the five most recent superseded entries (4..8) survive.
	for seq := int32(4); seq < 9; seq++ {
		if _, ok := entry.CachedOffset(seq); !ok {
			t.Errorf("expected seq %d to still be cached", seq)
		}
	}
	if _, ok := entry.CachedOffset(3); ok {
		t.Error("expected seq 3 to have been evicted from the ring")
	}
}

func TestSeqEntry_DuplicateAtHeadDoesNotDisturbCache(t *testing.T) {
	pid := ProducerIdentity{ID: 1}
	entry := NewSeqEntry(pid, 0)
	entry.Update(0, 100, time.Now())
	entry.Update(1, 101, time.Now())

	entry.Update(1, 101, time.Now()) // replay of the same batch

	if entry.cacheLen != 1 {
		t.Fatalf("expected cache to hold exactly the superseded seq 0, got %d entries", entry.cacheLen)
	}
	if off, ok := entry.CachedOffset(0); !ok || off != 100 {
		t.Fatalf("expected seq 0 -> offset 100 still cached, got %v %v", off, ok)
	}
}

func TestTxRange_Intersects(t *testing.T) {
	r := TxRange{First: 10, Last: 20}
	cases := []struct {
		from, to Offset
		want     bool
	}{
		{0, 5, false},
		{0, 10, true},
		{15, 15, true},
		{20, 30, true},
		{21, 30, false},
	}
	for _, c := range cases {
		if got := r.Intersects(c.from, c.to); got != c.want {
			t.Errorf("Intersects(%d,%d) = %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

