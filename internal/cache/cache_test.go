package cache

import (
	"testing"
	"time"
)

func TestPutLastReturnsLargestGroupLastObject(t *testing.T) {
	c := New(Config{})
	c.Put(1, ObjectHeaders{GroupID: 10, ObjectID: 0}, []byte("a"))
	c.Put(1, ObjectHeaders{GroupID: 10, ObjectID: 1}, []byte("b"))
	c.Put(1, ObjectHeaders{GroupID: 12, ObjectID: 0}, []byte("c"))

	gid, oid, ok := c.Last(1)
	if !ok {
		t.Fatal("expected Last to report an object")
	}
	if gid != 12 || oid != 0 {
		t.Fatalf("Last = (%d, %d), want (12, 0)", gid, oid)
	}
}

func TestLastOnEmptyTrack(t *testing.T) {
	c := New(Config{})
	if _, _, ok := c.Last(999); ok {
		t.Fatal("expected Last on an empty track to report ok=false")
	}
}

func TestPutDeduplicatesSameGroupAndObject(t *testing.T) {
	c := New(Config{})
	c.Put(1, ObjectHeaders{GroupID: 1, ObjectID: 0}, []byte("first"))
	c.Put(1, ObjectHeaders{GroupID: 1, ObjectID: 0}, []byte("duplicate"))

	groups := c.Get(1, 0, 2)
	if len(groups) != 1 {
		t.Fatalf("got %d groups, want 1", len(groups))
	}
	if len(groups[0].Objects) != 1 {
		t.Fatalf("got %d objects, want 1 (duplicate must be dropped)", len(groups[0].Objects))
	}
	if string(groups[0].Objects[0].Payload) != "first" {
		t.Fatalf("expected the first payload to win, got %q", groups[0].Objects[0].Payload)
	}
}

func TestPutKeepsObjectsOrderedByObjectID(t *testing.T) {
	c := New(Config{})
	c.Put(1, ObjectHeaders{GroupID: 1, ObjectID: 2}, nil)
	c.Put(1, ObjectHeaders{GroupID: 1, ObjectID: 0}, nil)
	c.Put(1, ObjectHeaders{GroupID: 1, ObjectID: 1}, nil)

	groups := c.Get(1, 0, 2)
	if len(groups) != 1 || len(groups[0].Objects) != 3 {
		t.Fatalf("unexpected shape: %+v", groups)
	}
	for i, obj := range groups[0].Objects {
		if obj.Headers.ObjectID != uint64(i) {
			t.Fatalf("Objects[%d].ObjectID = %d, want %d", i, obj.Headers.ObjectID, i)
		}
	}
}

func TestRingEvictsOldestGroupWhenFull(t *testing.T) {
	c := New(Config{MaxGroups: 2})
	c.Put(1, ObjectHeaders{GroupID: 1, ObjectID: 0}, nil)
	c.Put(1, ObjectHeaders{GroupID: 2, ObjectID: 0}, nil)
	c.Put(1, ObjectHeaders{GroupID: 3, ObjectID: 0}, nil)

	groups := c.Get(1, 0, 10)
	if len(groups) != 2 {
		t.Fatalf("got %d groups, want 2 (ring capped at MaxGroups)", len(groups))
	}
	for _, g := range groups {
		if g.GroupID == 1 {
			t.Fatal("oldest group should have been evicted")
		}
	}
}

func TestGetRangeIsHalfOpenAndMayBeEmpty(t *testing.T) {
	c := New(Config{})
	c.Put(1, ObjectHeaders{GroupID: 5, ObjectID: 0}, nil)

	if got := c.Get(1, 5, 5); len(got) != 0 {
		t.Fatalf("Get with an empty range returned %d groups, want 0", len(got))
	}
	if got := c.Get(1, 5, 6); len(got) != 1 {
		t.Fatalf("Get([5,6)) returned %d groups, want 1", len(got))
	}
	if got := c.Get(999, 0, 100); len(got) != 0 {
		t.Fatalf("Get on an unknown track returned %d groups, want 0", len(got))
	}
}

func TestSweepDropsExpiredObjectsOnly(t *testing.T) {
	c := New(Config{})
	now := time.Now()

	c.Put(1, ObjectHeaders{GroupID: 1, ObjectID: 0, HasTTL: true, TTLMs: 10}, nil)
	c.Put(1, ObjectHeaders{GroupID: 1, ObjectID: 1, HasTTL: false}, nil)

	dropped := c.Sweep(now.Add(50 * time.Millisecond))
	if dropped != 1 {
		t.Fatalf("Sweep dropped %d objects, want 1", dropped)
	}

	groups := c.Get(1, 0, 2)
	if len(groups) != 1 || len(groups[0].Objects) != 1 {
		t.Fatalf("unexpected shape after sweep: %+v", groups)
	}
	if groups[0].Objects[0].Headers.ObjectID != 1 {
		t.Fatalf("expected the non-TTL object to survive, got ObjectID=%d", groups[0].Objects[0].Headers.ObjectID)
	}
}

func TestConfigureTrackOverridesDefaults(t *testing.T) {
	c := New(Config{MaxGroups: 10})
	c.ConfigureTrack(1, Config{MaxGroups: 1})

	c.Put(1, ObjectHeaders{GroupID: 1, ObjectID: 0}, nil)
	c.Put(1, ObjectHeaders{GroupID: 2, ObjectID: 0}, nil)

	if got := c.Get(1, 0, 10); len(got) != 1 {
		t.Fatalf("per-track MaxGroups override not applied: got %d groups, want 1", len(got))
	}
}
