package forward

import (
	"testing"

	"github.com/meshrelay/meshrelay/internal/clientstate"
	"github.com/meshrelay/meshrelay/internal/peer"
	"github.com/meshrelay/meshrelay/internal/wire"
)

type fakeHandler struct {
	writes int
}

func (h *fakeHandler) WriteObject(groupID, objectID uint64, priority uint8, payload []byte) error {
	h.writes++
	return nil
}
func (h *fakeHandler) Close() {}

type fakeLocal struct {
	handlers []clientstate.PublishHandler
}

func (f *fakeLocal) Subscribers(alias clientstate.TrackAlias) []clientstate.PublishHandler {
	return f.handlers
}

type fakePeerFanout struct {
	targets []PeerTarget
}

func (f *fakePeerFanout) Targets(sourceNode wire.NodeID, trackFullNameHash uint64) []PeerTarget {
	return f.targets
}

var testOrigin = wire.NodeID(0)

func TestDeliver_FansOutToLocalSubscribersOnce(t *testing.T) {
	h := &fakeHandler{}
	local := &fakeLocal{handlers: []clientstate.PublishHandler{h}}
	fw := New(local, nil)

	fw.Deliver(1, testOrigin, 100, 0, 0, 5, []byte("payload"), nil)

	if h.writes != 1 {
		t.Fatalf("expected 1 write, got %d", h.writes)
	}
}

func TestDeliver_DedupSkipsRepeatedGroupObject(t *testing.T) {
	h := &fakeHandler{}
	local := &fakeLocal{handlers: []clientstate.PublishHandler{h}}
	fw := New(local, nil)

	fw.Deliver(1, testOrigin, 100, 0, 0, 5, []byte("payload"), nil)
	fw.Deliver(1, testOrigin, 100, 0, 0, 5, []byte("payload"), nil)
	fw.Deliver(1, testOrigin, 100, 0, 1, 5, []byte("payload"), nil)

	if h.writes != 2 {
		t.Fatalf("expected 2 writes (dup suppressed), got %d", h.writes)
	}
}

func TestDeliver_SkipsOriginSession(t *testing.T) {
	origin := peer.New(nil, wire.NodeInfo{}, wire.PeerModeBoth, nil, nil)

	// origin is the only fanout target; split horizon must skip it before
	// ever touching the (nil-transport) Session, so no send is attempted.
	fanout := &fakePeerFanout{targets: []PeerTarget{
		{Session: origin, SnsID: 1},
	}}
	fw := New(nil, fanout)

	fw.Deliver(1, testOrigin, 100, 0, 0, 5, []byte("payload"), origin)
}

func TestDeliver_EvictsOldestEntryPastCapacity(t *testing.T) {
	h := &fakeHandler{}
	local := &fakeLocal{handlers: []clientstate.PublishHandler{h}}
	fw := New(local, nil)

	for i := 0; i < dedupCapacity+1; i++ {
		fw.Deliver(1, testOrigin, 100, 0, uint64(i), 5, nil, nil)
	}
	// The very first key should have been evicted, so replaying it counts
	// as a fresh delivery and increments writes again.
	before := h.writes
	fw.Deliver(1, testOrigin, 100, 0, 0, 5, nil, nil)
	if h.writes != before+1 {
		t.Fatalf("expected evicted key to be forwarded again, writes=%d before=%d", h.writes, before)
	}
}
