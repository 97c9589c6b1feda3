// Package forward implements the forwarding plane (C8): delivering one
// published object to every interested local subscriber and every peer
// session whose SubscribeNodeSet names the object's origin, with split
// horizon (never forward back toward the session an object arrived from)
// and per-track de-duplication of (group, object) pairs already seen.
//
// Grounded on internal/relay/handler.go's trackDistributor.egress/ingest
// (deliver-to-every-interested-receiver, built around a ring + broadcast
// channel) generalized from "every local TrackWriter" to "every local
// Subscribes entry plus every peer session with a matching SNS".
package forward

import (
	"container/list"
	"strconv"
	"sync"
	"time"

	"github.com/meshrelay/meshrelay/internal/clientstate"
	"github.com/meshrelay/meshrelay/internal/peer"
	"github.com/meshrelay/meshrelay/internal/wire"
	"github.com/meshrelay/meshrelay/observability"
)

// dedupCapacity bounds the per-track (group, object) de-dup window;
// spec.md §4.6 only requires at-most-once within a group's cache
// lifetime, which this comfortably exceeds in practice.
const dedupCapacity = 4096

// LocalSubscribers resolves the local PublishHandlers fanned out for one
// track alias (implemented by internal/clientstate.State).
type LocalSubscribers interface {
	Subscribers(alias clientstate.TrackAlias) []clientstate.PublishHandler
}

// PeerTarget is one peer session this object must also be forwarded
// toward, and the SNS id that session expects the DataHeader anchor to
// reference.
type PeerTarget struct {
	Session *peer.Session
	SnsID   uint32
}

// PeerFanout resolves which peer sessions must receive an object
// originating from sourceNode (typically the infobase's subscribe index
// crossed with the peer manager's live sessions).
type PeerFanout interface {
	Targets(sourceNode wire.NodeID, trackFullNameHash uint64) []PeerTarget
}

// dedupKey identifies one (track, group, object) triple.
type dedupKey struct {
	trackFullNameHash uint64
	groupID           uint64
	objectID          uint64
}

// Forwarder is the forwarding plane: it owns the cross-track dedup LRU
// and drives LocalSubscribers/PeerFanout on every inbound object.
type Forwarder struct {
	local LocalSubscribers
	peers PeerFanout

	mu       sync.Mutex
	dedupLRU *list.List
	dedupIdx map[dedupKey]*list.Element
}

// New creates a Forwarder bound to its collaborators.
func New(local LocalSubscribers, peers PeerFanout) *Forwarder {
	return &Forwarder{
		local:    local,
		peers:    peers,
		dedupLRU: list.New(),
		dedupIdx: make(map[dedupKey]*list.Element),
	}
}

// seenLocked reports whether (trackFullNameHash, groupID, objectID) was already
// forwarded, recording it if not. Callers must hold f.mu.
func (f *Forwarder) seenLocked(key dedupKey) bool {
	if elem, ok := f.dedupIdx[key]; ok {
		f.dedupLRU.MoveToFront(elem)
		return true
	}
	elem := f.dedupLRU.PushFront(key)
	f.dedupIdx[key] = elem
	if f.dedupLRU.Len() > dedupCapacity {
		oldest := f.dedupLRU.Back()
		if oldest != nil {
			f.dedupLRU.Remove(oldest)
			delete(f.dedupIdx, oldest.Value.(dedupKey))
		}
	}
	return false
}

// Deliver pushes one published object to every local subscriber and
// fans it out to every peer session with a matching SubscribeNodeSet,
// except origin (split horizon: never forward an object back toward the
// peer session it arrived from). origin is nil for locally-published
// objects (no originating peer to exclude).
func (f *Forwarder) Deliver(alias clientstate.TrackAlias, sourceNode wire.NodeID, trackFullNameHash uint64, groupID, objectID uint64, priority uint8, payload []byte, origin *peer.Session) {
	rec := observability.NewRecorder(strconv.FormatUint(trackFullNameHash, 16))
	start := time.Now()

	f.mu.Lock()
	dup := f.seenLocked(dedupKey{trackFullNameHash: trackFullNameHash, groupID: groupID, objectID: objectID})
	f.mu.Unlock()
	if dup {
		return
	}
	rec.GroupReceived()

	sent, delivered := 0, 0
	if f.local != nil {
		for _, h := range f.local.Subscribers(alias) {
			sent++
			if h.WriteObject(groupID, objectID, priority, payload) == nil {
				delivered++
			}
		}
	}

	if f.peers != nil {
		for _, target := range f.peers.Targets(sourceNode, trackFullNameHash) {
			if origin != nil && target.Session == origin {
				continue
			}
			sent++
			anchor := peer.DataAnchor{SnsID: target.SnsID, TrackFullNameHash: trackFullNameHash, Priority: priority}
			if target.Session.SendDatagram(anchor, objectID, payload) == nil {
				delivered++
			}
		}
	}
	rec.Broadcast(time.Since(start), sent, delivered)
}
