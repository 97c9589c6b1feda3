// Package infobase implements the shared mesh information base (C4) and
// the path selector that reads it (C5): per-node candidate sessions,
// announce/subscribe indexes with a prefix lookup, and "closest node for
// this NodeID" path selection with loop prevention.
//
// Grounded on internal/topology/graph.go's Graph/Node/Edge structural
// shape and internal/topology/topology.go's register/deregister
// upsert-and-clean pattern for AddNode/RemoveNode, and
// internal/sdn/announce_table.go's map-of-entries shape for the
// announce/subscribe indexes; internal/topology/dijkstra.go's
// container/heap priority-queue style is reused for scanning a node's
// candidate sessions even though no full-graph shortest path is needed
// here — the path selector only ever compares direct candidate sessions
// for a single destination NodeID (spec.md §4.5 has no multi-hop
// relaxation step, unlike the teacher's centralized controller).
package infobase

import (
	"container/heap"
	"sync"

	"github.com/meshrelay/meshrelay/internal/wire"
)

// PeerSessionID identifies one peer session (C6) candidate for reaching a
// remote node; kept abstract here so infobase does not import internal/peer.
type PeerSessionID uint64

// candidate is one path to a NodeID, learned from one peer session's most
// recently received NodeInfo for that node.
type candidate struct {
	session  PeerSessionID
	hopCount int
	sumSrtt  uint64
	path     []wire.NodeID // accumulated hop list, for loop prevention
}

// nodeEntry tracks every candidate path known for one NodeID, plus the
// currently selected best one.
type nodeEntry struct {
	candidates map[PeerSessionID]candidate
	best       PeerSessionID
	hasBest    bool
}

// subscribeEntry is one row of the subscribes table: the last-seen
// sequence number accepted for (sourceNode, trackHash) and the
// originating peer session, used to detect stale re-deliveries.
type subscribeEntry struct {
	seq     uint16
	session PeerSessionID
}

// announceEntry is one row of the announces table.
type announceEntry struct {
	sourceNode wire.NodeID
	namespace  [][]byte
	name       []byte
}

// InfoBase is the shared mesh state (C4): reachable nodes with their best
// path, and announce/subscribe indexes, all guarded by one mutex since
// every table is touched together on most events (a NodeInfo update can
// simultaneously change nodes_best and trigger a subscribe re-evaluation).
type InfoBase struct {
	self wire.NodeID

	mu               sync.RWMutex
	nodes            map[wire.NodeID]*nodeEntry
	nodesByPeer      map[PeerSessionID]map[wire.NodeID]struct{}
	subscribes       map[subscribeKey]subscribeEntry
	announces        map[announceKey]announceEntry
	prefixLookup     map[string]map[announceKey]struct{} // namespace-tuple-prefix key -> announce keys
}

type subscribeKey struct {
	sourceNode wire.NodeID
	trackHash  uint64
}

type announceKey struct {
	sourceNode wire.NodeID
	trackHash  uint64
}

// New creates an empty InfoBase for a relay whose own node id is self;
// self is pushed as an implicit zero-hop candidate so the path selector
// can always resolve "deliver locally" without special-casing it.
func New(self wire.NodeID) *InfoBase {
	ib := &InfoBase{
		self:         self,
		nodes:        make(map[wire.NodeID]*nodeEntry),
		nodesByPeer:  make(map[PeerSessionID]map[wire.NodeID]struct{}),
		subscribes:   make(map[subscribeKey]subscribeEntry),
		announces:    make(map[announceKey]announceEntry),
		prefixLookup: make(map[string]map[announceKey]struct{}),
	}
	ib.nodes[self] = &nodeEntry{candidates: map[PeerSessionID]candidate{
		0: {session: 0, hopCount: 0, path: []wire.NodeID{self}},
	}, best: 0, hasBest: true}
	return ib
}

// AddNode records or updates a candidate path to info.ID, learned via
// session. If info.Path already contains self, the NodeInfo looped back
// around the mesh and is dropped (spec.md §4.5 loop prevention).
func (ib *InfoBase) AddNode(session PeerSessionID, info wire.NodeInfo) {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	for _, hop := range info.Path {
		if hop.NodeID == ib.self {
			return
		}
	}

	path := make([]wire.NodeID, 0, len(info.Path)+1)
	for _, hop := range info.Path {
		path = append(path, hop.NodeID)
	}
	path = append(path, info.ID)

	c := candidate{
		session:  session,
		hopCount: len(info.Path) + 1,
		sumSrtt:  info.SumSrtt(),
		path:     path,
	}

	e, ok := ib.nodes[info.ID]
	if !ok {
		e = &nodeEntry{candidates: make(map[PeerSessionID]candidate)}
		ib.nodes[info.ID] = e
	}
	e.candidates[session] = c
	ib.recomputeBestLocked(e)

	byPeer := ib.nodesByPeer[session]
	if byPeer == nil {
		byPeer = make(map[wire.NodeID]struct{})
		ib.nodesByPeer[session] = byPeer
	}
	byPeer[info.ID] = struct{}{}
}

// candHeapItem/candHeap let recomputeBestLocked reuse the teacher's
// priority-queue idiom to pick the lowest-(hopCount, sumSrtt) candidate
// instead of a plain linear scan with manual tie-break comparisons.
type candHeapItem struct {
	session PeerSessionID
	cand    candidate
}

type candHeap []candHeapItem

func (h candHeap) Len() int { return len(h) }
func (h candHeap) Less(i, j int) bool {
	if h[i].cand.hopCount != h[j].cand.hopCount {
		return h[i].cand.hopCount < h[j].cand.hopCount
	}
	return h[i].cand.sumSrtt < h[j].cand.sumSrtt
}
func (h candHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *candHeap) Push(x any)        { *h = append(*h, x.(candHeapItem)) }
func (h *candHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	*h = old[:n-1]
	return item
}

func (ib *InfoBase) recomputeBestLocked(e *nodeEntry) {
	if len(e.candidates) == 0 {
		e.hasBest = false
		return
	}
	h := make(candHeap, 0, len(e.candidates))
	for session, c := range e.candidates {
		h = append(h, candHeapItem{session: session, cand: c})
	}
	heap.Init(&h)
	best := heap.Pop(&h).(candHeapItem)
	e.best = best.session
	e.hasBest = true
}

// RemoveNode drops a candidate path to id learned via session.
func (ib *InfoBase) RemoveNode(session PeerSessionID, id wire.NodeID) {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	ib.removeNodeLocked(session, id)
}

func (ib *InfoBase) removeNodeLocked(session PeerSessionID, id wire.NodeID) {
	e, ok := ib.nodes[id]
	if !ok {
		return
	}
	delete(e.candidates, session)
	if len(e.candidates) == 0 {
		delete(ib.nodes, id)
	} else {
		ib.recomputeBestLocked(e)
	}
	if byPeer := ib.nodesByPeer[session]; byPeer != nil {
		delete(byPeer, id)
	}
}

// PurgePeerSessionInfo drops every candidate path learned via session,
// e.g. on peer session disconnect.
func (ib *InfoBase) PurgePeerSessionInfo(session PeerSessionID) {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	byPeer := ib.nodesByPeer[session]
	for id := range byPeer {
		ib.removeNodeLocked(session, id)
	}
	delete(ib.nodesByPeer, session)

	for key, sub := range ib.subscribes {
		if sub.session == session {
			delete(ib.subscribes, key)
		}
	}
}

// BestSession returns the peer session to forward toward id through, per
// the path selector's hop-count-then-sRTT rule (spec.md §4.5). ok is
// false if id is unreachable. A result of session==0 with ok==true means
// "deliver locally" (id is this relay's own node id).
func (ib *InfoBase) BestSession(id wire.NodeID) (session PeerSessionID, ok bool) {
	ib.mu.RLock()
	defer ib.mu.RUnlock()
	e, found := ib.nodes[id]
	if !found || !e.hasBest {
		return 0, false
	}
	return e.best, true
}

func prefixKey(namespace [][]byte) string {
	var b []byte
	for _, tup := range namespace {
		b = append(b, byte(len(tup)>>8), byte(len(tup)))
		b = append(b, tup...)
	}
	return string(b)
}

// AddAnnounce records a propagated announce from sourceNode for
// (namespace, name), indexing it under every namespace-tuple prefix so
// peer SubscribeAnnounces prefixes can be matched in O(matching
// prefixes) instead of scanning every announce.
func (ib *InfoBase) AddAnnounce(sourceNode wire.NodeID, trackHash uint64, namespace [][]byte, name []byte) {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	key := announceKey{sourceNode: sourceNode, trackHash: trackHash}
	ib.announces[key] = announceEntry{sourceNode: sourceNode, namespace: namespace, name: name}

	// Every proper prefix (spec.md §4.4), i.e. strictly shorter than the
	// full namespace, the empty prefix included — the full-length key is
	// deliberately excluded so that N announces sharing a K-tuple prefix
	// and differing only in their last tuple contribute exactly K+1
	// shared prefix entries (lengths 0..K), not K+1+N (property 6).
	for i := 0; i < len(namespace); i++ {
		pk := prefixKey(namespace[:i])
		set := ib.prefixLookup[pk]
		if set == nil {
			set = make(map[announceKey]struct{})
			ib.prefixLookup[pk] = set
		}
		set[key] = struct{}{}
	}
}

// RemoveAnnounce retires a propagated announce.
func (ib *InfoBase) RemoveAnnounce(sourceNode wire.NodeID, trackHash uint64) {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	key := announceKey{sourceNode: sourceNode, trackHash: trackHash}
	entry, ok := ib.announces[key]
	if !ok {
		return
	}
	delete(ib.announces, key)

	for i := 0; i < len(entry.namespace); i++ {
		pk := prefixKey(entry.namespace[:i])
		if set := ib.prefixLookup[pk]; set != nil {
			delete(set, key)
			if len(set) == 0 {
				delete(ib.prefixLookup, pk)
			}
		}
	}
}

// AnnounceRecord is a read-only view of one announce, returned by
// GetAnnounceIds.
type AnnounceRecord struct {
	SourceNode wire.NodeID
	TrackHash  uint64
	Namespace  [][]byte
	Name       []byte
}

// GetAnnounceIds returns every announce matching prefix. Per spec.md
// §4.4 it first tries an exact namespace match (prefixLookup only
// indexes proper prefixes, so the exact case is a direct scan here) and
// falls back to the proper-prefix index when nothing matches exactly.
func (ib *InfoBase) GetAnnounceIds(prefix [][]byte) []AnnounceRecord {
	ib.mu.RLock()
	defer ib.mu.RUnlock()

	var exact []AnnounceRecord
	for key, e := range ib.announces {
		if namespaceEqual(e.namespace, prefix) {
			exact = append(exact, AnnounceRecord{
				SourceNode: e.sourceNode,
				TrackHash:  key.trackHash,
				Namespace:  e.namespace,
				Name:       e.name,
			})
		}
	}
	if len(exact) > 0 {
		return exact
	}

	set := ib.prefixLookup[prefixKey(prefix)]
	if len(set) == 0 {
		return nil
	}
	out := make([]AnnounceRecord, 0, len(set))
	for key := range set {
		e := ib.announces[key]
		out = append(out, AnnounceRecord{
			SourceNode: e.sourceNode,
			TrackHash:  key.trackHash,
			Namespace:  e.namespace,
			Name:       e.name,
		})
	}
	return out
}

func namespaceEqual(a, b [][]byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if string(a[i]) != string(b[i]) {
			return false
		}
	}
	return true
}

// AddSubscribe records (or rejects, if stale) a propagated subscribe.
// accepted is false when seq does not supersede the previously recorded
// sequence number for (sourceNode, trackHash), using the wraparound-aware
// comparison spec.md §4.4 requires: a seq is newer unless the gap (as a
// uint16 difference) exceeds half the sequence space, which treats a
// wrapped-around seq as still newer than the one it wrapped past.
func (ib *InfoBase) AddSubscribe(session PeerSessionID, sourceNode wire.NodeID, trackHash uint64, seq uint16) (accepted bool) {
	ib.mu.Lock()
	defer ib.mu.Unlock()

	key := subscribeKey{sourceNode: sourceNode, trackHash: trackHash}
	prev, ok := ib.subscribes[key]
	if ok && !seqNewer(seq, prev.seq) {
		return false
	}
	ib.subscribes[key] = subscribeEntry{seq: seq, session: session}
	return true
}

// seqNewer reports whether a supersedes b under 16-bit wraparound
// semantics (RFC 1982 style serial number comparison).
func seqNewer(a, b uint16) bool {
	if a == b {
		return false
	}
	return int16(a-b) > 0
}

// SubscriberSession returns the peer session that most recently supplied
// the accepted subscribe for (sourceNode, trackHash), i.e. the neighbor
// the forwarding plane (C8) must deliver matching objects toward.
func (ib *InfoBase) SubscriberSession(sourceNode wire.NodeID, trackHash uint64) (PeerSessionID, bool) {
	ib.mu.RLock()
	defer ib.mu.RUnlock()
	e, ok := ib.subscribes[subscribeKey{sourceNode: sourceNode, trackHash: trackHash}]
	if !ok {
		return 0, false
	}
	return e.session, true
}

// RemoveSubscribe drops a propagated subscribe's record.
func (ib *InfoBase) RemoveSubscribe(sourceNode wire.NodeID, trackHash uint64) {
	ib.mu.Lock()
	defer ib.mu.Unlock()
	delete(ib.subscribes, subscribeKey{sourceNode: sourceNode, trackHash: trackHash})
}
