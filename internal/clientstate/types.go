// Package clientstate implements the client-facing connection state
// machine (C3): announces, subscribes, prefix-subscribes, publisher
// fanout, and fetch handling, exactly as spec.md §3/§4.3 describes.
//
// Grounded on internal/relay/server.go's Relay method (AcceptAnnounce →
// Announcements → TrackMux.Announce) and internal/relay/handler.go's
// RelayHandler.subscribe (installing a pull-side Session.Subscribe
// lazily on first demand) — generalized from "one announcement, one
// handler" into the full multi-table state machine spec.md describes.
package clientstate

import (
	"github.com/meshrelay/meshrelay/internal/trackhash"
)

// ConnectionHandle is an opaque client connection identifier supplied by
// the transport. It may be reused after close, so handlers must not
// assume long-term uniqueness (spec.md §9 "Per-connection reuse").
type ConnectionHandle uint64

// SubscribeID identifies a subscribe within one connection.
type SubscribeID uint64

// TrackAlias is the 64-bit wire alias for a (namespace, name) pair; it
// equals TrackHash.FullNameHash.
type TrackAlias uint64

// TrackNamespace is an ordered sequence of byte-string tuples.
type TrackNamespace [][]byte

// Equal reports whether ns and other are identical, tuple for tuple.
func (ns TrackNamespace) Equal(other TrackNamespace) bool {
	if len(ns) != len(other) {
		return false
	}
	for i := range ns {
		if string(ns[i]) != string(other[i]) {
			return false
		}
	}
	return true
}

// HasPrefix reports whether prefix is a prefix of ns's tuple list.
func (ns TrackNamespace) HasPrefix(prefix TrackNamespace) bool {
	if len(prefix) > len(ns) {
		return false
	}
	for i := range prefix {
		if string(ns[i]) != string(prefix[i]) {
			return false
		}
	}
	return true
}

// Hash computes the namespace_hash.
func (ns TrackNamespace) Hash() uint64 {
	return trackhash.Namespace(ns)
}

// TrackName is an opaque byte string.
type TrackName []byte

// FullTrackName names one track.
type FullTrackName struct {
	Namespace TrackNamespace
	Name      TrackName
}

// TrackHash is the derived (namespace_hash, name_hash, fullname_hash)
// triple; FullNameHash doubles as TrackAlias.
type TrackHash struct {
	NamespaceHash uint64
	NameHash      uint64
	FullNameHash  uint64
}

// HashFullTrackName computes the TrackHash triple for ftn.
func HashFullTrackName(ftn FullTrackName) TrackHash {
	nsHash := trackhash.Namespace(ftn.Namespace)
	nameHash := trackhash.Name(ftn.Name)
	return TrackHash{
		NamespaceHash: nsHash,
		NameHash:      nameHash,
		FullNameHash:  trackhash.FullName(nsHash, nameHash),
	}
}

// FilterType selects which objects a subscribe wants relative to the
// publisher's current position.
type FilterType int

const (
	FilterLatestGroup FilterType = iota
	FilterLargestObject
	FilterAbsoluteRange
)

// SubscribeAttrs carries the subscribe parameters a client supplied.
type SubscribeAttrs struct {
	Filter      FilterType
	Priority    uint8
	GroupOrder  uint8
	StartGroup  uint64
	EndGroup    uint64
	EndObject   uint64
}

// AnnounceAttrs carries announce parameters (opaque to this package;
// forwarded to peers via AnnounceInfo's opaque fields where applicable).
type AnnounceAttrs map[string]string

// PublishHandler is the reference-shared object the MoQ session layer
// uses to push objects toward one subscriber; shared between this
// package and the session layer, last-holder drop tears it down (§3
// Ownership). The forwarding plane (C8) calls WriteObject to push a
// published object toward this subscriber.
type PublishHandler interface {
	WriteObject(groupID, objectID uint64, priority uint8, payload []byte) error
	Close()
}

// SubscribeTrackHandler is the pull-side handler this package installs
// toward a publisher (PubSubscribes[alias, publisher_connection]).
type SubscribeTrackHandler interface {
	Close()
}

// PublisherBinder issues the pull-side MoQ-session-layer calls this
// package emits per spec.md §6: SubscribeTrack/UnsubscribeTrack/
// UpdateTrackSubscription install or adjust the pull-side subscription
// toward a publisher. The push-side Bind/Unbind calls are on
// SessionCallbacks, not here. This is the external MoQ session layer
// collaborator (spec.md §1 "out of scope").
type PublisherBinder interface {
	SubscribeTrack(publisher ConnectionHandle, ftn FullTrackName, attrs SubscribeAttrs) (SubscribeTrackHandler, error)
	UnsubscribeTrack(publisher ConnectionHandle, handler SubscribeTrackHandler)
	UpdateTrackSubscription(handler SubscribeTrackHandler, attrs SubscribeAttrs) error
}

// PeerNotifier is the peer manager collaborator (C7) this package
// notifies on client-driven announce/subscribe/unsubscribe events, per
// spec.md §4.3/§4.7.
type PeerNotifier interface {
	ClientAnnounce(ftn FullTrackName, attrs AnnounceAttrs)
	ClientUnannounce(ftn FullTrackName)
	ClientUnsubscribe(alias TrackAlias)
}

// CachedGroup and CachedObject mirror internal/cache's Group/CachedObject
// shape, kept as plain structs here so this package does not need to
// import internal/cache just to describe the CacheReader contract.
type CachedObject struct {
	ObjectID uint64
	Priority uint8
	Payload  []byte
}

type CachedGroup struct {
	GroupID uint64
	Objects []CachedObject
}

// CacheReader is the object cache collaborator (C2) used to answer
// LargestAvailable on subscribe and to serve fetches.
type CacheReader interface {
	Last(trackAlias uint64) (groupID, objectID uint64, ok bool)
	Get(trackAlias uint64, startGroupInclusive, endGroupExclusive uint64) []CachedGroup
}

// AnnounceNotifier pushes announce-lifecycle events to clients that
// issued a SubscribeAnnounces under a matching prefix (spec.md §4.3
// steps 2/notify, scenario S2).
type AnnounceNotifier interface {
	NotifyAnnounce(subscriber ConnectionHandle, ns TrackNamespace)
	NotifyUnannounce(subscriber ConnectionHandle, ns TrackNamespace)
}

// SessionCallbacks is the remainder of spec.md §6's "core emits into
// [the MoQ session layer]" list not already covered by PublisherBinder:
// resolving announce/subscribe requests and binding/unbinding the
// push-side publisher and fetch handlers.
type SessionCallbacks interface {
	ResolveAnnounce(conn ConnectionHandle, ns TrackNamespace, err error)
	ResolveSubscribe(conn ConnectionHandle, subID SubscribeID, alias TrackAlias, largestGroup, largestObject uint64, hasLargest bool, err error)
	BindPublisherTrack(conn ConnectionHandle, alias TrackAlias, attrs SubscribeAttrs) (PublishHandler, error)
	UnbindPublisherTrack(handler PublishHandler)
	BindFetchTrack(conn ConnectionHandle, subID SubscribeID, ftn FullTrackName) (FetchSink, error)
	UnbindFetchTrack(sink FetchSink)
}

// FetchSink is the push side of a single Fetch response: the relay
// writes cached objects into it in order until the range is exhausted
// or the fetch is cancelled.
type FetchSink interface {
	WriteObject(groupID, objectID uint64, priority uint8, payload []byte) error
	Close()
}
