package clientstate

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// announceEntry is one AnnounceActive row: an active publish namespace
// for one connection.
type announceEntry struct {
	ns    TrackNamespace
	attrs AnnounceAttrs
}

// subscribeEntry is one Subscribes row: a client's live subscription to
// one track, alongside the PublishHandler pushing data toward it and the
// set of publisher connections currently backing it (spec.md §3's
// "publish_handlers: map<publisher_connection, PublishHandler>" — tracked
// here as the announcer connections ProcessSubscribe has pulled from, so
// UnsubscribeReceived can unwind exactly the pulls this entry caused).
type subscribeEntry struct {
	conn       ConnectionHandle
	subID      SubscribeID
	alias      TrackAlias
	ftn        FullTrackName
	attrs      SubscribeAttrs
	handler    PublishHandler
	publishers map[ConnectionHandle]struct{}
}

// pubSubKey identifies one (publisher, track) pull-side subscription.
type pubSubKey struct {
	publisher ConnectionHandle
	alias     TrackAlias
}

// refreshKey identifies the per-(publisher_connection, track_alias)
// subscription-refresh timestamp (Open Question 3: these are not global).
type refreshKey = pubSubKey

// prefixSubEntry is one SubscribesAnnounces row: a connection watching a
// namespace prefix for announce/unannounce notifications.
type prefixSubEntry struct {
	conn   ConnectionHandle
	prefix TrackNamespace
}

// State is the client-facing connection state machine (C3): it owns
// every table spec.md §4.3 describes and drives PublisherBinder,
// PeerNotifier, AnnounceNotifier, and CacheReader collaborators in
// response to client announce/subscribe/unsubscribe events.
//
// Grounded on internal/relay/server.go's Relay() (AcceptAnnounce loop)
// and internal/relay/handler.go's RelayHandler.subscribe, generalized
// into the full multi-table bookkeeping spec.md §4.3 requires.
type State struct {
	log *slog.Logger

	binder   PublisherBinder
	peers    PeerNotifier
	notifier AnnounceNotifier
	cache    CacheReader

	mu sync.Mutex

	// AnnounceActive: connection -> namespace key -> entry.
	announceActive map[ConnectionHandle]map[string]announceEntry

	// SubscribeActive: connection -> subscribe id -> entry.
	subscribeActive map[ConnectionHandle]map[SubscribeID]*subscribeEntry

	// Subscribes: track alias -> set of subscriber entries (fan-out list).
	subscribes map[TrackAlias]map[pubSubKey]*subscribeEntry

	// SubscribesAnnounces: prefix key -> connection -> prefixSubEntry.
	subscribesAnnounces map[string]map[ConnectionHandle]prefixSubEntry

	// PubSubscribes: (publisher, alias) -> pull-side handler toward the
	// publisher, ref-counted by the number of Subscribes entries it backs.
	pubSubscribes map[pubSubKey]pubSubHandle

	// SubscribeAliasSubId: connection -> subscribe id -> track alias, used
	// to resolve UnsubscribeReceived (client only sends the subscribe id).
	subscribeAliasSubID map[ConnectionHandle]map[SubscribeID]TrackAlias

	// lastRefresh: per (publisher_connection, track_alias) subscription
	// refresh timestamp (Open Question 3).
	lastRefresh map[refreshKey]time.Time

	// refreshInterval gates how often an existing pull-side subscription
	// is reissued via UpdateTrackSubscription (spec.md §4.3/§5,
	// subscription_refresh_interval_ms, default 1000ms).
	refreshInterval time.Duration
}

type pubSubHandle struct {
	handler  SubscribeTrackHandler
	refCount int
}

// New creates an empty State bound to its collaborators. refreshInterval
// is spec.md §6's subscription_refresh_interval_ms, converted to a
// time.Duration; a non-positive value disables gating entirely (every
// ProcessSubscribe reissue is sent immediately).
func New(log *slog.Logger, binder PublisherBinder, peers PeerNotifier, notifier AnnounceNotifier, cache CacheReader, refreshInterval time.Duration) *State {
	if log == nil {
		log = slog.Default()
	}
	return &State{
		log:                 log,
		binder:              binder,
		peers:               peers,
		notifier:            notifier,
		cache:               cache,
		announceActive:      make(map[ConnectionHandle]map[string]announceEntry),
		subscribeActive:     make(map[ConnectionHandle]map[SubscribeID]*subscribeEntry),
		subscribes:          make(map[TrackAlias]map[pubSubKey]*subscribeEntry),
		subscribesAnnounces: make(map[string]map[ConnectionHandle]prefixSubEntry),
		pubSubscribes:       make(map[pubSubKey]pubSubHandle),
		subscribeAliasSubID: make(map[ConnectionHandle]map[SubscribeID]TrackAlias),
		lastRefresh:         make(map[refreshKey]time.Time),
		refreshInterval:     refreshInterval,
	}
}

func nsKey(ns TrackNamespace) string {
	var b []byte
	for _, tuple := range ns {
		b = append(b, byte(len(tuple)>>24), byte(len(tuple)>>16), byte(len(tuple)>>8), byte(len(tuple)))
		b = append(b, tuple...)
	}
	return string(b)
}

// AnnounceReceived records a new publish namespace for conn. If conn
// already had an announce under a reused handle value from a prior
// connection, spec.md's Open Question 2 resolution applies: purge
// everything under that handle first, since a reused handle observing a
// second AnnounceReceived without an intervening ConnectionStatusChanged
// means the transport recycled the handle without this package
// observing the close.
func (s *State) AnnounceReceived(conn ConnectionHandle, ns TrackNamespace, attrs AnnounceAttrs) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := nsKey(ns)
	entries, ok := s.announceActive[conn]
	if ok {
		if _, dup := entries[key]; dup {
			s.purgePublishLocked(conn)
		}
	}

	entries = s.announceActive[conn]
	if entries == nil {
		entries = make(map[string]announceEntry)
		s.announceActive[conn] = entries
	}
	entries[key] = announceEntry{ns: ns, attrs: attrs}

	s.notifyPrefixSubscribersLocked(ns, true)
	s.installPublishersForAnnounceLocked(conn, ns)
	if s.peers != nil {
		// ClientAnnounce takes a full track name in this package's
		// external contract; announces are namespace-scoped, so the
		// name is left empty and peers treat it as a namespace-level
		// advertisement.
		s.peers.ClientAnnounce(FullTrackName{Namespace: ns}, attrs)
	}
}

// UnannounceReceived retires one namespace for conn.
func (s *State) UnannounceReceived(conn ConnectionHandle, ns TrackNamespace) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries := s.announceActive[conn]
	if entries == nil {
		return
	}
	key := nsKey(ns)
	if _, ok := entries[key]; !ok {
		return
	}
	delete(entries, key)
	if len(entries) == 0 {
		delete(s.announceActive, conn)
	}

	s.notifyPrefixSubscribersLocked(ns, false)
	if s.peers != nil {
		s.peers.ClientUnannounce(FullTrackName{Namespace: ns})
	}
}

// PurgePublish tears down every AnnounceActive namespace for conn, along
// with the publisher-side of any PubSubscribes entries that were bound
// against conn. It is exposed so the session layer can call it directly
// on an observed close, and is also the mechanism Open Question 2 uses
// internally on a reused-handle collision.
func (s *State) PurgePublish(conn ConnectionHandle) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.purgePublishLocked(conn)
}

func (s *State) purgePublishLocked(conn ConnectionHandle) {
	entries := s.announceActive[conn]
	delete(s.announceActive, conn)
	for _, e := range entries {
		s.notifyPrefixSubscribersLocked(e.ns, false)
		if s.peers != nil {
			s.peers.ClientUnannounce(FullTrackName{Namespace: e.ns})
		}
	}

	for key, h := range s.pubSubscribes {
		if key.publisher != conn {
			continue
		}
		if s.binder != nil {
			s.binder.UnsubscribeTrack(conn, h.handler)
		}
		delete(s.pubSubscribes, key)
		delete(s.lastRefresh, key)
	}
}

// notifyPrefixSubscribersLocked pushes an announce/unannounce event to
// every connection whose SubscribeAnnounces prefix matches ns.
func (s *State) notifyPrefixSubscribersLocked(ns TrackNamespace, announced bool) {
	if s.notifier == nil {
		return
	}
	for _, byConn := range s.subscribesAnnounces {
		for _, e := range byConn {
			if !ns.HasPrefix(e.prefix) {
				continue
			}
			if announced {
				s.notifier.NotifyAnnounce(e.conn, ns)
			} else {
				s.notifier.NotifyUnannounce(e.conn, ns)
			}
		}
	}
}

// SubscribeAnnouncesReceived registers conn's interest in every announce
// under prefix, replaying every namespace currently active under it.
func (s *State) SubscribeAnnouncesReceived(conn ConnectionHandle, prefix TrackNamespace) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := nsKey(prefix)
	byConn := s.subscribesAnnounces[key]
	if byConn == nil {
		byConn = make(map[ConnectionHandle]prefixSubEntry)
		s.subscribesAnnounces[key] = byConn
	}
	byConn[conn] = prefixSubEntry{conn: conn, prefix: prefix}

	if s.notifier == nil {
		return
	}
	for _, entries := range s.announceActive {
		for _, e := range entries {
			if e.ns.HasPrefix(prefix) {
				s.notifier.NotifyAnnounce(conn, e.ns)
			}
		}
	}
}

// UnsubscribeAnnouncesReceived removes conn's interest in prefix. Per
// Open Question 1, the prefix entry is erased entirely (not left as an
// empty placeholder) once its last subscriber leaves.
func (s *State) UnsubscribeAnnouncesReceived(conn ConnectionHandle, prefix TrackNamespace) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := nsKey(prefix)
	byConn := s.subscribesAnnounces[key]
	if byConn == nil {
		return
	}
	delete(byConn, conn)
	if len(byConn) == 0 {
		delete(s.subscribesAnnounces, key)
	}
}

// ErrRetryTrackAlias is returned by SubscribeReceived when the client's
// proposed_alias does not match fullname_hash(ftn) (spec.md §4.3's first
// bullet). SuggestedAlias is the alias the client should retry the
// subscribe with; no state is entered when this error is returned.
type ErrRetryTrackAlias struct {
	SuggestedAlias TrackAlias
}

func (e *ErrRetryTrackAlias) Error() string {
	return fmt.Sprintf("clientstate: proposed track alias does not match fullname_hash(ftn); retry with alias %d", e.SuggestedAlias)
}

// SubscribeReceived installs subID on conn toward ftn. proposedAlias is
// the client-proposed TrackAlias (0 means "no preference"); if it is
// nonzero and disagrees with fullname_hash(ftn), the subscribe is
// rejected with ErrRetryTrackAlias and no state is entered (spec.md
// §4.3's first bullet). Otherwise ProcessSubscribe (§4.3) runs: every
// AnnounceActive namespace that is a prefix of ftn.Namespace gets a
// pull-side subscription installed or refreshed toward its announcer,
// and the largest available (group, object) is reported back via return
// value so the session layer can send SubscribeOk/SubscribeError.
func (s *State) SubscribeReceived(conn ConnectionHandle, subID SubscribeID, proposedAlias TrackAlias, ftn FullTrackName, attrs SubscribeAttrs) (largestGroup, largestObject uint64, hasLargest bool, err error) {
	hash := HashFullTrackName(ftn)
	alias := TrackAlias(hash.FullNameHash)
	if proposedAlias != 0 && proposedAlias != alias {
		return 0, 0, false, &ErrRetryTrackAlias{SuggestedAlias: alias}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	entry := &subscribeEntry{conn: conn, subID: subID, alias: alias, ftn: ftn, attrs: attrs}

	active := s.subscribeActive[conn]
	if active == nil {
		active = make(map[SubscribeID]*subscribeEntry)
		s.subscribeActive[conn] = active
	}
	active[subID] = entry

	subs := s.subscribes[alias]
	if subs == nil {
		subs = make(map[pubSubKey]*subscribeEntry)
		s.subscribes[alias] = subs
	}
	subs[pubSubKey{publisher: conn, alias: alias}] = entry

	aliasMap := s.subscribeAliasSubID[conn]
	if aliasMap == nil {
		aliasMap = make(map[SubscribeID]TrackAlias)
		s.subscribeAliasSubID[conn] = aliasMap
	}
	aliasMap[subID] = alias

	s.processSubscribeLocked(entry)

	if s.cache != nil {
		g, o, ok := s.cache.Last(uint64(alias))
		return g, o, ok, nil
	}
	return 0, 0, false, nil
}

// processSubscribeLocked walks every AnnounceActive namespace that is a
// prefix of entry.ftn.Namespace and installs (or reconsiders refreshing)
// a pull-side subscription toward each matching announcer (spec.md §4.3
// ProcessSubscribe).
func (s *State) processSubscribeLocked(entry *subscribeEntry) {
	for publisherConn, nsEntries := range s.announceActive {
		for _, e := range nsEntries {
			if entry.ftn.Namespace.HasPrefix(e.ns) {
				s.installPublisherLocked(entry, publisherConn)
				break
			}
		}
	}
}

// installPublishersForAnnounceLocked is AnnounceReceived's symmetric half
// of processSubscribeLocked (spec.md §4.3 step 4): a new announce under
// ns may satisfy subscribers that arrived before it, so every
// SubscribeActive entry whose namespace is under ns gets wired to this
// announcer too.
func (s *State) installPublishersForAnnounceLocked(announcer ConnectionHandle, ns TrackNamespace) {
	for _, subs := range s.subscribeActive {
		for _, entry := range subs {
			if entry.ftn.Namespace.HasPrefix(ns) {
				s.installPublisherLocked(entry, announcer)
			}
		}
	}
}

// installPublisherLocked installs a pull-side subscription from entry
// toward announcer if none is tracked yet for this (entry, announcer)
// pair, ref-counting the shared PubSubscribes handle; if one is already
// tracked, it instead reconsiders issuing a SubscribeUpdate, gated by
// both the "not latest group" filter rule and subscription_refresh_
// interval_ms (spec.md §4.3/§5, Open Question 3).
func (s *State) installPublisherLocked(entry *subscribeEntry, announcer ConnectionHandle) {
	key := pubSubKey{publisher: announcer, alias: entry.alias}

	if entry.publishers == nil {
		entry.publishers = make(map[ConnectionHandle]struct{})
	}
	if _, already := entry.publishers[announcer]; already {
		return
	}

	h, exists := s.pubSubscribes[key]
	if !exists {
		if s.binder == nil {
			return
		}
		handler, bindErr := s.binder.SubscribeTrack(announcer, entry.ftn, entry.attrs)
		if bindErr != nil {
			s.log.Warn("clientstate: pull-side subscribe failed", "error", bindErr)
			return
		}
		s.pubSubscribes[key] = pubSubHandle{handler: handler, refCount: 1}
		s.lastRefresh[key] = time.Now()
		entry.publishers[announcer] = struct{}{}
		return
	}

	h.refCount++
	s.pubSubscribes[key] = h
	entry.publishers[announcer] = struct{}{}

	if entry.attrs.Filter == FilterLatestGroup {
		return
	}
	if last, ok := s.lastRefresh[key]; ok && s.refreshInterval > 0 && time.Since(last) < s.refreshInterval {
		return
	}
	if s.binder != nil {
		if err := s.binder.UpdateTrackSubscription(h.handler, entry.attrs); err != nil {
			s.log.Warn("clientstate: update track subscription failed", "error", err)
		}
	}
	s.lastRefresh[key] = time.Now()
}

// BindSubscriber attaches the PublishHandler the session layer created
// for this subscribe, once BindPublisherTrack has resolved. Called after
// SubscribeReceived returns a successful largest-available answer.
func (s *State) BindSubscriber(conn ConnectionHandle, subID SubscribeID, handler PublishHandler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if active, ok := s.subscribeActive[conn]; ok {
		if e, ok := active[subID]; ok {
			e.handler = handler
		}
	}
}

// UnsubscribeReceived tears down one client subscription, dropping the
// pull-side subscription toward the publisher once its last subscriber
// leaves.
func (s *State) UnsubscribeReceived(conn ConnectionHandle, subID SubscribeID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	aliasMap := s.subscribeAliasSubID[conn]
	if aliasMap == nil {
		return
	}
	alias, ok := aliasMap[subID]
	if !ok {
		return
	}
	delete(aliasMap, subID)
	if len(aliasMap) == 0 {
		delete(s.subscribeAliasSubID, conn)
	}

	if active := s.subscribeActive[conn]; active != nil {
		delete(active, subID)
		if len(active) == 0 {
			delete(s.subscribeActive, conn)
		}
	}

	subs := s.subscribes[alias]
	if subs == nil {
		return
	}
	removedKey := pubSubKey{publisher: conn, alias: alias}
	removed := subs[removedKey]
	delete(subs, removedKey)
	if len(subs) == 0 {
		delete(s.subscribes, alias)
	}

	s.peers.ClientUnsubscribe(alias)

	// Unwind exactly the pull-side subscriptions this subscriber's own
	// ProcessSubscribe run installed or joined, dropping each one once
	// its ref count reaches zero.
	if removed != nil {
		for publisherConn := range removed.publishers {
			key := pubSubKey{publisher: publisherConn, alias: alias}
			h, ok := s.pubSubscribes[key]
			if !ok {
				continue
			}
			h.refCount--
			if h.refCount <= 0 {
				if s.binder != nil {
					s.binder.UnsubscribeTrack(key.publisher, h.handler)
				}
				delete(s.pubSubscribes, key)
				delete(s.lastRefresh, key)
			} else {
				s.pubSubscribes[key] = h
			}
		}
	}
}

// RefreshSubscription bumps the per-(publisher, alias) refresh timestamp,
// per Open Question 3: these are tracked independently for every
// publisher backing the same alias, not globally for the alias.
func (s *State) RefreshSubscription(publisher ConnectionHandle, alias TrackAlias) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastRefresh[pubSubKey{publisher: publisher, alias: alias}] = time.Now()
}

// LastRefresh reports the last refresh time recorded for (publisher,
// alias), if any.
func (s *State) LastRefresh(publisher ConnectionHandle, alias TrackAlias) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.lastRefresh[pubSubKey{publisher: publisher, alias: alias}]
	return t, ok
}

// Subscribers returns every PublishHandler currently fanned out for
// alias, for the forwarding plane (C8) to push a newly published object
// toward.
func (s *State) Subscribers(alias TrackAlias) []PublishHandler {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs := s.subscribes[alias]
	if len(subs) == 0 {
		return nil
	}
	out := make([]PublishHandler, 0, len(subs))
	for _, e := range subs {
		if e.handler != nil {
			out = append(out, e.handler)
		}
	}
	return out
}

// ConnectionStatusChanged handles a transport-observed close for conn:
// it purges every AnnounceActive/Subscribes/SubscribeActive row the
// connection owned, on either side of the relationship (as publisher or
// as subscriber).
func (s *State) ConnectionStatusChanged(conn ConnectionHandle, connected bool) {
	if connected {
		return
	}

	s.mu.Lock()
	subIDs := make([]SubscribeID, 0)
	if aliasMap := s.subscribeAliasSubID[conn]; aliasMap != nil {
		for subID := range aliasMap {
			subIDs = append(subIDs, subID)
		}
	}
	s.mu.Unlock()

	for _, subID := range subIDs {
		s.UnsubscribeReceived(conn, subID)
	}

	s.PurgePublish(conn)

	s.mu.Lock()
	for key, byConn := range s.subscribesAnnounces {
		delete(byConn, conn)
		if len(byConn) == 0 {
			delete(s.subscribesAnnounces, key)
		}
	}
	s.mu.Unlock()
}
