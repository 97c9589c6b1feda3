// Package core implements the relay core runtime (C9): it wires the
// object cache (C2), client state machine (C3), information base and
// path selector (C4/C5), peer session protocol (C6), peer manager (C7),
// and forwarding plane (C8) into one running relay, and implements
// peer.Handlers to fold inbound peer control/data messages into that
// wiring.
//
// Grounded on internal/relay/server.go's Server struct — generalized
// from "one moqt.Server plus an optional SDN auto-announce client" into
// the full peer-mesh relay core this system's components compose into.
package core

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meshrelay/meshrelay/internal/cache"
	"github.com/meshrelay/meshrelay/internal/clientstate"
	"github.com/meshrelay/meshrelay/internal/forward"
	"github.com/meshrelay/meshrelay/internal/infobase"
	"github.com/meshrelay/meshrelay/internal/peer"
	"github.com/meshrelay/meshrelay/internal/peermgr"
	"github.com/meshrelay/meshrelay/internal/wire"
	"github.com/meshrelay/meshrelay/relay/health"
)

// Config is the subset of spec.md §6's settings this package owns;
// listen address, TLS, and qlog stay with the transport layer the
// caller (internal/cli) wires directly against gomoqt.
type Config struct {
	Self                        wire.NodeID
	NodeType                    wire.NodeType
	Contact                     string
	Longitude                   float64
	Latitude                    float64
	Cache                       cache.Config
	Peers                       []peermgr.PeerConfig
	ReconnectCheckInterval      time.Duration
	SubscriptionRefreshInterval time.Duration
	CacheSweepInterval          time.Duration
}

// Core owns every mesh component and every adapter binding them
// together. Its peer.Handlers methods are the seam the transport layer
// passes into peer.New when accepting or dialing a peer connection.
type Core struct {
	log  *slog.Logger
	self wire.NodeID
	cfg  Config

	cache    *cache.Cache
	infobase *infobase.InfoBase
	clients  *clientstate.State
	fetches  *clientstate.FetchState
	peers    *peermgr.Manager
	forward  *forward.Forwarder
	Health   *health.StatusHandler

	nextSessionID atomic.Uint64
	sessMu        sync.Mutex
	sessionIDs    map[*peer.Session]infobase.PeerSessionID
	sessionsByID  map[infobase.PeerSessionID]*peer.Session

	stop chan struct{}
}

// New wires every collaborator per cfg. dialer performs the
// transport-level outbound connect-plus-handshake for configured peers.
func New(log *slog.Logger, cfg Config, dialer peermgr.Dialer) *Core {
	if log == nil {
		log = slog.Default()
	}

	c := &Core{
		log:          log,
		self:         cfg.Self,
		cfg:          cfg,
		cache:        cache.New(cfg.Cache),
		infobase:     infobase.New(cfg.Self),
		Health:       health.NewStatusHandler(),
		sessionIDs:   make(map[*peer.Session]infobase.PeerSessionID),
		sessionsByID: make(map[infobase.PeerSessionID]*peer.Session),
		stop:         make(chan struct{}),
	}
	c.peers = peermgr.New(log, dialer, cfg.Peers)
	c.forward = forward.New(c, &peerFanout{core: c})
	c.clients = clientstate.New(log, &sessionLayerStub{log: log}, &peerNotifier{core: c}, &sessionLayerStub{log: log}, &cacheAdapter{cache: c.cache}, cfg.SubscriptionRefreshInterval)
	c.fetches = clientstate.NewFetchState(&cacheAdapter{cache: c.cache})

	c.peers.OnSessionChanged(c.onSessionChanged)
	return c
}

// Clients exposes the client state machine (C3) for the MoQ session
// layer to drive (AnnounceReceived, SubscribeReceived, and so on).
func (c *Core) Clients() *clientstate.State { return c.clients }

// Fetches exposes the fetch state (part of C3) for the MoQ session
// layer's FetchReceived/FetchCancelReceived handling.
func (c *Core) Fetches() *clientstate.FetchState { return c.fetches }

// Peers exposes the peer manager (C7), e.g. for an inbound accept loop
// to call RegisterInbound/DeregisterInbound.
func (c *Core) Peers() *peermgr.Manager { return c.peers }

// PublishLocal feeds one object a local client published into the cache
// and the forwarding plane, exactly mirroring what happens to an object
// arriving from a peer (OnDataObject) but with group/object metadata the
// MoQ session layer has already parsed out of the OBJECT frame.
func (c *Core) PublishLocal(alias clientstate.TrackAlias, h cache.ObjectHeaders, payload []byte) {
	c.cache.Put(uint64(alias), h, payload)
	c.forward.Deliver(alias, c.self, uint64(alias), h.GroupID, h.ObjectID, h.Priority, payload, nil)
}

// Run starts the peer reconnect loop and cache TTL sweeper until ctx is
// cancelled or Close is called.
func (c *Core) Run(ctx context.Context) {
	sweepInterval := c.cfg.CacheSweepInterval
	if sweepInterval <= 0 {
		sweepInterval = 30 * time.Second
	}
	c.cache.StartSweeper(sweepInterval, c.stop)
	c.peers.Run(ctx, c.cfg.ReconnectCheckInterval)
}

// Close stops the cache sweeper goroutine; the reconnect loop stops on
// ctx cancellation in Run.
func (c *Core) Close() {
	close(c.stop)
}

func (c *Core) onSessionChanged(s *peer.Session, connected bool) {
	c.sessMu.Lock()
	if connected {
		id := infobase.PeerSessionID(c.nextSessionID.Add(1))
		c.sessionIDs[s] = id
		c.sessionsByID[id] = s
	} else if id, ok := c.sessionIDs[s]; ok {
		delete(c.sessionIDs, s)
		delete(c.sessionsByID, id)
		c.sessMu.Unlock()
		c.infobase.PurgePeerSessionInfo(id)
		c.Health.SetPeerCount(c.peers.ActiveCount())
		return
	}
	c.sessMu.Unlock()
	c.Health.SetPeerCount(c.peers.ActiveCount())
}

func (c *Core) sessionIDFor(s *peer.Session) infobase.PeerSessionID {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	if id, ok := c.sessionIDs[s]; ok {
		return id
	}
	id := infobase.PeerSessionID(c.nextSessionID.Add(1))
	c.sessionIDs[s] = id
	c.sessionsByID[id] = s
	return id
}

func (c *Core) sessionByID(id infobase.PeerSessionID) (*peer.Session, bool) {
	c.sessMu.Lock()
	defer c.sessMu.Unlock()
	s, ok := c.sessionsByID[id]
	return s, ok
}

// floodToPeers sends fn to every live peer session except exclude (split
// horizon for control-plane propagation, mirroring C8's data-plane rule).
func (c *Core) floodToPeers(exclude *peer.Session, fn func(*peer.Session) error) {
	for _, s := range c.peers.AllSessions() {
		if s == exclude {
			continue
		}
		if err := fn(s); err != nil {
			c.log.Warn("core: flood to peer failed", "error", err)
		}
	}
}

// Subscribers implements forward.LocalSubscribers by delegating to the
// client state machine's per-alias subscriber table.
func (c *Core) Subscribers(alias clientstate.TrackAlias) []clientstate.PublishHandler {
	return c.clients.Subscribers(alias)
}

// --- peer.Handlers -----------------------------------------------------

func (c *Core) OnNodeInfo(s *peer.Session, info wire.NodeInfo) {
	id := c.sessionIDFor(s)
	c.infobase.AddNode(id, info)
	c.peers.NodeReceived(info)
	c.floodToPeers(s, func(p *peer.Session) error { return p.SendNodeInfo(info) })
}

func (c *Core) OnNodeInfoWithdrawn(s *peer.Session, id wire.NodeID) {
	sid := c.sessionIDFor(s)
	c.infobase.RemoveNode(sid, id)
}

func (c *Core) OnAnnounceInfo(s *peer.Session, info wire.AnnounceInfo) {
	th := clientstate.HashFullTrackName(clientstate.FullTrackName{Namespace: info.Namespace, Name: info.Name})
	c.infobase.AddAnnounce(info.SourceNodeID, th.FullNameHash, info.Namespace, info.Name)
	c.floodToPeers(s, func(peer *peer.Session) error { return peer.SendAnnounceInfo(info, false) })
}

func (c *Core) OnAnnounceInfoWithdrawn(s *peer.Session, sourceNode wire.NodeID, fullNameHash uint64) {
	c.infobase.RemoveAnnounce(sourceNode, fullNameHash)
	info := wire.AnnounceInfo{SourceNodeID: sourceNode}
	c.floodToPeers(s, func(peer *peer.Session) error { return peer.SendAnnounceInfo(info, true) })
}

func (c *Core) OnSubscribeInfo(s *peer.Session, info wire.SubscribeInfo) {
	sid := c.sessionIDFor(s)
	if !c.infobase.AddSubscribe(sid, info.SourceNodeID, info.FullNameHash, info.Seq) {
		return // stale re-delivery; spec.md §4.4 says do not re-propagate
	}
	c.floodToPeers(s, func(peer *peer.Session) error { return peer.SendSubscribeInfo(info, false) })
}

func (c *Core) OnSubscribeInfoWithdrawn(s *peer.Session, sourceNode wire.NodeID, fullNameHash uint64) {
	c.infobase.RemoveSubscribe(sourceNode, fullNameHash)
	info := wire.SubscribeInfo{SourceNodeID: sourceNode, FullNameHash: fullNameHash}
	c.floodToPeers(s, func(peer *peer.Session) error { return peer.SendSubscribeInfo(info, true) })
}

func (c *Core) OnSubscribeNodeSet(s *peer.Session, sns wire.SubscribeNodeSet) {
	c.log.Debug("core: peer advertised subscribe node set", "sns_id", sns.ID, "nodes", len(sns.Nodes))
}

func (c *Core) OnSubscribeNodeSetWithdrawn(s *peer.Session, id uint32) {
	c.log.Debug("core: peer withdrew subscribe node set", "sns_id", id)
}

// OnDataObject folds one object received from a peer into local delivery
// and further peer fan-out. The peer wire format (spec.md §4.1) carries
// no group_id — grouping is an MoQ-session-layer concept the transport
// payload itself encodes — so cross-peer forwarding treats every object
// as belonging to a single synthetic group 0 for cache/dedup purposes;
// see DESIGN.md for this Open Question's resolution.
func (c *Core) OnDataObject(s *peer.Session, anchor peer.DataAnchor, objectID uint64, payload []byte) {
	h := cache.ObjectHeaders{ObjectID: objectID, Priority: anchor.Priority, TTLMs: anchor.TTL, HasTTL: anchor.HasTTL}
	c.cache.Put(anchor.TrackFullNameHash, h, payload)
	c.forward.Deliver(clientstate.TrackAlias(anchor.TrackFullNameHash), c.self, anchor.TrackFullNameHash, 0, objectID, anchor.Priority, payload, s)
}

func (c *Core) OnDisconnected(s *peer.Session, err error) {
	c.log.Info("core: peer session disconnected", "error", err)
}

// --- adapters ------------------------------------------------------------

// cacheAdapter bridges internal/cache's Group/CachedObject shape to
// clientstate.CacheReader's plain-struct mirror types.
type cacheAdapter struct {
	cache *cache.Cache
}

func (a *cacheAdapter) Last(trackAlias uint64) (groupID, objectID uint64, ok bool) {
	return a.cache.Last(trackAlias)
}

func (a *cacheAdapter) Get(trackAlias uint64, startGroupInclusive, endGroupExclusive uint64) []clientstate.CachedGroup {
	groups := a.cache.Get(trackAlias, startGroupInclusive, endGroupExclusive)
	out := make([]clientstate.CachedGroup, 0, len(groups))
	for _, g := range groups {
		cg := clientstate.CachedGroup{GroupID: g.GroupID, Objects: make([]clientstate.CachedObject, 0, len(g.Objects))}
		for _, o := range g.Objects {
			cg.Objects = append(cg.Objects, clientstate.CachedObject{ObjectID: o.Headers.ObjectID, Priority: o.Headers.Priority, Payload: o.Payload})
		}
		out = append(out, cg)
	}
	return out
}

// peerFanout implements forward.PeerFanout: the peer session that
// supplied the currently-accepted subscribe for (sourceNode,
// trackFullNameHash) is the neighbor the forwarding plane must deliver
// matching objects toward.
type peerFanout struct {
	core *Core
}

func (f *peerFanout) Targets(sourceNode wire.NodeID, trackFullNameHash uint64) []forward.PeerTarget {
	id, ok := f.core.infobase.SubscriberSession(sourceNode, trackFullNameHash)
	if !ok {
		return nil
	}
	s, ok := f.core.sessionByID(id)
	if !ok {
		return nil
	}
	// SnsID 0 is this implementation's single default data context per
	// peer session; spec.md's per-SNS id namespace exists to let a peer
	// multiplex several forwarding scopes onto distinct stream groups,
	// which this relay does not yet need to distinguish.
	return []forward.PeerTarget{{Session: s, SnsID: 0}}
}

// peerNotifier implements clientstate.PeerNotifier: client-driven
// announce/subscribe events update the local information base and flood
// to every peer session.
type peerNotifier struct {
	core *Core
}

func (p *peerNotifier) ClientAnnounce(ftn clientstate.FullTrackName, attrs clientstate.AnnounceAttrs) {
	th := clientstate.HashFullTrackName(ftn)
	p.core.infobase.AddAnnounce(p.core.self, th.FullNameHash, ftn.Namespace, ftn.Name)
	info := wire.AnnounceInfo{SourceNodeID: p.core.self, Namespace: ftn.Namespace, Name: ftn.Name}
	p.core.floodToPeers(nil, func(s *peer.Session) error { return s.SendAnnounceInfo(info, false) })
}

func (p *peerNotifier) ClientUnannounce(ftn clientstate.FullTrackName) {
	th := clientstate.HashFullTrackName(ftn)
	p.core.infobase.RemoveAnnounce(p.core.self, th.FullNameHash)
	info := wire.AnnounceInfo{SourceNodeID: p.core.self, Namespace: ftn.Namespace, Name: ftn.Name}
	p.core.floodToPeers(nil, func(s *peer.Session) error { return s.SendAnnounceInfo(info, true) })
}

func (p *peerNotifier) ClientUnsubscribe(alias clientstate.TrackAlias) {
	p.core.infobase.RemoveSubscribe(p.core.self, uint64(alias))
	info := wire.SubscribeInfo{SourceNodeID: p.core.self, FullNameHash: uint64(alias)}
	p.core.floodToPeers(nil, func(s *peer.Session) error { return s.SendSubscribeInfo(info, true) })
}

// sessionLayerStub implements clientstate.PublisherBinder and
// clientstate.AnnounceNotifier with logging only. Both interfaces are
// spec.md §1's explicit out-of-scope "MoQ session layer" collaborator;
// production wiring replaces this with an adapter over gomoqt's
// moqt.Session/TrackMux.
type sessionLayerStub struct {
	log *slog.Logger
}

func (s *sessionLayerStub) SubscribeTrack(publisher clientstate.ConnectionHandle, ftn clientstate.FullTrackName, attrs clientstate.SubscribeAttrs) (clientstate.SubscribeTrackHandler, error) {
	s.log.Debug("session layer stub: SubscribeTrack", "publisher", publisher)
	return stubSubscribeHandler{}, nil
}

func (s *sessionLayerStub) UnsubscribeTrack(publisher clientstate.ConnectionHandle, handler clientstate.SubscribeTrackHandler) {
}

func (s *sessionLayerStub) UpdateTrackSubscription(handler clientstate.SubscribeTrackHandler, attrs clientstate.SubscribeAttrs) error {
	return nil
}

func (s *sessionLayerStub) NotifyAnnounce(subscriber clientstate.ConnectionHandle, ns clientstate.TrackNamespace) {
}

func (s *sessionLayerStub) NotifyUnannounce(subscriber clientstate.ConnectionHandle, ns clientstate.TrackNamespace) {
}

type stubSubscribeHandler struct{}

func (stubSubscribeHandler) Close() {}
