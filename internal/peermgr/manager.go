// Package peermgr implements the peer manager (C7): the registries of
// inbound and outbound peer sessions, the reconnect-check loop for
// configured outbound peers, and propagation of locally-observed
// NodeInfo/SNS changes to every connected peer.
//
// Grounded on internal/sdn/client.go's Client.Run heartbeat-ticker loop
// for the reconnect-check loop shape, and internal/relay/peer_registry.go's
// peerRegistry for the session maps — generalized from "one central SDN
// endpoint" to "N configured outbound peers, each independently managed".
package peermgr

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/meshrelay/meshrelay/internal/peer"
	"github.com/meshrelay/meshrelay/internal/wire"
)

// minReconnectCheck is the floor spec.md §4.7 places on the reconnect
// loop's check interval: configuration may ask for faster, but the loop
// clamps to this to avoid hammering a down peer.
const minReconnectCheck = 2 * time.Second

// Dialer opens an outbound connection to a configured peer address and
// performs the handshake, returning a connected Session. It is the
// transport-layer collaborator this package drives; production wiring
// implements it over gomoqt's quic.Dial/webtransport client.
type Dialer interface {
	Dial(ctx context.Context, address string) (*peer.Session, error)
}

// PeerConfig is one statically configured outbound peer.
type PeerConfig struct {
	Address string
}

// Manager is the peer manager (C7): it owns every inbound
// (server_peer_sessions) and outbound (client_peer_sessions) peer session
// and keeps outbound sessions reconnected.
type Manager struct {
	log    *slog.Logger
	dialer Dialer

	mu                 sync.RWMutex
	serverPeerSessions map[*peer.Session]struct{}
	clientPeerSessions map[string]*peer.Session // address -> session
	configured         []PeerConfig

	nodeSub    []func(wire.NodeInfo)
	sessionSub []func(*peer.Session, bool)
}

// New creates a Manager that dials cfg's peers via dialer.
func New(log *slog.Logger, dialer Dialer, cfg []PeerConfig) *Manager {
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:                log,
		dialer:             dialer,
		serverPeerSessions: make(map[*peer.Session]struct{}),
		clientPeerSessions: make(map[string]*peer.Session),
		configured:         cfg,
	}
}

// RegisterInbound adds a server-accepted peer session.
func (m *Manager) RegisterInbound(s *peer.Session) {
	m.mu.Lock()
	m.serverPeerSessions[s] = struct{}{}
	m.mu.Unlock()
	m.fireSessionChanged(s, true)
}

// DeregisterInbound removes a server-accepted peer session.
func (m *Manager) DeregisterInbound(s *peer.Session) {
	m.mu.Lock()
	delete(m.serverPeerSessions, s)
	m.mu.Unlock()
	m.fireSessionChanged(s, false)
}

// OnNodeReceived registers a callback invoked whenever any peer session
// reports a NodeInfo, so the path selector (C5/infobase) and forwarding
// plane can react.
func (m *Manager) OnNodeReceived(fn func(wire.NodeInfo)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nodeSub = append(m.nodeSub, fn)
}

// OnSessionChanged registers a callback invoked whenever a peer session
// connects or disconnects.
func (m *Manager) OnSessionChanged(fn func(*peer.Session, bool)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessionSub = append(m.sessionSub, fn)
}

// NodeReceived fans out a NodeInfo observed on any peer session to every
// OnNodeReceived subscriber (infobase, forwarding plane).
func (m *Manager) NodeReceived(info wire.NodeInfo) {
	m.fireNodeReceived(info)
}

func (m *Manager) fireNodeReceived(info wire.NodeInfo) {
	m.mu.RLock()
	subs := append([]func(wire.NodeInfo){}, m.nodeSub...)
	m.mu.RUnlock()
	for _, fn := range subs {
		fn(info)
	}
}

func (m *Manager) fireSessionChanged(s *peer.Session, connected bool) {
	m.mu.RLock()
	subs := append([]func(*peer.Session, bool){}, m.sessionSub...)
	m.mu.RUnlock()
	for _, fn := range subs {
		fn(s, connected)
	}
}

// AllSessions returns every live peer session (inbound and outbound), used
// by the forwarding plane and mesh-state flooding to reach every neighbor.
func (m *Manager) AllSessions() []*peer.Session {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*peer.Session, 0, len(m.serverPeerSessions)+len(m.clientPeerSessions))
	for s := range m.serverPeerSessions {
		out = append(out, s)
	}
	for _, s := range m.clientPeerSessions {
		if s != nil && s.State() == peer.StateConnected {
			out = append(out, s)
		}
	}
	return out
}

// ActiveCount reports the total number of live peer sessions (inbound and
// outbound), reported to the health package as its peer count.
func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := len(m.serverPeerSessions)
	for _, s := range m.clientPeerSessions {
		if s != nil && s.State() == peer.StateConnected {
			n++
		}
	}
	return n
}

// Run drives the outbound reconnect-check loop until ctx is cancelled.
// interval is clamped to minReconnectCheck per spec.md §4.7.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval < minReconnectCheck {
		interval = minReconnectCheck
	}

	m.log.Info("peer manager reconnect loop started", "interval", interval, "peers", len(m.configured))

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.checkOutbound(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.checkOutbound(ctx)
		}
	}
}

func (m *Manager) checkOutbound(ctx context.Context) {
	for _, cfg := range m.configured {
		m.mu.RLock()
		existing, ok := m.clientPeerSessions[cfg.Address]
		m.mu.RUnlock()
		if ok && existing.State() == peer.StateConnected {
			continue
		}
		go m.reconnect(ctx, cfg)
	}
}

// reconnect dials cfg.Address with exponential backoff, bounded by ctx,
// and registers the resulting session once connected.
func (m *Manager) reconnect(ctx context.Context, cfg PeerConfig) {
	op := func() (*peer.Session, error) {
		s, err := m.dialer.Dial(ctx, cfg.Address)
		if err != nil {
			return nil, err
		}
		return s, nil
	}

	sess, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxElapsedTime(0),
	)
	if err != nil {
		m.log.Warn("peer manager: dial failed permanently", "address", cfg.Address, "error", err)
		return
	}

	m.mu.Lock()
	m.clientPeerSessions[cfg.Address] = sess
	m.mu.Unlock()
	m.fireSessionChanged(sess, true)
	m.log.Info("peer manager: outbound peer connected", "address", cfg.Address)
}
