// Transport wiring for the relay core: accepting inbound peer connections
// and dialing configured outbound peers over gomoqt's quic.Connection,
// handing each resulting connection to internal/peer's Connect/
// ConnectResponse handshake (C6) and then into the peer manager (C7).
//
// Grounded on internal/relay/server.go's ListenAndServe (moqt.Server
// wrapping a raw listen loop) and internal/relay/remote_fetcher.go's
// getOrDialSession, generalized from "dial gomoqt sessions for client
// track fetches" to "dial/accept peer-protocol QUIC connections".
package core

import (
	"context"
	"crypto/tls"
	"net/http"

	"github.com/okdaichi/gomoqt/quic"
	"github.com/meshrelay/meshrelay/internal/peer"
	"github.com/meshrelay/meshrelay/internal/peermgr"
	"github.com/meshrelay/meshrelay/internal/webtransport"
	"github.com/meshrelay/meshrelay/internal/wire"
)

func (c *Core) localNodeInfo() wire.NodeInfo {
	return wire.NodeInfo{
		ID:        c.self,
		Type:      c.cfg.NodeType,
		Contact:   c.cfg.Contact,
		Longitude: c.cfg.Longitude,
		Latitude:  c.cfg.Latitude,
	}
}

// ListenAndServePeers accepts inbound peer connections on addr until ctx is
// cancelled, performing the inbound side of the handshake (C6) and handing
// each session to the peer manager (C7).
func (c *Core) ListenAndServePeers(ctx context.Context, addr string, tlsConf *tls.Config, quicConf *quic.Config) error {
	ln, err := quic.ListenAddr(addr, tlsConf, quicConf)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			return err
		}
		go c.acceptPeer(ctx, conn)
	}
}

func (c *Core) acceptPeer(ctx context.Context, conn quic.Connection) {
	s := peer.New(conn, c.localNodeInfo(), wire.PeerModeBoth, c, c.log)
	if err := s.AcceptHandshake(ctx); err != nil {
		c.log.Warn("core: inbound peer handshake failed", "error", err)
		return
	}
	c.peers.RegisterInbound(s)
	go s.RunDatagramLoop(ctx)
	go s.RunStreamLoop(ctx)
	s.RunControlLoop(ctx)
	c.peers.DeregisterInbound(s)
}

// WebTransportListener upgrades incoming HTTP requests to WebTransport
// sessions and feeds them into the same peer handshake/registration path
// as a raw QUIC listener, so a browser-based or firewall-constrained peer
// can still join the mesh.
type WebTransportListener struct {
	core   *Core
	server interface {
		Upgrade(http.ResponseWriter, *http.Request) (quic.Connection, error)
	}
}

// NewWebTransportListener builds a listener bound to core, accepting any
// origin checkOrigin allows.
func NewWebTransportListener(core *Core, checkOrigin func(*http.Request) bool) *WebTransportListener {
	return &WebTransportListener{core: core, server: webtransport.NewFixedServer(checkOrigin)}
}

// ServeHTTP upgrades r to a WebTransport session and runs the inbound peer
// handshake over it.
func (l *WebTransportListener) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := l.server.Upgrade(w, r)
	if err != nil {
		l.core.log.Warn("core: webtransport upgrade failed", "error", err)
		http.Error(w, "webtransport upgrade failed", http.StatusInternalServerError)
		return
	}
	go l.core.acceptPeer(r.Context(), conn)
}

// QUICDialer is the peermgr.Dialer used to open outbound peer connections.
type QUICDialer struct {
	TLSConfig  *tls.Config
	QUICConfig *quic.Config
	Core       *Core
}

var _ peermgr.Dialer = (*QUICDialer)(nil)

// Dial opens a QUIC connection to address and runs the outbound handshake,
// returning a connected Session with its data/control loops already running.
func (d *QUICDialer) Dial(ctx context.Context, address string) (*peer.Session, error) {
	conn, err := quic.DialAddr(ctx, address, d.TLSConfig, d.QUICConfig)
	if err != nil {
		return nil, err
	}
	s := peer.New(conn, d.Core.localNodeInfo(), wire.PeerModeBoth, d.Core, d.Core.log)
	if err := s.DialHandshake(ctx); err != nil {
		return nil, err
	}
	go s.RunDatagramLoop(ctx)
	go s.RunStreamLoop(ctx)
	go s.RunControlLoop(ctx)
	return s, nil
}
