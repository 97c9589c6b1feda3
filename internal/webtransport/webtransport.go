// Package webtransport provides a WebTransport-backed quic.Connection so
// the peer session protocol (internal/peer) can run over a browser-
// reachable transport, not just raw QUIC, for peer listeners that want a
// WebTransport fallback.
//
// gomoqt's webtransportgo.NewServer creates a webtransport-go Server with
// H3 = nil. In webtransport-go v0.10.0, H3 changed from a value type to a
// pointer type, so a nil H3 panics in ServeQUICConn. This file builds a
// replacement that sets H3 to a properly configured *http3.Server.
package webtransport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/okdaichi/gomoqt/quic"
	gomoqt_wt "github.com/okdaichi/gomoqt/webtransport"
	quicgo "github.com/quic-go/quic-go"
	"github.com/quic-go/quic-go/http3"
	webtransport "github.com/quic-go/webtransport-go"
)

// NewFixedServer creates a webtransport.Server with H3 properly
// initialized, working around the nil H3 bug in gomoqt's NewServer.
func NewFixedServer(checkOrigin func(*http.Request) bool) gomoqt_wt.Server {
	h3Server := &http3.Server{
		Handler: http.DefaultServeMux,
	}
	webtransport.ConfigureHTTP3Server(h3Server)

	wtserver := &webtransport.Server{
		H3:          h3Server,
		CheckOrigin: checkOrigin,
	}

	return &fixedWTServer{server: wtserver}
}

// fixedWTServer implements gomoqt's webtransport.Server interface by wrapping
// the quic-go/webtransport-go Server with proper H3 configuration.
type fixedWTServer struct {
	server *webtransport.Server
}

func (w *fixedWTServer) Upgrade(rw http.ResponseWriter, r *http.Request) (quic.Connection, error) {
	sess, err := w.server.Upgrade(rw, r)
	if err != nil {
		return nil, err
	}
	return &sessionConn{sess: sess}, nil
}

type quicgoUnwrapper interface {
	Unwrap() *quicgo.Conn
}

func (w *fixedWTServer) ServeQUICConn(conn quic.Connection) error {
	if conn == nil {
		return nil
	}
	if u, ok := conn.(quicgoUnwrapper); ok {
		return w.server.ServeQUICConn(u.Unwrap())
	}
	return errors.New("invalid connection type: expected a wrapped quic-go connection with Unwrap() method")
}

func (w *fixedWTServer) Close() error {
	return w.server.Close()
}

func (w *fixedWTServer) Shutdown(ctx context.Context) error {
	closeCh := make(chan struct{})
	go func() {
		_ = w.server.Close()
		close(closeCh)
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-closeCh:
		return nil
	}
}

// sessionConn wraps *webtransport.Session as quic.Connection, so a peer
// session (internal/peer) can run its handshake and framing over a
// WebTransport-upgraded HTTP/3 connection exactly as it would over raw QUIC.
type sessionConn struct {
	sess *webtransport.Session
}

func (c *sessionConn) AcceptStream(ctx context.Context) (quic.Stream, error) {
	s, err := c.sess.AcceptStream(ctx)
	if err != nil {
		return nil, err
	}
	return &stream{stream: s}, nil
}

func (c *sessionConn) AcceptUniStream(ctx context.Context) (quic.ReceiveStream, error) {
	s, err := c.sess.AcceptUniStream(ctx)
	if err != nil {
		return nil, err
	}
	return &recvStream{stream: s}, nil
}

func (c *sessionConn) CloseWithError(code quic.ApplicationErrorCode, msg string) error {
	return c.sess.CloseWithError(webtransport.SessionErrorCode(code), msg)
}

func (c *sessionConn) ConnectionState() quic.ConnectionState {
	return c.sess.SessionState().ConnectionState
}

func (c *sessionConn) Context() context.Context { return c.sess.Context() }
func (c *sessionConn) LocalAddr() net.Addr      { return c.sess.LocalAddr() }
func (c *sessionConn) RemoteAddr() net.Addr     { return c.sess.RemoteAddr() }
func (c *sessionConn) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	return c.sess.ReceiveDatagram(ctx)
}
func (c *sessionConn) SendDatagram(b []byte) error { return c.sess.SendDatagram(b) }

func (c *sessionConn) OpenStream() (quic.Stream, error) {
	s, err := c.sess.OpenStream()
	if err != nil {
		return nil, err
	}
	return &stream{stream: s}, nil
}

func (c *sessionConn) OpenStreamSync(ctx context.Context) (quic.Stream, error) {
	s, err := c.sess.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return &stream{stream: s}, nil
}

func (c *sessionConn) OpenUniStream() (quic.SendStream, error) {
	s, err := c.sess.OpenUniStream()
	if err != nil {
		return nil, err
	}
	return &sendStream{stream: s}, nil
}

func (c *sessionConn) OpenUniStreamSync(ctx context.Context) (quic.SendStream, error) {
	s, err := c.sess.OpenUniStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return &sendStream{stream: s}, nil
}

// Stream wrappers bridge webtransport-go stream types to gomoqt quic types.

type stream struct {
	stream *webtransport.Stream
}

func (s *stream) Read(b []byte) (int, error)         { return s.stream.Read(b) }
func (s *stream) Write(b []byte) (int, error)        { return s.stream.Write(b) }
func (s *stream) Close() error                       { return s.stream.Close() }
func (s *stream) Context() context.Context           { return s.stream.Context() }
func (s *stream) CancelRead(c quic.StreamErrorCode)  { s.stream.CancelRead(webtransport.StreamErrorCode(c)) }
func (s *stream) CancelWrite(c quic.StreamErrorCode) { s.stream.CancelWrite(webtransport.StreamErrorCode(c)) }
func (s *stream) SetDeadline(t time.Time) error      { return s.stream.SetDeadline(t) }
func (s *stream) SetReadDeadline(t time.Time) error  { return s.stream.SetReadDeadline(t) }
func (s *stream) SetWriteDeadline(t time.Time) error { return s.stream.SetWriteDeadline(t) }

type recvStream struct {
	stream *webtransport.ReceiveStream
}

func (s *recvStream) Read(b []byte) (int, error)        { return s.stream.Read(b) }
func (s *recvStream) CancelRead(c quic.StreamErrorCode) { s.stream.CancelRead(webtransport.StreamErrorCode(c)) }
func (s *recvStream) SetReadDeadline(t time.Time) error { return s.stream.SetReadDeadline(t) }

type sendStream struct {
	stream *webtransport.SendStream
}

func (s *sendStream) Write(b []byte) (int, error) { return s.stream.Write(b) }
func (s *sendStream) Close() error                { return s.stream.Close() }
func (s *sendStream) Context() context.Context    { return s.stream.Context() }
func (s *sendStream) CancelWrite(c quic.StreamErrorCode) {
	s.stream.CancelWrite(webtransport.StreamErrorCode(c))
}
func (s *sendStream) SetWriteDeadline(t time.Time) error { return s.stream.SetWriteDeadline(t) }
