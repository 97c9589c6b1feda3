// Package peer implements one peer session's (C6) Connecting→Connected→
// Disconnected lifecycle over a gomoqt quic.Connection: the control-
// stream Connect/ConnectResponse handshake, per-session peer_sns/sub_sns
// tables, inline-header data-stream reassembly, and datagram draining.
//
// Grounded on internal/relay/remote_fetcher.go's remoteSession (a
// ref-counted session handle that dials-or-reuses a connection) for the
// lifecycle shape, generalized from "one fetch-on-demand connection" to
// a long-lived bidirectional peer relationship that itself carries
// control messages (spec.md has no external controller to dial through).
// The quic.Connection/quic.Stream API is exactly what
// internal/relay/webtransport.go's wrapper type implements.
package peer

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"github.com/okdaichi/gomoqt/quic"
	"github.com/meshrelay/meshrelay/internal/wire"
)

// State is a peer session's lifecycle state.
type State int

const (
	StateConnecting State = iota
	StateConnected
	StateDisconnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// maxDatagramsPerDrain caps how many datagrams one RunDatagramLoop drain
// pass consumes before the loop checks ctx for cancellation, per spec.md
// §4.6.
const maxDatagramsPerDrain = 80

// Handlers receives every inbound event a Session decodes off the wire;
// the peer manager (C7) and forwarding plane (C8) implement this to react
// to peer state without Session needing to know about either.
type Handlers interface {
	OnNodeInfo(s *Session, info wire.NodeInfo)
	OnNodeInfoWithdrawn(s *Session, id wire.NodeID)
	OnSubscribeInfo(s *Session, info wire.SubscribeInfo)
	OnSubscribeInfoWithdrawn(s *Session, sourceNode wire.NodeID, fullNameHash uint64)
	OnAnnounceInfo(s *Session, info wire.AnnounceInfo)
	OnAnnounceInfoWithdrawn(s *Session, sourceNode wire.NodeID, fullNameHash uint64)
	OnSubscribeNodeSet(s *Session, sns wire.SubscribeNodeSet)
	OnSubscribeNodeSetWithdrawn(s *Session, id uint32)
	OnDataObject(s *Session, anchor DataAnchor, objectID uint64, payload []byte)
	OnDisconnected(s *Session, err error)
}

// DataAnchor is the NewStream header a data stream or datagram carries;
// an ExistingStream frame inherits the anchor its stream began with,
// per spec.md §4.1/§4.6.
type DataAnchor struct {
	SnsID             uint32
	TrackFullNameHash uint64
	Priority          uint8
	TTL               uint32
	HasTTL            bool
}

// Session is one peer relationship: a control stream plus ad-hoc data
// streams/datagrams, all multiplexed over one quic.Connection.
type Session struct {
	ID   uuid.UUID
	conn quic.Connection
	log  *slog.Logger
	h    Handlers

	localInfo wire.NodeInfo
	mode      wire.PeerMode

	mu          sync.RWMutex
	state       State
	remoteInfo  *wire.NodeInfo
	peerSNS     map[uint32]*wire.SubscribeNodeSet // SNS we advertised toward this peer
	subSNS      map[uint32]*wire.SubscribeNodeSet // SNS this peer advertised toward us

	ctrlMu sync.Mutex // serializes control-stream writes
	ctrl   quic.Stream
}

// New wraps conn as a not-yet-handshaken Session. local describes this
// relay's own NodeInfo to send in the Connect/ConnectResponse exchange.
func New(conn quic.Connection, local wire.NodeInfo, mode wire.PeerMode, h Handlers, log *slog.Logger) *Session {
	if log == nil {
		log = slog.Default()
	}
	return &Session{
		ID:        uuid.New(),
		conn:      conn,
		log:       log,
		h:         h,
		localInfo: local,
		mode:      mode,
		state:     StateConnecting,
		peerSNS:   make(map[uint32]*wire.SubscribeNodeSet),
		subSNS:    make(map[uint32]*wire.SubscribeNodeSet),
	}
}

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// RemoteNodeInfo returns the peer's NodeInfo once the handshake has
// completed.
func (s *Session) RemoteNodeInfo() (wire.NodeInfo, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.remoteInfo == nil {
		return wire.NodeInfo{}, false
	}
	return *s.remoteInfo, true
}

// DialHandshake opens the control stream and performs the outbound side
// of the Connect/ConnectResponse exchange.
func (s *Session) DialHandshake(ctx context.Context) error {
	stream, err := s.conn.OpenStreamSync(ctx)
	if err != nil {
		return fmt.Errorf("peer: open control stream: %w", err)
	}
	s.ctrl = stream

	connect := wire.Connect{Mode: s.mode, NodeInfo: s.localInfo}
	if err := s.writeControl(connect.Serialize()); err != nil {
		return fmt.Errorf("peer: send Connect: %w", err)
	}

	resp, err := s.readConnectResponse(ctx)
	if err != nil {
		return err
	}
	if resp.Error != wire.ErrNone || resp.NodeInfo == nil {
		return fmt.Errorf("peer: Connect rejected: error code %d", resp.Error)
	}

	s.mu.Lock()
	s.remoteInfo = resp.NodeInfo
	s.state = StateConnected
	s.mu.Unlock()
	return nil
}

// AcceptHandshake accepts the inbound control stream and answers the
// peer's Connect with a ConnectResponse.
func (s *Session) AcceptHandshake(ctx context.Context) error {
	stream, err := s.conn.AcceptStream(ctx)
	if err != nil {
		return fmt.Errorf("peer: accept control stream: %w", err)
	}
	s.ctrl = stream

	connect, err := s.readConnect(ctx)
	if err != nil {
		resp := wire.ConnectResponse{Error: wire.ErrConnectError}
		_ = s.writeControl(resp.Serialize())
		return err
	}

	resp := wire.ConnectResponse{Error: wire.ErrNone, NodeInfo: &s.localInfo}
	if err := s.writeControl(resp.Serialize()); err != nil {
		return fmt.Errorf("peer: send ConnectResponse: %w", err)
	}

	s.mu.Lock()
	info := connect.NodeInfo
	s.remoteInfo = &info
	s.mode = connect.Mode
	s.state = StateConnected
	s.mu.Unlock()
	return nil
}

func (s *Session) writeControl(frame []byte) error {
	s.ctrlMu.Lock()
	defer s.ctrlMu.Unlock()
	_, err := s.ctrl.Write(frame)
	return err
}

// readFrame reads exactly one common-header-framed message off the
// control stream.
func (s *Session) readFrame(ctx context.Context) (wire.CommonHeader, []byte, error) {
	hdr := make([]byte, wire.CommonHeaderSize)
	if err := readFull(s.ctrl, hdr); err != nil {
		return wire.CommonHeader{}, nil, err
	}
	h, _, err := wire.DecodeCommonHeader(append(hdr, make([]byte, 0)...))
	if err != nil {
		return wire.CommonHeader{}, nil, err
	}
	body := make([]byte, h.DataLength)
	if err := readFull(s.ctrl, body); err != nil {
		return wire.CommonHeader{}, nil, err
	}
	return h, body, nil
}

func (s *Session) readConnect(ctx context.Context) (wire.Connect, error) {
	h, body, err := s.readFrame(ctx)
	if err != nil {
		return wire.Connect{}, err
	}
	if h.Type != wire.MsgConnect {
		return wire.Connect{}, fmt.Errorf("peer: expected Connect, got type %d", h.Type)
	}
	return wire.DecodeConnect(body)
}

func (s *Session) readConnectResponse(ctx context.Context) (wire.ConnectResponse, error) {
	h, body, err := s.readFrame(ctx)
	if err != nil {
		return wire.ConnectResponse{}, err
	}
	if h.Type != wire.MsgConnectResponse {
		return wire.ConnectResponse{}, fmt.Errorf("peer: expected ConnectResponse, got type %d", h.Type)
	}
	return wire.DecodeConnectResponse(body)
}

// readFull reads exactly len(buf) bytes, unlike a single Read call which
// may return short.
func readFull(r interface{ Read([]byte) (int, error) }, buf []byte) error {
	for off := 0; off < len(buf); {
		n, err := r.Read(buf[off:])
		off += n
		if err != nil {
			if off == len(buf) {
				return nil
			}
			return err
		}
	}
	return nil
}

// RunControlLoop reads framed control messages until the stream or
// connection closes, dispatching each to Handlers. It is meant to run in
// its own goroutine after a successful handshake.
func (s *Session) RunControlLoop(ctx context.Context) {
	var loopErr error
	for {
		h, body, err := s.readFrame(ctx)
		if err != nil {
			loopErr = err
			break
		}
		s.dispatchControl(h, body)
	}
	s.mu.Lock()
	s.state = StateDisconnected
	s.mu.Unlock()
	if s.h != nil {
		s.h.OnDisconnected(s, loopErr)
	}
}

func (s *Session) dispatchControl(h wire.CommonHeader, body []byte) {
	switch h.Type {
	case wire.MsgNodeInfoAdvertise:
		info, err := wire.DecodeNodeInfo(body)
		if err != nil {
			s.log.Warn("peer: malformed NodeInfo", "error", err)
			return
		}
		if s.h != nil {
			s.h.OnNodeInfo(s, info)
		}
	case wire.MsgNodeInfoWithdrawn:
		if len(body) < 8 {
			return
		}
		id := wire.NodeID(beUint64(body))
		if s.h != nil {
			s.h.OnNodeInfoWithdrawn(s, id)
		}
	case wire.MsgSubscribeInfoAdvertised:
		info, err := wire.DecodeSubscribeInfo(body)
		if err != nil {
			s.log.Warn("peer: malformed SubscribeInfo", "error", err)
			return
		}
		if s.h != nil {
			s.h.OnSubscribeInfo(s, info)
		}
	case wire.MsgSubscribeInfoWithdrawn:
		info, err := wire.DecodeSubscribeInfo(body)
		if err != nil {
			return
		}
		if s.h != nil {
			s.h.OnSubscribeInfoWithdrawn(s, info.SourceNodeID, info.FullNameHash)
		}
	case wire.MsgAnnounceInfoAdvertised:
		info, err := wire.DecodeAnnounceInfo(body)
		if err != nil {
			s.log.Warn("peer: malformed AnnounceInfo", "error", err)
			return
		}
		if s.h != nil {
			s.h.OnAnnounceInfo(s, info)
		}
	case wire.MsgAnnounceInfoWithdrawn:
		info, err := wire.DecodeAnnounceInfo(body)
		if err != nil {
			return
		}
		if s.h != nil {
			s.h.OnAnnounceInfoWithdrawn(s, info.SourceNodeID, 0)
		}
	case wire.MsgSubscribeNodeSetAdvertised:
		sns, err := wire.DecodeSubscribeNodeSet(body, false)
		if err != nil {
			s.log.Warn("peer: malformed SubscribeNodeSet", "error", err)
			return
		}
		s.mu.Lock()
		s.subSNS[sns.ID] = &sns
		s.mu.Unlock()
		if s.h != nil {
			s.h.OnSubscribeNodeSet(s, sns)
		}
	case wire.MsgSubscribeNodeSetWithdrawn:
		sns, err := wire.DecodeSubscribeNodeSet(body, true)
		if err != nil {
			return
		}
		s.mu.Lock()
		delete(s.subSNS, sns.ID)
		s.mu.Unlock()
		if s.h != nil {
			s.h.OnSubscribeNodeSetWithdrawn(s, sns.ID)
		}
	default:
		s.log.Warn("peer: unknown control message type", "type", h.Type)
	}
}

func beUint64(b []byte) uint64 {
	var v uint64
	for i := 0; i < 8; i++ {
		v = v<<8 | uint64(b[i])
	}
	return v
}

// AdvertiseSNS sends (or updates) an SNS toward this peer and records it
// in peer_sns.
func (s *Session) AdvertiseSNS(sns wire.SubscribeNodeSet) error {
	s.mu.Lock()
	cp := sns
	s.peerSNS[sns.ID] = &cp
	s.mu.Unlock()
	return s.writeControl(sns.Serialize(true, false))
}

// WithdrawSNS withdraws a previously advertised SNS.
func (s *Session) WithdrawSNS(id uint32) error {
	s.mu.Lock()
	delete(s.peerSNS, id)
	s.mu.Unlock()
	sns := wire.SubscribeNodeSet{ID: id}
	return s.writeControl(sns.Serialize(true, true))
}

// SendNodeInfo propagates a NodeInfo (this relay's own, or one learned
// from another peer) to this peer.
func (s *Session) SendNodeInfo(info wire.NodeInfo) error {
	body := info.Encode(nil)
	out := wire.EncodeCommonHeader(wire.MsgNodeInfoAdvertise, uint32(len(body)))
	return s.writeControl(append(out, body...))
}

// SendAnnounceInfo propagates an announce (or, if withdraw, an
// unannounce) to this peer.
func (s *Session) SendAnnounceInfo(info wire.AnnounceInfo, withdraw bool) error {
	return s.writeControl(info.Serialize(true, withdraw))
}

// SendSubscribeInfo propagates a subscribe (or unsubscribe) to this peer.
func (s *Session) SendSubscribeInfo(info wire.SubscribeInfo, withdraw bool) error {
	return s.writeControl(info.Serialize(true, withdraw))
}

// SendDatagram sends one object as a datagram, anchored inline (spec.md
// §4.6: datagrams always carry the full Datagram-form DataHeader since
// there is no stream to inherit an anchor from).
func (s *Session) SendDatagram(anchor DataAnchor, objectID uint64, payload []byte) error {
	hdr := wire.DataHeader{
		Type:              wire.DataDatagram,
		SnsID:             anchor.SnsID,
		TrackFullNameHash: anchor.TrackFullNameHash,
	}
	frame := hdr.Encode(nil)
	frame = append(frame, wire.UintVar(objectID)...)
	frame = append(frame, wire.UintVar(uint64(len(payload)))...)
	frame = append(frame, payload...)
	return s.conn.SendDatagram(frame)
}

// RunDatagramLoop drains datagrams from the connection until ctx is
// cancelled, decoding the inline DataHeader from each and dispatching via
// Handlers.OnDataObject. It caps each drain pass at maxDatagramsPerDrain
// per spec.md §4.6 and checks ctx between passes; it returns only when
// ctx is done or ReceiveDatagram fails.
func (s *Session) RunDatagramLoop(ctx context.Context) {
	for {
		for i := 0; i < maxDatagramsPerDrain; i++ {
			b, err := s.conn.ReceiveDatagram(ctx)
			if err != nil {
				return
			}
			s.handleDatagram(b)
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

func (s *Session) handleDatagram(b []byte) {
	hdr, hdrLen, err := wire.DecodeDataHeader(b)
	if err != nil || hdr.Type != wire.DataDatagram {
		s.log.Warn("peer: malformed datagram", "error", err)
		return
	}
	rest := b[hdrLen:]
	objectID, n, err := wire.DecodeUintVar(rest)
	if err != nil {
		return
	}
	rest = rest[n:]
	_, n2, err := wire.DecodeUintVar(rest) // payload length prefix; trusted to match rest
	if err != nil {
		return
	}
	payload := rest[n2:]
	anchor := DataAnchor{SnsID: hdr.SnsID, TrackFullNameHash: hdr.TrackFullNameHash}
	if s.h != nil {
		s.h.OnDataObject(s, anchor, objectID, payload)
	}
}

// OpenDataStream opens a new unidirectional data stream anchored by
// anchor and returns a DataStreamWriter for it, per spec.md §4.6. It
// writes nothing itself: the writer's first WriteObject sends the
// NewStream header, and later WriteObject calls use the ExistingStream
// form.
func (s *Session) OpenDataStream(anchor DataAnchor) (*DataStreamWriter, error) {
	stream, err := s.conn.OpenUniStreamSync(context.Background())
	if err != nil {
		return nil, err
	}
	w := &DataStreamWriter{stream: stream, anchor: anchor}
	return w, nil
}

// DataStreamWriter writes one NewStream-anchored object, followed by
// zero or more ExistingStream objects inheriting that anchor.
type DataStreamWriter struct {
	stream  quic.SendStream
	anchor  DataAnchor
	wrote   bool
}

// WriteObject writes objectID/payload, using the NewStream form for the
// first call on this writer and the ExistingStream form thereafter.
func (w *DataStreamWriter) WriteObject(objectID uint64, payload []byte) error {
	var hdr wire.DataHeader
	if !w.wrote {
		hdr = wire.DataHeader{
			Type:              wire.DataNewStream,
			SnsID:             w.anchor.SnsID,
			TrackFullNameHash: w.anchor.TrackFullNameHash,
			Priority:          w.anchor.Priority,
			TTL:               w.anchor.TTL,
		}
		w.wrote = true
	} else {
		hdr = wire.DataHeader{Type: wire.DataExistingStream}
	}
	frame := hdr.Encode(nil)
	frame = append(frame, wire.UintVar(objectID)...)
	frame = append(frame, wire.UintVar(uint64(len(payload)))...)
	frame = append(frame, payload...)
	_, err := w.stream.Write(frame)
	return err
}

// Close closes the underlying stream.
func (w *DataStreamWriter) Close() error { return w.stream.Close() }

// RunStreamLoop accepts and reassembles unidirectional data streams until
// ctx is cancelled: the first DataHeader on a stream anchors it
// (NewStream), and every subsequent frame on that stream inherits the
// anchor (ExistingStream) until the stream is closed, per spec.md §4.6.
func (s *Session) RunStreamLoop(ctx context.Context) {
	for {
		stream, err := s.conn.AcceptUniStream(ctx)
		if err != nil {
			return
		}
		go s.reassembleStream(stream)
	}
}

func (s *Session) reassembleStream(stream quic.ReceiveStream) {
	var anchor DataAnchor
	haveAnchor := false
	hdrBuf := make([]byte, 32)

	for {
		if err := readFull(stream, hdrBuf[:2]); err != nil {
			if err != io.EOF {
				s.log.Debug("peer: data stream closed", "error", err)
			}
			return
		}
		headerLen := int(hdrBuf[0])
		if headerLen < 2 || headerLen > len(hdrBuf) {
			s.log.Warn("peer: data stream header_len out of range", "header_len", headerLen)
			return
		}
		if headerLen > 2 {
			if err := readFull(stream, hdrBuf[2:headerLen]); err != nil {
				return
			}
		}
		hdr, _, err := wire.DecodeDataHeader(hdrBuf[:headerLen])
		if err != nil {
			s.log.Warn("peer: malformed data stream header", "error", err)
			return
		}

		if hdr.Type == wire.DataNewStream {
			anchor = DataAnchor{SnsID: hdr.SnsID, TrackFullNameHash: hdr.TrackFullNameHash, Priority: hdr.Priority, TTL: hdr.TTL, HasTTL: true}
			haveAnchor = true
		}
		if !haveAnchor {
			s.log.Warn("peer: ExistingStream frame before any NewStream anchor")
			return
		}

		lenBuf := make([]byte, 8)
		objectID, err := readUintVarFromStream(stream, lenBuf)
		if err != nil {
			return
		}
		payloadLen, err := readUintVarFromStream(stream, lenBuf)
		if err != nil {
			return
		}
		payload := make([]byte, payloadLen)
		if err := readFull(stream, payload); err != nil {
			return
		}
		if s.h != nil {
			s.h.OnDataObject(s, anchor, objectID, payload)
		}
	}
}

// readUintVarFromStream reads one UintVar a byte at a time off stream,
// since the encoded width is only known from the leading byte.
func readUintVarFromStream(stream quic.ReceiveStream, scratch []byte) (uint64, error) {
	if err := readFull(stream, scratch[:1]); err != nil {
		return 0, err
	}
	n := wire.UintVarLen(scratch[0])
	if n > 1 {
		if err := readFull(stream, scratch[1:n]); err != nil {
			return 0, err
		}
	}
	v, _, err := wire.DecodeUintVar(scratch[:n])
	return v, err
}

// Close tears down the underlying connection.
func (s *Session) Close(msg string) error {
	s.mu.Lock()
	s.state = StateDisconnected
	s.mu.Unlock()
	return s.conn.CloseWithError(0, msg)
}
