// Package wire implements the peer control/data wire codec: the common
// message header, the UintVar variable-length integer, and encode/decode
// for every peer message kind (Connect, ConnectResponse, NodeInfo,
// SubscribeInfo, AnnounceInfo, SubscribeNodeSet, DataHeader).
//
// All integers are big-endian regardless of host, per the protocol
// version-1 layout. Every message kind round-trips byte-for-byte in its
// public fields.
package wire

import (
	"encoding/binary"
	"math"
)

// ProtocolVersion is the single byte every common header begins with.
const ProtocolVersion uint8 = 1

// CommonHeaderSize is the size in bytes of the common header.
const CommonHeaderSize = 7

// MsgType identifies the kind of a framed peer control message.
type MsgType uint16

const (
	MsgConnect MsgType = iota + 1
	MsgConnectResponse
	MsgDataObject
	MsgNodeInfoAdvertise
	MsgNodeInfoWithdrawn
	MsgSubscribeInfoAdvertised
	MsgSubscribeInfoWithdrawn
	MsgAnnounceInfoAdvertised
	MsgAnnounceInfoWithdrawn
	MsgSubscribeNodeSetAdvertised
	MsgSubscribeNodeSetWithdrawn
)

// PeerMode is the mode argument of a Connect message.
type PeerMode uint8

const (
	PeerModeIBP PeerMode = iota
	PeerModeData
	PeerModeBoth
)

// NodeType classifies a relay node in a NodeInfo.
type NodeType uint8

const (
	NodeTypeVia NodeType = iota
	NodeTypeEdge
	NodeTypeStub
)

// ProtocolError is returned in a ConnectResponse.
type ProtocolError uint16

const (
	ErrNone ProtocolError = iota
	ErrConnectError
	ErrConnectNotAuthorized
)

// CodecError is the error kind raised by malformed wire input, per
// spec.md §7: the caller must close the peer session, never crash.
type CodecError struct {
	Kind string
	Msg  string
}

func (e *CodecError) Error() string { return e.Kind + ": " + e.Msg }

func newErr(kind, msg string) error { return &CodecError{Kind: kind, Msg: msg} }

var (
	errShortBuffer     = "ShortBuffer"
	errUnknownType     = "UnknownType"
	errUnknownMode     = "UnknownMode"
	errHeaderLenInvald = "HeaderLenInvalid"
)

// CommonHeader is the 7-byte frame prefixing every control message.
type CommonHeader struct {
	Version    uint8
	Type       MsgType
	DataLength uint32
}

// EncodeCommonHeader writes the 7-byte header for a body of the given length.
func EncodeCommonHeader(t MsgType, bodyLen uint32) []byte {
	buf := make([]byte, CommonHeaderSize)
	buf[0] = ProtocolVersion
	binary.BigEndian.PutUint16(buf[1:3], uint16(t))
	binary.BigEndian.PutUint32(buf[3:7], bodyLen)
	return buf
}

// DecodeCommonHeader parses the 7-byte header and validates data_length
// against the remaining buffer.
func DecodeCommonHeader(buf []byte) (CommonHeader, []byte, error) {
	if len(buf) < CommonHeaderSize {
		return CommonHeader{}, nil, newErr(errShortBuffer, "buffer shorter than common header")
	}
	h := CommonHeader{
		Version:    buf[0],
		Type:       MsgType(binary.BigEndian.Uint16(buf[1:3])),
		DataLength: binary.BigEndian.Uint32(buf[3:7]),
	}
	rest := buf[CommonHeaderSize:]
	if uint64(h.DataLength) > uint64(len(rest)) {
		return CommonHeader{}, nil, newErr(errShortBuffer, "declared data_length exceeds buffer")
	}
	return h, rest[:h.DataLength], nil
}

// putFloat64 appends the big-endian bytes of f.
func putFloat64(dst []byte, f float64) {
	binary.BigEndian.PutUint64(dst, math.Float64bits(f))
}

func getFloat64(src []byte) float64 {
	return math.Float64frombits(binary.BigEndian.Uint64(src))
}

// UintVar encodes v using the QUIC-style variable-length integer: the top
// two bits of the first byte select a width of 1/2/4/8 bytes (0/1/2/3),
// with the value packed into the remaining bits big-endian.
func UintVar(v uint64) []byte {
	switch {
	case v <= 0x3f:
		return []byte{byte(v)}
	case v <= 0x3fff:
		b := make([]byte, 2)
		binary.BigEndian.PutUint16(b, uint16(v))
		b[0] |= 0x40
		return b
	case v <= 0x3fffffff:
		b := make([]byte, 4)
		binary.BigEndian.PutUint32(b, uint32(v))
		b[0] |= 0x80
		return b
	case v <= 0x3fffffffffffffff:
		b := make([]byte, 8)
		binary.BigEndian.PutUint64(b, v)
		b[0] |= 0xc0
		return b
	default:
		panic("wire: value exceeds UintVar range")
	}
}

// UintVarLen returns the encoded byte width implied by the leading byte.
func UintVarLen(lead byte) int {
	switch lead >> 6 {
	case 0:
		return 1
	case 1:
		return 2
	case 2:
		return 4
	default:
		return 8
	}
}

// DecodeUintVar parses a UintVar from the front of buf, returning the
// value and the number of bytes consumed.
func DecodeUintVar(buf []byte) (uint64, int, error) {
	if len(buf) == 0 {
		return 0, 0, newErr(errShortBuffer, "empty buffer for UintVar")
	}
	n := UintVarLen(buf[0])
	if len(buf) < n {
		return 0, 0, newErr(errShortBuffer, "UintVar truncated")
	}
	tmp := make([]byte, n)
	copy(tmp, buf[:n])
	tmp[0] &= 0x3f
	var v uint64
	switch n {
	case 1:
		v = uint64(tmp[0])
	case 2:
		v = uint64(binary.BigEndian.Uint16(tmp))
	case 4:
		v = uint64(binary.BigEndian.Uint32(tmp))
	case 8:
		v = binary.BigEndian.Uint64(tmp)
	}
	return v, n, nil
}
