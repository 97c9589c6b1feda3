package wire

import "encoding/binary"

// SubscribeInfo is a peer's advertisement of interest in a track,
// propagated with a wrapping sequence number so peers can apply
// last-writer-wins ordering without relying on reliable FIFO delivery
// across reroutes (spec.md §4.4 AddSubscribe).
type SubscribeInfo struct {
	Seq            uint16
	SourceNodeID   NodeID
	NamespaceHash  uint64
	NameHash       uint64
	FullNameHash   uint64
	SubscribeData  []byte
}

// SizeBytes returns the encoded body length (excluding the common header).
func (s SubscribeInfo) SizeBytes() int {
	return 2 + 8 + 8 + 8 + 8 + 4 + len(s.SubscribeData)
}

// Encode appends the SubscribeInfo body to dst.
func (s SubscribeInfo) Encode(dst []byte) []byte {
	var b [8]byte
	binary.BigEndian.PutUint16(b[:2], s.Seq)
	dst = append(dst, b[:2]...)
	binary.BigEndian.PutUint64(b[:], uint64(s.SourceNodeID))
	dst = append(dst, b[:]...)
	binary.BigEndian.PutUint64(b[:], s.NamespaceHash)
	dst = append(dst, b[:]...)
	binary.BigEndian.PutUint64(b[:], s.NameHash)
	dst = append(dst, b[:]...)
	binary.BigEndian.PutUint64(b[:], s.FullNameHash)
	dst = append(dst, b[:]...)
	var lb [4]byte
	binary.BigEndian.PutUint32(lb[:], uint32(len(s.SubscribeData)))
	dst = append(dst, lb[:]...)
	dst = append(dst, s.SubscribeData...)
	return dst
}

// Serialize encodes SubscribeInfo, optionally prefixed with the common
// header (withdraw selects the Withdrawn message type).
func (s SubscribeInfo) Serialize(includeCommonHeader, withdraw bool) []byte {
	body := make([]byte, 0, s.SizeBytes())
	body = s.Encode(body)
	if !includeCommonHeader {
		return body
	}
	t := MsgSubscribeInfoAdvertised
	if withdraw {
		t = MsgSubscribeInfoWithdrawn
	}
	out := EncodeCommonHeader(t, uint32(len(body)))
	return append(out, body...)
}

// DecodeSubscribeInfo parses a body-only SubscribeInfo (no common header).
func DecodeSubscribeInfo(buf []byte) (SubscribeInfo, error) {
	if len(buf) < 2+8+8+8+8+4 {
		return SubscribeInfo{}, newErr(errShortBuffer, "SubscribeInfo buffer too short")
	}
	var s SubscribeInfo
	off := 0
	s.Seq = binary.BigEndian.Uint16(buf[off : off+2])
	off += 2
	s.SourceNodeID = NodeID(binary.BigEndian.Uint64(buf[off : off+8]))
	off += 8
	s.NamespaceHash = binary.BigEndian.Uint64(buf[off : off+8])
	off += 8
	s.NameHash = binary.BigEndian.Uint64(buf[off : off+8])
	off += 8
	s.FullNameHash = binary.BigEndian.Uint64(buf[off : off+8])
	off += 8
	subLen := binary.BigEndian.Uint32(buf[off : off+4])
	off += 4
	if uint64(len(buf)-off) < uint64(subLen) {
		return SubscribeInfo{}, newErr(errShortBuffer, "SubscribeInfo subscribe_data truncated")
	}
	if subLen > 0 {
		s.SubscribeData = append([]byte(nil), buf[off:off+int(subLen)]...)
	}
	return s, nil
}
