package wire

import "encoding/binary"

// AnnounceInfo propagates a publisher's namespace announcement between
// peers: the originating node id, the namespace's ordered tuples, and the
// track name.
type AnnounceInfo struct {
	SourceNodeID NodeID
	Namespace    [][]byte
	Name         []byte
}

// SizeBytes returns the encoded body length (excluding the common header).
func (a AnnounceInfo) SizeBytes() int {
	n := 8 + 1
	for _, tup := range a.Namespace {
		n += 2 + len(tup)
	}
	n += 2 + len(a.Name)
	return n
}

// Encode appends the AnnounceInfo body to dst.
func (a AnnounceInfo) Encode(dst []byte) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(a.SourceNodeID))
	dst = append(dst, b[:]...)
	dst = append(dst, byte(len(a.Namespace)))
	var lb [2]byte
	for _, tup := range a.Namespace {
		binary.BigEndian.PutUint16(lb[:], uint16(len(tup)))
		dst = append(dst, lb[:]...)
		dst = append(dst, tup...)
	}
	binary.BigEndian.PutUint16(lb[:], uint16(len(a.Name)))
	dst = append(dst, lb[:]...)
	dst = append(dst, a.Name...)
	return dst
}

// Serialize encodes AnnounceInfo, optionally prefixed with the common
// header (withdraw selects the Withdrawn message type).
func (a AnnounceInfo) Serialize(includeCommonHeader, withdraw bool) []byte {
	body := make([]byte, 0, a.SizeBytes())
	body = a.Encode(body)
	if !includeCommonHeader {
		return body
	}
	t := MsgAnnounceInfoAdvertised
	if withdraw {
		t = MsgAnnounceInfoWithdrawn
	}
	out := EncodeCommonHeader(t, uint32(len(body)))
	return append(out, body...)
}

// DecodeAnnounceInfo parses a body-only AnnounceInfo (no common header).
func DecodeAnnounceInfo(buf []byte) (AnnounceInfo, error) {
	if len(buf) < 8+1 {
		return AnnounceInfo{}, newErr(errShortBuffer, "AnnounceInfo buffer too short")
	}
	var a AnnounceInfo
	a.SourceNodeID = NodeID(binary.BigEndian.Uint64(buf[0:8]))
	numEntries := int(buf[8])
	off := 9
	a.Namespace = make([][]byte, 0, numEntries)
	for i := 0; i < numEntries; i++ {
		if len(buf)-off < 2 {
			return AnnounceInfo{}, newErr(errShortBuffer, "AnnounceInfo tuple length truncated")
		}
		tupLen := int(binary.BigEndian.Uint16(buf[off : off+2]))
		off += 2
		if len(buf)-off < tupLen {
			return AnnounceInfo{}, newErr(errShortBuffer, "AnnounceInfo tuple truncated")
		}
		a.Namespace = append(a.Namespace, append([]byte(nil), buf[off:off+tupLen]...))
		off += tupLen
	}
	if len(buf)-off < 2 {
		return AnnounceInfo{}, newErr(errShortBuffer, "AnnounceInfo name length truncated")
	}
	nameLen := int(binary.BigEndian.Uint16(buf[off : off+2]))
	off += 2
	if len(buf)-off < nameLen {
		return AnnounceInfo{}, newErr(errShortBuffer, "AnnounceInfo name truncated")
	}
	a.Name = append([]byte(nil), buf[off:off+nameLen]...)
	return a, nil
}
