package wire

import "encoding/binary"

// NodePathItem is one hop a NodeInfo has traversed: the relaying node's
// id and the sRTT, in microseconds, of the peer session that relayed it.
type NodePathItem struct {
	NodeID NodeID
	SrttUs uint64
}

// NodeInfo is a relay's self-description, exchanged between peers and
// propagated with an accumulating path of hops.
type NodeInfo struct {
	ID        NodeID
	Type      NodeType
	Contact   string
	Longitude float64
	Latitude  float64
	Path      []NodePathItem
}

// SizeBytes returns the encoded length of the NodeInfo body.
func (n NodeInfo) SizeBytes() int {
	return 8 + 1 + len(UintVar(uint64(len(n.Contact)))) + len(n.Contact) + 8 + 8 + len(n.Path)*16
}

// SumSrtt returns the sum of sRTT across the path, used by the path
// selector's tie-break rule.
func (n NodeInfo) SumSrtt() uint64 {
	var sum uint64
	for _, p := range n.Path {
		sum += p.SrttUs
	}
	return sum
}

// Encode appends the NodeInfo body to dst and returns the result.
func (n NodeInfo) Encode(dst []byte) []byte {
	var idb [8]byte
	binary.BigEndian.PutUint64(idb[:], uint64(n.ID))
	dst = append(dst, idb[:]...)

	dst = append(dst, byte(n.Type))

	dst = append(dst, UintVar(uint64(len(n.Contact)))...)
	dst = append(dst, n.Contact...)

	var f [8]byte
	putFloat64(f[:], n.Longitude)
	dst = append(dst, f[:]...)
	putFloat64(f[:], n.Latitude)
	dst = append(dst, f[:]...)

	for _, p := range n.Path {
		var b [16]byte
		binary.BigEndian.PutUint64(b[0:8], uint64(p.NodeID))
		binary.BigEndian.PutUint64(b[8:16], p.SrttUs)
		dst = append(dst, b[:]...)
	}
	return dst
}

// DecodeNodeInfo parses a NodeInfo body. The body is assumed to extend to
// the end of buf; any trailing bytes after the fixed fields are path
// entries, consumed 16 bytes at a time.
func DecodeNodeInfo(buf []byte) (NodeInfo, error) {
	if len(buf) < 8+1+1+8+8 {
		return NodeInfo{}, newErr(errShortBuffer, "NodeInfo buffer too short")
	}
	var n NodeInfo
	n.ID = NodeID(binary.BigEndian.Uint64(buf[0:8]))
	n.Type = NodeType(buf[8])
	off := 9

	contactLen, consumed, err := DecodeUintVar(buf[off:])
	if err != nil {
		return NodeInfo{}, err
	}
	off += consumed
	if uint64(len(buf)-off) < contactLen+16 {
		return NodeInfo{}, newErr(errShortBuffer, "NodeInfo contact/lon/lat truncated")
	}
	n.Contact = string(buf[off : off+int(contactLen)])
	off += int(contactLen)

	n.Longitude = getFloat64(buf[off : off+8])
	off += 8
	n.Latitude = getFloat64(buf[off : off+8])
	off += 8

	rest := buf[off:]
	if len(rest)%16 != 0 {
		return NodeInfo{}, newErr(errShortBuffer, "NodeInfo path not a multiple of 16 bytes")
	}
	for len(rest) > 0 {
		n.Path = append(n.Path, NodePathItem{
			NodeID: NodeID(binary.BigEndian.Uint64(rest[0:8])),
			SrttUs: binary.BigEndian.Uint64(rest[8:16]),
		})
		rest = rest[16:]
	}
	return n, nil
}

// Connect is the first message an outbound peer session sends.
type Connect struct {
	Mode     PeerMode
	NodeInfo NodeInfo
}

// SizeBytes returns the encoded body length (excluding the common header).
func (c Connect) SizeBytes() int { return 1 + c.NodeInfo.SizeBytes() }

// Serialize encodes Connect including the common header.
func (c Connect) Serialize() []byte {
	body := make([]byte, 0, c.SizeBytes())
	body = append(body, byte(c.Mode))
	body = c.NodeInfo.Encode(body)

	out := EncodeCommonHeader(MsgConnect, uint32(len(body)))
	return append(out, body...)
}

// DecodeConnect parses a Connect body (post common-header).
func DecodeConnect(buf []byte) (Connect, error) {
	if len(buf) < 1 {
		return Connect{}, newErr(errShortBuffer, "Connect buffer too short")
	}
	mode := PeerMode(buf[0])
	if mode != PeerModeIBP && mode != PeerModeData && mode != PeerModeBoth {
		return Connect{}, newErr(errUnknownMode, "unknown PeerMode")
	}
	ni, err := DecodeNodeInfo(buf[1:])
	if err != nil {
		return Connect{}, err
	}
	return Connect{Mode: mode, NodeInfo: ni}, nil
}

// ConnectResponse answers a Connect; NodeInfo is present iff Error==ErrNone.
type ConnectResponse struct {
	Error    ProtocolError
	NodeInfo *NodeInfo
}

// SizeBytes returns the encoded body length (excluding the common header).
func (c ConnectResponse) SizeBytes() int {
	if c.Error != ErrNone || c.NodeInfo == nil {
		return 2
	}
	return 2 + c.NodeInfo.SizeBytes()
}

// Serialize encodes ConnectResponse including the common header.
func (c ConnectResponse) Serialize() []byte {
	body := make([]byte, 0, c.SizeBytes())
	var eb [2]byte
	binary.BigEndian.PutUint16(eb[:], uint16(c.Error))
	body = append(body, eb[:]...)
	if c.Error == ErrNone && c.NodeInfo != nil {
		body = c.NodeInfo.Encode(body)
	}
	out := EncodeCommonHeader(MsgConnectResponse, uint32(len(body)))
	return append(out, body...)
}

// DecodeConnectResponse parses a ConnectResponse body (post common-header).
func DecodeConnectResponse(buf []byte) (ConnectResponse, error) {
	if len(buf) < 2 {
		return ConnectResponse{}, newErr(errShortBuffer, "ConnectResponse buffer too short")
	}
	errCode := ProtocolError(binary.BigEndian.Uint16(buf[0:2]))
	resp := ConnectResponse{Error: errCode}
	if errCode == ErrNone {
		ni, err := DecodeNodeInfo(buf[2:])
		if err != nil {
			return ConnectResponse{}, err
		}
		resp.NodeInfo = &ni
	}
	return resp, nil
}
