package wire

import (
	"encoding/binary"
	"sort"
)

// MaxSnsID is the largest valid SubscribeNodeSet id; 0xFFFFFFFF is
// reserved.
const MaxSnsID uint32 = 0xFFFFFFFE

// snsAdvHeaderSize is id(4) + priority(1) + count(2).
const snsAdvHeaderSize = 4 + 1 + 2

// SubscribeNodeSet bundles the source node ids a peer session must
// forward into for a shared subset of tracks; one SNS maps to one data
// context (stream pair) on that session.
type SubscribeNodeSet struct {
	ID       uint32
	Priority uint8
	Nodes    []NodeID // kept sorted ascending, deduplicated
}

// AddNode inserts a node id into the set, keeping it sorted and unique.
func (s *SubscribeNodeSet) AddNode(id NodeID) {
	i := sort.Search(len(s.Nodes), func(i int) bool { return s.Nodes[i] >= id })
	if i < len(s.Nodes) && s.Nodes[i] == id {
		return
	}
	s.Nodes = append(s.Nodes, 0)
	copy(s.Nodes[i+1:], s.Nodes[i:])
	s.Nodes[i] = id
}

// RemoveNode deletes a node id from the set, if present.
func (s *SubscribeNodeSet) RemoveNode(id NodeID) {
	i := sort.Search(len(s.Nodes), func(i int) bool { return s.Nodes[i] >= id })
	if i < len(s.Nodes) && s.Nodes[i] == id {
		s.Nodes = append(s.Nodes[:i], s.Nodes[i+1:]...)
	}
}

// SizeBytes returns the encoded body length (excluding the common header).
// For a withdraw body only the id is transmitted.
func (s SubscribeNodeSet) SizeBytes(withdraw bool) int {
	if withdraw {
		return 4
	}
	return snsAdvHeaderSize + len(s.Nodes)*8
}

// Encode appends the advertise-form body to dst.
func (s SubscribeNodeSet) Encode(dst []byte) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], s.ID)
	dst = append(dst, b[:]...)
	dst = append(dst, s.Priority)
	var cb [2]byte
	binary.BigEndian.PutUint16(cb[:], uint16(len(s.Nodes)))
	dst = append(dst, cb[:]...)
	for _, id := range s.Nodes {
		var nb [8]byte
		binary.BigEndian.PutUint64(nb[:], uint64(id))
		dst = append(dst, nb[:]...)
	}
	return dst
}

// Serialize encodes SubscribeNodeSet, optionally prefixed with the common
// header. withdraw selects the id-only withdraw body and the Withdrawn
// message type.
func (s SubscribeNodeSet) Serialize(includeCommonHeader, withdraw bool) []byte {
	var body []byte
	if withdraw {
		body = make([]byte, 4)
		binary.BigEndian.PutUint32(body, s.ID)
	} else {
		body = make([]byte, 0, s.SizeBytes(false))
		body = s.Encode(body)
	}
	if !includeCommonHeader {
		return body
	}
	t := MsgSubscribeNodeSetAdvertised
	if withdraw {
		t = MsgSubscribeNodeSetWithdrawn
	}
	out := EncodeCommonHeader(t, uint32(len(body)))
	return append(out, body...)
}

// DecodeSubscribeNodeSet parses a body-only SubscribeNodeSet.
func DecodeSubscribeNodeSet(buf []byte, withdraw bool) (SubscribeNodeSet, error) {
	if len(buf) < 4 {
		return SubscribeNodeSet{}, newErr(errShortBuffer, "SubscribeNodeSet buffer too short")
	}
	s := SubscribeNodeSet{ID: binary.BigEndian.Uint32(buf[0:4])}
	if withdraw {
		return s, nil
	}
	if len(buf) < snsAdvHeaderSize {
		return SubscribeNodeSet{}, newErr(errShortBuffer, "SubscribeNodeSet advertise header too short")
	}
	s.Priority = buf[4]
	numNodes := int(binary.BigEndian.Uint16(buf[5:7]))
	off := 7
	if len(buf)-off < numNodes*8 {
		return SubscribeNodeSet{}, newErr(errShortBuffer, "SubscribeNodeSet node list truncated")
	}
	s.Nodes = make([]NodeID, numNodes)
	for i := 0; i < numNodes; i++ {
		s.Nodes[i] = NodeID(binary.BigEndian.Uint64(buf[off : off+8]))
		off += 8
	}
	return s, nil
}
