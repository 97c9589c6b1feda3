package wire

import "testing"

func mustNodeID(t *testing.T, s string) NodeID {
	t.Helper()
	id, err := ParseNodeID(s)
	if err != nil {
		t.Fatalf("ParseNodeID(%q): %v", s, err)
	}
	return id
}

func TestNodeIDParser(t *testing.T) {
	if _, err := ParseNodeID("1234"); err == nil {
		t.Fatal("expected error for missing ':'")
	}
	if _, err := ParseNodeID("1.70000:1.2"); err == nil {
		t.Fatal("expected error for overflowing dotted component")
	}
	if got := mustNodeID(t, "12:34"); got != 51539607586 {
		t.Fatalf("NodeID(12:34) = %d, want 51539607586", got)
	}
	if got := mustNodeID(t, "1.2:34"); got != 281483566645282 {
		t.Fatalf("NodeID(1.2:34) = %d, want 281483566645282", got)
	}
	if got := NodeID(347364508091815901).String(); got != "1234.5678:100.6109" {
		t.Fatalf("NodeID.String() = %q, want 1234.5678:100.6109", got)
	}
}

func TestConnectRoundTrip(t *testing.T) {
	c := Connect{
		Mode: PeerModeBoth,
		NodeInfo: NodeInfo{
			ID:        mustNodeID(t, "12:34"),
			Type:      NodeTypeEdge,
			Contact:   "localhost:1234",
			Longitude: -122.5327124,
			Latitude:  47.6482974,
			Path: []NodePathItem{
				{NodeID: mustNodeID(t, "1:1"), SrttUs: 54321},
				{NodeID: mustNodeID(t, "2:2"), SrttUs: 12345},
			},
		},
	}

	net := c.Serialize()
	if len(net) != c.SizeBytes()+CommonHeaderSize {
		t.Fatalf("Serialize length %d != SizeBytes()+header %d", len(net), c.SizeBytes()+CommonHeaderSize)
	}
	if len(net) != 80 {
		t.Fatalf("Connect wire length = %d, want 80", len(net))
	}

	hdr, body, err := DecodeCommonHeader(net)
	if err != nil {
		t.Fatalf("DecodeCommonHeader: %v", err)
	}
	if hdr.Type != MsgConnect {
		t.Fatalf("header type = %v, want MsgConnect", hdr.Type)
	}

	decoded, err := DecodeConnect(body)
	if err != nil {
		t.Fatalf("DecodeConnect: %v", err)
	}
	if decoded.Mode != PeerModeBoth {
		t.Fatalf("Mode = %v, want Both", decoded.Mode)
	}
	if decoded.NodeInfo.ID != c.NodeInfo.ID {
		t.Fatalf("NodeInfo.ID mismatch")
	}
	if decoded.NodeInfo.Type != c.NodeInfo.Type {
		t.Fatalf("NodeInfo.Type mismatch")
	}
	if decoded.NodeInfo.Contact != c.NodeInfo.Contact {
		t.Fatalf("NodeInfo.Contact mismatch")
	}
	if decoded.NodeInfo.Longitude != c.NodeInfo.Longitude || decoded.NodeInfo.Latitude != c.NodeInfo.Latitude {
		t.Fatalf("NodeInfo lon/lat mismatch")
	}
	if len(decoded.NodeInfo.Path) != 2 {
		t.Fatalf("path length = %d, want 2", len(decoded.NodeInfo.Path))
	}
	for i, p := range c.NodeInfo.Path {
		if decoded.NodeInfo.Path[i] != p {
			t.Fatalf("path[%d] = %+v, want %+v", i, decoded.NodeInfo.Path[i], p)
		}
	}
}

func TestConnectResponseRoundTrip(t *testing.T) {
	ni := NodeInfo{
		ID:        mustNodeID(t, "50:60"),
		Type:      NodeTypeEdge,
		Contact:   "relay.m10x.org:33435",
		Longitude: -122.5327100,
		Latitude:  47.6482900,
		Path:      []NodePathItem{{NodeID: mustNodeID(t, "1:99"), SrttUs: 54321}},
	}
	cr := ConnectResponse{Error: ErrNone, NodeInfo: &ni}

	net := cr.Serialize()
	if len(net) != cr.SizeBytes()+CommonHeaderSize {
		t.Fatalf("Serialize length %d != SizeBytes()+header %d", len(net), cr.SizeBytes()+CommonHeaderSize)
	}
	if len(net) != 71 {
		t.Fatalf("ConnectResponse wire length = %d, want 71", len(net))
	}

	_, body, err := DecodeCommonHeader(net)
	if err != nil {
		t.Fatalf("DecodeCommonHeader: %v", err)
	}
	decoded, err := DecodeConnectResponse(body)
	if err != nil {
		t.Fatalf("DecodeConnectResponse: %v", err)
	}
	if decoded.Error != ErrNone {
		t.Fatalf("Error = %v, want ErrNone", decoded.Error)
	}
	if decoded.NodeInfo == nil || decoded.NodeInfo.ID != ni.ID {
		t.Fatalf("NodeInfo mismatch")
	}
	if decoded.NodeInfo.Contact != ni.Contact {
		t.Fatalf("Contact mismatch: %q vs %q", decoded.NodeInfo.Contact, ni.Contact)
	}
}

func TestConnectResponseErrorRoundTrip(t *testing.T) {
	cr := ConnectResponse{Error: ErrConnectError}
	net := cr.Serialize()
	if len(net) != 9 {
		t.Fatalf("ConnectResponse(error) wire length = %d, want 9", len(net))
	}
	_, body, err := DecodeCommonHeader(net)
	if err != nil {
		t.Fatalf("DecodeCommonHeader: %v", err)
	}
	decoded, err := DecodeConnectResponse(body)
	if err != nil {
		t.Fatalf("DecodeConnectResponse: %v", err)
	}
	if decoded.Error != ErrConnectError {
		t.Fatalf("Error = %v, want ErrConnectError", decoded.Error)
	}
	if decoded.NodeInfo != nil {
		t.Fatalf("NodeInfo should be absent on error")
	}
}

func TestAnnounceInfoRoundTrip(t *testing.T) {
	a := AnnounceInfo{
		SourceNodeID: 0xff00aabbcc,
		Namespace: [][]byte{
			[]byte("abc"),
			[]byte("12345"),
			[]byte("third tuple"),
			[]byte("now the final tuple"),
		},
		Name: []byte{0, 1, 2, 3, 4, 5, 6, 7, 8},
	}

	net := a.Serialize(false, false)
	if len(net) != a.SizeBytes() {
		t.Fatalf("Serialize length %d != SizeBytes() %d", len(net), a.SizeBytes())
	}
	if len(net) != 66 {
		t.Fatalf("AnnounceInfo wire length = %d, want 66", len(net))
	}

	decoded, err := DecodeAnnounceInfo(net)
	if err != nil {
		t.Fatalf("DecodeAnnounceInfo: %v", err)
	}
	if decoded.SourceNodeID != a.SourceNodeID {
		t.Fatalf("SourceNodeID mismatch")
	}
	if len(decoded.Namespace) != len(a.Namespace) {
		t.Fatalf("Namespace length mismatch: %d vs %d", len(decoded.Namespace), len(a.Namespace))
	}
	for i := range a.Namespace {
		if string(decoded.Namespace[i]) != string(a.Namespace[i]) {
			t.Fatalf("Namespace[%d] mismatch", i)
		}
	}
	if string(decoded.Name) != string(a.Name) {
		t.Fatalf("Name mismatch")
	}
}

func TestSubscribeInfoRoundTrip(t *testing.T) {
	s := SubscribeInfo{
		Seq:           7,
		SourceNodeID:  mustNodeID(t, "12:34"),
		NamespaceHash: 0x1122334455667788,
		NameHash:      0x9000,
		FullNameHash:  0xaabbccddeeff0011,
		SubscribeData: make([]byte, 19), // total body = 38 + 19 = 57, per spec.md §8
	}
	net := s.Serialize(false, false)
	if len(net) != s.SizeBytes() {
		t.Fatalf("Serialize length %d != SizeBytes() %d", len(net), s.SizeBytes())
	}
	if len(net) != 57 {
		t.Fatalf("SubscribeInfo wire length = %d, want 57", len(net))
	}

	decoded, err := DecodeSubscribeInfo(net)
	if err != nil {
		t.Fatalf("DecodeSubscribeInfo: %v", err)
	}
	if decoded.Seq != s.Seq || decoded.SourceNodeID != s.SourceNodeID {
		t.Fatalf("seq/source mismatch")
	}
	if decoded.NamespaceHash != s.NamespaceHash || decoded.NameHash != s.NameHash || decoded.FullNameHash != s.FullNameHash {
		t.Fatalf("hash mismatch")
	}
	if len(decoded.SubscribeData) != len(s.SubscribeData) {
		t.Fatalf("subscribe_data length mismatch")
	}
}

func TestSubscribeNodeSetRoundTrip(t *testing.T) {
	s := SubscribeNodeSet{ID: 0x1234}
	s.AddNode(mustNodeID(t, "1:1"))
	s.AddNode(mustNodeID(t, "200:300"))

	net := s.Serialize(false, false)
	// 7-byte header + 2 nodes * 8 bytes = 23. See DESIGN.md for why this
	// repository does not reproduce original_source's mismatched 22-byte
	// test fixture (its own SizeBytes()/serialize implementation computes
	// 23 for the same input).
	if len(net) != 23 {
		t.Fatalf("SubscribeNodeSet wire length = %d, want 23", len(net))
	}
	if len(net) != s.SizeBytes(false) {
		t.Fatalf("Serialize length %d != SizeBytes(false) %d", len(net), s.SizeBytes(false))
	}

	decoded, err := DecodeSubscribeNodeSet(net, false)
	if err != nil {
		t.Fatalf("DecodeSubscribeNodeSet: %v", err)
	}
	if decoded.ID != s.ID {
		t.Fatalf("ID mismatch")
	}
	if len(decoded.Nodes) != 2 {
		t.Fatalf("Nodes length = %d, want 2", len(decoded.Nodes))
	}
	if decoded.Nodes[0] != s.Nodes[0] {
		t.Fatalf("Nodes[0] mismatch")
	}
}

func TestSubscribeNodeSetWithdraw(t *testing.T) {
	s := SubscribeNodeSet{ID: 0xabcd}
	net := s.Serialize(false, true)
	if len(net) != 4 {
		t.Fatalf("withdraw wire length = %d, want 4", len(net))
	}
	decoded, err := DecodeSubscribeNodeSet(net, true)
	if err != nil {
		t.Fatalf("DecodeSubscribeNodeSet: %v", err)
	}
	if decoded.ID != s.ID {
		t.Fatalf("ID mismatch")
	}
}

func TestDataHeaderSizes(t *testing.T) {
	cases := []struct {
		name string
		hdr  DataHeader
		want int
	}{
		{"Datagram", DataHeader{Type: DataDatagram, SnsID: 0x1234, TrackFullNameHash: 0xabcdef}, 14},
		{"NewStream", DataHeader{Type: DataNewStream, SnsID: 0x1234, TrackFullNameHash: 0xabcdef, Priority: 1, TTL: 2000}, 19},
		{"ExistingStream", DataHeader{Type: DataExistingStream}, 2},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.hdr.SizeBytes(); got != tc.want {
				t.Fatalf("SizeBytes() = %d, want %d", got, tc.want)
			}
			buf := tc.hdr.Encode(nil)
			if len(buf) != tc.want {
				t.Fatalf("encoded length = %d, want %d", len(buf), tc.want)
			}
			decoded, n, err := DecodeDataHeader(buf)
			if err != nil {
				t.Fatalf("DecodeDataHeader: %v", err)
			}
			if n != tc.want {
				t.Fatalf("decoded header_len = %d, want %d", n, tc.want)
			}
			if decoded.Type != tc.hdr.Type {
				t.Fatalf("Type mismatch")
			}
			if tc.hdr.Type != DataExistingStream {
				if decoded.SnsID != tc.hdr.SnsID || decoded.TrackFullNameHash != tc.hdr.TrackFullNameHash {
					t.Fatalf("sns/hash mismatch")
				}
			}
			if tc.hdr.Type == DataNewStream {
				if decoded.Priority != tc.hdr.Priority || decoded.TTL != tc.hdr.TTL {
					t.Fatalf("priority/ttl mismatch")
				}
			}
		})
	}
}

func TestUintVarWidths(t *testing.T) {
	cases := []struct {
		v    uint64
		want int
	}{
		{0, 1},
		{0x3f, 1},
		{0x40, 2},
		{0x3fff, 2},
		{0x4000, 4},
		{0x3fffffff, 4},
		{0x40000000, 8},
	}
	for _, tc := range cases {
		enc := UintVar(tc.v)
		if len(enc) != tc.want {
			t.Fatalf("UintVar(%d) length = %d, want %d", tc.v, len(enc), tc.want)
		}
		got, n, err := DecodeUintVar(enc)
		if err != nil {
			t.Fatalf("DecodeUintVar: %v", err)
		}
		if n != tc.want || got != tc.v {
			t.Fatalf("DecodeUintVar round-trip = (%d,%d), want (%d,%d)", got, n, tc.v, tc.want)
		}
	}
}

func TestCommonHeaderShortBuffer(t *testing.T) {
	if _, _, err := DecodeCommonHeader([]byte{1, 2}); err == nil {
		t.Fatal("expected ShortBuffer error")
	}
	hdr := EncodeCommonHeader(MsgConnect, 100)
	if _, _, err := DecodeCommonHeader(hdr); err == nil {
		t.Fatal("expected ShortBuffer error for declared length exceeding buffer")
	}
}
