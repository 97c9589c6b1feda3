package peer

import (
	"bytes"
	"context"
	"time"

	"testing"

	"github.com/okdaichi/gomoqt/quic"
	"github.com/meshrelay/meshrelay/internal/wire"
)

// fakeSendStream/fakeReceiveStream back a DataStreamWriter/reassembleStream
// pair with an in-memory pipe instead of a real QUIC connection.
type fakeSendStream struct {
	buf bytes.Buffer
}

func (f *fakeSendStream) Write(b []byte) (int, error)        { return f.buf.Write(b) }
func (f *fakeSendStream) Close() error                        { return nil }
func (f *fakeSendStream) Context() context.Context            { return context.Background() }
func (f *fakeSendStream) CancelWrite(quic.StreamErrorCode)    {}
func (f *fakeSendStream) SetWriteDeadline(time.Time) error    { return nil }

type fakeReceiveStream struct {
	r *bytes.Reader
}

func (f *fakeReceiveStream) Read(b []byte) (int, error)       { return f.r.Read(b) }
func (f *fakeReceiveStream) CancelRead(quic.StreamErrorCode)  {}
func (f *fakeReceiveStream) SetReadDeadline(time.Time) error  { return nil }

func TestDataStreamWriter_FirstObjectIsNewStreamRestInherit(t *testing.T) {
	send := &fakeSendStream{}
	w := &DataStreamWriter{stream: send, anchor: DataAnchor{SnsID: 7, TrackFullNameHash: 99, Priority: 3, TTL: 1000}}

	if err := w.WriteObject(0, []byte("first")); err != nil {
		t.Fatalf("WriteObject 1: %v", err)
	}
	if err := w.WriteObject(1, []byte("second")); err != nil {
		t.Fatalf("WriteObject 2: %v", err)
	}

	recv := &fakeReceiveStream{r: bytes.NewReader(send.buf.Bytes())}

	hdrBuf := make([]byte, 2)
	if err := readFull(recv, hdrBuf); err != nil {
		t.Fatalf("read first header: %v", err)
	}
	headerLen := int(hdrBuf[0])
	if wire.DataType(hdrBuf[1]) != wire.DataNewStream {
		t.Fatalf("expected the first frame to be DataNewStream, got %d", hdrBuf[1])
	}
	full := make([]byte, headerLen)
	copy(full, hdrBuf)
	if err := readFull(recv, full[2:]); err != nil {
		t.Fatalf("read rest of first header: %v", err)
	}
	hdr, _, err := wire.DecodeDataHeader(full)
	if err != nil {
		t.Fatalf("decode first header: %v", err)
	}
	if hdr.SnsID != 7 || hdr.TrackFullNameHash != 99 || hdr.Priority != 3 || hdr.TTL != 1000 {
		t.Fatalf("unexpected anchor fields: %+v", hdr)
	}

	objID, err := readUintVarFromStream(recv, make([]byte, 8))
	if err != nil || objID != 0 {
		t.Fatalf("expected object id 0, got %d err=%v", objID, err)
	}
	payloadLen, err := readUintVarFromStream(recv, make([]byte, 8))
	if err != nil {
		t.Fatalf("read payload len: %v", err)
	}
	payload := make([]byte, payloadLen)
	if err := readFull(recv, payload); err != nil {
		t.Fatalf("read payload: %v", err)
	}
	if string(payload) != "first" {
		t.Fatalf("expected payload %q, got %q", "first", payload)
	}

	// Second frame must be the 2-byte ExistingStream form.
	if err := readFull(recv, hdrBuf); err != nil {
		t.Fatalf("read second header: %v", err)
	}
	if wire.DataType(hdrBuf[1]) != wire.DataExistingStream {
		t.Fatalf("expected the second frame to be DataExistingStream, got %d", hdrBuf[1])
	}
	if int(hdrBuf[0]) != 2 {
		t.Fatalf("ExistingStream header_len must be 2, got %d", hdrBuf[0])
	}
}

func TestReadUintVarFromStream_RoundTrips(t *testing.T) {
	for _, v := range []uint64{0, 63, 64, 16383, 16384, 1 << 40} {
		encoded := wire.UintVar(v)
		recv := &fakeReceiveStream{r: bytes.NewReader(encoded)}
		got, err := readUintVarFromStream(recv, make([]byte, 8))
		if err != nil {
			t.Fatalf("readUintVarFromStream(%d): %v", v, err)
		}
		if got != v {
			t.Fatalf("readUintVarFromStream: got %d, want %d", got, v)
		}
	}
}
