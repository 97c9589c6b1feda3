package wire

import "encoding/binary"

// DataType selects which fields a DataHeader carries.
type DataType uint8

const (
	DataDatagram DataType = iota
	DataExistingStream
	DataNewStream
)

// DataHeader is the inline (non-common-header) frame preceding a data
// object's payload. ExistingStream carries no fields beyond type: it
// inherits sns_id/priority/ttl/track_fullname_hash from the NewStream
// anchor that opened the stream.
type DataHeader struct {
	Type              DataType
	SnsID             uint32
	TrackFullNameHash uint64
	Priority          uint8
	TTL               uint32
}

// SizeBytes returns header_len: the number of bytes up to but excluding
// the varint data_length/payload that follows a DataHeader on the wire.
func (d DataHeader) SizeBytes() int {
	switch d.Type {
	case DataExistingStream:
		return 2
	case DataDatagram:
		return 2 + 4 + 8
	case DataNewStream:
		return 2 + 4 + 8 + 1 + 4
	default:
		return 2
	}
}

// Encode appends the DataHeader to dst. The first byte (header_len) is
// computed from the type and written first, followed by the type byte.
func (d DataHeader) Encode(dst []byte) []byte {
	headerLen := d.SizeBytes()
	dst = append(dst, byte(headerLen), byte(d.Type))
	switch d.Type {
	case DataExistingStream:
		// no further fields; inherits from the stream's NewStream anchor.
	case DataDatagram:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], d.SnsID)
		dst = append(dst, b[:]...)
		var hb [8]byte
		binary.BigEndian.PutUint64(hb[:], d.TrackFullNameHash)
		dst = append(dst, hb[:]...)
	case DataNewStream:
		var b [4]byte
		binary.BigEndian.PutUint32(b[:], d.SnsID)
		dst = append(dst, b[:]...)
		var hb [8]byte
		binary.BigEndian.PutUint64(hb[:], d.TrackFullNameHash)
		dst = append(dst, hb[:]...)
		dst = append(dst, d.Priority)
		var tb [4]byte
		binary.BigEndian.PutUint32(tb[:], d.TTL)
		dst = append(dst, tb[:]...)
	}
	return dst
}

// DecodeDataHeader parses a DataHeader from the front of buf, per
// spec.md §4.1: header_len is an inline length prefix (not a common
// header), so callers must peek it before having the full header
// available (see internal/peer's stream reassembly).
func DecodeDataHeader(buf []byte) (DataHeader, int, error) {
	if len(buf) < 2 {
		return DataHeader{}, 0, newErr(errShortBuffer, "DataHeader buffer too short")
	}
	headerLen := int(buf[0])
	if headerLen < 2 || headerLen > len(buf) {
		return DataHeader{}, 0, newErr(errHeaderLenInvald, "header_len out of range")
	}
	d := DataHeader{Type: DataType(buf[1])}
	switch d.Type {
	case DataExistingStream:
		return d, headerLen, nil
	case DataDatagram:
		if headerLen < 2+4+8 {
			return DataHeader{}, 0, newErr(errHeaderLenInvald, "Datagram header_len too small")
		}
		d.SnsID = binary.BigEndian.Uint32(buf[2:6])
		d.TrackFullNameHash = binary.BigEndian.Uint64(buf[6:14])
		return d, headerLen, nil
	case DataNewStream:
		if headerLen < 2+4+8+1+4 {
			return DataHeader{}, 0, newErr(errHeaderLenInvald, "NewStream header_len too small")
		}
		d.SnsID = binary.BigEndian.Uint32(buf[2:6])
		d.TrackFullNameHash = binary.BigEndian.Uint64(buf[6:14])
		d.Priority = buf[14]
		d.TTL = binary.BigEndian.Uint32(buf[15:19])
		return d, headerLen, nil
	default:
		return DataHeader{}, 0, newErr(errUnknownType, "unknown DataType")
	}
}
