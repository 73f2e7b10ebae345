package companion

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrBadHandoff marks a malformed control datagram. The receive loop
// logs and skips these; the control socket itself stays usable.
var ErrBadHandoff = errors.New("companion: bad hand-off")

// requestMagic is "ZCM4" little-endian, versioning the control header.
const requestMagic = 0x344d435a

// RequestHeaderSize is the fixed size of the control datagram header.
const RequestHeaderSize = 24

// Worker ABI labels. Routing by ABI is the host's job; the runtime
// only records the label for diagnostics.
const (
	ABI32 = 32
	ABI64 = 64
)

// RequestHeader identifies the worker behind one companion hand-off.
type RequestHeader struct {
	PID   int32
	UID   uint32
	GID   uint32
	ABI   uint8
	ReqID uint32
}

// EncodeRequestHeader packs h into its fixed little-endian layout.
func EncodeRequestHeader(h RequestHeader) []byte {
	buf := make([]byte, RequestHeaderSize)
	binary.LittleEndian.PutUint32(buf[0:4], requestMagic)
	binary.LittleEndian.PutUint32(buf[4:8], uint32(h.PID))
	binary.LittleEndian.PutUint32(buf[8:12], h.UID)
	binary.LittleEndian.PutUint32(buf[12:16], h.GID)
	buf[16] = h.ABI
	binary.LittleEndian.PutUint32(buf[20:24], h.ReqID)
	return buf
}

// ParseRequestHeader decodes a fixed-size control header.
func ParseRequestHeader(buf []byte) (RequestHeader, error) {
	if len(buf) < RequestHeaderSize {
		return RequestHeader{}, fmt.Errorf("header too small: %d < %d", len(buf), RequestHeaderSize)
	}
	if magic := binary.LittleEndian.Uint32(buf[0:4]); magic != requestMagic {
		return RequestHeader{}, fmt.Errorf("bad header magic %#x", magic)
	}
	return RequestHeader{
		PID:   int32(binary.LittleEndian.Uint32(buf[4:8])),
		UID:   binary.LittleEndian.Uint32(buf[8:12]),
		GID:   binary.LittleEndian.Uint32(buf[12:16]),
		ABI:   buf[16],
		ReqID: binary.LittleEndian.Uint32(buf[20:24]),
	}, nil
}
