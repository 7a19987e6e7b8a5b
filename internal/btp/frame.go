// Package btp implements the Bilateral Transfer Protocol session layer: a
// framed request/response transport with correlation, authentication, and
// automatic reconnection, as specified in spec.md §4.2 and §6.
package btp

import (
	"encoding/binary"
	"fmt"

	"github.com/route-beacon/ilp-connector/internal/oer"
)

// Frame types.
const (
	TypeMessage  uint8 = 6
	TypeResponse uint8 = 1
	TypeError    uint8 = 2
)

// Protocol data content types.
const (
	ContentTypeOctetStream uint8 = 0
	ContentTypePlainText   uint8 = 1
	ContentTypeJSON        uint8 = 2
	ContentTypeILPOER      uint8 = 3
)

// ProtocolDataEntry is a single named sub-payload of a BTP frame.
type ProtocolDataEntry struct {
	Name        string
	ContentType uint8
	Content     []byte
}

// Frame is one BTP wire frame.
type Frame struct {
	Type         uint8
	RequestID    uint32
	ProtocolData []ProtocolDataEntry
}

// maxProtocolDataEntries bounds the protocol data list length header to
// guard against a hostile peer declaring an enormous count.
const maxProtocolDataEntries = 255

// Encode serializes a Frame to its wire representation:
//
//	uint8   type
//	uint32  requestId (big-endian)
//	uint8   protocolData entry count
//	{ varbytes name, uint8 contentType, varbytes content } * count
func Encode(f *Frame) []byte {
	out := make([]byte, 0, 5+len(f.ProtocolData)*8)
	out = append(out, f.Type)

	var reqID [4]byte
	binary.BigEndian.PutUint32(reqID[:], f.RequestID)
	out = append(out, reqID[:]...)

	out = append(out, byte(len(f.ProtocolData)))
	for _, pd := range f.ProtocolData {
		out = append(out, oer.EncodeVarOctetString([]byte(pd.Name))...)
		out = append(out, pd.ContentType)
		out = append(out, oer.EncodeVarOctetString(pd.Content)...)
	}
	return out
}

// Decode parses a Frame from its wire representation.
func Decode(data []byte) (*Frame, error) {
	if len(data) < 6 {
		return nil, fmt.Errorf("btp: malformed frame: too short (%d bytes)", len(data))
	}
	f := &Frame{Type: data[0]}
	f.RequestID = binary.BigEndian.Uint32(data[1:5])

	count := int(data[5])
	if count > maxProtocolDataEntries {
		return nil, fmt.Errorf("btp: malformed frame: protocol data count %d exceeds %d", count, maxProtocolDataEntries)
	}

	offset := 6
	for i := 0; i < count; i++ {
		if offset >= len(data) {
			return nil, fmt.Errorf("btp: malformed frame: truncated before protocol data entry %d", i)
		}
		name, n, err := oer.ParseVarOctetString(data[offset:])
		if err != nil {
			return nil, fmt.Errorf("btp: malformed frame: protocol data name %d: %w", i, err)
		}
		offset += n

		if offset >= len(data) {
			return nil, fmt.Errorf("btp: malformed frame: missing content type for entry %d", i)
		}
		contentType := data[offset]
		offset++

		content, n, err := oer.ParseVarOctetString(data[offset:])
		if err != nil {
			return nil, fmt.Errorf("btp: malformed frame: protocol data content %d: %w", i, err)
		}
		offset += n

		f.ProtocolData = append(f.ProtocolData, ProtocolDataEntry{
			Name:        string(name),
			ContentType: contentType,
			Content:     content,
		})
	}

	return f, nil
}

// ProtocolDataByName returns the first entry with the given name, if any.
func (f *Frame) ProtocolDataByName(name string) (ProtocolDataEntry, bool) {
	for _, pd := range f.ProtocolData {
		if pd.Name == name {
			return pd, true
		}
	}
	return ProtocolDataEntry{}, false
}
