package oer

import (
	"fmt"
	"time"
)

// ILP packet type codes (ILPv4).
const (
	TypePrepare uint8 = 12
	TypeFulfill uint8 = 13
	TypeReject  uint8 = 14
)

// ConditionLen is the fixed length of an execution condition / fulfillment.
const ConditionLen = 32

// MaxAddressLen is the maximum encoded length of an ILP address, per
// spec.md's OER codec contract.
const MaxAddressLen = 1023

// MaxDataLen bounds Prepare/Fulfill/Reject data payloads.
const MaxDataLen = 32 * 1024

// Prepare is an ILP Prepare packet.
type Prepare struct {
	Amount              uint64
	ExpiresAt           time.Time
	ExecutionCondition  [ConditionLen]byte
	Destination         string
	Data                []byte
}

// Fulfill is an ILP Fulfill packet.
type Fulfill struct {
	Fulfillment [ConditionLen]byte
	Data        []byte
}

// Reject is an ILP Reject packet.
type Reject struct {
	Code        string // three-character ILP error class, e.g. "F02"
	TriggeredBy string // ILP address of the node that first produced it
	Message     string
	Data        []byte
}

// EncodePrepare serializes a Prepare packet: type byte, length prefix, body
// in amount/expiresAt/executionCondition/destination/data order.
func EncodePrepare(p *Prepare) []byte {
	body := make([]byte, 0, 8+17+ConditionLen+len(p.Destination)+len(p.Data)+8)

	body = appendUint64(body, p.Amount)
	body = append(body, EncodeInterledgerTimestamp(p.ExpiresAt)...)
	body = append(body, p.ExecutionCondition[:]...)
	body = append(body, EncodeVarOctetString([]byte(p.Destination))...)
	body = append(body, EncodeVarOctetString(p.Data)...)

	return encodeTypedPacket(TypePrepare, body)
}

func appendUint64(dst []byte, v uint64) []byte {
	var b [8]byte
	for i := 7; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return append(dst, b[:]...)
}

func readUint64(data []byte) uint64 {
	var v uint64
	for _, b := range data {
		v = v<<8 | uint64(b)
	}
	return v
}

func encodeTypedPacket(typ uint8, body []byte) []byte {
	out := make([]byte, 0, 1+len(body)+5)
	out = append(out, typ)
	out = append(out, EncodeLengthPrefix(len(body))...)
	out = append(out, body...)
	return out
}

// ParsePrepare parses a Prepare packet, including its leading type byte and
// length prefix.
func ParsePrepare(data []byte) (*Prepare, error) {
	body, err := expectTypedPacket(data, TypePrepare)
	if err != nil {
		return nil, err
	}

	if len(body) < 8+17+ConditionLen {
		return nil, fmt.Errorf("oer: malformed packet: prepare body truncated (%d bytes)", len(body))
	}
	offset := 0

	amount := readUint64(body[offset : offset+8])
	offset += 8

	expiresAt, err := ParseInterledgerTimestamp(body[offset : offset+17])
	if err != nil {
		return nil, err
	}
	offset += 17

	var cond [ConditionLen]byte
	copy(cond[:], body[offset:offset+ConditionLen])
	offset += ConditionLen

	dest, n, err := ParseVarOctetString(body[offset:])
	if err != nil {
		return nil, err
	}
	if len(dest) == 0 {
		return nil, fmt.Errorf("oer: malformed packet: destination address is empty")
	}
	if len(dest) > MaxAddressLen {
		return nil, fmt.Errorf("oer: malformed packet: destination address too long (%d bytes, max %d)", len(dest), MaxAddressLen)
	}
	offset += n

	dataField, n, err := ParseVarOctetString(body[offset:])
	if err != nil {
		return nil, err
	}
	if len(dataField) > MaxDataLen {
		return nil, fmt.Errorf("oer: malformed packet: prepare data too long (%d bytes, max %d)", len(dataField), MaxDataLen)
	}
	offset += n

	return &Prepare{
		Amount:             amount,
		ExpiresAt:          expiresAt,
		ExecutionCondition: cond,
		Destination:        string(dest),
		Data:               append([]byte(nil), dataField...),
	}, nil
}

// EncodeFulfill serializes a Fulfill packet.
func EncodeFulfill(f *Fulfill) []byte {
	body := make([]byte, 0, ConditionLen+len(f.Data)+4)
	body = append(body, f.Fulfillment[:]...)
	body = append(body, EncodeVarOctetString(f.Data)...)
	return encodeTypedPacket(TypeFulfill, body)
}

// ParseFulfill parses a Fulfill packet.
func ParseFulfill(data []byte) (*Fulfill, error) {
	body, err := expectTypedPacket(data, TypeFulfill)
	if err != nil {
		return nil, err
	}
	if len(body) < ConditionLen {
		return nil, fmt.Errorf("oer: malformed packet: fulfill body truncated (%d bytes)", len(body))
	}
	var fulfillment [ConditionLen]byte
	copy(fulfillment[:], body[:ConditionLen])

	dataField, _, err := ParseVarOctetString(body[ConditionLen:])
	if err != nil {
		return nil, err
	}
	if len(dataField) > MaxDataLen {
		return nil, fmt.Errorf("oer: malformed packet: fulfill data too long (%d bytes, max %d)", len(dataField), MaxDataLen)
	}

	return &Fulfill{
		Fulfillment: fulfillment,
		Data:        append([]byte(nil), dataField...),
	}, nil
}

// EncodeReject serializes a Reject packet.
func EncodeReject(r *Reject) []byte {
	body := make([]byte, 0, 3+len(r.TriggeredBy)+len(r.Message)+len(r.Data)+12)
	body = append(body, []byte(r.Code)...)
	body = append(body, EncodeVarOctetString([]byte(r.TriggeredBy))...)
	body = append(body, EncodeVarOctetString([]byte(r.Message))...)
	body = append(body, EncodeVarOctetString(r.Data)...)
	return encodeTypedPacket(TypeReject, body)
}

// ParseReject parses a Reject packet.
func ParseReject(data []byte) (*Reject, error) {
	body, err := expectTypedPacket(data, TypeReject)
	if err != nil {
		return nil, err
	}
	if len(body) < 3 {
		return nil, fmt.Errorf("oer: malformed packet: reject body truncated (%d bytes)", len(body))
	}
	code := string(body[:3])
	offset := 3

	triggeredBy, n, err := ParseVarOctetString(body[offset:])
	if err != nil {
		return nil, err
	}
	offset += n

	message, n, err := ParseVarOctetString(body[offset:])
	if err != nil {
		return nil, err
	}
	offset += n

	dataField, _, err := ParseVarOctetString(body[offset:])
	if err != nil {
		return nil, err
	}
	if len(dataField) > MaxDataLen {
		return nil, fmt.Errorf("oer: malformed packet: reject data too long (%d bytes, max %d)", len(dataField), MaxDataLen)
	}

	return &Reject{
		Code:        code,
		TriggeredBy: string(triggeredBy),
		Message:     string(message),
		Data:        append([]byte(nil), dataField...),
	}, nil
}

// expectTypedPacket validates and strips the leading type byte and OER
// length prefix, returning the declared body.
func expectTypedPacket(data []byte, wantType uint8) ([]byte, error) {
	if len(data) < 1 {
		return nil, fmt.Errorf("oer: malformed packet: empty buffer")
	}
	if data[0] != wantType {
		return nil, fmt.Errorf("oer: malformed packet: unexpected type byte %d (want %d)", data[0], wantType)
	}
	length, headerLen, err := ParseLengthPrefix(data[1:])
	if err != nil {
		return nil, err
	}
	start := 1 + headerLen
	if length < 0 || start+length > len(data) {
		return nil, fmt.Errorf("oer: malformed packet: declared body length %d exceeds remaining buffer (%d bytes)", length, len(data)-start)
	}
	return data[start : start+length], nil
}
