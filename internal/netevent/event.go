// Package netevent implements the binary wire frame used to carry
// NetworkEvents between the relay and its clients.
//
// The layout is bit-for-bit compatible with the deployed native/browser
// clients; it must not be changed without a protocol version bump.
package netevent

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf16"
)

// Type is the wire-stable NetEventType enumeration.
type Type uint8

const (
	Invalid                   Type = 0
	UnreliableMessageReceived Type = 1
	ServerInitialized         Type = 2
	ServerInitFailed          Type = 3
	ServerClosed              Type = 4
	NewConnection             Type = 5
	ConnectionFailed          Type = 6
	Disconnected              Type = 7
	ReliableMessageReceived   Type = 8
	FatalError                Type = 100
	Warning                   Type = 101
	Log                       Type = 102
	MetaVersion               Type = 103
	MetaHeartbeat             Type = 104
)

func (t Type) String() string {
	switch t {
	case Invalid:
		return "Invalid"
	case UnreliableMessageReceived:
		return "UnreliableMessageReceived"
	case ServerInitialized:
		return "ServerInitialized"
	case ServerInitFailed:
		return "ServerInitFailed"
	case ServerClosed:
		return "ServerClosed"
	case NewConnection:
		return "NewConnection"
	case ConnectionFailed:
		return "ConnectionFailed"
	case Disconnected:
		return "Disconnected"
	case ReliableMessageReceived:
		return "ReliableMessageReceived"
	case FatalError:
		return "FatalError"
	case Warning:
		return "Warning"
	case Log:
		return "Log"
	case MetaVersion:
		return "MetaVersion"
	case MetaHeartbeat:
		return "MetaHeartbeat"
	default:
		return fmt.Sprintf("Type(%d)", uint8(t))
	}
}

// ConnectionID is a per-peer-local identifier for a pairing. -1 means "no
// connection" and is used for server-lifecycle events.
type ConnectionID int16

// InvalidConnectionID is the sentinel used for server-lifecycle events.
const InvalidConnectionID ConnectionID = -1

// FirstIncomingConnectionID is the first id the relay assigns for incoming
// pairings; ids below this are reserved for client-chosen outgoing ids.
const FirstIncomingConnectionID ConnectionID = 16384

// payload tags on the wire.
const (
	tagNone  byte = 0
	tagText  byte = 1
	tagBytes byte = 2
)

// Event is a decoded (or to-be-encoded) NetworkEvent: a type, a connection id,
// and an optional payload that is either a UTF-16LE string or an opaque byte
// buffer, never both.
type Event struct {
	Type         Type
	ConnectionID ConnectionID
	Text         string
	Data         []byte
	// HasText/HasData distinguish "no payload" from a zero-length payload of
	// that kind (tag == none vs tag == string/bytes with L == 0).
	HasText bool
	HasData bool
	// Version carries the protocol version for a MetaVersion frame.
	Version uint8
}

// ErrMalformedFrame is returned for any frame that cannot be decoded:
// truncated buffers, an out-of-range declared length, or an unrecognised
// payload tag.
var ErrMalformedFrame = errors.New("netevent: malformed frame")

// TextEvent builds an Event carrying a UTF-16LE string payload.
func TextEvent(t Type, id ConnectionID, text string) Event {
	return Event{Type: t, ConnectionID: id, Text: text, HasText: true}
}

// DataEvent builds an Event carrying an opaque byte payload.
func DataEvent(t Type, id ConnectionID, data []byte) Event {
	return Event{Type: t, ConnectionID: id, Data: data, HasData: true}
}

// BareEvent builds an Event with no payload.
func BareEvent(t Type, id ConnectionID) Event {
	return Event{Type: t, ConnectionID: id}
}

// Encode serialises e to its wire representation.
func Encode(e Event) ([]byte, error) {
	switch e.Type {
	case MetaHeartbeat:
		return []byte{byte(e.Type)}, nil
	case MetaVersion:
		return []byte{byte(e.Type), e.Version}, nil
	}

	var tag byte
	var payload []byte
	switch {
	case e.HasText:
		tag = tagText
		payload = encodeUTF16LE(e.Text)
	case e.HasData:
		tag = tagBytes
		payload = e.Data
	default:
		tag = tagNone
	}

	buf := make([]byte, 4, 4+len(payload)+4)
	buf[0] = byte(e.Type)
	buf[1] = tag
	binary.LittleEndian.PutUint16(buf[2:4], uint16(int16(e.ConnectionID)))

	if tag == tagNone {
		return buf, nil
	}

	lenBuf := make([]byte, 4)
	binary.LittleEndian.PutUint32(lenBuf, uint32(len(payload)))
	buf = append(buf, lenBuf...)
	buf = append(buf, payload...)
	return buf, nil
}

// Decode parses a wire frame into an Event. It fails with ErrMalformedFrame
// when the buffer is too short for the declared tag, the declared length
// exceeds the remaining bytes, or the tag value is unrecognised.
func Decode(b []byte) (Event, error) {
	if len(b) < 1 {
		return Event{}, ErrMalformedFrame
	}
	t := Type(b[0])

	if t == MetaHeartbeat {
		return Event{Type: t, ConnectionID: InvalidConnectionID}, nil
	}
	if t == MetaVersion {
		if len(b) < 2 {
			return Event{}, ErrMalformedFrame
		}
		return Event{Type: t, ConnectionID: InvalidConnectionID, Version: b[1]}, nil
	}

	if len(b) < 4 {
		return Event{}, ErrMalformedFrame
	}
	tag := b[1]
	id := ConnectionID(int16(binary.LittleEndian.Uint16(b[2:4])))

	switch tag {
	case tagNone:
		return Event{Type: t, ConnectionID: id}, nil
	case tagText:
		data, err := decodeLengthPrefixed(b[4:])
		if err != nil {
			return Event{}, err
		}
		return Event{Type: t, ConnectionID: id, Text: decodeUTF16LE(data), HasText: true}, nil
	case tagBytes:
		data, err := decodeLengthPrefixed(b[4:])
		if err != nil {
			return Event{}, err
		}
		return Event{Type: t, ConnectionID: id, Data: data, HasData: true}, nil
	default:
		return Event{}, fmt.Errorf("%w: unrecognised payload tag 0x%02x", ErrMalformedFrame, tag)
	}
}

func decodeLengthPrefixed(b []byte) ([]byte, error) {
	if len(b) < 4 {
		return nil, ErrMalformedFrame
	}
	l := binary.LittleEndian.Uint32(b[0:4])
	rest := b[4:]
	if uint64(l) > uint64(len(rest)) {
		return nil, ErrMalformedFrame
	}
	return rest[:l], nil
}

func encodeUTF16LE(s string) []byte {
	units := utf16.Encode([]rune(s))
	out := make([]byte, len(units)*2)
	for i, u := range units {
		binary.LittleEndian.PutUint16(out[i*2:i*2+2], u)
	}
	return out
}

func decodeUTF16LE(b []byte) string {
	units := make([]uint16, len(b)/2)
	for i := range units {
		units[i] = binary.LittleEndian.Uint16(b[i*2 : i*2+2])
	}
	return string(utf16.Decode(units))
}
