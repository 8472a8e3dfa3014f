package peerwire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// DefaultMaxMessageLength bounds a single message: enough for a 2M-piece
// bitfield or a 128 KiB block.
const DefaultMaxMessageLength = 256 * 1024

// MessageID identifies a peer wire message.
type MessageID uint8

const (
	Choke         MessageID = 0
	Unchoke       MessageID = 1
	Interested    MessageID = 2
	NotInterested MessageID = 3
	Have          MessageID = 4
	BitfieldMsg   MessageID = 5
	Request       MessageID = 6
	Piece         MessageID = 7
	Cancel        MessageID = 8
	Port          MessageID = 9

	// BEP 6
	Suggest     MessageID = 13
	HaveAll     MessageID = 14
	HaveNone    MessageID = 15
	Reject      MessageID = 16
	AllowedFast MessageID = 17
)

func (id MessageID) String() string {
	switch id {
	case Choke:
		return "choke"
	case Unchoke:
		return "unchoke"
	case Interested:
		return "interested"
	case NotInterested:
		return "not-interested"
	case Have:
		return "have"
	case BitfieldMsg:
		return "bitfield"
	case Request:
		return "request"
	case Piece:
		return "piece"
	case Cancel:
		return "cancel"
	case Port:
		return "port"
	case Suggest:
		return "suggest"
	case HaveAll:
		return "have-all"
	case HaveNone:
		return "have-none"
	case Reject:
		return "reject"
	case AllowedFast:
		return "allowed-fast"
	}
	return fmt.Sprintf("unknown(%d)", uint8(id))
}

// Message is one length-prefixed peer wire message. Which fields are used
// depends on ID.
type Message struct {
	KeepAlive bool
	ID        MessageID

	// Have, Request, Piece, Cancel, Suggest, Reject, AllowedFast
	Index uint32
	// Request, Piece, Cancel, Reject
	Begin uint32
	// Request, Cancel, Reject
	Length uint32

	Bitfield []byte
	Block    []byte
	Port     uint16

	// Payload of message types this package does not interpret.
	Payload []byte
}

// KeepAliveMessage is the zero-length message.
var KeepAliveMessage = Message{KeepAlive: true}

func (m Message) String() string {
	if m.KeepAlive {
		return "keep-alive"
	}
	switch m.ID {
	case Have, Suggest, AllowedFast:
		return fmt.Sprintf("%s(%d)", m.ID, m.Index)
	case Request, Cancel, Reject:
		return fmt.Sprintf("%s(%d,%d,%d)", m.ID, m.Index, m.Begin, m.Length)
	case Piece:
		return fmt.Sprintf("piece(%d,%d,len=%d)", m.Index, m.Begin, len(m.Block))
	}
	return m.ID.String()
}

// MarshalBinary encodes the message including its length prefix.
func (m Message) MarshalBinary() ([]byte, error) {
	if m.KeepAlive {
		return make([]byte, 4), nil
	}
	var payload []byte
	switch m.ID {
	case Choke, Unchoke, Interested, NotInterested, HaveAll, HaveNone:
	case Have, Suggest, AllowedFast:
		payload = binary.BigEndian.AppendUint32(payload, m.Index)
	case Request, Cancel, Reject:
		payload = binary.BigEndian.AppendUint32(payload, m.Index)
		payload = binary.BigEndian.AppendUint32(payload, m.Begin)
		payload = binary.BigEndian.AppendUint32(payload, m.Length)
	case BitfieldMsg:
		payload = m.Bitfield
	case Piece:
		payload = make([]byte, 8, 8+len(m.Block))
		binary.BigEndian.PutUint32(payload, m.Index)
		binary.BigEndian.PutUint32(payload[4:], m.Begin)
		payload = append(payload, m.Block...)
	case Port:
		payload = binary.BigEndian.AppendUint16(payload, m.Port)
	default:
		payload = m.Payload
	}

	buf := make([]byte, 5, 5+len(payload))
	binary.BigEndian.PutUint32(buf, uint32(1+len(payload)))
	buf[4] = byte(m.ID)
	return append(buf, payload...), nil
}

// WriteMessage writes the encoding of m to w.
func WriteMessage(w io.Writer, m Message) error {
	b, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	_, err = w.Write(b)
	return err
}

// ReadMessage reads one message from r. A declared length above maxLength
// fails with *PacketSizeError before any payload is read; zero means
// DefaultMaxMessageLength. Payload sizes that do not match the message type
// fail with ErrMalformed.
func ReadMessage(r io.Reader, maxLength uint32) (m Message, err error) {
	if maxLength == 0 {
		maxLength = DefaultMaxMessageLength
	}
	var lb [4]byte
	if _, err = io.ReadFull(r, lb[:]); err != nil {
		return
	}
	length := binary.BigEndian.Uint32(lb[:])
	if length == 0 {
		m.KeepAlive = true
		return
	}
	if length > maxLength {
		return m, &PacketSizeError{Length: length, Max: maxLength}
	}

	buf := make([]byte, length)
	if _, err = io.ReadFull(r, buf); err != nil {
		if err == io.EOF {
			err = io.ErrUnexpectedEOF
		}
		return
	}
	m.ID = MessageID(buf[0])
	payload := buf[1:]

	want := -1
	switch m.ID {
	case Choke, Unchoke, Interested, NotInterested, HaveAll, HaveNone:
		want = 0
	case Have, Suggest, AllowedFast:
		want = 4
	case Request, Cancel, Reject:
		want = 12
	case Port:
		want = 2
	}
	if want >= 0 && len(payload) != want {
		return m, fmt.Errorf("%w: %s payload is %d bytes, want %d", ErrMalformed, m.ID, len(payload), want)
	}

	switch m.ID {
	case Have, Suggest, AllowedFast:
		m.Index = binary.BigEndian.Uint32(payload)
	case Request, Cancel, Reject:
		m.Index = binary.BigEndian.Uint32(payload)
		m.Begin = binary.BigEndian.Uint32(payload[4:])
		m.Length = binary.BigEndian.Uint32(payload[8:])
	case BitfieldMsg:
		m.Bitfield = payload
	case Piece:
		if len(payload) < 8 {
			return m, fmt.Errorf("%w: piece payload is %d bytes", ErrMalformed, len(payload))
		}
		m.Index = binary.BigEndian.Uint32(payload)
		m.Begin = binary.BigEndian.Uint32(payload[4:])
		m.Block = payload[8:]
	case Port:
		m.Port = binary.BigEndian.Uint16(payload)
	case Choke, Unchoke, Interested, NotInterested, HaveAll, HaveNone:
	default:
		m.Payload = payload
	}
	return m, nil
}
