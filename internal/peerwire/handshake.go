package peerwire

import (
	"fmt"
	"io"

	"fetchd/internal/metainfo"
)

// ProtocolName is the identifier sent at the start of every handshake.
const ProtocolName = "BitTorrent protocol"

// HandshakeLen is the size of the handshake on the wire.
const HandshakeLen = 1 + len(ProtocolName) + 8 + 2*metainfo.HashSize

// Handshake is the first message exchanged in each direction.
type Handshake struct {
	Reserved [8]byte
	InfoHash metainfo.Hash
	PeerID   metainfo.Hash
}

// SupportsFast reports the BEP 6 reserved bit.
func (h Handshake) SupportsFast() bool { return h.Reserved[7]&0x04 != 0 }

// SetFast sets the BEP 6 reserved bit.
func (h *Handshake) SetFast() { h.Reserved[7] |= 0x04 }

// MarshalBinary returns the 68-byte wire form.
func (h Handshake) MarshalBinary() ([]byte, error) {
	buf := make([]byte, 0, HandshakeLen)
	buf = append(buf, byte(len(ProtocolName)))
	buf = append(buf, ProtocolName...)
	buf = append(buf, h.Reserved[:]...)
	buf = append(buf, h.InfoHash[:]...)
	buf = append(buf, h.PeerID[:]...)
	return buf, nil
}

// WriteHandshake writes h to w.
func WriteHandshake(w io.Writer, h Handshake) error {
	b, _ := h.MarshalBinary()
	_, err := w.Write(b)
	return err
}

// ReadHandshake reads a handshake from r, failing with ErrProtocol if the
// protocol identifier is not ProtocolName.
func ReadHandshake(r io.Reader) (h Handshake, err error) {
	var buf [HandshakeLen]byte
	if _, err = io.ReadFull(r, buf[:1]); err != nil {
		return
	}
	if int(buf[0]) != len(ProtocolName) {
		return h, fmt.Errorf("%w: length %d", ErrProtocol, buf[0])
	}
	if _, err = io.ReadFull(r, buf[1:]); err != nil {
		return
	}
	if string(buf[1:1+len(ProtocolName)]) != ProtocolName {
		return h, fmt.Errorf("%w: %q", ErrProtocol, buf[1:1+len(ProtocolName)])
	}
	off := 1 + len(ProtocolName)
	copy(h.Reserved[:], buf[off:off+8])
	copy(h.InfoHash[:], buf[off+8:])
	copy(h.PeerID[:], buf[off+8+metainfo.HashSize:])
	return h, nil
}
