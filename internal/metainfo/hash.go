// Package metainfo holds the immutable description of a torrent and the
// small value types shared by the torrent stack.
package metainfo

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/hex"
	"fmt"
	"strings"
)

// HashSize is the length of a SHA-1 digest.
const HashSize = 20

// Hash is a 20-byte SHA-1 digest used for info-hashes, piece hashes and peer ids.
type Hash [HashSize]byte

// HexString returns the lowercase hex form.
func (h Hash) HexString() string { return hex.EncodeToString(h[:]) }

func (h Hash) String() string { return h.HexString() }

// IsZero reports whether every byte is zero.
func (h Hash) IsZero() bool { return h == Hash{} }

// Bytes returns a copy of the digest.
func (h Hash) Bytes() []byte { return append([]byte(nil), h[:]...) }

// NewRandomHash returns a random hash.
func NewRandomHash() (h Hash) {
	if _, err := rand.Read(h[:]); err != nil {
		panic(err)
	}
	return
}

// PeerIDPrefix is the Azureus-style client tag put in front of generated peer ids.
const PeerIDPrefix = "-FD0100-"

// NewPeerID returns a random peer id carrying PeerIDPrefix.
func NewPeerID() Hash {
	h := NewRandomHash()
	copy(h[:], PeerIDPrefix)
	return h
}

// NewHashFromHexString parses a 40 character hex digest.
func NewHashFromHexString(s string) (h Hash, err error) {
	if len(s) != HashSize*2 {
		return h, fmt.Errorf("invalid hex hash length %d", len(s))
	}
	_, err = hex.Decode(h[:], []byte(s))
	return
}

// NewHashFromString accepts the hex or base32 forms found in magnet links.
func NewHashFromString(s string) (h Hash, err error) {
	s = strings.TrimSpace(s)
	switch len(s) {
	case HashSize * 2:
		return NewHashFromHexString(s)
	case 32:
		b, err := base32.StdEncoding.DecodeString(strings.ToUpper(s))
		if err != nil {
			return h, fmt.Errorf("invalid base32 hash: %w", err)
		}
		copy(h[:], b)
		return h, nil
	default:
		return h, fmt.Errorf("invalid hash %q", s)
	}
}

// NewHashFromBytes copies b, which must be exactly HashSize bytes.
func NewHashFromBytes(b []byte) (h Hash, err error) {
	if len(b) != HashSize {
		return h, fmt.Errorf("invalid hash length %d", len(b))
	}
	copy(h[:], b)
	return
}
