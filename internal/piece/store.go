package piece

import (
	"bytes"
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"fetchd/internal/metainfo"
)

// BlockSize is the request granularity used for every piece.
const BlockSize = 16 * 1024

var (
	// ErrVerification reports a piece whose data does not hash to the
	// metadata digest. The piece is left missing and becomes requestable again.
	ErrVerification = errors.New("piece hash mismatch")
	ErrInvalidBlock = errors.New("invalid block")
	ErrNotHave      = errors.New("piece not available")
)

// Outcome is the result of handing data to the store.
type Outcome int

const (
	// Pending means the block was stored but the piece is still incomplete.
	Pending Outcome = iota
	// Accepted means this call verified and wrote the piece.
	Accepted
	// Duplicate means the piece was already verified; the data was discarded.
	Duplicate
	// Rejected means the assembled piece failed verification.
	Rejected
)

func (o Outcome) String() string {
	switch o {
	case Pending:
		return "pending"
	case Accepted:
		return "accepted"
	case Duplicate:
		return "duplicate"
	case Rejected:
		return "rejected"
	}
	return fmt.Sprintf("outcome(%d)", int(o))
}

type partial struct {
	buf    []byte
	blocks *Bitfield
}

// Store is the single authority on which pieces of one torrent are owned.
// Bits in the have set are only flipped by a successful verification, and a
// piece is written to storage at most once.
type Store struct {
	meta    *metainfo.Metadata
	storage Storage

	commitMu sync.Mutex

	mu        sync.Mutex
	have      *Bitfield
	wanted    *Bitfield
	requested *Bitfield
	partials  map[int]*partial

	failures atomic.Int64
}

// NewStore returns a store with nothing owned and every piece wanted.
func NewStore(meta *metainfo.Metadata, storage Storage) *Store {
	n := meta.NumPieces()
	wanted := NewBitfield(n)
	wanted.SetAll()
	return &Store{
		meta:      meta,
		storage:   storage,
		have:      NewBitfield(n),
		wanted:    wanted,
		requested: NewBitfield(n),
		partials:  make(map[int]*partial),
	}
}

// NumPieces returns the piece count.
func (s *Store) NumPieces() int { return s.meta.NumPieces() }

// Has reports whether piece i has been verified.
func (s *Store) Has(i int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.have.Has(i)
}

// HaveBitfield returns a copy of the have set.
func (s *Store) HaveBitfield() *Bitfield {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.have.Clone()
}

// Missing returns the wanted pieces not yet verified.
func (s *Store) Missing() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	for i := 0; i < s.have.Len(); i++ {
		if s.wanted.Has(i) && !s.have.Has(i) {
			out = append(out, i)
		}
	}
	return out
}

// Complete reports whether every wanted piece is verified.
func (s *Store) Complete() bool { return len(s.Missing()) == 0 }

// SetWanted restricts downloading to the pieces overlapping the selected
// files. A nil or empty selection wants everything.
func (s *Store) SetWanted(selected []int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wanted = NewBitfield(s.meta.NumPieces())
	if len(selected) == 0 {
		s.wanted.SetAll()
		return
	}
	for _, fi := range selected {
		if fi < 0 || fi >= len(s.meta.Files) {
			continue
		}
		f := s.meta.Files[fi]
		if f.Length == 0 {
			continue
		}
		first := int(f.Offset / s.meta.PieceLength)
		last := int((f.Offset + f.Length - 1) / s.meta.PieceLength)
		for i := first; i <= last; i++ {
			s.wanted.Set(i)
		}
	}
}

// BytesCompleted returns the total size of the verified pieces.
func (s *Store) BytesCompleted() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, i := range s.have.Indexes() {
		n += s.meta.PieceSize(i)
	}
	return n
}

// BytesWanted returns the total size of the wanted pieces.
func (s *Store) BytesWanted() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, i := range s.wanted.Indexes() {
		n += s.meta.PieceSize(i)
	}
	return n
}

// BytesLeft returns the size of the wanted pieces still missing.
func (s *Store) BytesLeft() int64 {
	var n int64
	for _, i := range s.Missing() {
		n += s.meta.PieceSize(i)
	}
	return n
}

// Failures returns the number of pieces that failed verification.
func (s *Store) Failures() int64 { return s.failures.Load() }

// Interesting reports whether the peer has any piece we still want.
func (s *Store) Interesting(peer *Bitfield) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := 0; i < s.have.Len(); i++ {
		if peer.Has(i) && s.wanted.Has(i) && !s.have.Has(i) {
			return true
		}
	}
	return false
}

// Pick chooses the next piece to request from a peer advertising peer and
// marks it requested. Pieces already requested from another peer are skipped.
func (s *Store) Pick(peer *Bitfield, availability []int, strategy Strategy) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	candidates := NewBitfield(s.have.Len())
	for i := 0; i < s.have.Len(); i++ {
		if peer.Has(i) && s.wanted.Has(i) && !s.have.Has(i) && !s.requested.Has(i) {
			candidates.Set(i)
		}
	}
	i, ok := strategy.Choose(candidates, availability)
	if ok {
		s.requested.Set(i)
	}
	return i, ok
}

// Release makes a requested piece available to other peers again, keeping
// any blocks already assembled.
func (s *Store) Release(i int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requested.Unset(i)
}

// AddBlock stores one block of piece index. Once all blocks are present the
// piece is verified; the returned outcome is Pending until then.
func (s *Store) AddBlock(index, begin int, data []byte) (Outcome, error) {
	size := s.meta.PieceSize(index)
	if size == 0 || begin < 0 || begin%BlockSize != 0 || int64(begin+len(data)) > size {
		return Rejected, fmt.Errorf("%w: piece %d begin %d length %d", ErrInvalidBlock, index, begin, len(data))
	}
	if want := BlockLength(size, begin); len(data) != want {
		return Rejected, fmt.Errorf("%w: piece %d begin %d length %d, want %d", ErrInvalidBlock, index, begin, len(data), want)
	}

	s.mu.Lock()
	if s.have.Has(index) {
		s.mu.Unlock()
		return Duplicate, nil
	}
	p, ok := s.partials[index]
	if !ok {
		p = &partial{buf: make([]byte, size), blocks: NewBitfield(NumBlocks(size))}
		s.partials[index] = p
	}
	copy(p.buf[begin:], data)
	p.blocks.Set(begin / BlockSize)
	if !p.blocks.All() {
		s.mu.Unlock()
		return Pending, nil
	}
	delete(s.partials, index)
	buf := p.buf
	s.mu.Unlock()

	return s.Verify(index, buf)
}

// Verify checks data against the digest of piece index and, on success,
// writes it and marks the piece owned. Concurrent calls for the same piece
// yield exactly one Accepted; the rest report Duplicate.
func (s *Store) Verify(index int, data []byte) (Outcome, error) {
	if index < 0 || index >= s.meta.NumPieces() {
		return Rejected, fmt.Errorf("%w: piece %d out of range", ErrInvalidBlock, index)
	}
	sum := sha1.Sum(data)
	if int64(len(data)) != s.meta.PieceSize(index) || !bytes.Equal(sum[:], s.meta.Pieces[index][:]) {
		s.failures.Add(1)
		s.mu.Lock()
		s.requested.Unset(index)
		delete(s.partials, index)
		s.mu.Unlock()
		return Rejected, fmt.Errorf("%w: piece %d", ErrVerification, index)
	}

	s.commitMu.Lock()
	defer s.commitMu.Unlock()
	if s.Has(index) {
		return Duplicate, nil
	}
	if _, err := s.storage.WriteAt(data, int64(index)*s.meta.PieceLength); err != nil {
		s.Release(index)
		return Rejected, fmt.Errorf("write piece %d: %w", index, err)
	}

	s.mu.Lock()
	s.have.Set(index)
	s.requested.Unset(index)
	delete(s.partials, index)
	s.mu.Unlock()
	return Accepted, nil
}

// ReadBlock returns a block of an owned piece, for serving peers.
func (s *Store) ReadBlock(index, begin, length int) ([]byte, error) {
	if !s.Has(index) {
		return nil, fmt.Errorf("%w: %d", ErrNotHave, index)
	}
	if begin < 0 || length <= 0 || length > 4*BlockSize || int64(begin+length) > s.meta.PieceSize(index) {
		return nil, fmt.Errorf("%w: piece %d begin %d length %d", ErrInvalidBlock, index, begin, length)
	}
	buf := make([]byte, length)
	if _, err := s.storage.ReadAt(buf, int64(index)*s.meta.PieceLength+int64(begin)); err != nil {
		return nil, err
	}
	return buf, nil
}

// Recheck hashes what is already in storage and marks every matching piece
// owned. It returns the number of pieces found.
func (s *Store) Recheck(ctx context.Context) (int, error) {
	found := 0
	for i := 0; i < s.meta.NumPieces(); i++ {
		if err := ctx.Err(); err != nil {
			return found, err
		}
		buf := make([]byte, s.meta.PieceSize(i))
		if _, err := s.storage.ReadAt(buf, int64(i)*s.meta.PieceLength); err != nil {
			continue
		}
		sum := sha1.Sum(buf)
		if sum != s.meta.Pieces[i] {
			continue
		}
		s.mu.Lock()
		if s.have.Set(i) {
			found++
		}
		s.mu.Unlock()
	}
	return found, nil
}

// NumBlocks returns how many blocks a piece of the given size splits into.
func NumBlocks(pieceSize int64) int {
	return int((pieceSize + BlockSize - 1) / BlockSize)
}

// BlockLength returns the length of the block starting at begin.
func BlockLength(pieceSize int64, begin int) int {
	if rem := pieceSize - int64(begin); rem < BlockSize {
		return int(rem)
	}
	return BlockSize
}
