package bencode

import (
	"bufio"
	"bytes"
	"errors"
	"io"
	"strconv"
	"strings"
)

const (
	// MaxStringLength bounds a single byte-string. Piece hash lists of large
	// torrents stay well under it.
	MaxStringLength = 64 << 20
	MaxDepth        = 64

	stringChunk      = 32 << 10
	maxIntegerDigits = 20
	maxLengthDigits  = 10
)

// A Decoder reads bencoded values from an input stream.
//
// Values decode to:
//
//	int64 for integers
//	string for byte-strings
//	[]any for lists
//	map[string]any for dictionaries
//
// The decoder only pulls bytes from the underlying reader as it needs them,
// so a response arriving over a socket in arbitrary chunks decodes the same
// as one held fully in memory.
type Decoder struct {
	r     *bufio.Reader
	n     int64
	depth int
}

// NewDecoder returns a new decoder that reads from r.
func NewDecoder(r io.Reader) *Decoder {
	if br, ok := r.(*bufio.Reader); ok {
		return &Decoder{r: br}
	}
	return &Decoder{r: bufio.NewReader(r)}
}

// BytesParsed returns the number of bytes consumed so far.
func (d *Decoder) BytesParsed() int64 { return d.n }

// Buffered returns the number of bytes read from the underlying reader but
// not yet consumed.
func (d *Decoder) Buffered() int { return d.r.Buffered() }

// More reports whether another value may follow, skipping nothing.
func (d *Decoder) More() bool {
	_, err := d.r.Peek(1)
	return err == nil
}

// Decode reads the next value. It returns io.EOF, unwrapped, when the stream
// ends cleanly before a value starts.
func (d *Decoder) Decode() (any, error) {
	if _, err := d.r.Peek(1); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, d.fail(err)
	}
	d.depth = 0
	return d.value()
}

// Decode decodes exactly one value from data.
func Decode(data []byte) (any, error) {
	d := NewDecoder(bytes.NewReader(data))
	v, err := d.Decode()
	if err == io.EOF {
		return nil, d.fail(ErrTruncated)
	} else if err != nil {
		return nil, err
	}
	if d.More() {
		return nil, d.fail(ErrTrailingData)
	}
	return v, nil
}

// DecodeString is Decode over a string.
func DecodeString(s string) (any, error) { return Decode([]byte(s)) }

func (d *Decoder) fail(err error) error {
	if err == io.EOF || err == io.ErrUnexpectedEOF {
		err = ErrTruncated
	}
	var de *DecodeError
	if errors.As(err, &de) {
		return err
	}
	return &DecodeError{Offset: d.n, Err: err}
}

func (d *Decoder) readByte() (byte, error) {
	b, err := d.r.ReadByte()
	if err != nil {
		return 0, d.fail(err)
	}
	d.n++
	return b, nil
}

func (d *Decoder) peekByte() (byte, error) {
	b, err := d.r.Peek(1)
	if err != nil {
		return 0, d.fail(err)
	}
	return b[0], nil
}

func (d *Decoder) value() (any, error) {
	next, err := d.peekByte()
	if err != nil {
		return nil, err
	}

	switch {
	case next == 'i':
		return d.integer()
	case next >= '0' && next <= '9':
		return d.str()
	case next == 'l':
		return d.list()
	case next == 'd':
		return d.dict()
	default:
		return nil, d.fail(ErrInvalidToken)
	}
}

// readUntil reads digits up to delim, at most limit bytes before it.
func (d *Decoder) readUntil(delim byte, limit int, malformed error) ([]byte, error) {
	var buf []byte
	for {
		b, err := d.readByte()
		if err != nil {
			return nil, err
		}
		if b == delim {
			return buf, nil
		}
		if len(buf) >= limit {
			return nil, d.fail(malformed)
		}
		buf = append(buf, b)
	}
}

func (d *Decoder) integer() (int64, error) {
	if _, err := d.readByte(); err != nil { // 'i'
		return 0, err
	}
	body, err := d.readUntil('e', maxIntegerDigits, ErrInvalidInteger)
	if err != nil {
		return 0, err
	}
	if len(body) == 0 {
		return 0, d.fail(ErrInvalidInteger)
	}

	digits := body
	if body[0] == '-' {
		digits = body[1:]
		if len(digits) == 0 {
			return 0, d.fail(ErrInvalidInteger)
		}
		if digits[0] == '0' {
			if len(digits) == 1 {
				return 0, d.fail(ErrNegativeZero)
			}
			return 0, d.fail(ErrLeadingZero)
		}
	}
	if digits[0] == '0' && len(digits) > 1 {
		return 0, d.fail(ErrLeadingZero)
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, d.fail(ErrInvalidInteger)
		}
	}

	n, err := strconv.ParseInt(string(body), 10, 64)
	if err != nil {
		return 0, d.fail(ErrInvalidInteger)
	}
	return n, nil
}

func (d *Decoder) str() (string, error) {
	prefix, err := d.readUntil(':', maxLengthDigits, ErrInvalidLength)
	if err != nil {
		return "", err
	}
	if len(prefix) == 0 || (prefix[0] == '0' && len(prefix) > 1) {
		return "", d.fail(ErrInvalidLength)
	}
	for _, c := range prefix {
		if c < '0' || c > '9' {
			return "", d.fail(ErrInvalidLength)
		}
	}

	length, err := strconv.Atoi(string(prefix))
	if err != nil {
		return "", d.fail(ErrInvalidLength)
	}
	if length > MaxStringLength {
		return "", d.fail(ErrStringTooLong)
	}

	// the length is untrusted; memory grows with the bytes that really arrive
	var buf strings.Builder
	buf.Grow(min(length, stringChunk))
	n, err := io.CopyN(&buf, d.r, int64(length))
	d.n += n
	if err != nil {
		return "", d.fail(err)
	}
	return buf.String(), nil
}

func (d *Decoder) enter() error {
	d.depth++
	if d.depth > MaxDepth {
		return d.fail(ErrTooDeep)
	}
	return nil
}

func (d *Decoder) list() ([]any, error) {
	if _, err := d.readByte(); err != nil { // 'l'
		return nil, err
	}
	if err := d.enter(); err != nil {
		return nil, err
	}
	defer func() { d.depth-- }()

	result := []any{}
	for {
		ch, err := d.peekByte()
		if err != nil {
			return nil, err
		}
		if ch == 'e' {
			_, err = d.readByte()
			return result, err
		}

		v, err := d.value()
		if err != nil {
			return nil, err
		}
		result = append(result, v)
	}
}

func (d *Decoder) dict() (map[string]any, error) {
	if _, err := d.readByte(); err != nil { // 'd'
		return nil, err
	}
	if err := d.enter(); err != nil {
		return nil, err
	}
	defer func() { d.depth-- }()

	result := make(map[string]any)
	var lastKey string
	first := true
	for {
		ch, err := d.peekByte()
		if err != nil {
			return nil, err
		}
		if ch == 'e' {
			_, err = d.readByte()
			return result, err
		}
		if ch < '0' || ch > '9' {
			return nil, d.fail(ErrNonStringKey)
		}

		key, err := d.str()
		if err != nil {
			return nil, err
		}
		if !first {
			if key == lastKey {
				return nil, d.fail(ErrDuplicateKey)
			}
			if key < lastKey {
				return nil, d.fail(ErrUnsortedKeys)
			}
		}
		lastKey, first = key, false

		v, err := d.value()
		if err != nil {
			return nil, err
		}
		result[key] = v
	}
}
