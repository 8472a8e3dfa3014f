package bencode

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"reflect"
	"sort"
	"strconv"
)

// Marshaler is implemented by types that encode themselves.
type Marshaler interface {
	MarshalBencode() ([]byte, error)
}

// An Encoder writes bencoded values to an output stream.
type Encoder struct {
	w *bufio.Writer
}

// NewEncoder returns a new encoder that writes into w.
func NewEncoder(w io.Writer) *Encoder {
	return &Encoder{w: bufio.NewWriter(w)}
}

// Encode writes the encoding of v followed by a flush.
//
// Supported values are integers, strings, []byte, slices and arrays of
// supported values, maps with string keys (written in sorted key order),
// and Marshaler implementations.
func (e *Encoder) Encode(v any) error {
	if err := e.encode(reflect.ValueOf(v)); err != nil {
		return err
	}
	return e.w.Flush()
}

// Encode returns the encoding of v.
func Encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// MustEncode is Encode for values known to be encodable.
func MustEncode(v any) []byte {
	b, err := Encode(v)
	if err != nil {
		panic(err)
	}
	return b
}

var byteSliceType = reflect.TypeOf([]byte(nil))

func (e *Encoder) encode(v reflect.Value) error {
	if !v.IsValid() {
		return fmt.Errorf("bencode: %w: nil", ErrUnsupportedType)
	}
	if v.CanInterface() {
		if m, ok := v.Interface().(Marshaler); ok {
			b, err := m.MarshalBencode()
			if err != nil {
				return err
			}
			_, err = e.w.Write(b)
			return err
		}
	}

	switch v.Kind() {
	case reflect.Interface, reflect.Ptr:
		if v.IsNil() {
			return fmt.Errorf("bencode: %w: nil %s", ErrUnsupportedType, v.Type())
		}
		return e.encode(v.Elem())
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return e.writeInt(v.Int())
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		e.w.WriteByte('i')
		e.w.WriteString(strconv.FormatUint(v.Uint(), 10))
		return e.w.WriteByte('e')
	case reflect.Bool:
		if v.Bool() {
			return e.writeInt(1)
		}
		return e.writeInt(0)
	case reflect.String:
		return e.writeString(v.String())
	case reflect.Slice, reflect.Array:
		if v.Type() == byteSliceType || v.Type().Elem().Kind() == reflect.Uint8 {
			b := make([]byte, v.Len())
			reflect.Copy(reflect.ValueOf(b), v)
			return e.writeString(string(b))
		}
		e.w.WriteByte('l')
		for i := 0; i < v.Len(); i++ {
			if err := e.encode(v.Index(i)); err != nil {
				return err
			}
		}
		return e.w.WriteByte('e')
	case reflect.Map:
		if v.Type().Key().Kind() != reflect.String {
			return fmt.Errorf("bencode: %w: map key %s", ErrUnsupportedType, v.Type().Key())
		}
		keys := make([]string, 0, v.Len())
		for _, k := range v.MapKeys() {
			keys = append(keys, k.String())
		}
		sort.Strings(keys)

		e.w.WriteByte('d')
		for _, k := range keys {
			if err := e.writeString(k); err != nil {
				return err
			}
			if err := e.encode(v.MapIndex(reflect.ValueOf(k).Convert(v.Type().Key()))); err != nil {
				return err
			}
		}
		return e.w.WriteByte('e')
	default:
		return fmt.Errorf("bencode: %w: %s", ErrUnsupportedType, v.Type())
	}
}

func (e *Encoder) writeInt(n int64) error {
	e.w.WriteByte('i')
	e.w.WriteString(strconv.FormatInt(n, 10))
	return e.w.WriteByte('e')
}

func (e *Encoder) writeString(s string) error {
	e.w.WriteString(strconv.Itoa(len(s)))
	e.w.WriteByte(':')
	_, err := e.w.WriteString(s)
	return err
}
