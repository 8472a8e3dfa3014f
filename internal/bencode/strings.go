package bencode

import "fmt"

// EncodeStrings encodes a list of strings, the format used for persisted
// selected-file lists.
func EncodeStrings(ss []string) string {
	if ss == nil {
		ss = []string{}
	}
	return string(MustEncode(ss))
}

// DecodeStrings is the inverse of EncodeStrings. An empty input decodes to nil.
func DecodeStrings(s string) ([]string, error) {
	if s == "" {
		return nil, nil
	}
	v, err := DecodeString(s)
	if err != nil {
		return nil, err
	}
	list, ok := v.([]any)
	if !ok {
		return nil, &DecodeError{Err: fmt.Errorf("%w: want list, got %T", ErrInvalidToken, v)}
	}
	out := make([]string, 0, len(list))
	for i, item := range list {
		str, ok := item.(string)
		if !ok {
			return nil, &DecodeError{Err: fmt.Errorf("%w: element %d is %T", ErrInvalidToken, i, item)}
		}
		out = append(out, str)
	}
	return out, nil
}
