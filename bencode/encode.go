package bencode

import (
	"fmt"
	"strconv"
)

// Encode serializes a Value to its canonical bencode form. Dictionary keys
// are always emitted in lexicographic byte order regardless of the
// insertion order recorded in Value.DictKeys, satisfying the BEP 3
// requirement that encoders sort keys.
func Encode(v Value) ([]byte, error) {
	var buf []byte
	buf, err := appendValue(buf, v)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

func appendValue(buf []byte, v Value) ([]byte, error) {
	switch v.Kind {
	case KindInteger:
		buf = append(buf, 'i')
		buf = strconv.AppendInt(buf, v.Int, 10)
		buf = append(buf, 'e')
		return buf, nil
	case KindString:
		buf = strconv.AppendInt(buf, int64(len(v.Str)), 10)
		buf = append(buf, ':')
		buf = append(buf, v.Str...)
		return buf, nil
	case KindList:
		buf = append(buf, 'l')
		for _, e := range v.List {
			var err error
			buf, err = appendValue(buf, e)
			if err != nil {
				return nil, err
			}
		}
		buf = append(buf, 'e')
		return buf, nil
	case KindDict:
		buf = append(buf, 'd')
		for _, k := range sortedKeys(v.Dict) {
			var err error
			buf, err = appendValue(buf, String([]byte(k)))
			if err != nil {
				return nil, err
			}
			buf, err = appendValue(buf, v.Dict[k])
			if err != nil {
				return nil, err
			}
		}
		buf = append(buf, 'e')
		return buf, nil
	default:
		return nil, &EncodeError{Kind: UnsupportedType}
	}
}

func (e *DecodeError) detailf(format string, args ...interface{}) {
	e.Detail = fmt.Sprintf(format, args...)
}
