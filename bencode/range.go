package bencode

// TopLevelValueRange decodes data as a dictionary and returns the byte range
// [start, end) of the raw encoded value stored under key at the top level,
// exactly as it appeared in data. This is what lets metainfo.Parse compute
// info_hash = SHA1(data[start:end]) without needing the decoder to preserve
// canonical ordering: the original encoded bytes are returned untouched,
// regardless of how unusual the surrounding dictionary's key order is.
func TopLevelValueRange(data []byte, key string) (start, end int, found bool, err error) {
	if len(data) == 0 || data[0] != 'd' {
		return 0, 0, false, &DecodeError{Kind: BadDictKey, Offset: 0, Detail: "not a dictionary"}
	}
	pos := 1
	for {
		if pos >= len(data) {
			return 0, 0, false, &DecodeError{Kind: Truncated, Offset: pos}
		}
		if data[pos] == 'e' {
			return 0, 0, false, nil
		}
		keyVal, next, err := decodeString(data, pos)
		if err != nil {
			return 0, 0, false, err
		}
		pos = next
		valueStart := pos
		_, valueEnd, err := decodeValue(data, pos)
		if err != nil {
			return 0, 0, false, err
		}
		if string(keyVal.Str) == key {
			return valueStart, valueEnd, true, nil
		}
		pos = valueEnd
	}
}
