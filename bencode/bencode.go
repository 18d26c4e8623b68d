// Package bencode implements the BEP 3 serialization used by .torrent files
// and HTTP tracker responses: integers, byte strings, lists, and dictionaries.
//
// Unlike a reflect/struct-tag marshaler, this package exposes a
// value-oriented Decode that reports how many bytes of the input it
// consumed. That is what lets metainfo parsing recover the exact byte range
// of the "info" dictionary, which is required to reproduce info_hash
// bit-for-bit (see metainfo.Parse).
package bencode

import "fmt"

// Kind identifies the dynamic type of a decoded Value.
type Kind int

const (
	// KindInteger is a bencoded integer (i<digits>e).
	KindInteger Kind = iota
	// KindString is a bencoded byte string (<len>:<bytes>).
	KindString
	// KindList is a bencoded list (l<value>*e).
	KindList
	// KindDict is a bencoded dictionary (d(<string><value>)*e).
	KindDict
)

// Value is a decoded bencode value. Exactly one of the typed fields is
// meaningful, selected by Kind.
type Value struct {
	Kind Kind

	Int  int64
	Str  []byte
	List []Value
	Dict map[string]Value

	// DictKeys preserves the order keys were encountered while decoding,
	// so that a dictionary decoded from an out-of-order source can still
	// be inspected in source order if needed. Encoding always emits keys
	// in lexicographic order regardless of DictKeys.
	DictKeys []string
}

// Integer constructs an integer Value.
func Integer(v int64) Value { return Value{Kind: KindInteger, Int: v} }

// String constructs a byte-string Value.
func String(v []byte) Value { return Value{Kind: KindString, Str: v} }

// List constructs a list Value.
func List(v []Value) Value { return Value{Kind: KindList, List: v} }

// Dict constructs a dictionary Value from a map. DictKeys is filled in map
// iteration order, which is unspecified; encoding sorts keys
// lexicographically regardless.
func Dict(v map[string]Value) Value {
	keys := make([]string, 0, len(v))
	for k := range v {
		keys = append(keys, k)
	}
	return Value{Kind: KindDict, Dict: v, DictKeys: keys}
}

// GetString fetches a string-valued key from a dictionary Value.
func (v Value) GetString(key string) ([]byte, bool) {
	if v.Kind != KindDict {
		return nil, false
	}
	e, ok := v.Dict[key]
	if !ok || e.Kind != KindString {
		return nil, false
	}
	return e.Str, true
}

// GetInt fetches an integer-valued key from a dictionary Value.
func (v Value) GetInt(key string) (int64, bool) {
	if v.Kind != KindDict {
		return 0, false
	}
	e, ok := v.Dict[key]
	if !ok || e.Kind != KindInteger {
		return 0, false
	}
	return e.Int, true
}

// Get fetches a raw key from a dictionary Value.
func (v Value) Get(key string) (Value, bool) {
	if v.Kind != KindDict {
		return Value{}, false
	}
	e, ok := v.Dict[key]
	return e, ok
}

func (k Kind) String() string {
	switch k {
	case KindInteger:
		return "integer"
	case KindString:
		return "string"
	case KindList:
		return "list"
	case KindDict:
		return "dict"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}
